package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

const (
	ingressAckDeadline = 2 * time.Minute
	ingressMinBackoff  = 10 * time.Second
	ingressMaxBackoff  = 10 * time.Minute
	pubsubMaxInitWait  = 30 * time.Second
	pubsubDialAttempts = 6
)

func pubsubProjectID() string {
	for _, k := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// GetPubSubClient returns the shared client, dialing it on first use.
// Credentials come from PUBSUB_CREDENTIALS_JSON or ADC.
func GetPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := pubsubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	logger := GetLogger()
	wait := time.Second
	var lastErr error
	for attempt := 1; attempt <= pubsubDialAttempts; attempt++ {
		c, err := pubsub.NewClient(ctx, projectID, opts...)
		if err == nil {
			pubsubClient = c
			logger.WithFields(logrus.Fields{"field": "pubsub", "project_id": projectID, "attempt": attempt}).Info("pubsub client ready")
			return c, nil
		}
		lastErr = err
		logger.WithFields(logrus.Fields{"field": "pubsub", "project_id": projectID, "attempt": attempt, "retry_in": wait.String()}).
			WithError(err).Warn("pubsub client init failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, pubsubMaxInitWait)
	}
	return nil, fmt.Errorf("pubsub client for %s: %w", projectID, lastErr)
}

// EnsureIngressSubscription returns the pull subscription for bucket
// notifications. When topicName is set, the topic and subscription are
// created if missing; otherwise both must already exist.
func EnsureIngressSubscription(ctx context.Context, client *pubsub.Client, name, topicName string) (*pubsub.Subscription, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if name == "" {
		return nil, errors.New("ingress subscription name is required")
	}
	sub := client.Subscription(name)
	if topicName == "" {
		return sub, nil
	}

	topic := client.Topic(topicName)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", topicName, err)
	}
	if !ok {
		if topic, err = client.CreateTopic(ctx, topicName); err != nil {
			return nil, fmt.Errorf("create topic %q: %w", topicName, err)
		}
	}

	ok, err = sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %q: %w", name, err)
	}
	if ok {
		return sub, nil
	}
	// Redeliveries back off so a file that keeps failing does not spin.
	sub, err = client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: ingressAckDeadline,
		RetryPolicy: &pubsub.RetryPolicy{
			MinimumBackoff: ingressMinBackoff,
			MaximumBackoff: ingressMaxBackoff,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription %q: %w", name, err)
	}
	return sub, nil
}

// PublishJSON publishes obj as JSON and returns the server-assigned message ID.
func PublishJSON(ctx context.Context, topicName string, obj any, attrs map[string]string) (string, error) {
	if topicName == "" {
		return "", errors.New("topicName is required")
	}
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return client.Topic(topicName).Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
}
