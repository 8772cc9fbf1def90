package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vas_recon/config"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/idtoken"
)

const pushIngressPath = "/pubsub/ingress"

var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

// pushAuthenticator checks the OIDC token Pub/Sub attaches to push requests.
// An empty Audience turns the check off.
type pushAuthenticator struct {
	Audience       string
	ServiceAccount string
	validate       func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

func newPushAuthenticator() pushAuthenticator {
	return pushAuthenticator{
		Audience:       config.PushAudience(),
		ServiceAccount: config.PushServiceAccount(),
		validate:       idtoken.Validate,
	}
}

func (a pushAuthenticator) enabled() bool {
	return a.Audience != ""
}

// verify validates signature, expiry and audience through Google's public
// keys, then the issuer and, when configured, the push service account.
func (a pushAuthenticator) verify(ctx context.Context, authorization string) error {
	raw, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return errors.New("missing bearer token")
	}
	validate := a.validate
	if validate == nil {
		validate = idtoken.Validate
	}
	payload, err := validate(ctx, strings.TrimSpace(raw), a.Audience)
	if err != nil {
		return err
	}
	if !googleIssuers[payload.Issuer] {
		return fmt.Errorf("unexpected issuer %q", payload.Issuer)
	}
	if a.ServiceAccount != "" {
		email, _ := payload.Claims["email"].(string)
		verified, _ := payload.Claims["email_verified"].(bool)
		if !verified || !strings.EqualFold(email, a.ServiceAccount) {
			return fmt.Errorf("token email %q is not the push service account", email)
		}
	}
	return nil
}

// requirePushToken answers 401 to push requests without a valid token.
// Pub/Sub retries them, so a misconfiguration does not lose notifications.
func (s *reconServer) requirePushToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.pushAuth.enabled() {
			c.Next()
			return
		}
		if err := s.pushAuth.verify(c.Request.Context(), c.GetHeader("Authorization")); err != nil {
			s.logger.WithFields(logrus.Fields{
				"field":  "pubsubIngress",
				"remote": c.ClientIP(),
			}).Warn("rejected push request: " + err.Error())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
