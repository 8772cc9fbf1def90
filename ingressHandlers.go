package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/mmdatafocus/vas_recon/workflow"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxIngestBytes bounds a single settlement file.
const maxIngestBytes int64 = 64 << 20

// ingressPrefix is where supplier uploads land: incoming/<supplierCode>/<file>.
const ingressPrefix = "incoming/"

const gcsEventFinalize = "OBJECT_FINALIZE"

type PubSubMessage struct {
	Message struct {
		Data       []byte            `json:"data,omitempty"`
		Attributes map[string]string `json:"attributes,omitempty"`
		ID         string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gcsObjectNotification is the JSON body of a bucket notification.
type gcsObjectNotification struct {
	Bucket      string    `json:"bucket"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	TimeCreated time.Time `json:"timeCreated"`
}

// errPoisonMessage marks notifications that will never succeed; they are
// acked so Pub/Sub stops redelivering them.
var errPoisonMessage = errors.New("poison message")

func (s *reconServer) ingestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		code := strings.TrimSpace(c.Param("supplierCode"))
		content, fileName, err := readIngestBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.Request = c.Request.WithContext(utils.SetSupplierCodeInContext(c.Request.Context(), code))
		ctx := c.Request.Context()
		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		res, err := s.pool.Ingest(ctx, workflow.FileSubmission{
			SupplierCode:  code,
			FileName:      fileName,
			Content:       content,
			ReceivedAt:    time.Now().UTC(),
			CorrelationId: cid,
		})
		if err != nil {
			if res.RunId != "" {
				// Admitted but not queued; recovery requeues it once stale.
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "data": res})
				return
			}
			abortWithError(c, err)
			return
		}

		s.logger.WithFields(logrus.Fields{
			"field":             "ingest",
			"supplier_code":     code,
			"file_name":         fileName,
			"run_id":            res.RunId,
			"already_processed": res.AlreadyProcessed,
			"correlation_id":    cid,
		}).Info("[ingest.file]")

		status := http.StatusAccepted
		if res.AlreadyProcessed {
			status = http.StatusOK
		}
		c.JSON(status, gin.H{"data": res})
	}
}

// readIngestBody accepts a multipart "file" field or the raw request body.
func readIngestBody(c *gin.Context) ([]byte, string, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxIngestBytes)
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("multipart field \"file\" is required")
		}
		content, err := readFormFile(fh)
		if err != nil {
			return nil, "", err
		}
		return content, fh.Filename, nil
	}

	content, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if len(content) == 0 {
		return nil, "", errors.New("file content is required")
	}
	fileName := strings.TrimSpace(c.Query("file_name"))
	if fileName == "" {
		fileName = "upload-" + time.Now().UTC().Format("20060102T150405")
	}
	return content, filepath.Base(fileName), nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, errors.New("file content is required")
	}
	return content, nil
}

type uploadSignRequest struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type uploadSignResponse struct {
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ObjectKey string            `json:"objectKey"`
	ObjectURI string            `json:"objectUri"`
	ExpiresAt string            `json:"expiresAt"`
}

// mimeTypesByAdapter lists what a supplier may upload for its declared format.
var mimeTypesByAdapter = map[models.AdapterClass][]string{
	models.AdapterCSV:        {"text/csv", "text/plain", "application/octet-stream"},
	models.AdapterFixedWidth: {"text/plain", "application/octet-stream"},
	models.AdapterJSON:       {"application/json", "text/plain"},
	models.AdapterXML:        {"application/xml", "text/xml"},
	models.AdapterXLSX:       {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
}

// signUploadHandler hands a supplier a V4 signed PUT URL into the ingress
// bucket. The finalize notification then reaches /pubsub/ingress.
func (s *reconServer) signUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := s.logger
		code := strings.TrimSpace(c.Param("supplierCode"))

		var req uploadSignRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.FileName == "" || req.MimeType == "" || req.Size <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fileName, mimeType and size are required"})
			return
		}
		if req.Size > maxIngestBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("file size exceeds %dMB limit", maxIngestBytes>>20)})
			return
		}

		cfg, err := s.registry.GetConfig(c.Request.Context(), code)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if !mimeAllowed(cfg.AdapterClass, req.MimeType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s is not accepted for %s files", req.MimeType, cfg.AdapterClass)})
			return
		}

		objectKey := ingressObjectKey(cfg.Code, req.FileName)
		if utils.GetStorageProvider() != utils.StorageProviderGCS {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storage provider not supported"})
			return
		}
		signed, err := utils.SignUpload(c.Request.Context(), config.IngressBucket(), objectKey, req.MimeType, req.Size, 15*time.Minute)
		if err != nil {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"field":          "signUpload",
				"provider":       utils.GetStorageProvider(),
				"correlation_id": cid,
			}).Error(err.Error())
			message := "failed to sign upload"
			if !strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
				message = fmt.Sprintf("failed to sign upload: %v", err)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": message})
			return
		}

		logger.WithFields(logrus.Fields{
			"supplier_code": cfg.Code,
			"mime_type":     req.MimeType,
			"size":          req.Size,
			"object_key":    objectKey,
		}).Info("[upload.sign]")

		c.JSON(http.StatusOK, gin.H{
			"data": uploadSignResponse{
				UploadURL: signed.UploadURL,
				Method:    signed.Method,
				Headers:   signed.Headers,
				ObjectKey: signed.ObjectKey,
				ObjectURI: signed.ObjectURI,
				ExpiresAt: signed.ExpiresAt.UTC().Format(time.RFC3339),
			},
		})
	}
}

func mimeAllowed(class models.AdapterClass, mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	for _, m := range mimeTypesByAdapter[class] {
		if m == mimeType {
			return true
		}
	}
	return false
}

func ingressObjectKey(supplierCode, fileName string) string {
	name := sanitizeSegment(strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName)))
	if name == "" {
		name = "settlement"
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	return path.Join(strings.TrimSuffix(ingressPrefix, "/"), supplierCode, uuid.NewString()+"-"+name+ext)
}

func sanitizeSegment(input string) string {
	var b strings.Builder
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "._")
}

// supplierFromObject reads incoming/<supplierCode>/<file>.
func supplierFromObject(objectName string) (supplierCode, fileName string, ok bool) {
	if !strings.HasPrefix(objectName, ingressPrefix) {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(objectName, ingressPrefix), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.HasSuffix(parts[1], "/") {
		return "", "", false
	}
	return parts[0], path.Base(parts[1]), true
}

func (s *reconServer) pubsubIngressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage
		logger := s.logger

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "ingressHandlers.go", "pubsubIngressHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "ingressHandlers.go", "pubsubIngressHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		err = s.handleObjectNotification(c.Request.Context(), msg.Message.ID, msg.Message.Attributes, msg.Message.Data)
		switch {
		case err == nil:
			c.Status(http.StatusNoContent)
		case errors.Is(err, errPoisonMessage):
			c.Status(http.StatusNoContent)
		default:
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
		}
	}
}

// handleObjectNotification fetches a finalized upload and ingests it. It is
// shared by the push endpoint and the pull subscriber.
func (s *reconServer) handleObjectNotification(ctx context.Context, messageId string, attrs map[string]string, data []byte) error {
	logger := s.logger
	if event := attrs["eventType"]; event != "" && event != gcsEventFinalize {
		return nil
	}

	var n gcsObjectNotification
	if err := json.Unmarshal(data, &n); err != nil {
		config.LogError(logger, "ingressHandlers.go", "handleObjectNotification", "Unmarshal notification", string(data), err)
		return fmt.Errorf("%w: %v", errPoisonMessage, err)
	}
	if n.Bucket == "" {
		n.Bucket = attrs["bucketId"]
	}
	if n.Name == "" {
		n.Name = attrs["objectId"]
	}
	if bucket := config.IngressBucket(); bucket != "" && n.Bucket != bucket {
		return fmt.Errorf("%w: bucket %q is not the ingress bucket", errPoisonMessage, n.Bucket)
	}
	code, fileName, ok := supplierFromObject(n.Name)
	if !ok {
		logger.WithFields(logrus.Fields{
			"field":      "handleObjectNotification",
			"bucket":     n.Bucket,
			"object":     n.Name,
			"message_id": messageId,
		}).Warn("object outside the ingress prefix; ignoring")
		return fmt.Errorf("%w: object %q", errPoisonMessage, n.Name)
	}

	ctx, span := tracer.Start(ctx, "ingress.object", trace.WithAttributes(
		attribute.String("bucket", n.Bucket),
		attribute.String("object", n.Name),
		attribute.String("supplier_code", code),
	))
	defer span.End()

	fields := logrus.Fields{
		"field":         "handleObjectNotification",
		"supplier_code": code,
		"object":        n.Name,
		"message_id":    messageId,
	}

	// Best-effort: redeliveries of the same object wait rather than fetch it
	// twice. Correctness rests on the (supplier, file hash) unique index.
	lock, err := config.ObtainLock(ctx, fmt.Sprintf("lock:ingress:%s/%s", n.Bucket, n.Name), 30*time.Second)
	if errors.Is(err, redislock.ErrNotObtained) {
		logger.WithFields(fields).Warn("could not obtain redis lock; proceeding without redis lock")
		lock = nil
	} else if err != nil {
		logger.WithFields(fields).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
		lock = nil
	}
	defer func() {
		if lock == nil {
			return
		}
		if releaseErr := lock.Release(context.Background()); releaseErr != nil {
			logger.WithFields(fields).Warn("failed to release redis lock: " + releaseErr.Error())
		}
	}()

	content, err := s.objects.Read(ctx, n.Bucket, n.Name)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		logger.WithFields(fields).Warn("object no longer exists; dropping notification")
		return fmt.Errorf("%w: object %q not found", errPoisonMessage, n.Name)
	}
	if err != nil {
		return err
	}

	receivedAt := n.TimeCreated.UTC()
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	correlationId := messageId
	if correlationId == "" {
		correlationId = uuid.NewString()
	}
	ctx = utils.SetCorrelationIdInContext(utils.SetSupplierCodeInContext(ctx, code), correlationId)
	res, err := s.pool.Ingest(ctx, workflow.FileSubmission{
		SupplierCode:  code,
		FileName:      fileName,
		Content:       content,
		ReceivedAt:    receivedAt,
		CorrelationId: correlationId,
	})
	if err != nil {
		if res.RunId != "" {
			// The run is recorded; a redelivery would only find it processed.
			logger.WithFields(fields).Error("run admitted but not queued: " + err.Error())
			return nil
		}
		if errors.Is(err, utils.ErrConfigurationMissing) {
			logger.WithFields(fields).Warn("no active supplier config; dropping notification")
			return fmt.Errorf("%w: %v", errPoisonMessage, err)
		}
		logger.WithFields(fields).Error("ingress failed: " + err.Error())
		return err
	}
	fields["run_id"] = res.RunId
	fields["already_processed"] = res.AlreadyProcessed
	logger.WithFields(fields).Info("[ingest.object]")
	return nil
}

// runIngressSubscriber consumes bucket notifications from a pull
// subscription. Receive returns when ctx is done.
func (s *reconServer) runIngressSubscriber(ctx context.Context) {
	logger := s.logger
	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		config.LogError(logger, "ingressHandlers.go", "runIngressSubscriber", "pubsub client", nil, err)
		return
	}

	name := config.IngressSubscription()
	sub, err := config.EnsureIngressSubscription(ctx, client, name, config.IngressTopic())
	if err != nil {
		config.LogError(logger, "ingressHandlers.go", "runIngressSubscriber", "subscription", name, err)
		return
	}
	sub.ReceiveSettings.MaxOutstandingMessages = config.Workers()

	logger.WithFields(logrus.Fields{"field": "runIngressSubscriber", "subscription": name}).Info("consuming bucket notifications")
	err = sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		if err := s.handleObjectNotification(ctx, m.ID, m.Attributes, m.Data); err != nil && !errors.Is(err, errPoisonMessage) {
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil && ctx.Err() == nil {
		config.LogError(logger, "ingressHandlers.go", "runIngressSubscriber", "receive", name, err)
	}
}
