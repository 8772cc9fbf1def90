package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/h2non/filetype"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSFileStore archives raw supplier files and fetches files announced by
// bucket notifications. The client is dialed on first use and shared.
type GCSFileStore struct {
	Bucket string

	once      sync.Once
	client    *storage.Client
	clientErr error
}

func NewGCSFileStore() *GCSFileStore {
	return &GCSFileStore{Bucket: strings.TrimSpace(os.Getenv("RECON_ARCHIVE_BUCKET"))}
}

// storageClient prefers ADC; GCS_CREDENTIALS_JSON overrides it for local runs.
func (s *GCSFileStore) storageClient(ctx context.Context) (*storage.Client, error) {
	s.once.Do(func() {
		var opts []option.ClientOption
		if credJSON := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON")); credJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
		}
		s.client, s.clientErr = storage.NewClient(context.WithoutCancel(ctx), opts...)
	})
	return s.client, s.clientErr
}

func (s *GCSFileStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// ArchiveObjectName is content addressed so that re-deliveries land on the
// same object.
func ArchiveObjectName(supplierCode, fileHash, fileName string) string {
	return fmt.Sprintf("settlements/%s/%s/%s", supplierCode, fileHash, fileName)
}

// archiveContentType labels binary uploads by magic bytes; anything else is
// stored as plain text.
func archiveContentType(data []byte) string {
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	return "text/plain; charset=utf-8"
}

// Archive stores the raw bytes exactly as received. An object already at
// objectName holds the same bytes, so the write is skipped.
func (s *GCSFileStore) Archive(ctx context.Context, objectName string, data []byte) error {
	if s.Bucket == "" {
		return errors.New("RECON_ARCHIVE_BUCKET is required")
	}
	client, err := s.storageClient(ctx)
	if err != nil {
		return err
	}

	wc := client.Bucket(s.Bucket).Object(objectName).
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)
	wc.ContentType = archiveContentType(data)
	wc.Metadata = map[string]string{"sha256": FileHash(data)}
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return fmt.Errorf("archive %s: %w", objectName, err)
	}
	if err := wc.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return nil
		}
		return fmt.Errorf("archive %s: %w", objectName, err)
	}
	return nil
}

// Read downloads an object from any bucket the service account can read.
// A missing object is ErrorRecordNotFound.
func (s *GCSFileStore) Read(ctx context.Context, bucket, objectName string) ([]byte, error) {
	if bucket == "" {
		bucket = s.Bucket
	}
	client, err := s.storageClient(ctx)
	if err != nil {
		return nil, err
	}
	rc, err := client.Bucket(bucket).Object(objectName).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Fetch reads an archived object from the archive bucket.
func (s *GCSFileStore) Fetch(ctx context.Context, objectName string) ([]byte, error) {
	return s.Read(ctx, s.Bucket, objectName)
}
