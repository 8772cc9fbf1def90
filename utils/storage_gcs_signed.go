package utils

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

const StorageProviderGCS = "gcs"

// GetStorageProvider reads STORAGE_PROVIDER; only gcs can sign uploads.
func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderGCS
	}
	return provider
}

// SignedUpload is what a supplier needs to PUT one settlement file. Every
// header listed must be sent exactly as given or GCS rejects the upload.
type SignedUpload struct {
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ObjectKey string            `json:"objectKey"`
	ObjectURI string            `json:"objectUri"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

type serviceAccountJSON struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// urlSigner holds either an exported key or a remote signing func.
type urlSigner struct {
	email      string
	privateKey []byte
	signBytes  func([]byte) ([]byte, error)
}

func (s urlSigner) apply(opts *storage.SignedURLOptions) {
	opts.GoogleAccessID = s.email
	opts.PrivateKey = s.privateKey
	opts.SignBytes = s.signBytes
}

// SignUpload signs a V4 PUT into bucket. The size cap travels as a signed
// x-goog-content-length-range header so GCS enforces it.
func SignUpload(ctx context.Context, bucket, objectKey, contentType string, maxBytes int64, expires time.Duration) (*SignedUpload, error) {
	if provider := GetStorageProvider(); provider != StorageProviderGCS {
		return nil, fmt.Errorf("storage provider %q is not supported for signed uploads", provider)
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("ingress bucket is required")
	}
	signer, err := resolveSigner(ctx)
	if err != nil {
		return nil, err
	}

	lengthRange := fmt.Sprintf("0,%d", maxBytes)
	opts := &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      http.MethodPut,
		Expires:     time.Now().Add(expires),
		ContentType: contentType,
		Headers:     []string{"x-goog-content-length-range:" + lengthRange},
	}
	signer.apply(opts)
	signedURL, err := storage.SignedURL(bucket, objectKey, opts)
	if err != nil {
		return nil, fmt.Errorf("sign upload %s: %w", objectKey, err)
	}

	return &SignedUpload{
		UploadURL: signedURL,
		Method:    opts.Method,
		Headers: map[string]string{
			"Content-Type":                contentType,
			"x-goog-content-length-range": lengthRange,
		},
		ObjectKey: objectKey,
		ObjectURI: "gs://" + bucket + "/" + objectKey,
		ExpiresAt: opts.Expires,
	}, nil
}

// resolveSigner uses a key from the environment when one is set and falls
// back to the IAM Credentials API otherwise.
func resolveSigner(ctx context.Context) (urlSigner, error) {
	signer, ok, err := signerFromEnv()
	if err != nil || ok {
		return signer, err
	}
	return iamSigner(ctx)
}

// signerFromEnv reads GCS_CREDENTIALS_JSON first, then the
// GCS_SIGNER_EMAIL/GCS_SIGNER_PRIVATE_KEY pair. ok is false when neither is set.
func signerFromEnv() (urlSigner, bool, error) {
	if credJSON := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON")); credJSON != "" {
		var key serviceAccountJSON
		if err := json.Unmarshal([]byte(credJSON), &key); err != nil {
			return urlSigner{}, false, fmt.Errorf("invalid GCS_CREDENTIALS_JSON: %w", err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return urlSigner{}, false, errors.New("GCS_CREDENTIALS_JSON missing client_email or private_key")
		}
		return urlSigner{email: key.ClientEmail, privateKey: unescapeNewlines(key.PrivateKey)}, true, nil
	}

	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	privateKey := strings.TrimSpace(os.Getenv("GCS_SIGNER_PRIVATE_KEY"))
	if email == "" || privateKey == "" {
		return urlSigner{}, false, nil
	}
	return urlSigner{email: email, privateKey: unescapeNewlines(privateKey)}, true, nil
}

func unescapeNewlines(key string) []byte {
	return []byte(strings.ReplaceAll(key, "\\n", "\n"))
}

// iamSigner signs with the runtime service account, which on Cloud Run has
// no exported key.
func iamSigner(ctx context.Context) (urlSigner, error) {
	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	if email == "" && metadata.OnGCE() {
		var err error
		if email, err = metadata.Email("default"); err != nil {
			return urlSigner{}, fmt.Errorf("default service account email: %w", err)
		}
	}
	if email == "" {
		return urlSigner{}, errors.New("GCS_SIGNER_EMAIL is required when no private key is provided")
	}

	creds, err := google.FindDefaultCredentials(ctx, iamcredentials.CloudPlatformScope)
	if err != nil {
		return urlSigner{}, fmt.Errorf("load ADC credentials: %w", err)
	}
	svc, err := iamcredentials.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return urlSigner{}, fmt.Errorf("iamcredentials service: %w", err)
	}

	name := "projects/-/serviceAccounts/" + email
	return urlSigner{
		email: email,
		signBytes: func(payload []byte) ([]byte, error) {
			resp, err := svc.Projects.ServiceAccounts.SignBlob(name, &iamcredentials.SignBlobRequest{
				Payload: base64.StdEncoding.EncodeToString(payload),
			}).Context(ctx).Do()
			if err != nil {
				return nil, err
			}
			return base64.StdEncoding.DecodeString(resp.SignedBlob)
		},
	}, nil
}
