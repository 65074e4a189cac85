// Package evidence signs direct-to-bucket uploads and downloads for dispute
// evidence files.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"marketflow/apperr"
)

// MaxSize is the largest declared upload accepted.
const MaxSize int64 = 10 << 20

var (
	ErrContentType   = apperr.New(apperr.Validation, "evidence: content type not allowed")
	ErrTooLarge      = apperr.New(apperr.Validation, "evidence: file exceeds 10 MiB")
	ErrEmptyFile     = apperr.New(apperr.Validation, "evidence: file is empty")
	ErrObjectMissing = apperr.New(apperr.NotFound, "evidence: object not uploaded")
	ErrKeyScope      = apperr.New(apperr.Permission, "evidence: object key belongs to another dispute")
)

var allowedTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"image/heic":      true,
	"application/pdf": true,
	"text/plain":      true,
}

// SignedURL is what clients use to talk to the bucket directly.
type SignedURL struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ObjectKey string            `json:"object_key"`
	ExpiresAt time.Time         `json:"expires_at"`
}

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

type Store interface {
	SignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (SignedURL, error)
	SignDownload(ctx context.Context, key string, ttl time.Duration) (SignedURL, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}

// ValidateUpload checks a declared content type and size.
func ValidateUpload(contentType string, size int64) error {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if !allowedTypes[ct] {
		return fmt.Errorf("%w: %q", ErrContentType, contentType)
	}
	if size <= 0 {
		return ErrEmptyFile
	}
	if size > MaxSize {
		return ErrTooLarge
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeName reduces a client file name to a safe object key segment.
func SanitizeName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	base = unsafeChars.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-.")
	if base == "" {
		base = "file"
	}
	if len(base) > 80 {
		ext := path.Ext(base)
		if len(ext) > 10 {
			ext = ""
		}
		base = strings.TrimRight(base[:80-len(ext)], "-.") + ext
	}
	return base
}

// ObjectKey builds disputes/<dispute>/<id>-<name>.
func ObjectKey(disputeID, id, filename string) string {
	return fmt.Sprintf("disputes/%s/%s-%s", disputeID, id, SanitizeName(filename))
}

// NewObjectKey is ObjectKey with a fresh random id.
func NewObjectKey(disputeID, filename string) string {
	return ObjectKey(disputeID, uuid.NewString(), filename)
}

// CheckScope rejects keys outside the dispute's prefix.
func CheckScope(disputeID, key string) error {
	if !strings.HasPrefix(key, "disputes/"+disputeID+"/") || strings.Contains(key, "..") {
		return ErrKeyScope
	}
	return nil
}

// GCSStore signs V4 URLs against one bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	now    func() time.Time
}

// NewGCSStore uses explicit service account JSON when given, otherwise
// application default credentials.
func NewGCSStore(ctx context.Context, bucket, credentialsJSON string) (*GCSStore, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("evidence: bucket is required")
	}
	var opts []option.ClientOption
	if strings.TrimSpace(credentialsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("evidence: storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, now: time.Now}, nil
}

func (s *GCSStore) SignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (SignedURL, error) {
	expires := s.now().Add(ttl)
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      "PUT",
		ContentType: contentType,
		Expires:     expires,
	})
	if err != nil {
		return SignedURL{}, fmt.Errorf("evidence: sign upload: %w", err)
	}
	return SignedURL{
		URL:       url,
		Method:    "PUT",
		Headers:   map[string]string{"Content-Type": contentType},
		ObjectKey: key,
		ExpiresAt: expires,
	}, nil
}

func (s *GCSStore) SignDownload(ctx context.Context, key string, ttl time.Duration) (SignedURL, error) {
	expires := s.now().Add(ttl)
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: expires,
	})
	if err != nil {
		return SignedURL{}, fmt.Errorf("evidence: sign download: %w", err)
	}
	return SignedURL{URL: url, Method: "GET", ObjectKey: key, ExpiresAt: expires}, nil
}

func (s *GCSStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ObjectInfo{}, ErrObjectMissing
		}
		return ObjectInfo{}, apperr.Wrap(apperr.Network, "evidence: stat object", err)
	}
	return ObjectInfo{Key: key, Size: attrs.Size, ContentType: attrs.ContentType}, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
