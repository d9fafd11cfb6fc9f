// Package storage wraps the S3/R2-compatible object store with the tenant
// key layout, signed URL issuance, and quarantine promotion.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"github.com/wisbric/brandowl/internal/apperr"
)

// Signed URL expiries by asset class.
const (
	RenderURLExpiry  = 15 * time.Minute
	PreviewURLExpiry = 30 * time.Minute
)

// Store is the object-storage adapter. Safe for concurrent use.
type Store struct {
	client *minio.Client
	bucket string
}

// New creates a store over the given client and bucket.
func New(client *minio.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Key layout helpers. All object keys are org-scoped.

// QuarantineKey returns the holding key for unscanned or unsafe bytes.
func QuarantineKey(orgID, projectID, filename string) string {
	return fmt.Sprintf("org/%s/quarantine/%s/%s_%s", orgID, projectID, uuid.New().String(), sanitizeFilename(filename))
}

// PublicKey returns the serving key for scanned evidence assets.
func PublicKey(orgID, projectID, ext string) string {
	return fmt.Sprintf("org/%s/public/%s/%s.%s", orgID, projectID, uuid.New().String(), ext)
}

// RenderKey returns the key for a final rendered asset.
func RenderKey(orgID, projectID, ext string) string {
	return fmt.Sprintf("org/%s/renders/%s/%s.%s", orgID, projectID, uuid.New().String(), ext)
}

// PreviewKey returns the key for a low-resolution preview asset.
func PreviewKey(orgID, projectID, ext string) string {
	return fmt.Sprintf("org/%s/previews/%s/%s.%s", orgID, projectID, uuid.New().String(), ext)
}

// PublicAlias maps any org-scoped asset key to its gateway-facing alias
// `public/{project}/{file}`. The alias is what clients see in responses;
// the serving layer resolves it back to the caller's org object. Returns
// "" for keys outside the org layout.
func PublicAlias(key string) string {
	parts := strings.SplitN(key, "/", 5)
	// org/{org}/{class}/{project}/{file}
	if len(parts) != 5 || parts[0] != "org" {
		return ""
	}
	return fmt.Sprintf("public/%s/%s", parts[3], parts[4])
}

// PromotedKey maps a quarantine key to its public equivalent (same
// basename, quarantine/ → public/).
func PromotedKey(quarantineKey string) (string, error) {
	if !strings.Contains(quarantineKey, "/quarantine/") {
		return "", fmt.Errorf("key %q is not a quarantine key", quarantineKey)
	}
	return strings.Replace(quarantineKey, "/quarantine/", "/public/", 1), nil
}

// Put stores bytes under key with the given content type.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, err, "storing object %s", key)
	}
	return nil
}

// Get reads an object's bytes. Missing objects return a storage error with
// the not-found detail preserved.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, err, "reading object %s", key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) && minioErr.Code == "NoSuchKey" {
			return nil, apperr.Wrap(apperr.KindStorage, err, "object %s not found", key)
		}
		return nil, apperr.Wrap(apperr.KindStorage, err, "reading object %s", key)
	}
	return data, nil
}

// Exists reports whether an object is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) && minioErr.Code == "NoSuchKey" {
			return false, nil
		}
		return false, apperr.Wrap(apperr.KindStorage, err, "checking object %s", key)
	}
	return true, nil
}

// SignedURL issues a time-bounded read URL for an object.
func (s *Store) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, err, "signing URL for %s", key)
	}
	return u.String(), nil
}

// Promote moves clean bytes from quarantine to the public prefix via
// server-side copy, then removes the quarantine copy. Returns the public key.
func (s *Store) Promote(ctx context.Context, quarantineKey string) (string, error) {
	publicKey, err := PromotedKey(quarantineKey)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, err, "promoting %s", quarantineKey)
	}

	_, err = s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: publicKey},
		minio.CopySrcOptions{Bucket: s.bucket, Object: quarantineKey},
	)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, err, "promoting %s", quarantineKey)
	}

	if err := s.client.RemoveObject(ctx, s.bucket, quarantineKey, minio.RemoveObjectOptions{}); err != nil {
		// The copy succeeded; a stale quarantine object is harmless.
		return publicKey, nil
	}
	return publicKey, nil
}

// Delete removes an object.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return apperr.Wrap(apperr.KindStorage, err, "deleting object %s", key)
	}
	return nil
}

// ContentTypeForFormat maps an output format to its MIME type.
func ContentTypeForFormat(format string) string {
	switch strings.ToLower(format) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	default:
		return "image/png"
	}
}

// sanitizeFilename keeps object keys free of path tricks and odd bytes.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
