package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	maxAvatarBytes int64 = 5 * 1024 * 1024
	maxAssetBytes  int64 = 20 * 1024 * 1024
)

// AssetStorage stores generated book artwork, exported PDFs and user avatars
// in a MinIO/S3 bucket.
type AssetStorage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewAssetStorageFromEnv initialises AssetStorage using MINIO_* environment
// variables. It returns (nil, nil) when the variables are absent so callers
// can treat object storage as optional.
func NewAssetStorageFromEnv() (*AssetStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &AssetStorage{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Upload stores raw asset bytes beneath the given path segments and returns
// the stored object's public URL. The object key becomes
// <segments...>/<uuid><ext>.
func (s *AssetStorage) Upload(ctx context.Context, data []byte, contentType string, pathSegments ...string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: asset storage not configured")
	}
	if len(data) == 0 {
		return "", errors.New("storage: asset payload is empty")
	}
	if int64(len(data)) > maxAssetBytes {
		return "", fmt.Errorf("storage: asset size exceeds %d bytes", maxAssetBytes)
	}

	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	segments := make([]string, 0, len(pathSegments))
	for _, segment := range pathSegments {
		trimmed := strings.Trim(segment, "/")
		if trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	if len(segments) == 0 {
		segments = append(segments, "assets")
	}
	objectName := path.Join(path.Join(segments...), uuid.NewString()+extensionFor(contentType))

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.PutObject(uploadCtx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=604800",
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload asset: %w", err)
	}

	return s.buildPublicURL(objectName), nil
}

// UploadAvatar stores a user-submitted avatar from a multipart form file.
func (s *AssetStorage) UploadAvatar(ctx context.Context, fileHeader *multipart.FileHeader, pathSegments ...string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: asset storage not configured")
	}
	if fileHeader == nil {
		return "", errors.New("storage: avatar file not provided")
	}
	if fileHeader.Size > 0 && fileHeader.Size > maxAvatarBytes {
		return "", fmt.Errorf("storage: avatar size exceeds %d bytes", maxAvatarBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("storage: open avatar: %w", err)
	}
	defer src.Close()

	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(src, maxAvatarBytes+1))
	if err != nil {
		return "", fmt.Errorf("storage: read avatar: %w", err)
	}
	if written > maxAvatarBytes {
		return "", fmt.Errorf("storage: avatar size exceeds %d bytes", maxAvatarBytes)
	}

	data := buffer.Bytes()
	contentType := strings.TrimSpace(fileHeader.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !isAllowedImageContent(contentType) {
		return "", fmt.Errorf("storage: unsupported avatar content type %q", contentType)
	}

	segments := append([]string{"avatars"}, pathSegments...)
	return s.Upload(ctx, data, contentType, segments...)
}

// Download fetches the object referenced by the given URL/object path. Used
// by the PDF assembler to embed previously stored page artwork.
func (s *AssetStorage) Download(ctx context.Context, assetURL string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("storage: asset storage not configured")
	}
	objectName, ok := s.objectNameFromURL(assetURL)
	if !ok {
		return nil, fmt.Errorf("storage: cannot resolve object for %q", assetURL)
	}

	getCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	obj, err := s.client.GetObject(getCtx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: get asset: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxAssetBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage: read asset: %w", err)
	}
	if int64(len(data)) > maxAssetBytes {
		return nil, fmt.Errorf("storage: asset size exceeds %d bytes", maxAssetBytes)
	}
	return data, nil
}

// Remove deletes the object pointed to by the provided URL/object path.
func (s *AssetStorage) Remove(ctx context.Context, assetURL string) error {
	if s == nil || s.client == nil {
		return nil
	}
	objectName, ok := s.objectNameFromURL(assetURL)
	if !ok {
		return nil
	}

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.client.RemoveObject(removeCtx, s.bucket, objectName, minio.RemoveObjectOptions{})
}

// PresignedURL returns a temporary GET URL for the provided asset.
func (s *AssetStorage) PresignedURL(ctx context.Context, raw string, expiry time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return strings.TrimSpace(raw), nil
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	objectName, ok := s.objectNameFromURL(trimmed)
	if !ok {
		if !strings.Contains(trimmed, "://") {
			objectName = strings.TrimPrefix(trimmed, "/")
			objectName = strings.TrimPrefix(objectName, s.bucket+"/")
		}
	}
	if objectName == "" {
		return trimmed, nil
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	signed, err := s.client.PresignedGetObject(presignCtx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", err
	}
	return signed.String(), nil
}

func (s *AssetStorage) buildPublicURL(objectName string) string {
	base := strings.TrimSuffix(s.publicURL, "/")
	object := strings.TrimPrefix(objectName, "/")
	return fmt.Sprintf("%s/%s/%s", base, s.bucket, object)
}

func (s *AssetStorage) objectNameFromURL(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	base := strings.TrimSuffix(s.publicURL, "/")
	if base != "" && strings.HasPrefix(trimmed, base) {
		candidate := strings.TrimPrefix(trimmed, base)
		candidate = strings.TrimPrefix(candidate, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	target, err := url.Parse(trimmed)
	if err != nil {
		return "", false
	}
	baseURL, err := url.Parse(base)
	if err == nil && baseURL.Host != "" && baseURL.Host == target.Host {
		candidate := strings.TrimPrefix(target.Path, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	if !strings.Contains(trimmed, "://") {
		candidate := strings.TrimPrefix(trimmed, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	return "", false
}

func isAllowedImageContent(contentType string) bool {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png", "image/x-png":
		return true
	case "image/jpeg", "image/pjpeg":
		return true
	case "image/webp":
		return true
	case "image/gif":
		return true
	default:
		return false
	}
}

func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png", "image/x-png":
		return ".png"
	case "image/jpeg", "image/pjpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "application/pdf":
		return ".pdf"
	}
	return ".bin"
}
