package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Minio stores project files in an S3-compatible bucket, one object per
// file keyed as {project}/{path}.
type Minio struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

// NewMinio connects to the configured endpoint and ensures the bucket exists.
func NewMinio(cfg Config, log *zap.Logger) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "prism-projects"
	}

	exists, err := client.BucketExists(context.Background(), bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(context.Background(), bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		log.Info("created bucket", zap.String("bucket", bucket))
	}

	return &Minio{client: client, bucket: bucket, log: log}, nil
}

func (m *Minio) key(project, p string) string {
	return project + "/" + path.Clean(strings.TrimPrefix(p, "/"))
}

func (m *Minio) ListProjects(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		name, _, ok := strings.Cut(obj.Key, "/")
		if ok && name != "" && !strings.HasPrefix(name, ".") {
			seen[name] = true
		}
	}
	projects := make([]string, 0, len(seen))
	for p := range seen {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	return projects, nil
}

func (m *Minio) Read(ctx context.Context, project, p string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.key(project, p), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", p, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var mErr minio.ErrorResponse
		if errors.As(err, &mErr) && mErr.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", p, ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

func (m *Minio) Write(ctx context.Context, project, p string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, m.key(project, p),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("put %s: %w", p, err)
	}
	return nil
}

func (m *Minio) Delete(ctx context.Context, project, p string) error {
	exists, err := m.Exists(ctx, project, p)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s: %w", p, ErrNotExist)
	}
	if err := m.client.RemoveObject(ctx, m.bucket, m.key(project, p), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

func (m *Minio) Exists(ctx context.Context, project, p string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, m.key(project, p), minio.StatObjectOptions{})
	if err != nil {
		var mErr minio.ErrorResponse
		if errors.As(err, &mErr) && (mErr.Code == "NoSuchKey" || mErr.StatusCode == 404) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return true, nil
}

func (m *Minio) List(ctx context.Context, project, prefix string) ([]FileInfo, error) {
	keyPrefix := project + "/"
	if prefix != "" {
		keyPrefix += strings.TrimSuffix(prefix, "/") + "/"
	}

	var files []FileInfo
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    keyPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		rel := strings.TrimPrefix(obj.Key, project+"/")
		name := path.Base(rel)
		if name == "" || strings.HasPrefix(name, ".") {
			continue
		}
		files = append(files, FileInfo{
			Name:     name,
			Path:     rel,
			Size:     obj.Size,
			Modified: obj.LastModified,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (m *Minio) DeleteProject(ctx context.Context, project string) error {
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    project + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("list project %s: %w", project, obj.Err)
		}
		if err := m.client.RemoveObject(ctx, m.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %s: %w", obj.Key, err)
		}
	}
	return nil
}
