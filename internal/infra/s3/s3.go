package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Valerii-S84/quiz-arena-sub002/internal/domain/model"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

func NewClient(cfg Config) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	return client, nil
}

type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ReportArchive stores reconciliation runs as JSON objects.
type ReportArchive struct {
	client objectPutter
	bucket string
	prefix string
}

func NewReportArchive(client *minio.Client, bucket, prefix string) *ReportArchive {
	return &ReportArchive{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (a *ReportArchive) ObjectName(run model.ReconciliationRun) string {
	name := fmt.Sprintf("%s/run-%d.json", run.FinishedAt.UTC().Format("2006/01/02/150405"), run.ID)
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}

func (a *ReportArchive) Archive(ctx context.Context, run model.ReconciliationRun) (string, error) {
	if a == nil || a.client == nil {
		return "", fmt.Errorf("s3 client is nil")
	}
	if a.bucket == "" {
		return "", fmt.Errorf("s3 bucket is required")
	}

	body, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("marshal reconciliation run: %w", err)
	}

	name := a.ObjectName(run)
	_, err = a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("put reconciliation report: %w", err)
	}
	return name, nil
}
