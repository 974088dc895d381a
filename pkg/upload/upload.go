// Package upload delivers access packages, the data collected for an access
// request, to their destination.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// Package is the document handed to the data subject.
type Package struct {
	PrivacyRequestID string                    `json:"privacy_request_id"`
	PolicyKey        string                    `json:"policy_key"`
	GeneratedAt      time.Time                 `json:"generated_at"`
	Collections      map[string][]domain.Row   `json:"collections"`
	ManualWebhooks   map[string]map[string]any `json:"manual_webhooks,omitempty"`
}

// Uploader stores a package and returns where it can be retrieved.
type Uploader interface {
	Upload(ctx context.Context, pkg Package) (string, error)
}

// Config selects the destination.
type Config struct {
	Kind   string `yaml:"kind"` // local | s3
	Dir    string `yaml:"dir"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint, e.g. for MinIO or LocalStack.
	Endpoint string `yaml:"endpoint"`
}

// New builds the configured uploader. An empty kind disables uploads.
func New(ctx context.Context, cfg Config) (Uploader, error) {
	switch cfg.Kind {
	case "":
		return nil, nil
	case "local":
		u, err := NewLocalUploader(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return u, nil
	case "s3":
		u, err := NewS3Uploader(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return u, nil
	default:
		return nil, fmt.Errorf("%w: unknown upload kind %q", domain.ErrConfigInvalid, cfg.Kind)
	}
}

func objectName(pkg Package) (string, error) {
	id := strings.TrimSpace(pkg.PrivacyRequestID)
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid privacy request id %q", pkg.PrivacyRequestID)
	}
	return id + ".json", nil
}

// LocalUploader writes packages as JSON files into a directory.
type LocalUploader struct {
	dir string
}

// NewLocalUploader creates dir if needed.
func NewLocalUploader(dir string) (*LocalUploader, error) {
	if dir == "" {
		return nil, errors.New("local upload requires a directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalUploader{dir: dir}, nil
}

// Upload implements Uploader. The file is written atomically via rename.
func (u *LocalUploader) Upload(ctx context.Context, pkg Package) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := objectName(pkg)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode package: %w", err)
	}

	final := filepath.Join(u.dir, name)
	tmp, err := os.CreateTemp(u.dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create package file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write package file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close package file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("publish package file: %w", err)
	}
	return final, nil
}
