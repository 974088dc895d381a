package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-privacy/pkg/api"
	"github.com/polisai/polis-privacy/pkg/config"
	"github.com/polisai/polis-privacy/pkg/domain"
)

const testDatasets = `
datasets:
  - name: shop
    connection_key: shop_db
    collections:
      - name: users
        fields:
          - name: id
            primary_key: true
          - name: email
            identity: email
            data_categories: [user.contact.email]
      - name: orders
        fields:
          - name: id
            primary_key: true
          - name: user_id
            references:
              - field: shop:users.id
      - name: archive
        skip_processing: true
        fields:
          - name: email
            identity: email
`

func writeTestConfig(t *testing.T, mode string) string {
	t.Helper()
	dir := t.TempDir()
	datasets := filepath.Join(dir, "datasets")
	require.NoError(t, os.MkdirAll(datasets, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(datasets, "shop.yaml"), []byte(testDatasets), 0o600))

	cfg := fmt.Sprintf(`
server:
  address: "127.0.0.1:0"
execution:
  mode: %s
  workers: 2
  poll_interval: 10ms
  retry:
    max_retries: 1
    initial_backoff: 1ms
    max_backoff: 1ms
datasets:
  dir: %s
policies:
  - key: access
    rules:
      - name: everything
        action: access
connections:
  - key: shop_db
    kind: memory
    rows:
      users:
        - id: 1
          email: ana@example.com
      orders:
        - id: 10
          user_id: 1
        - id: 11
          user_id: 1
upload:
  kind: local
  dir: %s
`, mode, datasets, filepath.Join(dir, "packages"))
	path := filepath.Join(dir, "privacy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := writeTestConfig(t, "distributed")
	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "configuration ok: 1 policies, 1 connections, 3 collections\n", out)
}

func TestValidateCommandRequiresDatasets(t *testing.T) {
	_, err := execute(t, "validate")
	assert.ErrorContains(t, err, "datasets.dir is required")
}

func TestGraphCommand(t *testing.T) {
	path := writeTestConfig(t, "distributed")
	out, err := execute(t, "graph", "--config", path, "--identity", "email=ana@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "0: shop:users")
	assert.Contains(t, out, "1: shop:orders")
	assert.Contains(t, out, "excluded shop:archive: skip_processing")
}

func TestParseIdentities(t *testing.T) {
	seed, err := parseIdentities([]string{"email=ana@example.com", "phone_number=+1555"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"email": "ana@example.com", "phone_number": "+1555"}, seed)

	_, err = parseIdentities([]string{"email"})
	assert.Error(t, err)
	_, err = parseIdentities(nil)
	assert.Error(t, err)
}

func TestAppServesRequests(t *testing.T) {
	for _, mode := range []string{"distributed", "single_pass"} {
		t.Run(mode, func(t *testing.T) {
			cfg, err := config.Load(writeTestConfig(t, mode))
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			a, err := newApp(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			require.NoError(t, err)
			defer a.close()

			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = a.scheduler.Run(ctx)
			}()
			defer func() {
				cancel()
				<-done
			}()

			body, err := json.Marshal(api.CreateRequest{PolicyKey: "access", Identity: map[string]string{"email": "ana@example.com"}})
			require.NoError(t, err)
			rec := httptest.NewRecorder()
			a.api.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/privacy-requests", bytes.NewReader(body)))
			require.Equal(t, http.StatusCreated, rec.Code)
			var created domain.PrivacyRequest
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

			var got domain.PrivacyRequest
			require.Eventually(t, func() bool {
				rec := httptest.NewRecorder()
				a.api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/privacy-requests/"+created.ID, nil))
				return json.Unmarshal(rec.Body.Bytes(), &got) == nil && got.Status == domain.RequestComplete
			}, 5*time.Second, 10*time.Millisecond)

			require.NotNil(t, got.Report)
			assert.Len(t, got.Report.Succeeded, 2)
			assert.FileExists(t, got.UploadLocation)

			rec = httptest.NewRecorder()
			a.api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}
