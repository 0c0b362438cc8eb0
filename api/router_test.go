package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/drmfetch-go/internal/app"
	"github.com/yourusername/drmfetch-go/internal/domain"
	"github.com/yourusername/drmfetch-go/internal/infrastructure"
	"github.com/yourusername/drmfetch-go/pkg/logger"
)

const (
	kidA = "eb676abbcb345e96bbcf616630f1a3da"
	keyA = "100b6c20940f779a4589152b57d2dacb"
)

// stubRunner emits one progress event, then waits for release or cancellation
type stubRunner struct {
	started chan string
	release chan struct{}
}

func (s *stubRunner) Run(ctx context.Context, job *domain.DownloadJob, progress domain.ProgressFunc) (*domain.JobResult, error) {
	job.Transition(domain.StateDownloading)
	progress.Emit(domain.ProgressEvent{JobID: job.ID, Stage: domain.StateDownloading, StreamID: "v1", Completed: 1, Total: 4})
	s.started <- job.ID

	result := &domain.JobResult{Status: domain.ResultCompleted, Outputs: map[domain.StreamKind][]string{
		domain.KindVideo: {"/out/show.mp4"},
	}}
	var err error
	select {
	case <-s.release:
	case <-ctx.Done():
		result.Status = domain.ResultCancelled
		result.Stage = domain.StateDownloading
		err = domain.NewStageError(domain.StateDownloading, domain.ErrCancelled)
	}
	job.Finish(result)
	return result, err
}

type testServer struct {
	*httptest.Server
	jobs   *app.JobManager
	runner *stubRunner
	local  *infrastructure.SQLiteKeyStore
	config *domain.Config
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	config := domain.DefaultConfig()
	config.Server.Token = "secret"
	config.Logging.LogsDir = t.TempDir()

	multiLog, err := logger.NewMultiLogger(logger.MultiLoggerConfig{Level: "info", LogsDir: config.Logging.LogsDir})
	require.NoError(t, err)
	t.Cleanup(func() { multiLog.Close() })

	local, err := infrastructure.NewSQLiteKeyStore(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	runner := &stubRunner{started: make(chan string, 8), release: make(chan struct{})}
	jobs := app.NewJobManager(runner, nil, config, multiLog, nil)

	adapter := logger.NewLoggerAdapter(multiLog, nil)
	srv := httptest.NewServer(SetupRouter(jobs, local, adapter, config))
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, jobs: jobs, runner: runner, local: local, config: config}
}

func (s *testServer) start(t *testing.T) {
	t.Helper()
	require.NoError(t, s.jobs.Start(context.Background()))
	t.Cleanup(func() { s.jobs.Stop() })
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (s *testServer) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-s.runner.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
		return ""
	}
}

func TestHealthAndReady(t *testing.T) {
	s := setupTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	s.start(t)
	resp, _ = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobsAPI_Lifecycle(t *testing.T) {
	s := setupTestServer(t)

	resp, _ := s.do(t, http.MethodPost, "/api/v1/jobs", app.JobRequest{ManifestURL: "https://cdn.example.com/a.mpd"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "manager not started")

	s.start(t)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/jobs", map[string]string{"backend": "native"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/jobs", app.JobRequest{ManifestURL: "https://cdn.example.com/a.mpd", Keys: "bad"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, created := s.do(t, http.MethodPost, "/api/v1/jobs", app.JobRequest{
		ManifestURL: "https://cdn.example.com/show/manifest.mpd",
		Filters:     domain.Filters{Video: "best"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "dash", created["manifest_type"])
	s.waitStarted(t)

	resp, got := s.do(t, http.MethodGet, "/api/v1/jobs/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "downloading", got["state"])

	resp, _ = s.do(t, http.MethodGet, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, stats := s.do(t, http.MethodGet, "/api/v1/jobs/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), stats["active"])

	resp, _ = s.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := s.jobs.Wait(context.Background(), id)
	require.NoError(t, err)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = s.do(t, http.MethodPost, "/api/v1/jobs/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	listResp, err := http.Get(s.URL + "/api/v1/jobs?state=cancelled")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var jobs []map[string]interface{}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0]["id"])

	resp, logs := s.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/logs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var events []string
	for _, e := range logs["entries"].([]interface{}) {
		events = append(events, e.(map[string]interface{})["message"].(string))
	}
	assert.Contains(t, events, "job_added")
	assert.Contains(t, events, "job_cancel_requested")
}

func TestJobsAPI_ProgressWebSocket(t *testing.T) {
	s := setupTestServer(t)
	s.start(t)

	job, err := s.jobs.Submit(app.JobRequest{ManifestURL: "https://cdn.example.com/show.m3u8"})
	require.NoError(t, err)
	s.waitStarted(t)

	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/v1/jobs/" + job.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var progress struct {
		Type  string               `json:"type"`
		Event domain.ProgressEvent `json:"event"`
	}
	require.NoError(t, conn.ReadJSON(&progress))
	assert.Equal(t, "progress", progress.Type)
	assert.Equal(t, "v1", progress.Event.StreamID)
	assert.Equal(t, 25.0, progress.Event.Percent)

	close(s.runner.release)

	var final struct {
		Type string             `json:"type"`
		Job  domain.DownloadJob `json:"job"`
	}
	require.NoError(t, conn.ReadJSON(&final))
	assert.Equal(t, "job", final.Type)
	assert.Equal(t, domain.StateCompleted, final.Job.State)
	require.NotNil(t, final.Job.Result)
	assert.Equal(t, []string{"/out/show.mp4"}, final.Job.Result.Outputs[domain.KindVideo])

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	_, resp, err := websocket.DefaultDialer.Dial(strings.Replace(wsURL, job.ID, "missing", 1), nil)
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVaultAPI_RemoteKeyStoreRoundTrip(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()

	record := domain.KeyRecord{
		LicenseURL: "https://lic.example.com/wv",
		PSSH:       "wv-header",
		DRM:        domain.DRMWidevine,
		Keys:       []domain.KeyPair{{KID: kidA, Key: keyA}},
	}

	unauthorized, err := infrastructure.NewRemoteKeyStore(domain.RemoteVaultConfig{URL: s.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	err = unauthorized.StoreKeys(ctx, record)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	remote, err := infrastructure.NewRemoteKeyStore(domain.RemoteVaultConfig{URL: s.URL + "/", Token: "secret", Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.NoError(t, remote.StoreKeys(ctx, record))

	keys, err := remote.LookupKeys(ctx, domain.KeyQuery{LicenseURL: record.LicenseURL, DRM: domain.DRMWidevine, KIDs: []string{kidA}})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, keyA, keys[0].Key)

	// the key landed in the server's local tier
	local, err := s.local.LookupKeys(ctx, domain.KeyQuery{DRM: domain.DRMWidevine, KIDs: []string{kidA}})
	require.NoError(t, err)
	assert.Len(t, local, 1)

	keys, err = remote.LookupKeys(ctx, domain.KeyQuery{LicenseURL: "https://other.example.com", DRM: domain.DRMWidevine, KIDs: []string{kidA}})
	require.NoError(t, err)
	assert.Empty(t, keys)

	auth := []string{"Authorization", "Bearer secret"}
	resp, stats := s.do(t, http.MethodGet, "/api/v1/vault/stats", nil, auth...)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), stats["valid_keys"])

	resp, _ = s.do(t, http.MethodPost, "/api/v1/vault/keys/"+kidA+"/invalidate", nil, auth...)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodPost, "/api/v1/vault/keys/00000000000000000000000000000000/invalidate", nil, auth...)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	keys, err = remote.LookupKeys(ctx, domain.KeyQuery{DRM: domain.DRMWidevine, KIDs: []string{kidA}})
	require.NoError(t, err)
	assert.Empty(t, keys, "invalidated keys are not served")
}

func TestVaultAPI_Validation(t *testing.T) {
	s := setupTestServer(t)
	auth := []string{"Authorization", "Bearer secret"}

	resp, _ := s.do(t, http.MethodPost, "/api/v1/vault/lookup", domain.KeyQuery{DRM: domain.DRMWidevine}, auth...)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tests := map[string]domain.KeyRecord{
		"no pssh":  {DRM: domain.DRMWidevine, Keys: []domain.KeyPair{{KID: kidA, Key: keyA}}},
		"no keys":  {DRM: domain.DRMWidevine, PSSH: "x"},
		"auto drm": {DRM: "auto", PSSH: "x", Keys: []domain.KeyPair{{KID: kidA, Key: keyA}}},
		"bad key":  {DRM: domain.DRMPlayReady, PSSH: "x", Keys: []domain.KeyPair{{KID: kidA, Key: "zz"}}},
	}
	for name, record := range tests {
		t.Run(name, func(t *testing.T) {
			resp, body := s.do(t, http.MethodPost, "/api/v1/vault/keys", record, auth...)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestLogsAPI(t *testing.T) {
	s := setupTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/api/v1/logs/categories", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.ElementsMatch(t, []interface{}{"jobs", "vault", "error"}, body["categories"])

	resp, _ = s.do(t, http.MethodGet, "/api/v1/logs/web", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/logs/jobs?date=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/logs/vault/search", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	s.start(t)
	_, err := s.jobs.Submit(app.JobRequest{ManifestURL: "https://cdn.example.com/a.mpd"})
	require.NoError(t, err)
	s.waitStarted(t)

	resp, body = s.do(t, http.MethodGet, "/api/v1/logs/jobs/search?q=job_added", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}
