//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/api"
	"github.com/yourusername/drmfetch-go/internal/app"
	"github.com/yourusername/drmfetch-go/internal/domain"
	"github.com/yourusername/drmfetch-go/pkg/logger"
)

const showMPD = `<?xml version="1.0"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" mediaPresentationDuration="PT6S">
  <Period>
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="1000" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/seg-$Number$.m4s">
        <SegmentTimeline><S t="0" d="2000" r="2"/></SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v720" bandwidth="1500000" width="1280" height="720" codecs="avc1.64001f"/>
      <Representation id="v1080" bandwidth="4500000" width="1920" height="1080" codecs="avc1.640028"/>
    </AdaptationSet>
    <AdaptationSet contentType="audio" mimeType="audio/mp4" lang="it">
      <SegmentTemplate timescale="1000" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/seg-$Number$.m4s">
        <SegmentTimeline><S t="0" d="2000" r="2"/></SegmentTimeline>
      </SegmentTemplate>
      <Representation id="a-it" bandwidth="128000" codecs="mp4a.40.2"/>
    </AdaptationSet>
  </Period>
</MPD>`

func contentServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/vod/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/vod/episode/manifest.mpd" {
			fmt.Fprint(w, showMPD)
			return
		}
		fmt.Fprintf(w, "[%s]", r.URL.Path)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setupServer(t *testing.T) (*httptest.Server, *app.JobManager, *domain.Config) {
	t.Helper()
	root := t.TempDir()

	config := domain.DefaultConfig()
	config.Download.OutputDir = filepath.Join(root, "out")
	config.Download.TempDir = filepath.Join(root, "tmp")
	config.Download.RetryDelay = 10 * time.Millisecond
	config.Download.MaxRetries = 2
	config.Vault.DatabasePath = filepath.Join(root, "vault.db")
	config.Logging.LogsDir = filepath.Join(root, "logs")
	config.Decrypt.MP4DecryptBinary = ""
	config.Decrypt.ShakaBinary = ""

	multiLog, err := logger.NewMultiLogger(logger.MultiLoggerConfig{Level: "debug", LogsDir: config.Logging.LogsDir})
	require.NoError(t, err)
	t.Cleanup(func() { multiLog.Close() })
	adapter := logger.NewLoggerAdapter(multiLog, zap.NewNop())

	runtime, err := app.NewRuntime(config, adapter)
	require.NoError(t, err)
	t.Cleanup(func() { runtime.Close() })

	jobs := app.NewJobManager(runtime.Orchestrator, nil, config, multiLog, nil)
	require.NoError(t, jobs.Start(context.Background()))
	t.Cleanup(func() { jobs.Stop() })

	srv := httptest.NewServer(api.SetupRouter(jobs, runtime.Local, adapter, config))
	t.Cleanup(srv.Close)
	return srv, jobs, config
}

func TestAPI_FetchClearDASH(t *testing.T) {
	content := contentServer(t)
	srv, jobs, config := setupServer(t)

	payload, _ := json.Marshal(app.JobRequest{
		ManifestURL: content.URL + "/vod/episode/manifest.mpd",
		OutputPath:  "Episode 01",
		Filters:     domain.Filters{Video: "res=720", Audio: "lang=it"},
	})
	resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created domain.DownloadJob
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done, err := jobs.Wait(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, done.State, done.ErrorMessage)

	base := filepath.Join(config.Download.OutputDir, "Episode 01")
	assert.Equal(t, []string{base + ".mp4"}, done.Result.Outputs[domain.KindVideo])
	assert.Equal(t, []string{base + "_it.m4a"}, done.Result.Outputs[domain.KindAudio])

	video, err := os.ReadFile(base + ".mp4")
	require.NoError(t, err)
	assert.Equal(t, "[/vod/episode/v720/init.mp4][/vod/episode/v720/seg-1.m4s][/vod/episode/v720/seg-2.m4s][/vod/episode/v720/seg-3.m4s]", string(video))

	// scratch space is removed after a complete run
	_, err = os.Stat(config.Download.JobTempDir(created.ID))
	assert.True(t, os.IsNotExist(err))

	streamsResp, err := http.Get(srv.URL + "/api/v1/jobs/" + created.ID + "/streams")
	require.NoError(t, err)
	defer streamsResp.Body.Close()
	var streams []domain.Stream
	require.NoError(t, json.NewDecoder(streamsResp.Body).Decode(&streams))
	assert.Len(t, streams, 3)

	logsResp, err := http.Get(srv.URL + "/api/v1/jobs/" + created.ID + "/logs")
	require.NoError(t, err)
	defer logsResp.Body.Close()
	var logs struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(logsResp.Body).Decode(&logs))
	assert.GreaterOrEqual(t, logs.Count, 3)
}

func TestAPI_ManifestFailureIsReported(t *testing.T) {
	content := contentServer(t)
	srv, jobs, _ := setupServer(t)

	payload, _ := json.Marshal(app.JobRequest{ManifestURL: content.URL + "/missing/manifest.mpd"})
	resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created domain.DownloadJob
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done, err := jobs.Wait(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, done.State)
	require.NotNil(t, done.Result)
	assert.Equal(t, domain.StateIdle, done.Result.Stage)
	assert.NotEmpty(t, done.ErrorMessage)
}
