package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

// blockingRunner emits one progress event and then waits for release or
// cancellation
type blockingRunner struct {
	started chan string
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 8), release: make(chan struct{})}
}

func (b *blockingRunner) Run(ctx context.Context, job *domain.DownloadJob, progress domain.ProgressFunc) (*domain.JobResult, error) {
	job.Transition(domain.StateDownloading)
	progress.Emit(domain.ProgressEvent{JobID: job.ID, Stage: domain.StateDownloading, Completed: 1, Total: 2})
	b.started <- job.ID

	result := &domain.JobResult{Status: domain.ResultCompleted, Outputs: map[domain.StreamKind][]string{}}
	var err error
	select {
	case <-b.release:
	case <-ctx.Done():
		result.Status = domain.ResultCancelled
		result.Stage = domain.StateDownloading
		err = domain.NewStageError(domain.StateDownloading, domain.ErrCancelled)
	}
	job.Finish(result)
	return result, err
}

func newTestManager(t *testing.T, runner JobRunner, concurrent int) *JobManager {
	t.Helper()
	cfg := domain.DefaultConfig()
	cfg.Download.ConcurrentJobs = concurrent
	m := NewJobManager(runner, nil, cfg, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Stop() })
	return m
}

func waitStarted(t *testing.T, runner *blockingRunner) string {
	t.Helper()
	select {
	case id := <-runner.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
		return ""
	}
}

func TestNewJob_Validation(t *testing.T) {
	_, err := NewJob(JobRequest{}, domain.BackendNative)
	assert.Error(t, err)

	_, err = NewJob(JobRequest{ManifestURL: "https://x/m.mpd", Backend: "ffmpeg"}, domain.BackendNative)
	assert.Error(t, err)

	_, err = NewJob(JobRequest{ManifestURL: "https://x/m.mpd", DRMPreference: "fairplay"}, domain.BackendNative)
	assert.Error(t, err)

	_, err = NewJob(JobRequest{ManifestURL: "https://x/m.mpd", Keys: "nothex:abc"}, domain.BackendNative)
	assert.Error(t, err)

	job, err := NewJob(JobRequest{
		ManifestURL: " https://x/m.mpd ",
		Keys:        "EB676ABB-CB34-5E96-BBCF-616630F1A3DA:100b6c20940f779a4589152b57d2dacb",
		Headers:     map[string]string{"Cookie": "a=b"},
	}, domain.BackendShaka)
	require.NoError(t, err)
	assert.Equal(t, "https://x/m.mpd", job.ManifestURL)
	assert.Equal(t, domain.ManifestDASH, job.ManifestType)
	assert.Equal(t, domain.BackendShaka, job.Backend)
	assert.Equal(t, []domain.KeyPair{{KID: kidA, Key: keyA}}, job.ExplicitKeys)
	assert.Equal(t, "a=b", job.Headers["Cookie"])
}

func TestJobManager_RunsAndReportsProgress(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, runner, 1)

	job, err := m.Submit(JobRequest{ManifestURL: "https://cdn.example.com/show/manifest.mpd"})
	require.NoError(t, err)
	waitStarted(t, runner)

	events, unsubscribe, err := m.Subscribe(job.ID)
	require.NoError(t, err)
	defer unsubscribe()

	// the latest event is replayed to new subscribers
	select {
	case e := <-events:
		assert.Equal(t, domain.StateDownloading, e.Stage)
		assert.Equal(t, 50.0, e.Percent)
	case <-time.After(5 * time.Second):
		t.Fatal("no replayed event")
	}

	close(runner.release)
	done, err := m.Wait(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)

	_, open := <-events
	assert.False(t, open, "subscription closes when the job finishes")

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestJobManager_ConcurrencyLimitAndCancel(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, runner, 1)

	first, err := m.Submit(JobRequest{ManifestURL: "https://cdn.example.com/a.mpd"})
	require.NoError(t, err)
	second, err := m.Submit(JobRequest{ManifestURL: "https://cdn.example.com/b.mpd"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, waitStarted(t, runner))

	select {
	case id := <-runner.started:
		t.Fatalf("job %s started while the slot was taken", id)
	case <-time.After(100 * time.Millisecond):
	}

	// cancelling the queued job never runs it
	require.NoError(t, m.Cancel(second.ID))
	queued, err := m.Wait(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, queued.State)
	assert.Equal(t, domain.ResultCancelled, queued.Result.Status)

	require.NoError(t, m.Cancel(first.ID))
	running, err := m.Wait(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, running.State)

	assert.ErrorIs(t, m.Cancel(first.ID), ErrJobFinished)
	assert.ErrorIs(t, m.Cancel("missing"), ErrJobNotFound)

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.Cancelled)
	assert.Len(t, m.List(domain.StateCancelled), 2)
	assert.Empty(t, m.List(domain.StateCompleted))
}

func TestJobManager_StopCancelsRunningJobs(t *testing.T) {
	runner := newBlockingRunner()
	cfg := domain.DefaultConfig()
	m := NewJobManager(runner, nil, cfg, nil, nil)

	_, err := m.Submit(JobRequest{ManifestURL: "https://cdn.example.com/a.mpd"})
	assert.ErrorIs(t, err, ErrManagerNotRunning)

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning())
	assert.Error(t, m.Start(context.Background()))

	job, err := m.Submit(JobRequest{ManifestURL: "https://cdn.example.com/a.mpd"})
	require.NoError(t, err)
	waitStarted(t, runner)

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())

	got, err := m.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)
	assert.ErrorIs(t, m.Stop(), ErrManagerNotRunning)
}

func TestJobManager_StreamsReadableWhileDownloading(t *testing.T) {
	srv := contentServer(t, "/content/show/", "/content/show/manifest.mpd", clearMPD, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		fmt.Fprintf(w, "[%s]", r.URL.Path)
	})
	cfg := testConfig(t)
	cfg.Download.ConcurrentJobs = 1
	m := NewJobManager(newTestOrchestrator(cfg, nil, &fakeDecryptor{}), nil, cfg, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Stop() })

	job, err := m.Submit(JobRequest{ManifestURL: srv.URL + "/content/show/manifest.mpd"})
	require.NoError(t, err)

	// readers serialize the stream list while segment workers run
	deadline := time.Now().Add(10 * time.Second)
	for {
		streams, err := m.Streams(job.ID)
		require.NoError(t, err)
		_, err = json.Marshal(streams)
		require.NoError(t, err)

		current, err := m.Get(job.ID)
		require.NoError(t, err)
		if current.State.IsTerminal() {
			require.Equal(t, domain.StateCompleted, current.State, current.ErrorMessage)
			break
		}
		require.True(t, time.Now().Before(deadline), "job did not finish")
		time.Sleep(time.Millisecond)
	}

	streams, err := m.Streams(job.ID)
	require.NoError(t, err)
	require.Len(t, streams, 3)

	var video *domain.Stream
	for _, s := range streams {
		if s.ID == "v1" {
			video = s
		}
	}
	require.NotNil(t, video)
	assert.True(t, video.Selected)
	require.NotEmpty(t, video.Segments)
	for _, seg := range video.Segments {
		assert.True(t, seg.Downloaded, seg.URL)
		assert.Positive(t, seg.Size)
	}

	// callers get copies
	video.Selected = false
	video.Segments[0].Downloaded = false
	again, err := m.Streams(job.ID)
	require.NoError(t, err)
	for _, s := range again {
		if s.ID == "v1" {
			assert.True(t, s.Selected)
			assert.True(t, s.Segments[0].Downloaded)
		}
	}
}
