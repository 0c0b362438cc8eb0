package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/domain"
	"github.com/yourusername/drmfetch-go/internal/infrastructure"
	"github.com/yourusername/drmfetch-go/pkg/logger"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrManagerNotRunning = errors.New("job manager not running")
	ErrJobFinished       = errors.New("job already finished")
)

// JobRunner executes one job to a terminal state
type JobRunner interface {
	Run(ctx context.Context, job *domain.DownloadJob, progress domain.ProgressFunc) (*domain.JobResult, error)
}

// JobRequest is a job submission from the API or CLI
type JobRequest struct {
	ManifestURL   string            `json:"manifest_url" binding:"required"`
	Headers       map[string]string `json:"headers,omitempty"`
	LicenseURL    string            `json:"license_url,omitempty"`
	Keys          string            `json:"keys,omitempty"` // kid:key|kid:key
	DRMPreference string            `json:"drm_preference,omitempty"`
	Backend       string            `json:"backend,omitempty"`
	OutputPath    string            `json:"output_path,omitempty"`
	Filters       domain.Filters    `json:"filters"`
}

// NewJob validates the request and builds an idle job from it
func NewJob(req JobRequest, defaultBackend domain.DecryptBackend) (*domain.DownloadJob, error) {
	manifestURL := strings.TrimSpace(req.ManifestURL)
	if manifestURL == "" {
		return nil, fmt.Errorf("manifest url is required")
	}

	job := domain.NewDownloadJob(manifestURL, req.OutputPath)
	for k, v := range req.Headers {
		job.Headers[k] = v
	}
	job.LicenseURL = strings.TrimSpace(req.LicenseURL)
	job.Filters = req.Filters

	if req.Keys != "" {
		keys, err := domain.ParseKeyPairs(req.Keys)
		if err != nil {
			return nil, err
		}
		job.ExplicitKeys = keys
	}

	if req.DRMPreference != "" {
		if !domain.ValidateDRMSystem(req.DRMPreference) {
			return nil, fmt.Errorf("invalid drm preference: %s", req.DRMPreference)
		}
		job.DRMPreference = req.DRMPreference
	}

	job.Backend = defaultBackend
	if req.Backend != "" {
		job.Backend = domain.DecryptBackend(req.Backend)
	}
	if !domain.ValidateBackend(job.Backend) {
		return nil, fmt.Errorf("invalid decrypt backend: %s", job.Backend)
	}
	return job, nil
}

type jobEntry struct {
	job         *domain.DownloadJob
	cancel      context.CancelFunc
	subscribers map[int]chan domain.ProgressEvent
	last        *domain.ProgressEvent
	done        chan struct{}
}

// JobManager runs submitted jobs, at most download.concurrent_jobs at a time,
// and keeps them in an in-memory registry
type JobManager struct {
	runner      JobRunner
	notifier    *infrastructure.NotificationService
	defaults    domain.DecryptBackend
	multiLogger *logger.MultiLogger
	logger      *zap.Logger
	semaphore   chan struct{}

	mu       sync.RWMutex
	jobs     map[string]*jobEntry
	nextSub  int
	running  bool
	baseCtx  context.Context
	stopAll  context.CancelFunc
	workerWg sync.WaitGroup
}

// NewJobManager creates a new job manager
func NewJobManager(
	runner JobRunner,
	notifier *infrastructure.NotificationService,
	config *domain.Config,
	multiLogger *logger.MultiLogger,
	log *zap.Logger,
) *JobManager {
	if log == nil {
		log = zap.NewNop()
	}
	limit := config.Download.ConcurrentJobs
	if limit < 1 {
		limit = 1
	}
	return &JobManager{
		runner:      runner,
		notifier:    notifier,
		defaults:    config.Decrypt.Backend,
		multiLogger: multiLogger,
		logger:      log,
		semaphore:   make(chan struct{}, limit),
		jobs:        make(map[string]*jobEntry),
	}
}

// Start makes the manager accept jobs. Jobs are cancelled when ctx is.
func (m *JobManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("job manager already running")
	}
	m.baseCtx, m.stopAll = context.WithCancel(ctx)
	m.running = true
	m.logEvent("", "manager_started")
	return nil
}

// Stop cancels every running job and waits for them to finish
func (m *JobManager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrManagerNotRunning
	}
	m.running = false
	m.stopAll()
	m.mu.Unlock()

	m.workerWg.Wait()
	m.logEvent("", "manager_stopped")
	return nil
}

// IsRunning returns whether the manager accepts jobs
func (m *JobManager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Submit validates and queues a job
func (m *JobManager) Submit(req JobRequest) (*domain.DownloadJob, error) {
	job, err := NewJob(req, m.defaults)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil, ErrManagerNotRunning
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	entry := &jobEntry{
		job:         job,
		cancel:      cancel,
		subscribers: make(map[int]chan domain.ProgressEvent),
		done:        make(chan struct{}),
	}
	m.jobs[job.ID] = entry
	m.workerWg.Add(1)
	m.mu.Unlock()

	m.logEvent(job.ID, "job_added",
		zap.String("manifest_url", job.ManifestURL),
		zap.String("backend", string(job.Backend)))

	go m.process(ctx, entry)
	return job, nil
}

func (m *JobManager) process(ctx context.Context, entry *jobEntry) {
	defer m.workerWg.Done()
	defer entry.cancel()
	job := entry.job

	select {
	case m.semaphore <- struct{}{}:
		defer func() { <-m.semaphore }()
	case <-ctx.Done():
		result := &domain.JobResult{
			Status:  domain.ResultCancelled,
			Outputs: map[domain.StreamKind][]string{},
			Stage:   domain.StateIdle,
			Error:   domain.ErrCancelled.Error(),
		}
		job.Finish(result)
		m.finish(entry, result, nil)
		return
	}

	m.logEvent(job.ID, "job_started")
	if m.notifier != nil {
		m.notifier.NotifyJobStarted(job)
	}

	result, err := m.runner.Run(ctx, job, func(event domain.ProgressEvent) {
		m.publish(entry, event)
	})
	m.finish(entry, result, err)
}

func (m *JobManager) finish(entry *jobEntry, result *domain.JobResult, err error) {
	job := entry.job
	if err != nil {
		m.logEvent(job.ID, "job_failed", zap.String("status", string(result.Status)), zap.Error(err))
		if m.multiLogger != nil && result.Status == domain.ResultFailed {
			m.multiLogger.LogAppError("Job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	} else {
		m.logEvent(job.ID, "job_completed",
			zap.String("status", string(result.Status)),
			zap.String("key_source", result.KeySource))
	}

	if m.notifier != nil {
		m.notifier.NotifyJobFinished(job, result)
	}

	m.mu.Lock()
	for id, ch := range entry.subscribers {
		close(ch)
		delete(entry.subscribers, id)
	}
	close(entry.done)
	m.mu.Unlock()
}

func (m *JobManager) publish(entry *jobEntry, event domain.ProgressEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.last = &event
	for _, ch := range entry.subscribers {
		select {
		case ch <- event:
		default:
			// slow subscriber, drop the event
		}
	}
}

// Subscribe streams progress events of a job until it finishes. The returned
// function unsubscribes. A finished job yields a closed channel.
func (m *JobManager) Subscribe(id string) (<-chan domain.ProgressEvent, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.jobs[id]
	if !ok {
		return nil, nil, ErrJobNotFound
	}

	ch := make(chan domain.ProgressEvent, 64)
	select {
	case <-entry.done:
		close(ch)
		return ch, func() {}, nil
	default:
	}

	if entry.last != nil {
		ch <- *entry.last
	}
	m.nextSub++
	subID := m.nextSub
	entry.subscribers[subID] = ch

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := entry.subscribers[subID]; ok {
			close(c)
			delete(entry.subscribers, subID)
		}
	}
	return ch, unsubscribe, nil
}

// Wait blocks until the job finishes or ctx is done
func (m *JobManager) Wait(ctx context.Context, id string) (*domain.DownloadJob, error) {
	m.mu.RLock()
	entry, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	select {
	case <-entry.done:
		return entry.job.Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns a snapshot of a job
func (m *JobManager) Get(id string) (*domain.DownloadJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return entry.job.Snapshot(), nil
}

// Streams returns the parsed streams of a job
func (m *JobManager) Streams(id string) ([]*domain.Stream, error) {
	m.mu.RLock()
	entry, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	return entry.job.ParsedStreams(), nil
}

// List returns snapshots of every job, newest first, optionally filtered by state
func (m *JobManager) List(state domain.JobState) []*domain.DownloadJob {
	m.mu.RLock()
	jobs := make([]*domain.DownloadJob, 0, len(m.jobs))
	for _, entry := range m.jobs {
		snap := entry.job.Snapshot()
		if state != "" && snap.State != state {
			continue
		}
		jobs = append(jobs, snap)
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// Cancel cancels a queued or running job
func (m *JobManager) Cancel(id string) error {
	m.mu.RLock()
	entry, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}

	if entry.job.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrJobFinished, entry.job.CurrentState())
	}
	entry.cancel()
	m.logEvent(id, "job_cancel_requested")
	return nil
}

// Stats returns job counts by outcome
func (m *JobManager) Stats() domain.JobStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats domain.JobStats
	for _, entry := range m.jobs {
		stats.Total++
		switch entry.job.CurrentState() {
		case domain.StateCompleted:
			stats.Completed++
		case domain.StateFailed:
			stats.Failed++
		case domain.StateCancelled:
			stats.Cancelled++
		default:
			stats.Active++
		}
	}
	return stats
}

func (m *JobManager) logEvent(jobID, event string, fields ...zap.Field) {
	if m.multiLogger != nil && jobID != "" {
		m.multiLogger.LogJobEvent(jobID, event, fields...)
		return
	}
	m.logger.Info(event, append([]zap.Field{zap.String("job_id", jobID)}, fields...)...)
}
