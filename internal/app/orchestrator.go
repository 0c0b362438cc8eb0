package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/domain"
	"github.com/yourusername/drmfetch-go/internal/infrastructure"
	"github.com/yourusername/drmfetch-go/internal/manifest"
	"github.com/yourusername/drmfetch-go/internal/selector"
)

// Orchestrator drives one download job through its states
type Orchestrator struct {
	client     *http.Client
	fetcher    *infrastructure.SegmentFetcher
	resolver   *KeyResolver
	decryptors map[domain.DecryptBackend]domain.Decryptor
	config     *domain.Config
	logger     *zap.Logger
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(
	client *http.Client,
	fetcher *infrastructure.SegmentFetcher,
	resolver *KeyResolver,
	decryptors map[domain.DecryptBackend]domain.Decryptor,
	config *domain.Config,
	logger *zap.Logger,
) *Orchestrator {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		client:     client,
		fetcher:    fetcher,
		resolver:   resolver,
		decryptors: decryptors,
		config:     config,
		logger:     logger,
	}
}

// ListStreams fetches and parses a manifest without selecting or downloading
func (o *Orchestrator) ListStreams(ctx context.Context, manifestURL string, headers map[string]string) ([]*domain.Stream, domain.ManifestType, error) {
	var body []byte
	err := o.retry(ctx, manifestURL, func(ctx context.Context) error {
		var err error
		body, err = manifest.FetchManifest(ctx, o.client, manifestURL, headers)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	kind := manifest.DetectType(manifestURL, body)
	streams, err := manifest.Parse(kind, body, manifestURL)
	if err != nil {
		return nil, kind, err
	}
	if len(streams) == 0 {
		return nil, kind, domain.ErrNoStreams
	}
	return streams, kind, nil
}

// Run executes the job to a terminal state. The result is always non-nil;
// the error is a *domain.StageError when the job failed or was cancelled.
func (o *Orchestrator) Run(ctx context.Context, job *domain.DownloadJob, progress domain.ProgressFunc) (*domain.JobResult, error) {
	r := &jobRun{
		o:        o,
		job:      job,
		progress: progress,
		tempDir:  o.config.Download.JobTempDir(job.ID),
		logger:   o.logger.With(zap.String("job_id", job.ID)),
	}

	r.logger.Info("Job started",
		zap.String("manifest_url", job.ManifestURL),
		zap.String("backend", string(r.backend())))

	err := r.execute(ctx)
	result := r.finish(err)
	job.Finish(result)

	progress.Emit(domain.ProgressEvent{
		JobID:   job.ID,
		Stage:   job.CurrentState(),
		Percent: 100,
		Message: string(result.Status),
	})

	if result.Status == domain.ResultFailed || result.Status == domain.ResultCancelled {
		if _, ok := domain.StageOf(err); ok {
			return result, err
		}
		if err == nil {
			err = errors.New(result.Error)
		}
		return result, domain.NewStageError(result.Stage, err)
	}
	return result, nil
}

// streamTask carries one selected stream through download and decryption
type streamTask struct {
	stream *domain.Stream
	dir    string
	merged string
	output string
	result domain.StreamResult
	err    error
}

func (t *streamTask) fail(err error) {
	if t.err == nil {
		t.err = err
		t.result.Error = err.Error()
	}
}

// usable reports whether the stream left a clear output behind
func (t *streamTask) usable() bool {
	return t.result.Path != "" && (!t.result.Encrypted || t.result.Decrypted)
}

type jobRun struct {
	o         *Orchestrator
	job       *domain.DownloadJob
	progress  domain.ProgressFunc
	tempDir   string
	logger    *zap.Logger
	streams   []*domain.Stream
	tasks     []*streamTask
	keySource string
	cancelled bool
}

// publish exposes a copy of the streams to readers of the job. Only called
// from the run goroutine while no fetch workers are active.
func (r *jobRun) publish() {
	if r.streams != nil {
		r.job.PublishStreams(r.streams)
	}
}

func (r *jobRun) backend() domain.DecryptBackend {
	if r.job.Backend != "" {
		return r.job.Backend
	}
	return r.o.config.Decrypt.Backend
}

func (r *jobRun) transition(state domain.JobState, message string) {
	r.job.Transition(state)
	r.logger.Info("Job state changed", zap.String("state", string(state)), zap.String("message", message))
	r.progress.Emit(domain.ProgressEvent{JobID: r.job.ID, Stage: state, Message: message})
}

// cancelErr records that cancellation was observed in the current state
func (r *jobRun) cancelErr(ctx context.Context) error {
	r.cancelled = true
	return domain.NewStageError(r.job.CurrentState(), fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err()))
}

func (r *jobRun) execute(ctx context.Context) error {
	if err := os.MkdirAll(r.tempDir, 0755); err != nil {
		return domain.NewStageError(domain.StateIdle, fmt.Errorf("failed to create temp directory: %w", err))
	}

	body, kind, err := r.fetchManifest(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelErr(ctx)
		}
		return domain.NewStageError(domain.StateIdle, err)
	}
	r.transition(domain.StateManifestFetched, fmt.Sprintf("%d bytes", len(body)))

	streams, err := manifest.Parse(kind, body, r.job.ManifestURL)
	if err != nil {
		return domain.NewStageError(domain.StateManifestFetched, err)
	}
	if len(streams) == 0 {
		return domain.NewStageError(domain.StateManifestFetched, domain.ErrNoStreams)
	}
	r.streams = streams
	r.job.SetParsed(kind, streams)
	r.transition(domain.StateStreamsParsed, fmt.Sprintf("%d streams", len(streams)))

	selected, err := r.selectStreams(streams)
	if err != nil {
		return domain.NewStageError(domain.StateStreamsParsed, err)
	}
	r.publish()
	r.transition(domain.StateStreamsSelected, fmt.Sprintf("%d streams selected", len(selected)))

	if ctx.Err() != nil {
		return r.cancelErr(ctx)
	}
	r.enumerate(ctx, selected)
	r.publish()
	if ctx.Err() != nil {
		return r.cancelErr(ctx)
	}
	if r.pending() == 0 {
		return domain.NewStageError(domain.StateStreamsSelected, r.streamErrors())
	}
	r.transition(domain.StateSegmentsEnumerated, fmt.Sprintf("%d streams ready", r.pending()))

	if err := r.assignOutputs(); err != nil {
		return domain.NewStageError(domain.StateSegmentsEnumerated, err)
	}

	r.transition(domain.StateDownloading, "")
	r.download(ctx)
	if r.cancelled || ctx.Err() != nil {
		return r.cancelErr(ctx)
	}

	if err := r.decrypt(ctx); err != nil {
		return err
	}
	return nil
}

func (r *jobRun) fetchManifest(ctx context.Context) ([]byte, domain.ManifestType, error) {
	var body []byte
	err := r.o.retry(ctx, r.job.ManifestURL, func(ctx context.Context) error {
		var err error
		body, err = manifest.FetchManifest(ctx, r.o.client, r.job.ManifestURL, r.job.Headers)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	kind := manifest.DetectType(r.job.ManifestURL, body)
	name := "raw.m3u8"
	if kind == domain.ManifestDASH {
		name = "raw.mpd"
	}
	if err := os.WriteFile(filepath.Join(r.tempDir, name), body, 0644); err != nil {
		r.logger.Warn("Failed to save raw manifest", zap.Error(err))
	}
	return body, kind, nil
}

func (r *jobRun) selectStreams(streams []*domain.Stream) ([]*domain.Stream, error) {
	filters := r.job.Filters
	defaults := r.o.config.Selection
	if filters.Video == "" {
		filters.Video = defaults.Video
	}
	if filters.Audio == "" {
		filters.Audio = defaults.Audio
	}
	if filters.Subtitle == "" {
		filters.Subtitle = defaults.Subtitle
	}

	selected, err := selector.SelectAll(streams, filters)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, domain.ErrSelectionEmpty
	}

	counts := make(map[domain.StreamKind]int)
	for _, s := range selected {
		counts[s.Kind]++
	}
	for kind, expr := range map[domain.StreamKind]string{
		domain.KindVideo:    filters.Video,
		domain.KindAudio:    filters.Audio,
		domain.KindSubtitle: filters.Subtitle,
	} {
		if counts[kind] == 0 && expr != "" && expr != "none" {
			r.logger.Warn("No stream matched filter", zap.String("kind", string(kind)), zap.String("filter", expr))
		}
	}
	return selected, nil
}

// enumerate resolves segment lists and AES-128 keys. A stream that cannot be
// enumerated is failed on its own.
func (r *jobRun) enumerate(ctx context.Context, selected []*domain.Stream) {
	for _, stream := range selected {
		task := &streamTask{
			stream: stream,
			dir:    filepath.Join(r.tempDir, safeName(stream.ID)),
			result: domain.StreamResult{StreamID: stream.ID, Kind: stream.Kind},
		}
		r.tasks = append(r.tasks, task)

		if ctx.Err() != nil {
			task.fail(ctx.Err())
			continue
		}

		if !stream.HasSegments() {
			err := r.o.retry(ctx, stream.PlaylistURL, func(ctx context.Context) error {
				return manifest.ResolveSegments(ctx, r.o.client, stream, r.job.Headers)
			})
			if err != nil {
				r.logger.Warn("Failed to enumerate segments", zap.String("stream", stream.ID), zap.Error(err))
				task.fail(err)
				continue
			}
		}
		if !stream.HasSegments() {
			task.fail(fmt.Errorf("%w: stream %s has no segments", domain.ErrManifestParse, stream.ID))
			continue
		}

		p := &stream.Protection
		if err := r.fetchAESKeys(ctx, stream); err != nil {
			r.logger.Warn("Failed to fetch AES-128 key", zap.String("stream", stream.ID), zap.Error(err))
			task.fail(err)
			continue
		}

		task.result.Segments = len(stream.Segments)
		task.result.Encrypted = p.IsEncrypted()
	}
}

// fetchAESKeys downloads every distinct AES-128 key of the stream once
func (r *jobRun) fetchAESKeys(ctx context.Context, stream *domain.Stream) error {
	p := &stream.Protection
	for _, uri := range stream.KeyURIs() {
		if len(p.KeyFor(uri)) > 0 {
			continue
		}
		key, err := r.o.fetcher.Get(ctx, uri, r.job.Headers)
		if err != nil {
			return err
		}
		if len(key) != 16 {
			return fmt.Errorf("%w: key from %s is %d bytes", domain.ErrDRMResolution, uri, len(key))
		}
		p.SetKey(uri, key)
	}
	return nil
}

func (r *jobRun) pending() int {
	n := 0
	for _, t := range r.tasks {
		if t.err == nil {
			n++
		}
	}
	return n
}

// download fetches every pending stream. Kinds run concurrently, streams of
// one kind run in order.
func (r *jobRun) download(ctx context.Context) {
	byKind := make(map[domain.StreamKind][]*streamTask)
	var kinds []domain.StreamKind
	for _, t := range r.tasks {
		if t.err != nil {
			continue
		}
		if _, ok := byKind[t.stream.Kind]; !ok {
			kinds = append(kinds, t.stream.Kind)
		}
		byKind[t.stream.Kind] = append(byKind[t.stream.Kind], t)
	}

	var wg conc.WaitGroup
	for _, kind := range kinds {
		tasks := byKind[kind]
		wg.Go(func() {
			for _, t := range tasks {
				if ctx.Err() != nil {
					t.fail(ctx.Err())
					continue
				}
				r.downloadStream(ctx, t)
			}
		})
	}
	wg.Wait()

	for _, t := range r.tasks {
		if errors.Is(t.err, context.Canceled) || errors.Is(t.err, context.DeadlineExceeded) {
			r.cancelled = true
		}
	}
}

func (r *jobRun) downloadStream(ctx context.Context, t *streamTask) {
	res, err := r.o.fetcher.Fetch(ctx, infrastructure.FetchRequest{
		JobID:    r.job.ID,
		Stream:   t.stream,
		Dir:      t.dir,
		Headers:  r.job.Headers,
		Progress: r.progress,
	})
	if err != nil {
		t.fail(err)
		return
	}

	t.result.Downloaded = res.Downloaded
	t.result.Failed = res.Failed
	if res.Cancelled {
		t.fail(ctx.Err())
		return
	}
	if res.Downloaded == 0 {
		t.fail(fmt.Errorf("%w: no segment of %s could be downloaded", domain.ErrSegmentDownload, t.stream.ID))
		return
	}

	target := t.output
	if t.stream.Protection.IsContainerScheme() {
		target = filepath.Join(r.tempDir, safeName(t.stream.ID)+".enc"+filepath.Ext(t.output))
	}
	if _, err := infrastructure.MergeSegments(t.dir, target); err != nil {
		t.fail(err)
		return
	}

	if t.stream.Protection.IsContainerScheme() {
		t.merged = target
	} else {
		t.result.Path = target
		if t.stream.Protection.Scheme == domain.SchemeAES128 {
			t.result.Decrypted = len(t.stream.Protection.Key) > 0
		}
	}

	if res.DecryptFailures > 0 {
		t.fail(fmt.Errorf("%w: %d segments of %s left encrypted", domain.ErrDecryption, res.DecryptFailures, t.stream.ID))
	} else if len(res.Failed) > 0 {
		t.fail(fmt.Errorf("%w: %d of %d segments of %s failed", domain.ErrSegmentDownload, len(res.Failed), res.Total, t.stream.ID))
	}
}

// decrypt handles streams whose merged file may carry container encryption.
// Keys are resolved only when an inspected file is actually encrypted.
func (r *jobRun) decrypt(ctx context.Context) error {
	var targets []*streamTask
	for _, t := range r.tasks {
		if t.merged != "" {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	r.transition(domain.StateDecrypting, fmt.Sprintf("%d streams", len(targets)))

	dec, ok := r.o.decryptors[r.backend()]
	if !ok {
		err := fmt.Errorf("%w: backend %s not available", domain.ErrDecryption, r.backend())
		for _, t := range targets {
			t.fail(err)
		}
		return nil
	}

	var (
		encrypted   []*streamTask
		protections []domain.Protection
		kids        []string
	)
	for _, t := range targets {
		info, err := dec.Inspect(t.merged)
		if err != nil {
			t.fail(err)
			continue
		}
		if !info.Encrypted {
			t.result.Encrypted = false
			if err := moveFile(t.merged, t.output); err != nil {
				t.fail(err)
				continue
			}
			t.result.Path = t.output
			continue
		}
		t.result.Encrypted = true
		encrypted = append(encrypted, t)
		protections = append(protections, t.stream.Protection)
		kids = append(kids, info.KIDs...)
	}
	if len(encrypted) == 0 {
		return nil
	}

	resolution, err := r.resolveKeys(ctx, protections, kids)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelErr(ctx)
		}
		r.logger.Error("Key resolution failed", zap.Error(err))
		for _, t := range encrypted {
			t.fail(err)
		}
		return nil
	}
	r.keySource = resolution.Source

	var errs error
	for _, t := range encrypted {
		if ctx.Err() != nil {
			return r.cancelErr(ctx)
		}
		err := dec.Decrypt(ctx, domain.DecryptRequest{
			Input:    t.merged,
			Output:   t.output,
			Keys:     resolution.Keys,
			Kind:     t.stream.Kind,
			StreamID: t.stream.ID,
			Progress: r.progress,
		})
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelErr(ctx)
			}
			t.fail(err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", t.stream.ID, err))
			continue
		}
		t.result.Decrypted = true
		t.result.Path = t.output
		os.Remove(t.merged)
	}
	if errs != nil {
		r.logger.Warn("Some streams could not be decrypted", zap.Error(errs))
	}
	return nil
}

func (r *jobRun) resolveKeys(ctx context.Context, protections []domain.Protection, kids []string) (*Resolution, error) {
	if r.o.resolver == nil {
		if len(r.job.ExplicitKeys) > 0 {
			return &Resolution{Keys: r.job.ExplicitKeys, Source: SourceExplicit}, nil
		}
		return nil, fmt.Errorf("%w: no key resolver configured", domain.ErrDRMResolution)
	}

	preference := r.job.DRMPreference
	if preference == "" || preference == "auto" {
		preference = r.o.config.DRM.Preference
	}
	return r.o.resolver.Resolve(ctx, ResolveRequest{
		Protections:  protections,
		KIDs:         kids,
		LicenseURL:   r.job.LicenseURL,
		Headers:      r.job.Headers,
		Preference:   preference,
		ExplicitKeys: r.job.ExplicitKeys,
		Label:        manifestName(r.job.ManifestURL),
	})
}

// finish classifies the run. Cancellation wins once observed.
func (r *jobRun) finish(err error) *domain.JobResult {
	r.publish()
	result := &domain.JobResult{
		Outputs:   make(map[domain.StreamKind][]string),
		KeySource: r.keySource,
	}

	complete, usable := true, 0
	for _, t := range r.tasks {
		result.Streams = append(result.Streams, t.result)
		if t.usable() {
			usable++
			result.Outputs[t.stream.Kind] = append(result.Outputs[t.stream.Kind], t.result.Path)
		}
		if !t.result.Complete() {
			complete = false
		}
	}

	switch {
	case r.cancelled || errors.Is(err, domain.ErrCancelled):
		result.Status = domain.ResultCancelled
		result.Stage = r.job.CurrentState()
		result.Error = domain.ErrCancelled.Error()
	case err != nil:
		result.Status = domain.ResultFailed
		result.Stage, _ = domain.StageOf(err)
		result.Error = err.Error()
	case usable == 0:
		result.Status = domain.ResultFailed
		result.Stage = r.job.CurrentState()
		result.Error = r.streamErrors().Error()
	case complete:
		result.Status = domain.ResultCompleted
	default:
		result.Status = domain.ResultPartial
		result.Stage = r.job.CurrentState()
		if errs := r.streamErrors(); errs != nil {
			result.Error = errs.Error()
		}
	}

	r.logger.Info("Job finished",
		zap.String("status", string(result.Status)),
		zap.String("stage", string(result.Stage)),
		zap.Int("usable_streams", usable),
		zap.Int("streams", len(r.tasks)),
		zap.String("error", result.Error))

	if result.Status == domain.ResultCompleted && r.o.config.Download.CleanupTemp {
		if err := os.RemoveAll(r.tempDir); err != nil {
			r.logger.Warn("Failed to remove temp directory", zap.String("dir", r.tempDir), zap.Error(err))
		}
	}
	return result
}

func (r *jobRun) streamErrors() error {
	var errs error
	for _, t := range r.tasks {
		if t.err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", t.stream.ID, t.err))
		}
	}
	if errs == nil {
		return errors.New("no usable stream")
	}
	return errs
}

// assignOutputs names the final file of every pending stream: video
// <base>.mp4, audio <base>_<lang>.m4a, subtitles <base>.<lang>.<ext>.
// Later streams that would collide get their id appended.
func (r *jobRun) assignOutputs() error {
	base := outputBase(r.job, r.o.config.Download.OutputDir)
	if err := os.MkdirAll(filepath.Dir(base), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	used := make(map[string]bool)
	for _, t := range r.tasks {
		if t.err != nil {
			continue
		}
		s := t.stream
		ext := mediaExtension(s)
		id := safeName(s.ID)
		lang := safeName(s.Language)

		var candidates []string
		switch s.Kind {
		case domain.KindVideo:
			candidates = []string{base + ext, base + "_" + id + ext}
		case domain.KindAudio:
			candidates = []string{base + "_" + lang + ext, base + "_" + lang + "_" + id + ext}
		default:
			candidates = []string{base + "." + lang + ext, base + "." + lang + "." + id + ext}
		}

		t.output = candidates[len(candidates)-1]
		for _, c := range candidates {
			if !used[c] {
				t.output = c
				break
			}
		}
		used[t.output] = true
	}
	return nil
}

// retry runs op until it succeeds, attempts run out or the error is not a
// fetch error. Each attempt is bounded by the request timeout.
func (o *Orchestrator) retry(ctx context.Context, target string, op func(ctx context.Context) error) error {
	cfg := o.config.Download
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			o.logger.Info("Retrying request",
				zap.String("url", target),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", cfg.MaxRetries))

			select {
			case <-time.After(time.Duration(attempt) * cfg.RetryDelay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
			}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.RequestTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		}
		err := op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
		}

		switch {
		case errors.Is(err, domain.ErrCancelled):
			lastErr = fmt.Errorf("%w: %s timed out after %s", domain.ErrManifestFetch, target, cfg.RequestTimeout)
		case errors.Is(err, domain.ErrManifestFetch):
			lastErr = err
		default:
			return err
		}

		o.logger.Warn("Request attempt failed",
			zap.String("url", target),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}
	return lastErr
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(s string) string {
	s = strings.Trim(unsafeChars.ReplaceAllString(s, "_"), "_.")
	if s == "" {
		return "und"
	}
	return s
}

// manifestName derives a file name stem from the manifest URL path
func manifestName(manifestURL string) string {
	u, err := url.Parse(manifestURL)
	if err != nil {
		return "download"
	}
	name := strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	switch strings.ToLower(name) {
	case "", ".", "/", "manifest", "master", "index", "playlist", "stream":
		if dir := path.Base(path.Dir(u.Path)); dir != "." && dir != "/" {
			name = dir
		}
	}
	name = safeName(name)
	if name == "und" {
		return "download"
	}
	return name
}

var mediaExtensions = map[string]bool{".mp4": true, ".m4a": true, ".mkv": true, ".ts": true, ".m4v": true}

// outputBase returns the output path without extension
func outputBase(job *domain.DownloadJob, outputDir string) string {
	out := job.OutputPath
	if out == "" {
		return filepath.Join(outputDir, manifestName(job.ManifestURL))
	}
	if strings.HasSuffix(out, string(os.PathSeparator)) {
		return filepath.Join(out, manifestName(job.ManifestURL))
	}
	if info, err := os.Stat(out); err == nil && info.IsDir() {
		return filepath.Join(out, manifestName(job.ManifestURL))
	}
	if ext := filepath.Ext(out); mediaExtensions[strings.ToLower(ext)] {
		out = strings.TrimSuffix(out, ext)
	}
	// a bare name lands in the output directory
	if filepath.Base(out) == out {
		return filepath.Join(outputDir, out)
	}
	return out
}

// mediaExtension picks the output extension from the first media segment,
// falling back to the stream kind
func mediaExtension(s *domain.Stream) string {
	for _, seg := range s.Segments {
		if seg.Kind != domain.SegmentMedia {
			continue
		}
		if u, err := url.Parse(seg.URL); err == nil {
			switch strings.ToLower(path.Ext(u.Path)) {
			case ".ts":
				return ".ts"
			case ".aac":
				return ".aac"
			case ".srt":
				return ".srt"
			case ".vtt", ".webvtt":
				return ".vtt"
			}
		}
		break
	}

	switch s.Kind {
	case domain.KindVideo:
		return ".mp4"
	case domain.KindAudio:
		return ".m4a"
	}
	if strings.Contains(strings.ToLower(s.Codecs), "srt") {
		return ".srt"
	}
	return ".vtt"
}

// moveFile renames src to dst, copying across filesystems
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	in.Close()
	return os.Remove(src)
}
