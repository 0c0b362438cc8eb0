package infrastructure

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

const (
	initSegmentFile = "init.m4s"
	maxSegmentSize  = 512 << 20
)

var mediaSegmentFile = regexp.MustCompile(`^seg_(\d+)\.m4s$`)

// SegmentFileName returns the on-disk name of a segment inside a stream directory
func SegmentFileName(seg domain.Segment) string {
	if seg.Kind == domain.SegmentInit {
		return initSegmentFile
	}
	return fmt.Sprintf("seg_%05d.m4s", seg.Number)
}

// FailedSet holds the numbers of segments that failed permanently
type FailedSet struct {
	mu      sync.Mutex
	numbers map[int]struct{}
}

// NewFailedSet creates an empty failed set
func NewFailedSet() *FailedSet {
	return &FailedSet{numbers: make(map[int]struct{})}
}

// Add records a permanently failed segment number
func (s *FailedSet) Add(number int) {
	s.mu.Lock()
	s.numbers[number] = struct{}{}
	s.mu.Unlock()
}

// Contains reports whether a segment number already failed
func (s *FailedSet) Contains(number int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.numbers[number]
	return ok
}

// Len returns the number of failed segments
func (s *FailedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.numbers)
}

// Numbers returns the failed segment numbers in ascending order
func (s *FailedSet) Numbers() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, 0, len(s.numbers))
	for n := range s.numbers {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// FetchRequest describes the segments of one stream to download
type FetchRequest struct {
	JobID    string
	Stream   *domain.Stream
	Dir      string
	Headers  map[string]string
	Progress domain.ProgressFunc
}

// FetchResult summarizes one stream download
type FetchResult struct {
	StreamID        string `json:"stream_id"`
	Total           int    `json:"total"`
	Downloaded      int    `json:"downloaded"`
	Failed          []int  `json:"failed,omitempty"`
	Bytes           int64  `json:"bytes"`
	DecryptFailures int    `json:"decrypt_failures,omitempty"`
	Cancelled       bool   `json:"cancelled"`
}

// Success reports whether every segment was downloaded
func (r *FetchResult) Success() bool {
	return len(r.Failed) == 0 && !r.Cancelled && r.Downloaded == r.Total
}

// SegmentFetcher downloads segments with a bounded worker pool
type SegmentFetcher struct {
	client *http.Client
	config *domain.DownloadConfig
	logger *zap.Logger
}

// NewSegmentFetcher creates a new segment fetcher
func NewSegmentFetcher(client *http.Client, config *domain.DownloadConfig, logger *zap.Logger) *SegmentFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SegmentFetcher{client: client, config: config, logger: logger}
}

// Fetch downloads every segment of the stream into req.Dir. A soft failure
// (failed segments or cancellation) is reported in the result; the error is
// reserved for setup problems.
func (f *SegmentFetcher) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	stream := req.Stream
	if err := os.MkdirAll(req.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}

	result := &FetchResult{StreamID: stream.ID, Total: len(stream.Segments)}
	failed := NewFailedSet()
	var mu sync.Mutex

	workers := f.config.Workers
	if workers < 1 {
		workers = 1
	}
	p := pool.New().WithMaxGoroutines(workers)

	for i := range stream.Segments {
		if ctx.Err() != nil {
			break
		}
		seg := &stream.Segments[i]
		p.Go(func() {
			if ctx.Err() != nil || failed.Contains(seg.Number) {
				return
			}

			data, err := f.download(ctx, seg.URL, req.Headers)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failed.Add(seg.Number)
				f.logger.Warn("Segment failed permanently",
					zap.String("job_id", req.JobID),
					zap.String("stream", stream.ID),
					zap.Int("segment", seg.Number),
					zap.Error(err))
				f.emit(req, result, failed, &mu)
				return
			}

			decryptFailed := false
			if material, ok := inlineMaterial(stream.Protection, seg); ok {
				clear, err := f.decryptInline(material, seg.Number, data)
				if err != nil {
					decryptFailed = true
					f.logger.Warn("Inline decryption failed, keeping encrypted segment",
						zap.String("stream", stream.ID),
						zap.Int("segment", seg.Number),
						zap.Error(err))
				} else {
					data = clear
				}
			}

			seg.SetContent(data)
			if err := os.WriteFile(filepath.Join(req.Dir, SegmentFileName(*seg)), seg.Content(), 0644); err != nil {
				seg.ClearContent()
				failed.Add(seg.Number)
				f.logger.Error("Failed to write segment", zap.Int("segment", seg.Number), zap.Error(err))
				f.emit(req, result, failed, &mu)
				return
			}
			seg.ClearContent()
			seg.Downloaded = true

			mu.Lock()
			result.Downloaded++
			result.Bytes += seg.Size
			if decryptFailed {
				result.DecryptFailures++
			}
			mu.Unlock()
			f.emit(req, result, failed, &mu)
		})
	}
	p.Wait()

	result.Failed = failed.Numbers()
	result.Cancelled = ctx.Err() != nil && result.Downloaded+len(result.Failed) < result.Total

	f.logger.Info("Stream fetch finished",
		zap.String("job_id", req.JobID),
		zap.String("stream", stream.ID),
		zap.Int("downloaded", result.Downloaded),
		zap.Int("failed", len(result.Failed)),
		zap.Int("total", result.Total),
		zap.Bool("cancelled", result.Cancelled))

	return result, nil
}

func (f *SegmentFetcher) emit(req FetchRequest, result *FetchResult, failed *FailedSet, mu *sync.Mutex) {
	failedCount := failed.Len()
	mu.Lock()
	event := domain.ProgressEvent{
		JobID:     req.JobID,
		Stage:     domain.StateDownloading,
		StreamID:  req.Stream.ID,
		Kind:      req.Stream.Kind,
		Completed: result.Downloaded,
		Total:     result.Total,
		Failed:    failedCount,
		Bytes:     result.Bytes,
	}
	mu.Unlock()
	req.Progress.Emit(event)
}

// inlineMaterial returns the AES-128 key and IV for a media segment. A
// segment key overrides the stream protection; ok is false for clear segments
// and for keys that were never fetched.
func inlineMaterial(p domain.Protection, seg *domain.Segment) (domain.Protection, bool) {
	if p.Scheme != domain.SchemeAES128 || seg.Kind != domain.SegmentMedia {
		return p, false
	}
	if seg.Encryption != nil {
		if !seg.Encryption.IsAES128() {
			return p, false
		}
		material := p
		material.KeyURI = seg.Encryption.URI
		material.IV = seg.Encryption.IV
		material.Key = p.KeyFor(seg.Encryption.URI)
		return material, len(material.Key) > 0
	}
	return p, len(p.Key) > 0
}

func (f *SegmentFetcher) decryptInline(p domain.Protection, number int, data []byte) ([]byte, error) {
	iv, err := SegmentIV(p, number)
	if err != nil {
		return nil, err
	}
	return DecryptAES128(data, p.Key, iv)
}

// Get downloads a small resource (for example an AES-128 key) with the same
// retry policy as segments
func (f *SegmentFetcher) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	return f.download(ctx, url, headers)
}

// download retries with linear backoff. It returns ctx.Err() when cancelled
// before or between attempts.
func (f *SegmentFetcher) download(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * f.config.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		data, err := f.attempt(ctx, url, headers)
		if err == nil {
			return data, nil
		}
		lastErr = err
		f.logger.Debug("Segment attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrSegmentDownload, lastErr)
}

// attempt performs one request. A request that has started is not interrupted
// by cancellation; it is bounded by the request timeout instead.
func (f *SegmentFetcher) attempt(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	reqCtx := context.WithoutCancel(ctx)
	if f.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, f.config.RequestTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if f.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", f.config.UserAgent)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSegmentSize))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	return data, nil
}

// MergeSegments concatenates init.m4s and seg_NNNNN.m4s files in segment
// number order into out. Missing numbers are skipped. Returns the number of
// media segments merged.
func MergeSegments(dir, out string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read segment directory: %w", err)
	}

	hasInit := false
	var numbers []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == initSegmentFile {
			hasInit = true
			continue
		}
		if m := mediaSegmentFile.FindStringSubmatch(e.Name()); m != nil {
			n, _ := strconv.Atoi(m[1])
			numbers = append(numbers, n)
		}
	}
	if !hasInit && len(numbers) == 0 {
		return 0, fmt.Errorf("no segments in %s", dir)
	}
	sort.Ints(numbers)

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	err = writeAtomically(out, func(w io.Writer) error {
		if hasInit {
			if err := appendFile(w, filepath.Join(dir, initSegmentFile)); err != nil {
				return err
			}
		}
		for _, n := range numbers {
			if err := appendFile(w, filepath.Join(dir, SegmentFileName(domain.Segment{Number: n, Kind: domain.SegmentMedia}))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to merge segments: %w", err)
	}
	return len(numbers), nil
}

func appendFile(w io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(w, in)
	return err
}
