package domain

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobState represents the orchestrator state of a download job
type JobState string

const (
	StateIdle               JobState = "idle"
	StateManifestFetched    JobState = "manifest_fetched"
	StateStreamsParsed      JobState = "streams_parsed"
	StateStreamsSelected    JobState = "streams_selected"
	StateSegmentsEnumerated JobState = "segments_enumerated"
	StateDownloading        JobState = "downloading"
	StateDecrypting         JobState = "decrypting"
	StateCompleted          JobState = "completed"
	StateFailed             JobState = "failed"
	StateCancelled          JobState = "cancelled"
)

// IsTerminal reports whether no further transition is possible
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ManifestType identifies the manifest format
type ManifestType string

const (
	ManifestDASH ManifestType = "dash"
	ManifestHLS  ManifestType = "hls"
)

// DetectManifestType guesses the manifest format from its URL
func DetectManifestType(url string) ManifestType {
	lower := strings.ToLower(url)
	if strings.Contains(lower, ".mpd") || strings.Contains(lower, "type=dash") {
		return ManifestDASH
	}
	return ManifestHLS
}

// DecryptBackend selects the whole-file decryption backend
type DecryptBackend string

const (
	BackendNative     DecryptBackend = "native"     // in-process mp4ff
	BackendMP4Decrypt DecryptBackend = "mp4decrypt" // Bento4 mp4decrypt
	BackendShaka      DecryptBackend = "shaka"      // shaka-packager
)

// ValidateBackend checks if a backend name is valid
func ValidateBackend(backend DecryptBackend) bool {
	return backend == BackendNative || backend == BackendMP4Decrypt || backend == BackendShaka
}

// Filters holds one selection filter per stream kind
type Filters struct {
	Video    string `json:"video" mapstructure:"video"`
	Audio    string `json:"audio" mapstructure:"audio"`
	Subtitle string `json:"subtitle" mapstructure:"subtitle"`
}

// ResultStatus is the caller-visible outcome of a job
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed" // everything downloaded and decrypted
	ResultPartial   ResultStatus = "partial"   // usable but incomplete
	ResultFailed    ResultStatus = "failed"    // nothing usable
	ResultCancelled ResultStatus = "cancelled"
)

// StreamResult reports the outcome for one selected stream
type StreamResult struct {
	StreamID   string     `json:"stream_id"`
	Kind       StreamKind `json:"kind"`
	Path       string     `json:"path,omitempty"`
	Segments   int        `json:"segments"`
	Downloaded int        `json:"downloaded"`
	Failed     []int      `json:"failed,omitempty"`
	Encrypted  bool       `json:"encrypted"`
	Decrypted  bool       `json:"decrypted"`
	Error      string     `json:"error,omitempty"`
}

// Complete reports whether the stream produced a full, clear output
func (r StreamResult) Complete() bool {
	return r.Path != "" && r.Error == "" && len(r.Failed) == 0 && (!r.Encrypted || r.Decrypted)
}

// JobResult is the structured result of one orchestrator run
type JobResult struct {
	Status    ResultStatus            `json:"status"`
	Outputs   map[StreamKind][]string `json:"outputs"`
	Streams   []StreamResult          `json:"streams"`
	Stage     JobState                `json:"stage,omitempty"`
	Error     string                  `json:"error,omitempty"`
	KeySource string                  `json:"key_source,omitempty"`
}

// DownloadJob represents one acquisition attempt
type DownloadJob struct {
	ID            string            `json:"id"`
	ManifestURL   string            `json:"manifest_url"`
	ManifestType  ManifestType      `json:"manifest_type"`
	Headers       map[string]string `json:"headers,omitempty"`
	LicenseURL    string            `json:"license_url,omitempty"`
	ExplicitKeys  []KeyPair         `json:"-"`
	DRMPreference string            `json:"drm_preference"`
	Backend       DecryptBackend    `json:"backend"`
	OutputPath    string            `json:"output_path"`
	Filters       Filters           `json:"filters"`
	State         JobState          `json:"state"`
	Streams       []*Stream         `json:"streams,omitempty"`
	Result        *JobResult        `json:"result,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`

	mu sync.RWMutex
}

// NewDownloadJob creates a new job in the idle state
func NewDownloadJob(manifestURL, outputPath string) *DownloadJob {
	now := time.Now()
	return &DownloadJob{
		ID:            uuid.New().String(),
		ManifestURL:   manifestURL,
		ManifestType:  DetectManifestType(manifestURL),
		Headers:       make(map[string]string),
		DRMPreference: "auto",
		Backend:       BackendNative,
		OutputPath:    outputPath,
		State:         StateIdle,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the job to a new state
func (j *DownloadJob) Transition(state JobState) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now()
	if j.State == StateIdle && j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.State = state
	j.UpdatedAt = now
	if state.IsTerminal() {
		j.CompletedAt = &now
	}
}

// Finish records the terminal result of the job
func (j *DownloadJob) Finish(result *JobResult) {
	state := StateCompleted
	switch result.Status {
	case ResultFailed:
		state = StateFailed
	case ResultCancelled:
		state = StateCancelled
	}

	j.mu.Lock()
	j.Result = result
	j.ErrorMessage = result.Error
	j.mu.Unlock()

	j.Transition(state)
}

// SetParsed records the detected manifest type and publishes the parsed
// stream list
func (j *DownloadJob) SetParsed(kind ManifestType, streams []*Stream) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ManifestType = kind
	j.Streams = cloneStreams(streams)
	j.UpdatedAt = time.Now()
}

// PublishStreams replaces the published stream list with a copy of streams.
// The runner calls it between stages, while no worker touches the streams.
func (j *DownloadJob) PublishStreams(streams []*Stream) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Streams = cloneStreams(streams)
	j.UpdatedAt = time.Now()
}

// ParsedStreams returns a copy of the last published stream list
func (j *DownloadJob) ParsedStreams() []*Stream {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return cloneStreams(j.Streams)
}

func cloneStreams(streams []*Stream) []*Stream {
	if streams == nil {
		return nil
	}
	out := make([]*Stream, len(streams))
	for i, s := range streams {
		out[i] = s.Clone()
	}
	return out
}

// CurrentState returns the state under lock
func (j *DownloadJob) CurrentState() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.State
}

// IsTerminal checks if the job is in a terminal state
func (j *DownloadJob) IsTerminal() bool {
	return j.CurrentState().IsTerminal()
}

// Snapshot returns a copy safe to serialize while the job runs
func (j *DownloadJob) Snapshot() *DownloadJob {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return &DownloadJob{
		ID:            j.ID,
		ManifestURL:   j.ManifestURL,
		ManifestType:  j.ManifestType,
		LicenseURL:    j.LicenseURL,
		DRMPreference: j.DRMPreference,
		Backend:       j.Backend,
		OutputPath:    j.OutputPath,
		Filters:       j.Filters,
		State:         j.State,
		Result:        j.Result,
		ErrorMessage:  j.ErrorMessage,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
}

// JobStats represents job statistics
type JobStats struct {
	Total     int64 `json:"total"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}
