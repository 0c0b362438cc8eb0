package domain

import (
	"fmt"
	"strings"
	"time"
)

// StreamKind represents the kind of an elementary stream
type StreamKind string

const (
	KindVideo    StreamKind = "video"
	KindAudio    StreamKind = "audio"
	KindSubtitle StreamKind = "subtitle"
)

// SegmentKind distinguishes initialization segments from media segments
type SegmentKind string

const (
	SegmentInit  SegmentKind = "init"
	SegmentMedia SegmentKind = "media"
)

// DRMSystem identifies a content protection system
type DRMSystem string

const (
	DRMNone      DRMSystem = "none"
	DRMWidevine  DRMSystem = "widevine"
	DRMPlayReady DRMSystem = "playready"
	DRMFairPlay  DRMSystem = "fairplay"
	DRMClearKey  DRMSystem = "clearkey"
)

// Scheme is the encryption scheme applied to the media
type Scheme string

const (
	SchemeNone   Scheme = "none"
	SchemeCENC   Scheme = "cenc"
	SchemeCBCS   Scheme = "cbcs"
	SchemeAES128 Scheme = "aes128"
)

// System IDs as they appear in ContentProtection@schemeIdUri and pssh boxes
var systemIDs = map[string]DRMSystem{
	"edef8ba9-79d6-4ace-a3c8-27dcd51d21ed": DRMWidevine,
	"9a04f079-9840-4286-ab92-e65be0885f95": DRMPlayReady,
	"94ce86fb-07ff-4f43-adb8-93d2fa968ca2": DRMFairPlay,
	"e2719d58-a985-b3c9-781a-b030af78d30e": DRMClearKey,
}

// SystemFromID maps a system UUID (dashed or not, any case) to a DRM system.
// Returns DRMNone for unknown IDs.
func SystemFromID(id string) DRMSystem {
	id = strings.ToLower(strings.TrimSpace(id))
	id = strings.TrimPrefix(id, "urn:uuid:")
	if len(id) == 32 {
		id = id[0:8] + "-" + id[8:12] + "-" + id[12:16] + "-" + id[16:20] + "-" + id[20:]
	}
	if system, ok := systemIDs[id]; ok {
		return system
	}
	return DRMNone
}

// ValidateDRMSystem checks if a DRM preference value is valid
func ValidateDRMSystem(system string) bool {
	switch DRMSystem(system) {
	case DRMWidevine, DRMPlayReady, DRMClearKey:
		return true
	}
	return system == "auto"
}

// Segment is one addressable piece of a stream
type Segment struct {
	URL        string      `json:"url"`
	Number     int         `json:"number"`
	Kind       SegmentKind `json:"kind"`
	Duration   float64     `json:"duration,omitempty"`
	Size       int64       `json:"size"`
	Downloaded bool        `json:"downloaded"`

	// Encryption overrides the stream protection for this segment (HLS key
	// rotation). Nil means the stream-level protection applies.
	Encryption *SegmentKey `json:"encryption,omitempty"`

	content []byte
}

// SegmentKey is the EXT-X-KEY in effect for one segment
type SegmentKey struct {
	Method string `json:"method"`
	URI    string `json:"uri,omitempty"`
	IV     string `json:"iv,omitempty"`
}

// IsAES128 reports whether the segment is whole-segment AES-128 encrypted
func (k *SegmentKey) IsAES128() bool {
	return k != nil && strings.EqualFold(k.Method, "AES-128") && k.URI != ""
}

// SetContent assigns the downloaded bytes. Content is assigned once per fetch.
func (s *Segment) SetContent(data []byte) {
	s.content = data
	s.Size = int64(len(data))
}

// Content returns the transient downloaded bytes
func (s *Segment) Content() []byte {
	return s.content
}

// ClearContent drops the transient bytes after they have been persisted
func (s *Segment) ClearContent() {
	s.content = nil
}

// Protection describes how a stream is protected
type Protection struct {
	System DRMSystem `json:"system"`
	PSSH   string    `json:"pssh,omitempty"` // base64 protection header for System
	KID    string    `json:"kid,omitempty"`  // lower hex, no dashes
	Scheme Scheme    `json:"scheme"`

	// Headers holds every system-specific protection header found, by system
	Headers map[DRMSystem]string `json:"headers,omitempty"`

	// AES-128 (HLS) key material. Without an explicit IV the segment's media
	// sequence number is used, counting from MediaSequence for segment 1.
	KeyURI        string `json:"key_uri,omitempty"`
	IV            string `json:"iv,omitempty"`
	MediaSequence uint64 `json:"media_sequence,omitempty"`
	Key           []byte `json:"-"`

	// Keys holds fetched AES-128 key bytes by key URI
	Keys map[string][]byte `json:"-"`
}

// KeyFor returns the fetched AES-128 key for a key URI
func (p Protection) KeyFor(uri string) []byte {
	if key, ok := p.Keys[uri]; ok {
		return key
	}
	if uri == p.KeyURI {
		return p.Key
	}
	return nil
}

// SetKey records fetched key bytes for a key URI
func (p *Protection) SetKey(uri string, key []byte) {
	if p.Keys == nil {
		p.Keys = make(map[string][]byte)
	}
	p.Keys[uri] = key
	if uri == p.KeyURI {
		p.Key = key
	}
}

// KeyURIs returns every distinct AES-128 key URI used by the stream, the
// stream-level one first
func (s *Stream) KeyURIs() []string {
	var uris []string
	seen := make(map[string]bool)
	add := func(uri string) {
		if uri != "" && !seen[uri] {
			seen[uri] = true
			uris = append(uris, uri)
		}
	}
	if s.Protection.Scheme == SchemeAES128 {
		add(s.Protection.KeyURI)
	}
	for _, seg := range s.Segments {
		if seg.Encryption.IsAES128() {
			add(seg.Encryption.URI)
		}
	}
	return uris
}

// Clone returns a deep copy without transient content or key bytes
func (s *Stream) Clone() *Stream {
	c := *s
	c.Protection = s.Protection.clone()
	if s.Segments != nil {
		c.Segments = make([]Segment, len(s.Segments))
		for i, seg := range s.Segments {
			seg.content = nil
			if seg.Encryption != nil {
				enc := *seg.Encryption
				seg.Encryption = &enc
			}
			c.Segments[i] = seg
		}
	}
	return &c
}

func (p Protection) clone() Protection {
	c := p
	c.Key = nil
	c.Keys = nil
	if p.Headers != nil {
		c.Headers = make(map[DRMSystem]string, len(p.Headers))
		for system, h := range p.Headers {
			c.Headers[system] = h
		}
	}
	return c
}

// NoProtection returns a descriptor for clear content
func NoProtection() Protection {
	return Protection{System: DRMNone, Scheme: SchemeNone}
}

// IsEncrypted reports whether the stream carries protection metadata
func (p Protection) IsEncrypted() bool {
	return p.PSSH != "" || p.KID != "" || len(p.Headers) > 0 || p.KeyURI != ""
}

// IsContainerScheme reports whether decryption happens on the assembled file
func (p Protection) IsContainerScheme() bool {
	return p.IsEncrypted() && p.Scheme != SchemeAES128
}

// HeaderFor returns the protection header for a given system
func (p Protection) HeaderFor(system DRMSystem) (string, bool) {
	if h, ok := p.Headers[system]; ok && h != "" {
		return h, true
	}
	if p.System == system && p.PSSH != "" {
		return p.PSSH, true
	}
	return "", false
}

// AddHeader records a protection header and promotes it to the primary one when
// no primary header is set yet, preferring Widevine.
func (p *Protection) AddHeader(system DRMSystem, pssh string) {
	if pssh == "" || system == DRMNone {
		return
	}
	if p.Headers == nil {
		p.Headers = make(map[DRMSystem]string)
	}
	p.Headers[system] = pssh
	if p.PSSH == "" || (system == DRMWidevine && p.System != DRMWidevine) {
		p.System = system
		p.PSSH = pssh
	}
}

// Stream is one selectable rendition in a manifest
type Stream struct {
	Kind        StreamKind    `json:"kind"`
	ID          string        `json:"id"`
	Bitrate     int           `json:"bitrate"`
	Width       int           `json:"width,omitempty"`
	Height      int           `json:"height,omitempty"`
	Resolution  string        `json:"resolution,omitempty"`
	FrameRate   string        `json:"frame_rate,omitempty"`
	Codecs      string        `json:"codecs,omitempty"`
	Language    string        `json:"language,omitempty"`
	Name        string        `json:"name,omitempty"`
	Role        string        `json:"role,omitempty"`
	Protection  Protection    `json:"protection"`
	Segments    []Segment     `json:"segments,omitempty"`
	Selected    bool          `json:"selected"`
	Duration    time.Duration `json:"duration"`
	PlaylistURL string        `json:"playlist_url,omitempty"`
}

// NewStream creates a stream with default metadata
func NewStream(kind StreamKind, id string) *Stream {
	return &Stream{
		Kind:       kind,
		ID:         id,
		Language:   "und",
		Role:       "main",
		Protection: NoProtection(),
	}
}

// AddSegment appends a segment to the stream
func (s *Stream) AddSegment(seg Segment) {
	s.Segments = append(s.Segments, seg)
}

// HasSegments reports whether the segment list has been enumerated
func (s *Stream) HasSegments() bool {
	return len(s.Segments) > 0
}

// IsWholeFile reports whether the stream is a single non-segmented resource
func (s *Stream) IsWholeFile() bool {
	return s.Kind == KindSubtitle && len(s.Segments) == 1
}

// Description returns a short human readable label
func (s *Stream) Description() string {
	switch s.Kind {
	case KindVideo:
		if s.Height > 0 {
			return fmt.Sprintf("video %dp %s", s.Height, s.ID)
		}
		return fmt.Sprintf("video %s", s.ID)
	case KindAudio:
		return fmt.Sprintf("audio %s %s", s.Language, s.ID)
	default:
		return fmt.Sprintf("%s %s %s", s.Kind, s.Language, s.ID)
	}
}
