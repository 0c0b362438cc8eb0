// Package manifest parses DASH and HLS manifests into stream records.
package manifest

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

// mpd is the root element of a Media Presentation Description.
type mpd struct {
	XMLName                   xml.Name `xml:"MPD"`
	Type                      string   `xml:"type,attr"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr"`
	BaseURL                   string   `xml:"BaseURL"`
	Periods                   []period `xml:"Period"`
}

type period struct {
	ID             string          `xml:"id,attr"`
	Start          string          `xml:"start,attr"`
	Duration       string          `xml:"duration,attr"`
	BaseURL        string          `xml:"BaseURL"`
	AdaptationSets []adaptationSet `xml:"AdaptationSet"`
}

type adaptationSet struct {
	ID                 string              `xml:"id,attr"`
	ContentType        string              `xml:"contentType,attr"`
	MimeType           string              `xml:"mimeType,attr"`
	Lang               string              `xml:"lang,attr"`
	Codecs             string              `xml:"codecs,attr"`
	FrameRate          string              `xml:"frameRate,attr"`
	Label              string              `xml:"label,attr"`
	BaseURL            string              `xml:"BaseURL"`
	Roles              []descriptor        `xml:"Role"`
	ContentProtections []contentProtection `xml:"ContentProtection"`
	SegmentTemplate    *segmentTemplate    `xml:"SegmentTemplate"`
	Representations    []representation    `xml:"Representation"`
}

type representation struct {
	ID                 string              `xml:"id,attr"`
	Bandwidth          int                 `xml:"bandwidth,attr"`
	Codecs             string              `xml:"codecs,attr"`
	MimeType           string              `xml:"mimeType,attr"`
	Width              int                 `xml:"width,attr"`
	Height             int                 `xml:"height,attr"`
	FrameRate          string              `xml:"frameRate,attr"`
	BaseURL            string              `xml:"BaseURL"`
	ContentProtections []contentProtection `xml:"ContentProtection"`
	SegmentTemplate    *segmentTemplate    `xml:"SegmentTemplate"`
	SegmentBase        *struct{}           `xml:"SegmentBase"`
}

type descriptor struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
}

// contentProtection matches cenc:pssh, cenc:default_KID and mspr:pro by local name.
type contentProtection struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
	DefaultKID  string `xml:"default_KID,attr"`
	PSSH        string `xml:"pssh"`
	Pro         string `xml:"pro"`
}

type segmentTemplate struct {
	Timescale      uint64           `xml:"timescale,attr"`
	Duration       uint64           `xml:"duration,attr"`
	StartNumber    *int             `xml:"startNumber,attr"`
	Initialization string           `xml:"initialization,attr"`
	Media          string           `xml:"media,attr"`
	Timeline       *segmentTimeline `xml:"SegmentTimeline"`
}

type segmentTimeline struct {
	Entries []timelineEntry `xml:"S"`
}

// timelineEntry is one S element: start time, duration and repeat count.
type timelineEntry struct {
	T *uint64 `xml:"t,attr"`
	D uint64  `xml:"d,attr"`
	R int     `xml:"r,attr"`
}

const mp4ProtectionScheme = "urn:mpeg:dash:mp4protection:2011"

// templateToken matches $RepresentationID$, $Bandwidth$, $Number$, $Time$ and
// their printf-width variants such as $Number%05d$.
var templateToken = regexp.MustCompile(`\$(RepresentationID|Bandwidth|Number|Time)(?:%0(\d+)d)?\$`)

// ParseDASH parses an MPD document into an ordered stream list. Relative
// URLs are resolved against manifestURL. Malformed documents produce an
// ErrManifestParse error and no streams.
func ParseDASH(body []byte, manifestURL string) ([]*domain.Stream, error) {
	var doc mpd
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrManifestParse, err)
	}

	total, err := ParseISODuration(doc.MediaPresentationDuration)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrManifestParse, err)
	}

	root, err := resolveURL(manifestURL, doc.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrManifestParse, err)
	}

	var streams []*domain.Stream
	byID := make(map[string]*domain.Stream)

	for pi, p := range doc.Periods {
		periodDuration, err := ParseISODuration(p.Duration)
		if err != nil {
			return nil, fmt.Errorf("%w: period %d: %v", domain.ErrManifestParse, pi, err)
		}
		if periodDuration == 0 && len(doc.Periods) == 1 {
			periodDuration = total
		}

		periodBase, err := resolveURL(root, p.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("%w: period %d: %v", domain.ErrManifestParse, pi, err)
		}

		for ai, as := range p.AdaptationSets {
			parsed, err := parseAdaptationSet(as, ai, periodBase, periodDuration)
			if err != nil {
				return nil, fmt.Errorf("%w: period %d: %v", domain.ErrManifestParse, pi, err)
			}

			for _, stream := range parsed {
				existing, ok := byID[stream.ID]
				if !ok {
					byID[stream.ID] = stream
					streams = append(streams, stream)
					continue
				}
				appendPeriod(existing, stream)
			}
		}
	}

	for _, stream := range streams {
		if stream.Duration == 0 {
			stream.Duration = total
		}
	}
	return streams, nil
}

// appendPeriod continues a stream that spans several periods. Media segments
// keep their template URLs but are renumbered after the existing ones.
func appendPeriod(stream, next *domain.Stream) {
	last := 0
	hasInit := false
	for _, seg := range stream.Segments {
		if seg.Kind == domain.SegmentInit {
			hasInit = true
			continue
		}
		last = seg.Number
	}

	for _, seg := range next.Segments {
		if seg.Kind == domain.SegmentInit {
			if !hasInit {
				stream.Segments = append([]domain.Segment{seg}, stream.Segments...)
				hasInit = true
			}
			continue
		}
		last++
		seg.Number = last
		stream.AddSegment(seg)
	}
	stream.Duration += next.Duration
}

func parseAdaptationSet(as adaptationSet, index int, base string, periodDuration time.Duration) ([]*domain.Stream, error) {
	codecs := as.Codecs
	if codecs == "" && len(as.Representations) > 0 {
		codecs = as.Representations[0].Codecs
	}
	kind, ok := streamKind(as.ContentType, as.MimeType, codecs)
	if !ok {
		return nil, nil
	}

	setBase, err := resolveURL(base, as.BaseURL)
	if err != nil {
		return nil, err
	}

	setProtection := protectionFrom(domain.NoProtection(), as.ContentProtections)

	role := "main"
	for _, r := range as.Roles {
		if r.Value != "" {
			role = r.Value
			break
		}
	}
	lang := as.Lang
	if lang == "" {
		lang = "und"
	}

	var streams []*domain.Stream
	for ri, rep := range as.Representations {
		id := rep.ID
		if id == "" {
			id = fmt.Sprintf("%s-%s-%d", kind, as.ID, ri)
		}

		stream := domain.NewStream(kind, id)
		stream.Bitrate = rep.Bandwidth
		stream.Width = rep.Width
		stream.Height = rep.Height
		if rep.Width > 0 && rep.Height > 0 {
			stream.Resolution = fmt.Sprintf("%dx%d", rep.Width, rep.Height)
		}
		stream.FrameRate = firstNonEmpty(rep.FrameRate, as.FrameRate)
		stream.Codecs = firstNonEmpty(rep.Codecs, as.Codecs)
		stream.Language = lang
		stream.Name = as.Label
		stream.Role = role
		stream.Duration = periodDuration

		if len(rep.ContentProtections) > 0 {
			stream.Protection = protectionFrom(setProtection, rep.ContentProtections)
		} else {
			stream.Protection = cloneProtection(setProtection)
		}

		repBase, err := resolveURL(setBase, rep.BaseURL)
		if err != nil {
			return nil, err
		}

		template := rep.SegmentTemplate
		if template == nil {
			template = as.SegmentTemplate
		}

		switch {
		case template != nil:
			segments, err := templateSegments(template, rep, repBase, periodDuration)
			if err != nil {
				return nil, fmt.Errorf("representation %s: %w", id, err)
			}
			stream.Segments = segments
		case rep.BaseURL != "" || as.BaseURL != "":
			// SegmentBase or bare BaseURL: the whole resource is one segment.
			stream.AddSegment(domain.Segment{URL: repBase, Number: 1, Kind: domain.SegmentMedia})
		}

		streams = append(streams, stream)
	}
	return streams, nil
}

// streamKind maps contentType, falling back to mimeType and codecs.
// Image (thumbnail) sets and unknown types are skipped.
func streamKind(contentType, mimeType, codecs string) (domain.StreamKind, bool) {
	value := strings.ToLower(contentType)
	if value == "" {
		value = strings.ToLower(mimeType)
	}

	switch {
	case strings.HasPrefix(value, "video"):
		return domain.KindVideo, true
	case strings.HasPrefix(value, "audio"):
		return domain.KindAudio, true
	case strings.HasPrefix(value, "text"), strings.Contains(value, "subtitle"),
		strings.Contains(value, "ttml"), strings.Contains(value, "vtt"):
		return domain.KindSubtitle, true
	case value == "application/mp4":
		c := strings.ToLower(codecs)
		if strings.HasPrefix(c, "stpp") || strings.HasPrefix(c, "wvtt") {
			return domain.KindSubtitle, true
		}
	}
	return "", false
}

// protectionFrom applies ContentProtection elements on top of a base
// descriptor. Values found here replace the inherited ones.
func protectionFrom(base domain.Protection, elements []contentProtection) domain.Protection {
	p := cloneProtection(base)

	for _, cp := range elements {
		uri := strings.ToLower(strings.TrimSpace(cp.SchemeIDURI))

		if kid := domain.NormalizeHex(cp.DefaultKID); kid != "" {
			p.KID = kid
		}

		if uri == mp4ProtectionScheme {
			switch strings.ToLower(strings.TrimSpace(cp.Value)) {
			case "cenc", "cens":
				p.Scheme = domain.SchemeCENC
			case "cbcs", "cbc1":
				p.Scheme = domain.SchemeCBCS
			}
			continue
		}

		header := strings.TrimSpace(cp.PSSH)
		system := domain.SystemFromID(uri)
		if system == domain.DRMNone && header != "" {
			system = systemFromPSSH(header)
		}
		if system == domain.DRMNone {
			continue
		}
		if header == "" && system == domain.DRMPlayReady {
			header = strings.TrimSpace(cp.Pro)
		}

		if header != "" {
			if p.Headers != nil {
				delete(p.Headers, system)
			}
			if p.System == system {
				p.PSSH = ""
			}
			p.AddHeader(system, header)
		} else if p.System == domain.DRMNone {
			p.System = system
		}
	}

	if p.IsEncrypted() && p.Scheme == domain.SchemeNone {
		p.Scheme = domain.SchemeCENC
	}
	return p
}

func cloneProtection(p domain.Protection) domain.Protection {
	if p.Headers != nil {
		headers := make(map[domain.DRMSystem]string, len(p.Headers))
		for k, v := range p.Headers {
			headers[k] = v
		}
		p.Headers = headers
	}
	return p
}

// systemFromPSSH reads the system id out of a base64 pssh box (bytes 12..28).
func systemFromPSSH(header string) domain.DRMSystem {
	box, err := base64.StdEncoding.DecodeString(header)
	if err != nil || len(box) < 28 || string(box[4:8]) != "pssh" {
		return domain.DRMNone
	}
	return domain.SystemFromID(fmt.Sprintf("%x", box[12:28]))
}

// templateSegments expands a SegmentTemplate into the init segment (number 0)
// followed by media segments numbered from startNumber.
// MaxSegmentsPerStream bounds timeline expansion for one representation
const MaxSegmentsPerStream = 200000

func templateSegments(t *segmentTemplate, rep representation, base string, periodDuration time.Duration) ([]domain.Segment, error) {
	timescale := t.Timescale
	if timescale == 0 {
		timescale = 1
	}
	start := 1
	if t.StartNumber != nil {
		start = *t.StartNumber
	}

	var segments []domain.Segment
	if t.Initialization != "" {
		initURL, err := resolveURL(base, expandTemplate(t.Initialization, rep, 0, 0))
		if err != nil {
			return nil, err
		}
		segments = append(segments, domain.Segment{URL: initURL, Number: 0, Kind: domain.SegmentInit})
	}
	if t.Media == "" {
		return segments, nil
	}

	add := func(number int, timeValue, duration uint64) error {
		mediaURL, err := resolveURL(base, expandTemplate(t.Media, rep, number, timeValue))
		if err != nil {
			return err
		}
		segments = append(segments, domain.Segment{
			URL:      mediaURL,
			Number:   number,
			Kind:     domain.SegmentMedia,
			Duration: float64(duration) / float64(timescale),
		})
		return nil
	}

	number := start
	if t.Timeline != nil && len(t.Timeline.Entries) > 0 {
		// the period ends periodDuration after the first timeline entry
		var periodEnd uint64
		if periodDuration > 0 {
			periodEnd = uint64(periodDuration.Seconds() * float64(timescale))
			if first := t.Timeline.Entries[0].T; first != nil {
				periodEnd += *first
			}
		}
		var clock uint64

		for i, entry := range t.Timeline.Entries {
			if entry.D == 0 {
				continue
			}
			if entry.T != nil {
				clock = *entry.T
			}

			repeat := entry.R
			if repeat < 0 {
				repeat = openRepeat(t.Timeline.Entries, i, clock, entry.D, periodEnd)
			} else if periodEnd > clock {
				repeat = min(repeat, spanCount(periodEnd-clock, entry.D)-1)
			}
			if len(segments)+repeat+1 > MaxSegmentsPerStream {
				return nil, fmt.Errorf("%w: representation %s expands to more than %d segments",
					domain.ErrManifestParse, rep.ID, MaxSegmentsPerStream)
			}

			for r := 0; r <= repeat; r++ {
				if err := add(number, clock, entry.D); err != nil {
					return nil, err
				}
				number++
				clock += entry.D
			}
		}
		return segments, nil
	}

	if t.Duration > 0 && periodDuration > 0 {
		segmentSeconds := float64(t.Duration) / float64(timescale)
		total := math.Ceil(periodDuration.Seconds() / segmentSeconds)
		if total > MaxSegmentsPerStream {
			return nil, fmt.Errorf("%w: representation %s expands to more than %d segments",
				domain.ErrManifestParse, rep.ID, MaxSegmentsPerStream)
		}
		count := int(total)
		for i := 0; i < count; i++ {
			if err := add(number, uint64(i)*t.Duration, t.Duration); err != nil {
				return nil, err
			}
			number++
		}
	}
	return segments, nil
}

// openRepeat resolves r=-1: repeat until the next entry's start time, or
// until the end of the period when this is the last entry.
func openRepeat(entries []timelineEntry, i int, clock, d, periodEnd uint64) int {
	end := periodEnd
	if i+1 < len(entries) && entries[i+1].T != nil {
		end = *entries[i+1].T
	}
	if end <= clock {
		return 0
	}
	return spanCount(end-clock, d) - 1
}

// spanCount is the number of d-long segments needed to cover span, capped
// just past MaxSegmentsPerStream
func spanCount(span, d uint64) int {
	n := span / d
	if span%d != 0 {
		n++
	}
	if n > MaxSegmentsPerStream {
		return MaxSegmentsPerStream + 1
	}
	return int(n)
}

func expandTemplate(template string, rep representation, number int, timeValue uint64) string {
	out := templateToken.ReplaceAllStringFunc(template, func(token string) string {
		match := templateToken.FindStringSubmatch(token)
		var value string
		switch match[1] {
		case "RepresentationID":
			return rep.ID
		case "Bandwidth":
			value = strconv.Itoa(rep.Bandwidth)
		case "Number":
			value = strconv.Itoa(number)
		case "Time":
			value = strconv.FormatUint(timeValue, 10)
		}
		if match[2] != "" {
			width, _ := strconv.Atoi(match[2])
			for len(value) < width {
				value = "0" + value
			}
		}
		return value
	})
	return strings.ReplaceAll(out, "$$", "$")
}

// resolveURL resolves ref against base. An empty ref returns base unchanged.
func resolveURL(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return base, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
