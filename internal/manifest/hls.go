package manifest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	"github.com/yourusername/drmfetch-go/internal/domain"
)

const (
	widevineKeyFormat  = "urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"
	playreadyKeyFormat = "com.microsoft.playready"
)

// ParseHLSMaster parses a master playlist into streams without fetching any
// media playlist. Variants become video streams and EXT-X-MEDIA renditions
// with a URI become audio or subtitle streams. A body that is already a
// media playlist becomes a single video stream with its segments enumerated.
func ParseHLSMaster(body []byte, manifestURL string) ([]*domain.Stream, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrManifestParse, err)
	}

	if listType == m3u8.MEDIA {
		stream := domain.NewStream(domain.KindVideo, "video-0")
		stream.PlaylistURL = manifestURL
		if err := parseMediaPlaylist(body, manifestURL, stream); err != nil {
			return nil, err
		}
		return []*domain.Stream{stream}, nil
	}

	master, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected playlist type", domain.ErrManifestParse)
	}

	var streams []*domain.Stream
	seen := make(map[string]bool)

	for i, v := range master.Variants {
		if v == nil || v.Iframe || v.URI == "" {
			continue
		}
		playlistURL, err := resolveURL(manifestURL, v.URI)
		if err != nil {
			return nil, fmt.Errorf("%w: variant %d: %v", domain.ErrManifestParse, i, err)
		}
		if seen[playlistURL] {
			continue
		}
		seen[playlistURL] = true

		stream := domain.NewStream(domain.KindVideo, fmt.Sprintf("video-%d", i))
		stream.Bitrate = int(v.Bandwidth)
		stream.Codecs = v.Codecs
		stream.Resolution = v.Resolution
		stream.Width, stream.Height = parseResolution(v.Resolution)
		if v.FrameRate > 0 {
			stream.FrameRate = strconv.FormatFloat(v.FrameRate, 'f', -1, 64)
		}
		stream.PlaylistURL = playlistURL
		streams = append(streams, stream)
	}

	renditions := 0
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		for _, alt := range v.Alternatives {
			if alt == nil || alt.URI == "" {
				continue
			}

			var kind domain.StreamKind
			switch strings.ToUpper(alt.Type) {
			case "AUDIO":
				kind = domain.KindAudio
			case "SUBTITLES":
				kind = domain.KindSubtitle
			default:
				continue
			}

			playlistURL, err := resolveURL(manifestURL, alt.URI)
			if err != nil {
				return nil, fmt.Errorf("%w: rendition %s: %v", domain.ErrManifestParse, alt.Name, err)
			}
			if seen[playlistURL] {
				continue
			}
			seen[playlistURL] = true

			stream := domain.NewStream(kind, fmt.Sprintf("%s-%d", kind, renditions))
			renditions++
			if alt.Language != "" {
				stream.Language = alt.Language
			}
			stream.Name = alt.Name
			stream.PlaylistURL = playlistURL
			streams = append(streams, stream)
		}
	}

	return streams, nil
}

// ResolveSegments fetches the stream's own media playlist and enumerates its
// segments. Streams whose segments are already known are left untouched.
func ResolveSegments(ctx context.Context, client *http.Client, stream *domain.Stream, headers map[string]string) error {
	if stream.HasSegments() {
		return nil
	}
	if stream.PlaylistURL == "" {
		return fmt.Errorf("%w: stream %s has no playlist", domain.ErrManifestParse, stream.ID)
	}

	body, err := FetchManifest(ctx, client, stream.PlaylistURL, headers)
	if err != nil {
		return err
	}
	return parseMediaPlaylist(body, stream.PlaylistURL, stream)
}

// parseMediaPlaylist fills stream segments and protection from a media
// playlist body. Media segments are numbered from 1 and EXT-X-MAP becomes the
// init segment.
func parseMediaPlaylist(body []byte, playlistURL string, stream *domain.Stream) error {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")))
	if bytes.HasPrefix(trimmed, []byte("WEBVTT")) {
		stream.AddSegment(domain.Segment{URL: playlistURL, Number: 1, Kind: domain.SegmentMedia})
		return nil
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil || listType != m3u8.MEDIA {
		return parsePlainList(trimmed, playlistURL, stream)
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return parsePlainList(trimmed, playlistURL, stream)
	}

	var (
		segments []domain.Segment
		total    float64
		current  *m3u8.Key
		first    *domain.SegmentKey
		rotated  bool
		initMap  = media.Map
	)
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		if seg.Key != nil {
			current = seg.Key
		}
		if seg.Map != nil && initMap == nil {
			initMap = seg.Map
		}

		segURL, err := resolveURL(playlistURL, seg.URI)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrManifestParse, err)
		}
		enc, err := segmentKey(current, playlistURL)
		if err != nil {
			return err
		}
		if enc.IsAES128() {
			if first == nil {
				first = enc
			} else if *enc != *first {
				rotated = true
			}
		}
		segments = append(segments, domain.Segment{
			URL:        segURL,
			Number:     len(segments) + 1,
			Kind:       domain.SegmentMedia,
			Duration:   seg.Duration,
			Encryption: enc,
		})
		total += seg.Duration
	}

	if len(segments) == 0 {
		return parsePlainList(trimmed, playlistURL, stream)
	}

	// Per-segment keys are kept only when the playlist mixes keys or clear
	// sections; a single key stays on the stream.
	for i := range segments {
		switch {
		case first == nil:
			segments[i].Encryption = nil
		case segments[i].Encryption == nil:
			segments[i].Encryption = &domain.SegmentKey{Method: "NONE"}
			rotated = true
		case !segments[i].Encryption.IsAES128():
			rotated = true
		}
	}
	if !rotated {
		for i := range segments {
			segments[i].Encryption = nil
		}
	}

	if initMap != nil && initMap.URI != "" {
		initURL, err := resolveURL(playlistURL, initMap.URI)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrManifestParse, err)
		}
		stream.AddSegment(domain.Segment{URL: initURL, Number: 0, Kind: domain.SegmentInit})
	}
	for _, seg := range segments {
		stream.AddSegment(seg)
	}
	stream.Duration = time.Duration(total * float64(time.Second))

	applyKeyTags(stream, body, first, media.SeqNo)
	return nil
}

// segmentKey converts the EXT-X-KEY in effect into a segment key. Keys other
// than AES-128 and NONE are handled at stream level and map to nil.
func segmentKey(key *m3u8.Key, playlistURL string) (*domain.SegmentKey, error) {
	if key == nil {
		return nil, nil
	}
	switch strings.ToUpper(key.Method) {
	case "NONE":
		return &domain.SegmentKey{Method: "NONE"}, nil
	case "AES-128":
		if key.URI == "" {
			return nil, fmt.Errorf("%w: AES-128 key without URI", domain.ErrManifestParse)
		}
		keyURL, err := resolveURL(playlistURL, key.URI)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrManifestParse, err)
		}
		return &domain.SegmentKey{
			Method: "AES-128",
			URI:    keyURL,
			IV:     strings.TrimPrefix(strings.TrimPrefix(key.IV, "0x"), "0X"),
		}, nil
	}
	return nil, nil
}

// parsePlainList treats every non-comment line as one segment. This covers
// flat subtitle listings that carry no EXTINF tags.
func parsePlainList(body []byte, playlistURL string, stream *domain.Stream) error {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	number := 1
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		segURL, err := resolveURL(playlistURL, line)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrManifestParse, err)
		}
		stream.AddSegment(domain.Segment{URL: segURL, Number: number, Kind: domain.SegmentMedia})
		number++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrManifestParse, err)
	}
	if number == 1 {
		return fmt.Errorf("%w: playlist %s has no segments", domain.ErrManifestParse, playlistURL)
	}
	return nil
}

// applyKeyTags sets the stream protection from EXT-X-KEY tags. The first
// AES-128 key becomes the stream key. The decoder keeps a single key per
// segment, so DRM key formats carried in data: URIs are collected from the raw
// tags.
func applyKeyTags(stream *domain.Stream, body []byte, key *domain.SegmentKey, seqNo uint64) {
	if key != nil {
		stream.Protection = domain.Protection{
			System:        domain.DRMNone,
			Scheme:        domain.SchemeAES128,
			KeyURI:        key.URI,
			IV:            key.IV,
			MediaSequence: seqNo,
		}
		return
	}

	p := cloneProtection(stream.Protection)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "#EXT-X-KEY:") && !strings.HasPrefix(line, "#EXT-X-SESSION-KEY:") {
			continue
		}
		attrs := parseAttributes(line[strings.Index(line, ":")+1:])
		method := strings.ToUpper(attrs["METHOD"])
		if method == "" || method == "NONE" || method == "AES-128" {
			continue
		}

		switch method {
		case "SAMPLE-AES-CTR", "SAMPLE-AES-CENC":
			p.Scheme = domain.SchemeCENC
		default:
			p.Scheme = domain.SchemeCBCS
		}

		format := strings.ToLower(attrs["KEYFORMAT"])
		uri := attrs["URI"]
		switch {
		case format == widevineKeyFormat || strings.Contains(format, "widevine"):
			if header, ok := dataURIPayload(uri); ok {
				p.AddHeader(domain.DRMWidevine, header)
			}
		case format == playreadyKeyFormat:
			if header, ok := dataURIPayload(uri); ok {
				p.AddHeader(domain.DRMPlayReady, header)
			}
		case strings.Contains(format, "fairplay") || strings.HasPrefix(uri, "skd://"):
			if p.System == domain.DRMNone {
				p.System = domain.DRMFairPlay
			}
		}
		if kid := domain.NormalizeHex(attrs["KEYID"]); kid != "" {
			p.KID = strings.TrimPrefix(kid, "0x")
		}
	}
	stream.Protection = p
}

// dataURIPayload returns the base64 payload of a data: URI.
func dataURIPayload(uri string) (string, bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", false
	}
	comma := strings.Index(uri, ",")
	if comma < 0 {
		return "", false
	}
	payload := uri[comma+1:]
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return "", false
	}
	return payload, true
}

// parseAttributes splits an HLS attribute list, honoring quoted values.
func parseAttributes(list string) map[string]string {
	attrs := make(map[string]string)
	var key, value strings.Builder
	inKey, quoted := true, false

	flush := func() {
		if k := strings.TrimSpace(key.String()); k != "" {
			attrs[strings.ToUpper(k)] = strings.Trim(strings.TrimSpace(value.String()), `"`)
		}
		key.Reset()
		value.Reset()
		inKey = true
	}

	for _, r := range list {
		switch {
		case r == '"':
			quoted = !quoted
			value.WriteRune(r)
		case r == '=' && inKey:
			inKey = false
		case r == ',' && !quoted:
			flush()
		case inKey:
			key.WriteRune(r)
		default:
			value.WriteRune(r)
		}
	}
	flush()
	return attrs
}

func parseResolution(resolution string) (int, int) {
	parts := strings.SplitN(strings.ToLower(resolution), "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	width, _ := strconv.Atoi(parts[0])
	height, _ := strconv.Atoi(parts[1])
	return width, height
}
