package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/drmfetch-go/internal/domain"
)

const masterPlaylist = `#EXTM3U
#EXT-X-VERSION:4
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="en",NAME="English",DEFAULT=YES,AUTOSELECT=YES,URI="audio/en/index.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",LANGUAGE="it",NAME="Italiano",DEFAULT=NO,AUTOSELECT=YES,URI="subs/it/index.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2",AUDIO="aud",SUBTITLES="subs"
video/1080/index.m3u8
`

func TestParseHLSMaster(t *testing.T) {
	streams, err := ParseHLSMaster([]byte(masterPlaylist), "https://cdn.example.com/show/master.m3u8")
	require.NoError(t, err)
	require.Len(t, streams, 3)

	video := streams[0]
	assert.Equal(t, domain.KindVideo, video.Kind)
	assert.Equal(t, 5000000, video.Bitrate)
	assert.Equal(t, 1920, video.Width)
	assert.Equal(t, 1080, video.Height)
	assert.Equal(t, "https://cdn.example.com/show/video/1080/index.m3u8", video.PlaylistURL)
	assert.False(t, video.HasSegments())

	kinds := map[domain.StreamKind]*domain.Stream{}
	for _, s := range streams[1:] {
		kinds[s.Kind] = s
	}
	require.Contains(t, kinds, domain.KindAudio)
	require.Contains(t, kinds, domain.KindSubtitle)
	assert.Equal(t, "en", kinds[domain.KindAudio].Language)
	assert.Equal(t, "English", kinds[domain.KindAudio].Name)
	assert.Equal(t, "https://cdn.example.com/show/audio/en/index.m3u8", kinds[domain.KindAudio].PlaylistURL)
	assert.Equal(t, "it", kinds[domain.KindSubtitle].Language)
}

func TestParseHLSMaster_Malformed(t *testing.T) {
	streams, err := ParseHLSMaster([]byte("not a playlist"), "https://cdn.example.com/master.m3u8")

	assert.ErrorIs(t, err, domain.ErrManifestParse)
	assert.Nil(t, streams)
}

func TestParseHLSMaster_MediaPlaylistBody(t *testing.T) {
	body := `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXTINF:4.0,
a.ts
#EXTINF:4.0,
b.ts
#EXT-X-ENDLIST
`
	streams, err := ParseHLSMaster([]byte(body), "https://cdn.example.com/live/index.m3u8")
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, domain.KindVideo, streams[0].Kind)
	assert.Len(t, streams[0].Segments, 2)
}

func TestResolveSegments(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		w.Write([]byte(`#EXTM3U
#EXT-X-VERSION:6
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:10
#EXT-X-MAP:URI="init.mp4"
#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x000102030405060708090a0b0c0d0e0f
#EXTINF:6.0,
seg1.ts
#EXTINF:4.5,
seg2.ts
#EXT-X-ENDLIST
`))
	}))
	defer server.Close()

	stream := domain.NewStream(domain.KindVideo, "video-0")
	stream.PlaylistURL = server.URL + "/v/index.m3u8"
	headers := map[string]string{"X-Token": "secret"}

	err := ResolveSegments(context.Background(), server.Client(), stream, headers)
	require.NoError(t, err)

	require.Len(t, stream.Segments, 3)
	assert.Equal(t, domain.SegmentInit, stream.Segments[0].Kind)
	assert.Equal(t, server.URL+"/v/init.mp4", stream.Segments[0].URL)
	assert.Equal(t, 1, stream.Segments[1].Number)
	assert.Equal(t, 2, stream.Segments[2].Number)
	assert.Equal(t, server.URL+"/v/seg2.ts", stream.Segments[2].URL)
	assert.Equal(t, 10500*time.Millisecond, stream.Duration)

	p := stream.Protection
	assert.Equal(t, domain.SchemeAES128, p.Scheme)
	assert.Equal(t, server.URL+"/v/key.bin", p.KeyURI)
	assert.Equal(t, "000102030405060708090a0b0c0d0e0f", p.IV)
	assert.Equal(t, uint64(10), p.MediaSequence)
	assert.False(t, p.IsContainerScheme())

	// Already enumerated: no second fetch.
	require.NoError(t, ResolveSegments(context.Background(), server.Client(), stream, headers))
	assert.Equal(t, int32(1), requests.Load())
	assert.Len(t, stream.Segments, 3)
}

func TestParseMediaPlaylist_KeyRotation(t *testing.T) {
	body := []byte(`#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-KEY:METHOD=AES-128,URI="k1.bin",IV=0x00000000000000000000000000000001
#EXTINF:4.0,
s1.ts
#EXTINF:4.0,
s2.ts
#EXT-X-KEY:METHOD=AES-128,URI="k2.bin",IV=0x000000000000000000000000000000ff
#EXTINF:4.0,
s3.ts
#EXT-X-KEY:METHOD=NONE
#EXTINF:4.0,
s4.ts
#EXT-X-ENDLIST
`)
	stream := domain.NewStream(domain.KindVideo, "video-0")
	require.NoError(t, parseMediaPlaylist(body, "http://h/x/index.m3u8", stream))
	require.Len(t, stream.Segments, 4)

	k1 := &domain.SegmentKey{Method: "AES-128", URI: "http://h/x/k1.bin", IV: "00000000000000000000000000000001"}
	k2 := &domain.SegmentKey{Method: "AES-128", URI: "http://h/x/k2.bin", IV: "000000000000000000000000000000ff"}
	assert.Equal(t, k1, stream.Segments[0].Encryption)
	assert.Equal(t, k1, stream.Segments[1].Encryption)
	assert.Equal(t, k2, stream.Segments[2].Encryption)
	assert.Equal(t, &domain.SegmentKey{Method: "NONE"}, stream.Segments[3].Encryption)
	assert.False(t, stream.Segments[3].Encryption.IsAES128())

	// the first key stays on the stream
	assert.Equal(t, domain.SchemeAES128, stream.Protection.Scheme)
	assert.Equal(t, "http://h/x/k1.bin", stream.Protection.KeyURI)
	assert.Equal(t, []string{"http://h/x/k1.bin", "http://h/x/k2.bin"}, stream.KeyURIs())
}

func TestParseMediaPlaylist_ClearLeadIn(t *testing.T) {
	body := []byte(`#EXTM3U
#EXT-X-TARGETDURATION:4
#EXTINF:4.0,
s1.ts
#EXT-X-KEY:METHOD=AES-128,URI="k1.bin"
#EXTINF:4.0,
s2.ts
#EXT-X-ENDLIST
`)
	stream := domain.NewStream(domain.KindVideo, "video-0")
	require.NoError(t, parseMediaPlaylist(body, "http://h/x/index.m3u8", stream))
	require.Len(t, stream.Segments, 2)
	assert.Equal(t, "NONE", stream.Segments[0].Encryption.Method)
	assert.True(t, stream.Segments[1].Encryption.IsAES128())
}

func TestParseMediaPlaylist_SingleKeyStaysOnStream(t *testing.T) {
	body := []byte(`#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-KEY:METHOD=AES-128,URI="k1.bin"
#EXTINF:4.0,
s1.ts
#EXTINF:4.0,
s2.ts
#EXT-X-ENDLIST
`)
	stream := domain.NewStream(domain.KindVideo, "video-0")
	require.NoError(t, parseMediaPlaylist(body, "http://h/x/index.m3u8", stream))
	for _, seg := range stream.Segments {
		assert.Nil(t, seg.Encryption)
	}
	assert.Equal(t, "http://h/x/k1.bin", stream.Protection.KeyURI)
}

func TestResolveSegments_PlainListFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n# flat listing\nsub_0001.vtt\nsub_0002.vtt\n\nsub_0003.vtt\n"))
	}))
	defer server.Close()

	stream := domain.NewStream(domain.KindSubtitle, "subtitle-0")
	stream.PlaylistURL = server.URL + "/subs/it.m3u8"

	require.NoError(t, ResolveSegments(context.Background(), server.Client(), stream, nil))
	require.Len(t, stream.Segments, 3)
	for i, seg := range stream.Segments {
		assert.Equal(t, i+1, seg.Number)
	}
	assert.Equal(t, server.URL+"/subs/sub_0003.vtt", stream.Segments[2].URL)
}

func TestResolveSegments_WebVTTBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("WEBVTT\n\n00:00:01.000 --> 00:00:02.000\nCiao\n"))
	}))
	defer server.Close()

	stream := domain.NewStream(domain.KindSubtitle, "subtitle-0")
	stream.PlaylistURL = server.URL + "/subs/it.vtt"

	require.NoError(t, ResolveSegments(context.Background(), server.Client(), stream, nil))
	assert.True(t, stream.IsWholeFile())
	assert.Equal(t, stream.PlaylistURL, stream.Segments[0].URL)
}

func TestParseMediaPlaylist_WidevineDataURI(t *testing.T) {
	pssh := widevinePSSH(t)
	body := `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-KEY:METHOD=SAMPLE-AES-CTR,URI="data:text/plain;base64,` + pssh + `",KEYFORMAT="urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed",KEYFORMATVERSIONS="1"
#EXT-X-MAP:URI="init.mp4"
#EXTINF:4.0,
seg1.m4s
#EXT-X-ENDLIST
`
	stream := domain.NewStream(domain.KindVideo, "video-0")
	require.NoError(t, parseMediaPlaylist([]byte(body), "https://cdn.example.com/v/index.m3u8", stream))

	p := stream.Protection
	assert.Equal(t, domain.DRMWidevine, p.System)
	assert.Equal(t, pssh, p.PSSH)
	assert.Equal(t, domain.SchemeCENC, p.Scheme)
	assert.True(t, p.IsContainerScheme())
}

func TestFetchManifest_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := FetchManifest(context.Background(), server.Client(), server.URL+"/manifest.mpd", nil)
	assert.ErrorIs(t, err, domain.ErrManifestFetch)
}

func TestDetectType(t *testing.T) {
	assert.Equal(t, domain.ManifestHLS, DetectType("https://x/manifest", []byte("#EXTM3U\n")))
	assert.Equal(t, domain.ManifestDASH, DetectType("https://x/manifest", []byte(`<?xml version="1.0"?><MPD>`)))
	assert.Equal(t, domain.ManifestDASH, DetectType("https://x/a.mpd", nil))
	assert.Equal(t, domain.ManifestHLS, DetectType("https://x/a.m3u8", nil))
}

func TestParseAttributes(t *testing.T) {
	attrs := parseAttributes(`METHOD=AES-128,URI="https://k.example.com/key?a=1,b=2",IV=0x01`)

	assert.Equal(t, "AES-128", attrs["METHOD"])
	assert.Equal(t, "https://k.example.com/key?a=1,b=2", attrs["URI"])
	assert.Equal(t, "0x01", attrs["IV"])
}
