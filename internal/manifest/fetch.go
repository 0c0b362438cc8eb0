package manifest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

// maxManifestSize bounds manifest bodies read into memory.
const maxManifestSize = 64 << 20

// FetchManifest downloads a manifest or media playlist in a single attempt.
// Retrying is left to the caller.
func FetchManifest(ctx context.Context, client *http.Client, manifestURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request for %s: %v", domain.ErrManifestFetch, manifestURL, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrManifestFetch, manifestURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: received status code %d from %s", domain.ErrManifestFetch, resp.StatusCode, manifestURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body from %s: %v", domain.ErrManifestFetch, manifestURL, err)
	}
	return body, nil
}

// DetectType decides between DASH and HLS from the body, falling back to the URL.
func DetectType(manifestURL string, body []byte) domain.ManifestType {
	head := bytes.TrimSpace(body)
	if len(head) > 1024 {
		head = head[:1024]
	}
	switch {
	case bytes.HasPrefix(head, []byte("#EXTM3U")):
		return domain.ManifestHLS
	case bytes.Contains(head, []byte("<MPD")):
		return domain.ManifestDASH
	}
	return domain.DetectManifestType(manifestURL)
}

// Parse runs the parser matching the manifest type.
func Parse(kind domain.ManifestType, body []byte, manifestURL string) ([]*domain.Stream, error) {
	if kind == domain.ManifestDASH {
		return ParseDASH(body, manifestURL)
	}
	return ParseHLSMaster(body, manifestURL)
}
