package infrastructure

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

const maxLicenseSize = 4 << 20

// CDM produces license challenges and extracts content keys from licenses.
// Each vendor wire format lives behind this interface.
type CDM interface {
	// OpenSession starts a CDM session and returns its id
	OpenSession(ctx context.Context) (string, error)

	// Challenge builds the license request body for a protection header
	Challenge(ctx context.Context, session string, req domain.LicenseRequest) ([]byte, error)

	// ParseLicense extracts content keys from the license server response
	ParseLicense(ctx context.Context, session string, license []byte) ([]domain.KeyPair, error)

	// CloseSession releases the session
	CloseSession(ctx context.Context, session string) error
}

// LicenseClient performs one challenge/response exchange per request
type LicenseClient struct {
	client  *http.Client
	cdm     CDM
	delay   time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// NewLicenseClient creates a new license client. delay is the cooldown
// observed before every license POST.
func NewLicenseClient(client *http.Client, cdm CDM, delay, timeout time.Duration, logger *zap.Logger) *LicenseClient {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LicenseClient{
		client:  client,
		cdm:     cdm,
		delay:   delay,
		timeout: timeout,
		logger:  logger,
	}
}

// Acquire obtains the content keys for req.PSSH from the license server
func (c *LicenseClient) Acquire(ctx context.Context, req domain.LicenseRequest) ([]domain.KeyPair, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("%w: no license url", domain.ErrLicenseRejected)
	}

	session, err := c.cdm.OpenSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open cdm session: %w", err)
	}
	defer func() {
		if err := c.cdm.CloseSession(context.WithoutCancel(ctx), session); err != nil {
			c.logger.Debug("Failed to close cdm session", zap.String("session", session), zap.Error(err))
		}
	}()

	challenge, err := c.cdm.Challenge(ctx, session, req)
	if err != nil {
		return nil, fmt.Errorf("failed to build license challenge: %w", err)
	}

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	license, err := c.post(ctx, req, challenge)
	if err != nil {
		return nil, err
	}

	keys, err := c.cdm.ParseLicense(ctx, session, license)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLicenseRejected, err)
	}

	usable := make([]domain.KeyPair, 0, len(keys))
	for _, k := range keys {
		if k.IsZero() {
			continue
		}
		k.KID = domain.NormalizeHex(k.KID)
		k.Key = domain.NormalizeHex(k.Key)
		usable = append(usable, k)
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w: license contained no usable keys", domain.ErrLicenseRejected)
	}

	c.logger.Info("License acquired",
		zap.String("drm", string(req.DRM)),
		zap.String("license_url", req.URL),
		zap.Int("keys", len(usable)))
	return usable, nil
}

func (c *LicenseClient) post(ctx context.Context, req domain.LicenseRequest, challenge []byte) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(challenge))
	if err != nil {
		return nil, fmt.Errorf("invalid license request: %w", err)
	}
	if json.Valid(challenge) {
		httpReq.Header.Set("Content-Type", "application/json")
	} else {
		httpReq.Header.Set("Content-Type", "application/octet-stream")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("license request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLicenseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read license response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", domain.ErrLicenseRejected, resp.StatusCode)
	}

	return unwrapLicense(resp.Header.Get("Content-Type"), body), nil
}

// unwrapLicense decodes JSON envelopes of the form {"license": "<base64>"}.
// Any other body is returned untouched.
func unwrapLicense(contentType string, body []byte) []byte {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "application/json" {
		return body
	}

	var envelope struct {
		License string `json:"license"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.License == "" {
		return body
	}
	decoded, err := base64.StdEncoding.DecodeString(envelope.License)
	if err != nil {
		return body
	}
	return decoded
}
