package domain

import "context"

// EncryptionInfo describes what a container declares about its protection
type EncryptionInfo struct {
	Encrypted bool
	Scheme    string   // scheme_type from the schm box, e.g. cenc, cbcs
	KIDs      []string // default KIDs from tenc boxes, lower hex
}

// DecryptRequest is the shared contract of every whole-file backend
type DecryptRequest struct {
	Input    string
	Output   string
	Keys     []KeyPair
	Kind     StreamKind
	StreamID string
	Progress ProgressFunc
}

// Decryptor decrypts an assembled container file
type Decryptor interface {
	// Name identifies the backend
	Name() string

	// Inspect reads container metadata looking for an encryption box
	Inspect(path string) (EncryptionInfo, error)

	// Decrypt writes a clear copy of Input to Output. Clear input is copied through.
	Decrypt(ctx context.Context, req DecryptRequest) error
}

// LicenseRequest is one challenge/response exchange for a protection header
type LicenseRequest struct {
	URL     string
	Headers map[string]string
	DRM     DRMSystem
	PSSH    string
	KIDs    []string
}

// LicenseAcquirer turns a protection header into clear content keys
type LicenseAcquirer interface {
	Acquire(ctx context.Context, req LicenseRequest) ([]KeyPair, error)
}
