package infrastructure

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

// ExternalDecryptor decrypts through mp4decrypt or shaka-packager
type ExternalDecryptor struct {
	backend   domain.DecryptBackend
	binary    string
	runner    *ProcessRunner
	inspector *NativeDecryptor
	logger    *zap.Logger
}

// NewExternalDecryptor creates a decryptor for an external tool backend
func NewExternalDecryptor(backend domain.DecryptBackend, binary string, runner *ProcessRunner, logger *zap.Logger) (*ExternalDecryptor, error) {
	if backend != domain.BackendMP4Decrypt && backend != domain.BackendShaka {
		return nil, fmt.Errorf("unsupported external backend: %s", backend)
	}
	if binary == "" {
		return nil, fmt.Errorf("no binary configured for %s", backend)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if runner == nil {
		runner = NewProcessRunner(logger)
	}
	return &ExternalDecryptor{
		backend:   backend,
		binary:    binary,
		runner:    runner,
		inspector: NewNativeDecryptor(logger),
		logger:    logger,
	}, nil
}

// Name returns the backend name
func (d *ExternalDecryptor) Name() string {
	return string(d.backend)
}

// Inspect reads the container's protection boxes
func (d *ExternalDecryptor) Inspect(path string) (domain.EncryptionInfo, error) {
	return d.inspector.Inspect(path)
}

// Decrypt runs the tool. Clear input is copied through without invoking it.
func (d *ExternalDecryptor) Decrypt(ctx context.Context, req domain.DecryptRequest) error {
	if info, err := d.Inspect(req.Input); err == nil && !info.Encrypted {
		return copyThrough(req.Input, req.Output)
	}
	if len(req.Keys) == 0 {
		return fmt.Errorf("%w: no keys supplied", domain.ErrDecryption)
	}

	spec := ProcessSpec{
		Binary:   d.binary,
		Args:     d.buildArgs(req),
		Stage:    domain.StateDecrypting,
		StreamID: req.StreamID,
		Kind:     req.Kind,
	}
	if err := d.runner.Run(ctx, spec, req.Progress); err != nil {
		os.Remove(req.Output)
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	if _, err := os.Stat(req.Output); err != nil {
		return fmt.Errorf("%w: %s produced no output", domain.ErrDecryption, d.backend)
	}
	return nil
}

func (d *ExternalDecryptor) buildArgs(req domain.DecryptRequest) []string {
	switch d.backend {
	case domain.BackendShaka:
		keys := make([]string, 0, len(req.Keys))
		for _, k := range req.Keys {
			keys = append(keys, fmt.Sprintf("key_id=%s:key=%s", k.KID, k.Key))
		}
		return []string{
			fmt.Sprintf("in=%s,stream=%s,output=%s", req.Input, shakaStream(req.Kind), req.Output),
			"--enable_raw_key_decryption",
			"--keys", strings.Join(keys, ","),
		}
	default:
		args := make([]string, 0, 2*len(req.Keys)+2)
		for _, k := range req.Keys {
			args = append(args, "--key", k.String())
		}
		return append(args, req.Input, req.Output)
	}
}

func shakaStream(kind domain.StreamKind) string {
	switch kind {
	case domain.KindAudio:
		return "audio"
	case domain.KindSubtitle:
		return "text"
	default:
		return "video"
	}
}
