package infrastructure

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"
	"go.uber.org/zap"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

// NativeDecryptor decrypts fragmented CENC/CBCS MP4 files in-process
type NativeDecryptor struct {
	logger *zap.Logger
}

// NewNativeDecryptor creates a new in-process decryptor
func NewNativeDecryptor(logger *zap.Logger) *NativeDecryptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NativeDecryptor{logger: logger}
}

// Name returns the backend name
func (d *NativeDecryptor) Name() string {
	return string(domain.BackendNative)
}

// Inspect reports the protection declared by the file's sample entries
func (d *NativeDecryptor) Inspect(path string) (domain.EncryptionInfo, error) {
	f, err := decodeMP4(path)
	if err != nil {
		return domain.EncryptionInfo{}, err
	}
	return inspectMoov(moovOf(f)), nil
}

// Decrypt writes a clear copy of req.Input to req.Output
func (d *NativeDecryptor) Decrypt(ctx context.Context, req domain.DecryptRequest) error {
	f, err := decodeMP4(req.Input)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	info := inspectMoov(moovOf(f))
	if !info.Encrypted {
		d.logger.Debug("No protected track, copying through", zap.String("input", req.Input))
		return copyThrough(req.Input, req.Output)
	}
	if !f.IsFragmented() {
		return fmt.Errorf("%w: protected non-fragmented files are not supported", domain.ErrDecryption)
	}
	if info.Scheme != "cenc" && info.Scheme != "cbcs" {
		return fmt.Errorf("%w: unsupported scheme %q", domain.ErrDecryption, info.Scheme)
	}

	key, err := keyForKIDs(info.KIDs, req.Keys)
	if err != nil {
		return err
	}

	di, err := mp4.DecryptInit(f.Init)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	total := len(f.Segments)
	for i, seg := range f.Segments {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := mp4.DecryptSegment(seg, di, key); err != nil {
			return fmt.Errorf("%w: segment %d: %v", domain.ErrDecryption, i, err)
		}
		req.Progress.Emit(domain.ProgressEvent{
			Stage:     domain.StateDecrypting,
			StreamID:  req.StreamID,
			Kind:      req.Kind,
			Completed: i + 1,
			Total:     total,
		})
	}

	return writeAtomically(req.Output, func(w io.Writer) error {
		return f.Encode(w)
	})
}

func decodeMP4(path string) (*mp4.File, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	f, err := mp4.DecodeFile(bufio.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if moovOf(f) == nil {
		return nil, fmt.Errorf("failed to decode %s: no moov box", path)
	}
	return f, nil
}

func moovOf(f *mp4.File) *mp4.MoovBox {
	if f.Init != nil {
		return f.Init.Moov
	}
	return f.Moov
}

// inspectMoov looks for encv/enca sample entries and collects scheme and default KIDs
func inspectMoov(moov *mp4.MoovBox) domain.EncryptionInfo {
	var info domain.EncryptionInfo
	if moov == nil {
		return info
	}

	seen := make(map[string]bool)
	for _, trak := range moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
			continue
		}
		for _, entry := range trak.Mdia.Minf.Stbl.Stsd.Children {
			var sinf *mp4.SinfBox
			switch box := entry.(type) {
			case *mp4.VisualSampleEntryBox:
				if box.Type() == "encv" {
					sinf = box.Sinf
				}
			case *mp4.AudioSampleEntryBox:
				if box.Type() == "enca" {
					sinf = box.Sinf
				}
			}
			if sinf == nil {
				continue
			}

			info.Encrypted = true
			if sinf.Schm != nil && info.Scheme == "" {
				info.Scheme = sinf.Schm.SchemeType
			}
			if sinf.Schi != nil && sinf.Schi.Tenc != nil {
				kid := hex.EncodeToString(sinf.Schi.Tenc.DefaultKID)
				if kid != "" && !seen[kid] {
					seen[kid] = true
					info.KIDs = append(info.KIDs, kid)
				}
			}
		}
	}
	return info
}

// keyForKIDs picks the content key for the file's default KID. A file without
// a usable KID accepts a single supplied key.
func keyForKIDs(kids []string, keys []domain.KeyPair) ([]byte, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys supplied", domain.ErrDecryption)
	}
	if len(kids) > 1 {
		return nil, fmt.Errorf("%w: %d distinct key ids in one file", domain.ErrDecryption, len(kids))
	}

	byKID := domain.KIDSet(keys)
	if len(kids) == 1 && strings.Trim(kids[0], "0") != "" {
		pair, ok := byKID[kids[0]]
		if !ok {
			return nil, fmt.Errorf("%w: no key for kid %s", domain.ErrDecryption, kids[0])
		}
		return decodeKey(pair)
	}
	if len(keys) == 1 {
		return decodeKey(keys[0])
	}
	return nil, fmt.Errorf("%w: cannot choose between %d keys without a key id", domain.ErrDecryption, len(keys))
}

func decodeKey(pair domain.KeyPair) ([]byte, error) {
	key, err := pair.Bytes()
	if err != nil || len(key) != 16 {
		return nil, fmt.Errorf("%w: invalid key for kid %s", domain.ErrDecryption, pair.KID)
	}
	return key, nil
}

// copyThrough copies clear input to the output path
func copyThrough(input, output string) error {
	in, err := os.Open(input)
	if err != nil {
		return err
	}
	defer in.Close()

	return writeAtomically(output, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// writeAtomically writes through a temporary file and renames it into place
func writeAtomically(path string, write func(w io.Writer) error) error {
	tmp := path + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	buf := bufio.NewWriter(out)
	if err := write(buf); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := buf.Flush(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
