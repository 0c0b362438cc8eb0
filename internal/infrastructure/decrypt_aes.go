package infrastructure

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/yourusername/drmfetch-go/internal/domain"
)

// DecryptAES128 decrypts an HLS AES-128 segment (AES-CBC, PKCS#7 padding)
func DecryptAES128(data, key, iv []byte) ([]byte, error) {
	if len(key) != aes.BlockSize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", domain.ErrDecryption, aes.BlockSize, len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", domain.ErrDecryption, aes.BlockSize, len(iv))
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size", domain.ErrDecryption, len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return pkcs7Unpad(out)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", domain.ErrDecryption)
	}
	if !bytes.Equal(data[len(data)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, fmt.Errorf("%w: invalid padding", domain.ErrDecryption)
	}
	return data[:len(data)-pad], nil
}

// SegmentIV returns the IV for a media segment. An explicit playlist IV wins;
// otherwise the segment's media sequence number is used as a big-endian
// 128-bit value. Segment numbers start at 1.
func SegmentIV(p domain.Protection, number int) ([]byte, error) {
	if p.IV != "" {
		raw := strings.TrimPrefix(strings.TrimPrefix(p.IV, "0x"), "0X")
		if len(raw) < 2*aes.BlockSize {
			raw = strings.Repeat("0", 2*aes.BlockSize-len(raw)) + raw
		}
		iv, err := hex.DecodeString(raw)
		if err != nil || len(iv) != aes.BlockSize {
			return nil, fmt.Errorf("%w: invalid iv %q", domain.ErrDecryption, p.IV)
		}
		return iv, nil
	}

	seq := p.MediaSequence
	if number > 0 {
		seq += uint64(number - 1)
	}
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], seq)
	return iv, nil
}
