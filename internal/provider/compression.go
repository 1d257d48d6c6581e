package provider

import (
	"encoding/binary"
	"errors"
	"fmt"

	"chunkstore/pkg/storage"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a stored chunk blob is encoded. The tag is
// written as the first byte of every blob, so changing the configured
// compression never breaks chunks that are already stored.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

var errIncompressible = errors.New("incompressible")

// zstdPrealloc caps the output buffer reserved before a zstd frame has been
// decoded.
const zstdPrealloc = 4 << 20

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("provider: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(storage.MaxChunkSize))
	if err != nil {
		panic("provider: zstd decoder initialization failed: " + err.Error())
	}
}

// String returns the configuration name of the compression.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name. The empty string means none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

// encodeBlob frames data as <tag><uvarint raw length><payload>. Data that
// does not shrink is stored uncompressed.
func encodeBlob(data []byte, c Compression) ([]byte, error) {
	payload, err := compress(data, c)
	if errors.Is(err, errIncompressible) {
		c, payload, err = CompressionNone, data, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+binary.MaxVarintLen64+len(payload))
	out = append(out, byte(c))
	out = binary.AppendUvarint(out, uint64(len(data)))
	return append(out, payload...), nil
}

// decodeBlob reverses encodeBlob. A blob that cannot be decoded is corrupt
// and reported as storage.ErrChecksumMismatch.
func decodeBlob(blob []byte) ([]byte, error) {
	data, err := decodeFrame(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrChecksumMismatch, err)
	}
	return data, nil
}

func decodeFrame(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty chunk blob")
	}

	c := Compression(blob[0])
	rawLen, n := binary.Uvarint(blob[1:])
	if n <= 0 {
		return nil, errors.New("corrupt chunk blob header")
	}
	if rawLen > storage.MaxChunkSize {
		return nil, fmt.Errorf("chunk blob claims %d bytes, more than the maximum of %d", rawLen, storage.MaxChunkSize)
	}
	payload := blob[1+n:]

	switch c {
	case CompressionNone:
		if uint64(len(payload)) != rawLen {
			return nil, fmt.Errorf("uncompressed chunk: size %d does not match expected %d", len(payload), rawLen)
		}
		return payload, nil

	case CompressionLZ4:
		// An lz4 block never expands its input by more than 255 times.
		if rawLen > 255*uint64(len(payload)+1) {
			return nil, fmt.Errorf("lz4 chunk: %d payload bytes cannot hold %d bytes", len(payload), rawLen)
		}
		out := make([]byte, rawLen)
		read, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != rawLen {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, rawLen)
		}
		return out, nil

	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, min(rawLen, zstdPrealloc)))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint64(len(out)) != rawLen {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawLen)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", blob[0])
	}
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return dst[:written], nil

	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported compression: %d", uint8(c))
	}
}
