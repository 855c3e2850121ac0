package memindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec for segment files.
type Compression uint8

const (
	// CompressionNone stores segment files uncompressed.
	CompressionNone Compression = 0
	// CompressionLZ4 favours speed.
	CompressionLZ4 Compression = 1
	// CompressionZSTD favours ratio. This is the default.
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps "none", "lz4" or "zstd" to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd", "":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

var errCorruptBlock = errors.New("corrupt block")

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBlockSize))
	return dec
}

// Block format: [codec uint8][rawLen uint32][storedLen uint32][data...]
// The codec byte is CompressionNone when compressing did not pay off.
const blockHeaderSize = 9

// maxBlockSize bounds the decoded size of one block, so a corrupt header
// cannot force a huge allocation.
const maxBlockSize = 1 << 30

func encodeBlock(raw []byte, c Compression) ([]byte, error) {
	if len(raw) > maxBlockSize {
		return nil, fmt.Errorf("block of %d bytes exceeds the %d byte limit", len(raw), maxBlockSize)
	}

	var stored []byte
	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, err
		}
		stored = buf[:n] // n == 0: incompressible
	case CompressionZSTD:
		enc := getZstdEncoder()
		stored = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	case CompressionNone:
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}

	if len(stored) == 0 || len(stored) >= len(raw) {
		c, stored = CompressionNone, raw
	}

	out := make([]byte, blockHeaderSize+len(stored))
	out[0] = byte(c)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[5:], uint32(len(stored)))
	copy(out[blockHeaderSize:], stored)
	return out, nil
}

func decodeBlock(data []byte) ([]byte, error) {
	if len(data) < blockHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is smaller than the header", errCorruptBlock, len(data))
	}

	c := Compression(data[0])
	rawLen := binary.LittleEndian.Uint32(data[1:])
	storedLen := binary.LittleEndian.Uint32(data[5:])
	if uint64(len(data)) != blockHeaderSize+uint64(storedLen) {
		return nil, fmt.Errorf("%w: stored length %d, have %d", errCorruptBlock, storedLen, len(data)-blockHeaderSize)
	}
	if rawLen > maxBlockSize {
		return nil, fmt.Errorf("%w: raw length %d exceeds the %d byte limit", errCorruptBlock, rawLen, maxBlockSize)
	}
	stored := data[blockHeaderSize:]

	switch c {
	case CompressionNone:
		if storedLen != rawLen {
			return nil, fmt.Errorf("%w: raw length mismatch", errCorruptBlock)
		}
		return stored, nil

	case CompressionLZ4:
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errCorruptBlock, err)
		}
		if uint32(n) != rawLen {
			return nil, fmt.Errorf("%w: decompressed size mismatch", errCorruptBlock)
		}
		return raw, nil

	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)

		raw, err := dec.DecodeAll(stored, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errCorruptBlock, err)
		}
		if uint32(len(raw)) != rawLen {
			return nil, fmt.Errorf("%w: decompressed size mismatch", errCorruptBlock)
		}
		return raw, nil

	default:
		return nil, fmt.Errorf("%w: unknown codec %d", errCorruptBlock, c)
	}
}
