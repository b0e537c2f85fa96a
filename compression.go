package memocache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// CompressionCodec names the algorithm the shaping wrapper applies to values.
type CompressionCodec string

const (
	CompressionNone   CompressionCodec = "none"
	CompressionGzip   CompressionCodec = "gzip"
	CompressionSnappy CompressionCodec = "snappy"
	CompressionZstd   CompressionCodec = "zstd"
)

var (
	ErrValueTooLarge      = errors.New("memocache: value exceeds max size")
	ErrUnsupportedCodec   = errors.New("memocache: unsupported compression codec")
	ErrCorruptCompression = errors.New("memocache: corrupt compressed payload")
)

// Compressed values start with "CMP1" and a one-byte codec tag. Values without
// the header are passed through, so enabling compression on a populated store
// keeps existing entries readable.
var compressMagic = []byte("CMP1")

const (
	tagGzip   = 'g'
	tagSnappy = 's'
	tagZstd   = 'z'
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compressValue(codec CompressionCodec, value []byte) ([]byte, error) {
	var tag byte
	switch codec {
	case CompressionNone, "":
		return value, nil
	case CompressionGzip:
		tag = tagGzip
	case CompressionSnappy:
		tag = tagSnappy
	case CompressionZstd:
		tag = tagZstd
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
	}

	out := append(append(make([]byte, 0, len(value)/2+8), compressMagic...), tag)
	switch tag {
	case tagGzip:
		buf := bytes.NewBuffer(out)
		zw, err := gzip.NewWriterLevel(buf, gzip.BestSpeed)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(value); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case tagSnappy:
		return append(out, s2.EncodeSnappy(nil, value)...), nil
	default:
		return zstdEncoder.EncodeAll(value, out), nil
	}
}

func decompressValue(in []byte) ([]byte, error) {
	header := len(compressMagic) + 1
	if len(in) < header || !bytes.Equal(in[:len(compressMagic)], compressMagic) {
		return in, nil
	}
	payload := in[header:]
	var (
		out []byte
		err error
	)
	switch in[len(compressMagic)] {
	case tagGzip:
		var zr *gzip.Reader
		if zr, err = gzip.NewReader(bytes.NewReader(payload)); err == nil {
			out, err = io.ReadAll(zr)
			_ = zr.Close()
		}
	case tagSnappy:
		out, err = s2.Decode(nil, payload)
	case tagZstd:
		out, err = zstdDecoder.DecodeAll(payload, nil)
	default:
		return nil, ErrUnsupportedCodec
	}
	if err != nil {
		return nil, ErrCorruptCompression
	}
	return out, nil
}

// shapingStore applies compression and a size ceiling to values written
// through Set and Add. The ceiling is checked on the raw and encoded sizes.
type shapingStore struct {
	inner Store
	codec CompressionCodec
	max   int
}

func newShapingStore(inner Store, codec CompressionCodec, max int) Store {
	if (codec == CompressionNone || codec == "") && max <= 0 {
		return inner
	}
	return &shapingStore{inner: inner, codec: codec, max: max}
}

func (s *shapingStore) Driver() Driver { return s.inner.Driver() }

// Close closes the wrapped store when it has anything to release.
func (s *shapingStore) Close() error { return closeInner(s.inner) }

func (s *shapingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	body, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	plain, err := decompressValue(body)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

func (s *shapingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	body, err := s.shape(value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, body, ttl)
}

func (s *shapingStore) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	body, err := s.shape(value)
	if err != nil {
		return false, err
	}
	return s.inner.Add(ctx, key, body, ttl)
}

func (s *shapingStore) shape(value []byte) ([]byte, error) {
	if s.max > 0 && len(value) > s.max {
		return nil, ErrValueTooLarge
	}
	body, err := compressValue(s.codec, value)
	if err != nil {
		return nil, err
	}
	if s.max > 0 && len(body) > s.max {
		return nil, ErrValueTooLarge
	}
	return body, nil
}

// Counters are stored as plain decimal text so backends can increment them natively.
func (s *shapingStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return s.inner.Increment(ctx, key, delta, ttl)
}

func (s *shapingStore) Decrement(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return s.inner.Decrement(ctx, key, delta, ttl)
}

func (s *shapingStore) Delete(ctx context.Context, key string) error { return s.inner.Delete(ctx, key) }

func (s *shapingStore) DeleteMany(ctx context.Context, keys ...string) error {
	return s.inner.DeleteMany(ctx, keys...)
}

func (s *shapingStore) Flush(ctx context.Context) error { return s.inner.Flush(ctx) }
