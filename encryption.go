package memocache

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEncryptionKey = errors.New("memocache: encryption key must be 16, 24, or 32 bytes")
	ErrDecryptFailed = errors.New("memocache: decrypt failed")
)

// Sealed values are "ENC1" followed by the GCM nonce and ciphertext. The cache
// key is the additional data, so a value copied under another key fails to open.
var encryptionMagic = []byte("ENC1")

type encryptingStore struct {
	inner Store
	aead  cipher.AEAD
}

func newEncryptingStore(inner Store, key []byte) (Store, error) {
	if len(key) == 0 {
		return inner, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrEncryptionKey
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("memocache: init gcm: %w", err)
	}
	return &encryptingStore{inner: inner, aead: aead}, nil
}

func (s *encryptingStore) Driver() Driver { return s.inner.Driver() }

func (s *encryptingStore) Close() error { return closeInner(s.inner) }

func (s *encryptingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	body, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	plain, err := s.open(key, body)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

func (s *encryptingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed, ttl)
}

func (s *encryptingStore) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	sealed, err := s.seal(key, value)
	if err != nil {
		return false, err
	}
	return s.inner.Add(ctx, key, sealed, ttl)
}

// Counters stay in plaintext; backends need to parse them.
func (s *encryptingStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return s.inner.Increment(ctx, key, delta, ttl)
}

func (s *encryptingStore) Decrement(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return s.inner.Decrement(ctx, key, delta, ttl)
}

func (s *encryptingStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *encryptingStore) DeleteMany(ctx context.Context, keys ...string) error {
	return s.inner.DeleteMany(ctx, keys...)
}

func (s *encryptingStore) Flush(ctx context.Context) error { return s.inner.Flush(ctx) }

func (s *encryptingStore) seal(key string, plain []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	out := make([]byte, len(encryptionMagic)+nonceSize, len(encryptionMagic)+nonceSize+len(plain)+s.aead.Overhead())
	copy(out, encryptionMagic)
	nonce := out[len(encryptionMagic):]
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(out, nonce, plain, []byte(key)), nil
}

// open passes values without the header through unchanged so a store can be
// switched to encryption while holding plaintext entries.
func (s *encryptingStore) open(key string, in []byte) ([]byte, error) {
	if !bytes.HasPrefix(in, encryptionMagic) {
		return in, nil
	}
	rest := in[len(encryptionMagic):]
	if len(rest) < s.aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, sealed := rest[:s.aead.NonceSize()], rest[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, sealed, []byte(key))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}
