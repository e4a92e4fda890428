package kinvey

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/golang/snappy"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// encryptionNonceSize is the nonce size for AES-GCM.
	encryptionNonceSize = 12
	// encryptionSaltSize is the salt size for key derivation.
	encryptionSaltSize = 32
	// encryptionKeySize is the AES-256 key size.
	encryptionKeySize = 32
	// pbkdf2Iterations is the number of iterations for key derivation.
	pbkdf2Iterations = 100000
	// encryptionSaltKey is the persister slot holding the key-derivation
	// salt. Hidden from Keys listings.
	encryptionSaltKey = "_kinvey_encryption_salt"
)

// EncryptionConfig configures cache encryption at rest.
type EncryptionConfig struct {
	// Key is the encryption key (must be 32 bytes for AES-256). If empty,
	// KeyPassword is used to derive a key.
	Key []byte
	// KeyPassword derives the encryption key via PBKDF2.
	KeyPassword string
}

// EncryptedPersister wraps another persister and encrypts every value with
// AES-256-GCM. The key-derivation salt is stored alongside the data so a
// password-derived key survives process restarts.
type EncryptedPersister struct {
	inner KeyValuePersister
	cfg   EncryptionConfig

	mu  sync.Mutex
	gcm cipher.AEAD
}

var _ KeyValuePersister = (*EncryptedPersister)(nil)

// NewEncryptedPersister wraps inner with encryption at rest.
func NewEncryptedPersister(inner KeyValuePersister, cfg EncryptionConfig) (*EncryptedPersister, error) {
	if len(cfg.Key) == 0 && cfg.KeyPassword == "" {
		return nil, errors.New("encrypted persister: a key or password is required")
	}
	if len(cfg.Key) > 0 && len(cfg.Key) != encryptionKeySize {
		return nil, errors.New("encrypted persister: key must be 32 bytes for AES-256")
	}
	return &EncryptedPersister{inner: inner, cfg: cfg}, nil
}

// aead lazily builds the cipher, loading or creating the persisted salt when
// the key is password-derived.
func (p *EncryptedPersister) aead(ctx context.Context) (cipher.AEAD, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gcm != nil {
		return p.gcm, nil
	}

	key := p.cfg.Key
	if len(key) == 0 {
		salt, err := p.inner.Get(ctx, encryptionSaltKey)
		if err != nil {
			return nil, err
		}
		if len(salt) != encryptionSaltSize {
			salt = make([]byte, encryptionSaltSize)
			if _, err := rand.Read(salt); err != nil {
				return nil, err
			}
			if err := p.inner.Set(ctx, encryptionSaltKey, salt); err != nil {
				return nil, err
			}
		}
		key = pbkdf2.Key([]byte(p.cfg.KeyPassword), salt, pbkdf2Iterations, encryptionKeySize, sha256.New)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	p.gcm = gcm
	return gcm, nil
}

// Get decrypts the blob stored under key.
func (p *EncryptedPersister) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := p.inner.Get(ctx, key)
	if err != nil || sealed == nil {
		return nil, err
	}
	gcm, err := p.aead(ctx)
	if err != nil {
		return nil, err
	}
	if len(sealed) < encryptionNonceSize {
		return nil, errors.New("encrypted persister: ciphertext too short")
	}
	nonce, ciphertext := sealed[:encryptionNonceSize], sealed[encryptionNonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Set encrypts value and stores it under key.
func (p *EncryptedPersister) Set(ctx context.Context, key string, value []byte) error {
	gcm, err := p.aead(ctx)
	if err != nil {
		return err
	}
	nonce := make([]byte, encryptionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := gcm.Seal(nonce, nonce, value, nil)
	return p.inner.Set(ctx, key, sealed)
}

// Delete removes key.
func (p *EncryptedPersister) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, key)
}

// Keys lists stored keys with the given prefix, hiding the salt slot.
func (p *EncryptedPersister) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.inner.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if k != encryptionSaltKey {
			out = append(out, k)
		}
	}
	return out, nil
}

// CompressedPersister wraps another persister and snappy-compresses every
// value. Useful for large cached collections on space-constrained hosts.
type CompressedPersister struct {
	inner KeyValuePersister
}

var _ KeyValuePersister = (*CompressedPersister)(nil)

// NewCompressedPersister wraps inner with snappy block compression.
func NewCompressedPersister(inner KeyValuePersister) *CompressedPersister {
	return &CompressedPersister{inner: inner}
}

// Get decompresses the blob stored under key.
func (p *CompressedPersister) Get(ctx context.Context, key string) ([]byte, error) {
	compressed, err := p.inner.Get(ctx, key)
	if err != nil || compressed == nil {
		return nil, err
	}
	return snappy.Decode(nil, compressed)
}

// Set compresses value and stores it under key.
func (p *CompressedPersister) Set(ctx context.Context, key string, value []byte) error {
	return p.inner.Set(ctx, key, snappy.Encode(nil, value))
}

// Delete removes key.
func (p *CompressedPersister) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, key)
}

// Keys lists stored keys with the given prefix.
func (p *CompressedPersister) Keys(ctx context.Context, prefix string) ([]string, error) {
	return p.inner.Keys(ctx, prefix)
}
