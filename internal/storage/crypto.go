package storage

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"pkt.systems/kryptograf"
	kryptocipher "pkt.systems/kryptograf/cipher"
	"pkt.systems/kryptograf/keymgmt"
)

// CryptoConfig drives the creation of a Crypto helper for payload encryption.
type CryptoConfig struct {
	Enabled           bool
	RootKey           keymgmt.RootKey
	Snappy            bool
	DisableBufferPool bool
}

// Crypto encapsulates kryptograf helpers for encrypting object payloads at rest.
type Crypto struct {
	kg               kryptograf.Kryptograf
	materialCacheCap int
	materialCacheMu  sync.RWMutex
	materialCache    map[materialCacheKey]kryptograf.Material
	cipherCacheMu    sync.RWMutex
	cipherCache      map[keymgmt.Descriptor]kryptocipher.Cipher
}

const (
	defaultMaterialCacheEntries        = 1024
	defaultDecryptSourceReadBufferSize = 8 * 1024
	defaultStreamChunkSize             = 8 * 1024
)

type materialCacheKey struct {
	context    string
	descriptor keymgmt.Descriptor
}

var cryptoBufferPool sync.Pool
var cryptoSourceReadBufferPool = sync.Pool{
	New: func() any {
		return bufio.NewReaderSize(bytes.NewReader(nil), defaultDecryptSourceReadBufferSize)
	},
}

// NewCrypto initialises a Crypto helper according to cfg. When encryption is
// disabled the returned value is nil, and a nil *Crypto passes payloads through.
func NewCrypto(cfg CryptoConfig) (*Crypto, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("storage crypto: root key required when encryption enabled")
	}
	kg := kryptograf.New(cfg.RootKey).WithChunkSize(defaultStreamChunkSize)
	if !cfg.DisableBufferPool {
		kg = kg.WithOptions(
			kryptograf.WithBufferPool(&cryptoBufferPool),
			kryptograf.WithSourceReadBufferPool(&cryptoSourceReadBufferPool),
		)
	}
	if cfg.Snappy {
		kg = kg.WithSnappy()
	}
	return &Crypto{
		kg:               kg,
		materialCacheCap: defaultMaterialCacheEntries,
		materialCache:    make(map[materialCacheKey]kryptograf.Material),
		cipherCache:      make(map[keymgmt.Descriptor]kryptocipher.Cipher),
	}, nil
}

// LoadRootKey reads the kryptograf root key from the PEM bundle at path,
// generating one and writing the bundle when the file does not exist yet.
func LoadRootKey(path string) (keymgmt.RootKey, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return keymgmt.RootKey{}, fmt.Errorf("storage crypto: read key bundle: %w", err)
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("storage crypto: load key bundle: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("storage crypto: ensure root key: %w", err)
	}
	if err := store.Commit(); err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("storage crypto: commit key bundle: %w", err)
	}
	if len(out) == 0 && len(existing) == 0 {
		if out, err = store.Bytes(); err != nil {
			return keymgmt.RootKey{}, fmt.Errorf("storage crypto: serialize key bundle: %w", err)
		}
	}
	if len(out) > 0 && !bytes.Equal(out, existing) {
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return keymgmt.RootKey{}, fmt.Errorf("storage crypto: write key bundle: %w", err)
		}
	}
	return root, nil
}

// Enabled reports whether encryption is active.
func (c *Crypto) Enabled() bool {
	return c != nil
}

// ObjectContext returns the encryption context bound to an object key. A
// payload copied to another key fails to decrypt.
func ObjectContext(key string) string {
	return "object:" + strings.TrimPrefix(key, "/")
}

// MintMaterial derives a fresh material for context and returns it with its
// marshalled descriptor.
func (c *Crypto) MintMaterial(context string) (kryptograf.Material, []byte, error) {
	mat, err := c.kg.MintDEK([]byte(context))
	if err != nil {
		return kryptograf.Material{}, nil, fmt.Errorf("storage crypto: mint material for %q: %w", context, err)
	}
	desc, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		mat.Zero()
		return kryptograf.Material{}, nil, fmt.Errorf("storage crypto: marshal descriptor for %q: %w", context, err)
	}
	return mat, desc, nil
}

// MaterialFromDescriptor reconstructs the material for context and descriptor.
func (c *Crypto) MaterialFromDescriptor(context string, descriptor []byte) (kryptograf.Material, error) {
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(descriptor); err != nil {
		return kryptograf.Material{}, fmt.Errorf("storage crypto: decode descriptor for %q: %w", context, err)
	}
	cacheKey := materialCacheKey{context: context, descriptor: desc}
	c.materialCacheMu.RLock()
	mat, ok := c.materialCache[cacheKey]
	c.materialCacheMu.RUnlock()
	if ok {
		return mat, nil
	}
	mat, err := c.kg.ReconstructDEK([]byte(context), desc)
	if err != nil {
		return kryptograf.Material{}, fmt.Errorf("storage crypto: reconstruct material for %q: %w", context, err)
	}
	c.materialCacheMu.Lock()
	if len(c.materialCache) >= c.materialCacheCap {
		for k := range c.materialCache {
			delete(c.materialCache, k)
		}
	}
	c.materialCache[cacheKey] = mat
	c.materialCacheMu.Unlock()
	return mat, nil
}

// EncryptWriterForMaterial wraps dst with an encrypting writer using mat.
func (c *Crypto) EncryptWriterForMaterial(dst io.Writer, mat kryptograf.Material) (io.WriteCloser, error) {
	cached, err := c.cipherForMaterial(mat)
	if err != nil {
		return nil, err
	}
	writer, err := c.kg.EncryptWriter(dst, mat, kryptograf.WithCipher(func([]byte) (kryptocipher.Cipher, error) {
		return cached, nil
	}))
	if err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt writer: %w", err)
	}
	return writer, nil
}

// DecryptReaderForMaterial wraps src with a decrypting reader using mat.
func (c *Crypto) DecryptReaderForMaterial(src io.Reader, mat kryptograf.Material) (io.ReadCloser, error) {
	cached, err := c.cipherForMaterial(mat)
	if err != nil {
		return nil, err
	}
	reader, err := c.kg.DecryptReader(src, mat, kryptograf.WithCipher(func([]byte) (kryptocipher.Cipher, error) {
		return cached, nil
	}), kryptograf.WithSourceReadBuffer(defaultDecryptSourceReadBufferSize))
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt reader: %w", err)
	}
	return reader, nil
}

func (c *Crypto) cipherForMaterial(mat kryptograf.Material) (kryptocipher.Cipher, error) {
	c.cipherCacheMu.RLock()
	cached, ok := c.cipherCache[mat.Descriptor]
	c.cipherCacheMu.RUnlock()
	if ok {
		return cached, nil
	}
	impl, err := kryptocipher.AESGCM()(mat.Key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("storage crypto: cipher: %w", err)
	}
	c.cipherCacheMu.Lock()
	if len(c.cipherCache) >= defaultMaterialCacheEntries {
		for k := range c.cipherCache {
			delete(c.cipherCache, k)
		}
	}
	c.cipherCache[mat.Descriptor] = impl
	c.cipherCacheMu.Unlock()
	return impl, nil
}
