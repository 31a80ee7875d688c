package engine

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// Key is a loaded RSA key together with the secrets its TPM_STORE_ASYMKEY
// carries.
type Key struct {
	Usage         tpm12.KeyUsage
	Flags         tpm12.KeyFlags
	AuthDataUsage tpm12.AuthDataUsage
	EncScheme     tpm12.EncScheme
	SigScheme     tpm12.SigScheme
	// Payload defaults to TPM_PT_ASYM when zero.
	Payload       tpm12.PayloadType
	UsageAuth     tpm12.Secret
	MigrationAuth tpm12.Secret
	Private       *rsa.PrivateKey
}

// NewStorageKey returns a non-migratable storage key that requires
// authorization for every use.
func NewStorageKey(priv *rsa.PrivateKey, usageAuth tpm12.Secret) *Key {
	return &Key{
		Usage:         tpm12.KeyStorage,
		AuthDataUsage: tpm12.AuthAlways,
		EncScheme:     tpm12.ESRSAESOAEPSHA1,
		SigScheme:     tpm12.SSNone,
		UsageAuth:     usageAuth,
		Private:       priv,
	}
}

// NewSigningKey returns a non-migratable PKCS#1 SHA-1 signing key that
// requires authorization for every use.
func NewSigningKey(priv *rsa.PrivateKey, usageAuth tpm12.Secret) *Key {
	return &Key{
		Usage:         tpm12.KeySigning,
		AuthDataUsage: tpm12.AuthAlways,
		EncScheme:     tpm12.ESNone,
		SigScheme:     tpm12.SSRSASSAPKCS1SHA1,
		UsageAuth:     usageAuth,
		Private:       priv,
	}
}

// KeyStore resolves key handles. Key management (loading, eviction) lives
// outside the engine.
type KeyStore interface {
	Key(h tpm12.Handle) (*Key, error)
}

// PubKey returns the TPM_PUBKEY of the key.
func (k *Key) PubKey() tpm12.PubKey {
	return tpm12.NewPubKey(&k.Private.PublicKey, k.EncScheme, k.SigScheme)
}

// Key12 returns the public part of the key as a TPM_KEY12 with no encData.
func (k *Key) Key12() tpm12.Key12 {
	return tpm12.Key12{
		Tag:            tpm12.StructTagKey12,
		KeyUsage:       k.Usage,
		KeyFlags:       k.Flags,
		AuthDataUsage:  k.AuthDataUsage,
		AlgorithmParms: tpm12.NewRSAKeyParms(&k.Private.PublicKey, k.EncScheme, k.SigScheme),
		PubKey:         tpm12.StorePubKey{Key: k.Private.PublicKey.N.Bytes()},
	}
}

func (k *Key) payload() tpm12.PayloadType {
	if k.Payload == 0 {
		return tpm12.PTAsym
	}
	return k.Payload
}

// PubDataDigest is the SHA-1 of the TPM_KEY12 with the encData field
// omitted. It binds the private part of a key blob to its public part and is
// the OSAP entity digest of the key.
func (k *Key) PubDataDigest() tpm12.Digest {
	return pubDataDigest(k.Key12())
}

func pubDataDigest(pub tpm12.Key12) tpm12.Digest {
	pub.EncData = nil
	b := tpm12.MustPack(pub)
	// drop the zero length prefix of the empty encData
	return tpm12.SHA1(b[:len(b)-4])
}

// PubKeyDigest is the SHA-1 of the key's TPM_PUBKEY.
func (k *Key) PubKeyDigest() tpm12.Digest {
	return pubKeyDigest(k.PubKey())
}

func pubKeyDigest(pub tpm12.PubKey) tpm12.Digest {
	return tpm12.SHA1(tpm12.MustPack(pub))
}

// storePubKeyDigest is the SHA-1 of the key's TPM_STORE_PUBKEY, as logged by
// transport sessions.
func (k *Key) storePubKeyDigest() tpm12.Digest {
	return tpm12.SHA1(tpm12.MustPack(tpm12.StorePubKey{Key: k.Private.PublicKey.N.Bytes()}))
}

func (k *Key) storeAsymkey() tpm12.StoreAsymkey {
	return tpm12.StoreAsymkey{
		PayloadType:   k.payload(),
		UsageAuth:     k.UsageAuth,
		MigrationAuth: k.MigrationAuth,
		PubDataDigest: k.PubDataDigest(),
		PrivKey:       tpm12.StorePrivKey{Key: k.Private.Primes[0].Bytes()},
	}
}

// encrypt encrypts b to the key with its encryption scheme.
func (k *Key) encrypt(rng io.Reader, b []byte) ([]byte, error) {
	if k.EncScheme != tpm12.ESRSAESOAEPSHA1 {
		return nil, tpm12.Errorf(tpm12.RCInappropriateEnc, "encryption scheme %d", k.EncScheme)
	}
	return tpm12.EncryptOAEP(rng, &k.Private.PublicKey, b)
}

func (k *Key) decrypt(b []byte) ([]byte, error) {
	if k.EncScheme != tpm12.ESRSAESOAEPSHA1 {
		return nil, tpm12.Errorf(tpm12.RCInappropriateEnc, "encryption scheme %d", k.EncScheme)
	}
	return tpm12.DecryptOAEP(k.Private, b)
}

// WrapKey produces the TPM_KEY12 blob of k, with its private part encrypted
// to parent.
func WrapKey(rng io.Reader, parent, k *Key) (*tpm12.Key12, error) {
	if parent.Usage != tpm12.KeyStorage {
		return nil, tpm12.Errorf(tpm12.RCInvalidKeyUsage, "parent usage %#x is not storage", parent.Usage)
	}
	b, err := tpm12.Pack(k.storeAsymkey())
	if err != nil {
		return nil, err
	}
	enc, err := parent.encrypt(rng, b)
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}
	blob := k.Key12()
	blob.EncData = enc
	return &blob, nil
}

// UnwrapKey decrypts a TPM_KEY12 blob with parent and rebuilds the key.
func UnwrapKey(parent *Key, blob *tpm12.Key12) (*Key, error) {
	plain, err := parent.decrypt(blob.EncData)
	if err != nil {
		return nil, err
	}
	var asym tpm12.StoreAsymkey
	if err := tpm12.Unpack(plain, &asym); err != nil {
		return nil, fmt.Errorf("decoding private part: %w", err)
	}
	return keyFromParts(blob, &asym)
}

// keyFromParts joins a public TPM_KEY12 with a decrypted TPM_STORE_ASYMKEY,
// checking that they belong together.
func keyFromParts(blob *tpm12.Key12, asym *tpm12.StoreAsymkey) (*Key, error) {
	if !pubDataDigest(*blob).Equal(asym.PubDataDigest) {
		return nil, tpm12.Errorf(tpm12.RCInvalidStructure, "private part does not match the public part")
	}
	pub, err := tpm12.RSAPublicKey(&tpm12.PubKey{AlgorithmParms: blob.AlgorithmParms, PubKey: blob.PubKey})
	if err != nil {
		return nil, err
	}
	priv, err := tpm12.RSAPrivateKey(pub, asym.PrivKey.Key)
	if err != nil {
		return nil, err
	}
	return &Key{
		Usage:         blob.KeyUsage,
		Flags:         blob.KeyFlags,
		AuthDataUsage: blob.AuthDataUsage,
		EncScheme:     blob.AlgorithmParms.EncScheme,
		SigScheme:     blob.AlgorithmParms.SigScheme,
		Payload:       asym.PayloadType,
		UsageAuth:     asym.UsageAuth,
		MigrationAuth: asym.MigrationAuth,
		Private:       priv,
	}, nil
}

// ErrKeyNotLoaded is returned by MemKeyStore for unknown handles.
var ErrKeyNotLoaded = errors.New("key not loaded")

// MemKeyStore is an in-memory KeyStore.
type MemKeyStore struct {
	mu   sync.Mutex
	next tpm12.Handle
	keys map[tpm12.Handle]*Key
}

// NewMemKeyStore returns an empty store. Handles are assigned from
// 0x01000000 upwards.
func NewMemKeyStore() *MemKeyStore {
	return &MemKeyStore{next: 0x01000000, keys: make(map[tpm12.Handle]*Key)}
}

// Add loads k and returns its handle.
func (s *MemKeyStore) Add(k *Key) tpm12.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.next
	s.next++
	s.keys[h] = k
	return h
}

// Remove evicts the key at h.
func (s *MemKeyStore) Remove(h tpm12.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, h)
}

func (s *MemKeyStore) Key(h tpm12.Handle) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[h]
	if !ok {
		return nil, fmt.Errorf("handle %#x: %w", uint32(h), ErrKeyNotLoaded)
	}
	return k, nil
}
