package tpm12

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
)

// oaepLabel is the encoding parameter TPM 1.2 uses for every RSA OAEP
// operation.
var oaepLabel = []byte("TCPA")

// SHA1 hashes the concatenation of parts.
func SHA1(parts ...[]byte) Digest {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	var d Digest
	h.Sum(d[:0])
	return d
}

// DigestOf hashes the serialization of vs.
func DigestOf(vs ...interface{}) (Digest, error) {
	b, err := Pack(vs...)
	if err != nil {
		return Digest{}, err
	}
	return SHA1(b), nil
}

// HMAC computes HMAC-SHA1 over the concatenation of parts.
func HMAC(key Secret, parts ...[]byte) Digest {
	mac := hmac.New(sha1.New, key[:])
	for _, p := range parts {
		mac.Write(p)
	}
	var d Digest
	mac.Sum(d[:0])
	return d
}

// CheckHMAC reports whether expected is the HMAC of parts under key.
func CheckHMAC(expected Digest, key Secret, parts ...[]byte) bool {
	got := HMAC(key, parts...)
	return hmac.Equal(expected[:], got[:])
}

// MGF1 implements the PKCS#1 mask generation function with SHA-1, with the
// counter starting at 0.
func MGF1(seed []byte, n int) []byte {
	result := make([]byte, 0, n+DigestSize)
	var ctr [4]byte
	for i := uint32(0); len(result) < n; i++ {
		binary.BigEndian.PutUint32(ctr[:], i)
		h := sha1.New()
		h.Write(seed)
		h.Write(ctr[:])
		result = h.Sum(result)
	}
	return result[:n]
}

// XOR returns a ^ b. The inputs must be the same length.
func XOR(a, b []byte) []byte {
	if len(a) != len(b) {
		panic(fmt.Sprintf("XOR of unequal lengths %d and %d", len(a), len(b)))
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// OAEPEncode pads m into an emLen-byte encoding. Unlike PKCS#1, the caller
// supplies both the label hash and the seed, which is how migration blobs
// carry the migration authorization and part of the private key.
//
//	EM = maskedSeed[20] || maskedDB
//	DB = pHash || 00...00 || 01 || m
func OAEPEncode(m []byte, pHash Digest, seed Digest, emLen int) ([]byte, error) {
	if emLen < 2*DigestSize+1+len(m) {
		return nil, Errorf(RCEncryptError, "message of %d bytes too long for encoding of %d bytes", len(m), emLen)
	}
	dbLen := emLen - DigestSize
	db := make([]byte, dbLen)
	copy(db, pHash[:])
	db[dbLen-len(m)-1] = 0x01
	copy(db[dbLen-len(m):], m)

	maskedDB := XOR(db, MGF1(seed[:], dbLen))
	maskedSeed := XOR(seed[:], MGF1(maskedDB, DigestSize))

	em := make([]byte, 0, emLen)
	em = append(em, maskedSeed...)
	return append(em, maskedDB...), nil
}

// OAEPDecode reverses OAEPEncode. The recovered pHash is returned rather than
// compared; callers decide what it must equal.
func OAEPDecode(em []byte) (m []byte, pHash Digest, seed Digest, err error) {
	if len(em) < 2*DigestSize+1 {
		return nil, pHash, seed, Errorf(RCDecryptError, "encoding of %d bytes is too short", len(em))
	}
	maskedSeed := em[:DigestSize]
	maskedDB := em[DigestSize:]
	copy(seed[:], XOR(maskedSeed, MGF1(maskedDB, DigestSize)))
	db := XOR(maskedDB, MGF1(seed[:], len(maskedDB)))
	copy(pHash[:], db)

	i := DigestSize
	for i < len(db) && db[i] == 0x00 {
		i++
	}
	if i == len(db) || db[i] != 0x01 {
		return nil, pHash, seed, Errorf(RCDecryptError, "missing 0x01 separator")
	}
	return db[i+1:], pHash, seed, nil
}

// RSAKeyParmsOf decodes the algorithm-specific parameters of an RSA key.
func RSAKeyParmsOf(parms *KeyParms) (*RSAKeyParms, error) {
	if parms.AlgorithmID != AlgRSA {
		return nil, Errorf(RCBadKeyProperty, "algorithm %d is not RSA", parms.AlgorithmID)
	}
	var rsaParms RSAKeyParms
	if err := Unpack(parms.Parms, &rsaParms); err != nil {
		return nil, fmt.Errorf("decoding RSA key parameters: %w", err)
	}
	return &rsaParms, nil
}

// Exponent32 returns the public exponent, applying the default for an empty
// field.
func (p *RSAKeyParms) Exponent32() (int, error) {
	if len(p.Exponent) == 0 {
		return DefaultExponent, nil
	}
	if len(p.Exponent) > 4 {
		return 0, Errorf(RCBadKeyProperty, "exponent of %d bytes", len(p.Exponent))
	}
	e := new(big.Int).SetBytes(p.Exponent)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64()%2 == 0 {
		return 0, Errorf(RCBadKeyProperty, "invalid exponent %v", e)
	}
	return int(e.Int64()), nil
}

// RSAPublicKey converts a TPM_PUBKEY into a Go RSA public key.
func RSAPublicKey(pub *PubKey) (*rsa.PublicKey, error) {
	parms, err := RSAKeyParmsOf(&pub.AlgorithmParms)
	if err != nil {
		return nil, err
	}
	e, err := parms.Exponent32()
	if err != nil {
		return nil, err
	}
	if len(pub.PubKey.Key) == 0 {
		return nil, Errorf(RCBadKeyProperty, "empty modulus")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(pub.PubKey.Key), E: e}, nil
}

// NewRSAKeyParms describes an RSA key. The exponent field is left empty when
// it is the default.
func NewRSAKeyParms(pub *rsa.PublicKey, enc EncScheme, sig SigScheme) KeyParms {
	rsaParms := RSAKeyParms{
		KeyLength: uint32(pub.N.BitLen()),
		NumPrimes: 2,
	}
	if pub.E != DefaultExponent {
		rsaParms.Exponent = big.NewInt(int64(pub.E)).Bytes()
	}
	return KeyParms{
		AlgorithmID: AlgRSA,
		EncScheme:   enc,
		SigScheme:   sig,
		Parms:       MustPack(rsaParms),
	}
}

// NewPubKey builds the TPM_PUBKEY of an RSA key.
func NewPubKey(pub *rsa.PublicKey, enc EncScheme, sig SigScheme) PubKey {
	return PubKey{
		AlgorithmParms: NewRSAKeyParms(pub, enc, sig),
		PubKey:         StorePubKey{Key: pub.N.Bytes()},
	}
}

// RSAPrivateKey rebuilds a private key from its public half and the prime p,
// the only secret a TPM 1.2 key blob stores.
func RSAPrivateKey(pub *rsa.PublicKey, pBytes []byte) (*rsa.PrivateKey, error) {
	p := new(big.Int).SetBytes(pBytes)
	if p.Sign() == 0 {
		return nil, Errorf(RCBadKeyProperty, "empty prime")
	}
	q, rem := new(big.Int).QuoRem(pub.N, p, new(big.Int))
	if rem.Sign() != 0 || q.Cmp(big.NewInt(1)) <= 0 || p.Cmp(big.NewInt(1)) <= 0 {
		return nil, Errorf(RCBadKeyProperty, "prime does not divide the modulus")
	}
	one := big.NewInt(1)
	phi := new(big.Int).Mul(new(big.Int).Sub(p, one), new(big.Int).Sub(q, one))
	d := new(big.Int).ModInverse(big.NewInt(int64(pub.E)), phi)
	if d == nil {
		return nil, Errorf(RCBadKeyProperty, "exponent is not invertible")
	}
	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: new(big.Int).Set(pub.N), E: pub.E},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	priv.Precompute()
	return priv, nil
}

// EncryptOAEP encrypts msg with RSAES-OAEP-SHA1 and the "TCPA" label.
func EncryptOAEP(rng io.Reader, pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	out, err := rsa.EncryptOAEP(sha1.New(), rng, pub, msg, oaepLabel)
	if err != nil {
		return nil, KindErrorf(RCEncryptError, KindPolicy, "RSA OAEP encryption: %w", err)
	}
	return out, nil
}

// DecryptOAEP reverses EncryptOAEP.
func DecryptOAEP(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha1.New(), nil, priv, ciphertext, oaepLabel)
	if err != nil {
		return nil, KindErrorf(RCDecryptError, KindPolicy, "RSA OAEP decryption: %w", err)
	}
	return out, nil
}

// SignSHA1 produces an RSASSA-PKCS1-v1_5 signature over a SHA-1 digest.
func SignSHA1(rng io.Reader, priv *rsa.PrivateKey, digest Digest) ([]byte, error) {
	sig, err := rsa.SignPKCS1v15(rng, priv, crypto.SHA1, digest[:])
	if err != nil {
		return nil, Fatalf("signing: %w", err)
	}
	return sig, nil
}

// VerifySHA1 checks an RSASSA-PKCS1-v1_5 signature over a SHA-1 digest.
func VerifySHA1(pub *rsa.PublicKey, digest Digest, sig []byte) error {
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig); err != nil {
		return Errorf(RCBadSignature, "signature verification: %v", err)
	}
	return nil
}
