package engine

import (
	"crypto/rsa"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// o1Padding is how much larger the OAEP-encoded migration blob is than the
// private prime it carries.
const o1Padding = 70

// createBlobCommon turns a key's private part into a migration blob for
// migKey. The first 20 bytes of the serialized prime become the OAEP seed,
// the rest travels inside a TPM_MIGRATE_ASYMKEY, and the encoding is masked
// with fresh random bytes that are returned alongside the ciphertext.
func (e *Engine) createBlobCommon(payload tpm12.PayloadType, asym *tpm12.StoreAsymkey, pHash tpm12.Digest, migKey *rsa.PublicKey) (random, outData []byte, err error) {
	k1k2, err := tpm12.Pack(asym.PrivKey)
	if err != nil {
		return nil, nil, err
	}
	if len(k1k2) < tpm12.DigestSize {
		return nil, nil, tpm12.Errorf(tpm12.RCBadKeyProperty, "private key of %d bytes", len(asym.PrivKey.Key))
	}
	var k1 tpm12.Digest
	copy(k1[:], k1k2)
	m, err := tpm12.Pack(tpm12.MigrateAsymkey{
		PayloadType:   payload,
		UsageAuth:     asym.UsageAuth,
		PubDataDigest: asym.PubDataDigest,
		PartPrivKey:   k1k2[tpm12.DigestSize:],
	})
	if err != nil {
		return nil, nil, err
	}
	o1, err := tpm12.OAEPEncode(m, pHash, k1, len(asym.PrivKey.Key)+o1Padding)
	if err != nil {
		return nil, nil, err
	}
	r1, err := e.random(len(o1))
	if err != nil {
		return nil, nil, err
	}
	outData, err = tpm12.EncryptOAEP(e.rng, migKey, tpm12.XOR(o1, r1))
	if err != nil {
		return nil, nil, err
	}
	return r1, outData, nil
}

// loadO1 reverses createBlobCommon after the caller has removed the mask.
// The OAEP pHash becomes the migrationAuth of the rebuilt key.
func loadO1(o1 []byte) (*tpm12.StoreAsymkey, error) {
	m, pHash, seed, err := tpm12.OAEPDecode(o1)
	if err != nil {
		return nil, err
	}
	var mig tpm12.MigrateAsymkey
	if err := tpm12.Unpack(m, &mig); err != nil {
		return nil, tpm12.Errorf(tpm12.RCBadMigration, "decoding migrated key: %v", err)
	}
	k1k2 := append(seed[:], mig.PartPrivKey...)
	var priv tpm12.StorePrivKey
	if err := tpm12.Unpack(k1k2, &priv); err != nil {
		return nil, tpm12.Errorf(tpm12.RCBadMigration, "reassembling private key: %v", err)
	}
	return &tpm12.StoreAsymkey{
		PayloadType:   mig.PayloadType,
		UsageAuth:     mig.UsageAuth,
		MigrationAuth: pHash.Secret(),
		PubDataDigest: mig.PubDataDigest,
		PrivKey:       priv,
	}, nil
}

// migrationKeyAuthDigest binds a migration destination and scheme to this
// TPM's owner.
func (e *Engine) migrationKeyAuthDigest(pub *tpm12.PubKey, scheme tpm12.MigrateScheme) (tpm12.Digest, error) {
	b, err := tpm12.Pack(pub, scheme)
	if err != nil {
		return tpm12.Digest{}, err
	}
	return tpm12.SHA1(b, e.perm.tpmProof[:]), nil
}

func (e *Engine) checkMigrationKeyAuth(mka *tpm12.MigrationKeyAuth) error {
	want, err := e.migrationKeyAuthDigest(&mka.MigrationKey, mka.MigrationScheme)
	if err != nil {
		return err
	}
	if !want.Equal(mka.Digest) {
		return tpm12.Errorf(tpm12.RCAuthFail, "migration key was not authorized by the owner")
	}
	return nil
}

// decryptAsymkey recovers the TPM_STORE_ASYMKEY of a key blob.
func decryptAsymkey(parent *Key, encData []byte) (*tpm12.StoreAsymkey, []byte, error) {
	plain, err := parent.decrypt(encData)
	if err != nil {
		return nil, nil, err
	}
	var asym tpm12.StoreAsymkey
	if err := tpm12.Unpack(plain, &asym); err != nil {
		return nil, nil, err
	}
	return &asym, plain, nil
}

// authorizeParent handles the optional parent authorization of the
// migration ordinals. It returns the index of the next trailer.
func (e *Engine) authorizeParent(req *request, parent *Key, withAuth tpm12.Tag) (int, error) {
	if req.tag == withAuth {
		if _, err := e.authorize(req, 0, tpm12.PIDNone, keyEntity(parent)); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if parent.AuthDataUsage != tpm12.AuthNever {
		return 0, tpm12.Errorf(tpm12.RCAuthFail, "parent key requires authorization")
	}
	return 0, nil
}

func checkStorage(k *Key) error {
	if k.Usage != tpm12.KeyStorage {
		return tpm12.Errorf(tpm12.RCInvalidKeyUsage, "key usage %#x is not storage", k.Usage)
	}
	return nil
}

// 11.3
func (e *Engine) authorizeMigrationKey(req *request) (*reply, error) {
	var (
		scheme tpm12.MigrateScheme
		pub    tpm12.PubKey
	)
	if err := tpm12.Unmarshal(req.params, &scheme, &pub); err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	parms, err := tpm12.RSAKeyParmsOf(&pub.AlgorithmParms)
	if err != nil {
		return nil, err
	}
	if parms.KeyLength < 2048 {
		return nil, tpm12.Errorf(tpm12.RCBadKeyProperty, "%d-bit migration key", parms.KeyLength)
	}
	if exp, err := parms.Exponent32(); err != nil || exp != tpm12.DefaultExponent {
		return nil, tpm12.Errorf(tpm12.RCBadKeyProperty, "migration key exponent is not the default")
	}
	rsaPub, err := tpm12.RSAPublicKey(&pub)
	if err != nil {
		return nil, err
	}
	if rsaPub.N.BitLen() != int(parms.KeyLength) || rsaPub.N.Bit(0) == 0 {
		return nil, tpm12.Errorf(tpm12.RCBadKeyProperty, "modulus does not match a %d-bit key", parms.KeyLength)
	}
	if _, err := e.authorize(req, 0, tpm12.PIDNone, e.ownerEntity()); err != nil {
		return nil, err
	}
	if pub.AlgorithmParms.EncScheme != tpm12.ESRSAESOAEPSHA1 {
		return nil, tpm12.Errorf(tpm12.RCInappropriateEnc, "migration key encryption scheme %#x", pub.AlgorithmParms.EncScheme)
	}
	switch scheme {
	case tpm12.MSMigrate, tpm12.MSRewrap, tpm12.MSRestrictMigrate, tpm12.MSRestrictApprove:
	default:
		return nil, tpm12.Errorf(tpm12.RCBadParameter, "migration scheme %#x", scheme)
	}
	d, err := e.migrationKeyAuthDigest(&pub, scheme)
	if err != nil {
		return nil, err
	}
	mka := tpm12.MigrationKeyAuth{MigrationKey: pub, MigrationScheme: scheme, Digest: d}
	params, err := tpm12.Pack(mka)
	if err != nil {
		return nil, err
	}
	return &reply{params: params}, nil
}

// 11.1
func (e *Engine) createMigrationBlob(req *request) (*reply, error) {
	var (
		parentHandle tpm12.Handle
		scheme       tpm12.MigrateScheme
		mka          tpm12.MigrationKeyAuth
	)
	if err := tpm12.Unmarshal(req.handles, &parentHandle); err != nil {
		return nil, err
	}
	if err := tpm12.Unmarshal(req.params, &scheme, &mka); err != nil {
		return nil, err
	}
	encData, err := req.params.Sized()
	if err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	parent, err := e.key(parentHandle)
	if err != nil {
		return nil, err
	}
	next, err := e.authorizeParent(req, parent, tpm12.TagRquAuth2Command)
	if err != nil {
		return nil, err
	}
	if err := checkStorage(parent); err != nil {
		return nil, err
	}
	d1, plain, err := decryptAsymkey(parent, encData)
	if err != nil {
		return nil, err
	}
	if d1.PayloadType != tpm12.PTAsym {
		return nil, tpm12.Errorf(tpm12.RCBadMigration, "payload type %#x", d1.PayloadType)
	}
	if _, err := e.authorize(req, next, tpm12.PIDOIAP, entity{typ: tpm12.ETKey, auth: d1.MigrationAuth}); err != nil {
		return nil, err
	}
	if err := e.checkMigrationKeyAuth(&mka); err != nil {
		return nil, err
	}
	if scheme != mka.MigrationScheme {
		return nil, tpm12.Errorf(tpm12.RCBadParameter, "migration key is authorized for scheme %#x, not %#x", mka.MigrationScheme, scheme)
	}
	migKey, err := tpm12.RSAPublicKey(&mka.MigrationKey)
	if err != nil {
		return nil, err
	}
	var random, outData []byte
	switch scheme {
	case tpm12.MSMigrate:
		random, outData, err = e.createBlobCommon(tpm12.PTMigrate, d1, tpm12.Digest(d1.MigrationAuth), migKey)
	case tpm12.MSRewrap:
		outData, err = tpm12.EncryptOAEP(e.rng, migKey, plain)
	default:
		err = tpm12.Errorf(tpm12.RCBadParameter, "migration scheme %#x", scheme)
	}
	if err != nil {
		return nil, err
	}
	w := tpm12.NewWriter(tpm12.MaxBufferSize)
	w.Sized(random)
	w.Sized(outData)
	params, err := w.Bytes()
	if err != nil {
		return nil, err
	}
	return &reply{params: params}, nil
}

// 11.2
func (e *Engine) convertMigrationBlob(req *request) (*reply, error) {
	var parentHandle tpm12.Handle
	if err := tpm12.Unmarshal(req.handles, &parentHandle); err != nil {
		return nil, err
	}
	inData, err := req.params.Sized()
	if err != nil {
		return nil, err
	}
	random, err := req.params.Sized()
	if err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	parent, err := e.key(parentHandle)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorizeParent(req, parent, tpm12.TagRquAuth1Command); err != nil {
		return nil, err
	}
	if err := checkStorage(parent); err != nil {
		return nil, err
	}
	d1, err := parent.decrypt(inData)
	if err != nil {
		return nil, err
	}
	if len(d1) != len(random) {
		return nil, tpm12.Errorf(tpm12.RCBadParameter, "%d bytes of random for %d bytes of blob", len(random), len(d1))
	}
	asym, err := loadO1(tpm12.XOR(d1, random))
	if err != nil {
		return nil, err
	}
	if asym.PayloadType != tpm12.PTMigrate {
		return nil, tpm12.Errorf(tpm12.RCBadMigration, "payload type %#x", asym.PayloadType)
	}
	asym.PayloadType = tpm12.PTAsym
	return e.rewrapReply(parent, asym)
}

// rewrapReply encrypts a private key part to its new parent.
func (e *Engine) rewrapReply(parent *Key, asym *tpm12.StoreAsymkey) (*reply, error) {
	b, err := tpm12.Pack(asym)
	if err != nil {
		return nil, err
	}
	outData, err := parent.encrypt(e.rng, b)
	if err != nil {
		return nil, err
	}
	w := tpm12.NewWriter(tpm12.MaxBufferSize)
	w.Sized(outData)
	params, err := w.Bytes()
	if err != nil {
		return nil, err
	}
	return &reply{params: params}, nil
}
