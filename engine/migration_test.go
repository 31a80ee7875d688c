package engine

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

var migrationAuth = tpm12.SHA1([]byte("migration")).Secret()

// migratableKey is a signing key that may leave the TPM under the owner's
// control.
func migratableKey() *Key {
	k := signingKey(testKeys.child, tpm12.SHA1([]byte("child")).Secret())
	k.Flags = tpm12.KeyFlagMigratable
	k.MigrationAuth = migrationAuth
	return k
}

func (tt *tester) authorizeMigrationKey(scheme tpm12.MigrateScheme, pub tpm12.PubKey, s *session) tpm12.MigrationKeyAuth {
	tt.t.Helper()
	res := tt.call(tpm12.OrdAuthorizeMigrationKey, nil, tpm12.MustPack(scheme, pub), s).ok(tt.t)
	var mka tpm12.MigrationKeyAuth
	if err := tpm12.Unpack(res.body, &mka); err != nil {
		tt.t.Fatalf("%v", err)
	}
	return mka
}

func (tt *tester) ownerMigrationKey(scheme tpm12.MigrateScheme, pub tpm12.PubKey) tpm12.MigrationKeyAuth {
	tt.t.Helper()
	s := tt.oiap(ownerAuth)
	s.cont = false
	return tt.authorizeMigrationKey(scheme, pub, s)
}

// createMigrationBlob runs TPM_CreateMigrationBlob on a key wrapped by the
// SRK, authorizing both the SRK and the key's migration secret.
func (tt *tester) createMigrationBlob(scheme tpm12.MigrateScheme, mka tpm12.MigrationKeyAuth, encData []byte, migAuth tpm12.Secret) (random, outData []byte, res *result) {
	tt.t.Helper()
	parent := tt.oiap(srkAuth)
	parent.cont = false
	entity := tt.oiap(migAuth)
	entity.cont = false
	res = tt.call(tpm12.OrdCreateMigrationBlob, tpm12.MustPack(tpm12.KHSRK),
		concat(tpm12.MustPack(scheme, mka), sized(encData)), parent, entity)
	if res.rc != tpm12.RCSuccess {
		return nil, nil, res
	}
	r := res.params(0)
	var err error
	if random, err = r.Sized(); err != nil {
		tt.t.Fatalf("%v", err)
	}
	if outData, err = r.Sized(); err != nil {
		tt.t.Fatalf("%v", err)
	}
	return random, outData, res
}

func TestAuthorizeMigrationKey(t *testing.T) {
	loadTestKeys(t)
	destPub := storageKey(testKeys.dest, tpm12.Secret{}).PubKey()
	oddExponent := destPub
	oddExponent.AlgorithmParms = tpm12.NewRSAKeyParms(&rsa.PublicKey{N: testKeys.dest.N, E: 3}, tpm12.ESRSAESOAEPSHA1, tpm12.SSNone)
	evenModulus := destPub
	evenModulus.PubKey.Key = append([]byte(nil), destPub.PubKey.Key...)
	evenModulus.PubKey.Key[len(evenModulus.PubKey.Key)-1] &^= 1

	for _, tc := range []struct {
		name   string
		scheme tpm12.MigrateScheme
		pub    tpm12.PubKey
		want   tpm12.TPMRC
	}{
		{"Migrate", tpm12.MSMigrate, destPub, tpm12.RCSuccess},
		{"Rewrap", tpm12.MSRewrap, destPub, tpm12.RCSuccess},
		{"RestrictApprove", tpm12.MSRestrictApprove, destPub, tpm12.RCSuccess},
		{"Maint", tpm12.MSMaint, destPub, tpm12.RCBadParameter},
		{"SmallKey", tpm12.MSMigrate, tpm12.NewPubKey(&testKeys.child.PublicKey, tpm12.ESRSAESOAEPSHA1, tpm12.SSNone), tpm12.RCBadKeyProperty},
		{"Exponent", tpm12.MSMigrate, oddExponent, tpm12.RCBadKeyProperty},
		{"EvenModulus", tpm12.MSMigrate, evenModulus, tpm12.RCBadKeyProperty},
		{"PKCS1Encryption", tpm12.MSMigrate, storageKeyWithScheme(tpm12.ESRSAESPKCSv15).PubKey(), tpm12.RCInappropriateEnc},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tt := newTester(t)
			s := tt.oiap(ownerAuth)
			res := tt.call(tpm12.OrdAuthorizeMigrationKey, nil, tpm12.MustPack(tc.scheme, tc.pub), s)
			res.want(t, tc.want)
			if tc.want != tpm12.RCSuccess {
				return
			}
			var mka tpm12.MigrationKeyAuth
			if err := tpm12.Unpack(res.body, &mka); err != nil {
				t.Fatalf("%v", err)
			}
			if !cmp.Equal(mka.MigrationKey, tc.pub) || mka.MigrationScheme != tc.scheme {
				t.Errorf("authorization for the wrong key or scheme: %+v", mka)
			}
			if err := tt.e.checkMigrationKeyAuth(&mka); err != nil {
				t.Errorf("%v", err)
			}
		})
	}
}

func storageKeyWithScheme(es tpm12.EncScheme) *Key {
	k := storageKey(testKeys.dest, tpm12.Secret{})
	k.EncScheme = es
	return k
}

func TestMigrationKeyAuthBoundToOwner(t *testing.T) {
	src := newTester(t)
	other := newTester(t)
	destPub := storageKey(testKeys.dest, tpm12.Secret{}).PubKey()
	mka := other.ownerMigrationKey(tpm12.MSMigrate, destPub)

	blob, err := WrapKey(rand.Reader, src.srk, migratableKey())
	if err != nil {
		t.Fatalf("%v", err)
	}
	_, _, res := src.createMigrationBlob(tpm12.MSMigrate, mka, blob.EncData, migrationAuth)
	res.want(t, tpm12.RCAuthFail)
}

func TestPlainMigration(t *testing.T) {
	src := newTester(t, withRNG(newDetRNG("plain migration")))
	destKey := storageKey(testKeys.dest, storageAuth)
	mka := src.ownerMigrationKey(tpm12.MSMigrate, destKey.PubKey())

	child := migratableKey()
	blob, err := WrapKey(rand.Reader, src.srk, child)
	if err != nil {
		t.Fatalf("%v", err)
	}
	random, outData, res := src.createMigrationBlob(tpm12.MSMigrate, mka, blob.EncData, migrationAuth)
	res.ok(t)

	// The masked blob must be exactly the OAEP padding of the key's
	// TPM_MIGRATE_ASYMKEY, seeded with the head of its private part.
	plain, err := tpm12.DecryptOAEP(testKeys.dest, outData)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if len(random) != len(plain) {
		t.Fatalf("want %d bytes of random, got %d", len(plain), len(random))
	}
	k1k2 := tpm12.MustPack(tpm12.StorePrivKey{Key: testKeys.child.Primes[0].Bytes()})
	var seed tpm12.Digest
	copy(seed[:], k1k2)
	m := tpm12.MustPack(tpm12.MigrateAsymkey{
		PayloadType:   tpm12.PTMigrate,
		UsageAuth:     child.UsageAuth,
		PubDataDigest: child.PubDataDigest(),
		PartPrivKey:   k1k2[tpm12.DigestSize:],
	})
	want, err := tpm12.OAEPEncode(m, tpm12.Digest(migrationAuth), seed, len(testKeys.child.Primes[0].Bytes())+o1Padding)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if got := tpm12.XOR(plain, random); !bytes.Equal(got, want) {
		t.Errorf("unmasked blob mismatch\nwant %x\ngot  %x", want, got)
	}

	// Neither half alone reveals the padding.
	if bytes.Equal(plain, want) || bytes.Equal(random, want) {
		t.Errorf("migration blob is not masked")
	}

	t.Run("Convert", func(t *testing.T) {
		dst := newTester(t)
		parent := dst.keys.Add(destKey)
		s := dst.oiap(storageAuth)
		res := dst.call(tpm12.OrdConvertMigrationBlob, tpm12.MustPack(parent), concat(sized(outData), sized(random)), s).ok(t)
		encData, err := res.params(0).Sized()
		if err != nil {
			t.Fatalf("%v", err)
		}
		pub := child.Key12()
		pub.EncData = encData
		got, err := UnwrapKey(destKey, &pub)
		if err != nil {
			t.Fatalf("%v", err)
		}
		if got.Private.D.Cmp(testKeys.child.D) != 0 {
			t.Errorf("converted key has a different private exponent")
		}
		if got.Payload != tpm12.PTAsym || !got.MigrationAuth.Equal(migrationAuth) || !got.UsageAuth.Equal(child.UsageAuth) {
			t.Errorf("converted key lost its payload type or secrets")
		}
	})
	t.Run("ConvertWrongRandom", func(t *testing.T) {
		dst := newTester(t)
		parent := dst.keys.Add(destKey)
		s := dst.oiap(storageAuth)
		bad := append([]byte(nil), random...)
		bad[0] ^= 0xFF
		res := dst.call(tpm12.OrdConvertMigrationBlob, tpm12.MustPack(parent), concat(sized(outData), sized(bad)), s)
		if res.rc == tpm12.RCSuccess {
			t.Errorf("converted a blob with the wrong mask")
		}
	})
}

func TestRewrapMigration(t *testing.T) {
	src := newTester(t)
	destKey := storageKey(testKeys.dest, storageAuth)
	mka := src.ownerMigrationKey(tpm12.MSRewrap, destKey.PubKey())
	child := migratableKey()
	blob, err := WrapKey(rand.Reader, src.srk, child)
	if err != nil {
		t.Fatalf("%v", err)
	}
	random, outData, res := src.createMigrationBlob(tpm12.MSRewrap, mka, blob.EncData, migrationAuth)
	res.ok(t)
	if len(random) != 0 {
		t.Errorf("rewrap returned %d bytes of random", len(random))
	}
	pub := child.Key12()
	pub.EncData = outData
	got, err := UnwrapKey(destKey, &pub)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if got.Private.D.Cmp(testKeys.child.D) != 0 {
		t.Errorf("rewrapped key has a different private exponent")
	}
}

func TestCreateMigrationBlobErrors(t *testing.T) {
	tt := newTester(t)
	destPub := storageKey(testKeys.dest, tpm12.Secret{}).PubKey()
	migrate := tt.ownerMigrationKey(tpm12.MSMigrate, destPub)
	blob, err := WrapKey(rand.Reader, tt.srk, migratableKey())
	if err != nil {
		t.Fatalf("%v", err)
	}

	t.Run("WrongMigrationAuth", func(t *testing.T) {
		_, _, res := tt.createMigrationBlob(tpm12.MSMigrate, migrate, blob.EncData, ownerAuth)
		res.want(t, tpm12.RCAuth2Fail)
	})
	t.Run("TamperedAuthorization", func(t *testing.T) {
		bad := migrate
		bad.Digest[0] ^= 1
		_, _, res := tt.createMigrationBlob(tpm12.MSMigrate, bad, blob.EncData, migrationAuth)
		res.want(t, tpm12.RCAuthFail)
	})
	t.Run("SchemeMismatch", func(t *testing.T) {
		_, _, res := tt.createMigrationBlob(tpm12.MSRewrap, migrate, blob.EncData, migrationAuth)
		res.want(t, tpm12.RCBadParameter)
	})
	t.Run("NotAKeyBlob", func(t *testing.T) {
		enc, err := tpm12.EncryptOAEP(rand.Reader, &testKeys.srk.PublicKey, []byte("not a key"))
		if err != nil {
			t.Fatalf("%v", err)
		}
		_, _, res := tt.createMigrationBlob(tpm12.MSMigrate, migrate, enc, migrationAuth)
		if res.rc == tpm12.RCSuccess {
			t.Errorf("migrated garbage")
		}
	})
	t.Run("ParentNotStorage", func(t *testing.T) {
		parent := tt.oiap(signerAuth)
		parent.cont = false
		entity := tt.oiap(migrationAuth)
		entity.cont = false
		res := tt.call(tpm12.OrdCreateMigrationBlob, tpm12.MustPack(tt.signer),
			concat(tpm12.MustPack(tpm12.MSMigrate, migrate), sized(blob.EncData)), parent, entity)
		res.want(t, tpm12.RCInvalidKeyUsage)
	})
}

func TestLoadO1Errors(t *testing.T) {
	seed := tpm12.SHA1([]byte("seed"))
	pHash := tpm12.SHA1([]byte("pHash"))
	em, err := tpm12.OAEPEncode([]byte("not a TPM_MIGRATE_ASYMKEY"), pHash, seed, 128)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if _, err := loadO1(em); tpm12.RCOf(err) != tpm12.RCBadMigration {
		t.Errorf("want %v, got %v", tpm12.RCBadMigration, err)
	}
	if _, err := loadO1(em[:tpm12.DigestSize]); tpm12.RCOf(err) != tpm12.RCDecryptError {
		t.Errorf("want %v, got %v", tpm12.RCDecryptError, err)
	}
}
