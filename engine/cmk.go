package engine

import (
	"github.com/chrisfenner/tpm12direct/tpm12"
)

// Certified migratable keys. A CMK may only move to destinations approved
// by the migration authorities whose public-key digests its migrationAuth
// commits to, and every approval is an HMAC under tpmProof.

func (e *Engine) cmkMigAuth(msaDigest, pubKeyDigest tpm12.Digest) (tpm12.Digest, error) {
	b, err := tpm12.Pack(tpm12.CMKMigAuth{
		Tag:          tpm12.StructTagCMKMigAuth,
		MSADigest:    msaDigest,
		PubKeyDigest: pubKeyDigest,
	})
	if err != nil {
		return tpm12.Digest{}, err
	}
	return tpm12.HMAC(e.perm.tpmProof, b), nil
}

func (e *Engine) cmkSigTicket(verKeyDigest, signedData tpm12.Digest) tpm12.Digest {
	return tpm12.HMAC(e.perm.tpmProof, tpm12.MustPack(tpm12.CMKSigTicket{
		Tag:          tpm12.StructTagCMKSigTicket,
		VerKeyDigest: verKeyDigest,
		SignedData:   signedData,
	}))
}

// checkSigTicket succeeds if some authority in the list issued ticket over
// signedData.
func (e *Engine) checkSigTicket(msa *tpm12.MSAComposite, signedData, ticket tpm12.Digest) error {
	for _, d := range msa.MigAuthDigest {
		if e.cmkSigTicket(d, signedData).Equal(ticket) {
			return nil
		}
	}
	return tpm12.Errorf(tpm12.RCMATicketSignature, "no migration authority issued the ticket")
}

// readMSAList reads a sized TPM_MSA_COMPOSITE and returns it with the digest
// of its serialization.
func readMSAList(r *tpm12.Reader) (*tpm12.MSAComposite, tpm12.Digest, error) {
	b, err := r.Sized()
	if err != nil {
		return nil, tpm12.Digest{}, err
	}
	var msa tpm12.MSAComposite
	if err := tpm12.Unpack(b, &msa); err != nil {
		return nil, tpm12.Digest{}, err
	}
	return &msa, tpm12.SHA1(b), nil
}

// 11.8
func (e *Engine) cmkApproveMA(req *request) (*reply, error) {
	var d tpm12.Digest
	if err := tpm12.Unmarshal(req.params, &d); err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	if _, err := e.authorize(req, 0, tpm12.PIDNone, e.ownerEntity()); err != nil {
		return nil, err
	}
	approval := tpm12.HMAC(e.perm.tpmProof, tpm12.MustPack(tpm12.CMKMAApproval{
		Tag:                      tpm12.StructTagCMKMAApproval,
		MigrationAuthorityDigest: d,
	}))
	return &reply{params: tpm12.MustPack(approval)}, nil
}

// 11.10
func (e *Engine) cmkCreateTicket(req *request) (*reply, error) {
	var (
		verKey     tpm12.PubKey
		signedData tpm12.Digest
	)
	if err := tpm12.Unmarshal(req.params, &verKey, &signedData); err != nil {
		return nil, err
	}
	sig, err := req.params.Sized()
	if err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	if _, err := e.authorize(req, 0, tpm12.PIDNone, e.ownerEntity()); err != nil {
		return nil, err
	}
	parms := &verKey.AlgorithmParms
	if parms.AlgorithmID != tpm12.AlgRSA {
		return nil, tpm12.Errorf(tpm12.RCBadKeyProperty, "verification key algorithm %#x", uint32(parms.AlgorithmID))
	}
	if parms.EncScheme != tpm12.ESNone {
		return nil, tpm12.Errorf(tpm12.RCInappropriateEnc, "verification key encryption scheme %#x", parms.EncScheme)
	}
	if parms.SigScheme != tpm12.SSRSASSAPKCS1SHA1 && parms.SigScheme != tpm12.SSRSASSAPKCS1INFO {
		return nil, tpm12.Errorf(tpm12.RCInvalidKeyUsage, "verification key signature scheme %#x", parms.SigScheme)
	}
	pub, err := tpm12.RSAPublicKey(&verKey)
	if err != nil {
		return nil, err
	}
	if err := tpm12.VerifySHA1(pub, signedData, sig); err != nil {
		return nil, err
	}
	ticket := e.cmkSigTicket(pubKeyDigest(verKey), signedData)
	return &reply{params: tpm12.MustPack(ticket)}, nil
}

// 11.9
func (e *Engine) cmkCreateBlob(req *request) (*reply, error) {
	var (
		parentHandle       tpm12.Handle
		scheme             tpm12.MigrateScheme
		mka                tpm12.MigrationKeyAuth
		pubSourceKeyDigest tpm12.Digest
	)
	if err := tpm12.Unmarshal(req.handles, &parentHandle); err != nil {
		return nil, err
	}
	if err := tpm12.Unmarshal(req.params, &scheme, &mka, &pubSourceKeyDigest); err != nil {
		return nil, err
	}
	msa, msaDigest, err := readMSAList(req.params)
	if err != nil {
		return nil, err
	}
	restrictTicket, err := req.params.Sized()
	if err != nil {
		return nil, err
	}
	sigTicket, err := req.params.Sized()
	if err != nil {
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
	if _, err := e.authorize(req, 0, tpm12.PIDNone, keyEntity(parent)); err != nil {
		return nil, err
	}
	if parent.Usage != tpm12.KeyStorage || parent.Flags&tpm12.KeyFlagMigratable != 0 {
		return nil, tpm12.Errorf(tpm12.RCInvalidKeyUsage, "parent must be a non-migratable storage key")
	}
	d1, _, err := decryptAsymkey(parent, encData)
	if err != nil {
		return nil, err
	}
	if err := e.checkMigrationKeyAuth(&mka); err != nil {
		return nil, err
	}
	if scheme != mka.MigrationScheme {
		return nil, tpm12.Errorf(tpm12.RCBadParameter, "migration key is authorized for scheme %#x, not %#x", mka.MigrationScheme, scheme)
	}
	if d1.PayloadType != tpm12.PTMigrateRestricted && d1.PayloadType != tpm12.PTMigrateExternal {
		return nil, tpm12.Errorf(tpm12.RCInvalidStructure, "payload type %#x is not a certified migratable key", d1.PayloadType)
	}
	wantAuth, err := e.cmkMigAuth(msaDigest, pubSourceKeyDigest)
	if err != nil {
		return nil, err
	}
	if !wantAuth.Secret().Equal(d1.MigrationAuth) {
		return nil, tpm12.Errorf(tpm12.RCMAAuthority, "key is not bound to these migration authorities")
	}
	migKeyDigest := pubKeyDigest(mka.MigrationKey)
	switch scheme {
	case tpm12.MSRestrictMigrate:
		if !msaContains(msa, migKeyDigest) {
			return nil, tpm12.Errorf(tpm12.RCMATicketSignature, "destination is not a migration authority")
		}
		parms := &mka.MigrationKey.AlgorithmParms
		if parms.AlgorithmID != tpm12.AlgRSA {
			return nil, tpm12.Errorf(tpm12.RCBadKeyProperty, "destination algorithm %#x", uint32(parms.AlgorithmID))
		}
		if parms.EncScheme != tpm12.ESRSAESOAEPSHA1 {
			return nil, tpm12.Errorf(tpm12.RCInappropriateEnc, "destination encryption scheme %#x", parms.EncScheme)
		}
		if parms.SigScheme != tpm12.SSNone {
			return nil, tpm12.Errorf(tpm12.RCInvalidKeyUsage, "destination signature scheme %#x", parms.SigScheme)
		}
		if len(restrictTicket) != 0 || len(sigTicket) != 0 {
			return nil, tpm12.Errorf(tpm12.RCBadParameter, "tickets are not used with TPM_MS_RESTRICT_MIGRATE")
		}
	case tpm12.MSRestrictApprove:
		if len(sigTicket) != tpm12.DigestSize {
			return nil, tpm12.Errorf(tpm12.RCBadParameter, "sigTicket of %d bytes", len(sigTicket))
		}
		var ticket tpm12.Digest
		copy(ticket[:], sigTicket)
		if err := e.checkSigTicket(msa, tpm12.SHA1(restrictTicket), ticket); err != nil {
			return nil, err
		}
		var auth tpm12.CMKAuth
		if err := tpm12.Unpack(restrictTicket, &auth); err != nil {
			return nil, tpm12.Errorf(tpm12.RCBadParameter, "restrictTicket: %v", err)
		}
		if !auth.DestinationKeyDigest.Equal(migKeyDigest) {
			return nil, tpm12.Errorf(tpm12.RCMADestination, "ticket approves another destination")
		}
		if !auth.SourceKeyDigest.Equal(pubSourceKeyDigest) {
			return nil, tpm12.Errorf(tpm12.RCMASource, "ticket approves another source")
		}
	default:
		return nil, tpm12.Errorf(tpm12.RCBadParameter, "migration scheme %#x", scheme)
	}
	migKey, err := tpm12.RSAPublicKey(&mka.MigrationKey)
	if err != nil {
		return nil, err
	}
	pHash := tpm12.SHA1(msaDigest[:], pubSourceKeyDigest[:])
	random, outData, err := e.createBlobCommon(tpm12.PTCMKMigrate, d1, pHash, migKey)
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

func msaContains(msa *tpm12.MSAComposite, d tpm12.Digest) bool {
	for _, m := range msa.MigAuthDigest {
		if m.Equal(d) {
			return true
		}
	}
	return false
}

// 11.11
func (e *Engine) cmkConvertMigration(req *request) (*reply, error) {
	var (
		parentHandle   tpm12.Handle
		restrictTicket tpm12.CMKAuth
		sigTicket      tpm12.Digest
		migratedKey    tpm12.Key12
	)
	if err := tpm12.Unmarshal(req.handles, &parentHandle); err != nil {
		return nil, err
	}
	if err := tpm12.Unmarshal(req.params, &restrictTicket, &sigTicket, &migratedKey); err != nil {
		return nil, err
	}
	msa, msaDigest, err := readMSAList(req.params)
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
	if _, err := e.authorize(req, 0, tpm12.PIDNone, keyEntity(parent)); err != nil {
		return nil, err
	}
	if err := checkStorage(parent); err != nil {
		return nil, err
	}
	d1, err := parent.decrypt(migratedKey.EncData)
	if err != nil {
		return nil, err
	}
	if len(d1) != len(random) {
		return nil, tpm12.Errorf(tpm12.RCBadParameter, "%d bytes of random for %d bytes of blob", len(random), len(d1))
	}
	d2, err := loadO1(tpm12.XOR(d1, random))
	if err != nil {
		return nil, err
	}
	migratedPubKeyDigest := pubKeyDigest(tpm12.PubKey{AlgorithmParms: migratedKey.AlgorithmParms, PubKey: migratedKey.PubKey})
	pHash := tpm12.SHA1(msaDigest[:], migratedPubKeyDigest[:])
	if !pHash.Secret().Equal(d2.MigrationAuth) {
		return nil, tpm12.Errorf(tpm12.RCMAAuthority, "blob is not bound to these migration authorities")
	}
	if parent.Flags&tpm12.KeyFlagMigratable != 0 {
		return nil, tpm12.Errorf(tpm12.RCInvalidKeyUsage, "parent must be non-migratable")
	}
	if d2.PayloadType != tpm12.PTCMKMigrate {
		return nil, tpm12.Errorf(tpm12.RCBadMigration, "payload type %#x", d2.PayloadType)
	}
	d2.PayloadType = tpm12.PTMigrateExternal
	ticketData, err := tpm12.DigestOf(restrictTicket)
	if err != nil {
		return nil, err
	}
	if err := e.checkSigTicket(msa, ticketData, sigTicket); err != nil {
		return nil, err
	}
	if !restrictTicket.DestinationKeyDigest.Equal(parent.PubKeyDigest()) {
		return nil, tpm12.Errorf(tpm12.RCMADestination, "ticket approves another destination")
	}
	if _, err := keyFromParts(&migratedKey, d2); err != nil {
		return nil, err
	}
	want := tpm12.KeyFlagMigratable | tpm12.KeyFlagMigrateAuthority
	if migratedKey.KeyFlags&want != want {
		return nil, tpm12.Errorf(tpm12.RCInvalidKeyUsage, "migrated key flags %#x", uint32(migratedKey.KeyFlags))
	}
	if !restrictTicket.SourceKeyDigest.Equal(migratedPubKeyDigest) {
		return nil, tpm12.Errorf(tpm12.RCMASource, "ticket approves another source")
	}
	newAuth, err := e.cmkMigAuth(msaDigest, migratedPubKeyDigest)
	if err != nil {
		return nil, err
	}
	d2.MigrationAuth = newAuth.Secret()
	return e.rewrapReply(parent, d2)
}
