package client

import (
	"github.com/google/go-tpm/tpmutil"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// AuthorizeMigrationKey has the owner approve pub as a destination for
// migrations under scheme.
func (t *TPM) AuthorizeMigrationKey(owner Session, scheme tpm12.MigrateScheme, pub tpm12.PubKey) (*tpm12.MigrationKeyAuth, error) {
	params, err := tpm12.Pack(scheme, pub)
	if err != nil {
		return nil, err
	}
	rsp, err := t.execute(&command{ord: tpm12.OrdAuthorizeMigrationKey, params: params}, owner)
	if err != nil {
		return nil, err
	}
	var mka tpm12.MigrationKeyAuth
	if err := tpm12.Unpack(rsp.params, &mka); err != nil {
		return nil, err
	}
	return &mka, nil
}

// keyCommand builds a command on the key loaded at parent. It writes the
// marshalled values of fixed followed by each of sized as a sized field.
func keyCommand(ord tpm12.Ordinal, parent tpmutil.Handle, fixed []interface{}, sized ...[]byte) (*command, error) {
	handles, err := tpmutil.Pack(parent)
	if err != nil {
		return nil, err
	}
	w := tpm12.NewWriter(tpm12.MaxBufferSize)
	tpm12.Marshal(w, fixed...)
	for _, b := range sized {
		w.Sized(b)
	}
	params, err := w.Bytes()
	if err != nil {
		return nil, err
	}
	return &command{ord: ord, handles: handles, params: params, keys: []tpmutil.Handle{parent}}, nil
}

// sizedParams reads n sized fields that make up the whole of b.
func sizedParams(b []byte, n int) ([][]byte, error) {
	r := tpm12.NewReader(b)
	out := make([][]byte, n)
	for i := range out {
		var err error
		if out[i], err = r.Sized(); err != nil {
			return nil, err
		}
	}
	return out, r.Done()
}

// CreateMigrationBlob re-encrypts the private part encData of a migratable
// child of parent for the destination in mka. parentAuth authorizes the
// parent and may be nil if the parent needs no authorization. migAuth
// carries the child's migration authorization value.
func (t *TPM) CreateMigrationBlob(parent tpmutil.Handle, parentAuth, migAuth Session, scheme tpm12.MigrateScheme, mka *tpm12.MigrationKeyAuth, encData []byte) (random, outData []byte, err error) {
	c, err := keyCommand(tpm12.OrdCreateMigrationBlob, parent, []interface{}{scheme, mka}, encData)
	if err != nil {
		return nil, nil, err
	}
	rsp, err := t.execute(c, sessions(parentAuth, migAuth)...)
	if err != nil {
		return nil, nil, err
	}
	out, err := sizedParams(rsp.params, 2)
	if err != nil {
		return nil, nil, err
	}
	return out[0], out[1], nil
}

// ConvertMigrationBlob imports a blob made by CreateMigrationBlob under
// the Migrate scheme and returns the private part encrypted to parent.
func (t *TPM) ConvertMigrationBlob(parent tpmutil.Handle, parentAuth Session, inData, random []byte) ([]byte, error) {
	c, err := keyCommand(tpm12.OrdConvertMigrationBlob, parent, nil, inData, random)
	if err != nil {
		return nil, err
	}
	rsp, err := t.execute(c, sessions(parentAuth)...)
	if err != nil {
		return nil, err
	}
	out, err := sizedParams(rsp.params, 1)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// CMKApproveMA has the owner approve a list of migration authorities given
// by the digest of its TPM_MSA_COMPOSITE.
func (t *TPM) CMKApproveMA(owner Session, msaDigest tpm12.Digest) (tpm12.Digest, error) {
	return t.digestCommand(owner, tpm12.OrdCMKApproveMA, tpm12.MustPack(msaDigest))
}

// CMKCreateTicket checks sig, made by verKey over signedData, and returns a
// ticket that proves the check to CMKCreateBlob and CMKConvertMigration.
func (t *TPM) CMKCreateTicket(owner Session, verKey tpm12.PubKey, signedData tpm12.Digest, sig []byte) (tpm12.Digest, error) {
	w := tpm12.NewWriter(tpm12.MaxBufferSize)
	tpm12.Marshal(w, verKey, signedData)
	w.Sized(sig)
	params, err := w.Bytes()
	if err != nil {
		return tpm12.Digest{}, err
	}
	return t.digestCommand(owner, tpm12.OrdCMKCreateTicket, params)
}

func (t *TPM) digestCommand(owner Session, ord tpm12.Ordinal, params []byte) (tpm12.Digest, error) {
	rsp, err := t.execute(&command{ord: ord, params: params}, owner)
	if err != nil {
		return tpm12.Digest{}, err
	}
	var d tpm12.Digest
	if err := tpm12.Unpack(rsp.params, &d); err != nil {
		return tpm12.Digest{}, err
	}
	return d, nil
}

// CMKBlobArgs are the inputs of CMKCreateBlob.
type CMKBlobArgs struct {
	Scheme tpm12.MigrateScheme
	// MigrationKeyAuth names the destination. For MSRestrictMigrate it
	// need not be owner-approved.
	MigrationKeyAuth tpm12.MigrationKeyAuth
	// PubSourceKeyDigest is the digest of the TPM_PUBKEY of the key being
	// migrated.
	PubSourceKeyDigest tpm12.Digest
	MSAList            tpm12.MSAComposite
	// RestrictTicket and SigTicket are used only with MSRestrictApprove.
	RestrictTicket []byte
	SigTicket      []byte
	EncData        []byte
}

// CMKCreateBlob creates a migration blob for a certified migratable key.
// parentAuth may be nil if the parent needs no authorization.
func (t *TPM) CMKCreateBlob(parent tpmutil.Handle, parentAuth Session, a *CMKBlobArgs) (random, outData []byte, err error) {
	msa, err := tpm12.Pack(&a.MSAList)
	if err != nil {
		return nil, nil, err
	}
	c, err := keyCommand(tpm12.OrdCMKCreateBlob, parent,
		[]interface{}{a.Scheme, &a.MigrationKeyAuth, a.PubSourceKeyDigest},
		msa, a.RestrictTicket, a.SigTicket, a.EncData)
	if err != nil {
		return nil, nil, err
	}
	rsp, err := t.execute(c, sessions(parentAuth)...)
	if err != nil {
		return nil, nil, err
	}
	out, err := sizedParams(rsp.params, 2)
	if err != nil {
		return nil, nil, err
	}
	return out[0], out[1], nil
}

// CMKConvertArgs are the inputs of CMKConvertMigration.
type CMKConvertArgs struct {
	RestrictTicket tpm12.CMKAuth
	SigTicket      tpm12.Digest
	// MigratedKey is the key blob whose EncData is the outData of
	// CMKCreateBlob.
	MigratedKey tpm12.Key12
	MSAList     tpm12.MSAComposite
	Random      []byte
}

// CMKConvertMigration imports a certified migratable key under parent and
// returns its private part encrypted to parent.
func (t *TPM) CMKConvertMigration(parent tpmutil.Handle, parentAuth Session, a *CMKConvertArgs) ([]byte, error) {
	msa, err := tpm12.Pack(&a.MSAList)
	if err != nil {
		return nil, err
	}
	c, err := keyCommand(tpm12.OrdCMKConvertMigration, parent,
		[]interface{}{&a.RestrictTicket, a.SigTicket, &a.MigratedKey},
		msa, a.Random)
	if err != nil {
		return nil, err
	}
	rsp, err := t.execute(c, sessions(parentAuth)...)
	if err != nil {
		return nil, err
	}
	out, err := sizedParams(rsp.params, 1)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}
