package engine

import (
	"fmt"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

const (
	permFlagOwned uint32 = 1 << iota
	permFlagDisabled
	permFlagDeactivated
)

// permanentBlob is the serialized form of permanentData.
type permanentBlob struct {
	Tag       tpm12.StructureTag
	Flags     uint32
	TPMProof  tpm12.Secret
	OwnerAuth tpm12.Secret
	// SRK is a storedKey, or empty before provisioning.
	SRK      []byte `tpm12:"sized"`
	Counters [tpm12.MinCounters]storedCounter
}

type storedKey struct {
	Public  tpm12.Key12
	Private tpm12.StoreAsymkey
}

type storedCounter struct {
	Valid  bool
	Label  [tpm12.CounterLabelSize]byte
	Value  uint32
	Auth   tpm12.Secret
	Digest tpm12.Digest
}

// StorePermanentState serializes the data that survives a power cycle.
func (e *Engine) StorePermanentState() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.storePermanentState()
}

func (e *Engine) storePermanentState() ([]byte, error) {
	p := &e.perm
	blob := permanentBlob{
		Tag:       tpm12.StructTagPermanentData,
		TPMProof:  p.tpmProof,
		OwnerAuth: p.ownerAuth,
	}
	if p.owned {
		blob.Flags |= permFlagOwned
	}
	if p.disabled {
		blob.Flags |= permFlagDisabled
	}
	if p.deactivated {
		blob.Flags |= permFlagDeactivated
	}
	if p.srk != nil {
		b, err := tpm12.Pack(storedKey{Public: p.srk.Key12(), Private: p.srk.storeAsymkey()})
		if err != nil {
			return nil, fmt.Errorf("serializing SRK: %w", err)
		}
		blob.SRK = b
	}
	for i, c := range p.counters {
		blob.Counters[i] = storedCounter{Valid: c.valid, Label: c.label, Value: c.value, Auth: c.auth, Digest: c.digest}
	}
	return tpm12.Pack(blob)
}

// LoadPermanentState replaces the permanent data with a blob produced by
// StorePermanentState.
func (e *Engine) LoadPermanentState(b []byte) error {
	var blob permanentBlob
	if err := tpm12.Unpack(b, &blob); err != nil {
		return fmt.Errorf("decoding permanent data: %w", err)
	}
	if blob.Tag != tpm12.StructTagPermanentData {
		return fmt.Errorf("decoding permanent data: tag %#x", uint16(blob.Tag))
	}
	p := permanentData{
		tpmProof:    blob.TPMProof,
		ownerAuth:   blob.OwnerAuth,
		owned:       blob.Flags&permFlagOwned != 0,
		disabled:    blob.Flags&permFlagDisabled != 0,
		deactivated: blob.Flags&permFlagDeactivated != 0,
	}
	if len(blob.SRK) != 0 {
		var sk storedKey
		if err := tpm12.Unpack(blob.SRK, &sk); err != nil {
			return fmt.Errorf("decoding SRK: %w", err)
		}
		srk, err := keyFromParts(&sk.Public, &sk.Private)
		if err != nil {
			return fmt.Errorf("rebuilding SRK: %w", err)
		}
		p.srk = srk
	}
	for i, c := range blob.Counters {
		p.counters[i] = counter{label: c.Label, value: c.Value, auth: c.Auth, valid: c.Valid, digest: c.Digest}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perm = p
	e.permDirty = false
	return nil
}

// flushPermanentState hands the permanent data to the NV store, if any.
func (e *Engine) flushPermanentState() error {
	e.permDirty = false
	if e.nv == nil {
		return nil
	}
	b, err := e.storePermanentState()
	if err != nil {
		return err
	}
	if err := e.nv.Store(b); err != nil {
		return fmt.Errorf("storing permanent data: %w", err)
	}
	return nil
}
