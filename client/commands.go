package client

import (
	"fmt"
	"io"

	"github.com/google/go-tpm/tpmutil"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// Startup runs TPM_Startup.
func (t *TPM) Startup(typ tpm12.StartupType) error {
	_, err := t.execute(&command{ord: tpm12.OrdStartup, params: tpm12.MustPack(typ)})
	return err
}

// GetRandom returns up to n random bytes.
func (t *TPM) GetRandom(n uint32) ([]byte, error) {
	rsp, err := t.execute(&command{ord: tpm12.OrdGetRandom, params: tpm12.MustPack(n)})
	if err != nil {
		return nil, err
	}
	// randomBytes carries a 32-bit length.
	var b tpmutil.U32Bytes
	if _, err := tpmutil.Unpack(rsp.params, &b); err != nil {
		return nil, err
	}
	return []byte(b), nil
}

// GetTicks returns the TPM's tick counter.
func (t *TPM) GetTicks() (*tpm12.CurrentTicks, error) {
	rsp, err := t.execute(&command{ord: tpm12.OrdGetTicks})
	if err != nil {
		return nil, err
	}
	var ticks tpm12.CurrentTicks
	if err := tpm12.Unpack(rsp.params, &ticks); err != nil {
		return nil, err
	}
	return &ticks, nil
}

// OIAP starts an object-independent authorization session. secret is the
// authorization value of the entity the session will be used with, and can
// be changed with SetSecret between commands.
func (t *TPM) OIAP(secret tpm12.Secret) (*AuthSession, error) {
	c := &command{ord: tpm12.OrdOIAP, outHandles: 4 + tpm12.NonceSize}
	rsp, err := t.execute(c)
	if err != nil {
		return nil, err
	}
	s := &AuthSession{
		hmacSession: hmacSession{key: secret, cont: true, alive: true, rng: t.rng},
		protocol:    tpm12.PIDOIAP,
	}
	if _, err := tpmutil.Unpack(rsp.handles, &s.handle); err != nil {
		return nil, err
	}
	copy(s.nonceEven[:], rsp.handles[4:])
	return s, nil
}

// SetSecret changes the authorization value an OIAP session uses.
func (s *AuthSession) SetSecret(secret tpm12.Secret) error {
	if s.protocol != tpm12.PIDOIAP {
		return fmt.Errorf("an OSAP session is bound to its entity")
	}
	s.key = secret
	return nil
}

// OSAP starts an object-specific authorization session for the entity
// named by et and value, whose authorization value is secret.
func (t *TPM) OSAP(et tpm12.EntityType, value uint32, secret tpm12.Secret) (*AuthSession, error) {
	var oddOSAP tpm12.Nonce
	if _, err := io.ReadFull(t.rng, oddOSAP[:]); err != nil {
		return nil, fmt.Errorf("generating nonceOddOSAP: %w", err)
	}
	c := &command{
		ord:        tpm12.OrdOSAP,
		handles:    tpm12.MustPack(et, value, oddOSAP),
		outHandles: 4 + 2*tpm12.NonceSize,
	}
	rsp, err := t.execute(c)
	if err != nil {
		return nil, err
	}
	s := &AuthSession{
		hmacSession: hmacSession{cont: true, alive: true, rng: t.rng},
		protocol:    tpm12.PIDOSAP,
	}
	if _, err := tpmutil.Unpack(rsp.handles, &s.handle); err != nil {
		return nil, err
	}
	var evenOSAP tpm12.Nonce
	if err := tpm12.Unpack(rsp.handles[4:], &s.nonceEven, &evenOSAP); err != nil {
		return nil, err
	}
	s.key = tpm12.HMAC(secret, evenOSAP[:], oddOSAP[:]).Secret()
	return s, nil
}

// TerminateHandle ends an authorization session.
func (t *TPM) TerminateHandle(h tpmutil.Handle) error {
	handles, err := tpmutil.Pack(h)
	if err != nil {
		return err
	}
	_, err = t.execute(&command{ord: tpm12.OrdTerminateHandle, handles: handles})
	return err
}

// FlushSpecific evicts the resource of type rt at h.
func (t *TPM) FlushSpecific(h tpmutil.Handle, rt tpm12.ResourceType) error {
	handles, err := tpmutil.Pack(h)
	if err != nil {
		return err
	}
	c := &command{ord: tpm12.OrdFlushSpecific, handles: handles, params: tpm12.MustPack(rt)}
	if rt == tpm12.RTKey {
		c.keys = []tpmutil.Handle{h}
	}
	_, err = t.execute(c)
	return err
}

// CreateCounter creates a monotonic counter whose authorization value is
// auth. owner must be an OSAP session for the TPM owner; the TPM ends it.
func (t *TPM) CreateCounter(owner *AuthSession, auth tpm12.Secret, label [tpm12.CounterLabelSize]byte) (uint32, *tpm12.CounterValue, error) {
	encAuth, err := owner.EncAuth(auth)
	if err != nil {
		return 0, nil, err
	}
	rsp, err := t.execute(&command{ord: tpm12.OrdCreateCounter, params: tpm12.MustPack(encAuth, label)}, owner)
	if err != nil {
		return 0, nil, err
	}
	var (
		id uint32
		v  tpm12.CounterValue
	)
	if err := tpm12.Unpack(rsp.params, &id, &v); err != nil {
		return 0, nil, err
	}
	return id, &v, nil
}

func (t *TPM) counterValue(ord tpm12.Ordinal, id uint32, sess ...Session) (*tpm12.CounterValue, error) {
	rsp, err := t.execute(&command{ord: ord, params: tpm12.MustPack(id)}, sess...)
	if err != nil {
		return nil, err
	}
	var v tpm12.CounterValue
	if err := tpm12.Unpack(rsp.params, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// IncrementCounter increments counter id, authorized by s with the
// counter's authorization value.
func (t *TPM) IncrementCounter(id uint32, s Session) (*tpm12.CounterValue, error) {
	return t.counterValue(tpm12.OrdIncrementCounter, id, s)
}

// ReadCounter reads counter id. It needs no authorization.
func (t *TPM) ReadCounter(id uint32) (*tpm12.CounterValue, error) {
	return t.counterValue(tpm12.OrdReadCounter, id)
}

// ReleaseCounter releases counter id, authorized with its authorization
// value.
func (t *TPM) ReleaseCounter(id uint32, s Session) error {
	_, err := t.execute(&command{ord: tpm12.OrdReleaseCounter, params: tpm12.MustPack(id)}, s)
	return err
}

// ReleaseCounterOwner releases counter id, authorized by the TPM owner.
func (t *TPM) ReleaseCounterOwner(id uint32, owner Session) error {
	_, err := t.execute(&command{ord: tpm12.OrdReleaseCounterOwner, params: tpm12.MustPack(id)}, owner)
	return err
}
