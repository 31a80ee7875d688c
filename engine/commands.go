package engine

import (
	"github.com/chrisfenner/tpm12direct/tpm12"
)

// maxRandomBytes bounds a single TPM_GetRandom response.
const maxRandomBytes = 2048

// 3.1
func (e *Engine) startup(req *request) (*reply, error) {
	var typ tpm12.StartupType
	if err := tpm12.Unmarshal(req.params, &typ); err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	if !e.postInit {
		return nil, tpm12.Errorf(tpm12.RCInvalidPostInit, "TPM_Startup already ran")
	}
	switch typ {
	case tpm12.STClear, tpm12.STDeactivated:
		e.auth.clear()
		e.trans.clear()
		e.exclusive = 0
		e.activeCounter = tpm12.CountIDNull
		e.stclearDeactivated = typ == tpm12.STDeactivated
		if err := e.resetTicks(); err != nil {
			return nil, err
		}
	case tpm12.STState:
		// Volatile state lives as long as the Engine; there is nothing to
		// restore.
	default:
		return nil, tpm12.Errorf(tpm12.RCBadParameter, "startup type %#x", uint16(typ))
	}
	e.postInit = false
	e.log.WithField("type", uint16(typ)).Info("started")
	return &reply{}, nil
}

// 13.6
func (e *Engine) getRandom(req *request) (*reply, error) {
	n, err := req.params.U32()
	if err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	if n > maxRandomBytes {
		n = maxRandomBytes
	}
	b, err := e.random(int(n))
	if err != nil {
		return nil, err
	}
	w := tpm12.NewWriter(tpm12.MaxBufferSize)
	w.Sized(b)
	params, err := w.Bytes()
	if err != nil {
		return nil, err
	}
	return &reply{params: params}, nil
}

// 23.2
func (e *Engine) getTicks(req *request) (*reply, error) {
	if err := req.done(); err != nil {
		return nil, err
	}
	return &reply{params: tpm12.MustPack(e.currentTicks())}, nil
}

// keyEvicter is implemented by key stores that support TPM_FlushSpecific of
// keys.
type keyEvicter interface {
	Remove(h tpm12.Handle)
}

// 22.3
func (e *Engine) flushSpecific(req *request) (*reply, error) {
	var (
		h   tpm12.Handle
		typ tpm12.ResourceType
	)
	if err := tpm12.Unmarshal(req.handles, &h); err != nil {
		return nil, err
	}
	if err := tpm12.Unmarshal(req.params, &typ); err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	switch typ {
	case tpm12.RTAuth:
		if !e.auth.terminate(h) {
			return nil, tpm12.Errorf(tpm12.RCInvalidAuthHandle, "no authorization session %#x", uint32(h))
		}
	case tpm12.RTTrans:
		if !e.terminateTransport(h) {
			return nil, tpm12.Errorf(tpm12.RCInvalidAuthHandle, "no transport session %#x", uint32(h))
		}
	case tpm12.RTKey:
		ev, ok := e.keys.(keyEvicter)
		if !ok || h == tpm12.KHSRK {
			return nil, tpm12.Errorf(tpm12.RCInvalidKeyHandle, "key %#x cannot be flushed", uint32(h))
		}
		k, err := e.key(h)
		if err != nil {
			return nil, err
		}
		e.terminateEntity(tpm12.ETKeyHandle, k.PubDataDigest(), req)
		ev.Remove(h)
	default:
		return nil, tpm12.Errorf(tpm12.RCInvalidResource, "resource type %#x", uint32(typ))
	}
	return &reply{}, nil
}

// 25.1
func (e *Engine) createCounterCmd(req *request) (*reply, error) {
	var (
		encAuth tpm12.Digest
		label   [tpm12.CounterLabelSize]byte
	)
	if err := tpm12.Unmarshal(req.params, &encAuth, &label); err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	s, err := e.authorize(req, 0, tpm12.PIDOSAP, e.ownerEntity())
	if err != nil {
		return nil, err
	}
	auth, err := e.decryptAuth(req, 0, s, encAuth)
	if err != nil {
		return nil, err
	}
	id, c, err := e.createCounter(label, auth)
	if err != nil {
		return nil, err
	}
	return &reply{params: tpm12.MustPack(id, c.value12())}, nil
}

func counterEntity(c *counter) entity {
	return entity{typ: tpm12.ETCounter, auth: c.auth, digest: c.digest}
}

// 25.2
func (e *Engine) incrementCounterCmd(req *request) (*reply, error) {
	id, err := req.params.U32()
	if err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	c, err := e.perm.counters.get(id)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(req, 0, tpm12.PIDNone, counterEntity(c)); err != nil {
		return nil, err
	}
	if c, err = e.incrementCounter(id); err != nil {
		return nil, err
	}
	return &reply{params: tpm12.MustPack(c.value12())}, nil
}

// 25.3
func (e *Engine) readCounterCmd(req *request) (*reply, error) {
	id, err := req.params.U32()
	if err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	c, err := e.perm.counters.get(id)
	if err != nil {
		return nil, err
	}
	return &reply{params: tpm12.MustPack(c.value12())}, nil
}

// 25.4
func (e *Engine) releaseCounterCmd(req *request) (*reply, error) {
	id, err := req.params.U32()
	if err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	c, err := e.perm.counters.get(id)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(req, 0, tpm12.PIDNone, counterEntity(c)); err != nil {
		return nil, err
	}
	return &reply{}, e.releaseCounter(id, req)
}

// 25.5
func (e *Engine) releaseCounterOwnerCmd(req *request) (*reply, error) {
	id, err := req.params.U32()
	if err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	if _, err := e.authorize(req, 0, tpm12.PIDNone, e.ownerEntity()); err != nil {
		return nil, err
	}
	return &reply{}, e.releaseCounter(id, req)
}
