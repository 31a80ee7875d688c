package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// authSession is an OIAP or OSAP session.
type authSession struct {
	handle    tpm12.Handle
	protocol  tpm12.ProtocolID
	nonceEven tpm12.Nonce

	// OSAP only
	entityType   tpm12.EntityType
	entityDigest tpm12.Digest
	sharedSecret tpm12.Secret
	adipScheme   uint8
}

type authTable struct {
	sessions [tpm12.MinAuthSessions]*authSession
}

func (t *authTable) get(h tpm12.Handle) (*authSession, error) {
	for _, s := range t.sessions {
		if s != nil && s.handle == h {
			return s, nil
		}
	}
	return nil, tpm12.Errorf(tpm12.RCInvalidAuthHandle, "no authorization session %#x", uint32(h))
}

func (t *authTable) inUse(h tpm12.Handle) bool {
	_, err := t.get(h)
	return err == nil
}

func (t *authTable) free() (int, error) {
	for i, s := range t.sessions {
		if s == nil {
			return i, nil
		}
	}
	return 0, tpm12.Errorf(tpm12.RCResources, "all %d authorization sessions in use", len(t.sessions))
}

// terminate removes the session and zeroes its secrets. It reports whether
// the session existed.
func (t *authTable) terminate(h tpm12.Handle) bool {
	for i, s := range t.sessions {
		if s != nil && s.handle == h {
			s.sharedSecret.Zero()
			t.sessions[i] = nil
			return true
		}
	}
	return false
}

func (t *authTable) clear() {
	for _, s := range t.sessions {
		if s != nil {
			t.terminate(s.handle)
		}
	}
}

// newAuthSession allocates a slot, a handle and the first even nonce.
func (e *Engine) newAuthSession(protocol tpm12.ProtocolID) (*authSession, int, error) {
	slot, err := e.auth.free()
	if err != nil {
		return nil, 0, err
	}
	h, err := e.newHandle(func(h tpm12.Handle) bool {
		return e.auth.inUse(h) || e.trans.inUse(h)
	})
	if err != nil {
		return nil, 0, err
	}
	even, err := e.newNonce()
	if err != nil {
		return nil, 0, err
	}
	return &authSession{handle: h, protocol: protocol, nonceEven: even}, slot, nil
}

// terminateEntity ends every OSAP session bound to the given entity. A
// session carried by the current command is marked to stop once the
// response is built, so that the response can still be authorized.
func (e *Engine) terminateEntity(typ tpm12.EntityType, digest tpm12.Digest, current *request) {
	for _, s := range e.auth.sessions {
		if s == nil || s.protocol != tpm12.PIDOSAP {
			continue
		}
		if s.entityType.Entity() != typ || !s.entityDigest.Equal(digest) {
			continue
		}
		if current != nil && current.stopSession(s.handle) {
			continue
		}
		e.auth.terminate(s.handle)
		e.log.WithField("handle", uint32(s.handle)).Debug("session terminated with its entity")
	}
}

// entity is what an authorization trailer proves knowledge of.
type entity struct {
	typ tpm12.EntityType
	// auth keys OIAP sessions
	auth tpm12.Secret
	// digest must match the entity an OSAP session was opened for
	digest tpm12.Digest
}

func (e *Engine) ownerEntity() entity {
	return entity{typ: tpm12.ETOwner, auth: e.perm.ownerAuth, digest: tpm12.Digest(e.perm.ownerAuth)}
}

func keyEntity(k *Key) entity {
	return entity{typ: tpm12.ETKeyHandle, auth: k.UsageAuth, digest: k.PubDataDigest()}
}

// authorize checks authorization trailer i of req against ent using a
// session of protocol pid, or of either protocol when pid is PIDNone.
func (e *Engine) authorize(req *request, i int, pid tpm12.ProtocolID, ent entity) (*authSession, error) {
	a := req.auths[i]
	s, err := e.auth.get(a.AuthHandle)
	if err != nil {
		return nil, err
	}
	if pid != tpm12.PIDNone && s.protocol != pid {
		return nil, tpm12.Errorf(tpm12.RCBadMode, "session %#x is not of protocol %d", uint32(s.handle), pid)
	}
	if ent.typ == tpm12.ETOwner && !e.perm.owned {
		return nil, tpm12.Errorf(tpm12.RCAuthFail, "no owner installed")
	}
	var key tpm12.Secret
	switch s.protocol {
	case tpm12.PIDOIAP:
		key = ent.auth
	case tpm12.PIDOSAP:
		if !s.entityDigest.Equal(ent.digest) {
			return nil, tpm12.Errorf(tpm12.RCAuthFail, "OSAP session %#x is bound to another entity", uint32(s.handle))
		}
		key = s.sharedSecret
	default:
		return nil, tpm12.Fatalf("session %#x has protocol %d", uint32(s.handle), s.protocol)
	}
	if !tpm12.CheckHMAC(a.Auth, key, req.inDigest[:], s.nonceEven[:], a.NonceOdd[:], boolByte(a.ContinueSession)) {
		return nil, authFailure(i)
	}
	a.bind(key, &s.nonceEven)
	return s, nil
}

func authFailure(i int) error {
	if i == 0 {
		return tpm12.Errorf(tpm12.RCAuthFail, "authorization HMAC mismatch")
	}
	return tpm12.Errorf(tpm12.RCAuth2Fail, "second authorization HMAC mismatch")
}

// decryptAuth recovers an ADIP-encrypted authorization value carried under
// an OSAP session. The session may not be used again.
func (e *Engine) decryptAuth(req *request, i int, s *authSession, encAuth tpm12.Digest) (tpm12.Secret, error) {
	if s.protocol != tpm12.PIDOSAP {
		return tpm12.Secret{}, tpm12.Errorf(tpm12.RCBadMode, "encrypted authorization needs an OSAP session")
	}
	if s.adipScheme != tpm12.ETXOR {
		return tpm12.Secret{}, tpm12.Errorf(tpm12.RCInappropriateEnc, "ADIP scheme %#x", s.adipScheme)
	}
	pad := tpm12.SHA1(s.sharedSecret[:], s.nonceEven[:])
	var out tpm12.Secret
	copy(out[:], tpm12.XOR(encAuth[:], pad[:]))
	req.auths[i].forceStop = true
	return out, nil
}

func boolByte(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

// 18.1
func (e *Engine) oiap(req *request) (*reply, error) {
	if err := req.done(); err != nil {
		return nil, err
	}
	s, slot, err := e.newAuthSession(tpm12.PIDOIAP)
	if err != nil {
		return nil, err
	}
	e.auth.sessions[slot] = s
	e.log.WithField("handle", uint32(s.handle)).Debug("OIAP session started")
	return &reply{
		handles: tpm12.MustPack(s.handle),
		params:  tpm12.MustPack(s.nonceEven),
	}, nil
}

// 18.2
func (e *Engine) osap(req *request) (*reply, error) {
	var (
		entityType  tpm12.EntityType
		entityValue uint32
		nonceOdd    tpm12.Nonce
	)
	if err := tpm12.Unmarshal(req.handles, &entityType, &entityValue, &nonceOdd); err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	if entityType.ADIPScheme() != tpm12.ETXOR {
		return nil, tpm12.Errorf(tpm12.RCInappropriateEnc, "ADIP scheme %#x", entityType.ADIPScheme())
	}
	var (
		digest tpm12.Digest
		secret tpm12.Secret
	)
	switch entityType.Entity() {
	case tpm12.ETKeyHandle:
		if tpm12.Handle(entityValue) == tpm12.KHOperator {
			return nil, tpm12.Errorf(tpm12.RCBadHandle, "KH_OPERATOR is not a key")
		}
		k, err := e.key(tpm12.Handle(entityValue))
		if err != nil {
			return nil, err
		}
		digest, secret = k.PubDataDigest(), k.UsageAuth
	case tpm12.ETOwner:
		if !e.perm.owned {
			return nil, tpm12.Errorf(tpm12.RCBadParameter, "no owner installed")
		}
		digest, secret = tpm12.Digest(e.perm.ownerAuth), e.perm.ownerAuth
	case tpm12.ETSRK:
		srk, err := e.key(tpm12.KHSRK)
		if err != nil {
			return nil, err
		}
		digest, secret = srk.PubDataDigest(), srk.UsageAuth
	case tpm12.ETCounter:
		c, err := e.perm.counters.get(entityValue)
		if err != nil {
			return nil, err
		}
		digest, secret = c.digest, c.auth
	default:
		return nil, tpm12.Errorf(tpm12.RCBadParameter, "entity type %#x", uint16(entityType))
	}
	s, slot, err := e.newAuthSession(tpm12.PIDOSAP)
	if err != nil {
		return nil, err
	}
	evenOSAP, err := e.newNonce()
	if err != nil {
		return nil, err
	}
	s.entityType = entityType
	s.entityDigest = digest
	s.adipScheme = entityType.ADIPScheme()
	s.sharedSecret = tpm12.HMAC(secret, evenOSAP[:], nonceOdd[:]).Secret()
	e.auth.sessions[slot] = s
	e.log.WithFields(logrus.Fields{
		"handle": uint32(s.handle),
		"entity": uint16(entityType),
	}).Debug("OSAP session started")
	return &reply{
		handles: tpm12.MustPack(s.handle),
		params:  tpm12.MustPack(s.nonceEven, evenOSAP),
	}, nil
}

// 18.3
func (e *Engine) terminateHandle(req *request) (*reply, error) {
	h, err := req.handles.U32()
	if err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	if !e.auth.terminate(tpm12.Handle(h)) {
		return nil, tpm12.Errorf(tpm12.RCInvalidAuthHandle, "no authorization session %#x", h)
	}
	return &reply{}, nil
}
