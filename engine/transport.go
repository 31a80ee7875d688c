package engine

import (
	"encoding/binary"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// wrapOverhead is what ExecuteTransport adds around a wrapped response.
const wrapOverhead = tpm12.HeaderSize + 8 + 4 + 4 + tpm12.AuthResponseSize

type transportSession struct {
	handle    tpm12.Handle
	public    tpm12.TransportPublic
	authData  tpm12.Secret
	nonceEven tpm12.Nonce
	// digest is the running transport log digest.
	digest tpm12.Digest
}

func (s *transportSession) has(attr tpm12.TransportAttributes) bool {
	return s.public.TransAttributes&attr != 0
}

// extend folds a log structure into the transport digest.
func (s *transportSession) extend(v interface{}) error {
	b, err := tpm12.Pack(v)
	if err != nil {
		return err
	}
	s.digest = tpm12.SHA1(s.digest[:], b)
	return nil
}

type transportTable struct {
	sessions [tpm12.MinTransSessions]*transportSession
}

func (t *transportTable) get(h tpm12.Handle) (*transportSession, error) {
	for _, s := range t.sessions {
		if s != nil && s.handle == h {
			return s, nil
		}
	}
	return nil, tpm12.Errorf(tpm12.RCInvalidAuthHandle, "no transport session %#x", uint32(h))
}

func (t *transportTable) inUse(h tpm12.Handle) bool {
	_, err := t.get(h)
	return err == nil
}

func (t *transportTable) remove(h tpm12.Handle) bool {
	for i, s := range t.sessions {
		if s != nil && s.handle == h {
			s.authData.Zero()
			t.sessions[i] = nil
			return true
		}
	}
	return false
}

func (t *transportTable) clear() {
	for _, s := range t.sessions {
		if s != nil {
			t.remove(s.handle)
		}
	}
}

// terminateTransport ends a transport session, dropping its exclusivity.
func (e *Engine) terminateTransport(h tpm12.Handle) bool {
	if h == e.exclusive {
		e.exclusive = 0
	}
	if !e.trans.remove(h) {
		return false
	}
	e.log.WithField("handle", uint32(h)).Debug("transport session terminated")
	return true
}

// terminateExclusive ends the exclusive transport session, if any.
func (e *Engine) terminateExclusive() {
	if e.exclusive != 0 {
		e.terminateTransport(e.exclusive)
	}
}

// checkTransportCipher validates the algorithm of an encrypting session.
func checkTransportCipher(pub *tpm12.TransportPublic) error {
	switch pub.AlgID {
	case tpm12.AlgMGF1:
		if pub.EncScheme != tpm12.ESNone {
			return tpm12.Errorf(tpm12.RCInappropriateEnc, "MGF1 with encryption scheme %#x", pub.EncScheme)
		}
	case tpm12.AlgAES128:
		if pub.EncScheme != tpm12.ESSymCTR && pub.EncScheme != tpm12.ESSymOFB {
			return tpm12.Errorf(tpm12.RCInappropriateEnc, "AES128 with encryption scheme %#x", pub.EncScheme)
		}
	default:
		return tpm12.Errorf(tpm12.RCBadKeyProperty, "transport algorithm %#x", uint32(pub.AlgID))
	}
	return nil
}

// 24.1
func (e *Engine) establishTransport(req *request) (*reply, error) {
	var (
		encHandle tpm12.Handle
		pub       tpm12.TransportPublic
	)
	if err := tpm12.Unmarshal(req.handles, &encHandle); err != nil {
		return nil, err
	}
	if err := tpm12.Unmarshal(req.params, &pub); err != nil {
		return nil, err
	}
	secret, err := req.params.Sized()
	if err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	if pub.Tag != tpm12.StructTagTransportPublic {
		return nil, tpm12.Errorf(tpm12.RCInvalidStructure, "TRANSPORT_PUBLIC tag %#x", uint16(pub.Tag))
	}
	encrypt := pub.TransAttributes&tpm12.TransportEncrypt != 0

	var authData tpm12.Secret
	if encHandle == tpm12.KHTransport {
		if req.tag != tpm12.TagRquCommand {
			return nil, tpm12.Errorf(tpm12.RCBadTag, "KH_TRANSPORT takes no authorization")
		}
		if encrypt {
			return nil, tpm12.Errorf(tpm12.RCBadScheme, "an unencrypted secret cannot key an encrypting session")
		}
		if len(secret) != tpm12.AuthDataSize {
			return nil, tpm12.Errorf(tpm12.RCBadParamSize, "secret of %d bytes", len(secret))
		}
		copy(authData[:], secret)
	} else {
		k, err := e.key(encHandle)
		if err != nil {
			return nil, err
		}
		if k.Usage != tpm12.KeyStorage && k.Usage != tpm12.KeyLegacy {
			return nil, tpm12.Errorf(tpm12.RCInvalidKeyUsage, "key usage %#x", k.Usage)
		}
		if req.tag == tpm12.TagRquAuth1Command {
			if _, err := e.authorize(req, 0, tpm12.PIDNone, keyEntity(k)); err != nil {
				return nil, err
			}
		} else if k.AuthDataUsage != tpm12.AuthNever {
			return nil, tpm12.Errorf(tpm12.RCAuthFail, "key requires authorization")
		}
		plain, err := k.decrypt(secret)
		if err != nil {
			return nil, err
		}
		var ta tpm12.TransportAuth
		if err := tpm12.Unpack(plain, &ta); err != nil {
			return nil, err
		}
		if ta.Tag != tpm12.StructTagTransportAuth {
			return nil, tpm12.Errorf(tpm12.RCInvalidStructure, "TRANSPORT_AUTH tag %#x", uint16(ta.Tag))
		}
		authData = ta.AuthData
	}
	if encrypt {
		if err := checkTransportCipher(&pub); err != nil {
			return nil, err
		}
	}

	slot := -1
	for i, s := range e.trans.sessions {
		if s == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, tpm12.Errorf(tpm12.RCResources, "all %d transport sessions in use", len(e.trans.sessions))
	}
	h, err := e.newHandle(func(h tpm12.Handle) bool {
		return e.auth.inUse(h) || e.trans.inUse(h)
	})
	if err != nil {
		return nil, err
	}
	even, err := e.newNonce()
	if err != nil {
		return nil, err
	}
	s := &transportSession{handle: h, public: pub, authData: authData, nonceEven: even}

	ticks := e.currentTicks()
	locality := uint32(req.locality)
	params := tpm12.MustPack(locality, ticks, even)
	if s.has(tpm12.TransportLog) {
		if err := s.extend(tpm12.TransportLogIn{Tag: tpm12.StructTagTransportLogIn, Parameters: req.inDigest}); err != nil {
			return nil, err
		}
		l2 := tpm12.SHA1(tpm12.MustPack(tpm12.RCSuccess, req.ordinal), params)
		if err := s.extend(tpm12.TransportLogOut{
			Tag:          tpm12.StructTagTransportLogOut,
			CurrentTicks: ticks,
			Parameters:   l2,
			Locality:     locality,
		}); err != nil {
			return nil, err
		}
	}
	e.trans.sessions[slot] = s
	if s.has(tpm12.TransportExclusive) {
		e.terminateExclusive()
		e.exclusive = h
	}
	e.log.WithField("handle", uint32(h)).Debug("transport session established")
	return &reply{handles: tpm12.MustPack(h), params: params}, nil
}

// wrappedCommand locates the parts of a command carried by
// ExecuteTransport.
type wrappedCommand struct {
	ordinal tpm12.Ordinal
	entry   *ordinalEntry
	// dataStart and dataEnd delimit the parameters, which are what a
	// transport session encrypts.
	dataStart, dataEnd int
}

func (e *Engine) parseWrapped(cmd []byte) (*wrappedCommand, error) {
	hdr, err := tpm12.ReadHeader(tpm12.NewReader(cmd))
	if err != nil {
		return nil, err
	}
	w := &wrappedCommand{ordinal: tpm12.Ordinal(hdr.Code)}
	var ok bool
	if w.entry, ok = e.ordinals[w.ordinal]; !ok {
		return nil, tpm12.Errorf(tpm12.RCBadOrdinal, "wrapped ordinal %#x", hdr.Code)
	}
	n := hdr.Tag.Auths()
	if n < 0 {
		return nil, tpm12.Errorf(tpm12.RCBadTag, "wrapped tag %#x", uint16(hdr.Tag))
	}
	w.dataStart = tpm12.HeaderSize + w.entry.inHandleSize
	w.dataEnd = len(cmd) - n*tpm12.AuthCommandSize
	if w.dataEnd < w.dataStart {
		return nil, tpm12.Errorf(tpm12.RCBadParamSize, "wrapped command of %d bytes", len(cmd))
	}
	return w, nil
}

// pubKeyHash digests the keys a wrapped command names, for the transport log.
func (e *Engine) pubKeyHash(w *wrappedCommand, cmd []byte) (tpm12.Digest, error) {
	n := w.entry.keyHandles
	if n == keyHandlesPotential {
		n = 0
		// FlushSpecific names a key only when its resource type says so.
		if w.dataEnd-w.dataStart >= 4 && tpm12.ResourceType(binary.BigEndian.Uint32(cmd[w.dataStart:])) == tpm12.RTKey {
			n = 1
		}
	}
	if n == 0 {
		return tpm12.Digest{}, nil
	}
	var parts [][]byte
	for i := 0; i < n; i++ {
		h := tpm12.Handle(binary.BigEndian.Uint32(cmd[tpm12.HeaderSize+4*i:]))
		k, err := e.key(h)
		if err != nil {
			return tpm12.Digest{}, err
		}
		d := k.storePubKeyDigest()
		parts = append(parts, d[:])
	}
	return tpm12.SHA1(parts...), nil
}

// 24.2
func (e *Engine) executeTransport(req *request) (*reply, error) {
	wrapped, err := req.params.Sized()
	if err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	a := req.auths[0]
	if e.exclusive != 0 && e.exclusive != a.AuthHandle {
		e.terminateExclusive()
	}
	s, err := e.trans.get(a.AuthHandle)
	if err != nil {
		return nil, err
	}
	w, err := e.parseWrapped(wrapped)
	if err != nil {
		return nil, err
	}
	// Copies: the wrapped command may terminate the session.
	pub, authData := s.public, s.authData

	cmd := append([]byte(nil), wrapped...)
	encrypt := s.has(tpm12.TransportEncrypt)
	if encrypt && w.dataEnd > w.dataStart {
		plain, err := tpm12.TransportCrypt(&pub, authData, s.nonceEven, a.NonceOdd, "in", cmd[w.dataStart:w.dataEnd])
		if err != nil {
			return nil, err
		}
		copy(cmd[w.dataStart:], plain)
	}
	h1 := tpm12.SHA1(tpm12.MustPack(w.ordinal), cmd[w.dataStart:w.dataEnd])
	req.inDigest = tpm12.SHA1(tpm12.MustPack(req.ordinal, uint32(len(wrapped))), h1[:])
	if !tpm12.CheckHMAC(a.Auth, authData, req.inDigest[:], s.nonceEven[:], a.NonceOdd[:], boolByte(a.ContinueSession)) {
		return nil, authFailure(0)
	}
	a.bind(authData, &s.nonceEven)
	if !w.entry.wrappable {
		return nil, tpm12.Errorf(tpm12.RCNoWrapTransport, "%v cannot be wrapped", w.ordinal)
	}
	if s.has(tpm12.TransportLog) {
		keys, err := e.pubKeyHash(w, cmd)
		if err != nil {
			return nil, err
		}
		if err := s.extend(tpm12.TransportLogIn{Tag: tpm12.StructTagTransportLogIn, Parameters: h1, PubKeyHash: keys}); err != nil {
			return nil, err
		}
	}

	rsp, err := e.dispatch(cmd, req.locality, true)
	if err != nil {
		return nil, err
	}
	if len(rsp)+wrapOverhead > tpm12.MaxBufferSize {
		return nil, tpm12.Errorf(tpm12.RCSize, "wrapped response of %d bytes", len(rsp))
	}

	ticks := e.currentTicks()
	locality := uint32(req.locality)
	rr := tpm12.NewReader(rsp)
	rhdr, err := tpm12.ReadHeader(rr)
	if err != nil {
		return nil, tpm12.Fatalf("wrapped response: %v", err)
	}
	s2Start, s2End := tpm12.HeaderSize, tpm12.HeaderSize
	if tpm12.TPMRC(rhdr.Code) == tpm12.RCSuccess {
		s2Start += w.entry.outHandleSize
		s2End = len(rsp) - rspAuths(rhdr.Tag)*tpm12.AuthResponseSize
		if s2End < s2Start {
			return nil, tpm12.Fatalf("wrapped response of %d bytes is shorter than its handles and trailers", len(rsp))
		}
	}
	h2 := tpm12.SHA1(tpm12.MustPack(rhdr.Code, w.ordinal), rsp[s2Start:s2End])
	next, err := e.newNonce()
	if err != nil {
		return nil, err
	}
	outDigest := tpm12.SHA1(tpm12.MustPack(tpm12.RCSuccess, req.ordinal, ticks.CurrentTicks, locality, uint32(len(rsp))), h2[:])
	if s.has(tpm12.TransportLog) {
		if err := s.extend(tpm12.TransportLogOut{
			Tag:          tpm12.StructTagTransportLogOut,
			CurrentTicks: ticks,
			Parameters:   h2,
			Locality:     locality,
		}); err != nil {
			return nil, err
		}
	}
	if encrypt && s2End > s2Start {
		enc, err := tpm12.TransportCrypt(&pub, authData, next, a.NonceOdd, "out", rsp[s2Start:s2End])
		if err != nil {
			return nil, err
		}
		copy(rsp[s2Start:], enc)
	}
	if !e.trans.inUse(a.AuthHandle) {
		a.forceStop = true
	}
	a.next, a.haveNext = next, true

	out := tpm12.NewWriter(tpm12.MaxBufferSize)
	out.U64(ticks.CurrentTicks)
	out.U32(locality)
	out.Sized(rsp)
	params, err := out.Bytes()
	if err != nil {
		return nil, err
	}
	return &reply{params: params, outDigest: &outDigest}, nil
}

func rspAuths(t tpm12.Tag) int {
	switch t {
	case tpm12.TagRspAuth1Command:
		return 1
	case tpm12.TagRspAuth2Command:
		return 2
	}
	return 0
}

// 24.3
func (e *Engine) releaseTransportSigned(req *request) (*reply, error) {
	var (
		keyHandle  tpm12.Handle
		antiReplay tpm12.Nonce
	)
	if err := tpm12.Unmarshal(req.handles, &keyHandle); err != nil {
		return nil, err
	}
	if err := tpm12.Unmarshal(req.params, &antiReplay); err != nil {
		return nil, err
	}
	if err := req.done(); err != nil {
		return nil, err
	}
	ti := len(req.auths) - 1
	ta := req.auths[ti]
	if e.exclusive != 0 && e.exclusive != ta.AuthHandle {
		e.terminateExclusive()
	}
	s, err := e.trans.get(ta.AuthHandle)
	if err != nil {
		return nil, err
	}
	k, err := e.key(keyHandle)
	if err != nil {
		return nil, err
	}
	if k.SigScheme != tpm12.SSRSASSAPKCS1SHA1 && k.SigScheme != tpm12.SSRSASSAPKCS1INFO {
		return nil, tpm12.Errorf(tpm12.RCInappropriateSig, "signature scheme %#x", k.SigScheme)
	}
	if req.tag != tpm12.TagRquAuth2Command && k.AuthDataUsage != tpm12.AuthNever {
		return nil, tpm12.Errorf(tpm12.RCAuthFail, "key requires authorization")
	}
	if k.Usage != tpm12.KeySigning {
		return nil, tpm12.Errorf(tpm12.RCInvalidKeyUsage, "key usage %#x", k.Usage)
	}
	if req.tag == tpm12.TagRquAuth2Command {
		if _, err := e.authorize(req, 0, tpm12.PIDNone, keyEntity(k)); err != nil {
			return nil, err
		}
	}
	if !tpm12.CheckHMAC(ta.Auth, s.authData, req.inDigest[:], s.nonceEven[:], ta.NonceOdd[:], boolByte(ta.ContinueSession)) {
		return nil, tpm12.Errorf(tpm12.RCAuth2Fail, "transport authorization HMAC mismatch")
	}
	ta.bind(s.authData, &s.nonceEven)
	if !s.has(tpm12.TransportLog) {
		return nil, tpm12.Errorf(tpm12.RCBadMode, "transport session does not log")
	}
	ticks := e.currentTicks()
	locality := uint32(req.locality)
	if err := s.extend(tpm12.TransportLogOut{
		Tag:          tpm12.StructTagTransportLogOut,
		CurrentTicks: ticks,
		Parameters:   req.inDigest,
		Locality:     locality,
	}); err != nil {
		return nil, err
	}
	info := tpm12.SignInfo{
		Tag:    tpm12.StructTagSignInfo,
		Fixed:  [4]byte{'T', 'R', 'A', 'N'},
		Replay: antiReplay,
		Data:   s.digest[:],
	}
	d, err := tpm12.DigestOf(info)
	if err != nil {
		return nil, err
	}
	sig, err := tpm12.SignSHA1(e.rng, k.Private, d)
	if err != nil {
		return nil, err
	}
	ta.forceStop = true

	w := tpm12.NewWriter(tpm12.MaxBufferSize)
	w.U32(locality)
	tpm12.Marshal(w, ticks)
	w.Sized(sig)
	params, err := w.Bytes()
	if err != nil {
		return nil, err
	}
	return &reply{params: params}, nil
}
