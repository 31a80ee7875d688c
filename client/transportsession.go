package client

import (
	"crypto/rsa"
	"fmt"

	"github.com/google/go-tpm/tpmutil"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// TransportSession is the host side of a transport session. Besides the
// rolling nonces it keeps the session's cipher and a copy of the transport
// log digest, extended exactly as the TPM extends its own.
type TransportSession struct {
	hmacSession
	public    tpm12.TransportPublic
	tickRate  uint16
	tickNonce tpm12.Nonce
	digest    tpm12.Digest
	keys      map[tpmutil.Handle]tpm12.Digest
}

func (s *TransportSession) has(attr tpm12.TransportAttributes) bool {
	return s.public.TransAttributes&attr != 0
}

// LogDigest returns the host's copy of the transport log digest.
func (s *TransportSession) LogDigest() tpm12.Digest { return s.digest }

// AddKey records the public key loaded at h. A logging session needs the
// key of every key handle that a wrapped command names.
func (s *TransportSession) AddKey(h tpmutil.Handle, pub *rsa.PublicKey) {
	s.keys[h] = tpm12.SHA1(tpm12.MustPack(tpm12.StorePubKey{Key: pub.N.Bytes()}))
}

func (s *TransportSession) extend(v interface{}) error {
	b, err := tpm12.Pack(v)
	if err != nil {
		return err
	}
	s.digest = tpm12.SHA1(s.digest[:], b)
	return nil
}

func (s *TransportSession) pubKeyHash(keys []tpmutil.Handle) (tpm12.Digest, error) {
	if len(keys) == 0 {
		return tpm12.Digest{}, nil
	}
	var parts [][]byte
	for _, h := range keys {
		d, ok := s.keys[h]
		if !ok {
			return tpm12.Digest{}, fmt.Errorf("transport log needs the public key loaded at %#x", uint32(h))
		}
		parts = append(parts, d[:])
	}
	return tpm12.SHA1(parts...), nil
}

// VerifyRelease checks the signature returned by ReleaseTransportSigned
// against the host's copy of the log.
func (s *TransportSession) VerifyRelease(pub *rsa.PublicKey, antiReplay tpm12.Nonce, sig []byte) error {
	d, err := tpm12.DigestOf(tpm12.SignInfo{
		Tag:    tpm12.StructTagSignInfo,
		Fixed:  [4]byte{'T', 'R', 'A', 'N'},
		Replay: antiReplay,
		Data:   s.digest[:],
	})
	if err != nil {
		return err
	}
	return tpm12.VerifySHA1(pub, d, sig)
}

// Wrap returns a TPM whose commands run inside TPM_ExecuteTransport on ts.
// The returned TPM shares t's connection.
func (t *TPM) Wrap(ts *TransportSession) *TPM {
	return &TPM{rng: t.rng, outer: t, via: ts}
}

// EstablishTransport starts a transport session. When encKey is
// KH_TRANSPORT authData travels in the clear and keyPub and keyAuth must be
// nil. Otherwise authData is encrypted to keyPub, the public key loaded at
// encKey, and keyAuth authorizes its use if the key requires it.
func (t *TPM) EstablishTransport(encKey tpmutil.Handle, keyPub *rsa.PublicKey, keyAuth Session, pub tpm12.TransportPublic, authData tpm12.Secret) (*TransportSession, error) {
	secret := authData[:]
	if encKey != tpmutil.Handle(tpm12.KHTransport) {
		if keyPub == nil {
			return nil, fmt.Errorf("EstablishTransport with key %#x needs its public key", uint32(encKey))
		}
		b, err := tpm12.Pack(tpm12.TransportAuth{Tag: tpm12.StructTagTransportAuth, AuthData: authData})
		if err != nil {
			return nil, err
		}
		if secret, err = tpm12.EncryptOAEP(t.rng, keyPub, b); err != nil {
			return nil, err
		}
	}
	pub.Tag = tpm12.StructTagTransportPublic
	handles, err := tpmutil.Pack(encKey)
	if err != nil {
		return nil, err
	}
	pubBytes, err := tpm12.Pack(pub)
	if err != nil {
		return nil, err
	}
	params, err := tpmutil.Pack(tpmutil.RawBytes(pubBytes), tpmutil.U32Bytes(secret))
	if err != nil {
		return nil, err
	}
	c := &command{ord: tpm12.OrdEstablishTransport, handles: handles, params: params, outHandles: 4}
	rsp, err := t.execute(c, sessions(keyAuth)...)
	if err != nil {
		return nil, err
	}

	ts := &TransportSession{
		hmacSession: hmacSession{key: authData, cont: true, alive: true, rng: t.rng},
		public:      pub,
		keys:        make(map[tpmutil.Handle]tpm12.Digest),
	}
	if _, err := tpmutil.Unpack(rsp.handles, &ts.handle); err != nil {
		return nil, err
	}
	var (
		locality uint32
		ticks    tpm12.CurrentTicks
	)
	if err := tpm12.Unpack(rsp.params, &locality, &ticks, &ts.nonceEven); err != nil {
		return nil, err
	}
	ts.tickRate, ts.tickNonce = ticks.TickRate, ticks.TickNonce
	if ts.has(tpm12.TransportLog) {
		if err := ts.extend(tpm12.TransportLogIn{
			Tag:        tpm12.StructTagTransportLogIn,
			Parameters: c.inDigest(),
		}); err != nil {
			return nil, err
		}
		if err := ts.extend(tpm12.TransportLogOut{
			Tag:          tpm12.StructTagTransportLogOut,
			CurrentTicks: ticks,
			Parameters:   tpm12.SHA1(tpm12.MustPack(tpm12.RCSuccess, c.ord), rsp.params),
			Locality:     locality,
		}); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

// executeTransport sends the wrapped form of c, whose authorization
// trailers are already computed, and returns the wrapped response code and
// body with any transport encryption removed.
func (t *TPM) executeTransport(ts *TransportSession, c *command, tag tpm12.Tag, trailers []byte) (tpm12.TPMRC, []byte, error) {
	w := tpm12.NewWriter(tpm12.MaxBufferSize)
	w.WriteHeader(tag, len(c.handles)+len(c.params)+len(trailers), uint32(c.ord))
	w.Raw(c.handles)
	dataStart := w.Len()
	w.Raw(c.params)
	w.Raw(trailers)
	wrapped, err := w.Bytes()
	if err != nil {
		return 0, nil, err
	}

	h1 := tpm12.SHA1(tpm12.MustPack(c.ord), c.params)
	var keyHash tpm12.Digest
	if ts.has(tpm12.TransportLog) {
		if keyHash, err = ts.pubKeyHash(c.keys); err != nil {
			return 0, nil, err
		}
	}
	even := ts.nonceEven
	ac, err := ts.Authorize(tpm12.SHA1(tpm12.MustPack(tpm12.OrdExecuteTransport, uint32(len(wrapped))), h1[:]))
	if err != nil {
		return 0, nil, err
	}
	if ts.has(tpm12.TransportEncrypt) && len(c.params) > 0 {
		enc, err := tpm12.TransportCrypt(&ts.public, ts.key, even, ac.NonceOdd, "in", c.params)
		if err != nil {
			return 0, nil, err
		}
		copy(wrapped[dataStart:], enc)
	}
	trailer, err := tpm12.Pack(ac)
	if err != nil {
		return 0, nil, err
	}

	rc, body, err := t.run(tpm12.TagRquAuth1Command, tpm12.OrdExecuteTransport, tpmutil.U32Bytes(wrapped), tpmutil.RawBytes(trailer))
	if err != nil {
		return 0, nil, err
	}
	if rc != tpm12.RCSuccess {
		ts.Validate(tpm12.Digest{}, nil)
		return 0, nil, rc
	}

	var (
		ticks    uint64
		locality uint32
		ar       tpm12.AuthResponse
	)
	r := tpm12.NewReader(body)
	if err := tpm12.Unmarshal(r, &ticks, &locality); err != nil {
		return 0, nil, err
	}
	rsp, err := r.Sized()
	if err != nil {
		return 0, nil, err
	}
	if err := tpm12.Unmarshal(r, &ar); err != nil {
		return 0, nil, err
	}
	if err := r.Done(); err != nil {
		return 0, nil, err
	}
	hdr, err := tpm12.ReadHeader(tpm12.NewReader(rsp))
	if err != nil {
		return 0, nil, fmt.Errorf("wrapped %v response: %w", c.ord, err)
	}
	s2Start, s2End := tpm12.HeaderSize, tpm12.HeaderSize
	if tpm12.TPMRC(hdr.Code) == tpm12.RCSuccess {
		s2Start += c.outHandles
		s2End = len(rsp) - rspAuths(hdr.Tag)*tpm12.AuthResponseSize
		if s2End < s2Start {
			return 0, nil, fmt.Errorf("wrapped %v response of %d bytes is too short", c.ord, len(rsp))
		}
	}
	if ts.has(tpm12.TransportEncrypt) && s2End > s2Start {
		plain, err := tpm12.TransportCrypt(&ts.public, ts.key, ar.NonceEven, ac.NonceOdd, "out", rsp[s2Start:s2End])
		if err != nil {
			return 0, nil, err
		}
		copy(rsp[s2Start:], plain)
	}
	h2 := tpm12.SHA1(tpm12.MustPack(hdr.Code, c.ord), rsp[s2Start:s2End])
	out := tpm12.SHA1(tpm12.MustPack(tpm12.RCSuccess, tpm12.OrdExecuteTransport, ticks, locality, uint32(len(rsp))), h2[:])
	if err := ts.Validate(out, &ar); err != nil {
		return 0, nil, err
	}
	if ts.has(tpm12.TransportLog) {
		if err := ts.extend(tpm12.TransportLogIn{
			Tag:        tpm12.StructTagTransportLogIn,
			Parameters: h1,
			PubKeyHash: keyHash,
		}); err != nil {
			return 0, nil, err
		}
		if err := ts.extend(tpm12.TransportLogOut{
			Tag:          tpm12.StructTagTransportLogOut,
			CurrentTicks: tpm12.NewCurrentTicks(ticks, ts.tickRate, ts.tickNonce),
			Parameters:   h2,
			Locality:     locality,
		}); err != nil {
			return 0, nil, err
		}
	}
	return tpm12.TPMRC(hdr.Code), rsp[tpm12.HeaderSize:], nil
}

// TransportRelease is the result of ReleaseTransportSigned.
type TransportRelease struct {
	Locality     uint32
	CurrentTicks tpm12.CurrentTicks
	// Signature is over a TPM_SIGN_INFO holding the final log digest.
	Signature []byte
}

// ReleaseTransportSigned ends ts and has the signing key loaded at key sign
// its log. keyAuth authorizes the key if it requires authorization.
func (t *TPM) ReleaseTransportSigned(key tpmutil.Handle, keyAuth Session, ts *TransportSession, antiReplay tpm12.Nonce) (*TransportRelease, error) {
	handles, err := tpmutil.Pack(key)
	if err != nil {
		return nil, err
	}
	c := &command{
		ord:     tpm12.OrdReleaseTransportSigned,
		handles: handles,
		params:  tpm12.MustPack(antiReplay),
		keys:    []tpmutil.Handle{key},
	}
	rsp, err := t.execute(c, sessions(keyAuth, ts)...)
	if err != nil {
		return nil, err
	}
	rel := &TransportRelease{}
	r := tpm12.NewReader(rsp.params)
	if err := tpm12.Unmarshal(r, &rel.Locality, &rel.CurrentTicks); err != nil {
		return nil, err
	}
	if rel.Signature, err = r.Sized(); err != nil {
		return nil, err
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	if err := ts.extend(tpm12.TransportLogOut{
		Tag:          tpm12.StructTagTransportLogOut,
		CurrentTicks: rel.CurrentTicks,
		Parameters:   c.inDigest(),
		Locality:     rel.Locality,
	}); err != nil {
		return nil, err
	}
	return rel, nil
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
