package engine

import (
	"github.com/chrisfenner/tpm12direct/tpm12"
)

// authTrailer is one parsed authorization trailer together with what the
// handler learned while checking it.
type authTrailer struct {
	tpm12.AuthCommand
	// transport is set for the trailer of a transport session.
	transport bool

	authorized bool
	hmacKey    tpm12.Secret
	// nonceEven points at the session's rolling nonce, refreshed when the
	// response trailer is built.
	nonceEven *tpm12.Nonce
	// next, if set, is the nonceEven to answer with. ExecuteTransport picks
	// it early because it keys the response encryption.
	next     tpm12.Nonce
	haveNext bool
	// forceStop ends the session after this command regardless of the
	// continue flag.
	forceStop bool
}

func (a *authTrailer) bind(key tpm12.Secret, nonceEven *tpm12.Nonce) {
	a.hmacKey = key
	a.nonceEven = nonceEven
	a.authorized = true
}

func (a *authTrailer) continues() bool {
	return a.ContinueSession && !a.forceStop
}

// request is a command split into its handle area, parameters and
// authorization trailers.
type request struct {
	tag      tpm12.Tag
	ordinal  tpm12.Ordinal
	locality uint8
	wrapped  bool

	handles *tpm12.Reader
	params  *tpm12.Reader
	// inDigest is SHA1(ordinal || params). ExecuteTransport replaces it.
	inDigest tpm12.Digest
	auths    []*authTrailer
	// parsed is set once every input byte has been consumed. Sessions are
	// only terminated for commands that parsed.
	parsed bool
}

// reply is the output of a handler. A nil outDigest means
// SHA1(rc || ordinal || params).
type reply struct {
	handles   []byte
	params    []byte
	outDigest *tpm12.Digest
}

func newRequest(hdr tpm12.Header, body []byte, entry *ordinalEntry, locality uint8, wrapped bool) (*request, error) {
	n := hdr.Tag.Auths()
	if n < 0 {
		return nil, tpm12.Errorf(tpm12.RCBadTag, "tag %#x is not a request tag", uint16(hdr.Tag))
	}
	trailers := n * tpm12.AuthCommandSize
	if len(body) < entry.inHandleSize+trailers {
		return nil, tpm12.Errorf(tpm12.RCBadParamSize, "%d bytes cannot hold %d handle bytes and %d trailers",
			len(body), entry.inHandleSize, n)
	}
	paramsEnd := len(body) - trailers
	req := &request{
		tag:      hdr.Tag,
		ordinal:  tpm12.Ordinal(hdr.Code),
		locality: locality,
		wrapped:  wrapped,
		handles:  tpm12.NewReader(body[:entry.inHandleSize]),
		params:   tpm12.NewReader(body[entry.inHandleSize:paramsEnd]),
		inDigest: tpm12.SHA1(tpm12.MustPack(hdr.Code), body[entry.inHandleSize:paramsEnd]),
	}
	for i := 0; i < n; i++ {
		start := paramsEnd + i*tpm12.AuthCommandSize
		a := &authTrailer{}
		if err := tpm12.Unpack(body[start:start+tpm12.AuthCommandSize], &a.AuthCommand); err != nil {
			return nil, err
		}
		req.auths = append(req.auths, a)
	}
	if entry.transportAuth && n > 0 {
		req.auths[n-1].transport = true
	}
	return req, nil
}

// done fails if any handle or parameter bytes were left unread.
func (r *request) done() error {
	if err := r.handles.Done(); err != nil {
		return err
	}
	if err := r.params.Done(); err != nil {
		return err
	}
	r.parsed = true
	return nil
}

// stopSession marks the authorization session h, if this request carries
// it, to end after the response.
func (r *request) stopSession(h tpm12.Handle) bool {
	found := false
	for _, a := range r.auths {
		if !a.transport && a.AuthHandle == h {
			a.forceStop = true
			found = true
		}
	}
	return found
}

// dispatch runs one command. Only Fatal errors are returned; every other
// failure is reported in the response.
func (e *Engine) dispatch(cmd []byte, locality uint8, wrapped bool) ([]byte, error) {
	r := tpm12.NewReader(cmd)
	hdr, err := tpm12.ReadHeader(r)
	if err != nil {
		e.log.WithError(err).Debug("malformed command")
		return tpm12.ErrorResponse(tpm12.RCOf(err)), nil
	}
	if e.failed {
		return tpm12.ErrorResponse(tpm12.RCFail), nil
	}
	ord := tpm12.Ordinal(hdr.Code)
	log := e.log.WithField("ordinal", ord)
	if !wrapped && ord != tpm12.OrdExecuteTransport && ord != tpm12.OrdReleaseTransportSigned {
		e.terminateExclusive()
	}
	entry, ok := e.ordinals[ord]
	if !ok {
		log.Debug("unsupported ordinal")
		return tpm12.ErrorResponse(tpm12.RCBadOrdinal), nil
	}
	req, err := newRequest(hdr, r.Rest(), entry, locality, wrapped)
	if err == nil {
		err = e.checkState(entry.checks)
	}
	if err == nil && !entry.tags.allows(hdr.Tag) {
		err = tpm12.Errorf(tpm12.RCBadTag, "tag %#x not accepted", uint16(hdr.Tag))
	}
	var rep *reply
	if err == nil {
		rep, err = entry.handler(e, req)
	}
	if err != nil {
		log.WithError(err).Debug("command failed")
	} else {
		log.Debug("command succeeded")
	}
	return e.respond(req, rep, err)
}

func (e *Engine) respond(req *request, rep *reply, err error) ([]byte, error) {
	if err == nil {
		var rsp []byte
		if rsp, err = e.buildResponse(req, rep); err == nil {
			e.finishSessions(req, tpm12.RCSuccess)
			return rsp, nil
		}
	}
	if tpm12.KindOf(err) == tpm12.KindFatal {
		return nil, err
	}
	rc := tpm12.RCOf(err)
	if req != nil {
		e.finishSessions(req, rc)
	}
	return tpm12.ErrorResponse(rc), nil
}

func (e *Engine) buildResponse(req *request, rep *reply) ([]byte, error) {
	var outDigest tpm12.Digest
	if rep.outDigest != nil {
		outDigest = *rep.outDigest
	} else {
		outDigest = tpm12.SHA1(tpm12.MustPack(tpm12.RCSuccess, req.ordinal), rep.params)
	}
	w := tpm12.NewWriter(tpm12.MaxBufferSize)
	w.WriteHeader(req.tag.ResponseTag(), len(rep.handles)+len(rep.params)+len(req.auths)*tpm12.AuthResponseSize, uint32(tpm12.RCSuccess))
	w.Raw(rep.handles)
	w.Raw(rep.params)
	for i, a := range req.auths {
		if !a.authorized {
			return nil, tpm12.Fatalf("%v succeeded without checking authorization %d", req.ordinal, i)
		}
		next := a.next
		if !a.haveNext {
			var err error
			if next, err = e.newNonce(); err != nil {
				return nil, err
			}
		}
		*a.nonceEven = next
		cont := a.continues()
		tpm12.Marshal(w, tpm12.AuthResponse{
			NonceEven:       next,
			ContinueSession: cont,
			Auth:            tpm12.HMAC(a.hmacKey, outDigest[:], next[:], a.NonceOdd[:], boolByte(cont)),
		})
	}
	return w.Finish()
}

// finishSessions terminates the sessions of a parsed command that failed or
// that the caller did not continue.
func (e *Engine) finishSessions(req *request, rc tpm12.TPMRC) {
	if !req.parsed {
		return
	}
	failed := rc != tpm12.RCSuccess && rc != tpm12.RCDefendLockRunning
	for _, a := range req.auths {
		if !failed && a.continues() {
			continue
		}
		if a.transport {
			e.terminateTransport(a.AuthHandle)
		} else if e.auth.terminate(a.AuthHandle) {
			e.log.WithField("handle", uint32(a.AuthHandle)).Debug("session terminated")
		}
		a.hmacKey.Zero()
	}
}

func (e *Engine) checkState(checks stateCheck) error {
	switch {
	case e.selfTestFailed:
		return tpm12.Errorf(tpm12.RCFailedSelfTest, "self-test failed")
	case e.postInit && checks&allowPostInit == 0:
		return tpm12.Errorf(tpm12.RCInvalidPostInit, "TPM_Startup has not run")
	case checks&checkEnabled != 0 && e.perm.disabled:
		return tpm12.Errorf(tpm12.RCDisabled, "disabled")
	case checks&checkActivated != 0 && (e.perm.deactivated || e.stclearDeactivated):
		return tpm12.Errorf(tpm12.RCDeactivated, "deactivated")
	case checks&checkOwner != 0 && !e.perm.owned:
		return tpm12.Errorf(tpm12.RCNoSRK, "no owner installed")
	}
	return nil
}
