package client

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/go-tpm/tpmutil"
	"github.com/hashicorp/go-multierror"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// TPM represents a logical connection to a TPM 1.2.
type TPM struct {
	transport Transport
	rw        *readWriter
	rng       io.Reader
	// A TPM returned by Wrap sends its commands inside TPM_ExecuteTransport
	// on outer.
	outer *TPM
	via   *TransportSession
}

// Open opens a TPM connection using the provided transport open function.
func Open(opener func() (Transport, error)) (*TPM, error) {
	t, err := opener()
	if err != nil {
		return nil, err
	}
	return OpenTransport(t), nil
}

// OpenTransport returns a TPM that owns t.
func OpenTransport(t Transport) *TPM {
	return &TPM{
		transport: t,
		rw:        &readWriter{t: t},
		rng:       rand.Reader,
	}
}

// SetRNG replaces the source of nonces and generated secrets.
func (t *TPM) SetRNG(rng io.Reader) { t.rng = rng }

// Close closes the connection to the TPM. Closing a wrapped TPM leaves the
// connection open.
func (t *TPM) Close() error {
	if t.outer != nil {
		return nil
	}
	return t.transport.Close()
}

// command is one ordinal with its encoded handle and parameter areas.
type command struct {
	ord     tpm12.Ordinal
	handles []byte
	params  []byte
	// outHandles is the length of the response handle area.
	outHandles int
	// keys are the input handles that name keys.
	keys []tpmutil.Handle
}

func (c *command) inDigest() tpm12.Digest {
	return tpm12.SHA1(tpm12.MustPack(c.ord), c.params)
}

// response holds the areas of a successful response.
type response struct {
	handles []byte
	params  []byte
}

// execute runs c with the given authorization sessions and checks every
// response trailer. A TPM error is returned as a tpm12.TPMRC.
func (t *TPM) execute(c *command, sess ...Session) (*response, error) {
	if len(sess) > 2 {
		panic(fmt.Sprintf("%v: too many sessions (%d)", c.ord, len(sess)))
	}
	in := c.inDigest()
	var trailers []byte
	for _, s := range sess {
		ac, err := s.Authorize(in)
		if err != nil {
			return nil, err
		}
		b, err := tpm12.Pack(ac)
		if err != nil {
			return nil, err
		}
		trailers = append(trailers, b...)
	}
	tag := tpm12.TagRquCommand
	switch len(sess) {
	case 1:
		tag = tpm12.TagRquAuth1Command
	case 2:
		tag = tpm12.TagRquAuth2Command
	}

	var (
		rc   tpm12.TPMRC
		body []byte
		err  error
	)
	if t.via != nil {
		rc, body, err = t.outer.executeTransport(t.via, c, tag, trailers)
	} else {
		rc, body, err = t.run(tag, c.ord, tpmutil.RawBytes(c.handles), tpmutil.RawBytes(c.params), tpmutil.RawBytes(trailers))
	}
	if err != nil {
		return nil, err
	}
	if rc != tpm12.RCSuccess {
		for _, s := range sess {
			s.Validate(tpm12.Digest{}, nil)
		}
		return nil, rc
	}
	return c.parse(body, sess)
}

// run sends one command and returns the response code and the response
// body after the header.
func (t *TPM) run(tag tpm12.Tag, ord tpm12.Ordinal, in ...interface{}) (tpm12.TPMRC, []byte, error) {
	body, code, err := tpmutil.RunCommand(t.rw, tpmutil.Tag(tag), tpmutil.Command(ord), in...)
	if code != tpmutil.RCSuccess {
		return tpm12.TPMRC(code), nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("%v: %w", ord, err)
	}
	return tpm12.RCSuccess, body, nil
}

// parse splits a successful response body and validates its trailers.
func (c *command) parse(body []byte, sess []Session) (*response, error) {
	end := len(body) - len(sess)*tpm12.AuthResponseSize
	if end < c.outHandles {
		return nil, fmt.Errorf("%v: response of %d bytes is too short", c.ord, len(body))
	}
	rsp := &response{handles: body[:c.outHandles], params: body[c.outHandles:end]}
	out := tpm12.SHA1(tpm12.MustPack(tpm12.RCSuccess, c.ord), rsp.params)

	// Every session sees its trailer, so that a failure in one still
	// rolls the nonces of the others.
	var errs error
	for i, s := range sess {
		var ar tpm12.AuthResponse
		off := end + i*tpm12.AuthResponseSize
		if err := tpm12.Unpack(body[off:off+tpm12.AuthResponseSize], &ar); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := s.Validate(out, &ar); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		return nil, errs
	}
	return rsp, nil
}

// sessions drops nil entries, so callers can pass an optional key session.
func sessions(sess ...Session) []Session {
	out := sess[:0:0]
	for _, s := range sess {
		if s != nil && !isNilSession(s) {
			out = append(out, s)
		}
	}
	return out
}

func isNilSession(s Session) bool {
	switch s := s.(type) {
	case *AuthSession:
		return s == nil
	case *TransportSession:
		return s == nil
	}
	return false
}
