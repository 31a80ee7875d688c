package engine

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// detRNG is a deterministic byte stream: SHA-1 in counter mode over a seed.
type detRNG struct {
	seed []byte
	ctr  uint32
	buf  []byte
}

func newDetRNG(seed string) *detRNG { return &detRNG{seed: []byte(seed)} }

func (r *detRNG) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(r.buf) == 0 {
			d := tpm12.SHA1(r.seed, tpm12.MustPack(r.ctr))
			r.ctr++
			r.buf = d[:]
		}
		c := copy(p[n:], r.buf)
		r.buf = r.buf[c:]
		n += c
	}
	return n, nil
}

// RSA keys are expensive to generate, so every test shares one set.
var testKeys struct {
	once sync.Once
	err  error
	// 2048-bit storage keys
	srk, storage, dest *rsa.PrivateKey
	// 1024-bit keys
	child, signer *rsa.PrivateKey
}

func loadTestKeys(t *testing.T) {
	t.Helper()
	testKeys.once.Do(func() {
		gen := func(bits int) *rsa.PrivateKey {
			if testKeys.err != nil {
				return nil
			}
			k, err := rsa.GenerateKey(rand.Reader, bits)
			if err != nil {
				testKeys.err = err
			}
			return k
		}
		testKeys.srk = gen(2048)
		testKeys.storage = gen(2048)
		testKeys.dest = gen(2048)
		testKeys.child = gen(1024)
		testKeys.signer = gen(1024)
	})
	if testKeys.err != nil {
		t.Fatalf("generating test keys: %v", testKeys.err)
	}
}

var (
	ownerAuth   = tpm12.SHA1([]byte("owner")).Secret()
	srkAuth     = tpm12.SHA1([]byte("srk")).Secret()
	storageAuth = tpm12.SHA1([]byte("storage")).Secret()
	signerAuth  = tpm12.SHA1([]byte("signer")).Secret()
)

func storageKey(priv *rsa.PrivateKey, auth tpm12.Secret) *Key {
	return NewStorageKey(priv, auth)
}

func signingKey(priv *rsa.PrivateKey, auth tpm12.Secret) *Key {
	return NewSigningKey(priv, auth)
}

type memNV struct {
	stored []byte
	err    error
}

func (m *memNV) Store(b []byte) error {
	if m.err != nil {
		return m.err
	}
	m.stored = append([]byte(nil), b...)
	return nil
}

// tester drives one engine through its wire interface, playing the part of
// the host.
type tester struct {
	t     *testing.T
	e     *Engine
	keys  *MemKeyStore
	clock *clock.Mock
	nv    *memNV
	rng   io.Reader
	logs  *test.Hook

	srk     *Key
	storage tpm12.Handle
	signer  tpm12.Handle
}

type testerOption func(*Config)

func withRNG(rng io.Reader) testerOption {
	return func(c *Config) { c.RNG = rng }
}

// newTester returns an owned, started engine. The SRK is installed and a
// second storage key and a signing key are loaded.
func newTester(t *testing.T, opts ...testerOption) *tester {
	t.Helper()
	tt := newUnownedTester(t, opts...)
	tt.srk = storageKey(testKeys.srk, srkAuth)
	if err := tt.e.Provision(ownerAuth, tt.srk); err != nil {
		t.Fatalf("%v", err)
	}
	tt.storage = tt.keys.Add(storageKey(testKeys.storage, storageAuth))
	tt.signer = tt.keys.Add(signingKey(testKeys.signer, signerAuth))
	tt.startup(tpm12.STClear)
	return tt
}

// newUnownedTester returns an engine that has not run TPM_Startup and has
// no owner.
func newUnownedTester(t *testing.T, opts ...testerOption) *tester {
	t.Helper()
	loadTestKeys(t)
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	tt := &tester{
		t:     t,
		keys:  NewMemKeyStore(),
		clock: clock.NewMock(),
		nv:    &memNV{},
		logs:  hook,
	}
	cfg := Config{
		Name:   t.Name(),
		Clock:  tt.clock,
		Keys:   tt.keys,
		NV:     tt.nv,
		Logger: logger,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.RNG == nil {
		cfg.RNG = rand.Reader
	}
	tt.rng = cfg.RNG
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("%v", err)
	}
	tt.e = e
	return tt
}

func (tt *tester) startup(typ tpm12.StartupType) {
	tt.t.Helper()
	tt.call(tpm12.OrdStartup, nil, tpm12.MustPack(typ)).ok(tt.t)
}

// command serializes a request. The tag follows the number of trailers.
func command(ord tpm12.Ordinal, handles, params []byte, trailers ...[]byte) []byte {
	tag := tpm12.TagRquCommand
	switch len(trailers) {
	case 1:
		tag = tpm12.TagRquAuth1Command
	case 2:
		tag = tpm12.TagRquAuth2Command
	}
	return commandWithTag(tag, ord, handles, params, trailers...)
}

func commandWithTag(tag tpm12.Tag, ord tpm12.Ordinal, handles, params []byte, trailers ...[]byte) []byte {
	w := tpm12.NewWriter(tpm12.MaxBufferSize)
	w.WriteHeader(tag, len(handles)+len(params)+len(trailers)*tpm12.AuthCommandSize, uint32(ord))
	w.Raw(handles)
	w.Raw(params)
	for _, a := range trailers {
		w.Raw(a)
	}
	b, err := w.Bytes()
	if err != nil {
		panic(err)
	}
	return b
}

// paramDigest is the inParamDigest or outParamDigest of a command.
func paramDigest(ord tpm12.Ordinal, params []byte) tpm12.Digest {
	return tpm12.SHA1(tpm12.MustPack(ord), params)
}

func outParamDigest(ord tpm12.Ordinal, params []byte) tpm12.Digest {
	return tpm12.SHA1(tpm12.MustPack(tpm12.RCSuccess, ord), params)
}

// session is the host's view of an authorization or transport session.
type session struct {
	handle    tpm12.Handle
	nonceEven tpm12.Nonce
	nonceOdd  tpm12.Nonce
	key       tpm12.Secret
	cont      bool
	rng       io.Reader
}

// trailer authorizes a command with the given inParamDigest.
func (s *session) trailer(inDigest tpm12.Digest) []byte {
	if _, err := io.ReadFull(s.rng, s.nonceOdd[:]); err != nil {
		panic(err)
	}
	return tpm12.MustPack(tpm12.AuthCommand{
		AuthHandle:      s.handle,
		NonceOdd:        s.nonceOdd,
		ContinueSession: s.cont,
		Auth:            tpm12.HMAC(s.key, inDigest[:], s.nonceEven[:], s.nonceOdd[:], boolByte(s.cont)),
	})
}

// check verifies a response trailer and rolls the even nonce.
func (s *session) check(t *testing.T, outDigest tpm12.Digest, ar tpm12.AuthResponse) {
	t.Helper()
	want := tpm12.HMAC(s.key, outDigest[:], ar.NonceEven[:], s.nonceOdd[:], boolByte(ar.ContinueSession))
	if !want.Equal(ar.Auth) {
		t.Errorf("response HMAC of session %#x: want %x got %x", uint32(s.handle), want, ar.Auth)
	}
	s.nonceEven = ar.NonceEven
}

type result struct {
	rc tpm12.TPMRC
	// body is everything between the header and the trailers.
	body  []byte
	auths []tpm12.AuthResponse
}

func (r *result) ok(t *testing.T) *result {
	t.Helper()
	if r.rc != tpm12.RCSuccess {
		t.Fatalf("want success, got %v", r.rc)
	}
	return r
}

func (r *result) want(t *testing.T, rc tpm12.TPMRC) {
	t.Helper()
	if r.rc != rc {
		t.Fatalf("want %v, got %v", rc, r.rc)
	}
}

func (r *result) params(outHandles int) *tpm12.Reader {
	return tpm12.NewReader(r.body[outHandles:])
}

func parseResult(t *testing.T, rsp []byte) *result {
	t.Helper()
	rd := tpm12.NewReader(rsp)
	hdr, err := tpm12.ReadHeader(rd)
	if err != nil {
		t.Fatalf("malformed response %x: %v", rsp, err)
	}
	res := &result{rc: tpm12.TPMRC(hdr.Code)}
	n := rspAuths(hdr.Tag)
	if res.rc != tpm12.RCSuccess {
		if len(rsp) != tpm12.HeaderSize || hdr.Tag != tpm12.TagRspCommand {
			t.Fatalf("error response %x carries a body", rsp)
		}
		return res
	}
	body := rd.Rest()
	end := len(body) - n*tpm12.AuthResponseSize
	if end < 0 {
		t.Fatalf("response %x too short for %d trailers", rsp, n)
	}
	res.body = body[:end]
	for i := 0; i < n; i++ {
		var ar tpm12.AuthResponse
		start := end + i*tpm12.AuthResponseSize
		if err := tpm12.Unpack(body[start:start+tpm12.AuthResponseSize], &ar); err != nil {
			t.Fatalf("%v", err)
		}
		res.auths = append(res.auths, ar)
	}
	return res
}

// call runs an ordinal at locality 0 with no output handles.
func (tt *tester) call(ord tpm12.Ordinal, handles, params []byte, sessions ...*session) *result {
	tt.t.Helper()
	return tt.callOut(0, ord, handles, params, sessions...)
}

// callOut runs an ordinal whose response starts with outHandles bytes of
// handles, authorizing it with the given sessions and checking the response
// trailers.
func (tt *tester) callOut(outHandles int, ord tpm12.Ordinal, handles, params []byte, sessions ...*session) *result {
	tt.t.Helper()
	in := paramDigest(ord, params)
	var trailers [][]byte
	for _, s := range sessions {
		trailers = append(trailers, s.trailer(in))
	}
	res := parseResult(tt.t, tt.e.Execute(command(ord, handles, params, trailers...)))
	if res.rc != tpm12.RCSuccess {
		return res
	}
	if len(res.auths) != len(sessions) {
		tt.t.Fatalf("want %d response trailers, got %d", len(sessions), len(res.auths))
	}
	out := outParamDigest(ord, res.body[outHandles:])
	for i, s := range sessions {
		s.check(tt.t, out, res.auths[i])
	}
	return res
}

func (tt *tester) oiap(key tpm12.Secret) *session {
	tt.t.Helper()
	res := tt.call(tpm12.OrdOIAP, nil, nil).ok(tt.t)
	s := &session{key: key, cont: true, rng: tt.rng}
	if err := tpm12.Unpack(res.body, &s.handle, &s.nonceEven); err != nil {
		tt.t.Fatalf("%v", err)
	}
	return s
}

func (tt *tester) osapResult(et tpm12.EntityType, value uint32) (*result, tpm12.Nonce) {
	tt.t.Helper()
	var oddOSAP tpm12.Nonce
	if _, err := io.ReadFull(tt.rng, oddOSAP[:]); err != nil {
		tt.t.Fatalf("%v", err)
	}
	return tt.call(tpm12.OrdOSAP, tpm12.MustPack(et, value, oddOSAP), nil), oddOSAP
}

func (tt *tester) osap(et tpm12.EntityType, value uint32, secret tpm12.Secret) *session {
	tt.t.Helper()
	res, oddOSAP := tt.osapResult(et, value)
	res.ok(tt.t)
	s := &session{cont: true, rng: tt.rng}
	var evenOSAP tpm12.Nonce
	if err := tpm12.Unpack(res.body, &s.handle, &s.nonceEven, &evenOSAP); err != nil {
		tt.t.Fatalf("%v", err)
	}
	s.key = tpm12.HMAC(secret, evenOSAP[:], oddOSAP[:]).Secret()
	return s
}

// encAuth is the ADIP encryption of a new authorization value under an
// OSAP session.
func (s *session) encAuth(newAuth tpm12.Secret) tpm12.Digest {
	pad := tpm12.SHA1(s.key[:], s.nonceEven[:])
	var d tpm12.Digest
	copy(d[:], tpm12.XOR(newAuth[:], pad[:]))
	return d
}

func (tt *tester) authSessionAlive(h tpm12.Handle) bool {
	tt.e.mu.Lock()
	defer tt.e.mu.Unlock()
	return tt.e.auth.inUse(h)
}

func (tt *tester) transportAlive(h tpm12.Handle) bool {
	tt.e.mu.Lock()
	defer tt.e.mu.Unlock()
	return tt.e.trans.inUse(h)
}

func sized(b []byte) []byte {
	w := tpm12.NewWriter(tpm12.MaxBufferSize)
	w.Sized(b)
	out, err := w.Bytes()
	if err != nil {
		panic(err)
	}
	return out
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
