package client

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-tpm/tpmutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/chrisfenner/tpm12direct/engine"
	"github.com/chrisfenner/tpm12direct/tpm12"
)

var testKeys struct {
	once                               sync.Once
	srk, storage, dest, child, signer *rsa.PrivateKey
	err                                error
}

func loadTestKeys(t *testing.T) {
	t.Helper()
	testKeys.once.Do(func() {
		gen := func(bits int) *rsa.PrivateKey {
			if testKeys.err != nil {
				return nil
			}
			k, err := rsa.GenerateKey(rand.Reader, bits)
			testKeys.err = err
			return k
		}
		testKeys.srk = gen(2048)
		testKeys.storage = gen(2048)
		testKeys.dest = gen(2048)
		testKeys.child = gen(1024)
		testKeys.signer = gen(1024)
	})
	require.NoError(t, testKeys.err, "generating test keys")
}

var (
	ownerAuth     = tpm12.SHA1([]byte("owner")).Secret()
	srkAuth       = tpm12.SHA1([]byte("srk")).Secret()
	storageAuth   = tpm12.SHA1([]byte("storage")).Secret()
	destAuth      = tpm12.SHA1([]byte("dest")).Secret()
	signerAuth    = tpm12.SHA1([]byte("signer")).Secret()
	counterAuth   = tpm12.SHA1([]byte("counter")).Secret()
	transportAuth = tpm12.SHA1([]byte("transport")).Secret()
)

// fixture is an owned, started engine with a storage key and a signing
// key loaded, and a client connected to it.
type fixture struct {
	e       *engine.Engine
	keys    *engine.MemKeyStore
	tpm     *TPM
	storage tpmutil.Handle
	signer  tpmutil.Handle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := newUnstartedFixture(t)
	require.NoError(t, f.tpm.Startup(tpm12.STClear))
	return f
}

func newUnstartedFixture(t *testing.T) *fixture {
	t.Helper()
	loadTestKeys(t)
	logger, _ := test.NewNullLogger()
	keys := engine.NewMemKeyStore()
	e, err := engine.New(engine.Config{Name: t.Name(), Keys: keys, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, e.Provision(ownerAuth, engine.NewStorageKey(testKeys.srk, srkAuth)))
	f := &fixture{
		e:       e,
		keys:    keys,
		tpm:     OpenTransport(Loopback(e)),
		storage: tpmutil.Handle(keys.Add(engine.NewStorageKey(testKeys.storage, storageAuth))),
		signer:  tpmutil.Handle(keys.Add(engine.NewSigningKey(testKeys.signer, signerAuth))),
	}
	t.Cleanup(func() { f.tpm.Close() })
	return f
}

func (f *fixture) createCounter(t *testing.T, label string) uint32 {
	t.Helper()
	owner, err := f.tpm.OSAP(tpm12.ETOwner, uint32(tpm12.KHOwner), ownerAuth)
	require.NoError(t, err)
	var l [tpm12.CounterLabelSize]byte
	copy(l[:], label)
	id, v, err := f.tpm.CreateCounter(owner, counterAuth, l)
	require.NoError(t, err)
	require.Equal(t, l, v.Label)
	require.False(t, owner.Alive(), "CreateCounter left the OSAP session open")
	return id
}

func TestStartup(t *testing.T) {
	f := newUnstartedFixture(t)
	_, err := f.tpm.GetRandom(8)
	require.ErrorIs(t, err, tpm12.RCInvalidPostInit)
	require.NoError(t, f.tpm.Startup(tpm12.STClear))
	require.ErrorIs(t, f.tpm.Startup(tpm12.STClear), tpm12.RCInvalidPostInit)
}

func TestGetRandom(t *testing.T) {
	f := newFixture(t)
	b, err := f.tpm.GetRandom(32)
	require.NoError(t, err)
	require.Len(t, b, 32)
	b, err = f.tpm.GetRandom(0)
	require.NoError(t, err)
	require.Empty(t, b)
}

// countingRNG yields 0, 1, 2, ... wrapping at 256.
type countingRNG struct {
	next byte
}

func (r *countingRNG) Read(b []byte) (int, error) {
	for i := range b {
		b[i] = r.next
		r.next++
	}
	return len(b), nil
}

func TestGetRandomBytes(t *testing.T) {
	rng := &countingRNG{}
	logger, _ := test.NewNullLogger()
	e, err := engine.New(engine.Config{Name: t.Name(), RNG: rng, Logger: logger})
	require.NoError(t, err)
	tpm := OpenTransport(Loopback(e))
	defer tpm.Close()
	require.NoError(t, tpm.Startup(tpm12.STClear))

	want := make([]byte, 200)
	for i := range want {
		want[i] = rng.next + byte(i)
	}
	got, err := tpm.GetRandom(uint32(len(want)))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestGetTicks(t *testing.T) {
	f := newFixture(t)
	first, err := f.tpm.GetTicks()
	require.NoError(t, err)
	require.Equal(t, tpm12.StructTagCurrentTicks, first.Tag)
	second, err := f.tpm.GetTicks()
	require.NoError(t, err)
	require.Equal(t, first.TickNonce, second.TickNonce)
	require.GreaterOrEqual(t, second.CurrentTicks, first.CurrentTicks)
}

func TestCounters(t *testing.T) {
	f := newFixture(t)
	id := f.createCounter(t, "CNT1")
	before, err := f.tpm.ReadCounter(id)
	require.NoError(t, err)

	s, err := f.tpm.OIAP(counterAuth)
	require.NoError(t, err)
	v, err := f.tpm.IncrementCounter(id, s)
	require.NoError(t, err)
	require.Equal(t, before.Counter+1, v.Counter)
	require.True(t, s.Alive())
	got, err := f.tpm.ReadCounter(id)
	require.NoError(t, err)
	if !cmp.Equal(got, v) {
		t.Errorf("ReadCounter disagrees with IncrementCounter\n%v", cmp.Diff(v, got))
	}

	wrong, err := f.tpm.OIAP(ownerAuth)
	require.NoError(t, err)
	_, err = f.tpm.IncrementCounter(id, wrong)
	require.ErrorIs(t, err, tpm12.RCAuthFail)
	require.False(t, wrong.Alive(), "a failed command must end its session")
	_, err = f.tpm.IncrementCounter(id, wrong)
	require.Error(t, err)

	owner, err := f.tpm.OIAP(ownerAuth)
	require.NoError(t, err)
	require.NoError(t, f.tpm.ReleaseCounterOwner(id, owner))
	_, err = f.tpm.ReadCounter(id)
	require.ErrorIs(t, err, tpm12.RCBadCounter)
}

func TestReleaseCounter(t *testing.T) {
	f := newFixture(t)
	id := f.createCounter(t, "REL1")
	s, err := f.tpm.OIAP(counterAuth)
	require.NoError(t, err)
	s.SetContinue(false)
	require.NoError(t, f.tpm.ReleaseCounter(id, s))
	require.False(t, s.Alive())
	_, err = f.tpm.ReadCounter(id)
	require.ErrorIs(t, err, tpm12.RCBadCounter)
}

func TestSessions(t *testing.T) {
	f := newFixture(t)
	s, err := f.tpm.OIAP(counterAuth)
	require.NoError(t, err)
	require.Equal(t, tpm12.PIDOIAP, s.Protocol())
	require.NoError(t, f.tpm.TerminateHandle(s.Handle()))
	err = f.tpm.TerminateHandle(s.Handle())
	require.ErrorIs(t, err, tpm12.RCInvalidAuthHandle)

	osap, err := f.tpm.OSAP(tpm12.ETOwner, uint32(tpm12.KHOwner), ownerAuth)
	require.NoError(t, err)
	require.Error(t, osap.SetSecret(srkAuth))
	_, err = s.EncAuth(ownerAuth)
	require.Error(t, err, "EncAuth on an OIAP session")
	require.NoError(t, f.tpm.FlushSpecific(osap.Handle(), tpm12.RTAuth))
}

func TestFlushKey(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tpm.FlushSpecific(f.signer, tpm12.RTKey))
	_, err := f.keys.Key(tpm12.Handle(f.signer))
	require.ErrorIs(t, err, engine.ErrKeyNotLoaded)
	require.ErrorIs(t, f.tpm.FlushSpecific(f.signer, tpm12.RTKey), tpm12.RCInvalidKeyHandle)
}
