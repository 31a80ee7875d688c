package engine

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// createCounter runs TPM_CreateCounter under an owner OSAP session.
func (tt *tester) createCounter(label string, auth tpm12.Secret) (uint32, tpm12.CounterValue) {
	tt.t.Helper()
	id, v, res := tt.tryCreateCounter(label, auth)
	res.ok(tt.t)
	return id, v
}

func (tt *tester) tryCreateCounter(label string, auth tpm12.Secret) (uint32, tpm12.CounterValue, *result) {
	tt.t.Helper()
	s := tt.osap(tpm12.ETOwner, uint32(tpm12.KHOwner), ownerAuth)
	var l [tpm12.CounterLabelSize]byte
	copy(l[:], label)
	res := tt.call(tpm12.OrdCreateCounter, nil, tpm12.MustPack(s.encAuth(auth), l), s)
	var (
		id uint32
		v  tpm12.CounterValue
	)
	if res.rc == tpm12.RCSuccess {
		if err := tpm12.Unpack(res.body, &id, &v); err != nil {
			tt.t.Fatalf("%v", err)
		}
		if len(res.auths) == 1 && res.auths[0].ContinueSession {
			tt.t.Errorf("OSAP session carrying encAuth was continued")
		}
	}
	return id, v, res
}

func (tt *tester) incrementCounter(id uint32, auth tpm12.Secret) (tpm12.CounterValue, *result) {
	tt.t.Helper()
	s := tt.oiap(auth)
	s.cont = false
	res := tt.call(tpm12.OrdIncrementCounter, nil, tpm12.MustPack(id), s)
	var v tpm12.CounterValue
	if res.rc == tpm12.RCSuccess {
		if err := tpm12.Unpack(res.body, &v); err != nil {
			tt.t.Fatalf("%v", err)
		}
	}
	return v, res
}

func (tt *tester) readCounter(id uint32) (tpm12.CounterValue, *result) {
	tt.t.Helper()
	res := tt.call(tpm12.OrdReadCounter, nil, tpm12.MustPack(id))
	var v tpm12.CounterValue
	if res.rc == tpm12.RCSuccess {
		if err := tpm12.Unpack(res.body, &v); err != nil {
			tt.t.Fatalf("%v", err)
		}
	}
	return v, res
}

func (tt *tester) releaseCounter(id uint32, auth tpm12.Secret) *result {
	tt.t.Helper()
	s := tt.oiap(auth)
	s.cont = false
	return tt.call(tpm12.OrdReleaseCounter, nil, tpm12.MustPack(id), s)
}

func TestCounterActiveConflict(t *testing.T) {
	tt := newTester(t)
	secret := tpm12.SHA1([]byte("S")).Secret()
	id, base := tt.createCounter("CTR1", secret)
	want := tpm12.CounterValue{Tag: tpm12.StructTagCounterValue, Label: [4]byte{'C', 'T', 'R', '1'}, Counter: base.Counter}
	if !cmp.Equal(base, want) {
		t.Errorf("created counter mismatch\n%v", cmp.Diff(want, base))
	}

	v, res := tt.incrementCounter(id, secret)
	res.ok(t)
	if v.Counter != base.Counter+1 {
		t.Errorf("want %d, got %d", base.Counter+1, v.Counter)
	}

	other, _ := tt.createCounter("CTR2", secret)
	_, res = tt.incrementCounter(other, secret)
	res.want(t, tpm12.RCBadCounter)

	tt.e.mu.Lock()
	_, err := tt.e.incrementCounter(other)
	tt.e.mu.Unlock()
	if tpm12.KindOf(err) != tpm12.KindPolicy {
		t.Errorf("want kind %v, got %v (%v)", tpm12.KindPolicy, tpm12.KindOf(err), err)
	}

	// A new boot cycle may pick another counter.
	tt.e.postInit = true
	tt.startup(tpm12.STClear)
	tt.incrementCounter(other, secret)
	_, res = tt.incrementCounter(id, secret)
	res.want(t, tpm12.RCBadCounter)
}

func TestCounterIncrementAfterRelease(t *testing.T) {
	tt := newTester(t)
	secret := tpm12.SHA1([]byte("S")).Secret()
	id, base := tt.createCounter("CTR1", secret)
	last := base
	for i := 0; i < 3; i++ {
		v, res := tt.incrementCounter(id, secret)
		res.ok(t)
		last = v
	}
	tt.releaseCounter(id, secret).ok(t)

	_, res := tt.incrementCounter(id, secret)
	res.want(t, tpm12.RCBadCounter)
	_, res = tt.readCounter(id)
	res.want(t, tpm12.RCBadCounter)
	tt.releaseCounter(id, secret).want(t, tpm12.RCBadCounter)

	if got, _ := tt.e.perm.counters.nextCount(); got != last.Counter+1 {
		t.Errorf("want nextCount %d after release, got %d", last.Counter+1, got)
	}
	_, recreated := tt.createCounter("CTR1", secret)
	if recreated.Counter <= last.Counter {
		t.Errorf("recreated counter starts at %d, not above the released %d", recreated.Counter, last.Counter)
	}
}

func TestCounterNextCountMonotonic(t *testing.T) {
	tt := newTester(t)
	secret := tpm12.SHA1([]byte("cycle")).Secret()
	var seen uint32
	for cycle := 0; cycle < 6; cycle++ {
		id, v := tt.createCounter("CYCL", secret)
		if cycle > 0 && v.Counter <= seen {
			t.Fatalf("cycle %d: counter starts at %d, want above %d", cycle, v.Counter, seen)
		}
		seen = v.Counter
		if cycle%2 == 0 {
			// Only the first counter of the boot cycle may be incremented.
			tt.e.postInit = true
			tt.startup(tpm12.STClear)
			v, res := tt.incrementCounter(id, secret)
			res.ok(t)
			seen = v.Counter
		}
		if next, _ := tt.e.perm.counters.nextCount(); next <= seen {
			t.Fatalf("cycle %d: nextCount %d not above %d", cycle, next, seen)
		}
		tt.releaseCounter(id, secret).ok(t)
	}
}

func TestCounterTableFull(t *testing.T) {
	tt := newTester(t)
	for i := 0; i < tpm12.MinCounters; i++ {
		tt.createCounter("FULL", ownerAuth)
	}
	_, _, res := tt.tryCreateCounter("FULL", ownerAuth)
	res.want(t, tpm12.RCSize)
}

func TestReleaseCounterOwner(t *testing.T) {
	tt := newTester(t)
	secret := tpm12.SHA1([]byte("S")).Secret()
	id, _ := tt.createCounter("OWNR", secret)
	tt.incrementCounter(id, secret)

	s := tt.oiap(secret)
	tt.call(tpm12.OrdReleaseCounterOwner, nil, tpm12.MustPack(id), s).want(t, tpm12.RCAuthFail)

	s = tt.oiap(ownerAuth)
	tt.call(tpm12.OrdReleaseCounterOwner, nil, tpm12.MustPack(id), s).ok(t)
	if tt.e.activeCounter != tpm12.CountIDIllegal {
		t.Errorf("want active counter %#x after release, got %#x", tpm12.CountIDIllegal, tt.e.activeCounter)
	}
	// Releasing the active counter blocks increments until the next boot cycle.
	other, _ := tt.createCounter("NEXT", secret)
	_, res := tt.incrementCounter(other, secret)
	res.want(t, tpm12.RCBadCounter)
}

func TestReleaseCounterEndsBoundSessions(t *testing.T) {
	tt := newTester(t)
	secret := tpm12.SHA1([]byte("S")).Secret()
	id, _ := tt.createCounter("OSAP", secret)

	bystander := tt.osap(tpm12.ETCounter, id, secret)
	s := tt.osap(tpm12.ETCounter, id, secret)
	res := tt.call(tpm12.OrdReleaseCounter, nil, tpm12.MustPack(id), s).ok(t)
	if res.auths[0].ContinueSession {
		t.Errorf("session bound to a released counter was continued")
	}
	if tt.authSessionAlive(s.handle) {
		t.Errorf("session bound to the released counter survived")
	}
	if tt.authSessionAlive(bystander.handle) {
		t.Errorf("other session bound to the released counter survived")
	}
}

func TestCounterDigest(t *testing.T) {
	v := tpm12.CounterValue{Tag: tpm12.StructTagCounterValue, Label: [4]byte{'A', 'B', 'C', 'D'}, Counter: 7}
	auth := tpm12.SHA1([]byte("auth")).Secret()
	d1, err := counterDigest(1, v, auth)
	if err != nil {
		t.Fatalf("%v", err)
	}
	d2, err := counterDigest(2, v, auth)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if d1.Equal(d2) {
		t.Errorf("counters with different ids share an entity digest")
	}
}

func TestCounterValueExhausted(t *testing.T) {
	tt := newTester(t)
	secret := tpm12.SHA1([]byte("max")).Secret()
	id, _ := tt.createCounter("MAXV", secret)
	tt.e.perm.counters[id].value = math.MaxUint32

	_, res := tt.incrementCounter(id, secret)
	res.want(t, tpm12.RCSize)
	v, res := tt.readCounter(id)
	res.ok(t)
	if v.Counter != math.MaxUint32 {
		t.Errorf("want %#x got %#x", uint32(math.MaxUint32), v.Counter)
	}
	_, _, res = tt.tryCreateCounter("NEXT", secret)
	res.want(t, tpm12.RCSize)
}
