package engine

import (
	"math"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// counter is one slot of the monotonic counter table. A released counter
// keeps its value so that nextCount stays monotonic.
type counter struct {
	label  [tpm12.CounterLabelSize]byte
	value  uint32
	auth   tpm12.Secret
	valid  bool
	digest tpm12.Digest
}

// counterTable is indexed by countID.
type counterTable [tpm12.MinCounters]counter

func (t *counterTable) allocate() (uint32, error) {
	for i := range t {
		if !t[i].valid {
			return uint32(i), nil
		}
	}
	return 0, tpm12.Errorf(tpm12.RCSize, "all %d counters in use", len(t))
}

// nextCount is one more than the largest value ever held by any slot.
func (t *counterTable) nextCount() (uint32, error) {
	var highest uint32
	for i := range t {
		if t[i].value > highest {
			highest = t[i].value
		}
	}
	if highest == math.MaxUint32 {
		return 0, tpm12.Errorf(tpm12.RCSize, "counter values exhausted")
	}
	return highest + 1, nil
}

func (t *counterTable) get(id uint32) (*counter, error) {
	if id >= uint32(len(t)) || !t[id].valid {
		return nil, tpm12.Errorf(tpm12.RCBadCounter, "counter %#x does not exist", id)
	}
	return &t[id], nil
}

func (c *counter) value12() tpm12.CounterValue {
	return tpm12.CounterValue{Tag: tpm12.StructTagCounterValue, Label: c.label, Counter: c.value}
}

// counterDigest is the OSAP entity digest of a counter. It binds the
// countID and the authorization to the value the counter was created with.
func counterDigest(id uint32, v tpm12.CounterValue, auth tpm12.Secret) (tpm12.Digest, error) {
	return tpm12.DigestOf(id, v, auth)
}

func (e *Engine) createCounter(label [tpm12.CounterLabelSize]byte, auth tpm12.Secret) (uint32, *counter, error) {
	t := &e.perm.counters
	id, err := t.allocate()
	if err != nil {
		return 0, nil, err
	}
	next, err := t.nextCount()
	if err != nil {
		return 0, nil, err
	}
	c := &t[id]
	*c = counter{label: label, value: next, auth: auth, valid: true}
	c.digest, err = counterDigest(id, c.value12(), auth)
	if err != nil {
		return 0, nil, err
	}
	e.permDirty = true
	e.log.WithField("countID", id).Debug("counter created")
	return id, c, nil
}

// incrementCounter latches id as the active counter of this boot cycle.
func (e *Engine) incrementCounter(id uint32) (*counter, error) {
	c, err := e.perm.counters.get(id)
	if err != nil {
		return nil, err
	}
	if e.activeCounter != tpm12.CountIDNull && e.activeCounter != id {
		return nil, tpm12.KindErrorf(tpm12.RCBadCounter, tpm12.KindPolicy,
			"counter %#x is active for this boot cycle", e.activeCounter)
	}
	if c.value == math.MaxUint32 {
		return nil, tpm12.Errorf(tpm12.RCSize, "counter %#x is at its maximum", id)
	}
	e.activeCounter = id
	c.value++
	e.permDirty = true
	return c, nil
}

// releaseCounter invalidates the counter and terminates the OSAP sessions
// bound to it. A session used by the current command is stopped after the
// response instead.
func (e *Engine) releaseCounter(id uint32, current *request) error {
	c, err := e.perm.counters.get(id)
	if err != nil {
		return err
	}
	if e.activeCounter == id {
		e.activeCounter = tpm12.CountIDIllegal
	}
	c.valid = false
	c.auth.Zero()
	e.terminateEntity(tpm12.ETCounter, c.digest, current)
	e.permDirty = true
	e.log.WithField("countID", id).Debug("counter released")
	return nil
}
