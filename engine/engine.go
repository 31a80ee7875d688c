// Package engine implements the command processor of a software TPM 1.2:
// the ordinal dispatcher, authorization and transport sessions, monotonic
// counters and the key migration ordinals.
package engine

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// NVStore persists the permanent-data blob produced by StorePermanentState.
type NVStore interface {
	Store(state []byte) error
}

// Config holds the collaborators of an Engine. Zero fields get defaults.
type Config struct {
	// Name identifies the instance in logs.
	Name string
	// RNG defaults to crypto/rand.
	RNG io.Reader
	// Clock drives the tick counter. Defaults to the wall clock.
	Clock clock.Clock
	// Keys resolves key handles other than KH_SRK.
	Keys KeyStore
	// NV, if set, receives the permanent data after every command that
	// changed it.
	NV NVStore
	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

type permanentData struct {
	tpmProof    tpm12.Secret
	ownerAuth   tpm12.Secret
	owned       bool
	disabled    bool
	deactivated bool
	srk         *Key
	counters    counterTable
}

// Engine is one TPM 1.2 instance. It is safe for concurrent use; commands
// are processed one at a time.
type Engine struct {
	mu    sync.Mutex
	rng   io.Reader
	clock clock.Clock
	keys  KeyStore
	nv    NVStore
	log   *logrus.Entry

	ordinals map[tpm12.Ordinal]*ordinalEntry

	failed         bool
	selfTestFailed bool
	postInit       bool

	perm      permanentData
	permDirty bool

	stclearDeactivated bool
	// activeCounter is CountIDNull, the id of the counter incremented this
	// boot cycle, or CountIDIllegal after that counter was released.
	activeCounter uint32

	auth      authTable
	trans     transportTable
	exclusive tpm12.Handle

	tickStart time.Time
	tickNonce tpm12.Nonce
}

// New creates an instance in the post-initialization state: the only
// command it accepts is TPM_Startup.
func New(cfg Config) (*Engine, error) {
	e := &Engine{
		rng:           cfg.RNG,
		clock:         cfg.Clock,
		keys:          cfg.Keys,
		nv:            cfg.NV,
		ordinals:      ordinalTable(),
		postInit:      true,
		activeCounter: tpm12.CountIDNull,
	}
	if e.rng == nil {
		e.rng = rand.Reader
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e.log = logger.WithField("instance", cfg.Name)
	if err := selfTest(); err != nil {
		e.log.WithError(err).Warn("self-test failed")
		e.selfTestFailed = true
	}
	if err := e.resetTicks(); err != nil {
		return nil, fmt.Errorf("initializing tick counter: %w", err)
	}
	return e, nil
}

// selfTest checks the padding primitives against each other.
func selfTest() error {
	seed := tpm12.SHA1([]byte("seed"))
	pHash := tpm12.SHA1([]byte("pHash"))
	em, err := tpm12.OAEPEncode([]byte("self-test"), pHash, seed, 128)
	if err != nil {
		return err
	}
	m, gotHash, gotSeed, err := tpm12.OAEPDecode(em)
	if err != nil {
		return err
	}
	if string(m) != "self-test" || gotHash != pHash || gotSeed != seed {
		return fmt.Errorf("OAEP round trip mismatch")
	}
	return nil
}

// Execute processes one command at locality 0 and returns its response.
func (e *Engine) Execute(cmd []byte) []byte {
	return e.ExecuteLocality(0, cmd)
}

// ExecuteLocality processes one command received at the given locality.
// It always returns a well-formed response.
func (e *Engine) ExecuteLocality(locality uint8, cmd []byte) (rsp []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// A command that ends in failure mode leaves no trace in permanent data.
	saved := e.perm
	defer func() {
		if r := recover(); r != nil {
			e.abort(saved, fmt.Errorf("panic: %v", r))
			rsp = tpm12.ErrorResponse(tpm12.RCFail)
		}
	}()
	rsp, err := e.dispatch(cmd, locality, false)
	if err == nil && e.permDirty && !e.failed {
		err = e.flushPermanentState()
	}
	if err != nil {
		e.abort(saved, err)
		return tpm12.ErrorResponse(tpm12.RCFail)
	}
	return rsp
}

// abort discards the permanent data changed by the current command and
// enters failure mode.
func (e *Engine) abort(saved permanentData, err error) {
	e.perm = saved
	e.permDirty = false
	e.fail(err)
}

// Reset returns the instance to the post-initialization state, as a power
// cycle does. Permanent data survives; sessions and failure mode do not.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.postInit = true
	e.failed = false
	e.auth.clear()
	e.trans.clear()
	e.exclusive = 0
	e.log.Info("reset")
}

// fail enters failure mode. Every later command returns TPM_FAIL until
// Reset.
func (e *Engine) fail(err error) {
	e.log.WithError(err).Warn("entering failure mode")
	e.failed = true
}

// Failed reports whether the instance is in failure mode.
func (e *Engine) Failed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

func (e *Engine) random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(e.rng, b); err != nil {
		return nil, tpm12.Fatalf("reading %d random bytes: %v", n, err)
	}
	return b, nil
}

func (e *Engine) newNonce() (tpm12.Nonce, error) {
	var n tpm12.Nonce
	b, err := e.random(tpm12.NonceSize)
	copy(n[:], b)
	return n, err
}

// newHandle returns a random non-zero handle for which inUse is false.
func (e *Engine) newHandle(inUse func(tpm12.Handle) bool) (tpm12.Handle, error) {
	for i := 0; i < 16; i++ {
		b, err := e.random(4)
		if err != nil {
			return 0, err
		}
		h := tpm12.Handle(binary.BigEndian.Uint32(b))
		if h != 0 && !inUse(h) {
			return h, nil
		}
	}
	return 0, tpm12.Fatalf("random number generator keeps repeating handles")
}

func (e *Engine) resetTicks() error {
	n, err := e.newNonce()
	if err != nil {
		return err
	}
	e.tickStart = e.clock.Now()
	e.tickNonce = n
	return nil
}

// currentTicks counts microseconds since the tick session began.
func (e *Engine) currentTicks() tpm12.CurrentTicks {
	elapsed := e.clock.Now().Sub(e.tickStart).Microseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return tpm12.NewCurrentTicks(uint64(elapsed), 1, e.tickNonce)
}

// key resolves a key handle. KH_SRK is served from permanent data.
func (e *Engine) key(h tpm12.Handle) (*Key, error) {
	if h == tpm12.KHSRK {
		if e.perm.srk == nil {
			return nil, tpm12.Errorf(tpm12.RCInvalidKeyHandle, "no SRK installed")
		}
		return e.perm.srk, nil
	}
	if e.keys == nil {
		return nil, tpm12.Errorf(tpm12.RCInvalidKeyHandle, "key handle %#x: no key store", uint32(h))
	}
	k, err := e.keys.Key(h)
	if err != nil {
		if tpm12.KindOf(err) == tpm12.KindFatal {
			return nil, &tpm12.Error{RC: tpm12.RCInvalidKeyHandle, Kind: tpm12.KindBadHandle, Err: err}
		}
		return nil, err
	}
	return k, nil
}

// Provision installs an owner and a storage root key, replacing any
// existing owner. A new tpmProof is generated. It stands in for
// TPM_TakeOwnership, whose endorsement-key plumbing lives outside the
// engine.
func (e *Engine) Provision(ownerAuth tpm12.Secret, srk *Key) error {
	if srk == nil || srk.Private == nil {
		return fmt.Errorf("provisioning: no SRK")
	}
	if srk.Usage != tpm12.KeyStorage || srk.Flags&tpm12.KeyFlagMigratable != 0 {
		return fmt.Errorf("provisioning: SRK must be a non-migratable storage key")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	proof, err := e.random(tpm12.AuthDataSize)
	if err != nil {
		return err
	}
	copy(e.perm.tpmProof[:], proof)
	e.perm.ownerAuth = ownerAuth
	e.perm.owned = true
	e.perm.srk = srk
	e.permDirty = true
	e.log.Info("owner installed")
	return e.flushPermanentState()
}

// SetDisabled sets the permanent disabled flag.
func (e *Engine) SetDisabled(disabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perm.disabled = disabled
	e.permDirty = true
	return e.flushPermanentState()
}

// SetDeactivated sets the permanent deactivated flag.
func (e *Engine) SetDeactivated(deactivated bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perm.deactivated = deactivated
	e.permDirty = true
	return e.flushPermanentState()
}

// CMKMigrationAuth returns the migrationAuth a certified migratable key
// restricted to the given authorities must carry.
func (e *Engine) CMKMigrationAuth(msaList *tpm12.MSAComposite, pubKeyDigest tpm12.Digest) (tpm12.Secret, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	msaDigest, err := tpm12.DigestOf(msaList)
	if err != nil {
		return tpm12.Secret{}, err
	}
	d, err := e.cmkMigAuth(msaDigest, pubKeyDigest)
	return d.Secret(), err
}
