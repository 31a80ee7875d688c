// Package server runs TPM 1.2 engine instances behind the TCP protocol of
// the Microsoft TPM simulator, so existing simulator clients can talk to
// them. Each instance listens on a TPM port and a platform port.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	vfs "github.com/twpayne/go-vfs"

	"github.com/chrisfenner/tpm12direct/engine"
	"github.com/chrisfenner/tpm12direct/tpm12"
)

// Flags reported by REMOTE_HANDSHAKE.
const (
	flagPlatformAvailable uint32 = 0x01
	flagSupportsPP        uint32 = 0x08
)

// InstanceConfig describes one instance.
type InstanceConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	// TPMAddress and PlatformAddress are listen addresses. Port 0 picks a
	// free port.
	TPMAddress      string `yaml:"tpmAddress" mapstructure:"tpmAddress"`
	PlatformAddress string `yaml:"platformAddress" mapstructure:"platformAddress"`
	// StatePath is the file holding the permanent data. An empty path
	// keeps the state in memory only.
	StatePath string `yaml:"statePath" mapstructure:"statePath"`
}

// Server owns a set of running instances.
type Server struct {
	fs  vfs.FS
	log logrus.FieldLogger

	mu        sync.Mutex
	instances []*Instance
}

// New returns a server that keeps instance state on fs.
func New(fs vfs.FS, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{fs: fs, log: logger}
}

// Start creates an instance from cfg, restoring its permanent data if the
// state file exists, and starts serving it.
func (s *Server) Start(cfg InstanceConfig) (*Instance, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating instance id: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = id.String()
	}
	log := s.log.WithFields(logrus.Fields{"id": id.String(), "name": cfg.Name})

	ecfg := engine.Config{Name: cfg.Name, Logger: s.log}
	keys := engine.NewMemKeyStore()
	ecfg.Keys = keys
	var state []byte
	if cfg.StatePath != "" {
		store, err := NewFileStore(s.fs, cfg.StatePath)
		if err != nil {
			return nil, err
		}
		if state, err = store.Load(); err != nil {
			return nil, fmt.Errorf("loading %s: %w", cfg.StatePath, err)
		}
		ecfg.NV = store
	}
	e, err := engine.New(ecfg)
	if err != nil {
		return nil, err
	}
	if state != nil {
		if err := e.LoadPermanentState(state); err != nil {
			return nil, err
		}
		log.WithField("path", cfg.StatePath).Debug("restored permanent data")
	}

	inst := &Instance{
		ID:      id,
		Name:    cfg.Name,
		Engine:  e,
		Keys:    keys,
		log:     log,
		powered: true,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
	if inst.tpmL, err = net.Listen("tcp", cfg.TPMAddress); err != nil {
		return nil, fmt.Errorf("listening on TPM port: %w", err)
	}
	if inst.platformL, err = net.Listen("tcp", cfg.PlatformAddress); err != nil {
		inst.tpmL.Close()
		return nil, fmt.Errorf("listening on platform port: %w", err)
	}
	inst.wg.Add(2)
	go inst.serve(inst.tpmL, inst.handleTPM)
	go inst.serve(inst.platformL, inst.handlePlatform)

	s.mu.Lock()
	s.instances = append(s.instances, inst)
	s.mu.Unlock()
	log.Infof("TPM 1.2 instance launched, TPM port %s, platform port %s", inst.TPMAddr(), inst.PlatformAddr())
	return inst, nil
}

// Instances lists the instances started so far, including stopped ones.
func (s *Server) Instances() []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Instance(nil), s.instances...)
}

// Close stops every instance.
func (s *Server) Close() error {
	var result *multierror.Error
	for _, inst := range s.Instances() {
		if err := inst.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("instance %s: %w", inst.ID, err))
		}
	}
	return result.ErrorOrNil()
}

// Instance is one engine with its listeners.
type Instance struct {
	ID     uuid.UUID
	Name   string
	Engine *engine.Engine
	// Keys holds keys loaded into the instance out of band.
	Keys *engine.MemKeyStore

	log       *logrus.Entry
	tpmL      net.Listener
	platformL net.Listener
	wg        sync.WaitGroup

	mu      sync.Mutex
	powered bool
	conns   map[net.Conn]struct{}

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// TPMAddr is the address of the TPM port.
func (i *Instance) TPMAddr() net.Addr {
	return i.tpmL.Addr()
}

// PlatformAddr is the address of the platform port.
func (i *Instance) PlatformAddr() net.Addr {
	return i.platformL.Addr()
}

// Done is closed once the instance stops, either through Close or a STOP
// command from a client.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Close stops the instance and waits for its connections to finish.
func (i *Instance) Close() error {
	i.stop()
	i.wg.Wait()
	return i.stopErr
}

// stop closes the listeners and connections without waiting for the
// handlers, so a handler can call it.
func (i *Instance) stop() {
	i.stopOnce.Do(func() {
		i.mu.Lock()
		var result *multierror.Error
		for _, l := range []net.Listener{i.tpmL, i.platformL} {
			if err := l.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		for c := range i.conns {
			c.Close()
		}
		close(i.done)
		i.mu.Unlock()
		i.stopErr = result.ErrorOrNil()
		i.log.Info("TPM 1.2 instance stopped")
	})
}

func (i *Instance) serve(l net.Listener, handle func(io.ReadWriter) error) {
	defer i.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-i.done:
			default:
				i.log.WithError(err).Error("accept failed")
			}
			return
		}
		if !i.track(conn) {
			conn.Close()
			return
		}
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			defer i.untrack(conn)
			log := i.log.WithField("remote", conn.RemoteAddr().String())
			log.Debug("connection opened")
			if err := handle(conn); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Warn("connection failed")
				return
			}
			log.Debug("connection closed")
		}()
	}
}

func (i *Instance) track(c net.Conn) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	select {
	case <-i.done:
		return false
	default:
	}
	i.conns[c] = struct{}{}
	return true
}

func (i *Instance) untrack(c net.Conn) {
	i.mu.Lock()
	delete(i.conns, c)
	i.mu.Unlock()
	c.Close()
}

// Powered reports whether the instance is powered on.
func (i *Instance) Powered() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.powered
}

// signal applies a platform signal. Signals without an effect on a TPM 1.2
// engine are accepted and ignored.
func (i *Instance) signal(sig Signal) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch sig {
	case SignalPowerOn:
		if !i.powered {
			i.powered = true
			i.Engine.Reset()
		}
	case SignalPowerOff:
		i.powered = false
	case SignalReset:
		if i.powered {
			i.Engine.Reset()
		}
	case SignalPhysPresOn, SignalPhysPresOff, SignalHashStart, SignalHashEnd,
		SignalCancelOn, SignalCancelOff, SignalNVOn, SignalNVOff,
		SignalKeyCacheOn, SignalKeyCacheOff:
	default:
		return fmt.Errorf("unsupported command %v", sig)
	}
	i.log.WithField("signal", sig.String()).Debug("platform signal")
	return nil
}

func (i *Instance) execute(locality uint8, cmd []byte) []byte {
	if !i.Powered() {
		return tpm12.ErrorResponse(tpm12.RCFail)
	}
	return i.Engine.ExecuteLocality(locality, cmd)
}

func (i *Instance) handleTPM(conn io.ReadWriter) error {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		cmd, err := readU32(r)
		if err != nil {
			return err
		}
		switch sig := Signal(cmd); sig {
		case SendCommand:
			loc, c, err := readCommand(r)
			if err != nil {
				return err
			}
			if err := writeSized(w, i.execute(loc, c)); err != nil {
				return err
			}
		case RemoteHandshake:
			if _, err := readU32(r); err != nil {
				return err
			}
			if err := writeU32(w, protocolVersion); err != nil {
				return err
			}
			if err := writeU32(w, flagPlatformAvailable|flagSupportsPP); err != nil {
				return err
			}
		case SignalHashData:
			if _, err := readSized(r, tpm12.MaxBufferSize); err != nil {
				return err
			}
		case SessionEnd:
			return nil
		case Stop:
			i.stop()
			return nil
		default:
			if err := i.signal(sig); err != nil {
				return err
			}
		}
		if err := writeU32(w, 0); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

func (i *Instance) handlePlatform(conn io.ReadWriter) error {
	for {
		cmd, err := readU32(conn)
		if err != nil {
			return err
		}
		switch sig := Signal(cmd); sig {
		case SessionEnd:
			return nil
		case Stop:
			i.stop()
			return nil
		default:
			if err := i.signal(sig); err != nil {
				return err
			}
		}
		if err := writeU32(conn, 0); err != nil {
			return err
		}
	}
}
