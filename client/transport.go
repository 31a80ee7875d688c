// Package client is a host library for TPM 1.2. It encodes commands,
// computes and checks OIAP, OSAP and transport session authorization, and
// can run any wrappable command inside a transport session.
package client

import (
	"io"

	"github.com/chrisfenner/tpm12direct/engine"
)

// Transport represents a physical connection to a TPM.
type Transport interface {
	io.Closer
	// Send sends a command stream to the TPM and receives back a response.
	// Errors from the TPM itself (i.e., in the response stream) are not
	// parsed. Only errors from actually sending the command.
	Send(command []byte) ([]byte, error)
}

type loopback struct {
	e        *engine.Engine
	locality uint8
}

// Loopback returns a Transport to an in-process engine at locality 0.
func Loopback(e *engine.Engine) Transport {
	return LoopbackLocality(e, 0)
}

// LoopbackLocality returns a Transport to an in-process engine that
// submits every command at the given locality.
func LoopbackLocality(e *engine.Engine, locality uint8) Transport {
	return &loopback{e: e, locality: locality}
}

func (l *loopback) Send(command []byte) ([]byte, error) {
	return l.e.ExecuteLocality(l.locality, command), nil
}

func (l *loopback) Close() error { return nil }

// readWriter presents a Transport as the io.ReadWriter tpmutil drives: a
// Write sends one command and the Reads after it return the response.
type readWriter struct {
	t   Transport
	rsp []byte
}

func (rw *readWriter) Write(command []byte) (int, error) {
	rsp, err := rw.t.Send(command)
	if err != nil {
		return 0, err
	}
	rw.rsp = rsp
	return len(command), nil
}

func (rw *readWriter) Read(b []byte) (int, error) {
	if len(rw.rsp) == 0 {
		return 0, io.EOF
	}
	n := copy(b, rw.rsp)
	rw.rsp = rw.rsp[n:]
	return n, nil
}
