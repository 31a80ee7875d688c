package client

import (
	"encoding/binary"
	"fmt"
	"io"

	sim "github.com/chrisfenner/go-tpm-sim"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// Simulator is a connection to a TPM reachable over the TCP simulator
// protocol, such as one served by tpm12d.
type Simulator struct {
	t io.ReadWriteCloser
}

// LocalSimulator connects to a simulator on the default local ports.
func LocalSimulator() (Transport, error) {
	return DialSimulator(sim.TcpConfig{
		Address:      "127.0.0.1",
		TPMPort:      2321,
		PlatformPort: 2322,
	})
}

// DialSimulator connects to the simulator described by config.
func DialSimulator(config sim.TcpConfig) (Transport, error) {
	tpm, err := sim.OpenTcpTpm(config)
	if err != nil {
		return nil, err
	}
	return &Simulator{
		t: tpm,
	}, nil
}

// Send writes one command and reads back exactly one response, however the
// connection splits it.
func (s *Simulator) Send(command []byte) ([]byte, error) {
	if _, err := s.t.Write(command); err != nil {
		return nil, fmt.Errorf("writing command: %w", err)
	}
	return readResponse(s.t)
}

// readResponse reads a response header and the rest of the paramSize bytes
// it announces.
func readResponse(r io.Reader) ([]byte, error) {
	rsp := make([]byte, tpm12.HeaderSize, tpm12.MaxBufferSize)
	if _, err := io.ReadFull(r, rsp); err != nil {
		return nil, fmt.Errorf("reading response header: %w", err)
	}
	size := binary.BigEndian.Uint32(rsp[2:6])
	if size < tpm12.HeaderSize || size > tpm12.MaxBufferSize {
		return nil, fmt.Errorf("response paramSize %d out of range", size)
	}
	rsp = rsp[:size]
	if _, err := io.ReadFull(r, rsp[tpm12.HeaderSize:]); err != nil {
		return nil, fmt.Errorf("reading %d-byte response: %w", size, err)
	}
	return rsp, nil
}

// Close ends the simulator session.
func (s *Simulator) Close() error {
	return s.t.Close()
}
