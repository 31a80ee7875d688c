package server

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chrisfenner/tpm12direct/tpm12"
)

// Signal is a command word of the TPM simulator TCP protocol. The same
// numbering is used on the TPM port and the platform port.
type Signal uint32

// Simulator protocol command words.
const (
	SignalPowerOn     Signal = 1
	SignalPowerOff    Signal = 2
	SignalPhysPresOn  Signal = 3
	SignalPhysPresOff Signal = 4
	SignalHashStart   Signal = 5
	SignalHashData    Signal = 6
	SignalHashEnd     Signal = 7
	SendCommand       Signal = 8
	SignalCancelOn    Signal = 9
	SignalCancelOff   Signal = 10
	SignalNVOn        Signal = 11
	SignalNVOff       Signal = 12
	SignalKeyCacheOn  Signal = 13
	SignalKeyCacheOff Signal = 14
	RemoteHandshake   Signal = 15
	SignalReset       Signal = 17
	SessionEnd        Signal = 20
	Stop              Signal = 21
)

// protocolVersion is the server version sent in reply to REMOTE_HANDSHAKE.
const protocolVersion = 1

func (s Signal) String() string {
	switch s {
	case SignalPowerOn:
		return "POWER_ON"
	case SignalPowerOff:
		return "POWER_OFF"
	case SignalPhysPresOn:
		return "PHYS_PRES_ON"
	case SignalPhysPresOff:
		return "PHYS_PRES_OFF"
	case SignalHashStart:
		return "HASH_START"
	case SignalHashData:
		return "HASH_DATA"
	case SignalHashEnd:
		return "HASH_END"
	case SendCommand:
		return "SEND_COMMAND"
	case SignalCancelOn:
		return "CANCEL_ON"
	case SignalCancelOff:
		return "CANCEL_OFF"
	case SignalNVOn:
		return "NV_ON"
	case SignalNVOff:
		return "NV_OFF"
	case SignalKeyCacheOn:
		return "KEY_CACHE_ON"
	case SignalKeyCacheOff:
		return "KEY_CACHE_OFF"
	case RemoteHandshake:
		return "REMOTE_HANDSHAKE"
	case SignalReset:
		return "RESET"
	case SessionEnd:
		return "SESSION_END"
	case Stop:
		return "STOP"
	}
	return fmt.Sprintf("Signal(%d)", uint32(s))
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// readSized reads a u32 length and that many bytes, refusing lengths over
// limit.
func readSized(r io.Reader, limit uint32) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, fmt.Errorf("%d-byte payload exceeds %d", n, limit)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeSized(w io.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readCommand reads the body of SEND_COMMAND: the locality and the sized
// command.
func readCommand(r io.Reader) (uint8, []byte, error) {
	var loc [1]byte
	if _, err := io.ReadFull(r, loc[:]); err != nil {
		return 0, nil, err
	}
	cmd, err := readSized(r, tpm12.MaxBufferSize)
	if err != nil {
		return 0, nil, fmt.Errorf("reading command: %w", err)
	}
	return loc[0], cmd, nil
}
