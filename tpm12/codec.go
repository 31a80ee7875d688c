package tpm12

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated reports a read past the end of the buffer.
var ErrTruncated = &Error{RC: RCBadParamSize, Kind: KindMalformed, Err: errors.New("truncated input")}

// ErrOverflow reports a write past the writer's capacity.
var ErrOverflow = &Error{RC: RCFail, Kind: KindFatal, Err: errors.New("buffer capacity exceeded")}

// Reader is a bounds-checked cursor over a command or structure.
// Every read either consumes exactly the requested bytes or fails with
// ErrTruncated and leaves the cursor where it was.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a cursor at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int { return r.off }

// Rest returns the unread bytes without consuming them.
func (r *Reader) Rest() []byte { return r.buf[r.off:] }

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || n > r.Len() {
		return nil, fmt.Errorf("need %d bytes at offset %d, have %d: %w", n, r.off, r.Len(), ErrTruncated)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool reads a TPM BOOL. Any non-zero byte is true.
func (r *Reader) Bool() (bool, error) {
	b, err := r.U8()
	return b != 0, err
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Bytes reads n raw bytes. The result is a copy.
func (r *Reader) Bytes(n int) ([]byte, error) {
	b, err := r.next(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// Sized reads a {u32 length, bytes} string.
func (r *Reader) Sized() ([]byte, error) {
	start := r.off
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.Len()) {
		r.off = start
		return nil, fmt.Errorf("sized field of %d bytes at offset %d, have %d: %w", n, start, r.Len(), ErrTruncated)
	}
	return r.Bytes(int(n))
}

func (r *Reader) Digest() (Digest, error) {
	var d Digest
	b, err := r.next(DigestSize)
	copy(d[:], b)
	return d, err
}

func (r *Reader) Nonce() (Nonce, error) {
	var n Nonce
	b, err := r.next(NonceSize)
	copy(n[:], b)
	return n, err
}

func (r *Reader) Secret() (Secret, error) {
	var s Secret
	b, err := r.next(AuthDataSize)
	copy(s[:], b)
	return s, err
}

// Done fails with TPM_BAD_PARAM_SIZE if any bytes remain unread.
func (r *Reader) Done() error {
	if r.Len() != 0 {
		return Errorf(RCBadParamSize, "%d unexpected trailing bytes", r.Len())
	}
	return nil
}

// Writer serializes into a buffer of fixed capacity. The first write that
// would exceed the capacity records ErrOverflow; that write and every later
// one are refused and the error is reported by Err and Bytes.
type Writer struct {
	buf []byte
	max int
	err error
}

// NewWriter returns a writer that holds at most capacity bytes.
func NewWriter(capacity int) *Writer {
	initial := capacity
	if initial > 256 {
		initial = 256
	}
	return &Writer{buf: make([]byte, 0, initial), max: capacity}
}

func (w *Writer) grow(n int) bool {
	if w.err != nil {
		return false
	}
	if len(w.buf)+n > w.max {
		w.err = fmt.Errorf("writing %d bytes at offset %d of %d: %w", n, len(w.buf), w.max, ErrOverflow)
		return false
	}
	return true
}

func (w *Writer) U8(v uint8) {
	if w.grow(1) {
		w.buf = append(w.buf, v)
	}
}

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
	} else {
		w.U8(0)
	}
}

func (w *Writer) U16(v uint16) {
	if w.grow(2) {
		w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	}
}

func (w *Writer) U32(v uint32) {
	if w.grow(4) {
		w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	}
}

func (w *Writer) U64(v uint64) {
	if w.grow(8) {
		w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	}
}

// Raw appends b without a length prefix.
func (w *Writer) Raw(b []byte) {
	if w.grow(len(b)) {
		w.buf = append(w.buf, b...)
	}
}

// Sized appends {u32 len(b), b}.
func (w *Writer) Sized(b []byte) {
	if w.grow(4 + len(b)) {
		w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
		w.buf = append(w.buf, b...)
	}
}

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// Err returns the first write error, if any.
func (w *Writer) Err() error { return w.err }

// Bytes returns the serialized bytes, or the first write error.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// Header is the fixed prefix of every command and response. Code holds the
// ordinal of a command or the return code of a response.
type Header struct {
	Tag       Tag
	ParamSize uint32
	Code      uint32
}

// ReadHeader parses a header and checks that the declared paramSize matches
// the number of bytes actually present.
func ReadHeader(r *Reader) (Header, error) {
	var h Header
	tag, err := r.U16()
	if err != nil {
		return h, fmt.Errorf("reading tag: %w", err)
	}
	size, err := r.U32()
	if err != nil {
		return h, fmt.Errorf("reading paramSize: %w", err)
	}
	code, err := r.U32()
	if err != nil {
		return h, fmt.Errorf("reading ordinal: %w", err)
	}
	h = Header{Tag: Tag(tag), ParamSize: size, Code: code}
	if uint64(size) != uint64(r.Len())+HeaderSize {
		return h, Errorf(RCBadParamSize, "paramSize %d but %d bytes present", size, r.Len()+HeaderSize)
	}
	return h, nil
}

// WriteHeader writes a header whose paramSize covers the header itself plus
// bodyLen bytes that will follow.
func (w *Writer) WriteHeader(tag Tag, bodyLen int, code uint32) {
	w.U16(uint16(tag))
	w.U32(uint32(HeaderSize + bodyLen))
	w.U32(code)
}

// Finish returns the serialized message after checking that the paramSize in
// its header equals the number of bytes written. A mismatch is a defect in
// the engine, never in the input, and is reported as fatal.
func (w *Writer) Finish() ([]byte, error) {
	b, err := w.Bytes()
	if err != nil {
		return nil, err
	}
	if len(b) < HeaderSize {
		return nil, Fatalf("message of %d bytes is shorter than its header", len(b))
	}
	if declared := binary.BigEndian.Uint32(b[2:6]); int(declared) != len(b) {
		return nil, Fatalf("header declares %d bytes, serialized %d", declared, len(b))
	}
	return b, nil
}

// ErrorResponse builds the 10-byte response that carries only a return code.
func ErrorResponse(rc TPMRC) []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(b[0:], uint16(TagRspCommand))
	binary.BigEndian.PutUint32(b[2:], HeaderSize)
	binary.BigEndian.PutUint32(b[6:], uint32(rc))
	return b
}
