package tpm12

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHeaderRoundTrip(t *testing.T) {
	body := []byte{1, 2, 3, 4, 5}
	w := NewWriter(MaxBufferSize)
	w.WriteHeader(TagRquAuth1Command, len(body), uint32(OrdGetRandom))
	w.Raw(body)
	b, err := w.Finish()
	if err != nil {
		t.Fatalf("%v", err)
	}
	r := NewReader(b)
	h, err := ReadHeader(r)
	if err != nil {
		t.Fatalf("%v", err)
	}
	want := Header{Tag: TagRquAuth1Command, ParamSize: uint32(HeaderSize + len(body)), Code: uint32(OrdGetRandom)}
	if !cmp.Equal(h, want) {
		t.Errorf("header mismatch\n%v", cmp.Diff(want, h))
	}
	if !bytes.Equal(r.Rest(), body) {
		t.Errorf("want %x got %x", body, r.Rest())
	}
}

func TestReadHeaderSizeMismatch(t *testing.T) {
	for _, tc := range []struct {
		name string
		msg  []byte
	}{
		{"short", []byte{0, 0xC1, 0, 0, 0, 0x0B, 0, 0, 0, 0x46}},
		{"long", []byte{0, 0xC1, 0, 0, 0, 0x0A, 0, 0, 0, 0x46, 0}},
		{"truncated", []byte{0, 0xC1, 0, 0}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadHeader(NewReader(tc.msg))
			if !errors.Is(err, RCBadParamSize) {
				t.Errorf("want %v, got %v", RCBadParamSize, err)
			}
			if KindOf(err) != KindMalformed {
				t.Errorf("want kind %v, got %v", KindMalformed, KindOf(err))
			}
		})
	}
}

func TestSizedRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte("TCPA")},
		{"largest", bytes.Repeat([]byte{0x5A}, MaxBufferSize-4)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWriter(MaxBufferSize)
			w.Sized(tc.data)
			b, err := w.Bytes()
			if err != nil {
				t.Fatalf("%v", err)
			}
			if len(b) != 4+len(tc.data) {
				t.Errorf("want %d bytes, got %d", 4+len(tc.data), len(b))
			}
			r := NewReader(b)
			got, err := r.Sized()
			if err != nil {
				t.Fatalf("%v", err)
			}
			if !bytes.Equal(got, tc.data) {
				t.Errorf("want %x got %x", tc.data, got)
			}
			if err := r.Done(); err != nil {
				t.Errorf("%v", err)
			}
		})
	}
}

func TestWriterOverflowIsSticky(t *testing.T) {
	w := NewWriter(MaxBufferSize)
	w.Sized(make([]byte, MaxBufferSize-3))
	w.U8(1)
	if w.Len() != 0 {
		t.Errorf("want nothing written after overflow, got %d bytes", w.Len())
	}
	_, err := w.Bytes()
	if !errors.Is(err, ErrOverflow) {
		t.Errorf("want %v, got %v", ErrOverflow, err)
	}
	if KindOf(err) != KindFatal {
		t.Errorf("want kind %v, got %v", KindFatal, KindOf(err))
	}
}

func TestReaderTruncation(t *testing.T) {
	r := NewReader([]byte{0, 0, 0, 9, 1, 2})
	if _, err := r.Sized(); !errors.Is(err, ErrTruncated) {
		t.Errorf("want %v, got %v", ErrTruncated, err)
	}
	if r.Offset() != 0 {
		t.Errorf("want cursor restored to 0, got %d", r.Offset())
	}
	if _, err := r.U64(); !errors.Is(err, RCBadParamSize) {
		t.Errorf("want %v, got %v", RCBadParamSize, err)
	}
	v, err := r.U32()
	if err != nil || v != 9 {
		t.Errorf("want 9, got %d (%v)", v, err)
	}
}

func TestFinishDetectsHeaderMismatch(t *testing.T) {
	w := NewWriter(MaxBufferSize)
	w.WriteHeader(TagRspCommand, 4, 0)
	w.U16(0)
	if _, err := w.Finish(); KindOf(err) != KindFatal {
		t.Errorf("want fatal error, got %v", err)
	}
}

func TestErrorResponse(t *testing.T) {
	want := []byte{0, 0xC4, 0, 0, 0, 0x0A, 0, 0, 0, 0x22}
	if got := ErrorResponse(RCInvalidAuthHandle); !bytes.Equal(got, want) {
		t.Errorf("want %x got %x", want, got)
	}
}
