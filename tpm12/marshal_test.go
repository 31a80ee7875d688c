package tpm12

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func roundTrip(t *testing.T, v interface{}, want []byte) {
	t.Helper()
	w := NewWriter(MaxBufferSize)
	Marshal(w, v)
	b, err := w.Bytes()
	if err != nil {
		t.Fatalf("%v", err)
	}
	if !bytes.Equal(b, want) {
		t.Errorf("want %x got %x", want, b)
	}
	got := reflect.New(reflect.TypeOf(v))
	if err := Unpack(b, got.Interface()); err != nil {
		t.Fatalf("want nil, got %v", err)
	}
	if !cmp.Equal(v, got.Elem().Interface()) {
		t.Errorf("want %#v, got %#v\n%v", v, got.Elem().Interface(), cmp.Diff(v, got.Elem().Interface()))
	}
}

func TestMarshalNumeric(t *testing.T) {
	vals := map[interface{}][]byte{
		false:              {0},
		true:               {1},
		uint8(3):           {3},
		uint16(261):        {1, 5},
		uint32(65543):      {0, 1, 0, 7},
		uint64(4294967305): {0, 0, 0, 1, 0, 0, 0, 9},
		TPMRC(0x2F):        {0, 0, 0, 0x2F},
		Tag(0xC2):          {0, 0xC2},
	}
	for v, want := range vals {
		t.Run(fmt.Sprintf("%v-%v", reflect.TypeOf(v), v), func(t *testing.T) {
			roundTrip(t, v, want)
		})
	}
}

func TestMarshalArray(t *testing.T) {
	vals := []struct {
		Data          interface{}
		Serialization []byte
	}{
		{[4]byte{1, 2, 3, 4}, []byte{1, 2, 3, 4}},
		{[3]uint16{5, 6, 7}, []byte{0, 5, 0, 6, 0, 7}},
	}
	for _, val := range vals {
		v, want := val.Data, val.Serialization
		t.Run(fmt.Sprintf("%v-%v", reflect.TypeOf(v), v), func(t *testing.T) {
			roundTrip(t, v, want)
		})
	}
}

func TestMarshalSlice(t *testing.T) {
	// Slices must be tagged as either lists or sized byte strings.
	type sliceWrapper struct {
		Elems []uint32 `tpm12:"list"`
	}
	vals := []struct {
		Name          string
		Data          sliceWrapper
		Serialization []byte
	}{
		{"3", sliceWrapper{[]uint32{1, 2, 3}}, []byte{0, 0, 0, 3, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3}},
		{"1", sliceWrapper{[]uint32{4}}, []byte{0, 0, 0, 1, 0, 0, 0, 4}},
		{"empty", sliceWrapper{[]uint32{}}, []byte{0, 0, 0, 0}},
	}
	for _, val := range vals {
		t.Run(val.Name, func(t *testing.T) {
			roundTrip(t, val.Data, val.Serialization)
		})
	}
}

func TestMarshalSized(t *testing.T) {
	type inner struct {
		A uint16
		B uint8
	}
	type outer struct {
		Data   []byte `tpm12:"sized"`
		Nested inner  `tpm12:"sized"`
		Skip   uint32 `tpm12:"-"`
	}
	roundTrip(t, outer{Data: []byte{9, 8}, Nested: inner{A: 0x102, B: 3}},
		[]byte{0, 0, 0, 2, 9, 8, 0, 0, 0, 3, 1, 2, 3})
}

func TestUnmarshalSizedExtraData(t *testing.T) {
	type inner struct {
		A uint16
	}
	type outer struct {
		Nested inner `tpm12:"sized"`
	}
	var got outer
	err := Unpack([]byte{0, 0, 0, 3, 1, 2, 3}, &got)
	if !errors.Is(err, RCBadParamSize) {
		t.Errorf("want %v, got %v", RCBadParamSize, err)
	}
}

func TestUnmarshalListTooLong(t *testing.T) {
	var got MSAComposite
	err := Unpack([]byte{0xFF, 0xFF, 0xFF, 0xFF}, &got)
	if !errors.Is(err, RCBadParamSize) {
		t.Errorf("want %v, got %v", RCBadParamSize, err)
	}
}

func TestUnpackTrailingBytes(t *testing.T) {
	var v uint16
	if err := Unpack([]byte{0, 1, 2}, &v); !errors.Is(err, RCBadParamSize) {
		t.Errorf("want %v, got %v", RCBadParamSize, err)
	}
}

func TestMarshalUntaggedSlicePanics(t *testing.T) {
	type bad struct {
		Data []byte
	}
	defer func() {
		if recover() == nil {
			t.Errorf("want panic for untagged slice")
		}
	}()
	Marshal(NewWriter(16), bad{Data: []byte{1}})
}

func TestMarshalStructures(t *testing.T) {
	t.Run("CounterValue", func(t *testing.T) {
		roundTrip(t, CounterValue{Tag: StructTagCounterValue, Label: [4]byte{'C', 'T', 'R', '1'}, Counter: 7},
			[]byte{0, 0x0E, 'C', 'T', 'R', '1', 0, 0, 0, 7})
	})
	t.Run("TransportPublic", func(t *testing.T) {
		roundTrip(t, TransportPublic{Tag: StructTagTransportPublic, TransAttributes: TransportLog, AlgID: AlgMGF1, EncScheme: ESNone},
			[]byte{0, 0x1E, 0, 0, 0, 2, 0, 0, 0, 7, 0, 1})
	})
	t.Run("MSAComposite", func(t *testing.T) {
		var d Digest
		d[0] = 0xAA
		want := append([]byte{0, 0, 0, 1}, d[:]...)
		roundTrip(t, MSAComposite{MigAuthDigest: []Digest{d}}, want)
	})
}
