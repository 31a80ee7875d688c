package tpm12

import (
	"fmt"
	"math"
	"reflect"
	"strings"
)

const (
	// Longest list accepted when unmarshalling. Bounds the allocation an
	// attacker-chosen count can cause.
	maxListLength uint32 = 256
)

// Marshal serializes the given values onto w, field by field in declaration
// order. Structure fields are controlled by "tpm12" struct tags:
//
//	sized: a []byte or nested struct preceded by its u32 byte length
//	list:  a slice preceded by its u32 element count
//	-:     field is skipped
//
// Pointers are followed. Panics if any of the values are not marshallable.
// Write errors are recorded on w.
func Marshal(w *Writer, vs ...interface{}) {
	for _, v := range vs {
		marshal(w, reflect.ValueOf(v))
	}
}

// Pack marshals the values into a new buffer of MaxBufferSize capacity.
func Pack(vs ...interface{}) ([]byte, error) {
	w := NewWriter(MaxBufferSize)
	Marshal(w, vs...)
	return w.Bytes()
}

// MustPack is Pack for values whose size is statically bounded.
func MustPack(vs ...interface{}) []byte {
	b, err := Pack(vs...)
	if err != nil {
		panic(err)
	}
	return b
}

// Unmarshal deserializes into the given pointers from r.
// Returns an error if r does not contain enough data to satisfy the types.
// Panics if a non-pointer value is passed, or the values are not
// marshallable types.
func Unmarshal(r *Reader, vs ...interface{}) error {
	for _, vptr := range vs {
		v := reflect.ValueOf(vptr)
		if v.Kind() != reflect.Ptr {
			panic(fmt.Sprintf("non-pointer value passed to Unmarshal: %v", v.Type()))
		}
		if err := unmarshal(r, v.Elem()); err != nil {
			return err
		}
	}
	return nil
}

// Unpack unmarshals b into the given pointers and requires b to be consumed
// exactly.
func Unpack(b []byte, vs ...interface{}) error {
	r := NewReader(b)
	if err := Unmarshal(r, vs...); err != nil {
		return err
	}
	return r.Done()
}

func marshal(w *Writer, v reflect.Value) {
	switch v.Kind() {
	case reflect.Bool:
		w.Bool(v.Bool())
	case reflect.Uint8:
		w.U8(uint8(v.Uint()))
	case reflect.Uint16:
		w.U16(uint16(v.Uint()))
	case reflect.Uint32:
		w.U32(uint32(v.Uint()))
	case reflect.Uint64:
		w.U64(v.Uint())
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			for i := range b {
				b[i] = byte(v.Index(i).Uint())
			}
			w.Raw(b)
			return
		}
		for i := 0; i < v.Len(); i++ {
			marshal(w, v.Index(i))
		}
	case reflect.Struct:
		marshalStruct(w, v)
	case reflect.Ptr:
		if v.IsNil() {
			panic(fmt.Sprintf("nil %v", v.Type()))
		}
		marshal(w, v.Elem())
	default:
		panic(fmt.Sprintf("not marshallable: %v", v.Type()))
	}
}

// Marshals the members of the struct, handling sized and list fields.
// May panic in the following situations:
// A slice field is neither sized nor a list
// A sized field is neither a byte slice nor a struct
func marshalStruct(w *Writer, v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		f := v.Type().Field(i)
		if hasTag(f, "-") {
			continue
		}
		fv := v.Field(i)
		switch {
		case hasTag(f, "sized"):
			switch {
			case fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.Uint8:
				w.Sized(fv.Bytes())
			case fv.Kind() == reflect.Struct:
				// Serialize to a temporary buffer, so that it can be sized.
				inner := NewWriter(MaxBufferSize)
				marshal(inner, fv)
				b, err := inner.Bytes()
				if err != nil {
					if w.err == nil {
						w.err = err
					}
					return
				}
				w.Sized(b)
			default:
				panic(fmt.Sprintf("struct '%v' field '%v' is sized but is %v", v.Type().Name(), f.Name, fv.Kind()))
			}
		case hasTag(f, "list"):
			if fv.Kind() != reflect.Slice {
				panic(fmt.Sprintf("struct '%v' field '%v' is a list but is %v", v.Type().Name(), f.Name, fv.Kind()))
			}
			w.U32(uint32(fv.Len()))
			for j := 0; j < fv.Len(); j++ {
				marshal(w, fv.Index(j))
			}
		case fv.Kind() == reflect.Slice:
			panic(fmt.Sprintf("struct '%v' slice field '%v' is neither sized nor a list", v.Type().Name(), f.Name))
		default:
			marshal(w, fv)
		}
	}
}

func unmarshal(r *Reader, v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		b, err := r.Bool()
		v.SetBool(b)
		return err
	case reflect.Uint8:
		n, err := r.U8()
		v.SetUint(uint64(n))
		return err
	case reflect.Uint16:
		n, err := r.U16()
		v.SetUint(uint64(n))
		return err
	case reflect.Uint32:
		n, err := r.U32()
		v.SetUint(uint64(n))
		return err
	case reflect.Uint64:
		n, err := r.U64()
		v.SetUint(n)
		return err
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := r.Bytes(v.Len())
			if err != nil {
				return err
			}
			for i, c := range b {
				v.Index(i).SetUint(uint64(c))
			}
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := unmarshal(r, v.Index(i)); err != nil {
				return fmt.Errorf("deserializing array index %v: %w", i, err)
			}
		}
		return nil
	case reflect.Struct:
		return unmarshalStruct(r, v)
	default:
		panic(fmt.Sprintf("not marshallable: %v", v.Type()))
	}
}

func unmarshalStruct(r *Reader, v reflect.Value) error {
	for i := 0; i < v.NumField(); i++ {
		f := v.Type().Field(i)
		if hasTag(f, "-") {
			continue
		}
		fv := v.Field(i)
		switch {
		case hasTag(f, "sized"):
			b, err := r.Sized()
			if err != nil {
				return fmt.Errorf("reading sized field '%v' of struct '%v': %w", f.Name, v.Type().Name(), err)
			}
			switch {
			case fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.Uint8:
				fv.SetBytes(b)
			case fv.Kind() == reflect.Struct:
				inner := NewReader(b)
				if err := unmarshal(inner, fv); err != nil {
					return fmt.Errorf("unmarshalling field '%v' of struct '%v': %w", f.Name, v.Type().Name(), err)
				}
				if inner.Len() != 0 {
					return Errorf(RCBadParamSize, "extra data at the end of sized field '%v' inside struct '%v'",
						f.Name, v.Type().Name())
				}
			default:
				panic(fmt.Sprintf("struct '%v' field '%v' is sized but is %v", v.Type().Name(), f.Name, fv.Kind()))
			}
		case hasTag(f, "list"):
			if fv.Kind() != reflect.Slice {
				panic(fmt.Sprintf("struct '%v' field '%v' is a list but is %v", v.Type().Name(), f.Name, fv.Kind()))
			}
			length, err := r.U32()
			if err != nil {
				return fmt.Errorf("deserializing count for field '%v': %w", f.Name, err)
			}
			if uint64(length) > math.MaxInt32 || length > maxListLength {
				return Errorf(RCBadParamSize, "could not deserialize list of length %v", length)
			}
			// Go's reflect library doesn't allow increasing the capacity of an existing slice.
			// Allocate a new one of the correct length, unmarshal to it, and swap it in.
			tmp := reflect.MakeSlice(fv.Type(), int(length), int(length))
			for j := 0; j < int(length); j++ {
				if err := unmarshal(r, tmp.Index(j)); err != nil {
					return fmt.Errorf("deserializing list '%v' index %v: %w", f.Name, j, err)
				}
			}
			fv.Set(tmp)
		case fv.Kind() == reflect.Slice:
			panic(fmt.Sprintf("struct '%v' slice field '%v' is neither sized nor a list", v.Type().Name(), f.Name))
		default:
			if err := unmarshal(r, fv); err != nil {
				return fmt.Errorf("unmarshalling field '%v' of struct '%v': %w", f.Name, v.Type().Name(), err)
			}
		}
	}
	return nil
}

// tags returns all the tpm12 tags on a field as a map.
// Some tags are settable (with "="). For these, the value is the RHS.
// For all others, the value is the empty string.
func tags(t reflect.StructField) map[string]string {
	allTags, ok := t.Tag.Lookup("tpm12")
	if !ok {
		return nil
	}
	result := make(map[string]string)
	for _, tag := range strings.Split(allTags, ",") {
		assignment := strings.SplitN(tag, "=", 2)
		val := ""
		if len(assignment) > 1 {
			val = assignment[1]
		}
		result[assignment[0]] = val
	}
	return result
}

// hasTag reports whether the field's tpm12-namespaced tag contains the given value.
func hasTag(t reflect.StructField, tag string) bool {
	_, ok := tags(t)[tag]
	return ok
}
