package warmstate

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"

	"github.com/zeebo/xxh3"
)

// Slot tags keep values of different kinds apart in the digest.
const (
	tagNil byte = iota
	tagInt
	tagFloat
	tagString
	tagOther
)

// hashGreens digests a green tuple. Strings hash by content, numbers by
// value and pointers by address. Other values contribute only their type,
// and equalGreens separates them within a bucket.
func hashGreens(greens []any) uint64 {
	h := xxh3.New()
	var buf [9]byte
	for _, g := range greens {
		switch x := g.(type) {
		case nil:
			h.Write([]byte{tagNil})
		case int64:
			buf[0] = tagInt
			binary.LittleEndian.PutUint64(buf[1:], uint64(x))
			h.Write(buf[:])
		case int:
			buf[0] = tagInt
			binary.LittleEndian.PutUint64(buf[1:], uint64(x))
			h.Write(buf[:])
		case float64:
			buf[0] = tagFloat
			binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(x))
			h.Write(buf[:])
		case string:
			h.Write([]byte{tagString})
			binary.LittleEndian.PutUint64(buf[1:], uint64(len(x)))
			h.Write(buf[1:])
			h.WriteString(x)
		default:
			h.Write([]byte{tagOther})
			h.WriteString(fmt.Sprintf("%T", g))
			switch rv := reflect.ValueOf(g); rv.Kind() {
			case reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
				binary.LittleEndian.PutUint64(buf[1:], uint64(rv.Pointer()))
				h.Write(buf[1:])
			}
		}
	}
	return h.Sum64()
}

// equalGreens compares green tuples slot by slot.
func equalGreens(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalSlot(a[i], b[i]) {
			return false
		}
	}
	return true
}

func equalSlot(a, b any) bool {
	switch x := a.(type) {
	case int64:
		y, ok := asInt(b)
		return ok && x == y
	case int:
		y, ok := asInt(b)
		return ok && int64(x) == y
	case float64:
		y, ok := b.(float64)
		return ok && math.Float64bits(x) == math.Float64bits(y)
	case string:
		y, ok := b.(string)
		return ok && x == y
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	}
	return 0, false
}
