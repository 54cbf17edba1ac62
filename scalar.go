package goishmem

import (
	"unsafe"

	"github.com/goishmem/goishmem/internal/proto"
)

// Scalar is the set of element types every RMA, AMO, and signal primitive
// monomorphizes over. It stands in for the hand-written per-type template
// expansion the original C/C++ source used (spec.md section 9): one set of
// generic functions, parameterized by a type trait exposing (element size,
// base type enum), replaces one concrete entry point per (type x operation
// x callsite variant).
type Scalar interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~int8 | ~int16 | ~int32 | ~int64 |
		~float32 | ~float64
}

// Integer is the subset of Scalar that supports the bitwise AMOs
// (and/or/xor). Go generics reject bitwise operators on a constraint that
// includes floating-point types, so the bitwise atomics are parameterized
// over this narrower set.
type Integer interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64
}

// typeOf maps a Scalar type parameter to the wire-level proto.Type enum
// carried in a ring Request, so a single generic function can fill in the
// right Type field regardless of T.
func typeOf[T Scalar]() proto.Type {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return proto.TypeUint8
	case uint16:
		return proto.TypeUint16
	case uint32:
		return proto.TypeUint32
	case uint64:
		return proto.TypeUint64
	case int8:
		return proto.TypeInt8
	case int16:
		return proto.TypeInt16
	case int32:
		return proto.TypeInt32
	case int64:
		return proto.TypeInt64
	case float32:
		return proto.TypeFloat
	case float64:
		return proto.TypeDouble
	default:
		return proto.TypeMem
	}
}

// sizeOf returns sizeof(T) the way the spec's type trait exposes
// element_size.
func sizeOf[T Scalar]() uintptr {
	var zero T
	return unsafe.Sizeof(zero)
}

// loadElem reinterprets the first sizeof(T) bytes of buf as a T. buf must
// be at least that long; callers get such a slice from DeviceRuntime.Bytes
// sized to exactly sizeof(T).
func loadElem[T Scalar](buf []byte) T {
	return *(*T)(unsafe.Pointer(&buf[0]))
}

// storeElem writes v into the first sizeof(T) bytes of buf.
func storeElem[T Scalar](buf []byte, v T) {
	*(*T)(unsafe.Pointer(&buf[0])) = v
}
