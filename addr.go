package fntrace

import (
	"encoding/binary"
	"unsafe"
)

// SizeofPtr is the size of a pointer on the current architecture.
const SizeofPtr = unsafe.Sizeof(uintptr(0))

// ByteOrder is the native byte order of the current architecture.
var ByteOrder binary.ByteOrder = nativeByteOrder()

// ReadAddress reads a pointer-sized value off the front of data.
func ReadAddress(data []byte) uintptr {
	if len(data) < int(SizeofPtr) {
		return 0
	}

	if SizeofPtr == 4 {
		return uintptr(ByteOrder.Uint32(data))
	}

	return uintptr(ByteOrder.Uint64(data))
}

func nativeByteOrder() binary.ByteOrder {
	buf := [2]byte{}
	*(*uint16)(unsafe.Pointer(&buf[0])) = uint16(0xABCD)

	switch buf {
	case [2]byte{0xCD, 0xAB}:
		return binary.LittleEndian
	case [2]byte{0xAB, 0xCD}:
		return binary.BigEndian
	default:
		panic("fntrace: could not determine native byte order")
	}
}
