package main

import "unsafe"

// The host calls the guest through four exports. Payloads cross the
// boundary as JSON in linear memory: the host writes input into a buffer
// obtained from malloc, the guest returns (ptr << 32) | len for its
// output, and each side frees what the other allocated.

// allocs pins handed-out buffers so the collector keeps them alive until
// the host frees them.
var allocs = map[uint32][]byte{}

//export malloc
func guestMalloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	allocs[ptr] = buf
	return ptr
}

//export free
func guestFree(ptr uint32) {
	delete(allocs, ptr)
}

//export plugin_init
func pluginInit(ptr, size uint32) uint64 {
	return pack(handleInit(readInput(ptr, size)))
}

//export plugin_invoke
func pluginInvoke(ptr, size uint32) uint64 {
	return pack(dispatch(readInput(ptr, size)))
}

func readInput(ptr, size uint32) []byte {
	if ptr == 0 || size == 0 {
		return nil
	}
	buf := make([]byte, size)
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size))
	return buf
}

// pack allocates output for the host and encodes its location.
func pack(out []byte) uint64 {
	if len(out) == 0 {
		return 0
	}
	ptr := guestMalloc(uint32(len(out)))
	copy(allocs[ptr], out)
	return uint64(ptr)<<32 | uint64(uint32(len(out)))
}
