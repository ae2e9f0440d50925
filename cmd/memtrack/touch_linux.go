//go:build linux

package main

import "unsafe"

// touch writes one byte per page so the committed range demand-pages in.
func touch(base, size, pageSize uint64) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(base))), size)
	for off := uint64(0); off < size; off += pageSize {
		buf[off] = 1
	}
}
