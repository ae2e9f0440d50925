//go:build !linux

package main

// touch is a no-op where the system backend is simulated: its addresses are
// not real mappings and must not be dereferenced.
func touch(base, size, pageSize uint64) {}
