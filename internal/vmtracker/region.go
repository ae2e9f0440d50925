// Package vmtracker implements native-memory accounting for reserved virtual
// address ranges: an address-ordered tree of reservations, a per-reservation
// set of committed sub-ranges with merge and split semantics, a batched page
// residency scanner, and the tracker facade tying them together.
package vmtracker

import (
	"fmt"
	"runtime"
)

// MemTag categorizes a reservation for attribution and summary reporting.
type MemTag uint8

const (
	TagGeneric     MemTag = iota // Untyped runtime memory
	TagThreadStack               // Thread stack reservations
	TagTest                      // Memory reserved by test code
	tagCount
)

// String returns the string representation of a memory tag.
func (t MemTag) String() string {
	switch t {
	case TagGeneric:
		return "Generic"
	case TagThreadStack:
		return "ThreadStack"
	case TagTest:
		return "Test"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// Tags lists all known memory tags in declaration order.
func Tags() []MemTag {
	tags := make([]MemTag, 0, tagCount)
	for t := MemTag(0); t < tagCount; t++ {
		tags = append(tags, t)
	}
	return tags
}

// CallSite identifies the code location that created a reservation.
type CallSite struct {
	pc uintptr
}

// CallerSite captures the call site skip frames above the caller.
// CallerSite(0) attributes to the caller itself.
func CallerSite(skip int) CallSite {
	pc, _, _, ok := runtime.Caller(skip + 1)
	if !ok {
		return CallSite{}
	}
	return CallSite{pc: pc}
}

// IsSet reports whether the call site was captured.
func (cs CallSite) IsSet() bool { return cs.pc != 0 }

// String resolves the call site to function, file and line.
func (cs CallSite) String() string {
	if cs.pc == 0 {
		return "<unknown>"
	}
	fn := runtime.FuncForPC(cs.pc)
	if fn == nil {
		return fmt.Sprintf("pc=%#x", cs.pc)
	}
	file, line := fn.FileLine(cs.pc)
	return fmt.Sprintf("%s (%s:%d)", fn.Name(), file, line)
}

// CommittedMemoryRegion is one contiguous committed sub-range of a reserved
// region. Within a reservation, committed ranges are sorted by base, never
// overlap, and are never adjacent.
type CommittedMemoryRegion struct {
	Base uint64
	Size uint64
}

// End returns the exclusive upper bound of the range.
func (c CommittedMemoryRegion) End() uint64 { return c.Base + c.Size }

// Overlaps reports whether the range intersects [base, base+size).
func (c CommittedMemoryRegion) Overlaps(base, size uint64) bool {
	return c.Base < base+size && base < c.End()
}

// ReservedMemoryRegion is a value snapshot of one tracked reservation. It is
// a copy handed out by queries, not a live reference into the tree, so it
// stays valid for inspection after the tree is mutated.
type ReservedMemoryRegion struct {
	Base     uint64
	Size     uint64
	Tag      MemTag
	CallSite CallSite
}

// IsValid reports whether the snapshot refers to a tracked reservation.
// The zero value is the "not found" result.
func (r ReservedMemoryRegion) IsValid() bool { return r.Size != 0 }

// End returns the exclusive upper bound of the reservation.
func (r ReservedMemoryRegion) End() uint64 { return r.Base + r.Size }

// Contains reports whether addr falls inside the reservation.
func (r ReservedMemoryRegion) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

// reservedNode is the tree-internal representation of a reservation; it owns
// the committed set. Query paths copy it into a ReservedMemoryRegion before
// returning.
type reservedNode struct {
	base      uint64
	size      uint64
	tag       MemTag
	callSite  CallSite
	committed committedSet
}

func (n *reservedNode) end() uint64 { return n.base + n.size }

func (n *reservedNode) contains(addr uint64) bool {
	return addr >= n.base && addr < n.end()
}

func (n *reservedNode) containsRange(base, size uint64) bool {
	return base >= n.base && base+size <= n.end()
}

func (n *reservedNode) snapshot() ReservedMemoryRegion {
	return ReservedMemoryRegion{
		Base:     n.base,
		Size:     n.size,
		Tag:      n.tag,
		CallSite: n.callSite,
	}
}
