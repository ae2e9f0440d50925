// Package osmem abstracts the operating system's virtual memory primitives
// consumed by the native memory tracker: reserving and releasing address
// ranges, committing and uncommitting pages, and querying page residency.
// Implementations are platform specific; a deterministic simulated backend
// is provided for tests.
package osmem

import "errors"

// ErrResidencyUnsupported is reported by backends that cannot answer
// per-page residency queries. Callers degrade to whole-region commit
// granularity instead of failing.
var ErrResidencyUnsupported = errors.New("osmem: page residency query not supported")

// Backend is the set of OS virtual-memory operations the tracker consumes.
// Addresses and sizes are raw byte values; committed ranges are page-aligned
// multiples of PageSize.
type Backend interface {
	// Reserve maps size bytes of address space with no access permissions
	// and returns the base address. The range is not backed until committed.
	Reserve(size uint64) (uint64, error)

	// Commit enables access to [addr, addr+size). Pages become resident
	// lazily on first touch, not at commit time.
	Commit(addr, size uint64, executable bool) error

	// Uncommit returns the backing of [addr, addr+size) to the OS while
	// keeping the address range reserved.
	Uncommit(addr, size uint64) error

	// Release unmaps [addr, addr+size) entirely.
	Release(addr, size uint64) error

	// Disclaim hints that the content of [addr, addr+size) is no longer
	// needed; the range stays committed.
	Disclaim(addr, size uint64) error

	// PageSize returns the platform page granularity.
	PageSize() uint64

	// QueryResidency fills bitmap with one byte per page for pages pages
	// starting at addr; bit 0 set means the page is resident. The bitmap
	// is caller provided so repeated scans stay allocation free. The number
	// of pages reportable per call is bounded by the platform; callers
	// batch accordingly.
	QueryResidency(addr uint64, pages int, bitmap []byte) error

	// CurrentThreadStackBounds reports the calling thread's stack extent as
	// its lowest address and size. The logical stack top is end+size.
	CurrentThreadStackBounds() (end, size uint64, err error)
}
