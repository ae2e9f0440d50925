//go:build !linux

package osmem

import "github.com/pkg/errors"

// stubBackend is the fallback for platforms without a native implementation.
// Reservation bookkeeping still works through the simulated backend; the
// system backend on these platforms only reports its limitations.
type stubBackend struct {
	sim *SimBackend
}

// NewSystemBackend returns the Backend for the running platform. On platforms
// without native paging support this is a simulated address space whose
// residency query reports ErrResidencyUnsupported, so trackers degrade to
// whole-region commit granularity.
func NewSystemBackend() Backend {
	sim := NewSimBackend(4096)
	sim.DisableResidency()
	return &stubBackend{sim: sim}
}

func (b *stubBackend) Reserve(size uint64) (uint64, error) { return b.sim.Reserve(size) }

func (b *stubBackend) Commit(addr, size uint64, executable bool) error {
	return b.sim.Commit(addr, size, executable)
}

func (b *stubBackend) Uncommit(addr, size uint64) error { return b.sim.Uncommit(addr, size) }
func (b *stubBackend) Release(addr, size uint64) error  { return b.sim.Release(addr, size) }
func (b *stubBackend) Disclaim(addr, size uint64) error { return b.sim.Disclaim(addr, size) }
func (b *stubBackend) PageSize() uint64                 { return b.sim.PageSize() }

func (b *stubBackend) QueryResidency(addr uint64, pages int, bitmap []byte) error {
	return ErrResidencyUnsupported
}

func (b *stubBackend) CurrentThreadStackBounds() (uint64, uint64, error) {
	return 0, 0, errors.New("thread stack bounds not available on this platform")
}
