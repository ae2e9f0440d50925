package osmem

import (
	"sync"

	"github.com/pkg/errors"
)

// simBase is where the simulated address space starts handing out
// reservations. The value is an arbitrary canonical 48-bit address.
const simBase = 0xc000_0000_0000

// SimBackend is a deterministic, in-process Backend for tests. It models a
// page-granular address space with demand paging: Commit makes a range
// accessible but pages only become resident once touched with Touch, the way
// anonymous memory and lazily grown thread stacks behave on real systems.
type SimBackend struct {
	mu           sync.Mutex
	pageSize     uint64
	next         uint64
	reservations map[uint64]uint64
	committed    map[uint64]bool
	resident     map[uint64]bool
	residencyOK  bool
	stackEnd     uint64
	stackSize    uint64
}

// NewSimBackend creates a simulated backend with the given page size, which
// must be a power of two.
func NewSimBackend(pageSize uint64) *SimBackend {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		panic("osmem: page size must be a power of two")
	}
	return &SimBackend{
		pageSize:     pageSize,
		next:         simBase,
		reservations: make(map[uint64]uint64),
		committed:    make(map[uint64]bool),
		resident:     make(map[uint64]bool),
		residencyOK:  true,
	}
}

// DisableResidency makes QueryResidency report ErrResidencyUnsupported,
// modeling platforms without a residency primitive.
func (b *SimBackend) DisableResidency() {
	b.mu.Lock()
	b.residencyOK = false
	b.mu.Unlock()
}

func (b *SimBackend) PageSize() uint64 { return b.pageSize }

func (b *SimBackend) Reserve(size uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.New("sim: zero-size reservation")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	size = b.alignUp(size)
	base := b.next
	// Leave one unreserved guard page between reservations so adjacent
	// reservations never look contiguous to a scan.
	b.next += size + b.pageSize
	b.reservations[base] = size
	return base, nil
}

func (b *SimBackend) Commit(addr, size uint64, executable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkReserved(addr, size); err != nil {
		return err
	}
	b.forEachPage(addr, size, func(page uint64) {
		b.committed[page] = true
	})
	return nil
}

func (b *SimBackend) Uncommit(addr, size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forEachPage(addr, size, func(page uint64) {
		delete(b.committed, page)
		delete(b.resident, page)
	})
	return nil
}

func (b *SimBackend) Release(addr, size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if got, ok := b.reservations[addr]; ok && got == b.alignUp(size) {
		delete(b.reservations, addr)
	}
	b.forEachPage(addr, size, func(page uint64) {
		delete(b.committed, page)
		delete(b.resident, page)
	})
	return nil
}

func (b *SimBackend) Disclaim(addr, size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forEachPage(addr, size, func(page uint64) {
		delete(b.resident, page)
	})
	return nil
}

// Touch marks the pages covering [addr, addr+size) resident, modeling a
// write that demand-pages them in. Pages inside a reservation are committed
// implicitly, the way a kernel grows a thread stack.
func (b *SimBackend) Touch(addr, size uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forEachPage(addr, size, func(page uint64) {
		b.committed[page] = true
		b.resident[page] = true
	})
}

func (b *SimBackend) QueryResidency(addr uint64, pages int, bitmap []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.residencyOK {
		return ErrResidencyUnsupported
	}
	page := addr / b.pageSize
	for i := 0; i < pages; i++ {
		if b.resident[page+uint64(i)] {
			bitmap[i] = 1
		} else {
			bitmap[i] = 0
		}
	}
	return nil
}

// SetThreadStack fixes what CurrentThreadStackBounds reports. The stack span
// itself must be reserved separately if a tracker is to account for it.
func (b *SimBackend) SetThreadStack(end, size uint64) {
	b.mu.Lock()
	b.stackEnd, b.stackSize = end, size
	b.mu.Unlock()
}

func (b *SimBackend) CurrentThreadStackBounds() (uint64, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stackSize == 0 {
		return 0, 0, errors.New("sim: no thread stack configured")
	}
	return b.stackEnd, b.stackSize, nil
}

func (b *SimBackend) alignUp(v uint64) uint64 {
	return (v + b.pageSize - 1) &^ (b.pageSize - 1)
}

func (b *SimBackend) forEachPage(addr, size uint64, fn func(page uint64)) {
	first := addr / b.pageSize
	last := (addr + size + b.pageSize - 1) / b.pageSize
	for page := first; page < last; page++ {
		fn(page)
	}
}

func (b *SimBackend) checkReserved(addr, size uint64) error {
	for base, rsize := range b.reservations {
		if addr >= base && addr+size <= base+rsize {
			return nil
		}
	}
	return errors.Errorf("sim: [%#x, %#x) not inside a reservation", addr, addr+size)
}
