package vmtracker

import (
	"github.com/pkg/errors"

	"github.com/orizon-lang/memtrack/internal/osmem"
)

// ScanBatchPages is how many pages a single residency query covers. The
// underlying OS primitive is bounded in how much it can report per call, so
// large ranges are walked in fixed batches; the exact width only bounds the
// per-call buffer and syscall cost, any positive value is correct.
const ScanBatchPages = 1024

// ResidencyScanner determines which parts of an address range are backed by
// resident pages, using bounded batched queries against the OS. It is a pure
// query: it never mutates tracking state. A scanner owns a reusable bitmap
// buffer and must not be used from multiple goroutines at once; the Tracker
// runs it under its lock.
type ResidencyScanner struct {
	backend osmem.Backend
	bitmap  []byte
}

// NewResidencyScanner creates a scanner over the given backend.
func NewResidencyScanner(backend osmem.Backend) *ResidencyScanner {
	return &ResidencyScanner{
		backend: backend,
		bitmap:  make([]byte, ScanBatchPages),
	}
}

// Scan finds the first contiguous run of resident pages starting at or after
// addr within [addr, addr+length). Runs are accumulated across batch
// boundaries, so a run straddling two batches is reported as one. The second
// return is false when no page in the range is resident. The reported run is
// clipped to the queried range. Scan returns osmem.ErrResidencyUnsupported
// when the platform cannot report residency at all.
func (s *ResidencyScanner) Scan(addr, length uint64) (CommittedMemoryRegion, bool, error) {
	pageSize := s.backend.PageSize()
	if length == 0 {
		return CommittedMemoryRegion{}, false, nil
	}

	cur := addr &^ (pageSize - 1)
	end := (addr + length + pageSize - 1) &^ (pageSize - 1)

	var run CommittedMemoryRegion
	inRun := false

	for cur < end {
		pages := int((end - cur) / pageSize)
		if pages > ScanBatchPages {
			pages = ScanBatchPages
		}
		if err := s.backend.QueryResidency(cur, pages, s.bitmap); err != nil {
			if errors.Is(err, osmem.ErrResidencyUnsupported) {
				return CommittedMemoryRegion{}, false, err
			}
			return CommittedMemoryRegion{}, false, errors.Wrapf(err,
				"residency query at %#x (%d pages)", cur, pages)
		}
		for i := 0; i < pages; i++ {
			if s.bitmap[i]&1 != 0 {
				if !inRun {
					run.Base = cur + uint64(i)*pageSize
					inRun = true
				}
				continue
			}
			if inRun {
				run.Size = cur + uint64(i)*pageSize - run.Base
				return clipRun(run, addr, addr+length), true, nil
			}
		}
		cur += uint64(pages) * pageSize
	}

	if inRun {
		run.Size = end - run.Base
		return clipRun(run, addr, addr+length), true, nil
	}
	return CommittedMemoryRegion{}, false, nil
}

// clipRun bounds a page-aligned run to the originally queried byte range.
func clipRun(run CommittedMemoryRegion, lo, hi uint64) CommittedMemoryRegion {
	start, stop := run.Base, run.End()
	if start < lo {
		start = lo
	}
	if stop > hi {
		stop = hi
	}
	return CommittedMemoryRegion{Base: start, Size: stop - start}
}
