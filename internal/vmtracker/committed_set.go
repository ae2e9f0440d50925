package vmtracker

import "sort"

// committedSet is the ordered collection of committed sub-ranges owned by a
// single reserved region. Ranges are kept sorted by base address, mutually
// non-overlapping and never adjacent; commits that touch or overlap existing
// ranges coalesce into one. A flat sorted slice is used rather than a tree:
// the number of committed ranges per reservation stays small, so binary
// search plus a copy beats pointer chasing.
type committedSet struct {
	ranges []CommittedMemoryRegion
}

// markCommitted records [base, base+size) as committed, merging with any
// overlapping or adjacent ranges. Bounds are validated by the caller.
func (s *committedSet) markCommitted(base, size uint64) {
	end := base + size

	// First range that could merge: its end touches or passes base.
	i := sort.Search(len(s.ranges), func(k int) bool {
		return s.ranges[k].End() >= base
	})

	newBase, newEnd := base, end
	j := i
	for j < len(s.ranges) && s.ranges[j].Base <= end {
		if s.ranges[j].Base < newBase {
			newBase = s.ranges[j].Base
		}
		if s.ranges[j].End() > newEnd {
			newEnd = s.ranges[j].End()
		}
		j++
	}

	if i == j {
		// No merge partner; insert at i.
		s.ranges = append(s.ranges, CommittedMemoryRegion{})
		copy(s.ranges[i+1:], s.ranges[i:])
		s.ranges[i] = CommittedMemoryRegion{Base: newBase, Size: newEnd - newBase}
		return
	}

	s.ranges[i] = CommittedMemoryRegion{Base: newBase, Size: newEnd - newBase}
	s.ranges = append(s.ranges[:i+1], s.ranges[j:]...)
}

// markUncommitted removes backing for [base, base+size). An exactly matching
// range is deleted, a range overlapped at one end is shrunk, and a range
// strictly containing the removal is split in two.
func (s *committedSet) markUncommitted(base, size uint64) {
	end := base + size

	idx := sort.Search(len(s.ranges), func(k int) bool {
		return s.ranges[k].End() > base
	})

	for idx < len(s.ranges) && s.ranges[idx].Base < end {
		r := s.ranges[idx]
		switch {
		case r.Base >= base && r.End() <= end:
			// Fully covered: delete.
			s.ranges = append(s.ranges[:idx], s.ranges[idx+1:]...)

		case r.Base < base && r.End() > end:
			// Strict interior removal: split into two remnants.
			left := CommittedMemoryRegion{Base: r.Base, Size: base - r.Base}
			right := CommittedMemoryRegion{Base: end, Size: r.End() - end}
			s.ranges[idx] = left
			s.ranges = append(s.ranges, CommittedMemoryRegion{})
			copy(s.ranges[idx+2:], s.ranges[idx+1:])
			s.ranges[idx+1] = right
			return

		case r.Base < base:
			// Tail of the range removed.
			s.ranges[idx].Size = base - r.Base
			idx++

		default:
			// Head of the range removed.
			s.ranges[idx] = CommittedMemoryRegion{Base: end, Size: r.End() - end}
			return
		}
	}
}

// overlap returns the first (lowest-address) committed range intersecting
// [base, base+size), clipped to the queried bounds. This answers the
// partial-range question "is any part of this range committed, and from
// where to where" rather than "is the whole range committed".
func (s *committedSet) overlap(base, size uint64) (CommittedMemoryRegion, bool) {
	end := base + size
	idx := sort.Search(len(s.ranges), func(k int) bool {
		return s.ranges[k].End() > base
	})
	if idx == len(s.ranges) || s.ranges[idx].Base >= end {
		return CommittedMemoryRegion{}, false
	}
	r := s.ranges[idx]
	start := r.Base
	if base > start {
		start = base
	}
	stop := r.End()
	if end < stop {
		stop = end
	}
	return CommittedMemoryRegion{Base: start, Size: stop - start}, true
}

// visit invokes fn for each committed range in ascending base order; fn
// returning false stops the iteration.
func (s *committedSet) visit(fn func(CommittedMemoryRegion) bool) {
	for _, r := range s.ranges {
		if !fn(r) {
			return
		}
	}
}

// totalCommitted returns the committed byte total across all ranges.
func (s *committedSet) totalCommitted() uint64 {
	var total uint64
	for _, r := range s.ranges {
		total += r.Size
	}
	return total
}

// count returns the number of committed ranges.
func (s *committedSet) count() int { return len(s.ranges) }
