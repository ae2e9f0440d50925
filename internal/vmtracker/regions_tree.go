package vmtracker

import "github.com/google/btree"

// treeDegree is the branching factor of the reservations B-tree.
const treeDegree = 8

// RegionsTree is the address-ordered container of reserved regions, keyed by
// base address. Keeping the key order consistent with address order gives
// logarithmic containment lookups, which matters because the tree sits on
// allocation paths. The tree performs no locking of its own; the owning
// Tracker serializes access.
type RegionsTree struct {
	tree *btree.BTreeG[*reservedNode]
}

// NewRegionsTree creates an empty tree.
func NewRegionsTree() *RegionsTree {
	return &RegionsTree{
		tree: btree.NewG(treeDegree, func(a, b *reservedNode) bool {
			return a.base < b.base
		}),
	}
}

// Len returns the number of tracked reservations.
func (t *RegionsTree) Len() int { return t.tree.Len() }

// AddReservedRegion inserts a new reservation. Overlap with an existing
// reservation means the accounting is already corrupt and is fatal.
func (t *RegionsTree) AddReservedRegion(base, size uint64, callSite CallSite, tag MemTag) {
	if size == 0 {
		accountingFault(FaultZeroSize, base, size, "zero-size reservation")
	}

	key := &reservedNode{base: base}
	t.tree.DescendLessOrEqual(key, func(n *reservedNode) bool {
		if n.end() > base {
			accountingFault(FaultOverlappingReservation, base, size,
				"reservation overlaps [%#x, %#x) tagged %s", n.base, n.end(), n.tag)
		}
		return false
	})
	t.tree.AscendGreaterOrEqual(key, func(n *reservedNode) bool {
		if n.base < base+size {
			accountingFault(FaultOverlappingReservation, base, size,
				"reservation overlaps [%#x, %#x) tagged %s", n.base, n.end(), n.tag)
		}
		return false
	})

	t.tree.ReplaceOrInsert(&reservedNode{
		base:     base,
		size:     size,
		tag:      tag,
		callSite: callSite,
	})
}

// RemoveReleasedRegion removes [base, base+size) from tracking and discards
// the committed sub-ranges it covered. The guaranteed case is releasing a
// full reservation; releasing a precise sub-segment shrinks the reservation,
// and an interior release splits it in two. It returns the region's tag and
// the number of committed bytes the release discarded. Releasing an address
// that is not tracked (including a second release) is fatal.
func (t *RegionsTree) RemoveReleasedRegion(base, size uint64) (MemTag, uint64) {
	if size == 0 {
		accountingFault(FaultZeroSize, base, size, "zero-size release")
	}

	n := t.containing(base)
	if n == nil {
		accountingFault(FaultNotReserved, base, size,
			"release of untracked address (double release?)")
	}
	end := base + size
	if !n.containsRange(base, size) {
		accountingFault(FaultOutOfBounds, base, size,
			"release crosses reservation [%#x, %#x)", n.base, n.end())
	}

	dropped := committedWithin(&n.committed, base, size)
	n.committed.markUncommitted(base, size)

	switch {
	case base == n.base && size == n.size:
		t.tree.Delete(n)

	case base == n.base:
		// Head released: the key changes, so reinsert.
		t.tree.Delete(n)
		n.base = end
		n.size -= size
		assertNoOrphans(n)
		t.tree.ReplaceOrInsert(n)

	case end == n.end():
		// Tail released: key unchanged, shrink in place.
		n.size -= size
		assertNoOrphans(n)

	default:
		// Interior released: split into two remnants, partitioning the
		// committed set. After the uncommit above no committed range
		// straddles the released span.
		right := &reservedNode{
			base:     end,
			size:     n.end() - end,
			tag:      n.tag,
			callSite: n.callSite,
		}
		split := 0
		for split < len(n.committed.ranges) && n.committed.ranges[split].End() <= base {
			split++
		}
		right.committed.ranges = append(right.committed.ranges, n.committed.ranges[split:]...)
		n.committed.ranges = n.committed.ranges[:split]
		n.size = base - n.base
		assertNoOrphans(n)
		assertNoOrphans(right)
		t.tree.ReplaceOrInsert(right)
	}

	return n.tag, dropped
}

// FindReservedRegion returns a snapshot of the unique reservation containing
// addr. The second return is false when no reservation contains it; the
// zero-value snapshot is never conflated with a tracked region.
func (t *RegionsTree) FindReservedRegion(addr uint64) (ReservedMemoryRegion, bool) {
	n := t.containing(addr)
	if n == nil {
		return ReservedMemoryRegion{}, false
	}
	return n.snapshot(), true
}

// VisitCommittedRegions invokes visitor once per committed sub-range of the
// reservation identified by region, in ascending base order. The visitor
// returns false to stop early. Nothing is visited when the reservation is no
// longer tracked.
func (t *RegionsTree) VisitCommittedRegions(region ReservedMemoryRegion, visitor func(CommittedMemoryRegion) bool) {
	n := t.exact(region.Base)
	if n == nil {
		return
	}
	n.committed.visit(visitor)
}

// visitNodes iterates all reservations in ascending base order; fn returning
// false stops early.
func (t *RegionsTree) visitNodes(fn func(*reservedNode) bool) {
	t.tree.Ascend(fn)
}

// containing returns the node whose range contains addr, or nil.
func (t *RegionsTree) containing(addr uint64) *reservedNode {
	var found *reservedNode
	t.tree.DescendLessOrEqual(&reservedNode{base: addr}, func(n *reservedNode) bool {
		if n.contains(addr) {
			found = n
		}
		return false
	})
	return found
}

// exact returns the node whose base is exactly base, or nil.
func (t *RegionsTree) exact(base uint64) *reservedNode {
	n, ok := t.tree.Get(&reservedNode{base: base})
	if !ok {
		return nil
	}
	return n
}

// committedWithin sums the committed bytes of s intersecting [base, base+size).
func committedWithin(s *committedSet, base, size uint64) uint64 {
	end := base + size
	var total uint64
	for _, r := range s.ranges {
		if !r.Overlaps(base, size) {
			continue
		}
		lo, hi := r.Base, r.End()
		if lo < base {
			lo = base
		}
		if hi > end {
			hi = end
		}
		total += hi - lo
	}
	return total
}

// assertNoOrphans verifies every committed range still lies inside the
// (possibly shrunken) reservation bounds.
func assertNoOrphans(n *reservedNode) {
	for _, r := range n.committed.ranges {
		if r.Base < n.base || r.End() > n.end() {
			accountingFault(FaultOrphanedCommit, r.Base, r.Size,
				"committed range outside reservation [%#x, %#x)", n.base, n.end())
		}
	}
}
