package vmtracker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/orizon-lang/memtrack/internal/osmem"
)

// TrackingLevel selects how much accounting work the tracker performs.
type TrackingLevel int32

const (
	// LevelOff disables all tracking work.
	LevelOff TrackingLevel = iota
	// LevelSummary maintains the regions tree, committed sets and per-tag
	// byte totals.
	LevelSummary
	// LevelDetail additionally records call-site attribution and enables
	// thread stack snapshot reconciliation.
	LevelDetail
)

// String returns the string representation of a tracking level.
func (l TrackingLevel) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelSummary:
		return "summary"
	case LevelDetail:
		return "detail"
	default:
		return fmt.Sprintf("unknown(%d)", int32(l))
	}
}

// ParseTrackingLevel parses "off", "summary" or "detail".
func ParseTrackingLevel(s string) (TrackingLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return LevelOff, nil
	case "summary":
		return LevelSummary, nil
	case "detail":
		return LevelDetail, nil
	default:
		return LevelOff, errors.Errorf("invalid tracking level %q", s)
	}
}

// Summary holds the per-tag virtual memory totals.
type Summary struct {
	Reserved  uint64
	Committed uint64
}

// Tracker is the process-wide native memory accounting facade. It owns the
// regions tree for its whole lifetime; a single exclusive lock serializes
// structural mutation and consistent-snapshot queries, with hold times
// proportional to the affected ranges rather than to total tracked memory.
// Construct one explicitly and hand references to call sites; there is no
// ambient global instance.
type Tracker struct {
	backend osmem.Backend
	logger  log.Logger
	metrics *trackerMetrics
	lvl     *atomic.Int32

	mu      sync.Mutex
	tree    *RegionsTree
	scanner *ResidencyScanner
	stacks  map[uint64]uint64 // stack end address -> stack size
	summary [tagCount]Summary

	// preciseUnsupported records that the platform cannot answer residency
	// queries; stack snapshots then fall back to whole-region granularity.
	preciseUnsupported bool

	// Reconciliation scratch buffers, reused across snapshots to keep the
	// diff allocation-free in steady state.
	scratchRuns []CommittedMemoryRegion
	scratchCur  []CommittedMemoryRegion
	scratchAdd  []CommittedMemoryRegion
	scratchDel  []CommittedMemoryRegion
}

// New creates a tracker at the given level. logger may be nil; reg may be nil
// to skip metric registration.
func New(backend osmem.Backend, lvl TrackingLevel, logger log.Logger, reg prometheus.Registerer) *Tracker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Tracker{
		backend: backend,
		logger:  log.With(logger, "component", "vmtracker"),
		metrics: newTrackerMetrics(reg),
		lvl:     atomic.NewInt32(int32(lvl)),
		tree:    NewRegionsTree(),
		scanner: NewResidencyScanner(backend),
		stacks:  make(map[uint64]uint64),
	}
}

// Level returns the current tracking level.
func (t *Tracker) Level() TrackingLevel {
	return TrackingLevel(t.lvl.Load())
}

// LowerLevel transitions to a lower tracking level. Raising the level after
// startup is not supported: accounting that was never recorded cannot be
// reconstructed.
func (t *Tracker) LowerLevel(to TrackingLevel) error {
	for {
		cur := t.lvl.Load()
		if int32(to) > cur {
			return errors.Errorf("cannot raise tracking level from %s to %s",
				TrackingLevel(cur), to)
		}
		if t.lvl.CompareAndSwap(cur, int32(to)) {
			level.Info(t.logger).Log("msg", "tracking level lowered",
				"from", TrackingLevel(cur), "to", to)
			return nil
		}
	}
}

// AddReservedRegion records a new reservation of [base, base+size) with its
// creating call site and category.
func (t *Tracker) AddReservedRegion(base, size uint64, callSite CallSite, tag MemTag) {
	lvl := t.Level()
	if lvl == LevelOff {
		return
	}
	if lvl < LevelDetail {
		// Attribution is a detail-level feature.
		callSite = CallSite{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.AddReservedRegion(base, size, callSite, tag)
	t.metrics.accountedRegions.Set(float64(t.tree.Len()))
	t.addSummary(tag, int64(size), 0)
}

// RemoveReleasedRegion removes tracking for the released range, which must
// match a tracked reservation or a precise sub-segment of one. Its committed
// sub-ranges are discarded with it.
func (t *Tracker) RemoveReleasedRegion(base, size uint64) {
	if t.Level() == LevelOff {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	tag, committedDropped := t.tree.RemoveReleasedRegion(base, size)
	t.metrics.accountedRegions.Set(float64(t.tree.Len()))
	t.addSummary(tag, -int64(size), -int64(committedDropped))
}

// MarkCommitted records that [base, base+size) is now backed by pages. The
// range must lie inside a tracked reservation.
func (t *Tracker) MarkCommitted(base, size uint64) {
	if t.Level() == LevelOff {
		return
	}
	if size == 0 {
		accountingFault(FaultZeroSize, base, size, "zero-size commit")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.requireOwner(base, size, "commit")
	delta := size - committedWithin(&n.committed, base, size)
	n.committed.markCommitted(base, size)
	t.addSummary(n.tag, 0, int64(delta))
}

// MarkUncommitted records that [base, base+size) is no longer backed.
func (t *Tracker) MarkUncommitted(base, size uint64) {
	if t.Level() == LevelOff {
		return
	}
	if size == 0 {
		accountingFault(FaultZeroSize, base, size, "zero-size uncommit")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.requireOwner(base, size, "uncommit")
	delta := committedWithin(&n.committed, base, size)
	n.committed.markUncommitted(base, size)
	t.addSummary(n.tag, 0, -int64(delta))
}

// FindReservedRegion returns a value snapshot of the reservation containing
// addr, or ok=false when the address is untracked.
func (t *Tracker) FindReservedRegion(addr uint64) (ReservedMemoryRegion, bool) {
	if t.Level() == LevelOff {
		return ReservedMemoryRegion{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.FindReservedRegion(addr)
}

// VisitCommittedRegions invokes visitor per committed sub-range of region in
// ascending base order; returning false stops the iteration early.
func (t *Tracker) VisitCommittedRegions(region ReservedMemoryRegion, visitor func(CommittedMemoryRegion) bool) {
	if t.Level() == LevelOff {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.VisitCommittedRegions(region, visitor)
}

// VisitReservedRegions iterates snapshots of all reservations in ascending
// address order; returning false stops early.
func (t *Tracker) VisitReservedRegions(visitor func(ReservedMemoryRegion) bool) {
	if t.Level() == LevelOff {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.visitNodes(func(n *reservedNode) bool {
		return visitor(n.snapshot())
	})
}

// CommittedInRange reports whether any part of [addr, addr+length) is
// committed, returning the first intersecting committed sub-range clipped to
// the queried bounds.
func (t *Tracker) CommittedInRange(addr, length uint64) (CommittedMemoryRegion, bool) {
	if t.Level() == LevelOff || length == 0 {
		return CommittedMemoryRegion{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.tree.containing(addr)
	if n == nil {
		return CommittedMemoryRegion{}, false
	}
	end := addr + length
	if end > n.end() {
		end = n.end()
	}
	return n.committed.overlap(addr, end-addr)
}

// CommittedTotal returns the committed byte total of the reservation
// containing addr, or 0 when untracked.
func (t *Tracker) CommittedTotal(addr uint64) uint64 {
	if t.Level() == LevelOff {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.tree.containing(addr)
	if n == nil {
		return 0
	}
	return n.committed.totalCommitted()
}

// SummaryFor returns the reserved/committed totals for one tag.
func (t *Tracker) SummaryFor(tag MemTag) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tag >= tagCount {
		return Summary{}
	}
	return t.summary[tag]
}

// EachSummary invokes fn per tag in declaration order.
func (t *Tracker) EachSummary(fn func(MemTag, Summary)) {
	t.mu.Lock()
	snap := t.summary
	t.mu.Unlock()
	for tag := MemTag(0); tag < tagCount; tag++ {
		fn(tag, snap[tag])
	}
}

// RecordThreadStack registers a thread's stack bounds for later snapshot
// reconciliation. Nothing is marked committed by registration; stacks grow
// lazily and their commit state is discovered by SnapshotThreadStacks.
func (t *Tracker) RecordThreadStack(stackEnd, stackSize uint64) {
	if t.Level() < LevelDetail {
		return
	}
	if stackSize == 0 {
		accountingFault(FaultZeroSize, stackEnd, stackSize, "zero-size thread stack")
	}
	t.mu.Lock()
	t.stacks[stackEnd] = stackSize
	t.mu.Unlock()
}

// ReleaseThreadStack deregisters a thread stack from snapshot reconciliation.
// The reservation itself is released separately via RemoveReleasedRegion.
func (t *Tracker) ReleaseThreadStack(stackEnd uint64) {
	t.mu.Lock()
	delete(t.stacks, stackEnd)
	t.mu.Unlock()
}

// SnapshotThreadStacks reconciles every registered thread stack against OS
// ground truth: the residency scanner pulls the actual resident runs and only
// the delta against the previous snapshot is applied to the committed set.
// The lock is taken per stack, so unrelated reserve/commit/release traffic
// proceeds between stacks and snapshots never lose concurrent updates to
// regions they are not currently reconciling.
func (t *Tracker) SnapshotThreadStacks() error {
	if t.Level() < LevelDetail {
		return nil
	}

	t.mu.Lock()
	ends := make([]uint64, 0, len(t.stacks))
	for end := range t.stacks {
		ends = append(ends, end)
	}
	t.mu.Unlock()
	sort.Slice(ends, func(i, j int) bool { return ends[i] < ends[j] })

	for _, stackEnd := range ends {
		t.mu.Lock()
		stackSize, ok := t.stacks[stackEnd]
		if !ok {
			t.mu.Unlock()
			continue
		}
		n := t.tree.containing(stackEnd)
		if n == nil {
			// Registered but never reserved with the tracker; nothing to
			// reconcile against.
			t.mu.Unlock()
			continue
		}
		err := t.reconcileStack(n, stackEnd, stackSize)
		t.mu.Unlock()
		if err != nil {
			return err
		}
	}

	t.metrics.stackSnapshots.Inc()
	return nil
}

// reconcileStack runs the two-phase snapshot protocol for one stack region.
// Caller holds t.mu.
func (t *Tracker) reconcileStack(n *reservedNode, stackEnd, stackSize uint64) error {
	lo := stackEnd
	if lo < n.base {
		lo = n.base
	}
	hi := stackEnd + stackSize
	if hi > n.end() {
		hi = n.end()
	}
	if lo >= hi {
		return nil
	}

	// Phase 1: pull ground truth resident runs.
	t.scratchRuns = t.scratchRuns[:0]
	for cur := lo; cur < hi; {
		run, found, err := t.scanner.Scan(cur, hi-cur)
		if err != nil {
			if errors.Is(err, osmem.ErrResidencyUnsupported) {
				t.degradeToWholeRegion(n, lo, hi)
				return nil
			}
			return err
		}
		if !found || run.Size == 0 {
			break
		}
		t.scratchRuns = append(t.scratchRuns, run)
		cur = run.End()
	}

	// Phase 2: diff against the accounted state and apply only the delta.
	t.scratchCur = t.scratchCur[:0]
	for _, r := range n.committed.ranges {
		if r.Overlaps(lo, hi-lo) {
			t.scratchCur = append(t.scratchCur, clipRun(r, lo, hi))
		}
	}

	t.scratchAdd = subtractRuns(t.scratchAdd[:0], t.scratchRuns, t.scratchCur)
	t.scratchDel = subtractRuns(t.scratchDel[:0], t.scratchCur, t.scratchRuns)

	before := n.committed.totalCommitted()
	for _, r := range t.scratchAdd {
		n.committed.markCommitted(r.Base, r.Size)
	}
	for _, r := range t.scratchDel {
		n.committed.markUncommitted(r.Base, r.Size)
	}
	after := n.committed.totalCommitted()

	t.addSummary(n.tag, 0, int64(after)-int64(before))
	t.metrics.reconciledRanges.Add(float64(len(t.scratchAdd) + len(t.scratchDel)))
	return nil
}

// degradeToWholeRegion handles platforms without a residency primitive:
// precise per-page tracking is unavailable, so the whole reserved span is
// accounted as committed. Caller holds t.mu.
func (t *Tracker) degradeToWholeRegion(n *reservedNode, lo, hi uint64) {
	if !t.preciseUnsupported {
		t.preciseUnsupported = true
		level.Warn(t.logger).Log("msg",
			"page residency query unsupported; thread stacks tracked at whole-region granularity")
	}
	before := n.committed.totalCommitted()
	n.committed.markCommitted(lo, hi-lo)
	after := n.committed.totalCommitted()
	t.addSummary(n.tag, 0, int64(after)-int64(before))
}

// requireOwner returns the reservation containing [base, base+size),
// faulting when the range is untracked or crosses reservation bounds.
// Caller holds t.mu.
func (t *Tracker) requireOwner(base, size uint64, op string) *reservedNode {
	n := t.tree.containing(base)
	if n == nil {
		accountingFault(FaultNotReserved, base, size, "%s of untracked address", op)
	}
	if !n.containsRange(base, size) {
		accountingFault(FaultOutOfBounds, base, size,
			"%s crosses reservation [%#x, %#x)", op, n.base, n.end())
	}
	return n
}

// addSummary adjusts per-tag totals and mirrors them to metrics.
// Caller holds t.mu.
func (t *Tracker) addSummary(tag MemTag, reserved, committed int64) {
	if tag >= tagCount {
		tag = TagGeneric
	}
	s := &t.summary[tag]
	s.Reserved = uint64(int64(s.Reserved) + reserved)
	s.Committed = uint64(int64(s.Committed) + committed)
	t.metrics.setSummary(tag, *s)
}

// subtractRuns appends to dst the parts of a not covered by b and returns
// dst. Both inputs are sorted by base and internally non-overlapping.
func subtractRuns(dst []CommittedMemoryRegion, a, b []CommittedMemoryRegion) []CommittedMemoryRegion {
	j := 0
	for _, r := range a {
		lo := r.Base
		for lo < r.End() {
			for j < len(b) && b[j].End() <= lo {
				j++
			}
			if j == len(b) || b[j].Base >= r.End() {
				dst = append(dst, CommittedMemoryRegion{Base: lo, Size: r.End() - lo})
				break
			}
			if b[j].Base > lo {
				dst = append(dst, CommittedMemoryRegion{Base: lo, Size: b[j].Base - lo})
			}
			lo = b[j].End()
		}
	}
	return dst
}
