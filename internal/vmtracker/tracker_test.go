package vmtracker

import (
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/memtrack/internal/osmem"
)

func newTestTracker(t *testing.T, lvl TrackingLevel) (*Tracker, *osmem.SimBackend) {
	t.Helper()
	sim := osmem.NewSimBackend(simPage)
	tracker := New(sim, lvl, log.NewNopLogger(), prometheus.NewRegistry())
	return tracker, sim
}

func TestTrackerPartialRangeQuery(t *testing.T) {
	tracker, sim := newTestTracker(t, LevelDetail)

	base := reserveSim(t, sim, 4)
	tracker.AddReservedRegion(base, 4*simPage, CallerSite(0), TagTest)
	tracker.MarkCommitted(base, 4*simPage)

	for _, tc := range []struct {
		name      string
		addr      uint64
		length    uint64
		wantBase  uint64
		wantSize  uint64
		wantFound bool
	}{
		{"whole range", base, 4 * simPage, base, 4 * simPage, true},
		{"first two pages", base, 2 * simPage, base, 2 * simPage, true},
		{"pages one through three", base + simPage, 3 * simPage, base + simPage, 3 * simPage, true},
		{"middle two pages", base + simPage, 2 * simPage, base + simPage, 2 * simPage, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, found := tracker.CommittedInRange(tc.addr, tc.length)
			require.Equal(t, tc.wantFound, found)
			require.Equal(t, tc.wantBase, got.Base)
			require.Equal(t, tc.wantSize, got.Size)
		})
	}

	// A reserved but never committed region reports not found.
	other := reserveSim(t, sim, 4)
	tracker.AddReservedRegion(other, 4*simPage, CallerSite(0), TagTest)
	_, found := tracker.CommittedInRange(other, 4*simPage)
	require.False(t, found)

	// So does an address outside any reservation.
	_, found = tracker.CommittedInRange(base+1024*simPage, simPage)
	require.False(t, found)
}

func TestTrackerReleaseClearsState(t *testing.T) {
	tracker, sim := newTestTracker(t, LevelDetail)

	base := reserveSim(t, sim, 8)
	tracker.AddReservedRegion(base, 8*simPage, CallerSite(0), TagTest)
	tracker.MarkCommitted(base, 4*simPage)
	region, ok := tracker.FindReservedRegion(base)
	require.True(t, ok)

	tracker.RemoveReleasedRegion(base, 8*simPage)

	_, ok = tracker.FindReservedRegion(base)
	require.False(t, ok, "released region must report not found, not a stale record")
	_, found := tracker.CommittedInRange(base, 8*simPage)
	require.False(t, found)

	visited := 0
	tracker.VisitCommittedRegions(region, func(CommittedMemoryRegion) bool {
		visited++
		return true
	})
	require.Zero(t, visited)
}

func TestTrackerSummaryTotals(t *testing.T) {
	tracker, sim := newTestTracker(t, LevelDetail)

	base := reserveSim(t, sim, 10)
	tracker.AddReservedRegion(base, 10*simPage, CallerSite(0), TagTest)
	tracker.MarkCommitted(base, 4*simPage)

	require.Equal(t, Summary{Reserved: 10 * simPage, Committed: 4 * simPage},
		tracker.SummaryFor(TagTest))

	// Double commit of an already committed sub-range must not double-count.
	tracker.MarkCommitted(base, 2*simPage)
	require.Equal(t, 4*simPage, tracker.SummaryFor(TagTest).Committed)

	tracker.MarkUncommitted(base, 2*simPage)
	require.Equal(t, 2*simPage, tracker.SummaryFor(TagTest).Committed)

	tracker.RemoveReleasedRegion(base, 10*simPage)
	require.Equal(t, Summary{}, tracker.SummaryFor(TagTest))
}

func TestTrackerAccountingFaults(t *testing.T) {
	tracker, sim := newTestTracker(t, LevelDetail)
	base := reserveSim(t, sim, 4)
	tracker.AddReservedRegion(base, 4*simPage, CallerSite(0), TagTest)

	requireFault(t, FaultNotReserved, func() {
		tracker.MarkCommitted(base+64*simPage, simPage)
	})
	requireFault(t, FaultOutOfBounds, func() {
		tracker.MarkCommitted(base+2*simPage, 4*simPage)
	})
	requireFault(t, FaultZeroSize, func() {
		tracker.MarkCommitted(base, 0)
	})
	requireFault(t, FaultOverlappingReservation, func() {
		tracker.AddReservedRegion(base+simPage, simPage, CallerSite(0), TagTest)
	})
	requireFault(t, FaultNotReserved, func() {
		tracker.RemoveReleasedRegion(base+64*simPage, simPage)
	})
}

func TestTrackerStackReconciliation(t *testing.T) {
	tracker, sim := newTestTracker(t, LevelDetail)

	const stackPages = 64
	stackEnd := reserveSim(t, sim, stackPages)
	stackSize := uint64(stackPages) * simPage
	stackTop := stackEnd + stackSize

	tracker.AddReservedRegion(stackEnd, stackSize, CallerSite(0), TagThreadStack)
	tracker.RecordThreadStack(stackEnd, stackSize)

	// The thread "uses" the top of its stack: pages grow in without any
	// commit call reaching the tracker.
	sim.Touch(stackTop-2*simPage, 2*simPage)
	require.NoError(t, tracker.SnapshotThreadStacks())

	region, ok := tracker.FindReservedRegion(stackEnd)
	require.True(t, ok)

	foundTop := false
	tracker.VisitCommittedRegions(region, func(c CommittedMemoryRegion) bool {
		require.LessOrEqual(t, c.Size, stackSize)
		if c.End() == stackTop {
			foundTop = true
		}
		return true
	})
	require.True(t, foundTop, "a committed run must end at the stack's logical top")
	require.Equal(t, 2*simPage, tracker.SummaryFor(TagThreadStack).Committed)

	// Deeper usage grows the run; a second snapshot applies only the delta.
	sim.Touch(stackTop-5*simPage, 3*simPage)
	require.NoError(t, tracker.SnapshotThreadStacks())
	require.Equal(t, 5*simPage, tracker.SummaryFor(TagThreadStack).Committed)

	// Pages returned to the OS disappear from the accounting on the next
	// snapshot.
	require.NoError(t, sim.Uncommit(stackTop-5*simPage, 3*simPage))
	require.NoError(t, tracker.SnapshotThreadStacks())
	require.Equal(t, 2*simPage, tracker.SummaryFor(TagThreadStack).Committed)
}

func TestTrackerStackSnapshotSparseRuns(t *testing.T) {
	tracker, sim := newTestTracker(t, LevelDetail)

	const stackPages = 2 * ScanBatchPages
	stackEnd := reserveSim(t, sim, stackPages)
	stackSize := uint64(stackPages) * simPage
	tracker.AddReservedRegion(stackEnd, stackSize, CallerSite(0), TagThreadStack)
	tracker.RecordThreadStack(stackEnd, stackSize)

	// Touched pages scattered across the batch boundary.
	touched := []uint64{0, 45, 100, 1000, ScanBatchPages - 1, ScanBatchPages, ScanBatchPages + 7}
	for _, p := range touched {
		sim.Touch(stackEnd+p*simPage, simPage)
	}
	require.NoError(t, tracker.SnapshotThreadStacks())

	region, _ := tracker.FindReservedRegion(stackEnd)
	covered := make(map[uint64]bool)
	tracker.VisitCommittedRegions(region, func(c CommittedMemoryRegion) bool {
		for a := c.Base; a < c.End(); a += simPage {
			covered[(a-stackEnd)/simPage] = true
		}
		return true
	})
	for _, p := range touched {
		require.True(t, covered[p], "touched page %d not accounted committed", p)
	}
	require.Len(t, covered, len(touched), "untouched pages falsely reported committed")
}

func TestTrackerSnapshotDegradesWithoutResidency(t *testing.T) {
	tracker, sim := newTestTracker(t, LevelDetail)
	sim.DisableResidency()

	stackEnd := reserveSim(t, sim, 16)
	stackSize := uint64(16) * simPage
	tracker.AddReservedRegion(stackEnd, stackSize, CallerSite(0), TagThreadStack)
	tracker.RecordThreadStack(stackEnd, stackSize)

	require.NoError(t, tracker.SnapshotThreadStacks())

	// Precise tracking unsupported: the whole reserved span is the only
	// available granularity.
	got, found := tracker.CommittedInRange(stackEnd, stackSize)
	require.True(t, found)
	require.Equal(t, CommittedMemoryRegion{Base: stackEnd, Size: stackSize}, got)
}

func TestTrackerReleaseThreadStack(t *testing.T) {
	tracker, sim := newTestTracker(t, LevelDetail)

	stackEnd := reserveSim(t, sim, 8)
	stackSize := uint64(8) * simPage
	tracker.AddReservedRegion(stackEnd, stackSize, CallerSite(0), TagThreadStack)
	tracker.RecordThreadStack(stackEnd, stackSize)
	tracker.ReleaseThreadStack(stackEnd)

	sim.Touch(stackEnd, simPage)
	require.NoError(t, tracker.SnapshotThreadStacks())
	_, found := tracker.CommittedInRange(stackEnd, stackSize)
	require.False(t, found, "deregistered stacks must not be reconciled")
}

func TestTrackerLevelGate(t *testing.T) {
	t.Run("off tracks nothing", func(t *testing.T) {
		tracker, sim := newTestTracker(t, LevelOff)
		base := reserveSim(t, sim, 4)
		tracker.AddReservedRegion(base, 4*simPage, CallerSite(0), TagTest)
		tracker.MarkCommitted(base, simPage)

		_, ok := tracker.FindReservedRegion(base)
		require.False(t, ok)
		require.Equal(t, Summary{}, tracker.SummaryFor(TagTest))
	})

	t.Run("summary drops call sites", func(t *testing.T) {
		tracker, sim := newTestTracker(t, LevelSummary)
		base := reserveSim(t, sim, 4)
		tracker.AddReservedRegion(base, 4*simPage, CallerSite(0), TagTest)

		r, ok := tracker.FindReservedRegion(base)
		require.True(t, ok)
		require.False(t, r.CallSite.IsSet())
		require.Equal(t, 4*simPage, tracker.SummaryFor(TagTest).Reserved)

		// Stack snapshots are a detail-level feature.
		tracker.RecordThreadStack(base, 4*simPage)
		sim.Touch(base, simPage)
		require.NoError(t, tracker.SnapshotThreadStacks())
		_, found := tracker.CommittedInRange(base, 4*simPage)
		require.False(t, found)
	})

	t.Run("detail captures call sites", func(t *testing.T) {
		tracker, sim := newTestTracker(t, LevelDetail)
		base := reserveSim(t, sim, 4)
		tracker.AddReservedRegion(base, 4*simPage, CallerSite(0), TagTest)

		r, ok := tracker.FindReservedRegion(base)
		require.True(t, ok)
		require.True(t, r.CallSite.IsSet())
		require.Contains(t, r.CallSite.String(), "tracker_test.go")
	})

	t.Run("level only lowers", func(t *testing.T) {
		tracker, _ := newTestTracker(t, LevelSummary)
		require.Error(t, tracker.LowerLevel(LevelDetail))
		require.NoError(t, tracker.LowerLevel(LevelSummary))
		require.NoError(t, tracker.LowerLevel(LevelOff))
		require.Error(t, tracker.LowerLevel(LevelSummary))
		require.Equal(t, LevelOff, tracker.Level())
	})
}

func TestParseTrackingLevel(t *testing.T) {
	for in, want := range map[string]TrackingLevel{
		"off": LevelOff, "summary": LevelSummary, "detail": LevelDetail,
		" Detail ": LevelDetail, "OFF": LevelOff,
	} {
		got, err := ParseTrackingLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseTrackingLevel("verbose")
	require.Error(t, err)
}

func TestSubtractRuns(t *testing.T) {
	mk := func(pairs ...uint64) []CommittedMemoryRegion {
		var out []CommittedMemoryRegion
		for i := 0; i < len(pairs); i += 2 {
			out = append(out, CommittedMemoryRegion{Base: pairs[i], Size: pairs[i+1] - pairs[i]})
		}
		return out
	}

	for _, tc := range []struct {
		name string
		a, b []CommittedMemoryRegion
		want []CommittedMemoryRegion
	}{
		{"empty b keeps a", mk(10, 20), nil, mk(10, 20)},
		{"full cover", mk(10, 20), mk(0, 30), nil},
		{"interior hole", mk(10, 20), mk(13, 16), mk(10, 13, 16, 20)},
		{"b straddles two a ranges", mk(10, 20, 30, 40), mk(15, 35), mk(10, 15, 35, 40)},
		{"disjoint", mk(10, 20), mk(30, 40), mk(10, 20)},
		{"multiple holes", mk(0, 100), mk(10, 20, 40, 50), mk(0, 10, 20, 40, 50, 100)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := subtractRuns(nil, tc.a, tc.b)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestTrackerConcurrentMutation(t *testing.T) {
	tracker, sim := newTestTracker(t, LevelDetail)

	stackEnd := reserveSim(t, sim, 32)
	stackSize := uint64(32) * simPage
	tracker.AddReservedRegion(stackEnd, stackSize, CallerSite(0), TagThreadStack)
	tracker.RecordThreadStack(stackEnd, stackSize)
	sim.Touch(stackEnd+stackSize-4*simPage, 4*simPage)

	const (
		workers    = 8
		iterations = 200
	)
	// Each worker mutates its own disjoint address slab; the snapshotter and
	// readers run against everything concurrently.
	slab := uint64(1 << 30)
	workerBase := stackEnd + 1<<40

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := workerBase + uint64(w)*slab
			for i := 0; i < iterations; i++ {
				tracker.AddReservedRegion(base, 16*simPage, CallSite{}, TagGeneric)
				tracker.MarkCommitted(base, 8*simPage)
				tracker.MarkUncommitted(base+2*simPage, 2*simPage)
				_, _ = tracker.CommittedInRange(base, 16*simPage)
				tracker.RemoveReleasedRegion(base, 16*simPage)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations/4; i++ {
			if err := tracker.SnapshotThreadStacks(); err != nil {
				t.Error(err)
				return
			}
			_, _ = tracker.FindReservedRegion(stackEnd)
		}
	}()
	wg.Wait()

	// All worker slabs released: only the stack remains.
	for w := 0; w < workers; w++ {
		_, ok := tracker.FindReservedRegion(workerBase + uint64(w)*slab)
		require.False(t, ok)
	}
	require.Equal(t, Summary{}, tracker.SummaryFor(TagGeneric))
	require.Equal(t, 4*simPage, tracker.SummaryFor(TagThreadStack).Committed)
}
