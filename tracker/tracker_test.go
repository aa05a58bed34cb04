package tracker

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"agriscan/models"
)

func TestUpdateCapacityInvariant(t *testing.T) {
	t.Parallel()

	tr := New(5, 3)
	for i := 0; i < 20; i++ {
		tr.Update(frame(i % 3))
		if tr.Len() > 5 {
			t.Fatalf("history length %d exceeds capacity 5 after %d updates", tr.Len(), i+1)
		}
	}
	if tr.Len() != 5 {
		t.Fatalf("expected full window of 5, got %d", tr.Len())
	}
}

func TestUpdateEvictsOldestFrame(t *testing.T) {
	t.Parallel()

	tr := New(3, 5)
	tr.Update(frame(7))
	tr.Update(frame(1))
	tr.Update(frame(1))
	tr.Update(frame(1)) // evicts the class 7 frame

	snap := tr.Snapshot()
	want := []ClassCount{{ClassID: 1, Count: 3}}
	if diff := cmp.Diff(want, snap.Counts); diff != "" {
		t.Fatalf("unexpected counts after eviction (-want +got):\n%s", diff)
	}
	if snap.Frames != 3 {
		t.Fatalf("expected 3 frames, got %d", snap.Frames)
	}
}

func TestUpdateEmptyFrameIsRecorded(t *testing.T) {
	t.Parallel()

	tr := New(10, 5)
	if got := tr.Update(nil); got != nil {
		t.Fatalf("expected nil primary for empty window, got %+v", got)
	}
	if tr.Len() != 1 {
		t.Fatalf("empty frame must still be appended, len=%d", tr.Len())
	}

	primary := tr.Update(frame(2))
	if primary == nil {
		t.Fatalf("expected primary detection")
	}
	if primary.TrackingStats.TotalFrames != 2 || primary.TrackingStats.OccurrenceCount != 1 {
		t.Fatalf("unexpected stats %+v", primary.TrackingStats)
	}
}

func TestUpdateTieBreakFirstSeenWins(t *testing.T) {
	t.Parallel()

	// Classes 4 and 9 each appear in exactly 3 of 6 frames and both are in
	// the current frame. The class seen first in the window wins the tie,
	// regardless of box order in the current frame.
	cases := []struct {
		name   string
		frames [][]models.Detection
		want   int
	}{
		{
			name:   "nine seen first",
			frames: [][]models.Detection{nil, frame(9), frame(4), frame(9), frame(4), frame(4, 9)},
			want:   9,
		},
		{
			name:   "four seen first",
			frames: [][]models.Detection{nil, frame(4), frame(9), frame(4), frame(9), frame(9, 4)},
			want:   4,
		},
	}

	for _, tc := range cases {
		tr := New(45, 5)
		var primary *models.PrimaryDetection
		for _, f := range tc.frames {
			primary = tr.Update(f)
		}
		if primary == nil {
			t.Fatalf("%s: expected primary detection", tc.name)
		}
		if primary.ClassID != tc.want {
			t.Fatalf("%s: expected class %d, got %d", tc.name, tc.want, primary.ClassID)
		}
		if primary.TrackingStats.OccurrenceCount != 3 || primary.TrackingStats.TotalFrames != 6 {
			t.Fatalf("%s: unexpected stats %+v", tc.name, primary.TrackingStats)
		}
		if primary.TrackingStats.OccurrencePercentage != 50 {
			t.Fatalf("%s: expected 50%%, got %.2f", tc.name, primary.TrackingStats.OccurrencePercentage)
		}
	}
}

func TestUpdateWinnerAbsentFromCurrentFrame(t *testing.T) {
	t.Parallel()

	tr := New(45, 5)
	tr.Update(frame(9))
	tr.Update(frame(9))
	tr.Update(frame(9))
	if primary := tr.Update(frame(4)); primary != nil {
		t.Fatalf("class 9 dominates but is not in the current frame; expected nil, got %+v", primary)
	}
}

func TestUpdateDeterministic(t *testing.T) {
	t.Parallel()

	frames := [][]models.Detection{
		frame(1), frame(2), frame(1, 2), nil, frame(3), frame(2), frame(1),
	}
	run := func() []*models.PrimaryDetection {
		tr := New(4, 2)
		var out []*models.PrimaryDetection
		for _, f := range frames {
			out = append(out, tr.Update(f))
		}
		return out
	}

	first := run()
	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(first, run()); diff != "" {
			t.Fatalf("run %d diverged (-first +got):\n%s", i, diff)
		}
	}
}

func TestUpdateStabilityThreshold(t *testing.T) {
	t.Parallel()

	tr := New(45, 5)
	var primary *models.PrimaryDetection
	for i := 0; i < 4; i++ {
		primary = tr.Update(frame(3))
	}
	if primary == nil || primary.TrackingStats.IsStable {
		t.Fatalf("4 occurrences must not be stable, got %+v", primary)
	}

	primary = tr.Update(frame(3))
	if primary == nil || !primary.TrackingStats.IsStable {
		t.Fatalf("5 occurrences must be stable, got %+v", primary)
	}
	if primary.TrackingStats.OccurrenceCount != 5 {
		t.Fatalf("expected occurrence count 5, got %d", primary.TrackingStats.OccurrenceCount)
	}
}

func TestUpdateCountsPerBox(t *testing.T) {
	t.Parallel()

	tr := New(45, 5)
	tr.Update(frame(1, 1))
	primary := tr.Update(frame(1, 2))
	if primary == nil {
		t.Fatalf("expected primary detection")
	}
	stats := primary.TrackingStats
	if stats.OccurrenceCount != 3 {
		t.Fatalf("two boxes of one class in a frame count twice; expected 3, got %d", stats.OccurrenceCount)
	}
	if stats.TotalFrames != 2 {
		t.Fatalf("expected 2 frames, got %d", stats.TotalFrames)
	}
	if stats.OccurrencePercentage != 75 {
		t.Fatalf("expected 75%%, got %.2f", stats.OccurrencePercentage)
	}
}

func TestUpdatePercentageRounding(t *testing.T) {
	t.Parallel()

	tr := New(45, 5)
	tr.Update(frame(1))
	tr.Update(frame(2))
	primary := tr.Update(frame(1, 3))
	if primary == nil || primary.ClassID != 1 {
		t.Fatalf("expected class 1, got %+v", primary)
	}
	if primary.TrackingStats.OccurrencePercentage != 50 {
		t.Fatalf("expected 50%%, got %.2f", primary.TrackingStats.OccurrencePercentage)
	}

	tr = New(45, 5)
	tr.Update(frame(1))
	primary = tr.Update(frame(1, 2, 3, 4, 5))
	// 2 of 6 boxes.
	if primary.TrackingStats.OccurrencePercentage != 33.33 {
		t.Fatalf("expected 33.33%%, got %v", primary.TrackingStats.OccurrencePercentage)
	}
}

func TestUpdateReturnsCopyOfCurrentFrameDetection(t *testing.T) {
	t.Parallel()

	tr := New(45, 5)
	current := []models.Detection{
		{ClassID: 5, ClassName: "Tomato leaf", Confidence: 0.9},
		{ClassID: 8, ClassName: "Tomato Early blight leaf", Confidence: 0.8},
		{ClassID: 8, ClassName: "Tomato Early blight leaf", Confidence: 0.6},
	}
	primary := tr.Update(current)
	if primary == nil {
		t.Fatalf("expected primary detection")
	}
	if primary.ClassID != 8 || primary.Confidence != 0.8 {
		t.Fatalf("expected the first class-8 box (0.8), got %+v", primary.Detection)
	}

	primary.Confidence = 0
	if current[1].Confidence != 0.8 {
		t.Fatalf("primary detection must be a copy")
	}
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()

	tr := New(45, 5)
	for i := 0; i < 10; i++ {
		tr.Update(frame(1, 2))
	}
	tr.Reset()
	tr.Reset()

	primary := tr.Update(frame(6))
	if primary == nil {
		t.Fatalf("expected primary detection")
	}
	want := models.TrackingStats{OccurrenceCount: 1, TotalFrames: 1, OccurrencePercentage: 100, IsStable: false}
	if diff := cmp.Diff(want, primary.TrackingStats); diff != "" {
		t.Fatalf("unexpected stats after reset (-want +got):\n%s", diff)
	}
}

func TestConcurrentUpdatesAndResets(t *testing.T) {
	t.Parallel()

	tr := New(45, 5)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if primary := tr.Update(frame(g%3, (g+1)%3)); primary != nil {
					if primary.TrackingStats.TotalFrames > 45 {
						t.Errorf("total frames %d exceeds capacity", primary.TrackingStats.TotalFrames)
						return
					}
				}
				if i%50 == 0 {
					tr.Reset()
				}
			}
		}(g)
	}
	wg.Wait()

	if tr.Len() > 45 {
		t.Fatalf("history length %d exceeds capacity", tr.Len())
	}
}

func TestRegistrySessionsAreIndependent(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(45, 5)
	reg.Get("phone-a").Update(frame(1))
	reg.Get("phone-a").Update(frame(1))
	reg.Get("phone-b").Update(frame(2))

	if got := reg.Get("phone-a").Len(); got != 2 {
		t.Fatalf("phone-a expected 2 frames, got %d", got)
	}
	if got := reg.Get("phone-b").Len(); got != 1 {
		t.Fatalf("phone-b expected 1 frame, got %d", got)
	}

	reg.Reset("phone-a")
	if got := reg.Get("phone-a").Len(); got != 0 {
		t.Fatalf("phone-a expected empty after reset, got %d", got)
	}
	if got := reg.Get("phone-b").Len(); got != 1 {
		t.Fatalf("reset must not touch phone-b, got %d", got)
	}

	if reg.Get("") != reg.Get(DefaultSession) {
		t.Fatalf("empty id must map to the default session")
	}

	reg.Remove("phone-b")
	if reg.Len() != 2 {
		t.Fatalf("expected 2 sessions after removal, got %d", reg.Len())
	}
	reg.Reset("never-created")
	if _, ok := reg.Lookup("never-created"); ok {
		t.Fatalf("reset must not create sessions")
	}
	if _, ok := reg.Lookup("phone-a"); !ok {
		t.Fatalf("expected phone-a to exist")
	}
}

func frame(classIDs ...int) []models.Detection {
	out := make([]models.Detection, len(classIDs))
	for i, id := range classIDs {
		out[i] = models.Detection{ClassID: id, ClassName: "class", Confidence: 0.9 - float64(i)*0.1}
	}
	return out
}
