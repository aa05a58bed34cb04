// Package tracker decides which disease is "the" detection in a noisy frame
// stream by voting over a bounded window of recent frames.
package tracker

import (
	"math"
	"sync"

	"agriscan/models"
)

const (
	DefaultCapacity     = 45
	DefaultStableFrames = 5
)

// ClassCount is the number of boxes seen for one class across the window.
type ClassCount struct {
	ClassID int `json:"class_id"`
	Count   int `json:"count"`
}

// Snapshot is a read-only view of a tracker's window.
type Snapshot struct {
	Frames   int          `json:"frames"`
	Capacity int          `json:"capacity"`
	Counts   []ClassCount `json:"counts"`
}

// Tracker holds one session's detection history. A frame is the list of class
// ids of one inference call, one entry per box.
//
// Counting is per box: a frame with two boxes of the same class adds two to
// that class. When classes tie on count, the winner is the class whose first
// box appears earliest when the window is scanned oldest frame first.
type Tracker struct {
	mu           sync.Mutex
	capacity     int
	stableFrames int
	history      [][]int
}

func New(capacity, stableFrames int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if stableFrames <= 0 {
		stableFrames = DefaultStableFrames
	}
	return &Tracker{
		capacity:     capacity,
		stableFrames: stableFrames,
		history:      make([][]int, 0, capacity),
	}
}

// Update folds the current frame into the window and returns the dominant
// class as found in this frame, or nil when the window is empty or the
// dominant class is not visible in the current frame.
func (t *Tracker) Update(detections []models.Detection) *models.PrimaryDetection {
	frame := make([]int, len(detections))
	for i, det := range detections {
		frame[i] = det.ClassID
	}

	t.mu.Lock()
	t.history = append(t.history, frame)
	if len(t.history) > t.capacity {
		copy(t.history, t.history[1:])
		t.history[len(t.history)-1] = nil
		t.history = t.history[:len(t.history)-1]
	}
	counts, total := t.countLocked()
	frames := len(t.history)
	t.mu.Unlock()

	if len(counts) == 0 {
		return nil
	}

	winner := counts[0]
	for _, c := range counts[1:] {
		if c.Count > winner.Count {
			winner = c
		}
	}

	for _, det := range detections {
		if det.ClassID != winner.ClassID {
			continue
		}
		return &models.PrimaryDetection{
			Detection: det,
			TrackingStats: models.TrackingStats{
				OccurrenceCount:      winner.Count,
				TotalFrames:          frames,
				OccurrencePercentage: round2(float64(winner.Count) / float64(total) * 100),
				IsStable:             winner.Count >= t.stableFrames,
			},
		}
	}
	return nil
}

// Reset clears the window.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = t.history[:0]
}

// Len returns the number of frames currently in the window.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history)
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts, _ := t.countLocked()
	if counts == nil {
		counts = []ClassCount{}
	}
	return Snapshot{
		Frames:   len(t.history),
		Capacity: t.capacity,
		Counts:   counts,
	}
}

// countLocked recomputes per-class counts over the whole window, in order of
// first appearance. The caller must hold t.mu.
func (t *Tracker) countLocked() ([]ClassCount, int) {
	var counts []ClassCount
	index := make(map[int]int)
	total := 0
	for _, frame := range t.history {
		for _, classID := range frame {
			i, ok := index[classID]
			if !ok {
				i = len(counts)
				index[classID] = i
				counts = append(counts, ClassCount{ClassID: classID})
			}
			counts[i].Count++
			total++
		}
	}
	return counts, total
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
