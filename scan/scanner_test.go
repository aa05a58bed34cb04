package scan

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"agriscan/detector"
	"agriscan/diagnosis"
	"agriscan/metrics"
	"agriscan/models"
	"agriscan/tracker"
)

type fakeDetector struct {
	mu     sync.Mutex
	frames [][]models.Detection
	calls  int
	err    error
}

func (f *fakeDetector) Detect(_ context.Context, img image.Image, _ detector.Options) ([]models.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return []models.Detection{}, f.err
	}
	var out []models.Detection
	if len(f.frames) > 0 {
		out = f.frames[f.calls%len(f.frames)]
	}
	f.calls++
	return append([]models.Detection{}, out...), nil
}

func (f *fakeDetector) Thresholds(opts detector.Options) (float64, float64) {
	conf, iou := opts.Confidence, opts.IoU
	if conf <= 0 {
		conf = 0.5
	}
	if iou <= 0 {
		iou = 0.45
	}
	return conf, iou
}

func (f *fakeDetector) Settings() detector.Settings {
	return detector.Settings{ImageSize: 640}
}

type fakeDiagnoser struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeDiagnoser) GetDiagnosis(_ context.Context, req diagnosis.Request) diagnosis.Result {
	f.mu.Lock()
	f.names = append(f.names, req.DiseaseName)
	f.mu.Unlock()
	return diagnosis.Result{
		Success: true,
		Source:  diagnosis.SourceKnowledgeBase,
		Disease: &models.Diagnosis{Name: req.DiseaseName, Description: "known"},
	}
}

func (f *fakeDiagnoser) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}

type fakeHistory struct {
	err     error
	entries []models.HistoryEntry
}

func (f *fakeHistory) SaveDetection(_ context.Context, entry models.HistoryEntry) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.entries = append(f.entries, entry)
	return "history-1", nil
}

func testImage(t *testing.T, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func det(id int, name string, conf float64) models.Detection {
	return models.Detection{ClassID: id, ClassName: name, Confidence: conf}
}

func boolPtr(b bool) *bool { return &b }

func TestDetectInvalidInput(t *testing.T) {
	t.Parallel()

	s := New(&fakeDetector{}, nil, nil, nil, Options{})

	for _, img := range []string{"", "%%%not-base64%%%", base64.StdEncoding.EncodeToString([]byte("not an image"))} {
		resp, err := s.Detect(context.Background(), Request{Image: img})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("image %q: expected ErrInvalidInput, got %v", img, err)
		}
		if resp.Success || resp.Detections == nil {
			t.Fatalf("image %q: expected failure with empty detections, got %+v", img, resp)
		}
	}
}

func TestDetectModelUnavailable(t *testing.T) {
	t.Parallel()

	s := New(&fakeDetector{err: detector.ErrModelUnavailable}, nil, nil, nil, Options{})
	resp, err := s.Detect(context.Background(), Request{Image: testImage(t, 4, 4)})
	if !errors.Is(err, detector.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if resp.Success || resp.Error != "Model not loaded" || len(resp.Detections) != 0 || resp.Detections == nil {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestDetectTracksAndDiagnosesPrimary(t *testing.T) {
	t.Parallel()

	model := &fakeDetector{frames: [][]models.Detection{
		{det(3, "Corn rust leaf", 0.9), det(5, "Corn leaf blight", 0.6)},
	}}
	diag := &fakeDiagnoser{}
	s := New(model, tracker.NewRegistry(45, 5), diag, nil, Options{})

	resp, err := s.Detect(context.Background(), Request{Image: testImage(t, 40, 20), AutoDiagnose: true, Language: "hi"})
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if resp.PrimaryDetection == nil || resp.PrimaryDetection.ClassID != 3 {
		t.Fatalf("expected primary class 3, got %+v", resp.PrimaryDetection)
	}
	if resp.Diagnosis == nil || resp.DiagnosisSource != diagnosis.SourceKnowledgeBase {
		t.Fatalf("expected diagnosis from knowledge base, got %+v", resp)
	}
	if diff := cmp.Diff([]string{"Corn rust leaf"}, diag.Names()); diff != "" {
		t.Fatalf("unexpected diagnosis targets (-want +got):\n%s", diff)
	}
	if resp.ImageSize == nil || *resp.ImageSize != (models.ImageSize{Width: 40, Height: 20}) {
		t.Fatalf("unexpected image size %+v", resp.ImageSize)
	}
	if resp.ModelConfig == nil || *resp.ModelConfig != (models.ModelConfig{ConfidenceThreshold: 0.5, IoUThreshold: 0.45, ImageSize: 640}) {
		t.Fatalf("unexpected model config %+v", resp.ModelConfig)
	}
	if resp.IsStable != nil {
		t.Fatalf("is_stable is only reported by the continuous endpoint")
	}
	if resp.DetectionID == "" || resp.Count != 2 {
		t.Fatalf("expected detection id and count, got %+v", resp)
	}
}

func TestDetectWithoutTrackingDiagnosesTopDetection(t *testing.T) {
	t.Parallel()

	model := &fakeDetector{frames: [][]models.Detection{{det(7, "Apple Scab Leaf", 0.8), det(3, "Corn rust leaf", 0.7)}}}
	diag := &fakeDiagnoser{}
	reg := tracker.NewRegistry(45, 5)
	s := New(model, reg, diag, nil, Options{})

	resp, err := s.Detect(context.Background(), Request{Image: testImage(t, 4, 4), TrackPrimary: boolPtr(false), AutoDiagnose: true})
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if resp.PrimaryDetection != nil {
		t.Fatalf("expected no primary detection with tracking disabled")
	}
	if diff := cmp.Diff([]string{"Apple Scab Leaf"}, diag.Names()); diff != "" {
		t.Fatalf("unexpected diagnosis targets (-want +got):\n%s", diff)
	}
	if reg.Len() != 0 {
		t.Fatalf("tracking disabled must not create sessions")
	}
}

func TestContinuousWithholdsDiagnosisUntilStable(t *testing.T) {
	t.Parallel()

	model := &fakeDetector{frames: [][]models.Detection{{det(2, "Tomato leaf late blight", 0.9)}}}
	diag := &fakeDiagnoser{}
	s := New(model, tracker.NewRegistry(45, 5), diag, nil, Options{})

	img := testImage(t, 8, 8)
	for i := 1; i <= 3; i++ {
		resp, err := s.Continuous(context.Background(), Request{Image: img, MinStability: 3, SessionID: "phone"})
		if err != nil {
			t.Fatalf("frame %d: Continuous returned error: %v", i, err)
		}
		if resp.IsStable == nil {
			t.Fatalf("frame %d: is_stable must be reported", i)
		}
		wantStable := i >= 3
		if *resp.IsStable != wantStable {
			t.Fatalf("frame %d: is_stable=%v, want %v", i, *resp.IsStable, wantStable)
		}
		if (resp.Diagnosis != nil) != wantStable {
			t.Fatalf("frame %d: diagnosis present=%v, want %v", i, resp.Diagnosis != nil, wantStable)
		}
	}
	if len(diag.Names()) != 1 {
		t.Fatalf("expected exactly one diagnosis call, got %d", len(diag.Names()))
	}

	snap := s.TrackingSnapshot("phone")
	if snap.Frames != 3 {
		t.Fatalf("expected 3 frames in session window, got %d", snap.Frames)
	}
	if other := s.TrackingSnapshot("other"); other.Frames != 0 || other.Counts == nil {
		t.Fatalf("unknown session must report an empty window, got %+v", other)
	}

	s.ResetTracking("phone")
	if s.TrackingSnapshot("phone").Frames != 0 {
		t.Fatalf("reset must clear the session window")
	}
}

func TestEvictIdleSessionsUpdatesGauge(t *testing.T) {
	t.Parallel()

	model := &fakeDetector{frames: [][]models.Detection{{det(2, "Tomato leaf late blight", 0.9)}}}
	m := metrics.New()
	reg := tracker.NewBoundedRegistry(45, 5, tracker.Limits{IdleTTL: time.Millisecond})
	s := New(model, reg, &fakeDiagnoser{}, nil, Options{Metrics: m})

	img := testImage(t, 8, 8)
	for _, id := range []string{"", "phone-a", "phone-b"} {
		if _, err := s.Continuous(context.Background(), Request{Image: img, SessionID: id}); err != nil {
			t.Fatalf("Continuous(%q) returned error: %v", id, err)
		}
	}
	time.Sleep(10 * time.Millisecond)

	if got := s.EvictIdleSessions(); got != 2 {
		t.Fatalf("expected 2 idle sessions evicted, got %d", got)
	}
	if s.TrackingSnapshot("").Frames != 1 {
		t.Fatalf("default session must be kept")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "agriscan_tracking_sessions 1") {
		t.Fatalf("session gauge not refreshed after eviction:\n%s", rec.Body.String())
	}
}

func TestContinuousDefaultStability(t *testing.T) {
	t.Parallel()

	model := &fakeDetector{frames: [][]models.Detection{{det(2, "Tomato leaf late blight", 0.9)}}}
	s := New(model, tracker.NewRegistry(45, 5), &fakeDiagnoser{}, nil, Options{})

	var resp Response
	img := testImage(t, 8, 8)
	for i := 0; i < 4; i++ {
		resp, _ = s.Continuous(context.Background(), Request{Image: img})
	}
	if *resp.IsStable {
		t.Fatalf("4 frames must not be stable with the default threshold of 5")
	}
	resp, _ = s.Continuous(context.Background(), Request{Image: img})
	if !*resp.IsStable {
		t.Fatalf("5 frames must be stable with the default threshold")
	}
}

func TestBatchKeepsOrderAndSkipsTracking(t *testing.T) {
	t.Parallel()

	reg := tracker.NewRegistry(45, 5)
	model := &fakeDetector{frames: [][]models.Detection{{det(1, "Squash Powdery mildew leaf", 0.7)}}}
	s := New(model, reg, &fakeDiagnoser{}, nil, Options{BatchConcurrency: 2})

	img := testImage(t, 4, 4)
	resp, err := s.DetectBatch(context.Background(), BatchRequest{Images: []string{img, "", img, img}})
	if err != nil {
		t.Fatalf("DetectBatch returned error: %v", err)
	}
	if resp.TotalImages != 4 || len(resp.Results) != 4 {
		t.Fatalf("unexpected batch size %+v", resp)
	}
	for i, r := range resp.Results {
		if r.ImageIndex == nil || *r.ImageIndex != i {
			t.Fatalf("result %d carries index %v", i, r.ImageIndex)
		}
		if r.PrimaryDetection != nil {
			t.Fatalf("batch results must not carry a primary detection")
		}
	}
	if resp.Results[1].Success {
		t.Fatalf("empty image must fail independently")
	}
	if !resp.Results[0].Success || !resp.Results[3].Success {
		t.Fatalf("valid images must succeed")
	}
	if reg.Len() != 0 {
		t.Fatalf("batch must not touch tracker sessions")
	}

	if _, err := s.DetectBatch(context.Background(), BatchRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty batch, got %v", err)
	}
}

func TestHistorySaveIsBestEffort(t *testing.T) {
	t.Parallel()

	frames := [][]models.Detection{{det(4, "Grape leaf black rot", 0.8)}}

	failing := &fakeHistory{err: errors.New("disk full")}
	s := New(&fakeDetector{frames: frames}, nil, nil, failing, Options{})
	resp, err := s.Detect(context.Background(), Request{Image: testImage(t, 4, 4), SaveHistory: true, UserID: "farmer-1"})
	if err != nil || !resp.Success {
		t.Fatalf("persistence failure must not fail detection: %v %+v", err, resp)
	}
	if resp.HistoryID != "" {
		t.Fatalf("expected no history id on failed save")
	}

	working := &fakeHistory{}
	s = New(&fakeDetector{frames: frames}, nil, &fakeDiagnoser{}, working, Options{})
	resp, err = s.Detect(context.Background(), Request{Image: testImage(t, 4, 4), SaveHistory: true, UserID: "farmer-1", AutoDiagnose: true, Notes: "north row"})
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if resp.HistoryID != "history-1" || len(working.entries) != 1 {
		t.Fatalf("expected one saved entry, got %q and %d entries", resp.HistoryID, len(working.entries))
	}
	entry := working.entries[0]
	if entry.UserID != "farmer-1" || entry.Notes != "north row" || len(entry.Diagnosis) == 0 || entry.Image == "" {
		t.Fatalf("unexpected saved entry %+v", entry)
	}

	s.Detect(context.Background(), Request{Image: testImage(t, 4, 4), SaveHistory: true})
	if len(working.entries) != 1 {
		t.Fatalf("saving without a user id must be skipped")
	}
}
