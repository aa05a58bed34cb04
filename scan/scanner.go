// Package scan runs one scan request end to end: decode, detect, track,
// optionally diagnose and optionally save to history.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/mdobak/go-xerrors"
	"golang.org/x/sync/errgroup"

	"agriscan/detector"
	"agriscan/diagnosis"
	"agriscan/imaging"
	"agriscan/metrics"
	"agriscan/models"
	"agriscan/tracker"
	"agriscan/utils"
)

// ErrInvalidInput marks request errors that should be reported as client errors.
var ErrInvalidInput = errors.New("invalid input")

type Detector interface {
	Detect(ctx context.Context, img image.Image, opts detector.Options) ([]models.Detection, error)
	Thresholds(opts detector.Options) (conf, iou float64)
	Settings() detector.Settings
}

type Diagnoser interface {
	GetDiagnosis(ctx context.Context, req diagnosis.Request) diagnosis.Result
}

type HistoryStore interface {
	SaveDetection(ctx context.Context, entry models.HistoryEntry) (string, error)
}

type Request struct {
	Image               string  `json:"image"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
	IoUThreshold        float64 `json:"iou_threshold,omitempty"`
	// TrackPrimary defaults to true when absent.
	TrackPrimary *bool  `json:"track_primary,omitempty"`
	AutoDiagnose bool   `json:"auto_diagnose,omitempty"`
	Language     string `json:"language,omitempty"`
	SaveHistory  bool   `json:"save_history,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	Location     string `json:"location,omitempty"`
	Notes        string `json:"notes,omitempty"`
	// MinStability is only read by Continuous. Zero uses the tracker threshold.
	MinStability int `json:"min_stability,omitempty"`
}

type Response struct {
	Success          bool                     `json:"success"`
	Error            string                   `json:"error,omitempty"`
	DetectionID      string                   `json:"detection_id,omitempty"`
	ImageIndex       *int                     `json:"image_index,omitempty"`
	Detections       []models.Detection       `json:"detections"`
	Count            int                      `json:"count"`
	PrimaryDetection *models.PrimaryDetection `json:"primary_detection"`
	IsStable         *bool                    `json:"is_stable,omitempty"`
	Diagnosis        *models.Diagnosis        `json:"diagnosis,omitempty"`
	DiagnosisSource  diagnosis.Source         `json:"diagnosis_source,omitempty"`
	ImageSize        *models.ImageSize        `json:"image_size,omitempty"`
	Timing           *models.Timing           `json:"timing,omitempty"`
	ModelConfig      *models.ModelConfig      `json:"model_config,omitempty"`
	HistoryID        string                   `json:"history_id,omitempty"`
}

type BatchRequest struct {
	Images              []string `json:"images"`
	ConfidenceThreshold float64  `json:"confidence_threshold,omitempty"`
	IoUThreshold        float64  `json:"iou_threshold,omitempty"`
}

type BatchResponse struct {
	Success     bool       `json:"success"`
	Results     []Response `json:"results"`
	TotalImages int        `json:"total_images"`
}

type Options struct {
	BatchConcurrency int
	Metrics          *metrics.Metrics
}

type Scanner struct {
	detector   Detector
	trackers   *tracker.Registry
	resolver   Diagnoser
	history    HistoryStore
	batchLimit int
	metrics    *metrics.Metrics
}

// New wires a scanner. resolver and history may be nil.
func New(det Detector, trackers *tracker.Registry, resolver Diagnoser, history HistoryStore, opts Options) *Scanner {
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 4
	}
	if trackers == nil {
		trackers = tracker.NewRegistry(tracker.DefaultCapacity, tracker.DefaultStableFrames)
	}
	return &Scanner{
		detector:   det,
		trackers:   trackers,
		resolver:   resolver,
		history:    history,
		batchLimit: opts.BatchConcurrency,
		metrics:    opts.Metrics,
	}
}

type mode int

const (
	modeSingle mode = iota
	modeContinuous
	modeBatch
)

func (m mode) String() string {
	switch m {
	case modeContinuous:
		return "continuous"
	case modeBatch:
		return "batch"
	default:
		return "detect"
	}
}

// Detect handles a single image. The returned error, if any, classifies the
// failure; the Response is always populated for the client.
func (s *Scanner) Detect(ctx context.Context, req Request) (Response, error) {
	return s.run(ctx, req, modeSingle)
}

// Continuous always tracks and only diagnoses once the primary detection has
// recurred in at least MinStability frames.
func (s *Scanner) Continuous(ctx context.Context, req Request) (Response, error) {
	return s.run(ctx, req, modeContinuous)
}

// DetectBatch runs each image independently and concurrently. Tracking is
// disabled and results keep the input order.
func (s *Scanner) DetectBatch(ctx context.Context, req BatchRequest) (BatchResponse, error) {
	if len(req.Images) == 0 {
		s.metrics.ObserveDetection(modeBatch.String(), "invalid")
		return BatchResponse{Success: false, Results: []Response{}}, fmt.Errorf("%w: No images provided", ErrInvalidInput)
	}

	results := make([]Response, len(req.Images))
	var g errgroup.Group
	g.SetLimit(s.batchLimit)
	for i, img := range req.Images {
		g.Go(func() error {
			res, _ := s.run(ctx, Request{
				Image:               img,
				ConfidenceThreshold: req.ConfidenceThreshold,
				IoUThreshold:        req.IoUThreshold,
			}, modeBatch)
			index := i
			res.ImageIndex = &index
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return BatchResponse{Success: true, Results: results, TotalImages: len(req.Images)}, nil
}

// ResetTracking clears a session's history. Unknown sessions are a no-op.
func (s *Scanner) ResetTracking(sessionID string) {
	s.trackers.Reset(sessionID)
}

// RemoveSession drops a session's tracker entirely.
func (s *Scanner) RemoveSession(sessionID string) {
	s.trackers.Remove(sessionID)
	s.metrics.SetActiveSessions(s.trackers.Len())
}

// EvictIdleSessions drops tracking sessions nobody has used within the
// registry's idle TTL and refreshes the session gauge.
func (s *Scanner) EvictIdleSessions() int {
	evicted := s.trackers.EvictIdle()
	s.metrics.SetActiveSessions(s.trackers.Len())
	return evicted
}

// SweepSessions evicts idle sessions every interval until ctx is done.
func (s *Scanner) SweepSessions(ctx context.Context, interval time.Duration) {
	logger := utils.GetLogger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.EvictIdleSessions(); n > 0 {
				logger.InfoContext(ctx, "evicted idle tracking sessions",
					slog.Int("evicted", n),
					slog.Int("remaining", s.trackers.Len()),
				)
			}
		}
	}
}

// TrackingSnapshot describes a session's window without creating the session.
func (s *Scanner) TrackingSnapshot(sessionID string) tracker.Snapshot {
	if t, ok := s.trackers.Lookup(sessionID); ok {
		return t.Snapshot()
	}
	return tracker.Snapshot{Counts: []tracker.ClassCount{}}
}

// StableFrames is the default stability threshold.
func (s *Scanner) StableFrames() int {
	return s.trackers.StableFrames()
}

func failure(msg string) Response {
	return Response{Success: false, Error: msg, Detections: []models.Detection{}}
}

func (s *Scanner) run(ctx context.Context, req Request, m mode) (Response, error) {
	logger := utils.GetLogger()
	start := time.Now()

	if req.Image == "" {
		s.metrics.ObserveDetection(m.String(), "invalid")
		return failure("No image data provided"), fmt.Errorf("%w: No image data provided", ErrInvalidInput)
	}

	img, err := imaging.DecodeBase64(req.Image)
	if err != nil {
		s.metrics.ObserveDetection(m.String(), "invalid")
		msg := fmt.Sprintf("Invalid image data: %v", err)
		return failure(msg), fmt.Errorf("%w: %s", ErrInvalidInput, msg)
	}
	preprocessed := time.Now()

	opts := detector.Options{Confidence: req.ConfidenceThreshold, IoU: req.IoUThreshold}
	detections, err := s.detector.Detect(ctx, img, opts)
	inferred := time.Now()
	if err != nil {
		outcome := "error"
		if errors.Is(err, detector.ErrModelUnavailable) {
			outcome = "unavailable"
		}
		s.metrics.ObserveDetection(m.String(), outcome)
		logger.ErrorContext(ctx, "detection failed",
			slog.String("mode", m.String()),
			slog.Any("error", xerrors.New(err)),
		)
		return failure(errorMessage(err)), err
	}
	s.metrics.ObserveInference(inferred.Sub(preprocessed))

	resp := Response{
		Success:     true,
		DetectionID: uuid.NewString(),
		Detections:  detections,
		Count:       len(detections),
	}

	track := m == modeContinuous || (m == modeSingle && (req.TrackPrimary == nil || *req.TrackPrimary))
	if track {
		resp.PrimaryDetection = s.trackers.Get(req.SessionID).Update(detections)
		s.metrics.SetActiveSessions(s.trackers.Len())
	}

	if target := s.diagnosisTarget(req, m, &resp); target != "" && s.resolver != nil {
		result := s.resolver.GetDiagnosis(ctx, diagnosis.Request{
			DiseaseName: target,
			Language:    req.Language,
			UseCache:    true,
		})
		if result.Success {
			resp.Diagnosis = result.Disease
			resp.DiagnosisSource = result.Source
		}
	}

	if req.SaveHistory && req.UserID != "" && m != modeBatch {
		resp.HistoryID = s.saveHistory(ctx, req, resp)
	}

	b := img.Bounds()
	conf, iou := s.detector.Thresholds(opts)
	resp.ImageSize = &models.ImageSize{Width: b.Dx(), Height: b.Dy()}
	resp.ModelConfig = &models.ModelConfig{
		ConfidenceThreshold: conf,
		IoUThreshold:        iou,
		ImageSize:           s.detector.Settings().ImageSize,
	}
	resp.Timing = &models.Timing{
		Preprocess: round3(preprocessed.Sub(start).Seconds()),
		Inference:  round3(inferred.Sub(preprocessed).Seconds()),
		Total:      round3(time.Since(start).Seconds()),
	}

	s.metrics.ObserveDetection(m.String(), "success")
	logger.InfoContext(ctx, "detection complete",
		slog.String("mode", m.String()),
		slog.Int("detections", len(detections)),
		slog.Bool("primary", resp.PrimaryDetection != nil),
		slog.Bool("diagnosed", resp.Diagnosis != nil),
	)
	return resp, nil
}

// diagnosisTarget picks the class to diagnose, if any, and fills is_stable
// for continuous requests.
func (s *Scanner) diagnosisTarget(req Request, m mode, resp *Response) string {
	switch m {
	case modeContinuous:
		minStability := req.MinStability
		if minStability <= 0 {
			minStability = s.trackers.StableFrames()
		}
		stable := resp.PrimaryDetection != nil && resp.PrimaryDetection.TrackingStats.OccurrenceCount >= minStability
		resp.IsStable = &stable
		if stable {
			return resp.PrimaryDetection.ClassName
		}
	case modeSingle:
		if !req.AutoDiagnose {
			return ""
		}
		if resp.PrimaryDetection != nil {
			return resp.PrimaryDetection.ClassName
		}
		if (req.TrackPrimary != nil && !*req.TrackPrimary) && len(resp.Detections) > 0 {
			return resp.Detections[0].ClassName
		}
	}
	return ""
}

// saveHistory is best-effort: failures are logged and the scan still succeeds.
func (s *Scanner) saveHistory(ctx context.Context, req Request, resp Response) string {
	logger := utils.GetLogger()
	if s.history == nil {
		return ""
	}

	detections, err := json.Marshal(resp.Detections)
	if err != nil {
		logger.ErrorContext(ctx, "failed to encode detections for history", slog.Any("error", xerrors.New(err)))
		return ""
	}
	entry := models.HistoryEntry{
		UserID:     req.UserID,
		Detections: detections,
		Image:      req.Image,
		Location:   req.Location,
		Notes:      req.Notes,
	}
	if resp.Diagnosis != nil {
		if entry.Diagnosis, err = json.Marshal(resp.Diagnosis); err != nil {
			logger.ErrorContext(ctx, "failed to encode diagnosis for history", slog.Any("error", xerrors.New(err)))
			entry.Diagnosis = nil
		}
	}

	id, err := s.history.SaveDetection(ctx, entry)
	if err != nil {
		logger.ErrorContext(ctx, "failed to save detection",
			slog.String("user_id", req.UserID),
			slog.Any("error", xerrors.New(err)),
		)
		return ""
	}
	return id
}

func errorMessage(err error) string {
	if errors.Is(err, detector.ErrModelUnavailable) {
		return "Model not loaded"
	}
	return err.Error()
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
