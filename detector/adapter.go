// Package detector adapts the external detection model into normalized
// detections.
package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/mdobak/go-xerrors"

	"agriscan/imaging"
	"agriscan/models"
	"agriscan/utils"
)

// ErrModelUnavailable is returned when the model failed to load at startup.
var ErrModelUnavailable = errors.New("model not loaded")

// Model is the external inference contract.
type Model interface {
	HealthCheck(ctx context.Context) error
	Predict(ctx context.Context, image []byte, conf, iou float64, imgSize int) ([]RawBox, error)
}

// Options carries per-call thresholds. Zero values use the adapter defaults.
type Options struct {
	Confidence float64
	IoU        float64
}

// Settings are the adapter defaults.
type Settings struct {
	ModelURL            string
	LabelsPath          string
	ConfidenceThreshold float64
	IoUThreshold        float64
	ImageSize           int
}

// Info describes the loaded model for the info endpoints.
type Info struct {
	Loaded              bool     `json:"loaded"`
	ModelURL            string   `json:"model_path,omitempty"`
	NumClasses          int      `json:"num_classes,omitempty"`
	ClassNames          []string `json:"class_names,omitempty"`
	ImageSize           int      `json:"image_size,omitempty"`
	ConfidenceThreshold float64  `json:"confidence_threshold,omitempty"`
	IoUThreshold        float64  `json:"iou_threshold,omitempty"`
}

type Adapter struct {
	model    Model
	settings Settings
	labels   []string
	loaded   bool
}

// NewAdapter checks the model once. A failed check leaves the adapter in the
// unloaded state: every Detect call then returns ErrModelUnavailable.
func NewAdapter(ctx context.Context, model Model, settings Settings) *Adapter {
	logger := utils.GetLogger()

	if settings.ConfidenceThreshold <= 0 {
		settings.ConfidenceThreshold = 0.5
	}
	if settings.IoUThreshold <= 0 {
		settings.IoUThreshold = 0.45
	}
	if settings.ImageSize <= 0 {
		settings.ImageSize = 640
	}

	a := &Adapter{model: model, settings: settings}

	if settings.LabelsPath != "" {
		labels, err := LoadLabels(settings.LabelsPath)
		if err != nil {
			logger.WarnContext(ctx, "labels file not loaded", slog.String("path", settings.LabelsPath), slog.Any("error", err))
		} else {
			a.labels = labels
			logger.InfoContext(ctx, "loaded class labels", slog.Int("count", len(labels)))
		}
	}

	if model == nil {
		logger.ErrorContext(ctx, "no detection model configured")
		return a
	}
	if err := model.HealthCheck(ctx); err != nil {
		err := xerrors.New(err)
		logger.ErrorContext(ctx, "error loading model", slog.Any("error", err))
		return a
	}

	a.loaded = true
	logger.InfoContext(ctx, "model loaded", slog.String("url", settings.ModelURL))
	return a
}

func (a *Adapter) Loaded() bool {
	return a.loaded
}

func (a *Adapter) Settings() Settings {
	return a.settings
}

// Thresholds resolves the effective thresholds for opts.
func (a *Adapter) Thresholds(opts Options) (conf, iou float64) {
	conf, iou = opts.Confidence, opts.IoU
	if conf <= 0 {
		conf = a.settings.ConfidenceThreshold
	}
	if iou <= 0 {
		iou = a.settings.IoUThreshold
	}
	return conf, iou
}

// Detect runs the model on img and returns detections sorted by confidence,
// highest first.
func (a *Adapter) Detect(ctx context.Context, img image.Image, opts Options) ([]models.Detection, error) {
	if !a.loaded {
		return []models.Detection{}, ErrModelUnavailable
	}

	conf, iou := a.Thresholds(opts)

	encoded, err := imaging.EncodeJPEG(img)
	if err != nil {
		return []models.Detection{}, err
	}

	boxes, err := a.model.Predict(ctx, encoded, conf, iou, a.settings.ImageSize)
	if err != nil {
		return []models.Detection{}, fmt.Errorf("inference failed: %w", err)
	}

	b := img.Bounds()
	return a.format(boxes, b.Dx(), b.Dy()), nil
}

// format converts raw pixel boxes into detections. Each axis is normalized
// by its own image dimension.
func (a *Adapter) format(boxes []RawBox, width, height int) []models.Detection {
	detections := make([]models.Detection, 0, len(boxes))
	if width <= 0 || height <= 0 {
		return detections
	}
	w, h := float64(width), float64(height)

	for _, box := range boxes {
		if len(box.XYXY) < 4 {
			continue
		}
		x1, y1, x2, y2 := box.XYXY[0], box.XYXY[1], box.XYXY[2], box.XYXY[3]

		detections = append(detections, models.Detection{
			ClassID:    box.ClassID,
			ClassName:  a.className(box),
			Confidence: round(box.Confidence, 4),
			BoundingBox: models.BoundingBox{
				X:      round((x1+x2)/2/w, 4),
				Y:      round((y1+y2)/2/h, 4),
				Width:  round((x2-x1)/w, 4),
				Height: round((y2-y1)/h, 4),
				X1:     round(x1, 2),
				Y1:     round(y1, 2),
				X2:     round(x2, 2),
				Y2:     round(y2, 2),
			},
		})
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})

	return detections
}

func (a *Adapter) className(box RawBox) string {
	if box.ClassID >= 0 && box.ClassID < len(a.labels) {
		return a.labels[box.ClassID]
	}
	if box.Name != "" {
		return box.Name
	}
	return fmt.Sprintf("Class_%d", box.ClassID)
}

func (a *Adapter) Info() Info {
	if !a.loaded {
		return Info{Loaded: false}
	}
	names := make([]string, len(a.labels))
	copy(names, a.labels)
	return Info{
		Loaded:              true,
		ModelURL:            a.settings.ModelURL,
		NumClasses:          len(a.labels),
		ClassNames:          names,
		ImageSize:           a.settings.ImageSize,
		ConfidenceThreshold: a.settings.ConfidenceThreshold,
		IoUThreshold:        a.settings.IoUThreshold,
	}
}

// LoadLabels reads one class label per line.
func LoadLabels(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var labels []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading labels: %w", err)
	}
	return labels, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
