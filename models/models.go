package models

import (
	"encoding/json"
	"strings"
	"time"
)

// BoundingBox carries a box both as normalized centre/size (0-1, for overlay
// rendering) and as pixel corners.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	X1     float64 `json:"x1"`
	Y1     float64 `json:"y1"`
	X2     float64 `json:"x2"`
	Y2     float64 `json:"y2"`
}

// Detection is a single diseased region reported by the detection model.
type Detection struct {
	ClassID     int         `json:"class_id"`
	ClassName   string      `json:"class_name"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"bounding_box"`
}

// TrackingStats describes how persistently a class shows up in the tracking window.
type TrackingStats struct {
	OccurrenceCount      int     `json:"occurrence_count"`
	TotalFrames          int     `json:"total_frames"`
	OccurrencePercentage float64 `json:"occurrence_percentage"`
	IsStable             bool    `json:"is_stable"`
}

// PrimaryDetection is a copy of the current-frame detection for the dominant class.
type PrimaryDetection struct {
	Detection
	TrackingStats TrackingStats `json:"tracking_stats"`
}

type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity normalizes free-form severity text. Unknown values map to medium.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityNone:
		return SeverityNone
	case SeverityLow:
		return SeverityLow
	case SeverityHigh:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseSeverity(raw)
	return nil
}

type Treatment struct {
	Organic  []string `json:"organic" bson:"organic"`
	Chemical []string `json:"chemical" bson:"chemical"`
	Cultural []string `json:"cultural" bson:"cultural"`
}

// Empty reports whether no treatment of any kind is listed.
func (t Treatment) Empty() bool {
	return len(t.Organic) == 0 && len(t.Chemical) == 0 && len(t.Cultural) == 0
}

// Diagnosis is the human-readable record for one disease.
type Diagnosis struct {
	Name                string    `json:"name" bson:"name"`
	ScientificName      string    `json:"scientific_name" bson:"scientific_name"`
	Description         string    `json:"description" bson:"description"`
	Symptoms            []string  `json:"symptoms" bson:"symptoms"`
	Treatment           Treatment `json:"treatment" bson:"treatment"`
	Prevention          []string  `json:"prevention" bson:"prevention"`
	Severity            Severity  `json:"severity" bson:"severity"`
	CareRecommendations []string  `json:"care_recommendations,omitempty" bson:"-"`
	AffectedPlants      []string  `json:"affected_plants,omitempty" bson:"-"`
}

// Clone returns a deep copy so callers may mutate the result freely.
func (d Diagnosis) Clone() *Diagnosis {
	out := d
	out.Symptoms = cloneStrings(d.Symptoms)
	out.Prevention = cloneStrings(d.Prevention)
	out.CareRecommendations = cloneStrings(d.CareRecommendations)
	out.AffectedPlants = cloneStrings(d.AffectedPlants)
	out.Treatment = Treatment{
		Organic:  cloneStrings(d.Treatment.Organic),
		Chemical: cloneStrings(d.Treatment.Chemical),
		Cultural: cloneStrings(d.Treatment.Cultural),
	}
	return &out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}

// HistoryEntry is one saved scan. Entries are write-once.
type HistoryEntry struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Detections json.RawMessage `json:"detections"`
	Diagnosis  json.RawMessage `json:"diagnosis,omitempty"`
	Image      string          `json:"image_base64,omitempty"`
	Location   string          `json:"location,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Timing is reported in seconds.
type Timing struct {
	Preprocess float64 `json:"preprocess"`
	Inference  float64 `json:"inference"`
	Total      float64 `json:"total"`
}

type ModelConfig struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	IoUThreshold        float64 `json:"iou_threshold"`
	ImageSize           int     `json:"image_size"`
}
