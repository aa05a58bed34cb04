package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"agriscan/models"
)

const sampleKB = `{
  "Tomato Early blight leaf": {
    "scientific_name": "Alternaria solani",
    "description": "Fungal disease causing concentric rings on older leaves.",
    "symptoms": ["Brown spots with rings"],
    "treatment": {"organic": ["Neem oil"], "chemical": ["Chlorothalonil"], "cultural": ["Remove infected leaves"]},
    "prevention": ["Crop rotation"],
    "severity": "high"
  },
  "Apple Scab Leaf": {
    "name": "Apple Scab Leaf",
    "description": "Olive-green lesions on leaves.",
    "symptoms": ["Velvety spots"],
    "treatment": {"organic": ["Sulfur"], "chemical": [], "cultural": []},
    "prevention": [],
    "severity": "severe"
  }
}`

func writeKB(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disease_knowledge.json")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write knowledge base: %v", err)
	}
	return path
}

func TestLoadWithBOM(t *testing.T) {
	t.Parallel()

	path := writeKB(t, append([]byte{0xEF, 0xBB, 0xBF}, sampleKB...))
	store, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if diff := cmp.Diff([]string{"Apple Scab Leaf", "Tomato Early blight leaf"}, store.Names(context.Background())); diff != "" {
		t.Fatalf("unexpected names (-want +got):\n%s", diff)
	}

	rec, ok := store.Lookup(context.Background(), "Tomato Early blight leaf")
	if !ok {
		t.Fatalf("expected record to be found")
	}
	if rec.Name != "Tomato Early blight leaf" {
		t.Fatalf("expected name to default to the key, got %q", rec.Name)
	}
	if rec.Severity != models.SeverityHigh {
		t.Fatalf("expected severity high, got %q", rec.Severity)
	}

	rec, _ = store.Lookup(context.Background(), "Apple Scab Leaf")
	if rec.Severity != models.SeverityMedium {
		t.Fatalf("expected unknown severity to normalize to medium, got %q", rec.Severity)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	store, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d records", store.Len())
	}
	if _, ok := store.Lookup(context.Background(), "anything"); ok {
		t.Fatalf("expected lookup miss")
	}
}

func TestLoadMalformed(t *testing.T) {
	t.Parallel()

	if _, err := Load(writeKB(t, []byte("{not json"))); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	t.Parallel()

	store := FromRecords(map[string]models.Diagnosis{
		"Corn rust leaf": {Description: "Rust pustules", Symptoms: []string{"Orange pustules"}},
	})

	rec, _ := store.Lookup(context.Background(), "Corn rust leaf")
	rec.Symptoms[0] = "mutated"

	again, _ := store.Lookup(context.Background(), "Corn rust leaf")
	if again.Symptoms[0] != "Orange pustules" {
		t.Fatalf("store was mutated through a returned record")
	}
	if again.Name != "Corn rust leaf" {
		t.Fatalf("expected name from key, got %q", again.Name)
	}
}
