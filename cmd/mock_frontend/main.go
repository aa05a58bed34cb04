// Command mock_frontend replays a folder of leaf photos against the
// continuous detection endpoint, the way the camera view in the app does.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agriscan/scan"
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}

func main() {
	dir := flag.String("dir", filepath.Join("test_images"), "Directory containing images to replay (ignored if -file is set)")
	file := flag.String("file", "", "Single image to replay (overrides -dir)")
	baseURL := flag.String("url", "http://localhost:5000", "API base URL")
	session := flag.String("session", "mock-frontend", "Tracking session id")
	minStability := flag.Int("min-stability", 3, "Frames required before a diagnosis is requested")
	language := flag.String("language", "en", "Diagnosis language: en, hi, kn")
	repeat := flag.Int("repeat", 1, "Times each image is sent, simulating a steady camera")
	delay := flag.Duration("delay", 500*time.Millisecond, "Delay between frames")
	flag.Parse()

	files, err := resolveFiles(*file, *dir)
	if err != nil {
		log.Fatalf("failed to resolve files: %v", err)
	}
	if len(files) == 0 {
		log.Fatalf("no images found (file=%s dir=%s)", *file, *dir)
	}

	base := strings.TrimRight(*baseURL, "/")
	if err := resetTracking(base, *session); err != nil {
		log.Fatalf("reset tracking: %v", err)
	}

	fmt.Printf("Replaying %d image(s) x%d to %s (session %s)\n\n", len(files), *repeat, base, *session)
	for idx, path := range files {
		for n := 0; n < *repeat; n++ {
			if err := sendFrame(base, path, *session, *language, *minStability); err != nil {
				log.Printf("frame failed for %s: %v\n", path, err)
			}
			last := idx == len(files)-1 && n == *repeat-1
			if !last && *delay > 0 {
				time.Sleep(*delay)
			}
		}
	}
}

func resolveFiles(single, dir string) ([]string, error) {
	if single != "" {
		return []string{single}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !imageExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

func post(url, session string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", session)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return body, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func resetTracking(base, session string) error {
	_, err := post(base+"/api/detect/reset-tracking", session, map[string]string{"session_id": session})
	return err
}

func sendFrame(base, path, session, language string, minStability int) error {
	fmt.Printf("→ %s\n", filepath.Base(path))

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	body, err := post(base+"/api/detect/continuous", session, scan.Request{
		Image:        base64.StdEncoding.EncodeToString(raw),
		Language:     language,
		SessionID:    session,
		MinStability: minStability,
	})
	if err != nil {
		return err
	}

	var result scan.Response
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decode detection response: %w", err)
	}

	if result.PrimaryDetection == nil {
		fmt.Printf("   %d detection(s), no primary\n", result.Count)
		return nil
	}

	p := result.PrimaryDetection
	fmt.Printf("   primary=%s (%.1f%%) seen %d/%d frames stable=%v\n",
		p.ClassName, p.Confidence*100, p.TrackingStats.OccurrenceCount, p.TrackingStats.TotalFrames,
		result.IsStable != nil && *result.IsStable)
	if result.Diagnosis != nil {
		fmt.Printf("   diagnosis=%s severity=%s source=%s\n", result.Diagnosis.Name, result.Diagnosis.Severity, result.DiagnosisSource)
	}
	return nil
}
