package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"agriscan/models"
	"agriscan/utils"
)

type SQLiteClient struct {
	db *sql.DB
}

func NewSQLiteClient(dataSourceName string) (*SQLiteClient, error) {
	// Extract the file path before query parameters
	dbPath := dataSourceName
	if idx := strings.Index(dataSourceName, "?"); idx != -1 {
		dbPath = dataSourceName[:idx]
	}

	// Create the directory if it doesn't exist (cross-platform)
	dbDir := filepath.Dir(dbPath)
	if dbDir != "." && dbDir != "" {
		if err := utils.CreateFolder(dbDir); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}

	// Add busy timeout param to DSN (milliseconds)
	if !strings.Contains(dataSourceName, "_busy_timeout") {
		if strings.Contains(dataSourceName, "?") {
			dataSourceName += "&_busy_timeout=5000" // 5 seconds
		} else {
			dataSourceName += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating tables: %w", err)
	}

	return &SQLiteClient{db: db}, nil
}

// createTables creates the required tables if they don't exist
func createTables(db *sql.DB) error {
	createDetectionsTable := `
    CREATE TABLE IF NOT EXISTS detections (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        image_base64 TEXT,
        detections TEXT NOT NULL,
        diagnosis TEXT,
        timestamp DATETIME NOT NULL,
        location TEXT,
        notes TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_detections_user_time ON detections(user_id, timestamp);
    `

	createDiseasesTable := `
    CREATE TABLE IF NOT EXISTS diseases (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        name TEXT UNIQUE,
        scientific_name TEXT,
        description TEXT,
        symptoms TEXT,
        treatment TEXT,
        severity TEXT,
        prevention TEXT,
        last_updated DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `

	if _, err := db.Exec(createDetectionsTable); err != nil {
		return fmt.Errorf("error creating detections table: %w", err)
	}

	if _, err := db.Exec(createDiseasesTable); err != nil {
		return fmt.Errorf("error creating diseases table: %w", err)
	}

	return nil
}

func (db *SQLiteClient) Close() error {
	if db.db != nil {
		return db.db.Close()
	}
	return nil
}

const timestampLayout = "2006-01-02 15:04:05.000000000"

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SaveDetection appends a history entry and returns its id.
func (db *SQLiteClient) SaveDetection(ctx context.Context, entry models.HistoryEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	detections := string(entry.Detections)
	if detections == "" {
		detections = "[]"
	}

	_, err := db.db.ExecContext(ctx, `
        INSERT INTO detections (id, user_id, image_base64, detections, diagnosis, timestamp, location, notes)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.UserID,
		nullIfEmpty(entry.Image),
		detections,
		nullIfEmpty(string(entry.Diagnosis)),
		entry.Timestamp.UTC().Format(timestampLayout),
		nullIfEmpty(entry.Location),
		nullIfEmpty(entry.Notes),
	)
	if err != nil {
		return "", fmt.Errorf("error storing detection: %w", err)
	}
	return entry.ID, nil
}

// GetHistory lists a user's entries newest first. Image data is not loaded.
func (db *SQLiteClient) GetHistory(ctx context.Context, userID string, limit, offset int) ([]models.HistoryEntry, error) {
	limit, offset = clampPage(limit, offset)

	rows, err := db.db.QueryContext(ctx, `
        SELECT id, user_id, detections, diagnosis, timestamp, location, notes
        FROM detections
        WHERE user_id = ?
        ORDER BY timestamp DESC, rowid DESC
        LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("error querying history: %w", err)
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		var (
			entry                      models.HistoryEntry
			detections                 string
			diagnosis, location, notes sql.NullString
			timestamp                  string
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &detections, &diagnosis, &timestamp, &location, &notes); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		entry.Detections = json.RawMessage(detections)
		if diagnosis.Valid {
			entry.Diagnosis = json.RawMessage(diagnosis.String)
		}
		entry.Location, entry.Notes = location.String, notes.String
		if entry.Timestamp, err = parseTimestamp(timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return entries, nil
}

func (db *SQLiteClient) GetDetection(ctx context.Context, id string) (*models.HistoryEntry, bool, error) {
	row := db.db.QueryRowContext(ctx, `
        SELECT id, user_id, image_base64, detections, diagnosis, timestamp, location, notes
        FROM detections WHERE id = ?`, id)

	var (
		entry                             models.HistoryEntry
		detections, timestamp             string
		image, diagnosis, location, notes sql.NullString
	)
	err := row.Scan(&entry.ID, &entry.UserID, &image, &detections, &diagnosis, &timestamp, &location, &notes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to retrieve detection: %w", err)
	}

	entry.Detections = json.RawMessage(detections)
	if diagnosis.Valid {
		entry.Diagnosis = json.RawMessage(diagnosis.String)
	}
	entry.Image, entry.Location, entry.Notes = image.String, location.String, notes.String
	if entry.Timestamp, err = parseTimestamp(timestamp); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

// DeleteDetection reports whether an entry was removed.
func (db *SQLiteClient) DeleteDetection(ctx context.Context, id string) (bool, error) {
	res, err := db.db.ExecContext(ctx, "DELETE FROM detections WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete detection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete detection: %w", err)
	}
	return n > 0, nil
}

// CacheDisease upserts a record keyed by name.
func (db *SQLiteClient) CacheDisease(ctx context.Context, name string, record models.Diagnosis) error {
	symptoms, err := json.Marshal(orEmpty(record.Symptoms))
	if err != nil {
		return fmt.Errorf("error marshaling symptoms: %w", err)
	}
	treatment, err := json.Marshal(record.Treatment)
	if err != nil {
		return fmt.Errorf("error marshaling treatment: %w", err)
	}
	prevention, err := json.Marshal(orEmpty(record.Prevention))
	if err != nil {
		return fmt.Errorf("error marshaling prevention: %w", err)
	}
	severity := record.Severity
	if severity == "" {
		severity = models.SeverityMedium
	}

	_, err = db.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO diseases
        (name, scientific_name, description, symptoms, treatment, severity, prevention, last_updated)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		name,
		record.ScientificName,
		record.Description,
		string(symptoms),
		string(treatment),
		string(severity),
		string(prevention),
		time.Now().UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("error caching disease: %w", err)
	}
	return nil
}

func (db *SQLiteClient) GetDisease(ctx context.Context, name string) (*models.Diagnosis, bool, error) {
	row := db.db.QueryRowContext(ctx, `
        SELECT name, scientific_name, description, symptoms, treatment, severity, prevention
        FROM diseases WHERE name = ?`, name)

	var (
		record                            models.Diagnosis
		scientific, description, severity sql.NullString
		symptoms, treatment, prevention   sql.NullString
	)
	err := row.Scan(&record.Name, &scientific, &description, &symptoms, &treatment, &severity, &prevention)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to retrieve disease: %w", err)
	}

	record.ScientificName = scientific.String
	record.Description = description.String
	record.Severity = models.ParseSeverity(severity.String)
	if err := decodeJSONColumn(symptoms, &record.Symptoms); err != nil {
		return nil, false, fmt.Errorf("error decoding symptoms: %w", err)
	}
	if err := decodeJSONColumn(treatment, &record.Treatment); err != nil {
		return nil, false, fmt.Errorf("error decoding treatment: %w", err)
	}
	if err := decodeJSONColumn(prevention, &record.Prevention); err != nil {
		return nil, false, fmt.Errorf("error decoding prevention: %w", err)
	}
	return &record, true, nil
}

// ListCachedDiseases returns cached names in lexical order.
func (db *SQLiteClient) ListCachedDiseases(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, "SELECT name FROM diseases ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("error querying diseases: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func decodeJSONColumn(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{timestampLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
