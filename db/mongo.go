package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"agriscan/models"
)

type MongoClient struct {
	client     *mongo.Client
	detections *mongo.Collection
	diseases   *mongo.Collection
}

// historyDocument keeps detections and diagnosis as the JSON text the API
// received, so entries round-trip byte for byte.
type historyDocument struct {
	ID         string    `bson:"_id"`
	UserID     string    `bson:"user_id"`
	Detections string    `bson:"detections"`
	Diagnosis  string    `bson:"diagnosis,omitempty"`
	Image      string    `bson:"image_base64,omitempty"`
	Location   string    `bson:"location,omitempty"`
	Notes      string    `bson:"notes,omitempty"`
	Timestamp  time.Time `bson:"timestamp"`
}

type diseaseDocument struct {
	models.Diagnosis `bson:",inline"`
	LastUpdated      time.Time `bson:"last_updated"`
}

func NewMongoClient(ctx context.Context, uri, database string) (*MongoClient, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("error connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("error pinging MongoDB: %w", err)
	}

	db := client.Database(database)
	m := &MongoClient{
		client:     client,
		detections: db.Collection("detections"),
		diseases:   db.Collection("diseases"),
	}

	if _, err := m.diseases.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("error creating diseases index: %w", err)
	}
	if _, err := m.detections.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}},
	}); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("error creating detections index: %w", err)
	}

	return m, nil
}

func (m *MongoClient) Close() error {
	return m.client.Disconnect(context.Background())
}

func (m *MongoClient) SaveDetection(ctx context.Context, entry models.HistoryEntry) (string, error) {
	doc := newHistoryDocument(entry, time.Now())
	if _, err := m.detections.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("error storing detection: %w", err)
	}
	return doc.ID, nil
}

func (m *MongoClient) GetHistory(ctx context.Context, userID string, limit, offset int) ([]models.HistoryEntry, error) {
	limit, offset = clampPage(limit, offset)

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"image_base64": 0})

	cur, err := m.detections.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("error querying history: %w", err)
	}
	defer cur.Close(ctx)

	entries := []models.HistoryEntry{}
	for cur.Next(ctx) {
		var doc historyDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("error decoding history: %w", err)
		}
		entries = append(entries, doc.entry())
	}
	return entries, cur.Err()
}

func (m *MongoClient) GetDetection(ctx context.Context, id string) (*models.HistoryEntry, bool, error) {
	var doc historyDocument
	if err := m.detections.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to retrieve detection: %w", err)
	}
	entry := doc.entry()
	return &entry, true, nil
}

func (m *MongoClient) DeleteDetection(ctx context.Context, id string) (bool, error) {
	res, err := m.detections.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("failed to delete detection: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (m *MongoClient) CacheDisease(ctx context.Context, name string, record models.Diagnosis) error {
	doc := newDiseaseDocument(name, record, time.Now())
	_, err := m.diseases.ReplaceOne(ctx, bson.M{"name": name}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("error caching disease: %w", err)
	}
	return nil
}

func (m *MongoClient) GetDisease(ctx context.Context, name string) (*models.Diagnosis, bool, error) {
	var doc diseaseDocument
	if err := m.diseases.FindOne(ctx, bson.M{"name": name}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to retrieve disease: %w", err)
	}
	record := doc.record()
	return &record, true, nil
}

func (m *MongoClient) ListCachedDiseases(ctx context.Context) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "name", Value: 1}}).
		SetProjection(bson.M{"name": 1})

	cur, err := m.diseases.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("error querying diseases: %w", err)
	}
	defer cur.Close(ctx)

	names := []string{}
	for cur.Next(ctx) {
		var doc struct {
			Name string `bson:"name"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("error decoding disease: %w", err)
		}
		names = append(names, doc.Name)
	}
	return names, cur.Err()
}

// newHistoryDocument assigns an id and timestamp when the entry has none.
func newHistoryDocument(entry models.HistoryEntry, now time.Time) historyDocument {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	doc := historyDocument{
		ID:         entry.ID,
		UserID:     entry.UserID,
		Detections: string(entry.Detections),
		Diagnosis:  string(entry.Diagnosis),
		Image:      entry.Image,
		Location:   entry.Location,
		Notes:      entry.Notes,
		Timestamp:  entry.Timestamp.UTC(),
	}
	if doc.Detections == "" {
		doc.Detections = "[]"
	}
	return doc
}

// newDiseaseDocument keys the record by the requested name.
func newDiseaseDocument(name string, record models.Diagnosis, now time.Time) diseaseDocument {
	record.Name = name
	if record.Severity == "" {
		record.Severity = models.SeverityMedium
	}
	return diseaseDocument{Diagnosis: record, LastUpdated: now.UTC()}
}

func (d diseaseDocument) record() models.Diagnosis {
	record := d.Diagnosis
	record.Severity = models.ParseSeverity(string(record.Severity))
	return record
}

func (d historyDocument) entry() models.HistoryEntry {
	entry := models.HistoryEntry{
		ID:         d.ID,
		UserID:     d.UserID,
		Detections: json.RawMessage(d.Detections),
		Image:      d.Image,
		Location:   d.Location,
		Notes:      d.Notes,
		Timestamp:  d.Timestamp.UTC(),
	}
	if d.Diagnosis != "" {
		entry.Diagnosis = json.RawMessage(d.Diagnosis)
	}
	return entry
}
