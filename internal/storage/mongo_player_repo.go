package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/annel0/kmp-host/internal/state"
)

// MongoConfig contains connection settings for the MongoDB player mirror.
type MongoConfig struct {
	URI        string // e.g. mongodb://localhost:27017
	Database   string // e.g. kmp
	Collection string // e.g. player_saves
}

// MongoPlayerRepo implements PlayerRepo on a MongoDB backend.
type MongoPlayerRepo struct {
	client     *mongo.Client
	collection *mongo.Collection
	ctxTimeout time.Duration
}

type playerDoc struct {
	SessionID     string    `bson:"session_id"`
	ParticipantID string    `bson:"participant_id"`
	DisplayName   string    `bson:"display_name"`
	X             float64   `bson:"x"`
	Y             float64   `bson:"y"`
	Z             float64   `bson:"z"`
	ContentHash   string    `bson:"content_hash"`
	Body          []byte    `bson:"body"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

// NewMongoPlayerRepo establishes connection and returns repository.
func NewMongoPlayerRepo(ctx context.Context, cfg MongoConfig) (*MongoPlayerRepo, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "kmp"
	}
	if cfg.Collection == "" {
		cfg.Collection = "player_saves"
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(cctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	repo := &MongoPlayerRepo{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		ctxTimeout: 5 * time.Second,
	}
	if err := repo.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(cctx)
		return nil, err
	}
	return repo, nil
}

func (m *MongoPlayerRepo) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()
	idx := mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "participant_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("session_participant_unique"),
	}
	_, err := m.collection.Indexes().CreateOne(ctx, idx)
	return err
}

// SavePlayer upserts the latest save of a participant.
func (m *MongoPlayerRepo) SavePlayer(ctx context.Context, rec PlayerRecord) error {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	doc := playerDoc{
		SessionID:     rec.SessionID,
		ParticipantID: string(rec.ParticipantID),
		DisplayName:   rec.DisplayName,
		X:             rec.Position.X,
		Y:             rec.Position.Y,
		Z:             rec.Position.Z,
		ContentHash:   rec.ContentHash,
		Body:          rec.Body,
		UpdatedAt:     rec.UpdatedAt.UTC(),
	}
	filter := bson.M{"session_id": doc.SessionID, "participant_id": doc.ParticipantID}
	_, err := m.collection.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo save %s: %w", rec.ParticipantID, err)
	}
	return nil
}

// LoadPlayer implements PlayerRepo.
func (m *MongoPlayerRepo) LoadPlayer(ctx context.Context, sessionID string, pid state.ParticipantID) (*PlayerRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()
	var doc playerDoc
	err := m.collection.FindOne(ctx, bson.M{"session_id": sessionID, "participant_id": string(pid)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo load %s: %w", pid, err)
	}
	return &PlayerRecord{
		SessionID:     doc.SessionID,
		ParticipantID: state.ParticipantID(doc.ParticipantID),
		DisplayName:   doc.DisplayName,
		Position:      state.Vec3{X: doc.X, Y: doc.Y, Z: doc.Z},
		ContentHash:   doc.ContentHash,
		Body:          doc.Body,
		UpdatedAt:     doc.UpdatedAt,
	}, nil
}

// Close terminates connection.
func (m *MongoPlayerRepo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
