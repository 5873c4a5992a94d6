package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"mednote/pkg/domain"
)

const defaultTranscriptCollection = "transcripts"

// transcriptDocument is the stored document shape. Field names match the
// documents written by the earlier deployment so existing data stays readable.
type transcriptDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	UserID    string             `bson:"user_id"`
	Phone     string             `bson:"phone,omitempty"`
	Name      string             `bson:"name"`
	Content   string             `bson:"content"`
	Timestamp string             `bson:"timestamp"`
	Summary   string             `bson:"summary"`
	CreatedAt time.Time          `bson:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at"`
}

func (d transcriptDocument) toDomain() domain.Transcript {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = d.ID.Timestamp()
	}
	return domain.Transcript{
		ID:           d.ID.Hex(),
		OwnerSubject: d.UserID,
		OwnerPhone:   d.Phone,
		Name:         d.Name,
		Content:      d.Content,
		Timestamp:    d.Timestamp,
		Summary:      d.Summary,
		CreatedAt:    createdAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
}

// MongoStore implements Store on a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects to uri and ensures the owner index on database.collection.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("mongo uri is required")
	}
	if strings.TrimSpace(database) == "" {
		return nil, errors.New("mongo database is required")
	}
	if strings.TrimSpace(collection) == "" {
		collection = defaultTranscriptCollection
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		Options: options.Index().SetName("user_id_created_at"),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure transcript index: %w", err)
	}
	return &MongoStore{client: client, coll: coll}, nil
}

// CreateTranscript inserts t under a fresh ObjectID.
func (s *MongoStore) CreateTranscript(ctx context.Context, t domain.Transcript) (string, error) {
	now := time.Now().UTC()
	doc := transcriptDocument{
		ID:        primitive.NewObjectID(),
		UserID:    t.OwnerSubject,
		Phone:     t.OwnerPhone,
		Name:      t.Name,
		Content:   t.Content,
		Timestamp: t.Timestamp,
		Summary:   t.Summary,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("insert transcript: %w", err)
	}
	return doc.ID.Hex(), nil
}

// ListTranscriptsByOwner returns the subject's transcripts, newest first.
func (s *MongoStore) ListTranscriptsByOwner(ctx context.Context, subject string) ([]domain.Transcript, error) {
	cur, err := s.coll.Find(ctx, bson.M{"user_id": subject})
	if err != nil {
		return nil, fmt.Errorf("find transcripts: %w", err)
	}
	var docs []transcriptDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode transcripts: %w", err)
	}
	res := make([]domain.Transcript, 0, len(docs))
	for _, d := range docs {
		res = append(res, d.toDomain())
	}
	// Older documents have no created_at; sort after falling back to the ObjectID time.
	sortNewestFirst(res)
	return res, nil
}

func (s *MongoStore) GetTranscript(ctx context.Context, id, subject string) (domain.Transcript, bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return domain.Transcript{}, false, nil
	}
	var doc transcriptDocument
	err = s.coll.FindOne(ctx, bson.M{"_id": oid, "user_id": subject}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Transcript{}, false, nil
	}
	if err != nil {
		return domain.Transcript{}, false, fmt.Errorf("find transcript: %w", err)
	}
	return doc.toDomain(), true, nil
}

func (s *MongoStore) UpdateTranscriptFields(ctx context.Context, id, subject string, patch domain.TranscriptPatch) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}
	set := bson.M{}
	for k, v := range patchColumns(patch, time.Now().UTC()) {
		set[k] = v
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": oid, "user_id": subject}, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("update transcript: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) DeleteTranscript(ctx context.Context, id, subject string) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": oid, "user_id": subject})
	if err != nil {
		return false, fmt.Errorf("delete transcript: %w", err)
	}
	return res.DeletedCount > 0, nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
