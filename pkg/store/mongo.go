// Copyright 2025 Atlas Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	defaultCollection = "conversations"
	connectTimeout    = 10 * time.Second

	docTypeSession   = "session"
	docTypeCache     = "cache"
	docTypeEmbedding = "embedding"
	docTypeFeedback  = "feedback"
)

// MongoStore is the production Store backend. Sessions, cache entries,
// embeddings and feedback share one collection, discriminated by doc_type,
// so a single TTL index serves every expiring document kind.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	maxTurns   int
	logger     *slog.Logger
}

type sessionDoc struct {
	Session `bson:",inline"`
	DocType string `bson:"doc_type"`
}

type cacheDoc struct {
	ID        string    `bson:"_id"`
	DocType   string    `bson:"doc_type"`
	Value     []byte    `bson:"value"`
	ExpiresAt time.Time `bson:"expires_at,omitempty"`
}

type embeddingDoc struct {
	ID      string    `bson:"_id"`
	DocType string    `bson:"doc_type"`
	Vector  []float32 `bson:"vector"`
}

type feedbackDoc struct {
	Feedback `bson:",inline"`
	DocType  string `bson:"doc_type"`
}

// NewMongoStore connects to MongoDB and prepares the conversation
// collection, including the TTL index that expires cache entries.
func NewMongoStore(ctx context.Context, uri, database string, maxTurns int, logger *slog.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb unreachable: %w", err)
	}

	s := &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(defaultCollection),
		maxTurns:   maxTurns,
		logger:     logger,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "doc_type", Value: 1}, {Key: "caller_id", Value: 1}, {Key: "updated_at", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateSession(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	doc := sessionDoc{Session: *session, DocType: docTypeSession}
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Turns == nil {
		doc.Turns = []Turn{}
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("session %s already exists", session.ID)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// AppendTurn appends atomically via an aggregation-pipeline update: the turn
// number is computed server-side from turn_count, so concurrent appends to
// one session never observe the same number. turn_count keeps increasing
// even after old turns are elided.
func (s *MongoStore) AppendTurn(ctx context.Context, sessionID string, turn *Turn) (int, error) {
	next := bson.M{"$add": bson.A{"$turn_count", 1}}

	turnExpr := bson.M{"$mergeObjects": bson.A{
		bson.M{"$literal": *turn},
		bson.M{"turn_number": next},
	}}

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"turns":      bson.M{"$concatArrays": bson.A{"$turns", bson.A{turnExpr}}},
			"turn_count": next,
			"updated_at": "$$NOW",
		}}},
	}
	if s.maxTurns > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$set", Value: bson.M{
			"turns": bson.M{"$slice": bson.A{"$turns", -s.maxTurns}},
		}}})
	}

	var updated sessionDoc
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": sessionID, "doc_type": docTypeSession},
		pipeline,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return 0, fmt.Errorf("failed to append turn: %w", err)
	}

	return updated.TurnCount, nil
}

func (s *MongoStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	opts := options.FindOne()
	if n > 0 {
		opts = opts.SetProjection(bson.M{"turns": bson.M{"$slice": -n}})
	}

	var doc sessionDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": sessionID, "doc_type": docTypeSession}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}

	return doc.Turns, nil
}

func (s *MongoStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var doc sessionDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": sessionID, "doc_type": docTypeSession}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &doc.Session, nil
}

func (s *MongoStore) ListSessions(ctx context.Context, callerID string) ([]*Session, error) {
	cursor, err := s.collection.Find(ctx,
		bson.M{"doc_type": docTypeSession, "caller_id": callerID},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []sessionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}

	out := make([]*Session, len(docs))
	for i := range docs {
		out[i] = &docs[i].Session
	}
	return out, nil
}

func (s *MongoStore) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": sessionID, "doc_type": docTypeSession})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// CacheGet treats every backend failure as a miss. The cache is an
// optimization; a flaky store must never fail a request.
func (s *MongoStore) CacheGet(ctx context.Context, key string) ([]byte, error) {
	var doc cacheDoc
	err := s.collection.FindOne(ctx, bson.M{
		"_id":      docTypeCache + ":" + key,
		"doc_type": docTypeCache,
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$gt": time.Now().UTC()}},
			bson.M{"expires_at": bson.M{"$exists": false}},
		},
	}).Decode(&doc)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			s.logger.Warn("cache lookup failed, treating as miss", "error", err)
		}
		return nil, ErrCacheMiss
	}
	return doc.Value, nil
}

func (s *MongoStore) CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	doc := cacheDoc{
		ID:      docTypeCache + ":" + key,
		DocType: docTypeCache,
		Value:   value,
	}
	if ttl > 0 {
		doc.ExpiresAt = time.Now().UTC().Add(ttl)
	}

	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": doc.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		s.logger.Warn("cache write failed", "error", err)
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (s *MongoStore) EmbeddingGet(ctx context.Context, key string) ([]float32, error) {
	var doc embeddingDoc
	err := s.collection.FindOne(ctx, bson.M{
		"_id":      docTypeEmbedding + ":" + key,
		"doc_type": docTypeEmbedding,
	}).Decode(&doc)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			s.logger.Warn("embedding lookup failed, treating as miss", "error", err)
		}
		return nil, ErrCacheMiss
	}
	return doc.Vector, nil
}

func (s *MongoStore) EmbeddingPut(ctx context.Context, key string, vector []float32) error {
	doc := embeddingDoc{
		ID:      docTypeEmbedding + ":" + key,
		DocType: docTypeEmbedding,
		Vector:  vector,
	}

	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": doc.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to write embedding: %w", err)
	}
	return nil
}

func (s *MongoStore) PutFeedback(ctx context.Context, fb *Feedback) error {
	doc := feedbackDoc{Feedback: *fb, DocType: docTypeFeedback}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
