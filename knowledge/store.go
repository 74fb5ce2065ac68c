// Package knowledge stores and searches embedded Blender knowledge in
// Qdrant.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/martinemde/blenderagent/agentloop"
)

// Config selects the Qdrant server.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// ErrNoEmbeddings is returned by AddDocuments when no document could be
// embedded.
var ErrNoEmbeddings = errors.New("no embeddings generated")

// qdrantAPI is the subset of *qdrant.Client used by Store.
type qdrantAPI interface {
	ListCollections(ctx context.Context) ([]string, error)
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	DeleteCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Close() error
}

// Store is an agentloop.KnowledgeBase backed by Qdrant.
type Store struct {
	api    qdrantAPI
	logger *zap.Logger
}

var _ agentloop.KnowledgeBase = (*Store)(nil)

// NewStore connects to Qdrant over gRPC.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return newStore(client, logger), nil
}

func newStore(api qdrantAPI, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{api: api, logger: logger.Named("knowledge")}
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.api.Close()
}

// Search returns the limit nearest points to vector.
func (s *Store) Search(ctx context.Context, collection string, vector []float32, limit int) ([]agentloop.ScoredPoint, error) {
	if limit <= 0 {
		limit = agentloop.AugmentLimit
	}
	points, err := s.api.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vector),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}

	hits := make([]agentloop.ScoredPoint, 0, len(points))
	for _, p := range points {
		hits = append(hits, agentloop.ScoredPoint{
			ID:      pointID(p.GetId()),
			Score:   p.GetScore(),
			Payload: payloadMap(p.GetPayload()),
		})
	}
	return hits, nil
}

// ListCollections returns collection names.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.api.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return names, nil
}

// CreateCollection creates a cosine-distance collection of size-dimensional
// vectors.
func (s *Store) CreateCollection(ctx context.Context, name string, size uint64) error {
	err := s.api.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     size,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	s.logger.Info("collection created", zap.String("collection", name), zap.Uint64("size", size))
	return nil
}

// EnsureCollection creates the collection if it does not exist.
func (s *Store) EnsureCollection(ctx context.Context, name string, size uint64) error {
	exists, err := s.api.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists {
		return nil
	}
	return s.CreateCollection(ctx, name, size)
}

// DeleteCollection drops the collection and its points.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	if err := s.api.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	s.logger.Info("collection deleted", zap.String("collection", name))
	return nil
}

// UpsertPoints writes points and waits for them to be applied.
func (s *Store) UpsertPoints(ctx context.Context, collection string, points []agentloop.Point) error {
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		payload, err := qdrant.TryValueMap(p.Payload)
		if err != nil {
			return fmt.Errorf("point %s payload: %w", p.ID, err)
		}
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectorsDense(p.Vector),
			Payload: payload,
		})
	}
	if _, err := s.api.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	}); err != nil {
		return fmt.Errorf("upsert into %s: %w", collection, err)
	}
	return nil
}

// Document is a piece of text to embed and store.
type Document struct {
	Text   string
	Source string
}

// AddDocuments embeds each document and stores those that embedded
// successfully. It returns how many were stored.
func (s *Store) AddDocuments(ctx context.Context, embedder agentloop.Embedder, collection string, docs []Document) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	points := make([]agentloop.Point, 0, len(docs))
	for i, doc := range docs {
		vector, err := embedder.Embed(ctx, doc.Text)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			s.logger.Warn("embedding failed", zap.Int("document", i), zap.Error(err))
			continue
		}
		if len(vector) == 0 {
			continue
		}
		source := doc.Source
		if source == "" {
			source = "User Input"
		}
		points = append(points, agentloop.Point{
			ID:     uuid.NewString(),
			Vector: vector,
			Payload: map[string]any{
				"text":      doc.Text,
				"source":    source,
				"timestamp": now,
			},
		})
	}
	if len(points) == 0 {
		return 0, ErrNoEmbeddings
	}
	if err := s.UpsertPoints(ctx, collection, points); err != nil {
		return 0, err
	}
	return len(points), nil
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func payloadMap(values map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_StructValue:
		return payloadMap(kind.StructValue.GetFields())
	case *qdrant.Value_ListValue:
		list := kind.ListValue.GetValues()
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = valueToAny(item)
		}
		return out
	default:
		return nil
	}
}
