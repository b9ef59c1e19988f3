package kb

import (
	"context"
	"encoding/base32"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"

	"github.com/simpleflo/kbchat/internal/config"
	"github.com/simpleflo/kbchat/internal/observability"
	"github.com/simpleflo/kbchat/pkg/models"
)

const (
	// DefaultQdrantHost is the default Qdrant gRPC endpoint.
	DefaultQdrantHost = "localhost"

	// DefaultQdrantPort is the default Qdrant gRPC port.
	DefaultQdrantPort = 6334

	// DefaultCollectionPrefix namespaces this application's collections.
	DefaultCollectionPrefix = "kbchat"

	payloadText = "text"
)

var collectionEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// QdrantStore keeps one Qdrant collection per index key. It is selected
// with vector.backend = "qdrant".
type QdrantStore struct {
	client    *qdrant.Client
	host      string
	prefix    string
	dimension uint64
	locks     *keyLocks
	logger    zerolog.Logger

	mu    sync.Mutex
	ready map[string]bool
}

// NewQdrantStore creates a store that talks to Qdrant over gRPC. The
// connection is verified on first use.
func NewQdrantStore(cfg config.QdrantConfig, dimension int) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultQdrantHost
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultQdrantPort
	}
	if cfg.CollectionPrefix == "" {
		cfg.CollectionPrefix = DefaultCollectionPrefix
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("qdrant store needs a positive vector dimension, got %d", dimension)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		return nil, models.Wrap(models.ErrStorageUnavailable, "failed to create Qdrant client", err)
	}

	return &QdrantStore{
		client:    client,
		host:      fmt.Sprintf("qdrant://%s:%d", cfg.Host, cfg.Port),
		prefix:    cfg.CollectionPrefix,
		dimension: uint64(dimension),
		locks:     newKeyLocks(),
		logger:    observability.Logger("kb.qdrant"),
		ready:     make(map[string]bool),
	}, nil
}

// collectionName maps a key to a Qdrant-safe collection name. Keys may
// contain slashes and non-ASCII category names, so they are encoded.
func collectionName(prefix, key string) string {
	return prefix + "_" + strings.ToLower(collectionEncoding.EncodeToString([]byte(key)))
}

// keyFromCollection reverses collectionName. ok is false for collections
// that do not belong to prefix.
func keyFromCollection(prefix, name string) (string, bool) {
	enc, found := strings.CutPrefix(name, prefix+"_")
	if !found || enc == "" {
		return "", false
	}
	raw, err := collectionEncoding.DecodeString(strings.ToUpper(enc))
	if err != nil {
		return "", false
	}
	key := string(raw)
	if ValidateKey(key) != nil {
		return "", false
	}
	return key, true
}

func (q *QdrantStore) unavailable(msg string, err error) error {
	return models.Wrap(models.ErrStorageUnavailable, msg, err).WithDetails("location", q.host)
}

// Open ensures the key's collection exists with a keyword index on source.
func (q *QdrantStore) Open(ctx context.Context, key string) (IndexHandle, error) {
	if err := ValidateKey(key); err != nil {
		return IndexHandle{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready[key] {
		return IndexHandle{Key: key}, nil
	}

	name := collectionName(q.prefix, key)
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return IndexHandle{}, q.unavailable("failed to check collection", err)
	}

	if !exists {
		q.logger.Info().
			Str("collection", name).
			Str("index", key).
			Uint64("dimension", q.dimension).
			Msg("creating collection")

		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dimension,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return IndexHandle{}, q.unavailable("failed to create collection", err)
		}

		_, err = q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      MetaSource,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			q.logger.Warn().Err(err).Str("collection", name).Msg("failed to create source index")
		}
	}

	q.ready[key] = true
	return IndexHandle{Key: key}, nil
}

// Insert upserts the batch and waits until Qdrant has applied it.
func (q *QdrantStore) Insert(ctx context.Context, h IndexHandle, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if _, err := q.Open(ctx, h.Key); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		if uint64(len(r.Vector)) != q.dimension {
			return dimensionError(h.Key, int(q.dimension), len(r.Vector))
		}
		payload := make(map[string]any, len(r.Metadata)+1)
		for k, v := range r.Metadata {
			payload[k] = v
		}
		payload[payloadText] = r.Text

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(r.ID),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	lock := q.locks.get(h.Key)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collectionName(q.prefix, h.Key),
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return q.unavailable("failed to upsert records", err)
	}

	q.logger.Debug().
		Str("index", h.Key).
		Int("count", len(records)).
		Dur("duration", time.Since(start)).
		Msg("upserted records")
	return nil
}

// Search queries the key's collection. A source filter becomes a Should
// clause so any allowed source matches.
func (q *QdrantStore) Search(ctx context.Context, h IndexHandle, vector []float32, k int, filter *Filter) ([]ScoredSegment, error) {
	if k <= 0 {
		return nil, nil
	}
	if uint64(len(vector)) != q.dimension {
		return nil, dimensionError(h.Key, int(q.dimension), len(vector))
	}

	lock := q.locks.get(h.Key)
	lock.RLock()
	defer lock.RUnlock()

	var qf *qdrant.Filter
	if filter != nil && len(filter.Sources) > 0 {
		sources := dedupe(filter.Sources)
		should := make([]*qdrant.Condition, len(sources))
		for i, src := range sources {
			should[i] = qdrant.NewMatch(MetaSource, src)
		}
		qf = &qdrant.Filter{Should: should}
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collectionName(q.prefix, h.Key),
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, q.unavailable("search failed", err)
	}

	out := make([]ScoredSegment, len(points))
	for i, p := range points {
		seg := ScoredSegment{
			Score:    p.Score,
			Index:    h.Key,
			Metadata: make(map[string]string, len(p.Payload)),
		}
		for k, v := range p.Payload {
			if k == payloadText {
				seg.Text = v.GetStringValue()
				continue
			}
			seg.Metadata[k] = v.GetStringValue()
		}
		out[i] = seg
	}
	return out, nil
}

// Exists reports whether the key's collection exists.
func (q *QdrantStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	exists, err := q.client.CollectionExists(ctx, collectionName(q.prefix, key))
	if err != nil {
		return false, q.unavailable("failed to check collection", err)
	}
	return exists, nil
}

// Count returns the exact number of points in the key's collection.
func (q *QdrantStore) Count(ctx context.Context, h IndexHandle) (int, error) {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collectionName(q.prefix, h.Key),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, q.unavailable("failed to count records", err)
	}
	return int(n), nil
}

// CountSources counts each source with an exact match filter.
func (q *QdrantStore) CountSources(ctx context.Context, h IndexHandle, sources []string) (map[string]int, error) {
	lock := q.locks.get(h.Key)
	lock.RLock()
	defer lock.RUnlock()

	out := make(map[string]int, len(sources))
	for _, src := range dedupe(sources) {
		n, err := q.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: collectionName(q.prefix, h.Key),
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{qdrant.NewMatch(MetaSource, src)},
			},
			Exact: qdrant.PtrOf(true),
		})
		if err != nil {
			return nil, q.unavailable("failed to count records", err)
		}
		out[src] = int(n)
	}
	return out, nil
}

// DeleteIndex drops the key's collection.
func (q *QdrantStore) DeleteIndex(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	lock := q.locks.get(key)
	lock.Lock()
	defer lock.Unlock()

	name := collectionName(q.prefix, key)
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return q.unavailable("failed to check collection", err)
	}
	if exists {
		if err := q.client.DeleteCollection(ctx, name); err != nil {
			return q.unavailable("failed to delete collection", err)
		}
	}

	q.mu.Lock()
	delete(q.ready, key)
	q.mu.Unlock()

	observability.LogEvent(q.logger, observability.EventIndexDeleted, map[string]interface{}{
		"index":      key,
		"collection": name,
	})
	return nil
}

// Keys lists the keys of this application's collections.
func (q *QdrantStore) Keys(ctx context.Context) ([]string, error) {
	names, err := q.client.ListCollections(ctx)
	if err != nil {
		return nil, q.unavailable("failed to list collections", err)
	}

	var keys []string
	for _, name := range names {
		if key, ok := keyFromCollection(q.prefix, name); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (q *QdrantStore) Location() string { return q.host }

// Degraded is always false; Qdrant has no local fallback.
func (q *QdrantStore) Degraded() bool { return false }

// Close closes the gRPC connection.
func (q *QdrantStore) Close() error {
	return q.client.Close()
}

var _ IndexStore = (*QdrantStore)(nil)
