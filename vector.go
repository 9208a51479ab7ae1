package strata

import (
	"time"

	"github.com/stratadb-labs/strata/internal/engine"
	"github.com/stratadb-labs/strata/internal/vector"
)

// Vector index vocabulary re-exports. The IndexBackend interface is the
// collaborator contract: implementations must be deterministic given their
// insert/delete history and return results sorted by (score desc, id asc).
type (
	DistanceMetric = vector.DistanceMetric
	VectorConfig   = vector.Config
	IndexBackend   = vector.IndexBackend
	VectorMatch    = vector.Match
)

const (
	MetricCosine    = vector.MetricCosine
	MetricL2        = vector.MetricL2
	MetricDot       = vector.MetricDot
	MetricManhattan = vector.MetricManhattan
)

// NewBruteForceIndex returns the reference exact-scan backend.
func NewBruteForceIndex(dim int, metric DistanceMetric) IndexBackend {
	return vector.NewBruteForce(dim, metric)
}

// Vectors is the vector facade. Collection configuration (dimension,
// metric) is immutable after creation; vector ids are monotonic and never
// reused, and the slots freed by deletes are not reallocated.
type Vectors struct {
	eng *engine.Engine
}

// CreateCollection registers a new collection.
func (v Vectors) CreateCollection(branch Branch, name string, dim int, metric DistanceMetric) error {
	_, err := v.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.VectorCreateCollection(name, VectorConfig{Dimension: dim, Metric: metric})
	})
	return err
}

// DropCollection removes the collection and every vector in it.
func (v Vectors) DropCollection(branch Branch, name string) error {
	_, err := v.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.VectorDropCollection(name)
	})
	return err
}

// Upsert writes an embedding under a user key.
func (v Vectors) Upsert(branch Branch, collection, key string, embedding []float32) (Version, error) {
	return v.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.VectorUpsert(collection, key, embedding)
	})
}

// Delete removes a vector by user key.
func (v Vectors) Delete(branch Branch, collection, key string) error {
	_, err := v.eng.WithTxn(branch, nil, func(t *Txn) error {
		return t.VectorDelete(collection, key)
	})
	return err
}

// Get returns the stored embedding and its vector id.
func (v Vectors) Get(branch Branch, collection, key string) (uint64, []float32, bool) {
	return v.eng.VectorGet(branch, collection, key)
}

// Search runs a k-NN query. Results are sorted (score desc, key asc);
// scoring is single-threaded so ordering is deterministic. budget 0 means
// no time budget; the budget is checked at phase boundaries only.
func (v Vectors) Search(branch Branch, collection string, query []float32, k int, budget time.Duration) ([]SearchResult, error) {
	return v.eng.VectorSearch(branch, collection, query, k, budget)
}

// Config returns a collection's immutable configuration.
func (v Vectors) Config(branch Branch, collection string) (VectorConfig, bool) {
	return v.eng.VectorCollectionConfig(branch, collection)
}
