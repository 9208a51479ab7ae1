package vector

import "sort"

// Match is one search hit from a backend.
type Match struct {
	ID    uint64
	Score float64
}

// IndexBackend is the collaborator contract for similarity indexes. The core
// ships a brute-force implementation; HNSW or other structures plug in here.
// Implementations must be deterministic given their insert/delete history
// and must return results sorted by (score desc, id asc).
type IndexBackend interface {
	Insert(id uint64, embedding []float32)
	Delete(id uint64) bool
	Search(query []float32, k int) []Match
	Len() int
	Dimension() int
	Metric() DistanceMetric
}

// BruteForce is the reference backend: exact scan, single-threaded scoring.
type BruteForce struct {
	dim    int
	metric DistanceMetric
	byID   map[uint64][]float32
}

// NewBruteForce creates an empty brute-force index.
func NewBruteForce(dim int, metric DistanceMetric) *BruteForce {
	return &BruteForce{dim: dim, metric: metric, byID: make(map[uint64][]float32)}
}

// Insert upserts the embedding under id.
func (b *BruteForce) Insert(id uint64, embedding []float32) {
	cp := make([]float32, len(embedding))
	copy(cp, embedding)
	b.byID[id] = cp
}

// Delete removes id, reporting whether it was present.
func (b *BruteForce) Delete(id uint64) bool {
	if _, ok := b.byID[id]; !ok {
		return false
	}
	delete(b.byID, id)
	return true
}

// Search scores every stored vector against query and returns the top k,
// sorted by (score desc, id asc). Iteration is driven off a sorted id list
// so ordering never depends on map iteration.
func (b *BruteForce) Search(query []float32, k int) []Match {
	if k <= 0 || len(b.byID) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(b.byID))
	for id := range b.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	matches := make([]Match, 0, len(ids))
	for _, id := range ids {
		matches = append(matches, Match{ID: id, Score: Score(b.metric, query, b.byID[id])})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Len returns the number of stored vectors.
func (b *BruteForce) Len() int { return len(b.byID) }

// Dimension returns the configured dimensionality.
func (b *BruteForce) Dimension() int { return b.dim }

// Metric returns the configured metric.
func (b *BruteForce) Metric() DistanceMetric { return b.metric }
