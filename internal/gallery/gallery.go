// Package gallery matches face embeddings against the known identities held
// in PostgreSQL, using an in-memory HNSW graph for the nearest-neighbour search.
package gallery

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/coder/hnsw"
	"github.com/sirupsen/logrus"
)

// MaxNeighbors is the HNSW M parameter.
const MaxNeighbors = 16

// Source supplies the gallery rows.
type Source interface {
	ListIdentities(ctx context.Context) ([]store.Identity, error)
}

// Embedder turns a face crop into an embedding.
type Embedder interface {
	Embed(ctx context.Context, face image.Image) ([]float32, error)
}

// Index is an HNSW graph keyed by identity name.
type Index struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[string]
	dim    int
	logger logrus.FieldLogger
}

// NewIndex creates an empty index.
func NewIndex(logger logrus.FieldLogger) *Index {
	return &Index{logger: logger.WithField("component", "gallery")}
}

// Build replaces the graph with the given identities. Rows whose embedding
// width differs from the first row are skipped.
func (x *Index) Build(identities []store.Identity) {
	g := hnsw.NewGraph[string]()
	g.M = MaxNeighbors
	g.Ml = 1.0 / float64(MaxNeighbors)
	g.Distance = hnsw.CosineDistance

	dim := 0
	for _, id := range identities {
		if len(id.Embedding) == 0 {
			continue
		}
		if dim == 0 {
			dim = len(id.Embedding)
		}
		if len(id.Embedding) != dim {
			x.logger.Warningf("skipping %q: embedding has %d dimensions, expected %d", id.Name, len(id.Embedding), dim)
			continue
		}
		g.Add(hnsw.MakeNode(id.Name, id.Embedding))
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.graph = g
	x.dim = dim
	x.logger.Debugf("gallery index built with %d identities", g.Len())
}

// Load rebuilds the index from src.
func (x *Index) Load(ctx context.Context, src Source) error {
	identities, err := src.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("load gallery: %w", err)
	}
	x.Build(identities)
	return nil
}

// Len returns the number of indexed identities.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.graph == nil {
		return 0
	}
	return x.graph.Len()
}

// Nearest returns the closest identity and its cosine distance. ok is false
// for an empty index.
func (x *Index) Nearest(query []float32) (name string, distance float64, ok bool, err error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.graph == nil || x.graph.Len() == 0 {
		return "", 0, false, nil
	}
	if len(query) != x.dim {
		return "", 0, false, fmt.Errorf("query has %d dimensions, index has %d", len(query), x.dim)
	}

	neighbors := x.graph.Search(query, 1)
	if len(neighbors) == 0 {
		return "", 0, false, nil
	}
	n := neighbors[0]
	return n.Key, float64(hnsw.CosineDistance(query, n.Value)), true, nil
}

// Matcher embeds a crop through the worker and looks it up in the index.
type Matcher struct {
	embedder Embedder
	index    *Index
}

var _ recognition.Matcher = (*Matcher)(nil)

// NewMatcher pairs an embedder with an index.
func NewMatcher(embedder Embedder, index *Index) *Matcher {
	return &Matcher{embedder: embedder, index: index}
}

// Match implements recognition.Matcher.
func (m *Matcher) Match(ctx context.Context, face image.Image) (recognition.Match, error) {
	vec, err := m.embedder.Embed(ctx, face)
	if err != nil {
		return recognition.Match{}, err
	}
	name, dist, ok, err := m.index.Nearest(vec)
	if err != nil || !ok {
		return recognition.Match{}, err
	}
	return recognition.Match{Identity: name, Distance: dist, Found: true}, nil
}
