package graph

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"testing"
)

// hashEngine derives a deterministic unit vector from the text, so equal
// inputs embed identically and distinct inputs are far apart.
type hashEngine struct {
	dim int
}

func (h *hashEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	f := fnv.New64a()
	f.Write([]byte(text))
	seed := f.Sum64()

	vec := make([]float32, h.dim)
	var mag float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int32(seed>>32)) / float32(math.MaxInt32)
		mag += float64(vec[i]) * float64(vec[i])
	}
	m := float32(math.Sqrt(mag))
	for i := range vec {
		vec[i] /= m
	}
	return vec, nil
}

func (h *hashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = h.Embed(ctx, t)
	}
	return out, nil
}

func (h *hashEngine) Dimensions() int { return h.dim }
func (h *hashEngine) Name() string    { return "hash" }

func newTestResolver(t *testing.T) (*Resolver, *Store) {
	t.Helper()
	store := newTestGraph(t)
	resolver := NewResolver(store, &hashEngine{dim: 32}, DefaultResolverConfig())
	return resolver, store
}

func TestResolveCreatesThenMatches(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()

	proposed := &Concept{
		ID:          "linear-scanning-system",
		Ontology:    "general",
		Label:       "Linear Scanning System",
		SearchTerms: []string{"line scanner"},
		Confidence:  0.9,
	}

	first, err := resolver.Resolve(ctx, proposed)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !first.Created {
		t.Error("First resolve did not create")
	}

	// Same label from another chunk, different provisional id: the
	// embedding matches, no second node appears.
	second, err := resolver.Resolve(ctx, &Concept{
		ID:          "scanning-system-linear",
		Ontology:    "general",
		Label:       "Linear Scanning System",
		SearchTerms: []string{"line scanner"},
		Confidence:  0.7,
	})
	if err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}
	if second.Created {
		t.Error("Second resolve created a duplicate")
	}
	if second.ConceptID != first.ConceptID {
		t.Errorf("Second resolve id = %s, want %s", second.ConceptID, first.ConceptID)
	}

	c, err := store.GetConcept(first.ConceptID)
	if err != nil {
		t.Fatalf("GetConcept failed: %v", err)
	}
	if c.Confidence != 0.9 {
		t.Errorf("Confidence = %f, want the maximum 0.9", c.Confidence)
	}
}

func TestResolveReusesExactID(t *testing.T) {
	resolver, _ := newTestResolver(t)
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, &Concept{
		ID: "alpha", Ontology: "general", Label: "Alpha", Confidence: 0.5,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// The model restated the known id: fast path, no embedding needed.
	again, err := resolver.Resolve(ctx, &Concept{
		ID: first.ConceptID, Ontology: "general", Label: "Alpha", Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("Resolve by id failed: %v", err)
	}
	if again.Created || again.ConceptID != first.ConceptID {
		t.Errorf("Resolve by id = %+v", again)
	}
}

func TestResolveDistinctConceptsStayDistinct(t *testing.T) {
	resolver, _ := newTestResolver(t)
	ctx := context.Background()

	a, err := resolver.Resolve(ctx, &Concept{
		ID: "alpha", Ontology: "general", Label: "Alpha", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Resolve alpha failed: %v", err)
	}
	b, err := resolver.Resolve(ctx, &Concept{
		ID: "completely-different", Ontology: "general", Label: "Completely Different Topic", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Resolve different failed: %v", err)
	}
	if !a.Created || !b.Created || a.ConceptID == b.ConceptID {
		t.Errorf("Resolutions collapsed: %+v vs %+v", a, b)
	}
}

func TestResolveConcurrentIdenticalCreatesOne(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	ids := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := resolver.Resolve(ctx, &Concept{
				ID:          fmt.Sprintf("provisional-%d", n),
				Ontology:    "general",
				Label:       "Linear Scanning System",
				SearchTerms: []string{"line scanner"},
				Confidence:  0.9,
			})
			if err != nil {
				t.Errorf("Resolve failed: %v", err)
				return
			}
			ids <- res.ConceptID
		}(i)
	}
	wg.Wait()
	close(ids)

	unique := map[string]bool{}
	for id := range ids {
		unique[id] = true
	}
	if len(unique) != 1 {
		t.Errorf("Concurrent resolves produced %d concepts: %v", len(unique), unique)
	}

	stats, err := store.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Concepts != 1 {
		t.Errorf("Graph holds %d concepts, want 1", stats.Concepts)
	}
}

func TestResolveScopedByOntology(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()

	a, err := resolver.Resolve(ctx, &Concept{
		ID: "alpha", Ontology: "physics", Label: "Alpha", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	b, err := resolver.Resolve(ctx, &Concept{
		ID: "alpha", Ontology: "finance", Label: "Alpha", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Resolve in second ontology failed: %v", err)
	}
	if !b.Created {
		t.Error("Same label in a different ontology did not create a new node")
	}
	if a.ConceptID == b.ConceptID {
		t.Error("Ontologies share a concept node")
	}

	stats, _ := store.GetStats()
	if stats.Concepts != 2 {
		t.Errorf("Concepts = %d, want 2", stats.Concepts)
	}
}

func TestResolveUnscopedMatchesAcrossOntologies(t *testing.T) {
	store := newTestGraph(t)
	cfg := DefaultResolverConfig()
	cfg.OntologyScoped = false
	resolver := NewResolver(store, &hashEngine{dim: 32}, cfg)
	ctx := context.Background()

	a, err := resolver.Resolve(ctx, &Concept{
		ID: "alpha", Ontology: "physics", Label: "Alpha", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	b, err := resolver.Resolve(ctx, &Concept{
		ID: "alpha-again", Ontology: "finance", Label: "Alpha", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Resolve in second ontology failed: %v", err)
	}
	if b.Created || b.ConceptID != a.ConceptID {
		t.Errorf("Unscoped resolve = %+v, want reuse of %s", b, a.ConceptID)
	}

	stats, _ := store.GetStats()
	if stats.Concepts != 1 {
		t.Errorf("Concepts = %d, want 1", stats.Concepts)
	}
}

func TestResolveIDCollisionAcrossOntologies(t *testing.T) {
	resolver, _ := newTestResolver(t)
	ctx := context.Background()

	a, _ := resolver.Resolve(ctx, &Concept{
		ID: "alpha", Ontology: "physics", Label: "Alpha", Confidence: 0.9,
	})
	b, _ := resolver.Resolve(ctx, &Concept{
		ID: "alpha", Ontology: "finance", Label: "Alpha", Confidence: 0.9,
	})
	// Ids are globally unique; the second ontology's node gets a suffix.
	if a.ConceptID == "alpha" && b.ConceptID != "alpha-2" {
		t.Errorf("De-collision gave %q, want alpha-2", b.ConceptID)
	}
}

func TestTermOverlapFallback(t *testing.T) {
	store := newTestGraph(t)
	cfg := DefaultResolverConfig()
	cfg.ReuseOnTermOverlap = true
	resolver := NewResolver(store, &hashEngine{dim: 32}, cfg)
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, &Concept{
		ID: "graph-database", Ontology: "general", Label: "Graph Database",
		SearchTerms: []string{"property graph", "graph store"}, Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// Different label (so no vector match) but strongly overlapping
	// search terms.
	second, err := resolver.Resolve(ctx, &Concept{
		ID: "graph-db", Ontology: "general", Label: "Graph DB Engine",
		SearchTerms: []string{"property graph", "graph store", "graph engine"}, Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}
	if second.Created || second.ConceptID != first.ConceptID {
		t.Errorf("Term overlap fallback missed: %+v", second)
	}
}

func TestTermOverlapCreatesNewWhenReuseDisabled(t *testing.T) {
	resolver, store := newTestResolver(t) // default config keeps reuse off

	ctx := context.Background()
	first, err := resolver.Resolve(ctx, &Concept{
		ID: "graph-database", Ontology: "general", Label: "Graph Database",
		SearchTerms: []string{"property graph", "graph store"}, Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// The overlap is detected and reported, but a new node is created.
	second, err := resolver.Resolve(ctx, &Concept{
		ID: "graph-db", Ontology: "general", Label: "Graph DB Engine",
		SearchTerms: []string{"property graph", "graph store", "graph engine"}, Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}
	if !second.Created || second.ConceptID == first.ConceptID {
		t.Errorf("Second resolve = %+v, want a distinct new concept", second)
	}

	stats, _ := store.GetStats()
	if stats.Concepts != 2 {
		t.Errorf("Concepts = %d, want 2", stats.Concepts)
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		a, b []string
		want float64
	}{
		{[]string{"a", "b"}, []string{"a", "b"}, 1.0},
		{[]string{"a", "b"}, []string{"b", "c"}, 1.0 / 3.0},
		{[]string{"a"}, []string{"b"}, 0},
		{nil, []string{"a"}, 0},
		{[]string{"A ", "b"}, []string{"a", "B"}, 1.0}, // case/space insensitive
	}
	for _, tt := range tests {
		if got := jaccard(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("jaccard(%v, %v) = %f, want %f", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Linear Scanning System", "linear-scanning-system"},
		{"  spaces  everywhere  ", "spaces-everywhere"},
		{"C++ & Go!", "c-go"},
		{"already-kebab", "already-kebab"},
		{"ALLCAPS", "allcaps"},
		{"número uno", "n-mero-uno"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
