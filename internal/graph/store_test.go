package graph

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestGraph(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create graph store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustCreateConcept(t *testing.T, store *Store, id, ontology string, vec []float32) {
	t.Helper()
	err := store.CreateConcept(&Concept{
		ID:          id,
		Ontology:    ontology,
		Label:       id,
		SearchTerms: []string{id},
		Confidence:  0.8,
		Embedding:   vec,
	})
	if err != nil {
		t.Fatalf("Failed to create concept %s: %v", id, err)
	}
}

func TestCreateAndGetConcept(t *testing.T) {
	store := newTestGraph(t)
	mustCreateConcept(t, store, "linear-scanning-system", "general", []float32{1, 0, 0})

	c, err := store.GetConcept("linear-scanning-system")
	if err != nil {
		t.Fatalf("GetConcept failed: %v", err)
	}
	if c.Ontology != "general" || c.Dimension != 3 {
		t.Errorf("Concept = %+v", c)
	}
	if len(c.Embedding) != 3 || c.Embedding[0] != 1 {
		t.Errorf("Embedding not round-tripped: %v", c.Embedding)
	}
	if len(c.SearchTerms) != 1 {
		t.Errorf("SearchTerms not round-tripped: %v", c.SearchTerms)
	}

	if _, err := store.GetConcept("missing"); err != ErrConceptNotFound {
		t.Errorf("GetConcept(missing) error = %v, want ErrConceptNotFound", err)
	}
}

func TestApplyChunkAtomicAndIdempotent(t *testing.T) {
	store := newTestGraph(t)
	mustCreateConcept(t, store, "alpha", "general", []float32{1, 0})

	srcID := SourceID("job_1", "doc.txt", 0)
	write := ChunkWrite{
		Source: Source{
			ID: srcID, JobID: "job_1", DocumentName: "doc.txt", ChunkIndex: 0,
			FullText: "alpha is discussed here", WordCount: 4, Ontology: "general",
		},
		Instances: []Instance{
			{ID: InstanceID(srcID, 0), ConceptID: "alpha", SourceID: srcID, Quote: "alpha is discussed"},
		},
		ConceptLinks: []string{"alpha"},
	}

	stats, err := store.ApplyChunk(write)
	if err != nil {
		t.Fatalf("ApplyChunk failed: %v", err)
	}
	if stats.SourcesCreated != 1 || stats.InstancesCreated != 1 {
		t.Errorf("First apply stats = %+v", stats)
	}

	// Re-running an interrupted chunk adds nothing.
	stats, err = store.ApplyChunk(write)
	if err != nil {
		t.Fatalf("Second ApplyChunk failed: %v", err)
	}
	if stats.SourcesCreated != 0 || stats.InstancesCreated != 0 {
		t.Errorf("Re-run stats = %+v, want zero new rows", stats)
	}

	src, err := store.GetSource(srcID)
	if err != nil {
		t.Fatalf("GetSource failed: %v", err)
	}
	if src.FullText != "alpha is discussed here" {
		t.Errorf("Source text = %q", src.FullText)
	}

	instances, err := store.InstancesForConcept("alpha")
	if err != nil {
		t.Fatalf("InstancesForConcept failed: %v", err)
	}
	if len(instances) != 1 {
		t.Errorf("Instances = %d, want 1", len(instances))
	}
}

func TestEdgeMergeKeepsMaxConfidence(t *testing.T) {
	store := newTestGraph(t)
	mustCreateConcept(t, store, "alpha", "general", []float32{1, 0})
	mustCreateConcept(t, store, "beta", "general", []float32{0, 1})

	apply := func(confidence float64) {
		t.Helper()
		srcID := SourceID("job_1", "doc.txt", int(confidence*100))
		_, err := store.ApplyChunk(ChunkWrite{
			Source: Source{ID: srcID, JobID: "job_1", DocumentName: "doc.txt",
				FullText: "text", WordCount: 1, Ontology: "general"},
			Edges: []Edge{{FromID: "alpha", ToID: "beta", Type: "IMPLIES", Confidence: confidence}},
		})
		if err != nil {
			t.Fatalf("ApplyChunk failed: %v", err)
		}
	}

	apply(0.6)
	apply(0.9)
	apply(0.4) // lower write must not reduce confidence

	edges, err := store.EdgesFrom("alpha")
	if err != nil {
		t.Fatalf("EdgesFrom failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("Edges = %d, want exactly 1 for (alpha, beta, IMPLIES)", len(edges))
	}
	if edges[0].Confidence != 0.9 {
		t.Errorf("Edge confidence = %f, want max 0.9", edges[0].Confidence)
	}
}

func TestVectorSearchScopedAndThresholded(t *testing.T) {
	store := newTestGraph(t)
	mustCreateConcept(t, store, "north", "geo", []float32{1, 0})
	mustCreateConcept(t, store, "nearly-north", "geo", []float32{0.95, 0.1})
	mustCreateConcept(t, store, "east", "geo", []float32{0, 1})
	mustCreateConcept(t, store, "north-other", "other", []float32{1, 0})

	matches, err := store.VectorSearch("geo", []float32{1, 0}, 5, 0.85)
	if err != nil {
		t.Fatalf("VectorSearch failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Matches = %v, want north and nearly-north", matches)
	}
	if matches[0].ConceptID != "north" || matches[0].Score < 0.999 {
		t.Errorf("Best match = %+v, want north at ~1.0", matches[0])
	}
	for _, m := range matches {
		if m.ConceptID == "north-other" {
			t.Error("VectorSearch leaked across ontologies")
		}
		if m.ConceptID == "east" {
			t.Error("VectorSearch returned sub-threshold match")
		}
	}
}

func TestVectorSearchUnscopedSpansOntologies(t *testing.T) {
	store := newTestGraph(t)
	mustCreateConcept(t, store, "north", "geo", []float32{1, 0})
	mustCreateConcept(t, store, "north-other", "other", []float32{1, 0})

	matches, err := store.VectorSearch("", []float32{1, 0}, 5, 0.85)
	if err != nil {
		t.Fatalf("VectorSearch failed: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("Matches = %v, want hits from both ontologies", matches)
	}
}

func TestKnownConceptsUnscopedSpansOntologies(t *testing.T) {
	store := newTestGraph(t)
	mustCreateConcept(t, store, "alpha", "physics", []float32{1, 0})
	mustCreateConcept(t, store, "beta", "finance", []float32{0, 1})

	scoped, err := store.KnownConcepts("physics", 0)
	if err != nil {
		t.Fatalf("KnownConcepts failed: %v", err)
	}
	if len(scoped) != 1 || scoped[0].ID != "alpha" {
		t.Errorf("Scoped list = %v, want only alpha", conceptIDs(scoped))
	}

	all, err := store.KnownConcepts("", 0)
	if err != nil {
		t.Fatalf("KnownConcepts failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Unscoped list = %v, want both concepts", conceptIDs(all))
	}
}

func conceptIDs(concepts []*Concept) []string {
	ids := make([]string, len(concepts))
	for i, c := range concepts {
		ids[i] = c.ID
	}
	return ids
}

func TestOpTimeoutBoundsGraphOperations(t *testing.T) {
	store := newTestGraph(t)
	mustCreateConcept(t, store, "alpha", "general", []float32{1, 0})

	store.SetOpTimeout(time.Nanosecond)
	if _, err := store.VectorSearch("general", []float32{1, 0}, 5, 0.5); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("VectorSearch under expired deadline error = %v, want deadline exceeded", err)
	}
	srcID := SourceID("job_t", "doc.txt", 0)
	_, err := store.ApplyChunk(ChunkWrite{
		Source: Source{ID: srcID, JobID: "job_t", DocumentName: "doc.txt",
			FullText: "text", WordCount: 1, Ontology: "general"},
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ApplyChunk under expired deadline error = %v, want deadline exceeded", err)
	}

	store.SetOpTimeout(0)
	if _, err := store.VectorSearch("general", []float32{1, 0}, 5, 0.5); err != nil {
		t.Errorf("VectorSearch with timeout disabled failed: %v", err)
	}
}

func TestVectorSearchRefusesCrossDimension(t *testing.T) {
	store := newTestGraph(t)
	mustCreateConcept(t, store, "two-dim", "general", []float32{1, 0})
	mustCreateConcept(t, store, "three-dim", "general", []float32{1, 0, 0})

	matches, err := store.VectorSearch("general", []float32{1, 0, 0}, 5, 0.5)
	if err != nil {
		t.Fatalf("VectorSearch failed: %v", err)
	}
	for _, m := range matches {
		if m.ConceptID == "two-dim" {
			t.Error("VectorSearch matched across embedding dimensions")
		}
	}
	if len(matches) != 1 || matches[0].ConceptID != "three-dim" {
		t.Errorf("Matches = %v, want only three-dim", matches)
	}
}

func TestVectorBlobRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75, 0}
	got := decodeFloat32Blob(encodeFloat32Blob(vec))
	if len(got) != len(vec) {
		t.Fatalf("Round trip length = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("Round trip [%d] = %f, want %f", i, got[i], vec[i])
		}
	}

	if decodeFloat32Blob(nil) != nil {
		t.Error("decode(nil) should be nil")
	}
	if decodeFloat32Blob([]byte{1, 2, 3}) != nil {
		t.Error("decode of misaligned blob should be nil")
	}
}

func TestGetStats(t *testing.T) {
	store := newTestGraph(t)
	mustCreateConcept(t, store, "alpha", "general", []float32{1, 0})

	srcID := SourceID("job_1", "doc.txt", 0)
	_, err := store.ApplyChunk(ChunkWrite{
		Source: Source{ID: srcID, JobID: "job_1", DocumentName: "doc.txt",
			FullText: "alpha", WordCount: 1, Ontology: "general"},
		Instances:    []Instance{{ID: InstanceID(srcID, 0), ConceptID: "alpha", SourceID: srcID, Quote: "alpha"}},
		ConceptLinks: []string{"alpha"},
	})
	if err != nil {
		t.Fatalf("ApplyChunk failed: %v", err)
	}

	stats, err := store.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Concepts != 1 || stats.Sources != 1 || stats.Instances != 1 || stats.Documents != 1 {
		t.Errorf("Stats = %+v", stats)
	}
}
