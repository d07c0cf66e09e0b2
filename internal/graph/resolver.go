package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"kgraph/internal/embedding"
	"kgraph/internal/logging"
)

// ResolverConfig tunes concept identity resolution.
type ResolverConfig struct {
	// MatchThreshold is the minimum cosine similarity to treat an
	// extracted concept as an existing node.
	MatchThreshold float64

	// TopK bounds the vector search candidate list.
	TopK int

	// OntologyScoped serializes creation per ontology instead of
	// globally, letting unrelated ontologies ingest in parallel.
	OntologyScoped bool

	// ReuseOnTermOverlap reuses a concept whose search terms overlap
	// the proposal's past the Jaccard threshold. When false an overlap
	// is logged as a potential duplicate and a new node is created.
	ReuseOnTermOverlap bool

	// TermOverlapThreshold is the minimum Jaccard index for the
	// fallback match.
	TermOverlapThreshold float64
}

// DefaultResolverConfig mirrors the standard ingestion settings.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		MatchThreshold:       0.85,
		TopK:                 5,
		OntologyScoped:       true,
		ReuseOnTermOverlap:   false,
		TermOverlapThreshold: 0.5,
	}
}

// Resolver maps extracted concepts onto graph nodes: an exact id hit, a
// vector match above the threshold, or a freshly created node. The
// search-then-create window is closed by a per-ontology critical section,
// so two chunks racing on the same new idea converge on one node.
type Resolver struct {
	store  *Store
	engine embedding.Engine
	cfg    ResolverConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResolver creates a resolver over the graph store and embedding engine.
func NewResolver(store *Store, engine embedding.Engine, cfg ResolverConfig) *Resolver {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = 0.85
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Resolver{
		store:  store,
		engine: engine,
		cfg:    cfg,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Resolution is the outcome for one extracted concept.
type Resolution struct {
	ConceptID string
	Created   bool
}

// Resolve returns the canonical graph id for an extracted concept,
// creating a node if nothing matches. The proposed concept's ID is the
// model's provisional id; Embedding may be empty and is computed here.
func (r *Resolver) Resolve(ctx context.Context, proposed *Concept) (Resolution, error) {
	if proposed.Ontology == "" {
		return Resolution{}, fmt.Errorf("concept %q has no ontology", proposed.ID)
	}

	// Fast path: the model reused an id the graph already holds.
	scope := proposed.Ontology
	if !r.cfg.OntologyScoped {
		scope = ""
	}
	exists, err := r.store.ConceptExists(proposed.ID, scope)
	if err != nil {
		return Resolution{}, err
	}
	if exists {
		if err := r.store.TouchConcept(proposed.ID, proposed.Confidence); err != nil {
			return Resolution{}, err
		}
		return Resolution{ConceptID: proposed.ID}, nil
	}

	vec, err := r.engine.Embed(ctx, embedText(proposed))
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to embed concept %q: %w", proposed.Label, err)
	}

	lock := r.ontologyLock(proposed.Ontology)
	lock.Lock()
	defer lock.Unlock()

	// Re-check inside the critical section: a racing chunk may have
	// created the node between our search and now. An empty scope
	// searches across ontologies.
	matches, err := r.store.VectorSearch(scope, vec, r.cfg.TopK, r.cfg.MatchThreshold)
	if err != nil {
		return Resolution{}, err
	}
	if len(matches) > 0 {
		best := matches[0]
		logging.GraphDebug("Resolved %q to existing concept %s (similarity %.3f)",
			proposed.Label, best.ConceptID, best.Score)
		if err := r.store.TouchConcept(best.ConceptID, proposed.Confidence); err != nil {
			return Resolution{}, err
		}
		return Resolution{ConceptID: best.ConceptID}, nil
	}

	// The search-term overlap check always runs; the flag only decides
	// whether a hit is reused or merely reported before creating anyway.
	if id, ok, err := r.termOverlapMatch(proposed, scope); err != nil {
		return Resolution{}, err
	} else if ok {
		if r.cfg.ReuseOnTermOverlap {
			if err := r.store.TouchConcept(id, proposed.Confidence); err != nil {
				return Resolution{}, err
			}
			return Resolution{ConceptID: id}, nil
		}
		logging.Graph("Potential duplicate: %q overlaps search terms of %s, creating a new concept",
			proposed.Label, id)
	}

	id, err := r.freshID(proposed)
	if err != nil {
		return Resolution{}, err
	}
	concept := &Concept{
		ID:          id,
		Ontology:    proposed.Ontology,
		Label:       proposed.Label,
		SearchTerms: proposed.SearchTerms,
		Confidence:  proposed.Confidence,
		Embedding:   vec,
	}
	if err := r.store.CreateConcept(concept); err != nil {
		return Resolution{}, err
	}
	return Resolution{ConceptID: id, Created: true}, nil
}

func (r *Resolver) ontologyLock(ontology string) *sync.Mutex {
	if !r.cfg.OntologyScoped {
		ontology = ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[ontology]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[ontology] = lock
	}
	return lock
}

// termOverlapMatch scans the scope for a concept whose search terms
// overlap the proposal's by at least the Jaccard threshold. Covers
// legacy concepts stored without embeddings.
func (r *Resolver) termOverlapMatch(proposed *Concept, scope string) (string, bool, error) {
	if len(proposed.SearchTerms) == 0 {
		return "", false, nil
	}
	candidates, err := r.store.KnownConcepts(scope, 0)
	if err != nil {
		return "", false, err
	}
	for _, c := range candidates {
		if jaccard(proposed.SearchTerms, c.SearchTerms) >= r.cfg.TermOverlapThreshold {
			logging.GraphDebug("Resolved %q to %s via search-term overlap", proposed.Label, c.ID)
			return c.ID, true, nil
		}
	}
	return "", false, nil
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[normalizeTerm(t)] = true
	}
	intersection := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		n := normalizeTerm(t)
		if seen[n] {
			continue
		}
		seen[n] = true
		if set[n] {
			intersection++
		} else {
			union++
		}
	}
	return float64(intersection) / float64(union)
}

func normalizeTerm(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// freshID slugifies the label and de-collides against existing ids with
// a numeric suffix. Runs inside the ontology critical section.
func (r *Resolver) freshID(proposed *Concept) (string, error) {
	base := Slugify(proposed.Label)
	if base == "" {
		base = Slugify(proposed.ID)
	}
	if base == "" {
		return "", fmt.Errorf("cannot derive id for concept %q", proposed.Label)
	}

	id := base
	for n := 2; ; n++ {
		exists, err := r.store.ConceptExists(id, "")
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// Slugify lowers a label into kebab-case ASCII.
func Slugify(s string) string {
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// embedText is the canonical embedding input for a concept: its label
// plus search terms, so near-synonym phrasings land close together.
func embedText(c *Concept) string {
	if len(c.SearchTerms) == 0 {
		return c.Label
	}
	return c.Label + "; " + strings.Join(c.SearchTerms, ", ")
}
