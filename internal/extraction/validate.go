package extraction

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// conceptIDPattern is the only accepted id shape: kebab-case ASCII.
var conceptIDPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Parse decodes and validates raw model output against the wire schema.
// The payload must be a JSON object with the keys concepts, instances,
// and relationships all present; unknown top-level keys are ignored.
// Violations return a KindInvalidOutput error.
func Parse(raw []byte, chunkText string) (*Result, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, invalidOutputErr(fmt.Errorf("output is not a JSON object: %w", err))
	}
	for _, key := range []string{"concepts", "instances", "relationships"} {
		if _, ok := top[key]; !ok {
			return nil, invalidOutputErr(fmt.Errorf("missing top-level key %q", key))
		}
	}

	var result Result
	if err := json.Unmarshal(top["concepts"], &result.Concepts); err != nil {
		return nil, invalidOutputErr(fmt.Errorf("concepts: %w", err))
	}
	if err := json.Unmarshal(top["instances"], &result.Instances); err != nil {
		return nil, invalidOutputErr(fmt.Errorf("instances: %w", err))
	}
	if err := json.Unmarshal(top["relationships"], &result.Relationships); err != nil {
		return nil, invalidOutputErr(fmt.Errorf("relationships: %w", err))
	}

	if err := Validate(&result, chunkText); err != nil {
		return nil, err
	}
	return &result, nil
}

// Validate enforces the schema constraints on an already-decoded result:
// kebab-case ids, confidences in [0,1], instance/relationship ids present
// in the extracted concept set, and quotes verbatim from the chunk.
func Validate(result *Result, chunkText string) error {
	extracted := make(map[string]bool, len(result.Concepts))
	for i, c := range result.Concepts {
		if !conceptIDPattern.MatchString(c.ConceptID) {
			return invalidOutputErr(fmt.Errorf("concepts[%d]: id %q is not kebab-case ASCII", i, c.ConceptID))
		}
		if extracted[c.ConceptID] {
			return invalidOutputErr(fmt.Errorf("concepts[%d]: duplicate id %q", i, c.ConceptID))
		}
		if strings.TrimSpace(c.Label) == "" {
			return invalidOutputErr(fmt.Errorf("concepts[%d]: empty label", i))
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			return invalidOutputErr(fmt.Errorf("concepts[%d]: confidence %f out of [0,1]", i, c.Confidence))
		}
		extracted[c.ConceptID] = true
	}

	for i, inst := range result.Instances {
		if !extracted[inst.ConceptID] {
			return invalidOutputErr(fmt.Errorf("instances[%d]: unknown concept id %q", i, inst.ConceptID))
		}
		if inst.Quote == "" {
			return invalidOutputErr(fmt.Errorf("instances[%d]: empty quote", i))
		}
		if !strings.Contains(chunkText, inst.Quote) {
			return invalidOutputErr(fmt.Errorf("instances[%d]: quote is not a substring of the chunk", i))
		}
	}

	for i, rel := range result.Relationships {
		if !extracted[rel.FromConceptID] {
			return invalidOutputErr(fmt.Errorf("relationships[%d]: unknown from id %q", i, rel.FromConceptID))
		}
		if !extracted[rel.ToConceptID] {
			return invalidOutputErr(fmt.Errorf("relationships[%d]: unknown to id %q", i, rel.ToConceptID))
		}
		if strings.TrimSpace(rel.Type) == "" {
			return invalidOutputErr(fmt.Errorf("relationships[%d]: empty type", i))
		}
		if rel.Confidence < 0 || rel.Confidence > 1 {
			return invalidOutputErr(fmt.Errorf("relationships[%d]: confidence %f out of [0,1]", i, rel.Confidence))
		}
	}

	return nil
}
