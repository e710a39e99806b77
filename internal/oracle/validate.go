package oracle

import (
	"fmt"
	"strings"

	"github.com/jotworks/jot/internal/types"
)

// Violations checks the result against the extraction schema. noteLen is the
// byte length of the source note and bounds evidence offsets. An empty slice
// means the result is acceptable.
//
// Relationship indices are deliberately not range-checked here: an
// out-of-range index is a hallucinated edge, and the extraction stage skips
// those silently instead of burning the one feedback retry on them.
func (r *ExtractionResult) Violations(noteLen int) []string {
	var v []string

	for i, e := range r.Entities {
		at := fmt.Sprintf("entities[%d]", i)

		if !e.Type.IsValid() {
			v = append(v, fmt.Sprintf("%s.type: unknown type %q", at, e.Type))
		}
		if strings.TrimSpace(e.Content) == "" {
			v = append(v, at+".content: must not be empty")
		} else if len(e.Content) > types.MaxEntityContentLen {
			v = append(v, fmt.Sprintf("%s.content: exceeds %d characters", at, types.MaxEntityContentLen))
		}
		if e.Type.IsValid() {
			if e.Status != "" && !e.Type.ValidStatus(e.Status) {
				v = append(v, fmt.Sprintf("%s.status: %q is not a %s status", at, e.Status, e.Type))
			}
			if err := e.Attributes.Validate(e.Type); err != nil {
				v = append(v, fmt.Sprintf("%s.attributes: %v", at, err))
			}
		}
		if e.Confidence < 0 || e.Confidence > 1 {
			v = append(v, fmt.Sprintf("%s.confidence: %g is outside [0, 1]", at, e.Confidence))
		}

		for j, ev := range e.Evidence {
			evAt := fmt.Sprintf("%s.evidence[%d]", at, j)
			if ev.Quote == "" {
				v = append(v, evAt+".quote: must not be empty")
			}
			switch {
			case ev.Start < 0 || ev.End < ev.Start:
				v = append(v, fmt.Sprintf("%s: incoherent offsets [%d, %d)", evAt, ev.Start, ev.End))
			case ev.End > noteLen:
				v = append(v, fmt.Sprintf("%s: end offset %d is past the note end (%d bytes)", evAt, ev.End, noteLen))
			}
		}

		seen := make(map[string]bool)
		for j, f := range e.Fields {
			fAt := fmt.Sprintf("%s.fields[%d]", at, j)
			if f.Field == "" {
				v = append(v, fAt+".field: must not be empty")
				continue
			}
			if seen[f.Field] {
				v = append(v, fmt.Sprintf("%s: duplicate reading for field %q", fAt, f.Field))
			}
			seen[f.Field] = true
			if f.Confidence < 0 || f.Confidence > 1 {
				v = append(v, fmt.Sprintf("%s.confidence: %g is outside [0, 1]", fAt, f.Confidence))
			}
		}
	}

	for i, rel := range r.Relationships {
		at := fmt.Sprintf("relationships[%d]", i)
		if !rel.Type.IsValid() {
			v = append(v, fmt.Sprintf("%s.type: unknown type %q", at, rel.Type))
		}
		if rel.SourceIndex == rel.TargetIndex {
			v = append(v, fmt.Sprintf("%s: source and target are both index %d", at, rel.SourceIndex))
		}
	}

	return v
}

// Violations checks the result against the organization schema. An empty
// slice means the result is acceptable.
//
// Referenced ids are not checked for existence here; the organization stage
// verifies them against the workspace and skips hallucinated references.
// Placement indices outside the batch are likewise skipped at apply time.
func (r *OrganizationResult) Violations() []string {
	var v []string

	seen := make(map[int]bool)
	for i, p := range r.Placements {
		at := fmt.Sprintf("placements[%d]", i)
		if seen[p.Index] {
			v = append(v, fmt.Sprintf("%s: duplicate placement for index %d", at, p.Index))
		}
		seen[p.Index] = true

		checkAssignment(&v, at+".project", p.Project)
		checkAssignment(&v, at+".epic", p.Epic)
		checkAssignment(&v, at+".assignee", p.Assignee)

		for j, d := range p.Duplicates {
			dAt := fmt.Sprintf("%s.duplicates[%d]", at, j)
			if d.EntityID == "" {
				v = append(v, dAt+".entity_id: must not be empty")
			}
			switch {
			case d.Similarity < 0 || d.Similarity > 1:
				v = append(v, fmt.Sprintf("%s.similarity: %g is outside [0, 1]", dAt, d.Similarity))
			case d.Similarity < DuplicateFloor:
				v = append(v, fmt.Sprintf("%s.similarity: %g is below the %g floor, omit weak matches", dAt, d.Similarity, DuplicateFloor))
			}
		}
	}

	for i, e := range r.EpicSuggestions {
		at := fmt.Sprintf("epic_suggestions[%d]", i)
		if e.ProjectID == "" {
			v = append(v, at+".project_id: must not be empty")
		}
		if strings.TrimSpace(e.Name) == "" {
			v = append(v, at+".name: must not be empty")
		}
		if e.Confidence < 0 || e.Confidence > 1 {
			v = append(v, fmt.Sprintf("%s.confidence: %g is outside [0, 1]", at, e.Confidence))
		}
	}

	for i, p := range r.ProjectSuggestions {
		at := fmt.Sprintf("project_suggestions[%d]", i)
		if strings.TrimSpace(p.Name) == "" {
			v = append(v, at+".name: must not be empty")
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			v = append(v, fmt.Sprintf("%s.confidence: %g is outside [0, 1]", at, p.Confidence))
		}
	}

	return v
}

func checkAssignment(v *[]string, at string, a Assignment) {
	if a.ID != nil && *a.ID == "" {
		*v = append(*v, at+".id: empty string, use null for no match")
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		*v = append(*v, fmt.Sprintf("%s.confidence: %g is outside [0, 1]", at, a.Confidence))
	}
}
