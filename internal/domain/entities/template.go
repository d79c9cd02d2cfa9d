package entities

import (
	"fmt"
	"sort"
	"time"
)

// TemplateKind classifies the session type an acta template produces.
type TemplateKind string

const (
	TemplateOrdinaria      TemplateKind = "ordinaria"
	TemplateExtraordinaria TemplateKind = "extraordinaria"
	TemplateAudiencia      TemplateKind = "audiencia"
	TemplateComision       TemplateKind = "comision"
	TemplateDirectorio     TemplateKind = "directorio"
	TemplateAsamblea       TemplateKind = "asamblea"
)

// KindCode maps a template kind to the 3-letter prefix used in acta numbers.
func (k TemplateKind) KindCode() string {
	switch k {
	case TemplateOrdinaria:
		return "ORD"
	case TemplateExtraordinaria:
		return "EXT"
	case TemplateAudiencia:
		return "AUD"
	case TemplateComision:
		return "COM"
	case TemplateDirectorio:
		return "DIR"
	case TemplateAsamblea:
		return "ASM"
	default:
		return "GEN"
	}
}

// SegmentBinding is a template's use of a segment at a specific order with
// optional overrides.
type SegmentBinding struct {
	ID             string            `json:"id" db:"id"`
	TemplateID     string            `json:"template_id" db:"template_id"`
	SegmentRef     string            `json:"segment_ref" db:"segment_id"`
	Order          int               `json:"order" db:"position"`
	Mandatory      bool              `json:"mandatory" db:"mandatory"`
	PromptOverride string            `json:"prompt_override,omitempty" db:"prompt_override"`
	ParamOverrides map[string]string `json:"param_overrides,omitempty"`
}

// Template describes an ordered composition of segments plus the global
// unification prompt applied over their outputs.
type Template struct {
	ID              string           `json:"id" db:"id"`
	Code            string           `json:"code" db:"code"`
	Name            string           `json:"name" db:"name"`
	Kind            TemplateKind     `json:"kind" db:"kind"`
	GlobalPrompt    string           `json:"global_prompt" db:"global_prompt"`
	DefaultProvider string           `json:"default_provider_ref" db:"default_provider_id"`
	Composition     []SegmentBinding `json:"composition"`
	Active          bool             `json:"active" db:"active"`
	Version         string           `json:"version" db:"version"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// SortedComposition returns the bindings ordered by position.
func (t *Template) SortedComposition() []SegmentBinding {
	out := make([]SegmentBinding, len(t.Composition))
	copy(out, t.Composition)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Validate checks composition invariants: at least one binding, unique
// orders, no dangling segment refs.
func (t *Template) Validate() error {
	if t.Code == "" {
		return fmt.Errorf("template code is required")
	}
	if len(t.Composition) == 0 {
		return fmt.Errorf("template %q: composition requires at least one segment binding", t.Code)
	}
	seen := make(map[int]string, len(t.Composition))
	for _, b := range t.Composition {
		if b.SegmentRef == "" {
			return fmt.Errorf("template %q: binding at order %d has no segment reference", t.Code, b.Order)
		}
		if prev, dup := seen[b.Order]; dup {
			return fmt.Errorf("template %q: duplicate binding order %d (segments %s and %s)", t.Code, b.Order, prev, b.SegmentRef)
		}
		seen[b.Order] = b.SegmentRef
	}
	return nil
}
