// Package codebook defines the Code and Codebook types shared by the
// consolidation, graph and evaluation packages, together with the pure merge
// primitives that combine them.
package codebook

import (
	"encoding/json"
	"slices"
	"strings"
)

// MergedLabel is the label a tombstoned code carries on the wire. Inside the
// module tombstones are detected with IsMerged, never by comparing labels.
const MergedLabel = "[Merged]"

// ExampleSeparator splits an example into its source item id and the quote.
const ExampleSeparator = "|||"

// Code is a single theme with its evidence and merge history.
type Code struct {
	Label        string   `json:"label"`
	Examples     []string `json:"examples"`
	Definitions  []string `json:"definitions,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	OldLabels    []string `json:"oldLabels,omitempty"`
	Owners       []int    `json:"owners,omitempty"`

	// mergedInto is non-empty once the code has been absorbed by another.
	mergedInto string
}

// IsMerged reports whether c is a tombstone.
func (c *Code) IsMerged() bool {
	return c == nil || c.mergedInto != ""
}

// MergedInto returns the label of the code that absorbed c, or "".
func (c *Code) MergedInto() string {
	if c == nil {
		return ""
	}
	return c.mergedInto
}

// Definition returns the first definition or "".
func (c *Code) Definition() string {
	if len(c.Definitions) == 0 {
		return ""
	}
	return c.Definitions[0]
}

// HasLabel reports whether label is c's label or one of its alternatives.
func (c *Code) HasLabel(label string) bool {
	return c.Label == label || slices.Contains(c.Alternatives, label)
}

// Clone returns a deep copy of c, tombstone state included.
func (c *Code) Clone() *Code {
	return &Code{
		Label:        c.Label,
		Examples:     slices.Clone(c.Examples),
		Definitions:  slices.Clone(c.Definitions),
		Categories:   slices.Clone(c.Categories),
		Alternatives: slices.Clone(c.Alternatives),
		OldLabels:    slices.Clone(c.OldLabels),
		Owners:       slices.Clone(c.Owners),
		mergedInto:   c.mergedInto,
	}
}

// Rename moves c to a new label, recording the old one as an alternative.
func (c *Code) Rename(label string) {
	if label == "" || label == c.Label {
		return
	}
	if !slices.Contains(c.Alternatives, c.Label) {
		c.Alternatives = append(c.Alternatives, c.Label)
	}
	c.Alternatives = slices.DeleteFunc(c.Alternatives, func(a string) bool { return a == label })
	c.Label = label
}

// Text returns the string embedded for clustering: the label, optionally
// followed by the first definition.
func (c *Code) Text(withDefinition bool) string {
	if !withDefinition || c.Definition() == "" {
		return c.Label
	}
	return c.Label + ": " + c.Definition()
}

// Quotes returns the examples with their source ids stripped.
func (c *Code) Quotes() []string {
	out := make([]string, 0, len(c.Examples))
	for _, e := range c.Examples {
		_, quote := SplitExample(e)
		out = append(out, quote)
	}
	return out
}

// SplitExample separates "id|||quote" into its parts. Examples without a
// separator have an empty id.
func SplitExample(example string) (id, quote string) {
	if i := strings.Index(example, ExampleSeparator); i >= 0 {
		return example[:i], example[i+len(ExampleSeparator):]
	}
	return "", example
}

type codeJSON struct {
	Label        string   `json:"label"`
	Examples     []string `json:"examples"`
	Definitions  []string `json:"definitions,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	OldLabels    []string `json:"oldLabels,omitempty"`
	Owners       []int    `json:"owners,omitempty"`
}

// MarshalJSON writes tombstones with the MergedLabel label.
func (c *Code) MarshalJSON() ([]byte, error) {
	out := codeJSON{
		Label:        c.Label,
		Examples:     c.Examples,
		Definitions:  c.Definitions,
		Categories:   c.Categories,
		Alternatives: c.Alternatives,
		OldLabels:    c.OldLabels,
		Owners:       c.Owners,
	}
	if out.Examples == nil {
		out.Examples = []string{}
	}
	if c.mergedInto != "" {
		out.Label = MergedLabel
	}
	return json.Marshal(out)
}

// UnmarshalJSON turns a MergedLabel label back into a tombstone.
func (c *Code) UnmarshalJSON(data []byte) error {
	var in codeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*c = Code{
		Label:        in.Label,
		Examples:     in.Examples,
		Definitions:  in.Definitions,
		Categories:   in.Categories,
		Alternatives: in.Alternatives,
		OldLabels:    in.OldLabels,
		Owners:       in.Owners,
	}
	if in.Label == MergedLabel {
		c.mergedInto = MergedLabel
	}
	return nil
}
