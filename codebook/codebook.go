package codebook

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Codebook maps a label to its code. Only one live code exists per label.
type Codebook map[string]*Code

// CodedThreads holds per-thread coding results and the merged codebook that
// consolidation operates on.
type CodedThreads struct {
	Threads  map[string]Codebook `json:"threads,omitempty"`
	Codebook Codebook            `json:"codebook"`
}

// New builds a codebook from codes, merging codes that share a label.
func New(codes ...*Code) Codebook {
	cb := make(Codebook, len(codes))
	for _, c := range codes {
		cb.add(c)
	}
	return cb
}

func (cb Codebook) add(c *Code) {
	if c.IsMerged() {
		return
	}
	if existing, ok := cb[c.Label]; ok && existing != c {
		MergeCodes(existing, c)
		return
	}
	cb[c.Label] = c
}

// Live returns the non-tombstoned codes sorted by label.
func (cb Codebook) Live() []*Code {
	out := make([]*Code, 0, len(cb))
	for _, c := range cb {
		if !c.IsMerged() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Len returns the number of live codes.
func (cb Codebook) Len() int {
	n := 0
	for _, c := range cb {
		if !c.IsMerged() {
			n++
		}
	}
	return n
}

// Rebuild drops tombstones and re-keys the live codes by their current label.
// Codes that ended up sharing a label are merged into the first in label
// order of their previous keys.
func (cb Codebook) Rebuild() Codebook {
	keys := make([]string, 0, len(cb))
	for k := range cb {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Codebook, len(cb))
	for _, k := range keys {
		out.add(cb[k])
	}
	return out
}

// Find returns the live code whose label or alternatives contain label.
func (cb Codebook) Find(label string) (*Code, bool) {
	if c, ok := cb[label]; ok && !c.IsMerged() {
		return c, true
	}
	for _, c := range cb.Live() {
		if c.HasLabel(label) {
			return c, true
		}
	}
	return nil, false
}

// Labels returns every live label and alternative known to the codebook.
func (cb Codebook) Labels() map[string]struct{} {
	out := make(map[string]struct{})
	for _, c := range cb {
		if c.IsMerged() {
			continue
		}
		out[c.Label] = struct{}{}
		for _, a := range c.Alternatives {
			out[a] = struct{}{}
		}
	}
	return out
}

// Clone deep-copies every live code.
func (cb Codebook) Clone() Codebook {
	out := make(Codebook, len(cb))
	for _, c := range cb.Live() {
		out[c.Label] = c.Clone()
	}
	return out
}

// Load reads a JSON codebook (label -> code) from path.
func Load(path string) (Codebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading codebook: %w", err)
	}
	var cb Codebook
	if err := json.Unmarshal(data, &cb); err != nil {
		return nil, fmt.Errorf("decoding codebook %s: %w", path, err)
	}
	return cb.Normalize(), nil
}

// Normalize fills empty labels from their map keys and rebuilds cb. Decoded
// codebooks go through it before use.
func (cb Codebook) Normalize() Codebook {
	for label, c := range cb {
		if c == nil {
			delete(cb, label)
			continue
		}
		if c.Label == "" && !c.IsMerged() {
			c.Label = label
		}
	}
	return cb.Rebuild()
}

// Save writes cb to path as indented JSON, tombstones excluded.
func Save(path string, cb Codebook) error {
	data, err := json.MarshalIndent(cb.Rebuild(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding codebook: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing codebook: %w", err)
	}
	return nil
}

// LoadThreads reads a JSON CodedThreads document. When no merged codebook is
// present one is rolled up from the threads.
func LoadThreads(path string) (*CodedThreads, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading threads: %w", err)
	}
	var ct CodedThreads
	if err := json.Unmarshal(data, &ct); err != nil {
		return nil, fmt.Errorf("decoding threads %s: %w", path, err)
	}
	for id, cb := range ct.Threads {
		ct.Threads[id] = cb.Normalize()
	}
	if ct.Codebook != nil {
		ct.Codebook = ct.Codebook.Normalize()
	}
	if ct.Codebook == nil && len(ct.Threads) > 0 {
		ids := make([]string, 0, len(ct.Threads))
		for id := range ct.Threads {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		analyses := make([]Codebook, 0, len(ids))
		for _, id := range ids {
			analyses = append(analyses, ct.Threads[id])
		}
		ct.Codebook = MergeThreads(analyses)
	}
	return &ct, nil
}
