package consolidate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/brunobiangulo/qualcode/codebook"
)

// Answer is the model's verdict on one numbered code.
type Answer struct {
	Index      int
	Label      string
	Definition string
	Category   string
}

var (
	entryLine = regexp.MustCompile(`^(?:[-*#>]+\s*)?(\d+)\s*[.):]\s*(.*)$`)
	fieldLine = regexp.MustCompile(`(?i)^(?:[-*]+\s*)?(label|definition|category|criteria)\s*:\s*(.*)$`)
)

// ParseAnswers reads numbered answers in the form
//
//	1. Label: ...
//	Definition: ...
//	Category: ...
//
// Markdown emphasis is ignored and field names are case-insensitive. Lines
// before the first number are skipped. Keys are the 1-based item numbers.
func ParseAnswers(lines []string) map[int]*Answer {
	out := make(map[int]*Answer)
	var cur *Answer
	for _, raw := range lines {
		line := strings.TrimSpace(strings.ReplaceAll(raw, "**", ""))
		if line == "" {
			continue
		}
		if m := entryLine.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				cur = &Answer{Index: n}
				out[n] = cur
				rest := strings.TrimSpace(m[2])
				if f := fieldLine.FindStringSubmatch(rest); f != nil {
					setField(cur, f[1], f[2])
				} else if rest != "" {
					cur.Label = cleanLabel(rest)
				}
				continue
			}
		}
		if cur == nil {
			continue
		}
		if f := fieldLine.FindStringSubmatch(line); f != nil {
			setField(cur, f[1], f[2])
		}
	}
	return out
}

func setField(a *Answer, name, value string) {
	value = strings.TrimSpace(value)
	switch strings.ToLower(name) {
	case "label":
		a.Label = cleanLabel(value)
	case "definition", "criteria":
		a.Definition = value
	case "category":
		a.Category = strings.Trim(value, ` "'`)
	}
}

// cleanLabel strips quotes, trailing punctuation and surrounding space.
func cleanLabel(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), ".;,")
	s = strings.Trim(s, "\"'`")
	return strings.TrimSpace(strings.TrimRight(s, ".;,"))
}

// alignAnswers turns answers into codes aligned with a chunk of n codes.
// Answers must cover 1..k for some k >= 1 without gaps or extra numbers; a
// response that stops early yields the first k codes.
func alignAnswers(answers map[int]*Answer, n int) ([]*codebook.Code, error) {
	if len(answers) == 0 {
		return nil, fmt.Errorf("%w: expected %d entries, parsed none", ErrCountMismatch, n)
	}
	highest := 0
	for idx := range answers {
		if idx < 1 || idx > n {
			return nil, fmt.Errorf("%w: expected %d entries, got entry %d", ErrCountMismatch, n, idx)
		}
		highest = max(highest, idx)
	}
	if highest != len(answers) {
		return nil, fmt.Errorf("%w: expected entries 1-%d, parsed %d of them", ErrCountMismatch, highest, len(answers))
	}

	out := make([]*codebook.Code, 0, highest)
	for i := 1; i <= highest; i++ {
		a := answers[i]
		code := &codebook.Code{Label: a.Label}
		if a.Definition != "" {
			code.Definitions = []string{a.Definition}
		}
		if a.Category != "" {
			code.Categories = []string{a.Category}
		}
		out = append(out, code)
	}
	return out, nil
}

// formatCodes numbers codes for a prompt, optionally with definitions,
// recently merged labels and up to examples quotes each.
func formatCodes(codes []*codebook.Code, withDefinitions bool, examples int) string {
	var b strings.Builder
	for i, c := range codes {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c.Label)
		if withDefinitions && c.Definition() != "" {
			fmt.Fprintf(&b, "Definition: %s\n", c.Definition())
		}
		if len(c.Categories) > 0 {
			fmt.Fprintf(&b, "Category: %s\n", strings.Join(c.Categories, "; "))
		}
		if len(c.OldLabels) > 0 {
			fmt.Fprintf(&b, "Merged from: %s\n", strings.Join(c.OldLabels, "; "))
		}
		quotes := c.Quotes()
		for j := 0; j < len(quotes) && j < examples; j++ {
			fmt.Fprintf(&b, "- %s\n", quotes[j])
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
