package consolidate

import (
	"context"
	"fmt"

	"github.com/brunobiangulo/qualcode/codebook"
)

// DefinitionGenerator asks the LLM to define codes that have no definition.
// Labels are never changed.
type DefinitionGenerator struct {
	Base
	// Examples is the number of quotes shown per code.
	Examples int
	// Question is the research question, if any.
	Question string
}

// NewDefinitionGenerator returns a chunked definition stage.
func NewDefinitionGenerator() *DefinitionGenerator {
	return &DefinitionGenerator{
		Base:     Base{Chunked: true, Temp: 0.5},
		Examples: 3,
	}
}

func (g *DefinitionGenerator) Name() string { return "definition-generator" }

func (g *DefinitionGenerator) Filter(code *codebook.Code) bool {
	return code.Definition() == ""
}

func (g *DefinitionGenerator) BuildPrompts(_ context.Context, _ codebook.Codebook, codes []*codebook.Code) (Prompt, codebook.Codebook, error) {
	return Prompt{
		System: fmt.Sprintf(definitionSystemPrompt, researchContext(g.Question)),
		User:   formatCodes(codes, false, g.Examples),
	}, nil, nil
}

func (g *DefinitionGenerator) ParseResponse(_ context.Context, cb codebook.Codebook, codes []*codebook.Code, lines []string) (int, codebook.Codebook, error) {
	newCodes, err := alignAnswers(ParseAnswers(lines), len(codes))
	if err != nil {
		return 0, nil, err
	}
	for i, c := range newCodes {
		c.Label = codes[i].Label
	}
	return len(newCodes), UpdateCodes(cb, newCodes, codes), nil
}
