package consolidate

const definitionSystemPrompt = `You are an expert in thematic analysis writing a codebook.
Each numbered item below is a qualitative code with example quotes from the data.
For every code, write one clear sentence defining it and name a broad category for it.
%s
Answer for every item, keeping the numbering, in exactly this format:
1. Label: <the code label, unchanged>
Definition: <one sentence>
Category: <2-4 words>`

const refineSystemPrompt = `You are an expert in thematic analysis consolidating a codebook.
The numbered codes below were grouped together because their labels or definitions are similar.
Decide which of them express the same concept. Codes that express the same concept must receive the same label;
codes that are different must keep distinct labels. Prefer short, precise labels already in use.
%s
Answer for every item, keeping the numbering, in exactly this format:
1. Label: <final label>
Definition: <one sentence covering the final code>
Category: <2-4 words>`

// researchContext renders an optional research question for a system
// prompt.
func researchContext(question string) string {
	if question == "" {
		return ""
	}
	return "The research question is: " + question + "\n"
}
