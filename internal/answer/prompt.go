// Package answer turns retrieved context into a grounded, streamed answer
// with citations back to the chunks the model saw.
package answer

import (
	"fmt"
	"strings"

	"github.com/rmarchev/askdoc/internal/retrieval"
)

const systemInstructions = `You are a document question answering assistant.
Answer the question using ONLY the numbered sources provided. When a statement
comes from a source, cite it inline with its marker, like [1] or [2].
If the sources do not contain the answer, say so plainly instead of guessing.`

// Prompt is a generation request split into the system and user roles.
type Prompt struct {
	System string
	User   string
}

// BuildPrompt formats the question and its retrieved chunks into a Prompt.
// Each chunk appears as a numbered source block whose number is the chunk's
// rank, so citation markers in the answer map back to chunks directly.
func BuildPrompt(question string, chunks []retrieval.RetrievedChunk) Prompt {
	var sb strings.Builder
	for _, ch := range chunks {
		fmt.Fprintf(&sb, "[%d]\n%s\n\n", ch.Rank, ch.Text)
	}
	fmt.Fprintf(&sb, "Question: %s", question)

	return Prompt{
		System: systemInstructions,
		User:   sb.String(),
	}
}
