package rag

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/prompts"

	"pdf-rag/internal/models"
)

var promptTemplate = prompts.NewPromptTemplate(models.PromptTemplate, []string{"context", "question"})

// BuildPrompt renders the answer prompt with the chunk texts, in rank order, as context
func BuildPrompt(question string, results []models.ScoredChunk) (string, error) {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = r.Chunk.Content
	}

	prompt, err := promptTemplate.Format(map[string]any{
		"context":  strings.Join(parts, models.ContextSeparator),
		"question": question,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return prompt, nil
}
