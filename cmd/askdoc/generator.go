package main

import (
	"context"

	"github.com/rmarchev/askdoc/internal/answer"
	"github.com/rmarchev/askdoc/internal/ollama"
)

// ollamaGenerator adapts the Ollama chat API to the answer.Generator
// interface.
type ollamaGenerator struct {
	client *ollama.Client
	model  string
}

func (g *ollamaGenerator) Generate(ctx context.Context, p answer.Prompt, fn func(token string) error) error {
	messages := []ollama.Message{
		{Role: "system", Content: p.System},
		{Role: "user", Content: p.User},
	}
	return g.client.ChatStream(ctx, g.model, messages, fn)
}
