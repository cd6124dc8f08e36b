// Package llm provides the reasoning collaborator used by the agents.
package llm

import "context"

// Reasoner turns a system prompt and a user prompt into a text response.
type Reasoner interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Func adapts a plain function to Reasoner.
type Func func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

func (f Func) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}
