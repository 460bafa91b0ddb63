// Package llm provides example Mediator handlers dispatching DSL Send/Query
// steps to LLM chat providers. Concrete handler wiring is out of scope for
// the Mediator port itself (§6 leaves handlers to the application), but a
// runnable example grounds the domain-stack dependencies named in
// SPEC_FULL §2 for an LLM-backed flow: a Query step can ask an agent to
// draft a reply, or a Send step can fire a notification through the same
// provider, without the DSL program ever importing an SDK directly.
package llm

import (
	"context"

	"github.com/sagaflow/sagaflow/graph/model"
	"github.com/sagaflow/sagaflow/graph/model/anthropic"
	"github.com/sagaflow/sagaflow/mediator"
)

// AnthropicChatQuery is the message a DSL Query step sends to ask a provider for a
// completion. Registered once per provider under a distinct request type
// so the Mediator's type-keyed dispatch routes each to the right handler.
type AnthropicChatQuery struct {
	Messages []model.Message
	Tools    []model.ToolSpec
}

// RegisterAnthropic wires an AnthropicChatQuery handler backed by Claude.
// modelName empty uses the adapter's own default.
func RegisterAnthropic(m *mediator.InMemoryMediator, apiKey, modelName string) {
	chat := anthropic.NewChatModel(apiKey, modelName)
	mediator.RegisterQuery[AnthropicChatQuery, model.ChatOut](m, func(ctx context.Context, q AnthropicChatQuery) (model.ChatOut, error) {
		return chat.Chat(ctx, q.Messages, q.Tools)
	})
}
