package llm

import (
	"context"

	"github.com/sagaflow/sagaflow/graph/model"
	"github.com/sagaflow/sagaflow/graph/model/openai"
	"github.com/sagaflow/sagaflow/mediator"
)

// OpenAIChatQuery is the message a DSL Query step sends to ask GPT for a
// completion.
type OpenAIChatQuery struct {
	Messages []model.Message
	Tools    []model.ToolSpec
}

// RegisterOpenAI wires an OpenAIChatQuery handler backed by the OpenAI API.
func RegisterOpenAI(m *mediator.InMemoryMediator, apiKey, modelName string) {
	chat := openai.NewChatModel(apiKey, modelName)
	mediator.RegisterQuery[OpenAIChatQuery, model.ChatOut](m, func(ctx context.Context, q OpenAIChatQuery) (model.ChatOut, error) {
		return chat.Chat(ctx, q.Messages, q.Tools)
	})
}
