package llm

import (
	"context"

	"github.com/sagaflow/sagaflow/graph/model"
	"github.com/sagaflow/sagaflow/graph/model/google"
	"github.com/sagaflow/sagaflow/mediator"
)

// GoogleChatQuery is the message a DSL Query step sends to ask Gemini for a
// completion.
type GoogleChatQuery struct {
	Messages []model.Message
	Tools    []model.ToolSpec
}

// RegisterGoogle wires a GoogleChatQuery handler backed by the Gemini API.
func RegisterGoogle(m *mediator.InMemoryMediator, apiKey, modelName string) {
	chat := google.NewChatModel(apiKey, modelName)
	mediator.RegisterQuery[GoogleChatQuery, model.ChatOut](m, func(ctx context.Context, q GoogleChatQuery) (model.ChatOut, error) {
		return chat.Chat(ctx, q.Messages, q.Tools)
	})
}
