package llm

import (
	"context"
	"testing"

	"github.com/sagaflow/sagaflow/graph/model"
	"github.com/sagaflow/sagaflow/mediator"
)

// TestAnthropicChatQueryRoundTrip wires AnthropicChatQuery to a
// model.MockChatModel the same way RegisterAnthropic wires it to the real
// SDK client, verifying the Mediator plumbing without touching a live API.
func TestAnthropicChatQueryRoundTrip(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "hello there"}}}
	m := mediator.NewInMemoryMediator(nil)
	mediator.RegisterQuery[AnthropicChatQuery, model.ChatOut](m, func(ctx context.Context, q AnthropicChatQuery) (model.ChatOut, error) {
		return mock.Chat(ctx, q.Messages, q.Tools)
	})

	out, err := mediator.Query[AnthropicChatQuery, model.ChatOut](context.Background(), m, AnthropicChatQuery{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if out.Text != "hello there" {
		t.Fatalf("Text = %q, want %q", out.Text, "hello there")
	}
	if mock.CallCount() != 1 {
		t.Fatalf("CallCount = %d, want 1", mock.CallCount())
	}
}

// TestChatQueryPropagatesError confirms a ChatModel error surfaces as a
// failed mediator Query rather than a zero-value success.
func TestChatQueryPropagatesError(t *testing.T) {
	mock := &model.MockChatModel{Err: context.DeadlineExceeded}
	m := mediator.NewInMemoryMediator(nil)
	mediator.RegisterQuery[AnthropicChatQuery, model.ChatOut](m, func(ctx context.Context, q AnthropicChatQuery) (model.ChatOut, error) {
		return mock.Chat(ctx, q.Messages, q.Tools)
	})

	_, err := mediator.Query[AnthropicChatQuery, model.ChatOut](context.Background(), m, AnthropicChatQuery{})
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
}
