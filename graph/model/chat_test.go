package model

import "testing"

// TestMessage_Construction verifies Message struct can be created — the
// shape handler/llm's AnthropicChatQuery/OpenAIChatQuery/GoogleChatQuery
// all carry as their Messages field.
func TestMessage_Construction(t *testing.T) {
	t.Run("create user message", func(t *testing.T) {
		msg := Message{
			Role:    "user",
			Content: "Hello, how are you?",
		}

		if msg.Role != "user" {
			t.Errorf("expected Role = 'user', got %q", msg.Role)
		}
		if msg.Content != "Hello, how are you?" {
			t.Errorf("expected Content = 'Hello, how are you?', got %q", msg.Content)
		}
	})

	t.Run("create system message", func(t *testing.T) {
		msg := Message{
			Role:    "system",
			Content: "You are a helpful assistant.",
		}

		if msg.Role != "system" {
			t.Errorf("expected Role = 'system', got %q", msg.Role)
		}
	})
}

// TestMessage_Roles verifies the role constants handler/llm's callers use
// to build a conversation.
func TestMessage_Roles(t *testing.T) {
	if RoleSystem != "system" {
		t.Errorf("expected RoleSystem = 'system', got %q", RoleSystem)
	}
	if RoleUser != "user" {
		t.Errorf("expected RoleUser = 'user', got %q", RoleUser)
	}
	if RoleAssistant != "assistant" {
		t.Errorf("expected RoleAssistant = 'assistant', got %q", RoleAssistant)
	}
}

// TestToolSpec_Construction verifies ToolSpec can be created — the shape
// handler/llm's *ChatQuery.Tools field carries through to a provider.
func TestToolSpec_Construction(t *testing.T) {
	spec := ToolSpec{
		Name:        "search_web",
		Description: "Search the web for information",
		Schema: map[string]interface{}{
			"type": "object",
		},
	}

	if spec.Name != "search_web" {
		t.Errorf("expected Name = 'search_web', got %q", spec.Name)
	}
	if spec.Schema == nil {
		t.Error("expected Schema to be non-nil")
	}
}

// TestChatOut_Construction verifies ChatOut can carry text alone, tool
// calls alone, or both — the result shape handler/llm_test.go asserts on.
func TestChatOut_Construction(t *testing.T) {
	t.Run("text only", func(t *testing.T) {
		out := ChatOut{Text: "Hello, how can I help you today?"}
		if out.Text == "" {
			t.Error("expected non-empty Text")
		}
		if len(out.ToolCalls) != 0 {
			t.Errorf("expected no tool calls, got %d", len(out.ToolCalls))
		}
	})

	t.Run("tool calls only", func(t *testing.T) {
		out := ChatOut{
			ToolCalls: []ToolCall{
				{Name: "search_web", Input: map[string]interface{}{"query": "Go programming"}},
			},
		}
		if out.Text != "" {
			t.Errorf("expected empty Text, got %q", out.Text)
		}
		if len(out.ToolCalls) != 1 || out.ToolCalls[0].Name != "search_web" {
			t.Fatalf("expected 1 tool call named search_web, got %+v", out.ToolCalls)
		}
	})
}
