package model

import (
	"context"
	"errors"
	"testing"
)

// TestMockChatModel_SingleResponse verifies the basic response behavior
// handler/llm_test.go relies on to stand in for a real provider.
func TestMockChatModel_SingleResponse(t *testing.T) {
	t.Run("returns configured response", func(t *testing.T) {
		mock := &MockChatModel{
			Responses: []ChatOut{
				{Text: "Hello, world!"},
			},
		}

		messages := []Message{
			{Role: RoleUser, Content: "Hi"},
		}

		out, err := mock.Chat(context.Background(), messages, nil)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if out.Text != "Hello, world!" {
			t.Errorf("expected Text = 'Hello, world!', got %q", out.Text)
		}
	})

	t.Run("returns empty response when no responses configured", func(t *testing.T) {
		mock := &MockChatModel{}

		messages := []Message{{Role: RoleUser, Content: "Test"}}

		out, err := mock.Chat(context.Background(), messages, nil)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if out.Text != "" {
			t.Errorf("expected empty Text, got %q", out.Text)
		}
	})
}

// TestMockChatModel_ErrorInjection verifies Err takes precedence over any
// configured Responses — the failure path handler/llm_test.go exercises.
func TestMockChatModel_ErrorInjection(t *testing.T) {
	expectedErr := errors.New("simulated API error")
	mock := &MockChatModel{
		Err: expectedErr,
		Responses: []ChatOut{
			{Text: "Should not be returned"},
		},
	}

	messages := []Message{{Role: RoleUser, Content: "Test"}}

	_, err := mock.Chat(context.Background(), messages, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, expectedErr) {
		t.Errorf("expected error %v, got %v", expectedErr, err)
	}
}

// TestMockChatModel_CallCount verifies the call counter handler/llm_test.go
// asserts on after a round trip.
func TestMockChatModel_CallCount(t *testing.T) {
	mock := &MockChatModel{
		Responses: []ChatOut{{Text: "OK"}},
	}

	if mock.CallCount() != 0 {
		t.Errorf("expected 0 calls initially, got %d", mock.CallCount())
	}

	messages := []Message{{Role: RoleUser, Content: "Test"}}

	_, _ = mock.Chat(context.Background(), messages, nil)
	if mock.CallCount() != 1 {
		t.Errorf("expected 1 call, got %d", mock.CallCount())
	}

	_, _ = mock.Chat(context.Background(), messages, nil)
	if mock.CallCount() != 2 {
		t.Errorf("expected 2 calls, got %d", mock.CallCount())
	}
}
