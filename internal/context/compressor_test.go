package context

import (
	"fmt"
	"testing"
)

func exchanges(n int) []Message {
	var msgs []Message
	for i := 0; i < n; i++ {
		msgs = append(msgs,
			Message{Role: RoleUser, Content: fmt.Sprintf("q%d", i)},
			Message{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)},
		)
	}
	return msgs
}

func TestSimpleCompressor_KeepsNewestTurns(t *testing.T) {
	c := &SimpleCompressor{MaxMessages: DefaultHistoryLimit}
	result := c.Compress(exchanges(13))
	if len(result) != DefaultHistoryLimit {
		t.Fatalf("expected %d messages, got %d", DefaultHistoryLimit, len(result))
	}
	if result[0].Role != RoleUser || result[0].Content != "q3" {
		t.Errorf("expected oldest kept q3, got %s %q", result[0].Role, result[0].Content)
	}
	if last := result[len(result)-1]; last.Role != RoleAssistant || last.Content != "a12" {
		t.Errorf("expected newest a12, got %s %q", last.Role, last.Content)
	}
}

func TestSimpleCompressor_UnderLimit(t *testing.T) {
	c := &SimpleCompressor{MaxMessages: DefaultHistoryLimit}
	msgs := exchanges(10)
	result := c.Compress(msgs)
	if len(result) != len(msgs) {
		t.Fatalf("expected %d messages, got %d", len(msgs), len(result))
	}
}

func TestSimpleCompressor_StoreEvictsOddTail(t *testing.T) {
	s := NewStore(3)
	for _, m := range exchanges(2) {
		s.Append(7, m.Role, m.Content)
	}
	got := s.Snapshot(7)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	// An odd limit may leave an assistant reply at the head.
	if got[0].Role != RoleAssistant || got[0].Content != "a0" {
		t.Errorf("expected a0 at head, got %s %q", got[0].Role, got[0].Content)
	}
}

func TestSimpleCompressor_EmptyInput(t *testing.T) {
	c := &SimpleCompressor{MaxMessages: 3}
	result := c.Compress(nil)
	if len(result) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(result))
	}
}

func TestSimpleCompressor_ZeroMax(t *testing.T) {
	c := &SimpleCompressor{MaxMessages: 0}
	result := c.Compress(exchanges(30))
	if len(result) != 60 {
		t.Fatalf("expected all 60 messages with 0 max, got %d", len(result))
	}
}
