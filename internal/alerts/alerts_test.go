package alerts

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestStuckMessage(t *testing.T) {
	msg := stuckMessage("pur_abc123", "ada@example.com", 6000, "purchase charge failed: insufficient balance")

	for _, want := range []string{
		"pur_abc123",
		"ada@example.com",
		"6000",
		"insufficient balance",
		"/v1/admin/settlements/pur_abc123/resolve",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected message to contain %q:\n%s", want, msg)
		}
	}
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(slog.New(slog.DiscardHandler))

	if err := n.NotifyStuckSettlement(context.Background(), "pur_abc", "ada@example.com", 6000, "storage down"); err != nil {
		t.Fatalf("NotifyStuckSettlement failed: %v", err)
	}
}
