package logging

import "testing"

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("DEBUG")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatal("expected debug level to be enabled")
	}

	if _, err := NewLogger("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
