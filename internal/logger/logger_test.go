package logger

import "testing"

func TestNew_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "WARN", " error "} {
		log, err := New(level)
		if err != nil {
			t.Fatalf("New(%q): %v", level, err)
		}
		_ = log.Sync()
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
