package logger

import "testing"

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })

	if err := SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel(debug): %v", err)
	}
	if got := Level(); got != "debug" {
		t.Errorf("Level() = %q, want debug", got)
	}

	if err := SetLevel("loud"); err == nil {
		t.Error("SetLevel accepted an unknown level")
	}
	if got := Level(); got != "debug" {
		t.Errorf("invalid level changed the current level to %q", got)
	}
}

func TestGlobalBeforeInit(t *testing.T) {
	log := Global()
	if log == nil {
		t.Fatal("Global() returned nil")
	}
	// must not panic
	log.With("component", "test").Info("hello", "k", "v")
}
