package main

import (
	"context"
	"testing"
	"time"
)

// mockNarrator is a test double that streams a fixed text.
type mockNarrator struct {
	text string
}

func (m *mockNarrator) Tell(_ context.Context, _ []string, onChunk func(string)) (string, error) {
	if onChunk != nil {
		onChunk(m.text)
	}
	return m.text, nil
}

func TestRunNarrationCompletes(t *testing.T) {
	hub := newHub()
	n := &mockNarrator{text: "The town wakes to an uneasy silence."}

	done := make(chan struct{})
	go func() {
		runNarration(n, hub, []string{"MAFIAVOTE: kill -> carol"}, nil, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runNarration did not finish")
	}
}

func TestBuildCallOpts(t *testing.T) {
	if opts := buildCallOpts(AppConfig{}); len(opts) != 0 {
		t.Errorf("empty config produced %d options", len(opts))
	}
	if opts := buildCallOpts(AppConfig{NarratorTemperature: "0.7"}); len(opts) != 1 {
		t.Errorf("temperature alone produced %d options, want 1", len(opts))
	}
	if opts := buildCallOpts(AppConfig{NarratorTemperature: "hot"}); len(opts) != 0 {
		t.Errorf("invalid temperature produced %d options", len(opts))
	}
	if opts := buildCallOpts(AppConfig{NarratorThinking: "sideways"}); len(opts) != 0 {
		t.Errorf("invalid thinking mode produced %d options", len(opts))
	}
}

func TestInitNarratorDisabledByDefault(t *testing.T) {
	if n := initNarrator(AppConfig{}); n != nil {
		t.Error("no provider configured should disable the narrator")
	}
}
