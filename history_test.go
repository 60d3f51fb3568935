package main

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func testHistory(t *testing.T) *History {
	t.Helper()
	path := fmt.Sprintf("/tmp/mafia_history_test_%s_%d.db",
		strings.ReplaceAll(t.Name(), "/", "_"), time.Now().UnixNano())
	h, err := openHistory(path)
	if err != nil {
		t.Fatalf("openHistory: %v", err)
	}
	t.Cleanup(func() {
		h.Close()
		os.Remove(path)
	})
	return h
}

func TestHistoryRecordAndRecent(t *testing.T) {
	h := testHistory(t)

	h.record("LOBBY", "alice", "setup", "", "")
	h.record("MAFIAVOTE", "bob", "kill_target", "carol", "")
	h.record("NARRATE", "", "night_result", "carol", "saved ")

	lines := h.recent(2)
	if len(lines) != 2 {
		t.Fatalf("recent(2) returned %d lines", len(lines))
	}
	// Oldest first within the window.
	if !strings.Contains(lines[0], "kill_target") {
		t.Errorf("lines[0] = %q, want the kill_target event", lines[0])
	}
	if !strings.Contains(lines[1], "night_result") {
		t.Errorf("lines[1] = %q, want the night_result event", lines[1])
	}
	if !strings.Contains(lines[0], "bob") || !strings.Contains(lines[0], "carol") {
		t.Errorf("lines[0] = %q, want actor and target rendered", lines[0])
	}
}

func TestHistoryNewGameStartsFreshChapter(t *testing.T) {
	h := testHistory(t)

	h.record("LOBBY", "alice", "setup", "", "")
	first := h.gameID

	h.finishGame(winnerMafia)
	h.newGame()

	if h.gameID == first {
		t.Fatal("newGame did not advance the game id")
	}
	if lines := h.recent(10); len(lines) != 0 {
		t.Errorf("fresh chapter should have no events, got %d", len(lines))
	}

	h.record("LOBBY", "bob", "setup", "", "")
	if lines := h.recent(10); len(lines) != 1 {
		t.Errorf("recent after one event = %d lines", len(lines))
	}
}

func TestHistoryNilSafe(t *testing.T) {
	var h *History
	h.record("LOBBY", "alice", "setup", "", "")
	h.finishGame(winnerCivilians)
	h.newGame()
	h.Close()
	if lines := h.recent(5); lines != nil {
		t.Errorf("nil history returned %v", lines)
	}
}
