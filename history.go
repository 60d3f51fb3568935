package main

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// History is the append-only event journal. It observes the session and feeds
// the storyteller and the /history endpoint; the live game never reads its own
// state back from here. A nil *History is a no-op journal, so the coordinator
// works without a database.
type History struct {
	db     *sqlx.DB
	gameID int64
}

// GameEvent is one journal row.
type GameEvent struct {
	ID        int64  `db:"id"`
	GameID    int64  `db:"game_id"`
	Phase     string `db:"phase"`
	Actor     string `db:"actor"`
	Action    string `db:"action"`
	Target    string `db:"target"`
	Detail    string `db:"detail"`
	CreatedAt string `db:"created_at"`
}

func openHistory(path string) (*History, error) {
	conn, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	PRAGMA journal_mode=WAL;

	CREATE TABLE IF NOT EXISTS game (
		started_at TEXT NOT NULL,
		ended_at TEXT,
		winner TEXT
	);
	CREATE TABLE IF NOT EXISTS game_event (
		game_id INTEGER NOT NULL,
		phase TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (game_id) REFERENCES game(rowid)
	);
	CREATE INDEX IF NOT EXISTS idx_game_event_lookup ON game_event(game_id, rowid);
	`
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, err
	}

	h := &History{db: conn}
	db = conn // global handle for dev dumps and diagnostics
	h.newGame()
	log.Printf("History database initialized at %s", path)
	return h, nil
}

func (h *History) Close() {
	if h == nil || h.db == nil {
		return
	}
	h.db.Close()
}

// newGame opens a fresh journal chapter. Called at startup and on restart.
func (h *History) newGame() {
	if h == nil || h.db == nil {
		return
	}
	result, err := h.db.Exec("INSERT INTO game (started_at) VALUES (?)", time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		logError("History.newGame: insert game", err)
		return
	}
	h.gameID, _ = result.LastInsertId()
	log.Printf("History: new game %d", h.gameID)
}

// record appends one event. Journal failures are logged and swallowed; the
// game never stalls on its own diary.
func (h *History) record(phase, actor, action, target, detail string) {
	if h == nil || h.db == nil {
		return
	}
	_, err := h.db.Exec(`
		INSERT INTO game_event (game_id, phase, actor, action, target, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.gameID, phase, actor, action, target, detail, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		logError("History.record: insert event", err)
	}
	LogDBState(fmt.Sprintf("event %s/%s", phase, action))
}

// finishGame stamps the current chapter with its winner.
func (h *History) finishGame(winner string) {
	if h == nil || h.db == nil {
		return
	}
	_, err := h.db.Exec("UPDATE game SET ended_at = ?, winner = ? WHERE rowid = ?",
		time.Now().UTC().Format(time.RFC3339), winner, h.gameID)
	if err != nil {
		logError("History.finishGame: update game", err)
	}
}

// recent returns the last n events of the current game, oldest first, rendered
// as one-line summaries for the storyteller prompt.
func (h *History) recent(n int) []string {
	if h == nil || h.db == nil {
		return nil
	}
	var events []GameEvent
	err := h.db.Select(&events, `
		SELECT rowid as id, game_id, phase, actor, action, target, detail, created_at
		FROM game_event
		WHERE game_id = ?
		ORDER BY rowid DESC
		LIMIT ?`, h.gameID, n)
	if err != nil {
		logError("History.recent: select events", err)
		return nil
	}

	lines := make([]string, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		line := e.Phase + ": " + e.Action
		if e.Actor != "" {
			line += " by " + e.Actor
		}
		if e.Target != "" {
			line += " -> " + e.Target
		}
		if e.Detail != "" {
			line += " (" + e.Detail + ")"
		}
		lines = append(lines, line)
	}
	return lines
}

// handleHistory serves the current game's journal as JSON, newest last.
func (h *History) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.db == nil {
		http.Error(w, "history disabled", http.StatusServiceUnavailable)
		return
	}
	var events []GameEvent
	err := h.db.Select(&events, `
		SELECT rowid as id, game_id, phase, actor, action, target, detail, created_at
		FROM game_event
		WHERE game_id = ?
		ORDER BY rowid ASC`, h.gameID)
	if err != nil {
		logError("handleHistory: select events", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(encodeJSON("history", events))
}
