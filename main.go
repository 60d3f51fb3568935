package main

import (
	"flag"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var db *sqlx.DB
var devMode bool

// logError logs an error with context and dumps the journal in dev mode
func logError(context string, err error) {
	log.Printf("ERROR [%s]: %v", context, err)
	if devMode && db != nil {
		LogDBState("error: " + context)
	}
}

func main() {
	fv := registerFlags()
	flag.Parse()

	cfg := loadConfig(*fv.configPath)
	fv.applyTo(&cfg)
	devMode = cfg.Dev

	// Mirror the server log to a file next to the binary.
	if f, err := os.OpenFile("mafia.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		log.SetOutput(io.MultiWriter(os.Stderr, f))
		defer f.Close()
	} else {
		log.Printf("Could not open mafia.log: %v", err)
	}

	if err := InitAppLogger(cfg.toLogConfig()); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer CloseAppLogger()

	var history *History
	if cfg.DB != "" {
		var err error
		history, err = openHistory(cfg.DB)
		if err != nil {
			log.Fatalf("Failed to open history database: %v", err)
		}
		defer history.Close()
	} else {
		log.Printf("History journal disabled")
	}

	narrator := initNarrator(cfg)

	hub := newHub()
	reg := newRegistry(cfg.MaxPlayers)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	session := newSession(reg, hub, rng, history, narrator)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handleWebSocket(session, hub))
	mux.HandleFunc("/history", history.handleHistory)
	mux.HandleFunc("/healthz", handleHealthz)

	log.Printf("Mafia coordinator listening on %s (max %d players)", cfg.Addr, cfg.MaxPlayers)
	if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
