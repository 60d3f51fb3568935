package main

import (
	"encoding/json"
	"math"
	"strconv"
)

// Envelope is the wire format in both directions: one JSON object per frame.
// Inbound frames identify the sender via "name"; outbound frames carry the
// addressee (or subject) in "player". "target" is payload and may be a string,
// a number, an object, or null depending on the action.
type Envelope struct {
	Action string `json:"action"`
	Name   string `json:"name,omitempty"`
	Player any    `json:"player,omitempty"`
	Target any    `json:"target,omitempty"`
}

// decodeEnvelope parses a raw text frame. A frame that is not a JSON object or
// has no action is malformed; the caller drops it without a reply.
func decodeEnvelope(data []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, false
	}
	if env.Action == "" {
		return Envelope{}, false
	}
	return env, true
}

func encodeFrame(action string, player any, target any) []byte {
	data, err := json.Marshal(Envelope{Action: action, Player: player, Target: target})
	if err != nil {
		logError("encodeFrame: marshal "+action, err)
		return nil
	}
	return data
}

// SignalKind is the closed set of inbound actions the coordinator understands.
// Anything else decodes to signalUnknown and is dropped at the gate.
type SignalKind int

const (
	signalUnknown SignalKind = iota
	signalSetup
	signalReady
	signalHeadUp
	signalHeadDown
	signalTarget
	signalRestart
	signalVoice
)

func (k SignalKind) String() string {
	switch k {
	case signalSetup:
		return "setup"
	case signalReady:
		return "ready"
	case signalHeadUp:
		return "headUp"
	case signalHeadDown:
		return "headDown"
	case signalTarget:
		return "target"
	case signalRestart:
		return "restart"
	case signalVoice:
		return "voiceCommand"
	default:
		return "unknown"
	}
}

// parseSignal maps a wire action to its kind. "target" and "targeted" are the
// same signal (the gesture clients historically sent both spellings), as are
// "voiceCommand" and "control".
func parseSignal(action string) SignalKind {
	switch action {
	case "setup":
		return signalSetup
	case "ready":
		return signalReady
	case "headUp":
		return signalHeadUp
	case "headDown":
		return signalHeadDown
	case "target", "targeted":
		return signalTarget
	case "restart":
		return signalRestart
	case "voiceCommand", "control":
		return signalVoice
	default:
		return signalUnknown
	}
}

// Outbound actions.
const (
	actionIDRegistered  = "id_registered"
	actionLobbyStatus   = "lobby_status"
	actionGameState     = "game_state"
	actionHeadsDown     = "heads_down"
	actionMafiaKill     = "mafia_kill"
	actionDoctorSave    = "doctor_save"
	actionNightResult   = "night_result"
	actionVoteResult    = "vote_result"
	actionVoteResultTie = "vote_result_tie"
	actionGameOver      = "game_over"
	actionRestartStatus = "restart_status"
	actionNarration     = "narration"
	actionDisconnect    = "disconnect"

	// Direct action requests pushed to a participant's device connection.
	requestKill = "kill"
	requestSave = "save"
	requestVote = "vote"
)

// Role reveal frames use the role name itself as the action.
const (
	roleMafia    = "mafia"
	roleDoctor   = "doctor"
	roleCivilian = "civilian"
)

// deviceMarker in a setup frame's target field marks the connection as a
// device (gesture hardware) channel rather than a primary one.
const deviceMarker = "rpi"

// Structured payloads ride in the envelope's target field, so every frame in
// either direction keeps the {action, player|name, target} shape the clients
// parse.

type lobbyPlayer struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
}

type lobbyStatusPayload struct {
	ReadyCount int           `json:"ready_count"`
	TotalCount int           `json:"total_count"`
	MinPlayers int           `json:"min_players"`
	MaxPlayers int           `json:"max_players"`
	Players    []lobbyPlayer `json:"players"`
}

type restartStatusPayload struct {
	RestartCount int      `json:"restart_count"`
	TotalCount   int      `json:"total_count"`
	Players      []string `json:"players"`
}

type gameStatePayload struct {
	State string `json:"state"`
}

type nightResultPayload struct {
	Killed string `json:"killed"`
	Saved  string `json:"saved"`
}

type gameOverPayload struct {
	Winner string   `json:"winner"`
	Mafia  []string `json:"mafia"`
}

func encodeJSON(what string, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logError("encodeJSON: marshal "+what, err)
		return nil
	}
	return data
}

// targetString extracts a string payload from the loosely typed target field.
// Numeric targets are rendered in decimal so id-based clients interoperate
// with name-based ones.
func targetString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		if t != math.Trunc(t) {
			return "", false
		}
		return strconv.FormatInt(int64(t), 10), true
	case int:
		return strconv.Itoa(t), true
	default:
		return "", false
	}
}

// targetInt extracts an integer payload (voice command codes, player ids).
func targetInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int(t), true
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
