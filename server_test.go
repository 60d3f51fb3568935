package main

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const frameWait = 3 * time.Second

func TestEndToEndGame(t *testing.T) {
	ctx := newTestContext(t)

	names := []string{"alice", "bob", "carol", "dave"}
	clients := make(map[string]*testClient, len(names))
	for _, name := range names {
		clients[name] = ctx.join(name)
	}

	// Everyone sees the full lobby.
	frame, ok := clients["alice"].waitMatch(func(f map[string]any) bool {
		return f["action"] == actionLobbyStatus && framePayload(f)["total_count"] == float64(len(names))
	}, frameWait)
	if !ok {
		t.Fatal("lobby_status with full roster never arrived")
	}
	if framePayload(frame)["min_players"] != float64(minPlayers) {
		t.Errorf("min_players = %v, want %d", framePayload(frame)["min_players"], minPlayers)
	}

	for _, c := range clients {
		c.sendAction("ready")
	}

	// With no heads ever up the machine runs straight into the first night.
	for _, c := range clients {
		if !c.waitForState("MAFIAVOTE", frameWait) {
			t.Fatalf("[%s] never saw MAFIAVOTE", c.name)
		}
	}

	roles := make(map[string]string, len(names))
	var mafia, doctor, civilian string
	for name, c := range clients {
		roles[name] = c.role(frameWait)
		switch roles[name] {
		case roleMafia:
			mafia = name
		case roleDoctor:
			doctor = name
		case roleCivilian:
			if civilian == "" {
				civilian = name
			}
		}
	}
	if mafia == "" || doctor == "" || civilian == "" {
		t.Fatalf("incomplete role distribution: %v", roles)
	}

	// Mafia gets the kill prompt; night passes with a matched save.
	if _, ok := clients[mafia].waitFor(actionMafiaKill, frameWait); !ok {
		t.Fatal("mafia never prompted for a kill")
	}
	clients[mafia].sendTarget(civilian)
	if _, ok := clients[doctor].waitFor(actionDoctorSave, frameWait); !ok {
		t.Fatal("doctor never prompted for a save")
	}
	clients[doctor].sendTarget(civilian)

	frame, ok = clients[civilian].waitFor(actionNightResult, frameWait)
	if !ok {
		t.Fatal("night_result never arrived")
	}
	night := framePayload(frame)
	if night["killed"] != "" || night["saved"] != civilian {
		t.Errorf("night_result payload = %v, want no kill and saved=%s", night, civilian)
	}

	// Day vote eliminates the mafia.
	for name, c := range clients {
		if _, ok := c.waitFor(requestVote, frameWait); !ok {
			t.Fatalf("[%s] never prompted to vote", name)
		}
		c.sendTarget(mafia)
	}

	frame, ok = clients[civilian].waitFor(actionVoteResult, frameWait)
	if !ok {
		t.Fatal("vote_result never arrived")
	}
	if frame["player"] != mafia {
		t.Errorf("vote_result player = %v, want %s", frame["player"], mafia)
	}

	frame, ok = clients[civilian].waitFor(actionGameOver, frameWait)
	if !ok {
		t.Fatal("game_over never arrived")
	}
	result := framePayload(frame)
	if result["winner"] != winnerCivilians {
		t.Errorf("winner = %v, want %s", result["winner"], winnerCivilians)
	}
	mafiaList, _ := result["mafia"].([]any)
	if len(mafiaList) != 1 || mafiaList[0] != mafia {
		t.Errorf("game_over mafia list = %v, want [%s]", mafiaList, mafia)
	}

	// Full-roster restart returns everyone to the lobby.
	for _, c := range clients {
		c.sendAction("restart")
	}
	for _, c := range clients {
		if !c.waitForState("LOBBY", frameWait) {
			t.Fatalf("[%s] never saw the post-restart LOBBY", c.name)
		}
	}
}

func TestNameTakenClosesConnection(t *testing.T) {
	ctx := newTestContext(t)
	ctx.join("alice")

	conn, _, err := websocket.DefaultDialer.Dial(ctx.wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"action": "setup", "name": "alice"}); err != nil {
		t.Fatalf("write setup: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(frameWait))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation || closeErr.Text != "Name already taken" {
		t.Errorf("close = (%d, %q), want (%d, %q)",
			closeErr.Code, closeErr.Text, websocket.ClosePolicyViolation, "Name already taken")
	}
}

func TestDeviceChannel(t *testing.T) {
	ctx := newTestContext(t)

	names := []string{"alice", "bob", "carol"}
	clients := make(map[string]*testClient, len(names))
	for _, name := range names {
		clients[name] = ctx.join(name)
	}
	device := ctx.joinDevice("alice")

	for _, c := range clients {
		c.sendAction("ready")
	}
	if !clients["alice"].waitForState("MAFIAVOTE", frameWait) {
		t.Fatal("game never reached MAFIAVOTE")
	}

	// The device hears the same role reveal as the primary.
	if got := device.role(frameWait); got != clients["alice"].role(frameWait) {
		t.Errorf("device role = %s, primary role = %s", got, clients["alice"].role(frameWait))
	}
}

func TestDisconnectMidGameBroadcastsNoOne(t *testing.T) {
	ctx := newTestContext(t)

	names := []string{"alice", "bob", "carol", "dave"}
	clients := make(map[string]*testClient, len(names))
	for _, name := range names {
		clients[name] = ctx.join(name)
	}
	for _, c := range clients {
		c.sendAction("ready")
	}
	if !clients["alice"].waitForState("MAFIAVOTE", frameWait) {
		t.Fatal("game never reached MAFIAVOTE")
	}

	clients["dave"].conn.Close()

	frame, ok := clients["alice"].waitFor(actionGameOver, frameWait)
	if !ok {
		t.Fatal("game_over never arrived after disconnect")
	}
	if framePayload(frame)["winner"] != winnerNoOne {
		t.Errorf("winner = %v, want %s", framePayload(frame)["winner"], winnerNoOne)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	ctx := newTestContext(t)
	ctx.join("alice")
	ctx.join("bob")

	// Give the journal a moment to absorb the setup events.
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get(ctx.baseURL + "/history")
	if err != nil {
		t.Fatalf("GET /history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var events []GameEvent
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatalf("history is not JSON: %v\n%s", err, body)
	}
	if len(events) == 0 {
		t.Fatal("history is empty after two registrations")
	}

	found := false
	for _, e := range events {
		if e.Action == "setup" && e.Actor == "alice" {
			found = true
		}
	}
	if !found {
		t.Errorf("no setup event for alice in %d events", len(events))
	}
}

func TestHealthz(t *testing.T) {
	ctx := newTestContext(t)
	resp, err := http.Get(ctx.baseURL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestLobbyStatusCountsReady(t *testing.T) {
	ctx := newTestContext(t)
	alice := ctx.join("alice")
	ctx.join("bob")

	alice.sendAction("ready")

	_, ok := alice.waitMatch(func(f map[string]any) bool {
		status := framePayload(f)
		return f["action"] == actionLobbyStatus &&
			status["ready_count"] == float64(1) &&
			status["total_count"] == float64(2)
	}, frameWait)
	if !ok {
		t.Fatal("lobby_status with ready_count=1 never arrived")
	}
}

func TestStatusPayloadRidesInTarget(t *testing.T) {
	ctx := newTestContext(t)
	alice := ctx.join("alice")
	ctx.join("bob")

	frame, ok := alice.waitMatch(func(f map[string]any) bool {
		return f["action"] == actionLobbyStatus && framePayload(f)["total_count"] == float64(2)
	}, frameWait)
	if !ok {
		t.Fatal("lobby_status for two players never arrived")
	}

	// The envelope shape is {action, player|name, target} in both directions;
	// the structured payload must sit under target, not at the top level.
	if _, flat := frame["ready_count"]; flat {
		t.Error("ready_count leaked to the top level of the frame")
	}
	status := framePayload(frame)
	if status == nil {
		t.Fatal("lobby_status carries no object payload in target")
	}
	for _, key := range []string{"ready_count", "total_count", "min_players", "max_players", "players"} {
		if _, ok := status[key]; !ok {
			t.Errorf("lobby_status payload missing %q: %v", key, status)
		}
	}
}

func TestNightSkipsSaveRoundWithoutDoctor(t *testing.T) {
	ctx := newTestContext(t)

	names := []string{"alice", "bob", "carol", "dave", "erin"}
	clients := make(map[string]*testClient, len(names))
	for _, name := range names {
		clients[name] = ctx.join(name)
	}
	for _, c := range clients {
		c.sendAction("ready")
	}
	for _, c := range clients {
		if !c.waitForState("MAFIAVOTE", frameWait) {
			t.Fatalf("[%s] never saw MAFIAVOTE", c.name)
		}
	}

	var mafia, doctor string
	var civilians []string
	for name, c := range clients {
		switch c.role(frameWait) {
		case roleMafia:
			mafia = name
		case roleDoctor:
			doctor = name
		default:
			civilians = append(civilians, name)
		}
	}
	if mafia == "" || doctor == "" || len(civilians) != 3 {
		t.Fatalf("unexpected role split: mafia=%q doctor=%q civilians=%v", mafia, doctor, civilians)
	}

	// Night one: the mafia takes out the doctor, who saves someone else.
	if _, ok := clients[mafia].waitFor(actionMafiaKill, frameWait); !ok {
		t.Fatal("mafia never prompted for a kill")
	}
	clients[mafia].sendTarget(doctor)
	if _, ok := clients[doctor].waitFor(actionDoctorSave, frameWait); !ok {
		t.Fatal("doctor never prompted for a save")
	}
	clients[doctor].sendTarget(civilians[0])

	frame, ok := clients[mafia].waitFor(actionNightResult, frameWait)
	if !ok {
		t.Fatal("night_result never arrived")
	}
	if framePayload(frame)["killed"] != doctor {
		t.Fatalf("night one killed = %v, want the doctor", framePayload(frame)["killed"])
	}

	// The day vote eliminates a civilian so a second night happens.
	for _, name := range append([]string{mafia}, civilians...) {
		if _, ok := clients[name].waitFor(requestVote, frameWait); !ok {
			t.Fatalf("[%s] never prompted to vote", name)
		}
		if name == civilians[0] {
			clients[name].sendTarget(mafia)
		} else {
			clients[name].sendTarget(civilians[0])
		}
	}
	if _, ok := clients[mafia].waitFor(actionVoteResult, frameWait); !ok {
		t.Fatal("vote_result never arrived")
	}

	// Night two has no doctor left, so the kill resolves without a save round.
	clients[mafia].sendTarget(civilians[1])
	frame, ok = clients[mafia].waitFor(actionGameOver, frameWait)
	if !ok {
		t.Fatal("game_over never arrived after the second night")
	}
	if framePayload(frame)["winner"] != winnerMafia {
		t.Errorf("winner = %v, want %s", framePayload(frame)["winner"], winnerMafia)
	}

	saveRounds := clients[mafia].countMatch(func(f map[string]any) bool {
		return f["action"] == actionGameState && framePayload(f)["state"] == "DOCTORVOTE"
	})
	if saveRounds != 1 {
		t.Errorf("saw %d DOCTORVOTE announcements, want only night one's", saveRounds)
	}
}

func TestVoiceControlAliasOverWire(t *testing.T) {
	ctx := newTestContext(t)
	alice := ctx.join("alice")
	ctx.join("bob")
	ctx.join("carol")

	// The speech frontend sends "control" frames with a numeric code.
	alice.send(map[string]any{"action": "control", "target": voiceStartGame})

	_, ok := alice.waitMatch(func(f map[string]any) bool {
		return f["action"] == actionLobbyStatus && framePayload(f)["ready_count"] == float64(1)
	}, frameWait)
	if !ok {
		t.Fatal("voice start did not mark alice ready")
	}
}
