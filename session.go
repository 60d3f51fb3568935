package main

import (
	"fmt"
	"log"
	"math/rand"
	"sync"

	"github.com/gorilla/websocket"
)

// Phase is the coordinator's current position in the game state machine.
type Phase int

const (
	phaseLobby Phase = iota
	phaseAssign
	phaseHeadsDown
	phaseMafiaVote
	phaseDoctorVote
	phaseNarrate
	phaseVote
	phaseGameOver
)

func (p Phase) String() string {
	switch p {
	case phaseLobby:
		return "LOBBY"
	case phaseAssign:
		return "ASSIGN"
	case phaseHeadsDown:
		return "HEADSDOWN"
	case phaseMafiaVote:
		return "MAFIAVOTE"
	case phaseDoctorVote:
		return "DOCTORVOTE"
	case phaseNarrate:
		return "NARRATE"
	case phaseVote:
		return "VOTE"
	case phaseGameOver:
		return "GAMEOVER"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// expectedSignals gates inbound traffic per phase: a signal not listed for the
// current phase is logged and dropped. Setup is handled before the gate so new
// connections can always introduce themselves.
var expectedSignals = map[Phase]map[SignalKind]bool{
	phaseLobby:      {signalReady: true, signalVoice: true},
	phaseAssign:     {},
	phaseHeadsDown:  {signalHeadUp: true, signalHeadDown: true},
	phaseMafiaVote:  {signalHeadUp: true, signalHeadDown: true, signalTarget: true},
	phaseDoctorVote: {signalHeadUp: true, signalHeadDown: true, signalTarget: true},
	phaseNarrate:    {},
	phaseVote:       {signalTarget: true, signalVoice: true},
	phaseGameOver:   {signalRestart: true},
}

// Voice command codes recognized from the speech frontend. Only the lobby
// start and the vote re-prompt act on the session; the other codes drive the
// frontend's own screens.
const (
	voiceStartGame   = 1
	voiceReadyToVote = 3
)

// maxTransitions bounds one advance run. The longest legal cascade (heads
// already down, night pre-resolved, immediate win) is far shorter; hitting
// the bound means a phase step is misbehaving.
const maxTransitions = 16

// Session is the single game coordinator. All state behind one mutex; every
// inbound frame and every disconnect takes the lock, mutates, advances the
// state machine, and queues outbound frames that are flushed after unlock.
type Session struct {
	mu  sync.Mutex
	reg *Registry
	hub *Hub
	rng *rand.Rand

	history  *History
	narrator Narrator

	phase       Phase
	mafiaNames  map[string]bool
	doctorNames map[string]bool
	lastKilled  string
	lastSaved   string
	winner      string

	pending []outbound
}

func newSession(reg *Registry, hub *Hub, rng *rand.Rand, history *History, narrator Narrator) *Session {
	return &Session{
		reg:         reg,
		hub:         hub,
		rng:         rng,
		history:     history,
		narrator:    narrator,
		phase:       phaseLobby,
		mafiaNames:  map[string]bool{},
		doctorNames: map[string]bool{},
	}
}

// queue collects an outbound frame while the lock is held.
func (s *Session) queue(c *wsConn, who string, frame []byte) {
	if c == nil || frame == nil {
		return
	}
	s.pending = append(s.pending, outbound{conn: c, who: who, frame: frame})
}

// broadcast queues a frame for every roster member's primary connection.
func (s *Session) broadcast(frame []byte) {
	for _, p := range s.reg.roster() {
		s.queue(p.primary, p.Name, frame)
	}
}

func (s *Session) setPhase(next Phase) {
	log.Printf("Phase %s -> %s", s.phase, next)
	DebugLog("setPhase", "%s -> %s", s.phase, next)
	s.phase = next
	s.broadcast(encodeFrame(actionGameState, nil, gameStatePayload{State: next.String()}))
	s.history.record(next.String(), "", "phase", "", "")
}

// HandleFrame processes one inbound frame from one connection. Everything
// happens under the session lock; queued frames are flushed after release.
func (s *Session) HandleFrame(c *wsConn, env Envelope) {
	s.mu.Lock()
	kind := parseSignal(env.Action)

	if kind == signalSetup {
		s.handleSetup(c, env)
	} else {
		p, ok := s.reg.byConnection(c)
		if !ok {
			log.Printf("Frame '%s' from unregistered connection %s, dropping", env.Action, c.id)
		} else if !expectedSignals[s.phase][kind] {
			log.Printf("Unexpected '%s' from '%s' during %s, dropping", env.Action, p.Name, s.phase)
		} else {
			s.applySignal(p, kind, env)
			s.advance()
		}
	}

	queue := s.pending
	s.pending = nil
	s.mu.Unlock()
	s.hub.flush(queue)
}

// handleSetup registers the connection. A setup frame whose target is the
// device marker binds the gesture hardware channel; anything else claims the
// name as a primary. Primary rejections close the socket with a policy
// violation frame so the client can show the reason.
func (s *Session) handleSetup(c *wsConn, env Envelope) {
	name := env.Name
	if name == "" {
		name, _ = targetString(env.Player)
	}
	if name == "" {
		log.Printf("Setup frame without a name from %s, dropping", c.id)
		return
	}

	if t, ok := targetString(env.Target); ok && t == deviceMarker {
		p := s.reg.bindDevice(name, c)
		log.Printf("Device connection bound for '%s' (id %d)", p.Name, p.ID)
		DebugLog("handleSetup", "device bound for '%s'", p.Name)
		s.queue(c, p.Name, encodeFrame(actionIDRegistered, p.ID, nil))
		return
	}

	if s.phase != phaseLobby {
		if _, ok := s.reg.get(name); !ok {
			log.Printf("Setup for new name '%s' during %s, rejecting", name, s.phase)
			c.closeWithReason(websocket.ClosePolicyViolation, "Game is full")
			return
		}
	}

	p, err := s.reg.register(name, c)
	switch err {
	case nil:
	case errNameTaken:
		log.Printf("Setup rejected for '%s': name already taken", name)
		c.closeWithReason(websocket.ClosePolicyViolation, "Name already taken")
		return
	case errRosterFull:
		log.Printf("Setup rejected for '%s': game is full", name)
		c.closeWithReason(websocket.ClosePolicyViolation, "Game is full")
		return
	default:
		logError("handleSetup: register", err)
		return
	}

	log.Printf("Player '%s' registered (id %d)", p.Name, p.ID)
	DebugLog("handleSetup", "'%s' registered as id %d", p.Name, p.ID)
	s.history.record(s.phase.String(), p.Name, "setup", "", "")
	s.queue(c, p.Name, encodeFrame(actionIDRegistered, p.ID, nil))
	s.broadcastLobbyStatus()
	s.advance()
}

// applySignal mutates participant state for one gated signal. Transitions are
// the advance loop's job.
func (s *Session) applySignal(p *Participant, kind SignalKind, env Envelope) {
	switch kind {
	case signalReady:
		p.Ready = true
		log.Printf("Player '%s' is ready", p.Name)
		s.history.record(s.phase.String(), p.Name, "ready", "", "")
		s.broadcastLobbyStatus()

	case signalHeadUp:
		p.Head = headUp
	case signalHeadDown:
		p.Head = headDown

	case signalTarget:
		s.applyTarget(p, env)

	case signalRestart:
		p.Restart = true
		log.Printf("Player '%s' wants a restart", p.Name)
		s.history.record(s.phase.String(), p.Name, "restart", "", "")
		s.broadcastRestartStatus()

	case signalVoice:
		s.applyVoice(p, env)
	}
}

// applyTarget files a target into the slot the current phase collects. Dead
// actors and dead targets are dropped.
func (s *Session) applyTarget(p *Participant, env Envelope) {
	if !p.Alive {
		log.Printf("Target from dead player '%s', dropping", p.Name)
		return
	}
	targetName, ok := s.reg.resolveTarget(env.Target)
	if !ok {
		log.Printf("Unresolvable target %v from '%s', dropping", env.Target, p.Name)
		return
	}
	target, ok := s.reg.get(targetName)
	if !ok || !target.Alive {
		log.Printf("Target '%s' from '%s' is not alive, dropping", targetName, p.Name)
		return
	}

	switch s.phase {
	case phaseMafiaVote:
		if !s.mafiaNames[p.Name] {
			log.Printf("Kill target from non-mafia '%s', dropping", p.Name)
			return
		}
		p.Kill = targetName
		log.Printf("Mafia '%s' targets '%s'", p.Name, targetName)
		DebugLog("applyTarget", "mafia '%s' -> '%s'", p.Name, targetName)
		s.history.record(s.phase.String(), p.Name, "kill_target", targetName, "")

	case phaseDoctorVote:
		if !s.doctorNames[p.Name] {
			log.Printf("Save target from non-doctor '%s', dropping", p.Name)
			return
		}
		p.Save = targetName
		log.Printf("Doctor '%s' targets '%s'", p.Name, targetName)
		DebugLog("applyTarget", "doctor '%s' -> '%s'", p.Name, targetName)
		s.history.record(s.phase.String(), p.Name, "save_target", targetName, "")

	case phaseVote:
		p.Vote = targetName
		log.Printf("Player '%s' votes for '%s'", p.Name, targetName)
		DebugLog("applyTarget", "vote '%s' -> '%s'", p.Name, targetName)
		s.history.record(s.phase.String(), p.Name, "vote", targetName, "")
	}
}

func (s *Session) applyVoice(p *Participant, env Envelope) {
	code, ok := targetInt(env.Target)
	if !ok {
		log.Printf("Voice command without a code from '%s', dropping", p.Name)
		return
	}
	log.Printf("Voice command %d from '%s' during %s", code, p.Name, s.phase)

	switch {
	case s.phase == phaseLobby && code == voiceStartGame:
		p.Ready = true
		s.history.record(s.phase.String(), p.Name, "ready", "", "voice")
		s.broadcastLobbyStatus()
	case s.phase == phaseVote && code == voiceReadyToVote:
		s.promptVote()
	}
}

// advance runs the state machine to a fixed point. Each step either performs
// its phase's transition and returns true, or reports the phase is still
// waiting on input.
func (s *Session) advance() {
	for i := 0; i < maxTransitions; i++ {
		if !s.step() {
			return
		}
	}
	log.Printf("advance: transition bound hit in phase %s", s.phase)
}

func (s *Session) step() bool {
	switch s.phase {
	case phaseLobby:
		return s.stepLobby()
	case phaseAssign:
		return s.stepAssign()
	case phaseHeadsDown:
		return s.stepHeadsDown()
	case phaseMafiaVote:
		return s.stepNightAction(s.reg.alive(), s.mafiaNames, func(p *Participant) *string { return &p.Kill })
	case phaseDoctorVote:
		return s.stepNightAction(s.reg.alive(), s.doctorNames, func(p *Participant) *string { return &p.Save })
	case phaseNarrate:
		return s.stepNarrate()
	case phaseVote:
		return s.stepVote()
	case phaseGameOver:
		return s.stepGameOver()
	default:
		return false
	}
}

func (s *Session) stepLobby() bool {
	roster := s.reg.roster()
	if len(roster) < minPlayers {
		return false
	}
	for _, p := range roster {
		if !p.Ready {
			return false
		}
	}
	log.Printf("All %d players ready, starting game", len(roster))
	s.setPhase(phaseAssign)
	return true
}

// stepAssign draws roles, reveals each player's role on both of their
// connections, and moves straight on to the first night.
func (s *Session) stepAssign() bool {
	roster := s.reg.roster()
	names := make([]string, len(roster))
	for i, p := range roster {
		names[i] = p.Name
	}

	mafia, doctors, err := assignRoles(names, s.rng)
	if err != nil {
		logError("stepAssign: assignRoles", err)
		s.setPhase(phaseLobby)
		return false
	}
	s.mafiaNames = nameSet(mafia)
	s.doctorNames = nameSet(doctors)

	log.Printf("Roles assigned: %d mafia, %d doctors, %d players", len(mafia), len(doctors), len(roster))
	DebugLog("stepAssign", "mafia=%v doctors=%v", mafia, doctors)
	s.history.record(s.phase.String(), "", "assign", "", fmt.Sprintf("%d mafia, %d doctors", len(mafia), len(doctors)))

	for _, p := range roster {
		var frame []byte
		switch {
		case s.mafiaNames[p.Name]:
			// Mafia learn their partners.
			var partners []string
			for _, m := range mafia {
				if m != p.Name {
					partners = append(partners, m)
				}
			}
			frame = encodeFrame(roleMafia, p.Name, partners)
		case s.doctorNames[p.Name]:
			frame = encodeFrame(roleDoctor, p.Name, nil)
		default:
			frame = encodeFrame(roleCivilian, p.Name, nil)
		}
		s.queue(p.primary, p.Name, frame)
		s.queue(p.device, p.Name+"/device", frame)
	}

	s.setPhase(phaseHeadsDown)
	s.broadcast(encodeFrame(actionHeadsDown, nil, nil))
	return true
}

// stepHeadsDown holds the night until every alive head is down, the mafia's
// included; the night sub-phases are where role holders act with heads up.
func (s *Session) stepHeadsDown() bool {
	if !headsDownAll(s.reg.alive()) {
		return false
	}
	log.Printf("Heads are down, waking the mafia")
	s.setPhase(phaseMafiaVote)
	s.promptRole(s.mafiaNames, actionMafiaKill, requestKill)
	return true
}

// stepNightAction resolves the mafia kill or the doctor save once the acting
// role's slots line up. A two-actor mismatch clears both slots and re-prompts
// the pair.
func (s *Session) stepNightAction(alive []*Participant, role map[string]bool, slot func(*Participant) *string) bool {
	var actors []*Participant
	for _, p := range alive {
		if role[p.Name] {
			actors = append(actors, p)
		}
	}

	target, fired, mismatch := resolveNightAction(actors, slot)
	if mismatch {
		log.Printf("Night targets disagree during %s, re-prompting", s.phase)
		s.history.record(s.phase.String(), "", "mismatch", "", "")
		if s.phase == phaseMafiaVote {
			s.promptRole(s.mafiaNames, actionMafiaKill, requestKill)
		} else {
			s.promptRole(s.doctorNames, actionDoctorSave, requestSave)
		}
		return false
	}
	if !fired && len(actors) > 0 {
		return false
	}

	if s.phase == phaseMafiaVote {
		s.lastKilled = target
		log.Printf("Mafia agreed on '%s'", target)
		s.history.record(s.phase.String(), "", "kill", target, "")
		// No alive doctor means no save round to hold.
		if !s.anyAlive(s.doctorNames) {
			s.setPhase(phaseNarrate)
			return true
		}
		s.setPhase(phaseDoctorVote)
		s.promptRole(s.doctorNames, actionDoctorSave, requestSave)
		return true
	}

	s.lastSaved = target
	log.Printf("Doctors agreed on '%s'", target)
	s.history.record(s.phase.String(), "", "save", target, "")
	s.setPhase(phaseNarrate)
	return true
}

// stepNarrate applies the night's outcome, announces it, and either ends the
// game or opens the day vote.
func (s *Session) stepNarrate() bool {
	killed, saved := s.lastKilled, s.lastSaved
	s.lastKilled, s.lastSaved = "", ""

	died := ""
	if killed != "" && killed != saved {
		if p, ok := s.reg.get(killed); ok && p.Alive {
			p.Alive = false
			died = killed
			log.Printf("Night resolved: '%s' was killed", killed)
		}
	} else if killed != "" {
		log.Printf("Night resolved: doctor saved '%s'", killed)
	}
	s.history.record(s.phase.String(), "", "night_result", died, "saved "+saved)

	s.broadcast(encodeFrame(actionNightResult, nil, nightResultPayload{Killed: died, Saved: saved}))
	s.narrateAsync()

	if winner, over := checkWin(s.reg.roster(), s.mafiaNames); over {
		s.endGame(winner)
		return true
	}

	s.setPhase(phaseVote)
	s.promptVote()
	return true
}

func (s *Session) stepVote() bool {
	alive := s.reg.alive()
	if !everyoneVoted(alive) {
		return false
	}

	winner, tie := resolveVote(alive)
	if tie {
		log.Printf("Day vote tied, revoting")
		s.history.record(s.phase.String(), "", "vote_tie", "", "")
		s.broadcast(encodeFrame(actionVoteResultTie, nil, nil))
		s.promptVote()
		return false
	}
	if winner == "" {
		return false
	}

	if p, ok := s.reg.get(winner); ok {
		p.Alive = false
	}
	log.Printf("Day vote eliminated '%s'", winner)
	DebugLog("stepVote", "eliminated '%s'", winner)
	s.history.record(s.phase.String(), "", "eliminated", winner, "")
	s.broadcast(encodeFrame(actionVoteResult, winner, nil))

	if w, over := checkWin(s.reg.roster(), s.mafiaNames); over {
		s.endGame(w)
		return true
	}

	s.setPhase(phaseHeadsDown)
	s.broadcast(encodeFrame(actionHeadsDown, nil, nil))
	return true
}

// stepGameOver resets for a fresh round once every connected roster member has
// a restart request in. Players who left during game over do not hold the gate.
func (s *Session) stepGameOver() bool {
	roster := s.reg.roster()
	if len(roster) == 0 {
		return false
	}
	for _, p := range roster {
		if !p.Restart {
			return false
		}
	}

	log.Printf("All %d connected players requested a restart, returning to lobby", len(roster))
	s.history.record(s.phase.String(), "", "restart", "", "")
	s.resetForRestart()
	return true
}

func (s *Session) resetForRestart() {
	// Fully disconnected records belong to players who left during game over;
	// they are dropped like a lobby departure. A record with only a device
	// left reverts to the not-yet-a-player state it started in.
	for name, p := range s.reg.byName {
		if p.primary == nil && p.device == nil {
			s.reg.remove(name)
		}
	}
	for _, p := range s.reg.byName {
		p.Alive = true
		p.Head = headUnknown
		p.Ready = false
		p.Restart = false
		p.clearSlots()
	}
	s.mafiaNames = map[string]bool{}
	s.doctorNames = map[string]bool{}
	s.lastKilled, s.lastSaved = "", ""
	s.winner = ""
	s.history.newGame()
	s.setPhase(phaseLobby)
	s.broadcastLobbyStatus()
}

func (s *Session) endGame(winner string) {
	s.winner = winner
	var mafia []string
	for name := range s.mafiaNames {
		mafia = append(mafia, name)
	}
	log.Printf("GAME OVER - winner: %s", winner)
	DebugLog("endGame", "winner=%s mafia=%v", winner, mafia)
	s.history.finishGame(winner)

	s.setPhase(phaseGameOver)
	s.broadcast(encodeFrame(actionGameOver, nil, gameOverPayload{Winner: winner, Mafia: mafia}))
}

// anyAlive reports whether any alive roster member holds the role.
func (s *Session) anyAlive(role map[string]bool) bool {
	for _, p := range s.reg.alive() {
		if role[p.Name] {
			return true
		}
	}
	return false
}

// promptRole queues an action request to each alive holder of a role: the
// named frame on the primary connection, the bare request on the device.
func (s *Session) promptRole(role map[string]bool, primaryAction, deviceAction string) {
	for _, p := range s.reg.alive() {
		if !role[p.Name] {
			continue
		}
		s.queue(p.primary, p.Name, encodeFrame(primaryAction, p.Name, nil))
		s.queue(p.device, p.Name+"/device", encodeFrame(deviceAction, nil, nil))
	}
}

// promptVote asks every alive player for a ballot on both channels.
func (s *Session) promptVote() {
	for _, p := range s.reg.alive() {
		s.queue(p.primary, p.Name, encodeFrame(requestVote, p.Name, nil))
		s.queue(p.device, p.Name+"/device", encodeFrame(requestVote, nil, nil))
	}
}

func (s *Session) broadcastLobbyStatus() {
	roster := s.reg.roster()
	status := lobbyStatusPayload{
		TotalCount: len(roster),
		MinPlayers: minPlayers,
		MaxPlayers: s.reg.maxPlayers,
		Players:    make([]lobbyPlayer, 0, len(roster)),
	}
	for _, p := range roster {
		if p.Ready {
			status.ReadyCount++
		}
		status.Players = append(status.Players, lobbyPlayer{ID: p.ID, Name: p.Name, Ready: p.Ready})
	}
	s.broadcast(encodeFrame(actionLobbyStatus, nil, status))
}

func (s *Session) broadcastRestartStatus() {
	roster := s.reg.roster()
	status := restartStatusPayload{TotalCount: len(roster)}
	for _, p := range roster {
		if p.Restart {
			status.RestartCount++
			status.Players = append(status.Players, p.Name)
		}
	}
	s.broadcast(encodeFrame(actionRestartStatus, nil, status))
}

// HandleDisconnect is the supervisor for a closed connection. In the lobby the
// player is simply removed. Mid-game a lost primary breaks the social contract
// of the room, so the game ends with no winner. During game over the departed
// player stops counting toward the restart gate; the remaining players' votes
// decide, which is why advance runs here.
func (s *Session) HandleDisconnect(c *wsConn) {
	s.mu.Lock()
	p, wasPrimary, ok := s.reg.detach(c)
	if !ok {
		s.mu.Unlock()
		return
	}

	if !wasPrimary {
		log.Printf("Device connection for '%s' closed", p.Name)
	} else {
		log.Printf("Player '%s' disconnected during %s", p.Name, s.phase)
		s.history.record(s.phase.String(), p.Name, "disconnect", "", "")

		switch s.phase {
		case phaseLobby:
			s.reg.remove(p.Name)
			s.broadcastLobbyStatus()
		case phaseGameOver:
			s.queue(p.device, p.Name+"/device", encodeFrame(actionDisconnect, p.Name, nil))
			s.advance()
		default:
			p.Alive = false
			s.queue(p.device, p.Name+"/device", encodeFrame(actionDisconnect, p.Name, nil))
			s.endGame(winnerNoOne)
		}
	}

	queue := s.pending
	s.pending = nil
	s.mu.Unlock()
	s.hub.flush(queue)
}

// narrateAsync snapshots the recipients and recent events, then streams the
// narration from a goroutine so the generation never holds the session lock.
func (s *Session) narrateAsync() {
	if s.narrator == nil {
		return
	}
	events := s.history.recent(30)
	var conns []*wsConn
	var names []string
	for _, p := range s.reg.roster() {
		if p.primary != nil {
			conns = append(conns, p.primary)
			names = append(names, p.Name)
		}
	}

	go runNarration(s.narrator, s.hub, events, conns, names)
}
