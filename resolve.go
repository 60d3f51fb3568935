package main

import (
	"errors"
	"math/rand"
)

const (
	minPlayers = 3
	// Rosters of this size or larger play with two mafia and two doctors.
	bigRosterSize = 7
)

var errRosterTooSmall = errors.New("roster below game minimum")

// roleCounts returns how many mafia and doctors a roster of n players gets.
func roleCounts(n int) (mafia, doctors int) {
	if n >= bigRosterSize {
		return 2, 2
	}
	return 1, 1
}

// assignRoles draws the mafia and doctor holders uniformly at random without
// replacement from the roster snapshot. Pure in roster and rng; everyone not
// drawn is a civilian.
func assignRoles(roster []string, rng *rand.Rand) (mafia, doctors []string, err error) {
	if len(roster) < minPlayers {
		return nil, nil, errRosterTooSmall
	}
	nMafia, nDoctors := roleCounts(len(roster))

	drawn := make([]string, len(roster))
	copy(drawn, roster)
	rng.Shuffle(len(drawn), func(i, j int) {
		drawn[i], drawn[j] = drawn[j], drawn[i]
	})

	mafia = drawn[:nMafia]
	doctors = drawn[nMafia : nMafia+nDoctors]
	return mafia, doctors, nil
}

// headsDownAll reports whether every alive participant has their head down.
// Unknown posture counts as not-up: only an explicit headUp blocks.
func headsDownAll(ps []*Participant) bool {
	for _, p := range ps {
		if p.Alive && p.Head == headUp {
			return false
		}
	}
	return true
}

// nameSet builds a membership set from participant names.
func nameSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// resolveNightAction applies the kill/save matching rule over the alive role
// holders. With one actor the action fires as soon as their slot is filled.
// With two, it fires only when both slots hold the same target; mismatched
// slots are both cleared so the pair can retry. Slots are consumed atomically
// under the session lock that evaluated them.
func resolveNightAction(actors []*Participant, slot func(*Participant) *string) (target string, fired, mismatch bool) {
	switch len(actors) {
	case 0:
		return "", false, false
	case 1:
		s := slot(actors[0])
		if *s == "" {
			return "", false, false
		}
		target = *s
		*s = ""
		return target, true, false
	default:
		a, b := slot(actors[0]), slot(actors[1])
		if *a == "" || *b == "" {
			return "", false, false
		}
		if *a != *b {
			*a = ""
			*b = ""
			return "", false, true
		}
		target = *a
		*a = ""
		*b = ""
		return target, true, false
	}
}

// everyoneVoted reports whether every alive participant has a pending ballot.
func everyoneVoted(ps []*Participant) bool {
	for _, p := range ps {
		if p.Alive && p.Vote == "" {
			return false
		}
	}
	return true
}

// resolveVote computes the plurality over alive participants' ballots and
// clears every vote slot. More than one name sharing the maximum count is a
// tie: no winner, full revote.
func resolveVote(ps []*Participant) (winner string, tie bool) {
	counts := make(map[string]int)
	for _, p := range ps {
		if p.Alive && p.Vote != "" {
			counts[p.Vote]++
		}
	}
	for _, p := range ps {
		p.Vote = ""
	}
	if len(counts) == 0 {
		return "", false
	}

	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	var leaders []string
	for name, c := range counts {
		if c == max {
			leaders = append(leaders, name)
		}
	}
	if len(leaders) != 1 {
		return "", true
	}
	return leaders[0], false
}

// Winner values.
const (
	winnerCivilians = "civilians"
	winnerMafia     = "mafia"
	winnerNoOne     = "no_one"
)

// checkWin evaluates the end conditions over the current alive set. The
// civilian check runs first; the first true condition decides the game.
// Civilians win the instant no mafia is alive; mafia wins the instant alive
// mafia are at least as many as alive non-mafia.
func checkWin(ps []*Participant, mafiaNames map[string]bool) (winner string, over bool) {
	aliveMafia, aliveOthers := 0, 0
	for _, p := range ps {
		if !p.Alive {
			continue
		}
		if mafiaNames[p.Name] {
			aliveMafia++
		} else {
			aliveOthers++
		}
	}
	if aliveMafia == 0 {
		return winnerCivilians, true
	}
	if aliveMafia >= aliveOthers {
		return winnerMafia, true
	}
	return "", false
}
