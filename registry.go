package main

import (
	"errors"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

var (
	errNameTaken    = errors.New("name already taken")
	errRosterFull   = errors.New("game is full")
	errNotConnected = errors.New("connection not open")
)

// headState is the last reported head posture. Unknown counts as not-up for
// the heads-down check.
type headState int

const (
	headUnknown headState = iota
	headUp
	headDown
)

// Participant is one named player in the session. The primary connection
// carries broadcasts and votes; the optional device connection is the gesture
// hardware channel that receives direct action requests.
type Participant struct {
	ID    int
	Name  string
	Alive bool
	Head  headState

	Ready   bool
	Restart bool

	// Pending action slots; empty string means no pending action. Each slot
	// is consumed (cleared) atomically under the session lock when resolved.
	Vote string
	Kill string
	Save string

	primary *wsConn
	device  *wsConn
}

func (p *Participant) clearSlots() {
	p.Vote = ""
	p.Kill = ""
	p.Save = ""
}

// Registry maps stable participant names to session-scoped integer ids and
// tracks the two connection roles per participant. Connections are referenced,
// never owned: the transport layer closes them.
type Registry struct {
	maxPlayers int
	nextID     int
	byName     map[string]*Participant
	byID       map[int]*Participant
	byConn     map[uuid.UUID]*Participant
}

func newRegistry(maxPlayers int) *Registry {
	return &Registry{
		maxPlayers: maxPlayers,
		nextID:     1,
		byName:     make(map[string]*Participant),
		byID:       make(map[int]*Participant),
		byConn:     make(map[uuid.UUID]*Participant),
	}
}

// register attaches a primary connection for name, creating the participant
// on first contact. A name whose primary is already held by a live connection
// is rejected, as is a new name when the roster is at capacity. Device-only
// records are not players yet and do not consume capacity.
func (r *Registry) register(name string, c *wsConn) (*Participant, error) {
	if p, ok := r.byName[name]; ok {
		if p.primary == c {
			return p, nil // duplicate setup on the same socket
		}
		if p.primary != nil {
			return nil, errNameTaken
		}
		// Device connection arrived first; bind the primary now.
		p.primary = c
		r.byConn[c.id] = p
		return p, nil
	}

	active := 0
	for _, p := range r.byName {
		if p.primary != nil {
			active++
		}
	}
	if active >= r.maxPlayers {
		return nil, errRosterFull
	}

	p := &Participant{ID: r.nextID, Name: name, Alive: true, primary: c}
	r.nextID++
	r.byName[name] = p
	r.byID[p.ID] = p
	r.byConn[c.id] = p
	return p, nil
}

// bindDevice attaches a device connection for name. The participant record is
// created if the device connects before the primary; it joins the roster only
// once the primary arrives.
func (r *Registry) bindDevice(name string, c *wsConn) *Participant {
	p, ok := r.byName[name]
	if !ok {
		p = &Participant{ID: r.nextID, Name: name, Alive: true}
		r.nextID++
		r.byName[name] = p
		r.byID[p.ID] = p
	}
	if p.device != nil && p.device != c {
		delete(r.byConn, p.device.id)
	}
	p.device = c
	r.byConn[c.id] = p
	return p
}

func (r *Registry) lookupID(name string) (int, bool) {
	p, ok := r.byName[name]
	if !ok {
		return 0, false
	}
	return p.ID, true
}

func (r *Registry) lookupName(id int) (string, bool) {
	p, ok := r.byID[id]
	if !ok {
		return "", false
	}
	return p.Name, true
}

func (r *Registry) byConnection(c *wsConn) (*Participant, bool) {
	if c == nil {
		return nil, false
	}
	p, ok := r.byConn[c.id]
	return p, ok
}

// detach removes exactly the connection role that closed and reports whether
// it was the participant's primary. The record itself stays; the supervisor
// decides whether to drop it.
func (r *Registry) detach(c *wsConn) (p *Participant, wasPrimary bool, ok bool) {
	p, ok = r.byConn[c.id]
	if !ok {
		return nil, false, false
	}
	delete(r.byConn, c.id)
	if p.primary == c {
		p.primary = nil
		return p, true, true
	}
	if p.device == c {
		p.device = nil
	}
	return p, false, true
}

// remove drops the participant entirely, including the id mapping.
func (r *Registry) remove(name string) {
	p, ok := r.byName[name]
	if !ok {
		return
	}
	if p.primary != nil {
		delete(r.byConn, p.primary.id)
	}
	if p.device != nil {
		delete(r.byConn, p.device.id)
	}
	delete(r.byName, name)
	delete(r.byID, p.ID)
}

// roster returns participants with a live primary connection, ordered by id.
// Device-only records are not yet players.
func (r *Registry) roster() []*Participant {
	var ps []*Participant
	for _, p := range r.byName {
		if p.primary != nil {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
	return ps
}

func (r *Registry) alive() []*Participant {
	var ps []*Participant
	for _, p := range r.roster() {
		if p.Alive {
			ps = append(ps, p)
		}
	}
	return ps
}

func (r *Registry) get(name string) (*Participant, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// resolveTarget normalizes a target payload to a registered participant name.
// Clients address targets either by display name or by numeric id.
func (r *Registry) resolveTarget(v any) (string, bool) {
	s, ok := targetString(v)
	if !ok {
		return "", false
	}
	if _, ok := r.byName[s]; ok {
		return s, true
	}
	if id, err := strconv.Atoi(s); err == nil {
		if name, ok := r.lookupName(id); ok {
			return name, true
		}
	}
	return "", false
}
