// Package session is the client-side core of a consultation: the Store
// holding identity and observed sessions, the Controller driving REST
// transitions, and the Adapter applying pushed events.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/suPer8Hu/consult-platform/internal/models"
)

// SessionView is one session as the presentation layer sees it.
type SessionView struct {
	Session     models.ChatSession
	Provisional bool
	Messages    []models.Message
}

type Snapshot struct {
	Identity *models.User
	Waiting  []models.ChatSession
	Sessions []SessionView
}

type entry struct {
	confirmed   *models.ChatSession
	provisional *models.ChatSession
	messages    []models.Message
	msgIDs      map[uint64]struct{}
}

func (e *entry) effective() *models.ChatSession {
	if e.provisional != nil {
		return e.provisional
	}
	return e.confirmed
}

// Store is the single owner of client state. Only the Controller and the
// Adapter in this package write to it; everyone else reads snapshots.
type Store struct {
	mu       sync.RWMutex
	identity *models.User
	sessions map[uint64]*entry
	queue    map[uint64]struct{}
	// departed holds ids seen past waiting; a late create or a stale fetch
	// must not put them back on the queue.
	departed map[uint64]struct{}

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[uint64]*entry),
		queue:    make(map[uint64]struct{}),
		departed: make(map[uint64]struct{}),
		watchers: make(map[chan struct{}]struct{}),
	}
}

// Watch returns a channel that receives a tick after changes. Ticks are
// coalesced; read Snapshot after each one.
func (s *Store) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, ch)
			s.watchMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) Identity() *models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil
	}
	u := *s.identity
	return &u
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Snapshot
	if s.identity != nil {
		u := *s.identity
		snap.Identity = &u
	}
	for id := range s.queue {
		e, ok := s.sessions[id]
		if !ok || e.confirmed == nil || e.confirmed.Status != models.StatusWaiting {
			continue
		}
		snap.Waiting = append(snap.Waiting, e.confirmed.Clone())
	}
	sort.Slice(snap.Waiting, func(i, j int) bool { return snap.Waiting[i].ID < snap.Waiting[j].ID })

	for _, e := range s.sessions {
		if v, ok := viewOf(e); ok {
			snap.Sessions = append(snap.Sessions, v)
		}
	}
	sort.Slice(snap.Sessions, func(i, j int) bool { return snap.Sessions[i].Session.ID < snap.Sessions[j].Session.ID })
	return snap
}

// Session returns a copy of one session and its transcript.
func (s *Store) Session(id uint64) (SessionView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return SessionView{}, false
	}
	return viewOf(e)
}

func viewOf(e *entry) (SessionView, bool) {
	eff := e.effective()
	if eff == nil {
		return SessionView{}, false
	}
	v := SessionView{
		Session:     eff.Clone(),
		Provisional: e.provisional != nil,
		Messages:    make([]models.Message, 0, len(e.messages)),
	}
	for _, m := range e.messages {
		v.Messages = append(v.Messages, m.Clone())
	}
	return v, true
}

func (s *Store) confirmed(id uint64) (models.ChatSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok || e.confirmed == nil {
		return models.ChatSession{}, false
	}
	return e.confirmed.Clone(), true
}

func (s *Store) waitingIDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, 0, len(s.queue))
	for id := range s.queue {
		out = append(out, id)
	}
	return out
}

func (s *Store) entryLocked(id uint64) *entry {
	e, ok := s.sessions[id]
	if !ok {
		e = &entry{msgIDs: make(map[uint64]struct{})}
		s.sessions[id] = e
	}
	return e
}

func (s *Store) setIdentity(u *models.User) {
	s.mu.Lock()
	if s.identity != nil && s.identity.ID != u.ID {
		s.resetLocked()
	}
	cp := *u
	s.identity = &cp
	s.mu.Unlock()
	s.notify()
}

// clearIdentity drops the identity and everything observed under it.
func (s *Store) clearIdentity() {
	s.mu.Lock()
	s.identity = nil
	s.resetLocked()
	s.mu.Unlock()
	s.notify()
}

func (s *Store) resetLocked() {
	s.sessions = make(map[uint64]*entry)
	s.queue = make(map[uint64]struct{})
	s.departed = make(map[uint64]struct{})
}

// applyLocked replaces the confirmed copy with an authoritative one. Status
// never moves backward, and once a session is active or closed the first
// authoritative copy of that status wins.
func (s *Store) applyLocked(cs models.ChatSession) bool {
	if cs.Status != models.StatusWaiting {
		s.departed[cs.ID] = struct{}{}
		delete(s.queue, cs.ID)
	}
	e := s.entryLocked(cs.ID)
	if cur := e.confirmed; cur != nil {
		if cs.Status.Rank() < cur.Status.Rank() {
			return false
		}
		if cs.Status == cur.Status && cs.Status != models.StatusWaiting {
			e.provisional = nil
			return false
		}
	}
	cp := cs.Clone()
	e.confirmed = &cp
	e.provisional = nil
	return true
}

func (s *Store) applyAuthoritative(cs models.ChatSession) bool {
	if !cs.Status.Valid() {
		return false
	}
	s.mu.Lock()
	changed := s.applyLocked(cs)
	s.mu.Unlock()
	s.notify()
	return changed
}

// addWaiting puts a session on the advisor queue unless it is already there
// or known to have left the waiting state.
func (s *Store) addWaiting(cs models.ChatSession) bool {
	if cs.Status != models.StatusWaiting {
		return false
	}
	s.mu.Lock()
	if _, ok := s.queue[cs.ID]; ok {
		s.mu.Unlock()
		return false
	}
	if s.hasDepartedLocked(cs.ID) {
		s.mu.Unlock()
		return false
	}
	s.applyLocked(cs)
	s.queue[cs.ID] = struct{}{}
	s.mu.Unlock()
	s.notify()
	return true
}

// setWaiting replaces the queue with a freshly fetched list.
func (s *Store) setWaiting(list []models.ChatSession) {
	s.mu.Lock()
	for id := range s.queue {
		delete(s.queue, id)
	}
	for _, cs := range list {
		if cs.Status != models.StatusWaiting {
			continue
		}
		if s.hasDepartedLocked(cs.ID) {
			continue
		}
		s.applyLocked(cs)
		s.queue[cs.ID] = struct{}{}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) hasDepartedLocked(id uint64) bool {
	if _, ok := s.departed[id]; ok {
		return true
	}
	e, ok := s.sessions[id]
	return ok && e.confirmed != nil && e.confirmed.Status != models.StatusWaiting
}

// forget removes a session this identity is not involved in. It is only
// called once the session has left the waiting state.
func (s *Store) forget(id uint64) {
	s.mu.Lock()
	delete(s.sessions, id)
	delete(s.queue, id)
	s.departed[id] = struct{}{}
	s.mu.Unlock()
	s.notify()
}

// setProvisional overlays an optimistic copy. It refuses when the confirmed
// copy is already at or past the provisional status.
func (s *Store) setProvisional(cs models.ChatSession) bool {
	s.mu.Lock()
	e := s.entryLocked(cs.ID)
	if e.confirmed != nil && e.confirmed.Status.Rank() >= cs.Status.Rank() {
		s.mu.Unlock()
		return false
	}
	cp := cs.Clone()
	e.provisional = &cp
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Store) retractProvisional(id uint64) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		e.provisional = nil
		if e.confirmed == nil && len(e.messages) == 0 {
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// addMessage appends m once, keeping the transcript in server id order.
func (s *Store) addMessage(m models.Message) bool {
	s.mu.Lock()
	e := s.entryLocked(m.ChatSessionID)
	if _, dup := e.msgIDs[m.ID]; dup {
		s.mu.Unlock()
		return false
	}
	e.msgIDs[m.ID] = struct{}{}
	i := sort.Search(len(e.messages), func(i int) bool { return e.messages[i].ID > m.ID })
	e.messages = append(e.messages, models.Message{})
	copy(e.messages[i+1:], e.messages[i:])
	e.messages[i] = m.Clone()
	s.mu.Unlock()
	s.notify()
	return true
}

// markRead stamps read_at once on messages addressed to receiverID.
func (s *Store) markRead(sessionID, receiverID uint64, at time.Time) int {
	s.mu.Lock()
	n := 0
	if e, ok := s.sessions[sessionID]; ok {
		for i := range e.messages {
			m := &e.messages[i]
			if m.ReceiverID == receiverID && m.ReadAt == nil {
				t := at
				m.ReadAt = &t
				n++
			}
		}
	}
	s.mu.Unlock()
	if n > 0 {
		s.notify()
	}
	return n
}
