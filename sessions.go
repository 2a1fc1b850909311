package docqa

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/brunobiangulo/docqa/llm"
	"github.com/brunobiangulo/docqa/reasoning"
	"github.com/brunobiangulo/docqa/store"
)

// session owns one conversation. mu serializes questions so a session's
// history is never mutated concurrently.
type session struct {
	mu   sync.Mutex
	id   string
	conv *reasoning.Conversation
}

// sessions is the registry of live conversations. When a store is attached
// turns are written through and a session unknown to memory is restored
// from it on first use.
type sessions struct {
	mu       sync.Mutex
	byID     map[string]*session
	cap      int
	greeting string
	store    *store.Store
}

func newSessions(cap int, greeting string, st *store.Store) *sessions {
	return &sessions{
		byID:     make(map[string]*session),
		cap:      cap,
		greeting: greeting,
		store:    st,
	}
}

// seed returns a conversation opening with the canned greeting.
func (r *sessions) seed() *reasoning.Conversation {
	conv := reasoning.NewConversation(r.cap)
	if r.greeting != "" {
		conv.Append(llm.RoleAssistant, r.greeting)
	}
	return conv
}

// create registers a fresh session under a new random ID.
func (r *sessions) create() *session {
	s := &session{id: uuid.NewString(), conv: r.seed()}
	r.mu.Lock()
	r.byID[s.id] = s
	r.mu.Unlock()
	return s
}

// get returns the session for id. A session missing from memory is restored
// from the store when it has persisted turns; otherwise it is created when
// create is set and reported missing when it is not.
func (r *sessions) get(ctx context.Context, id string, create bool) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		return s, true
	}

	conv := r.seed()
	restored := false
	if r.store != nil {
		turns, err := r.store.Turns(ctx, id, r.cap)
		if err != nil {
			slog.Warn("docqa: restoring session failed", "session", id, "error", err)
		}
		for _, t := range turns {
			conv.Append(t.Role, t.Text)
		}
		restored = len(turns) > 0
	}
	if !restored && !create {
		return nil, false
	}
	s := &session{id: id, conv: conv}
	r.byID[id] = s
	return s, true
}

// drop forgets a session and its persisted turns. It reports whether the
// session was known.
func (r *sessions) drop(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	_, known := r.byID[id]
	delete(r.byID, id)
	r.mu.Unlock()

	if r.store != nil {
		n, err := r.store.Turns(ctx, id, 1)
		if err != nil {
			return known, err
		}
		known = known || len(n) > 0
		if err := r.store.ClearTurns(ctx, id); err != nil {
			return known, err
		}
	}
	return known, nil
}

// persist writes turns of s to the store, if one is attached.
func (r *sessions) persist(ctx context.Context, s *session, turns ...reasoning.Turn) {
	if r.store == nil {
		return
	}
	for _, t := range turns {
		if err := r.store.AppendTurn(ctx, s.id, t); err != nil {
			slog.Warn("docqa: persisting turn failed", "session", s.id, "error", err)
			return
		}
	}
}

// len returns the number of sessions held in memory.
func (r *sessions) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
