// Package enginefake is an in-memory engine stand-in for tests. It mimics the
// engine's contract shape, including rejection of redelivered input, without
// any real group cryptography.
package enginefake

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"marmot-chat/go-cli/internal/engine"
	"marmot-chat/go-cli/internal/event"
)

type Engine struct {
	mu        sync.Mutex
	groups    []engine.GroupState
	pending   map[string]engine.PendingWelcome
	processed map[string]struct{}
	seen      map[string]struct{}
}

var _ engine.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{
		pending:   make(map[string]engine.PendingWelcome),
		processed: make(map[string]struct{}),
		seen:      make(map[string]struct{}),
	}
}

// AddGroup seeds a group with random identifiers and returns its state.
func (e *Engine) AddGroup(name string) engine.GroupState {
	e.mu.Lock()
	defer e.mu.Unlock()
	g := engine.GroupState{
		GroupID: randomID(),
		WireID:  randomID(),
		Name:    name,
		Epoch:   1,
	}
	e.groups = append(e.groups, g)
	return g
}

// AddGroupWithIDs seeds a group with fixed identifiers, for prefix tests.
func (e *Engine) AddGroupWithIDs(name string, groupID, wireID []byte) engine.GroupState {
	e.mu.Lock()
	defer e.mu.Unlock()
	g := engine.GroupState{GroupID: groupID, WireID: wireID, Name: name, Epoch: 1}
	e.groups = append(e.groups, g)
	return g
}

func (e *Engine) CreateKeyPackage(pubkey string, relays []string) (string, [][]string, error) {
	tags := [][]string{{"relays"}}
	tags[0] = append(tags[0], relays...)
	return "keypkg:" + pubkey, tags, nil
}

func (e *Engine) CreateGroup(creator string, keyPackages []event.Event, cfg engine.GroupConfig) (*engine.CreateGroupResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	g := engine.GroupState{
		GroupID: randomID(),
		WireID:  randomID(),
		Name:    cfg.Name,
		Epoch:   1,
		Members: []string{creator},
	}
	welcomes := make([]engine.WelcomeRumor, 0, len(keyPackages))
	for _, pkg := range keyPackages {
		encKey, err := hex.DecodeString(pkg.FirstTag("enc"))
		if err != nil || len(encKey) != 32 {
			return nil, fmt.Errorf("key package %s has no encryption key", pkg.ID)
		}
		g.Members = append(g.Members, pkg.PubKey)
		welcomes = append(welcomes, engine.WelcomeRumor{
			Recipient:       pkg.PubKey,
			RecipientEncKey: encKey,
			Rumor: event.Draft{
				PubKey:    creator,
				CreatedAt: time.Now().Unix(),
				Kind:      event.KindWelcome,
				Content:   "welcome:" + cfg.Name,
			},
		})
	}
	e.groups = append(e.groups, g)
	return &engine.CreateGroupResult{Group: g, WelcomeRumors: welcomes}, nil
}

func (e *Engine) CreateMessage(groupID []byte, rumor event.Draft) (event.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.findGroup(groupID)
	if !ok {
		return event.Event{}, fmt.Errorf("unknown group %x", groupID)
	}
	// The fake does not encrypt; it just frames the rumor the way the engine
	// frames ciphertext, author hidden behind a tag.
	draft := event.Draft{
		PubKey:    rumor.PubKey,
		CreatedAt: rumor.CreatedAt,
		Kind:      event.KindGroupMessage,
		Tags:      [][]string{{"h", hex.EncodeToString(g.WireID)}, {"sender", rumor.PubKey}},
		Content:   rumor.Content,
	}
	id, err := draft.ID()
	if err != nil {
		return event.Event{}, err
	}
	return event.Event{
		ID:        id,
		PubKey:    draft.PubKey,
		CreatedAt: draft.CreatedAt,
		Kind:      draft.Kind,
		Tags:      draft.Tags,
		Content:   draft.Content,
		Sig:       "fake",
	}, nil
}

func (e *Engine) ProcessWelcome(eventID string, rumor event.Draft) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.seen[eventID]; ok {
		return fmt.Errorf("welcome %s already processed", eventID)
	}
	e.seen[eventID] = struct{}{}
	e.pending[eventID] = engine.PendingWelcome{
		EventID:   eventID,
		GroupName: rumor.Content,
		GroupID:   randomID(),
		Inviter:   rumor.PubKey,
	}
	return nil
}

func (e *Engine) ProcessMessage(ev event.Event) (engine.MessageResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.processed[ev.ID]; ok {
		return engine.MessageResult{}, fmt.Errorf("message %s already processed", ev.ID)
	}
	e.processed[ev.ID] = struct{}{}

	switch ev.Content {
	case "commit":
		return engine.MessageResult{Kind: engine.ResultCommit}, nil
	case "garbage":
		return engine.MessageResult{Kind: engine.ResultUnprocessable}, nil
	}
	sender := ev.FirstTag("sender")
	if sender == "" {
		sender = ev.PubKey
	}
	return engine.MessageResult{
		Kind: engine.ResultApplicationMessage,
		Message: &engine.ApplicationMessage{
			ID:        ev.ID,
			Sender:    sender,
			Content:   ev.Content,
			CreatedAt: time.Unix(ev.CreatedAt, 0),
		},
	}, nil
}

func (e *Engine) GetWelcome(eventID string) (*engine.PendingWelcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.pending[eventID]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (e *Engine) AcceptWelcome(w *engine.PendingWelcome) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[w.EventID]; !ok {
		return fmt.Errorf("welcome %s not pending", w.EventID)
	}
	delete(e.pending, w.EventID)
	e.groups = append(e.groups, engine.GroupState{
		GroupID: w.GroupID,
		WireID:  randomID(),
		Name:    w.GroupName,
		Epoch:   1,
	})
	return nil
}

func (e *Engine) GetGroups() ([]engine.GroupState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.GroupState, len(e.groups))
	copy(out, e.groups)
	return out, nil
}

func (e *Engine) GetPendingWelcomes() ([]engine.PendingWelcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.PendingWelcome, 0, len(e.pending))
	for _, w := range e.pending {
		out = append(out, w)
	}
	return out, nil
}

func (e *Engine) findGroup(groupID []byte) (engine.GroupState, bool) {
	want := hex.EncodeToString(groupID)
	for _, g := range e.groups {
		if hex.EncodeToString(g.GroupID) == want {
			return g, true
		}
	}
	return engine.GroupState{}, false
}

func randomID() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}
