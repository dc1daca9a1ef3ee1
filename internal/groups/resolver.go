// Package groups resolves user-supplied group identifiers against the
// engine's group list. Users type hex prefixes; the resolver insists the
// prefix is unambiguous before any operation proceeds.
package groups

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"marmot-chat/go-cli/internal/engine"
)

var (
	ErrGroupNotFound  = errors.New("group not found")
	ErrAmbiguousGroup = errors.New("ambiguous group identifier")
)

// Handle is a resolved reference to one group, carrying both identifiers so
// callers can address the engine and the relay without a second lookup.
type Handle struct {
	State engine.GroupState
}

func (h Handle) GroupID() []byte { return h.State.GroupID }

// WireHex is the relay routing identifier ("h" tag value).
func (h Handle) WireHex() string { return hex.EncodeToString(h.State.WireID) }

func (h Handle) IDHex() string { return hex.EncodeToString(h.State.GroupID) }

type Resolver struct {
	eng engine.Engine
}

func NewResolver(eng engine.Engine) *Resolver {
	return &Resolver{eng: eng}
}

// Resolve matches a case-insensitive hex prefix against every group's engine
// identifier and wire identifier. Exactly one matching group resolves;
// anything else is an error the caller can show verbatim.
func (r *Resolver) Resolve(prefix string) (Handle, error) {
	groups, err := r.eng.GetGroups()
	if err != nil {
		return Handle{}, fmt.Errorf("list groups: %w", err)
	}
	return ResolveIn(groups, prefix)
}

// ResolveIn is the pure matching core, usable against an already-fetched
// group list.
func ResolveIn(groups []engine.GroupState, prefix string) (Handle, error) {
	needle := strings.ToLower(strings.TrimSpace(prefix))
	if needle == "" {
		return Handle{}, fmt.Errorf("%w: empty group identifier", ErrGroupNotFound)
	}

	var matches []engine.GroupState
	for _, g := range groups {
		idHex := hex.EncodeToString(g.GroupID)
		wireHex := hex.EncodeToString(g.WireID)
		if strings.HasPrefix(idHex, needle) || strings.HasPrefix(wireHex, needle) {
			matches = append(matches, g)
		}
	}

	switch len(matches) {
	case 0:
		return Handle{}, fmt.Errorf("%w: no group matches %q; run list-chats to see available groups", ErrGroupNotFound, prefix)
	case 1:
		return Handle{State: matches[0]}, nil
	default:
		var sb strings.Builder
		for _, g := range matches {
			name := g.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Fprintf(&sb, "\n  %s  %s", hex.EncodeToString(g.GroupID), name)
		}
		return Handle{}, fmt.Errorf("%w: %q matches %d groups, use a longer prefix:%s",
			ErrAmbiguousGroup, prefix, len(matches), sb.String())
	}
}
