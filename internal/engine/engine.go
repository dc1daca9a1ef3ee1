// Package engine defines the boundary to the group-messaging engine that
// implements the cryptographic group protocol (membership, encryption,
// ordering). This client only drives the engine; it never inspects or
// mutates group protocol state itself. All operations are expected to be
// idempotent against redelivery of previously seen input.
package engine

import (
	"errors"
	"time"

	"marmot-chat/go-cli/internal/event"
)

var ErrNotLinked = errors.New("no group engine linked in this build (build with -tags mdk_engine)")

// GroupState is the engine's view of one group. GroupID and WireID are two
// independent identifiers for the same logical group: GroupID names it inside
// the engine, WireID routes its traffic on relays (the "h" tag).
type GroupState struct {
	GroupID       []byte
	WireID        []byte
	Name          string
	Description   string
	Epoch         uint64
	Members       []string
	LastMessageAt *time.Time
}

// PendingWelcome is an invitation the engine has stored but the user has not
// explicitly accepted yet.
type PendingWelcome struct {
	EventID   string
	GroupName string
	GroupID   []byte
	Inviter   string
}

// GroupConfig carries creation parameters for a new group.
type GroupConfig struct {
	Name        string
	Description string
	Relays      []string
	Admins      []string
}

// WelcomeRumor is an unsigned invitation addressed to one invitee. The caller
// gift-wraps and publishes it; RecipientEncKey is the invitee's X25519 key
// taken from their key package.
type WelcomeRumor struct {
	Recipient       string
	RecipientEncKey []byte
	Rumor           event.Draft
}

type CreateGroupResult struct {
	Group         GroupState
	WelcomeRumors []WelcomeRumor
}

type ResultKind int

const (
	ResultApplicationMessage ResultKind = iota
	ResultCommit
	ResultUnprocessable
)

// ApplicationMessage is one decrypted chat message.
type ApplicationMessage struct {
	ID        string
	Sender    string
	Content   string
	CreatedAt time.Time
}

type MessageResult struct {
	Kind    ResultKind
	Message *ApplicationMessage
}

// Engine is the full collaborator contract consumed by this client.
type Engine interface {
	CreateKeyPackage(pubkey string, relays []string) (content string, tags [][]string, err error)
	CreateGroup(creator string, keyPackages []event.Event, cfg GroupConfig) (*CreateGroupResult, error)
	CreateMessage(groupID []byte, rumor event.Draft) (event.Event, error)
	ProcessWelcome(eventID string, rumor event.Draft) error
	ProcessMessage(ev event.Event) (MessageResult, error)
	GetWelcome(eventID string) (*PendingWelcome, error)
	AcceptWelcome(w *PendingWelcome) error
	GetGroups() ([]GroupState, error)
	GetPendingWelcomes() ([]PendingWelcome, error)
}
