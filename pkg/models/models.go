// Package models holds the wire shapes exposed to external consumers: the
// JSON documents fed to callback processes and printed by machine-readable
// CLI output.
package models

import "time"

// CallbackPayload is the document written to a callback process's stdin,
// one invocation per delivered message. Sender carries the canonical hex
// form, SenderBech the human-readable encoding of the same key.
type CallbackPayload struct {
	MessageID  string    `json:"message_id"`
	GroupID    string    `json:"group_id"`
	GroupName  string    `json:"group_name"`
	Sender     string    `json:"sender"`
	SenderBech string    `json:"sender_bech"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Self       bool      `json:"self"`
}

// ChatSummary is one row of list-chats output.
type ChatSummary struct {
	GroupID       string     `json:"group_id"`
	WireID        string     `json:"wire_id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Epoch         uint64     `json:"epoch"`
	MemberCount   int        `json:"member_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// WelcomeSummary is one pending invitation as shown to the user.
type WelcomeSummary struct {
	EventID   string `json:"event_id"`
	GroupName string `json:"group_name"`
	GroupID   string `json:"group_id"`
	Inviter   string `json:"inviter"`
}

// SignerStatus reports which credential backend is active.
type SignerStatus struct {
	Mode          string     `json:"mode"`
	PubKey        string     `json:"pubkey"`
	PubKeyBech    string     `json:"pubkey_bech"`
	Remote        bool       `json:"remote"`
	SignerPubKey  string     `json:"signer_pubkey,omitempty"`
	Relays        []string   `json:"relays,omitempty"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
	ConfigPath    string     `json:"config_path,omitempty"`
}

// SyncReport summarizes one inbox pass.
type SyncReport struct {
	WelcomesProcessed int               `json:"welcomes_processed"`
	PendingWelcomes   []WelcomeSummary  `json:"pending_welcomes"`
	MessagesDelivered int               `json:"messages_delivered"`
	CommitsApplied    int               `json:"commits_applied"`
	Unprocessable     int               `json:"unprocessable"`
	Payloads          []CallbackPayload `json:"payloads,omitempty"`
}
