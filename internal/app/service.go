// Package app implements the CLI's operations on top of the signer, the
// group engine and the relay client. Each method is one user-visible command;
// printing is left to the caller.
package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"marmot-chat/go-cli/internal/engine"
	"marmot-chat/go-cli/internal/event"
	"marmot-chat/go-cli/internal/groups"
	"marmot-chat/go-cli/internal/identity"
	"marmot-chat/go-cli/internal/inbox"
	"marmot-chat/go-cli/internal/relay"
	"marmot-chat/go-cli/internal/signer"
	"marmot-chat/go-cli/pkg/models"
)

const keyPackageFetchTimeout = 10 * time.Second

// Service wires one authenticated session's collaborators together.
type Service struct {
	Signer signer.Capability
	Engine engine.Engine
	Relay  relay.Client
	Relays []string
	DBPath string
	Log    *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Whoami reports the active identity and signing backend.
func (s *Service) Whoami() (models.SignerStatus, error) {
	pub := s.Signer.Identity()
	bech, err := identity.EncodePublicKey(pub)
	if err != nil {
		bech = pub
	}
	status := models.SignerStatus{
		Mode:       s.Signer.ModeDescription(),
		PubKey:     pub,
		PubKeyBech: bech,
		Remote:     s.Signer.IsRemote(),
	}
	if s.Signer.IsRemote() {
		cfg, err := signer.LoadConfig(s.DBPath)
		if err == nil && cfg != nil {
			status.SignerPubKey = cfg.RemoteSignerPubKey
			status.Relays = cfg.Relays
			status.LastConnected = cfg.LastConnected
			status.ConfigPath = signer.ConfigPath(s.DBPath)
		}
	}
	return status, nil
}

// PublishKeyPackage announces this identity's key material so others can
// invite it to groups. The encryption key rides in an "enc" tag so senders
// can seal welcomes without any prior contact.
func (s *Service) PublishKeyPackage(ctx context.Context) (string, error) {
	content, tags, err := s.Engine.CreateKeyPackage(s.Signer.Identity(), s.Relays)
	if err != nil {
		return "", fmt.Errorf("create key package: %w", err)
	}

	draft := event.NewDraft(s.Signer.Identity(), event.KindKeyPackage, content)
	draft.Tags = tags
	draft = draft.WithTag("enc", hex.EncodeToString(s.Signer.EncryptionPublicKey()))

	ev, err := s.Signer.SignEvent(ctx, draft)
	if err != nil {
		return "", err
	}
	if _, err := s.Relay.Publish(ctx, ev); err != nil {
		return "", fmt.Errorf("publish key package: %w", err)
	}
	return ev.ID, nil
}

// FetchKeyPackage retrieves the latest published key package for a public
// key given in marmot1 or hex form.
func (s *Service) FetchKeyPackage(ctx context.Context, pubkey string) (*event.Event, error) {
	canonical, err := identity.DecodePublicKey(pubkey)
	if err != nil {
		return nil, err
	}
	events, err := s.Relay.Fetch(ctx, event.Filter{
		Kinds:   []int{event.KindKeyPackage},
		Authors: []string{canonical},
		Limit:   1,
	}, keyPackageFetchTimeout)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no key package found for %s; ask them to run publish-key-package", pubkey)
	}
	return &events[0], nil
}

// ChatCreated reports a newly created group and its delivered invitations.
type ChatCreated struct {
	GroupID  string
	WireID   string
	Name     string
	Welcomes int
}

// CreateChat builds a new group around the invitees' key packages, then
// seals and publishes one welcome per invitee. Welcomes are wrapped
// sequentially; each wrap may be a remote signing round trip.
func (s *Service) CreateChat(ctx context.Context, name, description string, invitees []string) (*ChatCreated, error) {
	if len(invitees) == 0 {
		return nil, fmt.Errorf("create-chat needs at least one invitee public key")
	}

	keyPackages := make([]event.Event, 0, len(invitees))
	for _, invitee := range invitees {
		pkg, err := s.FetchKeyPackage(ctx, invitee)
		if err != nil {
			return nil, err
		}
		keyPackages = append(keyPackages, *pkg)
	}

	result, err := s.Engine.CreateGroup(s.Signer.Identity(), keyPackages, engine.GroupConfig{
		Name:        name,
		Description: description,
		Relays:      s.Relays,
		Admins:      []string{s.Signer.Identity()},
	})
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}

	delivered := 0
	for _, welcome := range result.WelcomeRumors {
		wrapped, err := s.Signer.WrapFor(ctx, welcome.Recipient, welcome.RecipientEncKey, welcome.Rumor)
		if err != nil {
			return nil, fmt.Errorf("wrap welcome for %s: %w", welcome.Recipient, err)
		}
		if _, err := s.Relay.Publish(ctx, wrapped); err != nil {
			return nil, fmt.Errorf("publish welcome for %s: %w", welcome.Recipient, err)
		}
		delivered++
	}

	s.logger().Info("chat created",
		"group_id", hex.EncodeToString(result.Group.GroupID),
		"welcomes", delivered)
	return &ChatCreated{
		GroupID:  hex.EncodeToString(result.Group.GroupID),
		WireID:   hex.EncodeToString(result.Group.WireID),
		Name:     result.Group.Name,
		Welcomes: delivered,
	}, nil
}

// ListChats returns every group the engine knows about.
func (s *Service) ListChats() ([]models.ChatSummary, error) {
	states, err := s.Engine.GetGroups()
	if err != nil {
		return nil, err
	}
	summaries := make([]models.ChatSummary, 0, len(states))
	for _, g := range states {
		summaries = append(summaries, models.ChatSummary{
			GroupID:       hex.EncodeToString(g.GroupID),
			WireID:        hex.EncodeToString(g.WireID),
			Name:          g.Name,
			Description:   g.Description,
			Epoch:         g.Epoch,
			MemberCount:   len(g.Members),
			LastMessageAt: g.LastMessageAt,
		})
	}
	return summaries, nil
}

// Send encrypts one chat message into the group identified by prefix and
// publishes it.
func (s *Service) Send(ctx context.Context, groupPrefix, text string) (string, error) {
	handle, err := groups.NewResolver(s.Engine).Resolve(groupPrefix)
	if err != nil {
		return "", err
	}

	rumor := event.NewDraft(s.Signer.Identity(), event.KindChat, text)
	ev, err := s.Engine.CreateMessage(handle.GroupID(), rumor)
	if err != nil {
		return "", fmt.Errorf("encrypt message: %w", err)
	}
	if _, err := s.Relay.Publish(ctx, ev); err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return ev.ID, nil
}

// Receive runs one sync pass and returns its report.
func (s *Service) Receive(ctx context.Context, callback string) (*models.SyncReport, error) {
	pipeline, err := s.pipeline(callback)
	if err != nil {
		return nil, err
	}
	return pipeline.Pass(ctx)
}

// Listen runs sync passes at a fixed interval until the context ends.
func (s *Service) Listen(ctx context.Context, interval time.Duration, callback string) error {
	pipeline, err := s.pipeline(callback)
	if err != nil {
		return err
	}
	return pipeline.Listen(ctx, interval)
}

func (s *Service) pipeline(callback string) (*inbox.Pipeline, error) {
	var runner *inbox.CallbackRunner
	if callback != "" {
		var err error
		if runner, err = inbox.NewCallbackRunner(callback); err != nil {
			return nil, err
		}
	}
	return inbox.NewPipeline(s.Signer, s.Engine, s.Relay, runner, s.logger()), nil
}

// AcceptWelcome joins the group behind a pending invitation.
func (s *Service) AcceptWelcome(eventID string) (*models.WelcomeSummary, error) {
	welcome, err := s.Engine.GetWelcome(eventID)
	if err != nil {
		return nil, fmt.Errorf("look up welcome %s: %w", eventID, err)
	}
	if welcome == nil {
		return nil, fmt.Errorf("no pending welcome with id %s; run receive to fetch invitations", eventID)
	}
	if err := s.Engine.AcceptWelcome(welcome); err != nil {
		return nil, fmt.Errorf("accept welcome: %w", err)
	}
	return &models.WelcomeSummary{
		EventID:   welcome.EventID,
		GroupName: welcome.GroupName,
		GroupID:   hex.EncodeToString(welcome.GroupID),
		Inviter:   welcome.Inviter,
	}, nil
}
