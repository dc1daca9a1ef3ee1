// Package inbox drives the receive side: it pulls sealed envelopes and group
// traffic from relays, feeds them to the group engine, and hands decrypted
// messages to an optional callback process.
package inbox

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"marmot-chat/go-cli/internal/engine"
	"marmot-chat/go-cli/internal/event"
	"marmot-chat/go-cli/internal/identity"
	"marmot-chat/go-cli/internal/relay"
	"marmot-chat/go-cli/internal/signer"
	"marmot-chat/go-cli/pkg/models"
)

const (
	giftWrapFetchLimit = 100
	groupFetchLimit    = 50
	fetchTimeout       = 10 * time.Second
)

var (
	messagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marmot_inbox_messages_delivered_total",
		Help: "Application messages decrypted and delivered.",
	})
	welcomesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marmot_inbox_welcomes_processed_total",
		Help: "Welcome invitations processed into pending state.",
	})
	callbackFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marmot_inbox_callback_failures_total",
		Help: "Callback process invocations that failed.",
	})
)

// Pipeline is one receive loop over a fixed signer, engine and relay client.
// A callback runner may be nil, in which case delivered messages only appear
// in the pass report.
type Pipeline struct {
	signer   signer.Capability
	eng      engine.Engine
	relayc   relay.Client
	callback *CallbackRunner
	log      *slog.Logger
}

func NewPipeline(cap signer.Capability, eng engine.Engine, rc relay.Client, cb *CallbackRunner, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{signer: cap, eng: eng, relayc: rc, callback: cb, log: log}
}

// Pass runs one complete sync pass: unwrap sealed envelopes into welcomes,
// surface pending invitations, pull and process each group's traffic, then
// deliver decrypted messages to the callback. Individual event failures are
// logged and skipped; only infrastructure errors abort the pass.
func (p *Pipeline) Pass(ctx context.Context) (*models.SyncReport, error) {
	report := &models.SyncReport{}

	if err := p.processGiftWraps(ctx, report); err != nil {
		return nil, err
	}
	if err := p.collectPendingWelcomes(report); err != nil {
		return nil, err
	}
	if err := p.processGroupMessages(ctx, report); err != nil {
		return nil, err
	}
	p.deliverPayloads(ctx, report)
	return report, nil
}

// Listen runs passes at a fixed interval until the context is cancelled.
// A failed pass is logged and the next tick proceeds on schedule.
func (p *Pipeline) Listen(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	p.log.Info("listening for messages", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := p.Pass(ctx)
		if err != nil {
			p.log.Warn("sync pass failed", "error", err)
		} else if report.MessagesDelivered > 0 || report.WelcomesProcessed > 0 {
			p.log.Info("sync pass complete",
				"messages", report.MessagesDelivered,
				"welcomes", report.WelcomesProcessed)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) processGiftWraps(ctx context.Context, report *models.SyncReport) error {
	wraps, err := p.relayc.Fetch(ctx, event.Filter{
		Kinds:     []int{event.KindGiftWrap},
		Recipient: p.signer.Identity(),
		Limit:     giftWrapFetchLimit,
	}, fetchTimeout)
	if err != nil {
		return err
	}

	for _, wrap := range wraps {
		unwrapped, err := p.signer.Unwrap(ctx, wrap)
		if err != nil {
			p.log.Debug("skipping envelope", "event_id", wrap.ID, "error", err)
			continue
		}
		if unwrapped.Rumor.Kind != event.KindWelcome {
			p.log.Debug("ignoring non-welcome rumor", "event_id", wrap.ID, "kind", unwrapped.Rumor.Kind)
			continue
		}
		if err := p.eng.ProcessWelcome(wrap.ID, unwrapped.Rumor); err != nil {
			p.log.Debug("welcome not processed", "event_id", wrap.ID, "error", err)
			continue
		}
		welcomesProcessed.Inc()
		report.WelcomesProcessed++
	}
	return nil
}

func (p *Pipeline) collectPendingWelcomes(report *models.SyncReport) error {
	pending, err := p.eng.GetPendingWelcomes()
	if err != nil {
		return err
	}
	for _, w := range pending {
		report.PendingWelcomes = append(report.PendingWelcomes, models.WelcomeSummary{
			EventID:   w.EventID,
			GroupName: w.GroupName,
			GroupID:   hex.EncodeToString(w.GroupID),
			Inviter:   w.Inviter,
		})
	}
	return nil
}

func (p *Pipeline) processGroupMessages(ctx context.Context, report *models.SyncReport) error {
	groups, err := p.eng.GetGroups()
	if err != nil {
		return err
	}

	for _, g := range groups {
		events, err := p.relayc.Fetch(ctx, event.Filter{
			Kinds:     []int{event.KindGroupMessage},
			GroupWire: hex.EncodeToString(g.WireID),
			Limit:     groupFetchLimit,
		}, fetchTimeout)
		if err != nil {
			p.log.Warn("group fetch failed", "group", g.Name, "error", err)
			continue
		}

		for _, ev := range events {
			result, err := p.eng.ProcessMessage(ev)
			if err != nil {
				p.log.Debug("message not processed", "event_id", ev.ID, "error", err)
				continue
			}
			switch result.Kind {
			case engine.ResultApplicationMessage:
				if result.Message == nil {
					continue
				}
				messagesDelivered.Inc()
				report.MessagesDelivered++
				report.Payloads = append(report.Payloads, p.payloadFor(g, result.Message))
			case engine.ResultCommit:
				report.CommitsApplied++
			default:
				report.Unprocessable++
			}
		}
	}
	return nil
}

func (p *Pipeline) payloadFor(g engine.GroupState, msg *engine.ApplicationMessage) models.CallbackPayload {
	senderBech, err := identity.EncodePublicKey(msg.Sender)
	if err != nil {
		senderBech = msg.Sender
	}
	return models.CallbackPayload{
		MessageID:  msg.ID,
		GroupID:    hex.EncodeToString(g.GroupID),
		GroupName:  g.Name,
		Sender:     msg.Sender,
		SenderBech: senderBech,
		Content:    msg.Content,
		Timestamp:  msg.CreatedAt,
		Self:       msg.Sender == p.signer.Identity(),
	}
}

// deliverPayloads feeds each non-self message to the callback. Callback
// failures are counted and logged, never fatal: losing a notification must
// not stall message processing.
func (p *Pipeline) deliverPayloads(ctx context.Context, report *models.SyncReport) {
	if p.callback == nil {
		return
	}
	for _, payload := range report.Payloads {
		if payload.Self {
			continue
		}
		if err := p.callback.Deliver(ctx, payload); err != nil {
			callbackFailures.Inc()
			p.log.Warn("callback failed", "message_id", payload.MessageID, "error", err)
		}
	}
}
