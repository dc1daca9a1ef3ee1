//go:build real_waku

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	legacyStore "github.com/waku-org/go-waku/waku/v2/protocol/legacy_store"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"

	"marmot-chat/go-cli/internal/event"
)

const (
	eventsPubsubTopic  = "/waku/2/default-waku/proto"
	eventsContentTopic = "/marmot-chat/1/events/json"
)

type goWakuNode struct {
	mu        sync.RWMutex
	node      *wakuNode.WakuNode
	cfg       Config
	relayURLs []string
}

func newGoWakuBackend() wakuBackend {
	return &goWakuNode{}
}

func (g *goWakuNode) Start(ctx context.Context, cfg Config) error {
	opts := make([]wakuNode.WakuNodeOption, 0)
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	opts = append(opts, wakuNode.WithHostAddress(hostAddr), wakuNode.WithWakuRelay(), wakuNode.WithLightPush())

	provider, err := newInMemoryMessageProvider()
	if err != nil {
		return err
	}
	opts = append(opts, wakuNode.WithMessageProvider(provider), wakuNode.WithWakuStore())

	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	for _, addr := range cfg.RelayURLs {
		if err := node.DialPeer(ctx, addr); err != nil {
			slog.Warn("relay dial failed", "peer_addr", addr, "reason", err.Error())
		}
	}

	g.mu.Lock()
	g.node = node
	g.cfg = cfg
	g.relayURLs = append([]string(nil), cfg.RelayURLs...)
	g.mu.Unlock()
	return nil
}

func (g *goWakuNode) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *goWakuNode) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}

func (g *goWakuNode) Publish(ctx context.Context, ev event.Event) (int, error) {
	g.mu.RLock()
	node := g.node
	g.mu.RUnlock()
	if node == nil {
		return 0, errors.New("go-waku node is nil")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: eventsContentTopic,
		Timestamp:    &ts,
	}
	if _, err := node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(eventsPubsubTopic)); err != nil {
		return 0, err
	}
	return node.PeerCount(), nil
}

func (g *goWakuNode) Fetch(ctx context.Context, f event.Filter) ([]event.Event, error) {
	g.mu.RLock()
	node := g.node
	relayURLs := append([]string(nil), g.relayURLs...)
	fanout := g.cfg.StoreQueryFanout
	g.mu.RUnlock()
	if node == nil {
		return nil, errors.New("go-waku node is nil")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if fanout <= 0 {
		fanout = 1
	}

	start := int64(0)
	if !f.Since.IsZero() {
		start = f.Since.UnixNano()
	}
	end := time.Now().UnixNano()
	criteria := legacyStore.Query{
		PubsubTopic:   eventsPubsubTopic,
		ContentTopics: []string{eventsContentTopic},
		StartTime:     &start,
		EndTime:       &end,
	}
	baseOpts := []legacyStore.HistoryRequestOption{legacyStore.WithPaging(true, uint64(limit))}

	type queryCandidate struct {
		opts     []legacyStore.HistoryRequestOption
		peerAddr string
	}
	candidates := make([]queryCandidate, 0, fanout+1)
	seen := make(map[string]struct{}, len(relayURLs))
	for _, addr := range relayURLs {
		if len(candidates) >= fanout {
			break
		}
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		peerAddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			continue
		}
		opts := append([]legacyStore.HistoryRequestOption{}, baseOpts...)
		opts = append(opts, legacyStore.WithPeerAddr(peerAddr))
		candidates = append(candidates, queryCandidate{opts: opts, peerAddr: addr})
	}
	// Last attempt without pinning a peer so go-waku can pick any it knows.
	candidates = append(candidates, queryCandidate{
		opts:     append([]legacyStore.HistoryRequestOption{}, baseOpts...),
		peerAddr: "auto",
	})

	var (
		result  *legacyStore.Result
		err     error
		lastErr error
	)
	for i, candidate := range candidates {
		result, err = node.LegacyStore().Query(ctx, criteria, candidate.opts...)
		if err == nil {
			if i > 0 {
				slog.Info("store query recovered via failover", "attempt", i+1)
			}
			break
		}
		slog.Warn("store query attempt failed", "peer_addr", candidate.peerAddr, "attempt", i+1, "reason", err.Error())
		lastErr = err
	}
	if err != nil {
		return nil, lastErr
	}

	byID := map[string]event.Event{}
	order := make([]string, 0, limit)
	consume := func() {
		for _, wm := range result.Messages {
			if wm == nil {
				continue
			}
			var ev event.Event
			if err := json.Unmarshal(wm.Payload, &ev); err != nil {
				continue
			}
			if !f.Matches(ev) {
				continue
			}
			if _, exists := byID[ev.ID]; exists {
				continue
			}
			byID[ev.ID] = ev
			order = append(order, ev.ID)
		}
	}
	consume()
	for !result.IsComplete() && len(order) < limit {
		result, err = node.LegacyStore().Next(ctx, result)
		if err != nil {
			return nil, err
		}
		consume()
	}

	// Deterministic order when pages arrive from mixed peers.
	sort.Strings(order)
	if len(order) > limit {
		order = order[:limit]
	}
	out := make([]event.Event, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

func newInMemoryMessageProvider() (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	return persistence.NewDBStore(
		prometheus.DefaultRegisterer,
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
}
