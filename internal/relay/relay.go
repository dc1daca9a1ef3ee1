package relay

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"marmot-chat/go-cli/internal/event"
	"marmot-chat/go-cli/internal/platform/ratelimiter"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var ErrNotConnected = errors.New("relay not connected")

// Client is the relay collaborator surface the rest of the client consumes:
// publish a signed event, fetch events matching a filter within a bounded
// wait. Implementations must never block past the fetch timeout.
type Client interface {
	Publish(ctx context.Context, ev event.Event) (int, error)
	Fetch(ctx context.Context, f event.Filter, timeout time.Duration) ([]event.Event, error)
}

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	RelayURLs           []string      `yaml:"relayUrls"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	PublishRateLimit    float64       `yaml:"publishRateLimit"`
	PublishBurst        int           `yaml:"publishBurst"`
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		MinPeers:            1,
		StoreQueryFanout:    3,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
		PublishRateLimit:    5,
		PublishBurst:        10,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.StoreQueryFanout <= 0 {
		cfg.StoreQueryFanout = def.StoreQueryFanout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	if cfg.PublishBurst <= 0 {
		cfg.PublishBurst = def.PublishBurst
	}
	return cfg
}

type Status struct {
	State     string
	PeerCount int
	LastSync  time.Time
}

// Node wraps the selected transport backend behind the Client interface. The
// go-waku backend is only present in builds with the real_waku tag; the mock
// transport shares an in-process bus so multiple nodes in one process can
// exchange events.
type Node struct {
	mu      sync.RWMutex
	cfg     Config
	status  Status
	gw      wakuBackend
	limiter *ratelimiter.MapLimiter
}

type wakuBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	Publish(ctx context.Context, ev event.Event) (int, error)
	Fetch(ctx context.Context, f event.Filter) ([]event.Event, error)
}

func NewNode(cfg Config) *Node {
	cfg = normalizeConfig(cfg)
	var limiter *ratelimiter.MapLimiter
	if cfg.PublishRateLimit > 0 {
		limiter = ratelimiter.New(cfg.PublishRateLimit, cfg.PublishBurst, 10*time.Minute)
	}
	return &Node{
		cfg:     cfg,
		status:  Status{State: StateDisconnected},
		limiter: limiter,
	}
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.status.State = StateConnecting
	n.mu.Unlock()

	if n.cfg.Transport == TransportGoWaku {
		backend := newGoWakuBackend()
		if backend == nil {
			n.setState(StateDisconnected, 0)
			return errors.New("go-waku backend is not available in this build")
		}
		if err := backend.Start(ctx, n.cfg); err != nil {
			n.setState(StateDisconnected, 0)
			return err
		}
		n.mu.Lock()
		n.gw = backend
		n.mu.Unlock()
		peerCount := backend.PeerCount()
		if peerCount >= n.cfg.MinPeers && n.cfg.MinPeers > 0 || n.cfg.MinPeers == 0 {
			n.setState(StateConnected, peerCount)
		} else {
			n.setState(StateDegraded, peerCount)
		}
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	n.setState(StateConnected, 1)
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	}
	n.status.State = StateDisconnected
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.gw != nil {
		s.PeerCount = n.gw.PeerCount()
	}
	return s
}

func (n *Node) Publish(ctx context.Context, ev event.Event) (int, error) {
	n.mu.RLock()
	state := n.status.State
	gw := n.gw
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return 0, ErrNotConnected
	}
	// Buckets are per event kind so a burst of chat messages cannot starve
	// signer round trips or key package publishes.
	if !n.limiter.Allow(strconv.Itoa(ev.Kind), time.Now()) {
		return 0, errors.New("publish rate limit exceeded")
	}
	if gw != nil {
		return gw.Publish(ctx, ev)
	}
	return globalBus.publish(ev), nil
}

func (n *Node) Fetch(ctx context.Context, f event.Filter, timeout time.Duration) ([]event.Event, error) {
	n.mu.RLock()
	state := n.status.State
	gw := n.gw
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if gw != nil {
		return gw.Fetch(fetchCtx, f)
	}
	return globalBus.fetch(f), nil
}

func (n *Node) setState(state string, peers int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status.State = state
	n.status.PeerCount = peers
	n.status.LastSync = time.Now()
}
