package relayconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"marmot-chat/go-cli/internal/relay"

	"gopkg.in/yaml.v3"
)

type FileConfig struct {
	Network NetworkConfig `yaml:"network"`
}

type NetworkConfig struct {
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

// LoadFromPath reads the yaml config if present and layers env overrides on
// top of defaults. A missing or malformed file falls back to defaults; relay
// settings are tuning knobs, not credentials, so they never fail startup.
func LoadFromPath(configPath string) relay.Config {
	cfg := relay.DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates, "configs/config.yaml")
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merged := cfg
		Merge(&merged, parsed.Network)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *relay.Config, src NetworkConfig) {
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.RelayURLs != nil {
		dst.RelayURLs = src.RelayURLs
	}
	if src.MinPeers != 0 {
		dst.MinPeers = src.MinPeers
	}
	if src.StoreQueryFanout != 0 {
		dst.StoreQueryFanout = src.StoreQueryFanout
	}
	if src.ReconnectInterval != 0 {
		dst.ReconnectInterval = src.ReconnectInterval
	}
	if src.ReconnectBackoffMax != 0 {
		dst.ReconnectBackoffMax = src.ReconnectBackoffMax
	}
	if src.PublishRateLimit != 0 {
		dst.PublishRateLimit = src.PublishRateLimit
	}
	if src.PublishBurst != 0 {
		dst.PublishBurst = src.PublishBurst
	}
}

// AddRelayURLs appends urls the config does not already dial. Used to fold a
// bunker link's relay list into the session node so the remote signer is
// reachable even when the local relay config names different peers.
func AddRelayURLs(cfg *relay.Config, urls []string) {
	for _, u := range urls {
		if u = strings.TrimSpace(u); u == "" {
			continue
		}
		known := false
		for _, have := range cfg.RelayURLs {
			if have == u {
				known = true
				break
			}
		}
		if !known {
			cfg.RelayURLs = append(cfg.RelayURLs, u)
		}
	}
}

func ApplyEnvOverrides(cfg *relay.Config) {
	if transport := strings.TrimSpace(os.Getenv("MARMOT_NETWORK_TRANSPORT")); transport != "" {
		cfg.Transport = transport
	}
	if raw := strings.TrimSpace(os.Getenv("MARMOT_NETWORK_MIN_PEERS")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MinPeers = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("MARMOT_RELAY_URLS")); raw != "" {
		parts := strings.Split(raw, ",")
		urls := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				urls = append(urls, p)
			}
		}
		if len(urls) > 0 {
			cfg.RelayURLs = urls
		}
	}
}
