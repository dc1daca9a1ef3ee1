package signer

import (
	"fmt"

	"marmot-chat/go-cli/internal/identity"
)

// Mode is the closed two-variant signing backend: exactly one of Local or
// Remote is set. A Signer keeps its mode for its whole lifetime; switching
// means constructing a new Signer (see Migrate).
type Mode struct {
	Local  *identity.Keys
	Remote *RemoteConfig
}

// ResolveMode picks the signing backend deterministically: an explicit
// bunker URI outranks an explicit key, which outranks a stored bunker
// config. Nothing at all is ErrNoCredential with guidance.
func ResolveMode(key, bunkerURI, dbPath string) (Mode, error) {
	if bunkerURI != "" {
		cfg, err := ParseBunkerURI(bunkerURI)
		if err != nil {
			return Mode{}, err
		}
		return Mode{Remote: cfg}, nil
	}

	if key != "" {
		keys, err := identity.ParseSecret(key)
		if err != nil {
			return Mode{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
		}
		return Mode{Local: keys}, nil
	}

	cfg, err := LoadConfig(dbPath)
	if err != nil {
		return Mode{}, err
	}
	if cfg != nil {
		return Mode{Remote: cfg}, nil
	}

	return Mode{}, fmt.Errorf(`%w; use one of:

  bunker mode (recommended for agents):
    marmot-cli --bunker "bunker://<pubkey>?relay=wss://...&secret=TOKEN" <command>

  direct key mode:
    set MARMOT_KEY, or pass --key "msec1..."

direct keys expose the secret in the process environment; long-running
agents should prefer bunker mode`, ErrNoCredential)
}
