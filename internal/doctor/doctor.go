// Package doctor runs preflight checks for an agent deployment: credential
// material, sidecar files and relay connectivity, reported as a pass/fail
// list the operator can act on.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"marmot-chat/go-cli/internal/relay"
	"marmot-chat/go-cli/internal/signer"
)

type Input struct {
	DBPath   string
	Keyfile  string
	Callback string
	MinPeers int
}

type Check struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

type Report struct {
	Ready     bool      `json:"ready"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Run executes every applicable check. A missing credential source fails the
// report; optional inputs (keyfile, callback) are only checked when given.
func Run(node *relay.Node, input Input) Report {
	report := Report{
		Ready:     true,
		Checks:    make([]Check, 0, 8),
		CheckedAt: time.Now().UTC(),
	}
	appendCheck := func(name string, pass bool, reason string) {
		if pass {
			reason = ""
		}
		report.Checks = append(report.Checks, Check{Name: name, Pass: pass, Reason: reason})
		if !pass {
			report.Ready = false
		}
	}

	cfg, err := signer.LoadConfig(input.DBPath)
	switch {
	case err != nil:
		appendCheck("bunker_config_readable", false, err.Error())
	case cfg != nil:
		appendCheck("bunker_config_readable", true, "")
		appendCheck("bunker_config_private", filePermAtMost(signer.ConfigPath(input.DBPath), 0o600),
			"bunker config is readable by other users; chmod 600 it")
	default:
		hasKey := os.Getenv("MARMOT_KEY") != "" || input.Keyfile != ""
		appendCheck("credential_source_present", hasKey,
			"no bunker config, MARMOT_KEY or keyfile; run migrate-signer or init")
	}

	if input.Keyfile != "" {
		if _, err := os.Stat(input.Keyfile); err != nil {
			appendCheck("keyfile_present", false, err.Error())
		} else {
			appendCheck("keyfile_present", true, "")
			appendCheck("keyfile_private", filePermAtMost(input.Keyfile, 0o600),
				"keyfile is readable by other users; chmod 600 it")
		}
	}

	if input.Callback != "" {
		argv := strings.Fields(input.Callback)
		if _, err := exec.LookPath(argv[0]); err != nil {
			appendCheck("callback_resolvable", false, fmt.Sprintf("callback %q not found in PATH", argv[0]))
		} else {
			appendCheck("callback_resolvable", true, "")
		}
	}

	status := node.Status()
	connected := status.State == relay.StateConnected || status.State == relay.StateDegraded
	appendCheck("relay_connected", connected, fmt.Sprintf("relay state is %s", status.State))
	if connected && input.MinPeers > 0 {
		appendCheck("peer_count_min", status.PeerCount >= input.MinPeers,
			fmt.Sprintf("peer_count=%d < min_peers=%d", status.PeerCount, input.MinPeers))
	}
	return report
}

func filePermAtMost(path string, max os.FileMode) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&^max == 0
}
