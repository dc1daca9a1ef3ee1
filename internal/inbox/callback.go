package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"marmot-chat/go-cli/pkg/models"
)

const callbackTimeout = 30 * time.Second

// CallbackRunner invokes an external process once per delivered message,
// writing the payload as JSON to the process's stdin. The command string is
// split on whitespace; the first field is the executable.
type CallbackRunner struct {
	argv []string
}

func NewCallbackRunner(command string) (*CallbackRunner, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.New("empty callback command")
	}
	return &CallbackRunner{argv: argv}, nil
}

func (r *CallbackRunner) Deliver(ctx context.Context, payload models.CallbackPayload) error {
	doc, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	cmd.Stdin = bytes.NewReader(doc)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("callback %s: %w: %s", r.argv[0], err, strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("callback %s: %w", r.argv[0], err)
	}
	return nil
}
