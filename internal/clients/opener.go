package clients

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

// CommandOpener opens windows by running a desktop command (xdg-open, open)
// with the URL as its only argument.
type CommandOpener struct {
	Command string
}

func (o CommandOpener) Open(ctx context.Context, url string) error {
	if o.Command == "" {
		return fmt.Errorf("no open command configured")
	}
	cmd := exec.Command(o.Command, url)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("running %s: %w", o.Command, err)
	}
	// The launched browser outlives the request; reap the helper process
	// in the background.
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Warn("open command exited with error", "command", o.Command, "url", url, "error", err)
		}
	}()
	return nil
}
