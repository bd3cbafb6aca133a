package bridge

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/goodtune/unlockd/internal/foreground"
)

// CommandProber asks a shell command for the current foreground
// application. The command prints the identifier on stdout.
type CommandProber struct {
	command string
}

// NewCommandProber creates a prober, or returns nil when command is empty
func NewCommandProber(command string) *CommandProber {
	if strings.TrimSpace(command) == "" {
		return nil
	}
	return &CommandProber{command: command}
}

// Probe implements foreground.Prober
func (p *CommandProber) Probe(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", p.command).Output()
	if err != nil {
		return "", fmt.Errorf("probe command failed: %w", err)
	}

	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", foreground.ErrUnknownForeground
	}
	return fields[0], nil
}
