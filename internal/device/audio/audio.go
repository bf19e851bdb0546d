// Package audio implements the music playback adapter.
//
// Playback shells out to a local player command (mpg123 by default). There
// is no fallback path: a failed playback is reported as a Result and control
// returns to the command loop.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hearthctl/hearth/internal/config"
	"github.com/hearthctl/hearth/internal/device"
	"github.com/hearthctl/hearth/internal/recovery"
)

// Player plays music files.
type Player interface {
	// Play plays the given file, or the configured default when file is
	// empty. Blocks until playback finishes or times out.
	Play(ctx context.Context, file string) device.Result
}

// playTimeout bounds a single playback so a wedged player process cannot
// hold the command loop forever.
const playTimeout = 5 * time.Minute

// Local is a Player backed by a local command.
type Local struct {
	defaultFile string
	command     string
	volume      int
	policy      *recovery.Policy
	logger      *slog.Logger
}

// New creates a player from config, protected by the given policy.
func New(cfg config.MusicConfig, policy *recovery.Policy) *Local {
	return &Local{
		defaultFile: cfg.DefaultFile,
		command:     cfg.Player,
		volume:      cfg.Volume,
		policy:      policy,
		logger:      slog.With("component", "audio", "player", cfg.Player),
	}
}

// playerArgs builds the player invocation. A configured volume is passed as
// an mpg123-style gain percentage; zero leaves the player's own default.
func (l *Local) playerArgs(file string) []string {
	args := []string{"-q"}
	if l.volume > 0 {
		args = append(args, "-g", strconv.Itoa(l.volume))
	}
	return append(args, file)
}

// Play plays a music file through the configured player command.
func (l *Local) Play(ctx context.Context, file string) device.Result {
	if file == "" {
		file = l.defaultFile
	}
	if _, err := os.Stat(file); err != nil {
		return device.Failure(device.KindUserInput, fmt.Sprintf("music file not found: %s", file))
	}

	err := l.policy.Execute(ctx, "play", func(ctx context.Context) error {
		playCtx, cancel := context.WithTimeout(ctx, playTimeout)
		defer cancel()

		cmd := exec.CommandContext(playCtx, l.command, l.playerArgs(file)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("%w: player %q: %v: %s", device.ErrDeviceUnavailable, l.command, err, strings.TrimSpace(string(out)))
		}
		return nil
	})
	if err != nil {
		l.logger.Error("playback failed", "file", file, "error", err)
		return device.FromError(err)
	}
	l.logger.Info("playback finished", "file", file)
	return device.Success()
}
