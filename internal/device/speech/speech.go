// Package speech implements the spoken-feedback adapter.
//
// The real implementation synthesizes text through a Piper server speaking
// the Wyoming protocol over TCP, applies the configured volume to the PCM
// stream, wraps it in a WAV container, and pipes it to a local player
// command. The speech engine is a singleton resource: Say calls are
// serialized and no other component touches the endpoint or the player.
package speech

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hearthctl/hearth/internal/config"
	"github.com/hearthctl/hearth/internal/device"
	"github.com/hearthctl/hearth/internal/recovery"
)

// Speaker is the capability interface for spoken feedback.
type Speaker interface {
	// Say synthesizes and plays the given text, blocking until playback
	// is handed to the player. Failures degrade, they never crash a
	// session transition.
	Say(ctx context.Context, text string) device.Result

	// Close releases the speech engine.
	Close() error
}

// baselineRate is the words-per-minute rate that maps to a length scale of 1.
const baselineRate = 160

// Wyoming is a Speaker backed by a Piper Wyoming-protocol server.
type Wyoming struct {
	endpoint    string
	voice       string
	lengthScale float64
	volume      float64
	player      string
	policy      *recovery.Policy
	logger      *slog.Logger

	mu sync.Mutex // serializes synthesis and playback
}

// New creates a speaker from config, protected by the given policy.
func New(cfg config.VoiceConfig, policy *recovery.Policy) *Wyoming {
	endpoint := strings.TrimPrefix(cfg.Endpoint, "tcp://")

	scale := 1.0
	if cfg.Rate > 0 {
		scale = float64(baselineRate) / float64(cfg.Rate)
	}

	volume := cfg.Volume
	if volume <= 0 || volume > 1 {
		volume = 1.0
	}

	return &Wyoming{
		endpoint:    endpoint,
		voice:       cfg.Voice,
		lengthScale: scale,
		volume:      volume,
		player:      cfg.Player,
		policy:      policy,
		logger:      slog.With("component", "speech", "endpoint", endpoint),
	}
}

// Say synthesizes text and plays it through the configured player.
func (w *Wyoming) Say(ctx context.Context, text string) device.Result {
	if text == "" {
		return device.Success()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.policy.Execute(ctx, "say", func(ctx context.Context) error {
		pcm, sampleRate, channels, width, err := w.synthesize(ctx, text)
		if err != nil {
			return err
		}
		if w.volume < 1 {
			applyVolume(pcm, w.volume)
		}
		wav := pcmToWAV(pcm, sampleRate, channels, width)
		return w.play(ctx, wav)
	})
	if err != nil {
		w.logger.Error("speech failed", "text_length", len(text), "error", err)
		return device.FromError(err)
	}
	w.logger.Debug("spoke", "text_length", len(text))
	return device.Success()
}

// Close is a no-op since connections and player processes are per-call.
func (w *Wyoming) Close() error { return nil }

// Silent is a Speaker that discards all speech. Used when voice output
// is disabled in the configuration.
type Silent struct{}

func (Silent) Say(ctx context.Context, text string) device.Result { return device.Success() }
func (Silent) Close() error                                       { return nil }

// synthesize sends one synthesize event and collects the PCM response.
func (w *Wyoming) synthesize(ctx context.Context, text string) (pcm []byte, sampleRate, channels, width int, err error) {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", w.endpoint)
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("%w: connecting to speech engine: %v", device.ErrDeviceUnavailable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	synthEvent := wyomingEvent{
		Type: "synthesize",
		Data: map[string]any{
			"text": text,
			"voice": map[string]any{
				"name": w.voice,
			},
			"length_scale": w.lengthScale,
		},
	}
	if err := writeEvent(conn, synthEvent, nil); err != nil {
		return nil, 0, 0, 0, fmt.Errorf("%w: sending synthesize event: %v", device.ErrNetwork, err)
	}

	// Response events: audio-start → audio-chunk* → audio-stop
	var pcmBuf bytes.Buffer
	sampleRate, channels, width = 22050, 1, 2

	for {
		evt, payload, err := readEvent(conn)
		if err != nil {
			return nil, 0, 0, 0, fmt.Errorf("%w: reading speech event: %v", device.ErrNetwork, err)
		}

		switch evt.Type {
		case "audio-start":
			if rate, ok := evt.Data["rate"].(float64); ok {
				sampleRate = int(rate)
			}
			if ch, ok := evt.Data["channels"].(float64); ok {
				channels = int(ch)
			}
			if wd, ok := evt.Data["width"].(float64); ok {
				width = int(wd)
			}

		case "audio-chunk":
			if len(payload) > 0 {
				pcmBuf.Write(payload)
			}

		case "audio-stop":
			return pcmBuf.Bytes(), sampleRate, channels, width, nil

		case "error":
			msg := "unknown error"
			if text, ok := evt.Data["text"].(string); ok {
				msg = text
			}
			return nil, 0, 0, 0, fmt.Errorf("%w: speech engine: %s", device.ErrDeviceUnavailable, msg)

		default:
			w.logger.Debug("unknown speech event", "type", evt.Type)
		}
	}
}

// play pipes a WAV file to the configured player command.
func (w *Wyoming) play(ctx context.Context, wav []byte) error {
	cmd := exec.CommandContext(ctx, w.player)
	cmd.Stdin = bytes.NewReader(wav)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: player %q: %v: %s", device.ErrDeviceUnavailable, w.player, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// applyVolume scales 16-bit little-endian PCM samples in place.
func applyVolume(pcm []byte, volume float64) {
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		scaled := int32(float64(sample) * volume)
		if scaled > 32767 {
			scaled = 32767
		}
		if scaled < -32768 {
			scaled = -32768
		}
		pcm[i] = byte(uint16(scaled))
		pcm[i+1] = byte(uint16(scaled) >> 8)
	}
}
