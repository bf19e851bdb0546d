// Package lights implements the smart light controller adapter.
//
// The real implementation speaks the Kasa smart bulb wire protocol: a TCP
// connection carrying length-prefixed JSON scrambled with an XOR autokey.
// The dispatcher only sees the Controller interface, so tests run against a
// fake with no hardware.
package lights

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/hearthctl/hearth/internal/config"
	"github.com/hearthctl/hearth/internal/device"
	"github.com/hearthctl/hearth/internal/recovery"
)

// Controller is the capability interface for smart lights.
type Controller interface {
	// TurnOn switches the lights on with the given brightness (0-100,
	// clamped) and a configured color name. Empty color keeps the current one.
	TurnOn(ctx context.Context, brightness int, color string) device.Result

	// TurnOff switches the lights off. Idempotent.
	TurnOff(ctx context.Context) device.Result

	// Colors returns the configured color names.
	Colors() []string
}

// Kasa is a Controller backed by a Kasa-protocol bulb at host:port.
type Kasa struct {
	addr   string
	colors map[string][]int
	policy *recovery.Policy
	logger *slog.Logger
}

// NewKasa creates a controller from config, protected by the given policy.
func NewKasa(cfg config.LightsConfig, policy *recovery.Policy) *Kasa {
	colors := make(map[string][]int, len(cfg.Colors))
	for name, hsv := range cfg.Colors {
		colors[strings.ToLower(name)] = hsv
	}
	return &Kasa{
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		colors: colors,
		policy: policy,
		logger: slog.With("component", "lights", "addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
	}
}

// lightState is the transition_light_state payload.
type lightState struct {
	OnOff      int  `json:"on_off"`
	Brightness *int `json:"brightness,omitempty"`
	Hue        *int `json:"hue,omitempty"`
	Saturation *int `json:"saturation,omitempty"`
	ColorTemp  *int `json:"color_temp,omitempty"`
}

// TurnOn switches the bulb on, then applies brightness and color.
func (k *Kasa) TurnOn(ctx context.Context, brightness int, color string) device.Result {
	state := lightState{OnOff: 1}

	b := clampBrightness(brightness)
	state.Brightness = &b

	if color != "" {
		hsv, ok := k.colors[strings.ToLower(color)]
		if !ok {
			return device.Failure(device.KindUserInput, fmt.Sprintf("unknown color %q", color))
		}
		zero := 0
		state.Hue = &hsv[0]
		state.Saturation = &hsv[1]
		state.ColorTemp = &zero
	}

	err := k.policy.Execute(ctx, "turn_on", func(ctx context.Context) error {
		return k.transition(ctx, state)
	})
	if err != nil {
		k.logger.Error("turn on failed", "error", err)
		return device.FromError(err)
	}
	k.logger.Info("lights on", "brightness", b, "color", color)
	return device.Success()
}

// TurnOff switches the bulb off. Turning off an already-off bulb succeeds.
func (k *Kasa) TurnOff(ctx context.Context) device.Result {
	err := k.policy.Execute(ctx, "turn_off", func(ctx context.Context) error {
		return k.transition(ctx, lightState{OnOff: 0})
	})
	if err != nil {
		k.logger.Error("turn off failed", "error", err)
		return device.FromError(err)
	}
	k.logger.Info("lights off")
	return device.Success()
}

// Colors returns the configured color names.
func (k *Kasa) Colors() []string {
	names := make([]string, 0, len(k.colors))
	for name := range k.colors {
		names = append(names, name)
	}
	return names
}

// transition sends one transition_light_state command and checks the reply.
func (k *Kasa) transition(ctx context.Context, state lightState) error {
	req := map[string]any{
		"smartlife.iot.smartbulb.lightingservice": map[string]any{
			"transition_light_state": state,
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshalling light command: %w", err)
	}

	reply, err := k.roundTrip(ctx, payload)
	if err != nil {
		return err
	}

	var resp struct {
		Service struct {
			Transition struct {
				ErrCode int    `json:"err_code"`
				ErrMsg  string `json:"err_msg"`
			} `json:"transition_light_state"`
		} `json:"smartlife.iot.smartbulb.lightingservice"`
	}
	if err := json.Unmarshal(reply, &resp); err != nil {
		return fmt.Errorf("%w: malformed reply: %v", device.ErrDeviceUnavailable, err)
	}
	if code := resp.Service.Transition.ErrCode; code != 0 {
		return fmt.Errorf("%w: bulb error %d: %s", device.ErrDeviceUnavailable, code, resp.Service.Transition.ErrMsg)
	}
	return nil
}

// roundTrip sends one scrambled frame and reads the scrambled reply.
func (k *Kasa) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", k.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to bulb: %v", device.ErrDeviceUnavailable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	if _, err := conn.Write(EncodeFrame(payload)); err != nil {
		return nil, fmt.Errorf("%w: writing command: %v", device.ErrNetwork, err)
	}

	reply, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: reading reply: %v", device.ErrNetwork, err)
	}
	return reply, nil
}

func clampBrightness(b int) int {
	if b < 0 {
		return 0
	}
	if b > 100 {
		return 100
	}
	return b
}
