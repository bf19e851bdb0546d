// Package dispatch implements the interactive command loop.
//
// The dispatcher prompts the logged-in user for commands and routes them to
// the device adapters. It never talks to hardware directly and it never
// crashes on bad input: unrecognized commands re-prompt, malformed arguments
// re-prompt a bounded number of times, and adapter failures come back as
// results, not panics. A pending prompt is interruptible: when the session
// manager logs the user out, the loop abandons the prompt and goes back to
// waiting for the next login.
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hearthctl/hearth/internal/device"
	"github.com/hearthctl/hearth/internal/device/lights"
	"github.com/hearthctl/hearth/internal/device/weather"
	"github.com/hearthctl/hearth/internal/session"
)

// maxAttempts bounds re-prompts for a malformed sub-command argument
// before the flow gives up gracefully.
const maxAttempts = 3

// errInterrupted aborts a pending prompt because the session ended.
var errInterrupted = errors.New("prompt interrupted")

// Weather is the slice of the weather client the dispatcher needs.
type Weather interface {
	Lookup(ctx context.Context, metric weather.Metric) (string, device.Result)
	City() string
}

// Music is the slice of the audio player the dispatcher needs.
type Music interface {
	Play(ctx context.Context, file string) device.Result
}

// Speaker is the slice of the speech adapter the dispatcher needs.
type Speaker interface {
	Say(ctx context.Context, text string) device.Result
}

// Dispatcher runs the command loop against the active session.
type Dispatcher struct {
	sessions          *session.Manager
	lights            lights.Controller
	weather           Weather
	music             Music
	speaker           Speaker
	defaultBrightness int

	lines  <-chan string
	out    io.Writer
	logger *slog.Logger
}

// New creates a dispatcher reading commands from in and writing prompts and
// responses to out.
func New(sessions *session.Manager, lc lights.Controller, wc Weather, mp Music, sp Speaker, defaultBrightness int, in io.Reader, out io.Writer) *Dispatcher {
	return &Dispatcher{
		sessions:          sessions,
		lights:            lc,
		weather:           wc,
		music:             mp,
		speaker:           sp,
		defaultBrightness: defaultBrightness,
		lines:             readLines(in),
		out:               out,
		logger:            slog.With("component", "dispatch"),
	}
}

// readLines feeds input lines to a channel so a pending read never pins the
// loop: the channel can be raced against session events and shutdown.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

// Run blocks until the context is cancelled or input is exhausted, serving
// one session at a time.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		// Wait for someone to log in.
		var user string
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-d.sessions.Events():
			if !ok {
				return
			}
			if evt.Type != session.EventLoggedIn {
				continue
			}
			user = evt.User
		}

		if !d.serve(ctx, user) {
			return
		}
	}
}

// serve runs the prompt loop for one session. Returns false when the
// dispatcher should stop entirely (shutdown or closed input).
func (d *Dispatcher) serve(ctx context.Context, user string) bool {
	for {
		fmt.Fprintf(d.out, "Hi %s. What would you like to do? ", user)

		select {
		case <-ctx.Done():
			return false

		case evt, ok := <-d.sessions.Events():
			if !ok {
				return false
			}
			if evt.Type == session.EventLoggedOut {
				fmt.Fprintf(d.out, "\nSession ended: %s\n", evt.Reason)
				return true
			}
			// A new login while serving: switch to the new user.
			user = evt.User

		case line, ok := <-d.lines:
			if !ok {
				d.logger.Info("input stream closed, stopping command loop")
				return false
			}
			if err := d.handle(ctx, strings.ToLower(strings.TrimSpace(line))); err != nil {
				if errors.Is(err, errInterrupted) || errors.Is(err, session.ErrNoSession) {
					fmt.Fprintln(d.out, "Session ended")
					return true
				}
				if errors.Is(err, context.Canceled) {
					return false
				}
				// Command errors are already reported; keep serving.
				d.logger.Error("command failed", "error", err)
			}
		}
	}
}

// handle routes one top-level command.
func (d *Dispatcher) handle(ctx context.Context, cmd string) error {
	switch cmd {
	case "":
		return nil
	case "lights":
		return d.handleLights(ctx)
	case "weather":
		return d.handleWeather(ctx)
	case "music":
		return d.handleMusic(ctx)
	case "logout":
		d.sessions.Logout(ctx, session.ReasonCommand)
		return errInterrupted
	case "help":
		return d.handleHelp(ctx)
	case "status":
		return d.handleStatus(ctx)
	default:
		fmt.Fprintln(d.out, "Sorry, I don't currently recognize that command. Type 'help' for available commands.")
		return nil
	}
}

// handleLights runs the on/off → brightness → color sub-flow.
func (d *Dispatcher) handleLights(ctx context.Context) error {
	status, err := d.askOneOf(ctx, "On or off? ", []string{"on", "off"})
	if err != nil {
		return err
	}
	if status == "" {
		fmt.Fprintln(d.out, "Leaving the lights as they are.")
		return nil
	}

	if status == "off" {
		var res device.Result
		if err := d.sessions.Exec(ctx, func(ctx context.Context, user string) error {
			res = d.lights.TurnOff(ctx)
			return nil
		}); err != nil {
			return err
		}
		d.reportLights(ctx, res, "Lights are now off")
		return nil
	}

	brightness, err := d.askBrightness(ctx)
	if err != nil {
		return err
	}

	color, err := d.askOneOf(ctx, fmt.Sprintf("Color (%s)? ", strings.Join(d.lights.Colors(), ", ")), d.lights.Colors())
	if err != nil {
		return err
	}
	if color == "" {
		fmt.Fprintln(d.out, "Too many invalid colors, leaving the lights as they are.")
		return nil
	}

	var res device.Result
	if err := d.sessions.Exec(ctx, func(ctx context.Context, user string) error {
		res = d.lights.TurnOn(ctx, brightness, color)
		return nil
	}); err != nil {
		return err
	}
	d.reportLights(ctx, res, "Lights are now on")
	return nil
}

// reportLights prints and speaks the outcome of a light command.
func (d *Dispatcher) reportLights(ctx context.Context, res device.Result, confirmation string) {
	if res.OK {
		fmt.Fprintln(d.out, confirmation)
		d.speaker.Say(ctx, confirmation)
		return
	}
	fmt.Fprintf(d.out, "Sorry, the lights are not responding (%s)\n", res.Kind)
	d.logger.Warn("light command failed", "kind", res.Kind, "detail", res.Detail)
}

// handleWeather runs the metric sub-flow.
func (d *Dispatcher) handleWeather(ctx context.Context) error {
	choices := make([]string, len(weather.Metrics))
	for i, m := range weather.Metrics {
		choices[i] = string(m)
	}
	choice, err := d.askOneOf(ctx, "Temp, wind, precip, sunrise, or sunset? ", choices)
	if err != nil {
		return err
	}
	if choice == "" {
		fmt.Fprintln(d.out, "Never mind then.")
		return nil
	}

	var value string
	var res device.Result
	if err := d.sessions.Exec(ctx, func(ctx context.Context, user string) error {
		value, res = d.weather.Lookup(ctx, weather.Metric(choice))
		return nil
	}); err != nil {
		return err
	}

	if !res.OK {
		fmt.Fprintf(d.out, "Sorry, there was an error getting weather information (%s)\n", res.Kind)
		return nil
	}
	if res.Kind != device.KindNone {
		fmt.Fprintf(d.out, "(degraded: %s)\n", res.Detail)
	}
	fmt.Fprintln(d.out, value)
	if city := d.weather.City(); city != "" {
		d.speaker.Say(ctx, fmt.Sprintf("The %s in %s is %s", choice, city, value))
	} else {
		d.speaker.Say(ctx, fmt.Sprintf("The %s is %s", choice, value))
	}
	return nil
}

// handleMusic plays the configured default file.
func (d *Dispatcher) handleMusic(ctx context.Context) error {
	var res device.Result
	if err := d.sessions.Exec(ctx, func(ctx context.Context, user string) error {
		res = d.music.Play(ctx, "")
		return nil
	}); err != nil {
		return err
	}
	if !res.OK {
		fmt.Fprintf(d.out, "Sorry, there was an error playing music (%s)\n", res.Kind)
		return nil
	}
	fmt.Fprintln(d.out, "Music started playing")
	d.speaker.Say(ctx, "Music is now playing")
	return nil
}

func (d *Dispatcher) handleHelp(ctx context.Context) error {
	fmt.Fprintln(d.out, "Available commands: lights, weather, music, logout, status, help")
	d.speaker.Say(ctx, "You can control lights, check weather, play music, or logout")
	return nil
}

func (d *Dispatcher) handleStatus(ctx context.Context) error {
	return d.sessions.Exec(ctx, func(ctx context.Context, user string) error {
		fmt.Fprintf(d.out, "Current user: %s\n", user)
		d.speaker.Say(ctx, fmt.Sprintf("You are currently logged in as %s", user))
		return nil
	})
}

// askBrightness prompts for a brightness value. Empty input selects the
// configured default; numbers are clamped to 0-100; non-numeric input
// re-prompts up to maxAttempts and then falls back to the default.
func (d *Dispatcher) askBrightness(ctx context.Context) (int, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		line, err := d.readLine(ctx, "Brightness (0-100, press Enter for default)? ")
		if err != nil {
			return 0, err
		}
		if line == "" {
			return d.defaultBrightness, nil
		}
		n, err := strconv.Atoi(line)
		if err != nil {
			fmt.Fprintln(d.out, "Please enter a number between 0 and 100.")
			continue
		}
		if n < 0 {
			n = 0
		}
		if n > 100 {
			n = 100
		}
		return n, nil
	}
	fmt.Fprintln(d.out, "Using the default brightness.")
	return d.defaultBrightness, nil
}

// askOneOf prompts until the answer is one of the choices, giving up with
// an empty answer after maxAttempts.
func (d *Dispatcher) askOneOf(ctx context.Context, prompt string, choices []string) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		line, err := d.readLine(ctx, prompt)
		if err != nil {
			return "", err
		}
		for _, c := range choices {
			if line == c {
				return line, nil
			}
		}
		fmt.Fprintf(d.out, "Invalid option. Please choose one of: %s\n", strings.Join(choices, ", "))
	}
	return "", nil
}

// readLine reads one lowercased, trimmed line, racing the read against
// session loss and shutdown so a half-finished flow can be abandoned.
func (d *Dispatcher) readLine(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(d.out, prompt)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case evt, ok := <-d.sessions.Events():
		if !ok {
			return "", errInterrupted
		}
		if evt.Type == session.EventLoggedOut {
			return "", errInterrupted
		}
		// A replacement login mid-flow abandons the old user's flow.
		return "", errInterrupted
	case line, ok := <-d.lines:
		if !ok {
			return "", errInterrupted
		}
		return strings.ToLower(strings.TrimSpace(line)), nil
	}
}
