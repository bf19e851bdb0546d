package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthctl/hearth/internal/device"
	"github.com/hearthctl/hearth/internal/device/weather"
	"github.com/hearthctl/hearth/internal/recognition"
	"github.com/hearthctl/hearth/internal/session"
)

// syncBuffer is a bytes.Buffer safe for the dispatcher goroutine to write
// while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type lightCall struct {
	on         bool
	brightness int
	color      string
}

type fakeController struct {
	mu     sync.Mutex
	calls  []lightCall
	result device.Result
}

func (f *fakeController) TurnOn(ctx context.Context, brightness int, color string) device.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lightCall{on: true, brightness: brightness, color: color})
	return f.result
}

func (f *fakeController) TurnOff(ctx context.Context) device.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lightCall{on: false})
	return f.result
}

func (f *fakeController) Colors() []string {
	return []string{"red", "green", "blue", "white"}
}

func (f *fakeController) received() []lightCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lightCall(nil), f.calls...)
}

type fakeWeather struct {
	value  string
	city   string
	result device.Result
}

func (f *fakeWeather) Lookup(ctx context.Context, metric weather.Metric) (string, device.Result) {
	return f.value, f.result
}

func (f *fakeWeather) City() string { return f.city }

type fakeMusic struct {
	mu     sync.Mutex
	plays  int
	result device.Result
}

func (f *fakeMusic) Play(ctx context.Context, file string) device.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
	return f.result
}

func (f *fakeMusic) played() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays
}

type fakeSpeaker struct {
	mu   sync.Mutex
	said []string
}

func (f *fakeSpeaker) Say(ctx context.Context, text string) device.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, text)
	return device.Success()
}

func (f *fakeSpeaker) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.said...)
}

type harness struct {
	sessions *session.Manager
	lights   *fakeController
	weather  *fakeWeather
	music    *fakeMusic
	speaker  *fakeSpeaker
	in       io.WriteCloser
	out      *syncBuffer
	done     chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		lights:  &fakeController{result: device.Success()},
		weather: &fakeWeather{value: "72°F", city: "Chicago", result: device.Success()},
		music:   &fakeMusic{result: device.Success()},
		speaker: &fakeSpeaker{},
		out:     &syncBuffer{},
		done:    make(chan struct{}),
	}
	h.sessions = session.NewManager(session.Config{Debounce: 1}, h.speaker)

	pr, pw := io.Pipe()
	h.in = pw

	d := New(h.sessions, h.lights, h.weather, h.music, h.speaker, 80, pr, h.out)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		d.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		pw.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return h
}

func (h *harness) login(t *testing.T, user string) {
	t.Helper()
	h.sessions.HandleObservation(context.Background(), recognition.Observation{
		ID: "obs", BestMatch: user, At: time.Now(),
	})
	h.waitFor(t, fmt.Sprintf("Hi %s.", user))
}

func (h *harness) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(h.in, line+"\n")
	require.NoError(t, err)
}

func (h *harness) waitFor(t *testing.T, substr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(h.out.String(), substr)
	}, 2*time.Second, 5*time.Millisecond, "waiting for %q in output", substr)
}

func TestLightsOnFlow(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	h.send(t, "lights")
	h.waitFor(t, "On or off?")
	h.send(t, "on")
	h.waitFor(t, "Brightness")
	h.send(t, "80")
	h.waitFor(t, "Color")
	h.send(t, "blue")
	h.waitFor(t, "Lights are now on")

	calls := h.lights.received()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].on)
	assert.Equal(t, 80, calls[0].brightness)
	assert.Equal(t, "blue", calls[0].color)
	assert.Contains(t, h.speaker.spoken(), "Lights are now on")
}

func TestLightsDefaultBrightness(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	h.send(t, "lights")
	h.send(t, "on")
	h.waitFor(t, "Brightness")
	h.send(t, "")
	h.send(t, "red")
	h.waitFor(t, "Lights are now on")

	calls := h.lights.received()
	require.Len(t, calls, 1)
	assert.Equal(t, 80, calls[0].brightness)
}

func TestLightsOffFlow(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	h.send(t, "lights")
	h.send(t, "off")
	h.waitFor(t, "Lights are now off")

	calls := h.lights.received()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].on)
}

func TestLightsInvalidBrightnessFallsBackToDefault(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	h.send(t, "lights")
	h.send(t, "on")
	for i := 0; i < 3; i++ {
		h.send(t, "banana")
	}
	h.waitFor(t, "Using the default brightness")
	h.send(t, "white")
	h.waitFor(t, "Lights are now on")

	calls := h.lights.received()
	require.Len(t, calls, 1)
	assert.Equal(t, 80, calls[0].brightness)
}

func TestLightsGivesUpAfterRepeatedInvalidColors(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	h.send(t, "lights")
	h.send(t, "on")
	h.send(t, "50")
	for i := 0; i < 3; i++ {
		h.send(t, "purple")
	}
	h.waitFor(t, "Too many invalid colors")
	assert.Empty(t, h.lights.received())
}

func TestLightsFailureKeepsLoopResponsive(t *testing.T) {
	h := newHarness(t)
	h.lights.result = device.Failure(device.KindDeviceUnavailable, "breaker open")
	h.login(t, "alice")

	h.send(t, "lights")
	h.send(t, "off")
	h.waitFor(t, "lights are not responding (device_unavailable)")

	// The loop survives the failure.
	h.send(t, "help")
	h.waitFor(t, "Available commands")
}

func TestWeatherFlow(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	h.send(t, "weather")
	h.waitFor(t, "Temp, wind, precip, sunrise, or sunset?")
	h.send(t, "temp")
	h.waitFor(t, "72°F")
	assert.Contains(t, h.speaker.spoken(), "The temp in Chicago is 72°F")
}

func TestWeatherWithoutCityOmitsLocation(t *testing.T) {
	h := newHarness(t)
	h.weather.city = ""
	h.login(t, "alice")

	h.send(t, "weather")
	h.send(t, "temp")
	h.waitFor(t, "72°F")
	assert.Contains(t, h.speaker.spoken(), "The temp is 72°F")
}

func TestWeatherDegradedValueIsFlagged(t *testing.T) {
	h := newHarness(t)
	h.weather.result = device.Result{OK: true, Kind: device.KindNetwork, Detail: "serving cached value"}
	h.login(t, "alice")

	h.send(t, "weather")
	h.send(t, "temp")
	h.waitFor(t, "degraded: serving cached value")
	h.waitFor(t, "72°F")
}

func TestMusicFlow(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	h.send(t, "music")
	h.waitFor(t, "Music started playing")
	assert.Equal(t, 1, h.music.played())
}

func TestUnknownCommandReprompts(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	h.send(t, "dance")
	h.waitFor(t, "Sorry, I don't currently recognize that command")

	h.send(t, "status")
	h.waitFor(t, "Current user: alice")
}

func TestLogoutCommand(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	h.send(t, "logout")
	h.waitFor(t, "Session ended")

	assert.Equal(t, session.StateAnonymous, h.sessions.Snapshot().State)
	assert.Contains(t, h.speaker.spoken(), "Goodbye alice")
}

func TestForcedLogoutInterruptsPendingPrompt(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	h.send(t, "lights")
	h.waitFor(t, "On or off?")

	// The user walks away mid-flow.
	h.sessions.Logout(context.Background(), session.ReasonAbsence)
	h.waitFor(t, "Session ended")
	assert.Empty(t, h.lights.received())
}

func TestNewLoginAfterLogoutIsServed(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice")

	h.send(t, "logout")
	h.waitFor(t, "Session ended")

	h.login(t, "bob")
	h.send(t, "status")
	h.waitFor(t, "Current user: bob")
}
