package recognition

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/hearthctl/hearth/internal/device"
)

// Worker drives the external vision worker process. The worker exclusively
// owns the camera handle: it grabs frames, downscales them to the configured
// width, locates face regions, and returns one encoding vector per face.
// Conversation is length-prefixed JSON over stdin/stdout:
//
//	[4-byte big-endian length][json request]  ->
//	[4-byte big-endian length][json response]
type Worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger

	mu     sync.Mutex // one request in flight at a time
	broken bool       // set after a timed-out round trip desynchronizes the stream
}

type workerRequest struct {
	Op string `json:"op"` // "ping" or "detect"
}

type workerResponse struct {
	OK        bool        `json:"ok"`
	Encodings [][]float64 `json:"encodings,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// WorkerConfig holds what the worker needs to open the camera.
type WorkerConfig struct {
	Command    string
	Source     int
	Framerate  int
	Width      int
	Confidence float64
}

// StartWorker launches the vision worker and verifies it can read the
// camera. A worker that cannot open its camera source is a fatal startup
// error.
func StartWorker(ctx context.Context, cfg WorkerConfig) (*Worker, error) {
	cmd := exec.CommandContext(ctx, cfg.Command,
		"--source", strconv.Itoa(cfg.Source),
		"--fps", strconv.Itoa(cfg.Framerate),
		"--width", strconv.Itoa(cfg.Width),
		"--confidence", strconv.FormatFloat(cfg.Confidence, 'f', -1, 64),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting vision worker %q: %w", cfg.Command, err)
	}

	w := &Worker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		logger: slog.With("component", "vision_worker", "pid", cmd.Process.Pid),
	}

	// Handshake: the worker replies to ping only once the camera is open.
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := w.roundTrip(pingCtx, workerRequest{Op: "ping"}); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("vision worker handshake: %w", err)
	}

	w.logger.Info("vision worker started", "source", cfg.Source, "fps", cfg.Framerate, "width", cfg.Width)
	return w, nil
}

// Detect asks the worker for the face encodings visible in the current
// frame. An empty slice means no face.
func (w *Worker) Detect(ctx context.Context) ([][]float64, error) {
	resp, err := w.roundTrip(ctx, workerRequest{Op: "detect"})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("%w: vision worker: %s", device.ErrRecognition, resp.Error)
	}
	return resp.Encodings, nil
}

// Close shuts the worker down by closing its stdin and waiting for exit.
func (w *Worker) Close() error {
	_ = w.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		w.logger.Warn("vision worker did not exit, killing")
		_ = w.cmd.Process.Kill()
		return <-done
	}
}

// roundTrip sends one request and reads one response, bounded by ctx. A
// round trip abandoned by ctx leaves the exchange goroutine mid-read with
// the stream offset unknown, so the worker is marked broken and every later
// call fails fast instead of racing the abandoned reader for the pipe.
func (w *Worker) roundTrip(ctx context.Context, req workerRequest) (*workerResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken {
		return nil, fmt.Errorf("vision worker stream desynchronized, worker must be restarted")
	}

	type result struct {
		resp *workerResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := w.exchange(req)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		w.broken = true
		w.logger.Warn("vision worker request abandoned, marking worker broken", "op", req.Op, "error", ctx.Err())
		return nil, fmt.Errorf("vision worker request: %w", ctx.Err())
	}
}

func (w *Worker) exchange(req workerRequest) (*workerResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}
	if err := binary.Write(w.stdin, binary.BigEndian, uint32(len(payload))); err != nil {
		return nil, fmt.Errorf("writing request header: %w", err)
	}
	if _, err := w.stdin.Write(payload); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.stdout, header); err != nil {
		return nil, fmt.Errorf("reading response header: %w", err)
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen > 1<<24 {
		return nil, fmt.Errorf("response too large: %d bytes", respLen)
	}
	body := make([]byte, respLen)
	if _, err := io.ReadFull(w.stdout, body); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var resp workerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshalling response: %w", err)
	}
	return &resp, nil
}
