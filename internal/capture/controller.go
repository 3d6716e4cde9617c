// Package capture owns the microphone for one practice session.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/audio"
)

var (
	ErrAlreadyRecording = errors.New("capture already in progress")
	ErrClosed           = errors.New("capture controller closed")
)

// State of the controller.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

// Config tunes a Controller.
type Config struct {
	Format            audio.Format
	PermissionTimeout time.Duration
	ChunkSize         int
}

type opened struct {
	stream Stream
	err    error
}

type activeCapture struct {
	stream Stream
	cancel context.CancelFunc
	buf    bytes.Buffer
	done   chan struct{}
	err    error
}

// Controller moves Idle -> Recording -> Finalizing -> Idle. At most one
// capture is active at a time and the stream is released on every exit path.
type Controller struct {
	device Device
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	pending bool
	// cancels an in-flight permission request
	pendingCancel context.CancelFunc
	closed        bool
	current       *activeCapture
}

func NewController(device Device, cfg Config, logger *slog.Logger) *Controller {
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = 5 * time.Second
	}
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = 4096
	}
	return &Controller{
		device: device,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "capture")),
	}
}

// State returns the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start requests the microphone and begins buffering frames. It fails with
// ErrAlreadyRecording while a capture or permission request is in flight, and
// with ErrPermissionDenied or ErrPermissionTimeout when access is not granted;
// the controller is Idle again after any failure. After Close it returns
// ErrClosed and a grant that arrives late is released.
func (c *Controller) Start(ctx context.Context) error {
	// the stream outlives the caller's request
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrClosed
	}
	if c.state != StateIdle || c.pending {
		c.mu.Unlock()
		cancel()
		return ErrAlreadyRecording
	}
	c.pending = true
	c.pendingCancel = cancel
	c.mu.Unlock()

	result := make(chan opened, 1)
	go func() {
		stream, err := c.device.Open(streamCtx, c.cfg.Format)
		result <- opened{stream: stream, err: err}
	}()

	timer := time.NewTimer(c.cfg.PermissionTimeout)
	defer timer.Stop()

	var (
		stream   Stream
		err      error
		received bool
	)
	select {
	case r := <-result:
		stream, err, received = r.stream, r.err, true
	case <-timer.C:
		err = ErrPermissionTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.mu.Lock()
	c.pending = false
	c.pendingCancel = nil
	closed := c.closed
	if err == nil && !closed {
		active := &activeCapture{stream: stream, cancel: cancel, done: make(chan struct{})}
		c.state = StateRecording
		c.current = active
		c.mu.Unlock()

		go c.pump(active)
		c.logger.Debug("capture started")
		return nil
	}
	c.mu.Unlock()

	cancel()
	if stream != nil {
		_ = stream.Stop()
	}
	if !received {
		releaseLate(result)
	}
	if closed {
		c.logger.Debug("capture abandoned, controller closed")
		return ErrClosed
	}
	c.logger.Warn("microphone unavailable", slogError(err))
	return err
}

func (c *Controller) pump(active *activeCapture) {
	defer close(active.done)
	chunk := make([]byte, c.cfg.ChunkSize)
	for {
		n, err := active.stream.Read(chunk)
		if n > 0 {
			active.buf.Write(chunk[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				active.err = err
			}
			return
		}
	}
}

// Stop finalizes the buffered audio into a Recording and releases the
// microphone. ok is false when no capture was active.
func (c *Controller) Stop(ctx context.Context) (rec audio.Recording, ok bool, err error) {
	c.mu.Lock()
	if c.state != StateRecording || c.current == nil {
		c.mu.Unlock()
		return audio.Recording{}, false, nil
	}
	active := c.current
	c.state = StateFinalizing
	c.mu.Unlock()

	defer func() {
		active.cancel()
		c.mu.Lock()
		if c.current == active {
			c.current = nil
			c.state = StateIdle
		}
		c.mu.Unlock()
	}()

	stopErr := active.stream.Stop()
	select {
	case <-active.done:
	case <-ctx.Done():
		_ = active.stream.Close()
		<-active.done
		return audio.Recording{}, false, ctx.Err()
	}

	if active.err != nil {
		return audio.Recording{}, false, fmt.Errorf("capture stream: %w", active.err)
	}
	if stopErr != nil {
		c.logger.Warn("microphone did not stop cleanly", slogError(stopErr))
	}
	pcm := active.buf.Bytes()
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return audio.Recording{Format: c.cfg.Format, PCM: pcm}, true, nil
}

// releaseLate stops a grant that lands after Start gave up on it.
func releaseLate(result <-chan opened) {
	go func() {
		if r := <-result; r.stream != nil {
			_ = r.stream.Stop()
		}
	}()
}

// Close discards any active capture, abandons a pending permission request
// and releases the microphone. The controller cannot be started again.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	if c.pendingCancel != nil {
		c.pendingCancel()
	}
	active := c.current
	c.current = nil
	c.state = StateIdle
	c.mu.Unlock()
	if active == nil {
		return
	}
	active.cancel()
	_ = active.stream.Stop()
	<-active.done
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
