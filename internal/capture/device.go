package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/audio"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrPermissionTimeout = errors.New("microphone permission request timed out")
	ErrDeviceUnavailable = errors.New("microphone unavailable")
)

// Stream is a live microphone stream of little-endian 16-bit PCM.
type Stream interface {
	io.ReadCloser
	// Stop ends capture; pending reads then drain and return io.EOF.
	Stop() error
}

// Device opens the microphone. Open blocks until access is granted or
// refused and returns ErrPermissionDenied on refusal.
type Device interface {
	Open(ctx context.Context, format audio.Format) (Stream, error)
}

// MockDevice is an in-process microphone. It emits Frames then blocks until
// stopped.
type MockDevice struct {
	Frames [][]byte
	// Err, if set, is returned by Open after Delay.
	Err   error
	Delay time.Duration

	mu    sync.Mutex
	opens int
	open  int
}

func (d *MockDevice) Open(ctx context.Context, _ audio.Format) (Stream, error) {
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}
	d.mu.Lock()
	d.opens++
	d.open++
	d.mu.Unlock()
	frames := make(chan []byte, len(d.Frames))
	for _, f := range d.Frames {
		frames <- append([]byte(nil), f...)
	}
	return &mockStream{device: d, frames: frames, stopped: make(chan struct{})}, nil
}

// Opens reports how many streams were granted.
func (d *MockDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Live reports how many granted streams have not been stopped.
func (d *MockDevice) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

type mockStream struct {
	device   *MockDevice
	frames   chan []byte
	pending  []byte
	stopped  chan struct{}
	stopOnce sync.Once
}

func (s *mockStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		select {
		case f := <-s.frames:
			s.pending = f
		default:
			select {
			case f := <-s.frames:
				s.pending = f
			case <-s.stopped:
				return 0, io.EOF
			}
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *mockStream) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.device.mu.Lock()
		s.device.open--
		s.device.mu.Unlock()
	})
	return nil
}

func (s *mockStream) Close() error {
	return s.Stop()
}
