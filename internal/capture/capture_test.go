package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/audio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newController(device Device) *Controller {
	return NewController(device, Config{
		Format:            audio.Format{SampleRate: 16000, Channels: 1},
		PermissionTimeout: 200 * time.Millisecond,
	}, newLogger())
}

func TestStartStopReturnsBufferedAudio(t *testing.T) {
	device := &MockDevice{Frames: [][]byte{{1, 0, 2, 0}, {3, 0, 4}}}
	c := newController(device)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.State() != StateRecording {
		t.Fatalf("expected recording, got %s", c.State())
	}
	rec, ok, err := c.Stop(context.Background())
	if err != nil || !ok {
		t.Fatalf("stop: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(rec.PCM, []byte{1, 0, 2, 0, 3, 0}) {
		t.Fatalf("unexpected pcm %v", rec.PCM)
	}
	if rec.Format.SampleRate != 16000 {
		t.Fatalf("unexpected format %+v", rec.Format)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after stop, got %s", c.State())
	}
	if device.Live() != 0 {
		t.Fatal("microphone stream not released")
	}
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	c := newController(&MockDevice{})
	rec, ok, err := c.Stop(context.Background())
	if err != nil || ok || !rec.Empty() {
		t.Fatalf("expected no-op, got ok=%v err=%v rec=%+v", ok, err, rec)
	}
}

func TestStartWhileRecordingRejected(t *testing.T) {
	device := &MockDevice{}
	c := newController(device)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Close()
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("expected ErrAlreadyRecording, got %v", err)
	}
	if device.Opens() != 1 {
		t.Fatalf("expected a single stream, got %d", device.Opens())
	}
}

func TestPermissionDeniedLeavesIdle(t *testing.T) {
	c := newController(&MockDevice{Err: ErrPermissionDenied})
	if err := c.Start(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
	c.device = &MockDevice{}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("retry after denial should succeed: %v", err)
	}
	c.Close()
}

func TestPermissionTimeout(t *testing.T) {
	device := &MockDevice{Delay: 2 * time.Second}
	c := newController(device)
	start := time.Now()
	if err := c.Start(context.Background()); !errors.Is(err, ErrPermissionTimeout) {
		t.Fatalf("expected ErrPermissionTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("permission timeout not honored")
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestCloseReleasesStream(t *testing.T) {
	device := &MockDevice{Frames: [][]byte{{1, 0}}}
	c := newController(device)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Close()
	if device.Live() != 0 {
		t.Fatal("expected stream released on close")
	}
	if _, ok, _ := c.Stop(context.Background()); ok {
		t.Fatal("stop after close should be a no-op")
	}
}

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o700); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func TestFFmpegDeviceReadAndStop(t *testing.T) {
	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\nprintf 'hello!'\nsleep 2\n")
	device, err := NewFFmpegDevice(script, "", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c := newController(device)
	c.cfg.PermissionTimeout = 2 * time.Second
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	rec, ok, err := c.Stop(context.Background())
	if err != nil || !ok {
		t.Fatalf("stop: ok=%v err=%v", ok, err)
	}
	if string(rec.PCM) != "hello!" {
		t.Fatalf("unexpected pcm %q", rec.PCM)
	}
}

func TestFFmpegDeviceEarlyExit(t *testing.T) {
	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'Permission denied' 1>&2\nexit 1\n")
	device, err := NewFFmpegDevice(script, "", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = device.Open(context.Background(), audio.Format{})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if !strings.Contains(err.Error(), "exited before capture started") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCloseDuringPermissionRequest(t *testing.T) {
	device := &MockDevice{Frames: [][]byte{{1, 0}}, Delay: 100 * time.Millisecond}
	c := newController(device)

	errc := make(chan error, 1)
	go func() { errc <- c.Start(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	c.Close()

	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after close, got %s", c.State())
	}
	if device.Live() != 0 {
		t.Fatalf("microphone still live after close: %d", device.Live())
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on restart, got %v", err)
	}
}

// ignoringDevice grants only after release, whatever its context says.
type ignoringDevice struct {
	MockDevice
	release chan struct{}
}

func (d *ignoringDevice) Open(_ context.Context, format audio.Format) (Stream, error) {
	<-d.release
	return d.MockDevice.Open(context.Background(), format)
}

func TestLateGrantAfterCloseIsReleased(t *testing.T) {
	device := &ignoringDevice{release: make(chan struct{})}
	c := newController(device)

	errc := make(chan error, 1)
	go func() { errc <- c.Start(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	c.Close()
	close(device.release)

	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for device.Live() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if device.Live() != 0 {
		t.Fatal("late grant left the microphone open")
	}
}
