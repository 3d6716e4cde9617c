package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-tutor/internal/audio"
)

// FFmpegDevice captures the microphone by running ffmpeg and reading raw
// s16le PCM from its stdout.
type FFmpegDevice struct {
	cmd         []string
	inputFormat string
	inputDevice string
	startGrace  time.Duration
}

func NewFFmpegDevice(command, inputFormat, inputDevice string) (*FFmpegDevice, error) {
	if strings.TrimSpace(command) == "" {
		command = "ffmpeg"
	}
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	if inputDevice == "" {
		inputDevice = "default"
	}
	return &FFmpegDevice{cmd: args, inputFormat: inputFormat, inputDevice: inputDevice, startGrace: 250 * time.Millisecond}, nil
}

func (d *FFmpegDevice) Open(ctx context.Context, format audio.Format) (Stream, error) {
	if format.SampleRate <= 0 {
		format.SampleRate = 16000
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	args := append([]string{}, d.cmd[1:]...)
	args = append(args,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.inputFormat,
		"-i", d.inputDevice,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "s16le",
		"-",
	)

	cmd := exec.CommandContext(ctx, d.cmd[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrDeviceUnavailable, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		detail := strings.TrimSpace(stderr.String())
		kind := ErrDeviceUnavailable
		if strings.Contains(strings.ToLower(detail), "permission denied") {
			kind = ErrPermissionDenied
		}
		if err != nil {
			return nil, fmt.Errorf("%w: ffmpeg exited before capture started: %v: %s", kind, err, detail)
		}
		return nil, fmt.Errorf("%w: ffmpeg exited before capture started", kind)
	case <-time.After(d.startGrace):
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	}

	return &ffmpegStream{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

type ffmpegStream struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegStream) Close() error {
	return s.Stop()
}

// Stop interrupts ffmpeg so it flushes, and kills it if it lingers.
func (s *ffmpegStream) Stop() error {
	s.stopOnce.Do(func() {
		_ = s.process.Signal(os.Interrupt)
		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			_ = s.process.Kill()
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeStopErr(err)
			}
		}
		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.stopErr
}

// an interrupted ffmpeg exits non-zero; that is the normal way to stop it
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
