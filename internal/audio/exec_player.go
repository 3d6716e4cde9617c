package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execPlayer struct {
	cmd []string
	mu  sync.Mutex
}

// NewExecPlayer builds a player that writes each clip to a temp file and runs
// command with the file path appended, e.g. "ffplay -autoexit -nodisp -loglevel quiet".
// The process exiting is the playback-ended signal.
func NewExecPlayer(command string) (Player, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command is empty")
	}
	return &execPlayer{cmd: args}, nil
}

func (p *execPlayer) Play(ctx context.Context, clip Clip) error {
	if clip.Empty() {
		return ErrEmptyClip
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "loqa_play_*"+extensionFor(clip.ContentType))
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(clip.Data); err != nil {
		file.Close()
		return fmt.Errorf("write clip: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close clip: %w", err)
	}

	args := append(append([]string{}, p.cmd[1:]...), file.Name())
	command := exec.CommandContext(ctx, p.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("player command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case ContentTypeWAV:
		return ".wav"
	case ContentTypePCM:
		return ".pcm"
	default:
		return ".mp3"
	}
}
