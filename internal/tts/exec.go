package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-tutor/internal/audio"
)

const execChunkSize = 32 * 1024

type execSynth struct {
	args       []string
	sampleRate int
	channels   int
	// textArg is set when the command takes the text as an argument rather
	// than on stdin.
	textArg bool
}

// NewExecSynth runs a local speech engine once per request and streams its
// stdout as audio. Arguments may use {text}, {language} and {voice}
// placeholders, e.g. "espeak-ng -v {language} --stdout {text}"; without a
// {text} placeholder the text is written to stdin (as piper expects). The
// content type is sniffed from the first bytes: WAV, MP3 or raw PCM at the
// configured rate.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command is empty")
	}
	s := &execSynth{args: args, sampleRate: sampleRate, channels: channels}
	for _, a := range args[1:] {
		if strings.Contains(a, "{text}") {
			s.textArg = true
		}
	}
	return s, nil
}

func (e *execSynth) expand(req SynthRequest) []string {
	voice := req.Voice
	if voice == "" {
		voice = req.Language
	}
	r := strings.NewReplacer("{text}", req.Text, "{language}", req.Language, "{voice}", voice)
	out := make([]string, len(e.args))
	for i, a := range e.args {
		out[i] = r.Replace(a)
	}
	return out
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		args := e.expand(req)
		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		if !e.textArg {
			cmd.Stdin = strings.NewReader(req.Text)
		}
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("start tts command: %w", err)
			return
		}

		streamErr := e.stream(ctx, req, stdout, chunks)
		waitErr := cmd.Wait()
		switch {
		case streamErr != nil:
			errs <- streamErr
		case waitErr != nil:
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				waitErr = fmt.Errorf("%w: %s", waitErr, msg)
			}
			errs <- fmt.Errorf("tts command failed: %w", waitErr)
		}
	}()
	return chunks, errs
}

// stream forwards stdout in fixed-size chunks. The last chunk is marked
// final once EOF is seen.
func (e *execSynth) stream(ctx context.Context, req SynthRequest, r io.Reader, out chan<- SynthChunk) error {
	var (
		contentType string
		sequence    int
		pending     []byte
	)
	buf := make([]byte, execChunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !eof {
			return err
		}
		if pending != nil {
			if err := e.send(ctx, out, req, sequence, contentType, pending, eof && n == 0); err != nil {
				return err
			}
			sequence++
			pending = nil
		}
		if n > 0 {
			if contentType == "" {
				contentType = sniffContentType(buf[:n])
			}
			pending = append([]byte(nil), buf[:n]...)
		}
		if eof {
			if pending != nil {
				return e.send(ctx, out, req, sequence, contentType, pending, true)
			}
			return nil
		}
	}
}

func (e *execSynth) send(ctx context.Context, out chan<- SynthChunk, req SynthRequest, seq int, contentType string, pcm []byte, final bool) error {
	select {
	case out <- SynthChunk{
		SessionID:   req.SessionID,
		Sequence:    seq,
		SampleRate:  e.sampleRate,
		Channels:    e.channels,
		ContentType: contentType,
		PCM:         pcm,
		Final:       final,
	}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sniffContentType(head []byte) string {
	switch {
	case bytes.HasPrefix(head, []byte("RIFF")):
		return audio.ContentTypeWAV
	case bytes.HasPrefix(head, []byte("ID3")), len(head) > 1 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return audio.ContentTypeMPEG
	default:
		return audio.ContentTypePCM
	}
}
