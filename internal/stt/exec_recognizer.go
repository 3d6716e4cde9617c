package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/config"
)

type execRecognizer struct {
	args     []string
	model    string
	language string
	// templated is set when the command places {audio} itself.
	templated bool
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecRecognizer runs a local transcriber once per attempt against a WAV
// temp file. Arguments may use {audio}, {language} and {model}
// placeholders, e.g. "whisper-cli -nt -m {model} -l {language} -f {audio}".
// Without {audio} the flags --audio, --model and --language are appended.
// Stdout is either JSON {text, confidence} or the plain transcript.
func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	r := &execRecognizer{args: args, model: cfg.ModelPath, language: cfg.Language}
	for _, a := range args[1:] {
		if strings.Contains(a, "{audio}") {
			r.templated = true
		}
	}
	return r, nil
}

func (r *execRecognizer) command(path, language string) []string {
	lang := LanguageCode(language)
	if !r.templated {
		out := append([]string(nil), r.args...)
		out = append(out, "--audio", path, "--language", lang)
		if r.model != "" {
			out = append(out, "--model", r.model)
		}
		return out
	}
	rep := strings.NewReplacer("{audio}", path, "{language}", lang, "{model}", r.model)
	out := make([]string, len(r.args))
	for i, a := range r.args {
		out[i] = rep.Replace(a)
	}
	return out
}

func (r *execRecognizer) Transcribe(ctx context.Context, rec audio.Recording, language string) (TranscriptResult, error) {
	if rec.Empty() {
		return TranscriptResult{}, ErrEmptyRecording
	}
	if language == "" {
		language = r.language
	}

	path, err := writeTempWAV(rec)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer os.Remove(path)

	args := r.command(path, language)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseExecOutput(stdout.Bytes())
}

func writeTempWAV(rec audio.Recording) (string, error) {
	file, err := os.CreateTemp("", "loqa_attempt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	werr := audio.WritePCMToWav(file, rec.PCM, rec.Format.SampleRate, rec.Format.Channels)
	cerr := file.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(file.Name())
		return "", err
	}
	return file.Name(), nil
}

func parseExecOutput(out []byte) (TranscriptResult, error) {
	trimmed := bytes.TrimSpace(out)
	if bytes.HasPrefix(trimmed, []byte("{")) {
		var res execResult
		if err := json.Unmarshal(trimmed, &res); err != nil {
			return TranscriptResult{}, fmt.Errorf("decode stt reply: %w", err)
		}
		return TranscriptResult{Text: strings.TrimSpace(res.Text), Confidence: res.Confidence}, nil
	}
	return TranscriptResult{Text: string(trimmed)}, nil
}
