package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/audio"
)

// StatusError reports a non-2xx reply from a remote judge.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("judge returned status %d: %s", e.StatusCode, e.Body)
}

type remoteJudge struct {
	endpoint string
	client   *http.Client
}

type remoteJudgment struct {
	Text     string `json:"text"`
	Judgment string `json:"judgment"`
}

// NewRemoteJudge posts each attempt as multipart form data (audio, language,
// expected) to endpoint and expects JSON {text, judgment} back.
func NewRemoteJudge(endpoint string, timeout time.Duration) (Judge, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("judge endpoint must not be empty")
	}
	return &remoteJudge{endpoint: endpoint, client: &http.Client{Timeout: timeout}}, nil
}

func (j *remoteJudge) TranscribeAndJudge(ctx context.Context, rec audio.Recording, language, expected string) (Judgment, error) {
	if rec.Empty() {
		return Judgment{}, ErrEmptyRecording
	}
	wav, err := rec.WAV()
	if err != nil {
		return Judgment{}, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", "attempt.wav")
	if err != nil {
		return Judgment{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return Judgment{}, fmt.Errorf("write form file: %w", err)
	}
	if err := mw.WriteField("language", LanguageCode(language)); err != nil {
		return Judgment{}, err
	}
	if err := mw.WriteField("expected", expected); err != nil {
		return Judgment{}, err
	}
	if err := mw.Close(); err != nil {
		return Judgment{}, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint, &body)
	if err != nil {
		return Judgment{}, fmt.Errorf("create judge request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return Judgment{}, fmt.Errorf("post judge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Judgment{}, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	var out remoteJudgment
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Judgment{}, fmt.Errorf("decode judge response: %w", err)
	}
	return Judgment{Text: out.Text, Verdict: out.Judgment}, nil
}
