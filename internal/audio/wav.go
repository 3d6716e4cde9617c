package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAV encodes the recording as a 16-bit PCM WAV file.
func (r Recording) WAV() ([]byte, error) {
	var buf seekBuffer
	if err := WritePCMToWav(&buf, r.PCM, r.Format.SampleRate, r.Format.Channels); err != nil {
		return nil, err
	}
	return buf.data, nil
}

// WritePCMToWav encodes little-endian 16-bit PCM into w.
func WritePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid pcm format %d Hz / %d ch", sampleRate, channels)
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// DecodeWAV parses a 16-bit WAV payload back into a Recording.
func DecodeWAV(data []byte) (Recording, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Recording{}, errors.New("invalid wav payload")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Recording{}, fmt.Errorf("decode wav: %w", err)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	return Recording{
		Format: Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels},
		PCM:    pcm,
	}, nil
}

// seekBuffer is an in-memory io.WriteSeeker; the wav encoder rewrites the
// header sizes on Close.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.data) {
		if end > cap(b.data) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.data)
			b.data = grown
		} else {
			b.data = b.data[:end]
		}
	}
	copy(b.data[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.data)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	b.pos = int(next)
	return next, nil
}
