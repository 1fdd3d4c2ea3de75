package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

// resampleQuality is beep's interpolation quality for rate conversion.
const resampleQuality = 4

// Decode decodes wav, mp3, ogg or flac data to a stereo Buffer at SampleRate.
// Other formats go through FFmpeg.
func Decode(ctx context.Context, name string, data []byte) (*Buffer, error) {
	var (
		s      beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	rc := io.NopCloser(bytes.NewReader(data))
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav":
		s, format, err = wav.Decode(rc)
	case ".mp3":
		s, format, err = mp3.Decode(rc)
	case ".ogg":
		s, format, err = vorbis.Decode(rc)
	case ".flac":
		s, format, err = flac.Decode(rc)
	default:
		return DecodeFFmpeg(ctx, data)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	defer s.Close()

	var stream beep.Streamer = s
	if format.SampleRate != SampleRate {
		stream = beep.Resample(resampleQuality, format.SampleRate, beep.SampleRate(SampleRate), s)
	}

	var samples []float32
	chunk := make([][2]float64, 4096)
	for {
		n, ok := stream.Stream(chunk)
		for _, f := range chunk[:n] {
			samples = append(samples, float32(f[0]), float32(f[1]))
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return &Buffer{Samples: samples}, nil
}

// DecodeFFmpeg runs FFmpeg to decode audio data to interleaved stereo at 48kHz.
func DecodeFFmpeg(ctx context.Context, data []byte) (*Buffer, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", "48000",
		"-ac", "2",
		"-loglevel", "error",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode: %w", err)
	}

	// Ensure even byte count for int16 alignment
	if len(out)%2 != 0 {
		out = out[:len(out)-1]
	}

	samples := make([]float32, len(out)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(out[i*2:i*2+2]))) / 32768
	}
	return &Buffer{Samples: samples}, nil
}
