package stream

import (
	"context"
	"fmt"
	"io"

	"github.com/ebitengine/oto/v3"
	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/bandstage/internal/audio"
)

// Speaker plays the stage mix on the local sound device.
type Speaker struct {
	broadcaster *Broadcaster
	log         logrus.FieldLogger
}

// NewSpeaker creates a speaker fed by b.
func NewSpeaker(b *Broadcaster, log logrus.FieldLogger) *Speaker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Speaker{broadcaster: b, log: log.WithField("component", "speaker")}
}

// Run opens the sound device and plays frames until ctx is cancelled.
func (s *Speaker) Run(ctx context.Context) error {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   audio.SampleRate,
		ChannelCount: audio.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   2 * audio.FrameDuration,
	})
	if err != nil {
		return fmt.Errorf("open sound device: %w", err)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return nil
	}

	listener := s.broadcaster.Subscribe("speaker")
	defer s.broadcaster.Unsubscribe(listener)

	player := otoCtx.NewPlayer(&frameReader{ctx: ctx, l: listener})
	player.Play()
	s.log.Info("local playback started")

	<-ctx.Done()
	return player.Close()
}

// frameReader adapts a listener to the io.Reader oto pulls from.
type frameReader struct {
	ctx  context.Context
	l    *Listener
	rest []byte
}

func (r *frameReader) Read(p []byte) (int, error) {
	if len(r.rest) == 0 {
		select {
		case <-r.ctx.Done():
			return 0, io.EOF
		case <-r.l.Done():
			return 0, io.EOF
		case frame := <-r.l.C:
			r.rest = audio.SamplesToBytes(frame)
		}
	}
	n := copy(p, r.rest)
	r.rest = r.rest[n:]
	return n, nil
}
