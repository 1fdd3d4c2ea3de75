package stream

import (
	"context"
	"io"
	"net/http"
	"os/exec"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/bandstage/internal/audio"
)

// DefaultBitrate is the MP3 bitrate in kbit/s.
const DefaultBitrate = 192

// HTTPHandler serves the stage mix as a chunked MP3 stream.
// Each connection spawns an FFmpeg process to encode PCM -> MP3 in real-time.
type HTTPHandler struct {
	broadcaster *Broadcaster
	bitrate     int
	log         logrus.FieldLogger
}

// NewHTTPHandler creates an HTTP stream handler. A bitrate of 0 uses
// DefaultBitrate.
func NewHTTPHandler(b *Broadcaster, bitrate int, log logrus.FieldLogger) *HTTPHandler {
	if bitrate <= 0 {
		bitrate = DefaultBitrate
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HTTPHandler{broadcaster: b, bitrate: bitrate, log: log.WithField("component", "mp3")}
}

// encoderArgs returns the FFmpeg arguments for raw stage PCM on stdin to MP3
// on stdout.
func (h *HTTPHandler) encoderArgs() []string {
	return []string{
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", strconv.Itoa(h.bitrate) + "k",
		"-f", "mp3",
		"-fflags", "nobuffer",
		"-flush_packets", "1",
		"-loglevel", "error",
		"pipe:1",
	}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := h.log.WithField("remote", r.RemoteAddr)

	cmd := exec.CommandContext(ctx, "ffmpeg", h.encoderArgs()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.WithError(err).Error("stdin pipe")
		http.Error(w, "encoder unavailable", http.StatusServiceUnavailable)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.WithError(err).Error("stdout pipe")
		http.Error(w, "encoder unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := cmd.Start(); err != nil {
		log.WithError(err).Error("ffmpeg start")
		http.Error(w, "encoder unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("ICY-Name", "bandstage")

	listener := h.broadcaster.Subscribe("mp3 " + r.RemoteAddr)
	defer h.broadcaster.Unsubscribe(listener)

	// Feed PCM frames to FFmpeg
	go func() {
		defer stdin.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Done():
				return
			case frame := <-listener.C:
				if _, err := stdin.Write(audio.SamplesToBytes(frame)); err != nil {
					return
				}
			}
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				break
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Warn("ffmpeg read")
			}
			break
		}
	}

	cancel()
	_ = cmd.Wait()
}
