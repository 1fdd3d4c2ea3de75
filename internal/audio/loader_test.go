package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"

	"github.com/satindergrewal/bandstage/internal/catalog"
	"github.com/satindergrewal/bandstage/internal/logging"
)

// wavBytes builds a 16-bit PCM WAV holding frames of a constant level.
func wavBytes(rate, channels, frames int, level float64) []byte {
	var data bytes.Buffer
	v := int16(level * 32767)
	for i := 0; i < frames*channels; i++ {
		binary.Write(&data, binary.LittleEndian, v)
	}

	var b bytes.Buffer
	w := func(x any) { binary.Write(&b, binary.LittleEndian, x) }
	b.WriteString("RIFF")
	w(uint32(36 + data.Len()))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	w(uint32(16))
	w(uint16(1)) // PCM
	w(uint16(channels))
	w(uint32(rate))
	w(uint32(rate * channels * 2))
	w(uint16(channels * 2))
	w(uint16(16))
	b.WriteString("data")
	w(uint32(data.Len()))
	b.Write(data.Bytes())
	return b.Bytes()
}

func TestDecodeWAV(t *testing.T) {
	buf, err := Decode(context.Background(), "kick.wav", wavBytes(SampleRate, 2, 4800, 0.5))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.Frames() != 4800 {
		t.Errorf("Frames = %d, want 4800", buf.Frames())
	}
	if got := buf.Samples[100]; math.Abs(float64(got)-0.5) > 1e-3 {
		t.Errorf("sample = %v, want 0.5", got)
	}
}

func TestDecodeResamplesMono(t *testing.T) {
	buf, err := Decode(context.Background(), "pad.WAV", wavBytes(24000, 1, 2400, 0.25))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// 0.1s at 24kHz is about 4800 frames at 48kHz.
	if n := buf.Frames(); n < 4700 || n > 4900 {
		t.Errorf("Frames = %d, want about 4800", n)
	}
	mid := buf.Frames() / 2
	l, r := buf.Samples[mid*2], buf.Samples[mid*2+1]
	if math.Abs(float64(l)-0.25) > 1e-2 || l != r {
		t.Errorf("mid frame = [%v %v], want both channels at 0.25", l, r)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode(context.Background(), "broken.wav", []byte("not a wav")); err == nil {
		t.Error("expected decode error")
	}
}

func loaderCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(120,
		[]catalog.RoleDef{{ID: "drummer", Category: "drums", MaxInstances: 1, DefaultOutfitID: "out"}},
		[]catalog.OutfitDef{{ID: "out", RoleID: "drummer", LoopAssetID: "kick"}},
		[]catalog.LoopAssetDef{
			{ID: "kick", Category: "drums", File: "/loops/kick.wav", Bars: 1},
			{ID: "gone", Category: "drums", File: "loops/gone.wav", Bars: 1},
		})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestLoaderReadsFromDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "loops"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "loops", "kick.wav"), wavBytes(SampleRate, 2, 960, 0.5), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(loaderCatalog(t), dir, "", logging.Discard())
	buf, err := l.Load(context.Background(), "kick")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if buf.Frames() != 960 {
		t.Errorf("Frames = %d, want 960", buf.Frames())
	}

	_, err = l.Load(context.Background(), "gone")
	if ftag.Get(err) != LoadFailed {
		t.Errorf("missing file tag = %q, want %q", ftag.Get(err), LoadFailed)
	}
	if msg := fmsg.GetIssue(err); msg != "Audio fetch failed: loops/gone.wav" {
		t.Errorf("issue = %q", msg)
	}
}

func TestLoaderFetchesOverHTTP(t *testing.T) {
	var (
		mu        sync.Mutex
		requested []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requested = append(requested, r.URL.Path)
		mu.Unlock()
		if r.URL.Path != "/assets/loops/kick.wav" {
			http.NotFound(w, r)
			return
		}
		w.Write(wavBytes(SampleRate, 2, 480, 0.5))
	}))
	defer srv.Close()

	l := NewLoader(loaderCatalog(t), "", srv.URL+"/assets/", logging.Discard())
	buf, err := l.Load(context.Background(), "kick")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if buf.Frames() != 480 {
		t.Errorf("Frames = %d, want 480", buf.Frames())
	}

	if _, err := l.Load(context.Background(), "gone"); ftag.Get(err) != LoadFailed {
		t.Errorf("404 tag = %q, want %q", ftag.Get(err), LoadFailed)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(requested) != 2 || requested[1] != "/assets/loops/gone.wav" {
		t.Errorf("requested = %v", requested)
	}
}

func TestLoaderRejectsOversizeAsset(t *testing.T) {
	wav := wavBytes(SampleRate, 2, 480, 0.5)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(wav)
	}))
	defer srv.Close()

	l := NewLoader(loaderCatalog(t), "", srv.URL, logging.Discard())
	l.maxBytes = int64(len(wav))
	if _, err := l.Load(context.Background(), "kick"); err != nil {
		t.Fatalf("asset at the cap: %v", err)
	}

	l.maxBytes = int64(len(wav)) - 1
	_, err := l.Load(context.Background(), "kick")
	if ftag.Get(err) != LoadFailed {
		t.Fatalf("oversize asset err = %v, want %q", err, LoadFailed)
	}
	if !strings.Contains(err.Error(), "larger than") {
		t.Errorf("error %q does not name the cap", err)
	}
}

func TestLoaderRejectsOversizeFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "loops"), 0o755); err != nil {
		t.Fatal(err)
	}
	wav := wavBytes(SampleRate, 2, 480, 0.5)
	if err := os.WriteFile(filepath.Join(dir, "loops", "kick.wav"), wav, 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewLoader(loaderCatalog(t), dir, "", logging.Discard())
	l.maxBytes = 100
	if _, err := l.Load(context.Background(), "kick"); ftag.Get(err) != LoadFailed {
		t.Errorf("oversize file tag = %q, want %q", ftag.Get(err), LoadFailed)
	}
}

func TestLoaderUnknownLoop(t *testing.T) {
	l := NewLoader(loaderCatalog(t), t.TempDir(), "", logging.Discard())
	if _, err := l.Load(context.Background(), "ghost"); ftag.Get(err) != ftag.NotFound {
		t.Errorf("unknown loop tag = %q, want NotFound", ftag.Get(err))
	}
}
