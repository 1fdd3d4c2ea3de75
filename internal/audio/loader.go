package audio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/bandstage/internal/catalog"
)

// maxAssetBytes caps a single loop download.
const maxAssetBytes = 64 << 20

// Loader resolves loop assets to decoded buffers. Files are fetched from
// BaseURL when set, otherwise read relative to Dir.
type Loader struct {
	cat        catalog.Lookup
	dir        string
	baseURL    string
	httpClient *http.Client
	maxBytes   int64
	log        logrus.FieldLogger
}

// NewLoader creates a loader for the catalog's loop assets.
func NewLoader(cat catalog.Lookup, dir, baseURL string, log logrus.FieldLogger) *Loader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loader{
		cat:     cat,
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxBytes: maxAssetBytes,
		log:      log.WithField("component", "loader"),
	}
}

// Load fetches and decodes loopID.
func (l *Loader) Load(ctx context.Context, loopID string) (*Buffer, error) {
	loop, ok := l.cat.Loop(loopID)
	if !ok {
		return nil, fault.New(fmt.Sprintf("audio: unknown loop %s", loopID),
			ftag.With(ftag.NotFound),
			fmsg.WithDesc("unresolved reference", fmt.Sprintf("Unknown loopAssetId: %s", loopID)))
	}

	start := time.Now()
	data, err := l.fetch(ctx, loop.File)
	if err != nil {
		return nil, loadFailed(loop, err)
	}
	buf, err := Decode(ctx, loop.File, data)
	if err != nil {
		return nil, loadFailed(loop, err)
	}
	l.log.WithFields(logrus.Fields{
		"loop": loopID, "file": loop.File, "seconds": buf.Duration(), "took": time.Since(start).Round(time.Millisecond),
	}).Info("loop decoded")
	return buf, nil
}

func (l *Loader) fetch(ctx context.Context, file string) ([]byte, error) {
	rel := strings.TrimLeft(file, "/")
	if l.baseURL == "" {
		f, err := os.Open(filepath.Join(l.dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return l.readAll(f, file)
	}

	u, err := url.Parse(l.baseURL)
	if err != nil {
		return nil, fmt.Errorf("asset base url: %w", err)
	}
	u.Path = path.Join(u.Path, rel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch %s: status %d: %s", u, resp.StatusCode, body)
	}
	return l.readAll(resp.Body, u.String())
}

// readAll reads a whole asset, refusing one larger than the loader's cap
// rather than decoding a truncated loop.
func (l *Loader) readAll(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, fmt.Errorf("read %s: asset larger than %d bytes", name, l.maxBytes)
	}
	return data, nil
}

func loadFailed(loop catalog.LoopAssetDef, err error) error {
	return fault.Wrap(err,
		ftag.With(LoadFailed),
		fmsg.WithDesc(fmt.Sprintf("audio: load %s", loop.ID),
			fmt.Sprintf("Audio fetch failed: %s", loop.File)))
}
