// Package api exposes the stage over HTTP: commands as JSON POSTs and
// observations as JSON GETs plus a server-sent event stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/bandstage/internal/audio"
	"github.com/satindergrewal/bandstage/internal/catalog"
	"github.com/satindergrewal/bandstage/internal/stage"
	"github.com/satindergrewal/bandstage/internal/tempo"
)

// Audio is the engine surface the API drives.
type Audio interface {
	Start(ctx context.Context) error
	Suspend()
	Status() audio.Status
}

// Options wires a Server. Scheduler, Catalog and Audio may be nil; the
// server then runs degraded and refuses the commands that need them.
type Options struct {
	Store     *stage.Store
	Scheduler *stage.Scheduler
	Clock     *tempo.Clock
	Catalog   *catalog.Registry
	Audio     Audio
	Listeners func() int // connected stream listeners, for /api/audio

	// Context outlives requests; work started by a command runs under it.
	Context context.Context
	Log     logrus.FieldLogger
}

// Server routes the stage API.
type Server struct {
	opts Options
	log  logrus.FieldLogger
	mux  *http.ServeMux
}

// New creates a server with every /api route registered.
func New(opts Options) *Server {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	s := &Server{
		opts: opts,
		log:  opts.Log.WithField("component", "api"),
		mux:  http.NewServeMux(),
	}

	s.mux.HandleFunc("/api/state", get(s.handleState))
	s.mux.HandleFunc("/api/events", get(s.handleEvents))
	s.mux.HandleFunc("/api/clock", get(s.handleClock))
	s.mux.HandleFunc("/api/catalog", get(s.handleCatalog))
	s.mux.HandleFunc("/api/audio", get(s.handleAudioStatus))

	s.mux.HandleFunc("/api/swap", post(s.handleSwap))
	s.mux.HandleFunc("/api/cancel", post(s.handleCancel))
	s.mux.HandleFunc("/api/mute", post(s.handleMute))
	s.mux.HandleFunc("/api/mode", post(s.handleMode))
	s.mux.HandleFunc("/api/spawn", post(s.handleSpawn))
	s.mux.HandleFunc("/api/move", post(s.handleMove))
	s.mux.HandleFunc("/api/remove", post(s.handleRemove))
	s.mux.HandleFunc("/api/lineup", post(s.handleLineup))
	s.mux.HandleFunc("/api/audio/start", post(s.handleAudioStart))
	s.mux.HandleFunc("/api/audio/suspend", post(s.handleAudioSuspend))
	return s
}

// Handle registers an extra handler, such as an audio stream.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	s.mux.ServeHTTP(w, r)
}

func get(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "GET required", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Warn("request failed")
	}
	writeJSON(w, status, map[string]any{
		"ok":    false,
		"error": stage.ErrorMessage(err),
		"kind":  string(ftag.Get(err)),
	})
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch ftag.Get(err) {
	case ftag.NotFound:
		return http.StatusNotFound
	case ftag.InvalidArgument:
		return http.StatusBadRequest
	case stage.LimitReached:
		return http.StatusConflict
	case audio.DeviceUnavailable, catalog.Integrity:
		return http.StatusServiceUnavailable
	case audio.LoadFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Wrap(err,
			ftag.With(ftag.InvalidArgument),
			fmsg.WithDesc("api: decode body", "Request body is not valid JSON."))
	}
	return nil
}

// degraded is returned by commands when the stage could not be built.
func (s *Server) degraded() error {
	msg := s.opts.Store.State().LastError
	if msg == "" {
		msg = "The stage is not available."
	}
	return fault.New("api: stage unavailable",
		ftag.With(catalog.Integrity),
		fmsg.WithDesc("stage unavailable", msg))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Store.State())
}

type clockResponse struct {
	tempo.Snapshot
	StartMs     float64 `json:"startMs"`
	NextBeatMs  float64 `json:"nextBeatMs"`
	NextBarMs   float64 `json:"nextBarMs"`
	BeatsPerBar int     `json:"beatsPerBar"`
}

func (s *Server) handleClock(w http.ResponseWriter, r *http.Request) {
	c := s.opts.Clock
	if c == nil {
		s.writeError(w, s.degraded())
		return
	}
	now := c.NowMs()
	writeJSON(w, http.StatusOK, clockResponse{
		Snapshot:    c.Snapshot(now),
		StartMs:     c.StartMs(),
		NextBeatMs:  c.NextBeatTime(now),
		NextBarMs:   c.NextBarTime(now),
		BeatsPerBar: tempo.BeatsPerBar,
	})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if s.opts.Catalog == nil {
		s.writeError(w, s.degraded())
		return
	}
	cat := s.opts.Catalog.Current()
	roles := cat.Roles()
	outfits := []catalog.OutfitDef{}
	for _, role := range roles {
		outfits = append(outfits, cat.OutfitsForRole(role.ID)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"projectBpm": cat.ProjectBPM,
		"roles":      roles,
		"outfits":    outfits,
		"loops":      cat.Loops(),
	})
}

func (s *Server) handleAudioStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Audio == nil {
		writeJSON(w, http.StatusOK, map[string]any{"available": false})
		return
	}
	listeners := 0
	if s.opts.Listeners != nil {
		listeners = s.opts.Listeners()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available": true,
		"status":    s.opts.Audio.Status(),
		"listeners": listeners,
	})
}

type swapRequest struct {
	InstanceID string `json:"instanceId"`
	OutfitID   string `json:"outfitId"`
	Mode       string `json:"mode,omitempty"`
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	sched := s.opts.Scheduler
	if sched == nil {
		s.writeError(w, s.degraded())
		return
	}
	var req swapRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var (
		pending stage.PendingSwap
		err     error
	)
	if req.Mode == "" {
		pending, err = sched.RequestSwap(req.InstanceID, req.OutfitID)
	} else {
		pending, err = sched.RequestSwapMode(req.InstanceID, req.OutfitID, stage.QuantizationMode(req.Mode))
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"pendingSwap": pending})
}

type instanceRequest struct {
	InstanceID string `json:"instanceId"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sched := s.opts.Scheduler
	if sched == nil {
		s.writeError(w, s.degraded())
		return
	}
	var req instanceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := sched.CancelSwap(req.InstanceID); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, nil)
}

type muteRequest struct {
	InstanceID string `json:"instanceId"`
	Muted      *bool  `json:"muted"`
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	sched := s.opts.Scheduler
	if sched == nil {
		s.writeError(w, s.degraded())
		return
	}
	var req muteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var muted bool
	var err error
	if req.Muted == nil {
		muted, err = sched.ToggleMute(req.InstanceID)
	} else {
		muted = *req.Muted
		err = sched.SetMute(req.InstanceID, muted)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"muted": muted})
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	sched := s.opts.Scheduler
	if sched == nil {
		s.writeError(w, s.degraded())
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := sched.SetSwapMode(stage.QuantizationMode(req.Mode)); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"mode": s.opts.Store.State().SwapMode})
}

type positionRequest struct {
	InstanceID string  `json:"instanceId,omitempty"`
	RoleID     string  `json:"roleId,omitempty"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	sched := s.opts.Scheduler
	if sched == nil {
		s.writeError(w, s.degraded())
		return
	}
	var req positionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	inst, err := sched.Spawn(req.RoleID, stage.Position{X: req.X, Y: req.Y})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"instance": inst})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	sched := s.opts.Scheduler
	if sched == nil {
		s.writeError(w, s.degraded())
		return
	}
	var req positionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := sched.Move(req.InstanceID, stage.Position{X: req.X, Y: req.Y}); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	sched := s.opts.Scheduler
	if sched == nil {
		s.writeError(w, s.degraded())
		return
	}
	var req instanceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := sched.Remove(req.InstanceID); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleLineup(w http.ResponseWriter, r *http.Request) {
	sched := s.opts.Scheduler
	if sched == nil {
		s.writeError(w, s.degraded())
		return
	}
	if err := sched.SpawnLineup(); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"instances": s.opts.Store.State().Instances})
}

func (s *Server) handleAudioStart(w http.ResponseWriter, r *http.Request) {
	if s.opts.Audio == nil {
		s.writeError(w, noAudio())
		return
	}
	if err := s.opts.Audio.Start(s.opts.Context); err != nil {
		s.opts.Store.SetError(err)
		s.writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"state": s.opts.Audio.Status().State})
}

func (s *Server) handleAudioSuspend(w http.ResponseWriter, r *http.Request) {
	if s.opts.Audio == nil {
		s.writeError(w, noAudio())
		return
	}
	s.opts.Audio.Suspend()
	writeOK(w, map[string]any{"state": s.opts.Audio.Status().State})
}

func noAudio() error {
	return fault.New("api: no audio engine",
		ftag.With(audio.DeviceUnavailable),
		fmsg.WithDesc("no audio engine", "Audio is unavailable."))
}
