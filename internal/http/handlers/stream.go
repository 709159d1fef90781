package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kineticman/prismcast/internal/models"
	"github.com/kineticman/prismcast/internal/repository"
	"github.com/kineticman/prismcast/internal/stream"
)

// playlistWait bounds how long a playlist request waits for a freshly tuned
// channel to produce its first segment.
const playlistWait = 15 * time.Second

// StreamHandler serves the HLS egress: playlist, media segments, and the
// init segment.
type StreamHandler struct {
	channels   *repository.ChannelRepository
	supervisor *stream.Supervisor
	logger     *slog.Logger
}

// NewStreamHandler creates the HLS egress handler.
func NewStreamHandler(deps Dependencies) *StreamHandler {
	return &StreamHandler{
		channels:   deps.Channels,
		supervisor: deps.Supervisor,
		logger:     deps.Logger,
	}
}

// resolveChannel looks a channel up by lineup number or ULID.
func (h *StreamHandler) resolveChannel(ctx context.Context, ref string) (*models.Channel, error) {
	if number, err := strconv.Atoi(ref); err == nil {
		return h.channels.GetByNumber(ctx, number)
	}

	id, err := models.ParseULID(ref)
	if err != nil {
		return nil, repository.ErrChannelNotFound
	}
	return h.channels.GetByID(ctx, id)
}

// acquire tunes (or re-touches) the channel's stream.
func (h *StreamHandler) acquire(w http.ResponseWriter, r *http.Request) (*stream.Stream, bool) {
	ref := chi.URLParam(r, "channel")

	channel, err := h.resolveChannel(r.Context(), ref)
	if errors.Is(err, repository.ErrChannelNotFound) {
		http.Error(w, "channel not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	if !channel.IsEnabled() {
		http.Error(w, "channel disabled", http.StatusNotFound)
		return nil, false
	}

	st, err := h.supervisor.Acquire(stream.ChannelSpec{
		ID:         channel.ID.String(),
		Name:       channel.Name,
		CaptureURL: channel.CaptureURL,
	})
	if errors.Is(err, stream.ErrTunerLimit) {
		http.Error(w, "all tuners in use", http.StatusServiceUnavailable)
		return nil, false
	}
	if err != nil {
		h.logger.Error("tuning channel failed",
			slog.String("channel_id", channel.ID.String()),
			slog.String("error", err.Error()),
		)
		http.Error(w, "tuning failed", http.StatusBadGateway)
		return nil, false
	}

	return st, true
}

// ServePlaylist returns the channel's media playlist, tuning the channel on
// first request and waiting briefly for the first segment.
func (h *StreamHandler) ServePlaylist(w http.ResponseWriter, r *http.Request) {
	st, ok := h.acquire(w, r)
	if !ok {
		return
	}

	store := st.Store()
	if _, err := store.Playlist(); errors.Is(err, stream.ErrNotReady) {
		waitCtx, cancel := context.WithTimeout(r.Context(), playlistWait)
		defer cancel()
		if err := store.WaitForPlaylist(waitCtx); err != nil {
			http.Error(w, "no segments available yet, retry", http.StatusServiceUnavailable)
			return
		}
	}

	playlist, err := store.Playlist()
	if err != nil {
		http.Error(w, "no segments available yet, retry", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", ContentTypeHLSPlaylist)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	_, _ = w.Write([]byte(playlist))
}

// ServeSegment returns one media segment from the ring; evicted indices are
// a well-defined not-found.
func (h *StreamHandler) ServeSegment(w http.ResponseWriter, r *http.Request) {
	st, ok := h.acquire(w, r)
	if !ok {
		return
	}

	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		http.Error(w, "invalid segment index", http.StatusBadRequest)
		return
	}

	data, err := st.Store().Segment(index)
	if errors.Is(err, stream.ErrSegmentNotFound) {
		http.Error(w, "segment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ContentTypeFMP4Segment)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.Header().Set("Cache-Control", "max-age=86400")
	_, _ = w.Write(data)
}

// ServeInit returns the current init segment. The v query parameter is the
// cache-bust token from EXT-X-MAP and is not interpreted.
func (h *StreamHandler) ServeInit(w http.ResponseWriter, r *http.Request) {
	st, ok := h.acquire(w, r)
	if !ok {
		return
	}

	_, data, err := st.Store().Init()
	if errors.Is(err, stream.ErrNotReady) {
		http.Error(w, "init segment not ready", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ContentTypeFMP4Init)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.Header().Set("Cache-Control", "max-age=86400")
	_, _ = w.Write(data)
}
