// Package handlers implements the HTTP routes for prismcast.
package handlers

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kineticman/prismcast/internal/config"
	"github.com/kineticman/prismcast/internal/repository"
	"github.com/kineticman/prismcast/internal/stream"
)

// Content types served by the HLS egress.
const (
	ContentTypeHLSPlaylist = "application/vnd.apple.mpegurl"
	ContentTypeFMP4Init    = "video/mp4"
	ContentTypeFMP4Segment = "video/iso.segment"
	ContentTypeJSON        = "application/json"
)

// Dependencies carries the collaborators the routes need.
type Dependencies struct {
	Channels   *repository.ChannelRepository
	Supervisor *stream.Supervisor
	Tuner      config.TunerConfig
	BaseURL    string // optional override for advertised URLs
	Version    string
	StartedAt  time.Time
	Logger     *slog.Logger
}

// Register mounts all routes on the router.
func Register(router chi.Router, deps Dependencies) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	streams := NewStreamHandler(deps)
	hdhr := NewHDHRHandler(deps)
	status := NewStatusHandler(deps)

	router.Get("/stream/{channel}/playlist.m3u8", streams.ServePlaylist)
	router.Get("/stream/{channel}/segment{index:[0-9]+}.m4s", streams.ServeSegment)
	router.Get("/stream/{channel}/init.mp4", streams.ServeInit)

	router.Get("/discover.json", hdhr.Discover)
	router.Get("/lineup.json", hdhr.Lineup)
	router.Get("/lineup_status.json", hdhr.LineupStatus)

	router.Get("/status", status.Status)
	router.Get("/healthz", status.Health)
}
