package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kineticman/prismcast/internal/config"
	"github.com/kineticman/prismcast/internal/repository"
)

// HDHRHandler emulates enough of the HDHomeRun HTTP discovery surface for
// DVR applications to adopt prismcast as a network tuner.
type HDHRHandler struct {
	channels *repository.ChannelRepository
	tuner    config.TunerConfig
	baseURL  string
	version  string
	logger   *slog.Logger
}

// NewHDHRHandler creates the discovery handler.
func NewHDHRHandler(deps Dependencies) *HDHRHandler {
	return &HDHRHandler{
		channels: deps.Channels,
		tuner:    deps.Tuner,
		baseURL:  deps.BaseURL,
		version:  deps.Version,
		logger:   deps.Logger,
	}
}

// discoverResponse mirrors the fields HDHomeRun clients read.
type discoverResponse struct {
	FriendlyName    string `json:"FriendlyName"`
	Manufacturer    string `json:"Manufacturer"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	TunerCount      int    `json:"TunerCount"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
}

// lineupEntry is one lineup.json row.
type lineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// lineupStatusResponse reports a completed channel scan.
type lineupStatusResponse struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
}

// base derives the advertised base URL, preferring the configured override.
func (h *HDHRHandler) base(r *http.Request) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// Discover serves discover.json.
func (h *HDHRHandler) Discover(w http.ResponseWriter, r *http.Request) {
	base := h.base(r)
	writeJSON(w, discoverResponse{
		FriendlyName:    h.tuner.FriendlyName,
		Manufacturer:    "PrismCast",
		ModelNumber:     "HDTC-2US",
		FirmwareName:    "hdhomeruntc_atsc",
		FirmwareVersion: h.version,
		DeviceID:        h.tuner.DeviceID,
		DeviceAuth:      "prismcast",
		TunerCount:      h.tuner.TunerCount,
		BaseURL:         base,
		LineupURL:       base + "/lineup.json",
	})
}

// Lineup serves lineup.json with one row per enabled channel.
func (h *HDHRHandler) Lineup(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channels.ListEnabled(r.Context())
	if err != nil {
		h.logger.Error("listing lineup failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	base := h.base(r)
	lineup := make([]lineupEntry, 0, len(channels))
	for _, channel := range channels {
		lineup = append(lineup, lineupEntry{
			GuideNumber: fmt.Sprintf("%d", channel.Number),
			GuideName:   channel.Name,
			URL:         fmt.Sprintf("%s/stream/%d/playlist.m3u8", base, channel.Number),
		})
	}

	writeJSON(w, lineup)
}

// LineupStatus serves lineup_status.json.
func (h *HDHRHandler) LineupStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, lineupStatusResponse{
		ScanInProgress: 0,
		ScanPossible:   1,
		Source:         "Cable",
		SourceList:     []string{"Cable"},
	})
}

// writeJSON encodes a JSON response body.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	_ = json.NewEncoder(w).Encode(v)
}
