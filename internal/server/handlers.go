package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/abakedjoetato/killfeed/internal/aggregate"
	"github.com/abakedjoetato/killfeed/internal/feed"
	"github.com/abakedjoetato/killfeed/internal/logging"
	"github.com/abakedjoetato/killfeed/pkg/types"
	"github.com/go-chi/chi/v5"
)

// Query limits.
const (
	DefaultLeaderboardSize = 10
	MaxLeaderboardSize     = 100
	MaxFeedLimit           = 1000
	MaxFactions            = 50
	maxBodyBytes           = 1 << 20
)

type handlers struct {
	sources  map[string]types.Source
	stats    Stats
	progress Progress
	resetter Resetter
	feed     Poller
	logger   *logging.Logger
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}

// intParam parses an optional query parameter, clamping it to [1, max].
func intParam(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New(name + " must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

// timeParam parses an optional RFC 3339 query parameter.
func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(name + " must be an RFC 3339 timestamp")
	}
	return t, nil
}

// knownSource answers 404 for source ids missing from the configuration.
func (h *handlers) knownSource(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := h.sources[chi.URLParam(r, "id")]; !ok {
			respondError(w, http.StatusNotFound, "unknown_source", "no such source")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) playerStats(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if _, ok := h.sources[source]; source != "" && !ok {
		respondError(w, http.StatusNotFound, "unknown_source", "no such source")
		return
	}
	scope, ok := windowScope(w, r, source)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.stats.PlayerStats(r.Context(), chi.URLParam(r, "id"), scope))
}

func (h *handlers) serverStats(w http.ResponseWriter, r *http.Request) {
	scope, ok := sourceScope(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.stats.ServerStats(r.Context(), scope))
}

func (h *handlers) activityStats(w http.ResponseWriter, r *http.Request) {
	scope, ok := sourceScope(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.stats.ActivityStats(r.Context(), scope))
}

func (h *handlers) leaderboard(w http.ResponseWriter, r *http.Request) {
	stat := r.URL.Query().Get("stat")
	if stat == "" {
		stat = aggregate.StatKills
	}
	if !aggregate.ValidStat(stat) {
		respondError(w, http.StatusBadRequest, "invalid_stat", "stat must be kills, deaths or kd")
		return
	}
	limit, err := intParam(r, "limit", DefaultLeaderboardSize, MaxLeaderboardSize)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}

	scope, ok := sourceScope(w, r)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"source_id": scope.SourceID,
		"stat":      stat,
		"entries":   h.stats.Leaderboard(r.Context(), scope, stat, limit),
	})
}

func (h *handlers) weaponStats(w http.ResponseWriter, r *http.Request) {
	scope, ok := sourceScope(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"source_id": scope.SourceID,
		"weapons":   h.stats.WeaponStats(r.Context(), scope),
	})
}

// sourceScope reads the source id and the optional since/until window. It
// answers 400 itself and reports false on bad input.
func sourceScope(w http.ResponseWriter, r *http.Request) (aggregate.Scope, bool) {
	return windowScope(w, r, chi.URLParam(r, "id"))
}

func windowScope(w http.ResponseWriter, r *http.Request, sourceID string) (aggregate.Scope, bool) {
	var err error
	scope := aggregate.Scope{SourceID: sourceID}
	if scope.Since, err = timeParam(r, "since"); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_since", err.Error())
		return scope, false
	}
	if scope.Until, err = timeParam(r, "until"); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_until", err.Error())
		return scope, false
	}
	return scope, true
}

func (h *handlers) sourceProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := h.progress.List(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("source", id).Msg("Failed to list progress")
		respondError(w, http.StatusInternalServerError, "progress_failed", "progress unavailable")
		return
	}
	if records == nil {
		records = []types.ProgressRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"source_id": id,
		"progress":  records,
	})
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.resetter.Reset(r.Context(), id); err != nil {
		h.logger.Error().Err(err).Str("source", id).Msg("Reset failed")
		respondError(w, http.StatusInternalServerError, "reset_failed", err.Error())
		return
	}
	h.logger.Info().Str("source", id).Str("remote", r.RemoteAddr).Msg("Source reset over API")
	respondJSON(w, http.StatusOK, map[string]interface{}{"source_id": id, "reset": true})
}

type feedResponse struct {
	Events []types.Envelope `json:"events"`
	Cursor feed.Cursor      `json:"cursor"`
}

func (h *handlers) pollFeed(w http.ResponseWriter, r *http.Request) {
	collection, err := feed.ParseCollection(chi.URLParam(r, "collection"))
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown_collection", err.Error())
		return
	}

	cursor := feed.Cursor{Collection: collection, SourceID: r.URL.Query().Get("source")}
	if raw := r.URL.Query().Get("after"); raw != "" {
		cursor.LastID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor.LastID < 0 {
			respondError(w, http.StatusBadRequest, "invalid_after", "after must be a non-negative event id")
			return
		}
	}
	limit, err := intParam(r, "limit", feed.DefaultLimit, MaxFeedLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}

	events, next := h.feed.Poll(r.Context(), cursor, limit)
	envelopes, err := types.WrapAll(events)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode feed")
		respondError(w, http.StatusInternalServerError, "encode_failed", "feed unavailable")
		return
	}
	respondJSON(w, http.StatusOK, feedResponse{Events: envelopes, Cursor: next})
}

type factionRequest struct {
	Factions []types.Faction `json:"factions"`
}

func (h *handlers) factionLeaderboard(w http.ResponseWriter, r *http.Request) {
	var req factionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "body must be a JSON object with a factions array")
		return
	}
	if len(req.Factions) > MaxFactions {
		respondError(w, http.StatusBadRequest, "too_many_factions", "at most "+strconv.Itoa(MaxFactions)+" factions per request")
		return
	}
	for _, f := range req.Factions {
		if f.Name == "" {
			respondError(w, http.StatusBadRequest, "invalid_faction", "every faction needs a name")
			return
		}
	}
	respondJSON(w, http.StatusOK, h.stats.FactionLeaderboard(r.Context(), req.Factions))
}
