package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"beacon-registry/internal/catalog"
	"beacon-registry/internal/events"
	"beacon-registry/internal/model"
	"beacon-registry/internal/notification"
	"beacon-registry/internal/parse"
	"beacon-registry/internal/registry"
)

const dispatchTimeout = time.Second

type createBeaconRequest struct {
	UserID        string   `json:"user_id"`
	Username      string   `json:"username"`
	Game          string   `json:"game"`
	Platform      string   `json:"platform"`
	DurationHours *float64 `json:"duration_hours"`
	Duration      string   `json:"duration"`
}

type createBeaconResponse struct {
	BeaconID       string       `json:"beacon_id"`
	MatchedUserIDs []string     `json:"matched_user_ids"`
	Beacon         model.Beacon `json:"beacon"`
}

// beaconEntry is one waiting user in a listing.
type beaconEntry struct {
	UserID           string `json:"user_id"`
	Username         string `json:"username"`
	Platform         string `json:"platform"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}

// CreateBeacon handles POST /api/beacons.
func (h *Handler) CreateBeacon(c *gin.Context) {
	var req createBeaconRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid request body: "+err.Error())
		return
	}

	duration, err := h.requestedDuration(req)
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	res, err := h.beacons.Create(c.Request.Context(), registry.CreateRequest{
		UserID:   req.UserID,
		Username: req.Username,
		Game:     req.Game,
		Platform: req.Platform,
		Duration: duration,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	matched := make([]string, 0, len(res.Matched))
	for _, m := range res.Matched {
		matched = append(matched, m.UserID)
	}

	b := res.Beacon
	h.dispatch(c.Request.Context(), notification.Job{
		EventKey: events.RKBeaconCreated,
		Event: events.BeaconCreated{
			BeaconID: b.UniqueID,
			UserID:   b.UserID,
			Username: b.Username,
			Game:     b.Game,
			Platform: b.Platform,
			Start:    b.StartTime,
			End:      b.EndTime,
		},
	})
	if len(matched) > 0 {
		job := notification.Job{
			EventKey: events.RKBeaconMatched,
			Event: events.BeaconMatched{
				BeaconID:       b.UniqueID,
				UserID:         b.UserID,
				Game:           b.Game,
				Platform:       b.Platform,
				MatchedUserIDs: matched,
			},
			NotifyUserIDs: matched,
		}
		if g, err := h.catalog.Lookup(b.Game); err == nil {
			job.Message = notification.MatchMessage(g, b)
		}
		h.dispatch(c.Request.Context(), job)
	}

	c.JSON(http.StatusCreated, createBeaconResponse{
		BeaconID:       b.UniqueID,
		MatchedUserIDs: matched,
		Beacon:         b,
	})
}

// StopBeacons handles DELETE /api/beacons/:user_id with an optional game query.
func (h *Handler) StopBeacons(c *gin.Context) {
	userID := c.Param("user_id")
	game := c.Query("game")

	removed, err := h.beacons.Stop(c.Request.Context(), userID, game)
	if err != nil {
		h.fail(c, err)
		return
	}

	if removed > 0 {
		h.dispatch(c.Request.Context(), notification.Job{
			EventKey: events.RKBeaconStopped,
			Event: events.BeaconStopped{
				UserID:  userID,
				Game:    h.gameCode(game),
				Removed: removed,
			},
		})
	}

	c.JSON(http.StatusOK, gin.H{"removed_count": removed})
}

// ListBeacons handles GET /api/beacons. Without a game query every game
// with at least one waiting user is listed.
func (h *Handler) ListBeacons(c *gin.Context) {
	now := h.clock.Now()

	if game := c.Query("game"); game != "" {
		beacons, err := h.beacons.ListByGame(c.Request.Context(), game)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, map[string][]beaconEntry{h.gameCode(game): entries(beacons, now)})
		return
	}

	all, err := h.beacons.ListAll(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make(map[string][]beaconEntry, len(all))
	for code, beacons := range all {
		out[code] = entries(beacons, now)
	}
	c.JSON(http.StatusOK, out)
}

// ListUserBeacons handles GET /api/beacons/:user_id.
func (h *Handler) ListUserBeacons(c *gin.Context) {
	beacons, err := h.beacons.ListByUser(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	now := h.clock.Now()
	out := make(map[string][]beaconEntry)
	for _, b := range beacons {
		out[b.Game] = append(out[b.Game], entry(b, now))
	}
	c.JSON(http.StatusOK, out)
}

// GetGames handles GET /api/games.
func (h *Handler) GetGames(c *gin.Context) {
	c.JSON(http.StatusOK, h.catalog.Games())
}

// requestedDuration reads duration_hours or duration, falling back to the
// default wait when neither is present.
func (h *Handler) requestedDuration(req createBeaconRequest) (time.Duration, error) {
	switch {
	case req.DurationHours != nil:
		return parse.Hours(*req.DurationHours), nil
	case req.Duration != "":
		return parse.WaitTime(req.Duration)
	default:
		return h.defaultWait, nil
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, registry.ErrInvalidRequest) {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	log.Printf("Request %s %s failed: %v", c.Request.Method, c.FullPath(), err)
	writeError(c, http.StatusServiceUnavailable, codeStorageUnavailable, "storage is unavailable, try again later")
}

func (h *Handler) dispatch(parent context.Context, job notification.Job) {
	if h.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), dispatchTimeout)
	defer cancel()
	if err := h.dispatcher.Dispatch(ctx, job); err != nil {
		log.Printf("Error dispatching %s: %v", job.EventKey, err)
	}
}

// gameCode maps a code or alias to its catalog code, or returns it
// normalized. Both spellings of "every game" map to "".
func (h *Handler) gameCode(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == registry.AllGames {
		return ""
	}
	if g, err := h.catalog.Lookup(name); err == nil {
		return g.Code
	}
	return catalog.Normalize(name)
}

func entry(b model.Beacon, now time.Time) beaconEntry {
	return beaconEntry{
		UserID:           b.UserID,
		Username:         b.Username,
		Platform:         b.Platform,
		RemainingSeconds: int64(b.Remaining(now) / time.Second),
	}
}

func entries(beacons []model.Beacon, now time.Time) []beaconEntry {
	out := make([]beaconEntry, 0, len(beacons))
	for _, b := range beacons {
		out = append(out, entry(b, now))
	}
	return out
}
