package api

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"rugcomposer/core"
	"rugcomposer/db"
	"rugcomposer/ledger"
	"rugcomposer/render"
)

// Bounds of the admin attempts listing.
const (
	DefaultRendersLimit = 50
	MaxRendersLimit     = 200
)

const statsRecentLimit = 20

type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{Status: "ok", DB: "ok"}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if s.deps.DB == nil || s.deps.DB.Ping(ctx) != nil {
		resp.DB = "error"
	}
	c.JSON(http.StatusOK, resp)
}

type renderResponse struct {
	AttemptID     string                `json:"attemptId"`
	B64JSON       []byte                `json:"b64_json"`
	Mode          string                `json:"mode"`
	Score         *float64              `json:"score,omitempty"`
	RugAreaRatio  *float64              `json:"rugAreaRatio,omitempty"`
	ShadowApplied bool                  `json:"shadowApplied"`
	EdgePolished  bool                  `json:"edgePolished"`
	FallbackUsed  bool                  `json:"fallbackUsed"`
	ArchiveKey    string                `json:"archiveKey,omitempty"`
	Usage         *ledger.UsageSnapshot `json:"usage,omitempty"`
}

// newRenderResponse converts a result. The image is base64 encoded by
// encoding/json. A rejected candidate's infinite score is omitted.
func newRenderResponse(result *render.Result) renderResponse {
	resp := renderResponse{
		AttemptID:     result.AttemptID,
		B64JSON:       result.Image,
		Mode:          string(result.Mode),
		ShadowApplied: result.ShadowApplied,
		EdgePolished:  result.EdgePolished,
		FallbackUsed:  result.FallbackUsed,
		ArchiveKey:    result.ArchiveKey,
		Usage:         result.Usage,
	}
	if m := result.Metrics; m != nil {
		if !math.IsInf(m.Score, 0) && !math.IsNaN(m.Score) {
			score := m.Score
			resp.Score = &score
		}
		ratio := m.RugAreaRatio
		resp.RugAreaRatio = &ratio
	}
	return resp
}

func (s *Server) handleRender(c *gin.Context) {
	room, err := readFormFile(c, "roomImage")
	if err != nil {
		s.respondError(c, err)
		return
	}
	carpet, err := readFormFile(c, "carpetImage")
	if err != nil {
		s.respondError(c, err)
		return
	}

	req := render.Request{
		UserID:       c.GetHeader(HeaderUserID),
		Mode:         c.PostForm("mode"),
		RoomBytes:    room,
		CarpetBytes:  carpet,
		CarpetName:   c.PostForm("carpetName"),
		CustomerNote: c.PostForm("customerNote"),
	}

	var result *render.Result
	err = s.track("render", func() error {
		var renderErr error
		result, renderErr = s.deps.Renderer.Render(c.Request.Context(), req)
		return renderErr
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRenderResponse(result))
}

// readFormFile reads a required multipart file field.
func readFormFile(c *gin.Context, field string) ([]byte, error) {
	header, err := c.FormFile(field)
	if err != nil {
		var maxBytes *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytes):
			return nil, err
		case errors.Is(err, http.ErrMissingFile):
			return nil, core.NewValidationError(field + " is required")
		default:
			return nil, core.NewValidationError("request must be multipart/form-data")
		}
	}

	f, err := header.Open()
	if err != nil {
		return nil, core.NewValidationError(field + " could not be read")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, core.NewValidationError(field + " could not be read")
	}
	if len(data) == 0 {
		return nil, core.NewValidationError(field + " is empty")
	}
	return data, nil
}

func (s *Server) handleUsage(c *gin.Context) {
	snapshot, err := s.deps.Usage.UsageSnapshot(c.Request.Context(), c.GetHeader(HeaderUserID), s.opts.DailyLimitHint)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type consumeRequest struct {
	Type   string `json:"type"`
	Amount int    `json:"amount"`
}

type consumeResponse struct {
	Allowed bool                 `json:"allowed"`
	Balance int                  `json:"balance"`
	Usage   ledger.UsageSnapshot `json:"usage"`
}

func (s *Server) handleConsume(c *gin.Context) {
	var body consumeRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(c, core.NewValidationError("invalid JSON body"))
		return
	}
	if body.Amount < 1 {
		body.Amount = 1
	}
	if body.Type == "" {
		body.Type = ledger.ReasonRender
	}

	userID := c.GetHeader(HeaderUserID)
	result, err := s.deps.Usage.Consume(c.Request.Context(), userID, body.Amount, body.Type)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !result.Allowed {
		s.respondError(c, core.NewLimitReachedError())
		return
	}

	snapshot, err := s.deps.Usage.UsageSnapshot(c.Request.Context(), userID, s.opts.DailyLimitHint)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, consumeResponse{Allowed: true, Balance: result.NewBalance, Usage: snapshot})
}

type attemptView struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Mode         string    `json:"mode"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	CarpetName   string    `json:"carpetName,omitempty"`
	CustomerNote string    `json:"customerNote,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (s *Server) handleListRenders(c *gin.Context) {
	limit := parseLimit(c.Query("limit"))
	attempts, err := s.deps.Attempts.ListRecentRenderAttempts(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, core.NewInternalError("could not list render attempts", err))
		return
	}

	views := make([]attemptView, len(attempts))
	for i, a := range attempts {
		views[i] = toAttemptView(a)
	}
	c.JSON(http.StatusOK, gin.H{"attempts": views, "limit": limit})
}

// parseLimit clamps the limit query to 1..MaxRendersLimit. Missing or
// malformed values use DefaultRendersLimit.
func parseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultRendersLimit
	}
	return min(max(n, 1), MaxRendersLimit)
}

func toAttemptView(a db.RenderAttempt) attemptView {
	return attemptView{
		ID:           a.ID,
		UserID:       a.UserID,
		Mode:         a.Mode,
		Status:       a.Status,
		Error:        a.Error,
		CarpetName:   a.CarpetName,
		CustomerNote: a.CustomerNote,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func (s *Server) handleStats(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusOK, gin.H{"totalRenders": 0})
		return
	}
	c.JSON(http.StatusOK, s.deps.History.Summary(statsRecentLimit))
}

// track runs fn through the shutdown tracker when one is configured.
func (s *Server) track(name string, fn func() error) error {
	if s.deps.Tracker == nil {
		return fn()
	}
	return s.deps.Tracker.Track(name, fn)
}
