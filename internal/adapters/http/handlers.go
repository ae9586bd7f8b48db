package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/adapters/joinapi"
	"github.com/dkeye/Meet/internal/app/broadcast"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/app/stage"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/layout"
)

const (
	groupKey = "group"

	sessionMeetingKey = "meeting_id"
	sessionNameKey    = "name"
)

type handlers struct {
	Deps
}

type JoinRequest struct {
	MeetingID string `json:"meetingId" binding:"required"`
	Name      string `json:"name"`
	Picture   string `json:"picture"`
	AudioOnly bool   `json:"audioOnly"`
}

type JoinResponse struct {
	MeetingID    string                             `json:"meetingId"`
	StageArn     string                             `json:"stageArn"`
	Participants map[domain.ParticipantGroup]string `json:"participants"`
}

type FreeSlotRequest struct {
	RecipientID string `json:"recipientId" binding:"required"`
}

type AudioOnlyRequest struct {
	Enabled bool `json:"enabled"`
}

type BroadcastRequest struct {
	StreamKey      string `json:"streamKey"`
	IngestEndpoint string `json:"ingestEndpoint"`
}

type LayoutQuery struct {
	Count  int     `form:"count" binding:"min=0"`
	Width  float64 `form:"width" binding:"required,gt=0"`
	Height float64 `form:"height" binding:"required,gt=0"`
	Screen bool    `form:"screen"`
}

type LayoutResponse struct {
	Fit          layout.Fit    `json:"fit"`
	Slots        []layout.Slot `json:"slots"`
	MaxGridWidth *float64      `json:"maxGridWidth,omitempty"`
}

type LayerInfo struct {
	Name     string                 `json:"name"`
	Tracks   []string               `json:"tracks"`
	Position *core.VideoComposition `json:"position,omitempty"`
	Overlays []string               `json:"overlays,omitempty"`
}

// writeError maps domain errors onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}

	var bErr *core.BroadcastError
	switch {
	case errors.As(err, &bErr):
		switch {
		case errors.Is(err, broadcast.ErrMissingConfig):
			status = http.StatusBadRequest
		case errors.Is(err, broadcast.ErrConnectionTimeout):
			status = http.StatusGatewayTimeout
		case errors.Is(err, context.Canceled):
			status = http.StatusRequestTimeout
		default:
			status = http.StatusBadGateway
		}
		body["name"] = bErr.Name
		body["code"] = bErr.Code
	case errors.Is(err, domain.ErrInvalidGroup):
		status = http.StatusBadRequest
	case errors.Is(err, orch.ErrNotJoined), errors.Is(err, stage.ErrStageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orch.ErrAlreadyJoined), errors.Is(err, orch.ErrNoCapacity):
		status = http.StatusConflict
	case errors.Is(err, orch.ErrNoMessenger), errors.Is(err, orch.ErrNoMedia):
		status = http.StatusServiceUnavailable
	case errors.Is(err, stage.ErrFreeSlotTimedOut), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, joinapi.ErrJoinFailed), errors.Is(err, stage.ErrRepublishFailed):
		status = http.StatusBadGateway
	case errors.Is(err, domain.ErrMeetingIDEmpty), errors.Is(err, domain.ErrStageConfigMissing):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	}
	if status >= http.StatusInternalServerError {
		log.Error().Str("module", "adapters.http").Str("path", c.FullPath()).Int("status", status).Err(err).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) meetingStatus(c *gin.Context) {
	st, err := h.Orch.Status()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) capacity(c *gin.Context) {
	stages, err := h.Orch.Stages()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hasCapacity": stages.HasPublishCapacity(),
		"publishers":  stages.Publishers(),
		"capacity":    stages.PublisherRegistry().Capacity(),
	})
}

func (h *handlers) layoutPreview(c *gin.Context) {
	var q LayoutQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fit := h.Solver.BestFitWithOverflow(q.Count, q.Width, q.Height, q.Screen)
	resp := LayoutResponse{Fit: fit, Slots: fit.Slots()}
	cfg := h.Solver.Config()
	if w, ok := layout.MaxGridWidth(fit, cfg.GridGap, cfg.RenderedAspectRatio(q.Screen)); ok {
		resp.MaxGridWidth = &w
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid meetingId"})
		return
	}
	sess := sessions.Default(c)
	if req.Name == "" {
		req.Name, _ = sess.Get(sessionNameKey).(string)
	}

	resp, err := h.Orch.Join(c.Request.Context(), req.MeetingID, orch.JoinParams{
		Name:      req.Name,
		Picture:   req.Picture,
		AudioOnly: req.AudioOnly,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	sess.Set(sessionMeetingKey, resp.MeetingID)
	if req.Name != "" {
		sess.Set(sessionNameKey, req.Name)
	}
	if err := sess.Save(); err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("save session")
	}

	out := JoinResponse{MeetingID: resp.MeetingID, StageArn: resp.StageArn, Participants: make(map[domain.ParticipantGroup]string)}
	for g, cfg := range resp.StageConfigs {
		out.Participants[g] = cfg.ParticipantID
	}
	log.Info().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Str("meeting", resp.MeetingID).Msg("join requested")
	c.JSON(http.StatusOK, out)
}

func (h *handlers) leave(c *gin.Context) {
	if err := h.Orch.Leave(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) rejoin(c *gin.Context) {
	if err := h.Orch.Rejoin(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) destroy(c *gin.Context) {
	if err := h.Orch.Destroy(); err != nil {
		writeError(c, err)
		return
	}
	sess := sessions.Default(c)
	sess.Delete(sessionMeetingKey)
	_ = sess.Save()
	c.Status(http.StatusNoContent)
}

// resolveGroup validates the :group path segment.
func (h *handlers) resolveGroup(c *gin.Context) {
	g, err := domain.ParseParticipantGroup(c.Param("group"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set(groupKey, g)
	c.Next()
}

func groupOf(c *gin.Context) domain.ParticipantGroup {
	g, _ := c.Get(groupKey)
	group, _ := g.(domain.ParticipantGroup)
	return group
}

func (h *handlers) stage(c *gin.Context) (*stage.Stage, bool) {
	s, err := h.Orch.Stage(groupOf(c))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return s, true
}

func (h *handlers) publish(c *gin.Context) {
	if err := h.Orch.Publish(groupOf(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) unpublish(c *gin.Context) {
	if err := h.Orch.Unpublish(groupOf(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) republish(c *gin.Context) {
	s, ok := h.stage(c)
	if !ok {
		return
	}
	if err := s.Republish(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) resubscribe(c *gin.Context) {
	s, ok := h.stage(c)
	if !ok {
		return
	}
	s.Resubscribe()
	c.Status(http.StatusNoContent)
}

func (h *handlers) simulcast(c *gin.Context) {
	var cfg core.SimulcastConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid simulcast config"})
		return
	}
	s, ok := h.stage(c)
	if !ok {
		return
	}
	if err := s.SetSimulcast(c.Request.Context(), &cfg); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) audioOnly(c *gin.Context) {
	var req AudioOnlyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	s, ok := h.stage(c)
	if !ok {
		return
	}
	s.SetAudioOnly(req.Enabled)
	c.JSON(http.StatusOK, gin.H{"subscribeType": s.SubscribeType().String()})
}

func (h *handlers) freeSlot(c *gin.Context) {
	var req FreeSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing recipientId"})
		return
	}
	if err := h.Orch.FreeSlot(c.Request.Context(), groupOf(c), req.RecipientID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) broadcastStatus(c *gin.Context) {
	layers := h.Broadcast.Layers()
	out := make([]LayerInfo, 0, len(layers))
	for _, l := range layers {
		info := LayerInfo{Name: l.Name, Position: l.Position, Overlays: h.Broadcast.Overlays(l.Name)}
		for _, t := range l.Tracks {
			info.Tracks = append(info.Tracks, t.ID())
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{
		"live":         h.Broadcast.Live(),
		"created":      h.Broadcast.Created(),
		"dependencies": h.Broadcast.Dependencies(),
		"layers":       out,
	})
}

func (h *handlers) startBroadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.Broadcast.StartBroadcast(c.Request.Context(), req.StreamKey, req.IngestEndpoint); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"live": true})
}

func (h *handlers) stopBroadcast(c *gin.Context) {
	h.Broadcast.StopBroadcast()
	c.Status(http.StatusNoContent)
}
