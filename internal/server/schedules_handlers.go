package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/events"
	"github.com/djgnfj-svg/resee/backend/internal/schedules"
	"github.com/djgnfj-svg/resee/backend/internal/tiers"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type schedulePayload struct {
	ContentID       string `json:"content_id"`
	Category        string `json:"category"`
	IntervalIndex   int    `json:"interval_index"`
	NextDueAt       string `json:"next_due_at"`
	NextDueAtS      int64  `json:"next_due_at_s"`
	FirstReviewDone bool   `json:"first_review_done"`
	Active          bool   `json:"active"`
	Version         int64  `json:"version"`
	CreatedAtS      int64  `json:"created_at_s"`
	UpdatedAtS      int64  `json:"updated_at_s"`
}

type outcomePayload struct {
	OutcomeID           string          `json:"outcome_id"`
	ContentID           string          `json:"content_id"`
	Result              string          `json:"result"`
	Score               *float64        `json:"score,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	Tier                string          `json:"tier"`
	IntervalIndexBefore int             `json:"interval_index_before"`
	IntervalIndexAfter  int             `json:"interval_index_after"`
	ReviewedAtS         int64           `json:"reviewed_at_s"`
}

type dueSetPayload struct {
	At          string            `json:"at"`
	Tier        string            `json:"tier"`
	DueCount    int               `json:"due_count"`
	ActiveCount int64             `json:"active_count"`
	Items       []schedulePayload `json:"items"`
}

type applyOutcomeRequest struct {
	Result   string          `json:"result"`
	Score    *float64        `json:"score"`
	Metadata json.RawMessage `json:"metadata"`
}

type applyOutcomeResponse struct {
	Schedule schedulePayload `json:"schedule"`
	Outcome  outcomePayload  `json:"outcome"`
}

type eventResponse struct {
	Type     string           `json:"type"`
	Schedule *schedulePayload `json:"schedule,omitempty"`
	Outcome  *outcomePayload  `json:"outcome,omitempty"`
	Examined int              `json:"examined,omitempty"`
	Changed  []string         `json:"changed,omitempty"`
	Tier     string           `json:"tier,omitempty"`
}

func (h *httpHandler) handleDueSet(c *gin.Context) {
	ownerID, ok := h.ownerFrom(c)
	if !ok {
		return
	}

	at := h.now().UTC()
	if raw := strings.TrimSpace(c.Query("at")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_at"})
			return
		}
		at = parsed.UTC()
	}

	filter := schedules.ContentFilter{Category: strings.TrimSpace(c.Query("category"))}
	for _, raw := range c.QueryArray("content_id") {
		contentID, err := schedules.NewContentID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content_id"})
			return
		}
		filter.ContentIDs = append(filter.ContentIDs, contentID)
	}

	tier, ok := h.effectiveTier(c, ownerID)
	if !ok {
		return
	}

	set, err := h.schedules.SelectDue(c.Request.Context(), schedules.DueQuery{
		OwnerID: ownerID,
		At:      at,
		Tier:    tier,
		Filter:  filter,
	})
	if err != nil {
		h.respondError(c, err, "due_set_failed")
		return
	}

	response := dueSetPayload{
		At:          at.Format(time.RFC3339),
		Tier:        tier.String(),
		DueCount:    set.DueCount,
		ActiveCount: set.ActiveCount,
		Items:       make([]schedulePayload, 0, len(set.Items)),
	}
	for _, state := range set.Items {
		response.Items = append(response.Items, newSchedulePayload(state))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetSchedule(c *gin.Context) {
	ownerID, contentID, ok := h.ownerAndContent(c)
	if !ok {
		return
	}
	state, err := h.schedules.Get(c.Request.Context(), ownerID, contentID)
	if err != nil {
		h.respondError(c, err, "schedule_lookup_failed")
		return
	}
	c.JSON(http.StatusOK, newSchedulePayload(state))
}

func (h *httpHandler) handleListOutcomes(c *gin.Context) {
	ownerID, contentID, ok := h.ownerAndContent(c)
	if !ok {
		return
	}
	outcomes, err := h.schedules.ListOutcomes(c.Request.Context(), ownerID, contentID)
	if err != nil {
		h.respondError(c, err, "outcome_list_failed")
		return
	}
	response := make([]outcomePayload, 0, len(outcomes))
	for _, outcome := range outcomes {
		response = append(response, newOutcomePayload(outcome))
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": response})
}

func (h *httpHandler) handleApplyOutcome(c *gin.Context) {
	ownerID, contentID, ok := h.ownerAndContent(c)
	if !ok {
		return
	}

	var request applyOutcomeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := schedules.ParseReviewResult(request.Result)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_result"})
		return
	}

	tier, ok := h.effectiveTier(c, ownerID)
	if !ok {
		return
	}

	applied, err := h.schedules.ApplyOutcome(c.Request.Context(), schedules.OutcomeRequest{
		OwnerID:   ownerID,
		ContentID: contentID,
		Result:    result,
		Tier:      tier,
		Score:     request.Score,
		Metadata:  request.Metadata,
	})
	if err != nil {
		h.respondError(c, err, "apply_outcome_failed")
		return
	}

	c.JSON(http.StatusOK, applyOutcomeResponse{
		Schedule: newSchedulePayload(applied.Schedule),
		Outcome:  newOutcomePayload(applied.Outcome),
	})
}

func (h *httpHandler) handleInternalEvent(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	envelope, err := events.DecodeEnvelope(body)
	if err != nil {
		h.respondError(c, err, "invalid_event")
		return
	}
	result, err := h.events.Handle(c.Request.Context(), envelope)
	if err != nil {
		h.respondError(c, err, "event_failed")
		return
	}
	c.JSON(http.StatusOK, newEventResponse(result))
}

func (h *httpHandler) ownerAndContent(c *gin.Context) (schedules.OwnerID, schedules.ContentID, bool) {
	ownerID, ok := h.ownerFrom(c)
	if !ok {
		return "", "", false
	}
	contentID, err := schedules.NewContentID(c.Param("content_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content_id"})
		return "", "", false
	}
	return ownerID, contentID, true
}

func (h *httpHandler) respondError(c *gin.Context, err error, fallback string) {
	status, message := classifyError(err, fallback)
	payload := gin.H{"error": message}
	var serviceErr *schedules.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, payload)
}

func classifyError(err error, fallback string) (int, string) {
	switch {
	case errors.Is(err, schedules.ErrScheduleInactive):
		return http.StatusNotFound, "schedule_inactive"
	case errors.Is(err, schedules.ErrScheduleNotFound):
		return http.StatusNotFound, "schedule_not_found"
	case errors.Is(err, schedules.ErrDuplicateSchedule):
		return http.StatusConflict, "duplicate_schedule"
	case errors.Is(err, schedules.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, tiers.ErrInvalidTier):
		return http.StatusBadRequest, "invalid_tier"
	case errors.Is(err, schedules.ErrInvalidResult):
		return http.StatusBadRequest, "invalid_result"
	case errors.Is(err, schedules.ErrInvalidMetadata):
		return http.StatusBadRequest, "invalid_metadata"
	case errors.Is(err, schedules.ErrInvalidOwnerID), errors.Is(err, schedules.ErrInvalidContentID):
		return http.StatusBadRequest, "invalid_identifier"
	case errors.Is(err, events.ErrUnknownEvent), errors.Is(err, events.ErrMalformedEvent):
		return http.StatusBadRequest, "invalid_event"
	default:
		return http.StatusInternalServerError, fallback
	}
}

func newSchedulePayload(state schedules.ScheduleState) schedulePayload {
	return schedulePayload{
		ContentID:       state.ContentID,
		Category:        state.Category,
		IntervalIndex:   state.IntervalIndex,
		NextDueAt:       state.NextDueAt().Format(time.RFC3339),
		NextDueAtS:      state.NextDueAtSeconds,
		FirstReviewDone: state.FirstReviewDone,
		Active:          state.Active,
		Version:         state.Version,
		CreatedAtS:      state.CreatedAtSeconds,
		UpdatedAtS:      state.UpdatedAtSeconds,
	}
}

func newOutcomePayload(outcome schedules.ReviewOutcome) outcomePayload {
	var metadata json.RawMessage
	if len(outcome.Metadata) > 0 {
		metadata = json.RawMessage(outcome.Metadata)
	}
	return outcomePayload{
		OutcomeID:           outcome.OutcomeID,
		ContentID:           outcome.ContentID,
		Result:              string(outcome.Result),
		Score:               outcome.Score,
		Metadata:            metadata,
		Tier:                outcome.Tier,
		IntervalIndexBefore: outcome.IntervalIndexBefore,
		IntervalIndexAfter:  outcome.IntervalIndexAfter,
		ReviewedAtS:         outcome.ReviewedAtSeconds,
	}
}

func newEventResponse(result events.Result) eventResponse {
	response := eventResponse{Type: string(result.Type), Tier: result.Tier}
	if result.Schedule != nil {
		payload := newSchedulePayload(*result.Schedule)
		response.Schedule = &payload
	}
	if result.Outcome != nil {
		payload := newOutcomePayload(*result.Outcome)
		response.Outcome = &payload
	}
	if result.Reconcile != nil {
		response.Examined = result.Reconcile.Examined
		for _, contentID := range result.Reconcile.Changed {
			response.Changed = append(response.Changed, contentID.String())
		}
	}
	return response
}
