package claims

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/newvantageco/ILS2.0-sub011/internal/platform/auth"
	"github.com/newvantageco/ILS2.0-sub011/internal/platform/db"
	"github.com/newvantageco/ILS2.0-sub011/internal/platform/payer"
	"github.com/newvantageco/ILS2.0-sub011/internal/platform/ratelimit"
	"github.com/newvantageco/ILS2.0-sub011/pkg/pagination"
)

// SignatureHeader carries the payer's HMAC over the raw webhook body.
const SignatureHeader = "X-Payer-Signature"

type Handler struct {
	svc      *Service
	webhooks *WebhookProcessor
	retries  RetryQueueRepository
}

func NewHandler(svc *Service, webhooks *WebhookProcessor, retries RetryQueueRepository) *Handler {
	return &Handler{svc: svc, webhooks: webhooks, retries: retries}
}

// RegisterRoutes mounts the claims API on the authenticated group and the
// payer webhook on the unauthenticated hooks group (HMAC is its auth).
func (h *Handler) RegisterRoutes(api *echo.Group, hooks *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "billing"))
	readGroup.GET("/claims", h.ListClaims)
	readGroup.GET("/claims/:id", h.GetClaim)
	readGroup.GET("/claims/:id/events", h.ListClaimEvents)
	readGroup.GET("/retry-queue", h.ListRetryQueue)

	writeGroup := api.Group("", auth.RequireRole("admin", "billing"))
	writeGroup.POST("/claims", h.CreateClaim)
	writeGroup.POST("/claims/:id/submit", h.SubmitClaim)
	writeGroup.DELETE("/claims/:id", h.DeleteClaim)

	hooks.POST("/payer", h.PayerWebhook)
}

func (h *Handler) CreateClaim(c echo.Context) error {
	var in ClaimInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tenantID := db.TenantFromContext(c.Request().Context())
	claim, err := h.svc.Create(c.Request().Context(), tenantID, &in)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, vErr)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, claim)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	claim, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) ListClaims(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ClaimListFilter{
		TenantID: db.TenantFromContext(c.Request().Context()),
		State:    ClaimState(c.QueryParam("state")),
		Limit:    pg.Limit,
		Offset:   pg.Offset,
	}
	claims, total, err := h.svc.List(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(claims, total, pg.Limit, pg.Offset))
}

// SubmitClaim pushes the claim to the payer. A transient payer failure
// returns 202 with the queued claim; a payer rejection returns 200 with the
// rejected claim. Both recorded outcomes are successful API calls.
func (h *Handler) SubmitClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	claim, err := h.svc.Submit(c.Request().Context(), id)
	if err != nil {
		var vErr *ValidationError
		var rlErr *ratelimit.RateLimitedError
		var tErr *payer.TransientError
		var pErr *payer.PermanentError
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "claim not found")
		case errors.Is(err, ErrNotSubmittable):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.As(err, &vErr):
			return echo.NewHTTPError(http.StatusUnprocessableEntity, vErr)
		case errors.As(err, &rlErr):
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(rlErr.RetryAfter.Seconds())))
			return echo.NewHTTPError(http.StatusTooManyRequests, rlErr.Error())
		case errors.As(err, &tErr):
			return c.JSON(http.StatusAccepted, claim)
		case errors.As(err, &pErr):
			return c.JSON(http.StatusOK, claim)
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) DeleteClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "claim not found")
		case errors.Is(err, ErrNotDeletable):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListClaimEvents(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	claim, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	}
	pg := pagination.FromContext(c)
	events, total, err := h.webhooks.ListEvents(c.Request().Context(), claim.ClaimNumber, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListRetryQueue(c echo.Context) error {
	pg := pagination.FromContext(c)
	entries, total, err := h.retries.List(c.Request().Context(), RetryStatus(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}

// PayerWebhook ingests one payer event delivery. The payer retries on
// non-2xx, so anything we recorded must ack: duplicates and protocol
// violations return 2xx, only signature and parse failures reject.
func (h *Handler) PayerWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	result, err := h.webhooks.Ingest(c.Request().Context(), body, c.Request().Header.Get(SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, ErrSignatureInvalid):
			return echo.NewHTTPError(http.StatusUnauthorized, "signature verification failed")
		case errors.Is(err, ErrMalformedEvent):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	switch result.Outcome {
	case OutcomeApplied:
		return c.JSON(http.StatusOK, map[string]string{"status": "applied"})
	case OutcomeDuplicate:
		return c.JSON(http.StatusOK, map[string]string{"status": "duplicate_ignored"})
	case OutcomeUnknownClaim:
		return c.JSON(http.StatusAccepted, map[string]string{"status": "recorded_unknown_claim"})
	case OutcomeProtocolViolation:
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored_invalid_transition"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": string(result.Outcome)})
}
