package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BradenHooton/ladderguard/internal/auth"
	"github.com/BradenHooton/ladderguard/internal/models"
	pkghttp "github.com/BradenHooton/ladderguard/pkg/http"
)

// BlockServiceInterface defines the block-list operations exposed to administrators
type BlockServiceInterface interface {
	BlockIdentifier(ctx context.Context, rc models.RequestContext, purpose, identifier string, duration time.Duration, reason string) error
	IsBlocked(ctx context.Context, rc models.RequestContext, purpose, identifier string) *models.BlockRecord
	Unblock(ctx context.Context, rc models.RequestContext, purpose, identifier string) error
}

// LockoutServiceInterface defines the lockout operations exposed to administrators
type LockoutServiceInterface interface {
	Attempts(ctx context.Context, rc models.RequestContext, purpose, identifier string) int
	Remaining(ctx context.Context, rc models.RequestContext, purpose, identifier string) time.Duration
	Reset(ctx context.Context, rc models.RequestContext, purpose, identifier string)
}

// AdminHandler handles block-list and lockout administration
type AdminHandler struct {
	blocks   BlockServiceInterface
	lockouts LockoutServiceInterface
	logger   *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(blocks BlockServiceInterface, lockouts LockoutServiceInterface, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{blocks: blocks, lockouts: lockouts, logger: logger}
}

// BlockRequest is the body of POST /admin/blocks
type BlockRequest struct {
	Purpose         string `json:"purpose" validate:"required,max=64,printascii"`
	Identifier      string `json:"identifier" validate:"required,max=256"`
	DurationSeconds int    `json:"duration_seconds" validate:"required,gte=1,lte=2592000"`
	Reason          string `json:"reason" validate:"max=256"`
}

// BlockResponse describes a block-list entry
type BlockResponse struct {
	Purpose      string     `json:"purpose"`
	Identifier   string     `json:"identifier"`
	Blocked      bool       `json:"blocked"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// LockoutResponse describes the lockout state of an identifier
type LockoutResponse struct {
	Purpose          string `json:"purpose"`
	Identifier       string `json:"identifier"`
	Attempts         int    `json:"attempts"`
	Locked           bool   `json:"locked"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}

// CreateBlock handles POST /admin/blocks
func (h *AdminHandler) CreateBlock(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	ctx := r.Context()
	rc := auth.GetRequestContext(ctx)
	duration := time.Duration(req.DurationSeconds) * time.Second
	if err := h.blocks.BlockIdentifier(ctx, rc, req.Purpose, req.Identifier, duration, req.Reason); err != nil {
		h.logger.Error("failed to block identifier", slog.String("purpose", req.Purpose), slog.Any("error", err))
		pkghttp.WriteServiceUnavailable(w, "Block list is unavailable")
		return
	}

	until := rc.Time().Add(duration).UTC()
	pkghttp.WriteJSON(w, http.StatusCreated, BlockResponse{
		Purpose:      req.Purpose,
		Identifier:   req.Identifier,
		Blocked:      true,
		BlockedUntil: &until,
		Reason:       req.Reason,
	})
}

// GetBlock handles GET /admin/blocks/{purpose}/{identifier}
func (h *AdminHandler) GetBlock(w http.ResponseWriter, r *http.Request) {
	purpose, identifier := chi.URLParam(r, "purpose"), chi.URLParam(r, "identifier")
	ctx := r.Context()

	resp := BlockResponse{Purpose: purpose, Identifier: identifier}
	if block := h.blocks.IsBlocked(ctx, auth.GetRequestContext(ctx), purpose, identifier); block != nil {
		until := block.Until().UTC()
		resp.Blocked = true
		resp.BlockedUntil = &until
		resp.Reason = block.Reason
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// DeleteBlock handles DELETE /admin/blocks/{purpose}/{identifier}
func (h *AdminHandler) DeleteBlock(w http.ResponseWriter, r *http.Request) {
	purpose, identifier := chi.URLParam(r, "purpose"), chi.URLParam(r, "identifier")
	ctx := r.Context()

	if err := h.blocks.Unblock(ctx, auth.GetRequestContext(ctx), purpose, identifier); err != nil {
		h.logger.Error("failed to unblock identifier", slog.String("purpose", purpose), slog.Any("error", err))
		pkghttp.WriteServiceUnavailable(w, "Block list is unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetLockout handles GET /admin/lockouts/{purpose}/{identifier}
func (h *AdminHandler) GetLockout(w http.ResponseWriter, r *http.Request) {
	purpose, identifier := chi.URLParam(r, "purpose"), chi.URLParam(r, "identifier")
	ctx := r.Context()
	rc := auth.GetRequestContext(ctx)

	remaining := h.lockouts.Remaining(ctx, rc, purpose, identifier)
	pkghttp.WriteJSON(w, http.StatusOK, LockoutResponse{
		Purpose:          purpose,
		Identifier:       identifier,
		Attempts:         h.lockouts.Attempts(ctx, rc, purpose, identifier),
		Locked:           remaining > 0,
		RemainingSeconds: int64(remaining.Round(time.Second) / time.Second),
	})
}

// DeleteLockout handles DELETE /admin/lockouts/{purpose}/{identifier}
func (h *AdminHandler) DeleteLockout(w http.ResponseWriter, r *http.Request) {
	purpose, identifier := chi.URLParam(r, "purpose"), chi.URLParam(r, "identifier")
	ctx := r.Context()

	h.lockouts.Reset(ctx, auth.GetRequestContext(ctx), purpose, identifier)
	w.WriteHeader(http.StatusNoContent)
}
