package handler

import (
	"net/http"
	"time"

	"github.com/newthinker/quotegate/internal/api/response"
	"github.com/newthinker/quotegate/internal/core"
	"github.com/newthinker/quotegate/internal/quota"
	"go.uber.org/zap"
)

// ProviderStatus reports one provider's quota usage and cooldown.
type ProviderStatus struct {
	quota.State
	Remaining     int        `json:"remaining"` // -1 means unlimited
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// ProviderSource lists providers and their cooldowns.
type ProviderSource interface {
	Providers() []string
	Cooldowns() map[string]time.Time
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	tracker   quota.Tracker
	providers ProviderSource
	logger    *zap.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(tracker quota.Tracker, providers ProviderSource, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{tracker: tracker, providers: providers, logger: logger}
}

// Quota handles GET /api/v1/admin/quota
func (h *AdminHandler) Quota(w http.ResponseWriter, r *http.Request) {
	cooldowns := h.providers.Cooldowns()
	names := h.providers.Providers()

	out := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		st, err := h.tracker.State(r.Context(), name)
		if err != nil {
			h.logger.Warn("reading quota state", zap.String("provider", name), zap.Error(err))
			response.Error(w, http.StatusServiceUnavailable, core.WrapError(core.ErrBackendDown, err))
			return
		}
		ps := ProviderStatus{State: st, Remaining: st.Remaining()}
		if until, ok := cooldowns[name]; ok {
			u := until.UTC()
			ps.CooldownUntil = &u
		}
		out = append(out, ps)
	}

	response.JSON(w, http.StatusOK, map[string]any{
		"providers": out,
	})
}
