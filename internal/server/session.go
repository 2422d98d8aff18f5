package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/recall/internal/runtime"
	"github.com/mohammad-safakhou/recall/internal/store"
)

// SessionHandler stores the tenant's sealed Telegram session and reports
// whether one is on file. The session string never leaves the server once
// submitted.
type SessionHandler struct {
	Store  *store.Store
	Cipher *runtime.SessionCipher
}

func (h *SessionHandler) Register(g *echo.Group) {
	g.GET("/me", h.me)
	g.PUT("/session", h.putSession)
	g.GET("/session", h.sessionStatus)
}

// me returns the authenticated tenant.
// @Summary Current tenant
// @Tags session
// @Produce json
// @Success 200 {object} MeResponse
// @Router /api/me [get]
func (h *SessionHandler) me(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, MeResponse{TenantID: tenant.ExternalID, DisplayName: tenant.DisplayName})
}

// putSession seals and stores the tenant's Telegram session string.
// @Summary Store Telegram session
// @Tags session
// @Accept json
// @Success 204
// @Failure 400 {object} HTTPError
// @Router /api/session [put]
func (h *SessionHandler) putSession(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	session := strings.TrimSpace(req.Session)
	if session == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session is required")
	}
	sealed, err := h.Cipher.Seal(session)
	if err != nil {
		return err
	}
	if err := h.Store.SaveTenantSession(c.Request().Context(), tenant.ID, sealed); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// sessionStatus reports whether a sealed session is stored. The session
// itself is never returned.
// @Summary Telegram session status
// @Tags session
// @Produce json
// @Success 200 {object} SessionStatusResponse
// @Router /api/session [get]
func (h *SessionHandler) sessionStatus(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	sealed, ok, err := h.Store.GetTenantSession(c.Request().Context(), tenant.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SessionStatusResponse{Present: ok && sealed != ""})
}

// ensureTenant resolves the authenticated caller to its tenant row,
// provisioning one on first contact.
func ensureTenant(c echo.Context, st *store.Store) (store.Tenant, error) {
	ident, ok := identityOf(c)
	if !ok || strings.TrimSpace(ident.Subject) == "" {
		return store.Tenant{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	ctx := c.Request().Context()
	tenant, found, err := st.GetTenantByExternalID(ctx, ident.Subject)
	if err != nil {
		return store.Tenant{}, err
	}
	if found {
		return tenant, nil
	}
	return st.UpsertTenant(ctx, ident.Subject, ident.Name)
}

func identityOf(c echo.Context) (runtime.Identity, bool) {
	if v := c.Get("identity"); v != nil {
		if ident, ok := v.(runtime.Identity); ok {
			return ident, true
		}
	}
	return runtime.IdentityFromContext(c.Request().Context())
}
