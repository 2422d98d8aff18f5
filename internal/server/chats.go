package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/recall/internal/fault"
	"github.com/mohammad-safakhou/recall/internal/store"
	"github.com/mohammad-safakhou/recall/internal/telegram"
)

// ChatLister is the bridge surface the refresh path needs.
type ChatLister interface {
	ListChats(ctx context.Context, session string) ([]telegram.ChatInfo, error)
}

// SessionResolver unseals a tenant's Telegram session.
type SessionResolver interface {
	SessionFor(ctx context.Context, tenantID int64) (string, error)
}

// ChatsHandler lists the chats a tenant can index. The stored set is the
// default; refresh=true pulls the live dialog list through the bridge and
// registers anything new before answering.
type ChatsHandler struct {
	Store    *store.Store
	Sessions SessionResolver
	Bridge   ChatLister
}

func (h *ChatsHandler) Register(g *echo.Group) {
	g.GET("/chats", h.list)
}

// list returns the tenant's chats, most recently registered first.
// @Summary List chats
// @Tags chats
// @Produce json
// @Param refresh query bool false "pull the live dialog list from Telegram first"
// @Success 200 {array} ChatResponse
// @Router /api/chats [get]
func (h *ChatsHandler) list(c echo.Context) error {
	tenant, err := ensureTenant(c, h.Store)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	if c.QueryParam("refresh") == "true" {
		if err := h.refresh(ctx, tenant.ID); err != nil {
			return err
		}
	}

	chats, err := h.Store.ListChats(ctx, tenant.ID)
	if err != nil {
		return err
	}
	out := make([]ChatResponse, 0, len(chats))
	for _, ch := range chats {
		out = append(out, ChatResponse{
			ChatID:        ch.ChatID,
			Title:         ch.Title,
			Type:          ch.ChatType,
			LastIndexedAt: ch.LastIndexedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *ChatsHandler) refresh(ctx context.Context, tenantID int64) error {
	session, err := h.Sessions.SessionFor(ctx, tenantID)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return fault.New(fault.InvalidQuery, "no telegram session stored; complete authentication first")
		}
		return err
	}
	dialogs, err := h.Bridge.ListChats(ctx, session)
	if err != nil {
		return err
	}
	for _, d := range dialogs {
		if d.ID == 0 {
			continue
		}
		if _, err := h.Store.UpsertChat(ctx, tenantID, d.ID, d.Title, d.Type); err != nil {
			return err
		}
	}
	return nil
}
