package http

import (
	"net/http"

	"github.com/tradematch/authority/internal/auth/ws"
	"github.com/tradematch/authority/pkg/httpx"
	"github.com/tradematch/authority/pkg/slogx"
)

// WSTicketHandler handles POST /v1/ws-ticket. The ticket is single-use,
// short-lived, and bound to the caller's user id and session id; the client
// presents it as a subprotocol value when opening the event socket, keeping
// the access token out of the URL.
type WSTicketHandler struct {
	Tickets *ws.TicketService
}

func (h *WSTicketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	claims, ok := httpx.ClaimsFromCtx(ctx)
	if !ok || claims.Subject == "" || claims.SID == "" {
		writeError(w, http.StatusUnauthorized, "invalid_token", "session-bound token required")
		return
	}

	ticket, err := h.Tickets.Issue(ctx, claims.Subject, claims.SID)
	if err != nil {
		log.Error("ws ticket issuance failed", "user_id", claims.Subject, "err", err)
		httpx.ErrServerError.WriteError(w)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"ticket":      ticket,
		"sid":         claims.SID,
		"subprotocol": ws.SubprotocolPrefix + ticket,
	})
}
