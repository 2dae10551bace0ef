package uma

import (
	"net/http"

	"github.com/keyward/authserver/pkg/authzserver"
	"github.com/keyward/authserver/pkg/oauth2"
	"github.com/labstack/echo/v4"
)

// PermissionRequest is the body a resource server posts to obtain a ticket
// for an access attempt that lacked a valid RPT.
type PermissionRequest struct {
	ResourceSetID string   `json:"resource_set_id" form:"resource_set_id"`
	Scopes        []string `json:"scopes" form:"scopes"`
}

type PermissionResponse struct {
	Ticket string `json:"ticket"`
}

// Handlers exposes the UMA HTTP surface: currently the permission
// endpoint. The uma-ticket grant itself rides on the token endpoint.
type Handlers struct {
	tickets       *TicketService
	authenticator *authzserver.ClientAuthenticator
}

func NewHandlers(tickets *TicketService, authenticator *authzserver.ClientAuthenticator) *Handlers {
	return &Handlers{tickets: tickets, authenticator: authenticator}
}

func (h *Handlers) MountRoutes(group *echo.Group, permissionPath string) {
	group.POST(permissionPath, h.PermissionEndpoint)
}

// PermissionEndpoint registers a permission request on behalf of an
// authenticated resource server and answers with a ticket.
func (h *Handlers) PermissionEndpoint(c echo.Context) error {
	r := c.Request()
	if _, authErr := h.authenticator.Authenticate(r.Context(), r); authErr != nil {
		return authErr
	}

	request := new(PermissionRequest)
	if err := c.Bind(request); err != nil {
		return oauth2.InvalidRequest("unable to parse permission request")
	}
	if request.ResourceSetID == "" {
		return oauth2.InvalidRequest("missing resource_set_id")
	}

	ticket, err := h.tickets.Issue(r.Context(), request.ResourceSetID, request.Scopes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, &PermissionResponse{Ticket: ticket.ID})
}
