package http

import (
	"github.com/gofiber/fiber/v2"

	"mailbridge/core/service/auth"
	"mailbridge/pkg/response"
)

// OAuthHandler serves the Google connect flow.
type OAuthHandler struct {
	flow *auth.Service
}

func NewOAuthHandler(flow *auth.Service) *OAuthHandler {
	return &OAuthHandler{flow: flow}
}

func (h *OAuthHandler) Register(app *fiber.App) {
	app.Get("/auth/google", h.Connect)
	app.Get("/auth/google/callback", h.Callback)
}

// Connect redirects the browser to the consent screen.
func (h *OAuthHandler) Connect(c *fiber.Ctx) error {
	url, err := h.flow.GetAuthURL()
	if err != nil {
		return err
	}
	return c.Redirect(url, fiber.StatusTemporaryRedirect)
}

// Callback completes the exchange and returns the connected account.
func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	if errParam := c.Query("error"); errParam != "" {
		return response.BadRequest(c, "consent denied: "+errParam)
	}
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		return response.BadRequest(c, "missing state or code")
	}

	connected, err := h.flow.HandleCallback(c.Context(), state, code)
	if err != nil {
		return err
	}
	return response.OK(c, connected)
}
