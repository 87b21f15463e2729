package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"mailbridge/core/service/categorize"
	"mailbridge/core/service/reconcile"
	"mailbridge/pkg/response"
)

// AdminHandler exposes manual triggers for the background pipelines.
type AdminHandler struct {
	categorizer *categorize.Service
	reconciler  *reconcile.Service
}

func NewAdminHandler(categorizer *categorize.Service, reconciler *reconcile.Service) *AdminHandler {
	return &AdminHandler{categorizer: categorizer, reconciler: reconciler}
}

func (h *AdminHandler) Register(api fiber.Router) {
	api.Post("/categorize/trigger", h.TriggerCategorize)
	api.Post("/reconcile/trigger", h.TriggerReconcile)
}

// TriggerCategorize kicks one backlog pass. The pass runs in the background;
// a pass already in flight yields a 409.
func (h *AdminHandler) TriggerCategorize(c *fiber.Ctx) error {
	if h.categorizer == nil {
		return response.Error(c, fiber.StatusServiceUnavailable, "CONFIG_ERROR", "categorizer not configured")
	}

	_, err := h.categorizer.Trigger()
	if err != nil {
		if errors.Is(err, categorize.ErrAlreadyRunning) {
			return response.Conflict(c, "categorization already running")
		}
		return err
	}
	return response.Accepted(c, fiber.Map{"status": "started"})
}

// TriggerReconcile runs one reconciliation pass synchronously and reports
// the drift it found.
func (h *AdminHandler) TriggerReconcile(c *fiber.Ctx) error {
	if h.reconciler == nil {
		return response.Error(c, fiber.StatusServiceUnavailable, "CONFIG_ERROR", "reconciler not configured")
	}

	summary, err := h.reconciler.RunOnce(c.Context())
	if err != nil {
		return err
	}
	return response.OK(c, summary)
}
