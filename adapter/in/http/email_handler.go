package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
	"mailbridge/core/service/mailbox"
	"mailbridge/pkg/response"
)

// EmailHandler serves reads over the caller's own accounts. Every query is
// fenced by the account set resolved from X-User-ID; an unknown user sees
// empty results, never an error.
type EmailHandler struct {
	search   *mailbox.SearchService
	accounts out.AccountRepository
}

func NewEmailHandler(search *mailbox.SearchService, accounts out.AccountRepository) *EmailHandler {
	return &EmailHandler{search: search, accounts: accounts}
}

func (h *EmailHandler) Register(api fiber.Router) {
	api.Get("/emails/search", h.Search)
	api.Get("/emails/categories/counts", h.CategoryCounts)
	api.Get("/emails/:id", h.GetByID)
}

// allowedAccounts resolves the caller's authorization fence.
func (h *EmailHandler) allowedAccounts(c *fiber.Ctx) ([]uuid.UUID, error) {
	raw := c.Get("X-User-ID")
	if raw == "" {
		return nil, nil
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return nil, nil
	}

	accounts, err := h.accounts.ListByUser(c.Context(), userID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (h *EmailHandler) Search(c *fiber.Ctx) error {
	allowed, err := h.allowedAccounts(c)
	if err != nil {
		return err
	}

	filters := out.SearchFilters{
		AllowedAccountIDs: allowed,
		Folder:            c.Query("folder"),
	}
	if raw := c.Query("account_id"); raw != "" {
		accountID, err := uuid.Parse(raw)
		if err != nil {
			return response.BadRequest(c, "invalid account_id")
		}
		filters.AccountID = &accountID
	}
	if raw := c.Query("category"); raw != "" {
		category, ok := domain.ParseCategory(raw)
		if !ok {
			return response.BadRequest(c, "unknown category")
		}
		filters.Category = &category
	}

	result, err := h.search.Search(c.Context(),
		c.Query("q"), filters, c.QueryInt("page", 1), c.QueryInt("limit", 20))
	if err != nil {
		return err
	}

	return response.OKWithMeta(c, fiber.Map{
		"hits":   result.Hits,
		"source": result.Source,
	}, &response.Meta{
		Total:      result.Total,
		Page:       result.Page,
		PageSize:   result.Limit,
		TotalPages: result.TotalPages,
	})
}

func (h *EmailHandler) GetByID(c *fiber.Ctx) error {
	allowed, err := h.allowedAccounts(c)
	if err != nil {
		return err
	}

	msg, err := h.search.GetByID(c.Context(), c.Params("id"), allowed)
	if err != nil {
		return err
	}
	if msg == nil {
		return response.Error(c, fiber.StatusNotFound, "NOT_FOUND", "email not found")
	}
	return response.OK(c, msg)
}

func (h *EmailHandler) CategoryCounts(c *fiber.Ctx) error {
	allowed, err := h.allowedAccounts(c)
	if err != nil {
		return err
	}

	counts, err := h.search.CategoryCounts(c.Context(), allowed)
	if err != nil {
		return err
	}
	return response.OK(c, counts)
}
