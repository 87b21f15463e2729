package mailbox

import (
	"context"

	"github.com/google/uuid"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
	"mailbridge/pkg/logger"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// SearchService serves reads. The search store is primary; on failure the
// row store answers with a degraded substring match, tagged so callers can
// tell the two apart.
type SearchService struct {
	rows   out.MessageRepository
	search out.SearchStore
	log    *logger.Logger
}

func NewSearchService(rows out.MessageRepository, search out.SearchStore) *SearchService {
	return &SearchService{
		rows:   rows,
		search: search,
		log:    logger.WithComponent("search-service"),
	}
}

// Search answers one page of hits, newest first. An empty allowed-account set
// short-circuits to an empty page without touching either store.
func (s *SearchService) Search(ctx context.Context, query string, filters out.SearchFilters, page, limit int) (*out.SearchResult, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	if len(filters.AllowedAccountIDs) == 0 {
		return &out.SearchResult{
			Hits:   []*domain.Message{},
			Page:   page,
			Limit:  limit,
			Source: out.SourcePrimary,
		}, nil
	}

	result, err := s.search.Search(ctx, query, filters, page, limit)
	if err == nil {
		return result, nil
	}
	s.log.Warn("search store unavailable, answering from row store: %v", err)

	result, fbErr := s.rows.Search(ctx, query, filters, page, limit)
	if fbErr != nil {
		// Both stores failed; surface the primary error.
		return nil, err
	}
	result.Source = out.SourceFallback
	return result, nil
}

// GetByID loads one message through the authorization fence.
func (s *SearchService) GetByID(ctx context.Context, id string, allowedAccountIDs []uuid.UUID) (*domain.Message, error) {
	return s.rows.GetByID(ctx, id, allowedAccountIDs)
}

// CategoryCounts aggregates per-category totals for the caller's accounts,
// including the synthetic uncategorized bucket.
func (s *SearchService) CategoryCounts(ctx context.Context, allowedAccountIDs []uuid.UUID) (map[string]int64, error) {
	if len(allowedAccountIDs) == 0 {
		return map[string]int64{}, nil
	}
	return s.search.CategoryCounts(ctx, allowedAccountIDs)
}
