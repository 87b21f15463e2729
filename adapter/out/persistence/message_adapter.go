package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
	"mailbridge/pkg/apperr"
	"mailbridge/pkg/logger"
)

type emailRow struct {
	ID          string         `db:"id"`
	AccountID   uuid.UUID      `db:"account_id"`
	Folder      string         `db:"folder"`
	Subject     string         `db:"subject"`
	FromName    sql.NullString `db:"from_name"`
	FromAddress sql.NullString `db:"from_address"`
	Date        time.Time      `db:"date"`
	Body        sql.NullString `db:"body"`
	TextBody    sql.NullString `db:"text_body"`
	HTMLBody    sql.NullString `db:"html_body"`
	Flags       pq.StringArray `db:"flags"`
	Category    sql.NullString `db:"category"`
	UID         string         `db:"uid"`
	IngestedAt  time.Time      `db:"ingested_at"`
	Total       int64          `db:"total"` // populated by COUNT(*) OVER() in search
}

func (r *emailRow) toDomain() *domain.Message {
	msg := &domain.Message{
		ID:        r.ID,
		AccountID: r.AccountID,
		Folder:    r.Folder,
		Subject:   r.Subject,
		From: domain.Address{
			Name:    r.FromName.String,
			Address: r.FromAddress.String,
		},
		Date:       r.Date,
		Body:       r.Body.String,
		TextBody:   r.TextBody.String,
		HTMLBody:   r.HTMLBody.String,
		Flags:      []string(r.Flags),
		UID:        r.UID,
		IngestedAt: r.IngestedAt,
	}
	if r.Category.Valid {
		c := domain.Category(r.Category.String)
		msg.Category = &c
	}
	return msg
}

// MessageAdapter is the authoritative row store for messages.
type MessageAdapter struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMessageAdapter(db *sqlx.DB) *MessageAdapter {
	return &MessageAdapter{
		db:  db,
		log: logger.WithComponent("row-store"),
	}
}

// UpsertMessages inserts each message with conflict-skip on (account_id, uid)
// and appends recipient rows only for the messages actually inserted. The
// whole batch runs in one transaction; any error other than a unique
// violation rolls the batch back.
func (a *MessageAdapter) UpsertMessages(ctx context.Context, msgs []*domain.Message) (*out.IngestResult, error) {
	result := &out.IngestResult{}
	if len(msgs) == 0 {
		return result, nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperr.StorageFailure(err, "failed to begin ingest tx")
	}
	defer tx.Rollback()

	for _, msg := range msgs {
		msg.Normalize()

		var insertedID string
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO emails
				(id, account_id, folder, subject, from_name, from_address, date,
				 body, text_body, html_body, flags, category, uid, ingested_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7,
				NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13, $14)
			ON CONFLICT (account_id, uid) DO NOTHING
			RETURNING id`,
			msg.ID, msg.AccountID, msg.Folder, msg.Subject,
			msg.From.Name, msg.From.Address, msg.Date,
			msg.Body, msg.TextBody, msg.HTMLBody,
			pq.Array(msg.Flags), categoryArg(msg.Category), msg.UID, msg.IngestedAt,
		).Scan(&insertedID)

		if errors.Is(err, sql.ErrNoRows) {
			result.Skipped++
			continue
		}
		if err != nil {
			if isUniqueViolation(err) {
				// Same synthetic id raced in from another path.
				result.Skipped++
				continue
			}
			return nil, apperr.StorageFailure(err, "failed to upsert message")
		}

		if err := insertRecipients(ctx, tx, insertedID, msg); err != nil {
			return nil, err
		}
		result.Indexed++
		result.InsertedIDs = append(result.InsertedIDs, insertedID)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.StorageFailure(err, "failed to commit ingest tx")
	}
	return result, nil
}

func insertRecipients(ctx context.Context, tx *sqlx.Tx, emailID string, msg *domain.Message) error {
	insert := func(rtype domain.RecipientType, addrs []domain.Address) error {
		for _, addr := range addrs {
			if addr.Address == "" {
				continue
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO email_recipients (email_id, recipient_type, name, address)
				VALUES ($1, $2, NULLIF($3, ''), $4)`,
				emailID, rtype, addr.Name, addr.Address)
			if err != nil {
				return apperr.StorageFailure(err, "failed to insert recipient")
			}
		}
		return nil
	}
	if err := insert(domain.RecipientTo, msg.To); err != nil {
		return err
	}
	return insert(domain.RecipientCc, msg.Cc)
}

func categoryArg(c *domain.Category) any {
	if c == nil {
		return nil
	}
	return string(*c)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// GetByID loads one message. The allowed-ids set is the authorization fence:
// an empty set returns nothing.
func (a *MessageAdapter) GetByID(ctx context.Context, id string, allowedAccountIDs []uuid.UUID) (*domain.Message, error) {
	if len(allowedAccountIDs) == 0 {
		return nil, nil
	}

	var row emailRow
	err := a.db.GetContext(ctx, &row, `
		SELECT id, account_id, folder, subject, from_name, from_address, date,
		       body, text_body, html_body, flags, category, uid, ingested_at
		FROM emails
		WHERE id = $1 AND account_id = ANY($2)`,
		id, pq.Array(uuidStrings(allowedAccountIDs)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.StorageFailure(err, "failed to get message")
	}

	msg := row.toDomain()
	if err := a.loadRecipients(ctx, []*domain.Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetByIDs loads messages for the queue workers. No fence here: queue jobs
// are produced by trusted internal paths only.
func (a *MessageAdapter) GetByIDs(ctx context.Context, ids []string) ([]*domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var rows []emailRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, folder, subject, from_name, from_address, date,
		       body, text_body, html_body, flags, category, uid, ingested_at
		FROM emails
		WHERE id = ANY($1)
		ORDER BY date DESC`,
		pq.Array(ids))
	if err != nil {
		return nil, apperr.StorageFailure(err, "failed to get messages")
	}

	msgs := make([]*domain.Message, len(rows))
	for i := range rows {
		msgs[i] = rows[i].toDomain()
	}
	if err := a.loadRecipients(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

type recipientRow struct {
	EmailID       string         `db:"email_id"`
	RecipientType string         `db:"recipient_type"`
	Name          sql.NullString `db:"name"`
	Address       string         `db:"address"`
}

func (a *MessageAdapter) loadRecipients(ctx context.Context, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	byID := make(map[string]*domain.Message, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		byID[m.ID] = m
	}

	var rows []recipientRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT email_id, recipient_type, name, address
		FROM email_recipients
		WHERE email_id = ANY($1)
		ORDER BY id`,
		pq.Array(ids))
	if err != nil {
		return apperr.StorageFailure(err, "failed to load recipients")
	}

	for _, r := range rows {
		msg := byID[r.EmailID]
		if msg == nil {
			continue
		}
		addr := domain.Address{Name: r.Name.String, Address: r.Address}
		switch domain.RecipientType(r.RecipientType) {
		case domain.RecipientCc:
			msg.Cc = append(msg.Cc, addr)
		default:
			msg.To = append(msg.To, addr)
		}
	}
	return nil
}

// ListUncategorizedIDs feeds the categorizer, newest first.
func (a *MessageAdapter) ListUncategorizedIDs(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := a.db.SelectContext(ctx, &ids, `
		SELECT id FROM emails
		WHERE category IS NULL
		ORDER BY date DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, apperr.StorageFailure(err, "failed to list uncategorized")
	}
	return ids, nil
}

func (a *MessageAdapter) ListIDsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]string, error) {
	var ids []string
	err := a.db.SelectContext(ctx, &ids, `
		SELECT id FROM emails
		WHERE account_id = $1
		ORDER BY date DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, apperr.StorageFailure(err, "failed to list ids by account")
	}
	return ids, nil
}

func (a *MessageAdapter) CountByAccount(ctx context.Context) (map[uuid.UUID]int, error) {
	rows, err := a.db.QueryxContext(ctx,
		`SELECT account_id, COUNT(*) FROM emails GROUP BY account_id`)
	if err != nil {
		return nil, apperr.StorageFailure(err, "failed to count by account")
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, apperr.StorageFailure(err, "failed to scan count")
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// BulkUpdateCategories applies classifier output in one transaction.
func (a *MessageAdapter) BulkUpdateCategories(ctx context.Context, categories map[string]domain.Category) error {
	if len(categories) == 0 {
		return nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.StorageFailure(err, "failed to begin category tx")
	}
	defer tx.Rollback()

	for id, category := range categories {
		if _, err := tx.ExecContext(ctx,
			`UPDATE emails SET category = $2 WHERE id = $1`, id, category); err != nil {
			return apperr.StorageFailure(err, "failed to update category")
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.StorageFailure(err, "failed to commit category tx")
	}
	return nil
}

// Search is the row-store fallback path: ILIKE over subject, body and sender,
// fenced by the allowed account set, newest first.
func (a *MessageAdapter) Search(ctx context.Context, query string, filters out.SearchFilters, page, limit int) (*out.SearchResult, error) {
	if len(filters.AllowedAccountIDs) == 0 {
		return &out.SearchResult{Page: page, Limit: limit, Source: out.SourceFallback}, nil
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	where := "account_id = ANY($1)"
	args := []any{pq.Array(uuidStrings(filters.AllowedAccountIDs))}
	n := 2

	if filters.AccountID != nil {
		where += fmt.Sprintf(" AND account_id = $%d", n)
		args = append(args, *filters.AccountID)
		n++
	}
	if filters.Folder != "" {
		where += fmt.Sprintf(" AND folder = $%d", n)
		args = append(args, filters.Folder)
		n++
	}
	if filters.Category != nil {
		where += fmt.Sprintf(" AND category = $%d", n)
		args = append(args, string(*filters.Category))
		n++
	}
	if query != "" {
		where += fmt.Sprintf(" AND (subject ILIKE $%d OR body ILIKE $%d OR from_name ILIKE $%d OR from_address ILIKE $%d)", n, n, n, n)
		args = append(args, "%"+query+"%")
		n++
	}

	args = append(args, limit, (page-1)*limit)
	sqlQuery := fmt.Sprintf(`
		SELECT id, account_id, folder, subject, from_name, from_address, date,
		       body, text_body, html_body, flags, category, uid, ingested_at,
		       COUNT(*) OVER() AS total
		FROM emails
		WHERE %s
		ORDER BY date DESC
		LIMIT $%d OFFSET $%d`, where, n, n+1)

	var rows []emailRow
	if err := a.db.SelectContext(ctx, &rows, sqlQuery, args...); err != nil {
		return nil, apperr.StorageFailure(err, "row-store search failed")
	}

	result := &out.SearchResult{
		Page:   page,
		Limit:  limit,
		Source: out.SourceFallback,
	}
	for i := range rows {
		result.Hits = append(result.Hits, rows[i].toDomain())
	}
	if len(rows) > 0 {
		result.Total = rows[0].Total
		result.TotalPages = int((result.Total + int64(limit) - 1) / int64(limit))
	}
	return result, nil
}

func (a *MessageAdapter) DeleteByAccount(ctx context.Context, accountID uuid.UUID) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM emails WHERE account_id = $1`, accountID)
	if err != nil {
		return apperr.StorageFailure(err, "failed to delete messages")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		a.log.Info("deleted %d messages for account %s", n, accountID)
	}
	return nil
}
