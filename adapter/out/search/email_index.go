// Package search implements the inverted-index projection of the row store
// on MongoDB: a text index for multi-field match, keyword fields for filters,
// and an aggregation bucket for uncategorized mail.
package search

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mailbridge/core/domain"
	out "mailbridge/core/port/out"
	"mailbridge/pkg/apperr"
	"mailbridge/pkg/logger"
	"mailbridge/pkg/resilience"
)

const (
	emailCollection    = "emails"
	userCollection     = "users"
	accountsCollection = "account_configs"
)

type addressDoc struct {
	Name    string `bson:"name,omitempty"`
	Address string `bson:"address"`
}

// emailDoc is the indexed projection of a message. No secret fields exist on
// this shape by construction.
type emailDoc struct {
	ID          string       `bson:"_id"`
	Account     string       `bson:"account"`
	Folder      string       `bson:"folder"`
	Subject     string       `bson:"subject"`
	FromName    string       `bson:"from_name,omitempty"`
	FromAddress string       `bson:"from_address,omitempty"`
	To          []addressDoc `bson:"to,omitempty"`
	Date        time.Time    `bson:"date"`
	Body        string       `bson:"body,omitempty"`
	TextBody    string       `bson:"text_body,omitempty"`
	HTMLBody    string       `bson:"html_body,omitempty"`
	Flags       []string     `bson:"flags,omitempty"`
	Category    *string      `bson:"category,omitempty"`
	UID         string       `bson:"uid"`
	IndexedAt   time.Time    `bson:"indexed_at"`
}

func toDoc(msg *domain.Message) *emailDoc {
	doc := &emailDoc{
		ID:          msg.ID,
		Account:     msg.AccountID.String(),
		Folder:      msg.Folder,
		Subject:     msg.Subject,
		FromName:    msg.From.Name,
		FromAddress: msg.From.Address,
		Date:        msg.Date,
		Body:        msg.Body,
		TextBody:    msg.TextBody,
		HTMLBody:    msg.HTMLBody,
		Flags:       msg.Flags,
		UID:         msg.UID,
		IndexedAt:   time.Now().UTC(),
	}
	for _, addr := range msg.To {
		doc.To = append(doc.To, addressDoc{Name: addr.Name, Address: addr.Address})
	}
	if msg.Category != nil {
		c := string(*msg.Category)
		doc.Category = &c
	}
	return doc
}

func (d *emailDoc) toDomain() *domain.Message {
	accountID, _ := uuid.Parse(d.Account)
	msg := &domain.Message{
		ID:        d.ID,
		AccountID: accountID,
		Folder:    d.Folder,
		Subject:   d.Subject,
		From: domain.Address{
			Name:    d.FromName,
			Address: d.FromAddress,
		},
		Date:     d.Date,
		Body:     d.Body,
		TextBody: d.TextBody,
		HTMLBody: d.HTMLBody,
		Flags:    d.Flags,
		UID:      d.UID,
	}
	for _, addr := range d.To {
		msg.To = append(msg.To, domain.Address{Name: addr.Name, Address: addr.Address})
	}
	if d.Category != nil {
		c := domain.Category(*d.Category)
		msg.Category = &c
	}
	return msg
}

// Store implements the SearchStore port.
type Store struct {
	db      *mongo.Database
	breaker *resilience.Breaker
	log     *logger.Logger
}

func NewStore(client *mongo.Client, dbName string) *Store {
	return &Store{
		db:      client.Database(dbName),
		breaker: resilience.NewBreaker("search-store", 5, 30*time.Second),
		log:     logger.WithComponent("search-store"),
	}
}

func (s *Store) emails() *mongo.Collection {
	return s.db.Collection(emailCollection)
}

// EnsureIndexes creates the mapping equivalents: keyword fields, a date sort
// index, and one text index over the multi-match fields.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "account", Value: 1}, {Key: "date", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "account", Value: 1}, {Key: "category", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "uid", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "subject", Value: "text"},
				{Key: "body", Value: "text"},
				{Key: "from_name", Value: "text"},
				{Key: "from_address", Value: "text"},
			},
			Options: options.Index().SetWeights(bson.D{
				{Key: "subject", Value: 3},
				{Key: "from_name", Value: 2},
				{Key: "from_address", Value: 2},
				{Key: "body", Value: 1},
			}),
		},
	}
	if _, err := s.emails().Indexes().CreateMany(ctx, indexes); err != nil {
		return apperr.StorageFailure(err, "failed to create search indexes")
	}
	return nil
}

// BulkIndex classifies ids as new vs existing with an $in pre-check, then
// writes only the new ones unless forceUpdate is set.
func (s *Store) BulkIndex(ctx context.Context, msgs []*domain.Message, forceUpdate bool) (*out.IngestResult, error) {
	result := &out.IngestResult{}
	if len(msgs) == 0 {
		return result, nil
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}

	existing := make(map[string]struct{})
	cursor, err := s.emails().Find(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, apperr.StorageFailure(err, "search pre-check failed")
	}
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			cursor.Close(ctx)
			return nil, apperr.StorageFailure(err, "search pre-check decode failed")
		}
		existing[doc.ID] = struct{}{}
	}
	if err := cursor.Close(ctx); err != nil {
		return nil, apperr.StorageFailure(err, "search pre-check cursor failed")
	}

	var models []mongo.WriteModel
	for _, msg := range msgs {
		if _, ok := existing[msg.ID]; ok && !forceUpdate {
			result.Skipped++
			continue
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": msg.ID}).
			SetReplacement(toDoc(msg)).
			SetUpsert(true))
		result.Indexed++
		result.InsertedIDs = append(result.InsertedIDs, msg.ID)
	}

	if len(models) == 0 {
		return result, nil
	}
	if _, err := s.emails().BulkWrite(ctx, models,
		options.BulkWrite().SetOrdered(false)); err != nil {
		return nil, apperr.StorageFailure(err, "bulk index failed")
	}
	return result, nil
}

// BulkUpdateCategories issues per-document $set updates; documents are never
// fully re-indexed for a category change.
func (s *Store) BulkUpdateCategories(ctx context.Context, categories map[string]domain.Category) error {
	if len(categories) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(categories))
	for id, category := range categories {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": id}).
			SetUpdate(bson.M{"$set": bson.M{"category": string(category)}}))
	}
	if _, err := s.emails().BulkWrite(ctx, models,
		options.BulkWrite().SetOrdered(false)); err != nil {
		return apperr.StorageFailure(err, "bulk category update failed")
	}
	return nil
}

func fenceFilter(filters out.SearchFilters) bson.M {
	allowed := make([]string, len(filters.AllowedAccountIDs))
	for i, id := range filters.AllowedAccountIDs {
		allowed[i] = id.String()
	}
	filter := bson.M{"account": bson.M{"$in": allowed}}
	if filters.AccountID != nil {
		// The explicit account must also be inside the fence; if it is not,
		// the filter matches nothing.
		requested := filters.AccountID.String()
		inFence := false
		for _, a := range allowed {
			if a == requested {
				inFence = true
				break
			}
		}
		if inFence {
			filter["account"] = requested
		} else {
			filter["account"] = bson.M{"$in": []string{}}
		}
	}
	if filters.Folder != "" {
		filter["folder"] = filters.Folder
	}
	if filters.Category != nil {
		filter["category"] = string(*filters.Category)
	}
	return filter
}

// Search runs a text query over the multi-match fields, newest first. The
// circuit breaker lets the caller fall back to the row store quickly once
// the search store misbehaves.
func (s *Store) Search(ctx context.Context, query string, filters out.SearchFilters, page, limit int) (*out.SearchResult, error) {
	if len(filters.AllowedAccountIDs) == 0 {
		return &out.SearchResult{Page: page, Limit: limit, Source: out.SourcePrimary}, nil
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	filter := fenceFilter(filters)
	if query != "" {
		filter["$text"] = bson.M{"$search": query}
	}

	result := &out.SearchResult{Page: page, Limit: limit, Source: out.SourcePrimary}
	err := s.breaker.Execute(func() error {
		total, err := s.emails().CountDocuments(ctx, filter)
		if err != nil {
			return err
		}
		result.Total = total
		result.TotalPages = int((total + int64(limit) - 1) / int64(limit))

		cursor, err := s.emails().Find(ctx, filter, options.Find().
			SetSort(bson.D{{Key: "date", Value: -1}}).
			SetSkip(int64((page-1)*limit)).
			SetLimit(int64(limit)))
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc emailDoc
			if err := cursor.Decode(&doc); err != nil {
				return err
			}
			result.Hits = append(result.Hits, doc.toDomain())
		}
		return cursor.Err()
	})
	if err != nil {
		return nil, apperr.StorageFailure(err, "search query failed")
	}
	return result, nil
}

// CategoryCounts reports a terms aggregation over category, with missing
// values reported as the distinct bucket "uncategorized".
func (s *Store) CategoryCounts(ctx context.Context, allowedAccountIDs []uuid.UUID) (map[string]int64, error) {
	counts := make(map[string]int64)
	if len(allowedAccountIDs) == 0 {
		return counts, nil
	}

	allowed := make([]string, len(allowedAccountIDs))
	for i, id := range allowedAccountIDs {
		allowed[i] = id.String()
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"account": bson.M{"$in": allowed}}}},
		{{Key: "$group", Value: bson.M{
			"_id":   bson.M{"$ifNull": bson.A{"$category", "uncategorized"}},
			"count": bson.M{"$sum": 1},
		}}},
	}

	cursor, err := s.emails().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, apperr.StorageFailure(err, "category aggregation failed")
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var row struct {
			ID    string `bson:"_id"`
			Count int64  `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, apperr.StorageFailure(err, "category aggregation decode failed")
		}
		counts[row.ID] = row.Count
	}
	return counts, cursor.Err()
}

// CountByAccount feeds the reconciler's diff.
func (s *Store) CountByAccount(ctx context.Context) (map[uuid.UUID]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":   "$account",
			"count": bson.M{"$sum": 1},
		}}},
	}

	cursor, err := s.emails().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, apperr.StorageFailure(err, "account aggregation failed")
	}
	defer cursor.Close(ctx)

	counts := make(map[uuid.UUID]int64)
	for cursor.Next(ctx) {
		var row struct {
			ID    string `bson:"_id"`
			Count int64  `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, apperr.StorageFailure(err, "account aggregation decode failed")
		}
		if id, err := uuid.Parse(row.ID); err == nil {
			counts[id] = row.Count
		}
	}
	return counts, cursor.Err()
}

func (s *Store) ListIDsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]string, error) {
	cursor, err := s.emails().Find(ctx,
		bson.M{"account": accountID.String()},
		options.Find().
			SetProjection(bson.M{"_id": 1}).
			SetSort(bson.D{{Key: "date", Value: -1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, apperr.StorageFailure(err, "failed to list indexed ids")
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, apperr.StorageFailure(err, "failed to decode indexed id")
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}

func (s *Store) DeleteByAccount(ctx context.Context, accountID uuid.UUID) error {
	res, err := s.emails().DeleteMany(ctx, bson.M{"account": accountID.String()})
	if err != nil {
		return apperr.StorageFailure(err, "failed to delete indexed messages")
	}
	if res.DeletedCount > 0 {
		s.log.Info("deleted %d indexed messages for account %s", res.DeletedCount, accountID)
	}
	return nil
}
