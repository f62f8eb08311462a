package mongo

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuenly/invoice-ingest/internal/models"
)

const processedCacheSize = 1024

// ProcessedRepo is the idempotency registry for scanned messages. A small
// in-process LRU fronts reads; it caches terminal entries only, so status
// transitions made by other pods are always re-read.
type ProcessedRepo struct {
	col   *mongo.Collection
	cache *lruSet
}

// NewProcessedRepo binds the processed_emails collection.
func NewProcessedRepo(d *Database) *ProcessedRepo {
	return &ProcessedRepo{
		col:   d.db.Collection(colProcessed),
		cache: newLRUSet(processedCacheSize),
	}
}

// WasProcessed reports whether the key should be skipped by the scanner.
// AI-limit skips and retry requests return false so they are revisited.
func (r *ProcessedRepo) WasProcessed(ctx context.Context, key string) (bool, error) {
	if r.cache.Contains(key) {
		return true, nil
	}

	var entry models.ProcessedEmailEntry
	err := r.col.FindOne(ctx, bson.M{"_id": key}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if entry.Status.SkippedForAILimit() || entry.Status == models.StatusRetryRequested {
		return false, nil
	}
	if entry.Status.Terminal() {
		r.cache.Add(key)
	}
	return true, nil
}

// Claim atomically takes ownership of a key for processing. It succeeds when
// no entry exists or the existing entry is in a retryable state; a concurrent
// claim or a terminal entry loses.
func (r *ProcessedRepo) Claim(ctx context.Context, key, ownerEmail, account string, uid uint32) (bool, error) {
	if r.cache.Contains(key) {
		return false, nil
	}

	blocking := bson.A{
		models.StatusProcessing,
		models.StatusDone,
		models.StatusMissingMetadata,
	}
	filter := bson.M{"_id": key, "status": bson.M{"$nin": blocking}}
	update := bson.M{
		"$set": bson.M{
			"status":       models.StatusProcessing,
			"owner_email":  ownerEmail,
			"account":      account,
			"uid":          uid,
			"processed_at": time.Now().UTC(),
		},
	}

	_, err := r.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		// The upsert raced a blocking entry: duplicate _id means the claim
		// is lost, not an error.
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MarkProcessed records the outcome for a key.
func (r *ProcessedRepo) MarkProcessed(ctx context.Context, key string, status models.ProcessedStatus, reason, ownerEmail, account string, uid uint32) error {
	set := bson.M{
		"status":       status,
		"owner_email":  ownerEmail,
		"account":      account,
		"uid":          uid,
		"processed_at": time.Now().UTC(),
	}
	if reason != "" {
		set["reason"] = reason
	}

	_, err := r.col.UpdateOne(ctx, bson.M{"_id": key},
		bson.M{"$set": set}, options.Update().SetUpsert(true))
	if err != nil {
		return err
	}
	if status.Terminal() {
		r.cache.Add(key)
	}
	return nil
}

// SetMessageID attaches the RFC 5322 message id for cross-UID dedup.
func (r *ProcessedRepo) SetMessageID(ctx context.Context, key, messageID string) error {
	_, err := r.col.UpdateOne(ctx, bson.M{"_id": key},
		bson.M{"$set": bson.M{"message_id": messageID}})
	return err
}

// WasProcessedByMessageID catches re-delivered messages whose UID changed,
// which happens when servers renumber mailboxes.
func (r *ProcessedRepo) WasProcessedByMessageID(ctx context.Context, ownerEmail, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	err := r.col.FindOne(ctx, bson.M{
		"owner_email": ownerEmail,
		"message_id":  messageID,
		"status":      models.StatusDone,
	}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RequestRetry flags an entry for reprocessing on the next scan.
func (r *ProcessedRepo) RequestRetry(ctx context.Context, key string) error {
	now := time.Now().UTC()
	_, err := r.col.UpdateOne(ctx, bson.M{"_id": key}, bson.M{
		"$set": bson.M{
			"status":        models.StatusRetryRequested,
			"last_retry_at": now,
		},
	})
	if err == nil {
		r.cache.Remove(key)
	}
	return err
}

// CountByStatus returns per-status totals for one owner, used by status
// surfaces.
func (r *ProcessedRepo) CountByStatus(ctx context.Context, ownerEmail string) (map[string]int64, error) {
	cur, err := r.col.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"owner_email": ownerEmail}}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID string `bson:"_id"`
		N  int64  `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.ID] = row.N
	}
	return out, nil
}

// lruSet is a fixed-capacity membership cache.
type lruSet struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

func (s *lruSet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if ok {
		s.order.MoveToFront(el)
	}
	return ok
}

func (s *lruSet) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.order.MoveToFront(el)
		return
	}
	s.items[key] = s.order.PushFront(key)
	if s.order.Len() > s.cap {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(string))
	}
}

func (s *lruSet) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.order.Remove(el)
		delete(s.items, key)
	}
}
