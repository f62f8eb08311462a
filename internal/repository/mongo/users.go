package mongo

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/cuenly/invoice-ingest/internal/models"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
)

// UserRepo manages the auth records and their AI quota counters.
type UserRepo struct {
	col *mongo.Collection
}

// NewUserRepo binds the auth_users collection.
func NewUserRepo(d *Database) *UserRepo {
	return &UserRepo{col: d.db.Collection(colUsers)}
}

// GetByEmail returns one user, or nil when unknown.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := r.col.FindOne(ctx, bson.M{"email": strings.ToLower(email)}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CheckAILimit reports whether the tenant may run one more AI extraction.
func (r *UserRepo) CheckAILimit(ctx context.Context, email string) (bool, *models.User, error) {
	u, err := r.GetByEmail(ctx, email)
	if err != nil {
		return false, nil, err
	}
	if u == nil {
		return false, nil, nil
	}
	return u.AIInvoicesProcessed < u.AIInvoicesLimit, u, nil
}

// IncrementAIUsage bumps the counter atomically, guarded by the limit so two
// pods cannot push a tenant past the budget. Returns false when the quota is
// already consumed.
func (r *UserRepo) IncrementAIUsage(ctx context.Context, email string) (bool, error) {
	res, err := r.col.UpdateOne(ctx,
		bson.M{
			"email": strings.ToLower(email),
			"$expr": bson.M{"$lt": bson.A{"$ai_invoices_processed", "$ai_invoices_limit"}},
		},
		bson.M{"$inc": bson.M{"ai_invoices_processed": 1}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

// ResetAIQuota zeroes the counter and applies the plan's budget. Called on
// successful billing and by the daily anniversary fallback.
func (r *UserRepo) ResetAIQuota(ctx context.Context, email string, limit int) error {
	set := bson.M{"ai_invoices_processed": 0}
	if limit > 0 {
		set["ai_invoices_limit"] = limit
	}
	res, err := r.col.UpdateOne(ctx,
		bson.M{"email": strings.ToLower(email)},
		bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		logger.Warn("users", "quota reset for unknown user", "owner", email)
	}
	return nil
}

// ProcessingStartDate returns the earliest date the scanner may fetch for a
// tenant; zero when unset or unknown.
func (r *UserRepo) ProcessingStartDate(ctx context.Context, email string) (time.Time, error) {
	u, err := r.GetByEmail(ctx, email)
	if err != nil || u == nil {
		return time.Time{}, err
	}
	return u.EmailProcessingStartDate, nil
}
