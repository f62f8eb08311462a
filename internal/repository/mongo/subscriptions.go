package mongo

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuenly/invoice-ingest/internal/models"
)

// SubscriptionRepo reads and updates tenant plan state for the billing loop.
type SubscriptionRepo struct {
	col *mongo.Collection
}

// NewSubscriptionRepo binds the user_subscriptions collection.
func NewSubscriptionRepo(d *Database) *SubscriptionRepo {
	return &SubscriptionRepo{col: d.db.Collection(colSubscriptions)}
}

// DueForBilling returns subscriptions in active or past_due whose next
// billing date has passed.
func (r *SubscriptionRepo) DueForBilling(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	cur, err := r.col.Find(ctx, bson.M{
		"status":            bson.M{"$in": bson.A{models.SubscriptionActive, models.SubscriptionPastDue}},
		"next_billing_date": bson.M{"$lte": now},
	})
	if err != nil {
		return nil, err
	}
	var out []models.Subscription
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ByOwner returns the tenant's subscription, or nil.
func (r *SubscriptionRepo) ByOwner(ctx context.Context, ownerEmail string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.col.FindOne(ctx, bson.M{"owner_email": strings.ToLower(ownerEmail)}).Decode(&sub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListByStatuses returns every subscription in any of the given statuses,
// used by the daily anniversary quota fallback.
func (r *SubscriptionRepo) ListByStatuses(ctx context.Context, statuses ...string) ([]models.Subscription, error) {
	cur, err := r.col.Find(ctx, bson.M{"status": bson.M{"$in": statuses}})
	if err != nil {
		return nil, err
	}
	var out []models.Subscription
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update persists the mutable billing fields of one subscription.
func (r *SubscriptionRepo) Update(ctx context.Context, sub *models.Subscription) error {
	_, err := r.col.UpdateOne(ctx, bson.M{"_id": sub.ID}, bson.M{"$set": bson.M{
		"status":            sub.Status,
		"next_billing_date": sub.NextBillingDate,
		"last_billing_date": sub.LastBillingDate,
		"retry_count":       sub.RetryCount,
		"pagopar_user_id":   sub.PagoparUserID,
	}})
	return err
}

// PaymentMethodRepo stores the gateway binding per tenant.
type PaymentMethodRepo struct {
	col *mongo.Collection
}

// NewPaymentMethodRepo binds the payment_methods collection.
func NewPaymentMethodRepo(d *Database) *PaymentMethodRepo {
	return &PaymentMethodRepo{col: d.db.Collection(colPaymentMeth)}
}

// ByOwner returns the tenant's payment method, or nil.
func (r *PaymentMethodRepo) ByOwner(ctx context.Context, ownerEmail string) (*models.PaymentMethod, error) {
	var pm models.PaymentMethod
	err := r.col.FindOne(ctx, bson.M{"owner_email": strings.ToLower(ownerEmail)}).Decode(&pm)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

// SyncPagoparUserID writes a discovered gateway user id back to the payment
// method record so later cycles find it in the primary source.
func (r *PaymentMethodRepo) SyncPagoparUserID(ctx context.Context, ownerEmail, pagoparUserID string) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"owner_email": strings.ToLower(ownerEmail)},
		bson.M{"$set": bson.M{
			"pagopar_user_id": pagoparUserID,
			"updated_at":      time.Now().UTC(),
		}},
		options.Update().SetUpsert(true))
	return err
}

// TransactionsRepo logs billing attempts.
type TransactionsRepo struct {
	col *mongo.Collection
}

// NewTransactionsRepo binds the subscription_transactions collection.
func NewTransactionsRepo(d *Database) *TransactionsRepo {
	return &TransactionsRepo{col: d.db.Collection(colTransactions)}
}

// Log appends one transaction record.
func (r *TransactionsRepo) Log(ctx context.Context, tx *models.SubscriptionTransaction) error {
	tx.CreatedAt = time.Now().UTC()
	_, err := r.col.InsertOne(ctx, tx)
	return err
}
