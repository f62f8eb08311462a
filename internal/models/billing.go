package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Subscription statuses.
const (
	SubscriptionActive    = "active"
	SubscriptionPastDue   = "past_due"
	SubscriptionCancelled = "cancelled"
)

// PlanFeatureAIInvoices is the plan-features key holding the monthly AI
// extraction budget.
const PlanFeatureAIInvoices = "ai_invoices_limit"

// Subscription is the tenant plan state consumed by the billing loop.
// NextBillingDate is always the anniversary of BillingDayOfMonth in the next
// calendar month, clamped to month length, never a +30-day offset.
type Subscription struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	OwnerEmail        string             `bson:"owner_email" json:"owner_email"`
	Status            string             `bson:"status" json:"status"`
	PlanCode          string             `bson:"plan_code" json:"plan_code"`
	Price             float64            `bson:"price" json:"price"`
	Currency          string             `bson:"currency" json:"currency"`
	BillingPeriod     string             `bson:"billing_period" json:"billing_period"`
	StartedAt         time.Time          `bson:"started_at" json:"started_at"`
	NextBillingDate   time.Time          `bson:"next_billing_date" json:"next_billing_date"`
	LastBillingDate   time.Time          `bson:"last_billing_date,omitempty" json:"last_billing_date,omitempty"`
	BillingDayOfMonth int                `bson:"billing_day_of_month" json:"billing_day_of_month"`
	RetryCount        int                `bson:"retry_count" json:"retry_count"`
	PagoparUserID     string             `bson:"pagopar_user_id,omitempty" json:"pagopar_user_id,omitempty"`
	PlanFeatures      map[string]int     `bson:"plan_features,omitempty" json:"plan_features,omitempty"`
}

// AIInvoicesLimit returns the plan's AI budget, or zero when the plan does
// not carry the feature.
func (s *Subscription) AIInvoicesLimit() int {
	if s.PlanFeatures == nil {
		return 0
	}
	return s.PlanFeatures[PlanFeatureAIInvoices]
}

// User is the authentication record with the per-tenant quota counters.
// Scanners never fetch messages older than EmailProcessingStartDate.
type User struct {
	ID                       primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	Email                    string             `bson:"email" json:"email"`
	AIInvoicesProcessed      int                `bson:"ai_invoices_processed" json:"ai_invoices_processed"`
	AIInvoicesLimit          int                `bson:"ai_invoices_limit" json:"ai_invoices_limit"`
	PagoparUserID            string             `bson:"pagopar_user_id,omitempty" json:"pagopar_user_id,omitempty"`
	IsTrial                  bool               `bson:"is_trial" json:"is_trial"`
	TrialExpiresAt           time.Time          `bson:"trial_expires_at,omitempty" json:"trial_expires_at,omitempty"`
	EmailProcessingStartDate time.Time          `bson:"email_processing_start_date,omitempty" json:"email_processing_start_date,omitempty"`
}

// PaymentMethod is the stored gateway binding for a tenant.
type PaymentMethod struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	OwnerEmail    string             `bson:"owner_email" json:"owner_email"`
	PagoparUserID string             `bson:"pagopar_user_id,omitempty" json:"pagopar_user_id,omitempty"`
	CardLast4     string             `bson:"card_last4,omitempty" json:"card_last4,omitempty"`
	UpdatedAt     time.Time          `bson:"updated_at" json:"updated_at"`
}

// SubscriptionTransaction logs one billing attempt, successful or not.
type SubscriptionTransaction struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	OwnerEmail string             `bson:"owner_email" json:"owner_email"`
	PlanCode   string             `bson:"plan_code" json:"plan_code"`
	Amount     float64            `bson:"amount" json:"amount"`
	Currency   string             `bson:"currency" json:"currency"`
	Success    bool               `bson:"success" json:"success"`
	Attempt    int                `bson:"attempt" json:"attempt"`
	Reason     string             `bson:"reason,omitempty" json:"reason,omitempty"`
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
}
