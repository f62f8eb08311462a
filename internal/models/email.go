package models

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Auth kinds for an IMAP account.
const (
	AuthPassword = "password"
	AuthOAuth2   = "oauth2"
)

// EmailConfig is a per-tenant IMAP account definition. The secret fields
// (Password, AccessToken, RefreshToken) are stored enciphered; the repository
// decrypts them on read when explicitly requested.
type EmailConfig struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	OwnerEmail   string             `bson:"owner_email" json:"owner_email"`
	Host         string             `bson:"host" json:"host"`
	Port         int                `bson:"port" json:"port"`
	UseSSL       bool               `bson:"use_ssl" json:"use_ssl"`
	Username     string             `bson:"username" json:"username"`
	AuthType     string             `bson:"auth_type" json:"auth_type"`
	Password     string             `bson:"password,omitempty" json:"-"`
	AccessToken  string             `bson:"access_token,omitempty" json:"-"`
	RefreshToken string             `bson:"refresh_token,omitempty" json:"-"`
	TokenExpiry  time.Time          `bson:"token_expiry,omitempty" json:"token_expiry,omitempty"`
	Enabled      bool               `bson:"enabled" json:"enabled"`
	SearchTerms  []string           `bson:"search_terms" json:"search_terms"`
	SearchUnseen bool               `bson:"search_unseen" json:"search_unseen"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at" json:"updated_at"`
}

// ProcessedStatus is the lifecycle state of a processed-email entry.
type ProcessedStatus string

const (
	StatusPending              ProcessedStatus = "pending"
	StatusProcessing           ProcessedStatus = "processing"
	StatusDone                 ProcessedStatus = "done"
	StatusFailed               ProcessedStatus = "failed"
	StatusError                ProcessedStatus = "error"
	StatusMissingMetadata      ProcessedStatus = "missing_metadata"
	StatusSkippedAILimit       ProcessedStatus = "skipped_ai_limit"
	StatusSkippedAILimitUnread ProcessedStatus = "skipped_ai_limit_unread"
	StatusPendingAIUnread      ProcessedStatus = "pending_ai_unread"
	StatusRetryRequested       ProcessedStatus = "retry_requested"
)

// Terminal reports whether the status blocks re-processing. AI-limit skips
// are intentionally non-terminal so a quota reset revisits the message.
func (s ProcessedStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusMissingMetadata:
		return true
	default:
		return false
	}
}

// SkippedForAILimit reports whether the entry was skipped because the tenant
// exhausted its AI budget.
func (s ProcessedStatus) SkippedForAILimit() bool {
	return s == StatusSkippedAILimit || s == StatusSkippedAILimitUnread
}

// ProcessedEmailEntry is the idempotency record for one (owner, account, UID).
type ProcessedEmailEntry struct {
	Key            string          `bson:"_id" json:"key"`
	OwnerEmail     string          `bson:"owner_email" json:"owner_email"`
	Account        string          `bson:"account" json:"account"`
	UID            uint32          `bson:"uid" json:"uid"`
	Status         ProcessedStatus `bson:"status" json:"status"`
	Reason         string          `bson:"reason,omitempty" json:"reason,omitempty"`
	ProcessedAt    time.Time       `bson:"processed_at" json:"processed_at"`
	LastRetryAt    time.Time       `bson:"last_retry_at,omitempty" json:"last_retry_at,omitempty"`
	ManualUpload   bool            `bson:"manual_upload" json:"manual_upload"`
	RetrySupported bool            `bson:"retry_supported" json:"retry_supported"`
	MessageID      string          `bson:"message_id,omitempty" json:"message_id,omitempty"`
}

// ProcessedKey builds the registry key for one message:
// "<owner_email>::<account_username>::<IMAP_UID>".
func ProcessedKey(ownerEmail, account string, uid uint32) string {
	return fmt.Sprintf("%s::%s::%d", strings.ToLower(ownerEmail), account, uid)
}
