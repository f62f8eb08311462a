package mongo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/oauth2"

	"github.com/cuenly/invoice-ingest/internal/config"
	"github.com/cuenly/invoice-ingest/internal/models"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
	"github.com/cuenly/invoice-ingest/internal/secrets"
)

// ConfigRepo stores per-tenant IMAP accounts with secrets enciphered at
// rest. Reads of oauth2 accounts transparently refresh expired tokens.
type ConfigRepo struct {
	col   *mongo.Collection
	box   *secrets.Box
	oauth config.OAuthConfig
}

// NewConfigRepo binds the email_configs collection.
func NewConfigRepo(d *Database, box *secrets.Box, oauth config.OAuthConfig) *ConfigRepo {
	return &ConfigRepo{col: d.db.Collection(colEmailConfigs), box: box, oauth: oauth}
}

// Save upserts an account by (owner_email, username), enciphering all secret
// fields. Legacy plaintext secrets get enciphered here on their next write.
func (r *ConfigRepo) Save(ctx context.Context, cfg *models.EmailConfig) error {
	cfg.OwnerEmail = strings.ToLower(cfg.OwnerEmail)
	var err error
	if cfg.Password, err = r.encryptIfNeeded(cfg.Password); err != nil {
		return err
	}
	if cfg.AccessToken, err = r.encryptIfNeeded(cfg.AccessToken); err != nil {
		return err
	}
	if cfg.RefreshToken, err = r.encryptIfNeeded(cfg.RefreshToken); err != nil {
		return err
	}

	now := time.Now().UTC()
	cfg.UpdatedAt = now

	raw, err := bson.Marshal(cfg)
	if err != nil {
		return err
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return err
	}
	// created_at is insert-only; _id is server-assigned.
	delete(doc, "_id")
	delete(doc, "created_at")

	filter := bson.M{"owner_email": cfg.OwnerEmail, "username": cfg.Username}
	update := bson.M{
		"$set":         doc,
		"$setOnInsert": bson.M{"created_at": now},
	}
	_, err = r.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo: save config %s/%s: %w", cfg.OwnerEmail, cfg.Username, err)
	}
	return nil
}

func (r *ConfigRepo) encryptIfNeeded(value string) (string, error) {
	if value == "" || secrets.IsEncrypted(value) {
		return value, nil
	}
	return r.box.Encrypt(value)
}

// List returns the accounts of one owner. Secrets are blanked unless
// includeSecrets is set, in which case they come back decrypted.
func (r *ConfigRepo) List(ctx context.Context, ownerEmail string, includeSecrets bool) ([]models.EmailConfig, error) {
	cur, err := r.col.Find(ctx, bson.M{"owner_email": strings.ToLower(ownerEmail)})
	if err != nil {
		return nil, err
	}
	var out []models.EmailConfig
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if includeSecrets {
			if err := r.decryptSecrets(&out[i]); err != nil {
				return nil, err
			}
		} else {
			out[i].Password = ""
			out[i].AccessToken = ""
			out[i].RefreshToken = ""
		}
	}
	return out, nil
}

// EnabledAccounts returns every enabled account across all owners, for the
// scheduler fan-out. Secrets stay enciphered; workers decrypt per job.
func (r *ConfigRepo) EnabledAccounts(ctx context.Context) ([]models.EmailConfig, error) {
	cur, err := r.col.Find(ctx, bson.M{"enabled": true})
	if err != nil {
		return nil, err
	}
	var out []models.EmailConfig
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Password = ""
		out[i].AccessToken = ""
		out[i].RefreshToken = ""
	}
	return out, nil
}

// GetDecrypted loads one account with usable credentials. Expired oauth2
// tokens are refreshed against the identity provider and persisted before
// returning.
func (r *ConfigRepo) GetDecrypted(ctx context.Context, ownerEmail, username string) (*models.EmailConfig, error) {
	var cfg models.EmailConfig
	err := r.col.FindOne(ctx, bson.M{
		"owner_email": strings.ToLower(ownerEmail),
		"username":    username,
	}).Decode(&cfg)
	if err != nil {
		return nil, fmt.Errorf("mongo: config %s/%s: %w", ownerEmail, username, err)
	}
	if err := r.decryptSecrets(&cfg); err != nil {
		return nil, err
	}

	if cfg.AuthType == models.AuthOAuth2 && !cfg.TokenExpiry.IsZero() && time.Now().After(cfg.TokenExpiry) {
		if err := r.refreshToken(ctx, &cfg); err != nil {
			return nil, fmt.Errorf("mongo: token refresh %s: %w", username, err)
		}
	}
	return &cfg, nil
}

func (r *ConfigRepo) decryptSecrets(cfg *models.EmailConfig) error {
	var err error
	if cfg.Password, err = r.box.Decrypt(cfg.Password); err != nil {
		return err
	}
	if cfg.AccessToken, err = r.box.Decrypt(cfg.AccessToken); err != nil {
		return err
	}
	if cfg.RefreshToken, err = r.box.Decrypt(cfg.RefreshToken); err != nil {
		return err
	}
	return nil
}

// refreshToken exchanges the refresh token for a fresh access token and
// persists the new pair.
func (r *ConfigRepo) refreshToken(ctx context.Context, cfg *models.EmailConfig) error {
	oc := &oauth2.Config{
		ClientID:     r.oauth.ClientID,
		ClientSecret: r.oauth.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: r.oauth.TokenURL},
	}
	stale := &oauth2.Token{
		AccessToken:  cfg.AccessToken,
		RefreshToken: cfg.RefreshToken,
		Expiry:       cfg.TokenExpiry,
	}
	fresh, err := oc.TokenSource(ctx, stale).Token()
	if err != nil {
		return err
	}

	cfg.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		cfg.RefreshToken = fresh.RefreshToken
	}
	cfg.TokenExpiry = fresh.Expiry
	logger.Info("mongo", "oauth token refreshed",
		"account", cfg.Username, "expiry", fresh.Expiry.Format(time.RFC3339))

	encTok, err := r.box.Encrypt(cfg.AccessToken)
	if err != nil {
		return err
	}
	encRefresh, err := r.box.Encrypt(cfg.RefreshToken)
	if err != nil {
		return err
	}
	_, err = r.col.UpdateOne(ctx,
		bson.M{"owner_email": cfg.OwnerEmail, "username": cfg.Username},
		bson.M{"$set": bson.M{
			"access_token":  encTok,
			"refresh_token": encRefresh,
			"token_expiry":  cfg.TokenExpiry,
			"updated_at":    time.Now().UTC(),
		}})
	return err
}
