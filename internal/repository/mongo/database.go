// Package mongo implements the document warehouse: invoice headers and
// items, the processed-email registry, encrypted account configs and the
// billing collections.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuenly/invoice-ingest/internal/config"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
)

// Collection names.
const (
	colHeaders       = "invoice_headers"
	colItems         = "invoice_items"
	colProcessed     = "processed_emails"
	colEmailConfigs  = "email_configs"
	colUsers         = "auth_users"
	colSubscriptions = "user_subscriptions"
	colPaymentMeth   = "payment_methods"
	colTransactions  = "subscription_transactions"
)

const connectTimeout = 5 * time.Second

// Database wraps the Mongo client and database handle.
type Database struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials the warehouse and verifies it with a ping.
func Connect(ctx context.Context, cfg config.MongoConfig) (*Database, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	logger.Info("mongo", "connected", "database", cfg.Database)
	return &Database{client: client, db: client.Database(cfg.Database)}, nil
}

// Close disconnects the client.
func (d *Database) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// EnsureIndexes creates the required indexes. Safe to run on every boot;
// existing indexes are no-ops.
func (d *Database) EnsureIndexes(ctx context.Context) error {
	headers := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "owner_email", Value: 1}, {Key: "cdc", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"cdc": bson.M{"$gt": ""}}),
		},
		{Keys: bson.D{{Key: "owner_email", Value: 1}, {Key: "message_id", Value: 1}}},
		{Keys: bson.D{{Key: "owner_email", Value: 1}, {Key: "fecha_emision", Value: -1}}},
		{Keys: bson.D{{Key: "fuente", Value: 1}}},
		{Keys: bson.D{{Key: "mes_proceso", Value: 1}}},
		{Keys: bson.D{{Key: "emisor.ruc", Value: 1}}},
		{Keys: bson.D{{Key: "receptor.ruc", Value: 1}}},
	}
	if _, err := d.db.Collection(colHeaders).Indexes().CreateMany(ctx, headers); err != nil {
		return fmt.Errorf("mongo: header indexes: %w", err)
	}

	items := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "header_id", Value: 1}, {Key: "linea", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "owner_email", Value: 1}}},
	}
	if _, err := d.db.Collection(colItems).Indexes().CreateMany(ctx, items); err != nil {
		return fmt.Errorf("mongo: item indexes: %w", err)
	}

	processed := []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_email", Value: 1}, {Key: "message_id", Value: 1}}},
		{Keys: bson.D{{Key: "owner_email", Value: 1}, {Key: "status", Value: 1}}},
	}
	if _, err := d.db.Collection(colProcessed).Indexes().CreateMany(ctx, processed); err != nil {
		return fmt.Errorf("mongo: processed indexes: %w", err)
	}

	configs := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "owner_email", Value: 1}, {Key: "username", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "enabled", Value: 1}}},
	}
	if _, err := d.db.Collection(colEmailConfigs).Indexes().CreateMany(ctx, configs); err != nil {
		return fmt.Errorf("mongo: config indexes: %w", err)
	}

	subs := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_billing_date", Value: 1}}},
		{Keys: bson.D{{Key: "owner_email", Value: 1}}},
	}
	if _, err := d.db.Collection(colSubscriptions).Indexes().CreateMany(ctx, subs); err != nil {
		return fmt.Errorf("mongo: subscription indexes: %w", err)
	}

	users := []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	if _, err := d.db.Collection(colUsers).Indexes().CreateMany(ctx, users); err != nil {
		return fmt.Errorf("mongo: user indexes: %w", err)
	}
	return nil
}
