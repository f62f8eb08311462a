package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuenly/invoice-ingest/internal/models"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
	"github.com/cuenly/invoice-ingest/internal/sifen"
)

// InvoiceRepo persists canonical invoice documents with source-priority
// overwrite semantics.
type InvoiceRepo struct {
	headers *mongo.Collection
	items   *mongo.Collection
}

// NewInvoiceRepo binds the invoice collections.
func NewInvoiceRepo(d *Database) *InvoiceRepo {
	return &InvoiceRepo{
		headers: d.db.Collection(colHeaders),
		items:   d.db.Collection(colItems),
	}
}

// SaveDocument upserts a header and replaces its items en-bloc. Returns false
// when the write was skipped because an existing record has higher source
// priority. Calling it twice with identical input is idempotent.
func (r *InvoiceRepo) SaveDocument(ctx context.Context, doc *models.InvoiceDocument) (bool, error) {
	header := doc.Header
	now := time.Now().UTC()

	existing, err := r.findExisting(ctx, &header)
	if err != nil {
		return false, err
	}

	if existing != nil {
		if !shouldReplace(header.Fuente, existing.Fuente) {
			logger.Info("invoices", "skip-write, existing source outranks",
				"owner", header.OwnerEmail, "id", existing.ID,
				"existing", string(existing.Fuente), "incoming", string(header.Fuente))
			return false, nil
		}
		header.ID = existing.ID
		header.CreatedAt = existing.CreatedAt
		r.preserveArtifactKey(&header, existing)
	} else {
		header.CreatedAt = now
	}
	header.UpdatedAt = now
	if header.MesProceso == "" {
		header.MesProceso = models.MesProceso(header.FechaEmision)
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := r.headers.ReplaceOne(ctx, bson.M{"_id": header.ID}, header, opts); err != nil {
		return false, fmt.Errorf("mongo: upsert header %s: %w", header.ID, err)
	}

	if _, err := r.items.DeleteMany(ctx, bson.M{"header_id": header.ID}); err != nil {
		return false, fmt.Errorf("mongo: clear items %s: %w", header.ID, err)
	}
	if len(doc.Items) > 0 {
		rows := make([]interface{}, 0, len(doc.Items))
		for i, item := range doc.Items {
			item.HeaderID = header.ID
			item.OwnerEmail = header.OwnerEmail
			item.Linea = i + 1
			rows = append(rows, item)
		}
		if _, err := r.items.InsertMany(ctx, rows); err != nil {
			return false, fmt.Errorf("mongo: insert items %s: %w", header.ID, err)
		}
	}
	return true, nil
}

// findExisting resolves the canonical record: (owner, cdc) first, then
// (owner, message_id), then the incoming id itself.
func (r *InvoiceRepo) findExisting(ctx context.Context, header *models.InvoiceHeader) (*models.InvoiceHeader, error) {
	filters := make([]bson.M, 0, 3)
	if header.CDC != "" {
		filters = append(filters, bson.M{"owner_email": header.OwnerEmail, "cdc": header.CDC})
	}
	if header.MessageID != "" {
		filters = append(filters, bson.M{"owner_email": header.OwnerEmail, "message_id": header.MessageID})
	}
	filters = append(filters, bson.M{"_id": header.ID})

	for _, filter := range filters {
		var found models.InvoiceHeader
		err := r.headers.FindOne(ctx, filter).Decode(&found)
		if err == nil {
			return &found, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("mongo: find header: %w", err)
		}
	}
	return nil, nil
}

// shouldReplace reports whether an extraction from source incoming may
// overwrite a record from source existing. Ties go to the newcomer so a
// re-extraction from the same source refreshes the record.
func shouldReplace(incoming, existing models.Source) bool {
	return incoming.Priority() >= existing.Priority()
}

// preservedArtifactKey decides whether the stored artifact key survives a
// merge. It carries over only when the incoming header has no key of its own
// and the stored key is consistent with the current CDC: when the key embeds
// 44-digit tokens, one of them must equal the CDC. A key with no such token
// carries no evidence either way and is kept. mismatch names the first
// offending token for logging.
func preservedArtifactKey(existing, incoming *models.InvoiceHeader) (key, mismatch string) {
	if incoming.MinioKey != "" || existing.MinioKey == "" {
		return "", ""
	}
	if incoming.CDC != "" {
		tokens := sifen.ExtractCDCs(existing.MinioKey)
		for _, token := range tokens {
			if token == incoming.CDC {
				return existing.MinioKey, ""
			}
		}
		if len(tokens) > 0 {
			return "", tokens[0]
		}
	}
	return existing.MinioKey, ""
}

// preserveArtifactKey applies the carry-over decision. A mismatched key would
// point the header at another invoice's artifact.
func (r *InvoiceRepo) preserveArtifactKey(header, existing *models.InvoiceHeader) {
	carried, mismatch := preservedArtifactKey(existing, header)
	if mismatch != "" {
		logger.Warn("invoices", "dropping stored artifact key, CDC mismatch",
			"owner", header.OwnerEmail, "id", header.ID,
			"key_cdc", mismatch, "header_cdc", header.CDC)
		return
	}
	if carried != "" {
		header.MinioKey = carried
	}
}

// GetByCDC returns the header for (owner, cdc), or nil.
func (r *InvoiceRepo) GetByCDC(ctx context.Context, ownerEmail, cdc string) (*models.InvoiceHeader, error) {
	var found models.InvoiceHeader
	err := r.headers.FindOne(ctx, bson.M{"owner_email": ownerEmail, "cdc": cdc}).Decode(&found)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &found, nil
}

// ItemsFor returns the items of one header ordered by line number.
func (r *InvoiceRepo) ItemsFor(ctx context.Context, headerID string) ([]models.InvoiceItem, error) {
	cur, err := r.items.Find(ctx, bson.M{"header_id": headerID},
		options.Find().SetSort(bson.D{{Key: "linea", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []models.InvoiceItem
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
