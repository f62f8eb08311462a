// Package worker implements the queue job handlers: the per-account scan
// fan-out, the per-message extraction pipeline and the manual date-range
// reprocess.
package worker

import (
	"context"
	"time"

	"github.com/cuenly/invoice-ingest/internal/artifact"
	"github.com/cuenly/invoice-ingest/internal/imap"
	"github.com/cuenly/invoice-ingest/internal/models"
	"github.com/cuenly/invoice-ingest/internal/resolver"
)

// Job function names shared with the scheduler and the CLI.
const (
	JobAccountScan        = "account_scan_job"
	JobProcessSingleEmail = "process_single_email_job"
	JobProcessEmailsRange = "process_emails_range_job"
)

// defaultLookback bounds how far back a scheduled scan searches when the
// tenant has no processing start date.
const defaultLookback = 7 * 24 * time.Hour

// ConfigSource yields decrypted account configs ready to authenticate with.
type ConfigSource interface {
	GetDecrypted(ctx context.Context, ownerEmail, username string) (*models.EmailConfig, error)
}

// Registry is the idempotency store for processed messages.
type Registry interface {
	WasProcessed(ctx context.Context, key string) (bool, error)
	Claim(ctx context.Context, key, ownerEmail, account string, uid uint32) (bool, error)
	MarkProcessed(ctx context.Context, key string, status models.ProcessedStatus, reason, ownerEmail, account string, uid uint32) error
	SetMessageID(ctx context.Context, key, messageID string) error
	WasProcessedByMessageID(ctx context.Context, ownerEmail, messageID string) (bool, error)
}

// QuotaSource gates and counts AI extractions per tenant.
type QuotaSource interface {
	CheckAILimit(ctx context.Context, email string) (bool, *models.User, error)
	IncrementAIUsage(ctx context.Context, email string) (bool, error)
	ProcessingStartDate(ctx context.Context, email string) (time.Time, error)
}

// InvoiceSink persists mapped documents.
type InvoiceSink interface {
	SaveDocument(ctx context.Context, doc *models.InvoiceDocument) (bool, error)
}

// Extractor is the model fallback: vision for PDFs and invoice photos, text
// for XML the native parser rejects.
type Extractor interface {
	ExtractFromPDF(ctx context.Context, content []byte) (*models.Extraction, error)
	ExtractFromImage(ctx context.Context, content []byte) (*models.Extraction, error)
	ExtractFromXML(ctx context.Context, content []byte) (*models.Extraction, error)
}

// DocumentResolver pulls invoice candidates out of a raw message.
type DocumentResolver interface {
	Resolve(ctx context.Context, raw []byte) ([]resolver.Candidate, error)
}

// ArtifactSaver stores the winning document binary.
type ArtifactSaver interface {
	SaveBinary(ctx context.Context, content []byte, filename string, opts artifact.SaveOptions) (artifact.Saved, error)
}

// MailSession is one live IMAP session.
type MailSession interface {
	Scan(cfg models.EmailConfig, since, before time.Time) ([]uint32, error)
	Fetch(uid uint32) ([]byte, error)
	MarkSeen(uid uint32) error
}

// Mailbox checks sessions in and out of the connection pool.
type Mailbox interface {
	Acquire(cfg models.EmailConfig) (MailSession, error)
	Release(s MailSession)
	Discard(s MailSession)
}

// Pipeline carries every dependency the handlers need.
type Pipeline struct {
	Mail      Mailbox
	Configs   ConfigSource
	Registry  Registry
	Users     QuotaSource
	Invoices  InvoiceSink
	Resolver  DocumentResolver
	Artifacts ArtifactSaver
	Extractor Extractor
}

// PoolMailbox adapts the IMAP pool to the Mailbox interface.
type PoolMailbox struct {
	pool *imap.Pool
}

// NewPoolMailbox wraps the process-wide pool.
func NewPoolMailbox(p *imap.Pool) *PoolMailbox {
	return &PoolMailbox{pool: p}
}

type poolSession struct {
	s *imap.Session
}

func (m *PoolMailbox) Acquire(cfg models.EmailConfig) (MailSession, error) {
	s, err := m.pool.Get(cfg)
	if err != nil {
		return nil, err
	}
	return &poolSession{s: s}, nil
}

func (m *PoolMailbox) Release(s MailSession) {
	if ps, ok := s.(*poolSession); ok {
		m.pool.Put(ps.s)
	}
}

func (m *PoolMailbox) Discard(s MailSession) {
	if ps, ok := s.(*poolSession); ok {
		m.pool.Discard(ps.s)
	}
}

func (ps *poolSession) Scan(cfg models.EmailConfig, since, before time.Time) ([]uint32, error) {
	return imap.Scan(ps.s, cfg, since, before)
}

func (ps *poolSession) Fetch(uid uint32) ([]byte, error) {
	return imap.FetchMessage(ps.s, uid)
}

func (ps *poolSession) MarkSeen(uid uint32) error {
	return imap.MarkSeen(ps.s, uid)
}
