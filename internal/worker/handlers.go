package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuenly/invoice-ingest/internal/ai"
	"github.com/cuenly/invoice-ingest/internal/artifact"
	"github.com/cuenly/invoice-ingest/internal/invoice"
	"github.com/cuenly/invoice-ingest/internal/models"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
	"github.com/cuenly/invoice-ingest/internal/queue"
	"github.com/cuenly/invoice-ingest/internal/resolver"
	"github.com/cuenly/invoice-ingest/internal/sifen"
)

// stopCheck is the cooperative cancellation checkpoint handlers call between
// stages.
type stopCheck func() error

func noStop() error { return nil }

// RegisterAll binds the three job handlers to the queue worker.
func RegisterAll(w *queue.Worker, q *queue.Queue, p *Pipeline) {
	w.Register(JobAccountScan, func(ctx context.Context, job *queue.Job) (string, error) {
		return p.accountScan(ctx, q, job, func() error { return w.CheckStop(ctx, job) })
	})
	w.Register(JobProcessSingleEmail, func(ctx context.Context, job *queue.Job) (string, error) {
		return p.processSingleEmail(ctx, job, func() error { return w.CheckStop(ctx, job) })
	})
	w.Register(JobProcessEmailsRange, func(ctx context.Context, job *queue.Job) (string, error) {
		return p.processEmailsRange(ctx, q, job, func() error { return w.CheckStop(ctx, job) })
	})
}

// accountScan searches one account's inbox and enqueues a single-email job
// per unprocessed match.
func (p *Pipeline) accountScan(ctx context.Context, q *queue.Queue, job *queue.Job, check stopCheck) (string, error) {
	owner := job.OwnerEmail()
	username, _ := job.Kwargs["username"].(string)
	if owner == "" || username == "" {
		return "", fmt.Errorf("scan job missing owner_email or username")
	}

	cfg, err := p.Configs.GetDecrypted(ctx, owner, username)
	if err != nil {
		return "", err
	}
	if cfg == nil || !cfg.Enabled {
		return "account disabled, nothing to do", nil
	}

	since := time.Now().Add(-defaultLookback)
	since = p.clampSince(ctx, owner, since)

	sess, err := p.Mail.Acquire(*cfg)
	if err != nil {
		return "", err
	}

	uids, err := sess.Scan(*cfg, since, time.Time{})
	if err != nil {
		p.Mail.Discard(sess)
		return "", err
	}
	defer p.Mail.Release(sess)

	enqueued := 0
	for _, uid := range uids {
		if err := check(); err != nil {
			return "", err
		}
		key := models.ProcessedKey(owner, username, uid)
		done, err := p.Registry.WasProcessed(ctx, key)
		if err != nil {
			logger.Warn("pipeline", "registry read failed", "key", key, "error", err.Error())
			continue
		}
		if done {
			continue
		}
		if _, err := q.Enqueue(ctx, JobProcessSingleEmail, map[string]interface{}{
			"owner_email": owner,
			"username":    username,
			"uid":         uid,
		}, queue.QueueDefault); err != nil {
			logger.Warn("pipeline", "enqueue failed", "key", key, "error", err.Error())
			continue
		}
		enqueued++
	}

	logger.Info("pipeline", "account scan complete",
		"owner", owner, "account", username, "matched", len(uids), "enqueued", enqueued)
	return fmt.Sprintf("enqueued %d of %d matched messages", enqueued, len(uids)), nil
}

// processSingleEmail runs the extraction pipeline for one (account, UID).
func (p *Pipeline) processSingleEmail(ctx context.Context, job *queue.Job, check stopCheck) (string, error) {
	owner := job.OwnerEmail()
	username, _ := job.Kwargs["username"].(string)
	uid, ok := jobUID(job)
	if owner == "" || username == "" || !ok {
		return "", fmt.Errorf("single-email job missing owner_email, username or uid")
	}

	cfg, err := p.Configs.GetDecrypted(ctx, owner, username)
	if err != nil {
		return "", err
	}
	if cfg == nil {
		return "", fmt.Errorf("no account config for %s/%s", owner, username)
	}

	sess, err := p.Mail.Acquire(*cfg)
	if err != nil {
		return "", err
	}

	out, err := p.processUID(ctx, sess, cfg, uid, check)
	if err != nil {
		p.Mail.Discard(sess)
		return "", err
	}
	p.Mail.Release(sess)
	return out, nil
}

// processEmailsRange reprocesses a manual date window, streaming progress
// through job meta.
func (p *Pipeline) processEmailsRange(ctx context.Context, q *queue.Queue, job *queue.Job, check stopCheck) (string, error) {
	owner := job.OwnerEmail()
	username, _ := job.Kwargs["username"].(string)
	from, errFrom := kwargDate(job, "from_date")
	to, errTo := kwargDate(job, "to_date")
	if owner == "" || username == "" || errFrom != nil || errTo != nil {
		return "", fmt.Errorf("range job requires owner_email, username, from_date and to_date")
	}

	cfg, err := p.Configs.GetDecrypted(ctx, owner, username)
	if err != nil {
		return "", err
	}
	if cfg == nil {
		return "", fmt.Errorf("no account config for %s/%s", owner, username)
	}

	from = p.clampSince(ctx, owner, from)

	sess, err := p.Mail.Acquire(*cfg)
	if err != nil {
		return "", err
	}
	defer p.Mail.Release(sess)

	// BEFORE is exclusive; push it one day past the requested end.
	uids, err := sess.Scan(*cfg, from, to.AddDate(0, 0, 1))
	if err != nil {
		return "", err
	}

	q.SetMeta(ctx, job.ID, map[string]interface{}{"total": len(uids), "processed": 0})

	processed, failed := 0, 0
	for i, uid := range uids {
		if err := check(); err != nil {
			return "", err
		}
		if _, err := p.processUID(ctx, sess, cfg, uid, check); err != nil {
			if errors.Is(err, queue.ErrStopped) || errors.Is(err, ai.ErrFatal) {
				return "", err
			}
			failed++
			logger.Warn("pipeline", "range item failed",
				"owner", owner, "uid", uid, "error", err.Error())
		} else {
			processed++
		}
		q.SetMeta(ctx, job.ID, map[string]interface{}{
			"processed":   i + 1,
			"current_uid": uid,
		})
	}

	return fmt.Sprintf("range complete: %d processed, %d failed of %d", processed, failed, len(uids)), nil
}

// outcome is the registry verdict for one message.
type outcome struct {
	status   models.ProcessedStatus
	reason   string
	markSeen bool
}

// processUID claims, fetches, extracts and persists one message. Returned
// errors are retryable by queue policy; everything else lands in the registry
// as a status.
func (p *Pipeline) processUID(ctx context.Context, sess MailSession, cfg *models.EmailConfig, uid uint32, check stopCheck) (result string, retErr error) {
	if check == nil {
		check = noStop
	}
	owner := strings.ToLower(cfg.OwnerEmail)
	key := models.ProcessedKey(owner, cfg.Username, uid)

	claimed, err := p.Registry.Claim(ctx, key, owner, cfg.Username, uid)
	if err != nil {
		return "", err
	}
	if !claimed {
		return "already claimed or processed", nil
	}

	// A claim held past an error would block every retry; release it with a
	// non-terminal status.
	defer func() {
		if retErr == nil {
			return
		}
		status, reason := models.StatusFailed, retErr.Error()
		if errors.Is(retErr, queue.ErrStopped) {
			status, reason = models.StatusPending, "stopped by user"
		}
		p.Registry.MarkProcessed(ctx, key, status, reason, owner, cfg.Username, uid)
	}()

	raw, err := sess.Fetch(uid)
	if err != nil {
		return "", err
	}

	msgID := parseMessageID(raw)
	if msgID != "" {
		p.Registry.SetMessageID(ctx, key, msgID)
		dup, err := p.Registry.WasProcessedByMessageID(ctx, owner, msgID)
		if err == nil && dup {
			// Server renumbered UIDs; this message was already ingested.
			p.Registry.MarkProcessed(ctx, key, models.StatusDone, "duplicate message_id", owner, cfg.Username, uid)
			p.markSeen(sess, uid, key)
			return "duplicate message_id, skipped", nil
		}
	}

	if err := check(); err != nil {
		return "", err
	}

	out, err := p.extractAndPersist(ctx, sess, cfg, uid, key, msgID, raw, check)
	if err != nil {
		return "", err
	}

	if mErr := p.Registry.MarkProcessed(ctx, key, out.status, out.reason, owner, cfg.Username, uid); mErr != nil {
		logger.Warn("pipeline", "registry write failed", "key", key, "error", mErr.Error())
	}
	if out.markSeen {
		p.markSeen(sess, uid, key)
	}
	if out.reason != "" {
		return fmt.Sprintf("%s (%s)", out.status, out.reason), nil
	}
	return string(out.status), nil
}

func (p *Pipeline) extractAndPersist(ctx context.Context, sess MailSession, cfg *models.EmailConfig, uid uint32, key, msgID string, raw []byte, check stopCheck) (outcome, error) {
	owner := strings.ToLower(cfg.OwnerEmail)

	cands, err := p.Resolver.Resolve(ctx, raw)
	if err != nil {
		return outcome{}, err
	}
	if len(cands) == 0 {
		return outcome{status: models.StatusFailed, reason: "no document candidates"}, nil
	}

	var (
		ext    *models.Extraction
		winner resolver.Candidate
		st     aiState
	)

	for _, cand := range cands {
		if err := check(); err != nil {
			return outcome{}, err
		}
		var parsed *models.Extraction
		var err error
		switch cand.Kind {
		case resolver.KindXML:
			parsed, err = sifen.Parse(cand.Content)
			if err != nil {
				logger.Warn("pipeline", "native parse failed, falling back to model",
					"key", key, "filename", cand.Filename, "error", err.Error())
				parsed, err = p.tryModel(ctx, owner, key, &st, func() (*models.Extraction, error) {
					return p.Extractor.ExtractFromXML(ctx, cand.Content)
				})
			}
		case resolver.KindPDF:
			parsed, err = p.tryModel(ctx, owner, key, &st, func() (*models.Extraction, error) {
				return p.Extractor.ExtractFromPDF(ctx, cand.Content)
			})
		case resolver.KindImage:
			parsed, err = p.tryModel(ctx, owner, key, &st, func() (*models.Extraction, error) {
				return p.Extractor.ExtractFromImage(ctx, cand.Content)
			})
		}
		if err != nil {
			return outcome{}, err
		}
		if parsed != nil {
			ext, winner = parsed, cand
			break
		}
	}

	switch {
	case ext != nil:
		// fall through to persistence
	case st.quotaHit:
		// Left unread so a quota reset picks the message up again.
		return outcome{status: models.StatusSkippedAILimitUnread, reason: "ai quota exhausted"}, nil
	case st.lastFail != nil:
		return outcome{}, st.lastFail
	case st.sawRemi:
		return outcome{status: models.StatusDone, reason: "remision, not an invoice", markSeen: true}, nil
	default:
		return outcome{status: models.StatusFailed, reason: "no extractable invoice document"}, nil
	}

	saved, err := p.Artifacts.SaveBinary(ctx, winner.Content, winner.Filename, artifact.SaveOptions{
		ForcePDF:   winner.Kind == resolver.KindPDF,
		OwnerEmail: owner,
		Date:       ext.Fecha,
	})
	if err != nil {
		return outcome{}, err
	}
	if saved.RemoteKey != "" {
		ext.ArtifactKey = saved.RemoteKey
	} else {
		ext.ArtifactKey = saved.LocalPath
	}
	ext.MessageID = msgID

	doc, err := invoice.Map(ext, owner, uuid.NewString())
	if errors.Is(err, invoice.ErrMissingMetadata) {
		return outcome{status: models.StatusMissingMetadata, reason: err.Error(), markSeen: true}, nil
	}
	if err != nil {
		return outcome{}, err
	}

	wrote, err := p.Invoices.SaveDocument(ctx, doc)
	if err != nil {
		return outcome{}, err
	}
	reason := ""
	if !wrote {
		reason = "kept higher-priority record"
	}
	return outcome{status: models.StatusDone, reason: reason, markSeen: true}, nil
}

// aiState accumulates model outcomes across a message's candidates.
type aiState struct {
	quotaHit bool
	sawRemi  bool
	lastFail error
}

// tryModel runs one quota-gated model extraction. Returns (nil, nil) for
// outcomes the candidate loop should keep walking past; fatal provider errors
// and quota-store errors propagate.
func (p *Pipeline) tryModel(ctx context.Context, owner, key string, st *aiState, call func() (*models.Extraction, error)) (*models.Extraction, error) {
	allowed, _, err := p.Users.CheckAILimit(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !allowed {
		st.quotaHit = true
		return nil, nil
	}
	parsed, aerr := call()
	switch {
	case aerr == nil:
		if ok, ierr := p.Users.IncrementAIUsage(ctx, owner); ierr != nil || !ok {
			logger.Warn("pipeline", "quota increment lost", "owner", owner, "key", key)
		}
		return parsed, nil
	case errors.Is(aerr, ai.ErrRemision):
		st.sawRemi = true
	case errors.Is(aerr, ai.ErrFatal):
		return nil, aerr
	default:
		st.lastFail = aerr
	}
	return nil, nil
}

// markSeen flags the message read; failures are logged, never fatal, since
// the registry already owns idempotency.
func (p *Pipeline) markSeen(sess MailSession, uid uint32, key string) {
	if err := sess.MarkSeen(uid); err != nil {
		logger.Warn("pipeline", "mark seen failed", "key", key, "error", err.Error())
	}
}

// clampSince never lets a scan reach past the tenant's processing start date.
func (p *Pipeline) clampSince(ctx context.Context, owner string, since time.Time) time.Time {
	start, err := p.Users.ProcessingStartDate(ctx, owner)
	if err != nil || start.IsZero() {
		return since
	}
	if start.After(since) {
		return start
	}
	return since
}

func parseMessageID(raw []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(msg.Header.Get("Message-Id"))
}

func jobUID(job *queue.Job) (uint32, bool) {
	switch v := job.Kwargs["uid"].(type) {
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint32(v), true
	case uint32:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint32(v), true
	}
	return 0, false
}

func kwargDate(job *queue.Job, field string) (time.Time, error) {
	s, _ := job.Kwargs[field].(string)
	return time.Parse("2006-01-02", s)
}
