package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuenly/invoice-ingest/internal/ai"
	"github.com/cuenly/invoice-ingest/internal/artifact"
	"github.com/cuenly/invoice-ingest/internal/models"
	"github.com/cuenly/invoice-ingest/internal/queue"
	"github.com/cuenly/invoice-ingest/internal/resolver"
)

const testCDC = "01800695631001001000000122022050510000002312"

var sampleDE = []byte(`<?xml version="1.0" encoding="UTF-8"?>
<rDE xmlns="http://ekuatia.set.gov.py/sifen/xsd">
  <DE Id="` + testCDC + `">
    <gTimb><dNumTim>12558946</dNumTim><dEst>001</dEst><dPunExp>001</dPunExp><dNumDoc>0000023</dNumDoc></gTimb>
    <gDatGralOpe>
      <dFeEmiDE>2025-05-07T14:30:00</dFeEmiDE>
      <gEmis><dRucEm>80069563</dRucEm><dDVEmi>1</dDVEmi><dNomEmi>Comercial San Jorge S.A.</dNomEmi></gEmis>
    </gDatGralOpe>
    <gTotSub><dIVA10>200000</dIVA10><dTotGralOpe>2200000</dTotGralOpe></gTotSub>
  </DE>
</rDE>`)

var rawMessage = []byte("Message-Id: <msg-1@example.com>\r\nSubject: Factura\r\n\r\nbody\r\n")

type fakeSession struct {
	uids     []uint32
	raw      map[uint32][]byte
	seen     []uint32
	fetchErr error
}

func (s *fakeSession) Scan(cfg models.EmailConfig, since, before time.Time) ([]uint32, error) {
	return s.uids, nil
}

func (s *fakeSession) Fetch(uid uint32) ([]byte, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if raw, ok := s.raw[uid]; ok {
		return raw, nil
	}
	return rawMessage, nil
}

func (s *fakeSession) MarkSeen(uid uint32) error {
	s.seen = append(s.seen, uid)
	return nil
}

type fakeMailbox struct {
	sess      *fakeSession
	discarded int
	released  int
}

func (m *fakeMailbox) Acquire(cfg models.EmailConfig) (MailSession, error) { return m.sess, nil }
func (m *fakeMailbox) Release(s MailSession)                               { m.released++ }
func (m *fakeMailbox) Discard(s MailSession)                               { m.discarded++ }

type fakeRegistry struct {
	statuses map[string]models.ProcessedStatus
	reasons  map[string]string
	msgIDs   map[string]string
	dupIDs   map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		statuses: map[string]models.ProcessedStatus{},
		reasons:  map[string]string{},
		msgIDs:   map[string]string{},
		dupIDs:   map[string]bool{},
	}
}

func (r *fakeRegistry) WasProcessed(ctx context.Context, key string) (bool, error) {
	st, ok := r.statuses[key]
	if !ok || st.SkippedForAILimit() || st == models.StatusRetryRequested {
		return false, nil
	}
	return true, nil
}

func (r *fakeRegistry) Claim(ctx context.Context, key, owner, account string, uid uint32) (bool, error) {
	switch r.statuses[key] {
	case models.StatusProcessing, models.StatusDone, models.StatusMissingMetadata:
		return false, nil
	}
	r.statuses[key] = models.StatusProcessing
	return true, nil
}

func (r *fakeRegistry) MarkProcessed(ctx context.Context, key string, status models.ProcessedStatus, reason, owner, account string, uid uint32) error {
	r.statuses[key] = status
	r.reasons[key] = reason
	return nil
}

func (r *fakeRegistry) SetMessageID(ctx context.Context, key, messageID string) error {
	r.msgIDs[key] = messageID
	return nil
}

func (r *fakeRegistry) WasProcessedByMessageID(ctx context.Context, owner, messageID string) (bool, error) {
	return r.dupIDs[messageID], nil
}

type fakeQuota struct {
	allowed    bool
	increments int
	startDate  time.Time
}

func (q *fakeQuota) CheckAILimit(ctx context.Context, email string) (bool, *models.User, error) {
	return q.allowed, &models.User{Email: email}, nil
}

func (q *fakeQuota) IncrementAIUsage(ctx context.Context, email string) (bool, error) {
	q.increments++
	return true, nil
}

func (q *fakeQuota) ProcessingStartDate(ctx context.Context, email string) (time.Time, error) {
	return q.startDate, nil
}

type fakeInvoices struct {
	docs []*models.InvoiceDocument
}

func (f *fakeInvoices) SaveDocument(ctx context.Context, doc *models.InvoiceDocument) (bool, error) {
	f.docs = append(f.docs, doc)
	return true, nil
}

type fakeResolver struct {
	cands []resolver.Candidate
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, raw []byte) ([]resolver.Candidate, error) {
	return f.cands, f.err
}

type fakeArtifacts struct {
	filenames []string
	opts      []artifact.SaveOptions
}

func (f *fakeArtifacts) SaveBinary(ctx context.Context, content []byte, filename string, opts artifact.SaveOptions) (artifact.Saved, error) {
	f.filenames = append(f.filenames, filename)
	f.opts = append(f.opts, opts)
	return artifact.Saved{
		LocalPath: "/tmp/" + filename,
		RemoteKey: "2025/owner/05/" + filename,
	}, nil
}

type fakeExtractor struct {
	ext      *models.Extraction
	err      error
	xmlCalls int
}

func (f *fakeExtractor) ExtractFromPDF(ctx context.Context, content []byte) (*models.Extraction, error) {
	return f.ext, f.err
}

func (f *fakeExtractor) ExtractFromImage(ctx context.Context, content []byte) (*models.Extraction, error) {
	return f.ext, f.err
}

func (f *fakeExtractor) ExtractFromXML(ctx context.Context, content []byte) (*models.Extraction, error) {
	f.xmlCalls++
	return f.ext, f.err
}

type fakeConfigs struct {
	cfg *models.EmailConfig
}

func (f *fakeConfigs) GetDecrypted(ctx context.Context, owner, username string) (*models.EmailConfig, error) {
	return f.cfg, nil
}

func accountConfig() *models.EmailConfig {
	return &models.EmailConfig{
		OwnerEmail: "owner@example.com",
		Username:   "facturas@example.com",
		Host:       "imap.example.com",
		Port:       993,
		Enabled:    true,
	}
}

func testPipeline(sess *fakeSession, res *fakeResolver, extr *fakeExtractor, quotaOK bool) (*Pipeline, *fakeRegistry, *fakeInvoices, *fakeArtifacts, *fakeSession) {
	reg := newFakeRegistry()
	inv := &fakeInvoices{}
	art := &fakeArtifacts{}
	p := &Pipeline{
		Mail:      &fakeMailbox{sess: sess},
		Configs:   &fakeConfigs{cfg: accountConfig()},
		Registry:  reg,
		Users:     &fakeQuota{allowed: quotaOK},
		Invoices:  inv,
		Resolver:  res,
		Artifacts: art,
		Extractor: extr,
	}
	return p, reg, inv, art, sess
}

func key(uid uint32) string {
	return models.ProcessedKey("owner@example.com", "facturas@example.com", uid)
}

func TestProcessUIDNativeXMLPath(t *testing.T) {
	sess := &fakeSession{}
	res := &fakeResolver{cands: []resolver.Candidate{
		{Filename: "factura.xml", Kind: resolver.KindXML, Content: sampleDE},
	}}
	p, reg, inv, art, _ := testPipeline(sess, res, &fakeExtractor{}, true)

	_, err := p.processUID(context.Background(), sess, accountConfig(), 7, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusDone, reg.statuses[key(7)])
	assert.Equal(t, "<msg-1@example.com>", reg.msgIDs[key(7)])
	assert.Equal(t, []uint32{7}, sess.seen)

	require.Len(t, inv.docs, 1)
	doc := inv.docs[0]
	assert.Equal(t, models.SourceXMLNativo, doc.Header.Fuente)
	assert.Equal(t, testCDC, doc.Header.CDC)
	assert.Equal(t, "2025/owner/05/factura.xml", doc.Header.MinioKey)
	assert.Equal(t, "<msg-1@example.com>", doc.Header.MessageID)

	require.Len(t, art.opts, 1)
	assert.False(t, art.opts[0].ForcePDF)
}

func TestProcessUIDClaimLost(t *testing.T) {
	sess := &fakeSession{}
	p, reg, inv, _, _ := testPipeline(sess, &fakeResolver{}, &fakeExtractor{}, true)
	reg.statuses[key(7)] = models.StatusDone

	result, err := p.processUID(context.Background(), sess, accountConfig(), 7, nil)
	require.NoError(t, err)
	assert.Contains(t, result, "already claimed")
	assert.Empty(t, inv.docs)
}

func TestProcessUIDDuplicateMessageID(t *testing.T) {
	sess := &fakeSession{}
	p, reg, inv, _, _ := testPipeline(sess, &fakeResolver{}, &fakeExtractor{}, true)
	reg.dupIDs["<msg-1@example.com>"] = true

	_, err := p.processUID(context.Background(), sess, accountConfig(), 9, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusDone, reg.statuses[key(9)])
	assert.Equal(t, "duplicate message_id", reg.reasons[key(9)])
	assert.Equal(t, []uint32{9}, sess.seen)
	assert.Empty(t, inv.docs)
}

func TestProcessUIDQuotaExhaustedLeavesUnread(t *testing.T) {
	sess := &fakeSession{}
	res := &fakeResolver{cands: []resolver.Candidate{
		{Filename: "factura.pdf", Kind: resolver.KindPDF, Content: []byte("%PDF-1.4")},
	}}
	p, reg, inv, _, _ := testPipeline(sess, res, &fakeExtractor{}, false)

	_, err := p.processUID(context.Background(), sess, accountConfig(), 3, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusSkippedAILimitUnread, reg.statuses[key(3)])
	assert.Empty(t, sess.seen)
	assert.Empty(t, inv.docs)
}

func TestProcessUIDVisionPathCountsQuota(t *testing.T) {
	sess := &fakeSession{}
	res := &fakeResolver{cands: []resolver.Candidate{
		{Filename: "factura.pdf", Kind: resolver.KindPDF, Content: []byte("%PDF-1.4")},
	}}
	extr := &fakeExtractor{ext: &models.Extraction{
		Fuente:        models.SourceOpenAIVision,
		NumeroFactura: "001-001-0000042",
		Fecha:         time.Date(2025, 5, 7, 0, 0, 0, 0, time.UTC),
		RUCEmisor:     "80069563-1",
		Total:         150000,
	}}
	p, reg, inv, art, _ := testPipeline(sess, res, extr, true)
	quota := p.Users.(*fakeQuota)

	_, err := p.processUID(context.Background(), sess, accountConfig(), 4, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusDone, reg.statuses[key(4)])
	assert.Equal(t, 1, quota.increments)
	assert.Equal(t, []uint32{4}, sess.seen)

	require.Len(t, inv.docs, 1)
	assert.Equal(t, models.SourceOpenAIVision, inv.docs[0].Header.Fuente)

	require.Len(t, art.opts, 1)
	assert.True(t, art.opts[0].ForcePDF)
}

func TestProcessUIDMalformedXMLFallsBackToModel(t *testing.T) {
	sess := &fakeSession{}
	res := &fakeResolver{cands: []resolver.Candidate{
		{Filename: "factura.xml", Kind: resolver.KindXML, Content: []byte("<rDE><DE Id=truncated")},
	}}
	extr := &fakeExtractor{ext: &models.Extraction{
		Fuente:        models.SourceOpenAIVision,
		NumeroFactura: "001-001-0000042",
		Fecha:         time.Date(2025, 5, 7, 0, 0, 0, 0, time.UTC),
		RUCEmisor:     "80069563-1",
		Total:         150000,
	}}
	p, reg, inv, _, _ := testPipeline(sess, res, extr, true)
	quota := p.Users.(*fakeQuota)

	_, err := p.processUID(context.Background(), sess, accountConfig(), 13, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, extr.xmlCalls)
	assert.Equal(t, 1, quota.increments)
	assert.Equal(t, models.StatusDone, reg.statuses[key(13)])
	require.Len(t, inv.docs, 1)
	assert.Equal(t, models.SourceOpenAIVision, inv.docs[0].Header.Fuente)
}

func TestProcessUIDMalformedXMLHonorsQuota(t *testing.T) {
	sess := &fakeSession{}
	res := &fakeResolver{cands: []resolver.Candidate{
		{Filename: "factura.xml", Kind: resolver.KindXML, Content: []byte("<rDE><DE Id=truncated")},
	}}
	extr := &fakeExtractor{ext: &models.Extraction{Fuente: models.SourceOpenAIVision}}
	p, reg, inv, _, _ := testPipeline(sess, res, extr, false)

	_, err := p.processUID(context.Background(), sess, accountConfig(), 14, nil)
	require.NoError(t, err)

	assert.Zero(t, extr.xmlCalls)
	assert.Equal(t, models.StatusSkippedAILimitUnread, reg.statuses[key(14)])
	assert.Empty(t, sess.seen)
	assert.Empty(t, inv.docs)
}

func TestProcessUIDRemisionMarksDone(t *testing.T) {
	sess := &fakeSession{}
	res := &fakeResolver{cands: []resolver.Candidate{
		{Filename: "remision.pdf", Kind: resolver.KindPDF, Content: []byte("%PDF-1.4")},
	}}
	extr := &fakeExtractor{err: fmt.Errorf("skip: %w", ai.ErrRemision)}
	p, reg, inv, _, _ := testPipeline(sess, res, extr, true)

	_, err := p.processUID(context.Background(), sess, accountConfig(), 5, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusDone, reg.statuses[key(5)])
	assert.Contains(t, reg.reasons[key(5)], "remision")
	assert.Equal(t, []uint32{5}, sess.seen)
	assert.Empty(t, inv.docs)
}

func TestProcessUIDFatalAIErrorPropagates(t *testing.T) {
	sess := &fakeSession{}
	res := &fakeResolver{cands: []resolver.Candidate{
		{Filename: "factura.pdf", Kind: resolver.KindPDF, Content: []byte("%PDF-1.4")},
	}}
	extr := &fakeExtractor{err: fmt.Errorf("invalid api key: %w", ai.ErrFatal)}
	p, reg, _, _, _ := testPipeline(sess, res, extr, true)

	_, err := p.processUID(context.Background(), sess, accountConfig(), 6, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ai.ErrFatal))

	// The claim is released so a later retry can reprocess.
	assert.Equal(t, models.StatusFailed, reg.statuses[key(6)])
	assert.Empty(t, sess.seen)
}

func TestProcessUIDMissingMetadata(t *testing.T) {
	sess := &fakeSession{}
	res := &fakeResolver{cands: []resolver.Candidate{
		{Filename: "factura.pdf", Kind: resolver.KindPDF, Content: []byte("%PDF-1.4")},
	}}
	// No RUC: mapper rejects it as missing metadata.
	extr := &fakeExtractor{ext: &models.Extraction{
		Fuente:        models.SourceOpenAIVision,
		NumeroFactura: "001-001-0000042",
		Fecha:         time.Date(2025, 5, 7, 0, 0, 0, 0, time.UTC),
	}}
	p, reg, inv, _, _ := testPipeline(sess, res, extr, true)

	_, err := p.processUID(context.Background(), sess, accountConfig(), 8, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusMissingMetadata, reg.statuses[key(8)])
	assert.Equal(t, []uint32{8}, sess.seen)
	assert.Empty(t, inv.docs)
}

func TestProcessUIDNoCandidatesFails(t *testing.T) {
	sess := &fakeSession{}
	p, reg, _, _, _ := testPipeline(sess, &fakeResolver{}, &fakeExtractor{}, true)

	_, err := p.processUID(context.Background(), sess, accountConfig(), 11, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, reg.statuses[key(11)])
	assert.Empty(t, sess.seen)
}

func newTestQueue(t *testing.T) (*queue.Queue, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.New(client), client
}

func TestAccountScanEnqueuesUnprocessed(t *testing.T) {
	q, _ := newTestQueue(t)
	sess := &fakeSession{uids: []uint32{1, 2, 3}}
	p, reg, _, _, _ := testPipeline(sess, &fakeResolver{}, &fakeExtractor{}, true)
	reg.statuses[key(2)] = models.StatusDone

	job := &queue.Job{Kwargs: map[string]interface{}{
		"owner_email": "owner@example.com",
		"username":    "facturas@example.com",
	}}
	result, err := p.accountScan(context.Background(), q, job, noStop)
	require.NoError(t, err)
	assert.Contains(t, result, "enqueued 2 of 3")

	jobs, err := q.IterActive(context.Background(), queue.QueueDefault)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, JobProcessSingleEmail, j.FuncName)
		assert.Equal(t, "owner@example.com", j.OwnerEmail())
	}
}

func TestProcessEmailsRangeStreamsProgress(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, JobProcessEmailsRange, map[string]interface{}{
		"owner_email": "owner@example.com",
		"username":    "facturas@example.com",
		"from_date":   "2025-05-01",
		"to_date":     "2025-05-31",
	}, queue.QueueDefault)
	require.NoError(t, err)
	job, err := q.Load(ctx, id)
	require.NoError(t, err)

	sess := &fakeSession{uids: []uint32{21, 22}}
	res := &fakeResolver{cands: []resolver.Candidate{
		{Filename: "factura.xml", Kind: resolver.KindXML, Content: sampleDE},
	}}
	p, reg, inv, _, _ := testPipeline(sess, res, &fakeExtractor{}, true)

	result, err := p.processEmailsRange(ctx, q, job, noStop)
	require.NoError(t, err)
	assert.Contains(t, result, "2 processed")

	assert.Equal(t, models.StatusDone, reg.statuses[key(21)])
	assert.Equal(t, models.StatusDone, reg.statuses[key(22)])
	assert.Len(t, inv.docs, 2)

	fresh, err := q.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, float64(2), fresh.Meta["total"])
	assert.Equal(t, float64(2), fresh.Meta["processed"])
}

func TestJobUIDCoercion(t *testing.T) {
	j := &queue.Job{Kwargs: map[string]interface{}{"uid": float64(42)}}
	uid, ok := jobUID(j)
	require.True(t, ok)
	assert.Equal(t, uint32(42), uid)

	j = &queue.Job{Kwargs: map[string]interface{}{"uid": 7}}
	uid, ok = jobUID(j)
	require.True(t, ok)
	assert.Equal(t, uint32(7), uid)

	// Negative values must fail validation, never wrap.
	j = &queue.Job{Kwargs: map[string]interface{}{"uid": -1}}
	_, ok = jobUID(j)
	assert.False(t, ok)

	j = &queue.Job{Kwargs: map[string]interface{}{"uid": float64(-1)}}
	_, ok = jobUID(j)
	assert.False(t, ok)

	j = &queue.Job{Kwargs: map[string]interface{}{}}
	_, ok = jobUID(j)
	assert.False(t, ok)
}
