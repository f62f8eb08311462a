package imap

import (
	"fmt"
	"io"
	"mime"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/cuenly/invoice-ingest/internal/models"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
	"github.com/cuenly/invoice-ingest/internal/pkg/textnorm"
)

const (
	// maxScanUIDs is a hard cap against pathological inboxes.
	maxScanUIDs  = 200
	fetchTimeout = 20 * time.Second
)

// Scan selects INBOX and returns the UIDs of messages in [since, before)
// whose subject matches any of the account's search terms. The caller clamps
// since to the tenant's processing start date. UIDs come back ascending.
func Scan(s *Session, cfg models.EmailConfig, since, before time.Time) ([]uint32, error) {
	c := s.Client
	if _, err := c.Select("INBOX", false); err != nil {
		return nil, fmt.Errorf("imap: select inbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	if cfg.SearchUnseen {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if !since.IsZero() {
		criteria.Since = since
	}
	if !before.IsZero() {
		criteria.Before = before
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap: uid search: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	// Newest first, capped, so a flooded inbox still surfaces recent
	// invoices.
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if len(uids) > maxScanUIDs {
		logger.Warn("imap", "scan capped",
			"account", cfg.Username, "found", len(uids), "cap", maxScanUIDs)
		uids = uids[:maxScanUIDs]
	}

	subjects, err := fetchSubjects(c, uids)
	if err != nil {
		return nil, err
	}

	terms := foldTerms(cfg.SearchTerms)
	var matched []uint32
	for uid, subject := range subjects {
		if matchesAny(subject, terms) {
			matched = append(matched, uid)
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i] < matched[j] })
	return matched, nil
}

// fetchSubjects batch-fetches BODY.PEEK[HEADER.FIELDS (SUBJECT)] for the
// given UIDs.
func fetchSubjects(c *client.Client, uids []uint32) (map[uint32]string, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    []string{"SUBJECT"},
		},
		Peek: true,
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
	}()

	out := make(map[uint32]string, len(uids))
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			continue
		}
		out[msg.Uid] = decodeSubject(string(raw))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap: fetch subjects: %w", err)
	}
	return out, nil
}

// decodeSubject strips the "Subject:" header line and MIME-decodes encoded
// words.
func decodeSubject(header string) string {
	line := header
	if i := strings.Index(strings.ToLower(line), "subject:"); i >= 0 {
		line = line[i+len("subject:"):]
	}
	// Unfold continuation lines.
	line = strings.ReplaceAll(line, "\r\n ", " ")
	line = strings.ReplaceAll(line, "\r\n\t", " ")
	line = strings.ReplaceAll(line, "\r\n", "")
	line = strings.TrimSpace(line)

	dec := &mime.WordDecoder{}
	if decoded, err := dec.DecodeHeader(line); err == nil {
		return decoded
	}
	return line
}

func foldTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if f := textnorm.Fold(strings.TrimSpace(t)); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// matchesAny is substring-based on folded forms; one hit wins. An empty term
// set matches everything, which is how accounts opt into "all mail".
func matchesAny(subject string, foldedTerms []string) bool {
	if len(foldedTerms) == 0 {
		return true
	}
	folded := textnorm.Fold(subject)
	for _, term := range foldedTerms {
		if strings.Contains(folded, term) {
			return true
		}
	}
	return false
}

// FetchMessage downloads the full raw message for one UID under a 20s socket
// deadline. The fetch uses PEEK so reading never flips \Seen.
func FetchMessage(s *Session, uid uint32) ([]byte, error) {
	c := s.Client
	c.Timeout = fetchTimeout
	defer func() { c.Timeout = 0 }()

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	var raw []byte
	for msg := range messages {
		if body := msg.GetBody(section); body != nil {
			raw, _ = io.ReadAll(body)
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap: fetch uid %d: %w", uid, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("imap: uid %d not found", uid)
	}
	return raw, nil
}

// MarkSeen flags one message as read. Called only after the outcome is known;
// quota-skipped messages stay unread so the next quota cycle picks them up.
func MarkSeen(s *Session, uid uint32) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.Client.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("imap: mark seen uid %d: %w", uid, err)
	}
	return nil
}
