// Package resolver extracts invoice documents from emails: direct PDF/XML
// attachments first, then downloadable links found in HTML bodies.
package resolver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"github.com/cuenly/invoice-ingest/internal/artifact"
	"github.com/cuenly/invoice-ingest/internal/pkg/httpretry"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
	"github.com/cuenly/invoice-ingest/internal/pkg/textnorm"
)

// Kind classifies a resolved document.
type Kind int

const (
	KindUnknown Kind = iota
	KindPDF
	KindXML
	KindImage
)

const (
	maxBodyBytes   = 20 << 20
	maxScanLinks   = 5
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	downloadConnTO = 5 * time.Second
	downloadReadTO = 15 * time.Second
	scanConnTO     = 3 * time.Second
	scanReadTO     = 10 * time.Second
)

// linkKeywords mark anchors worth downloading. Matching is diacritic-folded.
var linkKeywords = []string{
	"pdf", "descargar", "imprimir", "visualizar", "factura electronica", "generar pdf",
}

// Candidate is a document pulled from a message, either inline or downloaded.
type Candidate struct {
	Filename string
	Kind     Kind
	Content  []byte
	FromURL  string
}

// Resolver walks MIME trees and chases invoice links.
type Resolver struct {
	download httpretry.HTTPDoer
	scan     httpretry.HTTPDoer
}

// New builds a resolver with the standard download clients: two attempts with
// (connect=5s, read=15s) for first-level downloads and a stricter (3s, 10s)
// client for recursive HTML scans.
func New() *Resolver {
	return &Resolver{
		download: httpretry.NewRetryClient(httpretry.NewDownloadClient(downloadConnTO, downloadReadTO), 1),
		scan:     httpretry.NewDownloadClient(scanConnTO, scanReadTO),
	}
}

// NewWithClients builds a resolver over caller-supplied HTTP doers, used by
// tests.
func NewWithClients(download, scan httpretry.HTTPDoer) *Resolver {
	return &Resolver{download: download, scan: scan}
}

// Resolve parses a raw RFC 5322 message and returns all document candidates:
// every PDF/XML attachment, plus at most one document downloaded from the
// body links. XML candidates sort first so the native parser gets first shot.
func (r *Resolver) Resolve(ctx context.Context, raw []byte) ([]Candidate, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("resolver: parse message: %w", err)
	}

	var candidates []Candidate
	var links []string
	r.walk(entity, &candidates, &links)

	if links = absoluteOnly(dedupe(links)); len(links) > 0 {
		if c, ok := r.fetchFirst(ctx, links); ok {
			candidates = append(candidates, c)
		}
	}

	sortXMLFirst(candidates)
	return candidates, nil
}

func (r *Resolver) walk(e *message.Entity, out *[]Candidate, links *[]string) {
	if mr := e.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err != nil {
				return
			}
			r.walk(part, out, links)
		}
	}

	mediaType, ctParams, _ := e.Header.ContentType()
	_, dispParams, _ := e.Header.ContentDisposition()

	filename := dispParams["filename"]
	if filename == "" {
		filename = ctParams["name"]
	}

	switch {
	case isDocumentPart(mediaType, filename):
		body, err := io.ReadAll(io.LimitReader(e.Body, maxBodyBytes))
		if err != nil {
			logger.Warn("resolver", "attachment read failed",
				"filename", filename, "error", err.Error())
			return
		}
		kind := classify(body, mediaType, filename)
		if kind == KindUnknown {
			return
		}
		if filename == "" {
			filename = "adjunto"
		}
		*out = append(*out, Candidate{Filename: filename, Kind: kind, Content: body})

	case strings.EqualFold(mediaType, "text/html"):
		body, err := io.ReadAll(io.LimitReader(e.Body, maxBodyBytes))
		if err != nil {
			return
		}
		*links = append(*links, extractLinks(body)...)
	}
}

func isDocumentPart(mediaType, filename string) bool {
	switch strings.ToLower(mediaType) {
	case "application/pdf", "application/xml", "text/xml", "image/jpeg", "image/png":
		return true
	}
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".pdf") || strings.HasSuffix(lower, ".xml") ||
		strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg") ||
		strings.HasSuffix(lower, ".png")
}

// extractLinks pulls candidate URLs from an HTML body: anchors whose text or
// href carries a download keyword, or whose href ends in .pdf.
func extractLinks(body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var links []string
	doc.Find("a").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		lower := strings.ToLower(href)
		if href == "" || strings.HasPrefix(lower, "mailto:") ||
			strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "#") {
			return
		}
		if linkMatches(sel.Text(), href) {
			links = append(links, href)
		}
	})
	return links
}

func linkMatches(text, href string) bool {
	if strings.HasSuffix(strings.ToLower(strings.Split(href, "?")[0]), ".pdf") {
		return true
	}
	for _, kw := range linkKeywords {
		if textnorm.ContainsFolded(text, kw) || textnorm.ContainsFolded(href, kw) {
			return true
		}
	}
	return false
}

// fetchFirst downloads links in order and returns the first PDF or XML.
func (r *Resolver) fetchFirst(ctx context.Context, links []string) (Candidate, bool) {
	for _, link := range links {
		c, ok := r.fetch(ctx, link, 0)
		if ok {
			return c, true
		}
	}
	return Candidate{}, false
}

func (r *Resolver) fetch(ctx context.Context, link string, depth int) (Candidate, bool) {
	client := r.download
	if depth > 0 {
		client = r.scan
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return Candidate{}, false
	}
	setBrowserHeaders(req)

	resp, err := client.Do(req)
	if err != nil {
		logger.Debug("resolver", "download failed", "url", link, "error", err.Error())
		return Candidate{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Candidate{}, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Candidate{}, false
	}

	ct := resp.Header.Get("Content-Type")
	kind := classify(body, ct, link)
	switch {
	case kind != KindUnknown:
		ext := "pdf"
		if kind == KindXML {
			ext = "xml"
		}
		return Candidate{
			Filename: artifact.FilenameFromURL(link, ext),
			Kind:     kind,
			Content:  body,
			FromURL:  link,
		}, true

	case depth == 0 && looksHTML(body, ct):
		// Some emitters link to a landing page instead of the document.
		// One level of recursion, capped fan-out.
		sub := extractLinks(body)
		sub = resolveRelative(link, sub)
		if len(sub) > maxScanLinks {
			sub = sub[:maxScanLinks]
		}
		for _, s := range sub {
			if c, ok := r.fetch(ctx, s, depth+1); ok {
				return c, true
			}
		}
	}
	return Candidate{}, false
}

func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/pdf,application/xml,text/html,*/*")
	req.Header.Set("Accept-Language", "es-PY,es;q=0.9,en;q=0.5")
}

// classify decides PDF/XML from magic bytes first, falling back to the
// Content-Type and the name extension.
func classify(body []byte, contentType, name string) Kind {
	trimmed := bytes.TrimLeft(body, " \t\r\n\xef\xbb\xbf")
	switch {
	case bytes.HasPrefix(trimmed, []byte("%PDF-")):
		return KindPDF
	case bytes.HasPrefix(trimmed, []byte("<?xml")), bytes.HasPrefix(trimmed, []byte("<rDE")), bytes.HasPrefix(trimmed, []byte("<DE")):
		return KindXML
	case bytes.HasPrefix(body, []byte{0xFF, 0xD8, 0xFF}), bytes.HasPrefix(body, []byte("\x89PNG")):
		// Scanned invoices arrive as photos; vision handles them directly.
		return KindImage
	}

	ct := strings.ToLower(strings.Split(contentType, ";")[0])
	lower := strings.ToLower(strings.Split(name, "?")[0])
	switch {
	case ct == "application/pdf" || strings.HasSuffix(lower, ".pdf"):
		if len(trimmed) > 0 && trimmed[0] == '<' {
			return KindUnknown
		}
		return KindPDF
	case ct == "application/xml" || ct == "text/xml" || strings.HasSuffix(lower, ".xml"):
		return KindXML
	}
	return KindUnknown
}

func looksHTML(body []byte, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<!doctype html")) ||
		bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<html"))
}

func resolveRelative(base string, links []string) []string {
	b, err := url.Parse(base)
	if err != nil {
		return links
	}
	out := make([]string, 0, len(links))
	for _, l := range links {
		u, err := url.Parse(l)
		if err != nil {
			continue
		}
		out = append(out, b.ResolveReference(u).String())
	}
	return out
}

// absoluteOnly drops links that cannot be fetched without a base URL.
// Message bodies have no base; landing pages resolve theirs first.
func absoluteOnly(links []string) []string {
	out := links[:0]
	for _, l := range links {
		if strings.HasPrefix(strings.ToLower(l), "http") {
			out = append(out, l)
		}
	}
	return out
}

func dedupe(links []string) []string {
	seen := make(map[string]struct{}, len(links))
	out := links[:0]
	for _, l := range links {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

// sortXMLFirst is a stable partition: XML candidates ahead of PDFs, original
// order otherwise preserved.
func sortXMLFirst(cs []Candidate) {
	var xml, rest []Candidate
	for _, c := range cs {
		if c.Kind == KindXML {
			xml = append(xml, c)
		} else {
			rest = append(rest, c)
		}
	}
	copy(cs, append(xml, rest...))
}
