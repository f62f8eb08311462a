package resolver

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildMessage(t *testing.T, htmlBody string, attachments map[string][]byte) []byte {
	t.Helper()
	var sb strings.Builder
	w := multipart.NewWriter(&sb)

	if htmlBody != "" {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "text/html; charset=utf-8")
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write([]byte(htmlBody))
		require.NoError(t, err)
	}
	for name, content := range attachments {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	msg := fmt.Sprintf("From: facturas@example.com\r\nSubject: Factura\r\nMIME-Version: 1.0\r\nContent-Type: multipart/mixed; boundary=%s\r\n\r\n%s",
		w.Boundary(), sb.String())
	return []byte(msg)
}

func TestResolveAttachments(t *testing.T) {
	raw := buildMessage(t, "", map[string][]byte{
		"factura.pdf": []byte("%PDF-1.4 contenido"),
		"factura.xml": []byte(`<?xml version="1.0"?><rDE><DE Id="1"></DE></rDE>`),
	})

	r := New()
	cands, err := r.Resolve(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	// XML first so the native parser gets first shot.
	assert.Equal(t, KindXML, cands[0].Kind)
	assert.Equal(t, KindPDF, cands[1].Kind)
	assert.Equal(t, "factura.xml", cands[0].Filename)
}

func TestResolveImageAttachment(t *testing.T) {
	raw := buildMessage(t, "", map[string][]byte{
		"foto_factura.jpg": {0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10},
	})

	r := New()
	cands, err := r.Resolve(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, KindImage, cands[0].Kind)
}

func TestResolveDownloadsLinkedPDF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.7 remoto"))
	}))
	defer srv.Close()

	html := fmt.Sprintf(`<html><body><a href="%s/doc">Descargar Factura</a></body></html>`, srv.URL)
	raw := buildMessage(t, html, nil)

	r := New()
	cands, err := r.Resolve(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, KindPDF, cands[0].Kind)
	assert.Equal(t, srv.URL+"/doc", cands[0].FromURL)
}

func TestResolveRecursesIntoLandingPage(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/landing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/final.pdf">Imprimir</a></body></html>`)
	})
	mux.HandleFunc("/final.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF-1.7 final"))
	})

	html := fmt.Sprintf(`<a href="%s/landing">Visualizar factura electrónica</a>`, srv.URL)
	raw := buildMessage(t, html, nil)

	r := New()
	cands, err := r.Resolve(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, KindPDF, cands[0].Kind)
	assert.Equal(t, srv.URL+"/final.pdf", cands[0].FromURL)
}

func TestResolveIgnoresIrrelevantLinks(t *testing.T) {
	raw := buildMessage(t, `<a href="https://example.com/unsubscribe">Cancelar suscripción</a>`, nil)

	r := New()
	cands, err := r.Resolve(context.Background(), raw)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindPDF, classify([]byte("%PDF-1.4"), "", ""))
	assert.Equal(t, KindXML, classify([]byte("\xef\xbb\xbf<?xml version=\"1.0\"?>"), "", ""))
	assert.Equal(t, KindXML, classify([]byte("<rDE><DE/></rDE>"), "", ""))
	assert.Equal(t, KindPDF, classify([]byte("binary"), "application/pdf", ""))
	assert.Equal(t, KindPDF, classify([]byte("binary"), "", "https://x.com/f.pdf?token=1"))
	assert.Equal(t, KindImage, classify([]byte{0xFF, 0xD8, 0xFF, 0xE0}, "", ""))
	assert.Equal(t, KindImage, classify([]byte("\x89PNG\r\n\x1a\n"), "", ""))

	// HTML served with a pdf extension must not be taken for a PDF.
	assert.Equal(t, KindUnknown, classify([]byte("<html>login</html>"), "", "f.pdf"))
	assert.Equal(t, KindUnknown, classify([]byte("hola"), "text/plain", ""))
}

func TestLinkMatches(t *testing.T) {
	assert.True(t, linkMatches("Descargar", "https://x.com/a"))
	assert.True(t, linkMatches("Factura Electrónica", "https://x.com/a"))
	assert.True(t, linkMatches("click", "https://x.com/doc.pdf"))
	assert.True(t, linkMatches("click", "https://x.com/generar-pdf?id=1"))
	assert.False(t, linkMatches("Ver catálogo", "https://x.com/catalogo"))
}
