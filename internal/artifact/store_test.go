package artifact

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuenly/invoice-ingest/internal/config"
)

func newLocalStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(
		config.ArtifactConfig{TempDir: t.TempDir()},
		config.MinioConfig{},
		time.UTC,
	)
	require.NoError(t, err)
	return s
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in       string
		forcePDF bool
		want     string
	}{
		{"factura.pdf", false, "factura.pdf"},
		{"../../etc/passwd", false, "passwd"},
		{"mi  factura   mayo.pdf", false, "mi_factura_mayo.pdf"},
		{"factura.xml", true, "factura.pdf"},
		{"archivo sin extensión", true, "archivo_sin_extensi_n.pdf"},
		{"", false, "documento"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, SanitizeFilename(c.in, c.forcePDF), c.in)
	}
}

func TestSanitizeFilenameCapsLength(t *testing.T) {
	long := strings.Repeat("a", 300) + ".pdf"
	got := SanitizeFilename(long, false)
	assert.LessOrEqual(t, len(got), 100)
	assert.True(t, strings.HasSuffix(got, ".pdf"))
}

func TestSaveBinaryWritesLocally(t *testing.T) {
	s := newLocalStore(t)

	saved, err := s.SaveBinary(context.Background(), []byte("%PDF-1.4 test"), "factura.pdf",
		SaveOptions{ForcePDF: true, OwnerEmail: "user@example.com"})
	require.NoError(t, err)

	assert.Empty(t, saved.RemoteKey)
	data, err := os.ReadFile(saved.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 test", string(data))
	assert.True(t, strings.HasSuffix(saved.LocalPath, ".pdf"))
}

func TestSaveBinaryUniqueNames(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	a, err := s.SaveBinary(ctx, []byte("one"), "f.pdf", SaveOptions{ForcePDF: true})
	require.NoError(t, err)
	b, err := s.SaveBinary(ctx, []byte("two"), "f.pdf", SaveOptions{ForcePDF: true})
	require.NoError(t, err)
	assert.NotEqual(t, a.LocalPath, b.LocalPath)
}

func TestSaveBinaryNormalizesImage(t *testing.T) {
	s := newLocalStore(t)

	// A 3000x100 JPEG must come out downscaled to 2500 on the long edge.
	var buf bytes.Buffer
	src := image.NewRGBA(image.Rect(0, 0, 3000, 100))
	require.NoError(t, jpeg.Encode(&buf, src, nil))

	saved, err := s.SaveBinary(context.Background(), buf.Bytes(), "foto.jpeg", SaveOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(saved.LocalPath, ".jpg"))

	f, err := os.Open(saved.LocalPath)
	require.NoError(t, err)
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 2500, cfg.Width)
}

func TestCleanupTemp(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	saved, err := s.SaveBinary(ctx, []byte("old"), "old.pdf", SaveOptions{ForcePDF: true})
	require.NoError(t, err)
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(saved.LocalPath, past, past))

	fresh, err := s.SaveBinary(ctx, []byte("new"), "new.pdf", SaveOptions{ForcePDF: true})
	require.NoError(t, err)

	n, err := s.CleanupTemp(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(saved.LocalPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh.LocalPath)
	assert.NoError(t, err)
}

func TestWriteLocalFallsBack(t *testing.T) {
	s, err := NewStore(
		config.ArtifactConfig{TempDir: filepath.Join(string(os.PathSeparator), "proc", "no-such-dir")},
		config.MinioConfig{},
		time.UTC,
	)
	require.NoError(t, err)

	saved, err := s.SaveBinary(context.Background(), []byte("x"), "f.pdf", SaveOptions{ForcePDF: true})
	require.NoError(t, err)
	assert.Contains(t, saved.LocalPath, "cuenly-artifacts")
}

func TestFilenameFromURL(t *testing.T) {
	assert.Equal(t, "factura_123.pdf",
		FilenameFromURL("https://facturas.example.com/docs/factura%20123.pdf?token=x", "pdf"))
	assert.Equal(t, "descarga.pdf", FilenameFromURL("https://example.com/", "pdf"))
	assert.Equal(t, "documento.xml", FilenameFromURL("https://example.com/documento", ".xml"))
}
