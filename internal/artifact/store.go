// Package artifact stores invoice binaries (PDF, XML, images) in a local
// scratch directory with optional object-store backing. The local path is the
// source of truth for the extraction pipeline; the remote copy is best-effort.
package artifact

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/h2non/filetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"

	"github.com/cuenly/invoice-ingest/internal/config"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
)

const (
	maxFilenameLen = 100
	maxImageEdge   = 2500
	jpegQuality    = 85
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	unsafeRe     = regexp.MustCompile(`[^\w.\-]`)
)

// Store writes artifacts to a scratch directory and mirrors them to MinIO
// when configured.
type Store struct {
	tempDir string
	loc     *time.Location

	client *minio.Client
	bucket string

	mu        sync.Mutex
	fallback  bool
	activeDir string
}

// SaveOptions controls how a binary is stored.
type SaveOptions struct {
	ForcePDF   bool
	OwnerEmail string
	Date       time.Time
}

// Saved is the result of a SaveBinary call. RemoteKey is empty when object
// storage is disabled or the upload failed.
type Saved struct {
	LocalPath string
	RemoteKey string
}

// NewStore creates an artifact store. Object storage is optional; when the
// endpoint is empty everything stays local.
func NewStore(cfg config.ArtifactConfig, mcfg config.MinioConfig, loc *time.Location) (*Store, error) {
	s := &Store{
		tempDir:   cfg.TempDir,
		activeDir: cfg.TempDir,
		loc:       loc,
	}
	if loc == nil {
		s.loc = time.UTC
	}
	if mcfg.Enabled() {
		client, err := minio.New(mcfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(mcfg.AccessKey, mcfg.SecretKey, ""),
			Secure: mcfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("artifact: minio client: %w", err)
		}
		s.client = client
		s.bucket = mcfg.Bucket
	}
	return s, nil
}

// SaveBinary persists content locally and, when configured, remotely.
// Images saved without ForcePDF are orientation-corrected, downscaled and
// re-encoded as JPEG before storage.
func (s *Store) SaveBinary(ctx context.Context, content []byte, filename string, opts SaveOptions) (Saved, error) {
	base := SanitizeFilename(filename, opts.ForcePDF)

	if !opts.ForcePDF && isImage(content) {
		if processed, err := normalizeImage(content); err == nil {
			content = processed
			base = replaceExt(base, ".jpg")
		} else {
			logger.Warn("artifact", "image normalization failed, storing original",
				"filename", base, "error", err.Error())
		}
	}

	name := uniqueName(base, s.now(opts.Date))
	localPath, err := s.writeLocal(name, content)
	if err != nil {
		return Saved{}, err
	}

	saved := Saved{LocalPath: localPath}
	if s.client != nil {
		key := s.remoteKey(name, opts)
		if err := s.upload(ctx, key, content, base); err != nil {
			logger.Warn("artifact", "remote upload failed",
				"key", key, "error", err.Error())
		} else {
			saved.RemoteKey = key
		}
	}
	return saved, nil
}

func (s *Store) now(d time.Time) time.Time {
	if d.IsZero() {
		return time.Now().In(s.loc)
	}
	return d.In(s.loc)
}

// writeLocal writes into the configured scratch dir, falling back to the
// system temp dir on IO failure. The fallback is sticky so later calls skip
// the broken directory without re-logging.
func (s *Store) writeLocal(name string, content []byte) (string, error) {
	s.mu.Lock()
	dir := s.activeDir
	s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err == nil {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, content, 0o644); err == nil {
			return p, nil
		}
	}

	s.mu.Lock()
	if !s.fallback {
		s.fallback = true
		s.activeDir = filepath.Join(os.TempDir(), "cuenly-artifacts")
		logger.Warn("artifact", "scratch dir unusable, switching to system temp",
			"configured", s.tempDir, "fallback", s.activeDir)
	}
	dir = s.activeDir
	s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: fallback dir: %w", err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, content, 0o644); err != nil {
		return "", fmt.Errorf("artifact: write: %w", err)
	}
	return p, nil
}

// remoteKey builds the object key "<YYYY>/<owner>/<MM>/<HHMM>_<filename>".
func (s *Store) remoteKey(name string, opts SaveOptions) string {
	t := s.now(opts.Date)
	owner := SanitizeFilename(opts.OwnerEmail, false)
	if owner == "" {
		owner = "unknown"
	}
	return fmt.Sprintf("%s/%s/%s/%s_%s",
		t.Format("2006"), owner, t.Format("01"), t.Format("1504"), name)
}

func (s *Store) upload(ctx context.Context, key string, content []byte, filename string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: contentType(content, filename)})
	return err
}

// PresignedURL returns a time-limited download URL for a stored artifact.
func (s *Store) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("artifact: object storage not configured")
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("artifact: presign %s: %w", key, err)
	}
	return u.String(), nil
}

// CleanupTemp removes scratch files older than the given age and returns how
// many were deleted.
func (s *Store) CleanupTemp(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	dir := s.activeDir
	s.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// SanitizeFilename strips path traversal, collapses whitespace and caps the
// length. With forcePDF the extension is coerced to .pdf.
func SanitizeFilename(name string, forcePDF bool) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, "..", "")
	name = whitespaceRe.ReplaceAllString(strings.TrimSpace(name), "_")
	name = unsafeRe.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if forcePDF {
		ext = ".pdf"
	}
	if len(base)+len(ext) > maxFilenameLen {
		base = base[:maxFilenameLen-len(ext)]
	}
	if base == "" {
		base = "documento"
	}
	return base + ext
}

// FilenameFromURL derives a storable filename from a download URL, appending
// ext when the URL path has none.
func FilenameFromURL(rawURL, ext string) string {
	name := "descarga"
	if u, err := url.Parse(rawURL); err == nil {
		if b := path.Base(u.Path); b != "" && b != "/" && b != "." {
			name = b
		}
	}
	if filepath.Ext(name) == "" && ext != "" {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		name += ext
	}
	return SanitizeFilename(name, false)
}

func uniqueName(base string, t time.Time) string {
	b := make([]byte, 4)
	rand.Read(b)
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s_%s_%s%s",
		t.Format("20060102150405"), hex.EncodeToString(b),
		strings.TrimSuffix(base, ext), ext)
}

func replaceExt(name, ext string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ext
}

func isImage(content []byte) bool {
	return filetype.IsImage(content)
}

func contentType(content []byte, filename string) string {
	if t, err := filetype.Match(content); err == nil && t != filetype.Unknown {
		return t.MIME.Value
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".xml":
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}

// normalizeImage applies the EXIF orientation, downscales to the maximum edge
// and re-encodes as JPEG. Camera uploads from phones routinely arrive rotated
// and at 4000px+, which wastes storage and slows rasterization.
func normalizeImage(content []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	img = applyOrientation(img, readOrientation(content))

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > maxImageEdge || h > maxImageEdge {
		scale := float64(maxImageEdge) / float64(max(w, h))
		nw := int(float64(w) * scale)
		nh := int(float64(h) * scale)
		dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		img = dst
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out.Bytes(), nil
}

// readOrientation returns the EXIF orientation tag, or 1 when absent.
func readOrientation(content []byte) int {
	x, err := exif.Decode(bytes.NewReader(content))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 1
	}
	return o
}

func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 3:
		return rotate180(img)
	case 6:
		return rotate90(img)
	case 8:
		return rotate270(img)
	default:
		return img
	}
}

func rotate90(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(b.Max.Y-1-y, x-b.Min.X, img.At(x, y))
		}
	}
	return dst
}

func rotate180(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(b.Max.X-1-x, b.Max.Y-1-y, img.At(x, y))
		}
	}
	return dst
}

func rotate270(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(y-b.Min.Y, b.Max.X-1-x, img.At(x, y))
		}
	}
	return dst
}
