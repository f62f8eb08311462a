// Package ai extracts invoice data with an LLM when the native SIFEN path is
// unavailable: vision over rasterized PDFs and photos, text over XML the
// native parser rejects.
package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/jpeg"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gen2brain/go-fitz"
	openai "github.com/sashabaranov/go-openai"

	"github.com/cuenly/invoice-ingest/internal/config"
	"github.com/cuenly/invoice-ingest/internal/models"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
	"github.com/cuenly/invoice-ingest/internal/pkg/textnorm"
)

const (
	rasterDPI       = 300
	maxAttempts     = 3
	backoffInitial  = 2 * time.Second
	backoffMax      = 30 * time.Second
	maxAnswerTokens = 2000
)

// remisionKeywords identify delivery notes, which share the SIFEN layout with
// invoices but must never be ingested as one.
var remisionKeywords = []string{
	"nota de remision",
	"remision electronica",
	"nota de entrega",
	"remision de mercaderias",
}

const promptTemplate = `Eres un extractor de datos de facturas electrónicas de Paraguay (SIFEN).
Analiza la imagen de la factura y devuelve EXCLUSIVAMENTE un objeto JSON con esta estructura exacta:

{
  "fecha": "YYYY-MM-DD",
  "numero_factura": "EEE-PPP-NNNNNNN",
  "timbrado": "número de timbrado",
  "cdc": "código de 44 dígitos si está visible, si no null",
  "ruc_emisor": "RUC del emisor con dígito verificador",
  "nombre_emisor": "razón social del emisor",
  "direccion_emisor": "dirección del emisor o null",
  "actividad_economica": "actividad económica o null",
  "ruc_receptor": "RUC del receptor o null",
  "nombre_receptor": "nombre del receptor o null",
  "email_receptor": "email del receptor o null",
  "moneda": "GS o USD",
  "tipo_cambio": 0,
  "exentas": 0,
  "gravado_5": 0,
  "gravado_10": 0,
  "iva_5": 0,
  "iva_10": 0,
  "total": 0,
  "items": [
    {"descripcion": "", "cantidad": 0, "precio_unitario": 0, "total": 0, "iva": 10}
  ]
}

Reglas:
- Montos como números sin separadores de miles.
- "iva" de cada ítem es 0, 5 o 10.
- Usa null para campos que no aparecen en el documento.
- No agregues texto fuera del JSON.`

// Extractor calls the vision model over rasterized invoice pages.
type Extractor struct {
	client *openai.Client
	model  string
	cache  *ResultCache
}

// NewExtractor builds the vision extractor. cache may be nil.
func NewExtractor(cfg config.OpenAIConfig, cache *ResultCache) *Extractor {
	return &Extractor{
		client: openai.NewClient(cfg.APIKey),
		model:  cfg.Model,
		cache:  cache,
	}
}

// ExtractFromPDF rasterizes the first page and runs the vision model. The
// page text (when the PDF has a text layer) filters out delivery notes before
// any tokens are spent and rides along as an OCR hint.
func (e *Extractor) ExtractFromPDF(ctx context.Context, content []byte) (*models.Extraction, error) {
	if ext, ok := e.cache.Get(ctx, content); ok {
		logger.Debug("ai", "cache hit", "source", string(ext.Fuente))
		return ext, nil
	}

	page, text, err := rasterizeFirstPage(content)
	if err != nil {
		return nil, fmt.Errorf("ai: rasterize: %w", err)
	}
	if isRemision(text) {
		return nil, ErrRemision
	}

	ext, err := e.callVision(ctx, page, text, models.SourceOpenAIVision)
	if err != nil {
		return nil, err
	}
	e.cache.Set(ctx, content, ext)
	return ext, nil
}

// ExtractFromImage runs the vision model over a photographed or scanned
// invoice directly.
func (e *Extractor) ExtractFromImage(ctx context.Context, content []byte) (*models.Extraction, error) {
	if ext, ok := e.cache.Get(ctx, content); ok {
		return ext, nil
	}
	ext, err := e.callVision(ctx, content, "", models.SourceOpenAIVisionImage)
	if err != nil {
		return nil, err
	}
	e.cache.Set(ctx, content, ext)
	return ext, nil
}

// ExtractFromXML is the fallback for SIFEN XML the native parser rejects:
// the document text goes to the model directly, no rasterization.
func (e *Extractor) ExtractFromXML(ctx context.Context, content []byte) (*models.Extraction, error) {
	if ext, ok := e.cache.Get(ctx, content); ok {
		return ext, nil
	}
	text := string(content)
	if isRemision(text) {
		return nil, ErrRemision
	}
	ext, err := e.callText(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(ctx, content, ext)
	return ext, nil
}

// rasterizeFirstPage renders page 0 at 300 DPI and returns the JPEG plus the
// embedded page text.
func rasterizeFirstPage(content []byte) ([]byte, string, error) {
	doc, err := fitz.NewFromMemory(content)
	if err != nil {
		return nil, "", err
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, "", fmt.Errorf("document has no pages")
	}

	img, err := doc.ImageDPI(0, rasterDPI)
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, "", err
	}

	text, err := doc.Text(0)
	if err != nil {
		text = ""
	}
	return buf.Bytes(), text, nil
}

func isRemision(text string) bool {
	if text == "" {
		return false
	}
	folded := textnorm.Fold(text)
	for _, kw := range remisionKeywords {
		if strings.Contains(folded, kw) {
			return true
		}
	}
	return false
}

// callVision sends the image (plus optional OCR hint) and parses the JSON
// reply. Three attempts with random-exponential backoff; fatal provider
// errors abort immediately.
func (e *Extractor) callVision(ctx context.Context, image []byte, ocrText string, source models.Source) (*models.Extraction, error) {
	prompt := promptTemplate
	temperature := float32(0.1)
	if ocrText != "" {
		prompt += "\n\nTexto extraído del documento como referencia:\n" + truncate(ocrText, 4000)
		temperature = 0.3
	}

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
	req := openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: temperature,
		MaxTokens:   maxAnswerTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL,
					Detail: openai.ImageURLDetailHigh,
				}},
			},
		}},
	}

	reply, err := e.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseResponse(reply, source)
}

// callText sends document text alone, used for XML the native parser could
// not read. The result carries the general vision source tag.
func (e *Extractor) callText(ctx context.Context, text string) (*models.Extraction, error) {
	req := openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: 0.1,
		MaxTokens:   maxAnswerTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			Content: promptTemplate +
				"\n\nNo hay imagen; extrae los datos del contenido XML del documento:\n" +
				truncate(text, 12000),
		}},
	}
	reply, err := e.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseResponse(reply, models.SourceOpenAIVision)
}

// complete runs one chat completion under the shared retry policy.
func (e *Extractor) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	var reply string
	op := func() error {
		resp, err := e.client.CreateChatCompletion(ctx, req)
		if err != nil {
			classified := classifyProviderError(err)
			if isFatal(classified) {
				return backoff.Permanent(classified)
			}
			logger.Warn("ai", "model call failed, will retry", "error", err.Error())
			return classified
		}
		if len(resp.Choices) == 0 {
			return classifyProviderError(fmt.Errorf("empty response"))
		}
		reply = resp.Choices[0].Message.Content
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.MaxInterval = backoffMax
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx)); err != nil {
		return "", err
	}
	return reply, nil
}

func isFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
