package ai

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

	"github.com/cuenly/invoice-ingest/internal/models"
)

func TestClassifyProviderError(t *testing.T) {
	cases := []struct {
		msg  string
		want error
	}{
		{"Incorrect API key provided: sk-xxx", ErrFatal},
		{"You exceeded your current quota, please check your plan and billing details", ErrFatal},
		{"insufficient_quota", ErrFatal},
		{"Rate limit reached for gpt-4o", ErrRetryable},
		{"context deadline exceeded", ErrRetryable},
		{"connection reset by peer", ErrRetryable},
		{"status code 503", ErrRetryable},
		{"something unheard of", ErrRetryable},
	}
	for _, c := range cases {
		got := classifyProviderError(errors.New(c.msg))
		assert.True(t, errors.Is(got, c.want), c.msg)
	}
}

func TestParseResponseNormalizes(t *testing.T) {
	raw := "```json\n" + `{
		"fecha": "07/05/2025",
		"numero_factura": "001-001-0000023",
		"timbrado": 12558946,
		"cdc": "None",
		"ruc_emisor": "80069563-1",
		"nombre_emisor": "Comercial San Jorge S.A.",
		"moneda": "GS",
		"exentas": "None",
		"gravado_5": 0,
		"gravado_10": "2.000.000",
		"iva_5": 0,
		"iva_10": 0,
		"total": "2200000",
		"items": [
			{"descripcion": "Notebook HP 15", "cantidad": 1, "precio_unitario": "2.200.000", "total": 2200000, "iva": "10%"}
		]
	}` + "\n```"

	ext, err := parseResponse(raw, models.SourceOpenAIVision)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, 5, 7, 0, 0, 0, 0, time.UTC), ext.Fecha)
	assert.Equal(t, "001-001-0000023", ext.NumeroFactura)
	assert.Equal(t, "12558946", ext.Timbrado)
	assert.Empty(t, ext.CDC)
	assert.Equal(t, 2000000.0, ext.Gravado10)
	assert.Equal(t, 2200000.0, ext.Total)

	// VAT backfilled from the reported base.
	assert.Equal(t, 200000.0, ext.IVA10)

	require.Len(t, ext.Items, 1)
	assert.Equal(t, 10, ext.Items[0].IVA)
	assert.Equal(t, 2200000.0, ext.Items[0].PrecioUnitario)
	assert.Equal(t, "Notebook HP 15", ext.Descripcion)
}

func TestParseResponseRejectsGarbage(t *testing.T) {
	_, err := parseResponse("no pude leer la imagen", models.SourceOpenAIVision)
	assert.Error(t, err)
}

func TestParseResponseShortCDCDropped(t *testing.T) {
	raw := fmt.Sprintf(`{"fecha":"2025-05-07","numero_factura":"001-001-0000023","ruc_emisor":"80069563-1","cdc":"%s","total":1000}`,
		"0180069563100100100000012202205051000000231") // 43 digits
	ext, err := parseResponse(raw, models.SourceOpenAIVision)
	require.NoError(t, err)
	assert.Empty(t, ext.CDC)
}

func TestCoerceIVARate(t *testing.T) {
	assert.Equal(t, 10, coerceIVARate(10.0))
	assert.Equal(t, 10, coerceIVARate("10%"))
	assert.Equal(t, 10, coerceIVARate(0.1))
	assert.Equal(t, 5, coerceIVARate(5.0))
	assert.Equal(t, 5, coerceIVARate(0.05))
	assert.Equal(t, 0, coerceIVARate("exenta"))
	assert.Equal(t, 0, coerceIVARate(nil))
}

func TestIsRemision(t *testing.T) {
	assert.True(t, isRemision("KUDE NOTA DE REMISIÓN ELECTRÓNICA"))
	assert.True(t, isRemision("Remisión de mercaderías nro 4"))
	assert.False(t, isRemision("FACTURA ELECTRÓNICA 001-001-0000023"))
	assert.False(t, isRemision(""))
}

func TestExtractFromXMLRemisionShortCircuits(t *testing.T) {
	e := &Extractor{}
	_, err := e.ExtractFromXML(context.Background(), []byte(`<rDE>KUDE NOTA DE REMISIÓN ELECTRÓNICA</rDE>`))
	assert.True(t, errors.Is(err, ErrRemision))
}

func TestExtractFromXMLCacheHitSkipsModel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	cache := NewResultCache(client)
	content := []byte("<rDE><DE Id=truncated")
	cache.Set(ctx, content, &models.Extraction{
		Fuente:        models.SourceOpenAIVision,
		NumeroFactura: "001-001-0000023",
	})

	// No API client wired: reaching the model would panic.
	e := &Extractor{cache: cache}
	got, err := e.ExtractFromXML(ctx, content)
	require.NoError(t, err)
	assert.Equal(t, "001-001-0000023", got.NumeroFactura)
}

func TestResultCacheRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache := NewResultCache(client)
	ctx := context.Background()
	content := []byte("%PDF-1.4 factura")

	_, ok := cache.Get(ctx, content)
	assert.False(t, ok)

	ext := &models.Extraction{
		Fuente:        models.SourceOpenAIVision,
		NumeroFactura: "001-001-0000023",
		RUCEmisor:     "80069563-1",
		Total:         2200000,
	}
	cache.Set(ctx, content, ext)

	got, ok := cache.Get(ctx, content)
	require.True(t, ok)
	assert.Equal(t, ext.NumeroFactura, got.NumeroFactura)
	assert.Equal(t, models.SourceOpenAIVision, got.Fuente)

	// Different content misses.
	_, ok = cache.Get(ctx, []byte("otro"))
	assert.False(t, ok)
}

func TestResultCacheExpires(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache := NewResultCache(client)
	ctx := context.Background()
	content := []byte("contenido")
	cache.Set(ctx, content, &models.Extraction{Fuente: models.SourceOpenAIVision})

	mr.FastForward(8 * 24 * time.Hour)
	_, ok := cache.Get(ctx, content)
	assert.False(t, ok)
}

func TestNilCacheIsSafe(t *testing.T) {
	var cache *ResultCache
	_, ok := cache.Get(context.Background(), []byte("x"))
	assert.False(t, ok)
	cache.Set(context.Background(), []byte("x"), &models.Extraction{})
}
