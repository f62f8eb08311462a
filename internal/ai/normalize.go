package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cuenly/invoice-ingest/internal/models"
)

var cdcTokenRe = regexp.MustCompile(`\d{44}`)

// parseResponse turns a raw LLM reply into a normalized extraction. Models
// wrap JSON in code fences, emit "None" for missing values and mix comma and
// period number styles; all of that is tolerated here.
func parseResponse(raw string, source models.Source) (*models.Extraction, error) {
	obj, err := decodeLooseJSON(raw)
	if err != nil {
		return nil, err
	}

	ext := &models.Extraction{Fuente: source}
	ext.NumeroFactura = asString(obj["numero_factura"])
	ext.Timbrado = asString(obj["timbrado"])
	ext.RUCEmisor = asString(obj["ruc_emisor"])
	ext.NombreEmisor = asString(obj["nombre_emisor"])
	ext.DirEmisor = asString(obj["direccion_emisor"])
	ext.ActividadEco = asString(obj["actividad_economica"])
	ext.RUCReceptor = asString(obj["ruc_receptor"])
	ext.NombreReceptor = asString(obj["nombre_receptor"])
	ext.EmailReceptor = asString(obj["email_receptor"])
	ext.Moneda = asString(obj["moneda"])
	ext.TipoCambio = asNumber(obj["tipo_cambio"])
	ext.Exentas = asNumber(obj["exentas"])
	ext.Gravado5 = asNumber(obj["gravado_5"])
	ext.Gravado10 = asNumber(obj["gravado_10"])
	ext.IVA5 = asNumber(obj["iva_5"])
	ext.IVA10 = asNumber(obj["iva_10"])
	ext.Total = asNumber(obj["total"])
	ext.Fecha = asDate(obj["fecha"])

	// A CDC from the model is accepted only when it is exactly 44 digits.
	if cdc := strings.TrimSpace(asString(obj["cdc"])); cdcTokenRe.MatchString(cdc) && len(cdc) == 44 {
		ext.CDC = cdc
	}

	if items, ok := obj["items"].([]interface{}); ok {
		for _, it := range items {
			m, ok := it.(map[string]interface{})
			if !ok {
				continue
			}
			ext.Items = append(ext.Items, models.ExtractedItem{
				Descripcion:    asString(m["descripcion"]),
				Cantidad:       asNumber(m["cantidad"]),
				PrecioUnitario: asNumber(m["precio_unitario"]),
				Total:          asNumber(m["total"]),
				IVA:            coerceIVARate(m["iva"]),
			})
		}
	}

	backfillVAT(ext)
	if ext.Descripcion = asString(obj["descripcion_factura"]); ext.Descripcion == "" {
		ext.Descripcion = models.DescripcionFromItems(ext.Items, 10)
	}
	return ext, nil
}

// decodeLooseJSON strips code fences and locates the first {...} block.
func decodeLooseJSON(raw string) (map[string]interface{}, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("ai: no JSON object in response")
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("ai: decode response: %w", err)
	}
	return obj, nil
}

// asString unwraps scalars, "None"/"null" markers and single-element lists.
func asString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s := strings.TrimSpace(t)
		switch strings.ToLower(s) {
		case "none", "null", "n/a", "-":
			return ""
		}
		return s
	case []interface{}:
		if len(t) > 0 {
			return asString(t[0])
		}
		return ""
	case float64:
		d := decimal.NewFromFloat(t)
		return d.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// asNumber accepts floats, comma-decimal strings and single-element lists.
func asNumber(v interface{}) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return t
	case string:
		return parseNumberString(t)
	case []interface{}:
		if len(t) > 0 {
			return asNumber(t[0])
		}
		return 0
	default:
		return 0
	}
}

func parseNumberString(s string) float64 {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "none", "null", "n/a", "-":
		return 0
	}
	s = strings.NewReplacer("gs.", "", "gs", "", "₲", "", "$", "", " ", "").Replace(strings.ToLower(s))
	switch {
	case strings.Contains(s, ","):
		if strings.Contains(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
		}
		s = strings.ReplaceAll(s, ",", ".")
	case strings.Count(s, ".") > 1:
		// "2.200.000" without a comma: dots are thousands separators.
		s = strings.ReplaceAll(s, ".", "")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

func asDate(v interface{}) time.Time {
	s := asString(v)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02",
		"02/01/2006", "02-01-2006", "2/1/2006",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// coerceIVARate snaps model output (10, "10%", 0.1) onto {0,5,10}.
func coerceIVARate(v interface{}) int {
	var rate float64
	switch t := v.(type) {
	case float64:
		rate = t
	case string:
		rate = parseNumberString(strings.TrimSuffix(strings.TrimSpace(t), "%"))
	default:
		return 0
	}
	if rate > 0 && rate < 1 {
		rate *= 100
	}
	switch {
	case rate >= 7.5:
		return 10
	case rate >= 2.5:
		return 5
	default:
		return 0
	}
}

// backfillVAT keeps the taxed bases and VAT amounts mutually consistent when
// the model reports only one side.
func backfillVAT(ext *models.Extraction) {
	if ext.Gravado5 == 0 && ext.IVA5 > 0 {
		ext.Gravado5 = ext.IVA5 * 20
	}
	if ext.Gravado10 == 0 && ext.IVA10 > 0 {
		ext.Gravado10 = ext.IVA10 * 10
	}
	if ext.IVA5 == 0 && ext.Gravado5 > 0 {
		ext.IVA5 = ext.Gravado5 / 20
	}
	if ext.IVA10 == 0 && ext.Gravado10 > 0 {
		ext.IVA10 = ext.Gravado10 / 10
	}
}
