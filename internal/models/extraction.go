package models

import (
	"strings"
	"time"
)

// ExtractedItem is one line item as produced by an extractor, before
// repository mapping.
type ExtractedItem struct {
	Descripcion    string  `json:"descripcion"`
	Cantidad       float64 `json:"cantidad"`
	PrecioUnitario float64 `json:"precio_unitario"`
	Total          float64 `json:"total"`
	IVA            int     `json:"iva"`
}

// Extraction is the normalized output of any extractor (native XML parser or
// LLM vision). Optional fields stay zero-valued when the source document does
// not carry them; the mapper decides what is fatal.
type Extraction struct {
	Fuente         Source          `json:"fuente"`
	CDC            string          `json:"cdc,omitempty"`
	NumeroFactura  string          `json:"numero_factura"`
	Fecha          time.Time       `json:"fecha"`
	Timbrado       string          `json:"timbrado,omitempty"`
	RUCEmisor      string          `json:"ruc_emisor"`
	NombreEmisor   string          `json:"nombre_emisor,omitempty"`
	DirEmisor      string          `json:"direccion_emisor,omitempty"`
	ActividadEco   string          `json:"actividad_economica,omitempty"`
	RUCReceptor    string          `json:"ruc_receptor,omitempty"`
	NombreReceptor string          `json:"nombre_receptor,omitempty"`
	EmailReceptor  string          `json:"email_receptor,omitempty"`
	Exentas        float64         `json:"exentas"`
	Gravado5       float64         `json:"gravado_5"`
	Gravado10      float64         `json:"gravado_10"`
	IVA5           float64         `json:"iva_5"`
	IVA10          float64         `json:"iva_10"`
	Total          float64         `json:"total"`
	Moneda         string          `json:"moneda,omitempty"`
	TipoCambio     float64         `json:"tipo_cambio,omitempty"`
	Items          []ExtractedItem `json:"items,omitempty"`
	Descripcion    string          `json:"descripcion_factura,omitempty"`

	// Provenance, filled by the worker rather than the extractor.
	MessageID   string `json:"message_id,omitempty"`
	ArtifactKey string `json:"minio_key,omitempty"`
}

// Complete reports whether the extraction carries the minimum fields for
// persistence: fecha, numero_factura and ruc_emisor.
func (e *Extraction) Complete() bool {
	return !e.Fecha.IsZero() && e.NumeroFactura != "" && e.RUCEmisor != ""
}

// DescripcionFromItems builds the comma-joined summary of the first n item
// descriptions, skipping blanks.
func DescripcionFromItems(items []ExtractedItem, n int) string {
	var parts []string
	for _, it := range items {
		d := strings.TrimSpace(it.Descripcion)
		if d == "" {
			continue
		}
		parts = append(parts, d)
		if len(parts) >= n {
			break
		}
	}
	return strings.Join(parts, ", ")
}
