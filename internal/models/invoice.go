// Package models defines the canonical invoice schema shared by the
// extraction pipeline, the repositories and the workers.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies the extractor that produced an invoice record.
// It governs overwrite ordering: a record may only be replaced by an
// extraction whose source priority is greater than or equal to its own.
type Source string

const (
	SourceXMLNativo         Source = "XML_NATIVO"
	SourceOpenAIVision      Source = "OPENAI_VISION"
	SourceOpenAIVisionImage Source = "OPENAI_VISION_IMAGE"
	SourceEmail             Source = "EMAIL"
)

// Priority returns the overwrite rank of the source. Unknown sources rank
// below everything so they never clobber an existing record.
func (s Source) Priority() int {
	switch s {
	case SourceXMLNativo:
		return 100
	case SourceOpenAIVision:
		return 50
	case SourceOpenAIVisionImage:
		return 40
	case SourceEmail:
		return 10
	default:
		return 0
	}
}

// Party is one side of an invoice (issuer or receiver).
type Party struct {
	RUC       string `bson:"ruc" json:"ruc"`
	Nombre    string `bson:"nombre" json:"nombre"`
	Direccion string `bson:"direccion,omitempty" json:"direccion,omitempty"`
	Actividad string `bson:"actividad_economica,omitempty" json:"actividad_economica,omitempty"`
	Email     string `bson:"email,omitempty" json:"email,omitempty"`
}

// Totales holds the monetary summary of an invoice. Gravado5/Gravado10 are
// the taxed bases without VAT; IVA5/IVA10 the VAT amounts themselves.
type Totales struct {
	Exentas    float64 `bson:"exentas" json:"exentas"`
	Gravado5   float64 `bson:"gravado_5" json:"gravado_5"`
	Gravado10  float64 `bson:"gravado_10" json:"gravado_10"`
	IVA5       float64 `bson:"iva_5" json:"iva_5"`
	IVA10      float64 `bson:"iva_10" json:"iva_10"`
	Total      float64 `bson:"total" json:"total"`
	Moneda     string  `bson:"moneda" json:"moneda"`
	TipoCambio float64 `bson:"tipo_cambio,omitempty" json:"tipo_cambio,omitempty"`
}

// InvoiceHeader is the canonical per-invoice record stored in the warehouse.
// For a given owner, at most one header may exist for a non-empty CDC.
type InvoiceHeader struct {
	ID            string    `bson:"_id" json:"id"`
	OwnerEmail    string    `bson:"owner_email" json:"owner_email"`
	CDC           string    `bson:"cdc,omitempty" json:"cdc,omitempty"`
	NumeroFactura string    `bson:"numero_factura" json:"numero_factura"`
	FechaEmision  time.Time `bson:"fecha_emision" json:"fecha_emision"`
	Timbrado      string    `bson:"timbrado,omitempty" json:"timbrado,omitempty"`
	Emisor        Party     `bson:"emisor" json:"emisor"`
	Receptor      Party     `bson:"receptor" json:"receptor"`
	Totales       Totales   `bson:"totales" json:"totales"`
	Fuente        Source    `bson:"fuente" json:"fuente"`
	MinioKey      string    `bson:"minio_key,omitempty" json:"minio_key,omitempty"`
	MesProceso    string    `bson:"mes_proceso" json:"mes_proceso"`
	MessageID     string    `bson:"message_id,omitempty" json:"message_id,omitempty"`
	Descripcion   string    `bson:"descripcion_factura,omitempty" json:"descripcion_factura,omitempty"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at" json:"updated_at"`
}

// InvoiceItem is a line item bound to a header by (HeaderID, Linea).
// Items are always replaced en-bloc when the header is upserted.
type InvoiceItem struct {
	HeaderID       string  `bson:"header_id" json:"header_id"`
	Linea          int     `bson:"linea" json:"linea"`
	OwnerEmail     string  `bson:"owner_email" json:"owner_email"`
	Descripcion    string  `bson:"descripcion" json:"descripcion"`
	Cantidad       float64 `bson:"cantidad" json:"cantidad"`
	PrecioUnitario float64 `bson:"precio_unitario" json:"precio_unitario"`
	Total          float64 `bson:"total" json:"total"`
	IVA            int     `bson:"iva" json:"iva"`
}

// InvoiceDocument is a header plus its items, persisted transactionally.
type InvoiceDocument struct {
	Header InvoiceHeader
	Items  []InvoiceItem
}

// HeaderID builds the canonical header id when no existing record matches
// by CDC or message id.
func HeaderID(ownerEmail, extractionID string) string {
	return fmt.Sprintf("%s:%s", strings.ToLower(ownerEmail), extractionID)
}

// MesProceso formats a timestamp as the YYYY-MM processing-month bucket.
func MesProceso(t time.Time) string {
	return t.Format("2006-01")
}
