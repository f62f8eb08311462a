// Package invoice maps normalized extractions onto the canonical warehouse
// schema.
package invoice

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cuenly/invoice-ingest/internal/models"
)

// ErrMissingMetadata means the extraction lacks the minimum persistable
// fields. The registry records the outcome as missing_metadata and ingestion
// moves on.
var ErrMissingMetadata = errors.New("invoice: extraction lacks fecha, numero_factura or ruc_emisor")

// Map builds the persistable document from an extraction. extractionID seeds
// the fallback header id; the repository prefers an existing record matched
// by CDC or message id.
func Map(ext *models.Extraction, ownerEmail, extractionID string) (*models.InvoiceDocument, error) {
	if !ext.Complete() {
		return nil, fmt.Errorf("%w: fecha=%v numero=%q ruc=%q",
			ErrMissingMetadata, !ext.Fecha.IsZero(), ext.NumeroFactura, ext.RUCEmisor)
	}

	owner := strings.ToLower(ownerEmail)
	header := models.InvoiceHeader{
		ID:            models.HeaderID(owner, extractionID),
		OwnerEmail:    owner,
		CDC:           ext.CDC,
		NumeroFactura: ext.NumeroFactura,
		FechaEmision:  ext.Fecha,
		Timbrado:      ext.Timbrado,
		Emisor: models.Party{
			RUC:       ext.RUCEmisor,
			Nombre:    ext.NombreEmisor,
			Direccion: ext.DirEmisor,
			Actividad: ext.ActividadEco,
		},
		Receptor: models.Party{
			RUC:    ext.RUCReceptor,
			Nombre: ext.NombreReceptor,
			Email:  ext.EmailReceptor,
		},
		Totales: models.Totales{
			Exentas:    ext.Exentas,
			Gravado5:   ext.Gravado5,
			Gravado10:  ext.Gravado10,
			IVA5:       ext.IVA5,
			IVA10:      ext.IVA10,
			Total:      ext.Total,
			Moneda:     ext.Moneda,
			TipoCambio: ext.TipoCambio,
		},
		Fuente:      ext.Fuente,
		MinioKey:    ext.ArtifactKey,
		MessageID:   ext.MessageID,
		MesProceso:  models.MesProceso(ext.Fecha),
		Descripcion: ext.Descripcion,
	}
	if header.Descripcion == "" {
		header.Descripcion = models.DescripcionFromItems(ext.Items, 10)
	}

	items := make([]models.InvoiceItem, 0, len(ext.Items))
	for i, it := range ext.Items {
		items = append(items, models.InvoiceItem{
			HeaderID:       header.ID,
			Linea:          i + 1,
			OwnerEmail:     owner,
			Descripcion:    it.Descripcion,
			Cantidad:       it.Cantidad,
			PrecioUnitario: it.PrecioUnitario,
			Total:          it.Total,
			IVA:            it.IVA,
		})
	}
	return &models.InvoiceDocument{Header: header, Items: items}, nil
}
