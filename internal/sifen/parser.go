// Package sifen parses Paraguayan SIFEN electronic-invoice XML (the rDE/DE
// document) into canonical invoice extractions. Element lookup is by local
// name at any depth so namespaced and namespace-free documents parse the same.
package sifen

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	"github.com/cuenly/invoice-ingest/internal/models"
)

var (
	// ErrNoDE means no DE element was found, even after byte recovery.
	ErrNoDE = errors.New("sifen: no DE element in document")
	// ErrIncomplete means the DE was parsed but lacks the minimum fields
	// (fecha, numero_factura, ruc_emisor) for persistence.
	ErrIncomplete = errors.New("sifen: extraction incomplete")
)

var (
	cdcRe     = regexp.MustCompile(`^\d{44}$`)
	deBlockRe = regexp.MustCompile(`(?s)<DE[\s>].*?</DE>`)
)

// Parse extracts a canonical invoice record from raw SIFEN XML.
// Malformed documents get one recovery attempt over the literal <DE …>…</DE>
// byte range before giving up.
func Parse(data []byte) (*models.Extraction, error) {
	de, err := findDE(data)
	if err != nil {
		// Byte-level recovery: signed or wrapped documents sometimes break
		// the outer envelope while the DE block itself is intact.
		block := deBlockRe.Find(data)
		if block == nil {
			return nil, err
		}
		de, err = findDE(block)
		if err != nil {
			return nil, err
		}
	}

	ext := mapDE(de)
	if !ext.Complete() {
		return ext, fmt.Errorf("%w: fecha=%v numero=%q ruc=%q",
			ErrIncomplete, !ext.Fecha.IsZero(), ext.NumeroFactura, ext.RUCEmisor)
	}
	return ext, nil
}

func findDE(data []byte) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("sifen: parse: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, ErrNoDE
	}
	if de := findLocal(root, "DE"); de != nil {
		return de, nil
	}
	return nil, ErrNoDE
}

// findLocal returns the first element with the given local name, searching
// the element itself and its descendants depth-first. Namespace prefixes are
// ignored.
func findLocal(el *etree.Element, name string) *etree.Element {
	if localName(el.Tag) == name {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findLocal(child, name); found != nil {
			return found
		}
	}
	return nil
}

func localName(tag string) string {
	if i := strings.LastIndex(tag, ":"); i >= 0 {
		return tag[i+1:]
	}
	return tag
}

// text returns the trimmed text of the first descendant with the given local
// name, or "".
func text(el *etree.Element, name string) string {
	if found := findLocal(el, name); found != nil {
		return strings.TrimSpace(found.Text())
	}
	return ""
}

// amount parses a SIFEN decimal field. SIFEN uses dot decimals, but documents
// produced by third-party emitters occasionally carry comma decimals or
// thousands separators; both forms are accepted.
func amount(el *etree.Element, name string) float64 {
	return parseAmount(text(el, name))
}

func parseAmount(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if strings.Contains(s, ",") {
		if strings.Contains(s, ".") {
			// "1.234.567,89" style: dots are thousands separators.
			s = strings.ReplaceAll(s, ".", "")
		}
		s = strings.ReplaceAll(s, ",", ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

func mapDE(de *etree.Element) *models.Extraction {
	ext := &models.Extraction{Fuente: models.SourceXMLNativo}

	// CDC comes only from the DE Id attribute, and only when it is exactly
	// 44 digits. Any other carrier of the value is rejected.
	if id := strings.TrimSpace(de.SelectAttrValue("Id", "")); cdcRe.MatchString(id) {
		ext.CDC = id
	}

	ext.Fecha = parseFecha(text(de, "dFeEmiDE"))
	ext.Timbrado = text(de, "dNumTim")
	ext.NumeroFactura = documentNumber(de)

	if em := findLocal(de, "gEmis"); em != nil {
		ext.RUCEmisor = rucWithDV(text(em, "dRucEm"), text(em, "dDVEmi"))
		ext.NombreEmisor = text(em, "dNomEmi")
		ext.DirEmisor = text(em, "dDirEmi")
		ext.ActividadEco = text(em, "dDesActEco")
	}
	if rec := findLocal(de, "gDatRec"); rec != nil {
		ext.RUCReceptor = rucWithDV(text(rec, "dRucRec"), text(rec, "dDVRec"))
		ext.NombreReceptor = text(rec, "dNomRec")
		ext.EmailReceptor = text(rec, "dEmailRec")
	}

	if ope := findLocal(de, "gOpeCom"); ope != nil {
		ext.Moneda = normalizeCurrency(text(ope, "cMoneOpe"))
		ext.TipoCambio = amount(ope, "dTiCam")
	}

	if tot := findLocal(de, "gTotSub"); tot != nil {
		ext.Exentas = amount(tot, "dSubExe")
		ext.IVA5 = amount(tot, "dIVA5")
		ext.IVA10 = amount(tot, "dIVA10")
		ext.Gravado5 = amount(tot, "dBaseGrav5")
		ext.Gravado10 = amount(tot, "dBaseGrav10")
		ext.Total = amount(tot, "dTotGralOpe")

		// Older documents carry only the VAT amounts. The bases follow
		// arithmetically: 5% VAT means base = vat * 20, 10% means * 10.
		if ext.Gravado5 == 0 && ext.IVA5 > 0 {
			ext.Gravado5 = ext.IVA5 * 20
		}
		if ext.Gravado10 == 0 && ext.IVA10 > 0 {
			ext.Gravado10 = ext.IVA10 * 10
		}
	}

	ext.Items = parseItems(de)
	ext.Descripcion = models.DescripcionFromItems(ext.Items, 10)

	return ext
}

// documentNumber joins establishment, expedition point and sequence into the
// printed invoice number "EEE-PPP-NNNNNNN".
func documentNumber(de *etree.Element) string {
	est := text(de, "dEst")
	pun := text(de, "dPunExp")
	num := text(de, "dNumDoc")
	if est == "" && pun == "" && num == "" {
		return ""
	}
	return fmt.Sprintf("%s-%s-%s", pad(est, 3), pad(pun, 3), pad(num, 7))
}

func pad(s string, width int) string {
	s = strings.TrimSpace(s)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

func rucWithDV(ruc, dv string) string {
	ruc = strings.TrimSpace(ruc)
	dv = strings.TrimSpace(dv)
	if ruc == "" {
		return ""
	}
	if dv != "" && !strings.Contains(ruc, "-") {
		return ruc + "-" + dv
	}
	return ruc
}

func parseFecha(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// normalizeCurrency maps SIFEN currency spellings to the two canonical codes.
// Unknown literals pass through untouched; amounts are never converted.
func normalizeCurrency(c string) string {
	switch strings.ToUpper(strings.TrimSpace(c)) {
	case "GS", "PYG", "G$", "GUARANI", "GUARANIES", "GUARANÍES":
		return "GS"
	case "USD", "DOLAR", "DOLARES", "DÓLAR", "$", "US$":
		return "USD"
	default:
		return strings.TrimSpace(c)
	}
}

func parseItems(de *etree.Element) []models.ExtractedItem {
	var items []models.ExtractedItem
	walkLocal(de, "gCamItem", func(it *etree.Element) {
		item := models.ExtractedItem{
			Descripcion:    text(it, "dDesProSer"),
			Cantidad:       amount(it, "dCantProSer"),
			PrecioUnitario: amount(it, "dPUniProSer"),
			Total:          amount(it, "dTotBruOpeItem"),
			IVA:            coerceIVA(amount(it, "dTasaIVA")),
		}
		items = append(items, item)
	})
	return items
}

// walkLocal calls fn for every descendant whose local name matches.
func walkLocal(el *etree.Element, name string, fn func(*etree.Element)) {
	for _, child := range el.ChildElements() {
		if localName(child.Tag) == name {
			fn(child)
			continue
		}
		walkLocal(child, name, fn)
	}
}

// coerceIVA snaps a declared VAT rate onto the three legal rates.
func coerceIVA(rate float64) int {
	switch {
	case rate >= 7.5:
		return 10
	case rate >= 2.5:
		return 5
	default:
		return 0
	}
}

// ExtractCDCs returns every 44-digit token in s, in order. Artifact keys can
// embed more than one (a renamed file keeping the old name, a path segment),
// so consistency checks must look at all of them.
func ExtractCDCs(s string) []string {
	var out []string
	for _, token := range strings.FieldsFunc(s, func(r rune) bool {
		return r < '0' || r > '9'
	}) {
		if cdcRe.MatchString(token) {
			out = append(out, token)
		}
	}
	return out
}

// ExtractCDC returns the first 44-digit token in s, or "" when none is
// present.
func ExtractCDC(s string) string {
	if all := ExtractCDCs(s); len(all) > 0 {
		return all[0]
	}
	return ""
}
