package billing

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cuenly/invoice-ingest/internal/config"
	"github.com/cuenly/invoice-ingest/internal/pkg/httpretry"
)

// ChargeRequest carries everything the gateway needs for one recurring charge.
type ChargeRequest struct {
	OwnerEmail    string
	PagoparUserID string
	Amount        float64
	Currency      string
	Description   string
}

// Gateway processes one recurring charge end to end.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) error
}

// PagoparClient is the minimal Pagopar contract the billing loop consumes:
// create an order, fetch the stored-card alias token, process the payment.
// Every request is signed with sha1(private_key + operation payload).
type PagoparClient struct {
	http       httpretry.HTTPDoer
	baseURL    string
	publicKey  string
	privateKey string
}

// NewPagoparClient builds the gateway client from the billing config.
func NewPagoparClient(cfg config.BillingConfig) *PagoparClient {
	return &PagoparClient{
		http:       httpretry.NewRetryClient(httpretry.NewDownloadClient(5*time.Second, 30*time.Second), 2),
		baseURL:    cfg.PagoparBaseURL,
		publicKey:  cfg.PagoparPublicKey,
		privateKey: cfg.PagoparPrivateKey,
	}
}

// NewPagoparClientWith injects the HTTP doer, for tests.
func NewPagoparClientWith(doer httpretry.HTTPDoer, baseURL, publicKey, privateKey string) *PagoparClient {
	return &PagoparClient{http: doer, baseURL: baseURL, publicKey: publicKey, privateKey: privateKey}
}

// envelope is the gateway's uniform response wrapper.
type envelope struct {
	Respuesta bool            `json:"respuesta"`
	Resultado json.RawMessage `json:"resultado"`
}

// Charge runs the three-step flow. Any step failing fails the charge; the
// caller owns retry policy.
func (c *PagoparClient) Charge(ctx context.Context, req ChargeRequest) error {
	orderHash, err := c.createOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("pagopar: create order: %w", err)
	}
	alias, err := c.cardAliasToken(ctx, req.PagoparUserID)
	if err != nil {
		return fmt.Errorf("pagopar: card alias: %w", err)
	}
	if err := c.processPayment(ctx, orderHash, alias); err != nil {
		return fmt.Errorf("pagopar: process payment: %w", err)
	}
	return nil
}

func (c *PagoparClient) createOrder(ctx context.Context, req ChargeRequest) (string, error) {
	orderID := uuid.NewString()
	amount := strconv.FormatFloat(req.Amount, 'f', 2, 64)
	body := map[string]interface{}{
		"token":              c.sign(orderID + amount),
		"public_key":         c.publicKey,
		"id_pedido_comercio": orderID,
		"monto_total":        req.Amount,
		"moneda":             req.Currency,
		"descripcion":        req.Description,
		"comprador": map[string]string{
			"email":      req.OwnerEmail,
			"id_usuario": req.PagoparUserID,
		},
	}
	var result []struct {
		Data string `json:"data"`
	}
	if err := c.post(ctx, "/comercios/2.0/iniciar-transaccion", body, &result); err != nil {
		return "", err
	}
	if len(result) == 0 || result[0].Data == "" {
		return "", fmt.Errorf("order hash missing in response")
	}
	return result[0].Data, nil
}

func (c *PagoparClient) cardAliasToken(ctx context.Context, pagoparUserID string) (string, error) {
	body := map[string]interface{}{
		"token":      c.sign("TARJETAS" + pagoparUserID),
		"public_key": c.publicKey,
		"id_usuario": pagoparUserID,
	}
	var cards []struct {
		AliasToken string `json:"alias_token"`
	}
	if err := c.post(ctx, "/tarjetas/2.0/traer", body, &cards); err != nil {
		return "", err
	}
	for _, card := range cards {
		if card.AliasToken != "" {
			return card.AliasToken, nil
		}
	}
	return "", fmt.Errorf("no stored card for user %s", pagoparUserID)
}

func (c *PagoparClient) processPayment(ctx context.Context, orderHash, aliasToken string) error {
	body := map[string]interface{}{
		"token":       c.sign(orderHash),
		"public_key":  c.publicKey,
		"hash_pedido": orderHash,
		"alias_token": aliasToken,
	}
	return c.post(ctx, "/pagos/2.0/procesar", body, nil)
}

// post sends one signed request and unwraps the envelope. A respuesta=false
// reply is an error carrying the raw resultado text.
func (c *PagoparClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("malformed gateway response: %w", err)
	}
	if !env.Respuesta {
		return fmt.Errorf("gateway rejected request: %s", truncate(env.Resultado, 200))
	}
	if out != nil && len(env.Resultado) > 0 {
		if err := json.Unmarshal(env.Resultado, out); err != nil {
			return fmt.Errorf("malformed gateway resultado: %w", err)
		}
	}
	return nil
}

func (c *PagoparClient) sign(payload string) string {
	sum := sha1.Sum([]byte(c.privateKey + payload))
	return hex.EncodeToString(sum[:])
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
