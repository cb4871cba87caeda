package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/pos-terminal/internal/domain"
	"github.com/jhoicas/pos-terminal/internal/domain/entity"
	"github.com/jhoicas/pos-terminal/internal/mirror"
	"github.com/jhoicas/pos-terminal/internal/protocol"
	"github.com/jhoicas/pos-terminal/pkg/logger"
)

// Client habla con la API REST autoritativa del servidor: el camino de commit
// de ventas y mutaciones. El canal websocket es solo notificación encima de
// esto. Usa net/http de la stdlib; no requiere librerías de terceros.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      func() string // el token vigente lo provee la sesión
	log        *logger.Logger
}

// New construye el cliente con el timeout configurado.
func New(baseURL string, timeout time.Duration, token func() string, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		token:      token,
		log:        log.Component("api"),
	}
}

// ── Ventas ────────────────────────────────────────────────────────────────────

// SaleItemJSON línea de venta en el request.
type SaleItemJSON struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// SaleRequest petición POST /sales. CorrelationID correlaciona la respuesta
// (y el broadcast posterior) con la mutación optimista pendiente.
type SaleRequest struct {
	CorrelationID string         `json:"correlation_id"`
	TerminalID    string         `json:"terminal_id"`
	Items         []SaleItemJSON `json:"items"`
	PaymentMethod string         `json:"payment_method"`
}

// SaleResult respuesta autoritativa del commit: el plan realmente aplicado en
// el servidor, con cantidades absolutas post-venta.
type SaleResult struct {
	SaleID     string
	Total      decimal.Decimal
	Deductions []entity.ProductChange
	Batches    []*mirror.BatchDelta
}

type saleResponseJSON struct {
	SaleID     string                    `json:"sale_id"`
	Total      decimal.Decimal           `json:"total"`
	Deductions []protocol.DeductionJSON  `json:"stock_deductions"`
	Batches    []protocol.BatchDeltaJSON `json:"batches"`
}

// SubmitSale envía la venta al servidor. 409 (otra terminal agotó el stock
// primero) se devuelve como domain.ErrCommitRejected: el coordinador hace
// rollback y el cajero puede reintentar.
func (c *Client) SubmitSale(ctx context.Context, req *SaleRequest) (*SaleResult, error) {
	var resp saleResponseJSON
	if err := c.do(ctx, http.MethodPost, "/sales", req, &resp); err != nil {
		return nil, err
	}
	out := &SaleResult{SaleID: resp.SaleID, Total: resp.Total}
	for _, d := range resp.Deductions {
		out.Deductions = append(out.Deductions, entity.ProductChange{
			ProductID: d.ProductID, Before: d.Before, After: d.After,
		})
	}
	for _, b := range resp.Batches {
		bd := b
		out.Batches = append(out.Batches, &mirror.BatchDelta{
			ID: bd.ID, ProductID: bd.ProductID, Quantity: bd.Quantity,
			BatchNumber: bd.BatchNumber, Cost: bd.Cost,
			ExpiryDate: bd.ExpiryDate, CreatedAt: bd.CreatedAt,
		})
	}
	return out, nil
}

// ── Stock y productos ─────────────────────────────────────────────────────────

// BatchRequest alta de un lote por recepción de mercancía.
type BatchRequest struct {
	CorrelationID string          `json:"correlation_id"`
	ProductID     string          `json:"product_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	BatchNumber   string          `json:"batch_number,omitempty"`
	Cost          decimal.Decimal `json:"cost"`
	ExpiryDate    *time.Time      `json:"expiry_date,omitempty"`
}

// CreateBatch registra la recepción de stock; devuelve el lote autoritativo.
func (c *Client) CreateBatch(ctx context.Context, req *BatchRequest) (*protocol.BatchJSON, error) {
	var resp protocol.BatchJSON
	if err := c.do(ctx, http.MethodPost, "/batches", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateProduct edita campos de un producto; el servidor responde el producto
// completo autoritativo.
func (c *Client) UpdateProduct(ctx context.Context, id string, req *protocol.ProductDeltaJSON) (*protocol.ProductJSON, error) {
	var resp protocol.ProductJSON
	if err := c.do(ctx, http.MethodPut, "/products/"+id, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Snapshot pide el estado completo del scope: resincronización explícita
// tras una reconexión (nunca se asume que el servidor encoló los eventos
// perdidos mientras la terminal estuvo desconectada).
func (c *Client) Snapshot(ctx context.Context) (*protocol.InitialData, error) {
	var resp protocol.InitialData
	if err := c.do(ctx, http.MethodGet, "/snapshot", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ── Transporte ────────────────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("serializar request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.ErrAuthFailed
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: %s", domain.ErrCommitRejected, bytes.TrimSpace(detail))
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decodificar respuesta de %s: %w", path, err)
	}
	return nil
}
