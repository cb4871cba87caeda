package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/pos-terminal/internal/domain"
	"github.com/jhoicas/pos-terminal/internal/infrastructure/api"
	"github.com/jhoicas/pos-terminal/pkg/logger"
)

func newClient(t *testing.T, handler http.HandlerFunc) *api.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return api.New(srv.URL, 5*time.Second, func() string { return "token-1" }, logger.Nop())
}

func TestSubmitSale_Confirmada(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sales", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))

		var req api.SaleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "corr-1", req.CorrelationID)
		assert.Equal(t, "caja-1", req.TerminalID)
		require.Len(t, req.Items, 1)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"sale_id": "v1", "total": "25",
			"stock_deductions": [{"product_id": "harina", "before": "10", "after": "6"}],
			"batches": [{"id": "b1", "product_id": "harina", "quantity": "6"}]
		}`))
	})

	res, err := c.SubmitSale(context.Background(), &api.SaleRequest{
		CorrelationID: "corr-1",
		TerminalID:    "caja-1",
		Items:         []api.SaleItemJSON{{ProductID: "torta", Quantity: decimal.NewFromInt(2)}},
		PaymentMethod: "efectivo",
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", res.SaleID)
	assert.True(t, res.Total.Equal(decimal.NewFromInt(25)))
	require.Len(t, res.Deductions, 1)
	assert.True(t, res.Deductions[0].After.Equal(decimal.NewFromInt(6)))
	require.Len(t, res.Batches, 1)
	require.NotNil(t, res.Batches[0].Quantity)
	assert.True(t, res.Batches[0].Quantity.Equal(decimal.NewFromInt(6)))
}

func TestSubmitSale_ConflictoEsCommitRechazado(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stock insuficiente: harina", http.StatusConflict)
	})

	_, err := c.SubmitSale(context.Background(), &api.SaleRequest{CorrelationID: "corr-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCommitRejected)
	assert.Contains(t, err.Error(), "stock insuficiente", "el detalle del servidor viaja en el error")
}

func TestDo_AutenticacionRechazada(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		_, err := c.Snapshot(context.Background())
		assert.ErrorIs(t, err, domain.ErrAuthFailed, "status %d", status)
	}
}

func TestDo_NoEncontrado(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := c.UpdateProduct(context.Background(), "fantasma", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSnapshot_DecodificaInitialData(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/snapshot", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"products": [{"id": "harina", "name": "Harina"}],
			"batches": [{"id": "b1", "product_id": "harina", "quantity": "10"}]
		}`))
	})

	data, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, data.Products, 1)
	require.Len(t, data.Batches, 1)
	assert.True(t, data.Batches[0].Quantity.Equal(decimal.NewFromInt(10)))
}

func TestCreateBatch_DevuelveLoteAutoritativo(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/batches", r.URL.Path)
		var req api.BatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "harina", req.ProductID)

		_, _ = w.Write([]byte(`{"id": "b-srv", "product_id": "harina", "quantity": "50", "cost": "100"}`))
	})

	b, err := c.CreateBatch(context.Background(), &api.BatchRequest{
		CorrelationID: "corr-2",
		ProductID:     "harina",
		Quantity:      decimal.NewFromInt(50),
		Cost:          decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	assert.Equal(t, "b-srv", b.ID, "el id optimista se reemplaza por el del servidor")
	assert.True(t, b.Quantity.Equal(decimal.NewFromInt(50)))
}

func TestDo_ErrorDeTransporte(t *testing.T) {
	c := api.New("http://127.0.0.1:1", time.Second, func() string { return "" }, logger.Nop())
	_, err := c.Snapshot(context.Background())
	assert.Error(t, err)
}
