package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/pos-terminal/internal/domain/entity"
	"github.com/jhoicas/pos-terminal/internal/events"
	"github.com/jhoicas/pos-terminal/internal/mirror"
)

// ErrUnknownMessage marca un mensaje con type no reconocido: se registra y se
// descarta, nunca tumba el dispatcher ni bloquea a otros suscriptores.
var ErrUnknownMessage = errors.New("mensaje de protocolo no reconocido")

// ── Payloads JSON ─────────────────────────────────────────────────────────────

// RecipeItemJSON línea de receta en el wire.
type RecipeItemJSON struct {
	IngredientID    string          `json:"ingredient_id"`
	QuantityPerUnit decimal.Decimal `json:"quantity_per_unit"`
}

// ProductJSON producto completo (snapshot).
type ProductJSON struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Category         string           `json:"category"`
	Price            decimal.Decimal  `json:"price"`
	Unit             string           `json:"unit"`
	Quantity         decimal.Decimal  `json:"quantity"`
	Recipe           []RecipeItemJSON `json:"recipe,omitempty"`
	VisibleToCashier bool             `json:"visible_to_cashier"`
	ExpenseOnly      bool             `json:"expense_only"`
	Deleted          bool             `json:"deleted"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// BatchJSON lote completo (snapshot).
type BatchJSON struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	BatchNumber string          `json:"batch_number,omitempty"`
	Cost        decimal.Decimal `json:"cost"`
	ExpiryDate  *time.Time      `json:"expiry_date,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// InitialData payload del mensaje `initial`: snapshot completo del scope.
type InitialData struct {
	Products []ProductJSON `json:"products"`
	Batches  []BatchJSON   `json:"batches"`
}

// ProductDeltaJSON delta de producto: los campos ausentes no tocan el valor local.
type ProductDeltaJSON struct {
	ID               string           `json:"id"`
	Name             *string          `json:"name,omitempty"`
	Category         *string          `json:"category,omitempty"`
	Price            *decimal.Decimal `json:"price,omitempty"`
	Unit             *string          `json:"unit,omitempty"`
	Quantity         *decimal.Decimal `json:"quantity,omitempty"`
	Recipe           []RecipeItemJSON `json:"recipe,omitempty"`
	VisibleToCashier *bool            `json:"visible_to_cashier,omitempty"`
	ExpenseOnly      *bool            `json:"expense_only,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// BatchDeltaJSON delta de lote. Quantity es la cantidad absoluta autoritativa.
type BatchDeltaJSON struct {
	ID          string           `json:"id"`
	ProductID   string           `json:"product_id"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	BatchNumber *string          `json:"batch_number,omitempty"`
	Cost        *decimal.Decimal `json:"cost,omitempty"`
	ExpiryDate  *time.Time       `json:"expiry_date,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ProductDeletedData payload de `product_deleted`.
type ProductDeletedData struct {
	ID string `json:"id"`
}

// SaleBroadcastData venta confirmada, difundida a TODAS las terminales del
// scope (incluida la originadora). Las cantidades de lotes y los after por
// producto son ABSOLUTOS autoritativos del servidor, nunca deltas relativos.
// CorrelationID es el eco del correlation id que la terminal originadora envió
// en el request de venta; permite identificar qué pendiente local corresponde
// al broadcast.
type SaleBroadcastData struct {
	SaleID        string           `json:"sale_id"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	TerminalID    string           `json:"terminal_id"`
	Total         decimal.Decimal  `json:"total"`
	PaymentMethod string           `json:"payment_method"`
	Deductions    []DeductionJSON  `json:"deductions"`
	Batches       []BatchDeltaJSON `json:"batches"`
}

// DeductionJSON cantidad antes/después de un producto en la venta difundida.
type DeductionJSON struct {
	ProductID string          `json:"product_id"`
	Before    decimal.Decimal `json:"before"`
	After     decimal.Decimal `json:"after"`
}

// ── Eventos de bus producidos por la clasificación ────────────────────────────

// SnapshotEvent snapshot completo listo para ApplySnapshot.
type SnapshotEvent struct {
	Products []*entity.Product
	Batches  []*entity.Batch
}

func (SnapshotEvent) EventTopic() events.Topic { return events.TopicSnapshot }

// StockDeltaEvent cambio incremental de un lote.
type StockDeltaEvent struct {
	Delta *mirror.BatchDelta
}

func (StockDeltaEvent) EventTopic() events.Topic { return events.TopicStockDelta }

// ProductDeltaEvent alta/edición/borrado de producto.
type ProductDeltaEvent struct {
	Action    string // TypeProductCreated | TypeProductUpdated | TypeProductDeleted
	Delta     *mirror.ProductDelta
	DeletedID string // solo para TypeProductDeleted
}

func (ProductDeltaEvent) EventTopic() events.Topic { return events.TopicProductDelta }

// SaleBroadcastEvent venta confirmada en el scope; los mirrors convergen
// aplicando las cantidades absolutas que trae.
type SaleBroadcastEvent struct {
	SaleID        string
	CorrelationID string
	TerminalID    string
	Admin         bool
	Total         decimal.Decimal
	Changes       []entity.ProductChange
	Batches       []*mirror.BatchDelta
}

func (SaleBroadcastEvent) EventTopic() events.Topic { return events.TopicSaleBroadcast }

// ── Clasificación ─────────────────────────────────────────────────────────────

// Classify convierte un mensaje inbound en el evento de bus correspondiente.
// auth/connected/ping/pong no llegan aquí: los maneja el Connection Manager.
// Un mensaje malformado o desconocido devuelve error: el caller lo registra y
// lo descarta.
func Classify(msg *Message) (events.Event, error) {
	switch msg.Type {
	case TypeInitial:
		var data InitialData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("decodificar initial: %w", err)
		}
		ev := SnapshotEvent{}
		for _, p := range data.Products {
			ev.Products = append(ev.Products, toProduct(p))
		}
		for _, b := range data.Batches {
			ev.Batches = append(ev.Batches, toBatch(b))
		}
		return ev, nil

	case TypeStockUpdated:
		var data BatchDeltaJSON
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("decodificar stock_updated: %w", err)
		}
		if data.ID == "" {
			return nil, fmt.Errorf("stock_updated sin id: %w", ErrUnknownMessage)
		}
		return StockDeltaEvent{Delta: toBatchDelta(data)}, nil

	case TypeProductCreated, TypeProductUpdated:
		var data ProductDeltaJSON
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("decodificar %s: %w", msg.Type, err)
		}
		if data.ID == "" {
			return nil, fmt.Errorf("%s sin id: %w", msg.Type, ErrUnknownMessage)
		}
		return ProductDeltaEvent{Action: msg.Type, Delta: toProductDelta(data)}, nil

	case TypeProductDeleted:
		var data ProductDeletedData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("decodificar product_deleted: %w", err)
		}
		return ProductDeltaEvent{Action: msg.Type, DeletedID: data.ID}, nil

	case TypeSaleCompleted, TypeAdminSaleCompleted:
		var data SaleBroadcastData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("decodificar %s: %w", msg.Type, err)
		}
		ev := SaleBroadcastEvent{
			SaleID:        data.SaleID,
			CorrelationID: data.CorrelationID,
			TerminalID:    data.TerminalID,
			Admin:         msg.Type == TypeAdminSaleCompleted,
			Total:         data.Total,
		}
		for _, d := range data.Deductions {
			ev.Changes = append(ev.Changes, entity.ProductChange{
				ProductID: d.ProductID, Before: d.Before, After: d.After,
			})
		}
		for _, b := range data.Batches {
			ev.Batches = append(ev.Batches, toBatchDelta(b))
		}
		return ev, nil
	}
	return nil, fmt.Errorf("type %q: %w", msg.Type, ErrUnknownMessage)
}

func toProduct(p ProductJSON) *entity.Product {
	out := &entity.Product{
		ID:               p.ID,
		Name:             p.Name,
		Category:         p.Category,
		Price:            p.Price,
		Unit:             p.Unit,
		Quantity:         p.Quantity,
		VisibleToCashier: p.VisibleToCashier,
		ExpenseOnly:      p.ExpenseOnly,
		Deleted:          p.Deleted,
		UpdatedAt:        p.UpdatedAt,
	}
	for _, r := range p.Recipe {
		out.Recipe = append(out.Recipe, entity.RecipeItem{
			IngredientID:    r.IngredientID,
			QuantityPerUnit: r.QuantityPerUnit,
		})
	}
	return out
}

func toBatch(b BatchJSON) *entity.Batch {
	return &entity.Batch{
		ID:          b.ID,
		ProductID:   b.ProductID,
		Quantity:    b.Quantity,
		BatchNumber: b.BatchNumber,
		Cost:        b.Cost,
		ExpiryDate:  b.ExpiryDate,
		CreatedAt:   b.CreatedAt,
	}
}

func toBatchDelta(b BatchDeltaJSON) *mirror.BatchDelta {
	return &mirror.BatchDelta{
		ID:          b.ID,
		ProductID:   b.ProductID,
		Quantity:    b.Quantity,
		BatchNumber: b.BatchNumber,
		Cost:        b.Cost,
		ExpiryDate:  b.ExpiryDate,
		CreatedAt:   b.CreatedAt,
	}
}

func toProductDelta(p ProductDeltaJSON) *mirror.ProductDelta {
	d := &mirror.ProductDelta{
		ID:               p.ID,
		Name:             p.Name,
		Category:         p.Category,
		Price:            p.Price,
		Unit:             p.Unit,
		Quantity:         p.Quantity,
		VisibleToCashier: p.VisibleToCashier,
		ExpenseOnly:      p.ExpenseOnly,
		UpdatedAt:        p.UpdatedAt,
	}
	if p.Recipe != nil {
		d.Recipe = make([]entity.RecipeItem, 0, len(p.Recipe))
		for _, r := range p.Recipe {
			d.Recipe = append(d.Recipe, entity.RecipeItem{
				IngredientID:    r.IngredientID,
				QuantityPerUnit: r.QuantityPerUnit,
			})
		}
	}
	return d
}
