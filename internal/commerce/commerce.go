// Package commerce exposes the merchandise catalog and ordering as
// conversation tools.
package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-ai/stagehand/internal/catalog"
	"github.com/stagehand-ai/stagehand/internal/store"
	"github.com/stagehand-ai/stagehand/internal/tools"
)

// ToolNames is the commerce tool subset granted to shopping personas.
var ToolNames = []string{"list_products", "create_order", "get_last_order"}

const listProductsSchema = `{
	"type": "object",
	"properties": {
		"search_query": {"type": "string"},
		"category": {"type": "string"},
		"max_price": {"type": "number", "minimum": 0}
	},
	"additionalProperties": false
}`

const createOrderSchema = `{
	"type": "object",
	"required": ["product_id"],
	"properties": {
		"product_id": {"type": "string"},
		"quantity": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

const getLastOrderSchema = `{"type": "object", "additionalProperties": false}`

// Toolset binds the catalog and order store into registrable tools.
type Toolset struct {
	catalog *catalog.Catalog
	orders  store.OrderStore
}

func NewToolset(cat *catalog.Catalog, orders store.OrderStore) *Toolset {
	return &Toolset{catalog: cat, orders: orders}
}

// Register adds the commerce tools to the registry. Ordering is
// side-effecting, so create_order is at-most-once; the lookups are pure.
func (t *Toolset) Register(reg *tools.Registry) error {
	descs := []tools.Descriptor{
		{
			Name:        "list_products",
			Description: "Search and filter the product catalog by text, category and maximum price.",
			InputSchema: listProductsSchema,
			Class:       tools.ClassPure,
			Handler:     t.listProducts,
		},
		{
			Name:        "create_order",
			Description: "Place an order for a product by id. Quantity defaults to one.",
			InputSchema: createOrderSchema,
			Class:       tools.ClassAtMostOnce,
			Handler:     t.createOrder,
		},
		{
			Name:        "get_last_order",
			Description: "Look up the most recent order placed in this conversation.",
			InputSchema: getLastOrderSchema,
			Class:       tools.ClassPure,
			Handler:     t.getLastOrder,
		},
	}
	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func (t *Toolset) listProducts(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	var args struct {
		SearchQuery string  `json:"search_query"`
		Category    string  `json:"category"`
		MaxPrice    float64 `json:"max_price"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, err
	}
	matches := t.catalog.Filter(args.SearchQuery, args.Category, args.MaxPrice)
	if matches == nil {
		matches = []catalog.Product{}
	}
	return json.Marshal(map[string]any{"products": matches})
}

func (t *Toolset) createOrder(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	var args struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, err
	}
	if args.Quantity <= 0 {
		args.Quantity = 1
	}

	product, ok := t.catalog.Get(args.ProductID)
	if !ok {
		return nil, fmt.Errorf("product %q not found", args.ProductID)
	}

	order := store.Order{
		ID:        uuid.NewString(),
		SessionID: call.SessionID,
		Items: []store.OrderItem{{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  args.Quantity,
			UnitPrice: product.Price,
		}},
		Total:     product.Price * float64(args.Quantity),
		Currency:  product.Currency,
		Status:    "confirmed",
		CreatedAt: time.Now().UTC(),
	}
	if err := t.orders.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	return json.Marshal(order)
}

func (t *Toolset) getLastOrder(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	order, err := t.orders.LastOrder(ctx, call.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return json.Marshal(map[string]string{"message": "No orders found."})
		}
		return nil, err
	}
	return json.Marshal(order)
}
