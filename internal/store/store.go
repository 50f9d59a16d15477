// Package store persists commerce orders behind the tool-handler boundary.
// The conversation core never touches a file or database directly.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: order not found")

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Order is one persisted purchase, scoped to the session that placed it.
type Order struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Items     []OrderItem `json:"items"`
	Total     float64     `json:"total"`
	Currency  string      `json:"currency"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// OrderStore is the persistence contract for orders.
type OrderStore interface {
	SaveOrder(ctx context.Context, o Order) error
	// LastOrder returns the most recent order for a session, or ErrNotFound.
	LastOrder(ctx context.Context, sessionID string) (Order, error)
	Close()
}
