package storefront

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a catalog item.
type Product struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Price    decimal.Decimal `json:"price"`
	ImageURL string          `json:"imageUrl,omitempty"`
	Stock    int             `json:"stock"`
}

// Category is a product category.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Subtotal is UnitPrice times Quantity.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order is a placed order as returned by the server.
type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Items     []OrderItem     `json:"items"`
	Total     decimal.Decimal `json:"total"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewOrder is the request body of CreateOrder.
type NewOrder struct {
	UserID string      `json:"userId"`
	Items  []OrderItem `json:"items"`
}

// Total sums the item subtotals.
func (o NewOrder) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// Stats is the dashboard summary.
type Stats struct {
	Products int             `json:"products"`
	Orders   int             `json:"orders"`
	Users    int             `json:"users"`
	Revenue  decimal.Decimal `json:"revenue"`
}
