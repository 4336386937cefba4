package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleConsumer = "consumer"
	RoleFarmer   = "farmer"
)

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

type Product struct {
	ID            int64           `json:"id"`
	FarmerID      int64           `json:"farmer_id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Unit          string          `json:"unit"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int             `json:"version"`
}

// InStock reports whether any units remain available for purchase.
func (p *Product) InStock() bool {
	return p.StockQuantity > 0
}

type Cart struct {
	ID         int64      `json:"id"`
	ConsumerID int64      `json:"consumer_id"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Items      []CartItem `json:"items"`
}

// CartItem carries a live product snapshot alongside the requested
// quantity. The snapshot fields reflect the catalog at read time, not at
// the time the line was added.
type CartItem struct {
	ID           int64           `json:"id"`
	CartID       int64           `json:"cart_id"`
	ProductID    int64           `json:"product_id"`
	Quantity     int             `json:"quantity"`
	ProductName  string          `json:"product_name"`
	ProductUnit  string          `json:"product_unit"`
	ProductPrice decimal.Decimal `json:"product_price"`
	ProductStock int             `json:"product_stock"`
	FarmerID     int64           `json:"farmer_id"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Order struct {
	ID          int64           `json:"id"`
	ConsumerID  int64           `json:"consumer_id"`
	OrderNumber string          `json:"order_number"`
	Status      string          `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Version     int             `json:"version"`
	Items       []OrderItem     `json:"items,omitempty"`
}

// OrderItem is immutable once created. UnitPrice and FarmerID are copied
// from the product at commit time so later catalog edits cannot alter a
// placed order.
type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	ProductID int64           `json:"product_id"`
	FarmerID  int64           `json:"farmer_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	CreatedAt time.Time       `json:"created_at"`
}

const (
	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
	OrderStatusShipped   = "shipped"
	OrderStatusDelivered = "delivered"
	OrderStatusCancelled = "cancelled"
)

const (
	NotificationTypeNewOrder    = "new_order"
	NotificationTypeOrderStatus = "order_status"
)

type Notification struct {
	ID          int64     `json:"id"`
	RecipientID int64     `json:"recipient_id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	OrderID     *int64    `json:"order_id,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}
