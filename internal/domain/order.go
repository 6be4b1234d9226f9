package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ItemID identifies a collectible item kind inside the asset registry.
type ItemID uint64

// OrderSide indicates whether the owner is buying or selling items.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Fillable reports whether an order in this status accepts fills and
// cancellation.
func (s OrderStatus) Fillable() bool {
	return s == OrderStatusOpen || s == OrderStatusPartiallyFilled
}

// Order is a standing limit order to buy or sell Amount units of Item at
// UnitPrice units of PaymentToken each.
type Order struct {
	ID              uint64         `json:"id"`
	Item            ItemID         `json:"item"`
	Owner           common.Address `json:"owner"`
	PaymentToken    common.Address `json:"payment_token"`
	UnitPrice       Amount         `json:"unit_price"`
	Amount          Amount         `json:"amount"`
	RemainingAmount Amount         `json:"remaining_amount"`
	Side            OrderSide      `json:"side"`
	Status          OrderStatus    `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// IsBuy reports whether the order escrows payment to acquire items.
func (o Order) IsBuy() bool {
	return o.Side == OrderSideBuy
}

// PlaceOrderRequest carries the caller-supplied fields of a new order.
type PlaceOrderRequest struct {
	Item         ItemID         `json:"item"`
	PaymentToken common.Address `json:"payment_token"`
	UnitPrice    Amount         `json:"unit_price"`
	Amount       Amount         `json:"amount"`
	Side         OrderSide      `json:"side"`
}

// OrderFilter narrows order listings. Zero fields match everything.
type OrderFilter struct {
	Owner  *common.Address
	Status OrderStatus
	Item   *ItemID
}
