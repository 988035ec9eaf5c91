// Package feed adapts message brokers to topic producers: Redis pub/sub for
// order updates and Postgres LISTEN/NOTIFY for executions.
package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderUpdate is the payload of the orders route.
type OrderUpdate struct {
	OrderID   string          `json:"order_id" cbor:"order_id"`
	Account   string          `json:"account" cbor:"account"`
	Symbol    string          `json:"symbol" cbor:"symbol"`
	Side      string          `json:"side" cbor:"side"` // "BUY" or "SELL"
	Type      string          `json:"type" cbor:"type"`
	Status    string          `json:"status" cbor:"status"`
	Price     decimal.Decimal `json:"price" cbor:"price"`
	Quantity  decimal.Decimal `json:"quantity" cbor:"quantity"`
	Filled    decimal.Decimal `json:"filled" cbor:"filled"`
	UpdatedAt time.Time       `json:"updated_at" cbor:"updated_at"`
}

// Execution is the payload of the executions route.
type Execution struct {
	ExecutionID string          `json:"execution_id" cbor:"execution_id"`
	OrderID     string          `json:"order_id" cbor:"order_id"`
	Account     string          `json:"account" cbor:"account"`
	Symbol      string          `json:"symbol" cbor:"symbol"`
	Side        string          `json:"side" cbor:"side"`
	Price       decimal.Decimal `json:"price" cbor:"price"`
	Quantity    decimal.Decimal `json:"quantity" cbor:"quantity"`
	Fee         decimal.Decimal `json:"fee" cbor:"fee"`
	FeeCoin     string          `json:"fee_coin,omitempty" cbor:"fee_coin,omitempty"`
	ExecutedAt  time.Time       `json:"executed_at" cbor:"executed_at"`
}

// Decoder turns one raw broker message into an update value.
type Decoder func(raw []byte) (any, error)

// DecodeJSON decodes raw into a T and returns it by value.
func DecodeJSON[T any](raw []byte) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
