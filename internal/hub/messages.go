package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"trade_core/internal/domain"
)

// Message types on the client connection.
const (
	TypeSubscribe             = "subscribe"
	TypeUnsubscribe           = "unsubscribe"
	TypeSubscriptionSuccess   = "subscription_success"
	TypeUnsubscriptionSuccess = "unsubscription_success"
	TypePriceUpdate           = "price_update"
	TypeOrderUpdate           = "order_update"
)

var ErrMalformedMessage = errors.New("malformed client message")

// ClientMessage is an inbound request from a client.
type ClientMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// SubscriptionMessage acknowledges a subscribe or unsubscribe.
type SubscriptionMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// PriceUpdateMessage carries one tick to subscribers of Symbol.
type PriceUpdateMessage struct {
	Type      string           `json:"type"`
	Symbol    string           `json:"symbol"`
	Data      domain.PriceTick `json:"data"`
	Timestamp time.Time        `json:"timestamp"`
}

// OrderUpdateMessage carries an order state change to its owner.
type OrderUpdateMessage struct {
	Type      string               `json:"type"`
	Data      domain.OrderSnapshot `json:"data"`
	Timestamp time.Time            `json:"timestamp"`
}

// ParseClientMessage decodes and validates an inbound message.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg.Symbol = strings.ToUpper(strings.TrimSpace(msg.Symbol))
	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
	default:
		return msg, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
	if msg.Symbol == "" {
		return msg, fmt.Errorf("%w: symbol is required", ErrMalformedMessage)
	}
	return msg, nil
}
