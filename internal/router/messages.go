package router

import (
	apperrors "qstream/internal/errors"
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
	ActionList        = "list"
)

// MessageType tags every server message.
type MessageType string

const (
	TypeSubscribed    MessageType = "subscribed"
	TypeUnsubscribed  MessageType = "unsubscribed"
	TypeNotSubscribed MessageType = "not_subscribed"
	TypeError         MessageType = "error"
	TypeUpdate        MessageType = "update"
	TypeClosed        MessageType = "closed"
	TypePong          MessageType = "pong"
	TypeSubscriptions MessageType = "subscriptions"
)

// Request is one client message.
type Request struct {
	Action string            `json:"action" cbor:"action"`
	ID     string            `json:"id,omitempty" cbor:"id,omitempty"`
	Route  string            `json:"route,omitempty" cbor:"route,omitempty"`
	Params map[string]string `json:"params,omitempty" cbor:"params,omitempty"`
}

// Message is one server message. Updates carry Route, ID, Topic, Seq and
// Payload; acknowledgements carry ID and Topic; errors and closures carry
// Error.
type Message struct {
	Type          MessageType        `json:"type" cbor:"type"`
	ID            string             `json:"id,omitempty" cbor:"id,omitempty"`
	Route         string             `json:"route,omitempty" cbor:"route,omitempty"`
	Topic         string             `json:"topic,omitempty" cbor:"topic,omitempty"`
	Seq           uint64             `json:"seq,omitempty" cbor:"seq,omitempty"`
	Time          int64              `json:"ts,omitempty" cbor:"ts,omitempty"`
	Payload       any                `json:"payload,omitempty" cbor:"payload,omitempty"`
	Error         *ErrorBody         `json:"error,omitempty" cbor:"error,omitempty"`
	Subscriptions []SubscriptionInfo `json:"subscriptions,omitempty" cbor:"subscriptions,omitempty"`
}

// ErrorBody is the wire form of an AppError.
type ErrorBody struct {
	Code    string `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
	Details string `json:"details,omitempty" cbor:"details,omitempty"`
}

// SubscriptionInfo lists one active subscription in a list reply.
type SubscriptionInfo struct {
	ID    string `json:"id" cbor:"id"`
	Route string `json:"route" cbor:"route"`
	Topic string `json:"topic" cbor:"topic"`
}

func errorBody(err error) *ErrorBody {
	appErr := apperrors.WrapError(err, apperrors.ErrCodeInternal, "Internal server error")
	return &ErrorBody{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
	}
}

func errorMessage(id string, err error) Message {
	return Message{Type: TypeError, ID: id, Error: errorBody(err)}
}
