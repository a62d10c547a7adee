package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"

	TypeMetrics      = "metrics"
	TypeNotification = "notification"
	TypeError        = "error"
	TypePong         = "pong"
	TypeMarketData   = "marketData"

	TopicPortfolio  = "portfolio"
	TopicMarketData = "marketData"
)

// Inbound is a client request. Topics is only read for subscribe and
// unsubscribe.
type Inbound struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

type topicRequest struct {
	Topics []string `validate:"required,min=1,dive,notblank"`
}

// Outbound is every server-to-client frame.
type Outbound struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type MarketTick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownType      = errors.New("unknown message type")
	ErrInvalidTopics    = errors.New("topics must be a non-empty list of non-empty strings")
)

// parseInbound decodes and validates one client frame.
func parseInbound(v *validator.Validate, raw []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch msg.Type {
	case TypePing:
		return msg, nil
	case TypeSubscribe, TypeUnsubscribe:
		if err := v.Struct(topicRequest{Topics: msg.Topics}); err != nil {
			return Inbound{}, ErrInvalidTopics
		}
		for i, t := range msg.Topics {
			msg.Topics[i] = strings.TrimSpace(t)
		}
		return msg, nil
	case "":
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}
