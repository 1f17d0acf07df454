package api

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"bifrost/pkg/core"
	"bifrost/pkg/core/book"
)

// PlaceOrderRequest is a signed order submission. The signature covers the
// typed-data digest of the order fields; the engine re-derives and checks it.
type PlaceOrderRequest struct {
	Trader    string `json:"trader" validate:"required,eth_addr"`
	Base      string `json:"base" validate:"required,uppercase"`
	Quote     string `json:"quote" validate:"required,uppercase"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Price     int64  `json:"price" validate:"gte=0"`
	Trigger   int64  `json:"trigger" validate:"gte=0"`
	Deadline  int64  `json:"deadline" validate:"gte=0"`
	Side      string `json:"side" validate:"oneof=buy sell"`
	Kind      string `json:"kind" validate:"oneof=market limit stop stop_limit"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature" validate:"required"`
}

func (r *PlaceOrderRequest) toOrder() (*core.Order, []byte, error) {
	side := core.Buy
	if r.Side == "sell" {
		side = core.Sell
	}

	var kind core.OrderKind
	switch r.Kind {
	case "market":
		kind = core.Market
	case "limit":
		kind = core.Limit
	case "stop":
		kind = core.Stop
	case "stop_limit":
		kind = core.StopLimit
	}

	sig, err := decodeHex(r.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: signature: %v", core.ErrInvalidInput, err)
	}

	return &core.Order{
		Trader:   common.HexToAddress(r.Trader),
		Base:     r.Base,
		Quote:    r.Quote,
		Amount:   r.Amount,
		Price:    r.Price,
		Trigger:  r.Trigger,
		Deadline: r.Deadline,
		Side:     side,
		Kind:     kind,
		Nonce:    r.Nonce,
	}, sig, nil
}

// PlaceOCORequest submits two legs as a one-cancels-other pair.
type PlaceOCORequest struct {
	First  PlaceOrderRequest `json:"first" validate:"required"`
	Second PlaceOrderRequest `json:"second" validate:"required"`
}

// CancelRequest withdraws an order, signed by its owner.
type CancelRequest struct {
	OrderID   uint64 `json:"order_id" validate:"gt=0"`
	Trader    string `json:"trader" validate:"required,eth_addr"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature" validate:"required"`
}

// SettleEntry is one matcher-signed trade in a settlement batch.
type SettleEntry struct {
	Trade     core.Trade `json:"trade"`
	Signature string     `json:"signature" validate:"required"`
}

// SettleRequest carries an external matcher's batch.
type SettleRequest struct {
	Trades []SettleEntry `json:"trades" validate:"required,min=1,dive"`
}

// TransferRequest moves custodied funds in or out of the ledger.
type TransferRequest struct {
	Principal string `json:"principal" validate:"required,eth_addr"`
	Asset     string `json:"asset" validate:"required,uppercase"`
	Amount    int64  `json:"amount" validate:"gt=0"`
}

type PlaceOrderResponse struct {
	Order  *core.Order   `json:"order"`
	Trades []*core.Trade `json:"trades,omitempty"`
}

type PlaceOCOResponse struct {
	First  *PlaceOrderResponse `json:"first"`
	Second *PlaceOrderResponse `json:"second"`
}

type SettleResult struct {
	TradeID uint64 `json:"trade_id"`
	Settled bool   `json:"settled"`
	Error   string `json:"error,omitempty"`
}

type BookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []book.Level `json:"bids"`
	Asks      []book.Level `json:"asks"`
	LastPrice int64        `json:"last_price"`
	Timestamp int64        `json:"timestamp"`
}

type BalanceResponse struct {
	Principal string `json:"principal"`
	Asset     string `json:"asset"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

type NonceResponse struct {
	Principal string `json:"principal"`
	Nonce     uint64 `json:"nonce"`
}

type StatusResponse struct {
	Height uint64 `json:"height"`
	Pairs  int    `json:"pairs"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// TradeUpdate is pushed to websocket subscribers of "trades:SYMBOL".
type TradeUpdate struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol"`
	Trade     *core.Trade `json:"trade"`
	Timestamp int64       `json:"timestamp"`
}

// BookUpdate is pushed to websocket subscribers of "book:SYMBOL".
type BookUpdate struct {
	Type      string       `json:"type"`
	Symbol    string       `json:"symbol"`
	Bids      []book.Level `json:"bids"`
	Asks      []book.Level `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// WSSubscribeRequest is the client -> server subscription envelope.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrOrderNotFound),
		errors.Is(err, core.ErrUnknownPair),
		errors.Is(err, core.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, core.ErrBadSignature),
		errors.Is(err, core.ErrUnauthorizedMatcher):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrReplayedNonce),
		errors.Is(err, core.ErrOrderNotActive),
		errors.Is(err, core.ErrInvalidTrade):
		return http.StatusConflict
	case errors.Is(err, core.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, core.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrMarketPaused),
		errors.Is(err, core.ErrBlacklisted),
		errors.Is(err, core.ErrInvariantViolation):
		return http.StatusForbidden
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
