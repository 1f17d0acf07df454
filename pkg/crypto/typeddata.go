package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain is the EIP-712 domain separator for this deployment. Binding the
// system name, version and chain id into every digest keeps signed artifacts
// from one deployment unusable against another.
type Domain struct {
	Name    string
	Version string
	ChainID *big.Int
}

// SignableOrder is the fixed, versioned field layout a trader signs.
// The engine-assigned numeric order id is NOT part of the digest: identity
// binding comes from (trader, nonce), which is unique per trader.
type SignableOrder struct {
	Trader   common.Address
	Base     string
	Quote    string
	Amount   *big.Int
	Price    *big.Int // 0 for market orders
	Trigger  *big.Int // 0 unless stop / stop-limit
	Deadline *big.Int // unix seconds, 0 = no expiry
	Kind     uint8
	Side     uint8
	Nonce    *big.Int
}

// SignableTrade is the field layout a matcher signs over a proposed trade.
// The matcher nonce is bound into the digest so each authorization is a
// distinct artifact, but trade replay is rejected by order-state validation
// rather than nonce sequencing.
type SignableTrade struct {
	BuyOrderID  *big.Int
	SellOrderID *big.Int
	Base        string
	Quote       string
	Amount      *big.Int
	Price       *big.Int
	TakerSide   uint8
	Nonce       *big.Int
}

// SignableCancel is the field layout a trader signs to cancel an order.
type SignableCancel struct {
	OrderID *big.Int
	Trader  common.Address
	Nonce   *big.Int
}

// TypedSigner hashes orders, trades and cancels as EIP-712 typed data.
type TypedSigner struct {
	domain Domain
}

func NewTypedSigner(domain Domain) *TypedSigner {
	return &TypedSigner{domain: domain}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
}

var orderType = []apitypes.Type{
	{Name: "trader", Type: "address"},
	{Name: "base", Type: "string"},
	{Name: "quote", Type: "string"},
	{Name: "amount", Type: "uint256"},
	{Name: "price", Type: "uint256"},
	{Name: "trigger", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
	{Name: "kind", Type: "uint8"},
	{Name: "side", Type: "uint8"},
	{Name: "nonce", Type: "uint256"},
}

var tradeType = []apitypes.Type{
	{Name: "buyOrderId", Type: "uint256"},
	{Name: "sellOrderId", Type: "uint256"},
	{Name: "base", Type: "string"},
	{Name: "quote", Type: "string"},
	{Name: "amount", Type: "uint256"},
	{Name: "price", Type: "uint256"},
	{Name: "takerSide", Type: "uint8"},
	{Name: "nonce", Type: "uint256"},
}

var cancelType = []apitypes.Type{
	{Name: "orderId", Type: "uint256"},
	{Name: "trader", Type: "address"},
	{Name: "nonce", Type: "uint256"},
}

// HashOrder returns the 32-byte digest a trader signs for an order.
func (t *TypedSigner) HashOrder(o *SignableOrder) ([]byte, error) {
	return t.digest("Order", orderType, apitypes.TypedDataMessage{
		"trader":   o.Trader.Hex(),
		"base":     o.Base,
		"quote":    o.Quote,
		"amount":   o.Amount.String(),
		"price":    o.Price.String(),
		"trigger":  o.Trigger.String(),
		"deadline": o.Deadline.String(),
		"kind":     fmt.Sprintf("%d", o.Kind),
		"side":     fmt.Sprintf("%d", o.Side),
		"nonce":    o.Nonce.String(),
	})
}

// HashTrade returns the 32-byte digest a matcher signs for a proposed trade.
func (t *TypedSigner) HashTrade(tr *SignableTrade) ([]byte, error) {
	return t.digest("Trade", tradeType, apitypes.TypedDataMessage{
		"buyOrderId":  tr.BuyOrderID.String(),
		"sellOrderId": tr.SellOrderID.String(),
		"base":        tr.Base,
		"quote":       tr.Quote,
		"amount":      tr.Amount.String(),
		"price":       tr.Price.String(),
		"takerSide":   fmt.Sprintf("%d", tr.TakerSide),
		"nonce":       tr.Nonce.String(),
	})
}

// HashCancel returns the 32-byte digest a trader signs to cancel an order.
func (t *TypedSigner) HashCancel(c *SignableCancel) ([]byte, error) {
	return t.digest("Cancel", cancelType, apitypes.TypedDataMessage{
		"orderId": c.OrderID.String(),
		"trader":  c.Trader.Hex(),
		"nonce":   c.Nonce.String(),
	})
}

func (t *TypedSigner) digest(primary string, fields []apitypes.Type, message apitypes.TypedDataMessage) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:    t.domain.Name,
			Version: t.domain.Version,
			ChainId: (*math.HexOrDecimal256)(t.domain.ChainID),
		},
		Message: message,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := typedData.HashStruct(primary, message)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", primary, err)
	}

	// keccak256("\x19\x01" || domainSeparator || structHash)
	raw := make([]byte, 0, 2+len(domainSeparator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}
