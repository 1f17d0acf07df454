package auth

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bifrost/pkg/core"
	"bifrost/pkg/crypto"
)

func testDomain() crypto.Domain {
	return crypto.Domain{Name: "Bifrost", Version: "1", ChainID: big.NewInt(1337)}
}

func testOrder(s *crypto.Signer, nonce uint64) *core.Order {
	return &core.Order{
		Trader: s.Address(),
		Base:   "WETH",
		Quote:  "USDC",
		Amount: 10,
		Price:  5,
		Side:   core.Buy,
		Kind:   core.Limit,
		Nonce:  nonce,
	}
}

func TestVerifyOrderRoundTrip(t *testing.T) {
	a := New(testDomain())
	trader, err := crypto.GenerateKey()
	require.NoError(t, err)

	o := testOrder(trader, 0)
	sig, err := a.SignOrder(trader, o)
	require.NoError(t, err)

	recovered, err := a.VerifyOrder(o, sig)
	require.NoError(t, err)
	assert.Equal(t, trader.Address(), recovered)
	assert.Equal(t, uint64(1), a.ExpectedNonce(trader.Address()), "nonce advanced")
}

func TestVerifyOrderWrongSigner(t *testing.T) {
	a := New(testDomain())
	trader, _ := crypto.GenerateKey()
	imposter, _ := crypto.GenerateKey()

	o := testOrder(trader, 0)
	sig, err := a.SignOrder(imposter, o) // signed by someone else
	require.NoError(t, err)

	_, err = a.VerifyOrder(o, sig)
	assert.ErrorIs(t, err, core.ErrBadSignature)
	assert.Equal(t, uint64(0), a.ExpectedNonce(trader.Address()), "nonce untouched on failure")
}

func TestVerifyOrderTamperedFields(t *testing.T) {
	a := New(testDomain())
	trader, _ := crypto.GenerateKey()

	o := testOrder(trader, 0)
	sig, err := a.SignOrder(trader, o)
	require.NoError(t, err)

	o.Amount = 1000 // tampered after signing
	_, err = a.VerifyOrder(o, sig)
	assert.ErrorIs(t, err, core.ErrBadSignature)
}

func TestNonceReplayRejected(t *testing.T) {
	a := New(testDomain())
	trader, _ := crypto.GenerateKey()

	o := testOrder(trader, 0)
	sig, _ := a.SignOrder(trader, o)
	_, err := a.VerifyOrder(o, sig)
	require.NoError(t, err)

	// Same signed message again: nonce 0 no longer matches.
	_, err = a.VerifyOrder(o, sig)
	assert.ErrorIs(t, err, core.ErrReplayedNonce)

	// Skipping ahead is also rejected; nonces are strictly sequential.
	o2 := testOrder(trader, 5)
	sig2, _ := a.SignOrder(trader, o2)
	_, err = a.VerifyOrder(o2, sig2)
	assert.ErrorIs(t, err, core.ErrReplayedNonce)

	o3 := testOrder(trader, 1)
	sig3, _ := a.SignOrder(trader, o3)
	_, err = a.VerifyOrder(o3, sig3)
	assert.NoError(t, err)
}

func TestVerifyTradeRequiresMatcherAuthority(t *testing.T) {
	a := New(testDomain())
	matcher, _ := crypto.GenerateKey()
	stranger, _ := crypto.GenerateKey()
	a.GrantMatcher(matcher.Address())

	trade := &core.Trade{
		ID: 1, BuyOrderID: 10, SellOrderID: 11,
		Base: "WETH", Quote: "USDC",
		Amount: 4, Price: 5, TakerSide: core.Buy, Nonce: 7,
	}

	sig, err := a.SignTrade(matcher, trade)
	require.NoError(t, err)
	recovered, err := a.VerifyTrade(trade, sig)
	require.NoError(t, err)
	assert.Equal(t, matcher.Address(), recovered)

	badSig, err := a.SignTrade(stranger, trade)
	require.NoError(t, err)
	_, err = a.VerifyTrade(trade, badSig)
	assert.ErrorIs(t, err, core.ErrUnauthorizedMatcher)

	a.RevokeMatcher(matcher.Address())
	_, err = a.VerifyTrade(trade, sig)
	assert.ErrorIs(t, err, core.ErrUnauthorizedMatcher)
}

func TestVerifyCancel(t *testing.T) {
	a := New(testDomain())
	trader, _ := crypto.GenerateKey()

	sig, err := a.SignCancel(trader, 42, trader.Address(), 0)
	require.NoError(t, err)
	require.NoError(t, a.VerifyCancel(42, trader.Address(), 0, sig))

	// Replay of the cancel fails the nonce check.
	err = a.VerifyCancel(42, trader.Address(), 0, sig)
	assert.ErrorIs(t, err, core.ErrReplayedNonce)
}

func TestDomainSeparation(t *testing.T) {
	a1 := New(crypto.Domain{Name: "Bifrost", Version: "1", ChainID: big.NewInt(1)})
	a2 := New(crypto.Domain{Name: "Bifrost", Version: "1", ChainID: big.NewInt(2)})
	trader, _ := crypto.GenerateKey()

	o := testOrder(trader, 0)
	sig, err := a1.SignOrder(trader, o)
	require.NoError(t, err)

	// A signature produced for one deployment is garbage in another.
	_, err = a2.VerifyOrder(o, sig)
	assert.ErrorIs(t, err, core.ErrBadSignature)
}
