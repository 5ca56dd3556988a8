package settlement

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"prxswap/observability/logging"
)

// Side selects the trade contract entry point.
type Side string

const (
	// SideBuy spends the stable token to acquire the native token.
	SideBuy Side = "buy"
	// SideSell spends the native token to acquire the stable token.
	SideSell Side = "sell"
)

// OpKind tags the settlement being performed.
type OpKind uint8

const (
	OpTransfer OpKind = iota + 1
	OpBuyTrade
	OpSellTrade
)

func (k OpKind) String() string {
	switch k {
	case OpTransfer:
		return "transfer"
	case OpBuyTrade:
		return "buy_trade"
	case OpSellTrade:
		return "sell_trade"
	default:
		return "unknown"
	}
}

// Operation names a settlement together with the token spent and the token
// received. Transfers spend and receive the same token.
type Operation struct {
	Kind     OpKind
	Spent    string
	Received string
}

// TransferOf returns the operation moving token between two addresses.
func TransferOf(token string) Operation {
	return Operation{Kind: OpTransfer, Spent: token, Received: token}
}

// Pair identifies the two pool tokens by symbol.
type Pair struct {
	Native string
	Stable string
}

// Normalize upper-cases both symbols.
func (p Pair) Normalize() Pair {
	return Pair{Native: normalizeSymbol(p.Native), Stable: normalizeSymbol(p.Stable)}
}

// Supports reports whether symbol is one of the pool tokens.
func (p Pair) Supports(symbol string) bool {
	s := normalizeSymbol(symbol)
	return s != "" && (s == p.Native || s == p.Stable)
}

// Buy returns the operation spending the stable token for the native token.
func (p Pair) Buy() Operation {
	return Operation{Kind: OpBuyTrade, Spent: p.Stable, Received: p.Native}
}

// Sell returns the operation spending the native token for the stable token.
func (p Pair) Sell() Operation {
	return Operation{Kind: OpSellTrade, Spent: p.Native, Received: p.Stable}
}

// Trade returns the operation for side.
func (p Pair) Trade(side Side) (Operation, error) {
	switch Side(strings.ToLower(strings.TrimSpace(string(side)))) {
	case SideBuy:
		return p.Buy(), nil
	case SideSell:
		return p.Sell(), nil
	default:
		return Operation{}, fmt.Errorf("unknown trade side %q", side)
	}
}

// Reserves are the pool balances held by the trade contract.
type Reserves struct {
	Native *big.Int
	Stable *big.Int
}

// Of returns the reserve for symbol within pair.
func (r Reserves) Of(p Pair, symbol string) *big.Int {
	if normalizeSymbol(symbol) == p.Native {
		return r.Native
	}
	return r.Stable
}

// Receipt is the result of a mined contract call.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// Currency is a ledger currency registry entry.
type Currency struct {
	ID        string
	Symbol    string
	Name      string
	CreatedAt time.Time
}

// RecordKind classifies ledger transaction records.
type RecordKind string

const (
	KindTransfer RecordKind = "transfer"
	KindTrade    RecordKind = "trade"
	KindPayment  RecordKind = "payment"
)

// Direction is the fiat bridge leg, seen from the custodian.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Record is an append-only ledger entry written once per executed on-chain
// movement.
type Record struct {
	Kind               RecordKind
	SpentAmount        *big.Int
	SpentCurrencyID    string
	ReceivedAmount     *big.Int
	ReceivedCurrencyID string
	TxHash             string
	SenderID           string
	ReceiverID         string
	Direction          Direction
	IntentID           string
	Reversal           bool
}

// CardDetails identifies the card a payout is sent to.
type CardDetails struct {
	PaymentMethodID string
	Email           string
	Name            string
}

// LogValue keeps the payment method out of structured logs.
func (c CardDetails) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("payment_method", logging.MaskValue(c.PaymentMethodID)),
		logging.MaskField("email", c.Email),
	)
}

// TransferRequest moves Amount of Token from From to To.
type TransferRequest struct {
	Token  string
	From   common.Address
	To     common.Address
	Amount string
}

// TradeRequest exchanges pool tokens for Trader. InputCurrency names the token
// Amount is denominated in: the spent token for exact-in trades, the received
// token for exact-out trades.
type TradeRequest struct {
	Side          Side
	InputCurrency string
	Amount        string
	Trader        common.Address
}

// BuyRequest starts a card purchase of Amount of Currency for Address.
type BuyRequest struct {
	Amount   string
	Address  common.Address
	Currency string
}

// SellRequest starts a card payout for Amount of Currency held by Address.
type SellRequest struct {
	Amount   string
	Address  common.Address
	Currency string
	Card     CardDetails
}

// Settlement describes a completed, recorded settlement.
type Settlement struct {
	Operation Operation
	RecordID  string
	TxHash    string
	Spent     *big.Int
	Received  *big.Int
	Direction Direction
	IntentID  string
	USD       decimal.Decimal
}

// IntentHandle is returned when a fiat bridge operation is started.
type IntentHandle struct {
	IntentID     string
	ClientSecret string
	USD          decimal.Decimal
	DebitTxHash  string
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
