package settlement

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ChainGateway submits calls to the token contracts and the trade contract.
// State-changing calls block until the transaction is mined. Failures wrap
// ErrChainTransport, ErrChainReverted or ErrChainUnconfirmed.
type ChainGateway interface {
	BalanceOf(ctx context.Context, owner common.Address, token string) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address, token string) (*big.Int, error)
	Approve(ctx context.Context, owner, spender common.Address, token string, amount *big.Int) (Receipt, error)
	ExecuteTransfer(ctx context.Context, from, to common.Address, token string, amount *big.Int) (Receipt, error)
	ExecuteTrade(ctx context.Context, trader common.Address, side Side, amount *big.Int) (Receipt, error)
	QuoteReserves(ctx context.Context) (Reserves, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
}

// LedgerGateway persists transaction records, the currency registry and the
// wallet balance cache. Lookups that miss wrap ErrCurrencyNotFound or
// ErrUserNotFound.
type LedgerGateway interface {
	FindCurrency(ctx context.Context, symbol string) (Currency, error)
	AppendTransaction(ctx context.Context, record Record) (string, error)
	ResolveUserByAddress(ctx context.Context, address common.Address) (string, error)
	UpdateCachedBalance(ctx context.Context, userID, token string, amount *big.Int) error
	WalletLocked(ctx context.Context, address common.Address) (bool, error)
	IntentSettled(ctx context.Context, intentID string) (bool, error)
	AppendPriceSample(ctx context.Context, symbol string, price *big.Int) error
}

// Unreconciled describes a settlement whose on-chain effect committed but
// whose ledger side, or compensation, did not complete.
type Unreconciled struct {
	Operation string
	Class     Class
	Stage     Stage
	Code      string
	Token     string
	Amount    string
	TxHash    string
	FundsAt   string
	IntentID  string
	Detail    string
	At        time.Time
}

// Journal stores unreconciled settlements for out-of-band repair.
type Journal interface {
	RecordUnreconciled(ctx context.Context, entry Unreconciled) error
}

// IntentStatus is the processor-reported state of a payment or payout intent.
type IntentStatus string

const (
	StatusSucceeded  IntentStatus = "succeeded"
	StatusProcessing IntentStatus = "processing"
	StatusCanceled   IntentStatus = "canceled"
)

// Intent is a payment processor intent.
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	Metadata     map[string]string
}

// PaymentGateway creates and inspects card processor intents. USD amounts are
// rounded to cents by the gateway.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, usd decimal.Decimal, metadata map[string]string) (Intent, error)
	ConfirmPaymentIntent(ctx context.Context, id string) (Intent, error)
	CreatePayoutIntent(ctx context.Context, usd decimal.Decimal, metadata map[string]string, card CardDetails) (Intent, error)
	ConfirmPayoutIntent(ctx context.Context, id string) (Intent, error)
}

// Metrics receives orchestrator telemetry.
type Metrics interface {
	Observe(operation, outcome string, duration time.Duration)
	RecordStageError(operation, stage, code string)
	RecordCompensation(outcome string)
	RecordUnreconciled(operation string)
}

type nopMetrics struct{}

func (nopMetrics) Observe(string, string, time.Duration) {}
func (nopMetrics) RecordStageError(string, string, string) {}
func (nopMetrics) RecordCompensation(string) {}
func (nopMetrics) RecordUnreconciled(string) {}
