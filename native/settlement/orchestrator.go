package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"prxswap/native/amm"
)

const (
	// DefaultGasLimit is the per-call gas budget used for the upfront gas check.
	DefaultGasLimit uint64 = 1_000_000
	// DefaultGasSafetyFactor covers the approve call and the execute call.
	DefaultGasSafetyFactor int64 = 2

	priceSampleTimeout = 30 * time.Second
)

// Config describes the tokens and contracts the orchestrator settles against.
type Config struct {
	Pair Pair

	// Spender is the trade contract approved before every movement.
	Spender common.Address

	// Custodian holds fiat bridge inventory.
	Custodian common.Address

	GasLimit        uint64
	GasSafetyFactor int64
}

// Orchestrator sequences pricing, chain calls, ledger writes and card
// processor calls into settlements.
type Orchestrator struct {
	cfg      Config
	chain    ChainGateway
	ledger   LedgerGateway
	payments PaymentGateway
	journal  Journal
	locker   Locker
	metrics  Metrics
	meter    metric.MeterProvider
	otlp     instruments
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	holds    HoldStore

	background sync.WaitGroup
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithPayments enables the fiat bridge.
func WithPayments(p PaymentGateway) Option {
	return func(o *Orchestrator) { o.payments = p }
}

// WithJournal records unreconciled settlements.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithHoldStore persists intents held after a failed journal write. The
// default keeps them in memory.
func WithHoldStore(h HoldStore) Option {
	return func(o *Orchestrator) { o.holds = h }
}

// WithLocker overrides the default in-process locker.
func WithLocker(l Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithMetrics supplies the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Orchestrator) { o.meter = mp }
}

// WithLogger supplies the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

// New builds an orchestrator. Chain and ledger gateways are required.
func New(cfg Config, chain ChainGateway, ledger LedgerGateway, opts ...Option) (*Orchestrator, error) {
	if chain == nil {
		return nil, fmt.Errorf("%w: chain gateway", ErrNotConfigured)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger gateway", ErrNotConfigured)
	}
	cfg.Pair = cfg.Pair.Normalize()
	if cfg.Pair.Native == "" || cfg.Pair.Stable == "" || cfg.Pair.Native == cfg.Pair.Stable {
		return nil, fmt.Errorf("settlement: invalid token pair %q/%q", cfg.Pair.Native, cfg.Pair.Stable)
	}
	if cfg.Spender == (common.Address{}) {
		return nil, fmt.Errorf("settlement: spender contract required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}
	if cfg.GasSafetyFactor <= 0 {
		cfg.GasSafetyFactor = DefaultGasSafetyFactor
	}
	o := &Orchestrator{
		cfg:    cfg,
		chain:  chain,
		ledger: ledger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.locker == nil {
		o.locker = NewLocalLocker()
	}
	if o.holds == nil {
		o.holds = NewMemoryHolds()
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("prxswap/settlement")
	}
	if o.meter == nil {
		o.meter = otel.GetMeterProvider()
	}
	o.otlp = newInstruments(o.meter)
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Pair returns the configured token pair.
func (o *Orchestrator) Pair() Pair { return o.cfg.Pair }

// Wait blocks until background price sampling has finished.
func (o *Orchestrator) Wait() { o.background.Wait() }

// movement is one approve, verify, execute sequence spending amount of token
// held by owner.
type movement struct {
	op        OpKind
	owner     common.Address
	token     string
	amount    *big.Int
	checkLock bool
	execute   func(ctx context.Context) (Receipt, error)
}

// move runs the pre-flight checks and the on-chain sequence for m. The
// approve, verify and execute calls run under the owner's lock so concurrent
// settlements from one address cannot interleave between the allowance check
// and the execute call.
func (o *Orchestrator) move(ctx context.Context, m movement) (Receipt, error) {
	display := amm.FormatAmount(m.amount)
	if m.checkLock {
		if err := o.checkWallet(ctx, m.op, m.owner, m.token, display); err != nil {
			return Receipt{}, err
		}
	}
	if err := o.checkGas(ctx, m); err != nil {
		return Receipt{}, err
	}

	unlock, err := o.locker.Lock(ctx, AddressKey(m.owner))
	if err != nil {
		return Receipt{}, &Error{Class: ClassExecution, Code: ErrAddressBusy, Stage: StageApprove, Op: m.op, Token: m.token, Amount: display, Err: fmt.Errorf("lock %s: %w", m.owner.Hex(), err)}
	}
	defer unlock()

	if receipt, err := o.chain.Approve(ctx, m.owner, o.cfg.Spender, m.token, m.amount); err != nil {
		return Receipt{}, chainFailure(m.op, StageApprove, m.token, display, receipt, err)
	}
	allowance, err := o.chain.Allowance(ctx, m.owner, o.cfg.Spender, m.token)
	if err != nil {
		return Receipt{}, chainFailure(m.op, StageVerify, m.token, display, Receipt{}, err)
	}
	if allowance == nil || allowance.Cmp(m.amount) < 0 {
		return Receipt{}, precondition(m.op, StageVerify, ErrAllowanceTooLow, m.token, display,
			fmt.Errorf("allowance %s after approval", amm.FormatAmount(allowance)))
	}
	balance, err := o.chain.BalanceOf(ctx, m.owner, m.token)
	if err != nil {
		return Receipt{}, chainFailure(m.op, StageVerify, m.token, display, Receipt{}, err)
	}
	if balance == nil || balance.Cmp(m.amount) < 0 {
		return Receipt{}, precondition(m.op, StageVerify, ErrInsufficientTokenBalance, m.token, display,
			fmt.Errorf("balance %s", amm.FormatAmount(balance)))
	}

	receipt, err := m.execute(ctx)
	if err != nil {
		return receipt, chainFailure(m.op, StageExecute, m.token, display, receipt, err)
	}
	if strings.TrimSpace(receipt.TxHash) == "" {
		return receipt, &Error{Class: ClassPostExecution, Code: ErrChainUnconfirmed, Stage: StageExecute, Op: m.op, Token: m.token, Amount: display, Err: errors.New("receipt without transaction hash")}
	}
	return receipt, nil
}

// checkWallet rejects outbound movement from locked or unknown wallets. It
// only reads the ledger.
func (o *Orchestrator) checkWallet(ctx context.Context, op OpKind, owner common.Address, token, amount string) error {
	locked, err := o.ledger.WalletLocked(ctx, owner)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return precondition(op, StageValidate, ErrUserNotFound, token, amount, err)
		}
		return &Error{Class: ClassExecution, Code: ErrLedger, Stage: StageValidate, Op: op, Token: token, Amount: amount, Err: err}
	}
	if locked {
		return precondition(op, StageValidate, ErrWalletLocked, token, amount, nil)
	}
	return nil
}

// checkGas rejects a movement when the owner cannot pay for the approve and
// execute calls at the current gas price.
func (o *Orchestrator) checkGas(ctx context.Context, m movement) error {
	display := amm.FormatAmount(m.amount)
	price, err := o.chain.GasPrice(ctx)
	if err != nil {
		return chainFailure(m.op, StageGas, m.token, display, Receipt{}, err)
	}
	native, err := o.chain.NativeBalance(ctx, m.owner)
	if err != nil {
		return chainFailure(m.op, StageGas, m.token, display, Receipt{}, err)
	}
	upfront := new(big.Int).Mul(price, new(big.Int).SetUint64(o.cfg.GasLimit))
	upfront.Mul(upfront, big.NewInt(o.cfg.GasSafetyFactor))
	if native == nil || native.Cmp(upfront) < 0 {
		return precondition(m.op, StageGas, ErrInsufficientGas, m.token, display,
			fmt.Errorf("%s native available, %s required", amm.FormatAmount(native), amm.FormatAmount(upfront)))
	}
	return nil
}

type balanceRef struct {
	userID  string
	address common.Address
	token   string
}

// refresh rebuilds cached balances from fresh chain reads.
func (o *Orchestrator) refresh(ctx context.Context, refs ...balanceRef) error {
	var g errgroup.Group
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			bal, err := o.chain.BalanceOf(ctx, ref.address, ref.token)
			if err != nil {
				return fmt.Errorf("read %s balance of %s: %w", ref.token, ref.address.Hex(), err)
			}
			if err := o.ledger.UpdateCachedBalance(ctx, ref.userID, ref.token, bal); err != nil {
				return fmt.Errorf("cache %s balance of %s: %w", ref.token, ref.address.Hex(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// samplePrice appends a spot price sample in the background. Failures are
// logged and never reach the caller.
func (o *Orchestrator) samplePrice(ctx context.Context) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), priceSampleTimeout)
		defer cancel()
		price, err := o.spotPrice(ctx)
		if err == nil {
			err = o.ledger.AppendPriceSample(ctx, o.cfg.Pair.Native, price)
		}
		if err != nil {
			o.logger.Warn("price sample failed", slog.String("token", o.cfg.Pair.Native), slog.Any("error", err))
		}
	}()
}

func (o *Orchestrator) spotPrice(ctx context.Context) (*big.Int, error) {
	reserves, err := o.chain.QuoteReserves(ctx)
	if err != nil {
		return nil, err
	}
	return amm.SpotPrice(reserves.Native, reserves.Stable)
}

// CurrentPrice returns the native token price in stable units, read from
// fresh reserves.
func (o *Orchestrator) CurrentPrice(ctx context.Context) (string, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.current_price")
	defer span.End()
	price, err := o.spotPrice(ctx)
	if err != nil {
		if errors.Is(err, amm.ErrInvalidQuoteInput) {
			return "", precondition(0, StageQuote, amm.ErrInvalidQuoteInput, o.cfg.Pair.Native, "", err)
		}
		return "", chainFailure(0, StageQuote, o.cfg.Pair.Native, "", Receipt{}, err)
	}
	return amm.FormatAmount(price), nil
}

// resolve looks up the user owning address.
func (o *Orchestrator) resolve(ctx context.Context, address common.Address) (string, error) {
	id, err := o.ledger.ResolveUserByAddress(ctx, address)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, address.Hex())
	}
	return id, nil
}

func (o *Orchestrator) parseAmount(op OpKind, token, raw string) (*big.Int, error) {
	amount, err := amm.ParseAmount(raw)
	if err != nil {
		return nil, precondition(op, StageValidate, ErrInvalidAmount, token, strings.TrimSpace(raw), err)
	}
	if amount.Sign() <= 0 {
		return nil, precondition(op, StageValidate, ErrInvalidAmount, token, strings.TrimSpace(raw), errors.New("amount must be positive"))
	}
	return amount, nil
}

// postExecution wraps a failure that happened after the on-chain effect.
func postExecution(op OpKind, stage Stage, code error, token string, amount *big.Int, txHash string, cause error) *Error {
	return &Error{Class: ClassPostExecution, Code: code, Stage: stage, Op: op, Token: token, Amount: amm.FormatAmount(amount), TxHash: txHash, Err: cause}
}

// ledgerCode maps a ledger failure onto the matching error code.
func ledgerCode(err error) error {
	switch {
	case errors.Is(err, ErrCurrencyNotFound):
		return ErrCurrencyNotFound
	case errors.Is(err, ErrUserNotFound):
		return ErrUserNotFound
	default:
		return ErrLedger
	}
}

// finish records telemetry for a completed operation and journals failures
// that left the ledger behind the chain.
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, name string, start time.Time, intentID string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		var se *Error
		if errors.As(err, &se) {
			outcome = string(se.Class)
			o.metrics.RecordStageError(name, string(se.Stage), se.CodeName())
			span.SetAttributes(
				attribute.String("settlement.class", string(se.Class)),
				attribute.String("settlement.stage", string(se.Stage)),
			)
			if se.Class == ClassPostExecution || se.Class == ClassCompensation {
				o.journalEntry(ctx, name, intentID, se)
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		o.logFailure(ctx, name, err)
	}
	elapsed := o.now().Sub(start)
	o.metrics.Observe(name, outcome, elapsed)
	o.otlp.record(ctx, name, outcome, elapsed)
}

func (o *Orchestrator) logFailure(ctx context.Context, name string, err error) {
	var se *Error
	if !errors.As(err, &se) {
		o.logger.ErrorContext(ctx, "settlement failed", slog.String("operation", name), slog.Any("error", err))
		return
	}
	attrs := []any{
		slog.String("operation", name),
		slog.String("class", string(se.Class)),
		slog.String("stage", string(se.Stage)),
		slog.String("code", se.CodeName()),
		slog.String("token", se.Token),
		slog.String("amount", se.Amount),
		slog.Any("error", err),
	}
	if se.TxHash != "" {
		attrs = append(attrs, slog.String("tx_hash", se.TxHash))
	}
	switch se.Class {
	case ClassPrecondition:
		o.logger.InfoContext(ctx, "settlement rejected", attrs...)
	case ClassExecution:
		o.logger.WarnContext(ctx, "settlement failed", attrs...)
	default:
		o.logger.ErrorContext(ctx, "settlement requires reconciliation", attrs...)
	}
}

// journalEntry records se for repair. An intent whose entry cannot be written
// is held so a later confirmation cannot move funds a second time.
func (o *Orchestrator) journalEntry(ctx context.Context, name, intentID string, se *Error) {
	o.metrics.RecordUnreconciled(name)
	if o.journal == nil {
		o.hold(ctx, intentID, "no journal configured")
		return
	}
	entry := Unreconciled{
		Operation: name,
		Class:     se.Class,
		Stage:     se.Stage,
		Code:      se.CodeName(),
		Token:     se.Token,
		Amount:    se.Amount,
		TxHash:    se.TxHash,
		FundsAt:   se.FundsAt,
		IntentID:  intentID,
		Detail:    se.Error(),
		At:        o.now().UTC(),
	}
	if err := o.journal.RecordUnreconciled(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.ErrorContext(ctx, "journal unreconciled settlement", slog.String("operation", name), slog.Any("error", err))
		o.hold(ctx, intentID, se.Error())
	}
}

func (o *Orchestrator) hold(ctx context.Context, intentID, reason string) {
	if intentID == "" {
		return
	}
	if err := o.holds.Hold(context.WithoutCancel(ctx), intentID, reason); err != nil {
		o.logger.ErrorContext(ctx, "persist intent hold", slog.String("intent_id", intentID), slog.Any("error", err))
	}
	o.logger.ErrorContext(ctx, "intent held for reconciliation", slog.String("intent_id", intentID))
}
