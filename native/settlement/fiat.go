package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"prxswap/native/amm"
)

const (
	opBuyWithCard  = "buy_with_card"
	opConfirmBuy   = "confirm_buy"
	opSellForCard  = "sell_for_card"
	opConfirmSell  = "confirm_sell"
	opFiatSettled  = "fiat_settled"
	opFiatReversal = "fiat_reversal"
)

// usdValue prices amount of currency in USD. The stable token is pegged one to
// one; the native token is valued along the curve against the stable reserve.
// Buys are priced as the stable input needed to release amount, sells as the
// stable output amount would release.
func (o *Orchestrator) usdValue(ctx context.Context, currency string, amount *big.Int, dir FiatDirection) (decimal.Decimal, error) {
	if currency == o.cfg.Pair.Stable {
		return amm.ToDecimal(amount), nil
	}
	reserves, err := o.chain.QuoteReserves(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	var stable *big.Int
	if dir == FiatBuy {
		stable, err = amm.AmountIn(reserves.Stable, reserves.Native, amount)
	} else {
		stable, err = amm.AmountOut(reserves.Native, reserves.Stable, amount)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return amm.ToDecimal(stable), nil
}

// BuyWithCard opens a card payment intent for amount of currency. No tokens
// move until ConfirmBuy sees the payment succeed.
func (o *Orchestrator) BuyWithCard(ctx context.Context, req BuyRequest) (handle *IntentHandle, err error) {
	start := o.now()
	currency := normalizeSymbol(req.Currency)
	ctx, span := o.tracer.Start(ctx, "settlement.buy_with_card", trace.WithAttributes(
		attribute.String("currency", currency),
		attribute.String("address", req.Address.Hex()),
	))
	defer span.End()
	defer func() { o.finish(ctx, span, opBuyWithCard, start, "", err) }()

	if err := o.requirePayments(); err != nil {
		return nil, err
	}
	if !o.cfg.Pair.Supports(currency) {
		return nil, precondition(0, StageValidate, ErrUnsupportedCurrency, currency, req.Amount, nil)
	}
	amount, err := o.parseAmount(0, currency, req.Amount)
	if err != nil {
		return nil, err
	}
	userID, err := o.resolve(ctx, req.Address)
	if err != nil {
		return nil, precondition(0, StageValidate, ledgerCode(err), currency, req.Amount, err)
	}
	usd, err := o.usdValue(ctx, currency, amount, FiatBuy)
	if err != nil {
		return nil, o.quoteFailure(currency, req.Amount, err)
	}
	md := IntentMetadata{
		Version:   MetadataVersion,
		Direction: FiatBuy,
		UserID:    userID,
		Address:   req.Address,
		Currency:  currency,
		Amount:    amount,
		USD:       usd,
	}
	intent, err := o.payments.CreatePaymentIntent(ctx, usd, md.Encode())
	if err != nil {
		return nil, &Error{Class: ClassExecution, Code: ErrPaymentGateway, Stage: StagePayment, Token: currency, Amount: req.Amount, Err: err}
	}
	span.SetAttributes(attribute.String("intent_id", intent.ID))
	o.logger.InfoContext(ctx, "card purchase opened",
		"intent_id", intent.ID,
		"currency", currency,
		"amount", amm.FormatAmount(amount),
		"usd", usd.String(),
	)
	return &IntentHandle{IntentID: intent.ID, ClientSecret: intent.ClientSecret, USD: usd}, nil
}

// ConfirmBuy completes a card purchase once the processor reports the payment
// succeeded. Tokens leave the custodian only after that confirmation, and an
// intent is settled at most once.
func (o *Orchestrator) ConfirmBuy(ctx context.Context, intentID string) (settled *Settlement, err error) {
	start := o.now()
	intentID = strings.TrimSpace(intentID)
	ctx, span := o.tracer.Start(ctx, "settlement.confirm_buy", trace.WithAttributes(attribute.String("intent_id", intentID)))
	defer span.End()
	release := func() {}
	defer func() {
		o.finish(ctx, span, opConfirmBuy, start, intentID, err)
		release()
	}()

	if err := o.requirePayments(); err != nil {
		return nil, err
	}
	var md IntentMetadata
	md, release, err = o.claimIntent(ctx, intentID, FiatBuy, o.payments.ConfirmPaymentIntent, ErrPaymentNotSuccessful)
	if err != nil {
		return nil, err
	}

	receipt, err := o.move(ctx, movement{
		owner:  o.cfg.Custodian,
		token:  md.Currency,
		amount: md.Amount,
		execute: func(ctx context.Context) (Receipt, error) {
			return o.chain.ExecuteTransfer(ctx, o.cfg.Custodian, md.Address, md.Currency, md.Amount)
		},
	})
	if err != nil {
		return nil, err
	}
	settled, err = o.recordPayment(ctx, md, intentID, receipt.TxHash, DirectionDebit, false)
	if err != nil {
		return nil, err
	}
	o.samplePrice(ctx)
	return settled, nil
}

// SellForCard moves the user's tokens to the custodian and then opens a card
// payout for their USD value. If the payout cannot be opened the tokens are
// returned.
func (o *Orchestrator) SellForCard(ctx context.Context, req SellRequest) (handle *IntentHandle, err error) {
	start := o.now()
	currency := normalizeSymbol(req.Currency)
	ctx, span := o.tracer.Start(ctx, "settlement.sell_for_card", trace.WithAttributes(
		attribute.String("currency", currency),
		attribute.String("address", req.Address.Hex()),
	))
	defer span.End()
	defer func() { o.finish(ctx, span, opSellForCard, start, "", err) }()

	if err := o.requirePayments(); err != nil {
		return nil, err
	}
	if !o.cfg.Pair.Supports(currency) {
		return nil, precondition(0, StageValidate, ErrUnsupportedCurrency, currency, req.Amount, nil)
	}
	if req.Address == o.cfg.Custodian {
		return nil, precondition(0, StageValidate, ErrInvalidOperation, currency, req.Amount, errors.New("custodian cannot sell to itself"))
	}
	amount, err := o.parseAmount(0, currency, req.Amount)
	if err != nil {
		return nil, err
	}
	userID, err := o.resolve(ctx, req.Address)
	if err != nil {
		return nil, precondition(0, StageValidate, ledgerCode(err), currency, req.Amount, err)
	}

	receipt, err := o.move(ctx, movement{
		owner:     req.Address,
		token:     currency,
		amount:    amount,
		checkLock: true,
		execute: func(ctx context.Context) (Receipt, error) {
			return o.chain.ExecuteTransfer(ctx, req.Address, o.cfg.Custodian, currency, amount)
		},
	})
	if err != nil {
		return nil, err
	}
	if rerr := o.refresh(ctx, balanceRef{userID: userID, address: req.Address, token: currency}); rerr != nil {
		o.logger.WarnContext(ctx, "refresh after sell debit", "tx_hash", receipt.TxHash, "error", rerr)
	}

	md := IntentMetadata{
		Version:   MetadataVersion,
		Direction: FiatSell,
		UserID:    userID,
		Address:   req.Address,
		Currency:  currency,
		Amount:    amount,
		DebitTx:   receipt.TxHash,
	}
	md.USD, err = o.usdValue(ctx, currency, amount, FiatSell)
	if err != nil {
		return nil, o.compensate(ctx, md, "", StageQuote, err)
	}
	intent, err := o.payments.CreatePayoutIntent(ctx, md.USD, md.Encode(), req.Card)
	if err != nil {
		return nil, o.compensate(ctx, md, "", StagePayout, err)
	}
	span.SetAttributes(attribute.String("intent_id", intent.ID))
	o.logger.InfoContext(ctx, "card payout opened",
		"intent_id", intent.ID,
		"currency", currency,
		"amount", amm.FormatAmount(amount),
		"usd", md.USD.String(),
		"debit_tx", receipt.TxHash,
		"card", req.Card,
	)
	return &IntentHandle{IntentID: intent.ID, ClientSecret: intent.ClientSecret, USD: md.USD, DebitTxHash: receipt.TxHash}, nil
}

// ConfirmSell settles a card payout. A payout the processor reports as failed
// is compensated by returning the tokens from the custodian exactly once.
func (o *Orchestrator) ConfirmSell(ctx context.Context, intentID string) (settled *Settlement, err error) {
	start := o.now()
	intentID = strings.TrimSpace(intentID)
	ctx, span := o.tracer.Start(ctx, "settlement.confirm_sell", trace.WithAttributes(attribute.String("intent_id", intentID)))
	defer span.End()
	release := func() {}
	defer func() {
		o.finish(ctx, span, opConfirmSell, start, intentID, err)
		release()
	}()

	if err := o.requirePayments(); err != nil {
		return nil, err
	}
	var md IntentMetadata
	md, release, err = o.claimIntent(ctx, intentID, FiatSell, o.payments.ConfirmPayoutIntent, nil)
	if err != nil {
		var failed *payoutFailure
		if !errors.As(err, &failed) {
			return nil, err
		}
		return nil, o.compensate(ctx, failed.md, intentID, StagePayout, fmt.Errorf("payout status %q", failed.status))
	}
	return o.recordPayment(ctx, md, intentID, md.DebitTx, DirectionCredit, false)
}

type payoutFailure struct {
	md     IntentMetadata
	status IntentStatus
}

func (p *payoutFailure) Error() string { return fmt.Sprintf("payout %s", p.status) }

// claimIntent locks intentID, rejects intents that were already settled or
// are held for reconciliation, and loads the processor's view of the intent.
// The returned release function must run only after the outcome is recorded
// or journaled.
func (o *Orchestrator) claimIntent(
	ctx context.Context,
	intentID string,
	dir FiatDirection,
	fetch func(context.Context, string) (Intent, error),
	notSucceeded error,
) (IntentMetadata, func(), error) {
	noop := func() {}
	if intentID == "" {
		return IntentMetadata{}, noop, precondition(0, StageValidate, ErrInvalidOperation, "", "", errors.New("intent id required"))
	}
	release, err := o.locker.Lock(ctx, IntentKey(intentID))
	if err != nil {
		return IntentMetadata{}, noop, &Error{Class: ClassExecution, Code: ErrAddressBusy, Stage: StageValidate, Err: err}
	}
	fail := func(e error) (IntentMetadata, func(), error) {
		release()
		return IntentMetadata{}, noop, e
	}
	settled, err := o.ledger.IntentSettled(ctx, intentID)
	if err != nil {
		return fail(&Error{Class: ClassExecution, Code: ErrLedger, Stage: StageValidate, Err: err})
	}
	if settled {
		return fail(precondition(0, StageValidate, ErrIntentAlreadySettled, "", "", fmt.Errorf("intent %s", intentID)))
	}
	held, err := o.holds.Held(ctx, intentID)
	if err != nil {
		return fail(&Error{Class: ClassExecution, Code: ErrLedger, Stage: StageValidate, Err: err})
	}
	if held {
		return fail(precondition(0, StageValidate, ErrIntentAlreadySettled, "", "", fmt.Errorf("intent %s awaits reconciliation", intentID)))
	}
	stage := StagePayment
	if dir == FiatSell {
		stage = StagePayout
	}
	intent, err := fetch(ctx, intentID)
	if err != nil {
		return fail(&Error{Class: ClassExecution, Code: ErrPaymentGateway, Stage: stage, Err: err})
	}
	md, err := DecodeIntentMetadata(intent.Metadata)
	if err != nil {
		code := ErrMetadataInvalid
		if errors.Is(err, ErrMetadataVersion) {
			code = ErrMetadataVersion
		}
		return fail(precondition(0, stage, code, "", "", err))
	}
	if md.Direction != dir || !o.cfg.Pair.Supports(md.Currency) {
		return fail(precondition(0, stage, ErrMetadataInvalid, md.Currency, amm.FormatAmount(md.Amount),
			fmt.Errorf("intent %s is a %s of %s", intentID, md.Direction, md.Currency)))
	}
	switch intent.Status {
	case StatusSucceeded:
		return md, release, nil
	case StatusProcessing:
		if dir == FiatSell {
			return fail(precondition(0, stage, ErrPayoutPending, md.Currency, amm.FormatAmount(md.Amount), nil))
		}
	}
	if notSucceeded != nil {
		return fail(precondition(0, stage, notSucceeded, md.Currency, amm.FormatAmount(md.Amount), fmt.Errorf("status %q", intent.Status)))
	}
	return IntentMetadata{}, release, &payoutFailure{md: md, status: intent.Status}
}

// compensate returns sold tokens from the custodian to the seller after the
// payout leg failed. It reports PayoutFailed when the reversal lands and a
// fatal ReversalFailed, naming the custodian as the funds location, when it
// does not.
func (o *Orchestrator) compensate(ctx context.Context, md IntentMetadata, intentID string, stage Stage, cause error) error {
	amount := amm.FormatAmount(md.Amount)
	o.logger.WarnContext(ctx, "compensating failed payout",
		"intent_id", intentID,
		"currency", md.Currency,
		"amount", amount,
		"debit_tx", md.DebitTx,
		"error", cause,
	)
	receipt, err := o.move(ctx, movement{
		owner:  o.cfg.Custodian,
		token:  md.Currency,
		amount: md.Amount,
		execute: func(ctx context.Context) (Receipt, error) {
			return o.chain.ExecuteTransfer(ctx, o.cfg.Custodian, md.Address, md.Currency, md.Amount)
		},
	})
	if err != nil {
		o.metrics.RecordCompensation("failed")
		return &Error{
			Class:   ClassCompensation,
			Code:    ErrReversalFailed,
			Stage:   StageReversal,
			Token:   md.Currency,
			Amount:  amount,
			TxHash:  md.DebitTx,
			FundsAt: o.cfg.Custodian.Hex(),
			Err:     errors.Join(cause, err),
		}
	}
	o.metrics.RecordCompensation("reversed")
	if _, rerr := o.recordPayment(ctx, md, intentID, receipt.TxHash, DirectionDebit, true); rerr != nil {
		var se *Error
		if errors.As(rerr, &se) {
			o.journalEntry(ctx, opFiatReversal, intentID, se)
		}
	}
	return &Error{
		Class:   ClassExecution,
		Code:    ErrPayoutFailed,
		Stage:   stage,
		Token:   md.Currency,
		Amount:  amount,
		TxHash:  receipt.TxHash,
		FundsAt: md.Address.Hex(),
		Err:     cause,
	}
}

// recordPayment writes the Payment record for a fiat bridge leg and refreshes
// the user's cached balance.
func (o *Orchestrator) recordPayment(ctx context.Context, md IntentMetadata, intentID, txHash string, dir Direction, reversal bool) (*Settlement, error) {
	currency, err := o.ledger.FindCurrency(ctx, md.Currency)
	if err != nil {
		return nil, postExecution(0, StageRecord, ledgerCode(err), md.Currency, md.Amount, txHash, err)
	}
	recordID, err := o.ledger.AppendTransaction(ctx, Record{
		Kind:            KindPayment,
		SpentAmount:     md.Amount,
		SpentCurrencyID: currency.ID,
		ReceivedAmount:  amm.FromDecimal(md.USD),
		TxHash:          txHash,
		SenderID:        md.UserID,
		Direction:       dir,
		IntentID:        intentID,
		Reversal:        reversal,
	})
	if err != nil {
		return nil, postExecution(0, StageRecord, ErrLedger, md.Currency, md.Amount, txHash, err)
	}
	if err := o.refresh(ctx, balanceRef{userID: md.UserID, address: md.Address, token: md.Currency}); err != nil {
		return nil, postExecution(0, StageRefresh, ErrLedger, md.Currency, md.Amount, txHash, err)
	}
	name := opFiatSettled
	if reversal {
		name = opFiatReversal
	}
	o.logger.InfoContext(ctx, "payment recorded",
		"operation", name,
		"intent_id", intentID,
		"direction", string(dir),
		"currency", md.Currency,
		"amount", amm.FormatAmount(md.Amount),
		"usd", md.USD.String(),
		"tx_hash", txHash,
	)
	return &Settlement{
		Operation: Operation{Kind: OpTransfer, Spent: md.Currency, Received: md.Currency},
		RecordID:  recordID,
		TxHash:    txHash,
		Spent:     md.Amount,
		Direction: dir,
		IntentID:  intentID,
		USD:       md.USD,
	}, nil
}

func (o *Orchestrator) quoteFailure(token, amount string, err error) error {
	if errors.Is(err, amm.ErrInvalidQuoteInput) {
		return precondition(0, StageQuote, amm.ErrInvalidQuoteInput, token, amount, err)
	}
	return chainFailure(0, StageQuote, token, amount, Receipt{}, err)
}

func (o *Orchestrator) requirePayments() error {
	if o.payments == nil {
		return &Error{Class: ClassPrecondition, Code: ErrNotConfigured, Stage: StageValidate, Err: errors.New("payment gateway")}
	}
	return nil
}
