package settlement

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"prxswap/native/amm"
)

// Quote is the priced form of a trade request.
type Quote struct {
	Operation Operation
	Spend     *big.Int
	Receive   *big.Int
	ExactOut  bool
}

// quote prices a trade from fresh reserves. An amount denominated in the spent
// token is exact-in; one denominated in the received token is exact-out.
func (o *Orchestrator) quote(op Operation, input string, amount *big.Int, reserves Reserves) (Quote, error) {
	reserveIn := reserves.Of(o.cfg.Pair, op.Spent)
	reserveOut := reserves.Of(o.cfg.Pair, op.Received)
	switch input {
	case op.Spent:
		out, err := amm.AmountOut(reserveIn, reserveOut, amount)
		if err != nil {
			return Quote{}, err
		}
		return Quote{Operation: op, Spend: amount, Receive: out}, nil
	case op.Received:
		in, err := amm.AmountIn(reserveIn, reserveOut, amount)
		if err != nil {
			return Quote{}, err
		}
		return Quote{Operation: op, Spend: in, Receive: amount, ExactOut: true}, nil
	default:
		return Quote{}, ErrUnsupportedCurrency
	}
}

// Trade exchanges pool tokens for the trader at the current AMM price. The
// quote, not the caller's face amount, decides what is approved and spent.
func (o *Orchestrator) Trade(ctx context.Context, req TradeRequest) (settled *Settlement, err error) {
	start := o.now()
	input := normalizeSymbol(req.InputCurrency)
	op, opErr := o.cfg.Pair.Trade(req.Side)
	name := "trade"
	if opErr == nil {
		name = op.Kind.String()
	}
	ctx, span := o.tracer.Start(ctx, "settlement.trade", trace.WithAttributes(
		attribute.String("side", string(req.Side)),
		attribute.String("input_currency", input),
		attribute.String("trader", req.Trader.Hex()),
	))
	defer span.End()
	defer func() { o.finish(ctx, span, name, start, "", err) }()

	if opErr != nil {
		return nil, precondition(0, StageValidate, ErrInvalidOperation, input, req.Amount, opErr)
	}
	if !o.cfg.Pair.Supports(input) {
		return nil, precondition(op.Kind, StageValidate, ErrUnsupportedCurrency, input, req.Amount, nil)
	}
	amount, err := o.parseAmount(op.Kind, input, req.Amount)
	if err != nil {
		return nil, err
	}
	if err := o.checkWallet(ctx, op.Kind, req.Trader, op.Spent, req.Amount); err != nil {
		return nil, err
	}

	reserves, err := o.chain.QuoteReserves(ctx)
	if err != nil {
		return nil, chainFailure(op.Kind, StageQuote, input, req.Amount, Receipt{}, err)
	}
	q, err := o.quote(op, input, amount, reserves)
	if err != nil {
		if errors.Is(err, amm.ErrInvalidQuoteInput) {
			return nil, precondition(op.Kind, StageQuote, amm.ErrInvalidQuoteInput, input, req.Amount, err)
		}
		return nil, precondition(op.Kind, StageQuote, ErrUnsupportedCurrency, input, req.Amount, err)
	}
	span.SetAttributes(
		attribute.String("spend", amm.FormatAmount(q.Spend)),
		attribute.String("receive", amm.FormatAmount(q.Receive)),
	)

	side := SideBuy
	if op.Kind == OpSellTrade {
		side = SideSell
	}
	receipt, err := o.move(ctx, movement{
		op:     op.Kind,
		owner:  req.Trader,
		token:  op.Spent,
		amount: q.Spend,
		execute: func(ctx context.Context) (Receipt, error) {
			return o.chain.ExecuteTrade(ctx, req.Trader, side, q.Spend)
		},
	})
	if err != nil {
		return nil, err
	}
	settled, err = o.recordTrade(ctx, q, req.Trader, receipt)
	if err != nil {
		return nil, err
	}
	o.samplePrice(ctx)
	return settled, nil
}

func (o *Orchestrator) recordTrade(ctx context.Context, q Quote, trader common.Address, receipt Receipt) (*Settlement, error) {
	op := q.Operation
	spent, err := o.ledger.FindCurrency(ctx, op.Spent)
	if err != nil {
		return nil, postExecution(op.Kind, StageRecord, ledgerCode(err), op.Spent, q.Spend, receipt.TxHash, err)
	}
	received, err := o.ledger.FindCurrency(ctx, op.Received)
	if err != nil {
		return nil, postExecution(op.Kind, StageRecord, ledgerCode(err), op.Received, q.Spend, receipt.TxHash, err)
	}
	userID, err := o.resolve(ctx, trader)
	if err != nil {
		return nil, postExecution(op.Kind, StageRecord, ledgerCode(err), op.Spent, q.Spend, receipt.TxHash, err)
	}
	recordID, err := o.ledger.AppendTransaction(ctx, Record{
		Kind:               KindTrade,
		SpentAmount:        q.Spend,
		SpentCurrencyID:    spent.ID,
		ReceivedAmount:     q.Receive,
		ReceivedCurrencyID: received.ID,
		TxHash:             receipt.TxHash,
		SenderID:           userID,
	})
	if err != nil {
		return nil, postExecution(op.Kind, StageRecord, ErrLedger, op.Spent, q.Spend, receipt.TxHash, err)
	}
	err = o.refresh(ctx,
		balanceRef{userID: userID, address: trader, token: op.Spent},
		balanceRef{userID: userID, address: trader, token: op.Received},
	)
	if err != nil {
		return nil, postExecution(op.Kind, StageRefresh, ErrLedger, op.Spent, q.Spend, receipt.TxHash, err)
	}
	o.logger.InfoContext(ctx, "trade settled",
		"operation", op.Kind.String(),
		"spent", amm.FormatAmount(q.Spend)+" "+op.Spent,
		"received", amm.FormatAmount(q.Receive)+" "+op.Received,
		"tx_hash", receipt.TxHash,
		"record_id", recordID,
	)
	return &Settlement{
		Operation: op,
		RecordID:  recordID,
		TxHash:    receipt.TxHash,
		Spent:     q.Spend,
		Received:  q.Receive,
	}, nil
}
