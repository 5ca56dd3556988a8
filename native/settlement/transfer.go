package settlement

import (
	"context"
	"math/big"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"prxswap/native/amm"
)

// Transfer moves a pool token between two addresses and records the movement
// for both users.
func (o *Orchestrator) Transfer(ctx context.Context, req TransferRequest) (settled *Settlement, err error) {
	start := o.now()
	token := normalizeSymbol(req.Token)
	op := TransferOf(token)
	ctx, span := o.tracer.Start(ctx, "settlement.transfer", trace.WithAttributes(
		attribute.String("token", token),
		attribute.String("from", req.From.Hex()),
		attribute.String("to", req.To.Hex()),
	))
	defer span.End()
	defer func() { o.finish(ctx, span, op.Kind.String(), start, "", err) }()

	if req.From == req.To {
		return nil, precondition(op.Kind, StageValidate, ErrInvalidOperation, token, req.Amount, nil)
	}
	if !o.cfg.Pair.Supports(token) {
		return nil, precondition(op.Kind, StageValidate, ErrUnsupportedCurrency, token, req.Amount, nil)
	}
	amount, err := o.parseAmount(op.Kind, token, req.Amount)
	if err != nil {
		return nil, err
	}

	receipt, err := o.move(ctx, movement{
		op:        op.Kind,
		owner:     req.From,
		token:     token,
		amount:    amount,
		checkLock: true,
		execute: func(ctx context.Context) (Receipt, error) {
			return o.chain.ExecuteTransfer(ctx, req.From, req.To, token, amount)
		},
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("tx_hash", receipt.TxHash))
	return o.recordTransfer(ctx, op, req, amount, receipt)
}

// recordTransfer writes the ledger side of an executed transfer. The chain is
// authoritative from here on; failures surface as post-execution errors.
func (o *Orchestrator) recordTransfer(ctx context.Context, op Operation, req TransferRequest, amount *big.Int, receipt Receipt) (*Settlement, error) {
	token := op.Spent
	currency, err := o.ledger.FindCurrency(ctx, token)
	if err != nil {
		return nil, postExecution(op.Kind, StageRecord, ledgerCode(err), token, amount, receipt.TxHash, err)
	}
	senderID, err := o.resolve(ctx, req.From)
	if err != nil {
		return nil, postExecution(op.Kind, StageRecord, ledgerCode(err), token, amount, receipt.TxHash, err)
	}
	receiverID, err := o.resolve(ctx, req.To)
	if err != nil {
		// The sender cache can still be brought up to date.
		if rerr := o.refresh(ctx, balanceRef{userID: senderID, address: req.From, token: token}); rerr != nil {
			o.logger.WarnContext(ctx, "refresh sender after unresolved receiver", "tx_hash", receipt.TxHash, "error", rerr)
		}
		return nil, postExecution(op.Kind, StageRecord, ledgerCode(err), token, amount, receipt.TxHash, err)
	}
	recordID, err := o.ledger.AppendTransaction(ctx, Record{
		Kind:            KindTransfer,
		SpentAmount:     amount,
		SpentCurrencyID: currency.ID,
		TxHash:          receipt.TxHash,
		SenderID:        senderID,
		ReceiverID:      receiverID,
	})
	if err != nil {
		return nil, postExecution(op.Kind, StageRecord, ErrLedger, token, amount, receipt.TxHash, err)
	}
	err = o.refresh(ctx,
		balanceRef{userID: senderID, address: req.From, token: token},
		balanceRef{userID: receiverID, address: req.To, token: token},
	)
	if err != nil {
		return nil, postExecution(op.Kind, StageRefresh, ErrLedger, token, amount, receipt.TxHash, err)
	}
	o.logger.InfoContext(ctx, "transfer settled",
		"token", token,
		"amount", amm.FormatAmount(amount),
		"tx_hash", receipt.TxHash,
		"record_id", recordID,
	)
	return &Settlement{
		Operation: op,
		RecordID:  recordID,
		TxHash:    receipt.TxHash,
		Spent:     amount,
	}, nil
}
