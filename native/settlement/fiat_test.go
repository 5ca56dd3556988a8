package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func withCustodian(h *harness, token string, n int64) {
	h.chain.fund(token, custodianAddr, units(n))
}

func TestBuyWithCardPricesStableAtPeg(t *testing.T) {
	h := newHarness(t)

	handle, err := h.orch.BuyWithCard(context.Background(), BuyRequest{Amount: "25", Address: aliceAddr, Currency: "usdt"})
	require.NoError(t, err)
	require.Equal(t, "25", handle.USD.String())
	require.NotEmpty(t, handle.ClientSecret)
	require.Zero(t, h.chain.callCount("execute"))

	md, err := DecodeIntentMetadata(h.payments.intents[handle.IntentID].Metadata)
	require.NoError(t, err)
	require.Equal(t, FiatBuy, md.Direction)
	require.Equal(t, "user-alice", md.UserID)
	require.Equal(t, aliceAddr, md.Address)
	require.Equal(t, 0, md.Amount.Cmp(units(25)))
}

func TestBuyWithCardPricesNativeAlongCurve(t *testing.T) {
	h := newHarness(t)

	handle, err := h.orch.BuyWithCard(context.Background(), BuyRequest{Amount: "50", Address: aliceAddr, Currency: "PRX"})
	require.NoError(t, err)
	require.Equal(t, "52.631578947368421053", handle.USD.String())
	require.Equal(t, "52.631578947368421053", h.payments.usd[0].String())
}

func TestBuyWithCardRejectsUnknownUser(t *testing.T) {
	h := newHarness(t)
	delete(h.ledger.users, aliceAddr)

	_, err := h.orch.BuyWithCard(context.Background(), BuyRequest{Amount: "1", Address: aliceAddr, Currency: "PRX"})
	require.ErrorIs(t, err, ErrUserNotFound)
	require.ErrorIs(t, err, ErrPrecondition)
	require.Empty(t, h.payments.intents)
}

func TestFiatWithoutProcessorIsNotConfigured(t *testing.T) {
	chain, ledger := newFakeChain(), newFakeLedger()
	orch, err := New(Config{Pair: testPair, Spender: spenderAddr, Custodian: custodianAddr}, chain, ledger)
	require.NoError(t, err)

	_, err = orch.ConfirmBuy(context.Background(), "pi_1")
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = orch.SellForCard(context.Background(), SellRequest{Amount: "1", Address: aliceAddr, Currency: "PRX"})
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Zero(t, chain.totalCalls())
}

func TestConfirmBuyWaitsForPayment(t *testing.T) {
	h := newHarness(t)
	withCustodian(h, "PRX", 100)

	handle, err := h.orch.BuyWithCard(context.Background(), BuyRequest{Amount: "10", Address: aliceAddr, Currency: "PRX"})
	require.NoError(t, err)

	_, err = h.orch.ConfirmBuy(context.Background(), handle.IntentID)
	require.ErrorIs(t, err, ErrPaymentNotSuccessful)
	require.Zero(t, h.chain.callCount("execute_transfer"))
	require.Zero(t, h.ledger.recordCount())
}

func TestConfirmBuySettlesOnce(t *testing.T) {
	h := newHarness(t)
	withCustodian(h, "PRX", 100)

	handle, err := h.orch.BuyWithCard(context.Background(), BuyRequest{Amount: "10", Address: aliceAddr, Currency: "PRX"})
	require.NoError(t, err)
	h.payments.setStatus(handle.IntentID, StatusSucceeded)

	settled, err := h.orch.ConfirmBuy(context.Background(), handle.IntentID)
	require.NoError(t, err)
	require.Equal(t, DirectionDebit, settled.Direction)
	require.Equal(t, handle.IntentID, settled.IntentID)
	require.Equal(t, 0, h.chain.balance("PRX", aliceAddr).Cmp(units(10)))
	require.Equal(t, 0, h.chain.balance("PRX", custodianAddr).Cmp(units(90)))
	require.Equal(t, 0, h.ledger.cached("user-alice", "PRX").Cmp(units(10)))

	require.Len(t, h.ledger.records, 1)
	rec := h.ledger.records[0]
	require.Equal(t, KindPayment, rec.Kind)
	require.Equal(t, DirectionDebit, rec.Direction)
	require.Equal(t, handle.IntentID, rec.IntentID)
	require.False(t, rec.Reversal)

	h.orch.Wait()
	before := h.chain.totalCalls()
	_, err = h.orch.ConfirmBuy(context.Background(), handle.IntentID)
	require.ErrorIs(t, err, ErrIntentAlreadySettled)
	require.Equal(t, before, h.chain.totalCalls())
	require.Equal(t, 1, h.ledger.recordCount())
}

func failPaymentRecords(h *harness) {
	h.ledger.failAppend = func(rec Record) error {
		if rec.Kind == KindPayment {
			return errors.New("disk full")
		}
		return nil
	}
}

func TestConfirmBuyJournalsBeforeReleasingIntent(t *testing.T) {
	h := newHarness(t)
	withCustodian(h, "PRX", 100)
	failPaymentRecords(h)

	handle, err := h.orch.BuyWithCard(context.Background(), BuyRequest{Amount: "10", Address: aliceAddr, Currency: "PRX"})
	require.NoError(t, err)
	h.payments.setStatus(handle.IntentID, StatusSucceeded)

	// A confirmation racing the journal write must not get past the intent lock.
	var racing error
	h.ledger.onJournal = func(Unreconciled) {
		h.ledger.onJournal = nil
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, racing = h.orch.ConfirmBuy(ctx, handle.IntentID)
	}

	_, err = h.orch.ConfirmBuy(context.Background(), handle.IntentID)
	require.ErrorIs(t, err, ErrPostExecution)
	require.ErrorIs(t, err, ErrLedger)
	require.ErrorIs(t, racing, ErrAddressBusy)

	require.Equal(t, 1, h.chain.callCount("execute_transfer:"+custodianAddr.Hex()))
	require.Equal(t, 0, h.chain.balance("PRX", aliceAddr).Cmp(units(10)))
	require.Len(t, h.ledger.unreconciled, 1)
	require.Equal(t, handle.IntentID, h.ledger.unreconciled[0].IntentID)

	_, err = h.orch.ConfirmBuy(context.Background(), handle.IntentID)
	require.ErrorIs(t, err, ErrIntentAlreadySettled)
	require.Equal(t, 1, h.chain.callCount("execute_transfer:"+custodianAddr.Hex()))
}

func TestConfirmBuyHoldsIntentWhenJournalFails(t *testing.T) {
	h := newHarness(t)
	withCustodian(h, "PRX", 100)
	failPaymentRecords(h)
	h.ledger.failJournal = errors.New("journal unavailable")

	handle, err := h.orch.BuyWithCard(context.Background(), BuyRequest{Amount: "10", Address: aliceAddr, Currency: "PRX"})
	require.NoError(t, err)
	h.payments.setStatus(handle.IntentID, StatusSucceeded)

	_, err = h.orch.ConfirmBuy(context.Background(), handle.IntentID)
	require.ErrorIs(t, err, ErrPostExecution)
	require.Empty(t, h.ledger.unreconciled)

	h.ledger.failAppend = nil
	_, err = h.orch.ConfirmBuy(context.Background(), handle.IntentID)
	require.ErrorIs(t, err, ErrIntentAlreadySettled)
	require.Equal(t, 1, h.chain.callCount("execute_transfer:"+custodianAddr.Hex()))
	require.Equal(t, 0, h.chain.balance("PRX", aliceAddr).Cmp(units(10)))
	require.Zero(t, h.ledger.recordCount())
}

type failingHolds struct{ err error }

func (f failingHolds) Hold(context.Context, string, string) error { return f.err }
func (f failingHolds) Held(context.Context, string) (bool, error) { return false, f.err }

func TestConfirmBuyFailsClosedWhenHoldsUnreadable(t *testing.T) {
	h := newHarness(t)
	withCustodian(h, "PRX", 100)
	WithHoldStore(failingHolds{err: errors.New("holds file locked")})(h.orch)

	handle, err := h.orch.BuyWithCard(context.Background(), BuyRequest{Amount: "10", Address: aliceAddr, Currency: "PRX"})
	require.NoError(t, err)
	h.payments.setStatus(handle.IntentID, StatusSucceeded)

	_, err = h.orch.ConfirmBuy(context.Background(), handle.IntentID)
	require.ErrorIs(t, err, ErrLedger)
	require.ErrorIs(t, err, ErrExecution)
	require.Zero(t, h.chain.callCount("execute_transfer"))
}

func TestConfirmBuyRejectsForeignMetadata(t *testing.T) {
	cases := map[string]struct {
		key, value string
		want       error
	}{
		"schema":    {metaVersion, "9", ErrMetadataVersion},
		"direction": {metaDirection, "sell", ErrMetadataInvalid},
		"currency":  {metaCurrency, "BTC", ErrMetadataInvalid},
		"amount":    {metaAmount, "-5", ErrMetadataInvalid},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			withCustodian(h, "PRX", 100)
			handle, err := h.orch.BuyWithCard(context.Background(), BuyRequest{Amount: "10", Address: aliceAddr, Currency: "PRX"})
			require.NoError(t, err)
			h.payments.setStatus(handle.IntentID, StatusSucceeded)
			h.payments.setMetadata(handle.IntentID, tc.key, tc.value)

			_, err = h.orch.ConfirmBuy(context.Background(), handle.IntentID)
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, ErrPrecondition)
			require.Zero(t, h.chain.callCount("execute_transfer"))
		})
	}
}

func sellSetup(t *testing.T) (*harness, *IntentHandle) {
	t.Helper()
	h := newHarness(t)
	h.chain.fund("PRX", aliceAddr, units(100))
	h.chain.native[custodianAddr] = units(1)

	handle, err := h.orch.SellForCard(context.Background(), SellRequest{
		Amount:   "40",
		Address:  aliceAddr,
		Currency: "PRX",
		Card:     CardDetails{PaymentMethodID: "pm_card_visa", Email: "alice@example.com"},
	})
	require.NoError(t, err)
	return h, handle
}

func TestSellForCardDebitsBeforePayout(t *testing.T) {
	h, handle := sellSetup(t)

	require.NotEmpty(t, handle.DebitTxHash)
	require.Equal(t, "38.461538461538461538", handle.USD.String())
	require.Equal(t, 0, h.chain.balance("PRX", aliceAddr).Cmp(units(60)))
	require.Equal(t, 0, h.chain.balance("PRX", custodianAddr).Cmp(units(40)))
	require.Equal(t, 0, h.ledger.cached("user-alice", "PRX").Cmp(units(60)))
	require.Len(t, h.payments.cards, 1)

	md, err := DecodeIntentMetadata(h.payments.intents[handle.IntentID].Metadata)
	require.NoError(t, err)
	require.Equal(t, handle.DebitTxHash, md.DebitTx)
}

func TestConfirmSellRecordsCredit(t *testing.T) {
	h, handle := sellSetup(t)
	h.payments.setStatus(handle.IntentID, StatusSucceeded)

	settled, err := h.orch.ConfirmSell(context.Background(), handle.IntentID)
	require.NoError(t, err)
	require.Equal(t, DirectionCredit, settled.Direction)
	require.Equal(t, handle.DebitTxHash, settled.TxHash)

	require.Len(t, h.ledger.records, 1)
	require.Equal(t, DirectionCredit, h.ledger.records[0].Direction)
	require.Equal(t, "38461538461538461538", h.ledger.records[0].ReceivedAmount.String())
	require.Equal(t, 0, h.chain.balance("PRX", custodianAddr).Cmp(units(40)))
}

func TestConfirmSellPendingPayoutDoesNotCompensate(t *testing.T) {
	h, handle := sellSetup(t)
	transfers := h.chain.callCount("execute_transfer")

	_, err := h.orch.ConfirmSell(context.Background(), handle.IntentID)
	require.ErrorIs(t, err, ErrPayoutPending)
	require.Equal(t, transfers, h.chain.callCount("execute_transfer"))
	require.Zero(t, h.ledger.recordCount())
	require.Empty(t, h.ledger.unreconciled)
}

func TestConfirmSellFailedPayoutReversesExactlyOnce(t *testing.T) {
	h, handle := sellSetup(t)
	h.payments.setStatus(handle.IntentID, StatusCanceled)

	_, err := h.orch.ConfirmSell(context.Background(), handle.IntentID)
	require.ErrorIs(t, err, ErrPayoutFailed)
	require.ErrorIs(t, err, ErrExecution)
	var se *Error
	require.True(t, errors.As(err, &se))
	require.False(t, se.Retryable())
	require.Equal(t, aliceAddr.Hex(), se.FundsAt)

	require.Equal(t, 0, h.chain.balance("PRX", aliceAddr).Cmp(units(100)))
	require.Equal(t, 0, h.chain.balance("PRX", custodianAddr).Sign())
	require.Equal(t, 1, h.chain.callCount("execute_transfer:"+custodianAddr.Hex()))

	require.Len(t, h.ledger.records, 1)
	rev := h.ledger.records[0]
	require.True(t, rev.Reversal)
	require.Equal(t, DirectionDebit, rev.Direction)
	require.Equal(t, handle.IntentID, rev.IntentID)

	_, err = h.orch.ConfirmSell(context.Background(), handle.IntentID)
	require.ErrorIs(t, err, ErrIntentAlreadySettled)
	require.Equal(t, 1, h.chain.callCount("execute_transfer:"+custodianAddr.Hex()))
	require.Equal(t, 0, h.chain.balance("PRX", aliceAddr).Cmp(units(100)))
}

func TestSellForCardCompensatesWhenPayoutCannotOpen(t *testing.T) {
	h := newHarness(t)
	h.chain.fund("PRX", aliceAddr, units(100))
	h.chain.native[custodianAddr] = units(1)
	h.payments.failCreatePayout = errors.New("card declined")

	_, err := h.orch.SellForCard(context.Background(), SellRequest{Amount: "40", Address: aliceAddr, Currency: "PRX"})
	require.ErrorIs(t, err, ErrPayoutFailed)
	require.Equal(t, StagePayout, err.(*Error).Stage)
	require.Equal(t, 0, h.chain.balance("PRX", aliceAddr).Cmp(units(100)))
	require.Len(t, h.ledger.records, 1)
	require.True(t, h.ledger.records[0].Reversal)
}

func TestConfirmSellReversalFailureIsFatal(t *testing.T) {
	h, handle := sellSetup(t)
	h.payments.setStatus(handle.IntentID, StatusCanceled)
	h.chain.failExecuteOf[custodianAddr] = errors.New("nonce too low")

	_, err := h.orch.ConfirmSell(context.Background(), handle.IntentID)
	require.ErrorIs(t, err, ErrReversalFailed)
	require.ErrorIs(t, err, ErrCompensation)
	var se *Error
	require.True(t, errors.As(err, &se))
	require.Equal(t, custodianAddr.Hex(), se.FundsAt)
	require.Equal(t, handle.DebitTxHash, se.TxHash)
	require.False(t, se.Retryable())

	require.Len(t, h.ledger.unreconciled, 1)
	entry := h.ledger.unreconciled[0]
	require.Equal(t, handle.IntentID, entry.IntentID)
	require.Equal(t, ClassCompensation, entry.Class)
	require.Equal(t, custodianAddr.Hex(), entry.FundsAt)

	// A journaled reversal failure is handled by an operator, not retried.
	delete(h.chain.failExecuteOf, custodianAddr)
	_, err = h.orch.ConfirmSell(context.Background(), handle.IntentID)
	require.ErrorIs(t, err, ErrIntentAlreadySettled)
	require.Equal(t, 0, h.chain.balance("PRX", custodianAddr).Cmp(units(40)))
}

func TestSellForCardRejectsCustodianSeller(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.SellForCard(context.Background(), SellRequest{Amount: "1", Address: custodianAddr, Currency: "PRX"})
	require.ErrorIs(t, err, ErrInvalidOperation)
	require.Zero(t, h.chain.totalCalls())
}

func TestCardDetailsRedactPaymentMethod(t *testing.T) {
	card := CardDetails{PaymentMethodID: "pm_1234567890", Email: "a@example.com"}
	require.NotContains(t, card.LogValue().String(), "pm_1234567890")
}
