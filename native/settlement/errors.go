package settlement

import (
	"errors"
	"fmt"
	"strings"
)

// Class groups failures by how far a settlement progressed.
type Class string

const (
	// ClassPrecondition failures happen before any on-chain submission.
	ClassPrecondition Class = "precondition"
	// ClassExecution failures happen before a transaction hash was obtained, or
	// the submitted call reverted. The whole operation may be retried.
	ClassExecution Class = "execution"
	// ClassPostExecution failures happen after the on-chain effect committed.
	// They must never be retried automatically.
	ClassPostExecution Class = "post_execution"
	// ClassCompensation failures leave funds stranded and need an operator.
	ClassCompensation Class = "compensation"
)

var (
	ErrPrecondition  = errors.New("settlement: precondition failed")
	ErrExecution     = errors.New("settlement: execution failed")
	ErrPostExecution = errors.New("settlement: settled but unreconciled")
	ErrCompensation  = errors.New("settlement: compensation failed")
	ErrNotConfigured = errors.New("settlement: dependency not configured")
)

var (
	ErrInvalidOperation         = errors.New("invalid operation")
	ErrWalletLocked             = errors.New("wallet locked")
	ErrInsufficientGas          = errors.New("insufficient gas")
	ErrAllowanceTooLow          = errors.New("allowance too low")
	ErrInsufficientTokenBalance = errors.New("insufficient token balance")
	ErrUnsupportedCurrency      = errors.New("unsupported currency")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrTokenOperationFailed     = errors.New("token operation failed")
	ErrCurrencyNotFound         = errors.New("currency not found")
	ErrUserNotFound             = errors.New("user not found")
	ErrPaymentNotSuccessful     = errors.New("payment not successful")
	ErrPayoutPending            = errors.New("payout pending")
	ErrPayoutFailed             = errors.New("payout failed")
	ErrReversalFailed           = errors.New("reversal failed")
	ErrIntentAlreadySettled     = errors.New("intent already settled")
	ErrMetadataVersion          = errors.New("unsupported metadata version")
	ErrMetadataInvalid          = errors.New("invalid intent metadata")
	ErrPaymentGateway           = errors.New("payment gateway failure")
	ErrLedger                   = errors.New("ledger failure")
	ErrAddressBusy              = errors.New("address busy")
)

// Chain gateways wrap their failures with one of these so the orchestrator
// can tell a revert from a transport problem.
var (
	ErrChainTransport   = errors.New("chain transport failure")
	ErrChainReverted    = errors.New("chain call reverted")
	ErrChainUnconfirmed = errors.New("chain call submitted but unconfirmed")
)

// Stage names the step of a settlement where an error surfaced.
type Stage string

const (
	StageValidate Stage = "validate"
	StageQuote    Stage = "quote"
	StageGas      Stage = "gas"
	StageApprove  Stage = "approve"
	StageVerify   Stage = "verify"
	StageExecute  Stage = "execute"
	StageRecord   Stage = "record"
	StageRefresh  Stage = "refresh"
	StagePayment  Stage = "payment"
	StagePayout   Stage = "payout"
	StageReversal Stage = "reversal"
)

// Error is returned by every orchestrator operation. It carries enough context
// for support diagnosis and never includes key material or processor secrets.
type Error struct {
	Class   Class
	Code    error
	Stage   Stage
	Op      OpKind
	Token   string
	Amount  string
	TxHash  string
	FundsAt string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("settlement: ")
	b.WriteString(string(e.Stage))
	if e.Code != nil {
		b.WriteString(": ")
		b.WriteString(e.Code.Error())
	}
	if e.Token != "" {
		fmt.Fprintf(&b, " token=%s", e.Token)
	}
	if e.Amount != "" {
		fmt.Fprintf(&b, " amount=%s", e.Amount)
	}
	if e.TxHash != "" {
		fmt.Fprintf(&b, " tx=%s", e.TxHash)
	}
	if e.FundsAt != "" {
		fmt.Fprintf(&b, " funds_at=%s", e.FundsAt)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the class sentinel, the code and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 3)
	if sentinel := classSentinel(e.Class); sentinel != nil {
		errs = append(errs, sentinel)
	}
	if e.Code != nil {
		errs = append(errs, e.Code)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether the whole operation can be safely resubmitted.
func (e *Error) Retryable() bool {
	return e != nil && e.Class == ClassExecution && !errors.Is(e.Code, ErrPayoutFailed)
}

// CodeName returns a stable label for the error code, used in metrics and
// HTTP responses.
func (e *Error) CodeName() string {
	if e == nil || e.Code == nil {
		return "unknown"
	}
	return strings.ReplaceAll(e.Code.Error(), " ", "_")
}

// ClassOf returns the class of err, or the empty class when err is not a
// settlement error.
func ClassOf(err error) Class {
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	return ""
}

func classSentinel(c Class) error {
	switch c {
	case ClassPrecondition:
		return ErrPrecondition
	case ClassExecution:
		return ErrExecution
	case ClassPostExecution:
		return ErrPostExecution
	case ClassCompensation:
		return ErrCompensation
	default:
		return nil
	}
}

func precondition(op OpKind, stage Stage, code error, token, amount string, cause error) *Error {
	return &Error{Class: ClassPrecondition, Code: code, Stage: stage, Op: op, Token: token, Amount: amount, Err: cause}
}

// chainFailure classifies an error returned by a chain gateway call. Only an
// unconfirmed execute call can have moved funds.
func chainFailure(op OpKind, stage Stage, token, amount string, receipt Receipt, err error) *Error {
	switch {
	case errors.Is(err, ErrChainUnconfirmed) && stage == StageExecute:
		return &Error{Class: ClassPostExecution, Code: ErrChainUnconfirmed, Stage: stage, Op: op, Token: token, Amount: amount, TxHash: receipt.TxHash, Err: err}
	case errors.Is(err, ErrChainReverted):
		return &Error{Class: ClassExecution, Code: ErrTokenOperationFailed, Stage: stage, Op: op, Token: token, Amount: amount, TxHash: receipt.TxHash, Err: err}
	default:
		return &Error{Class: ClassExecution, Code: ErrChainTransport, Stage: stage, Op: op, Token: token, Amount: amount, Err: err}
	}
}
