/**
 * @description
 * Ledger rejections. Every rejection carries a stable code for API clients and a kind
 * that decides how the HTTP layer reports it.
 */

package domain

import "errors"

// Kind groups ledger rejections by how a caller should react to them.
type Kind string

const (
	// KindPrecondition covers timing, amount and argument violations. Nothing was changed;
	// the caller may retry with valid arguments.
	KindPrecondition Kind = "precondition"
	// KindForbidden covers ownership and admin-role violations.
	KindForbidden Kind = "forbidden"
	// KindNotFound means the addressed campaign never existed.
	KindNotFound Kind = "not_found"
	// KindFinalized means the terminal action already happened.
	KindFinalized Kind = "already_finalized"
	// KindTransfer means the token collaborator declined; all accounting was unwound.
	KindTransfer Kind = "transfer_failure"
	// KindBusy means the operation never ran because the ledger was occupied.
	KindBusy Kind = "busy"
	// KindUnknown is returned by KindOf for errors that are not ledger rejections.
	KindUnknown Kind = "unknown"
)

// Error is a ledger rejection. Sentinels are compared with errors.Is.
type Error struct {
	Code    string
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, code, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

var (
	ErrInvalidWindow   = newError(KindPrecondition, "InvalidWindow", "campaign window is invalid")
	ErrInvalidGoal     = newError(KindPrecondition, "InvalidGoal", "campaign goal must be greater than zero")
	ErrWindowTooLong   = newError(KindPrecondition, "WindowTooLong", "campaign window exceeds the maximum duration")
	ErrWindowTooShort  = newError(KindPrecondition, "WindowTooShort", "campaign window is shorter than the minimum duration")
	ErrInvalidAddress  = newError(KindPrecondition, "InvalidAddress", "address must not be empty")
	ErrAlreadyStarted  = newError(KindPrecondition, "AlreadyStarted", "campaign has already started")
	ErrNotStarted      = newError(KindPrecondition, "NotStarted", "campaign has not started")
	ErrEnded           = newError(KindPrecondition, "Ended", "campaign has ended")
	ErrZeroAmount      = newError(KindPrecondition, "ZeroAmount", "amount must be greater than zero")
	ErrAmountOverflow  = newError(KindPrecondition, "AmountOverflow", "amount would overflow the campaign total")
	ErrInsufficient    = newError(KindPrecondition, "InsufficientPledge", "amount exceeds the pledged balance")
	ErrTooEarly        = newError(KindPrecondition, "TooEarly", "campaign has not ended")
	ErrGoalNotMet      = newError(KindPrecondition, "GoalNotMet", "campaign goal was not met")
	ErrGoalMet         = newError(KindPrecondition, "GoalMet", "campaign goal was met")
	ErrInvalidDuration = newError(KindPrecondition, "InvalidDuration", "duration is out of range")
	ErrNotInitialized  = newError(KindPrecondition, "NotInitialized", "ledger has not been initialized")
	ErrLayoutDowngrade = newError(KindPrecondition, "LayoutDowngrade", "storage layout cannot be downgraded")
	ErrUnknownLayout   = newError(KindPrecondition, "UnknownLayout", "storage layout version is not supported by this build")
	ErrLayoutOutdated  = newError(KindPrecondition, "LayoutOutdated", "operation requires a newer storage layout")

	ErrNotCreator = newError(KindForbidden, "NotCreator", "caller is not the campaign creator")
	ErrNotAdmin   = newError(KindForbidden, "NotAdmin", "caller is not the ledger admin")

	ErrCampaignNotFound = newError(KindNotFound, "NotFound", "campaign not found")

	ErrAlreadyClaimed     = newError(KindFinalized, "AlreadyClaimed", "campaign funds were already claimed")
	ErrNothingToRefund    = newError(KindFinalized, "NothingToRefund", "no pledged balance to refund")
	ErrCampaignCancelled  = newError(KindFinalized, "Cancelled", "campaign was cancelled")
	ErrAlreadyInitialized = newError(KindFinalized, "AlreadyInitialized", "ledger is already initialized")

	ErrTransferFailed = newError(KindTransfer, "TransferFailed", "token transfer failed")

	ErrLedgerBusy = newError(KindBusy, "LedgerBusy", "ledger is busy with another operation")
)

// KindOf returns the kind of the first ledger rejection in err's chain.
func KindOf(err error) Kind {
	var ledgerErr *Error
	if errors.As(err, &ledgerErr) {
		return ledgerErr.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first ledger rejection in err's chain, or "".
func CodeOf(err error) string {
	var ledgerErr *Error
	if errors.As(err, &ledgerErr) {
		return ledgerErr.Code
	}
	return ""
}
