// Package errs defines the coded rejection errors returned by the ledger core.
package errs

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Class groups codes into the rejection taxonomy surfaced to callers.
type Class string

const (
	ClassQualification Class = "qualification"
	ClassThreshold     Class = "threshold"
	ClassBalance       Class = "balance"
	ClassState         Class = "state"
	ClassAuthorization Class = "authorization"
	ClassParticipation Class = "participation"
	ClassTiming        Class = "timing"
	ClassValidation    Class = "validation"
	ClassInternal      Class = "internal"
)

// Code identifies one specific rejection.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	CodeUnqualifiedAgent      Code = "UNQUALIFIED_AGENT"
	CodeUnqualifiedArbitrator Code = "UNQUALIFIED_ARBITRATOR"
	CodeUnqualifiedBuyer      Code = "UNQUALIFIED_BUYER"

	CodeBelowMinimum          Code = "BELOW_MINIMUM"
	CodeInvalidAmount         Code = "INVALID_AMOUNT"
	CodeBudgetExceedsCapacity Code = "BUDGET_EXCEEDS_CAPACITY"
	CodeWeightOverflow        Code = "WEIGHT_OVERFLOW"

	CodeInsufficientBalance      Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientAvailable    Code = "INSUFFICIENT_AVAILABLE"
	CodeInsufficientWithdrawable Code = "INSUFFICIENT_WITHDRAWABLE"
	CodeInsufficientEscrow       Code = "INSUFFICIENT_ESCROW"
	CodeInsufficientRewards      Code = "INSUFFICIENT_REWARDS"

	CodeOrderNotFound        Code = "ORDER_NOT_FOUND"
	CodeInvalidState         Code = "INVALID_STATE"
	CodeEscrowFrozen         Code = "ESCROW_FROZEN"
	CodeDisputeAlreadyExists Code = "DISPUTE_ALREADY_EXISTS"
	CodeDisputeNotFound      Code = "DISPUTE_NOT_FOUND"
	CodeNoEscrowToDispute    Code = "NO_ESCROW_TO_DISPUTE"
	CodeAlreadyVoted         Code = "ALREADY_VOTED"
	CodeAlreadyFinalized     Code = "ALREADY_FINALIZED"

	CodeNotAuthorized  Code = "NOT_AUTHORIZED"
	CodeNotParticipant Code = "NOT_PARTICIPANT"

	CodeInsufficientParticipation Code = "INSUFFICIENT_PARTICIPATION"
	CodeNoQualifiedArbitrators    Code = "NO_QUALIFIED_ARBITRATORS"

	CodeVotingClosed    Code = "VOTING_CLOSED"
	CodeVotingOpen      Code = "VOTING_OPEN"
	CodeClockRegression Code = "CLOCK_REGRESSION"

	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)

// Attributes are the registered defaults for a code.
type Attributes struct {
	Class   Class
	Message string
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {ClassInternal, "unknown error"},

		CodeUnqualifiedAgent:      {ClassQualification, "agent is not qualified"},
		CodeUnqualifiedArbitrator: {ClassQualification, "arbitrator is not qualified"},
		CodeUnqualifiedBuyer:      {ClassQualification, "buyer is not qualified"},

		CodeBelowMinimum:          {ClassThreshold, "amount is below the minimum"},
		CodeInvalidAmount:         {ClassThreshold, "amount must be positive"},
		CodeBudgetExceedsCapacity: {ClassThreshold, "budget exceeds agent stake"},
		CodeWeightOverflow:        {ClassThreshold, "arbitrator stake total overflows"},

		CodeInsufficientBalance:      {ClassBalance, "insufficient balance"},
		CodeInsufficientAvailable:    {ClassBalance, "insufficient available balance"},
		CodeInsufficientWithdrawable: {ClassBalance, "insufficient withdrawable earnings"},
		CodeInsufficientEscrow:       {ClassBalance, "insufficient escrow"},
		CodeInsufficientRewards:      {ClassBalance, "insufficient pending rewards"},

		CodeOrderNotFound:        {ClassState, "order not found"},
		CodeInvalidState:         {ClassState, "invalid state transition"},
		CodeEscrowFrozen:         {ClassState, "escrow is frozen"},
		CodeDisputeAlreadyExists: {ClassState, "dispute already exists"},
		CodeDisputeNotFound:      {ClassState, "dispute not found"},
		CodeNoEscrowToDispute:    {ClassState, "no escrow to dispute"},
		CodeAlreadyVoted:         {ClassState, "arbitrator already voted"},
		CodeAlreadyFinalized:     {ClassState, "dispute already finalized"},

		CodeNotAuthorized:  {ClassAuthorization, "caller not authorized"},
		CodeNotParticipant: {ClassAuthorization, "caller is not an order participant"},

		CodeInsufficientParticipation: {ClassParticipation, "insufficient voting participation"},
		CodeNoQualifiedArbitrators:    {ClassParticipation, "no qualified arbitrators"},

		CodeVotingClosed:    {ClassTiming, "voting window closed"},
		CodeVotingOpen:      {ClassTiming, "voting window still open"},
		CodeClockRegression: {ClassTiming, "command clock moved backwards"},

		CodeInvalidArgument: {ClassValidation, "invalid argument"},
	}
)

// Register adds or replaces the attributes for a code.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the registered attributes, falling back to CodeUnknown.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is a rejected operation. It carries the code, its class and the
// context needed to act on it (entity ids, attempted amount, limit).
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option configures an Error.
type Option func(*Error)

// WithMessage overrides the registered message.
func WithMessage(msg string) Option {
	return func(e *Error) { e.message = msg }
}

// WithCause wraps an underlying error.
func WithCause(err error) Option {
	return func(e *Error) { e.cause = err }
}

// WithMetadata attaches one key/value of context.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithEntity records the entity the operation targeted.
func WithEntity(kind, id string) Option {
	return WithMetadata(kind, id)
}

// WithAmounts records the attempted amount against the limit it broke.
func WithAmounts(attempted, limit int64) Option {
	return func(e *Error) {
		WithMetadata("attempted", strconv.FormatInt(attempted, 10))(e)
		WithMetadata("limit", strconv.FormatInt(limit, 10))(e)
	}
}

// New builds an Error for code.
func New(code Code, opts ...Option) *Error {
	e := &Error{code: code, message: AttributesOf(code).Message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, WithMessage(fmt.Sprintf(format, args...)))
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.code))
	b.WriteString(": ")
	b.WriteString(e.message)
	if len(e.metadata) > 0 {
		keys := make([]string, 0, len(e.metadata))
		for k := range e.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(e.metadata[k])
		}
		b.WriteByte(')')
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return t.code == e.code
}

func (e *Error) Code() Code      { return e.code }
func (e *Error) Class() Class    { return AttributesOf(e.code).Class }
func (e *Error) Message() string { return e.message }
func (e *Error) Metadata() map[string]string {
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

// From extracts an *Error from a chain.
func From(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.code
	}
	return CodeUnknown
}

// ClassOf returns the class of err, or ClassInternal for foreign errors.
func ClassOf(err error) Class {
	if e, ok := From(err); ok {
		return e.Class()
	}
	return ClassInternal
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRejection reports whether err is a domain rejection rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	e, ok := From(err)
	return ok && e.Class() != ClassInternal
}
