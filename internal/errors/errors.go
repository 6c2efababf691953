package errors

import (
	"errors"
	"fmt"
)

type ValidationDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationError struct {
	Message string
	Details []ValidationDetail
}

func (e *ValidationError) Error() string {
	return e.Message
}

func NewValidationError(message string, details ...ValidationDetail) *ValidationError {
	return &ValidationError{
		Message: message,
		Details: details,
	}
}

func IsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return e.Message
}

func NewNotFoundError(message string) *NotFoundError {
	return &NotFoundError{Message: message}
}

func IsNotFoundError(err error) (*NotFoundError, bool) {
	var nfe *NotFoundError
	if errors.As(err, &nfe) {
		return nfe, true
	}
	return nil, false
}

type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

func NewConflictError(message string) *ConflictError {
	return &ConflictError{Message: message}
}

func IsConflictError(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

type DeadlockError struct {
	Message string
}

func (e *DeadlockError) Error() string {
	return e.Message
}

func NewDeadlockError(message string) *DeadlockError {
	return &DeadlockError{Message: message}
}

func IsDeadlockError(err error) (*DeadlockError, bool) {
	var de *DeadlockError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

type InternalError struct {
	Message string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *InternalError) Unwrap() error {
	return e.Cause
}

func NewInternalError(message string, cause error) *InternalError {
	return &InternalError{
		Message: message,
		Cause:   cause,
	}
}

// IllegalTransitionError reports a status change the order state machine does not allow.
// It is never applied and never retried.
type IllegalTransitionError struct {
	OrderID uint
	From    string
	To      string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for order %d: %s -> %s", e.OrderID, e.From, e.To)
}

func NewIllegalTransitionError(orderID uint, from, to string) *IllegalTransitionError {
	return &IllegalTransitionError{OrderID: orderID, From: from, To: to}
}

func IsIllegalTransitionError(err error) (*IllegalTransitionError, bool) {
	var ite *IllegalTransitionError
	if errors.As(err, &ite) {
		return ite, true
	}
	return nil, false
}

// ChannelError reports a live subscription that failed to open or dropped.
type ChannelError struct {
	CompanyID int
	Message   string
	Cause     error
}

func (e *ChannelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("channel for company %d: %s: %v", e.CompanyID, e.Message, e.Cause)
	}
	return fmt.Sprintf("channel for company %d: %s", e.CompanyID, e.Message)
}

func (e *ChannelError) Unwrap() error {
	return e.Cause
}

func NewChannelError(companyID int, message string, cause error) *ChannelError {
	return &ChannelError{CompanyID: companyID, Message: message, Cause: cause}
}

func IsChannelError(err error) (*ChannelError, bool) {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

type GatewayUnreachableError struct {
	Instance string
	Cause    error
}

func (e *GatewayUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("messaging gateway unreachable for instance %q: %v", e.Instance, e.Cause)
	}
	return fmt.Sprintf("messaging gateway unreachable for instance %q", e.Instance)
}

func (e *GatewayUnreachableError) Unwrap() error {
	return e.Cause
}

func NewGatewayUnreachableError(instance string, cause error) *GatewayUnreachableError {
	return &GatewayUnreachableError{Instance: instance, Cause: cause}
}

func IsGatewayUnreachableError(err error) (*GatewayUnreachableError, bool) {
	var gue *GatewayUnreachableError
	if errors.As(err, &gue) {
		return gue, true
	}
	return nil, false
}

type PrintAgentUnavailableError struct {
	Message string
	Cause   error
}

func (e *PrintAgentUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *PrintAgentUnavailableError) Unwrap() error {
	return e.Cause
}

func NewPrintAgentUnavailableError(message string, cause error) *PrintAgentUnavailableError {
	return &PrintAgentUnavailableError{Message: message, Cause: cause}
}

func IsPrintAgentUnavailableError(err error) (*PrintAgentUnavailableError, bool) {
	var pae *PrintAgentUnavailableError
	if errors.As(err, &pae) {
		return pae, true
	}
	return nil, false
}

type PrinterNotFoundError struct {
	Printer string
}

func (e *PrinterNotFoundError) Error() string {
	if e.Printer == "" {
		return "no printer reported by print agent"
	}
	return fmt.Sprintf("printer %q not found", e.Printer)
}

func NewPrinterNotFoundError(printer string) *PrinterNotFoundError {
	return &PrinterNotFoundError{Printer: printer}
}

func IsPrinterNotFoundError(err error) (*PrinterNotFoundError, bool) {
	var pnf *PrinterNotFoundError
	if errors.As(err, &pnf) {
		return pnf, true
	}
	return nil, false
}

// DataIntegrityError marks a record or event payload that must be kept out of the reconciled set.
type DataIntegrityError struct {
	Entity  string
	ID      string
	Message string
}

func (e *DataIntegrityError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("data integrity error on %s: %s", e.Entity, e.Message)
	}
	return fmt.Sprintf("data integrity error on %s %s: %s", e.Entity, e.ID, e.Message)
}

func NewDataIntegrityError(entity, id, message string) *DataIntegrityError {
	return &DataIntegrityError{Entity: entity, ID: id, Message: message}
}

func IsDataIntegrityError(err error) (*DataIntegrityError, bool) {
	var die *DataIntegrityError
	if errors.As(err, &die) {
		return die, true
	}
	return nil, false
}
