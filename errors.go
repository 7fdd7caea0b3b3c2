package x402

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the negotiation client.
var (
	// ErrNoSettler indicates autoPay is enabled but no settlement capability
	// was configured on the client or the call.
	ErrNoSettler = errors.New("x402: no settler configured")

	// ErrPaymentAttemptsExceeded indicates the server kept answering 402
	// after the bounded number of payment attempts for one logical call.
	ErrPaymentAttemptsExceeded = errors.New("x402: payment attempts exceeded")
)

// PaymentError is a classified protocol error with structured context.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

// Common error codes.
const (
	ErrCodeInvalidInvoice   = "invalid_invoice"
	ErrCodeInvalidPayment   = "invalid_payment"
	ErrCodeInvoiceExpired   = "invoice_expired"
	ErrCodeInvalidNonce     = "invalid_nonce"
	ErrCodeReplayedPayment  = "replayed_payment"
	ErrCodeSettlementFailed = "settlement_failed"
)

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new payment error.
func NewPaymentError(code, message string, err error) *PaymentError {
	return &PaymentError{Code: code, Message: message, Err: err}
}
