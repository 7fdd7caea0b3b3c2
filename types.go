// Package x402 implements the payment-required protocol engine: a client-side
// negotiation loop that turns an ordinary API call into a pay-per-call
// transaction over the HTTP 402 convention, plus the data model shared with
// the server-side verifier and paywall.
package x402

import (
	"encoding/json"
	"time"
)

// InvoiceStatusPaymentRequired marks an invoice as payable. Any other
// non-empty status is a terminal invoice error issued by the server.
const InvoiceStatusPaymentRequired = "payment_required"

// Invoice is the server-issued description of a required payment. It is
// immutable once issued; a new negotiation attempt that re-triggers 402
// produces a fresh request_id/nonce pair.
type Invoice struct {
	Status      string `json:"status,omitempty"`
	RequestID   string `json:"request_id"`
	Amount      string `json:"amount"`
	Mint        string `json:"mint"`
	Recipient   string `json:"recipient"`
	Decimals    int    `json:"decimals"`
	Memo        string `json:"memo,omitempty"`
	Nonce       string `json:"nonce"`
	RPCEndpoint string `json:"rpc_endpoint,omitempty"`
	Description string `json:"description,omitempty"`
	// ExpiresAt is the unix-seconds deadline after which the server will no
	// longer accept a settlement for this invoice. Zero means the server did
	// not advertise one.
	ExpiresAt int64 `json:"expires_at,omitempty"`
	// Message carries detail when Status is a terminal error.
	Message string `json:"message,omitempty"`
}

// Payable reports whether the invoice can be settled. Servers signal outright
// rejection by setting Status to something other than "payment_required".
func (inv *Invoice) Payable() bool {
	return inv.Status == "" || inv.Status == InvoiceStatusPaymentRequired
}

// Expired reports whether the invoice deadline has passed. Invoices without
// an advertised deadline never expire client-side.
func (inv *Invoice) Expired(now time.Time) bool {
	return inv.ExpiresAt > 0 && now.Unix() > inv.ExpiresAt
}

// BaseAmount converts the invoice amount to base units.
func (inv *Invoice) BaseAmount() (uint64, error) {
	return BaseUnits(inv.Amount, inv.Decimals)
}

// PaymentProof ties an on-chain settlement back to the invoice it satisfies.
// It lives for the duration of one retry cycle and is discarded once the
// retried call completes.
type PaymentProof struct {
	Signature string `json:"signature"`
	RequestID string `json:"request_id"`
}

// VerifyCode classifies a verification failure. All codes are terminal: the
// verifier returns them, it never raises them as errors.
type VerifyCode string

const (
	CodeTxNotFound              VerifyCode = "tx_not_found"
	CodeTxFailed                VerifyCode = "tx_failed"
	CodeRecipientAccountMissing VerifyCode = "recipient_account_missing"
	CodeInsufficientAmount      VerifyCode = "insufficient_amount"
	CodePayerMismatch           VerifyCode = "payer_mismatch"
	CodeMemoMismatch            VerifyCode = "memo_mismatch"
	CodeInvoiceMalformed        VerifyCode = "invoice_malformed"
)

// VerificationResult is the verifier's judgement on one payment proof.
// MemoMatched is nil when the invoice required no memo, true/false when one
// was checked.
type VerificationResult struct {
	OK                bool              `json:"ok"`
	Code              VerifyCode        `json:"code,omitempty"`
	Message           string            `json:"message,omitempty"`
	Payer             string            `json:"payer,omitempty"`
	AmountTransferred string            `json:"amount_transferred,omitempty"`
	Slot              uint64            `json:"slot,omitempty"`
	BlockTime         int64             `json:"block_time,omitempty"`
	ExplorerURL       string            `json:"explorer_url,omitempty"`
	MemoMatched       *bool             `json:"memo_matched"`
	Details           map[string]string `json:"details,omitempty"`
}

// OutcomeStatus is the terminal state of one negotiation cycle. Settlement
// faults are not an OutcomeStatus: they surface as the error return of Call.
type OutcomeStatus string

const (
	// StatusOK means a non-402 response was received; Result holds the body.
	StatusOK OutcomeStatus = "ok"
	// StatusInvoice means payment is required and autoPay was disabled;
	// control returns to the caller with the invoice.
	StatusInvoice OutcomeStatus = "invoice"
	// StatusInvoiceError means the server rejected the call outright rather
	// than pricing it, or the invoice was stale before settlement began.
	StatusInvoiceError OutcomeStatus = "invoice_error"
	// StatusCancelled means the signer declined the payment. Not an error.
	StatusCancelled OutcomeStatus = "cancelled"
)

// Outcome is the result of one logical call through the negotiation client.
type Outcome struct {
	Status  OutcomeStatus
	Result  json.RawMessage
	Invoice *Invoice
	Proof   *PaymentProof
	// History records every transition of the cycle in order, mirroring what
	// the Reporter observed.
	History []TransitionEvent
}
