// Package paywall gates paid HTTP endpoints behind the x402 negotiation: it
// issues 402 invoices, tracks them until settlement, validates the payment
// proof header and delegates on-chain verification. Gin and Echo adapters
// wrap the framework-neutral core.
package paywall

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	x402 "github.com/FJDeFi/x402-i3-app"
)

// PaymentVerifier proves a settlement on the ledger. *verify.Verifier
// satisfies it.
type PaymentVerifier interface {
	Verify(ctx context.Context, signature string, inv *x402.Invoice, expectedPayer string) x402.VerificationResult
}

// PriceFunc prices one request. Returning an empty memo leaves the invoice
// unbound; a non-empty memo must appear in the settlement transaction.
type PriceFunc func(r *http.Request) (amount, description, memo string)

// Config holds the payment terms the paywall advertises.
type Config struct {
	// Recipient, Mint and Decimals describe the payment rail.
	Recipient string
	Mint      string
	Decimals  int
	// Amount is the default price when no PriceFunc is set.
	Amount      string
	Description string
	// BindMemo stamps each invoice with a unique memo the settlement must
	// carry. Off by default to match wallets that cannot attach memos.
	BindMemo bool
	// InvoiceTTL bounds how long an issued invoice stays payable.
	// Defaults to 5 minutes.
	InvoiceTTL time.Duration
	// RPCEndpoint, when set, is advertised to clients via the invoice
	// rpc_endpoint override.
	RPCEndpoint string
	// PinPayer verifies the settlement fee payer against the client's
	// X-Wallet-Address header when one is present.
	PinPayer bool
}

// Paywall issues invoices and admits requests carrying a verified proof.
type Paywall struct {
	cfg      Config
	verifier PaymentVerifier
	store    *InvoiceStore
	reporter x402.Reporter
	log      *zap.Logger
	price    PriceFunc
}

// Option configures the paywall.
type Option func(*Paywall)

// WithPriceFunc sets per-request pricing.
func WithPriceFunc(f PriceFunc) Option {
	return func(p *Paywall) {
		p.price = f
	}
}

// WithReporter sets the transition observer.
func WithReporter(r x402.Reporter) Option {
	return func(p *Paywall) {
		p.reporter = r
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Paywall) {
		p.log = log
	}
}

// WithStore injects the invoice store, e.g. to share one across paywalls.
func WithStore(store *InvoiceStore) Option {
	return func(p *Paywall) {
		p.store = store
	}
}

// New creates a paywall over the given verifier.
func New(cfg Config, verifier PaymentVerifier, opts ...Option) *Paywall {
	if cfg.InvoiceTTL <= 0 {
		cfg.InvoiceTTL = 5 * time.Minute
	}
	p := &Paywall{
		cfg:      cfg,
		verifier: verifier,
		reporter: x402.NopReporter{},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.store == nil {
		p.store = NewInvoiceStore(cfg.InvoiceTTL)
	}
	return p
}

// Decision is the paywall's judgement on one request.
type Decision struct {
	// Authorized is true when a verified payment admits the request.
	Authorized bool
	// StatusCode and Invoice describe the response to send when not
	// authorized. Terminal rejections carry a non-payable invoice status the
	// client surfaces as invoice_error.
	StatusCode int
	Invoice    *x402.Invoice
	// Verification is set when a proof was checked, successful or not.
	Verification *x402.VerificationResult
	// Session is the continuation token to echo back on the response.
	Session string
}

// Evaluate runs the payment handshake for one request.
func (p *Paywall) Evaluate(r *http.Request) Decision {
	session := r.Header.Get(x402.HeaderSession)
	if session == "" {
		session = uuid.NewString()
	}

	header := r.Header.Get(x402.HeaderPayment)
	if header == "" {
		return Decision{
			StatusCode: http.StatusPaymentRequired,
			Invoice:    p.issueInvoice(r),
			Session:    session,
		}
	}

	claim, err := x402.ParsePaymentHeader(header)
	if err != nil {
		p.log.Warn("malformed payment header", zap.Error(err))
		return p.reject(session, x402.ErrCodeInvalidPayment, "malformed X-PAYMENT header")
	}

	requestID := r.Header.Get(x402.HeaderRequestID)
	inv, ok := p.store.Get(requestID)
	if !ok {
		// The invoice aged out (or never existed): renegotiate with a fresh
		// one rather than hard-failing.
		p.log.Info("payment for unknown invoice, reissuing", zap.String("request_id", requestID))
		return Decision{
			StatusCode: http.StatusPaymentRequired,
			Invoice:    p.issueInvoice(r),
			Session:    session,
		}
	}
	if claim.Nonce != inv.Nonce {
		return p.reject(session, x402.ErrCodeInvalidNonce, "payment nonce does not match invoice")
	}

	expectedPayer := ""
	if p.cfg.PinPayer {
		expectedPayer = r.Header.Get(x402.HeaderWalletAddress)
	}

	vr := p.verifier.Verify(r.Context(), claim.Signature, inv, expectedPayer)
	if !vr.OK {
		p.record(x402.KindCancel, "payment verification failed", map[string]string{
			"request_id": inv.RequestID,
			"code":       string(vr.Code),
			"tx":         claim.Signature,
		})
		d := p.reject(session, string(vr.Code), vr.Message)
		d.Verification = &vr
		return d
	}

	if err := p.store.MarkSettled(inv.RequestID, claim.Signature); err != nil {
		if errors.Is(err, ErrReplayedSignature) {
			return p.reject(session, x402.ErrCodeReplayedPayment, "settlement signature already consumed")
		}
		return p.reject(session, x402.ErrCodeInvoiceExpired, "invoice expired during verification")
	}

	p.record(x402.KindPayment, "payment verified", map[string]string{
		"request_id": inv.RequestID,
		"tx":         claim.Signature,
		"amount":     vr.AmountTransferred,
		"payer":      vr.Payer,
	})
	return Decision{Authorized: true, Verification: &vr, Session: session}
}

func (p *Paywall) issueInvoice(r *http.Request) *x402.Invoice {
	amount, description, memo := p.cfg.Amount, p.cfg.Description, ""
	if p.price != nil {
		amount, description, memo = p.price(r)
	}
	requestID := uuid.NewString()
	if memo == "" && p.cfg.BindMemo {
		memo = requestID
	}
	inv := &x402.Invoice{
		Status:      x402.InvoiceStatusPaymentRequired,
		RequestID:   requestID,
		Amount:      amount,
		Mint:        p.cfg.Mint,
		Recipient:   p.cfg.Recipient,
		Decimals:    p.cfg.Decimals,
		Memo:        memo,
		Nonce:       uuid.NewString(),
		RPCEndpoint: p.cfg.RPCEndpoint,
		Description: description,
		ExpiresAt:   time.Now().Add(p.cfg.InvoiceTTL).Unix(),
	}
	p.store.Put(inv)
	p.record(x402.KindInvoice, "invoice issued", map[string]string{
		"request_id": inv.RequestID,
		"amount":     inv.Amount,
		"path":       r.URL.Path,
	})
	return inv
}

// reject builds a terminal 402: the invoice status tells the client not to
// attempt payment.
func (p *Paywall) reject(session, status, message string) Decision {
	return Decision{
		StatusCode: http.StatusPaymentRequired,
		Invoice:    &x402.Invoice{Status: status, Message: message},
		Session:    session,
	}
}

func (p *Paywall) record(kind x402.TransitionKind, text string, meta map[string]string) {
	ev := x402.TransitionEvent{Kind: kind, Text: text, Time: time.Now(), Meta: meta}
	defer func() { _ = recover() }()
	p.reporter.Record(ev)
}
