package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Settler submits and confirms an on-chain transfer satisfying an invoice.
// A declined signing request returns ("", nil): cancellation is not an error.
// Any other failure is returned as the error and terminates the cycle.
type Settler interface {
	Settle(ctx context.Context, invoice *Invoice) (signature string, err error)
}

// SettlerFunc adapts a function to the Settler interface.
type SettlerFunc func(ctx context.Context, invoice *Invoice) (string, error)

// Settle implements Settler.
func (f SettlerFunc) Settle(ctx context.Context, invoice *Invoice) (string, error) {
	return f(ctx, invoice)
}

// Client drives the request/402/pay/retry negotiation cycle. Network calls
// and signer interactions run strictly in sequence; there are never parallel
// in-flight invoices for the same logical call.
type Client struct {
	httpClient    *http.Client
	settler       Settler
	reporter      Reporter
	log           *zap.Logger
	autoPay       bool
	maxPayments   int
	enforceExpiry bool
	walletAddress string
	now           func() time.Time
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSettler sets the default settlement capability used when autoPay is on.
func WithSettler(s Settler) ClientOption {
	return func(c *Client) {
		c.settler = s
	}
}

// WithReporter sets the transition observer.
func WithReporter(r Reporter) ClientOption {
	return func(c *Client) {
		c.reporter = r
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// WithAutoPay toggles automatic settlement of payable invoices. Default on.
func WithAutoPay(autoPay bool) ClientOption {
	return func(c *Client) {
		c.autoPay = autoPay
	}
}

// WithMaxPaymentAttempts bounds how many invoices the client will pay within
// one logical call before giving up with ErrPaymentAttemptsExceeded. A
// well-behaved server prices a call once, so the default is 1.
func WithMaxPaymentAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxPayments = n
		}
	}
}

// WithExpiryEnforcement toggles client-side rejection of invoices whose
// expires_at deadline has passed. Default on; disabling defers expiry
// entirely to the server.
func WithExpiryEnforcement(enforce bool) ClientOption {
	return func(c *Client) {
		c.enforceExpiry = enforce
	}
}

// WithWalletAddress advertises the payer wallet on every request via the
// X-Wallet-Address header.
func WithWalletAddress(address string) ClientOption {
	return func(c *Client) {
		c.walletAddress = address
	}
}

// NewClient creates a negotiation client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:    http.DefaultClient,
		reporter:      NopReporter{},
		log:           zap.NewNop(),
		autoPay:       true,
		maxPayments:   1,
		enforceExpiry: true,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// callOptions hold per-call overrides and hooks.
type callOptions struct {
	onInvoice func(*Invoice)
	onPayment func(*Invoice, string)
	onResult  func(json.RawMessage)
	autoPay   *bool
	settler   Settler
}

// CallOption configures a single call.
type CallOption func(*callOptions)

// OnInvoice registers a hook fired when a payable invoice arrives. Hooks are
// side effects only and must not block the flow.
func OnInvoice(f func(*Invoice)) CallOption {
	return func(o *callOptions) {
		o.onInvoice = f
	}
}

// OnPayment registers a hook fired after a settlement succeeds, with the
// invoice and the transaction signature.
func OnPayment(f func(*Invoice, string)) CallOption {
	return func(o *callOptions) {
		o.onPayment = f
	}
}

// OnResult registers a hook fired with the final response body.
func OnResult(f func(json.RawMessage)) CallOption {
	return func(o *callOptions) {
		o.onResult = f
	}
}

// AutoPay overrides the client-level autoPay setting for this call.
func AutoPay(autoPay bool) CallOption {
	return func(o *callOptions) {
		o.autoPay = &autoPay
	}
}

// WithPaymentProvider overrides the settlement capability for this call.
func WithPaymentProvider(s Settler) CallOption {
	return func(o *callOptions) {
		o.settler = s
	}
}

// Call performs one logical application call against endpoint, paying 402
// invoices along the way when autoPay is enabled. The payload is sent as the
// JSON request body on every attempt; session continuation tokens issued by
// the server are echoed verbatim on each subsequent attempt.
//
// Settlement faults are propagated as the error return. Cancellation by the
// signer is a benign StatusCancelled outcome, never an error.
func (c *Client) Call(ctx context.Context, endpoint string, payload interface{}, opts ...CallOption) (*Outcome, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	body, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	var (
		history []TransitionEvent
		session string
		payment *PaymentClaim
		proof   *PaymentProof
		paid    int
	)
	report := func(kind TransitionKind, text string, meta map[string]string) {
		ev := TransitionEvent{Kind: kind, Text: text, Time: c.now(), Meta: meta}
		history = append(history, ev)
		record(c.reporter, ev)
	}

	for {
		resp, respBody, err := c.send(ctx, endpoint, body, session, payment, proof)
		if err != nil {
			return nil, err
		}
		// Proof headers are attached to exactly one retry.
		payment = nil
		if s := resp.Header.Get(HeaderSession); s != "" {
			session = s
		}

		if resp.StatusCode != http.StatusPaymentRequired {
			report(KindResult, "call completed", nil)
			if co.onResult != nil {
				co.onResult(respBody)
			}
			return &Outcome{Status: StatusOK, Result: respBody, Proof: proof, History: history}, nil
		}

		inv := new(Invoice)
		if err := json.Unmarshal(respBody, inv); err != nil {
			return nil, NewPaymentError(ErrCodeInvalidInvoice, "malformed 402 invoice body", err)
		}

		if !inv.Payable() {
			reason := inv.Message
			if reason == "" {
				reason = inv.Status
			}
			report(KindCancel, reason, invoiceMeta(inv))
			return &Outcome{Status: StatusInvoiceError, Invoice: inv, History: history}, nil
		}

		report(KindInvoice, invoiceText(inv), invoiceMeta(inv))
		if co.onInvoice != nil {
			co.onInvoice(inv)
		}

		autoPay := c.autoPay
		if co.autoPay != nil {
			autoPay = *co.autoPay
		}
		if !autoPay {
			return &Outcome{Status: StatusInvoice, Invoice: inv, History: history}, nil
		}

		if c.enforceExpiry && inv.Expired(c.now()) {
			report(KindCancel, "invoice expired before settlement", invoiceMeta(inv))
			return &Outcome{Status: StatusInvoiceError, Invoice: inv, History: history}, nil
		}

		if paid >= c.maxPayments {
			return nil, fmt.Errorf("%w: server demanded payment %d times for one call", ErrPaymentAttemptsExceeded, paid+1)
		}
		settler := c.settler
		if co.settler != nil {
			settler = co.settler
		}
		if settler == nil {
			return nil, ErrNoSettler
		}

		paid++
		sig, err := settler.Settle(ctx, inv)
		if err != nil {
			report(KindCancel, fmt.Sprintf("payment failed: %v", err), invoiceMeta(inv))
			return nil, fmt.Errorf("settle invoice %s: %w", inv.RequestID, err)
		}
		if sig == "" {
			report(KindCancel, "user cancelled wallet payment", invoiceMeta(inv))
			return &Outcome{Status: StatusCancelled, Invoice: inv, History: history}, nil
		}

		proof = &PaymentProof{Signature: sig, RequestID: inv.RequestID}
		report(KindPayment, "payment settled, retrying request", map[string]string{
			"tx": sig, "amount": inv.Amount, "request_id": inv.RequestID,
		})
		if co.onPayment != nil {
			co.onPayment(inv, sig)
		}
		payment = &PaymentClaim{
			Signature: sig,
			Amount:    inv.Amount,
			Nonce:     inv.Nonce,
			Memo:      inv.Memo,
		}
	}
}

func (c *Client) send(ctx context.Context, endpoint string, body []byte, session string, payment *PaymentClaim, proof *PaymentProof) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.walletAddress != "" {
		req.Header.Set(HeaderWalletAddress, c.walletAddress)
	}
	if session != "" {
		req.Header.Set(HeaderSession, session)
	}
	if payment != nil {
		req.Header.Set(HeaderRequestID, proof.RequestID)
		req.Header.Set(HeaderPayment, EncodePaymentHeader(*payment))
	}

	c.log.Debug("issuing request",
		zap.String("endpoint", endpoint),
		zap.Bool("with_payment", payment != nil),
		zap.Bool("with_session", session != ""))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp, respBody, nil
}

func encodePayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

func invoiceText(inv *Invoice) string {
	if inv.Description != "" {
		return inv.Description
	}
	return "payment required"
}

func invoiceMeta(inv *Invoice) map[string]string {
	meta := map[string]string{
		"request_id": inv.RequestID,
		"amount":     inv.Amount,
	}
	if inv.Memo != "" {
		meta["memo"] = inv.Memo
	}
	return meta
}
