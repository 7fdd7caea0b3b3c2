package paywall

import (
	"errors"
	"sync"
	"time"

	x402 "github.com/FJDeFi/x402-i3-app"
)

// Store errors.
var (
	// ErrInvoiceUnknown indicates no live invoice matches the request id.
	ErrInvoiceUnknown = errors.New("paywall: unknown or expired invoice")

	// ErrReplayedSignature indicates the settlement signature was already
	// consumed by a different invoice.
	ErrReplayedSignature = errors.New("paywall: settlement signature already used")
)

type invoiceEntry struct {
	invoice   *x402.Invoice
	expiresAt time.Time
	signature string
}

// InvoiceStore tracks issued invoices until they expire and remembers which
// settlement signatures have been consumed, so a transaction can never pay
// for two invoices. In-memory; a multi-node deployment would back this with
// shared storage.
type InvoiceStore struct {
	mu       sync.Mutex
	invoices map[string]*invoiceEntry
	usedSigs map[string]string // signature -> request_id
	ttl      time.Duration
}

// NewInvoiceStore creates a store whose invoices live for ttl.
func NewInvoiceStore(ttl time.Duration) *InvoiceStore {
	return &InvoiceStore{
		invoices: make(map[string]*invoiceEntry),
		usedSigs: make(map[string]string),
		ttl:      ttl,
	}
}

// Put registers a freshly issued invoice.
func (s *InvoiceStore) Put(inv *x402.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.RequestID] = &invoiceEntry{
		invoice:   inv,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.cleanupExpiredLocked()
}

// Get returns the live invoice for a request id.
func (s *InvoiceStore) Get(requestID string) (*x402.Invoice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.invoices[requestID]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.invoices, requestID)
		return nil, false
	}
	return entry.invoice, true
}

// MarkSettled records the settlement signature for an invoice. It is
// idempotent for the same invoice/signature pair and rejects a signature
// already consumed by another invoice.
func (s *InvoiceStore) MarkSettled(requestID, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.invoices[requestID]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(s.invoices, requestID)
		return ErrInvoiceUnknown
	}
	if prior, used := s.usedSigs[signature]; used && prior != requestID {
		return ErrReplayedSignature
	}
	entry.signature = signature
	s.usedSigs[signature] = requestID
	return nil
}

// Settled returns the recorded settlement signature for an invoice, if any.
func (s *InvoiceStore) Settled(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.invoices[requestID]
	if !ok || entry.signature == "" {
		return "", false
	}
	return entry.signature, true
}

// cleanupExpiredLocked drops expired invoices. Consumed signatures are kept:
// replay protection outlives the invoice TTL for the process lifetime.
func (s *InvoiceStore) cleanupExpiredLocked() {
	now := time.Now()
	for id, entry := range s.invoices {
		if now.After(entry.expiresAt) {
			delete(s.invoices, id)
		}
	}
}
