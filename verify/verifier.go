// Package verify proves on-chain settlement of x402 invoices. Given a
// transaction signature and the original invoice it queries the ledger and
// classifies the outcome; it never mutates ledger state and never raises
// verification failures as errors.
package verify

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	x402 "github.com/FJDeFi/x402-i3-app"
)

// spl-memo program, current and legacy deployments. Either satisfies the
// invoice memo binding.
var (
	memoProgramID       = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
	memoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")
)

// TransactionFetcher is the slice of the ledger RPC surface the verifier
// needs. *rpc.Client satisfies it.
type TransactionFetcher interface {
	GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// Config holds verifier construction parameters.
type Config struct {
	// RPCEndpoint is the ledger endpoint. The connection is built once at
	// construction and shared; concurrent Verify calls are safe.
	RPCEndpoint string
	// Commitment is the minimum finality the transaction must have reached.
	// Defaults to confirmed.
	Commitment rpc.CommitmentType
	// PollAttempts bounds the transaction lookup loop. Defaults to 6.
	PollAttempts int
	// PollInterval is the lookup cadence. Defaults to 500ms.
	PollInterval time.Duration
	// StrictMemo fails verification when the invoice memo is absent from the
	// transaction. When off (the default) a mismatch is recorded in
	// memo_matched and logged, but does not fail the check.
	StrictMemo bool
	// ExplorerBaseURL builds the explorer link; "{tx}" is substituted with
	// the signature. Empty selects the public devnet explorer.
	ExplorerBaseURL string
}

// Verifier checks that a payment proof settles its invoice.
type Verifier struct {
	fetch TransactionFetcher
	cfg   Config
	log   *zap.Logger
}

// Option configures the verifier.
type Option func(*Verifier)

// WithFetcher injects the transaction source, overriding RPCEndpoint
// resolution. Intended for tests and callers that share a connection.
func WithFetcher(f TransactionFetcher) Option {
	return func(v *Verifier) {
		v.fetch = f
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(v *Verifier) {
		v.log = log
	}
}

// New creates a verifier. The ledger connection is established here, not
// lazily on first use.
func New(cfg Config, opts ...Option) *Verifier {
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 6
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	v := &Verifier{cfg: cfg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(v)
	}
	if v.fetch == nil {
		v.fetch = rpc.New(cfg.RPCEndpoint)
	}
	return v
}

// Verify proves the transfer identified by signature satisfies the invoice.
// expectedPayer, when non-empty, additionally pins the transaction fee payer
// (case-insensitive compare). Overpayment is accepted; all failures are
// terminal classifications in the result, never errors.
func (v *Verifier) Verify(ctx context.Context, signature string, inv *x402.Invoice, expectedPayer string) x402.VerificationResult {
	var memoMatched *bool
	if inv.Memo != "" {
		matched := false
		memoMatched = &matched
	}
	fail := func(code x402.VerifyCode, message string, details map[string]string) x402.VerificationResult {
		return x402.VerificationResult{
			OK:          false,
			Code:        code,
			Message:     message,
			MemoMatched: memoMatched,
			Details:     details,
		}
	}

	required, err := inv.BaseAmount()
	if err != nil {
		return fail(x402.CodeInvoiceMalformed, fmt.Sprintf("invoice amount: %v", err), nil)
	}

	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return fail(x402.CodeTxNotFound, "malformed transaction signature", nil)
	}

	record := v.fetchWithRetry(ctx, sig)
	if record == nil || record.Meta == nil {
		return fail(x402.CodeTxNotFound,
			fmt.Sprintf("transaction not found at %s commitment", v.cfg.Commitment), nil)
	}
	if record.Meta.Err != nil {
		return fail(x402.CodeTxFailed, "on-chain transaction failed", map[string]string{
			"err": fmt.Sprintf("%v", record.Meta.Err),
		})
	}

	var parsed *solana.Transaction
	if record.Transaction != nil {
		parsed, err = record.Transaction.GetTransaction()
		if err != nil {
			v.log.Warn("undecodable transaction envelope", zap.String("signature", signature), zap.Error(err))
			parsed = nil
		}
	}

	if inv.Memo != "" {
		matched := memoPresent(parsed, inv.Memo)
		*memoMatched = matched
		if !matched {
			if v.cfg.StrictMemo {
				return fail(x402.CodeMemoMismatch, "invoice memo not found in transaction", map[string]string{
					"expected": inv.Memo,
				})
			}
			v.log.Warn("memo mismatch",
				zap.String("expected", inv.Memo),
				zap.String("signature", signature))
		}
	}

	post := findTokenBalance(record.Meta.PostTokenBalances, inv.Mint, inv.Recipient)
	if post == nil {
		return fail(x402.CodeRecipientAccountMissing,
			"recipient token account not present in transaction balance changes", nil)
	}
	pre := findTokenBalance(record.Meta.PreTokenBalances, inv.Mint, inv.Recipient)

	transferred := balanceDelta(post, pre)
	requiredBig := new(big.Int).SetUint64(required)
	if transferred.Cmp(requiredBig) < 0 {
		return fail(x402.CodeInsufficientAmount, "transferred amount below invoice requirement", map[string]string{
			"transferred": transferred.String(),
			"required":    requiredBig.String(),
		})
	}

	payer := feePayer(parsed)
	if expectedPayer != "" && payer != "" && !strings.EqualFold(expectedPayer, payer) {
		return fail(x402.CodePayerMismatch, "transaction sent from unexpected wallet", map[string]string{
			"expected": expectedPayer,
			"actual":   payer,
		})
	}

	result := x402.VerificationResult{
		OK:                true,
		Payer:             payer,
		AmountTransferred: transferred.String(),
		Slot:              record.Slot,
		ExplorerURL:       ExplorerURL(v.cfg.ExplorerBaseURL, signature),
		MemoMatched:       memoMatched,
	}
	if record.BlockTime != nil {
		result.BlockTime = record.BlockTime.Time().Unix()
	}
	return result
}

// fetchWithRetry polls for the transaction at a fixed cadence up to the
// configured number of attempts. Transient RPC failures count as attempts.
func (v *Verifier) fetchWithRetry(ctx context.Context, sig solana.Signature) *rpc.GetTransactionResult {
	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     v.cfg.Commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	}
	for attempt := 0; attempt < v.cfg.PollAttempts; attempt++ {
		record, err := v.fetch.GetTransaction(ctx, sig, opts)
		if err == nil && record != nil {
			return record
		}
		if err != nil && err != rpc.ErrNotFound {
			v.log.Debug("transaction lookup failed",
				zap.String("signature", sig.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(v.cfg.PollInterval):
		}
	}
	return nil
}

func memoPresent(tx *solana.Transaction, memo string) bool {
	if tx == nil {
		return false
	}
	keys := tx.Message.AccountKeys
	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			continue
		}
		program := keys[ix.ProgramIDIndex]
		if !program.Equals(memoProgramID) && !program.Equals(memoProgramIDLegacy) {
			continue
		}
		if string(ix.Data) == memo {
			return true
		}
	}
	return false
}

func findTokenBalance(balances []rpc.TokenBalance, mint, owner string) *rpc.TokenBalance {
	for i := range balances {
		b := &balances[i]
		if b.Owner == nil || b.UiTokenAmount == nil {
			continue
		}
		if b.Mint.String() == mint && strings.EqualFold(b.Owner.String(), owner) {
			return b
		}
	}
	return nil
}

// balanceDelta computes post − pre; a missing pre balance means the holding
// account was created by this transaction and counts as zero.
func balanceDelta(post, pre *rpc.TokenBalance) *big.Int {
	after, ok := new(big.Int).SetString(post.UiTokenAmount.Amount, 10)
	if !ok {
		after = new(big.Int)
	}
	before := new(big.Int)
	if pre != nil && pre.UiTokenAmount != nil {
		if b, ok := new(big.Int).SetString(pre.UiTokenAmount.Amount, 10); ok {
			before = b
		}
	}
	return after.Sub(after, before)
}

// feePayer resolves the presumptive payer: the first account in the
// transaction's account list.
func feePayer(tx *solana.Transaction) string {
	if tx == nil || len(tx.Message.AccountKeys) == 0 {
		return ""
	}
	return tx.Message.AccountKeys[0].String()
}
