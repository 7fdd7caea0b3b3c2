package svm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	x402 "github.com/FJDeFi/x402-i3-app"
)

// ErrSourceAccountMissing indicates the signer has no funded token account
// for the invoice mint and therefore cannot pay.
var ErrSourceAccountMissing = errors.New("svm: source token account missing")

// SettlementError is an unrecoverable settlement failure carrying its cause.
// The settler never retries on its own; retry, if any, is the negotiation
// client re-running the whole cycle in response to a fresh 402.
type SettlementError struct {
	Stage string
	Err   error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("svm: settlement failed at %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SettlementError) Unwrap() error {
	return e.Err
}

// spl-memo program.
var memoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// Compute-unit envelopes for the transfer transaction shapes this settler
// emits.
const (
	transferComputeUnits    uint32 = 10_000
	ataCreateComputeUnits   uint32 = 30_000
	defaultComputeUnitPrice uint64 = 1_000
)

// LedgerClient is the slice of the Solana RPC surface the settler needs.
// *rpc.Client satisfies it.
type LedgerClient interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Config holds settler construction parameters.
type Config struct {
	// RPCEndpoint is the default ledger endpoint. An invoice rpc_endpoint
	// overrides it per settlement unless a LedgerClient was injected.
	RPCEndpoint string
	// Commitment is the confirmation target. Defaults to confirmed.
	Commitment rpc.CommitmentType
	// ConfirmAttempts bounds the confirmation poll. Defaults to 30.
	ConfirmAttempts int
	// ConfirmInterval is the poll cadence. Defaults to 1s.
	ConfirmInterval time.Duration
	// SkipPreflight disables the submit-time simulation.
	SkipPreflight bool
}

// Settler builds and submits the token transfer that satisfies an invoice.
// Settle is serialized per instance: a wallet prompt is never outstanding for
// two settlements at once.
type Settler struct {
	mu     sync.Mutex
	wallet Wallet
	ledger LedgerClient
	cfg    Config
	log    *zap.Logger
}

// Option configures the settler.
type Option func(*Settler)

// WithLedger injects a ledger client, overriding RPCEndpoint resolution.
// Intended for tests and callers that pool connections themselves.
func WithLedger(ledger LedgerClient) Option {
	return func(s *Settler) {
		s.ledger = ledger
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Settler) {
		s.log = log
	}
}

// NewSettler creates a settler over the given wallet.
func NewSettler(wallet Wallet, cfg Config, opts ...Option) *Settler {
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = 30
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = time.Second
	}
	s := &Settler{wallet: wallet, cfg: cfg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.ledger == nil && cfg.RPCEndpoint != "" {
		s.ledger = rpc.New(cfg.RPCEndpoint)
	}
	return s
}

// Settle builds, signs, submits and confirms the transfer for the invoice.
// It returns the transaction signature, or ("", nil) when the signer
// declined. All other failures are *SettlementError.
func (s *Settler) Settle(ctx context.Context, inv *x402.Invoice) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := s.wallet.Address()
	if owner.IsZero() {
		connected, err := s.wallet.Connect(ctx)
		if err != nil {
			return "", &SettlementError{Stage: "connect", Err: err}
		}
		owner = connected
	}

	recipient, err := solana.PublicKeyFromBase58(strings.TrimSpace(inv.Recipient))
	if err != nil {
		return "", &SettlementError{Stage: "invoice", Err: fmt.Errorf("invalid recipient address: %w", err)}
	}
	mint, err := solana.PublicKeyFromBase58(strings.TrimSpace(inv.Mint))
	if err != nil {
		return "", &SettlementError{Stage: "invoice", Err: fmt.Errorf("invalid mint address: %w", err)}
	}
	amount, err := inv.BaseAmount()
	if err != nil {
		return "", &SettlementError{Stage: "invoice", Err: err}
	}

	ledger := s.ledgerFor(inv)
	if ledger == nil {
		return "", &SettlementError{Stage: "connect", Err: errors.New("no ledger endpoint configured")}
	}

	mintAccount, err := ledger.GetAccountInfo(ctx, mint)
	if err != nil || mintAccount == nil || mintAccount.Value == nil {
		if err == nil || errors.Is(err, rpc.ErrNotFound) {
			return "", &SettlementError{Stage: "mint", Err: fmt.Errorf("mint %s not found on ledger", mint)}
		}
		return "", &SettlementError{Stage: "mint", Err: err}
	}
	tokenProgram := mintAccount.Value.Owner
	if !tokenProgram.Equals(solana.TokenProgramID) && !tokenProgram.Equals(solana.Token2022ProgramID) {
		return "", &SettlementError{Stage: "mint", Err: fmt.Errorf("account %s is not a token mint", mint)}
	}
	var mintData token.Mint
	if err := bin.NewBinDecoder(mintAccount.Value.Data.GetBinary()).Decode(&mintData); err != nil {
		return "", &SettlementError{Stage: "mint", Err: fmt.Errorf("decode mint account: %w", err)}
	}
	if int(mintData.Decimals) != inv.Decimals {
		return "", &SettlementError{Stage: "mint", Err: fmt.Errorf(
			"invoice decimals %d disagree with on-chain decimals %d", inv.Decimals, mintData.Decimals)}
	}

	// Holding-account derivation is pure; existence checks are not.
	sourceATA, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return "", &SettlementError{Stage: "derive", Err: err}
	}
	destinationATA, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return "", &SettlementError{Stage: "derive", Err: err}
	}

	if missing, err := s.accountMissing(ctx, ledger, sourceATA); err != nil {
		return "", &SettlementError{Stage: "source-account", Err: err}
	} else if missing {
		return "", &SettlementError{Stage: "source-account", Err: ErrSourceAccountMissing}
	}

	destinationMissing, err := s.accountMissing(ctx, ledger, destinationATA)
	if err != nil {
		return "", &SettlementError{Stage: "destination-account", Err: err}
	}

	instructions, err := s.buildInstructions(buildParams{
		owner:             owner,
		recipient:         recipient,
		mint:              mint,
		sourceATA:         sourceATA,
		destinationATA:    destinationATA,
		amount:            amount,
		decimals:          mintData.Decimals,
		memo:              inv.Memo,
		createDestination: destinationMissing,
	})
	if err != nil {
		return "", &SettlementError{Stage: "build", Err: err}
	}

	latest, err := ledger.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", &SettlementError{Stage: "blockhash", Err: err}
	}

	builder := solana.NewTransactionBuilder().
		SetRecentBlockHash(latest.Value.Blockhash).
		SetFeePayer(owner)
	for _, ix := range instructions {
		builder = builder.AddInstruction(ix)
	}
	tx, err := builder.Build()
	if err != nil {
		return "", &SettlementError{Stage: "build", Err: err}
	}

	if err := s.wallet.SignTransaction(ctx, tx); err != nil {
		if errors.Is(err, ErrDeclined) {
			s.log.Info("signer declined payment", zap.String("request_id", inv.RequestID))
			return "", nil
		}
		return "", &SettlementError{Stage: "sign", Err: err}
	}

	signature, err := ledger.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	})
	if err != nil {
		return "", &SettlementError{Stage: "submit", Err: err}
	}

	s.log.Info("transfer submitted",
		zap.String("signature", signature.String()),
		zap.String("request_id", inv.RequestID),
		zap.Uint64("base_units", amount),
		zap.Bool("created_destination", destinationMissing))

	if err := s.awaitConfirmation(ctx, ledger, signature); err != nil {
		return "", &SettlementError{Stage: "confirm", Err: err}
	}
	return signature.String(), nil
}

func (s *Settler) ledgerFor(inv *x402.Invoice) LedgerClient {
	// An injected client wins: the caller owns connection lifecycle.
	if s.ledger != nil && (s.cfg.RPCEndpoint == "" || inv.RPCEndpoint == "" || inv.RPCEndpoint == s.cfg.RPCEndpoint) {
		return s.ledger
	}
	if inv.RPCEndpoint != "" && s.cfg.RPCEndpoint != "" && inv.RPCEndpoint != s.cfg.RPCEndpoint {
		return rpc.New(inv.RPCEndpoint)
	}
	return s.ledger
}

func (s *Settler) accountMissing(ctx context.Context, ledger LedgerClient, account solana.PublicKey) (bool, error) {
	info, err := ledger.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return info == nil || info.Value == nil, nil
}

type buildParams struct {
	owner             solana.PublicKey
	recipient         solana.PublicKey
	mint              solana.PublicKey
	sourceATA         solana.PublicKey
	destinationATA    solana.PublicKey
	amount            uint64
	decimals          uint8
	memo              string
	createDestination bool
}

func (s *Settler) buildInstructions(p buildParams) ([]solana.Instruction, error) {
	units := transferComputeUnits
	if p.createDestination {
		units += ataCreateComputeUnits
	}
	limit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(units).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("compute limit instruction: %w", err)
	}
	price, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(defaultComputeUnitPrice).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("compute price instruction: %w", err)
	}

	instructions := []solana.Instruction{limit, price}

	if p.createDestination {
		// Recipient holding account does not exist yet: its creation rides
		// on this transaction, rent billed to the payer.
		create, err := associatedtokenaccount.NewCreateInstruction(p.owner, p.recipient, p.mint).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("create destination account instruction: %w", err)
		}
		instructions = append(instructions, create)
	}

	transfer, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(p.amount).
		SetDecimals(p.decimals).
		SetSourceAccount(p.sourceATA).
		SetMintAccount(p.mint).
		SetDestinationAccount(p.destinationATA).
		SetOwnerAccount(p.owner).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("transfer instruction: %w", err)
	}
	instructions = append(instructions, transfer)

	if p.memo != "" {
		// Binds the settlement to the invoice so the verifier can check it.
		memoIx := solana.NewInstruction(
			memoProgramID,
			solana.AccountMetaSlice{solana.NewAccountMeta(p.owner, false, true)},
			[]byte(p.memo),
		)
		instructions = append(instructions, memoIx)
	}
	return instructions, nil
}

func (s *Settler) awaitConfirmation(ctx context.Context, ledger LedgerClient, signature solana.Signature) error {
	for attempt := 0; attempt < s.cfg.ConfirmAttempts; attempt++ {
		statuses, err := ledger.GetSignatureStatuses(ctx, true, signature)
		if err == nil && statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on chain: %v", signature, status.Err)
			}
			if confirmedAt(status.ConfirmationStatus, s.cfg.Commitment) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ConfirmInterval):
		}
	}
	return fmt.Errorf("transaction %s not confirmed after %d attempts", signature, s.cfg.ConfirmAttempts)
}

func confirmedAt(status rpc.ConfirmationStatusType, target rpc.CommitmentType) bool {
	if status == rpc.ConfirmationStatusFinalized {
		return true
	}
	return status == rpc.ConfirmationStatusConfirmed && target != rpc.CommitmentFinalized
}
