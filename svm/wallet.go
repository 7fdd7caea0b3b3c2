// Package svm settles x402 invoices on Solana: it builds, signs, submits and
// confirms the SPL token transfer that satisfies an invoice.
package svm

import (
	"context"
	"errors"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// Distinguished wallet conditions.
var (
	// ErrDeclined is returned (or wrapped) by a Wallet when the user rejects
	// a signing request. The settler converts it into a cancellation rather
	// than a fault.
	ErrDeclined = errors.New("svm: user declined signing request")

	// ErrWalletUnavailable indicates no compatible signer could be reached.
	ErrWalletUnavailable = errors.New("svm: wallet unavailable")
)

// Wallet is the externally supplied signing capability. Implementations wrap
// a browser extension bridge, a hardware wallet shim, or a local keypair.
type Wallet interface {
	// Address returns the connected signer address, or the zero key when the
	// wallet has not connected yet.
	Address() solana.PublicKey

	// Connect establishes the wallet connection and returns the signer
	// address. It fails with ErrWalletUnavailable when no compatible signer
	// exists.
	Connect(ctx context.Context) (solana.PublicKey, error)

	// SignTransaction signs the transaction in place. A user rejection is
	// reported as (or wrapped around) ErrDeclined.
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// KeypairWallet signs with a local ed25519 private key. It is always
// connected and never declines.
type KeypairWallet struct {
	key solana.PrivateKey
}

// NewKeypairWallet creates a wallet from a base58-encoded private key.
func NewKeypairWallet(privateKeyBase58 string) (*KeypairWallet, error) {
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key: %v", ErrWalletUnavailable, err)
	}
	return &KeypairWallet{key: key}, nil
}

// NewKeypairWalletFromKey wraps an existing private key.
func NewKeypairWalletFromKey(key solana.PrivateKey) *KeypairWallet {
	return &KeypairWallet{key: key}
}

// Address implements Wallet.
func (w *KeypairWallet) Address() solana.PublicKey {
	return w.key.PublicKey()
}

// Connect implements Wallet.
func (w *KeypairWallet) Connect(context.Context) (solana.PublicKey, error) {
	return w.key.PublicKey(), nil
}

// SignTransaction signs the transaction message and places the signature at
// the account index of the wallet key.
func (w *KeypairWallet) SignTransaction(_ context.Context, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	signature, err := w.key.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("sign message: %w", err)
	}
	accountIndex, err := tx.GetAccountIndex(w.key.PublicKey())
	if err != nil {
		return fmt.Errorf("signer not present in transaction: %w", err)
	}
	if len(tx.Signatures) <= int(accountIndex) {
		signatures := make([]solana.Signature, accountIndex+1)
		copy(signatures, tx.Signatures)
		tx.Signatures = signatures
	}
	tx.Signatures[accountIndex] = signature
	return nil
}
