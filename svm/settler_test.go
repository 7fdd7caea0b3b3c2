package svm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/FJDeFi/x402-i3-app"
)

var testSignature = solana.Signature{0x42}

type fakeLedger struct {
	accounts  map[solana.PublicKey]*rpc.GetAccountInfoResult
	sent      *solana.Transaction
	statusErr interface{}
}

func (f *fakeLedger) GetAccountInfo(_ context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if res, ok := f.accounts[account]; ok {
		return res, nil
	}
	return nil, rpc.ErrNotFound
}

func (f *fakeLedger) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{0x01}},
	}, nil
}

func (f *fakeLedger) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	f.sent = tx
	return testSignature, nil
}

func (f *fakeLedger) GetSignatureStatuses(context.Context, bool, ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return &rpc.GetSignatureStatusesResult{
		Value: []*rpc.SignatureStatusesResult{{
			Err:                f.statusErr,
			ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
		}},
	}, nil
}

func accountData(t *testing.T, raw []byte) *rpc.DataBytesOrJSON {
	t.Helper()
	payload, err := json.Marshal([]string{base64.StdEncoding.EncodeToString(raw), "base64"})
	require.NoError(t, err)
	var d rpc.DataBytesOrJSON
	require.NoError(t, d.UnmarshalJSON(payload))
	return &d
}

func mintAccount(t *testing.T, decimals uint8) *rpc.GetAccountInfoResult {
	t.Helper()
	var buf bytes.Buffer
	mint := token.Mint{Decimals: decimals, IsInitialized: true}
	require.NoError(t, bin.NewBinEncoder(&buf).Encode(mint))
	return &rpc.GetAccountInfoResult{
		Value: &rpc.Account{
			Owner: solana.TokenProgramID,
			Data:  accountData(t, buf.Bytes()),
		},
	}
}

func tokenAccount() *rpc.GetAccountInfoResult {
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{Owner: solana.TokenProgramID}}
}

type settleFixture struct {
	wallet    *KeypairWallet
	ledger    *fakeLedger
	settler   *Settler
	invoice   *x402.Invoice
	mint      solana.PublicKey
	recipient solana.PublicKey
	sourceATA solana.PublicKey
	destATA   solana.PublicKey
}

func newSettleFixture(t *testing.T) *settleFixture {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	wallet := NewKeypairWalletFromKey(key)

	mint := solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	recipient := solana.MustPublicKeyFromBase58("7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU")

	sourceATA, _, err := solana.FindAssociatedTokenAddress(wallet.Address(), mint)
	require.NoError(t, err)
	destATA, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	require.NoError(t, err)

	ledger := &fakeLedger{accounts: map[solana.PublicKey]*rpc.GetAccountInfoResult{
		mint:      mintAccount(t, 6),
		sourceATA: tokenAccount(),
		destATA:   tokenAccount(),
	}}
	settler := NewSettler(wallet, Config{
		ConfirmAttempts: 3,
		ConfirmInterval: time.Millisecond,
	}, WithLedger(ledger))

	return &settleFixture{
		wallet:  wallet,
		ledger:  ledger,
		settler: settler,
		invoice: &x402.Invoice{
			Status:    x402.InvoiceStatusPaymentRequired,
			RequestID: "req-1",
			Amount:    "0.05",
			Mint:      mint.String(),
			Recipient: recipient.String(),
			Decimals:  6,
			Nonce:     "n-1",
		},
		mint:      mint,
		recipient: recipient,
		sourceATA: sourceATA,
		destATA:   destATA,
	}
}

func sentPrograms(t *testing.T, tx *solana.Transaction) []solana.PublicKey {
	t.Helper()
	require.NotNil(t, tx)
	out := make([]solana.PublicKey, 0, len(tx.Message.Instructions))
	for _, ix := range tx.Message.Instructions {
		program, err := tx.Message.Program(ix.ProgramIDIndex)
		require.NoError(t, err)
		out = append(out, program)
	}
	return out
}

func TestSettleTransfersToken(t *testing.T) {
	f := newSettleFixture(t)

	sig, err := f.settler.Settle(context.Background(), f.invoice)
	require.NoError(t, err)
	assert.Equal(t, testSignature.String(), sig)

	programs := sentPrograms(t, f.ledger.sent)
	require.Len(t, programs, 3)
	assert.Equal(t, computebudget.ProgramID, programs[0])
	assert.Equal(t, computebudget.ProgramID, programs[1])
	assert.Equal(t, solana.TokenProgramID, programs[2])

	// Signed by the wallet as fee payer.
	require.NotEmpty(t, f.ledger.sent.Signatures)
	assert.NotEqual(t, solana.Signature{}, f.ledger.sent.Signatures[0])
	assert.Equal(t, f.wallet.Address(), f.ledger.sent.Message.AccountKeys[0])
}

func TestSettleCreatesDestinationAccount(t *testing.T) {
	f := newSettleFixture(t)
	delete(f.ledger.accounts, f.destATA)

	sig, err := f.settler.Settle(context.Background(), f.invoice)
	require.NoError(t, err)
	assert.Equal(t, testSignature.String(), sig)

	programs := sentPrograms(t, f.ledger.sent)
	require.Len(t, programs, 4)
	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, programs[2])
	assert.Equal(t, solana.TokenProgramID, programs[3])
}

func TestSettleAttachesMemo(t *testing.T) {
	f := newSettleFixture(t)
	f.invoice.Memo = "req-1"

	_, err := f.settler.Settle(context.Background(), f.invoice)
	require.NoError(t, err)

	programs := sentPrograms(t, f.ledger.sent)
	require.Len(t, programs, 4)
	assert.Equal(t, memoProgramID, programs[3])

	last := f.ledger.sent.Message.Instructions[3]
	assert.Equal(t, "req-1", string(last.Data))
}

type decliningWallet struct {
	*KeypairWallet
}

func (w *decliningWallet) SignTransaction(context.Context, *solana.Transaction) error {
	return ErrDeclined
}

func TestSettleDeclinedIsNotAnError(t *testing.T) {
	f := newSettleFixture(t)
	f.settler.wallet = &decliningWallet{f.wallet}

	sig, err := f.settler.Settle(context.Background(), f.invoice)
	require.NoError(t, err)
	assert.Empty(t, sig)
	assert.Nil(t, f.ledger.sent, "declined transaction must not be submitted")
}

func TestSettleSourceAccountMissing(t *testing.T) {
	f := newSettleFixture(t)
	delete(f.ledger.accounts, f.sourceATA)

	_, err := f.settler.Settle(context.Background(), f.invoice)
	require.ErrorIs(t, err, ErrSourceAccountMissing)
}

func TestSettleMintNotFound(t *testing.T) {
	f := newSettleFixture(t)
	delete(f.ledger.accounts, f.mint)

	_, err := f.settler.Settle(context.Background(), f.invoice)
	require.Error(t, err)
	var se *SettlementError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "mint", se.Stage)
}

func TestSettleRejectsNonMintAccount(t *testing.T) {
	f := newSettleFixture(t)
	f.ledger.accounts[f.mint] = &rpc.GetAccountInfoResult{
		Value: &rpc.Account{Owner: solana.SystemProgramID},
	}

	_, err := f.settler.Settle(context.Background(), f.invoice)
	require.Error(t, err)
	assert.ErrorContains(t, err, "not a token mint")
}

func TestSettleDecimalsMismatch(t *testing.T) {
	f := newSettleFixture(t)
	f.invoice.Decimals = 9

	_, err := f.settler.Settle(context.Background(), f.invoice)
	require.Error(t, err)
	assert.ErrorContains(t, err, "disagree")
	assert.Nil(t, f.ledger.sent)
}

func TestSettleRejectsMalformedInvoice(t *testing.T) {
	f := newSettleFixture(t)

	for name, mutate := range map[string]func(*x402.Invoice){
		"bad recipient": func(inv *x402.Invoice) { inv.Recipient = "not-an-address" },
		"bad mint":      func(inv *x402.Invoice) { inv.Mint = "nope" },
		"bad amount":    func(inv *x402.Invoice) { inv.Amount = "-1" },
	} {
		t.Run(name, func(t *testing.T) {
			inv := *f.invoice
			mutate(&inv)
			_, err := f.settler.Settle(context.Background(), &inv)
			var se *SettlementError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "invoice", se.Stage)
		})
	}
}

func TestSettleFailedOnChain(t *testing.T) {
	f := newSettleFixture(t)
	f.ledger.statusErr = map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}

	_, err := f.settler.Settle(context.Background(), f.invoice)
	require.Error(t, err)
	var se *SettlementError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "confirm", se.Stage)
}
