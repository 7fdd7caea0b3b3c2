package x402

import (
	"fmt"
	"strings"
)

// Header names used across the negotiation cycle.
const (
	// HeaderPayment carries the settlement proof on a post-payment retry:
	//   X-PAYMENT: x402 tx=<signature>; amount=<amount>; nonce=<nonce>[; memo=<memo>]
	HeaderPayment = "X-PAYMENT"
	// HeaderRequestID echoes the invoice request_id on a post-payment retry.
	HeaderRequestID = "X-Request-Id"
	// HeaderSession is the server-issued continuation token the client echoes
	// verbatim on every subsequent request of the same logical call.
	HeaderSession = "X-Workflow-Session"
	// HeaderWalletAddress advertises the caller's wallet so the server can
	// pin the expected payer during verification.
	HeaderWalletAddress = "X-Wallet-Address"
)

const paymentHeaderScheme = "x402"

// PaymentClaim is the decoded form of the X-PAYMENT header.
type PaymentClaim struct {
	Signature string
	Amount    string
	Nonce     string
	Memo      string
}

// EncodePaymentHeader renders a claim into the X-PAYMENT wire form.
func EncodePaymentHeader(c PaymentClaim) string {
	var b strings.Builder
	b.WriteString(paymentHeaderScheme)
	b.WriteString(" tx=")
	b.WriteString(c.Signature)
	b.WriteString("; amount=")
	b.WriteString(c.Amount)
	b.WriteString("; nonce=")
	b.WriteString(c.Nonce)
	if c.Memo != "" {
		b.WriteString("; memo=")
		b.WriteString(c.Memo)
	}
	return b.String()
}

// ParsePaymentHeader decodes an X-PAYMENT header value. The memo, when
// present, must be the final field: it is treated as opaque up to end of
// header.
func ParsePaymentHeader(header string) (PaymentClaim, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), paymentHeaderScheme+" ")
	if !ok {
		return PaymentClaim{}, fmt.Errorf("payment header missing %q scheme", paymentHeaderScheme)
	}
	var claim PaymentClaim
	for rest != "" {
		var field string
		field, rest, _ = strings.Cut(rest, "; ")
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return PaymentClaim{}, fmt.Errorf("malformed payment header field %q", field)
		}
		switch key {
		case "tx":
			claim.Signature = value
		case "amount":
			claim.Amount = value
		case "nonce":
			claim.Nonce = value
		case "memo":
			// Opaque: reassemble anything the field split consumed.
			claim.Memo = value
			if rest != "" {
				claim.Memo += "; " + rest
				rest = ""
			}
		default:
			return PaymentClaim{}, fmt.Errorf("unknown payment header field %q", key)
		}
	}
	if claim.Signature == "" {
		return PaymentClaim{}, fmt.Errorf("payment header missing tx field")
	}
	if claim.Nonce == "" {
		return PaymentClaim{}, fmt.Errorf("payment header missing nonce field")
	}
	return claim, nil
}
