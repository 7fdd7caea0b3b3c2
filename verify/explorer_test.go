package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExplorerURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		want string
	}{
		{
			name: "default devnet explorer",
			base: "",
			want: "https://explorer.solana.com/tx/sig123?cluster=devnet",
		},
		{
			name: "placeholder substitution",
			base: "https://solscan.io/tx/{tx}?cluster=devnet",
			want: "https://solscan.io/tx/sig123?cluster=devnet",
		},
		{
			name: "plain base",
			base: "https://solscan.io/tx",
			want: "https://solscan.io/tx/sig123",
		},
		{
			name: "trailing slash",
			base: "https://solscan.io/tx/",
			want: "https://solscan.io/tx/sig123",
		},
		{
			name: "query preserved",
			base: "https://explorer.solana.com/tx?cluster=testnet",
			want: "https://explorer.solana.com/tx/sig123?cluster=testnet",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExplorerURL(tt.base, "sig123"))
		})
	}
}
