package verify

import "strings"

// defaultExplorer is used when no base URL is configured.
const defaultExplorer = "https://explorer.solana.com/tx/"

// ExplorerURL builds a block-explorer link for a transaction signature.
// A "{tx}" placeholder in base is substituted; otherwise the signature is
// appended to the path, preserving any query string.
func ExplorerURL(base, signature string) string {
	if base == "" {
		return defaultExplorer + signature + "?cluster=devnet"
	}
	if strings.Contains(base, "{tx}") {
		return strings.ReplaceAll(base, "{tx}", signature)
	}
	path, query, hasQuery := strings.Cut(base, "?")
	if hasQuery {
		return strings.TrimSuffix(path, "/") + "/" + signature + "?" + query
	}
	return strings.TrimSuffix(base, "/") + "/" + signature
}
