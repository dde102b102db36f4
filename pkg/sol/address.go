package sol

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mr-tron/base58"
)

// DefaultRPCURL is the mainnet-beta RPC endpoint.
const DefaultRPCURL = "https://api.mainnet-beta.solana.com"

var addressPattern = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{32,44}\b`)

// ValidateAddress checks that s is a base58 public key of 32 bytes.
func ValidateAddress(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("address is empty")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("invalid base58 address %q: %w", s, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("invalid address %q: decoded to %d bytes, want 32", s, len(raw))
	}
	return nil
}

// FindAddress returns the first valid address embedded in text.
func FindAddress(text string) (string, bool) {
	for _, cand := range addressPattern.FindAllString(text, -1) {
		if ValidateAddress(cand) == nil {
			return cand, true
		}
	}
	return "", false
}

// ValidateRPCURL refuses endpoints that point at devnet.
func ValidateRPCURL(url string) error {
	if strings.Contains(strings.ToLower(url), "devnet") {
		return fmt.Errorf("devnet RPC configured (%s), refusing to run", url)
	}
	return nil
}
