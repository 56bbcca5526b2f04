// Package fiber talks to a CKB Fiber payment channel node and understands
// just enough of its invoice encoding to reconcile amounts offline.
package fiber

import (
	"fmt"
	"strings"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/shopspring/decimal"
)

// CurrencyRegistry maps a currency code to its base-unit decimals. CKB
// amounts are encoded in shannons (1e-8 CKB); UDT currencies carry their own
// scale. The registry is configuration; hosts may extend it.
type CurrencyRegistry map[string]int32

// DefaultCurrencies covers the reward currencies the quiz pays out in.
func DefaultCurrencies() CurrencyRegistry {
	return CurrencyRegistry{
		"CKB":  8,
		"USDI": 6,
	}
}

// Invoice is the self-encoded content of a payment destination: the network
// it targets, the amount in base units, and the currency.
type Invoice struct {
	Network    string
	BaseAmount decimal.Decimal
	Currency   string
}

// DisplayAmount converts the base-unit amount into display units using the
// registry's decimals for the invoice currency.
func (inv *Invoice) DisplayAmount(reg CurrencyRegistry) (decimal.Decimal, error) {
	dec, ok := reg[inv.Currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown invoice currency %q", inv.Currency)
	}
	return inv.BaseAmount.Shift(-dec), nil
}

var networkByChar = map[byte]string{
	'b': "mainnet",
	't': "testnet",
	'd': "devnet",
}

// dataCharset excludes '1' so the last '1' in an invoice unambiguously
// separates the amount run from the data part.
const dataCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// DecodeInvoice parses a fiber invoice string. The human-readable part is
// "fib" + network char + the amount in base-unit digits; the data part
// follows the last '1'. A data part opening with a registered UDT tag (the
// lowercased code followed by '0') sets the currency; otherwise the invoice
// is for native CKB.
func DecodeInvoice(s string, reg CurrencyRegistry) (*Invoice, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 8 || !strings.HasPrefix(s, "fib") {
		return nil, fmt.Errorf("invoice missing fib prefix")
	}
	network, ok := networkByChar[s[3]]
	if !ok {
		return nil, fmt.Errorf("unknown invoice network %q", s[3])
	}
	rest := s[4:]
	sep := strings.LastIndexByte(rest, '1')
	if sep <= 0 {
		return nil, fmt.Errorf("invoice has no amount/data separator")
	}
	amtRun, data := rest[:sep], rest[sep+1:]
	for i := 0; i < len(amtRun); i++ {
		if amtRun[i] < '0' || amtRun[i] > '9' {
			return nil, fmt.Errorf("invoice amount run has non-digit %q", amtRun[i])
		}
	}
	if len(data) < 6 {
		return nil, fmt.Errorf("invoice data part too short")
	}
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c == '1' || ((c < 'a' || c > 'z') && (c < '0' || c > '9')) {
			return nil, fmt.Errorf("invoice data part has invalid char %q", c)
		}
	}

	base, err := decimal.NewFromString(amtRun)
	if err != nil {
		return nil, fmt.Errorf("parse invoice amount: %w", err)
	}
	if !base.IsPositive() {
		return nil, fmt.Errorf("invoice amount must be positive")
	}

	currency := "CKB"
	for code := range reg {
		if code == "CKB" {
			continue
		}
		if strings.HasPrefix(data, strings.ToLower(code)+"0") {
			currency = code
			break
		}
	}
	return &Invoice{Network: network, BaseAmount: base, Currency: currency}, nil
}

// EncodeInvoice builds an invoice for the given display amount. The data
// part is a deterministic digest filler; real nodes put routing data there,
// which the decoder ignores anyway.
func EncodeInvoice(network string, amount decimal.Decimal, currency string, reg CurrencyRegistry) (string, error) {
	var netChar byte
	for c, n := range networkByChar {
		if n == network {
			netChar = c
		}
	}
	if netChar == 0 {
		return "", fmt.Errorf("unknown network %q", network)
	}
	dec, ok := reg[currency]
	if !ok {
		return "", fmt.Errorf("unknown currency %q", currency)
	}
	base := amount.Shift(dec)
	if !base.Equal(base.Truncate(0)) {
		return "", fmt.Errorf("amount %s has sub-unit precision for %s", amount, currency)
	}
	if !base.IsPositive() {
		return "", fmt.Errorf("amount must be positive")
	}

	tag := ""
	if currency != "CKB" {
		tag = strings.ToLower(currency) + "0"
	}
	digest := blake256.Sum256([]byte(network + "|" + base.String() + "|" + currency))
	filler := make([]byte, 0, len(digest))
	for _, b := range digest {
		filler = append(filler, dataCharset[int(b)%len(dataCharset)])
	}
	return fmt.Sprintf("fib%c%s1%s%s", netChar, base.String(), tag, filler), nil
}
