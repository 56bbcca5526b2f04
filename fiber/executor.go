package fiber

import (
	"context"
	"fmt"
	"strings"

	"github.com/decred/slog"
	"github.com/shopspring/decimal"
)

// PaymentRequest is a requested transfer: the destination invoice plus the
// terms the caller believes it is paying. The terms must reconcile with what
// the invoice itself encodes before any network call happens.
type PaymentRequest struct {
	Destination string
	Amount      decimal.Decimal
	Currency    string
}

// MismatchError means the invoice's self-encoded terms disagree with the
// requested transfer. It is deterministic, detected before any external
// call, and never retried.
type MismatchError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("invoice %s does not match transfer %s: invoice %s %s, transfer %s %s",
		e.Field, e.Field, e.Field, e.Expected, e.Field, e.Actual)
}

// ChannelError wraps a failure reported by the external payment channel.
type ChannelError struct {
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("payment channel: %v", e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Executor validates a payment request against its destination invoice and,
// only on agreement, hands it to the payment channel. It keeps no state and
// does no deduplication; two identical Execute calls make two channel calls.
type Executor struct {
	Channel    Channel
	Currencies CurrencyRegistry
	Log        slog.Logger
}

func NewExecutor(channel Channel, currencies CurrencyRegistry, log slog.Logger) *Executor {
	if currencies == nil {
		currencies = DefaultCurrencies()
	}
	return &Executor{Channel: channel, Currencies: currencies, Log: log}
}

// Execute decodes the destination, reconciles amount and currency, and sends
// the payment. A mismatch fails before the channel is ever called.
func (x *Executor) Execute(ctx context.Context, req PaymentRequest) (*Payment, error) {
	inv, err := DecodeInvoice(req.Destination, x.Currencies)
	if err != nil {
		return nil, fmt.Errorf("decode destination: %w", err)
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = "CKB"
	}
	if currency != inv.Currency {
		return nil, &MismatchError{
			Field:    "currency",
			Expected: inv.Currency,
			Actual:   currency,
		}
	}
	encoded, err := inv.DisplayAmount(x.Currencies)
	if err != nil {
		return nil, fmt.Errorf("decode destination amount: %w", err)
	}
	if !encoded.Equal(req.Amount) {
		return nil, &MismatchError{
			Field:    "amount",
			Expected: encoded.String(),
			Actual:   req.Amount.String(),
		}
	}

	udtType := ""
	if currency != "CKB" {
		udtType = strings.ToLower(currency)
	}
	if x.Log != nil {
		x.Log.Debugf("Reconciled payment of %s %s, sending", req.Amount, currency)
	}
	p, err := x.Channel.SendPayment(ctx, req.Destination, req.Amount, udtType)
	if err != nil {
		return nil, &ChannelError{Err: err}
	}
	return p, nil
}
