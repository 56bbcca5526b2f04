package quizdb

import (
	"context"
	"errors"

	"github.com/vctt94/quizbot-bisonrelay/quizgame"
)

var (
	ErrTurnBucketNotFound   = errors.New("turn bucket not found")
	ErrPayoutBucketNotFound = errors.New("payout bucket not found")
	ErrPayoutNotFound       = errors.New("payout not found")
	ErrDuplicatePayout      = errors.New("payout already in flight or paid")
)

type PayoutStatus string

const (
	PayoutSending PayoutStatus = "sending"
	PayoutPaid    PayoutStatus = "paid"
	PayoutFailed  PayoutStatus = "failed"
)

// PayoutRecord is the audit trail of one reward payment attempt, keyed by a
// digest of (room, question, invoice) so the same win is never paid twice.
type PayoutRecord struct {
	Key         []byte       `json:"key"`
	RoomID      string       `json:"room_id"`
	WinnerUID   string       `json:"winner_uid"`
	Invoice     string       `json:"invoice"`
	Amount      string       `json:"amount"`
	Currency    string       `json:"currency"`
	Status      PayoutStatus `json:"status"`
	PaymentHash string       `json:"payment_hash,omitempty"`
	CreatedAtMs int64        `json:"created_at_ms"`
	UpdatedAtMs int64        `json:"updated_at_ms"`
}

// Store is the bot's persistence: the per-room append-only turn log plus
// payout records. AppendTurn assigns the turn's Seq; reads return turns in
// storage order, which callers must not rely on (the gate sorts).
type Store interface {
	AppendTurn(ctx context.Context, roomID string, t *quizgame.Turn) error
	ReadTurns(ctx context.Context, roomID string) ([]quizgame.Turn, error)

	StorePayout(ctx context.Context, rec *PayoutRecord) error
	FetchPayout(ctx context.Context, key []byte) (*PayoutRecord, error)
	UpdatePayoutStatus(ctx context.Context, key []byte, status PayoutStatus, paymentHash string) error

	Close() error
}
