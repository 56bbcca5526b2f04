package quizdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vctt94/quizbot-bisonrelay/quizgame"
)

var (
	turnsBucket   = []byte("turns")
	payoutsBucket = []byte("payouts")
)

type boltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (creating if needed) the bot database at path.
func NewBoltDB(path string) (Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(turnsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(payoutsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &boltDB{db: db}, nil
}

// AppendTurn stores the turn under the room's sub-bucket, assigning the next
// per-room sequence number. The sequence is the gate's tie-break, so it must
// come from the bucket's monotonic counter, never from wall clock.
func (b *boltDB) AppendTurn(_ context.Context, roomID string, t *quizgame.Turn) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(turnsBucket)
		if root == nil {
			return ErrTurnBucketNotFound
		}
		room, err := root.CreateBucketIfNotExists([]byte(roomID))
		if err != nil {
			return fmt.Errorf("create room bucket: %w", err)
		}
		seq, err := room.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		t.Seq = seq
		t.RoomID = roomID
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now()
		}
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return room.Put(key[:], raw)
	})
}

func (b *boltDB) ReadTurns(_ context.Context, roomID string) ([]quizgame.Turn, error) {
	var turns []quizgame.Turn
	err := b.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(turnsBucket)
		if root == nil {
			return ErrTurnBucketNotFound
		}
		room := root.Bucket([]byte(roomID))
		if room == nil {
			return nil // no turns yet
		}
		return room.ForEach(func(_, v []byte) error {
			var t quizgame.Turn
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("unmarshal turn: %w", err)
			}
			turns = append(turns, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return turns, nil
}

// StorePayout inserts a payout record. A record already in flight or paid
// under the same key is never overwritten; a failed one may be replaced so
// the host can retry a payout deliberately.
func (b *boltDB) StorePayout(_ context.Context, rec *PayoutRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(payoutsBucket)
		if bkt == nil {
			return ErrPayoutBucketNotFound
		}
		if prev := bkt.Get(rec.Key); prev != nil {
			var old PayoutRecord
			if err := json.Unmarshal(prev, &old); err == nil && old.Status != PayoutFailed {
				return ErrDuplicatePayout
			}
		}
		now := time.Now().UnixMilli()
		rec.CreatedAtMs = now
		rec.UpdatedAtMs = now
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal payout: %w", err)
		}
		return bkt.Put(rec.Key, raw)
	})
}

func (b *boltDB) FetchPayout(_ context.Context, key []byte) (*PayoutRecord, error) {
	var rec *PayoutRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(payoutsBucket)
		if bkt == nil {
			return ErrPayoutBucketNotFound
		}
		raw := bkt.Get(key)
		if raw == nil {
			return ErrPayoutNotFound
		}
		rec = new(PayoutRecord)
		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *boltDB) UpdatePayoutStatus(_ context.Context, key []byte, status PayoutStatus, paymentHash string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(payoutsBucket)
		if bkt == nil {
			return ErrPayoutBucketNotFound
		}
		raw := bkt.Get(key)
		if raw == nil {
			return ErrPayoutNotFound
		}
		var rec PayoutRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshal payout: %w", err)
		}
		if !bytes.Equal(rec.Key, key) {
			rec.Key = key
		}
		rec.Status = status
		if paymentHash != "" {
			rec.PaymentHash = paymentHash
		}
		rec.UpdatedAtMs = time.Now().UnixMilli()
		out, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal payout: %w", err)
		}
		return bkt.Put(key, out)
	})
}

func (b *boltDB) Close() error {
	return b.db.Close()
}
