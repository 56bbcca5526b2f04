package server

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/bisonrelay/clientrpc/types"
	"github.com/decred/slog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/vctt94/quizbot-bisonrelay/fiber"
	"github.com/vctt94/quizbot-bisonrelay/quizgame"
	"github.com/vctt94/quizbot-bisonrelay/server/quizdb"
)

// fakeBot records outbound messages.
type fakeBot struct {
	mtx  sync.Mutex
	pms  []string
	gcs  []string
	acks []uint64
}

func (b *fakeBot) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBot) SendPM(_ context.Context, nick, msg string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.pms = append(b.pms, nick+": "+msg)
	return nil
}

func (b *fakeBot) SendGC(_ context.Context, gc, msg string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.gcs = append(b.gcs, gc+": "+msg)
	return nil
}

func (b *fakeBot) AckTipReceived(_ context.Context, seq uint64) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.acks = append(b.acks, seq)
	return nil
}

func (b *fakeBot) lastPM(t *testing.T) string {
	t.Helper()
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if len(b.pms) == 0 {
		t.Fatal("no PM sent")
	}
	return b.pms[len(b.pms)-1]
}

// memStore is an in-memory quizdb.Store.
type memStore struct {
	mtx     sync.Mutex
	turns   map[string][]quizgame.Turn
	payouts map[string]*quizdb.PayoutRecord
}

func newMemStore() *memStore {
	return &memStore{
		turns:   make(map[string][]quizgame.Turn),
		payouts: make(map[string]*quizdb.PayoutRecord),
	}
}

func (s *memStore) AppendTurn(_ context.Context, roomID string, t *quizgame.Turn) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t.Seq = uint64(len(s.turns[roomID]) + 1)
	t.RoomID = roomID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.turns[roomID] = append(s.turns[roomID], *t)
	return nil
}

func (s *memStore) ReadTurns(_ context.Context, roomID string) ([]quizgame.Turn, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]quizgame.Turn, len(s.turns[roomID]))
	copy(out, s.turns[roomID])
	return out, nil
}

func (s *memStore) StorePayout(_ context.Context, rec *quizdb.PayoutRecord) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if prev, ok := s.payouts[string(rec.Key)]; ok && prev.Status != quizdb.PayoutFailed {
		return quizdb.ErrDuplicatePayout
	}
	cp := *rec
	s.payouts[string(rec.Key)] = &cp
	return nil
}

func (s *memStore) FetchPayout(_ context.Context, key []byte) (*quizdb.PayoutRecord, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rec, ok := s.payouts[string(key)]
	if !ok {
		return nil, quizdb.ErrPayoutNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) UpdatePayoutStatus(_ context.Context, key []byte, status quizdb.PayoutStatus, hash string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rec, ok := s.payouts[string(key)]
	if !ok {
		return quizdb.ErrPayoutNotFound
	}
	rec.Status = status
	if hash != "" {
		rec.PaymentHash = hash
	}
	return nil
}

func (s *memStore) Close() error { return nil }

// fakeExtractor drives the quiz with canned content.
type fakeExtractor struct {
	question   *quizgame.Question
	submission *quizgame.Submission
	verdict    string
}

func (f *fakeExtractor) ExtractQuestion(context.Context, string) (*quizgame.Question, error) {
	if f.question == nil {
		return nil, errors.New("no question configured")
	}
	q := *f.question
	return &q, nil
}

func (f *fakeExtractor) ExtractAnswer(context.Context, string) (*quizgame.Submission, error) {
	if f.submission == nil {
		return nil, errors.New("no submission configured")
	}
	sub := *f.submission
	return &sub, nil
}

func (f *fakeExtractor) GenerateVerdict(context.Context, *quizgame.Submission) (string, error) {
	return f.verdict, nil
}

type fakeChannel struct {
	mtx   sync.Mutex
	calls int
	err   error
}

func (c *fakeChannel) SendPayment(context.Context, string, decimal.Decimal, string) (*fiber.Payment, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &fiber.Payment{PaymentHash: "0xhash", Status: "Success"}, nil
}

func (c *fakeChannel) sends() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.calls
}

func newTestServer(t *testing.T, ext quizgame.Extractor, ch fiber.Channel) (*Server, *fakeBot, *memStore) {
	t.Helper()
	bot := &fakeBot{}
	db := newMemStore()
	quiz, err := quizgame.NewManager(quizgame.ManagerConfig{
		Store:     db,
		Extractor: ext,
		BotID:     botAuthor,
		Log:       slog.Disabled,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	s := &Server{
		bot:        bot,
		log:        slog.Disabled,
		db:         db,
		quiz:       quiz,
		exec:       fiber.NewExecutor(ch, nil, slog.Disabled),
		payTimeout: 5 * time.Second,
		roomMtx:    make(map[string]*sync.Mutex),
	}
	return s, bot, db
}

func ckbQuestion(amount int64) *quizgame.Question {
	return &quizgame.Question{
		Prompt: "What consensus does CKB use?",
		Answer: "NC-Max",
		Reward: quizgame.Reward{Amount: decimal.NewFromInt(amount), Currency: "CKB"},
	}
}

func mustInvoice(t *testing.T, amount int64) string {
	t.Helper()
	s, err := fiber.EncodeInvoice("mainnet", decimal.NewFromInt(amount), "CKB", fiber.DefaultCurrencies())
	if err != nil {
		t.Fatalf("EncodeInvoice: %v", err)
	}
	return s
}

func pmFrom(uid byte, nick, msg string) types.ReceivedPM {
	id := make([]byte, 32)
	id[0] = uid
	return types.ReceivedPM{
		Uid:  id,
		Nick: nick,
		Msg:  &types.RMPrivateMessage{Message: msg},
	}
}

func TestOpenCommandFlow(t *testing.T) {
	ext := &fakeExtractor{question: ckbQuestion(177)}
	s, bot, _ := newTestServer(t, ext, &fakeChannel{})
	ctx := context.Background()

	s.handlePM(ctx, pmFrom(1, "alice", "!question"))
	reply := bot.lastPM(t)
	assert.Contains(t, reply, "alice: ")
	assert.Contains(t, reply, "Question: What consensus does CKB use?")
	assert.Contains(t, reply, "Reward: 177 CKB")
	assert.NotContains(t, reply, "NC-Max")

	// A second request while the question is open is refused.
	s.handlePM(ctx, pmFrom(1, "alice", "!quiz"))
	assert.Contains(t, bot.lastPM(t), "already an open question")
}

func TestChatterWithoutQuestionIsIgnored(t *testing.T) {
	s, bot, _ := newTestServer(t, &fakeExtractor{}, &fakeChannel{})

	s.handlePM(context.Background(), pmFrom(1, "alice", "hello there"))
	s.handlePM(context.Background(), pmFrom(1, "alice", "   "))
	bot.mtx.Lock()
	defer bot.mtx.Unlock()
	assert.Empty(t, bot.pms)
}

func TestLowScoreReportsOnly(t *testing.T) {
	ch := &fakeChannel{}
	ext := &fakeExtractor{
		question:   ckbQuestion(177),
		submission: &quizgame.Submission{UserAnswer: "proof of stake", Score: 20},
		verdict:    "Your score is 20. Not quite.",
	}
	s, bot, _ := newTestServer(t, ext, ch)
	ctx := context.Background()

	s.handlePM(ctx, pmFrom(1, "alice", "!question"))
	s.handlePM(ctx, pmFrom(1, "alice", "proof of stake"))

	assert.Contains(t, bot.lastPM(t), "Your score is 20.")
	assert.Equal(t, 0, ch.sends())
}

func TestHighScoreWithoutInvoiceRequestsDestination(t *testing.T) {
	ch := &fakeChannel{}
	ext := &fakeExtractor{
		question:   ckbQuestion(177),
		submission: &quizgame.Submission{UserAnswer: "NC-Max", Score: 95},
		verdict:    "Your score is 95. Correct!",
	}
	s, bot, _ := newTestServer(t, ext, ch)
	ctx := context.Background()

	s.handlePM(ctx, pmFrom(1, "alice", "!question"))
	s.handlePM(ctx, pmFrom(1, "alice", "NC-Max"))

	reply := bot.lastPM(t)
	assert.Contains(t, reply, "Correct!")
	assert.Contains(t, reply, "provide an invoice")
	assert.Equal(t, 0, ch.sends())
}

func TestHighScoreWithInvoicePays(t *testing.T) {
	inv := mustInvoice(t, 177)
	ch := &fakeChannel{}
	ext := &fakeExtractor{
		question:   ckbQuestion(177),
		submission: &quizgame.Submission{UserAnswer: "NC-Max", Invoice: inv, Score: 95},
		verdict:    "Your score is 95. Correct!",
	}
	s, bot, db := newTestServer(t, ext, ch)
	ctx := context.Background()

	s.handlePM(ctx, pmFrom(1, "alice", "!question"))
	s.handlePM(ctx, pmFrom(1, "alice", "NC-Max, my invoice: "+inv))

	assert.Equal(t, 1, ch.sends())
	reply := bot.lastPM(t)
	assert.Contains(t, reply, "Payment sent successfully!")
	assert.Contains(t, reply, "Payment hash: 0xhash")

	// The log records the payment turn and the room stays answered.
	turns, _ := db.ReadTurns(ctx, "pm:"+pmRoomSuffix(1))
	if assert.Len(t, turns, 3) {
		assert.Equal(t, quizgame.StepSendPayment, turns[2].Step)
	}
	assert.False(t, quizgame.CanSubmitAnswer(turns))

	// The payout record is marked paid.
	for _, rec := range db.payouts {
		assert.Equal(t, quizdb.PayoutPaid, rec.Status)
		assert.Equal(t, "177", rec.Amount)
	}
	assert.Len(t, db.payouts, 1)
}

func TestInvoiceAmountMismatchRefused(t *testing.T) {
	// The invoice asks 9999 CKB; the question's reward is 177.
	inv := mustInvoice(t, 9999)
	ch := &fakeChannel{}
	ext := &fakeExtractor{
		question:   ckbQuestion(177),
		submission: &quizgame.Submission{UserAnswer: "NC-Max", Invoice: inv, Score: 95},
		verdict:    "Your score is 95. Correct!",
	}
	s, bot, db := newTestServer(t, ext, ch)
	ctx := context.Background()

	s.handlePM(ctx, pmFrom(1, "alice", "!question"))
	s.handlePM(ctx, pmFrom(1, "alice", "NC-Max, my invoice: "+inv))

	// The mismatch is caught before the channel is called.
	assert.Equal(t, 0, ch.sends())
	reply := bot.lastPM(t)
	assert.Contains(t, reply, "Sorry, I can't pay for this invoice")
	assert.Contains(t, reply, "invoice amount 9999, transfer amount 177")

	// The payout is recorded as failed, not paid.
	for _, rec := range db.payouts {
		assert.Equal(t, quizdb.PayoutFailed, rec.Status)
	}
}

func TestChannelFailureReported(t *testing.T) {
	inv := mustInvoice(t, 177)
	ch := &fakeChannel{err: errors.New("no route to peer")}
	ext := &fakeExtractor{
		question:   ckbQuestion(177),
		submission: &quizgame.Submission{UserAnswer: "NC-Max", Invoice: inv, Score: 95},
		verdict:    "Correct!",
	}
	s, bot, db := newTestServer(t, ext, ch)
	ctx := context.Background()

	s.handlePM(ctx, pmFrom(1, "alice", "!question"))
	s.handlePM(ctx, pmFrom(1, "alice", inv))

	reply := bot.lastPM(t)
	assert.Contains(t, reply, "Fail to send payment, message:")
	assert.Contains(t, reply, "no route to peer")
	for _, rec := range db.payouts {
		assert.Equal(t, quizdb.PayoutFailed, rec.Status)
	}
}

func TestDuplicatePayoutRefused(t *testing.T) {
	inv := mustInvoice(t, 177)
	ch := &fakeChannel{}
	ext := &fakeExtractor{
		question:   ckbQuestion(177),
		submission: &quizgame.Submission{UserAnswer: "NC-Max", Invoice: inv, Score: 95},
		verdict:    "Correct!",
	}
	s, bot, _ := newTestServer(t, ext, ch)
	ctx := context.Background()

	s.handlePM(ctx, pmFrom(1, "alice", "!question"))
	s.handlePM(ctx, pmFrom(1, "alice", inv))
	assert.Equal(t, 1, ch.sends())

	// Force a second payment step for the same question and invoice.
	sub := &quizgame.Submission{UserAnswer: "NC-Max", Invoice: inv, Score: 95}
	reply := func(m string) error { return s.bot.SendPM(ctx, "alice", m) }
	s.executePayment(ctx, "pm:"+pmRoomSuffix(1), pmRoomSuffix(1), sub, reply)

	assert.Equal(t, 1, ch.sends(), "paid reward must not be paid again")
	assert.Contains(t, bot.lastPM(t), "already been paid")
}

func TestGCMessagesUseAliasRoom(t *testing.T) {
	ext := &fakeExtractor{question: ckbQuestion(100)}
	s, bot, db := newTestServer(t, ext, &fakeChannel{})
	ctx := context.Background()

	id := make([]byte, 32)
	id[0] = 7
	s.handleGC(ctx, types.GCReceivedMsg{
		Uid:     id,
		Nick:    "bob",
		GcAlias: "trivia-night",
		Msg:     &types.RMGroupMessage{Message: "!question"},
	})

	bot.mtx.Lock()
	assert.Empty(t, bot.pms)
	if assert.Len(t, bot.gcs, 1) {
		assert.Contains(t, bot.gcs[0], "trivia-night: ")
	}
	bot.mtx.Unlock()

	turns, _ := db.ReadTurns(ctx, "gc:trivia-night")
	assert.Len(t, turns, 1)
}

func TestIsOpenCommand(t *testing.T) {
	assert.True(t, isOpenCommand("!question"))
	assert.True(t, isOpenCommand("  !NEW  "))
	assert.True(t, isOpenCommand("!quiz"))
	assert.False(t, isOpenCommand("question"))
	assert.False(t, isOpenCommand("!question please"))
}

func TestPayoutKeyDistinct(t *testing.T) {
	k1 := payoutKey("room", 1, "inv")
	k2 := payoutKey("room", 2, "inv")
	k3 := payoutKey("room", 1, "other")
	k4 := payoutKey("other", 1, "inv")
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
	assert.Equal(t, k1, payoutKey("room", 1, "inv"))
}

func TestRunAcksTips(t *testing.T) {
	s, bot, _ := newTestServer(t, &fakeExtractor{}, &fakeChannel{})
	tipChan := make(chan types.ReceivedTip, 1)
	s.tipChan = tipChan

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	tipChan <- types.ReceivedTip{SequenceId: 42}
	assert.Eventually(t, func() bool {
		bot.mtx.Lock()
		defer bot.mtx.Unlock()
		return len(bot.acks) == 1 && bot.acks[0] == 42
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

// pmRoomSuffix renders a 32-byte uid with the given first byte the way
// zkidentity.ShortID prints it.
func pmRoomSuffix(first byte) string {
	id := make([]byte, 32)
	id[0] = first
	return hex.EncodeToString(id)
}
