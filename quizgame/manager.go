package quizgame

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/decred/slog"
)

// ErrIneligible means the room's state machine does not allow the requested
// step right now. It is a gate outcome, not a failure: the caller simply does
// not perform the step.
var ErrIneligible = errors.New("turn not eligible in current room state")

// Extractor is the structured-extraction collaborator: an opaque generative
// engine that turns prompt context into typed content, or fails with no
// partial output.
type Extractor interface {
	// ExtractQuestion authors a new question from free-form knowledge and
	// a reward policy description.
	ExtractQuestion(ctx context.Context, knowledge string) (*Question, error)
	// ExtractAnswer pulls the user's answer, a restated correct answer,
	// an optional invoice and a 0-100 score out of the transcript.
	ExtractAnswer(ctx context.Context, transcript string) (*Submission, error)
	// GenerateVerdict composes the user-facing verdict text.
	GenerateVerdict(ctx context.Context, sub *Submission) (string, error)
}

// TurnStore is the append-only conversation log. Implementations assign Seq
// on append; reads may return turns in any order.
type TurnStore interface {
	AppendTurn(ctx context.Context, roomID string, t *Turn) error
	ReadTurns(ctx context.Context, roomID string) ([]Turn, error)
}

// Response is what a protocol step hands back to the transport: room-visible
// text plus the follow-up actions the dispatcher must run.
type Response struct {
	Text    string
	Actions []Action
}

// ManagerConfig collects the manager's collaborators and policy knobs.
type ManagerConfig struct {
	Store     TurnStore
	Extractor Extractor
	Rewards   RewardPolicy
	Dispatch  DispatchPolicy
	// Knowledge seeds question authoring.
	Knowledge string
	// BotID is the author recorded on bot-written turns.
	BotID string
	// ExtractTimeout bounds every extraction/generation call. Zero means
	// a 30s default; these are external latency-bearing calls and must
	// not hang a room forever.
	ExtractTimeout time.Duration
	Log            slog.Logger
}

// Manager runs the question lifecycle and the answer judge for all rooms.
// It keeps no per-room state; everything is recomputed from the turn log.
type Manager struct {
	store     TurnStore
	extractor Extractor
	rewards   RewardPolicy
	dispatch  DispatchPolicy
	knowledge string
	botID     string
	timeout   time.Duration
	log       slog.Logger
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("manager requires a turn store")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("manager requires an extractor")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("manager requires a logger")
	}
	rewards := cfg.Rewards
	if rewards == nil {
		rewards = DefaultRewardPolicy()
	}
	timeout := cfg.ExtractTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		store:     cfg.Store,
		extractor: cfg.Extractor,
		rewards:   rewards,
		dispatch:  cfg.Dispatch,
		knowledge: cfg.Knowledge,
		botID:     cfg.BotID,
		timeout:   timeout,
		log:       cfg.Log,
	}, nil
}

// OpenQuestion authors a new question for the room, appends the
// OPEN_QUESTION turn and returns the public announcement. The announcement
// carries only the prompt and the reward; the correct answer stays in the
// log payload. On extraction failure no turn is appended and the error is
// returned for the caller to surface generically.
func (m *Manager) OpenQuestion(ctx context.Context, roomID string) (*Question, Response, error) {
	turns, err := m.store.ReadTurns(ctx, roomID)
	if err != nil {
		return nil, Response{}, fmt.Errorf("read turns for %s: %w", roomID, err)
	}
	if !CanOpenQuestion(turns) {
		return nil, Response{}, ErrIneligible
	}

	ectx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	prompt := m.knowledge + "\n\n# Question Rewards\n- Supported Rewards: " + m.rewards.Describe() +
		", according to the difficulty of the question."
	q, err := m.extractor.ExtractQuestion(ectx, prompt)
	if err != nil {
		return nil, Response{}, fmt.Errorf("extract question: %w", err)
	}
	q.Reward.Currency = strings.ToUpper(q.Reward.Currency)
	if err := m.rewards.Validate(q); err != nil {
		return nil, Response{}, fmt.Errorf("extracted question invalid: %w", err)
	}

	t, err := NewQuestionTurn(roomID, m.botID, q)
	if err != nil {
		return nil, Response{}, err
	}
	if err := m.store.AppendTurn(ctx, roomID, t); err != nil {
		return nil, Response{}, fmt.Errorf("append question turn: %w", err)
	}
	m.log.Infof("Opened question in room %s, reward %s", roomID, q.Reward)

	return q, Response{
		Text: fmt.Sprintf("Question: %s\nReward: %s", q.Prompt, q.Reward),
	}, nil
}

// SubmitAnswer judges the user's message against the last open question,
// appends the SUBMIT_ANSWER turn and returns the verdict plus the dispatch
// decision. On extraction or generation failure no turn is appended, no
// score exists and no payment can trigger.
func (m *Manager) SubmitAnswer(ctx context.Context, roomID, authorID, nick, msg string) (*Submission, Response, error) {
	turns, err := m.store.ReadTurns(ctx, roomID)
	if err != nil {
		return nil, Response{}, fmt.Errorf("read turns for %s: %w", roomID, err)
	}
	if !CanSubmitAnswer(turns) {
		return nil, Response{}, ErrIneligible
	}
	q, ok := LastQuestion(turns)
	if !ok {
		return nil, Response{}, ErrIneligible
	}

	ectx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	sub, err := m.extractor.ExtractAnswer(ectx, m.transcript(q, nick, msg))
	if err != nil {
		return nil, Response{}, fmt.Errorf("extract answer: %w", err)
	}
	if sub.Score < 0 {
		sub.Score = 0
	}
	if sub.Score > 100 {
		sub.Score = 100
	}
	// The extractor restates the question and answer from the transcript;
	// the log copy wins over a paraphrase.
	sub.Question = q.Prompt
	sub.CorrectAnswer = q.Answer

	verdict, err := m.extractor.GenerateVerdict(ectx, sub)
	if err != nil {
		return nil, Response{}, fmt.Errorf("generate verdict: %w", err)
	}

	t, err := NewAnswerTurn(roomID, authorID, sub)
	if err != nil {
		return nil, Response{}, err
	}
	if err := m.store.AppendTurn(ctx, roomID, t); err != nil {
		return nil, Response{}, fmt.Errorf("append answer turn: %w", err)
	}
	m.log.Infof("Judged answer in room %s: score %d", roomID, sub.Score)

	action := m.dispatch.Decide(sub.Score, sub.Invoice)
	text := verdict
	if action == RequestDestination {
		text += "\nPlease provide an invoice to receive the reward."
	}
	return sub, Response{Text: text, Actions: []Action{action}}, nil
}

// RecordPayment appends the SEND_PAYMENT turn for a payout the channel
// confirmed. The dispatcher calls this after, never before, the send.
func (m *Manager) RecordPayment(ctx context.Context, roomID string, rec *PaymentRecord) error {
	t, err := NewPaymentTurn(roomID, m.botID, rec)
	if err != nil {
		return err
	}
	if err := m.store.AppendTurn(ctx, roomID, t); err != nil {
		return fmt.Errorf("append payment turn: %w", err)
	}
	return nil
}

// transcript renders the judging context: the open question as announced,
// then the user's message.
func (m *Manager) transcript(q *Question, nick, msg string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "quizbot: Question: %s\nReward: %s\n", q.Prompt, q.Reward)
	fmt.Fprintf(&b, "quizbot: (Correct answer is: %s)\n", q.Answer)
	fmt.Fprintf(&b, "%s: %s\n", nick, msg)
	return b.String()
}
