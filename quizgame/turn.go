package quizgame

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Step tags the protocol step that produced a turn. Plain chatter carries no
// step tag.
type Step string

const (
	StepOpenQuestion Step = "OPEN_QUESTION"
	StepSubmitAnswer Step = "SUBMIT_ANSWER"
	StepSendPayment  Step = "SEND_PAYMENT"
)

// Turn is one immutable entry in a room's conversation log. Seq is assigned
// by the store on append and increases monotonically per room; the gate uses
// it to break same-instant timestamp ties.
type Turn struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	AuthorID  string    `json:"author_id"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Step      Step      `json:"step,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
}

// questionPayload is the stored payload of an OPEN_QUESTION turn. It includes
// the correct answer; that is fine for the log, which is never echoed to the
// room verbatim.
type questionPayload struct {
	Question Question `json:"question"`
}

// answerPayload is the stored payload of a SUBMIT_ANSWER turn.
type answerPayload struct {
	Submission Submission `json:"submission"`
}

// PaymentRecord is the stored payload of a SEND_PAYMENT turn, appended only
// after the payment channel reported success.
type PaymentRecord struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	PaymentHash string `json:"payment_hash,omitempty"`
}

func newTurn(roomID, authorID string, step Step, payload any) (*Turn, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", step, err)
	}
	return &Turn{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		AuthorID:  authorID,
		CreatedAt: time.Now(),
		Step:      step,
		Payload:   raw,
	}, nil
}

// NewQuestionTurn builds an OPEN_QUESTION turn carrying the full question,
// correct answer included.
func NewQuestionTurn(roomID, authorID string, q *Question) (*Turn, error) {
	return newTurn(roomID, authorID, StepOpenQuestion, questionPayload{Question: *q})
}

// NewAnswerTurn builds a SUBMIT_ANSWER turn carrying the judged submission.
func NewAnswerTurn(roomID, authorID string, sub *Submission) (*Turn, error) {
	return newTurn(roomID, authorID, StepSubmitAnswer, answerPayload{Submission: *sub})
}

// NewPaymentTurn builds a SEND_PAYMENT turn recording a completed payout.
func NewPaymentTurn(roomID, authorID string, rec *PaymentRecord) (*Turn, error) {
	return newTurn(roomID, authorID, StepSendPayment, *rec)
}

// ParseQuestion recovers the question stored in an OPEN_QUESTION turn.
func ParseQuestion(t *Turn) (*Question, error) {
	if t.Step != StepOpenQuestion {
		return nil, fmt.Errorf("turn %s is %q, not %s", t.ID, t.Step, StepOpenQuestion)
	}
	var p questionPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal question payload: %w", err)
	}
	return &p.Question, nil
}

// ParseSubmission recovers the submission stored in a SUBMIT_ANSWER turn.
func ParseSubmission(t *Turn) (*Submission, error) {
	if t.Step != StepSubmitAnswer {
		return nil, fmt.Errorf("turn %s is %q, not %s", t.ID, t.Step, StepSubmitAnswer)
	}
	var p answerPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal submission payload: %w", err)
	}
	return &p.Submission, nil
}
