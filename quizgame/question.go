package quizgame

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Reward is the prize offered for a question.
type Reward struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func (r Reward) String() string {
	return fmt.Sprintf("%s %s", r.Amount.String(), r.Currency)
}

// Question is created once per OPEN_QUESTION turn. Answer is stored in the
// log payload but must never appear in the room-visible announcement.
type Question struct {
	Prompt string `json:"question"`
	Answer string `json:"answer"`
	Reward Reward `json:"reward"`
}

// Submission is the judged result of a user's answer to the last open
// question. Invoice is empty when the user supplied no payment destination.
type Submission struct {
	Question      string `json:"question"`
	UserAnswer    string `json:"answer"`
	CorrectAnswer string `json:"correct_answer"`
	Invoice       string `json:"invoice,omitempty"`
	Score         int    `json:"score"`
}

// RewardRange bounds reward amounts for one currency.
type RewardRange struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// RewardPolicy maps a currency to the amounts a question may offer in it.
// The policy is configuration; the ranges below only seed the default.
type RewardPolicy map[string]RewardRange

// DefaultRewardPolicy matches the published reward table: 100-200 CKB or
// 1-5 USDI, scaled by question difficulty.
func DefaultRewardPolicy() RewardPolicy {
	return RewardPolicy{
		"CKB":  {Min: decimal.NewFromInt(100), Max: decimal.NewFromInt(200)},
		"USDI": {Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(5)},
	}
}

// Describe renders the policy for the question-authoring prompt.
func (p RewardPolicy) Describe() string {
	parts := make([]string, 0, len(p))
	for cur, r := range p {
		parts = append(parts, fmt.Sprintf("%s ~ %s %s", r.Min.String(), r.Max.String(), cur))
	}
	return strings.Join(parts, " or ")
}

// Validate checks an extracted question against the policy before it is
// committed to the log.
func (p RewardPolicy) Validate(q *Question) error {
	if q == nil {
		return fmt.Errorf("nil question")
	}
	if strings.TrimSpace(q.Prompt) == "" {
		return fmt.Errorf("question has empty prompt")
	}
	if strings.TrimSpace(q.Answer) == "" {
		return fmt.Errorf("question has empty answer")
	}
	if !q.Reward.Amount.IsPositive() {
		return fmt.Errorf("reward amount %s is not positive", q.Reward.Amount)
	}
	r, ok := p[strings.ToUpper(q.Reward.Currency)]
	if !ok {
		return fmt.Errorf("unsupported reward currency %q", q.Reward.Currency)
	}
	if q.Reward.Amount.LessThan(r.Min) || q.Reward.Amount.GreaterThan(r.Max) {
		return fmt.Errorf("reward %s outside allowed range %s-%s",
			q.Reward, r.Min, r.Max)
	}
	return nil
}
