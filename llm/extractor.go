package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/slog"
	"github.com/shopspring/decimal"

	"github.com/vctt94/quizbot-bisonrelay/quizgame"
)

// ErrExtraction marks a generation or schema failure. Callers recover by
// emitting a generic retry-later message; nothing is appended to the log.
var ErrExtraction = errors.New("structured extraction failed")

const questionTemplate = `Respond with a JSON markdown block containing only the extracted values. Use null for any values that cannot be determined.

Example response:
` + "```json" + `
{
    "question": "What is the capital of France?",
    "answer": "Paris",
    "reward": {
        "amount": 100,
        "type": "CKB"
    }
}
` + "```" + `

%s

Given the knowledge, ask a question and provide the answer along with the reward amount and type.

Respond with a JSON markdown block containing only the extracted values.`

const answerTemplate = `Respond with a JSON markdown block containing only the extracted values. Use null for any values that cannot be determined.

Example response:
` + "```json" + `
{
    "question": "What is the capital of France?",
    "answer": "Beijing",
    "correctAnswer": "Paris",
    "invoice": null,
    "score": 0
}
` + "```" + `

%s

Given the recent messages, extract the following information:
- Question: The last question asked by quizbot
- Answer: User's answer for the last question
- Correct Answer: The correct answer for the last question
- Invoice: User's invoice which uses to receive the reward for the last question, if not provided, set null
- Score, 0 ~ 100, judged according to the user's answer and the correct answer

Respond with a JSON markdown block containing only the extracted values.`

const verdictTemplate = `Question: %s
Correct Answer: %s
User Answer: %s
Score: %d

Given the question, the correct answer, the user's answer, and the score, provide a short response to the user.

Example response:
Your score is 100. Congratulations, you have a great understanding of France!`

// Extractor implements quizgame.Extractor over a completion client.
type Extractor struct {
	client Client
	log    slog.Logger
}

func NewExtractor(client Client, log slog.Logger) *Extractor {
	return &Extractor{client: client, log: log}
}

type questionContent struct {
	Question *string `json:"question"`
	Answer   *string `json:"answer"`
	Reward   *struct {
		Amount decimal.Decimal `json:"amount"`
		Type   string          `json:"type"`
	} `json:"reward"`
}

func (e *Extractor) ExtractQuestion(ctx context.Context, knowledge string) (*quizgame.Question, error) {
	out, err := e.client.Complete(ctx, fmt.Sprintf(questionTemplate, knowledge))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	var c questionContent
	if err := parseJSONBlock(out, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	if c.Question == nil || c.Answer == nil || c.Reward == nil {
		return nil, fmt.Errorf("%w: question content missing required fields", ErrExtraction)
	}
	return &quizgame.Question{
		Prompt: *c.Question,
		Answer: *c.Answer,
		Reward: quizgame.Reward{
			Amount:   c.Reward.Amount,
			Currency: c.Reward.Type,
		},
	}, nil
}

type answerContent struct {
	Question      *string `json:"question"`
	Answer        *string `json:"answer"`
	CorrectAnswer *string `json:"correctAnswer"`
	Invoice       *string `json:"invoice"`
	Score         *int    `json:"score"`
}

func (e *Extractor) ExtractAnswer(ctx context.Context, transcript string) (*quizgame.Submission, error) {
	out, err := e.client.Complete(ctx, fmt.Sprintf(answerTemplate, transcript))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	var c answerContent
	if err := parseJSONBlock(out, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	if c.Answer == nil || c.Score == nil {
		return nil, fmt.Errorf("%w: answer content missing required fields", ErrExtraction)
	}
	sub := &quizgame.Submission{
		UserAnswer: *c.Answer,
		Score:      *c.Score,
	}
	if c.Question != nil {
		sub.Question = *c.Question
	}
	if c.CorrectAnswer != nil {
		sub.CorrectAnswer = *c.CorrectAnswer
	}
	if c.Invoice != nil {
		sub.Invoice = strings.TrimSpace(*c.Invoice)
	}
	return sub, nil
}

func (e *Extractor) GenerateVerdict(ctx context.Context, sub *quizgame.Submission) (string, error) {
	out, err := e.client.Complete(ctx, fmt.Sprintf(verdictTemplate,
		sub.Question, sub.CorrectAnswer, sub.UserAnswer, sub.Score))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	return strings.TrimSpace(out), nil
}

// parseJSONBlock finds the fenced ```json block in a completion and
// unmarshals it. A completion that is bare JSON also parses. Anything else
// is a schema failure.
func parseJSONBlock(s string, v any) error {
	body := s
	if i := strings.Index(s, "```json"); i >= 0 {
		body = s[i+len("```json"):]
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
	} else if i := strings.Index(s, "```"); i >= 0 {
		body = s[i+3:]
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return fmt.Errorf("completion contains no JSON block")
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("unmarshal JSON block: %w", err)
	}
	return nil
}
