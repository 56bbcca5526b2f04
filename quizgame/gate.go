package quizgame

import "sort"

// The room state machine has three states derived purely from the turn log:
//
//	NoQuestion -> QuestionOpen -> Answered -> QuestionOpen -> ...
//
// An answer is only accepted while a question is open; a new question is only
// accepted while no question is open. Nothing here keeps mutable state: the
// state is recomputed from history on every call, so replays are safe.

// sortedDesc returns a copy of turns ordered most-recent-first: CreatedAt
// descending, with the store-assigned sequence number breaking ties. Wall
// clock alone is not enough; two turns appended within the same millisecond
// would otherwise have no defined order.
func sortedDesc(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Seq > out[j].Seq
	})
	return out
}

// CanSubmitAnswer reports whether the room currently has an open, unanswered
// question. True iff an OPEN_QUESTION turn exists with no SUBMIT_ANSWER turn
// at or after it.
func CanSubmitAnswer(turns []Turn) bool {
	qIdx, aIdx := -1, -1
	for i, t := range sortedDesc(turns) {
		switch t.Step {
		case StepOpenQuestion:
			if qIdx == -1 {
				qIdx = i
			}
		case StepSubmitAnswer:
			if aIdx == -1 {
				aIdx = i
			}
		}
		if qIdx != -1 && aIdx != -1 {
			break
		}
	}
	if qIdx == -1 {
		return false
	}
	// Smaller index means more recent. An answer at or after the question
	// closes it.
	if aIdx != -1 && aIdx <= qIdx {
		return false
	}
	return true
}

// CanOpenQuestion reports whether a new question may be opened: the room is
// in NoQuestion or Answered, never while a question is still open.
func CanOpenQuestion(turns []Turn) bool {
	return !CanSubmitAnswer(turns)
}

// LastQuestionTurn returns the most recent OPEN_QUESTION turn.
func LastQuestionTurn(turns []Turn) (*Turn, bool) {
	for _, t := range sortedDesc(turns) {
		if t.Step == StepOpenQuestion {
			t := t
			return &t, true
		}
	}
	return nil, false
}

// LastQuestion returns the most recently opened question, whether or not it
// has been answered.
func LastQuestion(turns []Turn) (*Question, bool) {
	t, ok := LastQuestionTurn(turns)
	if !ok {
		return nil, false
	}
	q, err := ParseQuestion(t)
	if err != nil {
		return nil, false
	}
	return q, true
}
