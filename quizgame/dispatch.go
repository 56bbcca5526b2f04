package quizgame

// Action is the follow-up a judged answer triggers. The judge never performs
// a payment inline; it emits a TriggerPayment value that the caller's
// dispatcher consumes as an explicit, separate step.
type Action int

const (
	// ReportOnly emits the verdict text and nothing else.
	ReportOnly Action = iota
	// RequestDestination emits the verdict plus a prompt for a payment
	// destination; the score qualified but no invoice was supplied.
	RequestDestination
	// TriggerPayment schedules a payment step for the question's reward.
	TriggerPayment
)

func (a Action) String() string {
	switch a {
	case ReportOnly:
		return "report-only"
	case RequestDestination:
		return "request-destination"
	case TriggerPayment:
		return "trigger-payment"
	}
	return "unknown"
}

// DefaultRewardThreshold is the minimum score that releases a reward.
const DefaultRewardThreshold = 80

// DispatchPolicy decides what a judged answer triggers. Threshold is policy,
// not a literal; hosts configure it.
type DispatchPolicy struct {
	Threshold int
}

// Decide maps a score and an optional invoice to a follow-up action.
func (p DispatchPolicy) Decide(score int, invoice string) Action {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultRewardThreshold
	}
	if score < threshold {
		return ReportOnly
	}
	if invoice == "" {
		return RequestDestination
	}
	return TriggerPayment
}
