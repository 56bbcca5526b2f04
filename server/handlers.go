package server

import (
	"context"
	"errors"
	"strings"

	"github.com/companyzero/bisonrelay/clientrpc/types"
	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/dcrd/crypto/blake256"

	"github.com/vctt94/quizbot-bisonrelay/fiber"
	"github.com/vctt94/quizbot-bisonrelay/quizgame"
	"github.com/vctt94/quizbot-bisonrelay/server/quizdb"
)

const (
	failQuestionMsg = "Failed to generate question. Please try again later."
	failJudgeMsg    = "Failed to judge answer. Please try again later."
)

// isOpenCommand reports whether the message explicitly asks for a new
// question. Control flow is driven by these fixed commands plus the gate,
// never by free-form similarity matching.
func isOpenCommand(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "!question", "!new", "!quiz":
		return true
	}
	return false
}

func (s *Server) handlePM(ctx context.Context, pm types.ReceivedPM) {
	if pm.Msg == nil {
		return
	}
	var uid zkidentity.ShortID
	uid.FromBytes(pm.Uid)
	roomID := "pm:" + uid.String()
	reply := func(m string) error { return s.bot.SendPM(ctx, pm.Nick, m) }
	s.processMessage(ctx, roomID, uid.String(), pm.Nick, pm.Msg.Message, reply)
}

func (s *Server) handleGC(ctx context.Context, gcm types.GCReceivedMsg) {
	if gcm.Msg == nil {
		return
	}
	var uid zkidentity.ShortID
	uid.FromBytes(gcm.Uid)
	roomID := "gc:" + gcm.GcAlias
	reply := func(m string) error { return s.bot.SendGC(ctx, gcm.GcAlias, m) }
	s.processMessage(ctx, roomID, uid.String(), gcm.Nick, gcm.Msg.Message, reply)
}

// processMessage runs one room turn end to end: gate check, domain step,
// dispatch, optional chained payment step. It holds the room lock for the
// whole turn so eligibility is decided at write time.
func (s *Server) processMessage(ctx context.Context, roomID, authorID, nick, text string, reply func(string) error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	if isOpenCommand(text) {
		_, resp, err := s.quiz.OpenQuestion(ctx, roomID)
		switch {
		case errors.Is(err, quizgame.ErrIneligible):
			s.sendReply(reply, "There is already an open question. Answer it before asking for a new one.")
		case err != nil:
			s.log.Errorf("Error generating question in %s: %v", roomID, err)
			s.sendReply(reply, failQuestionMsg)
		default:
			s.sendReply(reply, resp.Text)
		}
		return
	}

	sub, resp, err := s.quiz.SubmitAnswer(ctx, roomID, authorID, nick, text)
	if errors.Is(err, quizgame.ErrIneligible) {
		// Plain chatter with no open question; not our turn.
		return
	}
	if err != nil {
		s.log.Errorf("Error judging answer in %s: %v", roomID, err)
		s.sendReply(reply, failJudgeMsg)
		return
	}
	s.sendReply(reply, resp.Text)

	// The judge never pays inline; a TriggerPayment action chains an
	// explicit payment step through the same reply channel.
	for _, action := range resp.Actions {
		if action == quizgame.TriggerPayment {
			s.executePayment(ctx, roomID, authorID, sub, reply)
		}
	}
}

// payoutKey derives the idempotency key for paying one question's reward to
// one invoice. The question turn's sequence number keeps repeated identical
// prompts in the same room distinct.
func payoutKey(roomID string, questionSeq uint64, invoice string) []byte {
	h := blake256.New()
	h.Write([]byte("Quizbot/Payout/v1"))
	h.Write([]byte(roomID))
	h.Write([]byte{'|', byte(questionSeq >> 24), byte(questionSeq >> 16), byte(questionSeq >> 8), byte(questionSeq)})
	h.Write([]byte{'|'})
	h.Write([]byte(invoice))
	return h.Sum(nil)
}

func (s *Server) executePayment(ctx context.Context, roomID, authorID string, sub *quizgame.Submission, reply func(string) error) {
	turns, err := s.db.ReadTurns(ctx, roomID)
	if err != nil {
		s.log.Errorf("Error reading turns for payment in %s: %v", roomID, err)
		s.sendReply(reply, "Fail to send payment, message: internal error")
		return
	}
	qt, ok := quizgame.LastQuestionTurn(turns)
	if !ok {
		s.log.Errorf("Payment triggered with no question on record in %s", roomID)
		return
	}
	q, err := quizgame.ParseQuestion(qt)
	if err != nil {
		s.log.Errorf("Error parsing question turn %s: %v", qt.ID, err)
		return
	}

	key := payoutKey(roomID, qt.Seq, sub.Invoice)
	if rec, err := s.db.FetchPayout(ctx, key); err == nil && rec.Status == quizdb.PayoutPaid {
		s.sendReply(reply, "This reward has already been paid.")
		return
	}
	err = s.db.StorePayout(ctx, &quizdb.PayoutRecord{
		Key:       key,
		RoomID:    roomID,
		WinnerUID: authorID,
		Invoice:   sub.Invoice,
		Amount:    q.Reward.Amount.String(),
		Currency:  q.Reward.Currency,
		Status:    quizdb.PayoutSending,
	})
	if errors.Is(err, quizdb.ErrDuplicatePayout) {
		s.sendReply(reply, "This reward has already been paid.")
		return
	}
	if err != nil {
		s.log.Errorf("Error storing payout record in %s: %v", roomID, err)
		s.sendReply(reply, "Fail to send payment, message: internal error")
		return
	}

	pctx, cancel := context.WithTimeout(ctx, s.payTimeout)
	defer cancel()
	p, err := s.exec.Execute(pctx, fiber.PaymentRequest{
		Destination: sub.Invoice,
		Amount:      q.Reward.Amount,
		Currency:    q.Reward.Currency,
	})
	if err != nil {
		if uerr := s.db.UpdatePayoutStatus(ctx, key, quizdb.PayoutFailed, ""); uerr != nil {
			s.log.Errorf("Error marking payout failed in %s: %v", roomID, uerr)
		}
		var mismatch *fiber.MismatchError
		if errors.As(err, &mismatch) {
			s.log.Warnf("Payout mismatch in %s: %v", roomID, mismatch)
			s.sendReply(reply, "Sorry, I can't pay for this invoice: "+mismatch.Error())
			return
		}
		s.log.Errorf("Error sending payment in %s: %v", roomID, err)
		s.sendReply(reply, "Fail to send payment, message: "+err.Error())
		return
	}

	if err := s.db.UpdatePayoutStatus(ctx, key, quizdb.PayoutPaid, p.PaymentHash); err != nil {
		s.log.Errorf("Error marking payout paid in %s: %v", roomID, err)
	}
	if err := s.quiz.RecordPayment(ctx, roomID, &quizgame.PaymentRecord{
		Destination: sub.Invoice,
		Amount:      q.Reward.Amount.String(),
		Currency:    q.Reward.Currency,
		PaymentHash: p.PaymentHash,
	}); err != nil {
		s.log.Errorf("Error recording payment turn in %s: %v", roomID, err)
	}
	s.sendReply(reply, "Payment sent successfully!\n"+fiber.FormatPayment(p))
}

func (s *Server) sendReply(reply func(string) error, msg string) {
	if err := reply(msg); err != nil {
		s.log.Warnf("Failed to send reply: %v", err)
	}
}
