package session

import (
	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/session/retransmit"
)

// dispatchCoreTimeout обработка таймаутов, общих для обеих ролей. false
// означает, что тип таймаута ядру не известен.
func (s *inviteSession) dispatchCoreTimeout(t retransmit.Timeout) bool {
	switch t.Type {
	case retransmit.Retransmit200:
		if s.invite200 == nil || uint64(s.invite200Seq) != t.Seq || !s.state.awaitingAck() {
			s.stale(t)
			return true
		}
		next, ok := s.retx.Next200(t.Seq)
		if !ok {
			s.stale(t)
			return true
		}
		s.metrics.retransmitted(t.Type.String())
		_ = s.send(s.invite200)
		s.addTimer(next)

	case retransmit.WaitForAck:
		if !s.retx.Active200(t.Seq) {
			s.stale(t)
			return true
		}
		s.retx.Stop200(t.Seq)
		s.logWarn("ACK на 2xx не получен", logging.Uint64("cseq", t.Seq))
		if s.state == WaitingToHangup {
			s.byeAndTerminate(s.endReason, s.endReason.terminatedReason(), nil)
			return true
		}
		s.handler.OnAckNotReceived(s.self)
		if s.isTerminated() {
			return true
		}
		s.byeAndTerminate(EndReasonAckNotReceived, ReasonGeneralFailure, nil)

	case retransmit.CanDiscardAck:
		delete(s.acks, uint32(t.Seq))

	case retransmit.Glare:
		if !s.retx.Current(t) || !s.state.glare() {
			s.stale(t)
			return true
		}
		s.logDebug("повтор запроса после коллизии")
		s.resendModification()

	case retransmit.StaleReInvite:
		if !s.retx.Current(t) {
			s.stale(t)
			return true
		}
		switch s.state {
		case SentReinvite, SentReinviteNoOffer:
			s.metrics.staleTimeout(t.Type.String())
			s.refreshing = false
			s.oa.Reset()
			s.transition(Connected)
			s.handler.OnStaleReInviteTimeout(s.self)
		case WaitingToTerminate:
			s.byeAndTerminate(s.endReason, s.endReason.terminatedReason(), nil)
		default:
			s.stale(t)
		}

	case retransmit.SessionRefresh:
		if !s.timer.Current(t.Seq) {
			s.stale(t)
			return true
		}
		if s.state != Connected {
			// обновление занято другим обменом, он сам продлит сессию
			s.logDebug("обновление сессии пропущено", logging.String("state", s.state.String()))
			return true
		}
		s.sessionRefresh()

	case retransmit.SessionExpiration:
		if !s.timer.Current(t.Seq) {
			s.stale(t)
			return true
		}
		s.logWarn("сессия истекла")
		s.handler.OnSessionExpired(s.self)

	default:
		return false
	}
	return true
}
