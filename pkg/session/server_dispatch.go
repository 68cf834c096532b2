package session

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/sdpbody"
	"github.com/arzzra/invite_session/pkg/session/classifier"
	"github.com/arzzra/invite_session/pkg/session/retransmit"
	"github.com/arzzra/invite_session/pkg/sipheader"
)

// Dispatch обрабатывает входящее сообщение диалога.
func (s *ServerSession) Dispatch(msg sip.Message) {
	ev, sdp, ok := s.prepare(msg)
	if !ok {
		return
	}
	switch {
	case s.preAccept():
		s.dispatchEarly(msg, ev, sdp)
	case s.state == UASAccepted || s.state == UASAcceptedWaitingAnswer:
		s.dispatchAccepted(msg, ev, sdp)
	default:
		if ev == classifier.OnCancel {
			// CANCEL после 2xx не меняет исход INVITE
			s.reply(msg.(*sip.Request), 200)
			return
		}
		s.dispatchCore(msg, ev, sdp)
	}
}

func (s *ServerSession) dispatchEarly(msg sip.Message, ev classifier.Event, sdp *sdpbody.Description) {
	if res, ok := msg.(*sip.Response); ok && sipheader.CSeqMethod(res) == sip.UPDATE {
		s.dispatchEarlyUpdateResponse(res, ev, sdp)
		return
	}
	switch ev {
	case classifier.OnCancel:
		s.reply(msg.(*sip.Request), 200)
		s.rejectInvite(487, "")
		s.terminate(ReasonCancelled, msg)

	case classifier.OnBye:
		s.reply(msg.(*sip.Request), 200)
		s.rejectInvite(487, "")
		s.terminate(ReasonPeerEnded, msg)

	case classifier.OnPrack:
		s.handlePrack(msg.(*sip.Request), sdp)

	case classifier.OnUpdateOffer:
		s.dispatchEarlyUpdate(msg.(*sip.Request), sdp)

	case classifier.OnUpdate:
		s.respond(msg.(*sip.Request), 200, nil, func(res *sip.Response) { s.decorate(res) })

	case classifier.OnInviteOffer, classifier.OnInviteNoOffer,
		classifier.OnInviteReliableOffer, classifier.OnInviteReliableNoOffer:
		// повтор INVITE поглощается транзакцией
		s.ignore(msg, ev)

	default:
		if !s.dispatchShared(msg, ev) {
			s.ignore(msg, ev)
		}
	}
}

// handlePrack подтверждение надежного 1xx.
func (s *ServerSession) handlePrack(req *sip.Request, sdp *sdpbody.Description) {
	rack, ok := sipheader.ParseRAck(req)
	if !ok || s.unacked == nil || rack.RSeq != s.unackedSeq ||
		rack.CSeq != s.inviteCSeq || rack.Method != sip.INVITE {
		s.logDebug("PRACK не соответствует ожидающему 1xx", logging.Bool("parsed", ok))
		s.reply(req, 481)
		return
	}
	s.retx.StopRel1xx(uint64(s.unackedSeq))
	s.unacked = nil

	switch s.state {
	case UASFirstNoAnswerReliable:
		s.transition(UASNoAnswerReliable)

	case UASFirstSentAnswerReliable:
		s.transition(UASNegotiatedReliable)

	case UASFirstSentOfferReliable:
		if sdp == nil {
			// ответ на наше предложение в надежном 1xx обязателен
			s.reply(req, 200)
			s.handler.OnIllegalNegotiation(s.self, req)
			if s.isTerminated() {
				return
			}
			s.oa.Reset()
			s.rejectInvite(488, "")
			s.terminate(ReasonGeneralFailure, req)
			return
		}
		if err := s.oa.OnReceive(sdp); err != nil {
			s.logWarn("ответ в PRACK отклонен трекером", logging.Err(err))
		}
		s.transition(UASNegotiatedReliable)
		s.reply(req, 200)
		s.handler.OnPrack(s.self, req)
		if s.isTerminated() {
			return
		}
		s.handler.OnAnswer(s.self, req, sdp)
		if s.isTerminated() {
			return
		}
		s.flushQueued()
		return

	case UASNegotiatedReliable:
		if sdp != nil {
			if err := s.oa.OnReceive(sdp); err != nil {
				s.reply(req, 491)
				return
			}
			// 200 на PRACK уйдет с ответом приложения
			s.pendingPrack = req
			s.handler.OnPrack(s.self, req)
			if s.isTerminated() {
				return
			}
			s.handler.OnOffer(s.self, req, sdp)
			return
		}
	}

	s.reply(req, 200)
	s.handler.OnPrack(s.self, req)
	if s.isTerminated() {
		return
	}
	s.flushQueued()
}

// dispatchEarlyUpdate UPDATE с предложением до 2xx принимается только
// после завершения первого обмена в надежных 1xx.
func (s *ServerSession) dispatchEarlyUpdate(req *sip.Request, sdp *sdpbody.Description) {
	if s.state == UASSentUpdateGlare {
		// встречное предложение отменяет наш отложенный повтор
		s.retx.Disarm(retransmit.Glare)
		s.oa.Reset()
		s.transition(UASNegotiatedReliable)
		s.handler.OnOfferRejected(s.self, nil)
		if s.isTerminated() {
			return
		}
	}
	if s.state != UASNegotiatedReliable || s.pendingPrack != nil || s.earlyUpdate != nil || s.unacked != nil {
		s.reply(req, 491)
		return
	}
	if err := s.oa.OnReceive(sdp); err != nil {
		s.reply(req, 491)
		return
	}
	s.earlyUpdate = req
	s.handler.OnOffer(s.self, req, sdp)
}

// dispatchEarlyUpdateResponse ответ на наш UPDATE до 2xx.
func (s *ServerSession) dispatchEarlyUpdateResponse(res *sip.Response, ev classifier.Event, sdp *sdpbody.Description) {
	if s.state != UASSentUpdate {
		s.ignore(res, ev)
		return
	}
	switch {
	case res.StatusCode < 200:
		return

	case ev == classifier.On200Update:
		if sdp == nil {
			s.oa.Reset()
			s.transition(UASNegotiatedReliable)
			s.handler.OnIllegalNegotiation(s.self, res)
			if s.isTerminated() {
				return
			}
			s.flushQueued()
			return
		}
		if err := s.oa.OnReceive(sdp); err != nil {
			s.logWarn("ответ на UPDATE отклонен трекером", logging.Err(err))
		}
		s.transition(UASNegotiatedReliable)
		s.handler.OnAnswer(s.self, res, sdp)

	case ev == classifier.On491Update:
		s.transition(UASSentUpdateGlare)
		p := s.retx.ArmGlare(false)
		s.metrics.glare()
		s.logDebug("коллизия раннего UPDATE, повтор отложен", logging.Duration("after", p.After))
		s.addTimer(p)
		return

	default:
		s.peerDeclined()
		s.transition(UASNegotiatedReliable)
		s.handler.OnOfferRejected(s.self, res)
	}
	if s.isTerminated() {
		return
	}
	s.flushQueued()
}

func (s *ServerSession) dispatchAccepted(msg sip.Message, ev classifier.Event, sdp *sdpbody.Description) {
	switch ev {
	case classifier.OnAck, classifier.OnAckAnswer:
		req := msg.(*sip.Request)
		if !s.ackMatches(req) {
			s.ignore(msg, ev)
			return
		}
		s.stop200()
		if s.state == UASAccepted {
			s.transition(Connected)
			s.handler.OnConnected(s.self, req)
			return
		}
		if ev != classifier.OnAckAnswer {
			s.logWarn("ACK без ответа на предложение в 2xx")
			s.oa.Reset()
			s.handler.OnIllegalNegotiation(s.self, req)
			if s.isTerminated() {
				return
			}
			s.byeAndTerminate(EndReasonIllegalNegotiation, ReasonGeneralFailure, req)
			return
		}
		if err := s.oa.OnReceive(sdp); err != nil {
			s.logWarn("ответ в ACK отклонен трекером", logging.Err(err))
		}
		s.transition(Connected)
		s.handler.OnAnswer(s.self, req, sdp)
		if s.isTerminated() {
			return
		}
		s.handler.OnConnected(s.self, req)

	case classifier.OnCancel:
		s.reply(msg.(*sip.Request), 200)

	default:
		s.dispatchCore(msg, ev, sdp)
	}
}
