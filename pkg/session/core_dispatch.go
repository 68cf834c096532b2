package session

import (
	"strconv"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/sdpbody"
	"github.com/arzzra/invite_session/pkg/session/classifier"
	"github.com/arzzra/invite_session/pkg/session/offeranswer"
	"github.com/arzzra/invite_session/pkg/session/retransmit"
	"github.com/arzzra/invite_session/pkg/sipheader"
)

// dispatchCore обработка сообщения в общих состояниях установленной сессии.
func (s *inviteSession) dispatchCore(msg sip.Message, ev classifier.Event, sdp *sdpbody.Description) {
	if s.dispatchShared(msg, ev) {
		return
	}
	if s.dispatchModificationRequest(msg, ev, sdp) {
		return
	}

	switch s.state {
	case Connected:
		if ev.Is2xx() {
			s.resendAck(msg.(*sip.Response))
			return
		}
	case SentUpdate:
		s.dispatchSentUpdate(msg, ev, sdp)
		return
	case SentReinvite:
		s.dispatchSentReinvite(msg, ev, sdp)
		return
	case SentReinviteNoOffer:
		s.dispatchSentReinviteNoOffer(msg, ev, sdp)
		return
	case WaitingToTerminate:
		s.dispatchWaitingToTerminate(msg, ev)
		return
	case Answered, WaitingToOffer, WaitingToRequestOffer, ReceivedReinviteSentOffer, WaitingToHangup:
		if ev == classifier.OnAck || ev == classifier.OnAckAnswer {
			s.dispatchAck(msg.(*sip.Request), ev, sdp)
			return
		}
	}

	if ev.Is2xx() {
		// повторный 2xx на уже подтвержденный INVITE
		s.resendAck(msg.(*sip.Response))
		return
	}
	s.ignore(msg, ev)
}

// dispatchShared запросы и ответы, обрабатываемые одинаково во всех
// состояниях: BYE, INFO, REFER, NOTIFY. true означает, что сообщение
// обработано.
func (s *inviteSession) dispatchShared(msg sip.Message, ev classifier.Event) bool {
	method := sipheader.CSeqMethod(msg)
	switch ev {
	case classifier.OnBye:
		s.reply(msg.(*sip.Request), 200)
		s.terminate(ReasonPeerEnded, msg)
		return true

	case classifier.On200Bye:
		return true

	case classifier.OnInfo:
		req := msg.(*sip.Request)
		if s.serverNIT != nil {
			s.replyRetryAfter(req)
			return true
		}
		s.serverNIT = req
		s.handler.OnInfo(s.self, req)
		return true

	case classifier.OnInfoSuccess:
		s.nitPending = false
		s.handler.OnInfoSuccess(s.self, msg.(*sip.Response))
		return true

	case classifier.OnInfoFailure:
		s.nitPending = false
		s.handler.OnInfoFailure(s.self, msg.(*sip.Response))
		return true

	case classifier.OnRefer:
		req := msg.(*sip.Request)
		if s.serverNIT != nil {
			s.replyRetryAfter(req)
			return true
		}
		s.serverNIT = req
		s.handler.OnRefer(s.self, req, referTarget(req))
		return true

	case classifier.OnReferAccepted:
		s.referPending = false
		s.handler.OnReferAccepted(s.self, msg.(*sip.Response))
		return true

	case classifier.OnReferRejected:
		s.referPending = false
		s.handler.OnReferRejected(s.self, msg.(*sip.Response))
		return true

	case classifier.OnNotify:
		req := msg.(*sip.Request)
		s.reply(req, 200)
		s.handler.OnReferNotify(s.self, req)
		return true

	case classifier.OnGeneralFailure, classifier.OnRedirect:
		// 408/481 и 3xx на INFO и REFER
		switch method {
		case sip.INFO:
			s.nitPending = false
			s.handler.OnInfoFailure(s.self, msg.(*sip.Response))
			return true
		case sip.REFER:
			s.referPending = false
			s.handler.OnReferRejected(s.self, msg.(*sip.Response))
			return true
		case sip.BYE, sip.NOTIFY, sip.CANCEL:
			return true
		}
	}
	return false
}

// dispatchModificationRequest входящие UPDATE и re-INVITE.
func (s *inviteSession) dispatchModificationRequest(msg sip.Message, ev classifier.Event, sdp *sdpbody.Description) bool {
	req, ok := msg.(*sip.Request)
	if !ok {
		return false
	}

	switch ev {
	case classifier.OnInviteOffer, classifier.OnInviteReliableOffer,
		classifier.OnInviteNoOffer, classifier.OnInviteReliableNoOffer,
		classifier.OnUpdateOffer:
	case classifier.OnUpdate:
		// UPDATE без SDP обновляет только таймер сессии
		s.respondModification(req, nil)
		return true
	case classifier.OnCancel:
		s.onCancelModification(req)
		return true
	default:
		return false
	}

	if s.remoteMod != nil && sipheader.CSeqNumber(req) == sipheader.CSeqNumber(s.remoteMod) {
		// повтор уже полученного запроса
		s.ignore(msg, ev)
		return true
	}

	switch {
	case s.state.glare():
		// встречное предложение отменяет наш отложенный повтор
		s.retx.Disarm(retransmit.Glare)
		s.oa.Reset()
		s.transition(Connected)
		s.handler.OnOfferRejected(s.self, nil)
		if s.isTerminated() {
			return true
		}
	case s.state.sentModification():
		s.reply(req, 491)
		return true
	case s.state == Connected:
	default:
		s.replyRetryAfter(req)
		return true
	}

	if minSE, tooSmall := s.timer.TooSmall(req); tooSmall {
		s.respond(req, 422, nil, func(res *sip.Response) {
			sipheader.Set(res, sipheader.MinSE, strconv.FormatUint(uint64(minSE), 10))
		})
		return true
	}

	s.remoteMod = req
	if sdp == nil {
		s.transition(ReceivedReinviteNoOffer)
		s.handler.OnOfferRequired(s.self, req)
		return true
	}
	if err := s.oa.OnReceive(sdp); err != nil {
		s.logWarn("предложение отклонено трекером", logging.Err(err))
		s.remoteMod = nil
		s.reply(req, 491)
		return true
	}
	if ev == classifier.OnUpdateOffer {
		s.transition(ReceivedUpdate)
	} else {
		s.transition(ReceivedReinvite)
	}
	s.handler.OnOffer(s.self, req, sdp)
	return true
}

// onCancelModification CANCEL для входящего re-INVITE.
func (s *inviteSession) onCancelModification(req *sip.Request) {
	s.reply(req, 200)
	if s.remoteMod == nil || s.remoteMod.Method != sip.INVITE ||
		sipheader.CSeqNumber(req) != sipheader.CSeqNumber(s.remoteMod) {
		return
	}
	switch s.state {
	case ReceivedReinvite, ReceivedReinviteNoOffer:
		if s.oa.Pending() == offeranswer.DirectionRemote {
			s.oa.Reset()
		}
		s.reply(s.remoteMod, 487)
		s.remoteMod = nil
		s.transition(Connected)
	}
}

func (s *inviteSession) dispatchSentUpdate(msg sip.Message, ev classifier.Event, sdp *sdpbody.Description) {
	if sipheader.CSeqMethod(msg) != sip.UPDATE {
		if ev.Is2xx() {
			s.resendAck(msg.(*sip.Response))
			return
		}
		s.ignore(msg, ev)
		return
	}
	res := msg.(*sip.Response)

	switch ev {
	case classifier.On200Update:
		offered := s.oa.Pending() == offeranswer.DirectionLocal
		s.startSessionTimer(s.timer.HandleResponse(res))
		if !offered {
			s.transition(Connected)
			return
		}
		if sdp == nil {
			s.oa.Reset()
			s.transition(Connected)
			s.handler.OnIllegalNegotiation(s.self, res)
			return
		}
		s.completeOffer(res, sdp)

	case classifier.On491Update:
		s.enterGlare(SentUpdateGlare)

	case classifier.On422Update:
		if s.timer.On422(res) {
			s.resendModification()
			return
		}
		s.offerRejected(res)

	case classifier.On489Update, classifier.OnUpdateRejected, classifier.OnRedirect:
		s.offerRejected(res)

	case classifier.OnGeneralFailure:
		s.byeAndTerminate(EndReasonNotSpecified, ReasonGeneralFailure, res)

	default:
		s.ignore(msg, ev)
	}
}

func (s *inviteSession) dispatchSentReinvite(msg sip.Message, ev classifier.Event, sdp *sdpbody.Description) {
	if sipheader.CSeqMethod(msg) != sip.INVITE {
		s.ignore(msg, ev)
		return
	}
	res := msg.(*sip.Response)

	switch {
	case ev.Is1xx():
		return

	case ev == classifier.On2xxAnswer:
		s.retx.Disarm(retransmit.StaleReInvite)
		s.ackNoBody()
		s.startSessionTimer(s.timer.HandleResponse(res))
		s.completeOffer(res, sdp)

	case ev.Is2xx():
		s.retx.Disarm(retransmit.StaleReInvite)
		s.ackNoBody()
		s.illegalNegotiation(res)

	case ev == classifier.On491Invite:
		s.retx.Disarm(retransmit.StaleReInvite)
		s.enterGlare(SentReinviteGlare)

	case ev == classifier.On422Invite:
		s.retx.Disarm(retransmit.StaleReInvite)
		if s.timer.On422(res) {
			s.resendModification()
			return
		}
		s.offerRejected(res)

	case ev == classifier.OnGeneralFailure:
		s.retx.Disarm(retransmit.StaleReInvite)
		s.byeAndTerminate(EndReasonNotSpecified, ReasonGeneralFailure, res)

	case ev.IsInviteFinalFailure(), ev == classifier.OnRedirect:
		s.retx.Disarm(retransmit.StaleReInvite)
		s.offerRejected(res)

	default:
		s.ignore(msg, ev)
	}
}

func (s *inviteSession) dispatchSentReinviteNoOffer(msg sip.Message, ev classifier.Event, sdp *sdpbody.Description) {
	if sipheader.CSeqMethod(msg) != sip.INVITE {
		s.ignore(msg, ev)
		return
	}
	res := msg.(*sip.Response)

	switch {
	case ev.Is1xx():
		return

	case ev == classifier.On2xxOffer:
		s.retx.Disarm(retransmit.StaleReInvite)
		if err := s.oa.OnReceive(sdp); err != nil {
			s.ackNoBody()
			s.illegalNegotiation(res)
			return
		}
		s.startSessionTimer(s.timer.HandleResponse(res))
		s.transition(SentReinviteAnswered)
		s.handler.OnOffer(s.self, res, sdp)

	case ev.Is2xx():
		s.retx.Disarm(retransmit.StaleReInvite)
		s.ackNoBody()
		s.illegalNegotiation(res)

	case ev == classifier.On491Invite:
		s.retx.Disarm(retransmit.StaleReInvite)
		s.enterGlare(SentReinviteNoOfferGlare)

	case ev == classifier.On422Invite:
		s.retx.Disarm(retransmit.StaleReInvite)
		if s.timer.On422(res) {
			s.resendModification()
			return
		}
		s.transition(Connected)
		s.handler.OnOfferRejected(s.self, res)

	case ev == classifier.OnGeneralFailure:
		s.retx.Disarm(retransmit.StaleReInvite)
		s.byeAndTerminate(EndReasonNotSpecified, ReasonGeneralFailure, res)

	case ev.IsInviteFinalFailure(), ev == classifier.OnRedirect:
		s.retx.Disarm(retransmit.StaleReInvite)
		s.transition(Connected)
		s.handler.OnOfferRejected(s.self, res)

	default:
		s.ignore(msg, ev)
	}
}

func (s *inviteSession) dispatchWaitingToTerminate(msg sip.Message, ev classifier.Event) {
	method := sipheader.CSeqMethod(msg)
	if method != sip.INVITE && method != sip.UPDATE {
		s.ignore(msg, ev)
		return
	}
	switch {
	case ev.Is1xx():
		return
	case ev.Is2xx():
		if method == sip.INVITE {
			s.ackNoBody()
		}
		s.byeAndTerminate(s.endReason, s.endReason.terminatedReason(), msg)
	case ev.IsInviteFinalFailure(), ev == classifier.OnRedirect,
		ev == classifier.On200Update, ev == classifier.OnUpdateRejected,
		ev == classifier.On491Update, ev == classifier.On489Update, ev == classifier.On422Update:
		s.byeAndTerminate(s.endReason, s.endReason.terminatedReason(), msg)
	default:
		s.ignore(msg, ev)
	}
}

// dispatchAck ACK на наш 2xx после перехода в общие состояния.
func (s *inviteSession) dispatchAck(req *sip.Request, ev classifier.Event, sdp *sdpbody.Description) {
	if !s.ackMatches(req) {
		s.ignore(req, ev)
		return
	}
	s.stop200()

	switch s.state {
	case Answered:
		s.transition(Connected)
		s.handler.OnAckReceived(s.self, req)

	case WaitingToOffer:
		s.transition(Connected)
		s.confirmAck(req)
		if s.isTerminated() || s.queuedOffer == nil {
			return
		}
		offer := s.queuedOffer
		s.queuedOffer = nil
		if err := s.provideOffer(offer); err != nil {
			s.logWarn("отложенное предложение не отправлено", logging.Err(err))
		}

	case WaitingToRequestOffer:
		s.transition(Connected)
		s.confirmAck(req)
		if s.isTerminated() {
			return
		}
		if err := s.requestOffer(); err != nil {
			s.logWarn("отложенный запрос предложения не отправлен", logging.Err(err))
		}

	case ReceivedReinviteSentOffer:
		if ev != classifier.OnAckAnswer {
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

	case WaitingToHangup:
		s.byeAndTerminate(s.endReason, s.endReason.terminatedReason(), req)
	}
}

// confirmAck сообщает о полученном ACK. ACK на 2xx исходного INVITE
// устанавливает сессию.
func (s *inviteSession) confirmAck(req *sip.Request) {
	if s.ackConnects {
		s.ackConnects = false
		s.handler.OnConnected(s.self, req)
		return
	}
	s.handler.OnAckReceived(s.self, req)
}

// completeOffer применяет ответ на наше предложение и возвращает сессию в Connected.
func (s *inviteSession) completeOffer(msg sip.Message, answer *sdpbody.Description) {
	previous := s.oa.CurrentRemote()
	refreshing := s.refreshing
	s.refreshing = false
	if err := s.oa.OnReceive(answer); err != nil {
		s.logWarn("ответ отклонен трекером", logging.Err(err))
	}
	s.transition(Connected)
	if refreshing {
		if !sdpbody.Equal(previous, answer) {
			s.handler.OnRemoteAnswerChanged(s.self, msg, answer)
		}
		return
	}
	s.handler.OnAnswer(s.self, msg, answer)
}

// offerRejected удаленная сторона отклонила наше предложение.
func (s *inviteSession) offerRejected(res *sip.Response) {
	s.refreshing = false
	if s.oa.Pending() == offeranswer.DirectionLocal {
		s.peerDeclined()
	}
	s.transition(Connected)
	s.handler.OnOfferRejected(s.self, res)
}

// illegalNegotiation 2xx без ожидаемого SDP: сессия завершается.
func (s *inviteSession) illegalNegotiation(msg sip.Message) {
	s.refreshing = false
	s.oa.Reset()
	s.handler.OnIllegalNegotiation(s.self, msg)
	if s.isTerminated() {
		return
	}
	s.byeAndTerminate(EndReasonIllegalNegotiation, ReasonGeneralFailure, msg)
}

// enterGlare переводит в состояние ожидания повтора после 491.
func (s *inviteSession) enterGlare(state State) {
	s.transition(state)
	p := s.retx.ArmGlare(s.role == RoleCaller)
	s.metrics.glare()
	s.logDebug("коллизия запросов, повтор отложен", logging.Duration("after", p.After))
	s.addTimer(p)
}
