package session

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/sdpbody"
	"github.com/arzzra/invite_session/pkg/session/classifier"
	"github.com/arzzra/invite_session/pkg/session/offeranswer"
	"github.com/arzzra/invite_session/pkg/session/retransmit"
	"github.com/arzzra/invite_session/pkg/sipheader"
)

// Dispatch обрабатывает входящее сообщение диалога.
func (c *ClientSession) Dispatch(msg sip.Message) {
	ev, sdp, ok := c.prepare(msg)
	if !ok {
		return
	}
	if !c.state.IsEarly() {
		c.dispatchCore(msg, ev, sdp)
		return
	}
	c.dispatchEarly(msg, ev, sdp)
}

func (c *ClientSession) dispatchEarly(msg sip.Message, ev classifier.Event, sdp *sdpbody.Description) {
	method := sipheader.CSeqMethod(msg)
	res, isResponse := msg.(*sip.Response)

	if isResponse && method == sip.INVITE {
		if sipheader.CSeqNumber(res) != c.inviteCSeq {
			c.ignore(msg, ev)
			return
		}
		c.dispatchInviteResponse(res, ev, sdp)
		return
	}

	switch {
	case isResponse && method == sip.PRACK:
		c.dispatchPrackResponse(res, ev)
	case isResponse && method == sip.UPDATE:
		c.dispatchEarlyUpdateResponse(res, ev, sdp)
	case isResponse && method == sip.CANCEL:
		// окончательный ответ на INVITE придет отдельно
	case ev == classifier.OnUpdateOffer:
		c.dispatchEarlyUpdate(msg.(*sip.Request), sdp)
	case ev == classifier.OnUpdate:
		c.respond(msg.(*sip.Request), 200, nil, func(res *sip.Response) { c.decorate(res) })
	case c.dispatchShared(msg, ev):
	default:
		c.ignore(msg, ev)
	}
}

func (c *ClientSession) dispatchInviteResponse(res *sip.Response, ev classifier.Event, sdp *sdpbody.Description) {
	switch {
	case ev.Is1xx():
		c.onProvisional(res, ev, sdp)

	case ev.Is2xx():
		c.on2xx(res, ev, sdp)

	case ev == classifier.OnRedirect:
		c.retx.Disarm(retransmit.StaleCall)
		if c.state == UACCancelled {
			c.terminate(ReasonCancelled, res)
			return
		}
		c.handler.OnRedirected(c.self, res)
		c.terminate(ReasonInviteFailure, res)

	case ev == classifier.On422Invite && (c.state == UACStart || c.state == UACEarly):
		if c.timer.On422(res) {
			c.logDebug("повтор INVITE после 422", logging.Uint64("min_se", uint64(c.timer.MinSE())))
			if err := c.resendInvite(); err == nil {
				return
			}
		}
		c.onInviteFailure(res, ev)

	case ev.IsInviteFinalFailure():
		c.onInviteFailure(res, ev)

	default:
		c.ignore(res, ev)
	}
}

func (c *ClientSession) onInviteFailure(res *sip.Response, ev classifier.Event) {
	c.retx.Disarm(retransmit.StaleCall)
	if c.state == UACCancelled {
		c.terminate(ReasonCancelled, res)
		return
	}
	c.handler.OnFailure(c.self, res)
	if ev == classifier.OnGeneralFailure {
		c.terminate(ReasonGeneralFailure, res)
		return
	}
	c.terminate(ReasonInviteFailure, res)
}

// notifyNewSession один раз сообщает о появлении диалога.
func (c *ClientSession) notifyNewSession(msg sip.Message) bool {
	if !c.newSessionNotified {
		c.newSessionNotified = true
		c.handler.OnNewSession(c.self, msg)
	}
	return !c.isTerminated()
}

func (c *ClientSession) onProvisional(res *sip.Response, ev classifier.Event, sdp *sdpbody.Description) {
	switch c.state {
	case UACCancelled, UACAnswered:
		c.ignore(res, ev)
		return
	}

	reliable := classifier.IsReliable(res)
	if reliable {
		rseq, _ := sipheader.Uint(res, sipheader.RSeq)
		if c.rseqSeen && rseq != c.lastRSeq+1 {
			c.logDebug("надежный 1xx отброшен", logging.Uint64("rseq", uint64(rseq)),
				logging.Uint64("expected", uint64(c.lastRSeq)+1))
			c.ignore(res, ev)
			return
		}
		c.lastRSeq = rseq
		c.rseqSeen = true
	}

	c.addTimer(c.retx.Arm(retransmit.StaleCall, c.retx.Config().StaleCall))
	if !c.notifyNewSession(res) {
		return
	}

	// тело повторного надежного 1xx, совпадающее с текущим, не является предложением
	if ev == classifier.On1xxOffer && c.oa.Negotiated() && sdpbody.Equal(sdp, c.oa.CurrentRemote()) {
		ev = classifier.On1xx
	}

	switch ev {
	case classifier.On1xxAnswer:
		if c.state != UACStart && c.state != UACEarly {
			break
		}
		if err := c.oa.OnReceive(sdp); err != nil {
			c.logWarn("ответ в 1xx отклонен трекером", logging.Err(err))
			break
		}
		c.transition(UACEarlyWithAnswer)
		c.handler.OnProvisional(c.self, res)
		if c.isTerminated() {
			return
		}
		c.handler.OnAnswer(c.self, res, sdp)
		if c.isTerminated() {
			return
		}
		if err := c.sendPrack(res, nil); err != nil {
			c.logWarn("PRACK не отправлен", logging.Err(err))
		}
		return

	case classifier.On1xxOffer:
		if c.oa.Pending() != offeranswer.DirectionNone {
			break
		}
		if err := c.oa.OnReceive(sdp); err != nil {
			c.logWarn("предложение в 1xx отклонено трекером", logging.Err(err))
			break
		}
		// PRACK уйдет с ответом приложения
		c.offer1xx = res
		c.transition(UACEarlyWithOffer)
		c.handler.OnProvisional(c.self, res)
		if c.isTerminated() {
			return
		}
		c.handler.OnOffer(c.self, res, sdp)
		return

	case classifier.On1xxEarly:
		if c.state == UACStart {
			c.transition(UACEarly)
		}
		c.handler.OnProvisional(c.self, res)
		if c.isTerminated() {
			return
		}
		c.handler.OnEarlyMedia(c.self, res, sdp)
		return
	}

	if c.state == UACStart {
		c.transition(UACEarly)
	}
	c.handler.OnProvisional(c.self, res)
	if c.isTerminated() {
		return
	}
	if reliable {
		if err := c.sendPrack(res, nil); err != nil {
			c.logWarn("PRACK не отправлен", logging.Err(err))
		}
	}
}

func (c *ClientSession) on2xx(res *sip.Response, ev classifier.Event, sdp *sdpbody.Description) {
	c.retx.Disarm(retransmit.StaleCall)
	if c.state == UACCancelled {
		// 2xx пересекся с CANCEL
		c.retx.Disarm(retransmit.Cancelled)
		c.ackNoBody()
		c.byeAndTerminate(c.endReason, ReasonCancelled, res)
		return
	}
	if c.state == UACAnswered {
		// повтор 2xx до ответа приложения
		return
	}
	if !c.notifyNewSession(res) {
		return
	}
	c.startSessionTimer(c.timer.HandleResponse(res))

	switch c.state {
	case UACStart, UACEarly:
		switch ev {
		case classifier.On2xxAnswer:
			if err := c.oa.OnReceive(sdp); err != nil {
				c.logWarn("ответ в 2xx отклонен трекером", logging.Err(err))
			}
			c.ackNoBody()
			c.transition(Connected)
			c.handler.OnAnswer(c.self, res, sdp)
			if c.isTerminated() {
				return
			}
			c.handler.OnConnected(c.self, res)

		case classifier.On2xxOffer:
			if err := c.oa.OnReceive(sdp); err != nil {
				c.logWarn("предложение в 2xx отклонено трекером", logging.Err(err))
			}
			c.answered2xx = res
			c.transition(UACAnswered)
			c.handler.OnOffer(c.self, res, sdp)

		default:
			c.logWarn("2xx без SDP при ожидающем предложении")
			c.oa.Reset()
			c.ackNoBody()
			c.handler.OnFailure(c.self, res)
			if c.isTerminated() {
				return
			}
			c.byeAndTerminate(EndReasonIllegalNegotiation, ReasonGeneralFailure, res)
		}

	case UACEarlyWithOffer:
		// ответ на предложение из 1xx уйдет в ACK
		c.offer1xx = nil
		c.answered2xx = res
		c.transition(UACAnswered)

	case UACEarlyWithAnswer, UACSentEarlyAnswer, UACQueuedUpdate,
		UACSentUpdateEarly, UACSentUpdateEarlyGlare, UACReceivedUpdateEarly:
		if sdp != nil && !sdpbody.Equal(sdp, c.oa.CurrentRemote()) &&
			!sdpbody.Equal(sdp, c.oa.ProposedRemote()) {
			c.logWarn("SDP в 2xx отличается от согласованного в 1xx")
			c.ackNoBody()
			c.illegalNegotiation(res)
			return
		}
		c.ackNoBody()
		c.connectAfterEarly(res)

	default:
		c.ignore(res, ev)
	}
}

// connectAfterEarly переводит сессию, согласовавшую SDP в 1xx, в общее
// ядро с сохранением незавершенных обменов.
func (c *ClientSession) connectAfterEarly(res *sip.Response) {
	queued := c.state == UACQueuedUpdate
	switch c.state {
	case UACSentUpdateEarly:
		c.transition(SentUpdate)
	case UACSentUpdateEarlyGlare:
		c.transition(SentUpdateGlare)
	case UACReceivedUpdateEarly:
		c.remoteMod = c.earlyUpdate
		c.earlyUpdate = nil
		c.transition(ReceivedUpdate)
	default:
		c.transition(Connected)
	}
	c.handler.OnConnected(c.self, res)
	if c.isTerminated() || !queued {
		return
	}
	// UPDATE, ожидавший ответа на PRACK, уходит уже в установленном диалоге
	if err := c.sendModification(sip.UPDATE, c.oa.ProposedLocal()); err != nil {
		c.logWarn("отложенное предложение не отправлено", logging.Err(err))
	}
}

func (c *ClientSession) dispatchPrackResponse(res *sip.Response, ev classifier.Event) {
	c.prackPending = false
	switch ev {
	case classifier.On200Prack:
		switch c.state {
		case UACSentEarlyAnswer:
			c.transition(UACEarlyWithAnswer)
		case UACQueuedUpdate:
			if err := c.sendEarlyUpdate(); err != nil {
				c.logWarn("отложенный UPDATE не отправлен", logging.Err(err))
			}
		}
	case classifier.OnGeneralFailure:
		c.logWarn("PRACK не доставлен", logging.Int("code", res.StatusCode))
	default:
		c.ignore(res, ev)
	}
}

func (c *ClientSession) dispatchEarlyUpdateResponse(res *sip.Response, ev classifier.Event, sdp *sdpbody.Description) {
	if c.state != UACSentUpdateEarly {
		c.ignore(res, ev)
		return
	}
	switch ev {
	case classifier.On200Update:
		if sdp == nil {
			c.oa.Reset()
			c.transition(UACEarlyWithAnswer)
			c.handler.OnIllegalNegotiation(c.self, res)
			return
		}
		if err := c.oa.OnReceive(sdp); err != nil {
			c.logWarn("ответ на UPDATE отклонен трекером", logging.Err(err))
		}
		c.transition(UACEarlyWithAnswer)
		c.handler.OnAnswer(c.self, res, sdp)

	case classifier.On491Update:
		c.transition(UACSentUpdateEarlyGlare)
		p := c.retx.ArmGlare(true)
		c.metrics.glare()
		c.addTimer(p)

	case classifier.On489Update, classifier.On422Update, classifier.OnUpdateRejected,
		classifier.OnGeneralFailure, classifier.OnRedirect:
		c.peerDeclined()
		c.transition(UACEarlyWithAnswer)
		c.handler.OnOfferRejected(c.self, res)

	default:
		c.ignore(res, ev)
	}
}

// dispatchEarlyUpdate UPDATE с предложением до 2xx на INVITE.
func (c *ClientSession) dispatchEarlyUpdate(req *sip.Request, sdp *sdpbody.Description) {
	switch c.state {
	case UACEarlyWithAnswer:
	case UACSentUpdateEarly, UACSentUpdateEarlyGlare, UACQueuedUpdate:
		c.reply(req, 491)
		return
	default:
		c.replyRetryAfter(req)
		return
	}
	if err := c.oa.OnReceive(sdp); err != nil {
		c.reply(req, 491)
		return
	}
	c.earlyUpdate = req
	c.transition(UACReceivedUpdateEarly)
	c.handler.OnOffer(c.self, req, sdp)
}
