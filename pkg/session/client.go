package session

import (
	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/sdpbody"
	"github.com/arzzra/invite_session/pkg/session/offeranswer"
	"github.com/arzzra/invite_session/pkg/session/retransmit"
	"github.com/arzzra/invite_session/pkg/sipheader"
)

// ClientSession сессия на стороне, отправившей INVITE (UAC).
type ClientSession struct {
	*inviteSession

	invite     *sip.Request
	inviteCSeq uint32

	// последний принятый RSeq надежного 1xx
	lastRSeq uint32
	rseqSeen bool

	// наш PRACK ожидает ответа
	prackPending bool
	// надежный 1xx с предложением, PRACK на который несет наш ответ
	offer1xx *sip.Response
	// 2xx с предложением, ACK на который ждет ответа приложения
	answered2xx *sip.Response
	// входящий UPDATE в ранней фазе
	earlyUpdate *sip.Request

	newSessionNotified bool
}

var _ Session = (*ClientSession)(nil)

// NewClientSession создает сессию UAC и готовит INVITE. offer может быть
// nil, тогда предложение ожидается от удаленной стороны. INVITE
// отправляется через Start.
func NewClientSession(dialog Dialog, handler Handler, offer *sdpbody.Description, opts ...Option) (*ClientSession, error) {
	core, err := newInviteSession(RoleCaller, dialog, handler, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	c := &ClientSession{inviteSession: core}
	core.self = c
	core.state = UACStart

	req, err := core.makeRequest(sip.INVITE)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	core.decorate(req)
	core.timer.PrepareRequest(req)
	if offer != nil {
		if err := core.oa.OnSend(offer); err != nil {
			return nil, errtrace.Wrap(err)
		}
		sdpbody.Attach(req, offer)
	}
	c.invite = req
	c.inviteCSeq = sipheader.CSeqNumber(req)
	return c, nil
}

// Invite исходный INVITE (последний отправленный после 422).
func (c *ClientSession) Invite() *sip.Request { return c.invite }

// Start отправляет INVITE.
func (c *ClientSession) Start() error {
	if c.state != UACStart {
		return c.usageError("Start", ErrInvalidState)
	}
	c.logInfo("отправка INVITE", logging.Bool("offer", len(c.invite.Body()) > 0))
	return errtrace.Wrap(c.send(c.invite))
}

// resendInvite повторяет INVITE после 422 с увеличенным Session-Expires.
func (c *ClientSession) resendInvite() error {
	req, err := c.makeRequest(sip.INVITE)
	if err != nil {
		return errtrace.Wrap(err)
	}
	c.decorate(req)
	c.timer.PrepareRequest(req)
	if offer := c.oa.ProposedLocal(); offer != nil {
		sdpbody.Attach(req, offer)
	}
	c.invite = req
	c.inviteCSeq = sipheader.CSeqNumber(req)
	return errtrace.Wrap(c.send(req))
}

// Cancel отменяет INVITE в ранней фазе. Если окончательный ответ не придет
// за TH, сессия завершается по таймеру.
func (c *ClientSession) Cancel() error {
	switch c.state {
	case UACStart, UACEarly, UACEarlyWithOffer, UACEarlyWithAnswer, UACSentUpdateEarly,
		UACSentUpdateEarlyGlare, UACReceivedUpdateEarly, UACSentEarlyAnswer, UACQueuedUpdate:
	default:
		return c.usageError("Cancel", ErrInvalidState)
	}
	req, err := c.makeRequest(sip.CANCEL)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if c.earlyUpdate != nil {
		c.reply(c.earlyUpdate, 487)
		c.earlyUpdate = nil
	}
	c.retx.Disarm(retransmit.StaleCall)
	c.retx.Disarm(retransmit.Glare)
	c.transition(UACCancelled)
	c.addTimer(c.retx.Arm(retransmit.Cancelled, c.retx.Config().AckWait))
	return errtrace.Wrap(c.send(req))
}

// ProvideOffer в ранней фазе отправляет UPDATE, после установления
// работает как в общем ядре.
func (c *ClientSession) ProvideOffer(offer *sdpbody.Description) error {
	switch c.state {
	case UACEarlyWithAnswer:
		if offer == nil {
			return c.usageError("ProvideOffer", ErrNoPendingOffer)
		}
		if !c.peerAllows(sip.UPDATE) {
			return c.usageError("ProvideOffer", ErrPeerNotAllowUpdate)
		}
		if err := c.oa.OnSend(offer); err != nil {
			return c.usageError("ProvideOffer", err)
		}
		if c.prackPending {
			c.transition(UACQueuedUpdate)
			return nil
		}
		return errtrace.Wrap(c.sendEarlyUpdate())

	case UACStart, UACEarly, UACSentUpdateEarly, UACSentUpdateEarlyGlare, UACQueuedUpdate:
		if c.oa.Pending() == offeranswer.DirectionLocal {
			return c.usageError("ProvideOffer", ErrDoubleOffer)
		}
		return c.usageError("ProvideOffer", ErrInvalidState)
	}
	if c.state.IsEarly() {
		return c.usageError("ProvideOffer", ErrInvalidState)
	}
	return errtrace.Wrap(c.provideOffer(offer))
}

// ProvideAnswer отвечает на предложение из надежного 1xx (в PRACK), из 2xx
// (в ACK) или из раннего UPDATE (в 2xx на UPDATE).
func (c *ClientSession) ProvideAnswer(answer *sdpbody.Description) error {
	switch c.state {
	case UACEarlyWithOffer:
		if answer == nil || c.offer1xx == nil {
			return c.usageError("ProvideAnswer", ErrNoPendingOffer)
		}
		if err := c.oa.OnSend(answer); err != nil {
			return c.usageError("ProvideAnswer", err)
		}
		res := c.offer1xx
		c.offer1xx = nil
		c.transition(UACSentEarlyAnswer)
		return errtrace.Wrap(c.sendPrack(res, answer))

	case UACAnswered:
		if answer == nil {
			return c.usageError("ProvideAnswer", ErrNoPendingOffer)
		}
		if err := c.oa.OnSend(answer); err != nil {
			return c.usageError("ProvideAnswer", err)
		}
		err := c.sendAck(answer)
		res := c.answered2xx
		c.answered2xx = nil
		c.transition(Connected)
		c.handler.OnConnected(c.self, res)
		return errtrace.Wrap(err)

	case UACReceivedUpdateEarly:
		if answer == nil {
			return c.usageError("ProvideAnswer", ErrNoPendingOffer)
		}
		if err := c.oa.OnSend(answer); err != nil {
			return c.usageError("ProvideAnswer", err)
		}
		req := c.earlyUpdate
		c.earlyUpdate = nil
		c.respond(req, 200, answer, func(res *sip.Response) { c.decorate(res) })
		c.transition(UACEarlyWithAnswer)
		return nil
	}
	if c.state.IsEarly() {
		return c.usageError("ProvideAnswer", ErrInvalidState)
	}
	return errtrace.Wrap(c.provideAnswer(answer))
}

// Reject отклоняет предложение удаленной стороны. Отказ от предложения в
// 2xx завершает сессию, отказ от предложения в надежном 1xx отменяет вызов.
func (c *ClientSession) Reject(code int, warning string) error {
	switch c.state {
	case UACAnswered:
		c.oa.Reset()
		c.ackNoBody()
		c.answered2xx = nil
		c.byeAndTerminate(EndReasonAppRejectedSdp, ReasonEnded, nil)
		return nil

	case UACEarlyWithOffer:
		c.oa.Reset()
		c.offer1xx = nil
		return errtrace.Wrap(c.Cancel())

	case UACReceivedUpdateEarly:
		if code == 0 {
			code = 488
		}
		c.declineOffer()
		c.respond(c.earlyUpdate, code, nil, withWarning(warning))
		c.earlyUpdate = nil
		c.transition(UACEarlyWithAnswer)
		return nil
	}
	if c.state.IsEarly() {
		return c.usageError("Reject", ErrInvalidState)
	}
	return errtrace.Wrap(c.reject(code, warning))
}

// End завершает сессию: в ранней фазе через CANCEL, после 2xx через BYE.
func (c *ClientSession) End() error {
	return c.EndWithReason(EndReasonUserHangup)
}

// EndWithReason как End с указанием причины для заголовка Reason.
func (c *ClientSession) EndWithReason(reason EndReason) error {
	switch c.state {
	case UACCancelled, Terminated:
		return nil
	case UACAnswered:
		c.endReason = reason
		c.oa.Reset()
		c.ackNoBody()
		c.byeAndTerminate(reason, reason.terminatedReason(), nil)
		return nil
	}
	if c.state.IsEarly() {
		c.endReason = reason
		return errtrace.Wrap(c.Cancel())
	}
	return errtrace.Wrap(c.end(reason))
}

// sendEarlyUpdate отправляет UPDATE с нашим ожидающим предложением до 2xx.
func (c *ClientSession) sendEarlyUpdate() error {
	req, err := c.makeRequest(sip.UPDATE)
	if err != nil {
		c.oa.Reset()
		c.transition(UACEarlyWithAnswer)
		return errtrace.Wrap(err)
	}
	c.decorate(req)
	sdpbody.Attach(req, c.oa.ProposedLocal())
	c.localModMethod = sip.UPDATE
	c.transition(UACSentUpdateEarly)
	return errtrace.Wrap(c.send(req))
}

// sendPrack подтверждает надежный 1xx. answer кладется в тело PRACK.
func (c *ClientSession) sendPrack(res *sip.Response, answer *sdpbody.Description) error {
	req, err := c.makeRequest(sip.PRACK)
	if err != nil {
		return errtrace.Wrap(err)
	}
	rseq, _ := sipheader.Uint(res, sipheader.RSeq)
	rack := sipheader.RAckValue{RSeq: rseq, CSeq: sipheader.CSeqNumber(res), Method: sip.INVITE}
	sipheader.Set(req, sipheader.RAck, rack.String())
	if answer != nil {
		sdpbody.Attach(req, answer)
	}
	c.prackPending = true
	return errtrace.Wrap(c.send(req))
}

// DispatchTimeout обрабатывает таймаут сессии UAC.
func (c *ClientSession) DispatchTimeout(t retransmit.Timeout) {
	if c.isTerminated() {
		c.stale(t)
		return
	}
	switch t.Type {
	case retransmit.Cancelled:
		if !c.retx.Current(t) || c.state != UACCancelled {
			c.stale(t)
			return
		}
		c.terminate(ReasonCancelled, nil)

	case retransmit.StaleCall:
		if !c.retx.Current(t) || !c.state.IsEarly() || c.state == UACCancelled {
			c.stale(t)
			return
		}
		c.metrics.staleTimeout(t.Type.String())
		c.logWarn("нет окончательного ответа на INVITE")
		c.handler.OnStaleCallTimeout(c.self)
		if c.isTerminated() {
			return
		}
		_ = c.End()

	case retransmit.Glare:
		if c.state == UACSentUpdateEarlyGlare {
			if !c.retx.Current(t) {
				c.stale(t)
				return
			}
			if err := c.sendEarlyUpdate(); err != nil {
				c.logWarn("не удалось повторить UPDATE", logging.Err(err))
			}
			return
		}
		c.dispatchCoreTimeout(t)

	default:
		if !c.dispatchCoreTimeout(t) {
			c.stale(t)
		}
	}
}
