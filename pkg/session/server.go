package session

import (
	"strconv"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/sdpbody"
	"github.com/arzzra/invite_session/pkg/session/classifier"
	"github.com/arzzra/invite_session/pkg/session/retransmit"
	"github.com/arzzra/invite_session/pkg/sipheader"
)

// ServerSession сессия на стороне, получившей INVITE (UAS).
type ServerSession struct {
	*inviteSession

	invite     *sip.Request
	inviteCSeq uint32

	// описание, которое уйдет в 1xx или 2xx: наш ответ или наше предложение
	provided *sdpbody.Description

	// удаленная сторона согласовала 100rel
	reliable bool
	// последний отправленный RSeq
	rseq uint32
	// надежный 1xx ждет PRACK
	unacked    *sip.Response
	unackedSeq uint32
	// последний ненадежный 1xx для периодического повтора
	lastProvisional *sip.Response

	// ответы, отложенные до PRACK
	queuedProvisional []int
	queuedAccept      int

	// PRACK с предложением, 200 на который несет наш ответ
	pendingPrack *sip.Request
	// UPDATE с предложением до 2xx
	earlyUpdate *sip.Request
}

var _ Session = (*ServerSession)(nil)

// NewServerSession создает сессию UAS для входящего INVITE. Запрос
// обрабатывается в Start.
func NewServerSession(dialog Dialog, handler Handler, invite *sip.Request, opts ...Option) (*ServerSession, error) {
	if invite == nil || invite.Method != sip.INVITE {
		return nil, errtrace.Wrap(ErrInvalidState)
	}
	core, err := newInviteSession(RoleCallee, dialog, handler, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	s := &ServerSession{
		inviteSession: core,
		invite:        invite,
		inviteCSeq:    sipheader.CSeqNumber(invite),
	}
	core.self = s
	core.state = UASStart
	return s, nil
}

// Invite входящий INVITE.
func (s *ServerSession) Invite() *sip.Request { return s.invite }

// Start обрабатывает входящий INVITE: проверяет таймер сессии и 100rel,
// затем сообщает приложению о новой сессии и предложении.
func (s *ServerSession) Start() error {
	if s.state != UASStart {
		return s.usageError("Start", ErrInvalidState)
	}
	req := s.invite
	s.capturePeer(req)

	if minSE, tooSmall := s.timer.TooSmall(req); tooSmall {
		s.respond(req, 422, nil, func(res *sip.Response) {
			sipheader.Set(res, sipheader.MinSE, strconv.FormatUint(uint64(minSE), 10))
		})
		s.terminate(ReasonInviteFailure, req)
		return nil
	}
	if sipheader.Has(req, sipheader.Require, sipheader.Option100rel) && !s.profile.Reliable {
		s.respond(req, 420, nil, func(res *sip.Response) {
			sipheader.Set(res, "Unsupported", sipheader.Option100rel)
		})
		s.terminate(ReasonInviteFailure, req)
		return nil
	}

	sdp, err := sdpbody.FromMessage(req)
	if err != nil {
		s.logWarn("некорректное тело INVITE", logging.Err(err))
		s.reply(req, 400)
		s.terminate(ReasonInviteFailure, req)
		return nil
	}
	s.reliable = s.profile.Reliable && classifier.IsReliable(req)

	if sdp != nil {
		if err := s.oa.OnReceive(sdp); err != nil {
			return s.usageError("Start", err)
		}
		if s.reliable {
			s.transition(UASOfferReliable)
		} else {
			s.transition(UASOffer)
		}
	} else if s.reliable {
		s.transition(UASNoOfferReliable)
	} else {
		s.transition(UASNoOffer)
	}
	s.logInfo("входящий INVITE", logging.Bool("offer", sdp != nil), logging.Bool("reliable", s.reliable))

	s.handler.OnNewSession(s.self, req)
	if s.isTerminated() {
		return nil
	}
	if sdp != nil {
		s.handler.OnOffer(s.self, req, sdp)
	} else {
		s.handler.OnOfferRequired(s.self, req)
	}
	return nil
}

// preAccept окончательный ответ на INVITE еще не отправлен.
func (s *ServerSession) preAccept() bool {
	return s.state >= UASStart && s.state <= UASSentUpdateGlare
}

// sendingUpdate наш ранний UPDATE ждет ответа или повтора после 491.
func (s *ServerSession) sendingUpdate() bool {
	return s.state == UASSentUpdate || s.state == UASSentUpdateGlare
}

// ProvideOffer до 2xx сохраняет предложение для 1xx или 2xx. После
// первого обмена в надежных 1xx предложение уходит в раннем UPDATE, после
// 2xx до ACK откладывается до ACK.
func (s *ServerSession) ProvideOffer(offer *sdpbody.Description) error {
	var next State
	switch s.state {
	case UASNoOffer:
		next = UASProvidedOffer
	case UASEarlyNoOffer:
		next = UASEarlyProvidedOffer
	case UASNoOfferReliable:
		next = UASProvidedOfferReliable
	case UASNegotiatedReliable:
		return errtrace.Wrap(s.offerEarlyUpdate(offer))
	case UASAccepted:
		if offer == nil {
			return s.usageError("ProvideOffer", ErrNoPendingOffer)
		}
		s.queuedOffer = offer.Clone()
		s.ackConnects = true
		s.transition(WaitingToOffer)
		return nil
	default:
		if s.preAccept() || s.state == UASAcceptedWaitingAnswer {
			return s.usageError("ProvideOffer", ErrInvalidState)
		}
		return errtrace.Wrap(s.provideOffer(offer))
	}
	if offer == nil {
		return s.usageError("ProvideOffer", ErrNoPendingOffer)
	}
	if err := s.oa.OnSend(offer); err != nil {
		return s.usageError("ProvideOffer", err)
	}
	s.provided = offer.Clone()
	s.transition(next)
	return nil
}

// RequestOffer после 2xx до ACK откладывает re-INVITE без SDP до ACK.
func (s *ServerSession) RequestOffer() error {
	if s.state == UASAccepted {
		s.ackConnects = true
		s.transition(WaitingToRequestOffer)
		return nil
	}
	return errtrace.Wrap(s.requestOffer())
}

// offerEarlyUpdate отправляет предложение в UPDATE до 2xx.
func (s *ServerSession) offerEarlyUpdate(offer *sdpbody.Description) error {
	if offer == nil {
		return s.usageError("ProvideOffer", ErrNoPendingOffer)
	}
	if s.pendingPrack != nil || s.earlyUpdate != nil {
		// предложение удаленной стороны ждет нашего ответа
		return s.usageError("ProvideOffer", ErrInvalidState)
	}
	if err := s.oa.OnSend(offer); err != nil {
		return s.usageError("ProvideOffer", err)
	}
	return errtrace.Wrap(s.sendEarlyUpdate())
}

// sendEarlyUpdate отправляет UPDATE с нашим ожидающим предложением.
func (s *ServerSession) sendEarlyUpdate() error {
	req, err := s.makeRequest(sip.UPDATE)
	if err != nil {
		s.oa.Reset()
		s.transition(UASNegotiatedReliable)
		return errtrace.Wrap(err)
	}
	s.decorate(req)
	sdpbody.Attach(req, s.oa.ProposedLocal())
	s.localModMethod = sip.UPDATE
	s.transition(UASSentUpdate)
	s.logDebug("отправка раннего UPDATE")
	return errtrace.Wrap(s.send(req))
}

// ProvideAnswer до 2xx сохраняет ответ для 1xx или 2xx. Ответ на
// предложение из PRACK или раннего UPDATE уходит сразу.
func (s *ServerSession) ProvideAnswer(answer *sdpbody.Description) error {
	var next State
	switch s.state {
	case UASOffer:
		next = UASOfferProvidedAnswer
	case UASEarlyOffer:
		next = UASEarlyProvidedAnswer
	case UASOfferReliable, UASNoAnswerReliable, UASFirstNoAnswerReliable:
		next = UASOfferReliableProvidedAnswer
	case UASNegotiatedReliable:
		return errtrace.Wrap(s.answerEarlyOffer(answer))
	default:
		if s.preAccept() || s.state == UASAccepted || s.state == UASAcceptedWaitingAnswer {
			return s.usageError("ProvideAnswer", ErrInvalidState)
		}
		return errtrace.Wrap(s.provideAnswer(answer))
	}
	if answer == nil {
		return s.usageError("ProvideAnswer", ErrNoPendingOffer)
	}
	if err := s.oa.OnSend(answer); err != nil {
		return s.usageError("ProvideAnswer", err)
	}
	s.provided = answer.Clone()
	s.transition(next)
	return nil
}

// answerEarlyOffer отвечает на предложение из PRACK или раннего UPDATE.
func (s *ServerSession) answerEarlyOffer(answer *sdpbody.Description) error {
	req := s.pendingPrack
	if req == nil {
		req = s.earlyUpdate
	}
	if req == nil || answer == nil {
		return s.usageError("ProvideAnswer", ErrNoPendingOffer)
	}
	if err := s.oa.OnSend(answer); err != nil {
		return s.usageError("ProvideAnswer", err)
	}
	if req == s.pendingPrack {
		s.pendingPrack = nil
	} else {
		s.earlyUpdate = nil
	}
	s.respond(req, 200, answer, func(res *sip.Response) { s.decorate(res) })
	s.flushQueued()
	return nil
}

// Provisional отправляет 1xx (по умолчанию 180). При согласованном 100rel
// ответ уходит надежно, пока предыдущий не подтвержден PRACK, он
// ставится в очередь.
func (s *ServerSession) Provisional(code int) error {
	if code == 0 {
		code = 180
	}
	if code <= 100 || code >= 200 {
		return s.usageError("Provisional", ErrInvalidState)
	}
	if !s.preAccept() || s.state == UASStart {
		return s.usageError("Provisional", ErrInvalidState)
	}
	if s.unacked != nil {
		s.queuedProvisional = append(s.queuedProvisional, code)
		return nil
	}
	return errtrace.Wrap(s.sendProvisional(code))
}

func (s *ServerSession) sendProvisional(code int) error {
	var (
		body     *sdpbody.Description
		reliable bool
		next     = s.state
	)
	switch s.state {
	case UASOffer, UASEarlyOffer:
		next = UASEarlyOffer
	case UASNoOffer, UASEarlyNoOffer:
		next = UASEarlyNoOffer
	case UASOfferProvidedAnswer, UASEarlyProvidedAnswer:
		body, next = s.provided, UASEarlyProvidedAnswer
	case UASProvidedOffer, UASEarlyProvidedOffer:
		body, next = s.provided, UASEarlyProvidedOffer
	case UASNoOfferReliable:
		// надежный 1xx на INVITE без предложения обязан нести предложение
	case UASOfferReliable:
		reliable, next = true, UASFirstNoAnswerReliable
	case UASOfferReliableProvidedAnswer:
		body, reliable, next = s.provided, true, UASFirstSentAnswerReliable
	case UASProvidedOfferReliable:
		body, reliable, next = s.provided, true, UASFirstSentOfferReliable
	case UASNoAnswerReliable, UASNegotiatedReliable, UASSentUpdate, UASSentUpdateGlare:
		reliable = true
	}

	res, err := s.dialog.MakeResponse(s.invite, code)
	if err != nil {
		return errtrace.Wrap(err)
	}
	s.decorate(res)
	if body != nil {
		sdpbody.Attach(res, body)
	}
	if reliable {
		s.rseq++
		sipheader.AddToken(res, sipheader.Require, sipheader.Option100rel)
		sipheader.Set(res, sipheader.RSeq, strconv.FormatUint(uint64(s.rseq), 10))
		s.unacked = res
		s.unackedSeq = s.rseq
		s.addTimer(s.retx.StartRel1xx(uint64(s.rseq)))
	} else {
		s.lastProvisional = res
		s.addTimer(s.retx.Arm(retransmit.Retransmit1xx, s.retx.Config().ProvisionalRepeat))
	}
	s.transition(next)
	return errtrace.Wrap(s.send(res))
}

// Accept отправляет 2xx на INVITE (по умолчанию 200).
func (s *ServerSession) Accept(code int) error {
	if code == 0 {
		code = 200
	}
	if code < 200 || code >= 300 {
		return s.usageError("Accept", ErrInvalidState)
	}
	switch s.state {
	case UASOfferProvidedAnswer, UASEarlyProvidedAnswer, UASOfferReliableProvidedAnswer,
		UASProvidedOffer, UASEarlyProvidedOffer, UASProvidedOfferReliable,
		UASNegotiatedReliable, UASFirstSentAnswerReliable, UASFirstSentOfferReliable,
		UASSentUpdate, UASSentUpdateGlare:
	default:
		if s.preAccept() {
			return s.usageError("Accept", ErrNoPendingOffer)
		}
		return s.usageError("Accept", ErrInvalidState)
	}
	if s.unacked != nil || s.pendingPrack != nil || s.earlyUpdate != nil || s.sendingUpdate() {
		s.queuedAccept = code
		return nil
	}
	return errtrace.Wrap(s.send2xx(code))
}

func (s *ServerSession) send2xx(code int) error {
	var body *sdpbody.Description
	next := UASAccepted
	switch s.state {
	case UASOfferProvidedAnswer, UASEarlyProvidedAnswer, UASOfferReliableProvidedAnswer:
		body = s.provided
	case UASProvidedOffer, UASEarlyProvidedOffer, UASProvidedOfferReliable:
		body, next = s.provided, UASAcceptedWaitingAnswer
	case UASNegotiatedReliable:
	default:
		return s.usageError("Accept", ErrInvalidState)
	}

	res, err := s.dialog.MakeResponse(s.invite, code)
	if err != nil {
		return errtrace.Wrap(err)
	}
	s.decorate(res)
	sched := s.timer.HandleRequest(s.invite, res)
	if body != nil {
		sdpbody.Attach(res, body)
	}
	s.retx.Disarm(retransmit.Retransmit1xx)
	s.queuedProvisional = nil
	s.queuedAccept = 0
	s.transition(next)
	s.start200(res)
	s.startSessionTimer(sched)
	s.logInfo("INVITE принят", logging.Int("code", code))
	return errtrace.Wrap(s.send(res))
}

// Redirect отвечает 3xx (по умолчанию 302) со списком Contact.
func (s *ServerSession) Redirect(contacts []sip.Uri, code int) error {
	if code == 0 {
		code = 302
	}
	if code < 300 || code >= 400 || len(contacts) == 0 {
		return s.usageError("Redirect", ErrInvalidState)
	}
	if !s.preAccept() {
		return s.usageError("Redirect", ErrInvalidState)
	}
	s.respond(s.invite, code, nil, func(res *sip.Response) {
		res.RemoveHeader("Contact")
		for _, uri := range contacts {
			res.AppendHeader(&sip.ContactHeader{Address: uri})
		}
	})
	s.terminate(ReasonInviteFailure, nil)
	return nil
}

// Reject до 2xx отвечает на INVITE ошибкой (по умолчанию 486) и
// завершает сессию. Предложение из PRACK или раннего UPDATE отклоняется
// без завершения сессии.
func (s *ServerSession) Reject(code int, warning string) error {
	if !s.preAccept() {
		if s.state == UASAccepted || s.state == UASAcceptedWaitingAnswer {
			return s.usageError("Reject", ErrInvalidState)
		}
		return errtrace.Wrap(s.reject(code, warning))
	}
	if s.state == UASNegotiatedReliable && (s.pendingPrack != nil || s.earlyUpdate != nil) {
		return errtrace.Wrap(s.rejectEarlyOffer(code, warning))
	}
	if code == 0 {
		code = 486
	}
	if code < 300 || code > 699 {
		return s.usageError("Reject", ErrInvalidState)
	}
	s.rejectInvite(code, warning)
	s.terminate(ReasonInviteFailure, nil)
	return nil
}

func (s *ServerSession) rejectInvite(code int, warning string) {
	if s.unacked != nil {
		s.retx.StopRel1xx(uint64(s.unackedSeq))
		s.unacked = nil
	}
	s.respond(s.invite, code, nil, withWarning(warning))
}

func (s *ServerSession) rejectEarlyOffer(code int, warning string) error {
	if code == 0 {
		code = 488
	}
	if code < 400 || code > 699 {
		return s.usageError("Reject", ErrInvalidState)
	}
	s.declineOffer()
	if s.pendingPrack != nil {
		// PRACK подтверждает 1xx независимо от судьбы предложения
		s.respond(s.pendingPrack, code, nil, withWarning(warning))
		s.pendingPrack = nil
	} else {
		s.respond(s.earlyUpdate, code, nil, withWarning(warning))
		s.earlyUpdate = nil
	}
	s.flushQueued()
	return nil
}

// End до 2xx отклоняет INVITE с 480, до ACK откладывает BYE.
func (s *ServerSession) End() error {
	return s.EndWithReason(EndReasonUserHangup)
}

// EndWithReason как End с указанием причины для заголовка Reason.
func (s *ServerSession) EndWithReason(reason EndReason) error {
	s.endReason = reason
	switch {
	case s.isTerminated():
		return nil
	case s.preAccept():
		s.rejectInvite(480, "")
		s.terminate(ReasonInviteFailure, nil)
		return nil
	case s.state == UASAccepted || s.state == UASAcceptedWaitingAnswer:
		if s.retx.Any200() {
			s.transition(WaitingToHangup)
			return nil
		}
		s.byeAndTerminate(reason, reason.terminatedReason(), nil)
		return nil
	}
	return errtrace.Wrap(s.end(reason))
}

// flushQueued отправляет отложенные до PRACK ответы.
func (s *ServerSession) flushQueued() {
	if s.unacked != nil || s.pendingPrack != nil || s.earlyUpdate != nil || s.isTerminated() {
		return
	}
	if s.queuedAccept != 0 && !s.sendingUpdate() {
		code := s.queuedAccept
		s.queuedAccept = 0
		if err := s.send2xx(code); err != nil {
			s.logWarn("отложенный 2xx не отправлен", logging.Err(err))
		}
		return
	}
	for len(s.queuedProvisional) > 0 && s.unacked == nil {
		code := s.queuedProvisional[0]
		s.queuedProvisional = s.queuedProvisional[1:]
		if err := s.sendProvisional(code); err != nil {
			s.logWarn("отложенный 1xx не отправлен", logging.Err(err))
		}
	}
}

// DispatchTimeout обрабатывает таймаут сессии UAS.
func (s *ServerSession) DispatchTimeout(t retransmit.Timeout) {
	if s.isTerminated() {
		s.stale(t)
		return
	}
	switch t.Type {
	case retransmit.Retransmit1xx:
		if !s.retx.Current(t) || !s.preAccept() || s.lastProvisional == nil {
			s.stale(t)
			return
		}
		s.metrics.retransmitted(t.Type.String())
		_ = s.send(s.lastProvisional)
		s.addTimer(s.retx.Arm(retransmit.Retransmit1xx, s.retx.Config().ProvisionalRepeat))

	case retransmit.Retransmit1xxRel:
		if s.unacked == nil || uint64(s.unackedSeq) != t.Seq {
			s.stale(t)
			return
		}
		next, expired, ok := s.retx.NextRel1xx(t.Seq)
		if !ok {
			s.stale(t)
			return
		}
		if expired {
			s.logWarn("PRACK не получен", logging.Uint64("rseq", t.Seq))
			s.unacked = nil
			s.respond(s.invite, 504, nil)
			s.terminate(ReasonGeneralFailure, nil)
			return
		}
		s.metrics.retransmitted(t.Type.String())
		_ = s.send(s.unacked)
		s.addTimer(next)

	case retransmit.Glare:
		if s.state != UASSentUpdateGlare {
			s.dispatchCoreTimeout(t)
			return
		}
		if !s.retx.Current(t) {
			s.stale(t)
			return
		}
		if err := s.sendEarlyUpdate(); err != nil {
			s.logWarn("не удалось повторить UPDATE", logging.Err(err))
		}

	default:
		if !s.dispatchCoreTimeout(t) {
			s.stale(t)
		}
	}
}
