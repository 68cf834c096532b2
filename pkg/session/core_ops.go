package session

import (
	"net/url"
	"strings"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/sdpbody"
	"github.com/arzzra/invite_session/pkg/session/offeranswer"
	"github.com/arzzra/invite_session/pkg/session/retransmit"
	"github.com/arzzra/invite_session/pkg/sipheader"
)

// Операции ядра для установленной сессии. Роли вызывают их после
// обработки своих ранних состояний.

func (s *inviteSession) provideOffer(offer *sdpbody.Description) error {
	if offer == nil {
		return s.usageError("ProvideOffer", offeranswer.ErrNoPendingOffer)
	}
	switch s.state {
	case Connected:
		if err := s.oa.OnSend(offer); err != nil {
			return s.usageError("ProvideOffer", err)
		}
		method := sip.INVITE
		if s.peerAllows(sip.UPDATE) {
			method = sip.UPDATE
		}
		return errtrace.Wrap(s.sendModification(method, offer))

	case Answered:
		s.queuedOffer = offer.Clone()
		s.transition(WaitingToOffer)
		return nil

	case ReceivedReinviteNoOffer:
		if err := s.oa.OnSend(offer); err != nil {
			return s.usageError("ProvideOffer", err)
		}
		res := s.respondModification(s.remoteMod, offer)
		if res != nil {
			s.start200(res)
		}
		s.transition(ReceivedReinviteSentOffer)
		return nil
	}
	if s.oa.Pending() == offeranswer.DirectionLocal {
		return s.usageError("ProvideOffer", ErrDoubleOffer)
	}
	return s.usageError("ProvideOffer", ErrInvalidState)
}

func (s *inviteSession) provideAnswer(answer *sdpbody.Description) error {
	if answer == nil {
		return s.usageError("ProvideAnswer", offeranswer.ErrNoPendingOffer)
	}
	switch s.state {
	case ReceivedReinvite, ReceivedUpdate:
		if err := s.oa.OnSend(answer); err != nil {
			return s.usageError("ProvideAnswer", err)
		}
		res := s.respondModification(s.remoteMod, answer)
		if s.state == ReceivedReinvite {
			if res != nil {
				s.start200(res)
			}
			s.transition(Answered)
		} else {
			s.transition(Connected)
		}
		s.remoteMod = nil
		return nil

	case SentReinviteAnswered:
		if err := s.oa.OnSend(answer); err != nil {
			return s.usageError("ProvideAnswer", err)
		}
		s.transition(Connected)
		return errtrace.Wrap(s.sendAck(answer))
	}
	return s.usageError("ProvideAnswer", ErrInvalidState)
}

func (s *inviteSession) reject(code int, warning string) error {
	if code == 0 {
		code = 488
	}
	if code < 400 || code > 699 {
		return s.usageError("Reject", ErrInvalidState)
	}
	switch s.state {
	case ReceivedReinvite, ReceivedUpdate:
		s.declineOffer()
		s.respond(s.remoteMod, code, nil, withWarning(warning))
		s.remoteMod = nil
		s.transition(Connected)
		return nil

	case ReceivedReinviteNoOffer:
		s.respond(s.remoteMod, code, nil, withWarning(warning))
		s.remoteMod = nil
		s.transition(Connected)
		return nil

	case SentReinviteAnswered:
		s.declineOffer()
		s.transition(Connected)
		return errtrace.Wrap(s.sendAck(nil))
	}
	return s.usageError("Reject", ErrInvalidState)
}

func (s *inviteSession) requestOffer() error {
	switch s.state {
	case Connected:
		return errtrace.Wrap(s.sendModification(sip.INVITE, nil))
	case Answered:
		s.transition(WaitingToRequestOffer)
		return nil
	}
	return s.usageError("RequestOffer", ErrInvalidState)
}

func (s *inviteSession) end(reason EndReason) error {
	s.endReason = reason
	switch s.state {
	case Connected, SentUpdate, SentUpdateGlare, SentReinviteGlare, SentReinviteNoOfferGlare:
		s.byeAndTerminate(reason, reason.terminatedReason(), nil)

	case SentReinviteAnswered:
		s.ackNoBody()
		s.byeAndTerminate(reason, reason.terminatedReason(), nil)

	case SentReinvite, SentReinviteNoOffer:
		s.transition(WaitingToTerminate)

	case Answered, WaitingToOffer, WaitingToRequestOffer, ReceivedReinviteSentOffer:
		if s.retx.Any200() {
			s.transition(WaitingToHangup)
			return nil
		}
		s.byeAndTerminate(reason, reason.terminatedReason(), nil)

	case ReceivedReinvite, ReceivedUpdate, ReceivedReinviteNoOffer:
		if s.remoteMod != nil {
			s.reply(s.remoteMod, 488)
			s.remoteMod = nil
		}
		s.byeAndTerminate(reason, reason.terminatedReason(), nil)

	case WaitingToTerminate:
		s.byeAndTerminate(reason, reason.terminatedReason(), nil)

	case WaitingToHangup, Terminated:
		return nil

	default:
		return s.usageError("End", ErrInvalidState)
	}
	return nil
}

// Refer отправляет REFER на target. replaces добавляется в Refer-To как
// заголовок Replaces.
func (s *inviteSession) Refer(target sip.Uri, replaces string) error {
	if s.referPending {
		return s.usageError("Refer", ErrReferPending)
	}
	if s.state != Connected {
		return s.usageError("Refer", ErrInvalidState)
	}
	req, err := s.makeRequest(sip.REFER)
	if err != nil {
		return errtrace.Wrap(err)
	}
	referTo := "<" + target.String()
	if replaces != "" {
		referTo += "?Replaces=" + url.QueryEscape(replaces)
	}
	referTo += ">"
	sipheader.Set(req, sipheader.ReferTo, referTo)
	if from := req.From(); from != nil {
		sipheader.Set(req, sipheader.ReferredBy, "<"+from.Address.String()+">")
	}
	if err := s.send(req); err != nil {
		return errtrace.Wrap(err)
	}
	s.referPending = true
	return nil
}

// Info отправляет INFO. Одновременно может ожидать ответа только один INFO.
func (s *inviteSession) Info(contentType string, body []byte) error {
	if s.nitPending {
		return s.usageError("Info", ErrNITPending)
	}
	if s.state != Connected {
		return s.usageError("Info", ErrInvalidState)
	}
	req, err := s.makeRequest(sip.INFO)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if len(body) > 0 {
		sipheader.Set(req, sipheader.ContentType, contentType)
		req.SetBody(body)
	}
	if err := s.send(req); err != nil {
		return errtrace.Wrap(err)
	}
	s.nitPending = true
	return nil
}

// AcceptNIT отвечает 2xx на входящий INFO или REFER. code 0 означает 200
// для INFO и 202 для REFER.
func (s *inviteSession) AcceptNIT(code int, contentType string, body []byte) error {
	if s.serverNIT == nil {
		return s.usageError("AcceptNIT", ErrNoNITToAnswer)
	}
	if code == 0 {
		code = 200
		if s.serverNIT.Method == sip.REFER {
			code = 202
		}
	}
	if code < 200 || code >= 300 {
		return s.usageError("AcceptNIT", ErrInvalidState)
	}
	req := s.serverNIT
	s.serverNIT = nil
	s.respond(req, code, nil, func(res *sip.Response) {
		if len(body) > 0 {
			sipheader.Set(res, sipheader.ContentType, contentType)
			res.SetBody(body)
		}
	})
	return nil
}

// RejectNIT отвечает ошибкой на входящий INFO или REFER.
func (s *inviteSession) RejectNIT(code int) error {
	if s.serverNIT == nil {
		return s.usageError("RejectNIT", ErrNoNITToAnswer)
	}
	if code < 300 || code > 699 {
		return s.usageError("RejectNIT", ErrInvalidState)
	}
	req := s.serverNIT
	s.serverNIT = nil
	s.reply(req, code)
	return nil
}

// RequestOffer отправляет re-INVITE без SDP. Общая реализация для обеих
// ролей: в ранних состояниях операция недопустима.
func (s *inviteSession) RequestOffer() error {
	return s.requestOffer()
}

// sendModification отправляет UPDATE или re-INVITE с предложением offer
// (nil для re-INVITE без SDP и UPDATE обновления сессии).
func (s *inviteSession) sendModification(method sip.RequestMethod, offer *sdpbody.Description) error {
	req, err := s.makeRequest(method)
	if err != nil {
		s.oa.Reset()
		return errtrace.Wrap(err)
	}
	s.decorate(req)
	s.timer.PrepareRequest(req)
	if offer != nil {
		sdpbody.Attach(req, offer)
	}
	s.localModMethod = method

	switch {
	case method == sip.UPDATE:
		s.transition(SentUpdate)
	case offer != nil:
		s.transition(SentReinvite)
	default:
		s.transition(SentReinviteNoOffer)
	}
	if method == sip.INVITE {
		s.addTimer(s.retx.Arm(retransmit.StaleReInvite, s.retx.Config().StaleReInvite))
	}
	s.logDebug("отправка запроса изменения сессии",
		logging.String("method", string(method)), logging.Bool("offer", offer != nil))
	return errtrace.Wrap(s.send(req))
}

// declineOffer отказ от ожидающего предложения удаленной стороны.
func (s *inviteSession) declineOffer() {
	if err := s.oa.OnSend(nil); err != nil {
		s.logWarn("отказ от предложения не принят трекером", logging.Err(err))
	}
}

// ackNoBody отправляет ACK без SDP. Ошибка журналируется.
func (s *inviteSession) ackNoBody() {
	if err := s.sendAck(nil); err != nil {
		s.logWarn("ACK не отправлен", logging.Err(err))
	}
}

// peerDeclined удаленная сторона отклонила наше предложение.
func (s *inviteSession) peerDeclined() {
	if err := s.oa.OnReceive(nil); err != nil {
		s.logWarn("отказ от предложения не принят трекером", logging.Err(err))
	}
}

// resendModification повторяет наш UPDATE или re-INVITE после 491 или 422
// с тем же предложением.
func (s *inviteSession) resendModification() {
	method := s.localModMethod
	if method == "" {
		method = sip.INVITE
	}
	if err := s.sendModification(method, s.oa.ProposedLocal()); err != nil {
		s.logWarn("не удалось повторить запрос", logging.Err(err))
	}
}

// respondModification отвечает 200 на входящий UPDATE или re-INVITE с
// SDP и заголовками таймера сессии.
func (s *inviteSession) respondModification(req *sip.Request, sdp *sdpbody.Description) *sip.Response {
	if req == nil {
		return nil
	}
	res, err := s.dialog.MakeResponse(req, 200)
	if err != nil {
		s.logWarn("не удалось построить ответ", logging.Err(err))
		return nil
	}
	s.decorate(res)
	sched := s.timer.HandleRequest(req, res)
	if sdp != nil {
		sdpbody.Attach(res, sdp)
	}
	_ = s.send(res)
	s.startSessionTimer(sched)
	return res
}

// sessionRefresh обновляет сессию по таймеру: UPDATE без SDP, если
// удаленная сторона поддерживает UPDATE, иначе re-INVITE с текущим SDP.
func (s *inviteSession) sessionRefresh() {
	s.logDebug("обновление сессии")
	if s.peerAllows(sip.UPDATE) {
		if err := s.sendModification(sip.UPDATE, nil); err != nil {
			s.logWarn("обновление сессии не отправлено", logging.Err(err))
		}
		return
	}
	local := s.oa.CurrentLocal()
	if local == nil {
		if err := s.sendModification(sip.INVITE, nil); err != nil {
			s.logWarn("обновление сессии не отправлено", logging.Err(err))
		}
		return
	}
	if err := s.oa.OnSend(local); err != nil {
		s.logWarn("обновление сессии невозможно", logging.Err(err))
		return
	}
	s.refreshing = true
	if err := s.sendModification(sip.INVITE, local); err != nil {
		s.logWarn("обновление сессии не отправлено", logging.Err(err))
	}
}

// referTarget URI из Refer-To без угловых скобок.
func referTarget(req *sip.Request) string {
	h := req.GetHeader(sipheader.ReferTo)
	if h == nil {
		return ""
	}
	v := strings.TrimSpace(h.Value())
	v = strings.TrimPrefix(v, "<")
	if i := strings.IndexByte(v, '>'); i >= 0 {
		v = v[:i]
	}
	return v
}
