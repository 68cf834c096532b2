package session

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/invite_session/pkg/sdpbody"
)

// Handler получает уведомления о событиях сессии.
//
// Обработчик может вызывать методы сессии изнутри колбэка (например End в
// OnNewSession). Сессия после каждого колбэка проверяет, не завершилась ли
// она, и прекращает обработку события.
type Handler interface {
	// OnNewSession первый ответ с тегом (UAC) или входящий INVITE (UAS)
	OnNewSession(s Session, msg sip.Message)
	// OnProvisional предварительный ответ на INVITE
	OnProvisional(s Session, res *sip.Response)
	// OnEarlyMedia SDP в ненадежном 1xx
	OnEarlyMedia(s Session, res *sip.Response, sdp *sdpbody.Description)

	OnOffer(s Session, msg sip.Message, offer *sdpbody.Description)
	OnAnswer(s Session, msg sip.Message, answer *sdpbody.Description)
	// OnOfferRejected наше предложение отклонено. msg равен nil, если
	// предложение отброшено по таймеру или из-за встречного предложения.
	OnOfferRejected(s Session, msg sip.Message)
	// OnOfferRequired удаленная сторона ждет от нас предложения
	OnOfferRequired(s Session, msg sip.Message)
	OnIllegalNegotiation(s Session, msg sip.Message)
	// OnRemoteAnswerChanged ответ на обновление сессии отличается от текущего SDP
	OnRemoteAnswerChanged(s Session, msg sip.Message, answer *sdpbody.Description)

	OnConnected(s Session, msg sip.Message)
	OnRedirected(s Session, res *sip.Response)

	OnInfo(s Session, req *sip.Request)
	OnInfoSuccess(s Session, res *sip.Response)
	OnInfoFailure(s Session, res *sip.Response)

	OnRefer(s Session, req *sip.Request, target string)
	OnReferAccepted(s Session, res *sip.Response)
	OnReferRejected(s Session, res *sip.Response)
	OnReferNotify(s Session, req *sip.Request)

	OnPrack(s Session, req *sip.Request)
	OnAckReceived(s Session, req *sip.Request)
	OnAckNotReceived(s Session)

	OnSessionExpired(s Session)
	OnStaleCallTimeout(s Session)
	OnStaleReInviteTimeout(s Session)

	// OnFailure неудачный окончательный ответ на исходный INVITE (UAC)
	OnFailure(s Session, res *sip.Response)
	// OnTerminated вызывается ровно один раз
	OnTerminated(s Session, reason TerminatedReason, msg sip.Message)
}

// BaseHandler пустая реализация Handler для встраивания.
//
// Исключения: OnSessionExpired и OnAckNotReceived завершают сессию.
type BaseHandler struct{}

var _ Handler = BaseHandler{}

func (BaseHandler) OnNewSession(Session, sip.Message)                                {}
func (BaseHandler) OnProvisional(Session, *sip.Response)                             {}
func (BaseHandler) OnEarlyMedia(Session, *sip.Response, *sdpbody.Description)        {}
func (BaseHandler) OnOffer(Session, sip.Message, *sdpbody.Description)               {}
func (BaseHandler) OnAnswer(Session, sip.Message, *sdpbody.Description)              {}
func (BaseHandler) OnOfferRejected(Session, sip.Message)                             {}
func (BaseHandler) OnOfferRequired(Session, sip.Message)                             {}
func (BaseHandler) OnIllegalNegotiation(Session, sip.Message)                        {}
func (BaseHandler) OnRemoteAnswerChanged(Session, sip.Message, *sdpbody.Description) {}
func (BaseHandler) OnConnected(Session, sip.Message)                                 {}
func (BaseHandler) OnRedirected(Session, *sip.Response)                              {}
func (BaseHandler) OnInfo(Session, *sip.Request)                                     {}
func (BaseHandler) OnInfoSuccess(Session, *sip.Response)                             {}
func (BaseHandler) OnInfoFailure(Session, *sip.Response)                             {}
func (BaseHandler) OnRefer(Session, *sip.Request, string)                            {}
func (BaseHandler) OnReferAccepted(Session, *sip.Response)                           {}
func (BaseHandler) OnReferRejected(Session, *sip.Response)                           {}
func (BaseHandler) OnReferNotify(Session, *sip.Request)                              {}
func (BaseHandler) OnPrack(Session, *sip.Request)                                    {}
func (BaseHandler) OnAckReceived(Session, *sip.Request)                              {}
func (BaseHandler) OnStaleCallTimeout(Session)                                       {}
func (BaseHandler) OnStaleReInviteTimeout(Session)                                   {}
func (BaseHandler) OnFailure(Session, *sip.Response)                                 {}
func (BaseHandler) OnTerminated(Session, TerminatedReason, sip.Message)              {}

// OnSessionExpired завершает сессию с причиной SessionExpired.
func (BaseHandler) OnSessionExpired(s Session) {
	_ = s.EndWithReason(EndReasonSessionExpired)
}

// OnAckNotReceived завершает сессию с причиной AckNotReceived.
func (BaseHandler) OnAckNotReceived(s Session) {
	_ = s.EndWithReason(EndReasonAckNotReceived)
}
