package loopback

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/sdpbody"
	"github.com/arzzra/invite_session/pkg/session"
)

// Agent обработчик сессии для сценариев. Отвечает на предложения и
// запросы предложения своим SDP, увеличивая его версию, и записывает
// имена вызванных колбэков.
type Agent struct {
	session.BaseHandler

	name   string
	logger logging.StructuredLogger

	mu         sync.Mutex
	sdp        *sdpbody.Description
	events     []string
	terminated bool
	reason     session.TerminatedReason
	// действие после OnConnected
	onConnected func(s session.Session)
}

var _ session.Handler = (*Agent)(nil)

// NewAgent создает агента с начальным описанием sdp.
func NewAgent(name string, sdp *sdpbody.Description, logger logging.StructuredLogger) *Agent {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Agent{
		name:   name,
		sdp:    sdp,
		logger: logger.WithFields(logging.String("agent", name)),
	}
}

// Name имя агента.
func (a *Agent) Name() string { return a.name }

// Events имена колбэков в порядке вызова.
func (a *Agent) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

// Count количество вызовов колбэка name.
func (a *Agent) Count(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e == name {
			n++
		}
	}
	return n
}

// Terminated причина завершения, если сессия завершена.
func (a *Agent) Terminated() (session.TerminatedReason, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason, a.terminated
}

// WhenConnected задает действие после установления сессии.
func (a *Agent) WhenConnected(fn func(s session.Session)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onConnected = fn
}

// NextSDP следующая версия описания агента.
func (a *Agent) NextSDP() *sdpbody.Description {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sdp = a.sdp.NextVersion()
	return a.sdp
}

func (a *Agent) record(event string) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	a.logger.Debug(context.Background(), "событие сессии", logging.String("event", event))
}

func (a *Agent) OnNewSession(session.Session, sip.Message) { a.record("OnNewSession") }

func (a *Agent) OnProvisional(session.Session, *sip.Response) { a.record("OnProvisional") }

func (a *Agent) OnEarlyMedia(session.Session, *sip.Response, *sdpbody.Description) {
	a.record("OnEarlyMedia")
}

// OnOffer сразу отвечает на предложение.
func (a *Agent) OnOffer(s session.Session, _ sip.Message, _ *sdpbody.Description) {
	a.record("OnOffer")
	if err := s.ProvideAnswer(a.NextSDP()); err != nil {
		a.logger.Warn(context.Background(), "ответ не принят", logging.Err(err))
	}
}

// OnOfferRequired отправляет предложение.
func (a *Agent) OnOfferRequired(s session.Session, _ sip.Message) {
	a.record("OnOfferRequired")
	if err := s.ProvideOffer(a.NextSDP()); err != nil {
		a.logger.Warn(context.Background(), "предложение не принято", logging.Err(err))
	}
}

func (a *Agent) OnAnswer(session.Session, sip.Message, *sdpbody.Description) { a.record("OnAnswer") }

func (a *Agent) OnOfferRejected(session.Session, sip.Message) { a.record("OnOfferRejected") }

func (a *Agent) OnIllegalNegotiation(session.Session, sip.Message) {
	a.record("OnIllegalNegotiation")
}

func (a *Agent) OnRemoteAnswerChanged(session.Session, sip.Message, *sdpbody.Description) {
	a.record("OnRemoteAnswerChanged")
}

func (a *Agent) OnConnected(s session.Session, _ sip.Message) {
	a.record("OnConnected")
	a.mu.Lock()
	fn := a.onConnected
	a.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (a *Agent) OnRedirected(session.Session, *sip.Response) { a.record("OnRedirected") }

func (a *Agent) OnAckReceived(session.Session, *sip.Request) { a.record("OnAckReceived") }

// OnAckNotReceived завершает сессию, как BaseHandler.
func (a *Agent) OnAckNotReceived(s session.Session) {
	a.record("OnAckNotReceived")
	a.BaseHandler.OnAckNotReceived(s)
}

// OnSessionExpired завершает сессию, как BaseHandler.
func (a *Agent) OnSessionExpired(s session.Session) {
	a.record("OnSessionExpired")
	a.BaseHandler.OnSessionExpired(s)
}

func (a *Agent) OnFailure(session.Session, *sip.Response) { a.record("OnFailure") }

func (a *Agent) OnTerminated(_ session.Session, reason session.TerminatedReason, _ sip.Message) {
	a.mu.Lock()
	a.terminated = true
	a.reason = reason
	a.mu.Unlock()
	a.record("OnTerminated")
	a.logger.Info(context.Background(), "сессия завершена", logging.String("reason", reason.String()))
}
