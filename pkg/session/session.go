package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/sdpbody"
	"github.com/arzzra/invite_session/pkg/session/classifier"
	"github.com/arzzra/invite_session/pkg/session/offeranswer"
	"github.com/arzzra/invite_session/pkg/session/retransmit"
	"github.com/arzzra/invite_session/pkg/session/sessiontimer"
	"github.com/arzzra/invite_session/pkg/sipheader"
)

// Session общий интерфейс сессии INVITE для обеих ролей.
type Session interface {
	ID() string
	Role() Role
	State() State
	IsTerminated() bool

	// ProvideOffer отправляет или ставит в очередь новое предложение
	ProvideOffer(offer *sdpbody.Description) error
	// ProvideAnswer отвечает на ожидающее предложение удаленной стороны
	ProvideAnswer(answer *sdpbody.Description) error
	// RequestOffer отправляет re-INVITE без SDP
	RequestOffer() error
	// Reject отклоняет ожидающее предложение или входящий запрос
	Reject(code int, warning string) error
	End() error
	EndWithReason(reason EndReason) error

	Refer(target sip.Uri, replaces string) error
	Info(contentType string, body []byte) error
	// AcceptNIT и RejectNIT отвечают на входящий INFO или REFER
	AcceptNIT(code int, contentType string, body []byte) error
	RejectNIT(code int) error

	// Dispatch обрабатывает входящее сообщение диалога
	Dispatch(msg sip.Message)
	// DispatchTimeout обрабатывает сработавший таймер
	DispatchTimeout(t retransmit.Timeout)

	OfferAnswerState() offeranswer.State
	CurrentLocalSDP() *sdpbody.Description
	CurrentRemoteSDP() *sdpbody.Description
	ProposedLocalSDP() *sdpbody.Description
	ProposedRemoteSDP() *sdpbody.Description
	PeerCapabilities() Capabilities
	SessionTimer() (interval uint32, localRefresher bool)
}

// Capabilities возможности удаленной стороны из последних полученных заголовков.
type Capabilities struct {
	Allow          []string
	Supported      []string
	Accept         []string
	AcceptEncoding []string
	AcceptLanguage []string
	UserAgent      string
}

// inviteSession общее ядро сессии. Роли встраивают его и переопределяют
// операции, зависящие от ранних состояний.
type inviteSession struct {
	id      string
	role    Role
	self    Session
	state   State
	dialog  Dialog
	handler Handler
	profile Profile
	logger  logging.StructuredLogger
	metrics *Metrics

	lifecycle *fsm.FSM

	oa    *offeranswer.Tracker
	timer *sessiontimer.Negotiator
	retx  *retransmit.Scheduler

	peer Capabilities

	// наш INFO ожидает ответа
	nitPending bool
	// наш REFER ожидает ответа
	referPending bool
	// входящий INFO или REFER, на который приложение еще не ответило
	serverNIT *sip.Request

	// метод нашего последнего UPDATE или re-INVITE, нужен для повтора
	localModMethod sip.RequestMethod
	// входящий неотвеченный UPDATE или re-INVITE
	remoteMod *sip.Request

	// наш 2xx на INVITE, повторяемый до получения ACK
	invite200    *sip.Response
	invite200Seq uint32

	// отправленные ACK по номеру CSeq, для ответа на повторный 2xx
	acks map[uint32]*sip.Request

	// re-INVITE отправлен для обновления сессии
	refreshing bool
	endReason  EndReason
	// предложение, отложенное до получения ACK
	queuedOffer *sdpbody.Description
	// ожидаемый ACK подтверждает 2xx на исходный INVITE
	ackConnects bool

	reason TerminatedReason
}

func newInviteSession(role Role, dialog Dialog, handler Handler, opts []Option) (*inviteSession, error) {
	st := defaultSettings()
	for _, opt := range opts {
		opt(&st)
	}
	if err := st.profile.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if dialog == nil || handler == nil {
		return nil, errtrace.Wrap(fmt.Errorf("session: dialog and handler are required"))
	}

	id := uuid.NewString()
	s := &inviteSession{
		id:      id,
		role:    role,
		dialog:  dialog,
		handler: handler,
		profile: st.profile,
		metrics: st.metrics,
		logger: st.logger.WithComponent("invite_session").WithSession(id).
			WithFields(logging.String("role", role.String())),
		oa:    offeranswer.New(),
		timer: sessiontimer.New(st.profile.SessionTimer, role == RoleCaller),
		retx:  retransmit.New(st.profile.Timers, st.rand),
		acks:  make(map[uint32]*sip.Request),
	}
	s.lifecycle = newLifecycle(func(from, to string) {
		s.logDebug("смена фазы сессии", logging.String("from", from), logging.String("to", to))
	})
	s.metrics.sessionCreated(role)
	return s, nil
}

// ID уникальный идентификатор сессии.
func (s *inviteSession) ID() string { return s.id }

// Role роль локальной стороны.
func (s *inviteSession) Role() Role { return s.role }

// State текущее состояние.
func (s *inviteSession) State() State { return s.state }

// IsTerminated сессия завершена.
func (s *inviteSession) IsTerminated() bool { return s.isTerminated() }

func (s *inviteSession) isTerminated() bool { return s.lifecycle.Is(phaseTerminated) }

// TerminatedReason причина завершения, если сессия завершена.
func (s *inviteSession) TerminatedReason() (TerminatedReason, bool) {
	return s.reason, s.isTerminated()
}

func (s *inviteSession) OfferAnswerState() offeranswer.State     { return s.oa.State() }
func (s *inviteSession) CurrentLocalSDP() *sdpbody.Description   { return s.oa.CurrentLocal() }
func (s *inviteSession) CurrentRemoteSDP() *sdpbody.Description  { return s.oa.CurrentRemote() }
func (s *inviteSession) ProposedLocalSDP() *sdpbody.Description  { return s.oa.ProposedLocal() }
func (s *inviteSession) ProposedRemoteSDP() *sdpbody.Description { return s.oa.ProposedRemote() }
func (s *inviteSession) PeerCapabilities() Capabilities          { return s.peer }

// SessionTimer согласованный интервал таймера сессии и сторона обновления.
func (s *inviteSession) SessionTimer() (uint32, bool) {
	return s.timer.Interval(), s.timer.LocalRefresher()
}

func (s *inviteSession) logDebug(msg string, fields ...logging.Field) {
	s.logger.Debug(context.Background(), msg, fields...)
}

func (s *inviteSession) logInfo(msg string, fields ...logging.Field) {
	s.logger.Info(context.Background(), msg, fields...)
}

func (s *inviteSession) logWarn(msg string, fields ...logging.Field) {
	s.logger.Warn(context.Background(), msg, fields...)
}

// transition меняет состояние, если автомат жизненного цикла допускает
// переход в его фазу.
func (s *inviteSession) transition(to State) {
	if s.state == to || s.isTerminated() {
		return
	}
	if !s.enterPhase(to) {
		return
	}
	from := s.state
	s.state = to
	s.metrics.transition(from, to)
	s.logDebug("переход состояния", logging.String("from", from.String()), logging.String("to", to.String()))
}

// terminate завершает сессию и один раз вызывает OnTerminated.
func (s *inviteSession) terminate(reason TerminatedReason, msg sip.Message) {
	if s.isTerminated() {
		return
	}
	s.retx.StopAll200()
	s.timer.Invalidate()
	for _, t := range []retransmit.Type{retransmit.Glare, retransmit.StaleReInvite, retransmit.StaleCall,
		retransmit.Cancelled, retransmit.Retransmit1xx} {
		s.retx.Disarm(t)
	}
	s.reason = reason
	s.transition(Terminated)
	s.metrics.sessionTerminated(reason)
	s.logger.Info(context.Background(), "сессия завершена", logging.String("reason", reason.String()))
	s.handler.OnTerminated(s.self, reason, msg)
}

// ignore пропускает событие, не подходящее текущему состоянию.
func (s *inviteSession) ignore(msg sip.Message, ev classifier.Event) {
	s.metrics.ignored()
	s.logDebug("событие проигнорировано",
		logging.String("event", ev.String()),
		logging.String("state", s.state.String()),
		logging.String("method", string(sipheader.CSeqMethod(msg))),
		logging.Int("code", sipheader.StatusCode(msg)))
}

// stale фиксирует устаревший таймаут.
func (s *inviteSession) stale(t retransmit.Timeout) {
	s.metrics.staleTimeout(t.Type.String())
	s.logDebug("устаревший таймаут", logging.String("type", t.Type.String()), logging.Uint64("seq", t.Seq))
}

// classify сводит сообщение к событию с учетом нашего ожидающего предложения.
func (s *inviteSession) classify(msg sip.Message) classifier.Event {
	return classifier.Classify(msg, classifier.Context{SentOffer: s.oa.Pending() == offeranswer.DirectionLocal})
}

// prepare общая часть обработки входящего сообщения: возможности удаленной
// стороны, разбор SDP и классификация. false означает, что сообщение
// обработано или отброшено.
func (s *inviteSession) prepare(msg sip.Message) (classifier.Event, *sdpbody.Description, bool) {
	if s.isTerminated() {
		s.ignore(msg, classifier.Unknown)
		return classifier.Unknown, nil, false
	}
	s.capturePeer(msg)

	sdp, err := sdpbody.FromMessage(msg)
	if err != nil {
		if req, ok := msg.(*sip.Request); ok && req.Method != sip.ACK {
			s.logWarn("некорректное тело запроса", logging.Err(err))
			s.reply(req, 400)
		} else {
			s.logWarn("некорректное тело отброшено", logging.Err(err))
		}
		return classifier.Unknown, nil, false
	}

	ev := s.classify(msg)
	if ev == classifier.Unknown {
		s.ignore(msg, ev)
		return ev, nil, false
	}
	s.logDebug("входящее событие", logging.String("event", ev.String()), logging.String("state", s.state.String()))
	return ev, sdp, true
}

// capturePeer запоминает заголовки возможностей удаленной стороны.
func (s *inviteSession) capturePeer(msg sip.Message) {
	if len(msg.GetHeaders(sipheader.Allow)) > 0 {
		s.peer.Allow = sipheader.Tokens(msg, sipheader.Allow)
	}
	if len(msg.GetHeaders(sipheader.Supported)) > 0 {
		s.peer.Supported = sipheader.Tokens(msg, sipheader.Supported)
	}
	if len(msg.GetHeaders(sipheader.Accept)) > 0 {
		s.peer.Accept = sipheader.Tokens(msg, sipheader.Accept)
	}
	if len(msg.GetHeaders(sipheader.AcceptEncoding)) > 0 {
		s.peer.AcceptEncoding = sipheader.Tokens(msg, sipheader.AcceptEncoding)
	}
	if len(msg.GetHeaders(sipheader.AcceptLanguage)) > 0 {
		s.peer.AcceptLanguage = sipheader.Tokens(msg, sipheader.AcceptLanguage)
	}
	if h := sipheader.Get(msg, sipheader.UserAgent); h != nil {
		s.peer.UserAgent = h.Value()
	}
}

// peerAllows удаленная сторона перечислила метод в Allow.
func (s *inviteSession) peerAllows(method sip.RequestMethod) bool {
	for _, m := range s.peer.Allow {
		if strings.EqualFold(m, string(method)) {
			return true
		}
	}
	return false
}

// decorate добавляет заголовки возможностей к INVITE, UPDATE и 2xx на них.
func (s *inviteSession) decorate(msg sip.Message) {
	if len(s.profile.Allow) > 0 {
		methods := make([]string, len(s.profile.Allow))
		for i, m := range s.profile.Allow {
			methods[i] = string(m)
		}
		sipheader.Set(msg, sipheader.Allow, strings.Join(methods, ", "))
	}
	if s.profile.Reliable {
		sipheader.AddToken(msg, sipheader.Supported, sipheader.Option100rel)
	}
	if s.profile.UserAgent != "" {
		sipheader.Set(msg, sipheader.UserAgent, s.profile.UserAgent)
	}
}

func (s *inviteSession) send(msg sip.Message) error {
	if err := s.dialog.Send(msg); err != nil {
		s.logger.LogError(context.Background(), err, "ошибка отправки",
			logging.String("method", string(sipheader.CSeqMethod(msg))),
			logging.Int("code", sipheader.StatusCode(msg)))
		return errtrace.Wrap(err)
	}
	return nil
}

func (s *inviteSession) addTimer(p retransmit.Pending) {
	s.dialog.AddTimer(p.Timeout, p.After)
}

func (s *inviteSession) makeRequest(method sip.RequestMethod) (*sip.Request, error) {
	req, err := s.dialog.MakeRequest(method)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return req, nil
}

// respond отправляет ответ на req. Ошибки построения логируются: ответ на
// входящий запрос не возвращает ошибку приложению.
func (s *inviteSession) respond(req *sip.Request, code int, sdp *sdpbody.Description, mods ...func(*sip.Response)) *sip.Response {
	res, err := s.dialog.MakeResponse(req, code)
	if err != nil {
		s.logger.LogError(context.Background(), err, "не удалось построить ответ", logging.Int("code", code))
		return nil
	}
	if sdp != nil {
		sdpbody.Attach(res, sdp)
	}
	for _, m := range mods {
		m(res)
	}
	_ = s.send(res)
	return res
}

func (s *inviteSession) reply(req *sip.Request, code int) {
	s.respond(req, code, nil)
}

// replyRetryAfter отвечает 500 с Retry-After на запрос, пришедший во время
// незавершенного обмена.
func (s *inviteSession) replyRetryAfter(req *sip.Request) {
	s.respond(req, 500, nil, func(res *sip.Response) {
		sipheader.Set(res, sipheader.RetryAfter, strconv.FormatUint(uint64(s.retx.RetryAfter()), 10))
	})
}

func withWarning(warning string) func(*sip.Response) {
	return func(res *sip.Response) {
		if warning != "" {
			sipheader.Set(res, sipheader.Warning, `399 invite_session "`+warning+`"`)
		}
	}
}

// sendAck отправляет ACK на 2xx и запоминает его для повторных 2xx.
func (s *inviteSession) sendAck(sdp *sdpbody.Description) error {
	ack, err := s.makeRequest(sip.ACK)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if sdp != nil {
		sdpbody.Attach(ack, sdp)
	}
	seq := sipheader.CSeqNumber(ack)
	s.acks[seq] = ack
	s.addTimer(s.retx.DiscardAck(uint64(seq)))
	return errtrace.Wrap(s.send(ack))
}

// resendAck отвечает на повторный 2xx сохраненным ACK.
func (s *inviteSession) resendAck(res *sip.Response) {
	if ack, ok := s.acks[sipheader.CSeqNumber(res)]; ok {
		s.metrics.retransmitted("ack")
		_ = s.send(ack)
	}
}

// sendBye отправляет BYE с заголовком Reason.
func (s *inviteSession) sendBye(reason EndReason) {
	bye, err := s.makeRequest(sip.BYE)
	if err != nil {
		s.logger.LogError(context.Background(), err, "не удалось построить BYE")
		return
	}
	if h := reason.Header(); h != "" {
		sipheader.Set(bye, sipheader.Reason, h)
	}
	_ = s.send(bye)
}

// byeAndTerminate отправляет BYE и завершает сессию.
func (s *inviteSession) byeAndTerminate(end EndReason, reason TerminatedReason, msg sip.Message) {
	s.sendBye(end)
	s.terminate(reason, msg)
}

// startSessionTimer заводит таймер обновления или истечения сессии.
func (s *inviteSession) startSessionTimer(sched sessiontimer.Schedule) {
	switch sched.Kind {
	case sessiontimer.KindRefresh:
		s.dialog.AddTimer(retransmit.Timeout{Type: retransmit.SessionRefresh, Seq: sched.Generation}, sched.After)
	case sessiontimer.KindExpiration:
		s.dialog.AddTimer(retransmit.Timeout{Type: retransmit.SessionExpiration, Seq: sched.Generation}, sched.After)
	default:
		return
	}
	s.logDebug("таймер сессии",
		logging.String("kind", sched.Kind.String()),
		logging.Duration("after", sched.After),
		logging.Uint64("generation", sched.Generation))
}

// start200 запускает повтор 2xx на INVITE до получения ACK.
func (s *inviteSession) start200(res *sip.Response) {
	s.invite200 = res
	s.invite200Seq = sipheader.CSeqNumber(res)
	for _, p := range s.retx.Start200(uint64(s.invite200Seq)) {
		s.addTimer(p)
	}
}

// stop200 останавливает повтор 2xx после ACK.
func (s *inviteSession) stop200() {
	s.retx.Stop200(uint64(s.invite200Seq))
}

// ackMatches ACK относится к нашему последнему 2xx на INVITE.
func (s *inviteSession) ackMatches(msg sip.Message) bool {
	return s.invite200 != nil && sipheader.CSeqNumber(msg) == s.invite200Seq
}
