package loopback

import (
	"context"
	"strconv"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/session"
	"github.com/arzzra/invite_session/pkg/session/retransmit"
)

// IncomingFunc создает сессию UAS для входящего INVITE. Сессию нужно
// передать в Attach до возврата.
type IncomingFunc func(ep *Endpoint, req *sip.Request)

// Filter решает, передать ли исходящее сообщение. false отбрасывает его.
type Filter func(msg sip.Message) bool

// Endpoint одна сторона сети. Реализует session.Dialog.
type Endpoint struct {
	net  *Network
	peer *Endpoint
	name string

	local  sip.Uri
	remote sip.Uri

	mu        sync.Mutex
	localTag  string
	remoteTag string
	cseq      uint32
	// CSeq и Via нашего последнего INVITE, нужны для ACK и CANCEL
	inviteCSeq  uint32
	inviteVia   *sip.ViaHeader
	inviteToTag string
	// branch принятых INVITE, ACK на не-2xx поглощается транзакцией
	inviteBranches map[string]struct{}

	sess     session.Session
	incoming IncomingFunc
	filter   Filter
	logger   logging.StructuredLogger
}

var _ session.Dialog = (*Endpoint)(nil)

func newEndpoint(n *Network, name string, local, remote sip.Uri) *Endpoint {
	return &Endpoint{
		net:      n,
		name:     name,
		local:    local,
		remote:   remote,
		localTag: uuid.NewString()[:8],
		logger:   n.logger.WithFields(logging.String("endpoint", name)),

		inviteBranches: make(map[string]struct{}),
	}
}

// Name имя стороны: caller или callee.
func (e *Endpoint) Name() string { return e.name }

// URI адрес стороны.
func (e *Endpoint) URI() sip.Uri { return e.local }

// Attach связывает сессию со стороной. Входящие сообщения и таймауты
// доставляются в нее.
func (e *Endpoint) Attach(s session.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess = s
}

// Session сессия стороны или nil.
func (e *Endpoint) Session() session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

// OnIncoming задает обработчик входящего INVITE вне диалога.
func (e *Endpoint) OnIncoming(fn IncomingFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.incoming = fn
}

// SetFilter задает фильтр исходящих сообщений. nil передает все.
func (e *Endpoint) SetFilter(f Filter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filter = f
}

// Inject доставляет msg этой стороне так, будто его прислала другая.
func (e *Endpoint) Inject(msg sip.Message) {
	e.net.transmit(e.peer, e, msg, false)
}

// MakeRequest создает запрос внутри диалога.
func (e *Endpoint) MakeRequest(method sip.RequestMethod) (*sip.Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req := sip.NewRequest(method, e.remote)
	req.AppendHeader(&sip.FromHeader{
		Address: e.local,
		Params:  sip.NewParams().Add("tag", e.localTag),
	})
	callID := sip.CallIDHeader(e.net.callID)
	req.AppendHeader(&callID)
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	switch method {
	case sip.CANCEL:
		if e.inviteVia == nil {
			return nil, errtrace.Wrap(session.ErrInvalidState)
		}
		req.PrependHeader(e.inviteVia.Clone())
		to := &sip.ToHeader{Address: e.remote, Params: sip.NewParams()}
		if e.inviteToTag != "" {
			to.Params = to.Params.Add("tag", e.inviteToTag)
		}
		req.AppendHeader(to)
		req.AppendHeader(&sip.CSeqHeader{SeqNo: e.inviteCSeq, MethodName: method})
		return req, nil
	case sip.ACK:
		if e.inviteCSeq == 0 {
			return nil, errtrace.Wrap(session.ErrInvalidState)
		}
		req.AppendHeader(&sip.CSeqHeader{SeqNo: e.inviteCSeq, MethodName: method})
	default:
		e.cseq++
		req.AppendHeader(&sip.CSeqHeader{SeqNo: e.cseq, MethodName: method})
	}

	to := &sip.ToHeader{Address: e.remote, Params: sip.NewParams()}
	if e.remoteTag != "" {
		to.Params = to.Params.Add("tag", e.remoteTag)
	}
	req.AppendHeader(to)
	req.PrependHeader(e.newVia())
	req.AppendHeader(&sip.ContactHeader{Address: e.local, Params: sip.NewParams()})

	if method == sip.INVITE {
		e.inviteCSeq = e.cseq
		e.inviteVia = req.Via().Clone()
		e.inviteToTag = e.remoteTag
	}
	return req, nil
}

// MakeResponse создает ответ с нашим To тегом.
func (e *Endpoint) MakeResponse(req *sip.Request, code int) (*sip.Response, error) {
	if req == nil {
		return nil, errtrace.Wrap(session.ErrInvalidState)
	}
	res := sip.NewResponseFromRequest(req, code, "", nil)
	if code > 100 {
		if to := res.To(); to != nil {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			if _, ok := to.Params.Get("tag"); !ok {
				e.mu.Lock()
				to.Params = to.Params.Add("tag", e.localTag)
				e.mu.Unlock()
			}
		}
		if req.Method == sip.INVITE && res.Contact() == nil {
			res.AppendHeader(&sip.ContactHeader{Address: e.local, Params: sip.NewParams()})
		}
	}
	return res, nil
}

// Send передает сообщение другой стороне.
func (e *Endpoint) Send(msg sip.Message) error {
	e.mu.Lock()
	filter := e.filter
	e.mu.Unlock()
	dropped := filter != nil && !filter(msg)
	e.net.transmit(e, e.peer, msg, dropped)
	return nil
}

// AddTimer планирует доставку таймаута в сессию.
func (e *Endpoint) AddTimer(t retransmit.Timeout, after time.Duration) {
	e.net.schedule(e, after, delivery{kind: deliverTimeout, to: e, timeout: t})
}

func (e *Endpoint) newVia() *sip.ViaHeader {
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            e.local.Host,
		Port:            e.local.Port,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	}
}

// receive доставляет сообщение в сессию. Работу транзакционного уровня
// выполняет сама сторона: ACK на не-2xx для INVITE и 481 на запросы без
// диалога.
func (e *Endpoint) receive(msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Response:
		e.learnRemoteTag(m)
		if cseq := m.CSeq(); cseq != nil && cseq.MethodName == sip.INVITE && m.StatusCode >= 300 {
			e.ackFailure(m)
		}
	case *sip.Request:
		switch m.Method {
		case sip.ACK:
			if e.absorbAck(m) {
				return
			}
		case sip.INVITE:
			e.rememberBranch(m)
			if e.Session() == nil {
				e.accept(m)
				return
			}
		}
	}

	s := e.Session()
	if s == nil {
		if req, ok := msg.(*sip.Request); ok && req.Method != sip.ACK {
			e.replyStateless(req, 481)
		}
		return
	}
	s.Dispatch(msg)
}

func (e *Endpoint) fire(t retransmit.Timeout) {
	if s := e.Session(); s != nil {
		s.DispatchTimeout(t)
	}
}

func (e *Endpoint) learnRemoteTag(res *sip.Response) {
	to := res.To()
	if to == nil {
		return
	}
	tag, ok := to.Params.Get("tag")
	if !ok || tag == "" {
		return
	}
	e.mu.Lock()
	if e.remoteTag == "" {
		e.remoteTag = tag
	}
	e.mu.Unlock()
}

func (e *Endpoint) rememberBranch(req *sip.Request) {
	via := req.Via()
	if via == nil {
		return
	}
	if branch, ok := via.Params.Get("branch"); ok {
		e.mu.Lock()
		e.inviteBranches[branch] = struct{}{}
		e.mu.Unlock()
	}
}

// accept первый INVITE: запоминаем тег удаленной стороны и передаем
// запрос приложению.
func (e *Endpoint) accept(req *sip.Request) {
	e.mu.Lock()
	if from := req.From(); from != nil {
		e.remoteTag, _ = from.Params.Get("tag")
	}
	incoming := e.incoming
	e.mu.Unlock()

	if incoming == nil {
		e.logger.Warn(context.Background(), "входящий INVITE без обработчика")
		e.replyStateless(req, 480)
		return
	}
	incoming(e, req)
	if e.Session() == nil {
		e.logger.Warn(context.Background(), "обработчик не создал сессию")
	}
}

// ackFailure ACK транзакции INVITE на окончательный не-2xx ответ. Via
// берется из ответа, он совпадает с Via запроса.
func (e *Endpoint) ackFailure(res *sip.Response) {
	via := res.Via()
	if via == nil {
		return
	}
	ack := sip.NewRequest(sip.ACK, e.remote)
	ack.AppendHeader(via.Clone())
	sip.CopyHeaders("From", res, ack)
	sip.CopyHeaders("To", res, ack)
	sip.CopyHeaders("Call-ID", res, ack)
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: res.CSeq().SeqNo, MethodName: sip.ACK})
	e.net.transmit(e, e.peer, ack, false)
}

// absorbAck ACK с branch принятого INVITE относится к транзакции и в
// сессию не попадает.
func (e *Endpoint) absorbAck(req *sip.Request) bool {
	via := req.Via()
	if via == nil {
		return false
	}
	branch, _ := via.Params.Get("branch")
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inviteBranches[branch]
	return ok
}

func (e *Endpoint) replyStateless(req *sip.Request, code int) {
	res := sip.NewResponseFromRequest(req, code, "", nil)
	e.logger.Debug(context.Background(), "ответ без сессии",
		logging.String("method", string(req.Method)), logging.String("code", strconv.Itoa(code)))
	e.net.transmit(e, e.peer, res, false)
}
