package session

import (
	"math/rand/v2"
	"strconv"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/invite_session/pkg/sdpbody"
	"github.com/arzzra/invite_session/pkg/session/retransmit"
	"github.com/arzzra/invite_session/pkg/sipheader"
)

var (
	aliceURI = sip.Uri{Scheme: "sip", User: "alice", Host: "a.example.com"}
	bobURI   = sip.Uri{Scheme: "sip", User: "bob", Host: "b.example.com"}
)

type timerCall struct {
	t     retransmit.Timeout
	after time.Duration
}

// fakeDialog записывает отправленные сообщения и таймеры.
type fakeDialog struct {
	callID    string
	localTag  string
	remoteTag string
	local     sip.Uri
	remote    sip.Uri

	cseq       uint32
	inviteCSeq uint32
	// номер CSeq запросов удаленной стороны
	remoteCSeq uint32

	sent   []sip.Message
	timers []timerCall
	// ошибки MakeRequest по методу
	makeErr map[sip.RequestMethod]error
}

func newFakeDialog() *fakeDialog {
	return &fakeDialog{
		callID:    "call-1",
		localTag:  "local",
		remoteTag: "remote",
		local:     aliceURI,
		remote:    bobURI,
		cseq:      100,
	}
}

func (d *fakeDialog) MakeRequest(method sip.RequestMethod) (*sip.Request, error) {
	if err := d.makeErr[method]; err != nil {
		return nil, err
	}
	req := sip.NewRequest(method, d.remote)
	req.AppendHeader(newVia(d.local.Host))
	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.FromHeader{Address: d.local, Params: sip.HeaderParams{"tag": d.localTag}})
	req.AppendHeader(&sip.ToHeader{Address: d.remote, Params: sip.HeaderParams{"tag": d.remoteTag}})

	var seq uint32
	switch method {
	case sip.ACK, sip.CANCEL:
		seq = d.inviteCSeq
	default:
		d.cseq++
		seq = d.cseq
		if method == sip.INVITE {
			d.inviteCSeq = seq
		}
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	return req, nil
}

func (d *fakeDialog) MakeResponse(req *sip.Request, code int) (*sip.Response, error) {
	return sip.NewResponseFromRequest(req, code, "", nil), nil
}

func (d *fakeDialog) Send(msg sip.Message) error {
	d.sent = append(d.sent, msg)
	return nil
}

func (d *fakeDialog) AddTimer(t retransmit.Timeout, after time.Duration) {
	d.timers = append(d.timers, timerCall{t: t, after: after})
}

// last последнее отправленное сообщение.
func (d *fakeDialog) last(t *testing.T) sip.Message {
	t.Helper()
	require.NotEmpty(t, d.sent, "ничего не отправлено")
	return d.sent[len(d.sent)-1]
}

func (d *fakeDialog) lastRequest(t *testing.T) *sip.Request {
	t.Helper()
	req, ok := d.last(t).(*sip.Request)
	require.True(t, ok, "последнее сообщение не запрос")
	return req
}

func (d *fakeDialog) lastResponse(t *testing.T) *sip.Response {
	t.Helper()
	res, ok := d.last(t).(*sip.Response)
	require.True(t, ok, "последнее сообщение не ответ")
	return res
}

// sentMethods методы отправленных запросов и коды ответов в порядке отправки.
func (d *fakeDialog) sentSummary() []string {
	out := make([]string, 0, len(d.sent))
	for _, m := range d.sent {
		switch v := m.(type) {
		case *sip.Request:
			out = append(out, string(v.Method))
		case *sip.Response:
			out = append(out, strconv.Itoa(v.StatusCode)+" "+string(sipheader.CSeqMethod(v)))
		}
	}
	return out
}

// lastTimer последний поставленный таймер типа typ.
func (d *fakeDialog) lastTimer(t *testing.T, typ retransmit.Type) timerCall {
	t.Helper()
	for i := len(d.timers) - 1; i >= 0; i-- {
		if d.timers[i].t.Type == typ {
			return d.timers[i]
		}
	}
	require.Failf(t, "таймер не поставлен", "тип %s", typ)
	return timerCall{}
}

func (d *fakeDialog) hasTimer(typ retransmit.Type) bool {
	for _, tc := range d.timers {
		if tc.t.Type == typ {
			return true
		}
	}
	return false
}

func (d *fakeDialog) reset() {
	d.sent = nil
	d.timers = nil
}

// peerRequest запрос удаленной стороны внутри диалога.
func (d *fakeDialog) peerRequest(method sip.RequestMethod, body *sdpbody.Description, headers ...string) *sip.Request {
	req := sip.NewRequest(method, d.local)
	req.AppendHeader(newVia(d.remote.Host))
	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.FromHeader{Address: d.remote, Params: sip.HeaderParams{"tag": d.remoteTag}})
	req.AppendHeader(&sip.ToHeader{Address: d.local, Params: sip.HeaderParams{"tag": d.localTag}})
	if method != sip.ACK && method != sip.CANCEL {
		d.remoteCSeq++
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.remoteCSeq, MethodName: method})
	for i := 0; i+1 < len(headers); i += 2 {
		req.AppendHeader(sip.NewHeader(headers[i], headers[i+1]))
	}
	if body != nil {
		sdpbody.Attach(req, body)
	}
	return req
}

// peerAck ACK удаленной стороны на наш 2xx. Заголовки диалога берутся
// из ответа.
func peerAck(res *sip.Response, body *sdpbody.Description) *sip.Request {
	req := sip.NewRequest(sip.ACK, aliceURI)
	req.AppendHeader(newVia(bobURI.Host))
	sip.CopyHeaders("Call-ID", res, req)
	sip.CopyHeaders("From", res, req)
	sip.CopyHeaders("To", res, req)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: sipheader.CSeqNumber(res), MethodName: sip.ACK})
	if body != nil {
		sdpbody.Attach(req, body)
	}
	return req
}

// peerCancel CANCEL удаленной стороны для запроса req: та же транзакция,
// те же From, To и Call-ID.
func peerCancel(req *sip.Request) *sip.Request {
	c := sip.NewRequest(sip.CANCEL, req.Recipient)
	sip.CopyHeaders("Via", req, c)
	sip.CopyHeaders("Call-ID", req, c)
	sip.CopyHeaders("From", req, c)
	sip.CopyHeaders("To", req, c)
	c.AppendHeader(&sip.CSeqHeader{SeqNo: sipheader.CSeqNumber(req), MethodName: sip.CANCEL})
	return c
}

func newVia(host string) *sip.ViaHeader {
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            host,
		Port:            5060,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	}
}

// response ответ удаленной стороны на наш запрос.
func response(req *sip.Request, code int, body *sdpbody.Description, headers ...string) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, "", nil)
	for i := 0; i+1 < len(headers); i += 2 {
		res.AppendHeader(sip.NewHeader(headers[i], headers[i+1]))
	}
	if body != nil {
		sdpbody.Attach(res, body)
	}
	return res
}

// reliable заголовки надежного 1xx.
func reliable(rseq int) []string {
	return []string{sipheader.Require, sipheader.Option100rel, sipheader.RSeq, strconv.Itoa(rseq)}
}

func audio(t *testing.T, port int) *sdpbody.Description {
	t.Helper()
	d, err := sdpbody.NewAudio(sdpbody.AudioConfig{SessionID: uint64(port), Version: 1, Host: "10.0.0.1", Port: port})
	require.NoError(t, err)
	return d
}

// testOptions детерминированные опции для тестов.
func testOptions(extra ...Option) []Option {
	opts := []Option{WithRand(rand.New(rand.NewPCG(1, 2)))}
	return append(opts, extra...)
}

// recordingHandler записывает колбэки и позволяет вмешаться в них.
type recordingHandler struct {
	BaseHandler

	events     []string
	reasons    []TerminatedReason
	lastOffer  *sdpbody.Description
	lastAnswer *sdpbody.Description
	lastRefer  string

	onOffer       func(s Session, offer *sdpbody.Description)
	onOfferReq    func(s Session)
	onNewSession  func(s Session)
	onConnected   func(s Session)
	keepOnExpired bool
}

func (h *recordingHandler) add(name string) { h.events = append(h.events, name) }

func (h *recordingHandler) OnNewSession(s Session, _ sip.Message) {
	h.add("OnNewSession")
	if h.onNewSession != nil {
		h.onNewSession(s)
	}
}

func (h *recordingHandler) OnProvisional(Session, *sip.Response) { h.add("OnProvisional") }

func (h *recordingHandler) OnEarlyMedia(_ Session, _ *sip.Response, sdp *sdpbody.Description) {
	h.add("OnEarlyMedia")
	h.lastAnswer = sdp
}

func (h *recordingHandler) OnOffer(s Session, _ sip.Message, offer *sdpbody.Description) {
	h.add("OnOffer")
	h.lastOffer = offer
	if h.onOffer != nil {
		h.onOffer(s, offer)
	}
}

func (h *recordingHandler) OnAnswer(_ Session, _ sip.Message, answer *sdpbody.Description) {
	h.add("OnAnswer")
	h.lastAnswer = answer
}

func (h *recordingHandler) OnOfferRejected(Session, sip.Message) { h.add("OnOfferRejected") }

func (h *recordingHandler) OnOfferRequired(s Session, _ sip.Message) {
	h.add("OnOfferRequired")
	if h.onOfferReq != nil {
		h.onOfferReq(s)
	}
}

func (h *recordingHandler) OnIllegalNegotiation(Session, sip.Message) {
	h.add("OnIllegalNegotiation")
}

func (h *recordingHandler) OnRemoteAnswerChanged(_ Session, _ sip.Message, answer *sdpbody.Description) {
	h.add("OnRemoteAnswerChanged")
	h.lastAnswer = answer
}

func (h *recordingHandler) OnConnected(s Session, _ sip.Message) {
	h.add("OnConnected")
	if h.onConnected != nil {
		h.onConnected(s)
	}
}

func (h *recordingHandler) OnRedirected(Session, *sip.Response) { h.add("OnRedirected") }
func (h *recordingHandler) OnInfo(Session, *sip.Request)        { h.add("OnInfo") }
func (h *recordingHandler) OnInfoSuccess(Session, *sip.Response) {
	h.add("OnInfoSuccess")
}
func (h *recordingHandler) OnInfoFailure(Session, *sip.Response) {
	h.add("OnInfoFailure")
}

func (h *recordingHandler) OnRefer(_ Session, _ *sip.Request, target string) {
	h.add("OnRefer")
	h.lastRefer = target
}

func (h *recordingHandler) OnReferAccepted(Session, *sip.Response) { h.add("OnReferAccepted") }
func (h *recordingHandler) OnReferRejected(Session, *sip.Response) { h.add("OnReferRejected") }
func (h *recordingHandler) OnReferNotify(Session, *sip.Request)    { h.add("OnReferNotify") }
func (h *recordingHandler) OnPrack(Session, *sip.Request)          { h.add("OnPrack") }
func (h *recordingHandler) OnAckReceived(Session, *sip.Request)    { h.add("OnAckReceived") }

func (h *recordingHandler) OnAckNotReceived(s Session) {
	h.add("OnAckNotReceived")
	h.BaseHandler.OnAckNotReceived(s)
}

func (h *recordingHandler) OnSessionExpired(s Session) {
	h.add("OnSessionExpired")
	if !h.keepOnExpired {
		h.BaseHandler.OnSessionExpired(s)
	}
}

func (h *recordingHandler) OnStaleCallTimeout(Session)     { h.add("OnStaleCallTimeout") }
func (h *recordingHandler) OnStaleReInviteTimeout(Session) { h.add("OnStaleReInviteTimeout") }
func (h *recordingHandler) OnFailure(Session, *sip.Response) {
	h.add("OnFailure")
}

func (h *recordingHandler) OnTerminated(_ Session, reason TerminatedReason, _ sip.Message) {
	h.add("OnTerminated")
	h.reasons = append(h.reasons, reason)
}

// count число вызовов колбэка name.
func (h *recordingHandler) count(name string) int {
	n := 0
	for _, e := range h.events {
		if e == name {
			n++
		}
	}
	return n
}
