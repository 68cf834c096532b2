package classifier

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
)

const body = "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=-\r\nt=0 0\r\n"

type msgOpt func(sip.Message)

func withBody(m sip.Message) {
	m.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	m.SetBody([]byte(body))
}

func withHeader(name, value string) msgOpt {
	return func(m sip.Message) { m.AppendHeader(sip.NewHeader(name, value)) }
}

var (
	alice = sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"}
	bob   = sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"}
)

func request(method sip.RequestMethod, opts ...msgOpt) *sip.Request {
	req := sip.NewRequest(method, bob)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "alice.example.com",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	})
	req.AppendHeader(&sip.FromHeader{Address: alice, Params: sip.NewParams().Add("tag", "a1")})
	req.AppendHeader(&sip.ToHeader{Address: bob, Params: sip.NewParams()})
	callID := sip.CallIDHeader("call-1@example.com")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	for _, o := range opts {
		o(req)
	}
	return req
}

func response(method sip.RequestMethod, code int, opts ...msgOpt) *sip.Response {
	res := sip.NewResponseFromRequest(request(method), code, "", nil)
	for _, o := range opts {
		o(res)
	}
	return res
}

func TestClassify(t *testing.T) {
	reliable1xx := []msgOpt{withHeader("Require", "100rel"), withHeader("RSeq", "1")}

	cases := []struct {
		name      string
		msg       sip.Message
		sentOffer bool
		want      Event
	}{
		{"481 на BYE", response(sip.BYE, 481), false, OnGeneralFailure},
		{"408 на INVITE", response(sip.INVITE, 408), true, OnGeneralFailure},
		{"302 на INVITE", response(sip.INVITE, 302), true, OnRedirect},

		{"INVITE с SDP", request(sip.INVITE, withBody), false, OnInviteOffer},
		{"INVITE без SDP", request(sip.INVITE), false, OnInviteNoOffer},
		{"INVITE с SDP и 100rel", request(sip.INVITE, withBody, withHeader("Supported", "timer, 100rel")), false, OnInviteReliableOffer},
		{"INVITE без SDP с Require 100rel", request(sip.INVITE, withHeader("Require", "100rel")), false, OnInviteReliableNoOffer},

		{"100 Trying игнорируется", response(sip.INVITE, 100), true, Unknown},
		{"180 без тела", response(sip.INVITE, 180), true, On1xx},
		{"183 с телом без 100rel", response(sip.INVITE, 183, withBody), true, On1xxEarly},
		{"183 надежный с ответом", response(sip.INVITE, 183, append(reliable1xx, withBody)...), true, On1xxAnswer},
		{"183 надежный с предложением", response(sip.INVITE, 183, append(reliable1xx, withBody)...), false, On1xxOffer},
		{"180 надежный без тела", response(sip.INVITE, 180, reliable1xx...), true, On1xx},
		{"183 с Require без RSeq ненадежный", response(sip.INVITE, 183, withHeader("Require", "100rel"), withBody), true, On1xxEarly},

		{"200 с ответом", response(sip.INVITE, 200, withBody), true, On2xxAnswer},
		{"200 с предложением", response(sip.INVITE, 200, withBody), false, On2xxOffer},
		{"200 без тела", response(sip.INVITE, 200), true, On2xxNoSDP},
		{"422 на INVITE", response(sip.INVITE, 422), true, On422Invite},
		{"487 на INVITE", response(sip.INVITE, 487), true, On487Invite},
		{"489 на INVITE", response(sip.INVITE, 489), true, On489Invite},
		{"491 на INVITE", response(sip.INVITE, 491), true, On491Invite},
		{"486 на INVITE", response(sip.INVITE, 486), true, OnInviteFailure},

		{"ACK без тела", request(sip.ACK), false, OnAck},
		{"ACK с ответом", request(sip.ACK, withBody), false, OnAckAnswer},

		{"CANCEL", request(sip.CANCEL), false, OnCancel},
		{"200 на CANCEL", response(sip.CANCEL, 200), false, On200Cancel},
		{"500 на CANCEL", response(sip.CANCEL, 500), false, OnCancelFailure},

		{"BYE", request(sip.BYE), false, OnBye},
		{"200 на BYE", response(sip.BYE, 200), false, On200Bye},
		{"500 на BYE", response(sip.BYE, 500), false, Unknown},

		{"PRACK", request(sip.PRACK), false, OnPrack},
		{"200 на PRACK", response(sip.PRACK, 200), false, On200Prack},

		{"UPDATE с SDP", request(sip.UPDATE, withBody), false, OnUpdateOffer},
		{"UPDATE без SDP", request(sip.UPDATE), false, OnUpdate},
		{"200 на UPDATE", response(sip.UPDATE, 200), true, On200Update},
		{"422 на UPDATE", response(sip.UPDATE, 422), true, On422Update},
		{"489 на UPDATE", response(sip.UPDATE, 489), true, On489Update},
		{"491 на UPDATE", response(sip.UPDATE, 491), true, On491Update},
		{"488 на UPDATE", response(sip.UPDATE, 488), true, OnUpdateRejected},

		{"INFO", request(sip.INFO), false, OnInfo},
		{"200 на INFO", response(sip.INFO, 200), false, OnInfoSuccess},
		{"415 на INFO", response(sip.INFO, 415), false, OnInfoFailure},

		{"REFER", request(sip.REFER), false, OnRefer},
		{"202 на REFER", response(sip.REFER, 202), false, OnReferAccepted},
		{"403 на REFER", response(sip.REFER, 403), false, OnReferRejected},

		{"NOTIFY", request(sip.NOTIFY), false, OnNotify},
		{"MESSAGE не относится к сессии", request(sip.MESSAGE), false, Unknown},
		{"OPTIONS не относится к сессии", request(sip.OPTIONS), false, Unknown},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Classify(c.msg, Context{SentOffer: c.sentOffer})
			assert.Equal(t, c.want, got, "получено %s", got)
		})
	}
}

func TestEventHelpers(t *testing.T) {
	assert.True(t, OnInviteReliableOffer.IsInvite())
	assert.False(t, OnUpdateOffer.IsInvite())
	assert.True(t, On2xxNoSDP.Is2xx())
	assert.True(t, On1xxEarly.Is1xx())
	assert.True(t, On487Invite.IsInviteFinalFailure())
	assert.False(t, On2xxAnswer.IsInviteFinalFailure())
	assert.Equal(t, "On491Update", On491Update.String())
	assert.Equal(t, "Unknown", Event(1000).String())
}
