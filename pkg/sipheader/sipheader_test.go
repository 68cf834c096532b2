package sipheader

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRequest запрос внутри диалога с полным набором заголовков, из
// которого можно строить ответ.
func newRequest(method sip.RequestMethod) *sip.Request {
	bob := sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"}
	alice := sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"}
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
	req.AppendHeader(&sip.ToHeader{Address: bob, Params: sip.NewParams().Add("tag", "b1")})
	callID := sip.CallIDHeader("call-1@example.com")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 12, MethodName: method})
	return req
}

func TestTokens(t *testing.T) {
	req := newRequest(sip.INVITE)
	req.AppendHeader(sip.NewHeader(Supported, "timer, 100rel"))
	req.AppendHeader(sip.NewHeader(Supported, "replaces"))
	req.AppendHeader(sip.NewHeader(Allow, "INVITE, ACK, BYE, UPDATE"))

	assert.Equal(t, []string{"timer", "100rel", "replaces"}, Tokens(req, Supported))
	assert.True(t, Has(req, Supported, "100REL"))
	assert.False(t, Has(req, Require, Option100rel))
	assert.True(t, AllowsMethod(req, sip.UPDATE))
	assert.False(t, AllowsMethod(req, sip.PRACK))

	AddToken(req, Require, OptionTimer)
	AddToken(req, Require, OptionTimer)
	assert.Equal(t, []string{"timer"}, Tokens(req, Require))
}

func TestSetAndRemove(t *testing.T) {
	req := newRequest(sip.UPDATE)
	Set(req, MinSE, "90")
	Set(req, MinSE, "120")

	v, ok := Uint(req, MinSE)
	require.True(t, ok)
	assert.EqualValues(t, 120, v)
	assert.Len(t, req.GetHeaders(MinSE), 1)

	Remove(req, MinSE)
	_, ok = Uint(req, MinSE)
	assert.False(t, ok)
}

func TestGet(t *testing.T) {
	req := newRequest(sip.INVITE)
	req.AppendHeader(sip.NewHeader(UserAgent, "invite_sim"))

	var msg sip.Message = req
	h := Get(msg, UserAgent)
	require.NotNil(t, h)
	assert.Equal(t, "invite_sim", h.Value())
	assert.Nil(t, Get(msg, Warning))

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	Set(res, Warning, `399 example.com "test"`)
	msg = res
	require.NotNil(t, Get(msg, Warning))
	Remove(msg, Warning)
	assert.Nil(t, Get(msg, Warning))
}

func TestCSeqHelpers(t *testing.T) {
	req := newRequest(sip.PRACK)
	assert.Equal(t, sip.PRACK, CSeqMethod(req))
	assert.EqualValues(t, 12, CSeqNumber(req))
	assert.Equal(t, 0, StatusCode(req))

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	assert.Equal(t, 200, StatusCode(res))
	assert.Equal(t, sip.PRACK, CSeqMethod(res))
}

func TestParseRAck(t *testing.T) {
	req := newRequest(sip.PRACK)
	req.AppendHeader(sip.NewHeader(RAck, "7 1 invite"))

	rack, ok := ParseRAck(req)
	require.True(t, ok)
	assert.Equal(t, RAckValue{RSeq: 7, CSeq: 1, Method: sip.INVITE}, rack)
	assert.Equal(t, "7 1 INVITE", rack.String())

	bad := newRequest(sip.PRACK)
	bad.AppendHeader(sip.NewHeader(RAck, "7 x INVITE"))
	_, ok = ParseRAck(bad)
	assert.False(t, ok)
}

func TestParseSessionExpires(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  SessionExpiresValue
		ok    bool
	}{
		{"только интервал", "1800", SessionExpiresValue{Interval: 1800}, true},
		{"с refresher", "1800;refresher=UAC", SessionExpiresValue{Interval: 1800, Refresher: "uac"}, true},
		{"пробелы и лишние параметры", " 600 ; foo=bar ; refresher=uas", SessionExpiresValue{Interval: 600, Refresher: "uas"}, true},
		{"мусор", "abc", SessionExpiresValue{}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := newRequest(sip.INVITE)
			req.AppendHeader(sip.NewHeader(SessionExpires, c.value))
			got, ok := ParseSessionExpires(req)
			assert.Equal(t, c.ok, ok)
			assert.Equal(t, c.want, got)
		})
	}

	assert.Equal(t, "90;refresher=uas", SessionExpiresValue{Interval: 90, Refresher: "uas"}.String())
}
