package session

import (
	"errors"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/invite_session/pkg/sdpbody"
	"github.com/arzzra/invite_session/pkg/session/retransmit"
	"github.com/arzzra/invite_session/pkg/session/sessiontimer"
	"github.com/arzzra/invite_session/pkg/sipheader"
)

// startedServer сессия UAS после Start для INVITE с телом offer и
// дополнительными заголовками.
func startedServer(t *testing.T, offer *sdpbody.Description, headers []string, opts ...Option) (*ServerSession, *fakeDialog, *recordingHandler) {
	t.Helper()
	d := newFakeDialog()
	h := &recordingHandler{}
	inv := d.peerRequest(sip.INVITE, offer, headers...)
	s, err := NewServerSession(d, h, inv, testOptions(opts...)...)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	return s, d, h
}

var supported100rel = []string{sipheader.Supported, sipheader.Option100rel}

func TestServerBasicCall(t *testing.T) {
	t.Run("предложение в INVITE, ответ в 180 и 200", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000), nil)
		assert.Equal(t, UASOffer, s.State())
		assert.Equal(t, RoleCallee, s.Role())
		assert.Equal(t, []string{"OnNewSession", "OnOffer"}, h.events)

		require.NoError(t, s.Provisional(0))
		ringing := d.lastResponse(t)
		assert.Equal(t, 180, ringing.StatusCode)
		assert.Empty(t, ringing.Body())
		assert.Equal(t, UASEarlyOffer, s.State())

		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		assert.Equal(t, UASEarlyProvidedAnswer, s.State())
		require.NoError(t, s.Accept(0))

		ok200 := d.lastResponse(t)
		assert.Equal(t, 200, ok200.StatusCode)
		assert.True(t, sdpbody.Equal(audio(t, 4000), mustSDP(t, ok200)))
		assert.Equal(t, UASAccepted, s.State())

		s.Dispatch(peerAck(ok200, nil))
		assert.Equal(t, Connected, s.State())
		assert.Equal(t, []string{"OnNewSession", "OnOffer", "OnConnected"}, h.events)
		assert.True(t, sdpbody.Equal(audio(t, 5000), s.CurrentRemoteSDP()))
		assert.True(t, sdpbody.Equal(audio(t, 4000), s.CurrentLocalSDP()))
	})

	t.Run("ответ в 183 без PRACK", func(t *testing.T) {
		s, d, _ := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Provisional(183))

		res := d.lastResponse(t)
		assert.Equal(t, 183, res.StatusCode)
		assert.True(t, sdpbody.Equal(audio(t, 4000), mustSDP(t, res)))
		assert.Nil(t, res.GetHeader(sipheader.RSeq))
	})

	t.Run("периодический повтор ненадежного 1xx", func(t *testing.T) {
		s, d, _ := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.Provisional(0))
		ringing := d.lastResponse(t)
		tc := d.lastTimer(t, retransmit.Retransmit1xx)
		assert.Equal(t, retransmit.DefaultProvisionalRepeat, tc.after)

		s.DispatchTimeout(tc.t)
		assert.Same(t, ringing, d.lastResponse(t))

		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))
		d.sent = nil
		s.DispatchTimeout(d.lastTimer(t, retransmit.Retransmit1xx).t)
		assert.Empty(t, d.sent, "после 2xx повтор 1xx прекращается")
	})

	t.Run("INVITE без предложения", func(t *testing.T) {
		s, d, h := startedServer(t, nil, nil)
		assert.Equal(t, UASNoOffer, s.State())
		assert.Equal(t, []string{"OnNewSession", "OnOfferRequired"}, h.events)

		require.NoError(t, s.ProvideOffer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))
		ok200 := d.lastResponse(t)
		assert.True(t, sdpbody.Equal(audio(t, 4000), mustSDP(t, ok200)))
		assert.Equal(t, UASAcceptedWaitingAnswer, s.State())

		s.Dispatch(peerAck(ok200, audio(t, 5000)))
		assert.Equal(t, Connected, s.State())
		assert.Equal(t, []string{"OnNewSession", "OnOfferRequired", "OnAnswer", "OnConnected"}, h.events)
	})

	t.Run("ACK без ответа на предложение в 2xx", func(t *testing.T) {
		s, d, h := startedServer(t, nil, nil)
		require.NoError(t, s.ProvideOffer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))
		s.Dispatch(peerAck(d.lastResponse(t), nil))

		assert.True(t, s.IsTerminated())
		assert.Equal(t, sip.BYE, d.lastRequest(t).Method)
		assert.Contains(t, h.events, "OnIllegalNegotiation")
		assert.Equal(t, []TerminatedReason{ReasonGeneralFailure}, h.reasons)
	})

	t.Run("Accept без ответа", func(t *testing.T) {
		s, d, _ := startedServer(t, audio(t, 5000), nil)
		err := s.Accept(0)
		assert.True(t, IsUsageError(err))
		assert.True(t, errors.Is(err, ErrNoPendingOffer))
		assert.Empty(t, d.sent)
	})

	t.Run("предложение в ответ на предложение", func(t *testing.T) {
		s, _, _ := startedServer(t, audio(t, 5000), nil)
		assert.True(t, errors.Is(s.ProvideOffer(audio(t, 4000)), ErrInvalidState))
	})
}

func TestServerAck(t *testing.T) {
	t.Run("повтор 2xx до ACK", func(t *testing.T) {
		s, d, _ := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))
		ok200 := d.lastResponse(t)

		first := d.lastTimer(t, retransmit.Retransmit200)
		assert.Equal(t, retransmit.TimerT1, first.after)
		for i := 0; i < 4; i++ {
			s.DispatchTimeout(d.lastTimer(t, retransmit.Retransmit200).t)
		}
		assert.Same(t, ok200, d.lastResponse(t))
		assert.Equal(t, retransmit.TimerT2, d.lastTimer(t, retransmit.Retransmit200).after, "интервал ограничен T2")
	})

	t.Run("ACK не пришел", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))

		s.DispatchTimeout(d.lastTimer(t, retransmit.WaitForAck).t)
		assert.True(t, s.IsTerminated())
		assert.Equal(t, sip.BYE, d.lastRequest(t).Method)
		assert.Equal(t, []TerminatedReason{ReasonGeneralFailure}, h.reasons)
	})

	t.Run("End до ACK откладывает BYE", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))
		ok200 := d.lastResponse(t)

		require.NoError(t, s.End())
		assert.Equal(t, WaitingToHangup, s.State())
		assert.Equal(t, 200, d.lastResponse(t).StatusCode)

		s.Dispatch(peerAck(ok200, nil))
		bye := d.lastRequest(t)
		assert.Equal(t, sip.BYE, bye.Method)
		assert.Equal(t, `SIP ;text="user hung up"`, bye.GetHeader(sipheader.Reason).Value())
		assert.Equal(t, []TerminatedReason{ReasonEnded}, h.reasons)
	})

	t.Run("ACK с чужим CSeq", func(t *testing.T) {
		s, d, _ := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))

		ack := peerAck(d.lastResponse(t), nil)
		ack.CSeq().SeqNo = 77
		s.Dispatch(ack)
		assert.Equal(t, UASAccepted, s.State())
	})
}

func TestServerReject(t *testing.T) {
	t.Run("Reject по умолчанию 486", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.Reject(0, "busy"))

		res := d.lastResponse(t)
		assert.Equal(t, 486, res.StatusCode)
		assert.Contains(t, res.GetHeader(sipheader.Warning).Value(), "busy")
		assert.Equal(t, []TerminatedReason{ReasonInviteFailure}, h.reasons)
	})

	t.Run("End до 2xx отвечает 480", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.Provisional(0))
		require.NoError(t, s.End())

		assert.Equal(t, 480, d.lastResponse(t).StatusCode)
		assert.Equal(t, []TerminatedReason{ReasonInviteFailure}, h.reasons)
	})

	t.Run("Redirect", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000), nil)
		carol := sip.Uri{Scheme: "sip", User: "carol", Host: "c.example.com"}
		require.NoError(t, s.Redirect([]sip.Uri{carol}, 0))

		res := d.lastResponse(t)
		assert.Equal(t, 302, res.StatusCode)
		contact := res.Contact()
		require.NotNil(t, contact)
		assert.Equal(t, "carol", contact.Address.User)
		assert.Equal(t, []TerminatedReason{ReasonInviteFailure}, h.reasons)
	})

	t.Run("Redirect без адресов", func(t *testing.T) {
		s, _, _ := startedServer(t, audio(t, 5000), nil)
		assert.True(t, errors.Is(s.Redirect(nil, 0), ErrInvalidState))
	})

	t.Run("Reject после 2xx недопустим", func(t *testing.T) {
		s, _, _ := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))
		assert.True(t, errors.Is(s.Reject(0, ""), ErrInvalidState))
	})

	t.Run("CANCEL до 2xx", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.Provisional(0))
		s.Dispatch(peerCancel(s.Invite()))

		assert.Equal(t, []string{"180 INVITE", "200 CANCEL", "487 INVITE"}, d.sentSummary())
		assert.Equal(t, []TerminatedReason{ReasonCancelled}, h.reasons)
	})

	t.Run("CANCEL после 2xx", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))
		s.Dispatch(peerCancel(s.Invite()))

		assert.Equal(t, "200 CANCEL", d.sentSummary()[len(d.sent)-1])
		assert.False(t, s.IsTerminated())
		assert.Empty(t, h.reasons)
	})

	t.Run("BYE до 2xx", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000), nil)
		s.Dispatch(d.peerRequest(sip.BYE, nil))

		assert.Equal(t, []string{"200 BYE", "487 INVITE"}, d.sentSummary())
		assert.Equal(t, []TerminatedReason{ReasonPeerEnded}, h.reasons)
	})

	t.Run("Require 100rel без поддержки", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000),
			[]string{sipheader.Require, sipheader.Option100rel}, WithReliableProvisional(false))

		res := d.lastResponse(t)
		assert.Equal(t, 420, res.StatusCode)
		assert.Equal(t, sipheader.Option100rel, res.GetHeader("Unsupported").Value())
		assert.True(t, s.IsTerminated())
		assert.Empty(t, h.events[:len(h.events)-1], "приложение не видит сессию")
	})

	t.Run("слишком малый Session-Expires", func(t *testing.T) {
		policy := sessiontimer.DefaultPolicy()
		policy.RejectSmall = true
		s, d, _ := startedServer(t, audio(t, 5000),
			[]string{sipheader.Supported, sipheader.OptionTimer, sipheader.SessionExpires, "60"},
			WithSessionTimer(policy))

		res := d.lastResponse(t)
		assert.Equal(t, 422, res.StatusCode)
		minSE, ok := sipheader.Uint(res, sipheader.MinSE)
		require.True(t, ok)
		assert.EqualValues(t, sessiontimer.DefaultMinSE, minSE)
		assert.True(t, s.IsTerminated())
	})
}

func TestServerReliableProvisional(t *testing.T) {
	t.Run("ответ в надежном 183 и очередь до PRACK", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000), supported100rel)
		assert.Equal(t, UASOfferReliable, s.State())

		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Provisional(183))
		rel := d.lastResponse(t)
		assert.True(t, sipheader.Has(rel, sipheader.Require, sipheader.Option100rel))
		rseq, ok := sipheader.Uint(rel, sipheader.RSeq)
		require.True(t, ok)
		assert.EqualValues(t, 1, rseq)
		assert.True(t, sdpbody.Equal(audio(t, 4000), mustSDP(t, rel)))
		assert.Equal(t, UASFirstSentAnswerReliable, s.State())

		require.NoError(t, s.Provisional(180))
		require.NoError(t, s.Accept(0))
		assert.Same(t, rel, d.lastResponse(t), "ответы ждут PRACK")

		prack := d.peerRequest(sip.PRACK, nil, sipheader.RAck, "1 1 INVITE")
		s.Dispatch(prack)
		assert.Equal(t, []string{"183 INVITE", "200 PRACK", "200 INVITE"}, d.sentSummary())
		assert.Equal(t, UASAccepted, s.State())
		assert.Contains(t, h.events, "OnPrack")
	})

	t.Run("повтор надежного 1xx и истечение", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000), supported100rel)
		require.NoError(t, s.Provisional(180))
		rel := d.lastResponse(t)
		assert.Equal(t, UASFirstNoAnswerReliable, s.State())

		tc := d.lastTimer(t, retransmit.Retransmit1xxRel)
		assert.Equal(t, retransmit.TimerT1, tc.after)
		s.DispatchTimeout(tc.t)
		assert.Same(t, rel, d.lastResponse(t))
		assert.Equal(t, 2*retransmit.TimerT1, d.lastTimer(t, retransmit.Retransmit1xxRel).after)

		for i := 0; i < 10 && !s.IsTerminated(); i++ {
			s.DispatchTimeout(d.lastTimer(t, retransmit.Retransmit1xxRel).t)
		}
		assert.True(t, s.IsTerminated())
		assert.Equal(t, 504, d.lastResponse(t).StatusCode)
		assert.Equal(t, []TerminatedReason{ReasonGeneralFailure}, h.reasons)
	})

	t.Run("PRACK с неверным RAck", func(t *testing.T) {
		s, d, _ := startedServer(t, audio(t, 5000), supported100rel)
		require.NoError(t, s.Provisional(180))
		s.Dispatch(d.peerRequest(sip.PRACK, nil, sipheader.RAck, "2 1 INVITE"))

		assert.Equal(t, 481, d.lastResponse(t).StatusCode)
		assert.Equal(t, UASFirstNoAnswerReliable, s.State())
	})

	t.Run("предложение в надежном 1xx и ответ в PRACK", func(t *testing.T) {
		s, d, h := startedServer(t, nil, supported100rel)
		assert.Equal(t, UASNoOfferReliable, s.State())
		require.NoError(t, s.ProvideOffer(audio(t, 4000)))
		require.NoError(t, s.Provisional(183))
		assert.Equal(t, UASFirstSentOfferReliable, s.State())

		s.Dispatch(d.peerRequest(sip.PRACK, audio(t, 5000), sipheader.RAck, "1 1 INVITE"))
		assert.Equal(t, UASNegotiatedReliable, s.State())
		assert.Equal(t, 200, d.lastResponse(t).StatusCode)
		assert.Equal(t, []string{"OnNewSession", "OnOfferRequired", "OnPrack", "OnAnswer"}, h.events)

		require.NoError(t, s.Accept(0))
		ok200 := d.lastResponse(t)
		assert.Empty(t, ok200.Body(), "SDP уже согласован")
		assert.Equal(t, UASAccepted, s.State())
	})

	t.Run("PRACK без ответа на предложение", func(t *testing.T) {
		s, d, h := startedServer(t, nil, supported100rel)
		require.NoError(t, s.ProvideOffer(audio(t, 4000)))
		require.NoError(t, s.Provisional(183))
		s.Dispatch(d.peerRequest(sip.PRACK, nil, sipheader.RAck, "1 1 INVITE"))

		assert.Equal(t, []string{"183 INVITE", "200 PRACK", "488 INVITE"}, d.sentSummary())
		assert.Contains(t, h.events, "OnIllegalNegotiation")
		assert.Equal(t, []TerminatedReason{ReasonGeneralFailure}, h.reasons)
	})

	t.Run("надежный 1xx без предложения уходит ненадежно", func(t *testing.T) {
		s, d, _ := startedServer(t, nil, supported100rel)
		require.NoError(t, s.Provisional(180))
		res := d.lastResponse(t)
		assert.Nil(t, res.GetHeader(sipheader.RSeq))
		assert.Equal(t, UASNoOfferReliable, s.State())
	})
}

// negotiatedReliable сессия UAS после надежного 183 с ответом и PRACK.
func negotiatedReliable(t *testing.T) (*ServerSession, *fakeDialog, *recordingHandler) {
	t.Helper()
	s, d, h := startedServer(t, audio(t, 5000), supported100rel)
	require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
	require.NoError(t, s.Provisional(183))
	s.Dispatch(d.peerRequest(sip.PRACK, nil, sipheader.RAck, "1 1 INVITE"))
	require.Equal(t, UASNegotiatedReliable, s.State())
	d.sent = nil
	h.events = nil
	return s, d, h
}

func TestServerEarlyOffer(t *testing.T) {
	t.Run("UPDATE до 2xx", func(t *testing.T) {
		s, d, h := negotiatedReliable(t)
		s.Dispatch(d.peerRequest(sip.UPDATE, audio(t, 5002)))
		assert.Equal(t, []string{"OnOffer"}, h.events)

		require.NoError(t, s.Accept(0))
		assert.Empty(t, d.sent, "2xx ждет ответа на UPDATE")

		require.NoError(t, s.ProvideAnswer(audio(t, 4002)))
		assert.Equal(t, []string{"200 UPDATE", "200 INVITE"}, d.sentSummary())
		upd200 := d.sent[0].(*sip.Response)
		assert.True(t, sdpbody.Equal(audio(t, 4002), mustSDP(t, upd200)))
		assert.True(t, sdpbody.Equal(audio(t, 5002), s.CurrentRemoteSDP()))
	})

	t.Run("предложение в PRACK", func(t *testing.T) {
		s, d, h := negotiatedReliable(t)
		require.NoError(t, s.Provisional(180))
		d.sent = nil

		s.Dispatch(d.peerRequest(sip.PRACK, audio(t, 5002), sipheader.RAck, "2 1 INVITE"))
		assert.Empty(t, d.sent)
		assert.Equal(t, []string{"OnPrack", "OnOffer"}, h.events)

		require.NoError(t, s.Reject(0, ""))
		assert.Equal(t, []string{"488 PRACK"}, d.sentSummary())
		assert.Equal(t, UASNegotiatedReliable, s.State())
		assert.True(t, sdpbody.Equal(audio(t, 5000), s.CurrentRemoteSDP()))
	})

	t.Run("UPDATE до завершения первого обмена", func(t *testing.T) {
		s, d, _ := startedServer(t, audio(t, 5000), supported100rel)
		s.Dispatch(d.peerRequest(sip.UPDATE, audio(t, 5002)))
		assert.Equal(t, 491, d.lastResponse(t).StatusCode)
	})

	t.Run("UPDATE без SDP до 2xx", func(t *testing.T) {
		s, d, _ := startedServer(t, audio(t, 5000), nil)
		s.Dispatch(d.peerRequest(sip.UPDATE, nil))
		assert.Equal(t, 200, d.lastResponse(t).StatusCode)
		assert.Equal(t, UASOffer, s.State())
	})

	t.Run("наше предложение в UPDATE до 2xx", func(t *testing.T) {
		s, d, h := negotiatedReliable(t)
		require.NoError(t, s.ProvideOffer(audio(t, 4002)))
		upd := d.lastRequest(t)
		assert.Equal(t, sip.UPDATE, upd.Method)
		assert.True(t, sdpbody.Equal(audio(t, 4002), mustSDP(t, upd)))
		assert.Equal(t, UASSentUpdate, s.State())
		assert.Equal(t, phaseEarly, s.Phase())

		require.NoError(t, s.Accept(0))
		assert.Equal(t, []string{"UPDATE"}, d.sentSummary(), "2xx ждет ответа на UPDATE")

		s.Dispatch(response(upd, 200, audio(t, 5002)))
		assert.Equal(t, []string{"OnAnswer"}, h.events)
		assert.Equal(t, []string{"UPDATE", "200 INVITE"}, d.sentSummary())
		assert.Equal(t, UASAccepted, s.State())
		assert.True(t, sdpbody.Equal(audio(t, 4002), s.CurrentLocalSDP()))
		assert.True(t, sdpbody.Equal(audio(t, 5002), s.CurrentRemoteSDP()))
	})

	t.Run("491 на наш UPDATE и повтор", func(t *testing.T) {
		s, d, h := negotiatedReliable(t)
		require.NoError(t, s.ProvideOffer(audio(t, 4002)))
		first := d.lastRequest(t)

		s.Dispatch(response(first, 491, nil))
		assert.Equal(t, UASSentUpdateGlare, s.State())
		glare := d.lastTimer(t, retransmit.Glare)
		assert.Less(t, glare.after, retransmit.DefaultConfig().CalleeGlare.Max, "окно вызываемой стороны")

		s.DispatchTimeout(glare.t)
		retry := d.lastRequest(t)
		require.NotSame(t, first, retry)
		assert.Equal(t, sip.UPDATE, retry.Method)
		assert.True(t, sdpbody.Equal(audio(t, 4002), mustSDP(t, retry)))
		assert.Equal(t, UASSentUpdate, s.State())
		assert.Empty(t, h.events)

		s.Dispatch(response(retry, 200, audio(t, 5002)))
		assert.Equal(t, UASNegotiatedReliable, s.State())
		assert.Equal(t, []string{"OnAnswer"}, h.events)
	})

	t.Run("отказ на наш UPDATE", func(t *testing.T) {
		s, d, h := negotiatedReliable(t)
		require.NoError(t, s.ProvideOffer(audio(t, 4002)))
		require.NoError(t, s.Accept(0))

		s.Dispatch(response(d.lastRequest(t), 488, nil))
		assert.Equal(t, []string{"OnOfferRejected"}, h.events)
		assert.Equal(t, UASAccepted, s.State(), "отложенный 2xx уходит после отказа")
		assert.True(t, sdpbody.Equal(audio(t, 4000), s.CurrentLocalSDP()))
		assert.Nil(t, s.ProposedLocalSDP())
	})

	t.Run("встречный UPDATE при ожидании ответа", func(t *testing.T) {
		s, d, h := negotiatedReliable(t)
		require.NoError(t, s.ProvideOffer(audio(t, 4002)))

		s.Dispatch(d.peerRequest(sip.UPDATE, audio(t, 5004)))
		assert.Equal(t, 491, d.lastResponse(t).StatusCode)
		assert.Equal(t, UASSentUpdate, s.State())
		assert.Empty(t, h.events)
	})

	t.Run("встречный UPDATE отменяет отложенный повтор", func(t *testing.T) {
		s, d, h := negotiatedReliable(t)
		require.NoError(t, s.ProvideOffer(audio(t, 4002)))
		s.Dispatch(response(d.lastRequest(t), 491, nil))
		glare := d.lastTimer(t, retransmit.Glare)

		s.Dispatch(d.peerRequest(sip.UPDATE, audio(t, 5004)))
		assert.Equal(t, []string{"OnOfferRejected", "OnOffer"}, h.events)
		assert.Equal(t, UASNegotiatedReliable, s.State())

		require.NoError(t, s.ProvideAnswer(audio(t, 4004)))
		assert.Equal(t, 200, d.lastResponse(t).StatusCode)
		d.sent = nil
		s.DispatchTimeout(glare.t)
		assert.Empty(t, d.sent, "повтор отменен")
	})
}

func TestServerOfferBeforeAck(t *testing.T) {
	t.Run("предложение после 2xx уходит после ACK", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000), []string{"Allow", allowWithUpdate})
		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))
		ok200 := d.lastResponse(t)

		require.NoError(t, s.ProvideOffer(audio(t, 4002)))
		assert.Equal(t, WaitingToOffer, s.State())
		assert.Same(t, ok200, d.lastResponse(t), "предложение ждет ACK")

		s.Dispatch(peerAck(ok200, nil))
		upd := d.lastRequest(t)
		assert.Equal(t, sip.UPDATE, upd.Method)
		assert.True(t, sdpbody.Equal(audio(t, 4002), mustSDP(t, upd)))
		assert.Equal(t, SentUpdate, s.State())
		assert.Equal(t, []string{"OnNewSession", "OnOffer", "OnConnected"}, h.events)

		s.Dispatch(response(upd, 200, audio(t, 5002)))
		assert.Equal(t, Connected, s.State())
		assert.True(t, sdpbody.Equal(audio(t, 5002), s.CurrentRemoteSDP()))
	})

	t.Run("без UPDATE у удаленной стороны уходит re-INVITE", func(t *testing.T) {
		s, d, _ := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))
		ok200 := d.lastResponse(t)
		require.NoError(t, s.ProvideOffer(audio(t, 4002)))

		s.Dispatch(peerAck(ok200, nil))
		inv := d.lastRequest(t)
		assert.Equal(t, sip.INVITE, inv.Method)
		assert.True(t, sdpbody.Equal(audio(t, 4002), mustSDP(t, inv)))
		assert.Equal(t, SentReinvite, s.State())
	})

	t.Run("запрос предложения после 2xx", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))
		ok200 := d.lastResponse(t)

		require.NoError(t, s.RequestOffer())
		assert.Equal(t, WaitingToRequestOffer, s.State())

		s.Dispatch(peerAck(ok200, nil))
		inv := d.lastRequest(t)
		assert.Equal(t, sip.INVITE, inv.Method)
		assert.Empty(t, inv.Body())
		assert.Equal(t, SentReinviteNoOffer, s.State())
		assert.Equal(t, 1, h.count("OnConnected"))
	})

	t.Run("ACK не пришел", func(t *testing.T) {
		s, d, h := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))
		require.NoError(t, s.ProvideOffer(audio(t, 4002)))

		s.DispatchTimeout(d.lastTimer(t, retransmit.WaitForAck).t)
		assert.True(t, s.IsTerminated())
		assert.Equal(t, sip.BYE, d.lastRequest(t).Method)
		assert.Equal(t, []TerminatedReason{ReasonGeneralFailure}, h.reasons)
	})

	t.Run("предложение в 2xx ждет ответа в ACK", func(t *testing.T) {
		s, _, _ := startedServer(t, nil, nil)
		require.NoError(t, s.ProvideOffer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))
		assert.True(t, errors.Is(s.ProvideOffer(audio(t, 4002)), ErrInvalidState))
		assert.Equal(t, UASAcceptedWaitingAnswer, s.State())
	})
}

func TestServerSessionTimer(t *testing.T) {
	t.Run("удаленная сторона обновляет сессию", func(t *testing.T) {
		s, d, _ := startedServer(t, audio(t, 5000), []string{
			sipheader.Supported, sipheader.OptionTimer,
			sipheader.SessionExpires, "1800;refresher=uac",
		})
		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))

		ok200 := d.lastResponse(t)
		assert.True(t, sipheader.Has(ok200, sipheader.Require, sipheader.OptionTimer))
		se, ok := sipheader.ParseSessionExpires(ok200)
		require.True(t, ok)
		assert.Equal(t, sipheader.SessionExpiresValue{Interval: 1800, Refresher: "uac"}, se)
		assert.Equal(t, (1800-32)*time.Second, d.lastTimer(t, retransmit.SessionExpiration).after)
	})

	t.Run("без поддержки у удаленной стороны обновляем сами", func(t *testing.T) {
		s, d, _ := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))

		ok200 := d.lastResponse(t)
		assert.False(t, sipheader.Has(ok200, sipheader.Require, sipheader.OptionTimer))
		assert.Equal(t, 900*time.Second, d.lastTimer(t, retransmit.SessionRefresh).after)
		interval, local := s.SessionTimer()
		assert.EqualValues(t, 1800, interval)
		assert.True(t, local)
	})

	t.Run("UPDATE без SDP продлевает сессию", func(t *testing.T) {
		s, d, _ := startedServer(t, audio(t, 5000), nil)
		require.NoError(t, s.ProvideAnswer(audio(t, 4000)))
		require.NoError(t, s.Accept(0))
		s.Dispatch(peerAck(d.lastResponse(t), nil))
		before := d.lastTimer(t, retransmit.SessionRefresh)

		s.Dispatch(d.peerRequest(sip.UPDATE, nil, sipheader.Supported, sipheader.OptionTimer,
			sipheader.SessionExpires, "1200;refresher=uac"))
		res := d.lastResponse(t)
		assert.Equal(t, 200, res.StatusCode)
		after := d.lastTimer(t, retransmit.SessionExpiration)
		assert.Greater(t, after.t.Seq, before.t.Seq)
		assert.Equal(t, (1200-32)*time.Second, after.after)

		d.sent = nil
		s.DispatchTimeout(before.t)
		assert.Empty(t, d.sent)
		assert.Equal(t, Connected, s.State())
	})
}
