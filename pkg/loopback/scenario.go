package loopback

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/sdpbody"
	"github.com/arzzra/invite_session/pkg/session"
	"github.com/arzzra/invite_session/pkg/timer"
)

// Имена сценариев.
const (
	ScenarioBasic        = "basic"
	ScenarioBusy         = "busy"
	ScenarioCalleeAccept = "callee-accept"
	ScenarioGlare        = "glare"
	ScenarioRefresh      = "refresh"
)

// Scenarios все известные сценарии.
var Scenarios = []string{ScenarioBasic, ScenarioBusy, ScenarioCalleeAccept, ScenarioGlare, ScenarioRefresh}

// Options параметры вызова.
type Options struct {
	// Profile профиль обеих сессий. Нулевое значение означает профиль
	// по умолчанию.
	Profile session.Profile
	Logger  logging.StructuredLogger
	Metrics *session.Metrics
	// Timers включает режим реального времени
	Timers *timer.Manager
	// Seed начальное значение генераторов задержки после 491
	Seed uint64
	// Horizon предел виртуального времени
	Horizon time.Duration
}

func (o Options) profile() session.Profile {
	if o.Profile.Timers.T1 == 0 {
		return session.DefaultProfile()
	}
	return o.Profile
}

// CalleeScript поведение вызываемой стороны после Start ее сессии.
type CalleeScript func(c *Call, s *session.ServerSession)

// Call вызов между двумя агентами поверх Network.
type Call struct {
	Net    *Network
	Caller *Agent
	Callee *Agent

	client *session.ClientSession
	server *session.ServerSession
	opts   Options
	script CalleeScript
	logger logging.StructuredLogger
}

// NewCall создает сеть, агентов и сессию UAC. withOffer задает, несет ли
// INVITE предложение. INVITE отправляется в Start.
func NewCall(opts Options, withOffer bool, script CalleeScript) (*Call, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	net := New(Config{Timers: opts.Timers, Horizon: opts.Horizon, Logger: opts.Logger})

	callerSDP, err := agentSDP(net.Caller(), 1, 40000)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	calleeSDP, err := agentSDP(net.Callee(), 2, 50000)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	c := &Call{
		Net:    net,
		Caller: NewAgent("caller", callerSDP, opts.Logger),
		Callee: NewAgent("callee", calleeSDP, opts.Logger),
		opts:   opts,
		script: script,
		logger: opts.Logger.WithComponent("call"),
	}

	var offer *sdpbody.Description
	if withOffer {
		offer = c.Caller.NextSDP()
	}
	client, err := session.NewClientSession(net.Caller(), c.Caller, offer, c.sessionOptions(1)...)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	c.client = client
	net.Caller().Attach(client)
	net.Callee().OnIncoming(c.incoming)
	return c, nil
}

func agentSDP(ep *Endpoint, sessionID uint64, port int) (*sdpbody.Description, error) {
	return errtrace.Wrap2(sdpbody.NewAudio(sdpbody.AudioConfig{
		SessionID: sessionID,
		Host:      ep.URI().Host,
		Port:      port,
	}))
}

func (c *Call) sessionOptions(stream uint64) []session.Option {
	return []session.Option{
		session.WithProfile(c.opts.profile()),
		session.WithLogger(c.opts.Logger),
		session.WithMetrics(c.opts.Metrics),
		session.WithRand(rand.New(rand.NewPCG(c.opts.Seed, stream))),
	}
}

func (c *Call) incoming(ep *Endpoint, req *sip.Request) {
	server, err := session.NewServerSession(ep, c.Callee, req, c.sessionOptions(2)...)
	if err != nil {
		c.logger.Warn(context.Background(), "сессия UAS не создана", logging.Err(err))
		return
	}
	c.server = server
	ep.Attach(server)
	if err := server.Start(); err != nil {
		c.logger.Warn(context.Background(), "сессия UAS не запущена", logging.Err(err))
		return
	}
	if c.script != nil && !server.IsTerminated() {
		c.script(c, server)
	}
}

// Client сессия вызывающей стороны.
func (c *Call) Client() *session.ClientSession { return c.client }

// Server сессия вызываемой стороны, nil до получения INVITE.
func (c *Call) Server() *session.ServerSession { return c.server }

// Start отправляет INVITE.
func (c *Call) Start() error { return errtrace.Wrap(c.client.Start()) }

// Result итог сценария.
type Result struct {
	Scenario     string
	Caller       *Agent
	Callee       *Agent
	CallerReason session.TerminatedReason
	CalleeReason session.TerminatedReason
	Trace        []TraceEntry
	Elapsed      time.Duration
}

// RunScenario выполняет сценарий name до завершения обеих сессий.
func RunScenario(ctx context.Context, name string, opts Options) (*Result, error) {
	call, err := buildScenario(name, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	defer call.Net.Close()

	if err := call.Start(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := call.Net.Run(ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}

	res := &Result{
		Scenario: name,
		Caller:   call.Caller,
		Callee:   call.Callee,
		Trace:    call.Net.Trace(),
		Elapsed:  call.Net.Elapsed(),
	}
	res.CallerReason, _ = call.Caller.Terminated()
	res.CalleeReason, _ = call.Callee.Terminated()
	return res, nil
}

func buildScenario(name string, opts Options) (*Call, error) {
	switch name {
	case ScenarioBasic:
		return basicCall(opts)
	case ScenarioBusy:
		return errtrace.Wrap2(NewCall(opts, true, func(c *Call, s *session.ServerSession) {
			c.Net.After(100*time.Millisecond, func() { _ = s.Provisional(180) })
			c.Net.After(2*time.Second, func() { _ = s.Reject(486, "") })
		}))
	case ScenarioCalleeAccept:
		call, err := NewCall(opts, false, func(c *Call, s *session.ServerSession) {
			c.Net.After(500*time.Millisecond, func() { _ = s.Accept(0) })
		})
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		call.Callee.WhenConnected(func(s session.Session) {
			call.Net.After(3*time.Second, func() { _ = s.End() })
		})
		return call, nil
	case ScenarioGlare:
		call, err := basicCall(opts)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		// заменяет завершение из basicCall
		call.Caller.WhenConnected(func(s session.Session) {
			call.Net.After(time.Second, func() { call.CrossOffers() })
			call.Net.After(10*time.Second, func() { _ = s.End() })
		})
		return call, nil
	case ScenarioRefresh:
		p := opts.profile()
		p.SessionTimer.Interval = 120
		p.SessionTimer.MinSE = 90
		opts.Profile = p
		call, err := basicCall(opts)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		call.Caller.WhenConnected(func(s session.Session) {
			call.Net.After(5*time.Minute, func() { _ = s.End() })
		})
		return call, nil
	}
	return nil, errtrace.Wrap(fmt.Errorf("loopback: unknown scenario %q", name))
}

// basicCall вызываемая сторона звонит 1 секунду и принимает вызов,
// вызывающая кладет трубку через 5 секунд разговора.
func basicCall(opts Options) (*Call, error) {
	call, err := NewCall(opts, true, func(c *Call, s *session.ServerSession) {
		c.Net.After(100*time.Millisecond, func() { _ = s.Provisional(180) })
		c.Net.After(time.Second, func() { _ = s.Accept(0) })
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	call.Caller.WhenConnected(func(s session.Session) {
		call.Net.After(5*time.Second, func() { _ = s.End() })
	})
	return call, nil
}

// CrossOffers обе стороны одновременно отправляют новое предложение.
func (c *Call) CrossOffers() {
	if err := c.client.ProvideOffer(c.Caller.NextSDP()); err != nil {
		c.logger.Warn(context.Background(), "предложение caller не отправлено", logging.Err(err))
	}
	if c.server == nil {
		return
	}
	if err := c.server.ProvideOffer(c.Callee.NextSDP()); err != nil {
		c.logger.Warn(context.Background(), "предложение callee не отправлено", logging.Err(err))
	}
}
