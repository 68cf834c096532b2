// Package loopback соединяет две сессии INVITE в памяти процесса.
//
// Network играет роль слоя диалога для обеих сторон: строит запросы и
// ответы sipgo с правильными Call-ID, тегами и CSeq, передает сообщения
// между сторонами и доставляет таймауты. Все доставки выполняются по одной
// в едином цикле, поэтому сессии не требуют блокировок.
//
// Время задается либо виртуальными часами (детерминированные тесты и
// сценарии), либо менеджером таймеров реального времени.
package loopback

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/session/retransmit"
	"github.com/arzzra/invite_session/pkg/sipheader"
	"github.com/arzzra/invite_session/pkg/timer"
)

// DefaultHorizon предел виртуального времени для Run.
const DefaultHorizon = time.Hour

// Config параметры сети.
type Config struct {
	CallerURI sip.Uri
	CalleeURI sip.Uri
	// Timers менеджер таймеров реального времени. nil включает
	// виртуальные часы.
	Timers *timer.Manager
	// Start начальное время виртуальных часов
	Start time.Time
	// Horizon предел виртуального времени для Run, 0 означает DefaultHorizon
	Horizon time.Duration
	Logger  logging.StructuredLogger
}

// TraceEntry запись о переданном сообщении.
type TraceEntry struct {
	At      time.Duration
	From    string
	To      string
	Summary string
	Dropped bool
	Message sip.Message
}

func (e TraceEntry) String() string {
	arrow := "->"
	if e.Dropped {
		arrow = "-x"
	}
	return fmt.Sprintf("%8.3fs %s %s %s %s", e.At.Seconds(), e.From, arrow, e.To, e.Summary)
}

type deliveryKind int

const (
	deliverMessage deliveryKind = iota
	deliverTimeout
	deliverAction
)

type delivery struct {
	kind    deliveryKind
	to      *Endpoint
	msg     sip.Message
	timeout retransmit.Timeout
	action  func()
}

// Network пара связанных сторон.
type Network struct {
	mu    sync.Mutex
	queue []delivery
	wake  chan struct{}
	trace []TraceEntry

	clock   *VirtualClock
	timers  *timer.Manager
	started time.Time
	horizon time.Duration
	timerID uint64

	callID string
	caller *Endpoint
	callee *Endpoint
	logger logging.StructuredLogger
}

// New создает сеть с двумя сторонами.
func New(cfg Config) *Network {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.CallerURI.Host == "" {
		cfg.CallerURI = sip.Uri{Scheme: "sip", User: "alice", Host: "alice.loopback", Port: 5060}
	}
	if cfg.CalleeURI.Host == "" {
		cfg.CalleeURI = sip.Uri{Scheme: "sip", User: "bob", Host: "bob.loopback", Port: 5060}
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	n := &Network{
		wake:    make(chan struct{}, 1),
		timers:  cfg.Timers,
		horizon: cfg.Horizon,
		callID:  uuid.NewString(),
		logger:  cfg.Logger.WithComponent("loopback"),
	}
	if n.timers == nil {
		start := cfg.Start
		if start.IsZero() {
			start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		}
		n.clock = NewVirtualClock(start)
		n.started = start
	} else {
		n.started = time.Now()
	}
	n.caller = newEndpoint(n, "caller", cfg.CallerURI, cfg.CalleeURI)
	n.callee = newEndpoint(n, "callee", cfg.CalleeURI, cfg.CallerURI)
	n.caller.peer = n.callee
	n.callee.peer = n.caller
	return n
}

// Caller сторона, отправляющая INVITE.
func (n *Network) Caller() *Endpoint { return n.caller }

// Callee сторона, принимающая INVITE.
func (n *Network) Callee() *Endpoint { return n.callee }

// CallID общий Call-ID диалога.
func (n *Network) CallID() string { return n.callID }

// Clock виртуальные часы, nil в режиме реального времени.
func (n *Network) Clock() *VirtualClock { return n.clock }

// Elapsed время с начала работы сети.
func (n *Network) Elapsed() time.Duration {
	if n.clock != nil {
		return n.clock.Elapsed()
	}
	return time.Since(n.started)
}

// Trace копия журнала сообщений.
func (n *Network) Trace() []TraceEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]TraceEntry(nil), n.trace...)
}

// TraceSummary краткий журнал вида "caller INVITE", "callee 200 INVITE".
// Отброшенные сообщения не включаются.
func (n *Network) TraceSummary() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.trace))
	for _, e := range n.trace {
		if !e.Dropped {
			out = append(out, e.From+" "+e.Summary)
		}
	}
	return out
}

// After выполнит fn в цикле доставки через d.
func (n *Network) After(d time.Duration, fn func()) {
	n.schedule(nil, d, delivery{kind: deliverAction, action: fn})
}

func (n *Network) schedule(owner *Endpoint, after time.Duration, d delivery) {
	if n.clock != nil {
		n.mu.Lock()
		n.clock.Schedule(after, func() { n.queue = append(n.queue, d) })
		n.mu.Unlock()
		return
	}
	n.mu.Lock()
	n.timerID++
	id := "t" + strconv.FormatUint(n.timerID, 10)
	n.mu.Unlock()

	name := "network"
	if owner != nil {
		name = owner.name
	}
	err := n.timers.Set(id, name, after, d.timeout, func(timer.Event) { n.enqueue(d) })
	if err != nil {
		n.logger.Warn(context.Background(), "таймер не поставлен", logging.Err(err))
	}
}

func (n *Network) enqueue(d delivery) {
	n.mu.Lock()
	n.queue = append(n.queue, d)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Network) pop() (delivery, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) == 0 {
		return delivery{}, false
	}
	d := n.queue[0]
	n.queue[0] = delivery{}
	n.queue = n.queue[1:]
	return d, true
}

// transmit записывает сообщение в журнал и ставит в очередь получателю.
func (n *Network) transmit(from, to *Endpoint, msg sip.Message, dropped bool) {
	entry := TraceEntry{
		At:      n.Elapsed(),
		From:    from.name,
		To:      to.name,
		Summary: summarize(msg),
		Dropped: dropped,
		Message: msg,
	}
	n.mu.Lock()
	n.trace = append(n.trace, entry)
	n.mu.Unlock()

	n.logger.Debug(context.Background(), "сообщение",
		logging.String("from", from.name), logging.String("to", to.name),
		logging.String("msg", entry.Summary), logging.Bool("dropped", dropped))
	if dropped {
		return
	}
	n.enqueue(delivery{kind: deliverMessage, to: to, msg: cloneMessage(msg)})
}

func (n *Network) deliver(d delivery) {
	switch d.kind {
	case deliverMessage:
		d.to.receive(d.msg)
	case deliverTimeout:
		d.to.fire(d.timeout)
	case deliverAction:
		d.action()
	}
}

// Step выполняет одну доставку. В режиме виртуальных часов при пустой
// очереди часы переводятся к ближайшему таймеру. false означает, что
// доставлять нечего.
func (n *Network) Step() bool {
	if d, ok := n.pop(); ok {
		n.deliver(d)
		return true
	}
	if n.clock == nil {
		return false
	}
	n.mu.Lock()
	advanced := n.clock.Advance()
	n.mu.Unlock()
	if !advanced {
		return false
	}
	if d, ok := n.pop(); ok {
		n.deliver(d)
	}
	return true
}

// RunFor выполняет доставки, пока виртуальное время не превысит d от
// текущего момента или доставлять станет нечего. Возвращает число
// выполненных шагов.
func (n *Network) RunFor(d time.Duration) int {
	if n.clock == nil {
		return 0
	}
	until := n.clock.Now().Add(d)
	steps := 0
	for {
		if !n.hasQueued() {
			next, ok := n.clock.Next()
			if !ok || next.After(until) {
				return steps
			}
		}
		if !n.Step() {
			return steps
		}
		steps++
	}
}

func (n *Network) hasQueued() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue) > 0
}

// Done обе стороны с сессиями завершены.
func (n *Network) Done() bool {
	attached := 0
	for _, ep := range []*Endpoint{n.caller, n.callee} {
		s := ep.Session()
		if s == nil {
			continue
		}
		attached++
		if !s.IsTerminated() {
			return false
		}
	}
	return attached > 0
}

// Run выполняет доставки, пока обе сессии не завершатся. В режиме
// виртуальных часов работа также прекращается по исчерпании событий или
// по достижении горизонта.
func (n *Network) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return errtrace.Wrap(err)
		}
		if !n.hasQueued() && n.Done() {
			return nil
		}
		if n.clock != nil {
			if !n.hasQueued() {
				next, ok := n.clock.Next()
				if !ok {
					return nil
				}
				if next.Sub(n.started) > n.horizon {
					return errtrace.Wrap(fmt.Errorf("loopback: horizon %v reached", n.horizon))
				}
			}
			n.Step()
			continue
		}
		if n.Step() {
			continue
		}
		select {
		case <-n.wake:
		case <-ctx.Done():
			return errtrace.Wrap(ctx.Err())
		}
	}
}

// Close отменяет таймеры реального времени обеих сторон.
func (n *Network) Close() {
	if n.timers == nil {
		return
	}
	n.timers.CancelOwner(n.caller.name)
	n.timers.CancelOwner(n.callee.name)
	n.timers.CancelOwner("network")
}

func summarize(msg sip.Message) string {
	switch m := msg.(type) {
	case *sip.Request:
		return string(m.Method)
	case *sip.Response:
		return strconv.Itoa(m.StatusCode) + " " + string(sipheader.CSeqMethod(m))
	}
	return "?"
}

// cloneMessage копия сообщения вместе с телом. Clone в sipgo тело не
// копирует.
func cloneMessage(msg sip.Message) sip.Message {
	var c sip.Message
	switch m := msg.(type) {
	case *sip.Request:
		c = m.Clone()
	case *sip.Response:
		c = m.Clone()
	default:
		return msg
	}
	if body := msg.Body(); len(body) > 0 {
		c.SetBody(append([]byte(nil), body...))
	}
	return c
}
