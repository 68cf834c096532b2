package session

import (
	"fmt"
	"math/rand/v2"
	"time"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/session/retransmit"
	"github.com/arzzra/invite_session/pkg/session/sessiontimer"
)

// maxGlareWindow верхняя граница окна случайной задержки после 491.
const maxGlareWindow = 4000 * time.Millisecond

// DefaultAllow методы, которые сессия объявляет в Allow.
var DefaultAllow = []sip.RequestMethod{
	sip.INVITE, sip.ACK, sip.CANCEL, sip.BYE, sip.UPDATE, sip.PRACK,
	sip.INFO, sip.REFER, sip.NOTIFY, sip.OPTIONS,
}

// Profile настройки таймеров и политик сессии.
type Profile struct {
	// Timers длительности таймеров повторов и сторожевых таймеров
	Timers retransmit.Config
	// SessionTimer политика таймера сессии (RFC 4028)
	SessionTimer sessiontimer.Policy
	// Reliable поддержка надежных предварительных ответов (RFC 3262)
	Reliable bool
	// Allow методы для заголовка Allow
	Allow []sip.RequestMethod
	// UserAgent значение заголовка User-Agent, пусто не добавляет заголовок
	UserAgent string
}

// DefaultProfile профиль по умолчанию.
func DefaultProfile() Profile {
	return Profile{
		Timers:       retransmit.DefaultConfig(),
		SessionTimer: sessiontimer.DefaultPolicy(),
		Reliable:     true,
		Allow:        DefaultAllow,
	}
}

// Validate проверяет согласованность значений.
func (p Profile) Validate() error {
	t := p.Timers
	if t.T1 <= 0 || t.T2 < t.T1 {
		return errtrace.Wrap(fmt.Errorf("profile: invalid T1/T2: %v/%v", t.T1, t.T2))
	}
	if t.AckWait <= 0 {
		return errtrace.Wrap(fmt.Errorf("profile: ack wait must be positive"))
	}
	if t.StaleReInvite <= 0 || t.StaleCall <= 0 {
		return errtrace.Wrap(fmt.Errorf("profile: stale timers must be positive"))
	}
	for name, w := range map[string]retransmit.Window{"caller": t.CallerGlare, "callee": t.CalleeGlare} {
		if w.Min < 0 || w.Max < w.Min || w.Max > maxGlareWindow {
			return errtrace.Wrap(fmt.Errorf("profile: %s glare window [%v, %v) out of [0, %v)", name, w.Min, w.Max, maxGlareWindow))
		}
	}
	st := p.SessionTimer
	if st.Enabled {
		if st.MinSE == 0 {
			return errtrace.Wrap(fmt.Errorf("profile: Min-SE must be positive"))
		}
		if st.Interval != 0 && st.Interval < st.MinSE {
			return errtrace.Wrap(fmt.Errorf("profile: session interval %d below Min-SE %d", st.Interval, st.MinSE))
		}
	}
	return nil
}

// settings все параметры, собираемые опциями.
type settings struct {
	profile Profile
	logger  logging.StructuredLogger
	metrics *Metrics
	rand    *rand.Rand
}

func defaultSettings() settings {
	return settings{
		profile: DefaultProfile(),
		logger:  logging.Nop(),
	}
}

// Option настраивает сессию при создании.
type Option func(*settings)

// WithProfile заменяет профиль целиком.
func WithProfile(p Profile) Option {
	return func(s *settings) { s.profile = p }
}

// WithT1 задает T1. T2 и TH пересчитываются, если не заданы явно позже.
func WithT1(t1 time.Duration) Option {
	return func(s *settings) {
		s.profile.Timers.T1 = t1
		s.profile.Timers.AckWait = 64 * t1
		s.profile.Timers.T2 = max(s.profile.Timers.T2, t1)
	}
}

// WithT2 задает T2.
func WithT2(t2 time.Duration) Option {
	return func(s *settings) { s.profile.Timers.T2 = t2 }
}

// WithAckWait задает время ожидания ACK и хранения ACK (TH).
func WithAckWait(d time.Duration) Option {
	return func(s *settings) { s.profile.Timers.AckWait = d }
}

// WithStaleTimers задает сторожевые таймеры re-INVITE и исходного вызова.
func WithStaleTimers(reinvite, call time.Duration) Option {
	return func(s *settings) {
		s.profile.Timers.StaleReInvite = reinvite
		s.profile.Timers.StaleCall = call
	}
}

// WithGlareWindows задает окна случайной задержки после 491.
func WithGlareWindows(caller, callee retransmit.Window) Option {
	return func(s *settings) {
		s.profile.Timers.CallerGlare = caller
		s.profile.Timers.CalleeGlare = callee
	}
}

// WithSessionTimer задает политику таймера сессии.
func WithSessionTimer(p sessiontimer.Policy) Option {
	return func(s *settings) { s.profile.SessionTimer = p }
}

// WithReliableProvisional включает или выключает 100rel.
func WithReliableProvisional(enabled bool) Option {
	return func(s *settings) { s.profile.Reliable = enabled }
}

// WithAllow задает методы для заголовка Allow.
func WithAllow(methods ...sip.RequestMethod) Option {
	return func(s *settings) { s.profile.Allow = methods }
}

// WithUserAgent задает User-Agent.
func WithUserAgent(ua string) Option {
	return func(s *settings) { s.profile.UserAgent = ua }
}

// WithLogger задает логгер.
func WithLogger(l logging.StructuredLogger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics задает сборщик метрик.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithRand задает источник случайных чисел для задержки после 491.
func WithRand(r *rand.Rand) Option {
	return func(s *settings) { s.rand = r }
}
