// Package sessiontimer согласует таймер сессии (RFC 4028): интервал,
// сторону, которая обновляет сессию, и момент срабатывания таймеров
// обновления и истечения.
//
// Отмена таймеров эмулируется счетчиком поколений: каждый новый расчет
// увеличивает счетчик, а сработавший таймер с устаревшим поколением
// игнорируется вызывающей стороной.
package sessiontimer

import (
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/invite_session/pkg/sipheader"
)

// DefaultMinSE минимально допустимый интервал в секундах.
const DefaultMinSE = 90

// DefaultInterval интервал по умолчанию в секундах.
const DefaultInterval = 1800

// maxExpirationGuard максимальный запас до истечения сессии в секундах.
const maxExpirationGuard = 32

// RefresherMode предпочтение стороны, обновляющей сессию.
type RefresherMode int

const (
	PreferLocal RefresherMode = iota
	PreferRemote
	PreferUAC
	PreferUAS
)

func (m RefresherMode) String() string {
	switch m {
	case PreferLocal:
		return "local"
	case PreferRemote:
		return "remote"
	case PreferUAC:
		return "uac"
	case PreferUAS:
		return "uas"
	default:
		return "unknown"
	}
}

// Policy локальная политика таймера сессии.
type Policy struct {
	// Enabled локальная поддержка таймера (опция timer)
	Enabled bool
	// Interval желаемый интервал в секундах, 0 отключает таймер
	Interval uint32
	// MinSE минимально допустимый интервал в секундах
	MinSE uint32
	// Mode предпочтение стороны обновления
	Mode RefresherMode
	// RejectSmall отвечать 422 на запросы с интервалом меньше MinSE
	RejectSmall bool
}

// DefaultPolicy политика по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:  true,
		Interval: DefaultInterval,
		MinSE:    DefaultMinSE,
		Mode:     PreferUAC,
	}
}

// Kind тип запланированного таймера.
type Kind int

const (
	// KindNone таймер не нужен
	KindNone Kind = iota
	// KindRefresh локальная сторона обновляет сессию
	KindRefresh
	// KindExpiration удаленная сторона обновляет, мы сторожим истечение
	KindExpiration
)

func (k Kind) String() string {
	switch k {
	case KindRefresh:
		return "refresh"
	case KindExpiration:
		return "expiration"
	default:
		return "none"
	}
}

// Schedule результат согласования: какой таймер завести и с каким поколением.
type Schedule struct {
	Kind       Kind
	After      time.Duration
	Generation uint64
}

// Negotiator состояние таймера одной сессии.
type Negotiator struct {
	policy     Policy
	localIsUAC bool

	interval       uint32
	minSE          uint32
	localRefresher bool
	negotiated     bool
	generation     uint64
}

// New создает согласователь. localIsUAC указывает роль локальной стороны
// в исходном INVITE и используется режимами PreferUAC/PreferUAS.
func New(policy Policy, localIsUAC bool) *Negotiator {
	if policy.MinSE == 0 {
		policy.MinSE = DefaultMinSE
	}
	return &Negotiator{
		policy:     policy,
		localIsUAC: localIsUAC,
		minSE:      policy.MinSE,
	}
}

// Interval текущий интервал в секундах, 0 если таймер выключен.
func (n *Negotiator) Interval() uint32 { return n.interval }

// MinSE текущее согласованное минимальное значение.
func (n *Negotiator) MinSE() uint32 { return n.minSE }

// LocalRefresher локальная сторона обновляет сессию.
func (n *Negotiator) LocalRefresher() bool { return n.localRefresher }

// Generation текущее поколение таймеров.
func (n *Negotiator) Generation() uint64 { return n.generation }

// Current проверяет, что таймер с поколением gen не устарел.
func (n *Negotiator) Current(gen uint64) bool { return gen == n.generation }

// Active таймер согласован и работает.
func (n *Negotiator) Active() bool { return n.policy.Enabled && n.interval >= n.policy.MinSE }

// Enabled локальная поддержка таймера.
func (n *Negotiator) Enabled() bool { return n.policy.Enabled }

// applyPreferences выставляет интервал и сторону обновления по локальной политике.
func (n *Negotiator) applyPreferences() {
	n.interval = n.policy.Interval
	if n.interval != 0 {
		n.interval = max(n.minSE, n.interval)
	}
	switch n.policy.Mode {
	case PreferLocal:
		n.localRefresher = true
	case PreferRemote:
		n.localRefresher = false
	case PreferUAC:
		n.localRefresher = n.localIsUAC
	case PreferUAS:
		n.localRefresher = !n.localIsUAC
	}
}

// PrepareRequest готовит значения для исходящего INVITE или UPDATE и
// выставляет заголовки.
func (n *Negotiator) PrepareRequest(req *sip.Request) {
	if !n.policy.Enabled {
		return
	}
	if !n.negotiated {
		n.applyPreferences()
	}
	sipheader.AddToken(req, sipheader.Supported, sipheader.OptionTimer)
	n.setHeaders(req, true)
}

// setHeaders выставляет Session-Expires и Min-SE. В запросе refresher
// указывается относительно клиента транзакции, в ответе относительно
// сервера транзакции.
func (n *Negotiator) setHeaders(msg sip.Message, isRequest bool) {
	if n.interval < n.policy.MinSE {
		sipheader.Remove(msg, sipheader.SessionExpires)
		sipheader.Remove(msg, sipheader.MinSE)
		return
	}
	refresher := "uas"
	if n.localRefresher == isRequest {
		refresher = "uac"
	}
	se := sipheader.SessionExpiresValue{Interval: n.interval, Refresher: refresher}
	sipheader.Set(msg, sipheader.SessionExpires, se.String())
	sipheader.Set(msg, sipheader.MinSE, strconv.FormatUint(uint64(n.minSE), 10))
}

// HandleResponse обрабатывает 2xx на наш INVITE или UPDATE и возвращает
// таймер, который нужно завести.
func (n *Negotiator) HandleResponse(res *sip.Response) Schedule {
	if !n.policy.Enabled {
		return Schedule{Kind: KindNone, Generation: n.generation}
	}
	n.applyPreferences()
	n.negotiated = true

	se, hasSE := sipheader.ParseSessionExpires(res)
	switch {
	case !hasSE && sipheader.Has(res, sipheader.Require, sipheader.OptionTimer):
		// Require: timer без Session-Expires выключает таймер
		n.interval = 0
	case hasSE:
		n.interval = se.Interval
		if se.Refresher != "" {
			n.localRefresher = se.Refresher == "uac"
		}
	default:
		// удаленная сторона не поддерживает таймер, обновляем сами
		n.localRefresher = true
	}
	if v, ok := sipheader.Uint(res, sipheader.MinSE); ok {
		n.minSE = max(n.minSE, v)
	}
	return n.Start()
}

// HandleRequest обрабатывает входящий INVITE или UPDATE, на который
// формируется ответ res, выставляет заголовки ответа и возвращает таймер.
func (n *Negotiator) HandleRequest(req *sip.Request, res *sip.Response) Schedule {
	if !n.policy.Enabled {
		return Schedule{Kind: KindNone, Generation: n.generation}
	}
	n.applyPreferences()
	n.negotiated = true

	peerSupports := sipheader.Has(req, sipheader.Supported, sipheader.OptionTimer)
	if peerSupports {
		if se, ok := sipheader.ParseSessionExpires(req); ok {
			n.interval = se.Interval
			if se.Refresher != "" {
				n.localRefresher = se.Refresher == "uas"
			}
		}
		if v, ok := sipheader.Uint(req, sipheader.MinSE); ok {
			n.minSE = max(n.minSE, v)
		}
	} else {
		n.localRefresher = true
	}

	if n.interval >= n.policy.MinSE {
		if peerSupports {
			sipheader.AddToken(res, sipheader.Require, sipheader.OptionTimer)
		}
		sipheader.AddToken(res, sipheader.Supported, sipheader.OptionTimer)
		n.setHeaders(res, false)
	}
	return n.Start()
}

// TooSmall проверяет входящий запрос на слишком малый интервал. Если
// политика требует отказа, возвращает значение Min-SE для ответа 422.
func (n *Negotiator) TooSmall(req *sip.Request) (uint32, bool) {
	if !n.policy.Enabled || !n.policy.RejectSmall {
		return 0, false
	}
	se, ok := sipheader.ParseSessionExpires(req)
	if !ok || se.Interval >= n.minSE {
		return 0, false
	}
	return n.minSE, true
}

// On422 обрабатывает ответ 422: запоминает Min-SE удаленной стороны как
// новый интервал. false означает, что Min-SE в ответе нет и повторять
// запрос бессмысленно.
func (n *Negotiator) On422(res *sip.Response) bool {
	v, ok := sipheader.Uint(res, sipheader.MinSE)
	if !ok {
		return false
	}
	n.minSE = max(n.minSE, v)
	n.interval = n.minSE
	return true
}

// Start заново рассчитывает таймер для текущих значений. Поколение
// увеличивается в любом случае, так что все ранее заведенные таймеры
// становятся устаревшими.
func (n *Negotiator) Start() Schedule {
	n.generation++
	if n.interval < n.policy.MinSE {
		n.interval = 0
		return Schedule{Kind: KindNone, Generation: n.generation}
	}
	if n.localRefresher {
		return Schedule{
			Kind:       KindRefresh,
			After:      time.Duration(n.interval/2) * time.Second,
			Generation: n.generation,
		}
	}
	guard := min(uint32(maxExpirationGuard), n.interval/3)
	return Schedule{
		Kind:       KindExpiration,
		After:      time.Duration(n.interval-guard) * time.Second,
		Generation: n.generation,
	}
}

// Invalidate делает все заведенные таймеры устаревшими.
func (n *Negotiator) Invalidate() { n.generation++ }
