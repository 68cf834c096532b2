// Package timer управляет таймерами реального времени для слоя диалога.
//
// Сессия INVITE сама таймеры не запускает: она просит диалог доставить
// таймаут через заданное время. Manager выполняет такие запросы на
// time.AfterFunc и группирует таймеры по владельцу, чтобы при закрытии
// диалога отменить все его таймеры разом.
package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/arzzra/invite_session/pkg/logging"
)

var (
	// ErrLimit достигнут лимит одновременных таймеров
	ErrLimit = errors.New("timer: limit reached")
	// ErrShutdown менеджер остановлен
	ErrShutdown = errors.New("timer: manager is shut down")
)

// Event описывает сработавший таймер.
type Event struct {
	ID      string
	Owner   string
	Due     time.Time
	Payload any
}

// Callback вызывается в отдельной горутине при срабатывании таймера.
type Callback func(Event)

// Config конфигурация Manager.
type Config struct {
	// MaxTimers максимальное количество одновременных таймеров, 0 без лимита
	MaxTimers int
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() *Config {
	return &Config{MaxTimers: 10000}
}

// Stats счетчики менеджера.
type Stats struct {
	Created   int64
	Fired     int64
	Cancelled int64
	Active    int
}

type handle struct {
	timer *time.Timer
	event Event
}

// Manager управляет всеми таймерами диалогов.
type Manager struct {
	mu     sync.Mutex
	timers map[string]*handle
	closed bool
	// колбэки, выполняющиеся в данный момент
	inflight sync.WaitGroup

	stopWatch func() bool
	logger    logging.StructuredLogger
	cfg       *Config

	created   int64
	fired     int64
	cancelled int64
}

// New создает менеджер. Отмена ctx останавливает менеджер так же, как
// Shutdown.
func New(ctx context.Context, cfg *Config, logger logging.StructuredLogger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	m := &Manager{
		timers: make(map[string]*handle),
		cfg:    cfg,
		logger: logger.WithComponent("timer"),
	}
	m.stopWatch = context.AfterFunc(ctx, m.stop)
	return m
}

// Set ставит таймер id владельца owner. Таймер с тем же id заменяется.
func (m *Manager) Set(id, owner string, after time.Duration, payload any, cb Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errtrace.Wrap(ErrShutdown)
	}
	if existing, ok := m.timers[id]; ok {
		existing.timer.Stop()
		delete(m.timers, id)
		m.cancelled++
	}
	if m.cfg.MaxTimers > 0 && len(m.timers) >= m.cfg.MaxTimers {
		return errtrace.Errorf("%w: %d", ErrLimit, m.cfg.MaxTimers)
	}

	h := &handle{event: Event{
		ID:      id,
		Owner:   owner,
		Due:     time.Now().Add(after),
		Payload: payload,
	}}
	h.timer = time.AfterFunc(after, func() { m.fire(id, h, cb) })
	m.timers[id] = h
	m.created++
	return nil
}

// fire удаляет сработавший таймер и вызывает колбэк. Таймер, замененный
// или отмененный после запуска AfterFunc, колбэк не вызывает.
func (m *Manager) fire(id string, h *handle, cb Callback) {
	m.mu.Lock()
	if m.closed || m.timers[id] != h {
		m.mu.Unlock()
		return
	}
	delete(m.timers, id)
	m.fired++
	m.inflight.Add(1)
	m.mu.Unlock()

	defer m.inflight.Done()
	if cb != nil {
		cb(h.event)
	}
}

// Cancel отменяет таймер.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.timers[id]
	if !ok {
		return false
	}
	h.timer.Stop()
	delete(m.timers, id)
	m.cancelled++
	return true
}

// CancelOwner отменяет все таймеры владельца и возвращает их количество.
func (m *Manager) CancelOwner(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, h := range m.timers {
		if h.event.Owner != owner {
			continue
		}
		h.timer.Stop()
		delete(m.timers, id)
		n++
	}
	m.cancelled += int64(n)
	return n
}

// Active количество поставленных таймеров.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stats возвращает счетчики.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Created:   m.created,
		Fired:     m.fired,
		Cancelled: m.cancelled,
		Active:    len(m.timers),
	}
}

// Shutdown отменяет все таймеры и ждет завершения выполняющихся колбэков.
// Нельзя вызывать из колбэка.
func (m *Manager) Shutdown() {
	m.stopWatch()
	m.stop()
	m.inflight.Wait()
}

func (m *Manager) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, h := range m.timers {
		h.timer.Stop()
		delete(m.timers, id)
		m.cancelled++
	}
	m.logger.Debug(context.Background(), "менеджер таймеров остановлен",
		logging.Int64("created", m.created), logging.Int64("fired", m.fired))
}
