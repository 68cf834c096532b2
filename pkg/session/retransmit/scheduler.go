package retransmit

import (
	"math/rand/v2"
	"time"
)

// Scheduler учет таймеров одной сессии. Не потокобезопасен: сессия
// обрабатывает события по одному.
type Scheduler struct {
	cfg Config
	rnd *rand.Rand

	// текущий интервал повтора 2xx по номеру CSeq запроса
	backoff map[uint64]time.Duration
	// номинальный интервал повтора надежного 1xx по RSeq
	relBackoff map[uint64]time.Duration

	counters map[Type]uint64
}

// New создает планировщик. rnd используется для задержки после 491,
// nil означает случайный источник.
func New(cfg Config, rnd *rand.Rand) *Scheduler {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Scheduler{
		cfg:        cfg,
		rnd:        rnd,
		backoff:    make(map[uint64]time.Duration),
		relBackoff: make(map[uint64]time.Duration),
		counters:   make(map[Type]uint64),
	}
}

// Config текущие длительности.
func (s *Scheduler) Config() Config { return s.cfg }

// Arm ставит таймер типа t с новым номером. Все ранее поставленные таймеры
// этого типа становятся устаревшими.
func (s *Scheduler) Arm(t Type, after time.Duration) Pending {
	s.counters[t]++
	return Pending{Timeout: Timeout{Type: t, Seq: s.counters[t]}, After: after}
}

// Disarm делает устаревшими все таймеры типа t.
func (s *Scheduler) Disarm(t Type) { s.counters[t]++ }

// Current проверяет таймер, поставленный через Arm.
func (s *Scheduler) Current(to Timeout) bool {
	return to.Seq == s.counters[to.Type]
}

// Start200 запускает повтор 2xx на запрос с номером seq и ожидание ACK.
func (s *Scheduler) Start200(seq uint64) []Pending {
	s.backoff[seq] = s.cfg.T1
	return []Pending{
		{Timeout: Timeout{Type: Retransmit200, Seq: seq}, After: s.cfg.T1},
		{Timeout: Timeout{Type: WaitForAck, Seq: seq}, After: s.cfg.AckWait},
	}
}

// Next200 обрабатывает срабатывание Retransmit200. Если повтор для seq
// еще активен, интервал удваивается (не больше T2) и возвращается
// следующий таймер.
func (s *Scheduler) Next200(seq uint64) (Pending, bool) {
	cur, ok := s.backoff[seq]
	if !ok {
		return Pending{}, false
	}
	next := min(cur*2, s.cfg.T2)
	s.backoff[seq] = next
	return Pending{Timeout: Timeout{Type: Retransmit200, Seq: seq}, After: next}, true
}

// Stop200 останавливает повтор 2xx для seq.
func (s *Scheduler) Stop200(seq uint64) { delete(s.backoff, seq) }

// StopAll200 останавливает все повторы 2xx.
func (s *Scheduler) StopAll200() { clear(s.backoff) }

// Active200 повтор 2xx для seq активен.
func (s *Scheduler) Active200(seq uint64) bool {
	_, ok := s.backoff[seq]
	return ok
}

// Any200 есть хотя бы один активный повтор 2xx.
func (s *Scheduler) Any200() bool { return len(s.backoff) > 0 }

// Backoff текущий интервал повтора 2xx для seq.
func (s *Scheduler) Backoff(seq uint64) time.Duration { return s.backoff[seq] }

// DiscardAck таймер удаления сохраненного ACK для INVITE с номером seq.
func (s *Scheduler) DiscardAck(seq uint64) Pending {
	return Pending{Timeout: Timeout{Type: CanDiscardAck, Seq: seq}, After: s.cfg.AckWait}
}

// StartRel1xx запускает повтор надежного 1xx с номером rseq.
func (s *Scheduler) StartRel1xx(rseq uint64) Pending {
	s.relBackoff[rseq] = s.cfg.T1
	return Pending{Timeout: Timeout{Type: Retransmit1xxRel, Seq: rseq}, After: s.cfg.T1}
}

// NextRel1xx обрабатывает срабатывание Retransmit1xxRel. expired означает,
// что PRACK не пришел за TH. ok false для устаревшего таймера.
func (s *Scheduler) NextRel1xx(rseq uint64) (next Pending, expired, ok bool) {
	cur, ok := s.relBackoff[rseq]
	if !ok {
		return Pending{}, false, false
	}
	nominal := cur * 2
	if nominal >= s.cfg.AckWait {
		delete(s.relBackoff, rseq)
		return Pending{}, true, true
	}
	s.relBackoff[rseq] = nominal
	return Pending{
		Timeout: Timeout{Type: Retransmit1xxRel, Seq: rseq},
		After:   min(nominal, s.cfg.T2),
	}, false, true
}

// StopRel1xx останавливает повтор надежного 1xx.
func (s *Scheduler) StopRel1xx(rseq uint64) { delete(s.relBackoff, rseq) }

// ActiveRel1xx повтор надежного 1xx для rseq активен.
func (s *Scheduler) ActiveRel1xx(rseq uint64) bool {
	_, ok := s.relBackoff[rseq]
	return ok
}

// GlareDelay выбирает случайную задержку повтора после 491 в окне роли
// с шагом 10 мс.
func (s *Scheduler) GlareDelay(caller bool) time.Duration {
	w := s.cfg.CalleeGlare
	if caller {
		w = s.cfg.CallerGlare
	}
	steps := int64((w.Max - w.Min) / glareStep)
	if steps <= 0 {
		return w.Min
	}
	return w.Min + time.Duration(s.rnd.Int64N(steps))*glareStep
}

// ArmGlare ставит таймер повтора после 491.
func (s *Scheduler) ArmGlare(caller bool) Pending {
	return s.Arm(Glare, s.GlareDelay(caller))
}

// RetryAfter значение Retry-After в секундах (0-9) для ответа 500 на
// запрос, пришедший во время незавершенного обмена.
func (s *Scheduler) RetryAfter() uint32 {
	return uint32(s.rnd.IntN(10))
}
