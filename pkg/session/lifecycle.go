package session

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/arzzra/invite_session/pkg/logging"
)

// Фазы жизненного цикла сессии. Детальное состояние хранится в State,
// фаза огрубляет его до четырех значений и не допускает возврата из
// terminated.
const (
	phaseStart      = "start"
	phaseEarly      = "early"
	phaseConnected  = "connected"
	phaseTerminated = "terminated"
)

func newLifecycle(onChange func(from, to string)) *fsm.FSM {
	return fsm.NewFSM(
		phaseStart,
		fsm.Events{
			// Получен предварительный ответ или отправлен 1xx
			{Name: phaseEarly, Src: []string{phaseStart}, Dst: phaseEarly},
			// Сессия установлена
			{Name: phaseConnected, Src: []string{phaseStart, phaseEarly}, Dst: phaseConnected},
			// Завершение, выхода из terminated нет
			{Name: phaseTerminated, Src: []string{phaseStart, phaseEarly, phaseConnected}, Dst: phaseTerminated},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if onChange != nil {
					onChange(e.Src, e.Dst)
				}
			},
		},
	)
}

// phaseOf фаза, соответствующая состоянию.
func phaseOf(s State) string {
	switch {
	case s == Terminated:
		return phaseTerminated
	case s == UACStart || s == UASStart:
		return phaseStart
	case s.IsEarly():
		return phaseEarly
	default:
		return phaseConnected
	}
}

// enterPhase переводит автомат в фазу состояния to. false означает, что
// автомат запретил переход: фаза не возвращается назад и не покидает
// terminated.
func (s *inviteSession) enterPhase(to State) bool {
	phase := phaseOf(to)
	if s.lifecycle.Is(phase) {
		return true
	}
	if err := s.lifecycle.Event(context.Background(), phase); err != nil {
		s.logWarn("переход фазы запрещен",
			logging.String("phase", s.lifecycle.Current()),
			logging.String("state", to.String()),
			logging.Err(err))
		return false
	}
	return true
}

// Phase текущая фаза жизненного цикла: start, early, connected или terminated.
func (s *inviteSession) Phase() string { return s.lifecycle.Current() }
