package session

import (
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/invite_session/pkg/session/retransmit"
)

//go:generate mockgen -destination=mocks/dialog_mock.go -package=mocks github.com/arzzra/invite_session/pkg/session Dialog

// Dialog уровень диалога, которому принадлежит сессия.
//
// Диалог строит сообщения с правильной адресацией, отправляет их через
// транзакционный уровень и доставляет в сессию входящие сообщения и
// сработавшие таймеры строго по одному.
type Dialog interface {
	// MakeRequest создает запрос внутри диалога. Для ACK используется номер
	// CSeq последнего INVITE, для CANCEL копируются CSeq и Via исходного
	// INVITE, для остальных методов номер CSeq увеличивается.
	MakeRequest(method sip.RequestMethod) (*sip.Request, error)
	// MakeResponse создает ответ на запрос с заголовками диалога.
	MakeResponse(req *sip.Request, code int) (*sip.Response, error)
	// Send передает сообщение транзакционному уровню.
	Send(msg sip.Message) error
	// AddTimer планирует доставку таймаута в сессию через after.
	AddTimer(t retransmit.Timeout, after time.Duration)
}
