package session

import (
	"errors"
	"fmt"

	"braces.dev/errtrace"

	"github.com/arzzra/invite_session/pkg/session/offeranswer"
)

// Ошибки использования. Возвращаются обернутыми в *SessionError,
// сравнивать через errors.Is.
var (
	// ErrInvalidState операция недопустима в текущем состоянии
	ErrInvalidState = errors.New("session: operation not allowed in current state")
	// ErrNITPending предыдущий INFO еще не получил ответ
	ErrNITPending = errors.New("session: non-invite transaction pending")
	// ErrReferPending предыдущий REFER еще не получил ответ
	ErrReferPending = errors.New("session: refer pending")
	// ErrNoPendingOffer нет предложения, на которое можно ответить
	ErrNoPendingOffer = offeranswer.ErrNoPendingOffer
	// ErrDoubleOffer предложение уже ожидает ответа
	ErrDoubleOffer = offeranswer.ErrDoubleOffer
	// ErrNoNITToAnswer нет входящего INFO или REFER, ожидающего ответа
	ErrNoNITToAnswer = errors.New("session: no incoming non-invite transaction to answer")
	// ErrPeerNotAllowUpdate удаленная сторона не поддерживает UPDATE
	ErrPeerNotAllowUpdate = errors.New("session: peer does not allow UPDATE")
)

// SessionError ошибка операции над сессией с контекстом.
type SessionError struct {
	Op        string
	State     State
	Role      Role
	SessionID string
	Cause     error
}

// Error реализует интерфейс error
func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s (%s): %s in state %s: %v", e.SessionID, e.Role, e.Op, e.State, e.Cause)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// IsUsageError проверяет, что err вызван неверным использованием API.
func IsUsageError(err error) bool {
	var se *SessionError
	return errors.As(err, &se)
}

func (s *inviteSession) usageError(op string, cause error) error {
	return errtrace.Wrap(&SessionError{
		Op:        op,
		State:     s.state,
		Role:      s.role,
		SessionID: s.id,
		Cause:     cause,
	})
}
