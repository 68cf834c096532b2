// Package offeranswer отслеживает обмен предложениями и ответами SDP
// (RFC 3264) внутри одной сессии.
//
// Трекер хранит четыре слота: текущие локальное и удаленное описания и
// предложенные (еще не отвеченные) локальное и удаленное. В любой момент
// выставлено не более одного предложенного слота.
package offeranswer

import (
	"errors"

	"github.com/arzzra/invite_session/pkg/sdpbody"
)

// State состояние обмена предложение/ответ.
type State int

const (
	// StateNone ни одного предложения еще не было
	StateNone State = iota
	// StateOffered отправлено или получено первое предложение
	StateOffered
	// StateAnswered последний обмен завершен
	StateAnswered
	// StateCounterOffered после завершенного обмена сделано новое предложение
	StateCounterOffered
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateOffered:
		return "Offered"
	case StateAnswered:
		return "Answered"
	case StateCounterOffered:
		return "CounterOffered"
	default:
		return "Unknown"
	}
}

// Direction сторона, сделавшая ожидающее ответа предложение.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionLocal
	DirectionRemote
)

func (d Direction) String() string {
	switch d {
	case DirectionLocal:
		return "local"
	case DirectionRemote:
		return "remote"
	default:
		return "none"
	}
}

var (
	// ErrDoubleOffer новое предложение в том же направлении, пока прежнее не отвечено
	ErrDoubleOffer = errors.New("offeranswer: offer already pending in this direction")
	// ErrNoPendingOffer отказ при отсутствии ожидающего предложения
	ErrNoPendingOffer = errors.New("offeranswer: no pending offer to reject")
)

// Tracker хранит слоты SDP. Нулевое значение готово к работе.
type Tracker struct {
	state          State
	currentLocal   *sdpbody.Description
	currentRemote  *sdpbody.Description
	proposedLocal  *sdpbody.Description
	proposedRemote *sdpbody.Description
}

// New создает трекер в состоянии None.
func New() *Tracker { return &Tracker{} }

// OnSend вызывается, когда локальная сторона прикладывает описание к
// исходящему сообщению. nil означает отказ от ожидающего удаленного
// предложения.
func (t *Tracker) OnSend(d *sdpbody.Description) error {
	return t.apply(d, DirectionLocal)
}

// OnReceive вызывается для описания из входящего сообщения. nil означает,
// что удаленная сторона отклонила наше предложение.
func (t *Tracker) OnReceive(d *sdpbody.Description) error {
	return t.apply(d, DirectionRemote)
}

func (t *Tracker) apply(d *sdpbody.Description, from Direction) error {
	pending := t.Pending()

	if d == nil {
		// отказ возможен только от предложения встречной стороны
		if pending == DirectionNone || pending == from {
			return ErrNoPendingOffer
		}
		t.proposedLocal, t.proposedRemote = nil, nil
		if t.currentLocal != nil && t.currentRemote != nil {
			t.state = StateAnswered
		} else {
			t.state = StateNone
		}
		return nil
	}

	switch pending {
	case from:
		return ErrDoubleOffer
	case DirectionNone:
		if from == DirectionLocal {
			t.proposedLocal = d.Clone()
		} else {
			t.proposedRemote = d.Clone()
		}
		if t.state == StateAnswered {
			t.state = StateCounterOffered
		} else {
			t.state = StateOffered
		}
	default:
		// ответ на предложение встречной стороны
		if from == DirectionLocal {
			t.currentLocal = d.Clone()
			t.currentRemote = t.proposedRemote
		} else {
			t.currentRemote = d.Clone()
			t.currentLocal = t.proposedLocal
		}
		t.proposedLocal, t.proposedRemote = nil, nil
		t.state = StateAnswered
	}
	return nil
}

// Reset отбрасывает ожидающее предложение, не трогая текущие описания.
// Используется при потере транзакции (таймаут, ошибка в ответ на re-INVITE).
func (t *Tracker) Reset() {
	if t.Pending() == DirectionNone {
		return
	}
	t.proposedLocal, t.proposedRemote = nil, nil
	if t.currentLocal != nil && t.currentRemote != nil {
		t.state = StateAnswered
	} else {
		t.state = StateNone
	}
}

// Pending направление ожидающего ответа предложения.
func (t *Tracker) Pending() Direction {
	switch {
	case t.proposedLocal != nil:
		return DirectionLocal
	case t.proposedRemote != nil:
		return DirectionRemote
	default:
		return DirectionNone
	}
}

// State текущее состояние обмена.
func (t *Tracker) State() State { return t.state }

// CurrentLocal последнее согласованное локальное описание.
func (t *Tracker) CurrentLocal() *sdpbody.Description { return t.currentLocal }

// CurrentRemote последнее согласованное удаленное описание.
func (t *Tracker) CurrentRemote() *sdpbody.Description { return t.currentRemote }

// ProposedLocal наше неотвеченное предложение.
func (t *Tracker) ProposedLocal() *sdpbody.Description { return t.proposedLocal }

// ProposedRemote неотвеченное предложение удаленной стороны.
func (t *Tracker) ProposedRemote() *sdpbody.Description { return t.proposedRemote }

// Negotiated true после первого завершенного обмена.
func (t *Tracker) Negotiated() bool {
	return t.currentLocal != nil && t.currentRemote != nil
}
