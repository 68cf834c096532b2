// Package retransmit ведет учет таймеров сессии INVITE: повтор 2xx и
// ожидание ACK, повтор надежных предварительных ответов, отложенный повтор
// после 491 и сторожевые таймеры.
//
// Таймеры не отменяются явно. Каждый таймаут несет номер, актуальный на
// момент постановки, и при срабатывании сверяется с текущим состоянием
// планировщика. Несовпадение означает, что таймаут устарел.
package retransmit

import (
	"time"
)

// RFC 3261 Timer definitions
const (
	// TimerT1 - RTT Estimate (default 500ms)
	TimerT1 = 500 * time.Millisecond

	// TimerT2 - Maximum retransmit interval (default 4s)
	TimerT2 = 4 * time.Second

	// TimerT4 - Maximum duration a message remains in the network (default 5s)
	TimerT4 = 5 * time.Second

	// TimerH - Wait time for ACK receipt (64*T1 = 32s)
	TimerH = 64 * TimerT1
)

// Таймауты уровня сессии
const (
	// DefaultStaleReInvite ожидание окончательного ответа на re-INVITE
	DefaultStaleReInvite = 40 * time.Second

	// DefaultStaleCall ожидание окончательного ответа после 1xx на INVITE
	DefaultStaleCall = 180 * time.Second

	// DefaultProvisionalRepeat период повтора ненадежного 1xx (RFC 3261 13.3.1.1)
	DefaultProvisionalRepeat = 60 * time.Second

	// glareStep шаг случайной задержки после 491
	glareStep = 10 * time.Millisecond
)

// Type тип таймаута.
type Type int

const (
	// Retransmit200 повтор 2xx на INVITE до получения ACK
	Retransmit200 Type = iota
	// WaitForAck ACK на 2xx не пришел за TH
	WaitForAck
	// CanDiscardAck сохраненный ACK больше не нужен
	CanDiscardAck
	// Glare повтор запроса после 491
	Glare
	// StaleReInvite нет окончательного ответа на re-INVITE
	StaleReInvite
	// SessionRefresh пора обновить сессию
	SessionRefresh
	// SessionExpiration сессия истекла без обновления
	SessionExpiration
	// Cancelled нет окончательного ответа после CANCEL
	Cancelled
	// StaleCall нет окончательного ответа после 1xx
	StaleCall
	// Retransmit1xx периодический повтор ненадежного 1xx
	Retransmit1xx
	// Retransmit1xxRel повтор надежного 1xx до получения PRACK
	Retransmit1xxRel
)

var typeNames = map[Type]string{
	Retransmit200:     "Retransmit200",
	WaitForAck:        "WaitForAck",
	CanDiscardAck:     "CanDiscardAck",
	Glare:             "Glare",
	StaleReInvite:     "StaleReInvite",
	SessionRefresh:    "SessionRefresh",
	SessionExpiration: "SessionExpiration",
	Cancelled:         "Cancelled",
	StaleCall:         "StaleCall",
	Retransmit1xx:     "Retransmit1xx",
	Retransmit1xxRel:  "Retransmit1xxRel",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// Timeout событие таймера, доставляемое в сессию.
type Timeout struct {
	Type Type
	Seq  uint64
}

// Pending таймер, который нужно поставить.
type Pending struct {
	Timeout Timeout
	After   time.Duration
}

// Window окно случайной задержки [Min, Max).
type Window struct {
	Min time.Duration
	Max time.Duration
}

// Config длительности таймеров сессии.
type Config struct {
	T1                time.Duration
	T2                time.Duration
	AckWait           time.Duration
	StaleReInvite     time.Duration
	StaleCall         time.Duration
	ProvisionalRepeat time.Duration
	CallerGlare       Window
	CalleeGlare       Window
}

// DefaultConfig значения по умолчанию (RFC 3261 14.1 для окон 491).
func DefaultConfig() Config {
	return Config{
		T1:                TimerT1,
		T2:                TimerT2,
		AckWait:           TimerH,
		StaleReInvite:     DefaultStaleReInvite,
		StaleCall:         DefaultStaleCall,
		ProvisionalRepeat: DefaultProvisionalRepeat,
		CallerGlare:       Window{Min: 2100 * time.Millisecond, Max: 4000 * time.Millisecond},
		CalleeGlare:       Window{Min: 0, Max: 2000 * time.Millisecond},
	}
}
