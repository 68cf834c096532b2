// Package classifier сводит входящее SIP сообщение к одному символьному
// событию, с которым работают автоматы сессии.
package classifier

// Event символьное событие сессии.
type Event int

const (
	// Unknown нераспознанная комбинация метода и кода, игнорируется
	Unknown Event = iota

	OnRedirect       // 3xx на любой запрос
	OnGeneralFailure // 408 и 481 на любой запрос

	OnInviteOffer           // INVITE с предложением
	OnInviteNoOffer         // INVITE без тела
	OnInviteReliableOffer   // INVITE с предложением и поддержкой 100rel
	OnInviteReliableNoOffer // INVITE без тела с поддержкой 100rel

	On1xx       // 1xx без тела
	On1xxEarly  // ненадежный 1xx с телом (ранние медиа)
	On1xxOffer  // надежный 1xx с предложением
	On1xxAnswer // надежный 1xx с ответом на наше предложение

	On2xxNoSDP  // 2xx на INVITE без тела
	On2xxOffer  // 2xx на INVITE с предложением
	On2xxAnswer // 2xx на INVITE с ответом

	On422Invite
	On487Invite
	On489Invite
	On491Invite
	OnInviteFailure // прочие 4xx-6xx на INVITE

	OnAck
	OnAckAnswer

	OnCancel
	On200Cancel
	OnCancelFailure

	OnBye
	On200Bye

	OnPrack
	On200Prack

	OnUpdate
	OnUpdateOffer
	On200Update
	On422Update
	On489Update
	On491Update
	OnUpdateRejected

	OnInfo
	OnInfoSuccess
	OnInfoFailure

	OnRefer
	OnReferAccepted
	OnReferRejected

	OnNotify
)

var eventNames = map[Event]string{
	Unknown:                 "Unknown",
	OnRedirect:              "OnRedirect",
	OnGeneralFailure:        "OnGeneralFailure",
	OnInviteOffer:           "OnInviteOffer",
	OnInviteNoOffer:         "OnInviteNoOffer",
	OnInviteReliableOffer:   "OnInviteReliableOffer",
	OnInviteReliableNoOffer: "OnInviteReliableNoOffer",
	On1xx:                   "On1xx",
	On1xxEarly:              "On1xxEarly",
	On1xxOffer:              "On1xxOffer",
	On1xxAnswer:             "On1xxAnswer",
	On2xxNoSDP:              "On2xxNoSDP",
	On2xxOffer:              "On2xxOffer",
	On2xxAnswer:             "On2xxAnswer",
	On422Invite:             "On422Invite",
	On487Invite:             "On487Invite",
	On489Invite:             "On489Invite",
	On491Invite:             "On491Invite",
	OnInviteFailure:         "OnInviteFailure",
	OnAck:                   "OnAck",
	OnAckAnswer:             "OnAckAnswer",
	OnCancel:                "OnCancel",
	On200Cancel:             "On200Cancel",
	OnCancelFailure:         "OnCancelFailure",
	OnBye:                   "OnBye",
	On200Bye:                "On200Bye",
	OnPrack:                 "OnPrack",
	On200Prack:              "On200Prack",
	OnUpdate:                "OnUpdate",
	OnUpdateOffer:           "OnUpdateOffer",
	On200Update:             "On200Update",
	On422Update:             "On422Update",
	On489Update:             "On489Update",
	On491Update:             "On491Update",
	OnUpdateRejected:        "OnUpdateRejected",
	OnInfo:                  "OnInfo",
	OnInfoSuccess:           "OnInfoSuccess",
	OnInfoFailure:           "OnInfoFailure",
	OnRefer:                 "OnRefer",
	OnReferAccepted:         "OnReferAccepted",
	OnReferRejected:         "OnReferRejected",
	OnNotify:                "OnNotify",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "Unknown"
}

// IsInviteFinalFailure событие завершает INVITE транзакцию неудачей.
func (e Event) IsInviteFinalFailure() bool {
	switch e {
	case OnGeneralFailure, On422Invite, On487Invite, On489Invite, On491Invite, OnInviteFailure:
		return true
	}
	return false
}

// IsInvite событие несет входящий INVITE.
func (e Event) IsInvite() bool {
	switch e {
	case OnInviteOffer, OnInviteNoOffer, OnInviteReliableOffer, OnInviteReliableNoOffer:
		return true
	}
	return false
}

// Is2xx событие 2xx на INVITE.
func (e Event) Is2xx() bool {
	return e == On2xxNoSDP || e == On2xxOffer || e == On2xxAnswer
}

// Is1xx событие предварительного ответа на INVITE.
func (e Event) Is1xx() bool {
	return e == On1xx || e == On1xxEarly || e == On1xxOffer || e == On1xxAnswer
}
