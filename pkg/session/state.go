package session

// Role роль локальной стороны в исходном INVITE.
type Role int

const (
	// RoleCaller сторона, отправившая INVITE (UAC)
	RoleCaller Role = iota
	// RoleCallee сторона, получившая INVITE (UAS)
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// State состояние сессии.
//
// Общие состояния (Connected и производные) используют обе роли. Состояния
// с префиксом UAC принадлежат только ClientSession, с префиксом UAS только
// ServerSession.
type State int

const (
	// общие состояния после установления сессии
	Connected State = iota
	SentUpdate
	SentUpdateGlare
	SentReinvite
	SentReinviteGlare
	SentReinviteNoOffer
	SentReinviteNoOfferGlare
	SentReinviteAnswered
	ReceivedUpdate
	ReceivedReinvite
	ReceivedReinviteNoOffer
	ReceivedReinviteSentOffer
	Answered
	WaitingToOffer
	WaitingToRequestOffer
	WaitingToTerminate
	WaitingToHangup
	Terminated

	// состояния вызывающей стороны
	UACStart
	UACEarly
	UACEarlyWithOffer
	UACEarlyWithAnswer
	UACAnswered
	UACSentUpdateEarly
	UACSentUpdateEarlyGlare
	UACReceivedUpdateEarly
	UACSentEarlyAnswer
	UACQueuedUpdate
	UACCancelled

	// состояния вызываемой стороны
	UASStart
	UASNoOffer
	UASOffer
	UASNoOfferReliable
	UASOfferReliable
	UASOfferProvidedAnswer
	UASProvidedOffer
	UASEarlyOffer
	UASEarlyNoOffer
	UASEarlyProvidedAnswer
	UASEarlyProvidedOffer
	UASOfferReliableProvidedAnswer
	UASProvidedOfferReliable
	UASFirstSentAnswerReliable
	UASFirstSentOfferReliable
	UASFirstNoAnswerReliable
	UASNoAnswerReliable
	UASNegotiatedReliable
	UASSentUpdate
	UASSentUpdateGlare
	UASAccepted
	UASAcceptedWaitingAnswer
)

var stateNames = map[State]string{
	Connected:                      "Connected",
	SentUpdate:                     "SentUpdate",
	SentUpdateGlare:                "SentUpdateGlare",
	SentReinvite:                   "SentReinvite",
	SentReinviteGlare:              "SentReinviteGlare",
	SentReinviteNoOffer:            "SentReinviteNoOffer",
	SentReinviteNoOfferGlare:       "SentReinviteNoOfferGlare",
	SentReinviteAnswered:           "SentReinviteAnswered",
	ReceivedUpdate:                 "ReceivedUpdate",
	ReceivedReinvite:               "ReceivedReinvite",
	ReceivedReinviteNoOffer:        "ReceivedReinviteNoOffer",
	ReceivedReinviteSentOffer:      "ReceivedReinviteSentOffer",
	Answered:                       "Answered",
	WaitingToOffer:                 "WaitingToOffer",
	WaitingToRequestOffer:          "WaitingToRequestOffer",
	WaitingToTerminate:             "WaitingToTerminate",
	WaitingToHangup:                "WaitingToHangup",
	Terminated:                     "Terminated",
	UACStart:                       "UAC_Start",
	UACEarly:                       "UAC_Early",
	UACEarlyWithOffer:              "UAC_EarlyWithOffer",
	UACEarlyWithAnswer:             "UAC_EarlyWithAnswer",
	UACAnswered:                    "UAC_Answered",
	UACSentUpdateEarly:             "UAC_SentUpdateEarly",
	UACSentUpdateEarlyGlare:        "UAC_SentUpdateEarlyGlare",
	UACReceivedUpdateEarly:         "UAC_ReceivedUpdateEarly",
	UACSentEarlyAnswer:             "UAC_SentEarlyAnswer",
	UACQueuedUpdate:                "UAC_QueuedUpdate",
	UACCancelled:                   "UAC_Cancelled",
	UASStart:                       "UAS_Start",
	UASNoOffer:                     "UAS_NoOffer",
	UASOffer:                       "UAS_Offer",
	UASNoOfferReliable:             "UAS_NoOfferReliable",
	UASOfferReliable:               "UAS_OfferReliable",
	UASOfferProvidedAnswer:         "UAS_OfferProvidedAnswer",
	UASProvidedOffer:               "UAS_ProvidedOffer",
	UASEarlyOffer:                  "UAS_EarlyOffer",
	UASEarlyNoOffer:                "UAS_EarlyNoOffer",
	UASEarlyProvidedAnswer:         "UAS_EarlyProvidedAnswer",
	UASEarlyProvidedOffer:          "UAS_EarlyProvidedOffer",
	UASOfferReliableProvidedAnswer: "UAS_OfferReliableProvidedAnswer",
	UASProvidedOfferReliable:       "UAS_ProvidedOfferReliable",
	UASFirstSentAnswerReliable:     "UAS_FirstSentAnswerReliable",
	UASFirstSentOfferReliable:      "UAS_FirstSentOfferReliable",
	UASFirstNoAnswerReliable:       "UAS_FirstNoAnswerReliable",
	UASNoAnswerReliable:            "UAS_NoAnswerReliable",
	UASNegotiatedReliable:          "UAS_NegotiatedReliable",
	UASSentUpdate:                  "UAS_SentUpdate",
	UASSentUpdateGlare:             "UAS_SentUpdateGlare",
	UASAccepted:                    "UAS_Accepted",
	UASAcceptedWaitingAnswer:       "UAS_AcceptedWaitingAnswer",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// IsEarly сессия еще не установлена (нет подтвержденного 2xx).
func (s State) IsEarly() bool {
	switch {
	case s >= UACStart && s <= UACCancelled:
		return true
	case s >= UASStart && s <= UASSentUpdateGlare:
		return true
	}
	return false
}

// awaitingAck наш 2xx на INVITE еще не подтвержден ACK.
func (s State) awaitingAck() bool {
	switch s {
	case Answered, WaitingToOffer, WaitingToRequestOffer, ReceivedReinviteSentOffer,
		WaitingToHangup, UASAccepted, UASAcceptedWaitingAnswer:
		return true
	}
	return false
}

// sentModification наш UPDATE или re-INVITE ожидает окончательного ответа.
func (s State) sentModification() bool {
	switch s {
	case SentUpdate, SentReinvite, SentReinviteNoOffer, WaitingToTerminate, UACSentUpdateEarly:
		return true
	}
	return false
}

// receivedModification входящий UPDATE или re-INVITE еще не отвечен.
func (s State) receivedModification() bool {
	switch s {
	case ReceivedUpdate, ReceivedReinvite, ReceivedReinviteNoOffer, UACReceivedUpdateEarly:
		return true
	}
	return false
}

// glare ожидание повтора после 491.
func (s State) glare() bool {
	switch s {
	case SentUpdateGlare, SentReinviteGlare, SentReinviteNoOfferGlare, UACSentUpdateEarlyGlare:
		return true
	}
	return false
}
