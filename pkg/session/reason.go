package session

// TerminatedReason причина завершения сессии, передаваемая в OnTerminated.
type TerminatedReason int

const (
	// ReasonEnded сессию завершила локальная сторона
	ReasonEnded TerminatedReason = iota
	// ReasonPeerEnded удаленная сторона прислала BYE
	ReasonPeerEnded
	// ReasonCancelled INVITE отменен (CANCEL)
	ReasonCancelled
	// ReasonGeneralFailure нарушение протокола, 408/481 или потеря ACK
	ReasonGeneralFailure
	// ReasonInviteFailure INVITE завершился неудачным или перенаправляющим ответом
	ReasonInviteFailure
	// ReasonSessionExpired истек таймер сессии
	ReasonSessionExpired
)

func (r TerminatedReason) String() string {
	switch r {
	case ReasonEnded:
		return "Ended"
	case ReasonPeerEnded:
		return "PeerEnded"
	case ReasonCancelled:
		return "Cancelled"
	case ReasonGeneralFailure:
		return "GeneralFailure"
	case ReasonInviteFailure:
		return "InviteFailure"
	case ReasonSessionExpired:
		return "SessionExpired"
	default:
		return "Unknown"
	}
}

// EndReason причина локального завершения, попадает в заголовок Reason у BYE.
type EndReason int

const (
	EndReasonNotSpecified EndReason = iota
	EndReasonUserHangup
	EndReasonAppRejectedSdp
	EndReasonIllegalNegotiation
	EndReasonAckNotReceived
	EndReasonSessionExpired
	EndReasonStaleReInvite
)

var endReasonText = map[EndReason]string{
	EndReasonNotSpecified:       "",
	EndReasonUserHangup:         "user hung up",
	EndReasonAppRejectedSdp:     "application rejected sdp (usually no common codec)",
	EndReasonIllegalNegotiation: "illegal Sdp Negotiation",
	EndReasonAckNotReceived:     "ACK not received",
	EndReasonSessionExpired:     "Session Timer Expired",
	EndReasonStaleReInvite:      "timed out waiting for 2xx response to reINVITE",
}

func (r EndReason) String() string {
	switch r {
	case EndReasonUserHangup:
		return "UserHangup"
	case EndReasonAppRejectedSdp:
		return "AppRejectedSdp"
	case EndReasonIllegalNegotiation:
		return "IllegalNegotiation"
	case EndReasonAckNotReceived:
		return "AckNotReceived"
	case EndReasonSessionExpired:
		return "SessionExpired"
	case EndReasonStaleReInvite:
		return "StaleReInvite"
	default:
		return "NotSpecified"
	}
}

// Header значение заголовка Reason или пустая строка.
func (r EndReason) Header() string {
	text := endReasonText[r]
	if text == "" {
		return ""
	}
	return `SIP ;text="` + text + `"`
}

// terminatedReason причина завершения для BYE, отправленного по этой причине.
func (r EndReason) terminatedReason() TerminatedReason {
	switch r {
	case EndReasonSessionExpired:
		return ReasonSessionExpired
	case EndReasonAckNotReceived, EndReasonIllegalNegotiation, EndReasonStaleReInvite:
		return ReasonGeneralFailure
	default:
		return ReasonEnded
	}
}
