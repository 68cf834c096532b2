package classifier

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/invite_session/pkg/sipheader"
)

// Context состояние сессии, влияющее на классификацию.
type Context struct {
	// SentOffer наше предложение ожидает ответа, значит тело в ответе
	// удаленной стороны является ответом, а не предложением
	SentOffer bool
}

// IsReliable сообщение согласует надежные предварительные ответы.
// Для запроса достаточно 100rel в Supported или Require, для ответа нужны
// Require: 100rel и RSeq.
func IsReliable(msg sip.Message) bool {
	switch msg.(type) {
	case *sip.Request:
		return sipheader.Has(msg, sipheader.Supported, sipheader.Option100rel) ||
			sipheader.Has(msg, sipheader.Require, sipheader.Option100rel)
	case *sip.Response:
		if !sipheader.Has(msg, sipheader.Require, sipheader.Option100rel) {
			return false
		}
		_, ok := sipheader.Uint(msg, sipheader.RSeq)
		return ok
	}
	return false
}

// Classify отображает сообщение в событие. Функция не имеет состояния.
func Classify(msg sip.Message, ctx Context) Event {
	code := sipheader.StatusCode(msg)
	hasBody := len(msg.Body()) > 0
	method := sipheader.CSeqMethod(msg)
	isRequest := code == 0

	if code == 481 || code == 408 {
		return OnGeneralFailure
	}
	if code >= 300 && code < 400 {
		return OnRedirect
	}

	switch method {
	case sip.INVITE:
		return classifyInvite(msg, code, hasBody, ctx)

	case sip.ACK:
		if !isRequest {
			return Unknown
		}
		if hasBody {
			return OnAckAnswer
		}
		return OnAck

	case sip.CANCEL:
		switch {
		case isRequest:
			return OnCancel
		case code >= 200 && code < 300:
			return On200Cancel
		case code >= 400:
			return OnCancelFailure
		}

	case sip.BYE:
		switch {
		case isRequest:
			return OnBye
		case code >= 200 && code < 300:
			return On200Bye
		}

	case sip.PRACK:
		switch {
		case isRequest:
			return OnPrack
		case code >= 200 && code < 300:
			return On200Prack
		}

	case sip.UPDATE:
		switch {
		case isRequest:
			if hasBody {
				return OnUpdateOffer
			}
			return OnUpdate
		case code >= 200 && code < 300:
			return On200Update
		case code == 422:
			return On422Update
		case code == 489:
			return On489Update
		case code == 491:
			return On491Update
		case code >= 400:
			return OnUpdateRejected
		}

	case sip.INFO:
		switch {
		case isRequest:
			return OnInfo
		case code >= 200 && code < 300:
			return OnInfoSuccess
		case code >= 300:
			return OnInfoFailure
		}

	case sip.REFER:
		switch {
		case isRequest:
			return OnRefer
		case code >= 200 && code < 300:
			return OnReferAccepted
		case code >= 300:
			return OnReferRejected
		}

	case sip.NOTIFY:
		if isRequest {
			return OnNotify
		}
	}
	return Unknown
}

func classifyInvite(msg sip.Message, code int, hasBody bool, ctx Context) Event {
	switch {
	case code == 0:
		reliable := IsReliable(msg)
		switch {
		case hasBody && reliable:
			return OnInviteReliableOffer
		case hasBody:
			return OnInviteOffer
		case reliable:
			return OnInviteReliableNoOffer
		default:
			return OnInviteNoOffer
		}

	case code > 100 && code < 200:
		if IsReliable(msg) {
			if !hasBody {
				return On1xx
			}
			if ctx.SentOffer {
				return On1xxAnswer
			}
			return On1xxOffer
		}
		if hasBody {
			return On1xxEarly
		}
		return On1xx

	case code >= 200 && code < 300:
		if !hasBody {
			return On2xxNoSDP
		}
		if ctx.SentOffer {
			return On2xxAnswer
		}
		return On2xxOffer

	case code == 422:
		return On422Invite
	case code == 487:
		return On487Invite
	case code == 489:
		return On489Invite
	case code == 491:
		return On491Invite
	case code >= 400:
		return OnInviteFailure
	}
	return Unknown
}
