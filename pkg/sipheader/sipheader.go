// Package sipheader содержит разбор и сборку заголовков расширений SIP,
// которыми пользуется сессия INVITE: списки опций (Supported, Require,
// Allow), 100rel (RSeq, RAck) и таймеры сессии (Session-Expires, Min-SE).
package sipheader

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Имена заголовков
const (
	Allow          = "Allow"
	Supported      = "Supported"
	Require        = "Require"
	Accept         = "Accept"
	AcceptEncoding = "Accept-Encoding"
	AcceptLanguage = "Accept-Language"
	UserAgent      = "User-Agent"
	RSeq           = "RSeq"
	RAck           = "RAck"
	SessionExpires = "Session-Expires"
	MinSE          = "Min-SE"
	RetryAfter     = "Retry-After"
	Warning        = "Warning"
	Reason         = "Reason"
	ReferTo        = "Refer-To"
	ReferredBy     = "Referred-By"
	ReferSub       = "Refer-Sub"
	Event          = "Event"
	SubState       = "Subscription-State"
	Contact        = "Contact"
	ContentType    = "Content-Type"
)

// Опции расширений
const (
	Option100rel     = "100rel"
	OptionTimer      = "timer"
	OptionNoReferSub = "norefersub"
)

// headerSet поиск и удаление заголовков по имени. Их реализуют
// *sip.Request и *sip.Response, в интерфейс sip.Message они не входят.
type headerSet interface {
	GetHeader(name string) sip.Header
	RemoveHeader(name string) bool
}

// Get первый заголовок name или nil.
func Get(msg sip.Message, name string) sip.Header {
	hs, ok := msg.(headerSet)
	if !ok {
		return nil
	}
	return hs.GetHeader(name)
}

// Tokens возвращает элементы всех заголовков name, разделенных запятыми.
func Tokens(msg sip.Message, name string) []string {
	var out []string
	for _, h := range msg.GetHeaders(name) {
		for _, part := range strings.Split(h.Value(), ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Has проверяет наличие токена в списке заголовков name без учета регистра.
func Has(msg sip.Message, name, token string) bool {
	for _, t := range Tokens(msg, name) {
		if strings.EqualFold(t, token) {
			return true
		}
	}
	return false
}

// AllowsMethod проверяет, перечислен ли метод в Allow.
func AllowsMethod(msg sip.Message, method sip.RequestMethod) bool {
	return Has(msg, Allow, string(method))
}

// Uint разбирает целочисленное значение первого заголовка name.
func Uint(msg sip.Message, name string) (uint32, bool) {
	h := Get(msg, name)
	if h == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(h.Value()), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// Set заменяет все заголовки name одним значением.
func Set(msg sip.Message, name, value string) {
	Remove(msg, name)
	msg.AppendHeader(sip.NewHeader(name, value))
}

// Remove удаляет все заголовки name.
func Remove(msg sip.Message, name string) {
	hs, ok := msg.(headerSet)
	if !ok {
		return
	}
	for hs.RemoveHeader(name) {
	}
}

// AddToken добавляет токен в список name, если его там еще нет.
func AddToken(msg sip.Message, name, token string) {
	if Has(msg, name, token) {
		return
	}
	msg.AppendHeader(sip.NewHeader(name, token))
}

// StatusCode код ответа или 0 для запроса.
func StatusCode(msg sip.Message) int {
	if res, ok := msg.(*sip.Response); ok {
		return res.StatusCode
	}
	return 0
}

// CSeqMethod метод из CSeq. Для запроса без CSeq берется метод запроса.
func CSeqMethod(msg sip.Message) sip.RequestMethod {
	if cseq := msg.CSeq(); cseq != nil {
		return cseq.MethodName
	}
	if req, ok := msg.(*sip.Request); ok {
		return req.Method
	}
	return ""
}

// CSeqNumber номер из CSeq или 0.
func CSeqNumber(msg sip.Message) uint32 {
	if cseq := msg.CSeq(); cseq != nil {
		return cseq.SeqNo
	}
	return 0
}

// RAckValue разобранный заголовок RAck (RFC 3262).
type RAckValue struct {
	RSeq   uint32
	CSeq   uint32
	Method sip.RequestMethod
}

func (r RAckValue) String() string {
	return fmt.Sprintf("%d %d %s", r.RSeq, r.CSeq, r.Method)
}

// ParseRAck разбирает RAck из сообщения.
func ParseRAck(msg sip.Message) (RAckValue, bool) {
	h := Get(msg, RAck)
	if h == nil {
		return RAckValue{}, false
	}
	parts := strings.Fields(h.Value())
	if len(parts) != 3 {
		return RAckValue{}, false
	}
	rseq, err1 := strconv.ParseUint(parts[0], 10, 32)
	cseq, err2 := strconv.ParseUint(parts[1], 10, 32)
	if err1 != nil || err2 != nil {
		return RAckValue{}, false
	}
	return RAckValue{RSeq: uint32(rseq), CSeq: uint32(cseq), Method: sip.RequestMethod(strings.ToUpper(parts[2]))}, true
}

// SessionExpiresValue разобранный Session-Expires (RFC 4028).
type SessionExpiresValue struct {
	Interval  uint32
	Refresher string // "uac", "uas" или пусто
}

func (s SessionExpiresValue) String() string {
	if s.Refresher == "" {
		return strconv.FormatUint(uint64(s.Interval), 10)
	}
	return strconv.FormatUint(uint64(s.Interval), 10) + ";refresher=" + s.Refresher
}

// ParseSessionExpires разбирает Session-Expires (или компактную форму x).
func ParseSessionExpires(msg sip.Message) (SessionExpiresValue, bool) {
	h := Get(msg, SessionExpires)
	if h == nil {
		h = Get(msg, "x")
	}
	if h == nil {
		return SessionExpiresValue{}, false
	}
	value, params, _ := strings.Cut(h.Value(), ";")
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
	if err != nil {
		return SessionExpiresValue{}, false
	}
	se := SessionExpiresValue{Interval: uint32(n)}
	for _, p := range strings.Split(params, ";") {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(k, "refresher") {
			se.Refresher = strings.ToLower(strings.TrimSpace(v))
		}
	}
	return se, true
}
