// Package sdpbody описывает тело SDP как непрозрачное значение: его можно
// разобрать из SIP сообщения, приложить к сообщению, клонировать и сравнить.
// Семантика SDP здесь не интерпретируется.
package sdpbody

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/invite_session/pkg/sipheader"
)

// ContentType тип содержимого тела SDP.
const ContentType = "application/sdp"

// ErrUnsupportedContentType тело сообщения не является SDP.
var ErrUnsupportedContentType = errors.New("sdpbody: unsupported content type")

// Description разобранное описание сессии. Значение неизменяемо после создания.
type Description struct {
	sd  *sdp.SessionDescription
	raw []byte
}

// Parse разбирает SDP и приводит его к каноническому виду.
func Parse(body []byte) (*Description, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("sdpbody: parse: %w", err))
	}
	return New(sd)
}

// New создает описание из готовой структуры pion/sdp.
func New(sd *sdp.SessionDescription) (*Description, error) {
	raw, err := sd.Marshal()
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("sdpbody: marshal: %w", err))
	}
	return &Description{sd: sd, raw: raw}, nil
}

// FromMessage извлекает SDP из тела сообщения.
// Пустое тело дает (nil, nil).
func FromMessage(msg sip.Message) (*Description, error) {
	body := msg.Body()
	if len(body) == 0 {
		return nil, nil
	}
	if h := sipheader.Get(msg, sipheader.ContentType); h != nil {
		ct := strings.TrimSpace(strings.ToLower(h.Value()))
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = strings.TrimSpace(ct[:i])
		}
		if ct != ContentType {
			return nil, errtrace.Wrap(fmt.Errorf("%w: %s", ErrUnsupportedContentType, ct))
		}
	}
	return errtrace.Wrap2(Parse(body))
}

// Attach кладет описание в тело сообщения и выставляет Content-Type.
// nil очищает тело.
func Attach(msg sip.Message, d *Description) {
	sipheader.Remove(msg, sipheader.ContentType)
	if d == nil {
		msg.SetBody(nil)
		return
	}
	msg.AppendHeader(sip.NewHeader("Content-Type", ContentType))
	msg.SetBody(d.Bytes())
}

// Bytes возвращает каноническое представление. Срез нельзя изменять.
func (d *Description) Bytes() []byte {
	if d == nil {
		return nil
	}
	return d.raw
}

// Session возвращает разобранную структуру. Изменять ее нельзя, для правок
// используйте Clone.
func (d *Description) Session() *sdp.SessionDescription {
	if d == nil {
		return nil
	}
	return d.sd
}

// Clone возвращает независимую копию.
func (d *Description) Clone() *Description {
	if d == nil {
		return nil
	}
	c, err := Parse(d.raw)
	if err != nil {
		return &Description{sd: d.sd, raw: append([]byte(nil), d.raw...)}
	}
	return c
}

// NextVersion возвращает копию с увеличенной версией origin (o=).
func (d *Description) NextVersion() *Description {
	c := d.Clone()
	if c == nil {
		return nil
	}
	c.sd.Origin.SessionVersion++
	if raw, err := c.sd.Marshal(); err == nil {
		c.raw = raw
	}
	return c
}

// Version версия описания из строки o=.
func (d *Description) Version() uint64 {
	if d == nil {
		return 0
	}
	return d.sd.Origin.SessionVersion
}

func (d *Description) String() string {
	if d == nil {
		return "<nil>"
	}
	return "sdp(v=" + strconv.FormatUint(d.Version(), 10) + ")"
}

// Equal сравнивает два описания по каноническому представлению.
func Equal(a, b *Description) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return bytes.Equal(a.raw, b.raw)
}
