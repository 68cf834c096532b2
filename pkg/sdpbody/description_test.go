package sdpbody

import (
	"errors"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\n" +
	"o=- 100 1 IN IP4 192.0.2.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=sendrecv\r\n"

func newTestRequest() *sip.Request {
	return sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"})
}

func TestParse(t *testing.T) {
	t.Run("корректное описание", func(t *testing.T) {
		d, err := Parse([]byte(testSDP))
		require.NoError(t, err)
		assert.EqualValues(t, 1, d.Version())
		assert.Equal(t, "192.0.2.1", d.Session().Origin.UnicastAddress)
		assert.NotEmpty(t, d.Bytes())
	})

	t.Run("мусор вместо SDP", func(t *testing.T) {
		_, err := Parse([]byte("hello"))
		assert.Error(t, err)
	})
}

func TestEqualAndVersion(t *testing.T) {
	a, err := Parse([]byte(testSDP))
	require.NoError(t, err)
	b, err := Parse([]byte(testSDP))
	require.NoError(t, err)

	assert.True(t, Equal(a, b))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(a, nil))

	next := a.NextVersion()
	assert.EqualValues(t, 2, next.Version())
	assert.EqualValues(t, 1, a.Version(), "исходное описание не меняется")
	assert.False(t, Equal(a, next))

	clone := a.Clone()
	assert.True(t, Equal(a, clone))
	assert.NotSame(t, a.Session(), clone.Session())
}

func TestFromMessageAndAttach(t *testing.T) {
	t.Run("сообщение без тела", func(t *testing.T) {
		d, err := FromMessage(newTestRequest())
		require.NoError(t, err)
		assert.Nil(t, d)
	})

	t.Run("тело приложено и прочитано обратно", func(t *testing.T) {
		d, err := Parse([]byte(testSDP))
		require.NoError(t, err)

		req := newTestRequest()
		Attach(req, d)

		h := req.GetHeader("Content-Type")
		require.NotNil(t, h)
		assert.Equal(t, ContentType, h.Value())

		got, err := FromMessage(req)
		require.NoError(t, err)
		assert.True(t, Equal(d, got))
	})

	t.Run("тип содержимого с параметрами", func(t *testing.T) {
		req := newTestRequest()
		req.AppendHeader(sip.NewHeader("Content-Type", "Application/SDP; charset=utf-8"))
		req.SetBody([]byte(testSDP))

		got, err := FromMessage(req)
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("чужой тип содержимого", func(t *testing.T) {
		req := newTestRequest()
		req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
		req.SetBody([]byte("Signal=5"))

		_, err := FromMessage(req)
		assert.True(t, errors.Is(err, ErrUnsupportedContentType))
	})

	t.Run("Attach с nil очищает тело", func(t *testing.T) {
		d, err := Parse([]byte(testSDP))
		require.NoError(t, err)
		req := newTestRequest()
		Attach(req, d)
		Attach(req, nil)

		assert.Empty(t, req.Body())
		assert.Nil(t, req.GetHeader("Content-Type"))
	})
}

func TestNewAudio(t *testing.T) {
	d, err := NewAudio(AudioConfig{SessionID: 7, Version: 3, Host: "198.51.100.5", Port: 5004})
	require.NoError(t, err)

	parsed, err := Parse(d.Bytes())
	require.NoError(t, err)
	assert.True(t, Equal(d, parsed))
	assert.EqualValues(t, 3, parsed.Version())
	require.Len(t, parsed.Session().MediaDescriptions, 1)
	assert.Equal(t, "audio", parsed.Session().MediaDescriptions[0].MediaName.Media)
}
