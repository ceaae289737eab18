package meshwire

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadEnvelope_RoundTrip(t *testing.T) {
	env := &Envelope{
		Type:    TypeChat,
		Source:  "A",
		Target:  "B",
		Payload: map[string]interface{}{"text": "hello"},
		Ts:      float64(time.Now().Unix()),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))

	got := ReadEnvelope(&buf, DefaultMaxFrameSize)
	require.NotNil(t, got)
	assert.Equal(t, env.Type, got.Type)
	assert.Equal(t, env.Source, got.Source)
	assert.Equal(t, env.Target, got.Target)
	assert.Equal(t, "hello", got.Payload["text"])
}

func TestWriteReadEnvelope_HexEncodesBinaryFields(t *testing.T) {
	env := &Envelope{
		Type:             TypeCommand,
		Source:           "A",
		Target:           "B",
		EncryptedPayload: []byte{0xde, 0xad, 0xbe, 0xef},
		IV:               []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		Ts:               1.5,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))
	assert.Contains(t, buf.String(), "deadbeef")

	got := ReadEnvelope(&buf, DefaultMaxFrameSize)
	require.NotNil(t, got)
	assert.Equal(t, env.EncryptedPayload, got.EncryptedPayload)
	assert.Equal(t, env.IV, got.IV)
}

func TestReadEnvelope_RejectsOversizedFrame(t *testing.T) {
	body := []byte(`{"type":"CHAT","source":"A","target":"B","ts":1}`)

	frame := func(declared int) *bytes.Buffer {
		var buf bytes.Buffer
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(declared))
		buf.Write(lenBuf[:])
		buf.Write(body)
		return &buf
	}

	// A frame exactly at the limit parses; one byte past it is dropped.
	assert.NotNil(t, ReadEnvelope(frame(len(body)), len(body)))
	assert.Nil(t, ReadEnvelope(frame(len(body)), len(body)-1))
}

func TestReadEnvelope_MalformedJSONReturnsNil(t *testing.T) {
	body := []byte("{not json")
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf.Write(lenBuf[:])
	buf.Write(body)

	assert.Nil(t, ReadEnvelope(&buf, DefaultMaxFrameSize))
}

func TestReadEnvelope_TruncatedBodyReturnsNil(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 100)
	buf.Write(lenBuf[:])
	buf.WriteString("short")

	assert.Nil(t, ReadEnvelope(&buf, DefaultMaxFrameSize))
}

func TestCanonicalBytes_IgnoresSignatureFields(t *testing.T) {
	base := &Envelope{
		Type:    TypeChat,
		Source:  "A",
		Target:  "B",
		Payload: map[string]interface{}{"text": "hi", "n": 1.0},
		Ts:      42.5,
	}
	signed := &Envelope{
		Type:    base.Type,
		Source:  base.Source,
		Target:  base.Target,
		Payload: base.Payload,
		Ts:      base.Ts,
		Nonce:   "0011223344556677",
		HMAC:    "ff00ff00",
	}

	a, err := base.CanonicalBytes()
	require.NoError(t, err)
	b, err := signed.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalBytes_DifferOnCanonicalFieldChange(t *testing.T) {
	env := &Envelope{Type: TypeChat, Source: "A", Target: "B", Ts: 1}
	a, err := env.CanonicalBytes()
	require.NoError(t, err)

	env.Target = "C"
	b, err := env.CanonicalBytes()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestIsBroadcast(t *testing.T) {
	assert.True(t, (&Envelope{Target: BroadcastTarget}).IsBroadcast())
	assert.False(t, (&Envelope{Target: "B"}).IsBroadcast())
}
