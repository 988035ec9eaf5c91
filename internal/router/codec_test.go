package router

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "qstream/internal/errors"
)

type quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"time"`
}

func TestJSONCodec(t *testing.T) {
	var c JSONCodec
	assert.Equal(t, SubprotocolJSON, c.Name())
	assert.False(t, c.Binary())

	req, err := c.Decode([]byte(`{"action":"subscribe","id":"b1","route":"bars","params":{"symbol":"AAPL","resolution":"1m"}}`))
	require.NoError(t, err)
	assert.Equal(t, Request{Action: ActionSubscribe, ID: "b1", Route: "bars",
		Params: map[string]string{"symbol": "AAPL", "resolution": "1m"}}, req)

	_, err = c.Decode([]byte(`{"action":`))
	var de *DecodeError
	require.True(t, errors.As(err, &de))

	data, err := c.Encode(Message{Type: TypeUpdate, ID: "b1", Route: "bars", Topic: "bars:AAPL:1m", Seq: 7,
		Payload: quote{Symbol: "AAPL", Price: decimal.RequireFromString("189.25")}})
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "update", wire["type"])
	assert.Equal(t, float64(7), wire["seq"])
	assert.Equal(t, "189.25", wire["payload"].(map[string]any)["price"])
	assert.NotContains(t, wire, "error")
}

func TestJSONCodecErrorMessage(t *testing.T) {
	data, err := JSONCodec{}.Encode(errorMessage("x", apperrors.ErrNotSubscribed))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","id":"x","error":{"code":"NOT_SUBSCRIBED","message":"Not subscribed"}}`, string(data))
}

func TestCBORCodec(t *testing.T) {
	c, err := NewCBORCodec()
	require.NoError(t, err)
	assert.Equal(t, SubprotocolCBOR, c.Name())
	assert.True(t, c.Binary())

	frame, err := c.Marshal(Request{Action: ActionUnsubscribe, ID: "b1"})
	require.NoError(t, err)
	req, err := c.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, Request{Action: ActionUnsubscribe, ID: "b1"}, req)

	ts := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	data, err := c.Encode(Message{Type: TypeUpdate, ID: "q", Seq: 3,
		Payload: quote{Symbol: "MSFT", Price: decimal.RequireFromString("410.5"), Time: ts}})
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, c.Unmarshal(data, &wire))
	assert.Equal(t, "update", wire["type"])
	assert.Equal(t, uint64(3), wire["seq"])
	payload := wire["payload"].(map[string]any)
	assert.Equal(t, "410.5", payload["price"])
	assert.Equal(t, "2024-03-01T14:30:00Z", payload["time"])

	_, err = c.Decode([]byte{0xff, 0x00})
	var de *DecodeError
	assert.True(t, errors.As(err, &de))
}

func TestCodecsOrder(t *testing.T) {
	codecs, err := Codecs()
	require.NoError(t, err)
	require.Len(t, codecs, 2)
	assert.Equal(t, SubprotocolJSON, codecs[0].Name())
	assert.Equal(t, SubprotocolCBOR, codecs[1].Name())
}
