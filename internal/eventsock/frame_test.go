package eventsock

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, okReply(5)))
	assert.Equal(t, append([]byte{0, 0, 0, 8}, `{"id":5}`...), buf.Bytes())

	got, err := ReadFrame(&buf, DefaultMaxFrame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":5}`, string(got))
}

func TestReadFrameTruncated(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 10, '{'}), DefaultMaxFrame)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeReply(t *testing.T) {
	id, err := decodeReply([]byte(`{"id":12}`))
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	_, err = decodeReply([]byte(`{"error":"No subscriptions"}`))
	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "No subscriptions", rerr.Message)

	_, err = decodeReply([]byte(`{}`))
	assert.ErrorIs(t, err, ErrBadReply)

	_, err = decodeReply([]byte(`nope`))
	assert.ErrorIs(t, err, ErrBadReply)
}
