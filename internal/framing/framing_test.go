package framing

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Kind string `json:"kind"`
	ID   int    `json:"id"`
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := payload{Kind: "request", ID: 42}

	require.NoError(t, Encode(&buf, in))

	var out payload
	require.NoError(t, Decode(&buf, &out))
	assert.Equal(t, in, out)
}

func TestDecodeMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, payload{Kind: "a", ID: 1}))
	require.NoError(t, Encode(&buf, payload{Kind: "b", ID: 2}))

	var first, second payload
	require.NoError(t, Decode(&buf, &first))
	require.NoError(t, Decode(&buf, &second))

	assert.Equal(t, "a", first.Kind)
	assert.Equal(t, "b", second.Kind)
}

func TestDecodeEOFOnEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	var out payload
	err := Decode(&buf, &out)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeTruncatedLengthPrefix(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, 0x00})
	var out payload
	err := Decode(buf, &out)
	require.Error(t, err)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 100)
	buf := bytes.NewBuffer(append(lenBuf[:], []byte("short")...))

	var out payload
	err := Decode(buf, &out)
	require.Error(t, err)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
	buf := bytes.NewBuffer(lenBuf[:])

	var out payload
	err := Decode(buf, &out)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	huge := make([]byte, MaxFrameSize+1)
	for i := range huge {
		huge[i] = 'a'
	}
	var buf bytes.Buffer
	err := Encode(&buf, struct {
		Data string `json:"data"`
	}{Data: string(huge)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadWriteFrameRawBytes(t *testing.T) {
	var buf bytes.Buffer
	want := []byte(`{"kind":"event","type":"ping"}`)

	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeInvalidJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("not json")))

	var out payload
	err := Decode(&buf, &out)
	require.Error(t, err)
}
