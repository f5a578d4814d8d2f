package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := CreateSessionRequest{
		Label:   "s1",
		Command: []string{"/bin/sh"},
		Cwd:     "/tmp",
		Cols:    80,
		Rows:    24,
	}
	line, err := Encode(KindCreateSession, "r1", req)
	require.NoError(t, err)
	require.True(t, line[len(line)-1] == '\n')

	var env Envelope
	require.NoError(t, json.Unmarshal(line[:len(line)-1], &env))
	require.Equal(t, KindCreateSession, env.Kind)
	require.Equal(t, "r1", env.ID)

	var decoded CreateSessionRequest
	require.NoError(t, json.Unmarshal(env.Payload, &decoded))
	require.Equal(t, req, decoded)
}

func TestEncodeEventHasNoID(t *testing.T) {
	line, err := Encode(KindPtyOutput, "", PtyOutputEvent{SessionID: "x", BytesB64: "aGVsbG8="})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(line[:len(line)-1], &env))
	require.Equal(t, KindPtyOutput, env.Kind)
	require.Empty(t, env.ID)
}

func TestNewScannerRejectsOversizedFrame(t *testing.T) {
	big := make([]byte, MaxFrameSize+10)
	for i := range big {
		big[i] = 'a'
	}
	big = append(big, '\n')

	s := NewScanner(&sliceReader{data: big})
	require.False(t, s.Scan())
	require.Error(t, s.Err())
}

type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, nil
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
