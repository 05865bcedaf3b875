package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientpulse "massgen.dev/massgen/features/display/pulse/clients/pulse"
	"massgen.dev/massgen/runtime/agent/stream"
)

type fakeStream struct {
	events   []string
	payloads [][]byte
	addErr   error
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.events = append(f.events, event)
	f.payloads = append(f.payloads, payload)
	return "1-0", nil
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

type fakeClient struct {
	stream  *fakeStream
	names   []string
	connErr error
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientpulse.Stream, error) {
	if f.connErr != nil {
		return nil, f.connErr
	}
	f.names = append(f.names, name)
	return f.stream, nil
}

func (f *fakeClient) Close(context.Context) error { return nil }

func TestSinkPublishesEnvelopeToSessionStream(t *testing.T) {
	fc := &fakeClient{stream: &fakeStream{}}
	s, err := NewSink(Options{Client: fc, SessionID: "s-1"})
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), stream.NewVoteCast("a1", "a2", "better")))

	require.Equal(t, []string{"session/s-1"}, fc.names)
	require.Equal(t, []string{"vote_cast"}, fc.stream.events)

	var env envelope
	require.NoError(t, json.Unmarshal(fc.stream.payloads[0], &env))
	require.Equal(t, "vote_cast", env.Type)
	require.Equal(t, "a1", env.AgentID)
	require.Equal(t, "s-1", env.SessionID)
	require.False(t, env.Timestamp.IsZero())
}

func TestSinkSurfacesPublishErrors(t *testing.T) {
	fc := &fakeClient{stream: &fakeStream{addErr: errors.New("redis down")}}
	s, err := NewSink(Options{Client: fc, SessionID: "s-1"})
	require.NoError(t, err)

	err = s.Send(context.Background(), stream.NewNotice("heads up"))
	require.ErrorContains(t, err, "redis down")
}

func TestNewSinkValidatesOptions(t *testing.T) {
	_, err := NewSink(Options{SessionID: "s-1"})
	require.ErrorContains(t, err, "pulse client")
	_, err = NewSink(Options{Client: &fakeClient{}})
	require.ErrorContains(t, err, "session id")
}
