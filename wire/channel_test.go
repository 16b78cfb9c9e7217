package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// jsonLineCodec is a minimal length-prefixed JSON codec, used only to
// exercise Channel in tests; production wiring supplies its own Codec.
type jsonLineCodec struct{}

type wireEnvelope struct {
	Kind    Kind
	Payload []byte
}

func (jsonLineCodec) WriteMessage(w io.Writer, m Message) error {
	var payload []byte
	var err error
	switch m.Kind {
	case KindHeartbeat:
		payload, err = marshal(m.Heartbeat)
	case KindHeartbeatResponse:
		payload, err = marshal(m.HeartbeatResponse)
	case KindEntry:
		payload, err = marshal(m.Entry)
	case KindShutdownRequest:
		payload, err = marshal(m.Shutdown)
	case KindProtocolError:
		payload, err = marshal(m.ProtocolErr)
	case KindAck:
		payload, err = marshal(m.Ack)
	}
	if err != nil {
		return err
	}
	env, err := marshal(wireEnvelope{Kind: m.Kind, Payload: payload})
	if err != nil {
		return err
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(env)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(env)
	return err
}

func (jsonLineCodec) ReadMessage(r io.Reader) (Message, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return Message{}, err
	}
	buf := make([]byte, binary.BigEndian.Uint32(length[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message{}, err
	}
	var env wireEnvelope
	if err := unmarshal(buf, &env); err != nil {
		return Message{}, err
	}
	m := Message{Kind: env.Kind}
	switch env.Kind {
	case KindHeartbeat:
		m.Heartbeat = new(Heartbeat)
		return m, unmarshal(env.Payload, m.Heartbeat)
	case KindHeartbeatResponse:
		m.HeartbeatResponse = new(HeartbeatResponse)
		return m, unmarshal(env.Payload, m.HeartbeatResponse)
	case KindEntry:
		m.Entry = new(Entry)
		return m, unmarshal(env.Payload, m.Entry)
	case KindShutdownRequest:
		m.Shutdown = new(ShutdownRequest)
		return m, unmarshal(env.Payload, m.Shutdown)
	case KindProtocolError:
		m.ProtocolErr = new(ProtocolErrorMsg)
		return m, unmarshal(env.Payload, m.ProtocolErr)
	case KindAck:
		m.Ack = new(Ack)
		return m, unmarshal(env.Payload, m.Ack)
	}
	return m, nil
}

func TestChannelRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewChannel(Name{NodeName: "peerA", ID: 1}, client, jsonLineCodec{})
	s := NewChannel(Name{NodeName: "peerB", ID: 2}, server, jsonLineCodec{})

	done := make(chan error, 1)
	go func() {
		done <- c.Write(NewEntry(Entry{VLSN: 42, Kind: EntryPut, Payload: []byte("v")}))
	}()

	got, err := s.Read()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, KindEntry, got.Kind)
	require.EqualValues(t, 42, got.Entry.VLSN)

	require.Equal(t, "peerA/1", c.Name().String())
}

func TestChannelReadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := NewChannel(Name{NodeName: "peerB", ID: 2}, server, jsonLineCodec{})
	s.SetReadTimeout(20 * time.Millisecond)

	_, err := s.Read()
	require.Error(t, err)
	var ioErr *IoError
	require.True(t, errors.As(err, &ioErr))
	require.True(t, ioErr.Timeout)
}

func TestChannelCloseIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewChannel(Name{NodeName: "peerA", ID: 1}, client, jsonLineCodec{})

	require.True(t, c.IsOpen())
	require.NoError(t, c.Close())
	require.False(t, c.IsOpen())
	require.NoError(t, c.Close())

	_, err := c.Read()
	require.Error(t, err)
}
