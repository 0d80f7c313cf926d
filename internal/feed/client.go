package feed

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"E3Kernel/internal/events"
)

// Subscription receives events from a feed server.
type Subscription struct {
	conn   *quic.Conn   // conn is the QUIC connection
	stream *quic.Stream // stream carries the event frames
	last   uint64       // last is the last delivered sequence number
}

// Subscribe connects to a feed server and asks for events starting at from.
// When pin is set the server must present that identity key.
func Subscribe(ctx context.Context, addr string, from uint64, pin ed25519.PublicKey) (*Subscription, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: true, // The identity key is checked below
		NextProtos:         []string{alpnProtocol},
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial:\n%w", err)
	}

	if pin != nil {
		key, err := serverKey(conn.ConnectionState().TLS)
		if err != nil {
			conn.CloseWithError(codeProtocol, "no identity")
			return nil, err
		}

		if !bytes.Equal(key, pin) {
			conn.CloseWithError(codeProtocol, "identity mismatch")
			return nil, fmt.Errorf("feed identity mismatch: got %x", key[:8])
		}
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(codeProtocol, "open stream")
		return nil, fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeFrame(stream, encodeSubscribe(from)); err != nil {
		conn.CloseWithError(codeProtocol, "subscribe")
		return nil, fmt.Errorf("subscribe:\n%w", err)
	}

	last := uint64(0)
	if from > 0 {
		last = from - 1
	}

	return &Subscription{conn: conn, stream: stream, last: last}, nil
}

// Next blocks until the next event arrives or the context ends.
// Redelivered sequence numbers are skipped.
func (s *Subscription) Next(ctx context.Context) (events.Event, error) {
	if deadline, ok := ctx.Deadline(); ok {
		s.stream.SetReadDeadline(deadline)
	} else {
		s.stream.SetReadDeadline(time.Time{})
	}

	for {
		data, err := readFrame(s.stream)
		if err != nil {
			return events.Event{}, err
		}

		ev, err := events.Decode(data)
		if err != nil {
			return events.Event{}, fmt.Errorf("decode event:\n%w", err)
		}

		if ev.Seq <= s.last {
			continue
		}

		s.last = ev.Seq

		return ev, nil
	}
}

// Last returns the last delivered sequence number.
func (s *Subscription) Last() uint64 {
	return s.last
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	s.stream.CancelRead(0)

	return s.conn.CloseWithError(0, "closed")
}
