package feed

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"E3Kernel/internal/events"
	"E3Kernel/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier of the feed.
	alpnProtocol = "e3kernel-feed/1"

	// defaultBuffer is the default number of live events queued per subscriber.
	defaultBuffer = 1024

	// catchUpPage is the number of persisted events read per catch-up step.
	catchUpPage = 256

	// subscribeTimeout bounds the wait for the subscribe request.
	subscribeTimeout = 10 * time.Second

	// codeLagging closes subscribers whose live queue overflowed.
	codeLagging quic.ApplicationErrorCode = 2

	// codeProtocol closes subscribers that sent a malformed request.
	codeProtocol quic.ApplicationErrorCode = 1
)

// Source serves persisted events for catch-up.
type Source interface {
	Events(from uint64, limit int) ([]events.Event, error)
}

// Config holds the configuration for a Server.
type Config struct {
	PrivateKey ed25519.PrivateKey // PrivateKey is the feed identity presented to indexers
	ListenAddr string             // ListenAddr is the UDP address to listen on (e.g., ":9400")
	Source     Source             // Source replays events published before a subscriber joined
	Buffer     int                // Buffer is the per-subscriber live queue length
}

// Server streams published kernel events to connected indexers over QUIC.
// Each subscriber opens one stream, sends the first sequence number it wants
// and then receives every event from there on in sequence order.
type Server struct {
	publicKey  ed25519.PublicKey // publicKey is the feed identity
	listenAddr string            // listenAddr is the address to listen on
	tlsConfig  *tls.Config       // tlsConfig is the TLS configuration
	quicConfig *quic.Config      // quicConfig is the QUIC configuration
	source     Source            // source serves catch-up reads
	buffer     int               // buffer is the live queue length

	listener *quic.Listener // listener is the QUIC listener

	subs   map[*subscriber]struct{} // subs are the connected subscribers
	subsMu sync.Mutex               // subsMu protects subs

	ctx    context.Context    // ctx is the server's context
	cancel context.CancelFunc // cancel cancels the server's context
	wg     sync.WaitGroup     // wg waits for connection handlers
}

// subscriber is one connected indexer.
type subscriber struct {
	addr   string
	live   chan events.Event
	lagged chan struct{}
	once   sync.Once
}

// lag marks the subscriber as too slow to keep up.
func (s *subscriber) lag() {
	s.once.Do(func() { close(s.lagged) })
}

// NewServer creates a feed server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	if cfg.Source == nil {
		return nil, fmt.Errorf("event source is required")
	}

	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	cert, err := selfSigned(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr: cfg.ListenAddr,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		source: cfg.Source,
		buffer: buffer,
		subs:   make(map[*subscriber]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// PublicKey returns the feed identity.
func (s *Server) PublicKey() ed25519.PublicKey {
	return s.publicKey
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Start begins accepting subscribers.
func (s *Server) Start() error {
	listener, err := quic.ListenAddr(s.listenAddr, s.tlsConfig, s.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Subscribers returns the number of connected subscribers.
func (s *Server) Subscribers() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	return len(s.subs)
}

// HandleEvents queues published events for every subscriber.
// It never blocks: a subscriber whose queue is full is disconnected and
// must resubscribe from its last received sequence number.
func (s *Server) HandleEvents(evs []events.Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for sub := range s.subs {
		for _, ev := range evs {
			select {
			case sub.live <- ev:
			default:
				sub.lag()
			}
		}
	}
}

// Close stops the server and disconnects all subscribers.
func (s *Server) Close() error {
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.wg.Wait()

	return err
}

// acceptLoop accepts incoming connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept(s.ctx)
		if err != nil {
			return // Listener closed
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

// serve runs one subscription until the connection ends.
func (s *Server) serve(conn *quic.Conn) {
	addr := conn.RemoteAddr().String()
	log := logger.With("peer", addr)

	ctx, cancel := context.WithTimeout(s.ctx, subscribeTimeout)
	stream, err := conn.AcceptStream(ctx)
	cancel()

	if err != nil {
		log.Debugw("feed subscribe stream", "error", err)
		conn.CloseWithError(codeProtocol, "no subscribe stream")
		return
	}

	req, err := readFrame(stream)
	if err != nil {
		conn.CloseWithError(codeProtocol, "bad subscribe request")
		return
	}

	from, err := decodeSubscribe(req)
	if err != nil {
		conn.CloseWithError(codeProtocol, err.Error())
		return
	}

	sub := s.register(addr)
	defer s.unregister(sub)

	log.Infow("feed subscriber joined", "from", from)

	if err := s.stream(conn, stream, sub, from); err != nil {
		log.Debugw("feed subscriber left", "error", err)
	}

	stream.Close()
}

// stream replays persisted events from the given sequence number and then
// forwards live ones, skipping any already sent.
func (s *Server) stream(conn *quic.Conn, stream *quic.Stream, sub *subscriber, from uint64) error {
	next, err := s.catchUp(stream, from)
	if err != nil {
		return err
	}

	for {
		select {
		case <-s.ctx.Done():
			conn.CloseWithError(0, "feed closed")
			return s.ctx.Err()

		case <-conn.Context().Done():
			return conn.Context().Err()

		case <-sub.lagged:
			conn.CloseWithError(codeLagging, "subscriber lagging")
			return fmt.Errorf("subscriber lagging")

		case ev := <-sub.live:
			if ev.Seq > next {
				if next, err = s.catchUp(stream, next); err != nil {
					return err
				}
			}

			if ev.Seq < next {
				continue
			}

			if err := writeFrame(stream, events.Encode(ev)); err != nil {
				return err
			}

			next = ev.Seq + 1
		}
	}
}

// catchUp writes persisted events starting at from and returns the next
// sequence number to send.
func (s *Server) catchUp(stream *quic.Stream, from uint64) (uint64, error) {
	next := from

	for {
		evs, err := s.source.Events(next, catchUpPage)
		if err != nil {
			return next, fmt.Errorf("catch up from %d:\n%w", next, err)
		}

		for _, ev := range evs {
			if err := writeFrame(stream, events.Encode(ev)); err != nil {
				return next, err
			}

			next = ev.Seq + 1
		}

		if len(evs) < catchUpPage {
			return next, nil
		}
	}
}

func (s *Server) register(addr string) *subscriber {
	sub := &subscriber{
		addr:   addr,
		live:   make(chan events.Event, s.buffer),
		lagged: make(chan struct{}),
	}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	return sub
}

func (s *Server) unregister(sub *subscriber) {
	s.subsMu.Lock()
	delete(s.subs, sub)
	s.subsMu.Unlock()
}
