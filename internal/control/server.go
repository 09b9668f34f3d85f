package control

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/shaoguangleo/corr2/internal/bengine"
	"github.com/shaoguangleo/corr2/internal/fengine"
	"github.com/shaoguangleo/corr2/internal/logging"
	"github.com/shaoguangleo/corr2/internal/model"
	"github.com/shaoguangleo/corr2/internal/sensor"
	"github.com/shaoguangleo/corr2/internal/stream"
	"github.com/shaoguangleo/corr2/internal/timebase"
	"github.com/shaoguangleo/corr2/internal/transport"
	"github.com/shaoguangleo/corr2/internal/xengine"
)

// Config bundles everything the control server needs but cannot derive
// from a `create` verb (spec §4.7): the board dialer, the stream
// emitter, the logger, the listen port and the announce settings.
type Config struct {
	Dialer  transport.Dialer
	Emitter stream.Emitter
	Logger  *log.Logger

	Port int

	Announce     bool
	AnnounceName string
}

// Server is the control-protocol TCP server of spec §4.7: a single
// dispatch goroutine processes verbs strictly in arrival order ("a verb
// may not begin executing before the previous one returns", spec §5),
// fed by one reader goroutine per connection.
type Server struct {
	cfg Config

	listener net.Listener
	ready    chan struct{}
	requests chan *request

	connsMu sync.Mutex
	conns   map[net.Conn]bool

	wg sync.WaitGroup

	mu          sync.RWMutex
	inst        *model.Instrument
	time        timebase.Model
	streams     *stream.Registry
	sensors     *sensor.Manager
	created     bool
	initialised bool
	fftShiftMask uint64
}

// NewServer builds an uncreated server: no instrument exists until the
// `create` verb runs.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Server{
		cfg:      cfg,
		ready:    make(chan struct{}),
		requests: make(chan *request),
		conns:    map[net.Conn]bool{},
	}
}

// Serve binds the listener, optionally announces over DNS-SD, and runs
// the accept loop and the single verb dispatcher until ctx is cancelled
// or Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	var listener, err = Listen(s.cfg.Port)
	if err != nil {
		return err
	}
	s.listener = listener
	close(s.ready)

	if s.cfg.Announce {
		announce(ctx, s.cfg.Logger, s.cfg.AnnounceName, s.cfg.Port)
	}

	s.wg.Add(1)
	go s.dispatchLoop(ctx)

	s.cfg.Logger.Info("control server listening", "port", s.cfg.Port)

	for {
		var conn, acceptErr = listener.Accept()
		if acceptErr != nil {
			// Expected once Stop closes the listener. Any accept error,
			// of that kind or another, ends Serve with a nil error and
			// is not logged.
			return nil
		}

		s.connsMu.Lock()
		s.conns[conn] = true
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	var scanner = bufio.NewScanner(conn)
	for scanner.Scan() {
		var verb, args, ok = parseRequest(scanner.Text())
		if !ok {
			continue
		}

		var req = &request{verb: verb, args: args, reply: make(chan string, 1)}
		select {
		case s.requests <- req:
		case <-ctx.Done():
			return
		}

		select {
		case reply := <-req.reply:
			if _, err := conn.Write([]byte(reply + "\n")); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatchLoop is the single goroutine that ever mutates s.inst, the
// discipline spec §5 "Shared-resource policy" requires.
func (s *Server) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.requests:
			req.reply <- s.dispatch(ctx, req.verb, req.args)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, verb string, args []string) string {
	var fn, ok = verbTable[verb]
	if !ok {
		return failReply(verb, "unknown_verb", "")
	}

	var fields, err = fn(s, ctx, args)
	if err != nil {
		var kind, message = errorKindAndMessage(err)
		return failReply(verb, kind, message)
	}
	return okReply(verb, fields...)
}

// Stop closes the listener, then sleeps for the full grace period
// (whether or not a verb is still running), then closes any open
// connections (spec §5 "Server shutdown ... drains in-flight verbs with a grace
// period, then stops").
func (s *Server) Stop(grace time.Duration) {
	if s.listener != nil {
		s.listener.Close()
	}
	time.Sleep(grace)

	s.connsMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.connsMu.Unlock()

	s.mu.RLock()
	var streams, sensors = s.streams, s.sensors
	s.mu.RUnlock()
	if streams != nil {
		streams.Stop()
	}
	if sensors != nil {
		sensors.Stop()
	}
}

// Addr blocks until Serve has bound its listener, then returns its
// address. Tests bind to port 0 and use this to discover the ephemeral
// port chosen.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

func (s *Server) getStreams() *stream.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams
}

func (s *Server) getSensors() *sensor.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sensors
}

func (s *Server) fengineOps() *fengine.Ops {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &fengine.Ops{Dialer: s.cfg.Dialer, Time: s.time}
}

func (s *Server) xengineOps() *xengine.Ops {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &xengine.Ops{Dialer: s.cfg.Dialer, Time: s.time}
}

func (s *Server) bengineOps() *bengine.Ops {
	return &bengine.Ops{Dialer: s.cfg.Dialer}
}
