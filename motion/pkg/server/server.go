// Package server implements the streaming TCP server (spec §4.9): it
// accepts subscriber connections, broadcasts motion data and low-rate
// status telemetry, sends a 30s heartbeat, and correlates command
// request/response pairs by request_id.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tropx/motioncore/motion/pkg/apperr"
	"github.com/tropx/motioncore/motion/pkg/metrics"
	"github.com/tropx/motioncore/motion/pkg/wire"
)

// CommandHandler executes one correlated command request and returns the
// response payload to send back. The coordinator is the production
// implementation.
type CommandHandler interface {
	Handle(ctx context.Context, msgType wire.MessageType, payload []byte) (wire.Message, error)
}

// StatusProvider supplies the status_update snapshot sent to a client
// immediately after connect.
type StatusProvider interface {
	StatusSnapshot() wire.CommandResult
}

// Config configures a Server.
type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Handler CommandHandler
	Status  StatusProvider

	HeartbeatInterval time.Duration
	CommandTimeout    time.Duration

	// MotionQueueSize bounds the fire-and-forget motion-data channel per
	// client; a full channel drops the client (spec §4.9).
	MotionQueueSize int
	// ReliableQueueSize bounds the low-rate status/heartbeat/command-response
	// channel per client.
	ReliableQueueSize int
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Handler == nil {
		return errors.New("command handler is required")
	}
	if c.Status == nil {
		return errors.New("status provider is required")
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.MotionQueueSize <= 0 {
		c.MotionQueueSize = 8
	}
	if c.ReliableQueueSize <= 0 {
		c.ReliableQueueSize = 32
	}
	return nil
}

// Server is the streaming protocol server.
type Server struct {
	log     *slog.Logger
	clock   clockwork.Clock
	handler CommandHandler
	status  StatusProvider

	heartbeatInterval time.Duration
	commandTimeout    time.Duration
	motionQueueSize   int
	reliableQueueSize int

	mu        sync.Mutex
	clients   map[uint64]*clientConn
	nextID    uint64
	clientCnt int64 // atomic, mirrors len(clients) for lock-free reads
}

// New constructs a Server from a validated Config.
func New(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Server{
		log:               cfg.Logger,
		clock:             cfg.Clock,
		handler:           cfg.Handler,
		status:            cfg.Status,
		heartbeatInterval: cfg.HeartbeatInterval,
		commandTimeout:    cfg.CommandTimeout,
		motionQueueSize:   cfg.MotionQueueSize,
		reliableQueueSize: cfg.ReliableQueueSize,
		clients:           make(map[uint64]*clientConn),
	}, nil
}

// ClientCount returns the number of currently connected subscribers.
func (s *Server) ClientCount() int {
	return int(atomic.LoadInt64(&s.clientCnt))
}

// Serve accepts connections on ln until ctx is canceled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go s.heartbeatLoop(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		s.acceptClient(ctx, conn)
	}
}

func (s *Server) acceptClient(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	cc := newClientConn(id, conn, s.log, s.motionQueueSize, s.reliableQueueSize)
	s.clients[id] = cc
	s.mu.Unlock()
	atomic.AddInt64(&s.clientCnt, 1)

	s.log.Info("client connected", "client_id", id, "remote", conn.RemoteAddr())

	snapshot := s.status.StatusSnapshot()
	if msg, err := wire.NewJSONMessage(wire.TypeStatus, 0, s.nowMs(), snapshot); err == nil {
		cc.enqueueReliable(msg)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	go cc.writeLoop(clientCtx)
	go func() {
		defer cancel()
		s.readLoop(clientCtx, cc)
		s.removeClient(cc)
	}()
}

func (s *Server) removeClient(cc *clientConn) {
	s.mu.Lock()
	if _, ok := s.clients[cc.id]; ok {
		delete(s.clients, cc.id)
		atomic.AddInt64(&s.clientCnt, -1)
	}
	s.mu.Unlock()
	cc.close()
	s.log.Info("client disconnected", "client_id", cc.id)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		msg, err := wire.ReadMessage(cc.reader)
		if err != nil {
			return
		}
		s.dispatch(ctx, cc, msg)
	}
}

func (s *Server) dispatch(ctx context.Context, cc *clientConn, msg wire.Message) {
	switch msg.Header.Type {
	case wire.TypePing:
		pong, err := wire.NewMessage(wire.TypePong, msg.Header.RequestID, s.nowMs(), nil)
		if err == nil {
			cc.enqueueReliable(pong)
		}
		return
	case wire.TypeHeartbeat:
		return
	}

	if msg.Header.IsFireAndForget() {
		go func() {
			_, _ = s.handler.Handle(ctx, msg.Header.Type, msg.Payload)
		}()
		return
	}

	go s.runCommand(ctx, cc, msg)
}

func (s *Server) runCommand(ctx context.Context, cc *clientConn, msg wire.Message) {
	cmdCtx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	type result struct {
		resp wire.Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.handler.Handle(cmdCtx, msg.Header.Type, msg.Payload)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			cc.enqueueReliable(s.errorMessage(msg.Header.RequestID, r.err))
			return
		}
		r.resp.Header.RequestID = msg.Header.RequestID
		cc.enqueueReliable(r.resp)
	case <-cmdCtx.Done():
		cc.enqueueReliable(s.errorMessage(msg.Header.RequestID, cmdCtx.Err()))
	}
}

func (s *Server) errorMessage(requestID uint32, err error) wire.Message {
	code := wire.CodeServiceUnavailable
	if c := apperr.CodeOf(err); c != "" && c != apperr.Unknown {
		code = wire.ErrorCode(c)
	}
	env := wire.ErrorEnvelope{Code: code, Message: err.Error()}
	msg, buildErr := wire.NewJSONMessage(wire.TypeError, requestID, s.nowMs(), env)
	if buildErr != nil {
		msg, _ = wire.NewMessage(wire.TypeError, requestID, s.nowMs(), nil)
	}
	return msg
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			msg, err := wire.NewMessage(wire.TypeHeartbeat, 0, s.nowMs(), nil)
			if err != nil {
				continue
			}
			s.BroadcastReliable(msg)
		}
	}
}

// BroadcastMotionData fans a fire-and-forget motion payload out to every
// connected client, dropping (disconnecting) any client whose send buffer
// is full rather than blocking the producer (spec §4.9, §5 backpressure d).
func (s *Server) BroadcastMotionData(data wire.MotionData) {
	payload, err := wire.EncodeMotionData(data)
	if err != nil {
		s.log.Warn("motion data encode failed", "err", err)
		return
	}
	msg, err := wire.NewMessage(wire.TypeMotionData, 0, s.nowMs(), payload)
	if err != nil {
		s.log.Warn("motion data message build failed", "err", err)
		return
	}
	s.mu.Lock()
	targets := make([]*clientConn, 0, len(s.clients))
	for _, cc := range s.clients {
		targets = append(targets, cc)
	}
	s.mu.Unlock()

	for _, cc := range targets {
		if !cc.enqueueMotion(msg) {
			metrics.ServerSubscribersDropped.WithLabelValues("motion_buffer_full").Inc()
			go s.removeClient(cc)
		}
	}
}

// BroadcastReliable fans a low-rate JSON/binary message out to every
// connected client (device status, recording state, BLE device list,
// heartbeat). A full buffer also drops the client.
func (s *Server) BroadcastReliable(msg wire.Message) {
	s.mu.Lock()
	targets := make([]*clientConn, 0, len(s.clients))
	for _, cc := range s.clients {
		targets = append(targets, cc)
	}
	s.mu.Unlock()

	for _, cc := range targets {
		if !cc.enqueueReliable(msg) {
			metrics.ServerSubscribersDropped.WithLabelValues("reliable_buffer_full").Inc()
			go s.removeClient(cc)
		}
	}
}

func (s *Server) nowMs() uint64 {
	return uint64(s.clock.Now().UnixMilli())
}
