package admin

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sequent/internal/catchup"
)

// Engine runs administrative commands. Implemented by catchup.Runner.
type Engine interface {
	HandleCommand(ctx context.Context, cmd catchup.Command) (catchup.Result, error)
	Health(ctx context.Context) (bool, string)
}

type Config struct {
	Network        string
	Address        string
	UnixSocketPath string
	AuthToken      string
	CommandQueue   int
}

// Server accepts framed protobuf requests. Replay commands are
// serialized through a single worker so only one replay runs at a
// time; ping and health are answered inline.
type Server struct {
	cfg    Config
	engine Engine
	ln     net.Listener
	addr   atomic.Value
	cmds   chan queuedCommand
	closed atomic.Bool
	wg     sync.WaitGroup
}

type queuedCommand struct {
	ctx  context.Context
	req  *AdminRequest
	cmd  catchup.Command
	conn *connection
}

type connection struct {
	c       net.Conn
	writerQ chan *AdminResponse
}

func NewServer(cfg Config, engine Engine) *Server {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.CommandQueue <= 0 {
		cfg.CommandQueue = 16
	}
	return &Server{cfg: cfg, engine: engine, cmds: make(chan queuedCommand, cfg.CommandQueue)}
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())

	s.wg.Add(1)
	go s.runCommandWorker()
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	close(s.cmds)
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *AdminResponse, 64)}
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() { defer s.wg.Done(); defer raw.Close(); defer close(conn.writerQ); s.readLoop(ctx, conn) }()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &AdminResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, badReq(req, err.Error()))
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &AdminResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		switch Operation(req.Operation) {
		case OperationPing:
			s.send(conn, &AdminResponse{RequestId: req.RequestId, Pong: &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}})
		case OperationHealth:
			ok, msg := s.engine.Health(ctx)
			s.send(conn, &AdminResponse{RequestId: req.RequestId, Health: &HealthResponse{Ok: ok, Message: msg}})
		default:
			cmd, err := toCommand(req)
			if err != nil {
				s.send(conn, badReq(req, err.Error()))
				continue
			}
			select {
			case s.cmds <- queuedCommand{ctx: ctx, req: req, cmd: cmd, conn: conn}:
			default:
				s.send(conn, &AdminResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBusy), ErrorMessage: "command queue full"})
			}
		}
	}
}

func (s *Server) runCommandWorker() {
	defer s.wg.Done()
	for qc := range s.cmds {
		result, err := s.engine.HandleCommand(qc.ctx, qc.cmd)
		res := &AdminResponse{RequestId: qc.req.RequestId}
		if err != nil {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeInternal), err.Error()
		} else if result.Report != nil {
			r := result.Report
			res.Verify = &VerifyResult{
				Ok:                 r.OK(),
				HighestEventNumber: r.HighestEventNumber,
				LinkedCount:        r.LinkedCount,
				UnlinkedCount:      r.UnlinkedCount,
				QueueDepth:         r.QueueDepth,
				BrokenLinks:        int64(len(r.BrokenLinks)),
			}
		} else {
			res.Replay = &ReplayResult{EventsReplayed: int64(result.EventsReplayed)}
		}
		s.send(qc.conn, res)
	}
}

func (s *Server) send(conn *connection, res *AdminResponse) {
	select {
	case conn.writerQ <- res:
	default:
	}
}

func badReq(req *AdminRequest, msg string) *AdminResponse {
	return &AdminResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func toCommand(req *AdminRequest) (catchup.Command, error) {
	switch Operation(req.Operation) {
	case OperationCatchup, OperationIndexerCatchup, OperationFillGaps:
		c := req.Catchup
		if c == nil {
			return catchup.Command{}, errors.New("catchup body required")
		}
		cmd := catchup.Command{Source: c.Source, Component: c.Component, FromEventNumber: c.FromEventNumber}
		switch Operation(req.Operation) {
		case OperationCatchup:
			cmd.Kind = catchup.KindCatchup
		case OperationIndexerCatchup:
			cmd.Kind = catchup.KindIndexerCatchup
		case OperationFillGaps:
			cmd.Kind = catchup.KindFillGaps
		}
		if c.FromEventId != "" {
			id, err := uuid.Parse(c.FromEventId)
			if err != nil {
				return catchup.Command{}, err
			}
			cmd.FromEventID = &id
		}
		return cmd, nil
	case OperationReplayEvent:
		r := req.Replay
		if r == nil {
			return catchup.Command{}, errors.New("replay body required")
		}
		id, err := uuid.Parse(r.EventId)
		if err != nil {
			return catchup.Command{}, err
		}
		return catchup.Command{Kind: catchup.KindReplayEvent, Source: r.Source, Component: r.Component, EventID: &id}, nil
	case OperationVerifyCatchup:
		return catchup.Command{Kind: catchup.KindVerify}, nil
	default:
		return catchup.Command{}, errors.New("unknown operation")
	}
}

// DialAndRequest sends one request over a fresh connection and waits
// for the single response.
func DialAndRequest(ctx context.Context, network, address string, req *AdminRequest) (*AdminResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}
