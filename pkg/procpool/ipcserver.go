package procpool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/procpool/procpool/internal/protocol"
)

// Server is the worker-side IPC server. It owns a single listening
// socket, accepts one connection per compute() call, and dispatches each
// request through a ModuleLoader. cmd/procworker is a thin wrapper around
// this type.
type Server struct {
	loader   ModuleLoader
	logger   *Logger
	security SocketSecurityConfig

	wg sync.WaitGroup
}

// NewServer builds a worker IPC server backed by loader, verifying peer
// credentials on every accepted connection per DefaultSocketSecurityConfig.
func NewServer(loader ModuleLoader, logger *Logger) *Server {
	if logger == nil {
		logger = NewLogger(LoggingConfig{Level: "info", Format: "json"})
	}
	return &Server{loader: loader, logger: logger, security: DefaultSocketSecurityConfig()}
}

// Serve listens on socketPath and accepts connections until ctx is
// canceled: stop accepting, drain in-flight connections, then return.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := removeSocket(socketPath); err != nil {
		return err
	}

	ln, err := NewSecureListener(socketPath, s.security)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer removeSocket(socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn implements the per-connection protocol: read until EOF,
// resolve and invoke the module, write exactly one of {result} or
// {error}, close. Never logs to stdout.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	data, err := io.ReadAll(conn)
	if err != nil {
		s.logger.ErrorContext(ctx, "read request", "error", err)
		return
	}

	req, err := protocol.UnmarshalComputeRequest(data)
	if err != nil {
		s.writeError(conn, &protocol.ComputeError{
			Name:    "ProtocolError",
			Message: err.Error(),
			Status:  500,
		})
		return
	}

	mod, err := s.loader.Load(ctx, req.ModuleURL)
	if err != nil {
		s.writeError(conn, &protocol.ComputeError{
			Name:    "ModuleNotFoundError",
			Message: err.Error(),
			Status:  500,
		})
		return
	}
	defer mod.Close()

	result, computeErr := mod.Fn(ctx, req.Params)
	if computeErr != nil {
		s.writeError(conn, toComputeError(computeErr))
		return
	}

	resp := &protocol.ComputeResponse{Result: result}
	s.writeResponse(conn, resp)
}

func (s *Server) writeError(conn net.Conn, computeErr *protocol.ComputeError) {
	s.writeResponse(conn, &protocol.ComputeResponse{Error: computeErr})
}

func (s *Server) writeResponse(conn net.Conn, resp *protocol.ComputeResponse) {
	data, err := resp.Marshal()
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.logger.Error("write response", "error", err)
		return
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}
}

// ModuleError lets a ComputeFunc attach a taxonomy name and HTTP-style
// status to an error, surfaced verbatim to the caller as a
// UserComputeError. A ComputeFunc returning a plain error gets a default
// name of "Error" and status 500.
type ModuleError struct {
	Name_   string
	Message string
	Status_ int
}

func (e *ModuleError) Error() string { return e.Message }
func (e *ModuleError) Status() int   { return e.Status_ }

func toComputeError(err error) *protocol.ComputeError {
	if me, ok := err.(*ModuleError); ok {
		return &protocol.ComputeError{Name: me.Name_, Message: me.Message, Status: me.Status_}
	}
	return &protocol.ComputeError{Name: "Error", Message: err.Error(), Status: 500}
}

// ScrubGlobals enforces the worker's minimal-ambient-surface contract: the
// supervisor already execs this process with an empty environment; this is
// defense in depth for a worker binary invoked directly during
// development, and closes stdin so a module can never read from it.
func ScrubGlobals() {
	os.Clearenv()
	if f, err := os.Open(os.DevNull); err == nil {
		os.Stdin = f
	}
}
