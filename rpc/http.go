package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowd/core"
	"escrowd/core/types"
	"escrowd/observability"
)

// Server exposes the escrow lifecycle over JSON-RPC 2.0. Callers authenticate
// with HS256 bearer tokens whose subject names their ledger account; the
// authenticated account is handed to the engine for its transition-level
// checks.
type Server struct {
	node   *core.Node
	secret []byte
	logger *slog.Logger
}

// NewServer wires a server over the node. The secret signs and verifies the
// caller bearer tokens.
func NewServer(node *core.Node, secret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		node:   node,
		secret: []byte(strings.TrimSpace(secret)),
		logger: logger,
	}
}

// Router assembles the HTTP surface: the JSON-RPC endpoint plus the health
// and metrics routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/", s.handle)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return otelhttp.NewHandler(r, "escrowd.rpc")
}

// Start serves the router until the listener fails.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", slog.String("addr", addr))
	return http.ListenAndServe(addr, s.Router())
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// statusRecorder captures the status code written by a handler so request
// metrics can segment on it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handle is the main request handler that routes to method handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	requestID := uuid.NewString()

	switch req.Method {
	case "escrow_create":
		s.handleEscrowCreate(recorder, r, req)
	case "escrow_complete":
		s.handleEscrowComplete(recorder, r, req)
	case "escrow_cancel":
		s.handleEscrowCancel(recorder, r, req)
	case "escrow_partialRefund":
		s.handleEscrowPartialRefund(recorder, r, req)
	case "escrow_get":
		s.handleEscrowGet(recorder, r, req)
	case "escrow_balance":
		s.handleEscrowBalance(recorder, r, req)
	default:
		writeError(recorder, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}

	duration := time.Since(start)
	observability.ModuleMetrics().Observe(req.Method, recorder.status, duration)
	s.logger.Debug("rpc request",
		slog.String("requestId", requestID),
		slog.String("method", req.Method),
		slog.Int("status", recorder.status),
		slog.Duration("duration", duration),
	)
}

// requireAuth validates the bearer token and returns the account it was
// issued for. The engine performs the per-transition account checks; this
// only establishes who is calling.
func (s *Server) requireAuth(r *http.Request) (types.Address, *RPCError) {
	if len(s.secret) == 0 {
		return types.Address{}, &RPCError{Code: codeUnauthorized, Message: "RPC authentication secret not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return types.Address{}, &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return types.Address{}, &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	tokenString := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if tokenString == "" {
		return types.Address{}, &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return types.Address{}, &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return types.Address{}, &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	caller, err := types.ParseAddress(claims.Subject)
	if err != nil {
		return types.Address{}, &RPCError{Code: codeUnauthorized, Message: "token subject is not a valid account"}
	}
	return caller, nil
}
