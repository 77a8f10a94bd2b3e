package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/cloudwalk/brlc-monorepo-sub002/core"
	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
	"github.com/cloudwalk/brlc-monorepo-sub002/native/creditline"
	"github.com/cloudwalk/brlc-monorepo-sub002/native/lending"
	"github.com/cloudwalk/brlc-monorepo-sub002/observability"
	"github.com/cloudwalk/brlc-monorepo-sub002/observability/logging"
)

const (
	jsonRPCVersion         = "2.0"
	defaultMaxRequestBytes = 1 << 20 // 1 MiB
	defaultWriteRate       = rate.Limit(5)
	defaultWriteBurst      = 10

	// authTokenEnv names the environment variable holding the bearer token
	// that guards every mutating method.
	authTokenEnv = "LEDGERD_RPC_TOKEN"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeNotFound       = -32004
	codeStateConflict  = -32010
	codeRateLimited    = -32020
)

// ServerConfig tunes the transport-level guards of the RPC server.
type ServerConfig struct {
	// AuthToken guards write methods. Empty falls back to LEDGERD_RPC_TOKEN;
	// with neither set every write is rejected.
	AuthToken string
	// TrustProxyHeaders accepts X-Forwarded-For from any peer.
	TrustProxyHeaders bool
	// TrustedProxies accepts X-Forwarded-For from the listed peer IPs.
	TrustedProxies []string
	// WriteRate and WriteBurst bound write requests per client source.
	WriteRate  rate.Limit
	WriteBurst int
	// MaxRequestBytes caps the request body size.
	MaxRequestBytes int64
}

// Server exposes the ledger node over JSON-RPC 2.0 plus a websocket event
// stream at /ws/events.
type Server struct {
	node *core.Node

	authToken       string
	trustProxy      bool
	trustedProxies  map[string]struct{}
	writeRate       rate.Limit
	writeBurst      int
	maxRequestBytes int64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	serverMu   sync.Mutex
	httpServer *http.Server
}

// NewServer wires the RPC surface over the node.
func NewServer(node *core.Node, cfg ServerConfig) *Server {
	token := strings.TrimSpace(cfg.AuthToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(authTokenEnv))
	}
	writeRate := cfg.WriteRate
	if writeRate <= 0 {
		writeRate = defaultWriteRate
	}
	writeBurst := cfg.WriteBurst
	if writeBurst <= 0 {
		writeBurst = defaultWriteBurst
	}
	maxBytes := cfg.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBytes
	}
	trusted := make(map[string]struct{}, len(cfg.TrustedProxies))
	for _, proxy := range cfg.TrustedProxies {
		if trimmed := strings.TrimSpace(proxy); trimmed != "" {
			trusted[trimmed] = struct{}{}
		}
	}
	return &Server{
		node:            node,
		authToken:       token,
		trustProxy:      cfg.TrustProxyHeaders,
		trustedProxies:  trusted,
		writeRate:       writeRate,
		writeBurst:      writeBurst,
		maxRequestBytes: maxBytes,
		limiters:        make(map[string]*rate.Limiter),
	}
}

// Handler returns the full RPC surface. JSON-RPC traffic is traced; the
// websocket route stays outside the wrapper because it hijacks the
// connection.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.Handle("/", otelhttp.NewHandler(http.HandlerFunc(s.handle), "ledgerd.rpc"))
	return mux
}

// Start serves the RPC surface until Shutdown runs or the listener fails.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.serverMu.Lock()
	s.httpServer = server
	s.serverMu.Unlock()
	slog.Info("starting JSON-RPC server", "component", "rpc", "addr", addr)
	return server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	server := s.httpServer
	s.serverMu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
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

// statusRecorder remembers the status ultimately written so the request can
// be observed once, after the handler ran.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	method := "unknown"
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		observability.Ledger().Observe(method, recorder.status, time.Since(started))
	}()
	w = recorder

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", uuid.NewString())

	reader := http.MaxBytesReader(w, r.Body, s.maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.maxRequestBytes)
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
	method = req.Method

	switch req.Method {
	case "lending_takeLoan":
		if !s.admitWrite(w, r, req) {
			return
		}
		s.handleTakeLoan(w, r, req)
	case "lending_revokeLoan":
		if !s.admitWrite(w, r, req) {
			return
		}
		s.handleRevokeLoan(w, r, req)
	case "lending_submitOperations":
		if !s.admitWrite(w, r, req) {
			return
		}
		s.handleSubmitOperations(w, r, req)
	case "lending_voidOperations":
		if !s.admitWrite(w, r, req) {
			return
		}
		s.handleVoidOperations(w, r, req)
	case "lending_getSubLoanPreview":
		s.handleGetSubLoanPreview(w, r, req)
	case "lending_getLoanPreview":
		s.handleGetLoanPreview(w, r, req)
	case "lending_listOperations":
		s.handleListOperations(w, r, req)
	case "lending_listSubLoans":
		s.handleListSubLoans(w, r, req)
	case "creditline_getBorrowerStats":
		s.handleGetBorrowerStats(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

// admitWrite enforces the bearer token and the per-source rate limit for
// mutating methods. It writes the rejection itself and reports admission.
func (s *Server) admitWrite(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return false
	}
	source := s.clientSource(r)
	if !s.allowSource(source) {
		slog.Warn("rpc write throttled", "component", "rpc", "method", req.Method, "source", source)
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "write rate limit exceeded", source)
		return false
	}
	return true
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		slog.Warn("rpc auth rejected", "component", "rpc", logging.MaskField("token", token))
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

// allowSource admits one write for the source within its rate budget.
func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(s.writeRate, s.writeBurst)
		s.limiters[source] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

// clientSource resolves the caller's address. X-Forwarded-For counts only
// when the direct peer is a trusted proxy, so clients cannot spoof their way
// past the rate limit.
func (s *Server) clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return host
	}
	if !s.trustProxy {
		if _, ok := s.trustedProxies[host]; !ok {
			return host
		}
	}
	parts := strings.Split(forwarded, ",")
	if len(parts) > 0 {
		if candidate := strings.TrimSpace(parts[0]); candidate != "" {
			return candidate
		}
	}
	return host
}

var (
	invalidParamErrors = []error{
		lending.ErrInvalidBorrower,
		lending.ErrInvalidProgram,
		lending.ErrInvalidAmount,
		lending.ErrInvalidRate,
		lending.ErrInvalidDuration,
		lending.ErrInvalidKind,
		lending.ErrInvalidValue,
		lending.ErrDurationOrder,
		lending.ErrSubLoanCount,
		lending.ErrEmptyBatch,
		lending.ErrAmountNotRounded,
		lending.ErrAmountExcess,
		lending.ErrAmountOverflow,
		lending.ErrTimestampBeforeStart,
		lending.ErrTimestampInFuture,
		lending.ErrNotFirstSubLoan,
		lending.ErrAccountNotAllowed,
		creditline.ErrInvalidBorrower,
	}
	conflictErrors = []error{
		lending.ErrSubLoanRevoked,
		lending.ErrSubLoanFrozen,
		lending.ErrSubLoanNotFrozen,
		lending.ErrOperationAlreadyVoided,
		lending.ErrOperationVoidingProhibited,
		lending.ErrOperationAfterRevocation,
		lending.ErrOperationCountExcess,
		creditline.ErrTooManyLoans,
		creditline.ErrExposureLimit,
	}
	notFoundErrors = []error{
		lending.ErrSubLoanNotExist,
		lending.ErrOperationNotExist,
	}
)

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// writeEngineError maps ledger errors onto HTTP statuses and RPC codes.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case matchesAny(err, notFoundErrors):
		writeError(w, http.StatusNotFound, id, codeNotFound, err.Error(), nil)
	case matchesAny(err, conflictErrors):
		writeError(w, http.StatusConflict, id, codeStateConflict, err.Error(), nil)
	case matchesAny(err, invalidParamErrors):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error(), nil)
	}
}

// parseAmount reads a non-negative base-10 BRLC amount.
func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func decodeAddress(value string) (crypto.Address, error) {
	return crypto.DecodeAddress(strings.TrimSpace(value))
}
