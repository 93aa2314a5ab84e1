package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type rpcRequest struct {
	JSONRPC    string          `json:"jsonrpc"`
	ID         json.RawMessage `json:"id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
	APIVersion *int            `json:"api_version,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const maxRPCBodyBytes int64 = 1 << 20 // 1 MiB

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := s.extractRPCToken(r)
	if !s.rpcLimiter.Allow(rpcRateLimitKey(r, token), time.Now()) {
		s.metrics.RPCRateLimited()
		writeRPCStatus(w, http.StatusTooManyRequests, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeRateLimited, Message: "rate limit exceeded"},
		})
		return
	}
	if s.service == nil {
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32099, Message: "service is not initialized"},
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}

	reqID := requestCorrelationID(r, req.ID)
	w.Header().Set(rpcRequestIDHeader, reqID)
	if rpcErr := validateRPCAPIVersion(req.APIVersion); rpcErr != nil {
		s.metrics.RPCRequest(metricMethod(req.Method), "error")
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}

	cacheKey := ""
	requestHash := ""
	if isIdempotentMethod(req.Method) {
		cacheKey = rpcIdempotencyKey(r.Header.Get(rpcIdempotencyHeader), token)
	}
	if cacheKey != "" {
		requestHash = rpcRequestHash(req)
		cached, ok, conflict := s.idempotency.get(cacheKey, requestHash, time.Now())
		if conflict {
			writeRPC(w, rpcResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: codeIdempotencyConflict, Message: "idempotency key reused with different request"},
			})
			return
		}
		if ok {
			resp := cached.response
			if cached.sessionID != "" {
				resp = s.resumeAbandoned(r, cacheKey, requestHash, cached)
			}
			resp.ID = req.ID
			writeRPC(w, resp)
			return
		}
	}

	started := time.Now()
	s.logger.Info("rpc request", "request_id", reqID, "method", req.Method)
	result, rpcErr := s.dispatchRPC(r, req.Method, req.Params)
	if rpcErr != nil {
		s.metrics.RPCRequest(metricMethod(req.Method), "error")
		s.logger.Error("rpc failed", "request_id", reqID, "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		s.metrics.RPCRequest(metricMethod(req.Method), "ok")
		s.logger.Info("rpc response", "request_id", reqID, "method", req.Method, "latency_ms", time.Since(started).Milliseconds())
	}
	resp := rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	}
	if cacheKey != "" {
		sessionID := ""
		if abandoned, ok := result.(abandonedSession); ok {
			sessionID = abandoned.SessionID
		}
		s.idempotency.set(cacheKey, requestHash, resp, sessionID, time.Now())
	}
	writeRPC(w, resp)
}

// resumeAbandoned waits again on a session whose first caller gave up. Once
// it resolves, the verdict replaces the pending reply in the cache.
func (s *Server) resumeAbandoned(r *http.Request, cacheKey, requestHash string, entry rpcIdempotencyEntry) rpcResponse {
	result, err := s.service.AwaitSession(r.Context(), entry.sessionID)
	if err != nil {
		return entry.response
	}
	resp := rpcResponse{JSONRPC: "2.0", Result: result}
	s.idempotency.set(cacheKey, requestHash, resp, "", entry.createdAt)
	return resp
}

func (s *Server) dispatchRPC(r *http.Request, method string, rawParams json.RawMessage) (any, *rpcError) {
	switch method {
	case "health_check":
		return s.service.Health(), nil
	case "rpc.version":
		return rpcVersionInfo(), nil
	}
	if result, rpcErr, ok := s.dispatchKeyRPC(method, rawParams); ok {
		return result, rpcErr
	}
	if result, rpcErr, ok := s.dispatchPromptRPC(r.Context(), method, rawParams); ok {
		return result, rpcErr
	}
	if result, rpcErr, ok := s.dispatchSensorRPC(method, rawParams); ok {
		return result, rpcErr
	}
	return nil, &rpcError{Code: -32601, Message: "method not found"}
}

// requestCorrelationID prefers the caller's request id header, then the
// JSON-RPC id, and generates one otherwise.
func requestCorrelationID(r *http.Request, rpcID json.RawMessage) string {
	if header := strings.TrimSpace(r.Header.Get(rpcRequestIDHeader)); header != "" && len(header) <= 128 {
		return header
	}
	if raw := strings.TrimSpace(string(rpcID)); raw != "" && raw != "null" && len(raw) <= 64 {
		return "rpc." + strings.Trim(raw, `"`)
	}
	return "rpc." + uuid.NewString()
}

func metricMethod(method string) string {
	if _, ok := knownMethods[method]; ok {
		return method
	}
	return "unknown"
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	writeRPCStatus(w, http.StatusOK, resp)
}

func writeRPCStatus(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: -32600, Message: "invalid request"},
	})
}
