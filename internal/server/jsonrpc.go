package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/dgnsrekt/storage-relay/internal/registry"
)

const maxRequestBody = 1 << 20

// JSON-RPC 2.0 error codes
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeNotRegistered  = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type registerParams struct {
	Prefixes []string `json:"prefixes"`
	URL      string   `json:"url"`
	Version  string   `json:"version"`
}

type deregisterParams struct {
	URL string `json:"url"`
}

// HandleRPC serves register and deregister calls, single or batched.
func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeJSON(w, http.StatusOK, errorResponse(nil, codeParseError, "Parse error"))
		return
	}
	body = bytes.TrimSpace(body)

	if len(body) > 0 && body[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			s.writeJSON(w, http.StatusOK, errorResponse(nil, codeParseError, "Parse error"))
			return
		}
		if len(batch) == 0 {
			s.writeJSON(w, http.StatusOK, errorResponse(nil, codeInvalidRequest, "Invalid Request"))
			return
		}
		var responses []rpcResponse
		for _, raw := range batch {
			if resp, ok := s.handleOne(raw); ok {
				responses = append(responses, resp)
			}
		}
		if len(responses) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeJSON(w, http.StatusOK, responses)
		return
	}

	resp, ok := s.handleOne(body)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleOne reports false for notifications, which get no response.
func (s *Server) handleOne(raw json.RawMessage) (rpcResponse, bool) {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return errorResponse(nil, codeParseError, "Parse error"), true
		}
		return errorResponse(nil, codeInvalidRequest, "Invalid Request"), true
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "Invalid Request"), true
	}

	result, rpcErr := s.dispatch(req)
	if len(req.ID) == 0 {
		return rpcResponse{}, false
	}
	if rpcErr != nil {
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}, true
	}
	return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}, true
}

func (s *Server) dispatch(req rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "register":
		var p registerParams
		if err := decodeParams(req.Params, &p, &p.Prefixes, &p.URL, &p.Version); err != nil {
			return nil, invalidParams(err)
		}
		return s.register(p)

	case "deregister":
		var p deregisterParams
		if err := decodeParams(req.Params, &p, &p.URL); err != nil {
			return nil, invalidParams(err)
		}
		return s.deregister(p)

	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "Method not found"}
	}
}

func (s *Server) register(p registerParams) (any, *rpcError) {
	if err := validateURL(p.URL); err != nil {
		return nil, invalidParams(err)
	}

	_, err := s.registry.Upsert(p.URL, p.Prefixes, p.Version)
	switch {
	case err == nil:
		return "OK", nil
	case errors.Is(err, registry.ErrInvalidVersion),
		errors.Is(err, registry.ErrNoPrefixes),
		errors.Is(err, registry.ErrEmptyURL):
		return nil, invalidParams(err)
	default:
		s.logger.Error("register failed", zap.String("url", p.URL), zap.Error(err))
		return nil, &rpcError{Code: codeInternalError, Message: "Internal error"}
	}
}

func (s *Server) deregister(p deregisterParams) (any, *rpcError) {
	if p.URL == "" {
		return nil, invalidParams(registry.ErrEmptyURL)
	}

	err := s.registry.Deactivate(p.URL)
	switch {
	case err == nil:
		return "OK", nil
	case errors.Is(err, registry.ErrNotFound):
		return nil, &rpcError{Code: codeNotRegistered, Message: "Nonexistent register url"}
	default:
		s.logger.Error("deregister failed", zap.String("url", p.URL), zap.Error(err))
		return nil, &rpcError{Code: codeInternalError, Message: "Internal error"}
	}
}

// decodeParams accepts either a by-name object decoded into named or a
// positional array decoded into positional, in order.
func decodeParams(raw json.RawMessage, named any, positional ...any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return errors.New("missing params")
	}

	switch raw[0] {
	case '{':
		return json.Unmarshal(raw, named)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return err
		}
		if len(items) != len(positional) {
			return fmt.Errorf("expected %d params, got %d", len(positional), len(items))
		}
		for i, item := range items {
			if err := json.Unmarshal(item, positional[i]); err != nil {
				return fmt.Errorf("param %d: %w", i, err)
			}
		}
		return nil
	default:
		return errors.New("params must be an array or object")
	}
}

func validateURL(raw string) error {
	if raw == "" {
		return registry.ErrEmptyURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL: %q", raw)
	}
	return nil
}

func invalidParams(err error) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: "Invalid params: " + err.Error()}
}

func errorResponse(id json.RawMessage, code int, message string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}
