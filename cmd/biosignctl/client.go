package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type client struct {
	BaseURL   string
	Token     string
	OutFormat string
	HTTP      *http.Client
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call sends one JSON-RPC request. params must be a JSON document or empty.
func (c *client) call(ctx context.Context, method, params, idempotencyKey string) (json.RawMessage, error) {
	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if strings.TrimSpace(params) != "" {
		if !json.Valid([]byte(params)) {
			return nil, fmt.Errorf("params are not valid JSON")
		}
		req["params"] = json.RawMessage(params)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("X-Biosign-Idempotency-Key", idempotencyKey)
	}
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s failed: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("%s failed: code=%d message=%s", method, env.Error.Code, env.Error.Message)
	}
	return env.Result, nil
}

func (c *client) print(w io.Writer, raw json.RawMessage) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Fprintln(w, string(p))
			return
		}
	}
	fmt.Fprintln(w, string(raw))
}
