// Command mcp-bridge adapts a stdio MCP client to a taskmesh HTTP
// server. It reads newline-delimited JSON-RPC requests from stdin,
// forwards each to the server's MCP endpoint, and writes the response
// to stdout. Requests are processed strictly in order; MCP peers
// require in-order responses.
//
// Environment variables:
//
//	TASKMESH_URL          - server base URL (default: http://localhost:8080)
//	TASKMESH_TOKEN        - bearer token forwarded on every request
//	TASKMESH_LOG_LEVEL    - debug, info, warn, error (default: info)
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Version is set via ldflags at build time.
var Version = "dev"

const maxLineSize = 10 * 1024 * 1024

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-bridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(os.Getenv("TASKMESH_LOG_LEVEL")),
	}))

	baseURL := os.Getenv("TASKMESH_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	b := &bridge{
		endpoint: baseURL + "/mcp",
		token:    os.Getenv("TASKMESH_TOKEN"),
		client: &http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		out:    bufio.NewWriter(os.Stdout),
		logger: logger,
	}

	logger.Info("mcp-bridge started", "endpoint", b.endpoint, "version", Version)
	defer logger.Info("mcp-bridge stopped")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := b.forward(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

type bridge struct {
	endpoint  string
	token     string
	client    *http.Client
	out       *bufio.Writer
	sessionID string
	logger    *slog.Logger
}

// rpcEnvelope is the subset of a JSON-RPC request the bridge inspects.
type rpcEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

func (b *bridge) forward(line []byte) error {
	var env rpcEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return b.writeError(nil, -32700, "parse error: "+err.Error())
	}

	body := line
	if env.Method == "initialize" {
		body = injectClientInfo(line)
	}

	req, err := http.NewRequest(http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return b.writeError(env.ID, -32603, "building request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	if b.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", b.sessionID)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("forward failed", "method", env.Method, "error", err)
		return b.writeError(env.ID, -32603, "forwarding request: "+err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxLineSize))
	if err != nil {
		return b.writeError(env.ID, -32603, "reading response: "+err.Error())
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		b.sessionID = sid
	}

	// Notifications get 202 with no body; nothing to relay.
	if resp.StatusCode == http.StatusAccepted || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(respBody)))
		return b.writeError(env.ID, resp.StatusCode, msg)
	}
	return b.writeLine(respBody)
}

// injectClientInfo adds a default clientInfo to an initialize request
// that omits one. On any shape surprise the original bytes go through
// untouched; the server will complain if they are actually malformed.
func injectClientInfo(line []byte) []byte {
	var req map[string]json.RawMessage
	if err := json.Unmarshal(line, &req); err != nil {
		return line
	}
	params := map[string]json.RawMessage{}
	if raw, ok := req["params"]; ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return line
		}
	}
	if _, ok := params["clientInfo"]; ok {
		return line
	}
	info, err := json.Marshal(map[string]string{"name": "mcp-bridge", "version": Version})
	if err != nil {
		return line
	}
	params["clientInfo"] = info
	rawParams, err := json.Marshal(params)
	if err != nil {
		return line
	}
	req["params"] = rawParams
	out, err := json.Marshal(req)
	if err != nil {
		return line
	}
	return out
}

func (b *bridge) writeError(id json.RawMessage, code int, message string) error {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshaling error response: %w", err)
	}
	return b.writeLine(out)
}

func (b *bridge) writeLine(data []byte) error {
	if _, err := b.out.Write(data); err != nil {
		return err
	}
	if err := b.out.WriteByte('\n'); err != nil {
		return err
	}
	return b.out.Flush()
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
