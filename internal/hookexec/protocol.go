// Package hookexec runs hook sources and activity ops as subprocesses
// speaking a one-shot JSON protocol: a single request on stdin, a single
// response on stdout. It backs conduct.WithHooksFile and config-declared
// exec activities.
package hookexec

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ProtocolVersion is the only version this package speaks.
const ProtocolVersion = 1

// Call kinds in Request.Call.
const (
	CallDescribe = "describe"
	CallHook     = "hook"
	CallSetup    = "setup"
	CallCleanup  = "cleanup"
	CallOp       = "op"
)

// Request is the JSON frame written to the executable's stdin.
type Request struct {
	Protocol   int       `json:"protocol"`
	Call       string    `json:"call"`
	Export     string    `json:"export,omitempty"`
	Hook       string    `json:"hook,omitempty"`
	Context    any       `json:"context,omitempty"`
	Items      []any     `json:"items,omitempty"`
	DeadlineAt time.Time `json:"deadline_at"`
}

// Response is the JSON frame read back from stdout.
type Response struct {
	Status  string     `json:"status"` // "ok" or "error"
	Error   string     `json:"error,omitempty"`
	Hooks   []string   `json:"hooks,omitempty"` // describe: mangled hook names
	Setup   bool       `json:"setup,omitempty"`
	Cleanup bool       `json:"cleanup,omitempty"`
	Context any        `json:"context,omitempty"` // op: replacement context, null keeps
	Logs    []LogEntry `json:"logs,omitempty"`
}

// LogEntry lets executables ship log lines back to the host logger.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return nil
}

// DecodeResponse reads and validates a Response from r. The raw bytes are
// returned alongside errors so callers can log what the executable actually
// produced.
func DecodeResponse(r io.Reader) (*Response, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if len(data) == 0 {
		return nil, data, fmt.Errorf("executable produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("executable output is not valid JSON: %w", err)
	}

	if resp.Status != "ok" && resp.Status != "error" {
		return nil, data, fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
	if resp.Status == "error" && resp.Error == "" {
		return nil, data, fmt.Errorf("response has status=error but no error message")
	}
	return &resp, data, nil
}
