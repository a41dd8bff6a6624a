package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a Platform backed by the sandbox service's REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a platform client. token may be empty when the service
// does not require auth (local development).
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// Sandbox creation can take a while when the image is cold.
		http: &http.Client{Timeout: 120 * time.Second},
	}
}

type sandboxInfo struct {
	SandboxID      string `json:"sandbox_id"`
	Status         string `json:"status"`
	Cwd            string `json:"cwd"`
	DomainTemplate string `json:"domain_template"`
}

// Create provisions a new sandbox.
func (c *Client) Create(ctx context.Context, opts CreateOptions) (Sandbox, error) {
	body := map[string]any{"timeout_ms": opts.TimeoutMS}
	if opts.Runtime != "" {
		body["runtime"] = opts.Runtime
	}
	if len(opts.Ports) > 0 {
		body["ports"] = opts.Ports
	}
	var info sandboxInfo
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes", body, &info); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	return &remoteSandbox{client: c, info: info}, nil
}

// Get fetches a handle on an existing sandbox by id.
func (c *Client) Get(ctx context.Context, sandboxID string) (Sandbox, error) {
	var info sandboxInfo
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes/"+sandboxID, nil, &info); err != nil {
		return nil, fmt.Errorf("get sandbox %s: %w", sandboxID, err)
	}
	return &remoteSandbox{client: c, info: info}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type remoteSandbox struct {
	client *Client
	info   sandboxInfo
}

func (s *remoteSandbox) ID() string     { return s.info.SandboxID }
func (s *remoteSandbox) Status() string { return s.info.Status }
func (s *remoteSandbox) Cwd() string    { return s.info.Cwd }

func (s *remoteSandbox) Domain(port int) (string, error) {
	if s.info.DomainTemplate == "" {
		return "", fmt.Errorf("sandbox %s has no port forwarding", s.info.SandboxID)
	}
	return strings.ReplaceAll(s.info.DomainTemplate, "{port}", fmt.Sprintf("%d", port)), nil
}

func (s *remoteSandbox) WriteFiles(ctx context.Context, files []FileWrite) error {
	payload := make([]map[string]any, 0, len(files))
	for _, f := range files {
		payload = append(payload, map[string]any{"path": f.Path, "content": f.Content})
	}
	err := s.client.do(ctx, http.MethodPost, "/v1/sandboxes/"+s.info.SandboxID+"/files",
		map[string]any{"files": payload}, nil)
	if err != nil {
		return fmt.Errorf("write files: %w", err)
	}
	return nil
}

func (s *remoteSandbox) RunDetached(ctx context.Context, spec CommandSpec) (Command, error) {
	body := map[string]any{
		"cmd":  spec.Cmd,
		"args": spec.Args,
		"sudo": spec.Sudo,
	}
	if len(spec.Env) > 0 {
		body["env"] = spec.Env
	}
	var started struct {
		CommandID string `json:"command_id"`
	}
	err := s.client.do(ctx, http.MethodPost, "/v1/sandboxes/"+s.info.SandboxID+"/commands", body, &started)
	if err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}
	return &remoteCommand{sandbox: s, id: started.CommandID}, nil
}

func (s *remoteSandbox) Stop(ctx context.Context) error {
	err := s.client.do(ctx, http.MethodPost, "/v1/sandboxes/"+s.info.SandboxID+"/stop", map[string]any{}, nil)
	if err != nil {
		return fmt.Errorf("stop sandbox: %w", err)
	}
	return nil
}

type remoteCommand struct {
	sandbox *remoteSandbox
	id      string
}

// Logs opens the command's log stream and forwards newline-delimited JSON
// chunks. The channel closes on stream end, error, or ctx cancellation.
func (c *remoteCommand) Logs(ctx context.Context) <-chan LogLine {
	out := make(chan LogLine, 64)
	go func() {
		defer close(out)
		path := fmt.Sprintf("%s/v1/sandboxes/%s/commands/%s/logs",
			c.sandbox.client.baseURL, c.sandbox.info.SandboxID, c.id)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return
		}
		if c.sandbox.client.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.sandbox.client.token)
		}
		// No client timeout here: log streams outlive any fixed deadline and
		// are bounded by ctx instead.
		resp, err := (&http.Client{}).Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return
		}
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			var line LogLine
			if err := json.Unmarshal(sc.Bytes(), &struct {
				Stream *string `json:"stream"`
				Data   *string `json:"data"`
			}{&line.Stream, &line.Data}); err != nil {
				continue
			}
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (c *remoteCommand) Wait(ctx context.Context) (Result, error) {
	var done struct {
		ExitCode int `json:"exit_code"`
	}
	path := fmt.Sprintf("/v1/sandboxes/%s/commands/%s/wait", c.sandbox.info.SandboxID, c.id)
	// Long-poll without the default client timeout.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sandbox.client.baseURL+path, nil)
	if err != nil {
		return Result{}, err
	}
	if c.sandbox.client.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.sandbox.client.token)
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("wait command: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("wait command: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&done); err != nil {
		return Result{}, fmt.Errorf("decode wait response: %w", err)
	}
	return Result{ExitCode: done.ExitCode}, nil
}
