// Package fake provides an in-memory llm.Client for tests that need
// deterministic, network-free model responses.
package fake

import (
	"context"
	"sync"

	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/domain"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/llm"
)

// Response is a canned reply keyed by prompt.
type Response struct {
	Text  string
	Usage domain.TokenUsage
	Err   error
}

// Client is a thread-safe llm.Client that replays canned responses and
// counts invocations, for tests exercising the pipeline/orchestrator
// without a network dependency.
type Client struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     int
	// Default is returned when no keyed response matches the prompt.
	Default Response
}

var _ llm.Client = (*Client)(nil)

// New returns an empty fake client; callers set responses with
// SetResponse before invoking it.
func New() *Client {
	return &Client{responses: make(map[string]Response)}
}

// SetResponse registers the response returned for an exact prompt match.
func (c *Client) SetResponse(prompt string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[prompt] = resp
}

// Calls returns the number of times Invoke has been called.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Client) Invoke(_ context.Context, prompt string, _ llm.InvokeOptions) (string, domain.TokenUsage, error) {
	c.mu.Lock()
	c.calls++
	resp, ok := c.responses[prompt]
	c.mu.Unlock()

	if !ok {
		resp = c.Default
	}
	return resp.Text, resp.Usage, resp.Err
}
