package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/novagraph/graphex/pkg/schema"
)

const maxResponseBytes = 8 << 20

// HTTPCaller routes dependency calls to JSON-over-HTTP endpoints. The
// endpoint map is fixed at construction; an unknown dependency is a defect,
// not an external failure, so it is never retried.
type HTTPCaller struct {
	endpoints map[string]string
	client    *http.Client
}

func NewHTTPCaller(endpoints map[string]string, timeout time.Duration) *HTTPCaller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCaller{
		endpoints: endpoints,
		client:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPCaller) Call(ctx context.Context, dependency string, request json.RawMessage) (json.RawMessage, error) {
	url, ok := c.endpoints[dependency]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDefect, "no endpoint configured for dependency %q", dependency)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(request))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefect, "%s: build request", dependency).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExternalService, "%s: request failed: %v", dependency, err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternalService, "%s: read response", dependency).WithCause(err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, schema.NewErrorf(schema.ErrCodeExternalService, "%s returned %d", dependency, resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": truncate(body, 512)})
	default:
		// 4xx other than 429: the request itself is bad, retrying cannot help.
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s rejected request with %d", dependency, resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": truncate(body, 512)})
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s... (%d bytes)", b[:n], len(b))
}
