// Package upstream issues generateAssistantResponse calls against the
// CodeWhisperer service.
package upstream

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/kirobridge/kirobridge/internal/auth/kiro"
	"github.com/kirobridge/kirobridge/internal/httpclient"
)

const (
	endpointTemplate = "https://codewhisperer.%s.amazonaws.com/generateAssistantResponse"

	// ideVersion is the Kiro IDE version advertised in the user agent.
	ideVersion = "1.0.0"
)

// Client sends conversation payloads upstream. Token refresh and retries
// are delegated to the wrapped HTTP client.
type Client struct {
	http *httpclient.Client
	auth *kiro.Manager
}

// New returns an upstream client.
func New(http *httpclient.Client, auth *kiro.Manager) *Client {
	return &Client{http: http, auth: auth}
}

// Send posts one conversation payload and returns the raw event-stream
// response body. The caller owns the body.
func (c *Client) Send(ctx context.Context, payload []byte) (*http.Response, error) {
	token, err := c.auth.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf(endpointTemplate, c.auth.GetRegion())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	// Replayable body so retries can rewind.
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	req.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.0 KiroIDE-%s-%s", ideVersion, machineID()))
	req.Header.Set("User-Agent", fmt.Sprintf("aws-sdk-js/1.0.0 ua/2.1 os/%s lang/go md/go#%s api/codewhispererruntime#1.0.0 m/E KiroIDE-%s-%s",
		runtime.GOOS, runtime.Version(), ideVersion, machineID()))

	return c.http.Do(req)
}

var machineID = sync.OnceValue(func() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "kirobridge"
	}
	sum := sha256.Sum256([]byte(hostname))
	return hex.EncodeToString(sum[:])[:32]
})
