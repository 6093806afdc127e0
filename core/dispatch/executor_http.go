package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultActionBudget = 10 * time.Second

// HTTPExecutor forwards actions to a platform adapter endpoint that performs
// account creation, transfers, code deployment and contract calls on the
// factory's behalf. Non-2xx responses and adapter-reported failures surface as
// action errors, which the scheduler converts into one aggregate failed
// outcome for the whole chain.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
	budget   time.Duration
}

// NewHTTPExecutor creates an executor targeting the given adapter endpoint.
func NewHTTPExecutor(endpoint string) *HTTPExecutor {
	return &HTTPExecutor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultActionBudget},
		budget:   defaultActionBudget,
	}
}

type actionRequest struct {
	Kind      string `json:"kind"`
	Target    string `json:"target"`
	Amount    string `json:"amount,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
	Code      []byte `json:"code,omitempty"`
	Method    string `json:"method,omitempty"`
	Args      []byte `json:"args,omitempty"`
}

type actionResponse struct {
	Ok      bool   `json:"ok"`
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Execute implements the Executor interface.
func (e *HTTPExecutor) Execute(ctx context.Context, act Action) ([]byte, error) {
	reqBody := actionRequest{
		Kind:      act.Kind.String(),
		Target:    act.Target,
		PublicKey: act.PublicKey,
		Code:      act.Code,
		Method:    act.Method,
		Args:      act.Args,
	}
	if act.Amount != nil {
		reqBody.Amount = act.Amount.String()
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, e.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("dispatch: adapter status %d", resp.StatusCode)
	}
	var decoded actionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("dispatch: adapter response: %w", err)
	}
	if !decoded.Ok {
		if decoded.Error == "" {
			decoded.Error = "remote action failed"
		}
		return nil, fmt.Errorf("dispatch: %s", decoded.Error)
	}
	return decoded.Payload, nil
}
