package distributed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DialRetryInterval is the wait between health probes while the rendezvous
// server is not yet reachable.
const DialRetryInterval = 200 * time.Millisecond

type httpTransport struct {
	base   string
	client *http.Client
}

// Dial joins the process group hosted by the rendezvous server at addr. It
// retries until the server answers or ctx ends.
func Dial(ctx context.Context, addr string, rank, worldSize int, logger *slog.Logger) (Group, error) {
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("rank %d outside world of %d", rank, worldSize)
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	t := &httpTransport{base: strings.TrimRight(base, "/"), client: &http.Client{}}

	for attempt := 1; ; attempt++ {
		size, err := t.health(ctx)
		if err == nil {
			if size != worldSize {
				return nil, fmt.Errorf("rendezvous at %s serves %d processes, expected %d", addr, size, worldSize)
			}
			break
		}
		logger.Debug("rendezvous not ready", "addr", addr, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial rendezvous %s: %w", addr, ctx.Err())
		case <-time.After(DialRetryInterval):
		}
	}

	return newMember(rank, worldSize, t, logger), nil
}

func (t *httpTransport) health(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/healthz", nil)
	if err != nil {
		return 0, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("health check: %s", resp.Status)
	}
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return 0, fmt.Errorf("health check: %w", err)
	}
	return h.WorldSize, nil
}

func (t *httpTransport) exchange(ctx context.Context, seq uint64, rank int, op string, root int, payload []byte) ([][]byte, error) {
	body, err := json.Marshal(exchangeRequest{Rank: rank, Op: op, Root: root, Payload: payload})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/rendezvous/%d", t.base, seq)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Reason == "" {
			return nil, fmt.Errorf("rendezvous: %s", resp.Status)
		}
		if e.Mismatch {
			return nil, fmt.Errorf("%w: %s", ErrCollectiveMismatch, e.Reason)
		}
		return nil, fmt.Errorf("rendezvous: %s", e.Reason)
	}

	var out exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rendezvous response: %w", err)
	}
	return out.Payloads, nil
}

func (t *httpTransport) close() error {
	t.client.CloseIdleConnections()
	return nil
}
