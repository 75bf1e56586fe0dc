package collective

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/injadlu/dama/dama-golib/errors"
)

// client exchanges payloads through a Coordinator.
type client struct {
	endpoint string
	http     *http.Client
}

func newClient(endpoint string) client {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	return client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		http:     &http.Client{},
	}
}

// Dial joins the group served by the coordinator at endpoint as the given
// rank. It fails if the coordinator serves a group of a different size. A
// positive timeout bounds every call.
func Dial(ctx context.Context, endpoint string, rank, world int, timeout time.Duration) (Collective, error) {
	if rank < 0 || rank >= world {
		return nil, errors.Errorf("rank %d out of range for %d ranks", rank, world)
	}

	c := newClient(endpoint)
	status, err := c.Status(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "could not reach coordinator %s", endpoint)
	}
	if status.WorldSize != world {
		return nil, errors.Errorf("coordinator %s serves %d ranks, expected %d", endpoint, status.WorldSize, world)
	}
	return newMember(rank, world, timeout, c), nil
}

// Status fetches the coordinator status.
func (c client) Status(ctx context.Context) (StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return StatusResponse{}, err
	}
	return status, nil
}

func (c client) exchange(ctx context.Context, seq uint64, rank int, p Payload) ([]Payload, error) {
	var resp ExchangeResponse
	path := fmt.Sprintf("/api/collective/%d", seq)
	if err := c.do(ctx, http.MethodPost, path, ExchangeRequest{Rank: rank, Payload: p}, &resp); err != nil {
		return nil, err
	}
	return resp.Payloads, nil
}

func (c client) do(ctx context.Context, method, path string, req, toLoad interface{}) error {
	var body bytes.Buffer
	if req != nil {
		if err := json.NewEncoder(&body).Encode(req); err != nil {
			return err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, &body)
	if err != nil {
		return err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var respBody bytes.Buffer
	if _, err := respBody.ReadFrom(resp.Body); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("error calling %s, status code %d: %s", path, resp.StatusCode, strings.TrimSpace(respBody.String()))
	}

	return json.NewDecoder(&respBody).Decode(toLoad)
}
