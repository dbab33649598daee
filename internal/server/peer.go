package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// httpPeer queries a sibling replica's height endpoint.
type httpPeer struct {
	url    string
	client *http.Client
}

func newHTTPPeer(baseURL string) *httpPeer {
	return &httpPeer{
		url:    strings.TrimRight(baseURL, "/") + "/api/v1/consensus/height",
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// ReportHeight implements consensus.Peer.
func (p *httpPeer) ReportHeight(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("peer returned status %d", resp.StatusCode)
	}

	var body struct {
		Enabled bool   `json:"enabled"`
		Local   uint64 `json:"local"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	if !body.Enabled {
		return 0, fmt.Errorf("peer has consensus disabled")
	}
	return body.Local, nil
}
