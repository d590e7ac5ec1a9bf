package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/captain-dispatch/internal/models"
)

// HTTPPush posts messages to a push provider endpoint, for captains whose app
// is backgrounded and has no live socket.
type HTTPPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPPush(endpoint, key string) *HTTPPush {
	return &HTTPPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushBody struct {
	Audience  string         `json:"audience"`
	CaptainID int64          `json:"captain_id,omitempty"`
	Data      models.Message `json:"data"`
}

func (p *HTTPPush) NotifyCaptain(ctx context.Context, captainID int64, msg models.Message) error {
	return p.post(ctx, pushBody{Audience: "captain", CaptainID: captainID, Data: msg})
}

func (p *HTTPPush) NotifyDashboard(ctx context.Context, msg models.Message) error {
	return p.post(ctx, pushBody{Audience: "dashboard", Data: msg})
}

func (p *HTTPPush) post(ctx context.Context, body pushBody) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
