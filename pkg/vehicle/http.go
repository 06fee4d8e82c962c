package vehicle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/strompilot/strompilot/pkg/common"
	"github.com/strompilot/strompilot/pkg/types"
)

const pollTimeout = 15 * time.Second

// httpProvider polls a user-supplied endpoint returning the vehicle state as
// JSON. Useful for home-grown bridges and wallbox integrations.
type httpProvider struct {
	name   string
	url    string
	client *http.Client
}

func newHTTPProvider(name, url string) *httpProvider {
	return &httpProvider{
		name:   name,
		url:    url,
		client: common.HTTPClient(pollTimeout),
	}
}

func (p *httpProvider) Name() string { return p.name }

func (p *httpProvider) SupportsActivePoll() bool { return true }

func (p *httpProvider) Poll(ctx context.Context) (types.VehicleData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return types.VehicleData{}, fmt.Errorf("vehicle %s: %w", p.name, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return types.VehicleData{}, fmt.Errorf("vehicle %s: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.VehicleData{}, fmt.Errorf("vehicle %s: unexpected status %d", p.name, resp.StatusCode)
	}

	var body struct {
		SOC       float64    `json:"soc"`
		Connected bool       `json:"connected"`
		Charging  bool       `json:"charging"`
		Timestamp *time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return types.VehicleData{}, fmt.Errorf("vehicle %s: decoding response: %w", p.name, err)
	}

	data := types.VehicleData{
		SOC:       body.SOC,
		Connected: body.Connected,
		Charging:  body.Charging,
		Timestamp: time.Now().UTC(),
	}
	if body.Timestamp != nil {
		data.Timestamp = body.Timestamp.UTC()
	}
	return data, nil
}
