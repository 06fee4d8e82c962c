package vehicle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/strompilot/strompilot/pkg/common"
	"github.com/strompilot/strompilot/pkg/log"
	"github.com/strompilot/strompilot/pkg/types"
)

const (
	kiaBaseURL   = "https://prd.eu-ccapi.kia.com:8080"
	kiaLoginPath = "api/v1/user/signin"
)

// kiaProvider polls the Kia Connect cloud API. The vendor rate-limits hard,
// so the poller cadence plus back-off must stay conservative.
type kiaProvider struct {
	name     string
	vin      string
	username string
	password string

	client  *http.Client
	baseURL string

	mu    sync.Mutex
	token string
}

func newKiaProvider(cfg types.VehicleSettings) (*kiaProvider, error) {
	if cfg.VIN == "" {
		return nil, fmt.Errorf("vehicle %s: kia provider needs a vin", cfg.Name)
	}
	return &kiaProvider{
		name:     cfg.Name,
		vin:      cfg.VIN,
		username: cfg.Username,
		password: cfg.Password,
		client:   common.HTTPClient(pollTimeout),
		baseURL:  kiaBaseURL,
	}, nil
}

func (p *kiaProvider) Name() string { return p.name }

func (p *kiaProvider) SupportsActivePoll() bool { return true }

func (p *kiaProvider) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"email":    p.username,
		"password": p.password,
	})
	if err != nil {
		return err
	}
	req, err := p.newRequest(ctx, http.MethodPost, kiaLoginPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var res struct {
		AccessToken string `json:"access_token"`
	}
	if err := p.doRequest(req, &res, true); err != nil {
		return fmt.Errorf("vehicle %s: login failed: %w", p.name, err)
	}
	p.token = res.AccessToken
	log.Ctx(ctx).DebugContext(ctx, "kia login success", slog.String("vehicle", p.name))
	return nil
}

func (p *kiaProvider) Poll(ctx context.Context) (types.VehicleData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == "" {
		if err := p.login(ctx); err != nil {
			return types.VehicleData{}, err
		}
	}

	req, err := p.newRequest(ctx, http.MethodGet,
		fmt.Sprintf("api/v2/spa/vehicles/%s/status/latest", url.PathEscape(p.vin)), nil)
	if err != nil {
		return types.VehicleData{}, err
	}

	var res struct {
		ResMsg struct {
			EvStatus struct {
				BatteryStatus float64 `json:"batteryStatus"`
				BatteryCharge bool    `json:"batteryCharge"`
				BatteryPlugin int     `json:"batteryPlugin"`
			} `json:"evStatus"`
			Time string `json:"time"`
		} `json:"resMsg"`
	}
	if err := p.doRequest(req, &res, false); err != nil {
		return types.VehicleData{}, fmt.Errorf("vehicle %s: status poll failed: %w", p.name, err)
	}

	ts := time.Now().UTC()
	// vendor timestamp format: yyyyMMddHHmmss in vehicle-local time, best
	// effort only
	if t, err := time.Parse("20060102150405", res.ResMsg.Time); err == nil {
		ts = t.UTC()
	}
	return types.VehicleData{
		SOC:       res.ResMsg.EvStatus.BatteryStatus,
		Connected: res.ResMsg.EvStatus.BatteryPlugin > 0,
		Charging:  res.ResMsg.EvStatus.BatteryCharge,
		Timestamp: ts,
	}, nil
}

func (p *kiaProvider) newRequest(ctx context.Context, method, endpoint string, body *bytes.Reader) (*http.Request, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return http.NewRequestWithContext(ctx, method, u.String(), nil)
	}
	return http.NewRequestWithContext(ctx, method, u.String(), body)
}

// doRequest executes req and decodes the JSON response into dest. On a 401
// for a non-login request the token is refreshed once and the request
// retried. Callers hold p.mu.
func (p *kiaProvider) doRequest(req *http.Request, dest interface{}, isLogin bool) error {
	if !isLogin && p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && !isLogin && p.token != "" {
		p.token = ""
		if err := p.login(req.Context()); err != nil {
			return err
		}
		retry := req.Clone(req.Context())
		retry.Header.Set("Authorization", "Bearer "+p.token)
		resp2, err := p.client.Do(retry)
		if err != nil {
			return err
		}
		defer resp2.Body.Close()
		resp = resp2
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
