package vehicle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/strompilot/strompilot/pkg/common"
	"github.com/strompilot/strompilot/pkg/log"
	"github.com/strompilot/strompilot/pkg/types"
)

const (
	renaultLoginURL  = "https://accounts.eu1.gigya.com/accounts.login"
	renaultKamereon  = "https://api-wired-prod-1-euw1.wrd-aws.com/commerce/v1"
	renaultAPIKeyHdr = "apikey"
	renaultAPIKey    = "VAX7XYKGfa92yMvXculCkEFyfZbuM7Ss"
)

// renaultProvider polls the Renault/Dacia cloud (Gigya session plus Kamereon
// vehicle API).
type renaultProvider struct {
	name     string
	vin      string
	username string
	password string

	client *http.Client

	mu      sync.Mutex
	session string
}

func newRenaultProvider(cfg types.VehicleSettings) (*renaultProvider, error) {
	if cfg.VIN == "" {
		return nil, fmt.Errorf("vehicle %s: renault provider needs a vin", cfg.Name)
	}
	return &renaultProvider{
		name:     cfg.Name,
		vin:      cfg.VIN,
		username: cfg.Username,
		password: cfg.Password,
		client:   common.HTTPClient(pollTimeout),
	}, nil
}

func (p *renaultProvider) Name() string { return p.name }

func (p *renaultProvider) SupportsActivePoll() bool { return true }

func (p *renaultProvider) login(ctx context.Context) error {
	form := url.Values{
		"loginID":  {p.username},
		"password": {p.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, renaultLoginURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("vehicle %s: login failed: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vehicle %s: login failed: unexpected status %d", p.name, resp.StatusCode)
	}

	var res struct {
		SessionInfo struct {
			CookieValue string `json:"cookieValue"`
		} `json:"sessionInfo"`
		ErrorCode int `json:"errorCode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("vehicle %s: decoding login response: %w", p.name, err)
	}
	if res.ErrorCode != 0 || res.SessionInfo.CookieValue == "" {
		return fmt.Errorf("vehicle %s: login rejected (code %d)", p.name, res.ErrorCode)
	}
	p.session = res.SessionInfo.CookieValue
	log.Ctx(ctx).DebugContext(ctx, "renault login success", slog.String("vehicle", p.name))
	return nil
}

func (p *renaultProvider) Poll(ctx context.Context) (types.VehicleData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == "" {
		if err := p.login(ctx); err != nil {
			return types.VehicleData{}, err
		}
	}

	data, err := p.batteryStatus(ctx)
	if err == nil {
		return data, nil
	}
	// session cookies expire silently; one re-login retry
	p.session = ""
	if lerr := p.login(ctx); lerr != nil {
		return types.VehicleData{}, lerr
	}
	return p.batteryStatus(ctx)
}

func (p *renaultProvider) batteryStatus(ctx context.Context) (types.VehicleData, error) {
	u := fmt.Sprintf("%s/cars/%s/battery-status", renaultKamereon, url.PathEscape(p.vin))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return types.VehicleData{}, err
	}
	req.Header.Set(renaultAPIKeyHdr, renaultAPIKey)
	req.Header.Set("x-gigya-id_token", p.session)

	resp, err := p.client.Do(req)
	if err != nil {
		return types.VehicleData{}, fmt.Errorf("vehicle %s: status poll failed: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.VehicleData{}, fmt.Errorf("vehicle %s: status poll failed: unexpected status %d", p.name, resp.StatusCode)
	}

	var res struct {
		Data struct {
			Attributes struct {
				BatteryLevel   float64 `json:"batteryLevel"`
				PlugStatus     int     `json:"plugStatus"`
				ChargingStatus float64 `json:"chargingStatus"`
				Timestamp      string  `json:"timestamp"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return types.VehicleData{}, fmt.Errorf("vehicle %s: decoding status: %w", p.name, err)
	}

	at := res.Data.Attributes
	ts := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, at.Timestamp); err == nil {
		ts = t.UTC()
	}
	return types.VehicleData{
		SOC:       at.BatteryLevel,
		Connected: at.PlugStatus > 0,
		Charging:  at.ChargingStatus > 0,
		Timestamp: ts,
	}, nil
}
