// Package evcc talks to the downstream evcc charge controller over its REST
// API. StromPilot never switches power itself; every dispatch decision ends
// up as one of these calls.
package evcc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/strompilot/strompilot/pkg/common"
	"github.com/strompilot/strompilot/pkg/log"
	"github.com/strompilot/strompilot/pkg/tariff"
	"github.com/strompilot/strompilot/pkg/types"
)

// RequestTimeout bounds every downstream call so a hung evcc degrades the
// cycle instead of stalling it.
const RequestTimeout = 15 * time.Second

// Loadpoint is the subset of the evcc loadpoint state the dispatcher reads.
type Loadpoint struct {
	Mode          types.ChargeMode `json:"mode"`
	Connected     bool             `json:"connected"`
	Charging      bool             `json:"charging"`
	VehicleSOC    float64          `json:"vehicleSoc"`
	VehicleName   string           `json:"vehicleName"`
	ChargePowerW  float64          `json:"chargePower"`
	VehicleRangeM float64          `json:"vehicleRange"`
}

// State is the site state as reported by GET /api/state.
type State struct {
	BatterySOC   float64     `json:"batterySoc"`
	BatteryPower float64     `json:"batteryPower"`
	GridPower    float64     `json:"gridPower"`
	PVPower      float64     `json:"pvPower"`
	HomePower    float64     `json:"homePower"`
	Loadpoints   []Loadpoint `json:"loadpoints"`
}

// API is the operation surface the decision pipeline consumes. The concrete
// Client implements it; tests substitute the generated mock.
type API interface {
	State(ctx context.Context) (State, error)
	GridTariff(ctx context.Context) ([]tariff.Rate, error)
	SolarTariff(ctx context.Context) ([]tariff.Rate, error)

	SetLoadpointMode(ctx context.Context, loadpoint int, mode types.ChargeMode) error
	SetBufferSOC(ctx context.Context, pct int) error
	SetBufferStartSOC(ctx context.Context, pct int) error
	SetPrioritySOC(ctx context.Context, pct int) error
	SetBatteryGridChargeLimit(ctx context.Context, eurPerKWH float64) error
	DeleteBatteryGridChargeLimit(ctx context.Context) error
	SetSmartCostLimit(ctx context.Context, eurPerKWH float64) error
	SetBatteryDischargeControl(ctx context.Context, enabled bool) error
}

// Client is the HTTP implementation of API. It is safe for concurrent use;
// the collector and the decision loop share one instance.
type Client struct {
	client   *http.Client
	baseURL  string
	password string

	// mu guards loggedIn; login happens under the lock so concurrent callers
	// reuse one session instead of racing to create their own
	mu       sync.Mutex
	loggedIn bool
}

// NewClient returns a client for the evcc instance at baseURL. password may
// be empty when evcc runs without authentication.
func NewClient(baseURL, password string) *Client {
	return &Client{
		client:   common.SessionHTTPClient(RequestTimeout),
		baseURL:  baseURL,
		password: password,
	}
}

type apiResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// ensureSession establishes the cookie session when evcc is password
// protected and no live session exists.
func (c *Client) ensureSession(ctx context.Context) error {
	if c.password == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}
	req, err := c.newRequest(ctx, "POST", "api/auth/login", map[string]string{"password": c.password})
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed: status %d", resp.StatusCode)
	}
	c.loggedIn = true
	log.Ctx(ctx).DebugContext(ctx, "evcc login success")
	return nil
}

func (c *Client) invalidateSession() {
	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	ctx := req.Context()
	// we try up to 2 times because the session cookie might have expired
	for i := 0; i < 2; i++ {
		if err := c.ensureSession(ctx); err != nil {
			return err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized && c.password != "" {
			resp.Body.Close()
			log.Ctx(ctx).DebugContext(ctx, "evcc session expired")
			c.invalidateSession()
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d", resp.StatusCode)
		}

		if dest == nil {
			return nil
		}
		var ar apiResponse
		if err := json.Unmarshal(body, &ar); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decode evcc response", slog.Any("error", err), slog.String("body", string(body)))
			return err
		}
		if ar.Error != "" {
			return fmt.Errorf("evcc api error: %s", ar.Error)
		}
		if err := json.Unmarshal(ar.Result, dest); err != nil {
			return fmt.Errorf("failed to decode evcc result: %w", err)
		}
		return nil
	}
	return errors.New("evcc authentication failed")
}

// State fetches the full site state.
func (c *Client) State(ctx context.Context) (State, error) {
	req, err := c.newRequest(ctx, "GET", "api/state", nil)
	if err != nil {
		return State{}, err
	}
	var st State
	if err := c.doRequest(req, &st); err != nil {
		return State{}, fmt.Errorf("state failed: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "evcc state",
		slog.Float64("batterySoc", st.BatterySOC),
		slog.Float64("gridPower", st.GridPower),
		slog.Float64("pvPower", st.PVPower),
		slog.Int("loadpoints", len(st.Loadpoints)),
	)
	return st, nil
}

type ratesResult struct {
	Rates []tariff.Rate `json:"rates"`
}

func (c *Client) getTariff(ctx context.Context, kind string) ([]tariff.Rate, error) {
	req, err := c.newRequest(ctx, "GET", "api/tariff/"+kind, nil)
	if err != nil {
		return nil, err
	}
	var res ratesResult
	if err := c.doRequest(req, &res); err != nil {
		return nil, fmt.Errorf("tariff %s failed: %w", kind, err)
	}
	return res.Rates, nil
}

// GridTariff returns the forward grid price rates in EUR/kWh.
func (c *Client) GridTariff(ctx context.Context) ([]tariff.Rate, error) {
	return c.getTariff(ctx, "grid")
}

// SolarTariff returns the forward PV forecast rates. Units vary by provider;
// tariff.SolarUnit disambiguates.
func (c *Client) SolarTariff(ctx context.Context) ([]tariff.Rate, error) {
	return c.getTariff(ctx, "solar")
}

func (c *Client) post(ctx context.Context, endpoint string) error {
	req, err := c.newRequest(ctx, "POST", endpoint, nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}

// SetLoadpointMode switches the charger mode for one loadpoint.
func (c *Client) SetLoadpointMode(ctx context.Context, loadpoint int, mode types.ChargeMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid charge mode %q", mode)
	}
	return c.post(ctx, fmt.Sprintf("api/loadpoints/%d/mode/%s", loadpoint, mode))
}

// SetBufferSOC sets the battery buffer SoC in percent.
func (c *Client) SetBufferSOC(ctx context.Context, pct int) error {
	return c.post(ctx, "api/buffersoc/"+strconv.Itoa(pct))
}

// SetBufferStartSOC sets the SoC above which buffer discharge may start.
func (c *Client) SetBufferStartSOC(ctx context.Context, pct int) error {
	return c.post(ctx, "api/bufferstartsoc/"+strconv.Itoa(pct))
}

// SetPrioritySOC sets the SoC below which the house battery has priority
// over the EV.
func (c *Client) SetPrioritySOC(ctx context.Context, pct int) error {
	return c.post(ctx, "api/prioritysoc/"+strconv.Itoa(pct))
}

// SetBatteryGridChargeLimit allows grid charging of the battery below the
// given price.
func (c *Client) SetBatteryGridChargeLimit(ctx context.Context, eurPerKWH float64) error {
	return c.post(ctx, fmt.Sprintf("api/batterygridchargelimit/%.4f", eurPerKWH))
}

// DeleteBatteryGridChargeLimit removes the grid charge limit.
func (c *Client) DeleteBatteryGridChargeLimit(ctx context.Context) error {
	req, err := c.newRequest(ctx, "DELETE", "api/batterygridchargelimit", nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}

// SetSmartCostLimit sets the price below which the EV may charge from grid.
func (c *Client) SetSmartCostLimit(ctx context.Context, eurPerKWH float64) error {
	return c.post(ctx, fmt.Sprintf("api/smartcostlimit/%.4f", eurPerKWH))
}

// SetBatteryDischargeControl toggles whether evcc may hold back battery
// discharge during EV fast charging.
func (c *Client) SetBatteryDischargeControl(ctx context.Context, enabled bool) error {
	return c.post(ctx, "api/batterydischargecontrol/"+strconv.FormatBool(enabled))
}
