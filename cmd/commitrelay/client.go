package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"commitrelay/internal/config"
	"commitrelay/internal/statusapi"
)

const apiTimeout = 10 * time.Second

// errAPIDisabled is returned when the configured status address is empty.
var errAPIDisabled = errors.New("status API is disabled (status.address is empty)")

// unreachableError means no daemon answered on the status address.
type unreachableError struct {
	address string
	err     error
}

func (e *unreachableError) Error() string {
	return fmt.Sprintf("status API at %s is unreachable: %v", e.address, e.err)
}

func (e *unreachableError) Unwrap() error {
	return e.err
}

// apply copies command-line overrides onto cfg.
func (o *options) apply(cfg *config.Config) {
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.address != "" {
		cfg.Status.Address = o.address
	}
}

// loadConfig reads the configuration for client commands. Validation is
// left to the daemon; a client only needs the state dir and status address.
func loadConfig(o *options) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.apply(cfg)
	return cfg, nil
}

// apiClient talks to a running daemon's status API.
type apiClient struct {
	address string
	http    *resty.Client
}

func newAPIClient(address string) (*apiClient, error) {
	if address == "" {
		return nil, errAPIDisabled
	}

	base := address
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &apiClient{
		address: address,
		http: resty.New().
			SetBaseURL(strings.TrimRight(base, "/")).
			SetTimeout(apiTimeout).
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", "commitrelay-cli/"+Version),
	}, nil
}

// call sends a request and decodes the body into out. Bodies of the listed
// non-2xx codes are decoded too; any other failure becomes an error.
func (c *apiClient) call(ctx context.Context, method, path string, out any, accept ...int) (int, error) {
	resp, err := c.http.R().SetContext(ctx).Execute(method, path)
	if err != nil {
		return 0, &unreachableError{address: c.address, err: err}
	}

	code := resp.StatusCode()
	if !resp.IsSuccess() && !slices.Contains(accept, code) {
		return code, fmt.Errorf("%s %s: %s", method, path, apiMessage(resp))
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return code, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return code, nil
}

func (c *apiClient) status(ctx context.Context) (*statusapi.StatusResponse, error) {
	var out statusapi.StatusResponse
	if _, err := c.call(ctx, http.MethodGet, "/status", &out, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) queue(ctx context.Context) (*statusapi.QueueResponse, error) {
	var out statusapi.QueueResponse
	if _, err := c.call(ctx, http.MethodGet, "/queue", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) drain(ctx context.Context) (*statusapi.DrainResponse, error) {
	var out statusapi.DrainResponse
	_, err := c.call(ctx, http.MethodPost, "/queue/drain", &out,
		http.StatusConflict, http.StatusServiceUnavailable, http.StatusBadGateway)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) purge(ctx context.Context) (int, error) {
	var out struct {
		Purged int `json:"purged"`
	}
	if _, err := c.call(ctx, http.MethodDelete, "/queue", &out); err != nil {
		return 0, err
	}
	return out.Purged, nil
}

func (c *apiClient) remove(ctx context.Context, id string) error {
	_, err := c.call(ctx, http.MethodDelete, "/queue/"+id, nil)
	return err
}

func (c *apiClient) journal(ctx context.Context, limit int) (*statusapi.JournalResponse, error) {
	var out statusapi.JournalResponse
	if _, err := c.call(ctx, http.MethodGet, "/journal?limit="+strconv.Itoa(limit), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// apiMessage extracts the error text of a failed response.
func apiMessage(resp *resty.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Error != "" {
		return body.Error
	}
	return resp.Status()
}
