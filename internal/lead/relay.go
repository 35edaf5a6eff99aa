package lead

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/davanti/abtrack/internal/logger"
)

// ErrUpstream is returned when the CRM answers with a non-2xx status.
var ErrUpstream = errors.New("crm rejected lead")

const maxResponseBytes = 64 << 10

// Config configures the relay.
type Config struct {
	APIURL        string
	APIToken      string
	Timeout       time.Duration
	DefaultSource string
}

// Configured reports whether a live CRM endpoint is set.
func (c Config) Configured() bool {
	return !isBlank(c.APIURL) && !isBlank(c.APIToken)
}

// New returns a CRM client when cfg is configured and a test-mode relay
// otherwise.
func New(cfg Config, log logger.Logger) Relay {
	if cfg.Configured() {
		return NewCRMClient(cfg, nil, log)
	}
	return &TestModeRelay{defaultSource: cfg.DefaultSource, log: log}
}

type crmPayload struct {
	Name        string      `json:"name"`
	Phone       string      `json:"phone"`
	ExtraFields extraFields `json:"extra_fields"`
}

type extraFields struct {
	Source  string `json:"source"`
	Section string `json:"section"`
}

// CRMClient posts leads to the CRM API with a bearer token.
type CRMClient struct {
	cfg        Config
	httpClient *http.Client
	log        logger.Logger
}

// NewCRMClient builds a client. A nil httpClient gets one with cfg.Timeout.
func NewCRMClient(cfg Config, httpClient *http.Client, log logger.Logger) *CRMClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &CRMClient{cfg: cfg, httpClient: httpClient, log: log}
}

func (c *CRMClient) Submit(ctx context.Context, l Lead) (*Result, error) {
	body, err := json.Marshal(crmPayload{
		Name:  l.Name,
		Phone: l.Phone,
		ExtraFields: extraFields{
			Source:  valueOr(l.Source, c.cfg.DefaultSource),
			Section: valueOr(l.Section, UnknownSection),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode lead: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build crm request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach crm: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read crm response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Error("CRM rejected lead",
			logger.Int("status", resp.StatusCode),
			logger.String("body", string(data)),
		)
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	res := &Result{Mode: ModeLive}
	if json.Valid(data) {
		res.Data = data
	}

	c.log.Info("Lead relayed to CRM",
		logger.String("phone", maskPhone(l.Phone)),
		logger.String("section", valueOr(l.Section, UnknownSection)),
	)
	return res, nil
}

// TestModeRelay logs leads instead of sending them anywhere.
type TestModeRelay struct {
	defaultSource string
	log           logger.Logger
}

func (r *TestModeRelay) Submit(_ context.Context, l Lead) (*Result, error) {
	r.log.Info("Lead received in test mode",
		logger.String("phone", maskPhone(l.Phone)),
		logger.String("source", valueOr(l.Source, r.defaultSource)),
		logger.String("section", valueOr(l.Section, UnknownSection)),
	)
	return &Result{Mode: ModeTest}, nil
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
