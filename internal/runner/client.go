// Package runner is the HTTP client for the model-runner orchestrator:
// session init, tick-based model discovery, and fan-out predict calls.
// The orchestrator multiplexes one request across every live model and
// returns per-model results.
package runner

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sony/gobreaker"

	"github.com/crunchkit/coordinator/internal/config"
	"github.com/crunchkit/coordinator/internal/entity"
)

var (
	// ErrNotInitialized indicates a call before Init succeeded.
	ErrNotInitialized = errors.New("runner: session not initialized")

	// ErrUnavailable indicates the orchestrator rejected or failed the call.
	ErrUnavailable = errors.New("runner: orchestrator unavailable")
)

// Response is one model's answer to a fan-out call. A non-empty Error
// means the model failed; TimedOut marks models that never answered.
type Response struct {
	ModelID    string         `json:"model_id"`
	Output     map[string]any `json:"output"`
	ExecTimeMs float64        `json:"exec_time_ms"`
	Error      string         `json:"error,omitempty"`
	TimedOut   bool           `json:"timed_out,omitempty"`
}

// modelInfo is the orchestrator's model descriptor.
type modelInfo struct {
	ModelID      string            `json:"model_id"`
	ModelName    string            `json:"model_name"`
	DeploymentID string            `json:"deployment_id"`
	Infos        map[string]string `json:"infos"`
}

type initRequest struct {
	CrunchID string `json:"crunch_id"`
}

type callRequest struct {
	CrunchID string         `json:"crunch_id"`
	Method   string         `json:"method"`
	Payload  map[string]any `json:"payload"`
}

type callResponse struct {
	Models    []modelInfo `json:"models"`
	Responses []Response  `json:"responses"`
}

// Client talks to one model-runner orchestrator. Init must succeed once
// before Tick or Predict; a breaker guards the transport so a dead
// orchestrator fails fast instead of stalling every dispatch cycle.
type Client struct {
	baseURL     string
	crunchID    string
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	timeout     time.Duration
	initialized bool
	logger      *slog.Logger
}

// New builds a client from the runner config. A cert dir switches the
// transport to TLS; the gateway dir wins when both are set.
func New(cfg config.RunnerConfig, crunchID string, logger *slog.Logger) (*Client, error) {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	transport := cleanhttp.DefaultPooledTransport()
	scheme := "http"

	certDir := cfg.CertDir()
	if certDir != "" {
		tlsConfig, tlsErr := loadTLSConfig(certDir)
		if tlsErr != nil {
			return nil, tlsErr
		}

		transport.TLSClientConfig = tlsConfig
		scheme = "https"

		logger.Info("runner transport secured", "cert_dir", certDir)
	} else {
		logger.Info("runner transport insecure")
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "model-runner",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		baseURL:  fmt.Sprintf("%s://%s", scheme, cfg.Addr()),
		crunchID: crunchID,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		breaker: breaker,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Init opens the session for this crunch. Idempotent; later calls are
// no-ops once one has succeeded.
func (c *Client) Init(ctx context.Context) error {
	if c.initialized {
		return nil
	}

	body := initRequest{CrunchID: c.crunchID}

	_, err := c.post(ctx, "/v1/runner/init", body)
	if err != nil {
		return err
	}

	c.initialized = true

	c.logger.InfoContext(ctx, "runner session initialized", "crunch_id", c.crunchID)

	return nil
}

// Tick pushes the latest assembled input to every model and returns the
// models currently live on the orchestrator.
func (c *Client) Tick(ctx context.Context, input map[string]any) ([]entity.Model, error) {
	if !c.initialized {
		return nil, ErrNotInitialized
	}

	resp, err := c.call(ctx, "tick", input)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	models := make([]entity.Model, 0, len(resp.Models))

	for _, info := range resp.Models {
		models = append(models, toModel(info, now))
	}

	return models, nil
}

// Predict fans the scope payload out to every model under the contract
// call method and returns the per-model responses keyed by model id.
// Models absent from the response never answered in time.
func (c *Client) Predict(
	ctx context.Context, method string, scope map[string]any,
) (map[string]Response, error) {
	if !c.initialized {
		return nil, ErrNotInitialized
	}

	resp, err := c.call(ctx, method, scope)
	if err != nil {
		return nil, err
	}

	byModel := make(map[string]Response, len(resp.Responses))
	for _, response := range resp.Responses {
		byModel[response.ModelID] = response
	}

	return byModel, nil
}

func (c *Client) call(ctx context.Context, method string, payload map[string]any) (*callResponse, error) {
	body := callRequest{
		CrunchID: c.crunchID,
		Method:   method,
		Payload:  payload,
	}

	raw, err := c.post(ctx, "/v1/runner/call", body)
	if err != nil {
		return nil, err
	}

	var decoded callResponse

	decodeErr := json.Unmarshal(raw, &decoded)
	if decodeErr != nil {
		return nil, fmt.Errorf("decode runner response: %w", decodeErr)
	}

	return &decoded, nil
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode runner request: %w", err)
	}

	raw, execErr := c.breaker.Execute(func() (any, error) {
		req, reqErr := http.NewRequestWithContext(
			ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded),
		)
		if reqErr != nil {
			return nil, reqErr
		}

		req.Header.Set("Content-Type", "application/json")

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, doErr)
		}

		defer func() { _ = resp.Body.Close() }()

		payload, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, resp.StatusCode)
		}

		return payload, nil
	})
	if execErr != nil {
		return nil, execErr
	}

	payload, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected breaker payload", ErrUnavailable)
	}

	return payload, nil
}

func toModel(info modelInfo, now time.Time) entity.Model {
	name := info.ModelName
	if name == "" {
		name = "unknown-model"
	}

	playerID := info.Infos["cruncher_id"]
	if playerID == "" {
		playerID = "unknown-player"
	}

	playerName := info.Infos["cruncher_name"]
	if playerName == "" {
		playerName = "Unknown"
	}

	deployment := info.DeploymentID
	if deployment == "" {
		deployment = "unknown-deployment"
	}

	return entity.Model{
		ID:                   info.ModelID,
		Name:                 name,
		DeploymentIdentifier: deployment,
		PlayerID:             playerID,
		PlayerName:           playerName,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// loadTLSConfig reads cert.pem/key.pem as the client pair and, when
// present, ca.pem as the trust root.
func loadTLSConfig(dir string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(dir, "cert.pem"),
		filepath.Join(dir, "key.pem"),
	)
	if err != nil {
		return nil, fmt.Errorf("load runner client cert: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	caPath := filepath.Join(dir, "ca.pem")

	caPEM, caErr := os.ReadFile(caPath)
	if caErr == nil {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM(caPEM) {
			tlsConfig.RootCAs = pool
		}
	}

	return tlsConfig, nil
}
