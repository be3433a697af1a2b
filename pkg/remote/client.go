// Package remote sends query text plus variables to a query endpoint and
// decodes the named result sets it answers with.
package remote

import (
	"bytes"
	"context"
	"flag"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/common/config"

	"github.com/querygrid/querygrid/pkg/querydef"
	"github.com/querygrid/querygrid/pkg/resultset"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	contentType  = "application/json"
	maxErrMsgLen = 1024
)

// Config configures the endpoint client.
type Config struct {
	Timeout time.Duration           `yaml:"timeout"`
	Backoff backoff.Config          `yaml:"backoff"`
	Client  config.HTTPClientConfig `yaml:"http_client,omitempty"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.Timeout, "remote.timeout", 30*time.Second, "Timeout for a single request to the query endpoint.")
	f.DurationVar(&cfg.Backoff.MinBackoff, "remote.min-backoff", 250*time.Millisecond, "Initial delay before retrying a failed request.")
	f.DurationVar(&cfg.Backoff.MaxBackoff, "remote.max-backoff", 5*time.Second, "Maximum delay between retries.")
	f.IntVar(&cfg.Backoff.MaxRetries, "remote.max-retries", 3, "Maximum request attempts against the query endpoint.")
}

// Request is one query execution against an endpoint.
type Request struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// Client executes requests against remote query endpoints.
type Client interface {
	Do(ctx context.Context, endpoint querydef.Endpoint, req Request) (resultset.Payload, error)
}

type httpClient struct {
	cfg     Config
	client  *http.Client
	logger  log.Logger
	metrics *Metrics
}

// New builds the production client.
func New(cfg Config, logger log.Logger, metrics *Metrics) (Client, error) {
	client, err := config.NewClientFromConfig(cfg.Client, "querygrid-remote")
	if err != nil {
		return nil, errors.Wrap(err, "building remote http client")
	}
	client.Timeout = cfg.Timeout

	return &httpClient{
		cfg:     cfg,
		client:  client,
		logger:  log.With(logger, "component", "remote"),
		metrics: metrics,
	}, nil
}

// Do posts the request, retrying server-side and connection failures.
// Endpoint-reported errors and 4xx responses fail immediately.
func (c *httpClient) Do(ctx context.Context, endpoint querydef.Endpoint, req Request) (resultset.Payload, error) {
	if endpoint.URL == "" {
		return nil, errors.New("remote request without endpoint URL")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encoding remote request")
	}

	host := hostLabel(endpoint.URL)
	retry := backoff.New(ctx, c.cfg.Backoff)
	var (
		payload resultset.Payload
		status  int
	)
	for retry.Ongoing() {
		start := time.Now()
		payload, status, err = c.send(ctx, endpoint, body)
		c.metrics.requestDuration.WithLabelValues(strconv.Itoa(status), host).Observe(time.Since(start).Seconds())

		if err == nil {
			c.metrics.payloadBytes.WithLabelValues(host).Add(float64(len(body)))
			return payload, nil
		}

		// Only retry 500s and connection-level errors.
		if status > 0 && status/100 != 5 {
			break
		}

		level.Warn(c.logger).Log("msg", "remote request failed, will retry", "host", host, "status", status, "err", err)
		retry.Wait()
	}

	c.metrics.failures.WithLabelValues(host).Inc()
	if retryErr := retry.Err(); err == nil && retryErr != nil {
		err = retryErr
	}
	return nil, errors.Wrap(err, "remote query")
}

func (c *httpClient) send(ctx context.Context, endpoint querydef.Endpoint, body []byte) (resultset.Payload, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, -1, err
	}
	req.Header.Set("Content-Type", contentType)
	if token := endpoint.Token.String(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, -1, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrMsgLen))
		return nil, resp.StatusCode, errors.Errorf("endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "reading response")
	}

	var env struct {
		Data   jsoniter.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "decoding response envelope")
	}
	if len(env.Errors) > 0 {
		// Endpoint-level errors are semantic, retrying cannot help.
		return nil, http.StatusUnprocessableEntity, errors.Errorf("endpoint error: %s", env.Errors[0].Message)
	}
	if len(env.Data) == 0 {
		return resultset.Payload{}, resp.StatusCode, nil
	}

	payload, skipped, err := resultset.DecodePayload(env.Data)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if skipped > 0 {
		level.Debug(c.logger).Log("msg", "dropped malformed rows from response", "count", skipped)
	}
	return payload, resp.StatusCode, nil
}

func hostLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
