// Package apiclient fetches JSON documents from the tide-current API,
// optionally through the edge proxy.
package apiclient

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v5"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// DefaultMaxRetries is the number of retries after the first attempt.
const DefaultMaxRetries = 3

// Proxy is an edge proxy deployment.
type Proxy struct {
	URL string
}

// ProxiedURL returns the proxy URL forwarding to upstream.
// The upstream URL is percent-encoded into the apiurl parameter.
func (p Proxy) ProxiedURL(upstream string) string {
	return p.URL + "?apiurl=" + strings.ReplaceAll(url.QueryEscape(upstream), "+", "%20")
}

type Client struct {
	// HTTP client used for requests. Defaults to http.DefaultClient.
	HTTP *http.Client
	// Optional proxy all requests are routed through.
	Proxy *Proxy
	// Retries of transient failures.
	MaxRetries uint
	// Delays between retries. Defaults to exponential backoff.
	BackOff backoff.BackOff
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

func New() *Client {
	return &Client{MaxRetries: DefaultMaxRetries}
}

// FetchJSON gets the JSON document at rawURL.
//
// Responses other than 2xx, bodies that are not JSON and objects with a
// top-level "error" member are errors. Transport errors, 429 and 5xx
// responses are retried with backoff; everything else fails immediately.
func (c *Client) FetchJSON(ctx context.Context, rawURL string) (gjson.Result, error) {
	if c.Proxy != nil {
		rawURL = c.Proxy.ProxiedURL(rawURL)
	}
	logger := c.logger().With().Str("url", rawURL).Logger()
	logger.Debug().Msg("Fetching")

	b := c.BackOff
	if b == nil {
		b = backoff.NewExponentialBackOff()
	}
	attempt := 0
	doc, err := backoff.Retry(ctx, func() (gjson.Result, error) {
		attempt++
		doc, err := c.fetch(ctx, rawURL)
		if err != nil && !platformerrors.IsRetryable(err) {
			return doc, backoff.Permanent(err)
		}
		if err != nil {
			logger.Debug().Err(err).Int("attempt", attempt).Msg("Retrying")
		}
		return doc, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.MaxRetries+1))
	if err != nil {
		logger.Error().Err(err).Msg("Could not fetch JSON")
		return gjson.Result{}, err
	}
	logger.Trace().Int("bytes", len(doc.Raw)).Msg("Got JSON")
	return doc, nil
}

func (c *Client) fetch(ctx context.Context, rawURL string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return gjson.Result{}, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "bad url")
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return gjson.Result{}, platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeNetwork, "request failed"), "url", rawURL)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return gjson.Result{}, platformerrors.Wrap(err, platformerrors.CodeNetwork, "reading body failed")
	}

	if res.StatusCode >= 400 {
		perr := platformerrors.Newf(statusCode(res.StatusCode), "%s, %s", res.Status, rawURL)
		perr = platformerrors.WithContext(perr, "status", res.StatusCode)
		return gjson.Result{}, platformerrors.WithContext(perr, "body", truncate(string(body), 512))
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, platformerrors.WithContext(
			platformerrors.New(platformerrors.CodeExecutionFailed, "response is not JSON"),
			"body", truncate(string(body), 512))
	}
	doc := gjson.ParseBytes(body)
	if e := doc.Get("error"); e.Exists() {
		return gjson.Result{}, platformerrors.WithContext(
			platformerrors.New(platformerrors.CodeExecutionFailed, "response contained an error"),
			"error", e.String())
	}
	return doc, nil
}

// statusCode classifies an HTTP failure; only transient ones are retryable.
func statusCode(status int) platformerrors.ErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return platformerrors.CodeRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return platformerrors.CodeTimeout
	case status >= 500:
		return platformerrors.CodeUnavailable
	case status == http.StatusNotFound:
		return platformerrors.CodeNotFound
	default:
		return platformerrors.CodeInvalidInput
	}
}

func (c *Client) logger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	return log.Logger
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
