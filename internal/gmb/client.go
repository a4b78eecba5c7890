// Package gmb is a small client for the Google My Business v4 REST API and
// the error types every posting step reports through.
package gmb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/pysugar/gmb-autopost/internal/util"
	"github.com/pysugar/gmb-autopost/internal/version"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL = "https://mybusiness.googleapis.com"
	defaultTimeout = 30 * time.Second

	maxBodyBytes = 1 << 20
)

type Account struct {
	Name        string `json:"name"`
	AccountName string `json:"accountName,omitempty"`
	Type        string `json:"type,omitempty"`
}

type Address struct {
	AddressLines []string `json:"addressLines,omitempty"`
	Locality     string   `json:"locality,omitempty"`
	PostalCode   string   `json:"postalCode,omitempty"`
	RegionCode   string   `json:"regionCode,omitempty"`
}

type Location struct {
	Name         string  `json:"name"`
	LocationName string  `json:"locationName"`
	StoreCode    string  `json:"storeCode,omitempty"`
	Address      Address `json:"address"`
}

// StreetAddress returns the first address line, or "".
func (l Location) StreetAddress() string {
	if len(l.Address.AddressLines) == 0 {
		return ""
	}
	return l.Address.AddressLines[0]
}

type CallToAction struct {
	URL        string `json:"url"`
	ActionType string `json:"actionType"`
}

type Media struct {
	SourceURL   string `json:"sourceUrl"`
	MediaFormat string `json:"mediaFormat"`
}

// LocalPost is a "What's New" post with a Learn More button and one photo.
type LocalPost struct {
	LanguageCode string       `json:"languageCode"`
	Summary      string       `json:"summary"`
	CallToAction CallToAction `json:"callToAction"`
	Media        Media        `json:"media"`
}

// NewLocalPost builds the post body sent to every location.
func NewLocalPost(languageCode, summary, pageURL, photoURL string) LocalPost {
	return LocalPost{
		LanguageCode: languageCode,
		Summary:      summary,
		CallToAction: CallToAction{URL: pageURL, ActionType: "LEARN_MORE"},
		Media:        Media{SourceURL: photoURL, MediaFormat: "PHOTO"},
	}
}

// PostResponse is the raw outcome of a local post request. Callers decide
// what a status code means.
type PostResponse struct {
	StatusCode int
	// ErrorMessage is error.message from a Google error body.
	ErrorMessage string
	Body         []byte
}

// Client talks to the GMB API. GET requests are retried on transport
// errors, 429 and 5xx; POSTs are sent once.
type Client struct {
	baseURL    string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	log        *logrus.Logger
}

// NewClient creates a Client with a default HTTP client.
func NewClient(baseURL string, timeout time.Duration, retries int, log *logrus.Logger) *Client {
	return NewClientWithHTTPClient(baseURL, timeout, retries, log, nil)
}

// NewClientWithHTTPClient creates a Client with an optional custom HTTP client.
func NewClientWithHTTPClient(baseURL string, timeout time.Duration, retries int, log *logrus.Logger, httpClient *http.Client) *Client {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: httpClient,
		executor:   failsafe.With(NewRetryPolicy(retries)),
		log:        log,
	}
}

// NewRetryPolicy returns the policy used for idempotent GMB requests.
//
//nolint:bodyclose // *http.Response is a type parameter here
func NewRetryPolicy(retries int) retrypolicy.RetryPolicy[*http.Response] {
	if retries < 0 {
		retries = 0
	}
	return retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(200*time.Millisecond, 5*time.Second).
		WithMaxRetries(retries).
		WithJitterFactor(0.1).
		HandleIf(ShouldRetry).
		Build()
}

// ShouldRetry retries network errors, rate limits and server errors.
func ShouldRetry(resp *http.Response, err error) bool {
	if err != nil || resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ListAccounts calls GET /v4/accounts.
func (c *Client) ListAccounts(ctx context.Context, token string) ([]Account, error) {
	var out struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.getJSON(ctx, token, "/v4/accounts", &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// ListLocations calls GET /v4/{account}/locations.
func (c *Client) ListLocations(ctx context.Context, token, account string) ([]Location, error) {
	var out struct {
		Locations []Location `json:"locations"`
	}
	if err := c.getJSON(ctx, token, "/v4/"+strings.Trim(account, "/")+"/locations", &out); err != nil {
		return nil, err
	}
	return out.Locations, nil
}

// CreateLocalPost calls POST /v4/{location}/localPosts. A non-nil error is
// always a *TransportError; HTTP failures come back in PostResponse.
func (c *Client) CreateLocalPost(ctx context.Context, token, location string, post LocalPost) (*PostResponse, error) {
	body, err := json.Marshal(post)
	if err != nil {
		return nil, fmt.Errorf("encode local post: %w", err)
	}

	url := c.baseURL + "/v4/" + strings.Trim(location, "/") + "/localPosts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "create local post", Err: err}
	}
	c.setHeaders(req, token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "create local post", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransportError{Op: "read local post response", Err: err}
	}

	out := &PostResponse{StatusCode: resp.StatusCode, Body: respBody}
	if resp.StatusCode != http.StatusOK {
		out.ErrorMessage = errorMessage(respBody)
		c.log.WithFields(logrus.Fields{
			"location": location,
			"status":   resp.StatusCode,
			"body":     util.TruncateBytes(respBody),
		}).Warn("local post rejected")
	}
	return out, nil
}

// getJSON performs a retried GET and decodes a 200 body into out. Non-200
// answers become *RemoteRejection, network failures *TransportError.
func (c *Client) getJSON(ctx context.Context, token, path string, out any) error {
	url := c.baseURL + path

	//nolint:bodyclose // closed below
	resp, err := c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		c.setHeaders(req, token)
		resp, err := c.httpClient.Do(req)
		if err == nil && ShouldRetry(resp, nil) {
			bufferBody(resp)
		}
		return resp, err
	})
	if resp == nil {
		if err == nil {
			err = fmt.Errorf("empty response")
		}
		return &TransportError{Op: "GET " + path, Err: err}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if readErr != nil {
		return &TransportError{Op: "GET " + path, Err: readErr}
	}
	if resp.StatusCode != http.StatusOK {
		c.log.WithFields(logrus.Fields{
			"path":   path,
			"status": resp.StatusCode,
			"body":   util.TruncateBytes(body),
		}).Warn("gmb request failed")
		return &RemoteRejection{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
}

// bufferBody replaces a response body with an in-memory copy so the
// connection is released even when a retry discards this response.
func bufferBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
}
