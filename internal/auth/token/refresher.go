package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/pysugar/gmb-autopost/internal/auth/google"
	"github.com/pysugar/gmb-autopost/internal/gmb"
	"github.com/pysugar/gmb-autopost/internal/util"
	"github.com/pysugar/gmb-autopost/internal/version"
	"golang.org/x/oauth2"
)

// ErrRefreshRevoked marks a refresh token Google will never accept again.
var ErrRefreshRevoked = errors.New("refresh token revoked")

// RelayRefresher exchanges refresh tokens through the hosted token relay,
// which holds the OAuth client secret.
type RelayRefresher struct {
	endpoint   string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
}

// NewRelayRefresher creates a relay refresher. Only transport errors are
// retried; any HTTP answer is final.
//
//nolint:bodyclose // *http.Response is a type parameter here
func NewRelayRefresher(endpoint string, retries int, httpClient *http.Client) *RelayRefresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if retries < 0 {
		retries = 0
	}
	policy := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(retries).
		WithJitterFactor(0.1).
		HandleIf(func(_ *http.Response, err error) bool { return err != nil }).
		Build()
	return &RelayRefresher{
		endpoint:   strings.TrimSpace(endpoint),
		httpClient: httpClient,
		executor:   failsafe.With(policy),
	}
}

type relayResponse struct {
	Body struct {
		AccessToken string `json:"access_token"`
	} `json:"body"`
}

func (r *RelayRefresher) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	target, err := url.Parse(r.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := target.Query()
	q.Set("refresh_token", refreshToken)
	target.RawQuery = q.Encode()

	resp, err := r.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", version.UserAgent())
		return r.httpClient.Do(req)
	})
	if err != nil || resp == nil {
		if err == nil {
			err = errors.New("empty response")
		}
		return nil, &gmb.TransportError{Op: "token refresh", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, &gmb.TransportError{Op: "token refresh", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token relay returned %d: %s", resp.StatusCode, util.TruncateBytes(body))
	}

	var parsed relayResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode token relay response: %w", err)
	}
	return &Token{AccessToken: strings.TrimSpace(parsed.Body.AccessToken)}, nil
}

// OAuthRefresher refreshes directly against Google's token endpoint with a
// locally configured OAuth client.
type OAuthRefresher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuthRefresher creates a direct refresher. httpClient may be nil.
func NewOAuthRefresher(clientID, clientSecret string, httpClient *http.Client) *OAuthRefresher {
	return &OAuthRefresher{
		config:     google.GetOAuthConfig(clientID, clientSecret, ""),
		httpClient: httpClient,
	}
}

func (o *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if o.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	}
	src := o.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	newToken, err := src.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			return nil, fmt.Errorf("%w: %v", ErrRefreshRevoked, err)
		}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, err
		}
		return nil, &gmb.TransportError{Op: "token refresh", Err: err}
	}

	out := &Token{AccessToken: newToken.AccessToken}
	// Persist rotated refresh token if provided (RFC 6749)
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		out.RefreshToken = newToken.RefreshToken
	}
	return out, nil
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
