package frank

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wattsync/wattsync/pkg/log"
	"github.com/wattsync/wattsync/pkg/metrics"
	"github.com/wattsync/wattsync/pkg/types"
)

const (
	clientID    = "9b63be56-54d0-4706-bfb5-69707d4f4f89"
	redirectURI = "eol://oauth/redirect"
	policy      = "B2C_1A_signin"

	defaultTokenBaseURL = "https://energyonlineb2cprod.b2clogin.com/energyonlineb2cprod.onmicrosoft.com"
	defaultDataBaseURL  = "https://mobile-api.energyonline.co.nz"

	csrfCookieName = "x-ms-cpim-csrf"
	settingsPrefix = "var SETTINGS = "

	// tokens within this much remaining validity are renewed before use
	tokenExpiryThreshold = 5 * time.Minute
)

// TokenState is the bearer token pair extracted from the provider. The TTL
// fields are remaining seconds as reported at fetch time, not wall-clock
// deadlines; they are compared against the renewal threshold as-is.
type TokenState struct {
	AccessToken       string
	RefreshToken      string
	AccessTTLSeconds  int64
	RefreshTTLSeconds int64
}

// Auth owns the credentials and token state for one provider account. It
// replays the provider's five-step browser login to obtain a token pair and
// refreshes the access token when it nears expiry. Callers never see partial
// login state: an attempt either completes or leaves the tokens untouched.
type Auth struct {
	client       *http.Client
	tokenBaseURL string
	creds        types.Credentials

	mu     sync.Mutex
	tokens TokenState
}

func newAuth(client *http.Client, tokenBaseURL string, creds types.Credentials) *Auth {
	return &Auth{
		client:       client,
		tokenBaseURL: tokenBaseURL,
		creds:        creds,
	}
}

// Tokens returns a copy of the current token state.
func (a *Auth) Tokens() TokenState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokens
}

func (a *Auth) scope() string {
	return fmt.Sprintf("openid offline_access %s", clientID)
}

// loginFlow carries the state extracted step to step during one login
// attempt. Its cookie jar lives for exactly one attempt and is discarded
// afterwards; it is never shared with refresh or usage calls.
type loginFlow struct {
	client     *http.Client
	noRedirect *http.Client
	transID    string
	csrf       string
	code       string
}

func (a *Auth) newLoginFlow() (*loginFlow, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	// both clients share the attempt's jar; the CSRF matching server-side
	// depends on cookie values being forwarded verbatim
	follow := *a.client
	follow.Jar = jar

	noRedirect := follow
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &loginFlow{
		client:     &follow,
		noRedirect: &noRedirect,
	}, nil
}

// PerformLogin replays the full five-step login and token exchange. On
// success the token state is replaced; on any failure it is left unchanged.
func (a *Auth) PerformLogin(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.performLoginLocked(ctx)
}

func (a *Auth) performLoginLocked(ctx context.Context) error {
	err := a.loginLocked(ctx)
	if err != nil {
		metrics.Login(metrics.OutcomeError)
		return err
	}
	metrics.Login(metrics.OutcomeSuccess)
	return nil
}

func (a *Auth) loginLocked(ctx context.Context) error {
	flow, err := a.newLoginFlow()
	if err != nil {
		return err
	}

	log.Ctx(ctx).DebugContext(ctx, "starting login flow", slog.String("email", a.creds.Email))

	if err := a.fetchAuthorizePage(ctx, flow); err != nil {
		return err
	}
	if err := a.submitIdentity(ctx, flow); err != nil {
		return err
	}
	if err := a.rotateCSRF(ctx, flow); err != nil {
		return err
	}
	if err := a.submitCredentials(ctx, flow); err != nil {
		return err
	}
	if err := a.confirmSignIn(ctx, flow); err != nil {
		return err
	}

	tok, err := a.exchangeCode(ctx, flow)
	if err != nil {
		return err
	}

	a.tokens = TokenState{
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		AccessTTLSeconds:  int64(tok.ExpiresIn),
		RefreshTTLSeconds: int64(tok.RefreshTokenExpiresIn),
	}
	log.Ctx(ctx).DebugContext(ctx, "login flow complete",
		slog.Int64("accessTTL", a.tokens.AccessTTLSeconds),
		slog.Int64("refreshTTL", a.tokens.RefreshTTLSeconds),
	)
	return nil
}

// authSettings is the subset of the inline SETTINGS object the flow needs.
type authSettings struct {
	TransID string `json:"transId"`
	CSRF    string `json:"csrf"`
}

// parseSettings locates the single `var SETTINGS = {...};` line embedded in
// the authorize page and decodes the JSON between the marker and the
// trailing semicolon.
func parseSettings(page string) (authSettings, error) {
	for _, line := range strings.Split(page, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, settingsPrefix) || !strings.HasSuffix(line, ";") {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(line, settingsPrefix), ";")
		var s authSettings
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return authSettings{}, &ParseError{Reason: "invalid settings json", Err: err}
		}
		return s, nil
	}
	return authSettings{}, &ParseError{Reason: "no settings line in authorize page"}
}

// Step 1: fetch the authorization page and extract the transaction id and
// initial CSRF token from its embedded settings object.
func (a *Auth) fetchAuthorizePage(ctx context.Context, flow *loginFlow) error {
	params := url.Values{}
	params.Set("p", policy)
	params.Set("client_id", clientID)
	params.Set("response_type", "code")
	params.Set("response_mode", "query")
	params.Set("scope", a.scope())
	params.Set("redirect_uri", redirectURI)

	req, err := a.newGetRequest(ctx, "oauth2/v2.0/authorize", params)
	if err != nil {
		return &AuthFlowError{Step: "authorize", Err: err}
	}

	resp, err := flow.client.Do(req)
	if err != nil {
		return &AuthFlowError{Step: "authorize", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &AuthFlowError{Step: "authorize", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &AuthFlowError{Step: "authorize", Err: err}
	}

	settings, err := parseSettings(string(body))
	if err != nil {
		return err
	}

	flow.transID = settings.TransID
	flow.csrf = settings.CSRF
	log.Ctx(ctx).DebugContext(ctx, "authorize page fetched", slog.String("transID", flow.transID))
	return nil
}

// Step 2: assert the account email. The response body is irrelevant; the
// step advances server-side flow state via cookies.
func (a *Auth) submitIdentity(ctx context.Context, flow *loginFlow) error {
	data := url.Values{}
	data.Set("request_type", "RESPONSE")
	data.Set("email", a.creds.Email)

	if err := a.postSelfAsserted(ctx, flow.client, flow.transID, flow.csrf, data); err != nil {
		return &AuthFlowError{Step: "identity", Err: err}
	}
	log.Ctx(ctx).DebugContext(ctx, "identity submitted")
	return nil
}

// Step 3: the server rotates the CSRF token here; the new value arrives only
// in the session cookie. A missing cookie means the provider changed or
// rejected the flow, which no retry within the attempt can fix.
func (a *Auth) rotateCSRF(ctx context.Context, flow *loginFlow) error {
	params := url.Values{}
	params.Set("csrf_token", flow.csrf)
	params.Set("tx", flow.transID)
	params.Set("p", policy)

	req, err := a.newGetRequest(ctx, policy+"/api/SelfAsserted/confirmed", params)
	if err != nil {
		return &AuthFlowError{Step: "confirmed", Err: err}
	}

	resp, err := flow.client.Do(req)
	if err != nil {
		return &AuthFlowError{Step: "confirmed", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	for _, c := range resp.Cookies() {
		if c.Name == csrfCookieName {
			flow.csrf = c.Value
			log.Ctx(ctx).DebugContext(ctx, "csrf token rotated")
			return nil
		}
	}
	return &AuthFlowError{Step: "confirmed", Err: fmt.Errorf("missing %s cookie", csrfCookieName)}
}

// Step 4: assert the credentials using the rotated CSRF token.
func (a *Auth) submitCredentials(ctx context.Context, flow *loginFlow) error {
	data := url.Values{}
	data.Set("request_type", "RESPONSE")
	data.Set("signInName", a.creds.Email)
	data.Set("password", a.creds.Password)

	if err := a.postSelfAsserted(ctx, flow.client, flow.transID, flow.csrf, data); err != nil {
		return &AuthFlowError{Step: "credentials", Err: err}
	}
	log.Ctx(ctx).DebugContext(ctx, "credentials submitted")
	return nil
}

// Step 5: the confirmation endpoint answers with a redirect to the app's
// redirect URI carrying the authorization code in its query string. The
// redirect must be inspected, not followed.
func (a *Auth) confirmSignIn(ctx context.Context, flow *loginFlow) error {
	params := url.Values{}
	params.Set("rememberMe", "false")
	params.Set("csrf_token", flow.csrf)
	params.Set("tx", flow.transID)
	params.Set("p", policy)

	req, err := a.newGetRequest(ctx, policy+"/api/CombinedSigninAndSignup/confirmed", params)
	if err != nil {
		return &AuthFlowError{Step: "signin", Err: err}
	}

	resp, err := flow.noRedirect.Do(req)
	if err != nil {
		return &AuthFlowError{Step: "signin", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return &AuthFlowError{Step: "signin", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	location := resp.Header.Get("Location")
	_, rawQuery, _ := strings.Cut(location, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return &AuthFlowError{Step: "signin", Err: fmt.Errorf("unparseable redirect location %q: %w", location, err)}
	}

	if errn := query.Get("error"); errn != "" {
		log.Ctx(ctx).ErrorContext(ctx, "error in signin redirect",
			slog.String("error", errn),
			slog.String("description", query.Get("error_description")),
		)
	}

	code := query.Get("code")
	if code == "" {
		return &AuthFlowError{Step: "signin", Err: fmt.Errorf("no authorization code in redirect")}
	}
	flow.code = code
	log.Ctx(ctx).DebugContext(ctx, "authorization code obtained")
	return nil
}

type tokenResult struct {
	AccessToken           string        `json:"access_token"`
	RefreshToken          string        `json:"refresh_token"`
	ExpiresIn             expirySeconds `json:"expires_in"`
	RefreshTokenExpiresIn expirySeconds `json:"refresh_token_expires_in"`
}

// expirySeconds decodes the provider's expiry fields, which arrive as either
// a JSON number or a quoted string depending on the endpoint.
type expirySeconds int64

func (e *expirySeconds) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*e = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expiry %q: %w", s, err)
	}
	*e = expirySeconds(v)
	return nil
}

// exchangeCode trades the authorization code for the token pair. The
// provider accepts this as a GET with query parameters.
func (a *Auth) exchangeCode(ctx context.Context, flow *loginFlow) (tokenResult, error) {
	params := url.Values{}
	params.Set("p", policy)
	params.Set("grant_type", "authorization_code")
	params.Set("client_id", clientID)
	params.Set("scope", a.scope())
	params.Set("redirect_uri", redirectURI)
	params.Set("code", flow.code)

	req, err := a.newGetRequest(ctx, policy+"/oauth2/v2.0/token", params)
	if err != nil {
		return tokenResult{}, &AuthFlowError{Step: "token", Err: err}
	}

	resp, err := flow.client.Do(req)
	if err != nil {
		return tokenResult{}, &AuthFlowError{Step: "token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tokenResult{}, &AuthFlowError{Step: "token", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var tok tokenResult
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return tokenResult{}, &AuthFlowError{Step: "token", Err: err}
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return tokenResult{}, &AuthFlowError{Step: "token", Err: fmt.Errorf("token response missing fields")}
	}
	return tok, nil
}

// RefreshAccessToken exchanges the stored refresh token for a new access
// token. A non-200 response is recoverable: it is logged, the token state is
// left unchanged and the expiry checks on the next call pick it up.
func (a *Auth) RefreshAccessToken(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshAccessTokenLocked(ctx)
}

func (a *Auth) refreshAccessTokenLocked(ctx context.Context) error {
	data := url.Values{}
	data.Set("p", policy)
	data.Set("grant_type", "refresh_token")
	data.Set("client_id", clientID)
	data.Set("refresh_token", a.tokens.RefreshToken)

	u, err := a.buildURL("oauth2/v2.0/token", nil)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Ctx(ctx).ErrorContext(ctx, "failed to refresh access token", slog.Int("status", resp.StatusCode))
		return nil
	}

	var tok tokenResult
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode refresh response", slog.Any("error", err))
		return nil
	}
	if tok.AccessToken == "" {
		log.Ctx(ctx).ErrorContext(ctx, "refresh response missing access token")
		return nil
	}

	a.tokens.AccessToken = tok.AccessToken
	if tok.ExpiresIn > 0 {
		a.tokens.AccessTTLSeconds = int64(tok.ExpiresIn)
	}
	log.Ctx(ctx).DebugContext(ctx, "access token refreshed")
	return nil
}

// EnsureValidToken renews whichever tokens are at or below the expiry
// threshold: the access token via refresh, the refresh token via a full
// re-login. Both checks run on every call, access first. A refresh token
// renewed here is usable immediately but does not re-trigger the access
// check within the same call.
func (a *Auth) EnsureValidToken(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	threshold := int64(tokenExpiryThreshold.Seconds())

	if a.tokens.AccessTTLSeconds <= threshold {
		log.Ctx(ctx).WarnContext(ctx, "access token needs renewing")
		if err := a.refreshAccessTokenLocked(ctx); err != nil {
			return err
		}
	}

	if a.tokens.RefreshTTLSeconds <= threshold {
		log.Ctx(ctx).WarnContext(ctx, "refresh token needs renewing")
		if err := a.performLoginLocked(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (a *Auth) accessToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokens.AccessToken
}

func (a *Auth) buildURL(endpoint string, params url.Values) (string, error) {
	u, err := url.Parse(a.tokenBaseURL)
	if err != nil {
		return "", err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return "", err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	return u.String(), nil
}

func (a *Auth) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := a.buildURL(endpoint, params)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, "GET", u, nil)
}

// postSelfAsserted posts form data to the tenant's SelfAsserted endpoint
// scoped by transaction id, carrying the CSRF token as a header. The
// response body is discarded.
func (a *Auth) postSelfAsserted(ctx context.Context, client *http.Client, transID, csrf string, data url.Values) error {
	params := url.Values{}
	params.Set("tx", transID)
	params.Set("p", policy)

	u, err := a.buildURL(policy+"/SelfAsserted", params)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", u, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRF-TOKEN", csrf)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
