// Package auth handles Google OAuth enrolment, token refresh, managed
// project discovery, and local-database token extraction.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// ParseCompositeRefresh splits a composite credential of the form
// "refreshToken|projectId|managedProjectId". Trailing segments are
// optional.
func ParseCompositeRefresh(composite string) (refreshToken, projectID, managedProjectID string) {
	parts := strings.Split(composite, "|")
	if len(parts) > 0 {
		refreshToken = parts[0]
	}
	if len(parts) > 1 {
		projectID = parts[1]
	}
	if len(parts) > 2 {
		managedProjectID = parts[2]
	}
	return
}

// FormatCompositeRefresh rebuilds a composite credential, omitting
// empty trailing segments.
func FormatCompositeRefresh(refreshToken, projectID, managedProjectID string) string {
	if managedProjectID != "" {
		return fmt.Sprintf("%s|%s|%s", refreshToken, projectID, managedProjectID)
	}
	if projectID != "" {
		return fmt.Sprintf("%s|%s", refreshToken, projectID)
	}
	return refreshToken
}

// PKCE holds a code verifier and its derived challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE generates an S256 PKCE pair.
func GeneratePKCE() (*PKCE, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)
	hash := sha256.Sum256([]byte(verifier))
	return &PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(hash[:]),
	}, nil
}

// GenerateState generates a random state parameter for CSRF protection.
func GenerateState() (string, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(stateBytes), nil
}

// AuthorizationURL bundles the consent URL with the PKCE verifier and
// state the caller needs to finish the flow.
type AuthorizationURL struct {
	URL      string
	Verifier string
	State    string
}

// GetAuthorizationURL builds the Google consent URL.
func GetAuthorizationURL(customRedirectURI string) (*AuthorizationURL, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	redirectURI := customRedirectURI
	if redirectURI == "" {
		redirectURI = config.OAuthRedirectURI()
	}

	params := url.Values{
		"client_id":             {config.OAuth.ClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"scope":                 {strings.Join(config.OAuth.Scopes, " ")},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}

	return &AuthorizationURL{
		URL:      fmt.Sprintf("%s?%s", config.OAuth.AuthURL, params.Encode()),
		Verifier: pkce.Verifier,
		State:    state,
	}, nil
}

// CodeExtractResult is the authorization code parsed from user input.
type CodeExtractResult struct {
	Code  string
	State string
}

// ExtractCodeFromInput accepts either the full callback URL or the bare
// code pasted by the user.
func ExtractCodeFromInput(input string) (*CodeExtractResult, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("no input provided")
	}

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid URL format")
		}
		if errParam := parsed.Query().Get("error"); errParam != "" {
			return nil, fmt.Errorf("OAuth error: %s", errParam)
		}
		code := parsed.Query().Get("code")
		if code == "" {
			return nil, fmt.Errorf("no authorization code found in URL")
		}
		return &CodeExtractResult{Code: code, State: parsed.Query().Get("state")}, nil
	}

	if len(trimmed) < 10 {
		return nil, fmt.Errorf("input is too short to be a valid authorization code")
	}
	return &CodeExtractResult{Code: trimmed}, nil
}

// CallbackServer receives the OAuth redirect on localhost.
type CallbackServer struct {
	server     *http.Server
	mu         sync.Mutex
	actualPort int
	aborted    bool
	codeChan   chan string
	errChan    chan error
}

// NewCallbackServer creates a callback server that validates state.
func NewCallbackServer(expectedState string) *CallbackServer {
	cs := &CallbackServer{
		actualPort: config.OAuth.CallbackPort,
		codeChan:   make(chan string, 1),
		errChan:    make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if errParam := query.Get("error"); errParam != "" {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "Error: "+errParam)
			cs.errChan <- fmt.Errorf("OAuth error: %s", errParam)
			return
		}
		if query.Get("state") != expectedState {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "State mismatch.")
			cs.errChan <- fmt.Errorf("state mismatch")
			return
		}
		code := query.Get("code")
		if code == "" {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "No authorization code received.")
			cs.errChan <- fmt.Errorf("no authorization code")
			return
		}

		writeCallbackPage(w, http.StatusOK, "Authentication Successful", "You can close this window and return to the terminal.")
		cs.codeChan <- code
	})

	cs.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return cs
}

func writeCallbackPage(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<html>
	<head><meta charset="UTF-8"><title>%s</title></head>
	<body style="font-family: system-ui; padding: 40px; text-align: center;">
		<h1>%s</h1>
		<p>%s</p>
	</body>
</html>`, title, title, detail)
}

// Start binds the primary callback port (falling back through the
// configured alternates) and blocks until a code arrives, an error
// occurs, or ctx is cancelled.
func (cs *CallbackServer) Start(ctx context.Context) (string, error) {
	ports := append([]int{config.OAuth.CallbackPort}, config.OAuth.CallbackFallbackPorts...)

	var lastErr error
	for _, port := range ports {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			lastErr = err
			utils.Warn("[OAuth] Failed to bind port %d: %v", port, err)
			continue
		}

		cs.actualPort = port
		if port != config.OAuth.CallbackPort {
			utils.Warn("[OAuth] Primary port %d unavailable, using fallback port %d", config.OAuth.CallbackPort, port)
		} else {
			utils.Info("[OAuth] Callback server listening on port %d", port)
		}

		go func() {
			if err := cs.server.Serve(listener); err != nil && err != http.ErrServerClosed {
				cs.errChan <- err
			}
		}()

		select {
		case code := <-cs.codeChan:
			cs.server.Shutdown(context.Background())
			return code, nil
		case err := <-cs.errChan:
			cs.server.Shutdown(context.Background())
			return "", err
		case <-ctx.Done():
			cs.server.Shutdown(context.Background())
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("failed to start OAuth callback server: %v", lastErr)
}

// Port returns the bound port.
func (cs *CallbackServer) Port() int {
	return cs.actualPort
}

// Abort stops the server when the user completes the flow manually.
func (cs *CallbackServer) Abort() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.aborted {
		return
	}
	cs.aborted = true
	cs.server.Shutdown(context.Background())
	utils.Info("[OAuth] Callback server aborted (manual completion)")
}

// OAuthTokens is the token-exchange response.
type OAuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode trades an authorization code for tokens.
func ExchangeCode(ctx context.Context, code, verifier string) (*OAuthTokens, error) {
	data := url.Values{
		"client_id":     {config.OAuth.ClientID},
		"client_secret": {config.OAuth.ClientSecret},
		"code":          {code},
		"code_verifier": {verifier},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {config.OAuthRedirectURI()},
	}

	body, err := postForm(ctx, config.OAuth.TokenURL, data)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	var tokens OAuthTokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("no access token received")
	}
	return &tokens, nil
}

// RefreshResult is a refreshed access token.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int
}

// RefreshAccessToken refreshes an access token. The argument may be a
// composite credential; only its refresh segment is sent upstream.
func RefreshAccessToken(ctx context.Context, compositeRefresh string) (*RefreshResult, error) {
	refreshToken, _, _ := ParseCompositeRefresh(compositeRefresh)

	data := url.Values{
		"client_id":     {config.OAuth.ClientID},
		"client_secret": {config.OAuth.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	body, err := postForm(ctx, config.OAuth.TokenURL, data)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	var result RefreshResult
	var raw struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	result.AccessToken = raw.AccessToken
	result.ExpiresIn = raw.ExpiresIn
	return &result, nil
}

func postForm(ctx context.Context, endpoint string, data url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s", string(body))
	}
	return body, nil
}

// GetUserEmail resolves the account email behind an access token.
func GetUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.OAuth.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to get user info: %d", resp.StatusCode)
	}

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return "", fmt.Errorf("parse user info: %w", err)
	}
	return userInfo.Email, nil
}

// OAuthFlowResult is a completed enrolment.
type OAuthFlowResult struct {
	Email        string
	RefreshToken string
	AccessToken  string
	ProjectID    string
}

// CompleteOAuthFlow exchanges the code, resolves the email, and
// discovers the managed project.
func CompleteOAuthFlow(ctx context.Context, code, verifier string) (*OAuthFlowResult, error) {
	tokens, err := ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	email, err := GetUserEmail(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("get user email: %w", err)
	}

	projectID, _, err := DiscoverProject(ctx, tokens.AccessToken, "")
	if err != nil {
		utils.Warn("[OAuth] Project discovery failed for %s: %v", utils.MaskEmail(email), err)
	}

	return &OAuthFlowResult{
		Email:        email,
		RefreshToken: tokens.RefreshToken,
		AccessToken:  tokens.AccessToken,
		ProjectID:    projectID,
	}, nil
}
