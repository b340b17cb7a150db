package chillers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	locationOffline         = "offline"
	locationPrivatePrefix   = "private"
	locationTravelingPrefix = "traveling"
)

// AuthError indicates the VRChat API rejected the session credential
// (401). The caller should trigger a session refresh.
type AuthError struct {
	Path string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("vrchat: unauthorized (401) for %s", e.Path)
}

// RequestError indicates a non-2xx, non-401 response from the VRChat API.
type RequestError struct {
	Path       string
	StatusCode int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf(
		"vrchat: request failed: %d %s for %s",
		e.StatusCode,
		http.StatusText(e.StatusCode),
		e.Path,
	)
}

// ParseError indicates the response body was not valid JSON for the
// expected shape.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("vrchat: error parsing response for %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Location identifies an instance as the combination of its world and
// instance hash, normalized from a VRChat location string.
type Location struct {
	WorldID    string
	InstanceID string
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%s", l.WorldID, l.InstanceID)
}

func (l Location) IsZero() bool {
	return l.WorldID == "" && l.InstanceID == ""
}

// ParseLocation normalizes a VRChat location string into a Location.
// Location strings look like "wrld_<id>:<instanceHash>" with optional
// modifiers after the hash (e.g. "~region(eu)" or "~hidden(...)"), which
// are stripped. The values "offline", "private..." and "traveling..."
// indicate the user is not in any trackable instance; for those (and for
// empty or world-only strings), ok is false.
func ParseLocation(location string) (Location, bool) {
	if location == "" || location == locationOffline {
		return Location{}, false
	}
	if strings.HasPrefix(location, locationPrivatePrefix) {
		return Location{}, false
	}
	if strings.HasPrefix(location, locationTravelingPrefix) {
		return Location{}, false
	}
	worldPart, instPart, found := strings.Cut(location, ":")
	if !found || instPart == "" {
		return Location{}, false
	}
	if idx := strings.Index(instPart, "~"); idx >= 0 {
		instPart = instPart[:idx]
	}
	if instPart == "" {
		return Location{}, false
	}
	return Location{WorldID: worldPart, InstanceID: instPart}, true
}

// vrchatSecrets is the on-disk shape of the secrets file: the two opaque
// cookie values VRChat issues after login and two-factor verification.
type vrchatSecrets struct {
	AuthCookie      string `json:"auth_cookie"`
	TwoFactorCookie string `json:"two_factor_cookie"`
}

// WriteVRChatSecrets writes the auth and two-factor cookies to the given
// path, creating parent directories as needed. Used by `chillers-bot init`
// and by the re-authentication flow.
func WriteVRChatSecrets(path string, authCookie string, twoFactorCookie string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(
		vrchatSecrets{AuthCookie: authCookie, TwoFactorCookie: twoFactorCookie},
		"",
		"  ",
	)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// GroupMember is a group roster entry: the member's user ID and the group
// role IDs used to determine moderator eligibility.
type GroupMember struct {
	UserID  string   `json:"userId"`
	RoleIDs []string `json:"roleIds"`
}

// GroupInstance is one entry in the group's active instance list.
type GroupInstance struct {
	InstanceID string `json:"instanceId"`
	World      struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"world"`
	MemberCount int `json:"memberCount"`
}

// InstanceDetail is the detailed view of a single instance, including its
// occupant list. The occupant list is only populated for instances the
// authenticated account has visibility into.
type InstanceDetail struct {
	InstanceID string `json:"instanceId"`
	Name       string `json:"name"`
	World      struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"world"`
	Users []struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	} `json:"users"`
}

// UserProfile is the VRChat user object, reduced to the fields the
// monitor consumes.
type UserProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Username    string `json:"username"`
	Location    string `json:"location"`
	WorldName   string `json:"worldName"`
	TrustLevel  string `json:"trustLevel"`
	AgeVerified bool   `json:"ageVerified"`
}

// CurrentUser is the authenticated identity returned by /auth/user, used
// as a session-liveness check.
type CurrentUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// VRChatAPI is the subset of the VRChat client the monitor depends on.
// It exists to enable stubbing the API in tests.
type VRChatAPI interface {
	GroupMembers(ctx context.Context, groupID string) ([]GroupMember, error)
	GroupInstances(ctx context.Context, groupID string) ([]GroupInstance, error)
	Instance(ctx context.Context, worldID string, instanceID string) (*InstanceDetail, error)
	User(ctx context.Context, userID string) (*UserProfile, error)
	RefreshSession(ctx context.Context) bool
}

// VRChatClient is a thin client for the VRChat REST API. It authenticates
// with the cookie pair loaded from the secrets file and rate-limits all
// requests. The client never retries; callers decide how to recover from
// an AuthError or RequestError.
type VRChatClient struct {
	config     *VRChatConfig
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter

	mu              sync.RWMutex
	authCookie      string
	twoFactorCookie string
}

// NewVRChatClient creates a VRChat client and loads the session cookies
// from the configured secrets file. A missing secrets file is not an
// error at construction time; the first API call will fail with AuthError
// and the operator can run `chillers-bot init`.
func NewVRChatClient(
	config *VRChatConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *VRChatClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &VRChatClient{
		config:     config,
		httpClient: httpClient,
		logger:     logger.With(loggerNameKey, "vrchat"),
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
	}
	if err := c.loadSecrets(); err != nil {
		c.logger.Warn("no valid vrchat secrets file found", tint.Err(err))
	}
	return c
}

// loadSecrets reads the cookie pair from the secrets file.
func (c *VRChatClient) loadSecrets() error {
	data, err := os.ReadFile(c.config.SecretsFile)
	if err != nil {
		return err
	}
	var secrets vrchatSecrets
	if err := json.Unmarshal(data, &secrets); err != nil {
		return err
	}
	c.mu.Lock()
	c.authCookie = secrets.AuthCookie
	c.twoFactorCookie = secrets.TwoFactorCookie
	c.mu.Unlock()
	c.logger.Info("loaded vrchat session cookies", "path", c.config.SecretsFile)
	return nil
}

func (c *VRChatClient) cookieHeader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	parts := make([]string, 0, 2)
	if c.authCookie != "" {
		parts = append(parts, "auth="+c.authCookie)
	}
	if c.twoFactorCookie != "" {
		parts = append(parts, "twoFactorAuth="+c.twoFactorCookie)
	}
	return strings.Join(parts, "; ")
}

// get performs a GET request against the API and decodes the JSON response
// into out. The path is relative to the configured base URL and must
// include any query string. Returns AuthError, RequestError or ParseError
// per the response.
func (c *VRChatClient) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodGet,
		c.config.BaseURL+path,
		nil,
	)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	if cookie := c.cookieHeader(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Path: path}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &RequestError{Path: path, StatusCode: resp.StatusCode}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ParseError{Path: path, Err: err}
	}
	return nil
}

// CurrentUser fetches the authenticated identity, verifying the session
// cookies are still valid.
func (c *VRChatClient) CurrentUser(ctx context.Context) (*CurrentUser, error) {
	var user CurrentUser
	if err := c.get(ctx, "/auth/user", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// RefreshSession re-reads the secrets file (the authentication provider
// rewrites it on re-login) and verifies the reloaded cookies against
// /auth/user. Reports whether the session is usable again.
func (c *VRChatClient) RefreshSession(ctx context.Context) bool {
	if err := c.loadSecrets(); err != nil {
		c.logger.Error("error reloading vrchat secrets", tint.Err(err))
		return false
	}
	user, err := c.CurrentUser(ctx)
	if err != nil {
		c.logger.Error("vrchat re-authentication failed", tint.Err(err))
		return false
	}
	c.logger.Info("vrchat session refreshed", "display_name", user.DisplayName)
	return true
}

// GroupMembers fetches the full group roster, paging with the offset
// parameter until a short page is returned.
func (c *VRChatClient) GroupMembers(ctx context.Context, groupID string) (
	[]GroupMember,
	error,
) {
	var members []GroupMember
	offset := 0
	for {
		var page []GroupMember
		path := fmt.Sprintf(
			"/groups/%s/members?n=%d&offset=%d",
			url.PathEscape(groupID),
			DefaultVRChatPageSize,
			offset,
		)
		if err := c.get(ctx, path, &page); err != nil {
			return nil, err
		}
		members = append(members, page...)
		if len(page) < DefaultVRChatPageSize {
			return members, nil
		}
		offset += len(page)
	}
}

// GroupInstances fetches the group's currently open instances.
func (c *VRChatClient) GroupInstances(ctx context.Context, groupID string) (
	[]GroupInstance,
	error,
) {
	var instances []GroupInstance
	path := fmt.Sprintf(
		"/groups/%s/instances?n=%d",
		url.PathEscape(groupID),
		DefaultVRChatPageSize,
	)
	if err := c.get(ctx, path, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

// Instance fetches the detailed view of one instance, including the
// occupant list when visible to the authenticated account.
func (c *VRChatClient) Instance(
	ctx context.Context,
	worldID string,
	instanceID string,
) (*InstanceDetail, error) {
	var detail InstanceDetail
	path := fmt.Sprintf(
		"/instances/%s",
		url.PathEscape(fmt.Sprintf("%s:%s", worldID, instanceID)),
	)
	if err := c.get(ctx, path, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// User fetches a single user's profile, which includes their self-reported
// current location string.
func (c *VRChatClient) User(ctx context.Context, userID string) (*UserProfile, error) {
	var profile UserProfile
	path := fmt.Sprintf("/users/%s", url.PathEscape(userID))
	if err := c.get(ctx, path, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}
