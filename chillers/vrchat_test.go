package chillers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		location string
		want     Location
		wantOK   bool
	}{
		{
			"wrld_abc:12345",
			Location{WorldID: "wrld_abc", InstanceID: "12345"},
			true,
		},
		{
			"wrld_abc:12345~region(eu)",
			Location{WorldID: "wrld_abc", InstanceID: "12345"},
			true,
		},
		{
			"wrld_abc:12345~group(grp_x)~groupAccessType(public)~region(us)",
			Location{WorldID: "wrld_abc", InstanceID: "12345"},
			true,
		},
		{"offline", Location{}, false},
		{"private", Location{}, false},
		{"private:12345", Location{}, false},
		{"traveling", Location{}, false},
		{"traveling:traveling", Location{}, false},
		{"", Location{}, false},
		{"wrld_abc", Location{}, false},
		{"wrld_abc:", Location{}, false},
		{"wrld_abc:~region(eu)", Location{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.location, func(t *testing.T) {
			got, ok := ParseLocation(tc.location)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLocationString(t *testing.T) {
	t.Parallel()
	loc := Location{WorldID: "wrld_abc", InstanceID: "12345"}
	assert.Equal(t, "wrld_abc:12345", loc.String())
	assert.False(t, loc.IsZero())
	assert.True(t, Location{}.IsZero())
}

func TestWriteVRChatSecrets(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "dir", "secrets.json")
	require.NoError(t, WriteVRChatSecrets(path, "authcookie_abc", "twofactor_def"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var secrets map[string]string
	require.NoError(t, json.Unmarshal(data, &secrets))
	assert.Equal(t, "authcookie_abc", secrets["auth_cookie"])
	assert.Equal(t, "twofactor_def", secrets["two_factor_cookie"])
}

// newTestVRChatClient returns a client pointed at the given test server,
// with a secrets file already written under a temp dir.
func newTestVRChatClient(t *testing.T, srv *httptest.Server) *VRChatClient {
	t.Helper()
	secretsFile := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, WriteVRChatSecrets(secretsFile, "test-auth", "test-2fa"))
	cfg := &VRChatConfig{
		BaseURL:           srv.URL,
		GroupID:           "grp_test",
		SecretsFile:       secretsFile,
		UserAgent:         "chillers-bot-test/0.0",
		RequestTimeout:    5 * time.Second,
		RequestsPerSecond: 1000,
	}
	return NewVRChatClient(cfg, srv.Client(), testLogger(t))
}

func TestVRChatClientErrors(t *testing.T) {
	t.Parallel()

	t.Run("unauthorized", func(t *testing.T) {
		srv := httptest.NewServer(
			http.HandlerFunc(
				func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusUnauthorized)
				},
			),
		)
		t.Cleanup(srv.Close)
		client := newTestVRChatClient(t, srv)

		_, err := client.CurrentUser(context.Background())
		require.Error(t, err)
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "/auth/user", authErr.Path)
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(
			http.HandlerFunc(
				func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusInternalServerError)
				},
			),
		)
		t.Cleanup(srv.Close)
		client := newTestVRChatClient(t, srv)

		_, err := client.User(context.Background(), "usr_x")
		require.Error(t, err)
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, http.StatusInternalServerError, reqErr.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(
			http.HandlerFunc(
				func(w http.ResponseWriter, _ *http.Request) {
					_, _ = w.Write([]byte("<html>not json</html>"))
				},
			),
		)
		t.Cleanup(srv.Close)
		client := newTestVRChatClient(t, srv)

		_, err := client.User(context.Background(), "usr_x")
		require.Error(t, err)
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
	})
}

func TestVRChatClientSendsCookies(t *testing.T) {
	t.Parallel()
	var gotCookie, gotUserAgent string
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				gotCookie = r.Header.Get("Cookie")
				gotUserAgent = r.Header.Get("User-Agent")
				_ = json.NewEncoder(w).Encode(
					CurrentUser{ID: "usr_self", DisplayName: "Self"},
				)
			},
		),
	)
	t.Cleanup(srv.Close)
	client := newTestVRChatClient(t, srv)

	user, err := client.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "usr_self", user.ID)
	assert.Equal(t, "auth=test-auth; twoFactorAuth=test-2fa", gotCookie)
	assert.Equal(t, "chillers-bot-test/0.0", gotUserAgent)
}

func TestGroupMembersPaging(t *testing.T) {
	t.Parallel()
	// two full pages plus a short page
	total := DefaultVRChatPageSize*2 + 7
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
				n, _ := strconv.Atoi(r.URL.Query().Get("n"))
				var page []GroupMember
				for i := offset; i < total && len(page) < n; i++ {
					page = append(
						page,
						GroupMember{UserID: fmt.Sprintf("usr_%04d", i)},
					)
				}
				_ = json.NewEncoder(w).Encode(page)
			},
		),
	)
	t.Cleanup(srv.Close)
	client := newTestVRChatClient(t, srv)

	members, err := client.GroupMembers(context.Background(), "grp_test")
	require.NoError(t, err)
	require.Len(t, members, total)
	assert.Equal(t, "usr_0000", members[0].UserID)
	assert.Equal(
		t,
		fmt.Sprintf("usr_%04d", total-1),
		members[len(members)-1].UserID,
	)
}

func TestRefreshSessionReloadsSecrets(t *testing.T) {
	t.Parallel()
	var gotCookie string
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				gotCookie = r.Header.Get("Cookie")
				if r.Header.Get("Cookie") == "auth=rotated-auth; twoFactorAuth=rotated-2fa" {
					_ = json.NewEncoder(w).Encode(
						CurrentUser{ID: "usr_self", DisplayName: "Self"},
					)
					return
				}
				w.WriteHeader(http.StatusUnauthorized)
			},
		),
	)
	t.Cleanup(srv.Close)
	client := newTestVRChatClient(t, srv)

	_, err := client.CurrentUser(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)

	// simulate a re-login rewriting the secrets file
	require.NoError(
		t,
		WriteVRChatSecrets(client.config.SecretsFile, "rotated-auth", "rotated-2fa"),
	)
	require.True(t, client.RefreshSession(context.Background()))
	assert.Equal(t, "auth=rotated-auth; twoFactorAuth=rotated-2fa", gotCookie)
}

func TestRefreshSessionFailsWithoutSecretsFile(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
		),
	)
	t.Cleanup(srv.Close)
	client := newTestVRChatClient(t, srv)
	require.NoError(t, os.Remove(client.config.SecretsFile))

	assert.False(t, client.RefreshSession(context.Background()))
}

func TestInstancePathEscaping(t *testing.T) {
	t.Parallel()
	var gotPath string
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.EscapedPath()
				_ = json.NewEncoder(w).Encode(InstanceDetail{InstanceID: "12345"})
			},
		),
	)
	t.Cleanup(srv.Close)
	client := newTestVRChatClient(t, srv)

	detail, err := client.Instance(context.Background(), "wrld_abc", "12345")
	require.NoError(t, err)
	assert.Equal(t, "12345", detail.InstanceID)
	assert.Equal(t, "/instances/wrld_abc:12345", gotPath)
}
