package chillers

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := CreateDB(
		context.Background(),
		"sqlite",
		dbPath,
	)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	return db
}

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.Default().With("test_name", t.Name())
}

// stubVRChatAPI implements VRChatAPI with overridable function fields.
// Unset fields return empty results.
type stubVRChatAPI struct {
	groupMembers   func(ctx context.Context, groupID string) ([]GroupMember, error)
	groupInstances func(ctx context.Context, groupID string) ([]GroupInstance, error)
	instance       func(ctx context.Context, worldID string, instanceID string) (*InstanceDetail, error)
	user           func(ctx context.Context, userID string) (*UserProfile, error)
	refreshSession func(ctx context.Context) bool

	mu           sync.Mutex
	refreshCalls int
}

func (s *stubVRChatAPI) GroupMembers(ctx context.Context, groupID string) (
	[]GroupMember,
	error,
) {
	if s.groupMembers != nil {
		return s.groupMembers(ctx, groupID)
	}
	return nil, nil
}

func (s *stubVRChatAPI) GroupInstances(ctx context.Context, groupID string) (
	[]GroupInstance,
	error,
) {
	if s.groupInstances != nil {
		return s.groupInstances(ctx, groupID)
	}
	return nil, nil
}

func (s *stubVRChatAPI) Instance(
	ctx context.Context,
	worldID string,
	instanceID string,
) (*InstanceDetail, error) {
	if s.instance != nil {
		return s.instance(ctx, worldID, instanceID)
	}
	return &InstanceDetail{InstanceID: instanceID}, nil
}

func (s *stubVRChatAPI) User(ctx context.Context, userID string) (*UserProfile, error) {
	if s.user != nil {
		return s.user(ctx, userID)
	}
	return &UserProfile{ID: userID, DisplayName: userID}, nil
}

func (s *stubVRChatAPI) RefreshSession(ctx context.Context) bool {
	s.mu.Lock()
	s.refreshCalls++
	s.mu.Unlock()
	if s.refreshSession != nil {
		return s.refreshSession(ctx)
	}
	return true
}

type notifierCall struct {
	Kind        string
	VRChatID    string
	InstanceID  string
	At          time.Time
	IsModerator bool
	Reason      string
}

// recordingNotifier captures every notification the monitor emits.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifierCall
	err   error
}

func (r *recordingNotifier) record(call notifierCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.err
}

func (r *recordingNotifier) NotifyFirstJoin(
	_ context.Context,
	user *VRChatUser,
	instance *VRChatInstance,
	at time.Time,
	isModerator bool,
) error {
	return r.record(notifierCall{
		Kind:        "first_join",
		VRChatID:    user.VRChatID,
		InstanceID:  instance.InstanceID,
		At:          at,
		IsModerator: isModerator,
	})
}

func (r *recordingNotifier) NotifyModeratorArrival(
	_ context.Context,
	user *VRChatUser,
	instance *VRChatInstance,
	at time.Time,
) error {
	return r.record(notifierCall{
		Kind:       "moderator_arrival",
		VRChatID:   user.VRChatID,
		InstanceID: instance.InstanceID,
		At:         at,
	})
}

func (r *recordingNotifier) NotifyInstanceClosed(
	_ context.Context,
	instance *VRChatInstance,
	at time.Time,
	reason string,
) error {
	return r.record(notifierCall{
		Kind:       "instance_closed",
		InstanceID: instance.InstanceID,
		At:         at,
		Reason:     reason,
	})
}

func (r *recordingNotifier) callsOfKind(kind string) []notifierCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []notifierCall
	for _, call := range r.calls {
		if call.Kind == kind {
			matched = append(matched, call)
		}
	}
	return matched
}

// newTestMonitor wires an InstanceMonitor to a fresh sqlite database, the
// given API stub and a recording notifier. The monitor's clock is pinned to
// a mutable timestamp the test controls.
func newTestMonitor(
	t testing.TB,
	api *stubVRChatAPI,
) (*InstanceMonitor, *recordingNotifier, *time.Time) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	db := setupTestDB(t)
	writeDB := NewDatabase(db, testLogger(t), false)
	notifier := &recordingNotifier{}

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	monitor := NewInstanceMonitor(
		writeDB,
		api,
		notifier,
		cfg.Monitor,
		cfg.VRChat.GroupID,
		nil,
		testLogger(t),
	)
	monitor.now = func() time.Time {
		return now
	}
	return monitor, notifier, &now
}

func requireCycle(t testing.TB, m *InstanceMonitor) {
	t.Helper()
	require.NoError(t, m.checkInstances(context.Background()))
}

// rosterMember builds a GroupMember fixture with optional role IDs.
func rosterMember(userID string, roleIDs ...string) GroupMember {
	return GroupMember{UserID: userID, RoleIDs: roleIDs}
}

// profileAt builds a UserProfile fixture reporting the given location.
func profileAt(userID string, location string) *UserProfile {
	return &UserProfile{
		ID:          userID,
		DisplayName: fmt.Sprintf("user %s", userID),
		Location:    location,
		WorldName:   "Test World",
		TrustLevel:  "Trusted User",
	}
}
