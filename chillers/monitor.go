package chillers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

// InstanceClosedNoModerator is the reason attached to a forced instance
// closure triggered by the coverage check.
const InstanceClosedNoModerator = "no moderator present"

// InstanceMonitor polls the VRChat API on a fixed interval, reconciles
// observed member locations against the previous poll's snapshot, and
// derives join/leave transitions. It exclusively owns the volatile
// snapshot and moderator maps; all persisted-entity writes for the tracked
// user, instance and presence records go through it.
//
// The monitor runs as a single logical worker. Overlapping cycles are
// prevented with an in-flight guard: if a cycle is still running when the
// next tick fires, the tick is skipped.
type InstanceMonitor struct {
	db       DBI
	api      VRChatAPI
	notifier Notifier
	config   *MonitorConfig
	groupID  string
	metrics  *monitorMetrics
	logger   *slog.Logger

	// now is a hook for tests to control detection timestamps
	now func() time.Time

	cycleInFlight atomic.Bool

	// snapshot maps VRChat user ID to the location the user was last
	// observed at. Applied transitions mutate it incrementally, so after
	// an aborted cycle it reflects exactly the transitions that were
	// applied.
	snapshot map[string]Location

	// userIsMod records moderator eligibility for currently-present
	// users, keyed by VRChat user ID. Entries are written on join and
	// removed on leave.
	userIsMod map[string]bool

	// roleRanks maps a VRChat group role ID to its index in RankOrder,
	// derived from config at construction
	roleRanks     map[string]int
	moderatorRank int
}

// NewInstanceMonitor creates an InstanceMonitor. The monitor does not poll
// until [InstanceMonitor.Run] is called.
func NewInstanceMonitor(
	db DBI,
	api VRChatAPI,
	notifier Notifier,
	config *MonitorConfig,
	groupID string,
	metrics *monitorMetrics,
	logger *slog.Logger,
) *InstanceMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &InstanceMonitor{
		db:        db,
		api:       api,
		notifier:  notifier,
		config:    config,
		groupID:   groupID,
		metrics:   metrics,
		logger:    logger.With(loggerNameKey, "instance_monitor"),
		now:       time.Now,
		snapshot:  map[string]Location{},
		userIsMod: map[string]bool{},
	}
	m.roleRanks = map[string]int{}
	for rank, roleID := range config.RankRoles {
		if idx := rankIndex(config.RankOrder, rank); idx >= 0 {
			m.roleRanks[roleID] = idx
		}
	}
	m.moderatorRank = rankIndex(config.RankOrder, config.ModeratorRank)
	if m.moderatorRank < 0 {
		m.logger.Warn(
			"moderator rank not found in rank order, coverage check disabled",
			"moderator_rank", config.ModeratorRank,
		)
	}
	return m
}

func rankIndex(order []string, rank string) int {
	for i, r := range order {
		if strings.EqualFold(r, rank) {
			return i
		}
	}
	return -1
}

// memberIsModerator reports whether the member's highest group role sits
// at or above the configured moderator rank.
func (m *InstanceMonitor) memberIsModerator(member GroupMember) bool {
	if m.moderatorRank < 0 {
		return false
	}
	best := -1
	for _, roleID := range member.RoleIDs {
		idx, ok := m.roleRanks[roleID]
		if !ok {
			continue
		}
		if best < 0 || idx < best {
			best = idx
		}
	}
	return best >= 0 && best <= m.moderatorRank
}

// Run polls immediately, then on every tick of the configured interval,
// until ctx is canceled.
func (m *InstanceMonitor) Run(ctx context.Context) {
	m.logger.Info(
		"starting instance monitor",
		"group_id", m.groupID,
		"poll_interval", m.config.PollInterval,
	)
	m.runCycle(ctx)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("instance monitor stopping", tint.Err(ctx.Err()))
			return
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

// runCycle executes one poll cycle, skipping the tick entirely if a
// previous cycle is still in flight. An authentication failure triggers a
// session refresh; polling resumes on the next tick either way.
func (m *InstanceMonitor) runCycle(ctx context.Context) {
	if !m.cycleInFlight.CompareAndSwap(false, true) {
		m.logger.Warn("previous poll cycle still running, skipping tick")
		return
	}
	defer m.cycleInFlight.Store(false)

	started := m.now()
	err := m.checkInstances(ctx)
	elapsed := m.now().Sub(started)
	if m.metrics != nil {
		m.metrics.cycleDuration.Observe(elapsed.Seconds())
		m.metrics.cyclesTotal.Inc()
		if err != nil {
			m.metrics.cycleErrors.Inc()
		}
	}

	switch {
	case err == nil:
		m.logger.Debug("poll cycle complete", "duration", elapsed)
	case isAuthErr(err):
		m.logger.Warn("vrchat session rejected, refreshing", tint.Err(err))
		if !m.api.RefreshSession(ctx) {
			m.logger.Error("vrchat session refresh failed")
		}
	case errors.Is(err, context.Canceled):
		// shutdown
	default:
		m.logger.Error("poll cycle aborted", tint.Err(err))
	}
}

func isAuthErr(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// reconciliation carries the per-cycle working state: the roster and
// cached profiles from the fetch phase, the new snapshot being built, and
// the set of users force-closed mid-cycle (whose diff entries must be
// skipped so a closure is not immediately undone by a queued join).
type reconciliation struct {
	roster   map[string]GroupMember
	profiles map[string]*UserProfile
	next     map[string]Location
	closed   map[string]bool
}

// checkInstances runs one reconciliation pass: fetch, diff, apply, sweep.
// Returns an error only for cycle-aborting failures; per-entity fetch
// failures are logged and the entity skipped.
func (m *InstanceMonitor) checkInstances(ctx context.Context) error {
	rc := &reconciliation{
		roster:   map[string]GroupMember{},
		profiles: map[string]*UserProfile{},
		next:     map[string]Location{},
		closed:   map[string]bool{},
	}

	members, err := m.api.GroupMembers(ctx, m.groupID)
	if err != nil {
		return fmt.Errorf("error fetching group roster: %w", err)
	}
	for _, member := range members {
		rc.roster[member.UserID] = member
	}

	if err = m.discoverFromInstances(ctx, rc); err != nil {
		return err
	}
	if err = m.discoverFromProfiles(ctx, rc); err != nil {
		return err
	}

	m.applyTransitions(ctx, rc)
	m.sweepStaleInstances(ctx, rc)

	if m.metrics != nil {
		m.metrics.usersPresent.Set(float64(len(m.snapshot)))
	}
	return nil
}

// discoverFromInstances is the primary discovery path: every occupant of
// every open group instance gets a snapshot entry. A failed detail fetch
// skips just that instance, unless the failure is an auth rejection.
func (m *InstanceMonitor) discoverFromInstances(
	ctx context.Context,
	rc *reconciliation,
) error {
	instances, err := m.api.GroupInstances(ctx, m.groupID)
	if err != nil {
		return fmt.Errorf("error fetching group instances: %w", err)
	}
	for _, gi := range instances {
		loc := normalizeInstance(gi.World.ID, gi.InstanceID)
		if loc.IsZero() {
			m.logger.Warn(
				"skipping group instance with unparseable id",
				"instance_id", gi.InstanceID,
			)
			continue
		}
		detail, detailErr := m.api.Instance(ctx, loc.WorldID, loc.InstanceID)
		if detailErr != nil {
			if isAuthErr(detailErr) {
				return detailErr
			}
			m.logger.Warn(
				"error fetching instance detail, skipping instance",
				"location", loc.String(),
				tint.Err(detailErr),
			)
			continue
		}
		for _, occupant := range detail.Users {
			rc.next[occupant.ID] = loc
		}
	}
	return nil
}

// discoverFromProfiles is the fallback discovery path for instances the
// authenticated account lacks occupant visibility into: each roster member
// not yet in the snapshot is looked up individually and their self-reported
// location parsed. Profiles fetched here are cached for the join handler.
func (m *InstanceMonitor) discoverFromProfiles(
	ctx context.Context,
	rc *reconciliation,
) error {
	memberIDs := make([]string, 0, len(rc.roster))
	for id := range rc.roster {
		memberIDs = append(memberIDs, id)
	}
	sort.Strings(memberIDs)

	for _, userID := range memberIDs {
		if _, ok := rc.next[userID]; ok {
			continue
		}
		profile, err := m.api.User(ctx, userID)
		if err != nil {
			if isAuthErr(err) {
				return err
			}
			m.logger.Warn(
				"error fetching member profile, skipping member",
				"vrchat_id", userID,
				tint.Err(err),
			)
			continue
		}
		rc.profiles[userID] = profile
		if loc, ok := ParseLocation(profile.Location); ok {
			rc.next[userID] = loc
		}
	}
	return nil
}

// normalizeInstance builds a Location from a group-instance entry, whose
// instanceId may be either a bare instance hash or a full location string.
func normalizeInstance(worldID string, rawInstanceID string) Location {
	if loc, ok := ParseLocation(rawInstanceID); ok {
		return loc
	}
	inst := rawInstanceID
	if idx := strings.Index(inst, "~"); idx >= 0 {
		inst = inst[:idx]
	}
	if inst == "" {
		return Location{}
	}
	return Location{WorldID: worldID, InstanceID: inst}
}

// applyTransitions diffs the previous snapshot against the new one and
// applies the resulting transitions in sorted user order, leaves before
// joins for a single user's location change. The live snapshot is mutated
// as each transition lands, so an abort retains exactly what was applied.
func (m *InstanceMonitor) applyTransitions(ctx context.Context, rc *reconciliation) {
	userIDs := make(map[string]struct{}, len(m.snapshot)+len(rc.next))
	for id := range m.snapshot {
		userIDs[id] = struct{}{}
	}
	for id := range rc.next {
		userIDs[id] = struct{}{}
	}
	ordered := make([]string, 0, len(userIDs))
	for id := range userIDs {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	now := m.now()
	for _, userID := range ordered {
		if rc.closed[userID] {
			// force-closed mid-cycle; re-detected as a fresh join on
			// the next cycle if still present
			continue
		}
		prev, wasPresent := m.snapshot[userID]
		next, isPresent := rc.next[userID]
		if wasPresent && isPresent && prev == next {
			continue
		}
		if wasPresent {
			m.handleLeave(ctx, rc, userID, prev, now)
		}
		if isPresent && !rc.closed[userID] {
			m.handleJoin(ctx, rc, userID, next, now)
		}
	}
}

// handleJoin upserts the tracked user and instance, opens a new presence
// interval and visit record, and emits first-join (and moderator-arrival)
// notifications when this is the user's first ever presence in the
// instance. Persistence failures are logged; the snapshot still advances.
func (m *InstanceMonitor) handleJoin(
	ctx context.Context,
	rc *reconciliation,
	userID string,
	loc Location,
	now time.Time,
) {
	logger := m.logger.With("vrchat_id", userID, "location", loc.String())

	profile := rc.profiles[userID]
	if profile == nil {
		fetched, err := m.api.User(ctx, userID)
		if err != nil {
			// drop the user from the new snapshot so the join is
			// re-detected next cycle
			logger.Warn("error fetching profile on join, deferring", tint.Err(err))
			delete(rc.next, userID)
			return
		}
		profile = fetched
		rc.profiles[userID] = profile
	}

	// the volatile maps advance together even when persistence fails,
	// otherwise the coverage check loses track of a moderator whose join
	// hit a transient write error
	user, err := m.upsertUser(ctx, userID, profile, now)
	if err != nil {
		logger.Error("error upserting user on join", tint.Err(err))
		m.snapshot[userID] = loc
		m.userIsMod[userID] = m.memberIsModerator(rc.roster[userID])
		return
	}
	instance, err := m.upsertInstance(ctx, loc, profile)
	if err != nil {
		logger.Error("error upserting instance on join", tint.Err(err))
		m.snapshot[userID] = loc
		m.userIsMod[userID] = m.memberIsModerator(rc.roster[userID])
		return
	}

	// a user observed joining always gets a fresh interval; any stale
	// open interval for the pair is closed first so the one-open-interval
	// invariant holds
	if stale, staleErr := latestOpenPresence(
		m.db.DB(),
		user.ID,
		instance.ID,
	); staleErr != nil {
		logger.Error("error checking for stale presence", tint.Err(staleErr))
	} else if stale != nil {
		if _, closeErr := m.db.Updates(ctx, stale, stale.Close(now)); closeErr != nil {
			logger.Error("error closing stale presence", tint.Err(closeErr))
		}
	}

	presence := &UserPresence{
		UserID:     user.ID,
		InstanceID: instance.ID,
		JoinedAt:   now,
	}
	if _, err = m.db.Create(ctx, presence); err != nil {
		logger.Error("error creating presence", tint.Err(err))
	}
	visit := &VisitRecord{
		UserID:     user.ID,
		InstanceID: loc.InstanceID,
		JoinedAt:   now,
	}
	if _, err = m.db.Create(ctx, visit); err != nil {
		logger.Error("error creating visit record", tint.Err(err))
	}

	isMod := m.memberIsModerator(rc.roster[userID])
	m.userIsMod[userID] = isMod
	m.snapshot[userID] = loc
	if m.metrics != nil {
		m.metrics.joinsTotal.Inc()
	}
	logger.Info("member joined instance", "user", user, "moderator", isMod)

	total, err := presenceCount(m.db.DB(), user.ID, instance.ID)
	if err != nil {
		logger.Error("error counting presences", tint.Err(err))
		return
	}
	if total != 1 {
		return
	}
	if err = m.notifier.NotifyFirstJoin(ctx, user, instance, now, isMod); err != nil {
		logger.Warn("error sending first-join notification", tint.Err(err))
	}
	if isMod {
		if err = m.notifier.NotifyModeratorArrival(ctx, user, instance, now); err != nil {
			logger.Warn("error sending moderator-arrival notification", tint.Err(err))
		}
	}
}

// upsertUser creates or refreshes the tracked user record from the VRChat
// profile, attaching a Discord link from the verification records when one
// exists and none is set yet.
func (m *InstanceMonitor) upsertUser(
	ctx context.Context,
	userID string,
	profile *UserProfile,
	now time.Time,
) (*VRChatUser, error) {
	username := profile.DisplayName
	if username == "" {
		username = profile.Username
	}

	user, err := getUserByVRChatID(m.db.DB(), userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		user = &VRChatUser{
			VRChatID:   userID,
			Username:   username,
			TrustLevel: profile.TrustLevel,
			Is18Plus:   profile.AgeVerified,
			LastSeen:   &now,
		}
		if user.TrustLevel == "" {
			user.TrustLevel = "Unknown"
		}
		m.linkVerifiedUser(user)
		if _, err = m.db.Create(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	}

	updates := map[string]any{
		columnUserUsername: username,
		columnUserIs18Plus: profile.AgeVerified,
		columnUserLastSeen: &now,
	}
	if profile.TrustLevel != "" {
		updates[columnUserTrustLevel] = profile.TrustLevel
	}
	if user.DiscordID == "" {
		m.linkVerifiedUser(user)
		if user.DiscordID != "" {
			updates[columnUserDiscordID] = user.DiscordID
		}
	}
	if _, err = m.db.Updates(ctx, user, updates); err != nil {
		return nil, err
	}
	user.Username = username
	user.Is18Plus = profile.AgeVerified
	user.LastSeen = &now
	if profile.TrustLevel != "" {
		user.TrustLevel = profile.TrustLevel
	}
	return user, nil
}

// linkVerifiedUser sets user.DiscordID from the verification records when
// the user has verified. Lookup failures are logged and ignored.
func (m *InstanceMonitor) linkVerifiedUser(user *VRChatUser) {
	verified, err := getVerifiedUser(m.db.DB(), user.VRChatID)
	if err != nil {
		m.logger.Error(
			"error looking up verification record",
			"vrchat_id", user.VRChatID,
			tint.Err(err),
		)
		return
	}
	if verified != nil {
		user.DiscordID = verified.DiscordID
	}
}

// upsertInstance creates or reactivates the tracked instance for the given
// location, backfilling the world ID and name when previously unknown.
func (m *InstanceMonitor) upsertInstance(
	ctx context.Context,
	loc Location,
	profile *UserProfile,
) (*VRChatInstance, error) {
	instance, err := getInstanceByID(m.db.DB(), loc.InstanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		instance = &VRChatInstance{
			InstanceID:      loc.InstanceID,
			WorldID:         loc.WorldID,
			InstanceName:    profile.WorldName,
			IsGroupInstance: true,
			IsActive:        true,
		}
		if _, err = m.db.Create(ctx, instance); err != nil {
			return nil, err
		}
		return instance, nil
	}

	updates := map[string]any{
		columnInstanceIsActive: true,
		columnInstanceClosedAt: nil,
	}
	if instance.WorldID == "" && loc.WorldID != "" {
		updates[columnInstanceWorldID] = loc.WorldID
		instance.WorldID = loc.WorldID
	}
	if instance.InstanceName == "" && profile.WorldName != "" {
		updates["instance_name"] = profile.WorldName
		instance.InstanceName = profile.WorldName
	}
	if _, err = m.db.Updates(ctx, instance, updates); err != nil {
		return nil, err
	}
	instance.IsActive = true
	instance.ClosedAt = nil
	return instance, nil
}

// handleLeave closes the user's most recent open presence for the
// instance, flips the instance inactive when no open presences remain,
// clears the user's volatile state and runs the moderator-coverage check.
// Leaves never emit a direct notification.
func (m *InstanceMonitor) handleLeave(
	ctx context.Context,
	rc *reconciliation,
	userID string,
	loc Location,
	now time.Time,
) {
	logger := m.logger.With("vrchat_id", userID, "location", loc.String())

	delete(m.snapshot, userID)
	wasMod := m.userIsMod[userID]
	delete(m.userIsMod, userID)
	if m.metrics != nil {
		m.metrics.leavesTotal.Inc()
	}

	user, err := getUserByVRChatID(m.db.DB(), userID)
	if err != nil {
		logger.Error("error loading user on leave", tint.Err(err))
		return
	}
	instance, err := getInstanceByID(m.db.DB(), loc.InstanceID)
	if err != nil {
		logger.Error("error loading instance on leave", tint.Err(err))
		return
	}
	if user == nil || instance == nil {
		logger.Warn(
			"leave for untracked user or instance",
			"user_known", user != nil,
			"instance_known", instance != nil,
		)
		return
	}

	presence, err := latestOpenPresence(m.db.DB(), user.ID, instance.ID)
	if err != nil {
		logger.Error("error finding open presence on leave", tint.Err(err))
	} else if presence != nil {
		m.closePresenceAndVisit(ctx, logger, user, presence, loc, now)
	}

	open, err := openPresenceCount(m.db.DB(), instance.ID)
	if err != nil {
		logger.Error("error counting open presences", tint.Err(err))
	} else if open == 0 {
		if closeErr := m.closeInstance(ctx, instance, now); closeErr != nil {
			logger.Error("error marking instance inactive", tint.Err(closeErr))
		}
	}
	logger.Info("member left instance", "user", user, "moderator", wasMod)

	m.checkCoverage(ctx, rc, userID, loc, instance, now)
}

// closePresenceAndVisit closes an open presence and the matching open
// visit-history entry.
func (m *InstanceMonitor) closePresenceAndVisit(
	ctx context.Context,
	logger *slog.Logger,
	user *VRChatUser,
	presence *UserPresence,
	loc Location,
	now time.Time,
) {
	if _, err := m.db.Updates(ctx, presence, presence.Close(now)); err != nil {
		logger.Error("error closing presence", tint.Err(err))
	}
	duration := presence.DurationSeconds
	if _, err := m.db.UpdatesWhere(
		ctx,
		&VisitRecord{},
		map[string]any{
			columnPresenceLeftAt:          &now,
			columnPresenceDurationSeconds: duration,
		},
		"user_id = ? AND instance_id = ? AND left_at IS NULL",
		user.ID,
		loc.InstanceID,
	); err != nil {
		logger.Error("error closing visit record", tint.Err(err))
	}
}

// closeInstance flips the instance inactive and records the close time.
func (m *InstanceMonitor) closeInstance(
	ctx context.Context,
	instance *VRChatInstance,
	now time.Time,
) error {
	_, err := m.db.Updates(ctx, instance, map[string]any{
		columnInstanceIsActive: false,
		columnInstanceClosedAt: &now,
	})
	if err != nil {
		return err
	}
	instance.IsActive = false
	instance.ClosedAt = &now
	if m.metrics != nil {
		m.metrics.instancesClosed.Inc()
	}
	return nil
}

// checkCoverage decides whether the departing user's instance must be
// force-closed: if other users remain and none of them is a moderator, the
// instance is policy-non-compliant and gets closed for tracking purposes.
func (m *InstanceMonitor) checkCoverage(
	ctx context.Context,
	rc *reconciliation,
	departedID string,
	loc Location,
	instance *VRChatInstance,
	now time.Time,
) {
	var remaining []string
	for userID, userLoc := range m.snapshot {
		if userID == departedID || userLoc != loc {
			continue
		}
		remaining = append(remaining, userID)
	}
	if len(remaining) == 0 {
		return
	}
	for _, userID := range remaining {
		if m.userIsMod[userID] {
			return
		}
	}
	sort.Strings(remaining)
	m.forceCloseInstance(ctx, rc, instance, loc, remaining, now)
}

// forceCloseInstance closes the open presence of every remaining occupant,
// clears them from the volatile maps and the new snapshot (so a queued
// join cannot undo the closure within the same cycle), marks the instance
// inactive and emits exactly one instance-closed notification.
func (m *InstanceMonitor) forceCloseInstance(
	ctx context.Context,
	rc *reconciliation,
	instance *VRChatInstance,
	loc Location,
	remaining []string,
	now time.Time,
) {
	logger := m.logger.With(
		"location", loc.String(),
		"remaining", len(remaining),
	)
	logger.Warn("closing instance: no moderator present")

	for _, userID := range remaining {
		delete(m.snapshot, userID)
		delete(m.userIsMod, userID)
		delete(rc.next, userID)
		rc.closed[userID] = true

		user, err := getUserByVRChatID(m.db.DB(), userID)
		if err != nil {
			logger.Error(
				"error loading user during forced closure",
				"vrchat_id", userID,
				tint.Err(err),
			)
			continue
		}
		if user == nil {
			continue
		}
		presence, err := latestOpenPresence(m.db.DB(), user.ID, instance.ID)
		if err != nil {
			logger.Error(
				"error finding presence during forced closure",
				"vrchat_id", userID,
				tint.Err(err),
			)
			continue
		}
		if presence != nil {
			m.closePresenceAndVisit(ctx, logger, user, presence, loc, now)
		}
	}

	if err := m.closeInstance(ctx, instance, now); err != nil {
		logger.Error("error marking instance inactive", tint.Err(err))
	}
	if m.metrics != nil {
		m.metrics.forcedClosures.Inc()
	}
	if err := m.notifier.NotifyInstanceClosed(
		ctx,
		instance,
		now,
		InstanceClosedNoModerator,
	); err != nil {
		logger.Warn("error sending instance-closed notification", tint.Err(err))
	}
}

// sweepStaleInstances marks inactive any persisted instance still flagged
// active whose ID is absent from the new snapshot's location set, closing
// any presences left open by API gaps.
func (m *InstanceMonitor) sweepStaleInstances(ctx context.Context, rc *reconciliation) {
	presentIDs := make([]string, 0, len(rc.next))
	seen := map[string]struct{}{}
	for _, loc := range rc.next {
		if _, ok := seen[loc.InstanceID]; ok {
			continue
		}
		seen[loc.InstanceID] = struct{}{}
		presentIDs = append(presentIDs, loc.InstanceID)
	}

	stale, err := activeInstancesNotIn(m.db.DB(), presentIDs)
	if err != nil {
		m.logger.Error("error listing stale instances", tint.Err(err))
		return
	}
	now := m.now()
	for i := range stale {
		instance := &stale[i]
		logger := m.logger.With("instance_id", instance.InstanceID)

		lingering, openErr := openPresences(m.db.DB(), instance.ID)
		if openErr != nil {
			logger.Error("error listing open presences on sweep", tint.Err(openErr))
		}
		for j := range lingering {
			presence := &lingering[j]
			if _, closeErr := m.db.Updates(
				ctx,
				presence,
				presence.Close(now),
			); closeErr != nil {
				logger.Error("error closing lingering presence", tint.Err(closeErr))
			}
		}
		if closeErr := m.closeInstance(ctx, instance, now); closeErr != nil {
			logger.Error("error marking stale instance inactive", tint.Err(closeErr))
		} else {
			logger.Info("marked empty instance inactive")
		}
	}
	if m.metrics != nil {
		m.metrics.activeInstances.Set(float64(len(presentIDs)))
	}
}
