// Package chillers implements a community-moderation Discord bot for a
// VRChat group. It polls the VRChat REST API on a fixed interval to track
// which group members are present in which VRChat instances, and keeps the
// database's picture of users, instances and presence intervals in sync
// with what the API reports.
//
// Key components of the package include:
//
//   - Chillers: The main struct that wires together configuration, the
//     database, the Discord session, the VRChat client and the monitor.
//   - VRChatClient: Cookie-authenticated client for the VRChat REST API.
//   - InstanceMonitor: The poll loop. Diffs each cycle's member-location
//     snapshot against the previous one, derives join/leave transitions,
//     and applies them to the VRChatUser, VRChatInstance and UserPresence
//     records.
//   - Notifier: Outbound notifications (first joins, moderator arrivals,
//     instance closures) delivered to Discord channels and per-instance
//     log threads.
//   - API: A small read-only HTTP API for inspecting tracked instances,
//     users and presence records, plus Prometheus metrics.
//
// The monitor also enforces the group's moderator-coverage policy: when the
// last moderator leaves an instance that still has ordinary members in it,
// the instance is closed for tracking purposes and a notification is sent.
package chillers
