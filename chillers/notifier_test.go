package chillers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEmbed struct {
	ChannelID string
	Embed     *discordgo.MessageEmbed
}

// mockSessionHandler implements DiscordSessionHandler, recording embeds and
// thread creations.
type mockSessionHandler struct {
	embeds       []sentEmbed
	threadStarts []string
	threadErr    error
	nextThreadID int
	messagesSent []string
}

func (m *mockSessionHandler) Open() error  { return nil }
func (m *mockSessionHandler) Close() error { return nil }

func (m *mockSessionHandler) AddHandler(any) func() { return func() {} }

func (m *mockSessionHandler) SetIdentify(discordgo.Identify) {}

func (m *mockSessionHandler) SetLogLevel(slog.Level) error { return nil }

func (m *mockSessionHandler) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.messagesSent = append(m.messagesSent, message)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockSessionHandler) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.embeds = append(m.embeds, sentEmbed{ChannelID: channelID, Embed: embed})
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (m *mockSessionHandler) ThreadStartComplex(
	channelID string,
	data *discordgo.ThreadStart,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if m.threadErr != nil {
		return nil, m.threadErr
	}
	m.nextThreadID++
	threadID := fmt.Sprintf("thread_%d", m.nextThreadID)
	m.threadStarts = append(m.threadStarts, data.Name)
	return &discordgo.Channel{ID: threadID, ParentID: channelID}, nil
}

func newTestNotifier(t *testing.T) (*discordNotifier, *mockSessionHandler) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.Discord.InstanceLogChannelID = "chan_instances"
	cfg.Discord.ModeratorLogChannelID = "chan_mods"
	session := &mockSessionHandler{}
	db := NewDatabase(setupTestDB(t), testLogger(t), false)
	notifier := NewDiscordNotifier(
		db,
		session,
		cfg.Discord,
		testLogger(t),
	).(*discordNotifier)
	return notifier, session
}

func testInstanceRecord() *VRChatInstance {
	return &VRChatInstance{
		InstanceID:   "12345",
		WorldID:      "wrld_abc",
		InstanceName: "Test World",
		IsActive:     true,
	}
}

func TestNotifyFirstJoinCreatesThread(t *testing.T) {
	t.Parallel()
	notifier, session := newTestNotifier(t)
	user := &VRChatUser{
		VRChatID:   "usr_alpha",
		Username:   "alpha",
		TrustLevel: "Trusted User",
	}
	instance := testInstanceRecord()
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(
		t,
		notifier.NotifyFirstJoin(context.Background(), user, instance, at, false),
	)

	require.Len(t, session.threadStarts, 1)
	assert.Equal(t, "Instance: Test World", session.threadStarts[0])
	require.Len(t, session.embeds, 1)
	assert.Equal(t, "thread_1", session.embeds[0].ChannelID)
	assert.Equal(t, embedColorJoin, session.embeds[0].Embed.Color)

	record, err := getInstanceThread(notifier.db.DB(), "12345")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "thread_1", record.ThreadID)
	assert.Equal(t, "chan_instances", record.ChannelID)
}

func TestNotifyReusesExistingThread(t *testing.T) {
	t.Parallel()
	notifier, session := newTestNotifier(t)
	user := &VRChatUser{VRChatID: "usr_alpha", Username: "alpha"}
	instance := testInstanceRecord()
	at := time.Now()

	ctx := context.Background()
	require.NoError(t, notifier.NotifyFirstJoin(ctx, user, instance, at, false))
	require.NoError(
		t,
		notifier.NotifyInstanceClosed(ctx, instance, at, InstanceClosedNoModerator),
	)

	assert.Len(t, session.threadStarts, 1, "thread should be created once")
	require.Len(t, session.embeds, 3)
	assert.Equal(t, session.embeds[0].ChannelID, session.embeds[1].ChannelID)
	assert.Equal(t, "chan_mods", session.embeds[2].ChannelID)
}

func TestNotifyFallsBackToChannelOnThreadError(t *testing.T) {
	t.Parallel()
	notifier, session := newTestNotifier(t)
	session.threadErr = errors.New("missing permissions")
	user := &VRChatUser{VRChatID: "usr_alpha", Username: "alpha"}

	require.NoError(
		t,
		notifier.NotifyFirstJoin(
			context.Background(),
			user,
			testInstanceRecord(),
			time.Now(),
			false,
		),
	)

	require.Len(t, session.embeds, 1)
	assert.Equal(t, "chan_instances", session.embeds[0].ChannelID)
}

func TestNotifyModeratorArrival(t *testing.T) {
	t.Parallel()
	notifier, session := newTestNotifier(t)
	user := &VRChatUser{
		VRChatID:  "usr_mod",
		Username:  "modname",
		DiscordID: "111222333",
	}

	require.NoError(
		t,
		notifier.NotifyModeratorArrival(
			context.Background(),
			user,
			testInstanceRecord(),
			time.Now(),
		),
	)

	require.Len(t, session.embeds, 1)
	assert.Equal(t, "chan_mods", session.embeds[0].ChannelID)
	assert.Equal(t, embedColorModerator, session.embeds[0].Embed.Color)
	assert.Contains(t, session.embeds[0].Embed.Description, "<@111222333>")
}

func TestNotifyInstanceClosedReason(t *testing.T) {
	t.Parallel()
	notifier, session := newTestNotifier(t)

	require.NoError(
		t,
		notifier.NotifyInstanceClosed(
			context.Background(),
			testInstanceRecord(),
			time.Now(),
			InstanceClosedNoModerator,
		),
	)

	// closure embeds go to both the instance thread and the moderator log
	require.Len(t, session.embeds, 2)
	assert.Equal(t, "thread_1", session.embeds[0].ChannelID)
	assert.Equal(t, "chan_mods", session.embeds[1].ChannelID)
	for _, sent := range session.embeds {
		assert.Equal(t, embedColorClosed, sent.Embed.Color)
		require.NotEmpty(t, sent.Embed.Fields)
		assert.Equal(t, InstanceClosedNoModerator, sent.Embed.Fields[0].Value)
	}
}

func TestNotifyInstanceClosedModeratorLogOnly(t *testing.T) {
	t.Parallel()
	notifier, session := newTestNotifier(t)
	notifier.config.InstanceLogChannelID = ""

	require.NoError(
		t,
		notifier.NotifyInstanceClosed(
			context.Background(),
			testInstanceRecord(),
			time.Now(),
			InstanceClosedNoModerator,
		),
	)

	assert.Empty(t, session.threadStarts)
	require.Len(t, session.embeds, 1)
	assert.Equal(t, "chan_mods", session.embeds[0].ChannelID)
}

func TestNotifierNoChannelConfigured(t *testing.T) {
	t.Parallel()
	notifier, session := newTestNotifier(t)
	notifier.config.InstanceLogChannelID = ""
	notifier.config.ModeratorLogChannelID = ""
	user := &VRChatUser{VRChatID: "usr_alpha", Username: "alpha"}
	instance := testInstanceRecord()
	at := time.Now()

	ctx := context.Background()
	require.NoError(t, notifier.NotifyFirstJoin(ctx, user, instance, at, true))
	require.NoError(t, notifier.NotifyModeratorArrival(ctx, user, instance, at))
	require.NoError(t, notifier.NotifyInstanceClosed(ctx, instance, at, "test"))
	assert.Empty(t, session.embeds)
	assert.Empty(t, session.threadStarts)
}

func TestMention(t *testing.T) {
	t.Parallel()
	assert.Equal(
		t,
		"<@123>",
		mention(&VRChatUser{Username: "alpha", DiscordID: "123"}),
	)
	assert.Equal(t, "alpha", mention(&VRChatUser{Username: "alpha"}))
}
