package chillers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	embedColorJoin      = 0x57F287
	embedColorModerator = 0x5865F2
	embedColorClosed    = 0xED4245
)

// Notifier is the outbound notification boundary the monitor calls as
// part of transition handling. Implementations must be safe to call from
// the monitor's worker; delivery failures are returned for logging but
// never abort a reconciliation cycle.
type Notifier interface {
	NotifyFirstJoin(
		ctx context.Context,
		user *VRChatUser,
		instance *VRChatInstance,
		at time.Time,
		isModerator bool,
	) error
	NotifyModeratorArrival(
		ctx context.Context,
		user *VRChatUser,
		instance *VRChatInstance,
		at time.Time,
	) error
	NotifyInstanceClosed(
		ctx context.Context,
		instance *VRChatInstance,
		at time.Time,
		reason string,
	) error
}

// InstanceThread maps a tracked instance to the Discord thread its join
// activity is logged to. One thread per instance, created lazily on the
// first notification for that instance.
type InstanceThread struct {
	ModelUintID

	// InstanceID is the VRChat instance identifier (hash part only)
	InstanceID string `json:"instance_id" gorm:"uniqueIndex;not null"`

	// ThreadID is the Discord channel ID of the thread
	ThreadID string `json:"thread_id" gorm:"not null"`

	// ChannelID is the parent channel the thread was created in
	ChannelID string `json:"channel_id" gorm:"not null"`

	ModelUnixTime
}

func getInstanceThread(db *gorm.DB, instanceID string) (*InstanceThread, error) {
	var thread InstanceThread
	err := db.Where("instance_id = ?", instanceID).First(&thread).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &thread, nil
}

// discordNotifier delivers monitor notifications as Discord embeds: join
// activity into a per-instance thread under the instance log channel,
// moderator arrivals and instance closures additionally to the moderator
// log channel.
type discordNotifier struct {
	db      DBI
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger
}

// NewDiscordNotifier creates a Notifier delivering to Discord through the
// given session.
func NewDiscordNotifier(
	db DBI,
	session DiscordSessionHandler,
	config *DiscordConfig,
	logger *slog.Logger,
) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &discordNotifier{
		db:      db,
		session: session,
		config:  config,
		logger:  logger.With(loggerNameKey, "notifier"),
	}
}

// instanceLogThread returns the Discord thread ID to log the instance's
// activity to, creating the thread (and its tracking record) on first use.
// Falls back to the parent channel ID if thread creation fails.
func (n *discordNotifier) instanceLogThread(
	ctx context.Context,
	instance *VRChatInstance,
) (string, error) {
	record, err := getInstanceThread(n.db.DB(), instance.InstanceID)
	if err != nil {
		return "", err
	}
	if record != nil {
		return record.ThreadID, nil
	}

	name := instance.InstanceName
	if name == "" {
		name = instance.InstanceID
	}
	thread, err := n.session.ThreadStartComplex(
		n.config.InstanceLogChannelID,
		&discordgo.ThreadStart{
			Name:                truncate(fmt.Sprintf("Instance: %s", name), 100),
			AutoArchiveDuration: threadAutoArchiveMinutes,
			Type:                discordgo.ChannelTypeGuildPublicThread,
		},
	)
	if err != nil {
		return "", fmt.Errorf("error creating instance log thread: %w", err)
	}

	record = &InstanceThread{
		InstanceID: instance.InstanceID,
		ThreadID:   thread.ID,
		ChannelID:  n.config.InstanceLogChannelID,
	}
	if _, err = n.db.Create(ctx, record); err != nil {
		n.logger.Error("error saving instance thread record", tint.Err(err))
	}
	return thread.ID, nil
}

// mention returns a Discord mention for the user when their account is
// linked, otherwise their VRChat username.
func mention(user *VRChatUser) string {
	if user.DiscordID != "" {
		return fmt.Sprintf("<@%s>", user.DiscordID)
	}
	return user.Username
}

func instanceDisplayName(instance *VRChatInstance) string {
	if instance.InstanceName != "" {
		return instance.InstanceName
	}
	return instance.Location().String()
}

func (n *discordNotifier) NotifyFirstJoin(
	ctx context.Context,
	user *VRChatUser,
	instance *VRChatInstance,
	at time.Time,
	isModerator bool,
) error {
	if n.config.InstanceLogChannelID == "" {
		return nil
	}
	threadID, err := n.instanceLogThread(ctx, instance)
	if err != nil {
		n.logger.Warn(
			"falling back to instance log channel",
			tint.Err(err),
		)
		threadID = n.config.InstanceLogChannelID
	}

	role := "Member"
	if isModerator {
		role = "Moderator"
	}
	embed := &discordgo.MessageEmbed{
		Title: "Member joined",
		Color: embedColorJoin,
		Description: fmt.Sprintf(
			"%s joined **%s**",
			mention(user),
			instanceDisplayName(instance),
		),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "VRChat user", Value: user.String(), Inline: true},
			{Name: "Trust level", Value: user.TrustLevel, Inline: true},
			{Name: "Role", Value: role, Inline: true},
		},
		Timestamp: at.Format(time.RFC3339),
	}
	_, err = n.session.ChannelMessageSendEmbed(threadID, embed)
	return err
}

func (n *discordNotifier) NotifyModeratorArrival(
	_ context.Context,
	user *VRChatUser,
	instance *VRChatInstance,
	at time.Time,
) error {
	if n.config.ModeratorLogChannelID == "" {
		return nil
	}
	embed := &discordgo.MessageEmbed{
		Title: "Moderator on duty",
		Color: embedColorModerator,
		Description: fmt.Sprintf(
			"%s is now moderating **%s**",
			mention(user),
			instanceDisplayName(instance),
		),
		Timestamp: at.Format(time.RFC3339),
	}
	_, err := n.session.ChannelMessageSendEmbed(
		n.config.ModeratorLogChannelID,
		embed,
	)
	return err
}

// NotifyInstanceClosed posts the closure embed to the instance's log thread
// and, when configured, to the moderator log channel as well.
func (n *discordNotifier) NotifyInstanceClosed(
	ctx context.Context,
	instance *VRChatInstance,
	at time.Time,
	reason string,
) error {
	embed := &discordgo.MessageEmbed{
		Title: "Instance closed",
		Color: embedColorClosed,
		Description: fmt.Sprintf(
			"**%s** is now closed",
			instanceDisplayName(instance),
		),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Reason", Value: reason},
			{Name: "Location", Value: instance.Location().String()},
		},
		Timestamp: at.Format(time.RFC3339),
	}

	var sendErrs []error
	if n.config.InstanceLogChannelID != "" {
		threadID, err := n.instanceLogThread(ctx, instance)
		if err != nil {
			threadID = n.config.InstanceLogChannelID
		}
		if _, err = n.session.ChannelMessageSendEmbed(threadID, embed); err != nil {
			sendErrs = append(sendErrs, err)
		}
	}
	if n.config.ModeratorLogChannelID != "" {
		if _, err := n.session.ChannelMessageSendEmbed(
			n.config.ModeratorLogChannelID,
			embed,
		); err != nil {
			sendErrs = append(sendErrs, err)
		}
	}
	return errors.Join(sendErrs...)
}

// logNotifier is the Notifier used when the Discord gateway is disabled:
// notifications are written to the log only.
type logNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a Notifier that only logs.
func NewLogNotifier(logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &logNotifier{logger: logger.With(loggerNameKey, "notifier")}
}

func (n *logNotifier) NotifyFirstJoin(
	_ context.Context,
	user *VRChatUser,
	instance *VRChatInstance,
	at time.Time,
	isModerator bool,
) error {
	n.logger.Info(
		"first join",
		"user", user,
		"instance", instance,
		"at", at,
		"moderator", isModerator,
	)
	return nil
}

func (n *logNotifier) NotifyModeratorArrival(
	_ context.Context,
	user *VRChatUser,
	instance *VRChatInstance,
	at time.Time,
) error {
	n.logger.Info("moderator arrival", "user", user, "instance", instance, "at", at)
	return nil
}

func (n *logNotifier) NotifyInstanceClosed(
	_ context.Context,
	instance *VRChatInstance,
	at time.Time,
	reason string,
) error {
	n.logger.Info("instance closed", "instance", instance, "at", at, "reason", reason)
	return nil
}
