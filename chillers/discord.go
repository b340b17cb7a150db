package chillers

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// threadAutoArchiveMinutes is the auto-archive duration requested for
// per-instance log threads (3 days).
const threadAutoArchiveMinutes = 4320

// Discord manages the bot's Discord gateway session: connecting,
// connection-state handlers, and the startup notification. Outbound
// messages from the monitor go through the Notifier, which shares the
// same underlying session.
type Discord struct {
	session           DiscordSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	connected         atomic.Bool
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	removeHandlers    []func()
}

// newDiscord initializes a new Discord instance with the provided
// configuration.
func newDiscord(config *DiscordConfig, logger *slog.Logger) (*Discord, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discord{
		config:         config,
		logger:         logger.With(loggerNameKey, "discord"),
		removeHandlers: []func(){},
	}
	session, err := d.newSession()
	if err != nil {
		return nil, err
	}
	d.session = session
	return d, nil
}

// newSession creates the underlying discordgo session with the configured
// token, intents and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// connect registers the connection-state handlers and opens the gateway
// connection.
func (d *Discord) connect() error {
	d.session.SetIdentify(
		discordgo.Identify{Intents: d.config.GatewayIntents},
	)
	d.removeHandlers = append(
		d.removeHandlers,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
	)
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}
	return nil
}

// disconnect removes handlers and closes the gateway connection.
func (d *Discord) disconnect() error {
	for _, remove := range d.removeHandlers {
		remove()
	}
	d.removeHandlers = d.removeHandlers[:0]
	return d.session.Close()
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)

		if d.config.NotificationChannelID == "" || d.config.StartupMessage == "" {
			return
		}
		if _, err := d.session.ChannelMessageSend(
			d.config.NotificationChannelID,
			d.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		); err != nil {
			d.logger.Error("unable to send startup message", tint.Err(err))
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines the methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler registers a gateway event handler, returning a function
	// that removes it
	AddHandler(handler any) func()

	// SetIdentify sets the identify payload sent during the handshake
	// with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// ChannelMessageSend sends a plain message to the given channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendEmbed sends an embed to the given channel (or
	// thread)
	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ThreadStartComplex creates a new thread in the given channel
	ThreadStartComplex(
		channelID string,
		data *discordgo.ThreadStart,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendEmbed(channelID, embed, opts...)
	if err != nil {
		d.logger.Error(
			"error sending embed",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ThreadStartComplex(
	channelID string,
	data *discordgo.ThreadStart,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	thread, err := d.session.ThreadStartComplex(channelID, data, opts...)
	if err != nil {
		d.logger.Error(
			"error starting thread",
			tint.Err(err),
			"channel_id", channelID,
			"name", data.Name,
		)
	} else {
		d.logger.Info(
			"started thread",
			"channel_id", channelID,
			"thread_id", thread.ID,
			"name", data.Name,
		)
	}
	return thread, err
}
