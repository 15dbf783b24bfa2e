package channel

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/levelbot/internal/bus"
	"github.com/stellarlinkco/levelbot/internal/config"
)

// TelegramName is the bus channel name of the telegram channel.
const TelegramName = "telegram"

// Metadata keys set on inbound messages. Roles and booster are only present
// on channels that know member roles.
const (
	MetaUsername  = "username"
	MetaMessageID = "message_id"
	MetaChatTitle = "chat_title"
	MetaRoles     = "roles"
	MetaBooster   = "booster"
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel turns group messages into XP message events and delivers
// level-up announcements. Each group chat is one guild.
type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	proxy      string
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(TelegramName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		botFactory:  factory,
	}
	return ch, nil
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(ctx, update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return
	}
	// only group members earn XP
	if !msg.Chat.IsGroup() && !msg.Chat.IsSuperGroup() {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if !t.IsAllowed(chatID) {
		log.Printf("[telegram] ignoring chat %s (%s)", chatID, msg.Chat.Title)
		return
	}

	username := msg.From.UserName
	if username == "" {
		username = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	in := bus.InboundMessage{
		Channel:   TelegramName,
		SenderID:  strconv.FormatInt(msg.From.ID, 10),
		ChatID:    chatID,
		Content:   content,
		Timestamp: msg.Time(),
		Metadata: map[string]any{
			MetaUsername:  username,
			MetaMessageID: msg.MessageID,
			MetaChatTitle: msg.Chat.Title,
		},
	}
	if msg.Date == 0 {
		in.Timestamp = time.Now()
	}

	select {
	case t.bus.Inbound <- in:
	case <-ctx.Done():
	}
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// Send delivers msg to the chat in msg.ChatID. Markup that telegram rejects
// is retried as plain text.
func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}

	tgMsg := tgbotapi.NewMessage(chatID, toTelegramHTML(msg.Content))
	tgMsg.ParseMode = tgbotapi.ModeHTML
	tgMsg.DisableNotification = true
	if _, err := t.bot.Send(tgMsg); err != nil {
		tgMsg.ParseMode = ""
		tgMsg.Text = msg.Content
		if _, err2 := t.bot.Send(tgMsg); err2 != nil {
			return fmt.Errorf("send telegram message: %w", err2)
		}
	}
	return nil
}

// toTelegramHTML escapes s and turns **bold** and `code` spans into HTML.
func toTelegramHTML(s string) string {
	s = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
	s = wrapPairs(s, "**", "<b>", "</b>")
	s = wrapPairs(s, "`", "<code>", "</code>")
	return s
}

// wrapPairs replaces each closed pair of delim with openTag and closeTag.
// An unmatched trailing delim is left as is.
func wrapPairs(s, delim, openTag, closeTag string) string {
	var sb strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			break
		}
		end += start + len(delim)
		sb.WriteString(s[:start])
		sb.WriteString(openTag)
		sb.WriteString(s[start+len(delim) : end])
		sb.WriteString(closeTag)
		s = s[end+len(delim):]
	}
	sb.WriteString(s)
	return sb.String()
}
