// Package telegram sends trade and pipeline-health notifications through the
// Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/rewired-gh/tradesync/internal/logger"
	"github.com/rewired-gh/tradesync/internal/models"
)

// sender is the part of the bot API used for outgoing messages.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TradeLister serves the /trades command.
type TradeLister interface {
	List(limit int) []models.Trade
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	out            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	trades         TradeLister
	log            zerolog.Logger
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(bot, chatIDInt, maxRetries, retryDelayBase)
	c.bot = bot
	return c, nil
}

func newClient(out sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		out:            out,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		log:            logger.With("telegram"),
	}
}

// SetTradeLister enables the /trades command.
func (c *Client) SetTradeLister(l TradeLister) {
	c.trades = l
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	if c.bot == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message.Chat.ID, update.Message.Command())
				}
			}
		}
	}()
}

func (c *Client) handleCommand(chatID int64, command string) {
	var reply tgbotapi.MessageConfig
	switch command {
	case "ping":
		reply = tgbotapi.NewMessage(chatID, "Pong")
	case "trades":
		reply = tgbotapi.NewMessage(chatID, c.formatRecentTrades(5))
		reply.ParseMode = tgbotapi.ModeMarkdownV2
	default:
		return
	}
	if _, err := c.out.Send(reply); err != nil {
		c.log.Warn().Err(err).Str("command", command).Msg("failed to answer command")
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.out.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendTrade announces a recorded trade.
func (c *Client) SendTrade(trade models.Trade) error {
	return c.sendMarkdownV2(formatTrade(trade))
}

// SendError reports an insight extraction failure.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(err error) error {
	text := fmt.Sprintf("⚠️ *Insight extraction failing*\n`%s`", escapeMarkdownV2(err.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Insight extraction recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

func formatTrade(t models.Trade) string {
	emoji := "🟢"
	if t.Action == models.ActionSell {
		emoji = "🔴"
	}
	instrument := t.Symbol
	if t.OptionDetails != "" {
		instrument += " " + t.OptionDetails
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* %s %s @ %s\n",
		emoji,
		strings.ToUpper(string(t.Action)),
		escapeMarkdownV2(strconv.FormatFloat(t.Quantity, 'f', -1, 64)),
		escapeMarkdownV2(instrument),
		escapeMarkdownV2(fmt.Sprintf("$%.2f", t.Price)),
	)
	status := string(t.Status)
	if t.Synthetic {
		status += ", simulated"
	}
	fmt.Fprintf(&b, "Status: %s\n", escapeMarkdownV2(status))
	if t.Source != "" {
		fmt.Fprintf(&b, "Source: %s", escapeMarkdownV2(t.Source))
		if t.Confidence > 0 {
			fmt.Fprintf(&b, " \\(%s confidence\\)", escapeMarkdownV2(fmt.Sprintf("%.0f%%", t.Confidence*100)))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "`%s`", escapeMarkdownV2(t.ID))
	return b.String()
}

func (c *Client) formatRecentTrades(n int) string {
	if c.trades == nil {
		return "Trade history is not available"
	}
	trades := c.trades.List(n)
	if len(trades) == 0 {
		return "No trades yet"
	}
	var b strings.Builder
	b.WriteString("*Recent trades*\n\n")
	for i, t := range trades {
		fmt.Fprintf(&b, "%d\\. %s %s %s @ %s\n",
			i+1,
			escapeMarkdownV2(strings.ToUpper(string(t.Action))),
			escapeMarkdownV2(strconv.FormatFloat(t.Quantity, 'f', -1, 64)),
			escapeMarkdownV2(t.Symbol),
			escapeMarkdownV2(fmt.Sprintf("$%.2f", t.Price)),
		)
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
