// Package telegram sends collection reports via the Telegram Bot API. It
// formats cycle summaries and the most interesting processed records into
// MarkdownV2 messages and handles delivery with retry for reliability.
package telegram

import (
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cwhit/polyharvest/internal/models"
)

// Client handles Telegram notifications
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// SendCycleSummary sends a report for a finished cycle, including the
// highest-conviction records collected during it.
func (c *Client) SendCycleSummary(cycle *models.CollectionCycle, top []*models.ProcessedRecord) error {
	message := formatCycleSummary(cycle, top)

	msg := tgbotapi.NewMessage(c.chatID, message)
	msg.ParseMode = "MarkdownV2"
	msg.DisableWebPagePreview = true

	// Send with retry
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatCycleSummary formats a cycle outcome into a Telegram message
func formatCycleSummary(cycle *models.CollectionCycle, top []*models.ProcessedRecord) string {
	statusEmoji := "✅"
	switch cycle.Status {
	case models.CyclePartiallyFailed:
		statusEmoji = "⚠️"
	case models.CycleFailed:
		statusEmoji = "🛑"
	}

	message := fmt.Sprintf("%s *Collection Cycle Report*\n\n", statusEmoji)
	message += fmt.Sprintf("📅 %s\n", escapeMarkdownV2(cycle.StartedAt.Format("2006-01-02 15:04:05")))
	message += fmt.Sprintf("Status: *%s*\n", escapeMarkdownV2(string(cycle.Status)))
	message += fmt.Sprintf("Markets: %d collected, %d duplicate, %d failed\n",
		cycle.Succeeded, cycle.Duplicates, cycle.Failed)

	if cycle.Reason != "" {
		message += fmt.Sprintf("Reason: %s\n", escapeMarkdownV2(cycle.Reason))
	}
	for _, marketID := range cycle.FailedMarkets {
		message += fmt.Sprintf("  ❌ %s\n", escapeMarkdownV2(marketID))
	}

	if len(top) > 0 {
		message += "\n🎯 *Notable Markets*\n"
		for i, rec := range top {
			probStr := escapeMarkdownV2(fmt.Sprintf("%.0f%%", rec.ImpliedProbability*100))
			volStr := escapeMarkdownV2(fmt.Sprintf("$%.0f", rec.Volume))

			question := rec.Question
			if question == "" {
				question = rec.MarketID
			}

			message += fmt.Sprintf("%d\\. %s\n", i+1, escapeMarkdownV2(question))
			message += fmt.Sprintf("   YES %s \\| Vol %s \\| %s\n",
				probStr, volStr, escapeMarkdownV2(rec.Bucket))
		}
	}

	return message
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	result := ""
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			result += "\\" + string(char)
		default:
			result += string(char)
		}
	}
	return result
}
