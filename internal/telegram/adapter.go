// Package telegram bridges a Telegram bot to the gateway and lets chat users
// decide pending tool approvals with inline buttons.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/turnlog/internal/gateway"
	"github.com/user/turnlog/internal/types"
)

const (
	maxTelegramMessage = 4096
	maxArgsPreview     = 500

	callbackApprove = "approve"
	callbackReject  = "reject"
)

// sender is the subset of *tgbotapi.BotAPI the adapter calls.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Responder records an approval decision.
type Responder interface {
	Respond(ctx context.Context, id types.ApprovalID, approved bool, decidedBy string) bool
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	bot           sender
	gateway       *gateway.Gateway
	approvals     Responder
	events        types.EventStore
	conversations types.ConversationStore
	// chatID receives approvals for conversations that did not start in
	// Telegram.
	chatID int64
}

// Options carries the adapter's collaborators.
type Options struct {
	Gateway       *gateway.Gateway
	Approvals     Responder
	Events        types.EventStore
	Conversations types.ConversationStore
	ChatID        int64
}

// New creates a Telegram adapter.
func New(token string, opts Options) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newAdapter(bot, opts), nil
}

func newAdapter(bot sender, opts Options) *Adapter {
	return &Adapter{
		bot:           bot,
		gateway:       opts.Gateway,
		approvals:     opts.Approvals,
		events:        opts.Events,
		conversations: opts.Conversations,
		chatID:        opts.ChatID,
	}
}

// Start begins long-polling for Telegram updates. It returns when ctx is
// done.
func (a *Adapter) Start(ctx context.Context) {
	bot, ok := a.bot.(*tgbotapi.BotAPI)
	if !ok {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			switch {
			case update.CallbackQuery != nil:
				a.handleCallback(ctx, update.CallbackQuery)
			case update.Message != nil && update.Message.Text != "":
				a.handleMessage(ctx, update.Message)
			}
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	// Handle commands
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	inbound := &types.InboundMessage{
		Source: "telegram",
		Key:    buildConversationKey(msg.From.ID, msg.Chat.ID),
		UserID: strconv.FormatInt(msg.From.ID, 10),
		Text:   msg.Text,
	}

	_, err := a.gateway.HandleInbound(ctx, inbound, gateway.WithOnComplete(func(response string) {
		a.sendResponse(chatID, response)
	}))
	if err != nil {
		slog.Error("handle inbound", "chat_id", chatID, "error", err)
		a.sendResponse(chatID, "Sorry, I encountered an error processing your message.")
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! Send me a message to start a turn. /stop cancels the running turn.")

	case "stop":
		id, err := a.conversations.ResolveOrCreate(ctx, buildConversationKey(msg.From.ID, msg.Chat.ID))
		if err != nil {
			a.sendResponse(chatID, "Error resolving conversation.")
			return
		}
		if a.gateway.Cancel(id) {
			a.sendResponse(chatID, "Stopping the current turn.")
		} else {
			a.sendResponse(chatID, "Nothing is running.")
		}

	case "status":
		id, err := a.conversations.ResolveOrCreate(ctx, buildConversationKey(msg.From.ID, msg.Chat.ID))
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		count, err := a.events.Count(ctx, id)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Conversation: %s\nEvents: %d", id, count))

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /stop, /status")
	}
}

// NotifyApproval posts req to the chat the conversation lives in, with
// approve and reject buttons.
func (a *Adapter) NotifyApproval(ctx context.Context, req *types.ApprovalRequest) error {
	chatID, err := a.chatFor(ctx, req.ConversationID)
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, approvalText(req))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Approve", callbackApprove+":"+string(req.ID)),
		tgbotapi.NewInlineKeyboardButtonData("Reject", callbackReject+":"+string(req.ID)),
	))
	if _, err := a.bot.Send(msg); err != nil {
		return fmt.Errorf("send approval %s: %w", req.ID, err)
	}
	return nil
}

func (a *Adapter) chatFor(ctx context.Context, id types.ConversationID) (int64, error) {
	if a.conversations != nil {
		conv, err := a.conversations.Get(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("lookup conversation: %w", err)
		}
		if chatID, ok := parseChatID(conv.Key); ok {
			return chatID, nil
		}
	}
	if a.chatID == 0 {
		return 0, errors.New("no telegram chat for conversation " + string(id))
	}
	return a.chatID, nil
}

func (a *Adapter) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	action, id, ok := strings.Cut(cq.Data, ":")
	if !ok || (action != callbackApprove && action != callbackReject) {
		a.answer(cq.ID, "Unknown action")
		return
	}

	approved := action == callbackApprove
	decidedBy := "telegram:" + strconv.FormatInt(cq.From.ID, 10)
	if !a.approvals.Respond(ctx, types.ApprovalID(id), approved, decidedBy) {
		a.answer(cq.ID, "This request is no longer pending")
		return
	}

	verdict := "Rejected"
	if approved {
		verdict = "Approved"
	}
	a.answer(cq.ID, verdict)
	if cq.Message != nil {
		edit := tgbotapi.NewEditMessageText(cq.Message.Chat.ID, cq.Message.MessageID,
			cq.Message.Text+"\n\n"+verdict+" by "+userName(cq.From))
		if _, err := a.bot.Request(edit); err != nil {
			slog.Warn("edit approval message", "approval_id", id, "error", err)
		}
	}
}

func (a *Adapter) answer(callbackID, text string) {
	if _, err := a.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		slog.Warn("answer callback", "error", err)
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				slog.Error("send message", "chat_id", chatID, "error", err)
			}
		}
	}
}

func approvalText(req *types.ApprovalRequest) string {
	args := string(req.Args)
	var pretty any
	if json.Unmarshal(req.Args, &pretty) == nil {
		if b, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			args = string(b)
		}
	}
	if len(args) > maxArgsPreview {
		args = args[:maxArgsPreview] + "..."
	}
	return fmt.Sprintf("Approval needed (%s priority)\nTool: %s\nArgs:\n%s\nExpires: %s",
		req.Priority, req.ToolName, args, req.ExpiresAt.Format("15:04:05"))
}

func userName(u *tgbotapi.User) string {
	if u == nil {
		return "unknown"
	}
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return u.FirstName
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := min(maxTelegramMessage, len(text))
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func buildConversationKey(userID, chatID int64) types.ConversationKey {
	return types.NewConversationKey("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}

// parseChatID extracts the chat from a key built by buildConversationKey.
func parseChatID(key types.ConversationKey) (int64, bool) {
	parts := strings.Split(string(key), ":")
	if len(parts) != 3 || parts[0] != "telegram" {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	return id, err == nil
}
