// Package telegram adapts the selfie plugin to Telegram. It supplies the
// host-runtime contract the plugin consumes: recent-message history,
// text/image delivery, and person identity resolution.
package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/moekira/selfiebot/internal/chatmsg"
	"github.com/moekira/selfiebot/internal/logger"
	"github.com/moekira/selfiebot/internal/selfie"
)

const (
	historyRetention  = 72 * time.Hour
	historyMaxPerChat = 500
	platformName      = "telegram"
)

// Bot is the Telegram host adapter.
type Bot struct {
	bot        *bot.Bot
	action     *selfie.Action
	command    *selfie.Command
	history    *historyBuffer
	admins     map[int64]bool
	httpClient *http.Client
}

// NewBot creates the adapter. Attach must be called before Start to wire
// the selfie handlers; the adapter itself is one of their dependencies.
func NewBot(token, adminUserIDs string) (*Bot, error) {
	b := &Bot{
		history:    newHistoryBuffer(historyRetention, historyMaxPerChat),
		admins:     parseAdminIDs(adminUserIDs),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	botAPI, err := bot.New(token, bot.WithDefaultHandler(b.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}
	b.bot = botAPI
	return b, nil
}

// Attach wires the selfie action and base-image command.
func (b *Bot) Attach(action *selfie.Action, command *selfie.Command) {
	b.action = action
	b.command = command
}

// Start starts the bot.
func (b *Bot) Start(ctx context.Context) {
	b.bot.Start(ctx)
}

// Stop stops the bot. The go-telegram/bot library stops when the start
// context is canceled, so there is nothing else to tear down.
func (b *Bot) Stop(ctx context.Context) {}

// parseAdminIDs parses a comma-separated admin id list, skipping entries
// that do not parse.
func parseAdminIDs(raw string) map[int64]bool {
	admins := make(map[int64]bool)
	for _, idStr := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err == nil {
			admins[id] = true
		}
	}
	return admins
}

func (b *Bot) isAdmin(userID int64) bool {
	// An empty admin list leaves the base-image commands open to everyone.
	if len(b.admins) == 0 {
		return true
	}
	return b.admins[userID]
}

// handleUpdate records every incoming message into the history buffer and
// routes it to the base-image command or the selfie action.
func (b *Bot) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	message := update.Message
	chatID := strconv.FormatInt(message.Chat.ID, 10)
	userID := message.From.ID

	b.recordMessage(ctx, message)

	text := message.Text
	if text == "" {
		text = message.Caption
	}

	if strings.HasPrefix(text, "/selfie_base") {
		b.handleBaseCommand(ctx, message, text)
		return
	}
	if strings.HasPrefix(text, "/") {
		logger.TelegramDebug("Chat[%s] User[%d]: ignoring unrelated command.", chatID, userID)
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	trigger := selfie.Trigger{
		ChatID:   chatID,
		Platform: platformName,
		UserID:   strconv.FormatInt(userID, 10),
		Text:     text,
	}

	// Signal activity while the plan and image calls run.
	typingDone := make(chan struct{})
	go b.sendContinuousUploadAction(ctx, message.Chat.ID, typingDone)
	result := b.action.Execute(ctx, trigger)
	close(typingDone)

	logger.TelegramDebug("Chat[%s] User[%d]: selfie action finished: ok=%v status=%q",
		chatID, userID, result.OK, result.Status)
}

func (b *Bot) handleBaseCommand(ctx context.Context, message *models.Message, text string) {
	chatID := strconv.FormatInt(message.Chat.ID, 10)
	userID := message.From.ID

	fields := strings.Fields(text)
	action := ""
	if len(fields) > 1 {
		action = strings.ToLower(fields[1])
	}

	if (action == "set" || action == "clear") && !b.isAdmin(userID) {
		logger.TelegramInfo("Chat[%s] User[%d]: denied /selfie_base %s (not an admin).", chatID, userID, action)
		b.SendText(ctx, chatID, "❌ 只有管理员可以修改底图。", "")
		return
	}

	replyTo := ""
	if message.ReplyToMessage != nil {
		replyTo = strconv.Itoa(message.ReplyToMessage.ID)
	}

	req := selfie.CommandRequest{
		ChatID:    chatID,
		Platform:  platformName,
		UserID:    strconv.FormatInt(userID, 10),
		ReplyToID: replyTo,
	}
	ok, status := b.command.Execute(ctx, action, req)
	logger.TelegramInfo("Chat[%s] User[%d]: /selfie_base %s -> ok=%v status=%q", chatID, userID, action, ok, status)
}

// recordMessage stores the message in the history buffer. Photo messages
// are downloaded and embedded as data URIs so the base-image command's
// deep search can find them later.
func (b *Bot) recordMessage(ctx context.Context, message *models.Message) {
	chatID := strconv.FormatInt(message.Chat.ID, 10)

	payload := map[string]interface{}{}
	if len(message.Photo) > 0 {
		// Highest resolution is last.
		photo := message.Photo[len(message.Photo)-1]
		if dataURI, err := b.downloadPhotoAsDataURI(ctx, photo.FileID); err != nil {
			logger.TelegramWarn("Chat[%s]: failed to capture photo payload: %v", chatID, err)
		} else {
			payload["image"] = dataURI
		}
	}

	sender := message.From.FirstName
	if message.From.LastName != "" {
		sender += " " + message.From.LastName
	}
	if sender == "" && message.From.Username != "" {
		sender = "@" + message.From.Username
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}

	record := chatmsg.Msg{
		MessageID: strconv.Itoa(message.ID),
		Timestamp: float64(message.Date),
		PlainText: text,
		Sender:    sender,
		Raw:       payload,
	}
	b.history.Append(chatID, record, false)
}

func (b *Bot) downloadPhotoAsDataURI(ctx context.Context, fileID string) (string, error) {
	file, err := b.bot.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	fileURL := b.bot.FileDownloadLink(file)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download photo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read photo body: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data), nil
}

// sendContinuousUploadAction keeps the upload_photo chat action alive
// until done is closed. Telegram chat actions last about five seconds.
func (b *Bot) sendContinuousUploadAction(ctx context.Context, chatID int64, done chan struct{}) {
	send := func() {
		b.bot.SendChatAction(ctx, &bot.SendChatActionParams{
			ChatID: chatID,
			Action: models.ChatActionUploadPhoto,
		})
	}
	send()
	ticker := time.NewTicker(4 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			send()
		case <-ctx.Done():
			return
		}
	}
}

// SendText implements selfie.Messenger.
func (b *Bot) SendText(ctx context.Context, chatID, text, replyTo string) bool {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		logger.TelegramError("SendText: invalid chat id %q: %v", chatID, err)
		return false
	}
	params := &bot.SendMessageParams{
		ChatID: id,
		Text:   text,
	}
	if replyParams := replyParameters(replyTo, id); replyParams != nil {
		params.ReplyParameters = replyParams
	}
	if _, err := b.bot.SendMessage(ctx, params); err != nil {
		logger.TelegramError("Chat[%s]: failed to send text: %v", chatID, err)
		return false
	}
	b.history.Append(chatID, chatmsg.Msg{
		Timestamp: float64(time.Now().Unix()),
		PlainText: text,
		Sender:    "bot",
	}, true)
	return true
}

// SendImage implements selfie.Messenger.
func (b *Bot) SendImage(ctx context.Context, chatID, imageBase64, replyTo string) bool {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		logger.TelegramError("SendImage: invalid chat id %q: %v", chatID, err)
		return false
	}
	imageBytes, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		logger.TelegramError("Chat[%s]: image payload is not valid base64: %v", chatID, err)
		return false
	}
	params := &bot.SendPhotoParams{
		ChatID: id,
		Photo:  &models.InputFileUpload{Filename: "selfie.png", Data: bytes.NewReader(imageBytes)},
	}
	if replyParams := replyParameters(replyTo, id); replyParams != nil {
		params.ReplyParameters = replyParams
	}
	if _, err := b.bot.SendPhoto(ctx, params); err != nil {
		logger.TelegramError("Chat[%s]: failed to send photo: %v", chatID, err)
		return false
	}
	return true
}

func replyParameters(replyTo string, chatID int64) *models.ReplyParameters {
	if replyTo == "" {
		return nil
	}
	messageID, err := strconv.Atoi(replyTo)
	if err != nil {
		return nil
	}
	return &models.ReplyParameters{
		ChatID:    chatID,
		MessageID: messageID,
	}
}

// ResolvePersonID implements selfie.PersonResolver. Telegram user ids are
// already stable, so identity is the platform-qualified id.
func (b *Bot) ResolvePersonID(platform, userID string) string {
	if platform == "" {
		platform = platformName
	}
	return platform + "_" + userID
}

// RecentMessages implements selfie.History.
func (b *Bot) RecentMessages(chatID string, hours float64, limit int, filterSelf bool) []chatmsg.Record {
	return b.history.RecentMessages(chatID, hours, limit, filterSelf)
}

var (
	_ selfie.Messenger      = (*Bot)(nil)
	_ selfie.History        = (*Bot)(nil)
	_ selfie.PersonResolver = (*Bot)(nil)
)
