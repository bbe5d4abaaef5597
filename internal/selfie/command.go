package selfie

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moekira/selfiebot/internal/chatmsg"
	"github.com/moekira/selfiebot/internal/config"
	"github.com/moekira/selfiebot/internal/logger"
	"github.com/moekira/selfiebot/internal/store"
)

// Command implements the /selfie_base operator surface: show, set and
// clear the per-owner reference image.
type Command struct {
	cfg       *config.Config
	store     *store.Store
	messenger Messenger
	history   History
	persons   PersonResolver
}

// NewCommand wires the base-image command handlers.
func NewCommand(cfg *config.Config, st *store.Store, msg Messenger, hist History, persons PersonResolver) *Command {
	return &Command{
		cfg:       cfg,
		store:     st,
		messenger: msg,
		history:   hist,
		persons:   persons,
	}
}

// CommandRequest describes one /selfie_base invocation.
type CommandRequest struct {
	ChatID   string
	Platform string
	UserID   string
	// ReplyToID is the id of the message the command replied to, when any.
	ReplyToID string
}

// Execute dispatches one subcommand (show when empty) and returns a success
// flag plus a status string for the host's records. User-visible feedback
// is sent directly to the chat.
func (c *Command) Execute(ctx context.Context, action string, req CommandRequest) (bool, string) {
	action = strings.ToLower(strings.TrimSpace(action))
	switch action {
	case "set":
		return c.handleSet(ctx, req)
	case "clear":
		return c.handleClear(ctx, req)
	default:
		return c.handleShow(ctx, req)
	}
}

func (c *Command) ownerKey(req CommandRequest) string {
	personID := c.persons.ResolvePersonID(req.Platform, req.UserID)
	return store.OwnerKey(c.cfg.Selfie.BaseImageScope, req.ChatID, personID)
}

func (c *Command) recentMessages(chatID string, limit int) []chatmsg.Record {
	if chatID == "" {
		return nil
	}
	return c.history.RecentMessages(chatID, 72, limit, false)
}

func sortByTime(messages []chatmsg.Record) []chatmsg.Record {
	sorted := make([]chatmsg.Record, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time() < sorted[j].Time() })
	return sorted
}

func findMessageByID(messages []chatmsg.Record, messageID string) chatmsg.Record {
	for _, msg := range messages {
		if msg.ID() == messageID {
			return msg
		}
	}
	return nil
}

// pickLatestImageMessage scans newest-first for a non-command message with
// an embedded image.
func pickLatestImageMessage(messages []chatmsg.Record) chatmsg.Record {
	sorted := sortByTime(messages)
	for i := len(sorted) - 1; i >= 0; i-- {
		msg := sorted[i]
		if strings.HasPrefix(strings.TrimSpace(msg.Text()), "/") {
			continue
		}
		if _, ok := chatmsg.FindImageBase64(msg); ok {
			return msg
		}
	}
	return nil
}

func (c *Command) handleSet(ctx context.Context, req CommandRequest) (bool, string) {
	ownerKey := c.ownerKey(req)
	messages := c.recentMessages(req.ChatID, 80)

	var target chatmsg.Record
	if req.ReplyToID != "" {
		target = findMessageByID(messages, req.ReplyToID)
	}
	if target == nil {
		target = pickLatestImageMessage(messages)
	}
	if target == nil {
		c.messenger.SendText(ctx, req.ChatID, "❌ 未找到可用图片。请引用一条图片消息后执行 `/selfie_base set`。", "")
		return false, "set 失败：未找到图片消息"
	}

	imageBase64, ok := chatmsg.FindImageBase64(target)
	if !ok {
		c.messenger.SendText(ctx, req.ChatID, "❌ 找到了消息，但未提取到图片 base64。请换一条原始图片消息重试。", "")
		return false, "set 失败：图片提取失败"
	}

	outPath, err := c.store.SaveBaseImage(ownerKey, imageBase64)
	if err != nil {
		logger.SelfieError("Owner[%s]: base image set failed: %v", ownerKey, err)
		c.messenger.SendText(ctx, req.ChatID, "❌ 处理底图命令失败，请稍后再试。", "")
		return false, "set 失败: " + err.Error()
	}
	c.messenger.SendText(ctx, req.ChatID, "✅ 角色底图已设置："+filepath.Base(outPath), "")
	return true, "set 成功: " + outPath
}

func (c *Command) handleClear(ctx context.Context, req CommandRequest) (bool, string) {
	ownerKey := c.ownerKey(req)
	removed, err := c.store.ClearBaseImage(ownerKey)
	if err != nil {
		logger.SelfieError("Owner[%s]: base image clear failed: %v", ownerKey, err)
		c.messenger.SendText(ctx, req.ChatID, "❌ 处理底图命令失败，请稍后再试。", "")
		return false, "clear 失败: " + err.Error()
	}
	if removed {
		c.messenger.SendText(ctx, req.ChatID, "✅ 角色底图已清空。", "")
		return true, "clear 成功"
	}
	c.messenger.SendText(ctx, req.ChatID, "ℹ️ 当前作用域没有已设置底图。", "")
	return true, "clear: 无底图"
}

func (c *Command) handleShow(ctx context.Context, req CommandRequest) (bool, string) {
	ownerKey := c.ownerKey(req)
	path, exists := c.store.BaseImagePath(ownerKey)
	if !exists {
		c.messenger.SendText(ctx, req.ChatID, "ℹ️ 当前作用域未设置底图。可用 `/selfie_base set` 进行设置。", "")
		return true, "show: 无底图"
	}

	c.messenger.SendText(ctx, req.ChatID, "✅ 当前底图存在："+filepath.Base(path), "")
	if imageBase64, ok := c.store.ReadBaseImage(ownerKey); ok {
		if !c.messenger.SendImage(ctx, req.ChatID, imageBase64, "") {
			// Failing to echo the image back is not fatal for show.
			logger.SelfieWarn("Owner[%s]: show base image send failed", ownerKey)
		}
	}
	return true, "show 成功"
}
