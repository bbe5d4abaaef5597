// Package selfie contains the selfie trigger action and the base-image
// management command. The action is a thin state machine over the content
// store, rate limiter, prompt planner and image generator; it never lets an
// error escape to the host adapter.
package selfie

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/moekira/selfiebot/internal/chatmsg"
	"github.com/moekira/selfiebot/internal/config"
	"github.com/moekira/selfiebot/internal/logger"
	"github.com/moekira/selfiebot/internal/planner"
	"github.com/moekira/selfiebot/internal/ratelimit"
	"github.com/moekira/selfiebot/internal/store"
)

// Messenger delivers text and images into the conversation. Both methods
// report delivery success.
type Messenger interface {
	SendText(ctx context.Context, chatID, text, replyTo string) bool
	SendImage(ctx context.Context, chatID, imageBase64, replyTo string) bool
}

// History supplies recent messages for a chat. filterSelf excludes the
// bot's own messages.
type History interface {
	RecentMessages(chatID string, hours float64, limit int, filterSelf bool) []chatmsg.Record
}

// PersonResolver resolves a stable person identity for a platform user.
type PersonResolver interface {
	ResolvePersonID(platform, userID string) string
}

// Planner builds prompt plans and refusal replies.
type Planner interface {
	GeneratePlan(ctx context.Context, contextText, style string, disallowNSFW bool) (*planner.Plan, error)
	RefusalReply(ctx context.Context, contextText, reason string) string
}

// Generator renders the final image from a plan and reference image.
type Generator interface {
	GenerateWithReference(ctx context.Context, prompt, negativePrompt, baseImageBase64, size string) (string, error)
}

// Outcome classifies how an invocation ended.
type Outcome int

const (
	OutcomeNotTriggered Outcome = iota
	OutcomeCoolingDown
	OutcomeMissingBaseImage
	OutcomeRateLimited
	OutcomeSent
	OutcomeDeliveryFailed
	OutcomeFailed
)

// Result is what an invocation reports back to the host adapter.
type Result struct {
	OK      bool
	Outcome Outcome
	Status  string
}

// Trigger describes the incoming event that may fire the action.
type Trigger struct {
	ChatID   string
	Platform string
	UserID   string
	Text     string
}

// Action is the selfie orchestrator.
type Action struct {
	cfg       *config.Config
	store     *store.Store
	planner   Planner
	generator Generator
	messenger Messenger
	history   History
	persons   PersonResolver
	now       func() float64
}

// NewAction wires the orchestrator. now supplies the current unix time in
// seconds and exists so tests can control the clock.
func NewAction(cfg *config.Config, st *store.Store, pl Planner, gen Generator, msg Messenger, hist History, persons PersonResolver, now func() float64) *Action {
	return &Action{
		cfg:       cfg,
		store:     st,
		planner:   pl,
		generator: gen,
		messenger: msg,
		history:   hist,
		persons:   persons,
		now:       now,
	}
}

// Execute runs one invocation of the selfie state machine. It never
// panics outward; every failure becomes a logged Result plus at most one
// user-visible message.
func (a *Action) Execute(ctx context.Context, trig Trigger) (result Result) {
	inv := uuid.NewString()[:8]
	defer func() {
		if r := recover(); r != nil {
			logger.SelfieError("Inv[%s] Chat[%s]: panic in selfie action: %v", inv, trig.ChatID, r)
			a.messenger.SendText(ctx, trig.ChatID, "生成自拍图失败了，请稍后再试。", "")
			result = Result{OK: false, Outcome: OutcomeFailed, Status: "生成失败: internal error"}
		}
	}()

	if !a.cfg.PluginEnabled {
		return Result{OK: true, Outcome: OutcomeNotTriggered, Status: "插件已禁用"}
	}
	if !a.cfg.Selfie.Enabled {
		return Result{OK: true, Outcome: OutcomeNotTriggered, Status: "自拍功能已禁用"}
	}

	if !a.keywordHit(trig.Text) {
		return Result{OK: true, Outcome: OutcomeNotTriggered, Status: "关键词未命中"}
	}

	personID := a.persons.ResolvePersonID(trig.Platform, trig.UserID)
	ownerKey := store.OwnerKey(a.cfg.Selfie.BaseImageScope, trig.ChatID, personID)
	now := a.now()

	cooldown := a.cfg.Selfie.CooldownSeconds
	if cooldown > 0 {
		if last := a.store.LastTrigger(ownerKey); now-last < float64(cooldown) {
			logger.SelfieDebug("Inv[%s] Owner[%s]: cooling down (%ds since last trigger, cooldown %ds)",
				inv, ownerKey, int(now-last), cooldown)
			return Result{OK: true, Outcome: OutcomeCoolingDown, Status: "触发冷却中"}
		}
	}

	replyTo := a.latestMessageID(trig.ChatID)

	baseImage, ok := a.store.ReadBaseImage(ownerKey)
	if !ok {
		logger.SelfieInfo("Inv[%s] Owner[%s]: no base image configured.", inv, ownerKey)
		a.messenger.SendText(ctx, trig.ChatID, "请管理员先用 `/selfie_base set` 上传角色底图。", replyTo)
		return Result{OK: true, Outcome: OutcomeMissingBaseImage, Status: "缺少底图"}
	}

	contextText := a.buildContextText(trig.ChatID)

	if a.cfg.Selfie.RateLimitEnabled {
		scopeID := a.rateLimitScopeID(trig.ChatID, personID)
		limiter := ratelimit.New(a.store.DataDir(), scopeID)
		windowHours := a.cfg.Selfie.RateLimitWindowHours
		maxImages := a.cfg.Selfie.RateLimitMaxImages
		if limited, count := limiter.Check(windowHours, maxImages, now); limited {
			logger.LimitInfo("Inv[%s] Scope[%s]: rate limit hit (window=%dh max=%d count=%d)",
				inv, scopeID, windowHours, maxImages, count)
			reason := fmt.Sprintf("%d 小时内已拍了太多张照片", windowHours)
			refusal := a.planner.RefusalReply(ctx, contextText, reason)
			a.messenger.SendText(ctx, trig.ChatID, refusal, replyTo)
			return Result{OK: true, Outcome: OutcomeRateLimited, Status: "限流触发，已拒绝生图"}
		}
	}

	plan, err := a.planner.GeneratePlan(ctx, contextText, a.cfg.Selfie.PromptStyle, a.cfg.DisallowNSFW)
	if err != nil {
		return a.fail(ctx, inv, trig.ChatID, replyTo, "规划生成失败", err)
	}

	outputImage, err := a.generator.GenerateWithReference(ctx, plan.Prompt, plan.Negative, baseImage, a.cfg.Image.Size)
	if err != nil {
		return a.fail(ctx, inv, trig.ChatID, replyTo, "图片生成失败", err)
	}

	if !a.messenger.SendImage(ctx, trig.ChatID, outputImage, replyTo) {
		// The image exists but delivery failed: report distinctly and leave
		// cooldown and rate-limit state untouched.
		logger.SelfieError("Inv[%s] Chat[%s]: image generated but delivery failed.", inv, trig.ChatID)
		a.messenger.SendText(ctx, trig.ChatID, "图片生成成功但发送失败，请稍后重试。", "")
		return Result{OK: false, Outcome: OutcomeDeliveryFailed, Status: "图片发送失败"}
	}

	// The single point where persisted success state changes.
	if err := a.store.SetLastTrigger(ownerKey, now); err != nil {
		logger.SelfieWarn("Inv[%s] Owner[%s]: failed to persist last trigger: %v", inv, ownerKey, err)
	}
	if a.cfg.Selfie.RateLimitEnabled {
		scopeID := a.rateLimitScopeID(trig.ChatID, personID)
		count := ratelimit.New(a.store.DataDir(), scopeID).Record(a.cfg.Selfie.RateLimitWindowHours, now)
		logger.LimitDebug("Inv[%s] Scope[%s]: recorded generation event, in-window count %d", inv, scopeID, count)
	}
	logger.SelfieInfo("Inv[%s] Owner[%s]: selfie generated and delivered.", inv, ownerKey)
	return Result{OK: true, Outcome: OutcomeSent, Status: "自拍图已生成并发送"}
}

func (a *Action) fail(ctx context.Context, inv, chatID, replyTo, what string, err error) Result {
	logger.SelfieError("Inv[%s] Chat[%s]: %s: %v", inv, chatID, what, err)
	a.messenger.SendText(ctx, chatID, "生成自拍图失败了，请稍后再试。", replyTo)
	return Result{OK: false, Outcome: OutcomeFailed, Status: "生成失败: " + err.Error()}
}

// keywordHit does a case-insensitive substring match of every configured
// trigger keyword against the text.
func (a *Action) keywordHit(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	lowText := strings.ToLower(text)
	for _, kw := range a.cfg.Selfie.TriggerKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lowText, kw) {
			return true
		}
	}
	return false
}

func (a *Action) rateLimitScopeID(chatID, personID string) string {
	if a.cfg.Selfie.RateLimitScope == "user" {
		return "user_" + personID
	}
	return "chat_" + chatID
}

func (a *Action) recentMessages(chatID string) []chatmsg.Record {
	if chatID == "" {
		return nil
	}
	return a.history.RecentMessages(chatID, 24, a.cfg.Selfie.ContextMessageLimit, true)
}

// latestMessageID picks the newest recent message as the reply target.
func (a *Action) latestMessageID(chatID string) string {
	messages := a.recentMessages(chatID)
	if len(messages) == 0 {
		return ""
	}
	newest := messages[0]
	for _, msg := range messages[1:] {
		if msg.Time() > newest.Time() {
			newest = msg
		}
	}
	return newest.ID()
}

// buildContextText renders the recent chat as "[name] text" lines in
// timestamp order, skipping command lines and empty texts.
func (a *Action) buildContextText(chatID string) string {
	messages := a.recentMessages(chatID)

	type row struct {
		ts   float64
		name string
		text string
	}
	rows := make([]row, 0, len(messages))
	for _, msg := range messages {
		text := strings.TrimSpace(msg.Text())
		if text == "" || strings.HasPrefix(text, "/") {
			continue
		}
		name := strings.TrimSpace(msg.SenderName())
		if name == "" {
			name = "user"
		}
		rows = append(rows, row{ts: msg.Time(), name: name, text: text})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts < rows[j].ts })

	if len(rows) == 0 {
		return "（无可用上下文）"
	}
	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = "[" + r.name + "] " + r.text
	}
	return strings.Join(lines, "\n")
}
