package selfie

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moekira/selfiebot/internal/chatmsg"
	"github.com/moekira/selfiebot/internal/config"
	"github.com/moekira/selfiebot/internal/planner"
	"github.com/moekira/selfiebot/internal/ratelimit"
	"github.com/moekira/selfiebot/internal/store"
)

// fakeMessenger records everything sent to the chat.
type fakeMessenger struct {
	texts      []string
	images     []string
	failImages bool
}

func (f *fakeMessenger) SendText(ctx context.Context, chatID, text, replyTo string) bool {
	f.texts = append(f.texts, text)
	return true
}

func (f *fakeMessenger) SendImage(ctx context.Context, chatID, imageBase64, replyTo string) bool {
	if f.failImages {
		return false
	}
	f.images = append(f.images, imageBase64)
	return true
}

type fakeHistory struct {
	messages []chatmsg.Record
}

func (f *fakeHistory) RecentMessages(chatID string, hours float64, limit int, filterSelf bool) []chatmsg.Record {
	return f.messages
}

type fakeResolver struct{}

func (fakeResolver) ResolvePersonID(platform, userID string) string {
	return platform + "_" + userID
}

// fakePlanner counts calls and serves canned outputs.
type fakePlanner struct {
	planCalls    int
	refusalCalls int
	lastReason   string
	err          error
}

func (f *fakePlanner) GeneratePlan(ctx context.Context, contextText, style string, disallowNSFW bool) (*planner.Plan, error) {
	f.planCalls++
	if f.err != nil {
		return nil, f.err
	}
	return planner.FallbackPlan(contextText, style, disallowNSFW), nil
}

func (f *fakePlanner) RefusalReply(ctx context.Context, contextText, reason string) string {
	f.refusalCalls++
	f.lastReason = reason
	return "今天不拍啦。"
}

type fakeGenerator struct {
	calls int
	err   error
}

func (f *fakeGenerator) GenerateWithReference(ctx context.Context, prompt, negativePrompt, baseImageBase64, size string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "R0VORVJBVEVE", nil
}

type fixture struct {
	cfg       *config.Config
	store     *store.Store
	messenger *fakeMessenger
	history   *fakeHistory
	planner   *fakePlanner
	generator *fakeGenerator
	now       float64
	action    *Action
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		cfg: &config.Config{
			PluginEnabled: true,
			Selfie: config.Selfie{
				Enabled:              true,
				TriggerKeywords:      config.DefaultTriggerKeywords,
				ContextMessageLimit:  20,
				BaseImageScope:       "chat",
				CooldownSeconds:      30,
				PromptStyle:          "写实",
				RateLimitEnabled:     true,
				RateLimitScope:       "chat",
				RateLimitWindowHours: 6,
				RateLimitMaxImages:   3,
			},
			Image:        config.Image{Size: "1024x1024"},
			DisallowNSFW: true,
		},
		store:     st,
		messenger: &fakeMessenger{},
		history:   &fakeHistory{},
		planner:   &fakePlanner{},
		generator: &fakeGenerator{},
		now:       1700000000,
	}
	f.action = NewAction(f.cfg, f.store, f.planner, f.generator, f.messenger, f.history, fakeResolver{}, func() float64 { return f.now })
	return f
}

func (f *fixture) withBaseImage(t *testing.T) {
	t.Helper()
	payload := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\npixels"))
	_, err := f.store.SaveBaseImage("chat_c1", payload)
	require.NoError(t, err)
}

func trigger() Trigger {
	return Trigger{ChatID: "c1", Platform: "telegram", UserID: "7", Text: "来张自拍吧"}
}

func TestExecuteHappyPath(t *testing.T) {
	f := newFixture(t)
	f.withBaseImage(t)

	result := f.action.Execute(context.Background(), trigger())

	assert.True(t, result.OK)
	assert.Equal(t, OutcomeSent, result.Outcome)
	require.Len(t, f.messenger.images, 1)
	assert.Equal(t, "R0VORVJBVEVE", f.messenger.images[0])
	assert.Empty(t, f.messenger.texts)

	// Success updates the cooldown and the rate-limit window.
	assert.Equal(t, f.now, f.store.LastTrigger("chat_c1"))
	_, count := ratelimit.New(f.store.DataDir(), "chat_c1").Check(6, 3, f.now)
	assert.Equal(t, 1, count)
}

func TestExecuteKeywordMiss(t *testing.T) {
	f := newFixture(t)
	f.withBaseImage(t)

	trig := trigger()
	trig.Text = "今天天气不错"
	result := f.action.Execute(context.Background(), trig)

	assert.Equal(t, OutcomeNotTriggered, result.Outcome)
	assert.Empty(t, f.messenger.texts)
	assert.Empty(t, f.messenger.images)
	assert.Zero(t, f.planner.planCalls)
}

func TestExecuteDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.Selfie.Enabled = false

	result := f.action.Execute(context.Background(), trigger())
	assert.Equal(t, OutcomeNotTriggered, result.Outcome)

	f.cfg.Selfie.Enabled = true
	f.cfg.PluginEnabled = false
	result = f.action.Execute(context.Background(), trigger())
	assert.Equal(t, OutcomeNotTriggered, result.Outcome)
}

func TestExecuteMissingBaseImage(t *testing.T) {
	f := newFixture(t)

	result := f.action.Execute(context.Background(), trigger())

	assert.Equal(t, OutcomeMissingBaseImage, result.Outcome)
	require.Len(t, f.messenger.texts, 1)
	assert.Contains(t, f.messenger.texts[0], "/selfie_base set")
	assert.Zero(t, f.planner.planCalls)
	assert.Zero(t, f.generator.calls)
	assert.Zero(t, f.store.LastTrigger("chat_c1"))
}

func TestExecuteCooldown(t *testing.T) {
	f := newFixture(t)
	f.withBaseImage(t)

	result := f.action.Execute(context.Background(), trigger())
	require.Equal(t, OutcomeSent, result.Outcome)

	f.now += 10
	result = f.action.Execute(context.Background(), trigger())
	assert.Equal(t, OutcomeCoolingDown, result.Outcome)
	assert.Len(t, f.messenger.images, 1)

	f.now += 21
	result = f.action.Execute(context.Background(), trigger())
	assert.Equal(t, OutcomeSent, result.Outcome)
	assert.Len(t, f.messenger.images, 2)
}

func TestExecuteRateLimited(t *testing.T) {
	f := newFixture(t)
	f.withBaseImage(t)
	f.cfg.Selfie.CooldownSeconds = 0

	for i := 0; i < 3; i++ {
		result := f.action.Execute(context.Background(), trigger())
		require.Equal(t, OutcomeSent, result.Outcome)
	}

	result := f.action.Execute(context.Background(), trigger())
	assert.Equal(t, OutcomeRateLimited, result.Outcome)
	assert.Equal(t, 1, f.planner.refusalCalls)
	// The refusal reason names the configured window.
	assert.Equal(t, "6 小时内已拍了太多张照片", f.planner.lastReason)
	require.Len(t, f.messenger.texts, 1)
	assert.Equal(t, "今天不拍啦。", f.messenger.texts[0])
	// No image call happens for a limited trigger.
	assert.Equal(t, 3, f.generator.calls)
	assert.Len(t, f.messenger.images, 3)
}

func TestExecuteRateLimitDisabled(t *testing.T) {
	f := newFixture(t)
	f.withBaseImage(t)
	f.cfg.Selfie.CooldownSeconds = 0
	f.cfg.Selfie.RateLimitEnabled = false

	for i := 0; i < 5; i++ {
		result := f.action.Execute(context.Background(), trigger())
		require.Equal(t, OutcomeSent, result.Outcome)
	}
	assert.Len(t, f.messenger.images, 5)
}

func TestExecuteGeneratorFailure(t *testing.T) {
	f := newFixture(t)
	f.withBaseImage(t)
	f.generator.err = errors.New("backend down")

	result := f.action.Execute(context.Background(), trigger())

	assert.False(t, result.OK)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	require.Len(t, f.messenger.texts, 1)
	assert.Equal(t, "生成自拍图失败了，请稍后再试。", f.messenger.texts[0])
	// Failures never advance cooldown or the rate window.
	assert.Zero(t, f.store.LastTrigger("chat_c1"))
	_, count := ratelimit.New(f.store.DataDir(), "chat_c1").Check(6, 3, f.now)
	assert.Equal(t, 0, count)
}

func TestExecutePlannerConfigFailure(t *testing.T) {
	f := newFixture(t)
	f.withBaseImage(t)
	f.planner.err = &planner.ConfigError{Setting: "api_base"}

	result := f.action.Execute(context.Background(), trigger())

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Zero(t, f.generator.calls)
}

func TestExecuteDeliveryFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.withBaseImage(t)
	f.messenger.failImages = true

	result := f.action.Execute(context.Background(), trigger())

	assert.False(t, result.OK)
	assert.Equal(t, OutcomeDeliveryFailed, result.Outcome)
	require.Len(t, f.messenger.texts, 1)
	assert.Equal(t, "图片生成成功但发送失败，请稍后重试。", f.messenger.texts[0])
	assert.Zero(t, f.store.LastTrigger("chat_c1"))
	_, count := ratelimit.New(f.store.DataDir(), "chat_c1").Check(6, 3, f.now)
	assert.Equal(t, 0, count)
}

func TestExecuteUserScope(t *testing.T) {
	f := newFixture(t)
	f.cfg.Selfie.BaseImageScope = "user"
	f.cfg.Selfie.RateLimitScope = "user"

	payload := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\npixels"))
	_, err := f.store.SaveBaseImage("user_telegram_7", payload)
	require.NoError(t, err)

	result := f.action.Execute(context.Background(), trigger())
	require.Equal(t, OutcomeSent, result.Outcome)

	assert.Equal(t, f.now, f.store.LastTrigger("user_telegram_7"))
	_, count := ratelimit.New(f.store.DataDir(), "user_telegram_7").Check(6, 3, f.now)
	assert.Equal(t, 1, count)
}

func TestKeywordHitIsCaseInsensitiveSubstring(t *testing.T) {
	f := newFixture(t)
	f.cfg.Selfie.TriggerKeywords = []string{"Selfie", "自拍"}

	assert.True(t, f.action.keywordHit("send a SELFIE please"))
	assert.True(t, f.action.keywordHit("来个自拍"))
	assert.False(t, f.action.keywordHit("hello there"))
	assert.False(t, f.action.keywordHit("   "))
}

func TestBuildContextText(t *testing.T) {
	f := newFixture(t)
	f.history.messages = []chatmsg.Record{
		chatmsg.Msg{MessageID: "2", Timestamp: 200, PlainText: "在教室上课", Sender: "Kira"},
		chatmsg.Msg{MessageID: "1", Timestamp: 100, PlainText: "早上好", Sender: ""},
		chatmsg.Msg{MessageID: "3", Timestamp: 300, PlainText: "/selfie_base", Sender: "Admin"},
		chatmsg.Msg{MessageID: "4", Timestamp: 400, PlainText: "   ", Sender: "Kira"},
	}

	text := f.action.buildContextText("c1")
	assert.Equal(t, "[user] 早上好\n[Kira] 在教室上课", text)
}

func TestBuildContextTextEmpty(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "（无可用上下文）", f.action.buildContextText("c1"))
}
