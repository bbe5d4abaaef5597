// Package planner turns free-text chat context into a structured selfie
// generation plan via one chat-completion call, with a deterministic
// rule-based fallback whenever the model call fails or returns unusable
// output. It also produces short in-character refusal replies.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/moekira/selfiebot/internal/config"
	"github.com/moekira/selfiebot/internal/logger"
)

// Plan is the structured selfie generation plan. Every field is non-empty
// in any Plan returned to a caller; gaps left by the model are back-filled
// from the fallback plan.
type Plan struct {
	Scene    string
	Activity string
	Outfit   string
	Pose     string
	Camera   string
	Lighting string
	Mood     string
	Negative string
	Prompt   string
}

// ConfigError reports a missing required planner setting. No network call
// is attempted when one is raised.
type ConfigError struct {
	Setting string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("llm.%s 未配置", e.Setting)
}

// defaultRefusal is used when the refusal-reply call fails or comes back
// empty.
const defaultRefusal = "我现在有点忙，不方便拍照呢。"

// Client calls the text-completion API.
type Client struct {
	apiBase    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// New creates a planner client from provider settings.
func New(cfg config.Provider) *Client {
	return &Client{
		apiBase: strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		model:   strings.TrimSpace(cfg.Model),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

var planKeys = []string{"scene", "activity", "outfit", "pose", "camera", "lighting", "mood", "negative"}

// GeneratePlan builds a selfie plan from chat context. The model is asked
// for JSON-only output; any transport failure or unusable response falls
// back to the rule-based plan. Only missing configuration is surfaced as an
// error.
func (c *Client) GeneratePlan(ctx context.Context, contextText, style string, disallowNSFW bool) (*Plan, error) {
	if err := c.checkConfig(); err != nil {
		return nil, err
	}

	safetyLine := "避免低俗、血腥、违法内容。"
	if disallowNSFW {
		safetyLine = "必须严格排除 NSFW、裸露、未成年人、血腥、暴力、仇恨内容。"
	}
	systemPrompt := "你是图片提示词规划器。根据聊天上下文，输出角色自拍规划。" +
		"只输出 JSON，不要输出额外文字。JSON 键必须为：" + strings.Join(planKeys, ",") + "。"

	var user strings.Builder
	user.WriteString("请基于以下聊天上下文，推断自拍场景并生成自拍规划。\n")
	user.WriteString("风格偏好：" + style + "\n")
	user.WriteString("安全要求：" + safetyLine + "\n")
	user.WriteString("输出要求：\n")
	user.WriteString("1) 人物固定为同一角色，强调与参考图一致的人脸、发型、标志物；\n")
	user.WriteString("2) scene 与 activity 必须来自上下文推断，并与当前状态一致；\n")
	user.WriteString("3) 若上下文无法推断，使用室内日常/默认场景，但要与最后一条自述一致；\n")
	user.WriteString("4) 动作自然，像随手自拍；\n")
	user.WriteString("5) negative 写负向提示词；\n\n")
	user.WriteString("聊天上下文：\n" + contextText)

	raw, err := c.chat(ctx, systemPrompt, user.String())
	if err != nil {
		logger.LLMWarn("Plan generation call failed, using fallback plan: %v", err)
		return FallbackPlan(contextText, style, disallowNSFW), nil
	}

	parsed, ok := extractJSON(raw)
	if !ok {
		logger.LLMWarn("Plan response not parseable as JSON, using fallback plan.")
		return FallbackPlan(contextText, style, disallowNSFW), nil
	}

	plan := &Plan{
		Scene:    parsed["scene"],
		Activity: parsed["activity"],
		Outfit:   parsed["outfit"],
		Pose:     parsed["pose"],
		Camera:   parsed["camera"],
		Lighting: parsed["lighting"],
		Mood:     parsed["mood"],
		Negative: parsed["negative"],
	}
	fillDefaults(plan, contextText, style, disallowNSFW)
	plan.Prompt = buildPrompt(plan, style)
	logger.LLMDebug("Plan generated from model output: scene=%q activity=%q", plan.Scene, plan.Activity)
	return plan, nil
}

// RefusalReply asks the model for a short in-character refusal. Only the
// first line of the response is used; any failure (including missing
// configuration) yields the fixed fallback string so a rate-limit hit never
// surfaces a config error to the chat.
func (c *Client) RefusalReply(ctx context.Context, contextText, reason string) string {
	if err := c.checkConfig(); err != nil {
		logger.LLMWarn("Refusal reply unavailable (%v), using default.", err)
		return defaultRefusal
	}

	systemPrompt := "你擅长在聊天中用自然口吻回应。" +
		"请结合上下文说明当前状态，给出简短拒绝自拍的回复。" +
		"不要提及模型、接口、系统指令。"
	userPrompt := "请基于以下聊天上下文生成拒绝回复。\n" +
		"拒绝原因：" + reason + "\n" +
		"要求：语气自然，字数不宜过长。\n" +
		"聊天上下文：\n" + contextText

	raw, err := c.chat(ctx, systemPrompt, userPrompt)
	if err != nil {
		logger.LLMWarn("Refusal reply call failed, using default: %v", err)
		return defaultRefusal
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return defaultRefusal
	}
	return strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
}

func (c *Client) checkConfig() error {
	if c.apiBase == "" {
		return &ConfigError{Setting: "api_base"}
	}
	if c.model == "" {
		return &ConfigError{Setting: "model"}
	}
	return nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chat issues one chat-completion request and returns the assistant text.
func (c *Client) chat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	url := c.apiBase
	if !strings.HasSuffix(url, "/chat/completions") {
		url += "/chat/completions"
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.4,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("LLM HTTP %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}
	return decodeContent(completion.Choices[0].Message.Content), nil
}

// decodeContent handles both plain-string content and the segmented
// [{"text": ...}] shape some providers return.
func decodeContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, part := range parts {
			b.WriteString(part.Text)
		}
		return b.String()
	}
	return ""
}

var (
	fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	bracePattern      = regexp.MustCompile(`(?s)(\{.*\})`)
)

// extractJSON tries progressively looser parses of the model output: the
// whole response, a fenced json block, then the first brace span.
func extractJSON(content string) (map[string]string, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, false
	}
	if parsed, ok := parseStringMap(content); ok {
		return parsed, true
	}
	if match := fencedJSONPattern.FindStringSubmatch(content); match != nil {
		if parsed, ok := parseStringMap(match[1]); ok {
			return parsed, true
		}
		return nil, false
	}
	if match := bracePattern.FindStringSubmatch(content); match != nil {
		if parsed, ok := parseStringMap(match[1]); ok {
			return parsed, true
		}
	}
	return nil, false
}

func parseStringMap(s string) (map[string]string, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, false
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if str, ok := v.(string); ok {
			out[k] = strings.TrimSpace(str)
		}
	}
	return out, true
}

func fillDefaults(plan *Plan, contextText, style string, disallowNSFW bool) {
	fallback := FallbackPlan(contextText, style, disallowNSFW)
	if plan.Scene == "" {
		plan.Scene = fallback.Scene
	}
	if plan.Activity == "" {
		plan.Activity = fallback.Activity
	}
	if plan.Outfit == "" {
		plan.Outfit = fallback.Outfit
	}
	if plan.Pose == "" {
		plan.Pose = fallback.Pose
	}
	if plan.Camera == "" {
		plan.Camera = fallback.Camera
	}
	if plan.Lighting == "" {
		plan.Lighting = fallback.Lighting
	}
	if plan.Mood == "" {
		plan.Mood = fallback.Mood
	}
	if plan.Negative == "" {
		plan.Negative = fallback.Negative
	}
}

func buildPrompt(plan *Plan, style string) string {
	return "same character as reference image, consistent face shape hairstyle and signature accessories, " +
		style + " style, scene: " + plan.Scene + ", activity: " + plan.Activity + ", outfit: " + plan.Outfit +
		", pose: " + plan.Pose + ", camera: " + plan.Camera + ", lighting: " + plan.Lighting + ", mood: " + plan.Mood +
		", natural candid selfie, high detail, realistic skin texture"
}

func defaultNegative(disallowNSFW bool) string {
	base := "blurry, low quality, deformed face, extra fingers, bad anatomy, watermark, text"
	if disallowNSFW {
		return base + ", nsfw, nude, sexual, erotic, gore, blood, minor, child"
	}
	return base
}

// sceneRule maps context keywords to an inferred scene and activity.
type sceneRule struct {
	keywords  []string
	lowercase bool
	scene     string
	activity  string
}

var sceneRules = []sceneRule{
	{
		keywords: []string{"上课", "教室"},
		scene:    "classroom with desks, blackboard, and blurred classmates",
		activity: "sitting at a desk listening to a lecture and taking notes",
	},
	{
		keywords: []string{"开会", "会议", "公司", "办公室"},
		scene:    "office meeting room with conference table and presentation screen",
		activity: "attending a meeting, looking at the presentation",
	},
	{
		keywords: []string{"地铁", "公交", "通勤"},
		scene:    "subway carriage with handrails and commuters",
		activity: "standing during commute holding the phone for a quick selfie",
	},
	{
		keywords: []string{"睡觉", "睡了", "休息"},
		scene:    "cozy bedroom with bed and soft bedding",
		activity: "lying on the bed, sleepy, taking a quiet selfie",
	},
	{
		keywords: []string{"吃饭", "午饭", "晚饭", "早餐"},
		scene:    "home dining area with tableware",
		activity: "sitting at the table about to eat, taking a quick selfie",
	},
	{
		keywords: []string{"打游戏", "游戏"},
		scene:    "gaming desk with monitor and soft RGB lights",
		activity: "sitting at the desk gaming, pausing for a quick selfie",
	},
	{
		keywords:  []string{"户外", "公园", "outdoor"},
		lowercase: true,
		scene:     "outdoor urban park",
		activity:  "standing outdoors taking a casual selfie",
	},
	{
		keywords: []string{"在家", "家里"},
		scene:    "cozy home interior",
		activity: "relaxed at home taking a casual selfie",
	},
}

// FallbackPlan builds the deterministic rule-based plan used whenever the
// model output is unavailable or unusable.
func FallbackPlan(contextText, style string, disallowNSFW bool) *Plan {
	contextLower := strings.ToLower(contextText)
	scene := "daily life indoor setting"
	activity := "relaxed casual selfie while staying indoors"
	for _, rule := range sceneRules {
		haystack := contextText
		if rule.lowercase {
			haystack = contextLower
		}
		matched := false
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				matched = true
				break
			}
		}
		if matched {
			scene = rule.scene
			activity = rule.activity
			break
		}
	}

	plan := &Plan{
		Scene:    scene,
		Activity: activity,
		Outfit:   "casual daily outfit",
		Pose:     "natural hand-held selfie",
		Camera:   "smartphone front camera close-up",
		Lighting: "soft ambient light",
		Mood:     "friendly relaxed",
		Negative: defaultNegative(disallowNSFW),
	}
	plan.Prompt = buildPrompt(plan, style)
	return plan
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
