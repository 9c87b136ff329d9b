package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"lines-service/logger"
)

const larkTimeLayout = "2006-01-02 15:04:05"

// LarkNotifier 飞书机器人通知器；未配置 webhook 时所有通知都是空操作
type LarkNotifier struct {
	webhookURL string
	client     *http.Client
	enabled    bool
	appName    string
}

// NewLarkNotifier 创建飞书通知器
func NewLarkNotifier(webhookURL, appName string) *LarkNotifier {
	enabled := webhookURL != ""
	if enabled {
		logger.Printf("[LarkNotifier] Initialized with webhook")
	} else {
		logger.Printf("[LarkNotifier] Disabled (no webhook URL)")
	}

	return &LarkNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		enabled:    enabled,
		appName:    appName,
	}
}

// LarkMessage 飞书消息结构
type LarkMessage struct {
	MsgType string      `json:"msg_type"`
	Content interface{} `json:"content"`
}

// LarkTextContent 文本消息内容
type LarkTextContent struct {
	Text string `json:"text"`
}

// LarkPostContent 富文本消息内容
type LarkPostContent struct {
	Post LarkPost `json:"post"`
}

type LarkPost struct {
	ZhCn LarkPostLang `json:"zh_cn"`
}

type LarkPostLang struct {
	Title   string          `json:"title"`
	Content [][]LarkElement `json:"content"`
}

type LarkElement struct {
	Tag  string `json:"tag"`
	Text string `json:"text,omitempty"`
	Href string `json:"href,omitempty"`
}

// Enabled 是否会真正发送
func (n *LarkNotifier) Enabled() bool {
	return n != nil && n.enabled
}

// SendText 发送文本消息
func (n *LarkNotifier) SendText(text string) error {
	if !n.Enabled() {
		return nil
	}

	return n.send(LarkMessage{
		MsgType: "text",
		Content: LarkTextContent{Text: text},
	})
}

// SendRichText 发送富文本消息
func (n *LarkNotifier) SendRichText(title string, content [][]LarkElement) error {
	if !n.Enabled() {
		return nil
	}

	return n.send(LarkMessage{
		MsgType: "post",
		Content: LarkPostContent{
			Post: LarkPost{
				ZhCn: LarkPostLang{
					Title:   fmt.Sprintf("[%s] %s", n.appName, title),
					Content: content,
				},
			},
		},
	})
}

func (n *LarkNotifier) send(message LarkMessage) error {
	jsonData, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	resp, err := n.client.Post(n.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func textLine(format string, args ...interface{}) []LarkElement {
	return []LarkElement{{Tag: "text", Text: fmt.Sprintf(format, args...)}}
}

func timestampLine() []LarkElement {
	return textLine("时间: %s", time.Now().Format(larkTimeLayout))
}

// NotifyServiceStart 通知服务启动
func (n *LarkNotifier) NotifyServiceStart(environment, exchange, routingKey string) error {
	content := [][]LarkElement{
		textLine("🚀 服务启动\n"),
		textLine("Environment: %s\n", environment),
		textLine("Exchange: %s\n", exchange),
		textLine("Routing Key: %s\n", routingKey),
		timestampLine(),
	}

	return n.SendRichText("Lines Service Started", content)
}

// NotifyCycleFailure 通知周期失败
func (n *LarkNotifier) NotifyCycleFailure(cycle int64, cause error) error {
	content := [][]LarkElement{
		textLine("❌ 周期失败\n"),
		textLine("Cycle: %d\n", cycle),
		textLine("原因: %v\n", cause),
		timestampLine(),
	}

	return n.SendRichText("Cycle Failed", content)
}

// NotifyMessageStats 通知按来源统计的线路数量
func (n *LarkNotifier) NotifyMessageStats(stats map[string]int, totalMessages int, period string) error {
	content := [][]LarkElement{
		textLine("📊 线路统计 (%s)\n", period),
		textLine("总数: %d\n", totalMessages),
	}

	sources := make([]string, 0, len(stats))
	for source := range stats {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	for _, source := range sources {
		if count := stats[source]; count > 0 {
			content = append(content, textLine("  %s: %d\n", source, count))
		}
	}

	content = append(content, timestampLine())
	return n.SendRichText("Lines Statistics", content)
}

// NotifyError 通知错误
func (n *LarkNotifier) NotifyError(component, message string) error {
	content := [][]LarkElement{
		textLine("❌ 错误\n"),
		textLine("组件: %s\n", component),
		textLine("消息: %s\n", message),
		timestampLine(),
	}

	return n.SendRichText("Error Alert", content)
}
