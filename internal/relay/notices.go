package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/control"
)

const (
	placeholderNotice = "💭 正在思考..."
	streamCursor      = " ▌"
	textOnlyNotice    = "抱歉，我只能处理文本消息。"
	cancelledNotice   = "⏹️ 本次回复已取消。"
	timeoutNotice     = "⌛ 请求超时，请稍后再试。"
	failureNotice     = "抱歉，我现在无法处理您的请求，请稍后再试。"
	emptyNotice       = "抱歉，我遇到了一些问题，请稍后再试。"
	unavailableNotice = "🚧 服务暂时不可用，请稍后再试。"
	clearedNotice     = "🧹 对话历史已清除。"
	cancelOKNotice    = "⏹️ 已取消当前的回复。"
	cancelNoneNotice  = "当前没有正在进行的回复。"
)

const helpNotice = "🤖 **使用说明**\n\n" +
	"• 直接发送消息与我对话\n" +
	"• /start - 开始新的对话\n" +
	"• /clear - 清除对话历史\n" +
	"• /cancel - 取消正在进行的回复\n" +
	"• /status - 查看使用情况\n" +
	"• /help - 查看帮助信息"

func welcomeNotice(name string) string {
	return fmt.Sprintf("你好 %s! 👋\n\n我是你的智能助手。\n\n请随时向我提问，我会尽力帮助您！", name)
}

func rateLimitNotice(le *control.LimitError) string {
	wait := formatWait(le.RetryAfterSeconds)
	if le.Type == control.LimitBurst {
		return fmt.Sprintf("⏳ 请求过于频繁，请在 %s 后再试。", wait)
	}
	return fmt.Sprintf("⏳ 已达到请求上限（%d 次 / %s），请在 %s 后再试。", le.Limit, formatWindow(le.Window), wait)
}

func statusNotice(daily, burst control.Usage, historyLen int) string {
	var b strings.Builder
	b.WriteString("📊 使用情况\n\n")
	fmt.Fprintf(&b, "配额：已用 %d / %d（%s）\n", daily.Used, daily.Limit, formatWindow(daily.Window))
	fmt.Fprintf(&b, "剩余：%d\n", daily.Remaining)
	fmt.Fprintf(&b, "短时：已用 %d / %d（%s）\n", burst.Used, burst.Limit, formatWindow(burst.Window))
	fmt.Fprintf(&b, "对话历史：%d 条", historyLen)
	return b.String()
}

// formatWait renders seconds as the largest two units, e.g. "2 小时 5 分钟".
func formatWait(seconds int) string {
	d := time.Duration(seconds) * time.Second
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%d 小时 %d 分钟", h, m)
	case h > 0:
		return fmt.Sprintf("%d 小时", h)
	case m > 0 && s > 0:
		return fmt.Sprintf("%d 分钟 %d 秒", m, s)
	case m > 0:
		return fmt.Sprintf("%d 分钟", m)
	default:
		return fmt.Sprintf("%d 秒", s)
	}
}

func formatWindow(w time.Duration) string {
	switch {
	case w >= time.Hour && w%time.Hour == 0:
		return fmt.Sprintf("%d 小时", int(w/time.Hour))
	case w >= time.Minute && w%time.Minute == 0:
		return fmt.Sprintf("%d 分钟", int(w/time.Minute))
	default:
		return fmt.Sprintf("%d 秒", int(w/time.Second))
	}
}
