// Package notify 同步 / 备份报告推送
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v3"

	"github.com/smysle/kkphim-sync-go/internal/config"
	"github.com/smysle/kkphim-sync-go/pkg/logger"
)

// Notifier 报告推送
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop 不推送
type Nop struct{}

// Notify 丢弃消息
func (Nop) Notify(context.Context, string) error { return nil }

// Telegram 推送到 Owner 的私聊
type Telegram struct {
	bot   *tele.Bot
	owner *tele.Chat
}

// New 根据配置创建推送器，未配置 token 或 owner 时返回 Nop
func New(cfg config.TelegramConfig) (Notifier, error) {
	if cfg.Token == "" || cfg.OwnerID == 0 {
		logger.Info().Msg("未配置 Telegram，同步报告不推送")
		return Nop{}, nil
	}
	return NewTelegram(cfg, false)
}

// NewTelegram 创建 Telegram 推送器；offline 为 true 时跳过 getMe 校验
func NewTelegram(cfg config.TelegramConfig, offline bool) (*Telegram, error) {
	pref := tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: offline,
		Client:  &http.Client{Timeout: 30 * time.Second},
		OnError: func(err error, c tele.Context) {
			logger.Error().Err(err).Msg("Telegram 错误")
		},
	}

	b, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("初始化 Telegram Bot 失败: %w", err)
	}

	return &Telegram{
		bot:   b,
		owner: &tele.Chat{ID: cfg.OwnerID},
	}, nil
}

// Notify 发送纯文本消息
func (t *Telegram) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Send(t.owner, text, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
		return fmt.Errorf("发送 Telegram 消息失败: %w", err)
	}
	return nil
}

// Send 推送并记录失败，供定时任务使用
func Send(ctx context.Context, n Notifier, text string) {
	if n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := n.Notify(ctx, text); err != nil {
		logger.Warn().Err(err).Msg("推送报告失败")
	}
}
