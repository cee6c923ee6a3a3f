package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"banxico-rate-alerts/internal/rates"
)

const defaultSourceURL = "https://www.banxico.org.mx"

// Notification 封装一次利率下降告警的上下文。
type Notification struct {
	Change    rates.Change
	SeriesID  string
	SourceURL string
	Channels  []string
}

// Subject 返回告警标题, 变化值保留一位小数。
func (n Notification) Subject() string {
	return fmt.Sprintf("Banxico rate drop alert: %s bp", n.Change.ChangeBP.StringFixed(1))
}

func (n Notification) sourceURL() string {
	if n.SourceURL == "" {
		return defaultSourceURL
	}
	return n.SourceURL
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Fanout 依次向每个通道发送, 全部尝试后返回第一个错误。
type Fanout struct {
	notifiers []namedNotifier
	logger    zerolog.Logger
}

type namedNotifier struct {
	name     string
	notifier Notifier
}

// NewFanout 构造多通道告警器。
func NewFanout(logger zerolog.Logger) *Fanout {
	return &Fanout{logger: logger.With().Str("component", "alert_fanout").Logger()}
}

// Add registers a channel. Nil notifiers are ignored.
func (f *Fanout) Add(name string, n Notifier) *Fanout {
	if n != nil {
		f.notifiers = append(f.notifiers, namedNotifier{name: name, notifier: n})
	}
	return f
}

// Len returns the number of registered channels.
func (f *Fanout) Len() int {
	return len(f.notifiers)
}

// Channels lists registered channel names in dispatch order.
func (f *Fanout) Channels() []string {
	names := make([]string, 0, len(f.notifiers))
	for _, n := range f.notifiers {
		names = append(names, n.name)
	}
	return names
}

// Notify 向全部通道发送告警。
func (f *Fanout) Notify(ctx context.Context, note Notification) error {
	if len(f.notifiers) == 0 {
		return errors.New("no alert channels configured")
	}
	if len(note.Channels) == 0 {
		note.Channels = f.Channels()
	}

	var first error
	for _, n := range f.notifiers {
		if err := n.notifier.Notify(ctx, note); err != nil {
			f.logger.Error().Err(err).Str("channel", n.name).Msg("告警通道发送失败")
			if first == nil {
				first = fmt.Errorf("%s: %w", n.name, err)
			}
		}
	}
	return first
}

func renderText(note Notification) string {
	c := note.Change
	builder := strings.Builder{}
	builder.WriteString("[Banxico Rate Drop Alert]\n")
	if note.SeriesID != "" {
		builder.WriteString(fmt.Sprintf("Series: %s\n", note.SeriesID))
	}
	builder.WriteString(fmt.Sprintf("Change: %s bp (%s pp)\n", c.ChangeBP.StringFixed(1), c.ChangePct().StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Current: %s%% (as of %s)\n", c.Current.Value.String(), c.Current.Date()))
	builder.WriteString(fmt.Sprintf("Previous: %s%% (as of %s)\n", c.Previous.Value.String(), c.Previous.Date()))
	builder.WriteString(fmt.Sprintf("Threshold: %s bp\n", c.ThresholdBP.String()))
	builder.WriteString(fmt.Sprintf("Source: %s\n", note.sourceURL()))
	return builder.String()
}

var _ Notifier = (*Fanout)(nil)
