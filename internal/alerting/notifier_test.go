package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"banxico-rate-alerts/internal/failure"
	"banxico-rate-alerts/internal/rates"
)

func sampleNotification() Notification {
	current := rates.NewRatePoint(decimal.RequireFromString("11.25"), time.Date(2024, 3, 22, 0, 0, 0, 0, time.UTC))
	previous := rates.NewRatePoint(decimal.RequireFromString("11.75"), time.Date(2024, 3, 21, 0, 0, 0, 0, time.UTC))
	return Notification{
		Change:   rates.Evaluate(current, previous, decimal.NewFromInt(25)),
		SeriesID: "SF43936",
	}
}

func TestNotificationSubject(t *testing.T) {
	if got := sampleNotification().Subject(); got != "Banxico rate drop alert: 50.0 bp" {
		t.Fatalf("标题不正确: %s", got)
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	for _, want := range []string{"50.0 bp", "11.25", "2024-03-21", "SF43936"} {
		if !strings.Contains(received["text"], want) {
			t.Fatalf("text 缺少 %q: %s", want, received["text"])
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	err := notifier.Notify(context.Background(), sampleNotification())
	if failure.KindOf(err) != failure.DeliveryError {
		t.Fatalf("ok=false 应返回 DeliveryError, 实际 %v", err)
	}
}

func TestTelegramNotifierUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("bad", "chat", srv.URL, time.Second, testLogger())
	err := notifier.Notify(context.Background(), sampleNotification())
	if failure.KindOf(err) != failure.AuthenticationFailed {
		t.Fatalf("401 应返回 AuthenticationFailed, 实际 %v", err)
	}
}

type recordingNotifier struct {
	calls int
	last  Notification
	err   error
}

func (r *recordingNotifier) Notify(ctx context.Context, note Notification) error {
	r.calls++
	r.last = note
	return r.err
}

func TestFanoutDispatchesToAllChannels(t *testing.T) {
	a := &recordingNotifier{err: failure.New(failure.DeliveryError, "a", "boom")}
	b := &recordingNotifier{}

	fan := NewFanout(testLogger()).Add("email", a).Add("telegram", b).Add("nil", nil)
	if fan.Len() != 2 {
		t.Fatalf("nil 通道应被忽略, 实际 %d", fan.Len())
	}

	err := fan.Notify(context.Background(), sampleNotification())
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("每个通道应调用一次: a=%d b=%d", a.calls, b.calls)
	}
	if failure.KindOf(err) != failure.DeliveryError {
		t.Fatalf("应返回第一个通道的错误, 实际 %v", err)
	}
	if strings.Join(b.last.Channels, ",") != "email,telegram" {
		t.Fatalf("Channels 应填充为已注册通道: %v", b.last.Channels)
	}
}

func TestFanoutWithoutChannels(t *testing.T) {
	err := NewFanout(testLogger()).Notify(context.Background(), sampleNotification())
	if err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("无通道时应报错, 实际 %v", err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
