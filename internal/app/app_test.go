package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"banxico-rate-alerts/internal/config"
	"banxico-rate-alerts/internal/storage"
)

func testApp(cfg *config.Config) (*App, *bytes.Buffer) {
	a := NewApp(cfg, zerolog.Nop())
	buf := &bytes.Buffer{}
	a.SetOutput(buf)
	return a, buf
}

func baseConfig() *config.Config {
	return &config.Config{
		Banxico: config.BanxicoConfig{
			SeriesID:       "SF43936",
			Token:          "secret-token",
			RequestTimeout: time.Second,
		},
		Check:     config.CheckConfig{LookbackDays: 7},
		Alerting:  config.AlertingConfig{ThresholdBP: 25},
		Scheduler: config.SchedulerConfig{Interval: 24 * time.Hour},
		Export:    config.ExportConfig{MaxDataPoints: 100},
	}
}

func dec(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func TestDownsampleChecks(t *testing.T) {
	checks := make([]storage.CheckRecord, 10)
	for i := range checks {
		checks[i].ID = int64(i)
	}

	got := downsampleChecks(checks, 4)
	if len(got) != 4 {
		t.Fatalf("期望 4 个点, 实际 %d", len(got))
	}
	if got[0].ID != 0 || got[3].ID != 9 {
		t.Fatalf("应保留首尾: %d..%d", got[0].ID, got[3].ID)
	}
	if len(downsampleChecks(checks, 20)) != 10 {
		t.Fatal("数据少于上限时不应降采样")
	}
}

func TestWriteChecksCSV(t *testing.T) {
	day := time.Date(2024, 3, 22, 0, 0, 0, 0, time.UTC)
	prev := day.AddDate(0, 0, -1)
	kind := "source_unavailable"
	msg := "fetch current rate: timeout"
	checks := []storage.CheckRecord{
		{
			CheckedAt:      day.Add(16 * time.Hour),
			SeriesID:       "SF43936",
			CurrentRate:    dec("11.25"),
			CurrentDate:    &day,
			PreviousRate:   dec("11.75"),
			PreviousDate:   &prev,
			ChangeBP:       dec("50"),
			ThresholdBP:    decimal.NewFromInt(25),
			MeetsThreshold: true,
			Notified:       true,
			Stage:          "done",
			Outcome:        "succeeded",
		},
		{
			CheckedAt:   day.Add(40 * time.Hour),
			SeriesID:    "SF43936",
			ThresholdBP: decimal.NewFromInt(25),
			Stage:       "fetching",
			Outcome:     "failed",
			ErrorKind:   &kind,
			Error:       &msg,
		},
	}

	path := filepath.Join(t.TempDir(), "out", "checks.csv")
	if err := writeChecksCSV(path, checks); err != nil {
		t.Fatalf("写 CSV 失败: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("解析 CSV 失败: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "checked_at" {
		t.Fatalf("CSV 行数或表头不正确: %v", rows)
	}
	if rows[1][2] != "11.25" || rows[1][3] != "2024-03-22" || rows[1][6] != "50" || rows[1][9] != "true" {
		t.Fatalf("成功行不正确: %v", rows[1])
	}
	if rows[2][2] != "" || rows[2][12] != kind || rows[2][13] != msg {
		t.Fatalf("失败行不正确: %v", rows[2])
	}
}

func TestWriteHistoryTable(t *testing.T) {
	day := time.Date(2024, 3, 22, 0, 0, 0, 0, time.UTC)
	msg := "line one\nline two"
	var buf bytes.Buffer
	writeHistoryTable(&buf, []storage.CheckRecord{{
		CheckedAt:   day,
		CurrentRate: dec("11.25"),
		CurrentDate: &day,
		ChangeBP:    dec("5"),
		ThresholdBP: decimal.NewFromInt(50),
		Outcome:     "failed",
		Error:       &msg,
	}})

	out := buf.String()
	for _, want := range []string{"Checked (UTC)", "11.25@2024-03-22", "5.0", "line one line two"} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %q:\n%s", want, out)
		}
	}
}

func TestNewNotifierRequiresCredentials(t *testing.T) {
	cfg := baseConfig()
	cfg.Alerting.Channels = []string{config.ChannelEmail}
	cfg.Alerting.Email.SMTPHost = "smtp.gmail.com"

	a, _ := testApp(cfg)
	_, err := a.newNotifier()
	if err == nil || !strings.Contains(err.Error(), "EMAIL_SENDER") {
		t.Fatalf("缺少邮箱凭据时应报错, 实际 %v", err)
	}

	cfg.Alerting.Channels = nil
	if _, err := a.newNotifier(); err == nil {
		t.Fatal("没有任何通道时应报错")
	}
}

func TestNewSourceRequiresToken(t *testing.T) {
	cfg := baseConfig()
	cfg.Banxico.Token = ""
	a, _ := testApp(cfg)
	if _, err := a.newSource(); err == nil {
		t.Fatal("缺少 token 时应报错")
	}
}

func telegramServer(t *testing.T, calls *int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSimulateAlertSendsThroughChannel(t *testing.T) {
	calls := 0
	cfg := baseConfig()
	cfg.Alerting.Channels = []string{config.ChannelTelegram}
	cfg.Alerting.Telegram = config.TelegramConfig{BotToken: "t", ChatID: "c", APIBase: telegramServer(t, &calls), Timeout: time.Second}

	a, out := testApp(cfg)
	if err := a.SimulateAlert(context.Background(), decimal.RequireFromString("11.25"), decimal.RequireFromString("11.75")); err != nil {
		t.Fatalf("模拟告警应成功: %v", err)
	}
	if calls != 1 {
		t.Fatalf("应恰好发送一次, 实际 %d", calls)
	}
	if !strings.Contains(out.String(), "50.0 bp") {
		t.Fatalf("输出应包含变化值: %s", out.String())
	}
}

func TestSimulateAlertBelowThreshold(t *testing.T) {
	calls := 0
	cfg := baseConfig()
	cfg.Alerting.Channels = []string{config.ChannelTelegram}
	cfg.Alerting.Telegram = config.TelegramConfig{BotToken: "t", ChatID: "c", APIBase: telegramServer(t, &calls), Timeout: time.Second}

	a, _ := testApp(cfg)
	if err := a.SimulateAlert(context.Background(), decimal.RequireFromString("11.25"), decimal.RequireFromString("11.30")); err == nil {
		t.Fatal("未达阈值时应提示未发送")
	}
	if calls != 0 {
		t.Fatalf("未达阈值不应发送, 实际 %d", calls)
	}
}

func TestProbePrintsComparison(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		datos := []map[string]string{{"fecha": "22/03/2024", "dato": "11.25"}}
		if !strings.HasSuffix(r.URL.Path, "/oportuno") {
			datos = []map[string]string{
				{"fecha": "21/03/2024", "dato": "11.75"},
				{"fecha": "22/03/2024", "dato": "11.25"},
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"bmx": map[string]any{"series": []map[string]any{{"idSerie": "SF43936", "datos": datos}}},
		})
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.Banxico.BaseURL = srv.URL
	a, out := testApp(cfg)

	if err := a.Probe(context.Background()); err != nil {
		t.Fatalf("probe 应成功: %v", err)
	}
	for _, want := range []string{"11.25 (2024-03-22)", "11.75 (2024-03-21)", "50.0 bp", "would alert: true"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("输出缺少 %q:\n%s", want, out.String())
		}
	}
}

func TestPruneRequiresRetention(t *testing.T) {
	a, _ := testApp(baseConfig())
	if err := a.Prune(context.Background(), PruneOptions{}); err == nil {
		t.Fatal("未配置保留期时应报错")
	}
	if err := a.Prune(context.Background(), PruneOptions{OlderThan: time.Hour}); err == nil {
		t.Fatal("未配置数据库时应报错")
	}
}
