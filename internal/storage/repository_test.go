package storage

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	if _, err := s.InsertCheck(context.Background(), CheckRecord{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置连接池应返回 ErrNotConfigured, 实际 %v", err)
	}
	if _, err := NewStore(nil).ListRecentChecks(context.Background(), 5); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置连接池应返回 ErrNotConfigured, 实际 %v", err)
	}
	s.Close()
}

func TestNullableArgs(t *testing.T) {
	if decimalArg(nil) != nil || dateArg(nil) != nil {
		t.Fatal("nil 应映射为 SQL NULL")
	}
	d := decimal.RequireFromString("11.25")
	if decimalArg(&d) != "11.25" {
		t.Fatalf("decimal 应以字符串传参, 实际 %v", decimalArg(&d))
	}
	now := time.Date(2024, 3, 22, 0, 0, 0, 0, time.UTC)
	if dateArg(&now) != now {
		t.Fatal("日期参数不正确")
	}
}

func TestParseNullableDecimal(t *testing.T) {
	got, err := parseNullableDecimal(nil)
	if err != nil || got != nil {
		t.Fatalf("NULL 应解析为 nil: %v %v", got, err)
	}
	s := "50.0000"
	got, err = parseNullableDecimal(&s)
	if err != nil || !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("解析失败: %v %v", got, err)
	}
	bad := "abc"
	if _, err := parseNullableDecimal(&bad); err == nil {
		t.Fatal("非法数值应报错")
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil || len(names) == 0 {
		t.Fatalf("应嵌入迁移文件: %v %v", names, err)
	}
	if len(names) < 2 || names[0] > names[1] {
		t.Fatalf("迁移文件应按序号排列: %v", names)
	}
	body, _ := migrations.ReadFile(names[0])
	if !strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS rate_checks") {
		t.Fatal("迁移应创建 rate_checks 表")
	}
	for _, name := range names {
		body, _ := migrations.ReadFile(name)
		if strings.Contains(string(body), "CREATE TABLE") && !strings.Contains(string(body), "IF NOT EXISTS") {
			t.Fatalf("%s 应可重复执行", name)
		}
	}
}
