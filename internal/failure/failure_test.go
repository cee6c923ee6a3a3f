package failure

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfThroughWrapping(t *testing.T) {
	base := New(SourceDataMissing, "fetch current", "no observations")
	wrapped := fmt.Errorf("fetch current rate: %w", base)

	if KindOf(wrapped) != SourceDataMissing {
		t.Fatalf("应能穿透 %%w 取到 kind, 实际 %q", KindOf(wrapped))
	}
	if !IsKind(wrapped, SourceDataMissing) {
		t.Fatal("IsKind 应返回 true")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("普通错误不应带 kind")
	}
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := Wrap(TransportUnavailable, "dial", errors.New("connection refused"))
	if !errors.Is(err, New(TransportUnavailable, "", "")) {
		t.Fatal("同 kind 应匹配")
	}
	if errors.Is(err, New(DeliveryError, "", "")) {
		t.Fatal("不同 kind 不应匹配")
	}
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("timeout")
	err := Wrapf(SourceUnavailable, "fetch historical", cause, "GET %s", "/series")
	msg := err.Error()
	for _, want := range []string{"fetch historical", "source_unavailable", "GET /series", "timeout"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("错误信息缺少 %q: %s", want, msg)
		}
	}
	if !errors.Is(err, cause) {
		t.Fatal("Unwrap 应返回原始错误")
	}
}
