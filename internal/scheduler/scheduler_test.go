package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var cdmx = time.FixedZone("CST", -6*60*60)

func TestNextTickAlignedDaily(t *testing.T) {
	s := New(Options{Interval: 24 * time.Hour, AlignToStart: true, Offset: 10 * time.Hour, Location: cdmx}, zerolog.Nop())

	cases := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before offset", time.Date(2024, 3, 22, 8, 0, 0, 0, cdmx), time.Date(2024, 3, 22, 10, 0, 0, 0, cdmx)},
		{"exactly on slot", time.Date(2024, 3, 22, 10, 0, 0, 0, cdmx), time.Date(2024, 3, 23, 10, 0, 0, 0, cdmx)},
		{"after offset", time.Date(2024, 3, 22, 15, 30, 0, 0, cdmx), time.Date(2024, 3, 23, 10, 0, 0, 0, cdmx)},
		{"utc input", time.Date(2024, 3, 22, 15, 0, 0, 0, time.UTC), time.Date(2024, 3, 22, 10, 0, 0, 0, cdmx)},
	}
	for _, tc := range cases {
		got := s.nextTick(tc.now)
		if !got.Equal(tc.want) {
			t.Fatalf("%s: 期望 %s, 实际 %s", tc.name, tc.want, got)
		}
	}
}

func TestNextTickAlignedSubDaily(t *testing.T) {
	s := New(Options{Interval: 6 * time.Hour, AlignToStart: true, Offset: time.Hour, Location: cdmx}, zerolog.Nop())

	got := s.nextTick(time.Date(2024, 3, 22, 0, 30, 0, 0, cdmx))
	if want := time.Date(2024, 3, 22, 1, 0, 0, 0, cdmx); !got.Equal(want) {
		t.Fatalf("期望 %s, 实际 %s", want, got)
	}
	got = s.nextTick(time.Date(2024, 3, 22, 20, 0, 0, 0, cdmx))
	if want := time.Date(2024, 3, 23, 1, 0, 0, 0, cdmx); !got.Equal(want) {
		t.Fatalf("期望 %s, 实际 %s", want, got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	now := time.Date(2024, 3, 22, 10, 17, 0, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("未对齐时应为 now+interval, 实际 %s", got)
	}
}

func TestNewRejectsZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("interval 为 0 时应 panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}

func TestRunOnStartThenCancel(t *testing.T) {
	s := New(Options{Interval: 24 * time.Hour, RunOnStart: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := s.Run(ctx, func(ctx context.Context, slot time.Time) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
	}
	if calls != 1 {
		t.Fatalf("启动时应执行一次, 实际 %d", calls)
	}
}

func TestRunKeepsGoingAfterTickErrors(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := 0
	err := s.Run(ctx, func(ctx context.Context, slot time.Time) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return errors.New("tick failed")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("应因取消退出, 实际 %v", err)
	}
	if calls != 3 {
		t.Fatalf("错误不应中断循环, 期望 3 次, 实际 %d", calls)
	}
}
