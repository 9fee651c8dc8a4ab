package core

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/usufzan/portico/models"
)

func newTestPool(t *testing.T, mutate func(cfg *Config)) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return NewPool(cfg, zap.NewNop())
}

func testRecord(host string, port int) *models.ProxyRecord {
	return &models.ProxyRecord{
		Host:         host,
		Port:         port,
		Protocol:     "http",
		Source:       "test",
		State:        models.StateValidated,
		Latency:      100 * time.Millisecond,
		Success:      1,
		DiscoveredAt: time.Now(),
		LastCheck:    time.Now(),
	}
}

func okOutcome(rec *models.ProxyRecord) Outcome {
	return Outcome{Record: rec, OK: true, Latency: rec.Latency}
}

func TestGetProxyEmptyPool(t *testing.T) {
	pool := newTestPool(t, nil)

	_, err := pool.GetProxy()
	if !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("GetProxy() on empty pool: err = %v, want ErrNoProxyAvailable", err)
	}
}

func TestGetProxyDisabled(t *testing.T) {
	pool := newTestPool(t, nil)
	pool.Merge([]Outcome{okOutcome(testRecord("1.2.3.4", 8080))})

	pool.Disable()
	if _, err := pool.GetProxy(); !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("GetProxy() on disabled pool: err = %v, want ErrNoProxyAvailable", err)
	}

	pool.Enable()
	if _, err := pool.GetProxy(); err != nil {
		t.Fatalf("GetProxy() after Enable(): unexpected error %v", err)
	}
}

func TestMergeDeduplicates(t *testing.T) {
	pool := newTestPool(t, nil)

	// 同一标识出现两次：第一次入池，第二次按刷新处理
	added, refreshed, _ := pool.Merge([]Outcome{
		okOutcome(testRecord("1.2.3.4", 8080)),
		okOutcome(testRecord("1.2.3.4", 8080)),
		okOutcome(testRecord("5.6.7.8", 3128)),
	})

	if added != 2 || refreshed != 1 {
		t.Fatalf("Merge: added = %d, refreshed = %d, want 2, 1", added, refreshed)
	}
	if got := pool.WorkingCount(); got != 2 {
		t.Fatalf("WorkingCount() = %d, want 2", got)
	}
}

func TestRecordResultEvictsAfterThreshold(t *testing.T) {
	pool := newTestPool(t, nil)
	victim := testRecord("1.2.3.4", 8080)
	keeper := testRecord("5.6.7.8", 3128)
	pool.Merge([]Outcome{okOutcome(victim), okOutcome(keeper)})

	for i := 0; i < 3; i++ {
		pool.RecordResult("1.2.3.4:8080", false)
	}

	stats := pool.GetStats()
	if stats.TotalWorking != 1 {
		t.Fatalf("TotalWorking = %d, want 1", stats.TotalWorking)
	}
	if stats.TotalFailed != 1 {
		t.Fatalf("TotalFailed = %d, want 1", stats.TotalFailed)
	}
	if !pool.FailedSet().Contains("1.2.3.4:8080") {
		t.Fatal("evicted key must be in the failed set")
	}

	// 淘汰后的代理绝不能再被选中
	for i := 0; i < 200; i++ {
		rec, err := pool.GetProxy()
		if err != nil {
			t.Fatalf("GetProxy() error: %v", err)
		}
		if rec.Key() == "1.2.3.4:8080" {
			t.Fatal("evicted proxy was returned by GetProxy")
		}
	}
}

func TestRecordResultSuccessResetsStreak(t *testing.T) {
	pool := newTestPool(t, nil)
	pool.Merge([]Outcome{okOutcome(testRecord("1.2.3.4", 8080))})

	pool.RecordResult("1.2.3.4:8080", false)
	pool.RecordResult("1.2.3.4:8080", false)
	pool.RecordResult("1.2.3.4:8080", true) // 成功重置连续失败计数
	pool.RecordResult("1.2.3.4:8080", false)
	pool.RecordResult("1.2.3.4:8080", false)

	if got := pool.WorkingCount(); got != 1 {
		t.Fatalf("WorkingCount() = %d, want 1 (streak was reset)", got)
	}

	pool.RecordResult("1.2.3.4:8080", false)
	if got := pool.WorkingCount(); got != 0 {
		t.Fatalf("WorkingCount() = %d, want 0 after third consecutive failure", got)
	}
}

func TestRecordResultUnknownKey(t *testing.T) {
	pool := newTestPool(t, nil)
	// 不应panic，也不应影响统计
	pool.RecordResult("9.9.9.9:999", false)
	if got := pool.GetStats().TotalFailed; got != 0 {
		t.Fatalf("TotalFailed = %d, want 0", got)
	}
}

func TestMergeRefusesEvictedCandidate(t *testing.T) {
	pool := newTestPool(t, nil)
	pool.Merge([]Outcome{okOutcome(testRecord("1.2.3.4", 8080))})
	for i := 0; i < 3; i++ {
		pool.RecordResult("1.2.3.4:8080", false)
	}

	added, _, _ := pool.Merge([]Outcome{okOutcome(testRecord("1.2.3.4", 8080))})
	if added != 0 {
		t.Fatalf("Merge admitted an evicted candidate, added = %d", added)
	}
	if pool.WorkingCount() != 0 {
		t.Fatal("evicted candidate must not re-enter the pool")
	}
}

func TestMergePrunesStaleRecords(t *testing.T) {
	pool := newTestPool(t, func(cfg *Config) {
		cfg.StaleTTL = time.Hour
	})

	stale := testRecord("1.2.3.4", 8080)
	stale.LastCheck = time.Now().Add(-2 * time.Hour)
	fresh := testRecord("5.6.7.8", 3128)

	pool.Merge([]Outcome{okOutcome(fresh)})
	// 直接注入过期记录，模拟长期未复检的在池代理
	pool.mu.Lock()
	pool.records[stale.Key()] = stale
	pool.mu.Unlock()

	_, _, pruned := pool.Merge(nil)
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	if pool.WorkingCount() != 1 {
		t.Fatalf("WorkingCount() = %d, want 1", pool.WorkingCount())
	}
	// 过期清理不等于失败淘汰，不进入淘汰集合
	if pool.FailedSet().Contains(stale.Key()) {
		t.Fatal("stale prune must not add to the failed set")
	}
}

func TestMergeCapsPoolSize(t *testing.T) {
	pool := newTestPool(t, func(cfg *Config) {
		cfg.MaxPoolSize = 2
	})

	fast := testRecord("1.1.1.1", 80)
	fast.Latency = 50 * time.Millisecond
	mid := testRecord("2.2.2.2", 80)
	mid.Latency = 200 * time.Millisecond
	slow := testRecord("3.3.3.3", 80)
	slow.Latency = 5 * time.Second

	pool.Merge([]Outcome{okOutcome(fast), okOutcome(mid), okOutcome(slow)})

	if got := pool.WorkingCount(); got != 2 {
		t.Fatalf("WorkingCount() = %d, want 2", got)
	}
	// 权重最低(最慢)的记录被截断
	for i := 0; i < 100; i++ {
		rec, err := pool.GetProxy()
		if err != nil {
			t.Fatalf("GetProxy() error: %v", err)
		}
		if rec.Key() == "3.3.3.3:80" {
			t.Fatal("lowest-weight record should have been truncated")
		}
	}
}

func TestStatsWorkingCountExact(t *testing.T) {
	pool := newTestPool(t, nil)
	pool.Merge([]Outcome{
		okOutcome(testRecord("1.1.1.1", 80)),
		okOutcome(testRecord("2.2.2.2", 80)),
		okOutcome(testRecord("3.3.3.3", 80)),
	})

	if got := pool.GetStats().TotalWorking; got != 3 {
		t.Fatalf("TotalWorking = %d, want 3", got)
	}

	pool.RecordResult("1.1.1.1:80", false)
	pool.RecordResult("1.1.1.1:80", false)
	pool.RecordResult("1.1.1.1:80", false)

	if got := pool.GetStats().TotalWorking; got != 2 {
		t.Fatalf("TotalWorking = %d, want 2 after eviction", got)
	}
}

func TestStatsTopCountries(t *testing.T) {
	pool := newTestPool(t, nil)

	us1 := testRecord("1.1.1.1", 80)
	us1.Country = "US"
	us2 := testRecord("2.2.2.2", 80)
	us2.Country = "US"
	de := testRecord("3.3.3.3", 80)
	de.Country = "DE"

	pool.Merge([]Outcome{okOutcome(us1), okOutcome(us2), okOutcome(de)})

	stats := pool.GetStats()
	if len(stats.TopCountries) != 2 {
		t.Fatalf("TopCountries length = %d, want 2", len(stats.TopCountries))
	}
	if stats.TopCountries[0].Country != "US" || stats.TopCountries[0].Count != 2 {
		t.Fatalf("TopCountries[0] = %+v, want US/2", stats.TopCountries[0])
	}
}

func TestWeightedSelectionFavorsBetterProxy(t *testing.T) {
	pool := newTestPool(t, nil)

	// 成功率0.9与0.1，响应时间相同
	good := testRecord("1.1.1.1", 80)
	good.Success, good.Failure = 9, 1
	bad := testRecord("2.2.2.2", 80)
	bad.Success, bad.Failure = 1, 9

	pool.Merge([]Outcome{okOutcome(good), okOutcome(bad)})

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		rec, err := pool.GetProxy()
		if err != nil {
			t.Fatalf("GetProxy() error: %v", err)
		}
		counts[rec.Key()]++
	}

	goodCount := counts["1.1.1.1:80"]
	badCount := counts["2.2.2.2:80"]
	if goodCount <= badCount*2 {
		t.Fatalf("weighted selection too flat: good = %d, bad = %d", goodCount, badCount)
	}
	if badCount == 0 {
		t.Fatal("weighted selection must still occasionally pick the weaker proxy")
	}
}

func TestSelectionWeightMonotonic(t *testing.T) {
	base := testRecord("1.1.1.1", 80)
	base.Success, base.Failure = 5, 5
	base.Latency = 200 * time.Millisecond

	higherRate := base.Clone()
	higherRate.Success = 9
	higherRate.Failure = 1
	if selectionWeight(higherRate) <= selectionWeight(base) {
		t.Fatal("higher success rate must yield higher weight")
	}

	faster := base.Clone()
	faster.Latency = 50 * time.Millisecond
	if selectionWeight(faster) <= selectionWeight(base) {
		t.Fatal("lower latency must yield higher weight")
	}
}

func TestMergeAppliesProbeFailures(t *testing.T) {
	pool := newTestPool(t, nil)
	pool.Merge([]Outcome{okOutcome(testRecord("1.1.1.1", 80))})

	// 在池记录的探测失败计入连续失败，累计到阈值后淘汰
	failed := testRecord("1.1.1.1", 80)
	failed.State = models.StateFailed
	for i := 0; i < 3; i++ {
		pool.Merge([]Outcome{{Record: failed.Clone(), OK: false}})
	}

	if pool.WorkingCount() != 0 {
		t.Fatal("repeated probe failures must evict the record")
	}
	if !pool.FailedSet().Contains("1.1.1.1:80") {
		t.Fatal("probe-failure eviction must register in the failed set")
	}
}
