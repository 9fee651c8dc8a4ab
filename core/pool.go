package core

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/usufzan/portico/models"
)

// ErrNoProxyAvailable 池为空或被禁用，调用方应回退为直连
var ErrNoProxyAvailable = errors.New("no proxy available")

// Stats 代理池统计快照
type Stats struct {
	TotalWorking int            `json:"total_working"` // 当前可用代理数
	TotalFailed  int            `json:"total_failed"`  // 累计淘汰数
	LastRefresh  time.Time      `json:"last_refresh"`  // 最后一次成功刷新时间
	AvgLatencyMs float64        `json:"avg_latency_ms"`
	TopCountries []CountryCount `json:"top_countries"` // 按数量排序的国家分布
	Degraded     bool           `json:"degraded"`      // 连续多个刷新周期无可用代理
	Enabled      bool           `json:"enabled"`
}

// CountryCount 国家分布条目
type CountryCount struct {
	Country string `json:"country"`
	Count   int    `json:"count"`
}

// selectionEntry 选取快照条目，读路径不持有写锁
type selectionEntry struct {
	record *models.ProxyRecord // 克隆，调用方拿不到池内指针
	weight float64
}

// Pool 代理池管理器。所有对记录集合的修改都在写锁内串行执行；
// GetProxy 从不可变快照读取，容忍与最近一次合并之间的轻微滞后。
type Pool struct {
	logger *zap.Logger

	mu       sync.RWMutex
	records  map[string]*models.ProxyRecord // 已验证的在池记录
	snapshot []selectionEntry
	enabled  bool
	degraded bool

	lastRefresh   time.Time
	failed        *models.FailedSet
	maxSize       int
	failThreshold int
	staleTTL      time.Duration

	limiter *HandoutLimiter // 可选，分发频率限制
	usageDB *gorm.DB        // 可选，使用记录
}

// NewPool 创建代理池管理器
func NewPool(cfg *Config, logger *zap.Logger) *Pool {
	return &Pool{
		logger:        logger,
		records:       make(map[string]*models.ProxyRecord),
		enabled:       cfg.Enabled,
		failed:        models.NewFailedSet(),
		maxSize:       cfg.MaxPoolSize,
		failThreshold: cfg.FailThreshold,
		staleTTL:      cfg.StaleTTL,
	}
}

// SetHandoutLimiter 设置分发频率限制器
func (p *Pool) SetHandoutLimiter(l *HandoutLimiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiter = l
}

// SetUsageDB 设置使用记录数据库
func (p *Pool) SetUsageDB(db *gorm.DB) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usageDB = db
}

// FailedSet 返回淘汰集合，合并时用于拒绝重新入池
func (p *Pool) FailedSet() *models.FailedSet {
	return p.failed
}

// GetProxy 按权重随机选取一个已验证代理并返回其克隆。
// 权重随成功率升高、响应时间降低而增大。
func (p *Pool) GetProxy() (*models.ProxyRecord, error) {
	p.mu.RLock()
	enabled := p.enabled
	snapshot := p.snapshot
	limiter := p.limiter
	p.mu.RUnlock()

	if !enabled || len(snapshot) == 0 {
		return nil, ErrNoProxyAvailable
	}

	// 被限流的代理从本次候选中剔除后重新选取
	candidates := snapshot
	for len(candidates) > 0 {
		idx := pickWeighted(candidates)
		selected := candidates[idx]

		if limiter != nil && !limiter.Allow(selected.record.Key()) {
			remaining := make([]selectionEntry, 0, len(candidates)-1)
			remaining = append(remaining, candidates[:idx]...)
			remaining = append(remaining, candidates[idx+1:]...)
			candidates = remaining
			continue
		}

		p.touch(selected.record.Key())
		return selected.record.Clone(), nil
	}

	return nil, ErrNoProxyAvailable
}

// pickWeighted 按权重随机选择快照下标
func pickWeighted(entries []selectionEntry) int {
	total := 0.0
	for _, e := range entries {
		total += e.weight
	}

	r := rand.Float64() * total
	for i, e := range entries {
		r -= e.weight
		if r <= 0 {
			return i
		}
	}
	return len(entries) - 1
}

// touch 更新池内记录的最后使用时间
func (p *Pool) touch(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.records[key]; ok {
		rec.LastUsedAt = time.Now()
	}
}

// RecordResult 吸收调用方的使用反馈：成功时重置连续失败计数，
// 连续失败达到阈值时原子地淘汰该代理并记入淘汰集合。
func (p *Pool) RecordResult(key string, success bool) {
	p.mu.Lock()

	rec, ok := p.records[key]
	if !ok {
		// 已被淘汰或清理的记录，忽略
		p.mu.Unlock()
		return
	}

	rec.LastUsedAt = time.Now()
	var usage *models.ProxyRecord
	if success {
		rec.Success++
		rec.FailStreak = 0
	} else {
		rec.Failure++
		rec.FailStreak++
		if rec.FailStreak >= p.failThreshold {
			rec.State = models.StateEvicted
			delete(p.records, key)
			p.failed.Add(key)
			p.logger.Info("代理连续失败，淘汰",
				zap.String("代理", key),
				zap.Int("连续失败次数", rec.FailStreak),
			)
		}
	}
	usage = rec.Clone()
	p.rebuildSnapshotLocked()
	db := p.usageDB
	p.mu.Unlock()

	if db != nil {
		go p.writeUsage(db, usage, success)
	}
}

// writeUsage 异步追加使用记录
func (p *Pool) writeUsage(db *gorm.DB, rec *models.ProxyRecord, success bool) {
	entry := &models.ProxyUsage{
		Addr:      rec.Key(),
		Source:    rec.Source,
		Success:   success,
		LatencyMs: rec.Latency.Milliseconds(),
	}
	if err := db.Create(entry).Error; err != nil {
		p.logger.Warn("使用记录写入失败", zap.Error(err))
	}
}

// Merge 把一个刷新周期的验证结果合并进池：
// 新的已验证候选入池(淘汰集合成员除外)，仍然健康的旧记录保留，
// 超过过期时间的记录被清理，最后按权重截断到池容量上限。
func (p *Pool) Merge(outcomes []Outcome) (added, refreshed, pruned int) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, o := range outcomes {
		key := o.Record.Key()
		existing, exists := p.records[key]

		if !o.OK {
			// 对在池记录，探测失败等同于一次使用失败
			if exists {
				existing.Failure++
				existing.FailStreak++
				existing.LastCheck = o.Record.LastCheck
				if existing.FailStreak >= p.failThreshold {
					existing.State = models.StateEvicted
					delete(p.records, key)
					p.failed.Add(key)
				}
			}
			continue
		}

		if exists {
			existing.Latency = o.Latency
			existing.LastCheck = o.Record.LastCheck
			existing.Success++
			existing.FailStreak = 0
			refreshed++
			continue
		}

		if p.failed.Contains(key) {
			// 拒绝刚被淘汰的候选重新入池
			continue
		}

		o.Record.State = models.StateValidated
		p.records[key] = o.Record
		added++
	}

	// 清理过期记录：即便从未失败，长期未复检的记录也不再可信
	for key, rec := range p.records {
		if now.Sub(rec.LastCheck) > p.staleTTL {
			rec.State = models.StateEvicted
			delete(p.records, key)
			pruned++
		}
	}

	// 截断到容量上限，保留权重最高的记录
	if len(p.records) > p.maxSize {
		type weighted struct {
			key string
			w   float64
		}
		all := make([]weighted, 0, len(p.records))
		for key, rec := range p.records {
			all = append(all, weighted{key: key, w: selectionWeight(rec)})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].w > all[j].w })
		for _, entry := range all[p.maxSize:] {
			p.records[entry.key].State = models.StateEvicted
			delete(p.records, entry.key)
			pruned++
		}
	}

	p.lastRefresh = now
	p.rebuildSnapshotLocked()

	p.logger.Info("代理池合并完成",
		zap.Int("新增", added),
		zap.Int("刷新", refreshed),
		zap.Int("清理", pruned),
		zap.Int("当前可用", len(p.records)),
	)
	return added, refreshed, pruned
}

// selectionWeight 计算选取权重：成功率越高、响应越快权重越大。
// 加上小的底数，让新入池的记录也有被选中的机会。
func selectionWeight(rec *models.ProxyRecord) float64 {
	latencyMs := float64(rec.Latency.Milliseconds())
	return (rec.SuccessRate() + 0.1) * 1000.0 / (latencyMs + 100.0)
}

// rebuildSnapshotLocked 重建选取快照，必须在写锁内调用
func (p *Pool) rebuildSnapshotLocked() {
	snapshot := make([]selectionEntry, 0, len(p.records))
	for _, rec := range p.records {
		snapshot = append(snapshot, selectionEntry{
			record: rec.Clone(),
			weight: selectionWeight(rec),
		})
	}
	p.snapshot = snapshot
}

// GetStats 获取代理池统计快照
func (p *Pool) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{
		TotalWorking: len(p.records),
		TotalFailed:  p.failed.Len(),
		LastRefresh:  p.lastRefresh,
		Degraded:     p.degraded,
		Enabled:      p.enabled,
	}

	countries := make(map[string]int)
	var totalLatency float64
	for _, rec := range p.records {
		totalLatency += float64(rec.Latency.Milliseconds())
		if rec.Country != "" {
			countries[rec.Country]++
		}
	}
	if len(p.records) > 0 {
		stats.AvgLatencyMs = totalLatency / float64(len(p.records))
	}

	for country, count := range countries {
		stats.TopCountries = append(stats.TopCountries, CountryCount{Country: country, Count: count})
	}
	sort.Slice(stats.TopCountries, func(i, j int) bool {
		if stats.TopCountries[i].Count != stats.TopCountries[j].Count {
			return stats.TopCountries[i].Count > stats.TopCountries[j].Count
		}
		return stats.TopCountries[i].Country < stats.TopCountries[j].Country
	})
	if len(stats.TopCountries) > 5 {
		stats.TopCountries = stats.TopCountries[:5]
	}

	return stats
}

// Enable 启用代理池
func (p *Pool) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
}

// Disable 禁用代理池，禁用后 GetProxy 始终返回 ErrNoProxyAvailable
func (p *Pool) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
}

// Enabled 代理池是否启用
func (p *Pool) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// setDegraded 由调度器在刷新周期结束时更新降级标记
func (p *Pool) setDegraded(degraded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if degraded && !p.degraded {
		p.logger.Warn("代理池进入降级状态，连续多个刷新周期无可用代理")
	}
	p.degraded = degraded
}

// SetMaxSize 更新池容量上限，下次合并时生效
func (p *Pool) SetMaxSize(size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxSize = size
}

// WorkingCount 当前可用代理数
func (p *Pool) WorkingCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}
