package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/usufzan/portico/models"
)

// CycleState 刷新周期状态机
type CycleState int32

const (
	CycleIdle CycleState = iota
	CycleFetching
	CycleValidating
	CycleMerging
)

// String 返回状态的字符串表示
func (s CycleState) String() string {
	switch s {
	case CycleIdle:
		return "idle"
	case CycleFetching:
		return "fetching"
	case CycleValidating:
		return "validating"
	case CycleMerging:
		return "merging"
	default:
		return "unknown"
	}
}

// 单个刷新周期的兜底时限，防止周期悬挂
const cycleDeadline = 10 * time.Minute

// RefreshResult 一次刷新周期的结果
type RefreshResult struct {
	Fetched    int   `json:"fetched"`   // 去重后的候选数
	Validated  int   `json:"validated"` // 验证通过数
	Added      int   `json:"added"`     // 新入池数
	Refreshed  int   `json:"refreshed"` // 刷新的在池记录数
	Pruned     int   `json:"pruned"`    // 清理数
	Working    int   `json:"working"`   // 周期结束后的可用数
	DurationMs int64 `json:"duration_ms"`
}

// Scheduler 健康监控调度器：按固定间隔或强制触发执行
// 获取→验证→合并 的刷新周期。重叠的触发通过 singleflight
// 合并进正在执行的周期，所有调用方等到同一个结果，
// 保证不会对列表源发起重复的抓取风暴。
type Scheduler struct {
	pool    *Pool
	fetcher *Fetcher
	logger  *zap.Logger

	mu          sync.Mutex // 保护 cfg、emptyCycles 与 entryID
	cfg         *Config
	emptyCycles int
	entryID     cron.EntryID

	cron *cron.Cron
	group   singleflight.Group
	state   atomic.Int32
	wg      sync.WaitGroup

	// 验证入口，测试时可替换
	validate func(ctx context.Context, candidates []*models.ProxyRecord) []Outcome
}

// NewScheduler 创建调度器
func NewScheduler(cfg *Config, pool *Pool, fetcher *Fetcher, logger *zap.Logger) *Scheduler {
	s := &Scheduler{
		pool:    pool,
		fetcher: fetcher,
		logger:  logger,
		cfg:     cfg.Clone(),
		cron:    cron.New(),
	}
	s.validate = s.runValidation
	return s
}

// Start 注册定时刷新并立即在后台执行首次刷新
func (s *Scheduler) Start() error {
	s.mu.Lock()
	interval := s.cfg.RefreshInterval
	entryID, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.tick)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("schedule refresh: %w", err)
	}
	s.entryID = entryID
	s.mu.Unlock()

	s.cron.Start()

	s.logger.Info("调度器已启动",
		zap.Duration("刷新间隔", interval),
	)

	// 首次刷新在生成时就计入等待组，Stop 不会在它完成前返回
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.ForceRefresh(context.Background()); err != nil {
			s.logger.Error("初始刷新失败", zap.Error(err))
		}
	}()
	return nil
}

// Stop 停止定时任务并等待在途周期结束
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("调度器已停止")
}

// tick 定时触发，与强制刷新共用同一个合并入口
func (s *Scheduler) tick() {
	if _, err := s.ForceRefresh(context.Background()); err != nil {
		s.logger.Error("定时刷新失败", zap.Error(err))
	}
}

// ForceRefresh 触发一次刷新周期。若已有周期在执行，
// 调用方挂到该周期的完成上，不会启动第二个并发周期。
func (s *Scheduler) ForceRefresh(ctx context.Context) (RefreshResult, error) {
	resultCh := s.group.DoChan("refresh", func() (interface{}, error) {
		s.wg.Add(1)
		defer s.wg.Done()
		return s.runCycle(), nil
	})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return RefreshResult{}, res.Err
		}
		return res.Val.(RefreshResult), nil
	case <-ctx.Done():
		// 周期本身继续执行，调用方不再等待
		return RefreshResult{}, ctx.Err()
	}
}

// State 当前周期状态
func (s *Scheduler) State() CycleState {
	return CycleState(s.state.Load())
}

// runCycle 执行一个完整的 获取→验证→合并 周期
func (s *Scheduler) runCycle() RefreshResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), cycleDeadline)
	defer cancel()
	defer s.state.Store(int32(CycleIdle))

	s.logger.Info("========================================")
	s.logger.Info("           开始刷新周期")
	s.logger.Info("========================================")

	s.state.Store(int32(CycleFetching))
	candidates := s.fetcher.FetchAll(ctx)

	s.state.Store(int32(CycleValidating))
	outcomes := s.validate(ctx, candidates)

	s.state.Store(int32(CycleMerging))
	added, refreshed, pruned := s.pool.Merge(outcomes)

	validated := 0
	for _, o := range outcomes {
		if o.OK {
			validated++
		}
	}

	result := RefreshResult{
		Fetched:    len(candidates),
		Validated:  validated,
		Added:      added,
		Refreshed:  refreshed,
		Pruned:     pruned,
		Working:    s.pool.WorkingCount(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	s.trackHealth(result.Working)

	s.logger.Info("刷新周期完成",
		zap.Int("候选数", result.Fetched),
		zap.Int("验证通过", result.Validated),
		zap.Int("新增", result.Added),
		zap.Int("当前可用", result.Working),
		zap.Int64("耗时(ms)", result.DurationMs),
	)
	return result
}

// runValidation 按当前配置构建验证器并执行
func (s *Scheduler) runValidation(ctx context.Context, candidates []*models.ProxyRecord) []Outcome {
	s.mu.Lock()
	validator := NewValidator(s.logger, s.cfg.ProbeTimeout, s.cfg.ValidateConcurrency, s.cfg.TestTargets)
	s.mu.Unlock()
	return validator.Validate(ctx, candidates)
}

// trackHealth 跟踪连续空周期数并更新降级标记
func (s *Scheduler) trackHealth(working int) {
	s.mu.Lock()
	if working == 0 {
		s.emptyCycles++
	} else {
		s.emptyCycles = 0
	}
	degraded := s.emptyCycles >= s.cfg.DegradedThreshold
	s.mu.Unlock()

	s.pool.setDegraded(degraded)
}

// Tuning 运行期可调参数，nil字段表示不修改
type Tuning struct {
	ProbeTimeout        *time.Duration
	ValidateConcurrency *int
	RefreshInterval     *time.Duration
	MaxPoolSize         *int
	TestTargets         []string
}

// ApplyTuning 校验并应用运行期参数，非法取值在此拒绝，
// 不会等到刷新周期执行时才暴露。整个重排过程持锁执行，
// 并发调用不会互相覆盖 entryID 或残留重复的定时任务。
func (s *Scheduler) ApplyTuning(t Tuning) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.Clone()
	if t.ProbeTimeout != nil {
		next.ProbeTimeout = *t.ProbeTimeout
	}
	if t.ValidateConcurrency != nil {
		next.ValidateConcurrency = *t.ValidateConcurrency
	}
	if t.RefreshInterval != nil {
		next.RefreshInterval = *t.RefreshInterval
	}
	if t.MaxPoolSize != nil {
		next.MaxPoolSize = *t.MaxPoolSize
	}
	if t.TestTargets != nil {
		next.TestTargets = append([]string(nil), t.TestTargets...)
	}

	if err := next.Validate(); err != nil {
		return err
	}

	rescheduled := next.RefreshInterval != s.cfg.RefreshInterval
	s.cfg = next

	if t.MaxPoolSize != nil {
		s.pool.SetMaxSize(*t.MaxPoolSize)
	}

	if rescheduled {
		s.cron.Remove(s.entryID)
		entryID, err := s.cron.AddFunc(fmt.Sprintf("@every %s", next.RefreshInterval), s.tick)
		if err != nil {
			return fmt.Errorf("reschedule refresh: %w", err)
		}
		s.entryID = entryID
		s.logger.Info("刷新间隔已更新",
			zap.Duration("新间隔", next.RefreshInterval),
		)
	}
	return nil
}
