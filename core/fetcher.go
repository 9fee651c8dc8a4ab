package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/usufzan/portico/core/sources"
	"github.com/usufzan/portico/core/sources/free"
	"github.com/usufzan/portico/models"
)

// ErrSourceUnavailable 单个代理源获取失败，只记录日志，不会中断刷新周期
var ErrSourceUnavailable = errors.New("proxy source unavailable")

// Fetcher 代理获取器，并行抓取所有代理源并合并去重
type Fetcher struct {
	sources []sources.Source
	logger  *zap.Logger
}

// NewFetcher 创建代理获取器
func NewFetcher(logger *zap.Logger, srcs ...sources.Source) *Fetcher {
	return &Fetcher{
		sources: srcs,
		logger:  logger,
	}
}

// DefaultSources 返回内置的免费代理源列表
func DefaultSources() []sources.Source {
	return []sources.Source{
		free.NewFreeProxyListSource(),
		free.NewProxyScrapeSource(),
		free.NewGeonodeSource(),
		free.NewProxyNovaSource(),
	}
}

// FetchAll 并行抓取所有代理源，失败的源跳过，返回按 host:port 去重后的候选列表
func (f *Fetcher) FetchAll(ctx context.Context) []*models.ProxyRecord {
	f.logger.Info("开始获取代理",
		zap.Int("代理源总数", len(f.sources)),
	)

	type result struct {
		name    string
		records []*models.ProxyRecord
	}

	var wg sync.WaitGroup
	results := make(chan result, len(f.sources))

	for _, src := range f.sources {
		wg.Add(1)
		go func(src sources.Source) {
			defer wg.Done()

			records, err := src.Fetch(ctx)
			if err != nil {
				f.logger.Warn("代理源获取失败",
					zap.String("来源", src.Name()),
					zap.Error(fmt.Errorf("%w: %v", ErrSourceUnavailable, err)),
				)
				return
			}
			results <- result{name: src.Name(), records: records}
		}(src)
	}

	wg.Wait()
	close(results)

	// 合并去重
	seen := make(map[string]struct{})
	var candidates []*models.ProxyRecord
	successCount := 0

	for r := range results {
		successCount++
		f.logger.Info("代理源获取成功",
			zap.String("来源", r.name),
			zap.Int("本次获取数量", len(r.records)),
		)
		for _, rec := range r.records {
			key := rec.Key()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			candidates = append(candidates, rec)
		}
	}

	f.logger.Info("代理获取完成",
		zap.Int("成功源数量", successCount),
		zap.Int("失败源数量", len(f.sources)-successCount),
		zap.Int("去重后总数", len(candidates)),
	)

	return candidates
}
