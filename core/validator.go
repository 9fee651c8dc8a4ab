package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/usufzan/portico/models"
)

// Outcome 单个候选的验证结果
type Outcome struct {
	Record  *models.ProxyRecord
	OK      bool
	Latency time.Duration
}

// Validator 代理验证器，用有界工作池并发探测候选代理。
// 只要任意一个测试网站在超时内响应成功即判定通过；
// 超时的探测会被取消并计为失败，不会拖住整个批次。
type Validator struct {
	logger      *zap.Logger
	timeout     time.Duration // 单个代理验证超时时间
	concurrency int           // 最大并发验证数
	testTargets []string      // 测试网站列表
}

// NewValidator 创建代理验证器
func NewValidator(logger *zap.Logger, timeout time.Duration, concurrency int, testTargets []string) *Validator {
	return &Validator{
		logger:      logger,
		timeout:     timeout,
		concurrency: concurrency,
		testTargets: testTargets,
	}
}

// Validate 并发验证候选列表，返回每个候选的结果。
// 验证器只修改传入的新记录，不触碰池内已有记录。
func (v *Validator) Validate(ctx context.Context, candidates []*models.ProxyRecord) []Outcome {
	if len(candidates) == 0 {
		return nil
	}

	workerCount := v.concurrency
	if len(candidates) < workerCount {
		workerCount = len(candidates)
	}

	v.logger.Info("启动验证工作池",
		zap.Int("待验证数量", len(candidates)),
		zap.Int("工作协程数", workerCount),
	)

	jobs := make(chan *models.ProxyRecord, len(candidates))
	results := make(chan Outcome, len(candidates))
	var wg sync.WaitGroup

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				results <- v.validateOne(ctx, rec)
			}
		}()
	}

	for _, rec := range candidates {
		jobs <- rec
	}
	close(jobs)

	wg.Wait()
	close(results)

	outcomes := make([]Outcome, 0, len(candidates))
	successCount := 0
	for o := range results {
		if o.OK {
			successCount++
		}
		outcomes = append(outcomes, o)
	}

	v.logger.Info("代理验证完成",
		zap.Int("总数", len(candidates)),
		zap.Int("成功数", successCount),
		zap.Int("失败数", len(outcomes)-successCount),
	)

	return outcomes
}

// validateOne 验证单个候选并更新其状态字段
func (v *Validator) validateOne(ctx context.Context, rec *models.ProxyRecord) Outcome {
	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	err := v.probe(probeCtx, rec)
	latency := time.Since(start)

	rec.LastCheck = time.Now()
	if err != nil {
		rec.State = models.StateFailed
		rec.Failure++
		rec.FailStreak++
		v.logger.Debug("代理验证失败",
			zap.String("代理", rec.Key()),
			zap.Error(err),
		)
		return Outcome{Record: rec, OK: false}
	}

	rec.State = models.StateValidated
	rec.Latency = latency
	rec.Success++
	rec.FailStreak = 0
	v.logger.Debug("代理验证成功",
		zap.String("代理", rec.Key()),
		zap.Duration("响应时间", latency),
	)
	return Outcome{Record: rec, OK: true, Latency: latency}
}

// probe 依次尝试各测试网站，任意一个返回2xx即成功
func (v *Validator) probe(ctx context.Context, rec *models.ProxyRecord) error {
	client, err := v.clientFor(rec)
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()

	var lastErr error
	for _, target := range v.testTargets {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no test target reachable")
	}
	return lastErr
}

// clientFor 根据候选协议构建经由该代理的HTTP客户端
func (v *Validator) clientFor(rec *models.ProxyRecord) (*http.Client, error) {
	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout: v.timeout,
		DisableKeepAlives:   true,
	}

	switch rec.Protocol {
	case "socks5":
		dialer, err := proxy.SOCKS5("tcp", rec.Key(), nil, &net.Dialer{Timeout: v.timeout})
		if err != nil {
			return nil, fmt.Errorf("create socks5 dialer: %w", err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer does not support context")
		}
		transport.DialContext = contextDialer.DialContext
	default:
		proxyURL, err := url.Parse(fmt.Sprintf("http://%s", rec.Key()))
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   v.timeout,
	}, nil
}
