package models

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// ProxyState 代理生命周期状态
type ProxyState int8

const (
	StateCandidate ProxyState = iota // 候选：已发现，未验证
	StateValidated                   // 已验证：可供选取
	StateFailed                      // 验证失败
	StateEvicted                     // 已淘汰：不再参与选取
)

// String 返回状态的字符串表示
func (s ProxyState) String() string {
	switch s {
	case StateCandidate:
		return "candidate"
	case StateValidated:
		return "validated"
	case StateFailed:
		return "failed"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// ProxyRecord 代理记录，池内以 host:port 作为唯一标识。
// 入池之后只允许池在写锁内修改；Fetcher/Validator 只操作
// 尚未入池的新记录。
type ProxyRecord struct {
	Host      string     // IP地址
	Port      int        // 端口
	Protocol  string     // 协议类型(http/https/socks5)
	Country   string     // 国家/地区标签
	Anonymity string     // 匿名级别(transparent/anonymous/elite)
	Source    string     // 代理来源
	State     ProxyState // 生命周期状态

	Latency      time.Duration // 最近一次测得的响应时间
	Success      int           // 成功次数
	Failure      int           // 失败次数
	FailStreak   int           // 连续失败次数，达到阈值后淘汰
	DiscoveredAt time.Time     // 发现时间
	LastCheck    time.Time     // 最后检查时间
	LastUsedAt   time.Time     // 最后使用时间
}

// Key 返回代理的唯一标识 "host:port"
func (p *ProxyRecord) Key() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL 返回代理的URL表示
func (p *ProxyRecord) URL() string {
	return fmt.Sprintf("%s://%s:%d", p.Protocol, p.Host, p.Port)
}

// SuccessRate 获取成功率(0~1)
func (p *ProxyRecord) SuccessRate() float64 {
	total := p.Success + p.Failure
	if total == 0 {
		return 0
	}
	return float64(p.Success) / float64(total)
}

// Clone 克隆代理记录
func (p *ProxyRecord) Clone() *ProxyRecord {
	c := *p
	return &c
}

// FailedSet 进程级的淘汰集合，记录因连续失败被淘汰的代理标识，
// 合并时据此拒绝刚被淘汰的候选重新入池。
type FailedSet struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewFailedSet 创建淘汰集合
func NewFailedSet() *FailedSet {
	return &FailedSet{
		keys: make(map[string]struct{}),
	}
}

// Add 加入标识
func (f *FailedSet) Add(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = struct{}{}
}

// Contains 检查标识是否已被淘汰
func (f *FailedSet) Contains(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.keys[key]
	return ok
}

// Len 获取淘汰数量
func (f *FailedSet) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.keys)
}
