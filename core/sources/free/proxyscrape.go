package free

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/usufzan/portico/models"
)

var proxyscrapeURLs = map[string]string{
	"http":  "https://api.proxyscrape.com/v2/?request=get&protocol=http&timeout=10000&country=all&ssl=all&anonymity=all",
	"https": "https://api.proxyscrape.com/v2/?request=get&protocol=https&timeout=10000&country=all&ssl=all&anonymity=all",
}

// ProxyScrapeSource ProxyScrape代理源，API返回纯文本的 ip:port 列表
type ProxyScrapeSource struct {
	*BaseSource
	urls map[string]string
}

// NewProxyScrapeSource 创建ProxyScrape代理源
func NewProxyScrapeSource() *ProxyScrapeSource {
	return newProxyScrapeSource(proxyscrapeURLs)
}

func newProxyScrapeSource(urls map[string]string) *ProxyScrapeSource {
	return &ProxyScrapeSource{
		BaseSource: NewBaseSource(),
		urls:       urls,
	}
}

func (s *ProxyScrapeSource) Name() string {
	return "proxyscrape.com"
}

// Fetch 获取代理列表
func (s *ProxyScrapeSource) Fetch(ctx context.Context) ([]*models.ProxyRecord, error) {
	var records []*models.ProxyRecord
	var lastErr error

	for protocol, url := range s.urls {
		body, err := s.get(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		records = append(records, s.parse(string(body), protocol)...)
	}

	// 全部页面失败时才视为源不可用
	if len(records) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return records, nil
}

// parse 逐行解析 ip:port，跳过格式错误的条目
func (s *ProxyScrapeSource) parse(body, protocol string) []*models.ProxyRecord {
	var records []*models.ProxyRecord

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		host, portStr, err := net.SplitHostPort(line)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			continue
		}

		records = append(records, &models.ProxyRecord{
			Host:         host,
			Port:         port,
			Protocol:     protocol,
			Source:       s.Name(),
			State:        models.StateCandidate,
			DiscoveredAt: time.Now(),
		})
	}
	return records
}
