package free

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/usufzan/portico/models"
)

const freeProxyListURL = "https://free-proxy-list.net/"

// FreeProxyListSource free-proxy-list.net代理源，抓取页面中的代理表格。
// 表格列依次为: IP, Port, Code, Country, Anonymity, Google, Https, Last Checked
type FreeProxyListSource struct {
	pageURL string
	limiter *rate.Limiter
}

// NewFreeProxyListSource 创建free-proxy-list.net代理源
func NewFreeProxyListSource() *FreeProxyListSource {
	return newFreeProxyListSource(freeProxyListURL)
}

func newFreeProxyListSource(pageURL string) *FreeProxyListSource {
	return &FreeProxyListSource{
		pageURL: pageURL,
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

func (s *FreeProxyListSource) Name() string {
	return "free-proxy-list.net"
}

// Fetch 获取代理列表
func (s *FreeProxyListSource) Fetch(ctx context.Context) ([]*models.ProxyRecord, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	// 抓取请求挂在调用方context上，周期取消时立即中止
	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(10 * time.Second)

	var records []*models.ProxyRecord
	var mu sync.Mutex

	c.OnHTML("table tbody tr", func(e *colly.HTMLElement) {
		var cells []string
		e.ForEach("td", func(_ int, el *colly.HTMLElement) {
			cells = append(cells, strings.TrimSpace(el.Text))
		})
		if len(cells) < 7 {
			return
		}

		host := cells[0]
		if net.ParseIP(host) == nil {
			return
		}
		port, err := strconv.Atoi(cells[1])
		if err != nil || port <= 0 || port > 65535 {
			return
		}

		protocol := "http"
		if strings.EqualFold(cells[6], "yes") {
			protocol = "https"
		}

		mu.Lock()
		records = append(records, &models.ProxyRecord{
			Host:         host,
			Port:         port,
			Protocol:     protocol,
			Country:      cells[2],
			Anonymity:    cells[4],
			Source:       s.Name(),
			State:        models.StateCandidate,
			DiscoveredAt: time.Now(),
		})
		mu.Unlock()
	})

	if err := c.Visit(s.pageURL); err != nil {
		return nil, err
	}
	c.Wait()

	return records, nil
}
