package free

import (
	"bytes"
	"context"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/usufzan/portico/models"
)

const proxynovaURL = "https://www.proxynova.com/proxy-server-list/"

// 页面中IP有时被脚本包裹，从单元格文本里提取点分四段即可
var ipPattern = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)

// ProxyNovaSource ProxyNova代理源，解析页面中的代理表格
type ProxyNovaSource struct {
	*BaseSource
	pageURL string
}

// NewProxyNovaSource 创建ProxyNova代理源
func NewProxyNovaSource() *ProxyNovaSource {
	return newProxyNovaSource(proxynovaURL)
}

func newProxyNovaSource(pageURL string) *ProxyNovaSource {
	return &ProxyNovaSource{
		BaseSource: NewBaseSource(),
		pageURL:    pageURL,
	}
}

func (s *ProxyNovaSource) Name() string {
	return "proxynova.com"
}

// Fetch 获取代理列表
func (s *ProxyNovaSource) Fetch(ctx context.Context) ([]*models.ProxyRecord, error) {
	body, err := s.get(ctx, s.pageURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var records []*models.ProxyRecord
	doc.Find("table tbody tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 4 {
			return
		}

		host := ipPattern.FindString(cells.Eq(0).Text())
		if host == "" || net.ParseIP(host) == nil {
			return
		}
		port, err := strconv.Atoi(strings.TrimSpace(cells.Eq(1).Text()))
		if err != nil || port <= 0 || port > 65535 {
			return
		}

		records = append(records, &models.ProxyRecord{
			Host:         host,
			Port:         port,
			Protocol:     "http",
			Country:      strings.TrimSpace(cells.Eq(2).Text()),
			Anonymity:    strings.TrimSpace(cells.Eq(3).Text()),
			Source:       s.Name(),
			State:        models.StateCandidate,
			DiscoveredAt: time.Now(),
		})
	})

	return records, nil
}
