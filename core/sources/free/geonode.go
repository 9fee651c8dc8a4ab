package free

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/usufzan/portico/models"
)

const geonodeURL = "https://proxylist.geonode.com/api/proxy-list?limit=100&page=1&sort_by=lastChecked&sort_type=desc&protocols=http%2Chttps"

// geonodeResponse Geonode API响应结构
type geonodeResponse struct {
	Data []struct {
		IP             string   `json:"ip"`
		Port           string   `json:"port"`
		Protocols      []string `json:"protocols"`
		Country        string   `json:"country"`
		AnonymityLevel string   `json:"anonymityLevel"`
	} `json:"data"`
}

// GeonodeSource Geonode免费代理源，JSON API
type GeonodeSource struct {
	*BaseSource
	apiURL string
}

// NewGeonodeSource 创建Geonode代理源
func NewGeonodeSource() *GeonodeSource {
	return newGeonodeSource(geonodeURL)
}

func newGeonodeSource(apiURL string) *GeonodeSource {
	return &GeonodeSource{
		BaseSource: NewBaseSource(),
		apiURL:     apiURL,
	}
}

func (s *GeonodeSource) Name() string {
	return "geonode.com"
}

// Fetch 获取代理列表
func (s *GeonodeSource) Fetch(ctx context.Context) ([]*models.ProxyRecord, error) {
	body, err := s.get(ctx, s.apiURL)
	if err != nil {
		return nil, err
	}

	var apiResp geonodeResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, err
	}

	var records []*models.ProxyRecord
	for _, item := range apiResp.Data {
		port, err := strconv.Atoi(item.Port)
		if err != nil || port <= 0 || port > 65535 {
			continue
		}

		protocol := "http"
		if len(item.Protocols) > 0 {
			protocol = item.Protocols[0]
		}

		records = append(records, &models.ProxyRecord{
			Host:         item.IP,
			Port:         port,
			Protocol:     protocol,
			Country:      item.Country,
			Anonymity:    item.AnonymityLevel,
			Source:       s.Name(),
			State:        models.StateCandidate,
			DiscoveredAt: time.Now(),
		})
	}
	return records, nil
}
