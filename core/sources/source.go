package sources

import (
	"context"

	"github.com/usufzan/portico/models"
)

// Source 代理源接口
type Source interface {
	// Fetch 抓取并解析候选代理列表，只负责发现，不做验证。
	// 格式错误的条目应跳过而不是报错。
	Fetch(ctx context.Context) ([]*models.ProxyRecord, error)

	// Name 返回代理源名称，用于日志记录
	Name() string
}
