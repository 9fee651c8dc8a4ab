package models

import (
	"gorm.io/gorm"
)

// ProxyUsage 代理使用记录，用于统计分析，不参与池的运行时状态
type ProxyUsage struct {
	gorm.Model
	Addr      string `gorm:"type:varchar(64);index"` // host:port
	Source    string `gorm:"type:varchar(64)"`       // 代理来源
	Success   bool   `gorm:"default:false"`          // 本次使用是否成功
	LatencyMs int64  `gorm:"default:0"`              // 响应时间(毫秒)
}

// TableName 表名
func (ProxyUsage) TableName() string {
	return "proxy_usages"
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ProxyUsage{})
}
