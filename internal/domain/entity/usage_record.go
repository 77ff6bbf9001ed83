// Package entity 定义领域实体
package entity

import "time"

// UsageRecord 一次已执行的出站调用流水
type UsageRecord struct {
	ID            string    `json:"id" gorm:"type:uuid;primaryKey"`
	Timestamp     time.Time `json:"timestamp" gorm:"index;not null"`
	Endpoint      string    `json:"endpoint" gorm:"type:varchar(255);index;not null"`
	Method        string    `json:"method" gorm:"type:varchar(16);not null;default:'GET'"`
	Cost          float64   `json:"cost" gorm:"type:numeric(12,4);not null;default:0"`
	CallerID      string    `json:"caller_id" gorm:"type:varchar(128);index"`
	CorrelationID string    `json:"correlation_id" gorm:"type:varchar(64)"`
	Success       bool      `json:"success" gorm:"not null"`
	StatusCode    int       `json:"status_code,omitempty" gorm:"not null;default:0"`
	ResponseSize  int64     `json:"response_size,omitempty" gorm:"not null;default:0"`
	ErrorSummary  string    `json:"error,omitempty" gorm:"type:varchar(512)"`
	CreatedAt     time.Time `json:"-" gorm:"autoCreateTime"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}

// DateKey 返回记录所属的本地日期（YYYY-MM-DD）
func (r *UsageRecord) DateKey() string {
	return r.Timestamp.Format(time.DateOnly)
}
