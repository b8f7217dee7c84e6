package models

import "time"

// UsageRecord is the side-channel accounting row written once per
// collaborator call. Reporting and billing read it; the engine never does.
type UsageRecord struct {
	ID               string    `gorm:"primaryKey;size:64" json:"id"`
	SessionID        string    `gorm:"index;size:64" json:"session_id"`
	Model            string    `gorm:"size:64" json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	CostUSD          float64   `json:"cost_usd"`
	CreatedAt        time.Time `json:"created_at"`
}
