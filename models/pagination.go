package models

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type PageInfo struct {
	EndCursor   string `json:"endCursor,omitempty"`
	HasNextPage bool   `json:"hasNextPage"`
}

func EncodeCompositeCursor(at time.Time, id string) string {
	cursor := fmt.Sprintf("%s|%s", at.UTC().Format(time.RFC3339Nano), id)
	return base64.StdEncoding.EncodeToString([]byte(cursor))
}

func DecodeCompositeCursor(cursor *string) (time.Time, string, bool) {
	if cursor == nil || *cursor == "" {
		return time.Time{}, "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(*cursor)
	if err != nil {
		return time.Time{}, "", false
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", false
	}
	at, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", false
	}
	return at, parts[1], true
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// FetchRunPage pages newest first. An undecodable cursor restarts from the top.
func FetchRunPage(q *gorm.DB, after *string, limit int) ([]ReconciliationRun, *PageInfo, error) {
	limit = clampLimit(limit)
	if at, id, ok := DecodeCompositeCursor(after); ok {
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", at, at, id)
	}
	var nodes []ReconciliationRun
	if err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&nodes).Error; err != nil {
		return nil, nil, err
	}
	info := &PageInfo{}
	if len(nodes) > limit {
		nodes = nodes[:limit]
		info.HasNextPage = true
	}
	if len(nodes) > 0 {
		last := nodes[len(nodes)-1]
		info.EndCursor = EncodeCompositeCursor(last.CreatedAt, last.ID)
	}
	return nodes, info, nil
}
