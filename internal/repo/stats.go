// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries over the
// correlation store used by the status endpoint and by operational metrics.
// Each function is context-aware and safe to call from services or handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/openanalyst/agent-gateway/internal/domain"
)

// StatusCounts returns a status → count mapping over the user's non-expired
// records. Statuses with zero records are absent from the map.
func StatusCounts(ctx context.Context, db *gorm.DB, userID string) (map[domain.Status]int64, error) {
	var rows []struct {
		Status domain.Status
		N      int64
	}
	err := db.WithContext(ctx).
		Model(&domain.PendingResponse{}).
		Scopes(notExpired(time.Now().UTC())).
		Select("status, COUNT(*) AS n").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Status]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// BacklogSize returns the number of non-expired records still waiting for a
// worker (status pending), across all users. Exported for the gauge the
// consumer publishes on each poll cycle.
func BacklogSize(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.PendingResponse{}).
		Scopes(notExpired(time.Now().UTC())).
		Where("status = ?", domain.StatusPending).
		Count(&total).Error
	return total, err
}
