// Package store 评论与视频元数据的持久化
package store

import (
	"context"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
)

// Store 持久化协作方接口
//
// AddComments 按 (视频, 评论ID) 去重写入;配额已满时写入能容纳的部分,
// 并返回 *models.LimitReachedError,其中携带已写入的部分结果。
type Store interface {
	AddComments(ctx context.Context, batch []models.RawComment) (*models.StoreResult, error)
	SaveItems(ctx context.Context, items []models.ItemMeta) error
	Close() error
}
