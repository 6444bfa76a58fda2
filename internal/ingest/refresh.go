// 包 ingest：地块数据进入索引的两条通道：周期性重建（Refresher）与调查数据导入（ImportHouseholds）
package ingest

import (
	"context"
	"fmt"
	"predios-api/internal/locator"
	"predios-api/internal/logger"
	"predios-api/internal/metrics"
	"predios-api/internal/store"
	"sync"
	"time"
)

// Source：点集来源，由 store.Store 实现
type Source interface {
	Fingerprint(ctx context.Context) (store.Fingerprint, error)
	LoadParcels(ctx context.Context) ([]store.Parcel, error)
}

// 文档注释：索引刷新器
// 背景：索引不支持增量插入删除，点集变化时整体重建新快照。
// 约束：按固定间隔比较指纹（行数 + 最大更新时间），一致则跳过；重建失败时保留旧快照，下个周期重试。
type Refresher struct {
	mu       sync.Mutex
	src      Source
	loc      *locator.Locator
	interval time.Duration
	last     store.Fingerprint
	loaded   bool
}

func NewRefresher(src Source, loc *locator.Locator, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{src: src, loc: loc, interval: interval}
}

// RefreshNow：无条件加载并重建；先取指纹再加载，期间的变更会在下次检查时再触发
// 写接口提交后也调用它，与周期检查互斥执行。
func (r *Refresher) RefreshNow(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked(ctx)
}

func (r *Refresher) refreshLocked(ctx context.Context) error {
	fp, err := r.src.Fingerprint(ctx)
	if err != nil {
		metrics.RefreshTotal.WithLabelValues("error").Inc()
		return err
	}
	ps, err := r.src.LoadParcels(ctx)
	if err != nil {
		metrics.RefreshTotal.WithLabelValues("error").Inc()
		return err
	}
	if _, err := r.loc.Rebuild(ps); err != nil {
		metrics.RefreshTotal.WithLabelValues("error").Inc()
		return err
	}
	r.last, r.loaded = fp, true
	metrics.RefreshTotal.WithLabelValues("rebuilt").Inc()
	return nil
}

// CheckOnce：指纹变化时重建，返回是否发生重建
func (r *Refresher) CheckOnce(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fp, err := r.src.Fingerprint(ctx)
	if err != nil {
		metrics.RefreshTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if r.loaded && fp.Count == r.last.Count && fp.UpdatedAt.Equal(r.last.UpdatedAt) {
		metrics.RefreshTotal.WithLabelValues("unchanged").Inc()
		return false, nil
	}
	logger.L().Info("index_refresh_changed", "count", fp.Count, "updated_at", fp.UpdatedAt)
	if err := r.refreshLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Run：阻塞运行直到 ctx 取消；单次失败只记录日志
func (r *Refresher) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	l := logger.L()
	l.Info("index_refresher_start", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			l.Info("index_refresher_stop")
			return nil
		case <-t.C:
			if _, err := r.CheckOnce(ctx); err != nil {
				l.Error("index_refresh_error", "err", fmt.Errorf("refresh: %w", err))
			}
		}
	}
}
