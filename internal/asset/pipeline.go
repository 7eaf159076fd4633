package asset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"backend/internal/game"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/queue"
)

type assetStore interface {
	Create(ctx context.Context, asset *game.GalleryAsset) error
}

// Pipeline 素材生成流水线：提交 -> 轮询 -> 下载 -> 入库。
// 作为素材队列 worker 的处理回调运行，每一步的失败都是
// 该任务的终态（带具体原因），不影响其它任务和 worker 循环。
type Pipeline struct {
	client       Client
	assets       assetStore
	outputDir    string
	pollInterval time.Duration
	timeout      time.Duration
	log          *zap.Logger
}

// NewPipeline 创建流水线。pollInterval/timeout 来自素材配置。
func NewPipeline(client Client, assets assetStore, outputDir string, pollInterval, timeout time.Duration) *Pipeline {
	return &Pipeline{
		client:       client,
		assets:       assets,
		outputDir:    outputDir,
		pollInterval: pollInterval,
		timeout:      timeout,
		log:          logger.Get().Named("asset"),
	}
}

// Handle 处理一个生成任务，签名即 worker 的处理回调
func (p *Pipeline) Handle(ctx context.Context, item *queue.Item[game.AssetGenerationRequest]) error {
	req := item.Payload
	log := p.log.With(zap.String("item_id", item.ID),
		zap.String("entity_type", req.EntityType), zap.String("entity_id", req.EntityID))

	// 1. 提交
	jobID, err := p.client.Submit(ctx, req)
	if err != nil {
		metrics.AssetJobsCompleted.WithLabelValues("submit_error").Inc()
		return fmt.Errorf("submission failed: %w", err)
	}
	log.Info("生成任务已提交", zap.String("job_id", jobID))

	// 2. 轮询直到完成 / 超时 / 取消
	status, err := p.waitForCompletion(ctx, jobID)
	if err != nil {
		metrics.AssetJobsCompleted.WithLabelValues("timeout").Inc()
		return err
	}

	// 3. 下载全部产出并入库，第一张默认激活
	persisted := 0
	for i, artifact := range status.Artifacts {
		data, err := p.client.Download(ctx, artifact)
		if err != nil {
			log.Warn("下载产出失败，跳过", zap.String("filename", artifact.Filename), zap.Error(err))
			continue
		}

		path, err := p.saveFile(req, i, data)
		if err != nil {
			log.Warn("写产出文件失败，跳过", zap.Error(err))
			continue
		}

		asset := &game.GalleryAsset{
			WorldID:    req.WorldID,
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			FilePath:   path,
			Prompt:     req.Prompt,
			IsActive:   persisted == 0,
			CreatedAt:  time.Now().UTC(),
		}
		if err := p.assets.Create(ctx, asset); err != nil {
			log.Warn("素材入库失败，跳过", zap.Error(err))
			continue
		}
		persisted++
	}

	// 4. 一张都没落下来就算失败
	if persisted == 0 {
		metrics.AssetJobsCompleted.WithLabelValues("no_artifacts").Inc()
		return fmt.Errorf("no artifacts produced")
	}

	metrics.AssetJobsCompleted.WithLabelValues("ok").Inc()
	log.Info("素材生成完成", zap.Int("persisted", persisted))
	return nil
}

// waitForCompletion 固定间隔轮询，超时或取消即失败
func (p *Pipeline) waitForCompletion(ctx context.Context, jobID string) (*JobStatus, error) {
	deadline := time.Now().Add(p.timeout)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		status, err := p.client.Poll(ctx, jobID)
		if err != nil {
			p.log.Warn("轮询失败，下个周期重试", zap.String("job_id", jobID), zap.Error(err))
		} else if status.Completed {
			return status, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("generation timed out after %s", p.timeout)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pipeline) saveFile(req game.AssetGenerationRequest, index int, data []byte) (string, error) {
	dir := filepath.Join(p.outputDir, req.WorldID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建素材目录失败: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s_%d_%d.png", req.EntityType, req.EntityID, time.Now().UnixNano(), index))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("写素材文件失败: %w", err)
	}
	return path, nil
}
