package asset

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"backend/internal/game"
	"backend/internal/queue"
)

// fakeClient 可编排的生成服务桩
type fakeClient struct {
	submitErr    error
	pollsToDone  int // 轮询多少次后完成
	polls        int
	artifacts    []Artifact
	downloadErrs map[string]error
}

func (f *fakeClient) Submit(ctx context.Context, req game.AssetGenerationRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "job-1", nil
}

func (f *fakeClient) Poll(ctx context.Context, jobID string) (*JobStatus, error) {
	f.polls++
	if f.polls > f.pollsToDone {
		return &JobStatus{Completed: true, Artifacts: f.artifacts}, nil
	}
	return &JobStatus{Completed: false}, nil
}

func (f *fakeClient) Download(ctx context.Context, artifact Artifact) ([]byte, error) {
	if err, ok := f.downloadErrs[artifact.Filename]; ok {
		return nil, err
	}
	return []byte("png-bytes"), nil
}

type fakeAssetStore struct {
	created []*game.GalleryAsset
	err     error
}

func (f *fakeAssetStore) Create(ctx context.Context, asset *game.GalleryAsset) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, asset)
	return nil
}

func testItem() *queue.Item[game.AssetGenerationRequest] {
	return &queue.Item[game.AssetGenerationRequest]{
		ID: "item-1",
		Payload: game.AssetGenerationRequest{
			WorldID:    "w1",
			EntityType: "character",
			EntityID:   "npc-1",
			Prompt:     "a grumpy tavern keeper",
		},
	}
}

func TestPipelinePersistsAllArtifacts(t *testing.T) {
	client := &fakeClient{
		pollsToDone: 2,
		artifacts: []Artifact{
			{Filename: "a.png"},
			{Filename: "b.png"},
		},
	}
	store := &fakeAssetStore{}
	p := NewPipeline(client, store, t.TempDir(), 5*time.Millisecond, time.Second)

	if err := p.Handle(context.Background(), testItem()); err != nil {
		t.Fatalf("流水线应成功: %v", err)
	}

	if len(store.created) != 2 {
		t.Fatalf("每个产出都应入库, got %d", len(store.created))
	}
	if !store.created[0].IsActive || store.created[1].IsActive {
		t.Errorf("只有第一张应默认激活")
	}
	if store.created[0].WorldID != "w1" || store.created[0].EntityID != "npc-1" {
		t.Errorf("素材记录应带实体信息: %+v", store.created[0])
	}
}

func TestPipelineFailsOnSubmitError(t *testing.T) {
	client := &fakeClient{submitErr: errors.New("service unavailable")}
	p := NewPipeline(client, &fakeAssetStore{}, t.TempDir(), 5*time.Millisecond, time.Second)

	err := p.Handle(context.Background(), testItem())
	if err == nil || !strings.Contains(err.Error(), "submission failed") {
		t.Errorf("提交失败应立即终止并带原因, got %v", err)
	}
}

func TestPipelineFailsOnTimeout(t *testing.T) {
	// 永不完成的任务
	client := &fakeClient{pollsToDone: 1 << 30}
	p := NewPipeline(client, &fakeAssetStore{}, t.TempDir(), 5*time.Millisecond, 40*time.Millisecond)

	err := p.Handle(context.Background(), testItem())
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("超时应以 timeout 原因失败, got %v", err)
	}
}

func TestPipelineFailsWhenNothingPersisted(t *testing.T) {
	t.Run("零产出", func(t *testing.T) {
		client := &fakeClient{pollsToDone: 0, artifacts: nil}
		p := NewPipeline(client, &fakeAssetStore{}, t.TempDir(), 5*time.Millisecond, time.Second)

		err := p.Handle(context.Background(), testItem())
		if err == nil || !strings.Contains(err.Error(), "no artifacts produced") {
			t.Errorf("零产出应失败, got %v", err)
		}
	})

	t.Run("全部下载失败", func(t *testing.T) {
		client := &fakeClient{
			pollsToDone:  0,
			artifacts:    []Artifact{{Filename: "a.png"}},
			downloadErrs: map[string]error{"a.png": errors.New("404")},
		}
		p := NewPipeline(client, &fakeAssetStore{}, t.TempDir(), 5*time.Millisecond, time.Second)

		err := p.Handle(context.Background(), testItem())
		if err == nil || !strings.Contains(err.Error(), "no artifacts produced") {
			t.Errorf("没有任何产出落地时应失败, got %v", err)
		}
	})
}

func TestPipelineIsolatesPartialDownloadFailure(t *testing.T) {
	client := &fakeClient{
		pollsToDone: 0,
		artifacts: []Artifact{
			{Filename: "bad.png"},
			{Filename: "good.png"},
		},
		downloadErrs: map[string]error{"bad.png": errors.New("corrupt")},
	}
	store := &fakeAssetStore{}
	p := NewPipeline(client, store, t.TempDir(), 5*time.Millisecond, time.Second)

	if err := p.Handle(context.Background(), testItem()); err != nil {
		t.Fatalf("有一张落地就算成功: %v", err)
	}
	if len(store.created) != 1 || !store.created[0].IsActive {
		t.Errorf("落地的那张应入库并激活, got %d", len(store.created))
	}
}

func TestPipelineRespectsCancellation(t *testing.T) {
	client := &fakeClient{pollsToDone: 1 << 30}
	p := NewPipeline(client, &fakeAssetStore{}, t.TempDir(), 10*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Handle(ctx, testItem()) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("取消应让流水线尽快退出, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("取消后流水线没有及时返回")
	}
}
