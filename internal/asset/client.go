package asset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"backend/internal/game"
)

// Artifact 生成服务产出的一个文件
type Artifact struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Kind      string `json:"type"`
}

// JobStatus 生成任务状态
type JobStatus struct {
	Completed bool
	Artifacts []Artifact
}

// Client 外部图像生成服务的抽象：提交 / 轮询 / 下载
type Client interface {
	// Submit 提交生成任务，返回任务 ID
	Submit(ctx context.Context, req game.AssetGenerationRequest) (string, error)

	// Poll 查询任务状态。未完成时 Completed 为 false。
	Poll(ctx context.Context, jobID string) (*JobStatus, error)

	// Download 下载一个产出文件
	Download(ctx context.Context, artifact Artifact) ([]byte, error)
}

// ComfyClient ComfyUI 风格的 HTTP 客户端实现
type ComfyClient struct {
	baseURL string
	http    *http.Client
}

// NewComfyClient 创建客户端。单次 HTTP 调用超时 30 秒，
// 任务级超时由流水线控制。
func NewComfyClient(baseURL string) *ComfyClient {
	return &ComfyClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit 提交工作流，POST /prompt
func (c *ComfyClient) Submit(ctx context.Context, req game.AssetGenerationRequest) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":   req.Prompt,
		"workflow": req.Workflow,
		"width":    req.Width,
		"height":   req.Height,
	})
	if err != nil {
		return "", fmt.Errorf("序列化生成请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("构造提交请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("提交生成任务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("生成服务返回 %d", resp.StatusCode)
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("解析提交响应失败: %w", err)
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("生成服务没有返回任务 ID")
	}
	return result.PromptID, nil
}

// Poll 查询任务，GET /history/{id}。任务出现在 history 里即视为完成。
func (c *ComfyClient) Poll(ctx context.Context, jobID string) (*JobStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("构造轮询请求失败: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("轮询生成任务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("生成服务返回 %d", resp.StatusCode)
	}

	var history map[string]struct {
		Outputs map[string]struct {
			Images []Artifact `json:"images"`
		} `json:"outputs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("解析轮询响应失败: %w", err)
	}

	entry, ok := history[jobID]
	if !ok {
		return &JobStatus{Completed: false}, nil
	}

	status := &JobStatus{Completed: true}
	for _, output := range entry.Outputs {
		status.Artifacts = append(status.Artifacts, output.Images...)
	}
	return status, nil
}

// Download 下载产出文件，GET /view
func (c *ComfyClient) Download(ctx context.Context, artifact Artifact) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", artifact.Filename)
	query.Set("subfolder", artifact.Subfolder)
	query.Set("type", artifact.Kind)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("构造下载请求失败: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("下载产出失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("生成服务返回 %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
