package common

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIResponse(t *testing.T) {
	t.Run("成功响应", func(t *testing.T) {
		resp := APIResponse{
			Success: true,
			Message: "Operation successful",
			Data: map[string]string{
				"item_id": "abc",
			},
		}

		assert.True(t, resp.Success)
		assert.Equal(t, "Operation successful", resp.Message)
		assert.NotNil(t, resp.Data)
	})

	t.Run("错误响应", func(t *testing.T) {
		resp := ErrorResponse{
			Success: false,
			Message: "Operation failed",
		}

		assert.False(t, resp.Success)
		assert.Equal(t, "Operation failed", resp.Message)
	})
}

func TestListResponse(t *testing.T) {
	t.Run("带上限的列表", func(t *testing.T) {
		resp := ListResponse{
			Items: []interface{}{
				map[string]string{"id": "1"},
				map[string]string{"id": "2"},
			},
			Count: 2,
			Limit: 50,
		}

		assert.Len(t, resp.Items, 2)
		assert.Equal(t, 2, resp.Count)
		assert.Equal(t, 50, resp.Limit)
	})

	t.Run("limit 为零时省略", func(t *testing.T) {
		data, err := json.Marshal(ListResponse{Items: []string{}, Count: 0})
		assert.NoError(t, err)
		assert.NotContains(t, string(data), "limit")
	})
}
