package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound 实体不存在
var ErrNotFound = errors.New("record not found")

// CharacterRepository 角色仓储
type CharacterRepository struct {
	db *gorm.DB
}

// NewCharacterRepository 创建角色仓储
func NewCharacterRepository(db *gorm.DB) *CharacterRepository {
	return &CharacterRepository{db: db}
}

// Create 创建角色
func (r *CharacterRepository) Create(ctx context.Context, c *Character) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("创建角色失败: %w", err)
	}
	return nil
}

// Get 按 ID 查询角色
func (r *CharacterRepository) Get(ctx context.Context, id string) (*Character, error) {
	var c Character
	err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询角色失败: %w", err)
	}
	return &c, nil
}

// UpdateMood 更新角色情绪
func (r *CharacterRepository) UpdateMood(ctx context.Context, id, mood string) error {
	res := r.db.WithContext(ctx).Model(&Character{}).
		Where("id = ?", id).
		Updates(map[string]any{"mood": mood, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("更新情绪失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStat 设置角色属性值。属性存在 Stats JSON 里，
// 读改写在一个事务里做，避免并发工具覆盖彼此的修改。
func (r *CharacterRepository) UpdateStat(ctx context.Context, id, stat string, value float64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c Character
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("查询角色失败: %w", err)
		}
		if c.Stats == nil {
			c.Stats = map[string]any{}
		}
		c.Stats[stat] = value
		return tx.Model(&Character{}).Where("id = ?", id).
			Updates(map[string]any{"stats": c.Stats, "updated_at": time.Now().UTC()}).Error
	})
}

// ItemRepository 物品仓储
type ItemRepository struct {
	db *gorm.DB
}

// NewItemRepository 创建物品仓储
func NewItemRepository(db *gorm.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

// Create 创建物品（give_item 直接发新物品给接收者）
func (r *ItemRepository) Create(ctx context.Context, item *Item) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Quantity <= 0 {
		item.Quantity = 1
	}
	if err := r.db.WithContext(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("创建物品失败: %w", err)
	}
	return nil
}

// Get 按 ID 查询物品
func (r *ItemRepository) Get(ctx context.Context, id string) (*Item, error) {
	var item Item
	err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询物品失败: %w", err)
	}
	return &item, nil
}

// Transfer 转移物品归属
func (r *ItemRepository) Transfer(ctx context.Context, itemID, ownerID string) error {
	res := r.db.WithContext(ctx).Model(&Item{}).
		Where("id = ?", itemID).
		Updates(map[string]any{"owner_id": ownerID, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("转移物品失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner 列出角色持有的物品
func (r *ItemRepository) ListByOwner(ctx context.Context, ownerID string) ([]Item, error) {
	var items []Item
	if err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("查询物品失败: %w", err)
	}
	return items, nil
}

// RelationshipRepository 关系仓储
type RelationshipRepository struct {
	db *gorm.DB
}

// NewRelationshipRepository 创建关系仓储
func NewRelationshipRepository(db *gorm.DB) *RelationshipRepository {
	return &RelationshipRepository{db: db}
}

// Get 查询有向关系
func (r *RelationshipRepository) Get(ctx context.Context, fromID, toID string) (*Relationship, error) {
	var rel Relationship
	err := r.db.WithContext(ctx).
		First(&rel, "from_character_id = ? AND to_character_id = ?", fromID, toID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询关系失败: %w", err)
	}
	return &rel, nil
}

// AdjustValue 调整好感度，关系不存在时以 delta 为初值创建
func (r *RelationshipRepository) AdjustValue(ctx context.Context, worldID, fromID, toID string, delta int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rel Relationship
		err := tx.First(&rel, "from_character_id = ? AND to_character_id = ?", fromID, toID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rel = Relationship{
				ID:              uuid.New().String(),
				WorldID:         worldID,
				FromCharacterID: fromID,
				ToCharacterID:   toID,
				Value:           delta,
			}
			return tx.Create(&rel).Error
		case err != nil:
			return fmt.Errorf("查询关系失败: %w", err)
		}
		return tx.Model(&rel).
			Updates(map[string]any{"value": rel.Value + delta, "updated_at": time.Now().UTC()}).Error
	})
}

// SetDisposition 设置态度档位，关系不存在时创建
func (r *RelationshipRepository) SetDisposition(ctx context.Context, worldID, fromID, toID, disposition string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rel Relationship
		err := tx.First(&rel, "from_character_id = ? AND to_character_id = ?", fromID, toID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rel = Relationship{
				ID:              uuid.New().String(),
				WorldID:         worldID,
				FromCharacterID: fromID,
				ToCharacterID:   toID,
				Disposition:     disposition,
			}
			return tx.Create(&rel).Error
		case err != nil:
			return fmt.Errorf("查询关系失败: %w", err)
		}
		return tx.Model(&rel).
			Updates(map[string]any{"disposition": disposition, "updated_at": time.Now().UTC()}).Error
	})
}

// AssetRepository 素材仓储
type AssetRepository struct {
	db *gorm.DB
}

// NewAssetRepository 创建素材仓储
func NewAssetRepository(db *gorm.DB) *AssetRepository {
	return &AssetRepository{db: db}
}

// Create 入库一条素材记录。标记 IsActive 时先把同实体的
// 其它素材取消激活，保证每个实体最多一张展示图。
func (r *AssetRepository) Create(ctx context.Context, asset *GalleryAsset) error {
	if asset.ID == "" {
		asset.ID = uuid.New().String()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if asset.IsActive {
			if err := tx.Model(&GalleryAsset{}).
				Where("entity_type = ? AND entity_id = ?", asset.EntityType, asset.EntityID).
				Update("is_active", false).Error; err != nil {
				return fmt.Errorf("重置激活素材失败: %w", err)
			}
		}
		if err := tx.Create(asset).Error; err != nil {
			return fmt.Errorf("创建素材记录失败: %w", err)
		}
		return nil
	})
}

// ListByEntity 列出实体的素材，新的在前
func (r *AssetRepository) ListByEntity(ctx context.Context, entityType, entityID string) ([]GalleryAsset, error) {
	var assets []GalleryAsset
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at DESC").
		Find(&assets).Error
	if err != nil {
		return nil, fmt.Errorf("查询素材失败: %w", err)
	}
	return assets, nil
}
