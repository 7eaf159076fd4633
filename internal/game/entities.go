package game

import (
	"time"

	"gorm.io/datatypes"
)

// 工具执行和素材入库会落到的游戏实体。
// 本模块只持久化队列侧效所需的最小面，世界构建的其余
// 实体图由别的子系统维护。

// Character 角色（NPC 或玩家角色）
type Character struct {
	ID        string            `json:"id" gorm:"primaryKey;size:36"`
	WorldID   string            `json:"world_id" gorm:"size:36;not null;index"`
	Name      string            `json:"name" gorm:"size:255;not null"`
	IsPlayer  bool              `json:"is_player" gorm:"not null;default:false"`
	Mood      string            `json:"mood" gorm:"size:64"`
	Stats     datatypes.JSONMap `json:"stats" gorm:"type:json"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TableName 指定表名
func (Character) TableName() string {
	return "characters"
}

// Item 游戏物品。OwnerID 为空表示无主（掉落在世界里）。
type Item struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	WorldID     string    `json:"world_id" gorm:"size:36;not null;index"`
	Name        string    `json:"name" gorm:"size:255;not null"`
	Description string    `json:"description" gorm:"type:text"`
	OwnerID     *string   `json:"owner_id" gorm:"size:36;index"`
	Quantity    int       `json:"quantity" gorm:"not null;default:1"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Item) TableName() string {
	return "items"
}

// Relationship 角色间的有向关系。Value 是好感度分值，
// Disposition 是 NPC 对对方的态度档位（friendly/neutral/hostile 等）。
type Relationship struct {
	ID              string    `json:"id" gorm:"primaryKey;size:36"`
	WorldID         string    `json:"world_id" gorm:"size:36;not null;index"`
	FromCharacterID string    `json:"from_character_id" gorm:"size:36;not null;uniqueIndex:idx_rel_pair,priority:1"`
	ToCharacterID   string    `json:"to_character_id" gorm:"size:36;not null;uniqueIndex:idx_rel_pair,priority:2"`
	Value           int       `json:"value" gorm:"not null;default:0"`
	Disposition     string    `json:"disposition" gorm:"size:32"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Relationship) TableName() string {
	return "relationships"
}

// GalleryAsset 生成的素材记录。同一实体可以有多张图，
// IsActive 标记当前展示的那张。
type GalleryAsset struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	WorldID    string    `json:"world_id" gorm:"size:36;not null;index"`
	EntityType string    `json:"entity_type" gorm:"size:32;not null;index:idx_asset_entity,priority:1"`
	EntityID   string    `json:"entity_id" gorm:"size:36;not null;index:idx_asset_entity,priority:2"`
	FilePath   string    `json:"file_path" gorm:"size:512;not null"`
	Prompt     string    `json:"prompt" gorm:"type:text"`
	IsActive   bool      `json:"is_active" gorm:"not null;default:false"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName 指定表名
func (GalleryAsset) TableName() string {
	return "gallery_assets"
}

// Entities AutoMigrate 用的实体清单
func Entities() []any {
	return []any{
		&Character{},
		&Item{},
		&Relationship{},
		&GalleryAsset{},
	}
}
