package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("database handle is required")

// StoreNode is one durable store path and its JSON value.
type StoreNode struct {
	Path            string `gorm:"column:path;primaryKey;size:190;not null"`
	ValueJSON       string `gorm:"column:value_json;type:text;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StoreNode) TableName() string {
	return "store_nodes"
}

// NodeRepositoryConfig describes the dependencies of a NodeRepository.
type NodeRepositoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NodeRepository persists durable store paths in SQLite.
type NodeRepository struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewNodeRepository validates cfg.
func NewNodeRepository(cfg NodeRepositoryConfig) (*NodeRepository, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeRepository{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Load returns every persisted node. Rows holding invalid JSON are skipped.
func (r *NodeRepository) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	var rows []StoreNode
	if err := r.db.WithContext(ctx).Order("path ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	nodes := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		if !json.Valid([]byte(row.ValueJSON)) {
			r.logger.Warn("skipping corrupt store node", zap.String("path", row.Path))
			continue
		}
		nodes[row.Path] = json.RawMessage(row.ValueJSON)
	}
	return nodes, nil
}

// Save upserts the value at path.
func (r *NodeRepository) Save(ctx context.Context, path string, value json.RawMessage) error {
	row := StoreNode{
		Path:            path,
		ValueJSON:       string(value),
		UpdatedAtMillis: r.clock().UTC().UnixMilli(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"value_json", "updated_at_ms"}),
		}).
		Create(&row).Error
}

// Delete removes path. Deleting an absent path is not an error.
func (r *NodeRepository) Delete(ctx context.Context, path string) error {
	return r.db.WithContext(ctx).Where("path = ?", path).Delete(&StoreNode{}).Error
}
