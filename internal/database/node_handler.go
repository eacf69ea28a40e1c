package database

import (
	"context"

	"github.com/Kavis1/enhanced-marzban/internal/domain"

	"gorm.io/gorm"
)

func (s *Store) CreateNode(ctx context.Context, node *domain.Node) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return wrapErr("create node", db.Create(node).Error)
}

// AdblockNodes returns nodes with adblock switched on.
func (s *Store) AdblockNodes(ctx context.Context) ([]domain.Node, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var nodes []domain.Node
	if err := db.Where("adblock_enabled = ?", true).Find(&nodes).Error; err != nil {
		return nil, wrapErr("list adblock nodes", err)
	}
	return nodes, nil
}

func (s *Store) SetNodeAdblock(ctx context.Context, nodeID uint, enabled bool, listIDs domain.IDList) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&domain.Node{}).Where("id = ?", nodeID).Updates(map[string]any{
		"adblock_enabled":  enabled,
		"adblock_list_ids": listIDs,
	})
	if res.Error != nil {
		return wrapErr("set node adblock", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrapErr("set node adblock", gorm.ErrRecordNotFound)
	}
	return nil
}
