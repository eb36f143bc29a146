package store

import (
	"context"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

func Init(path string) (*gorm.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Vacuum(db); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Item{}, &Peer{}); err != nil {
		return nil, err
	}
	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func Vacuum(db *gorm.DB) error {
	return db.Exec("VACUUM").Error
}

// PutItem stores item under its id, replacing any previous version. Merge
// decisions are made by the caller; this layer only persists.
func PutItem(ctx context.Context, db *gorm.DB, item Item) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&item).Error
}

func GetItem(ctx context.Context, db *gorm.DB, id string) (Item, error) {
	var item Item
	err := db.WithContext(ctx).First(&item, "id = ?", id).Error
	return item, err
}

func GetAllItems(ctx context.Context, db *gorm.DB) ([]Item, error) {
	var items []Item
	result := db.WithContext(ctx).Order("updated_at asc, id asc").Find(&items)
	return items, result.Error
}

func UpsertPeer(db *gorm.DB, peer Peer) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&peer).Error
}

func GetPeers(db *gorm.DB) ([]Peer, error) {
	var peers []Peer
	result := db.Order("last_seen desc").Find(&peers)
	return peers, result.Error
}

// Items adapts a *gorm.DB to the durable store contract used by replication.
type Items struct {
	db *gorm.DB
}

func NewItems(db *gorm.DB) *Items {
	return &Items{db: db}
}

func (s *Items) PutItem(ctx context.Context, item Item) error {
	return PutItem(ctx, s.db, item)
}

func (s *Items) GetAllItems(ctx context.Context) ([]Item, error) {
	return GetAllItems(ctx, s.db)
}

// Peers records mesh members as they are learned.
type Peers struct {
	db *gorm.DB
}

func NewPeers(db *gorm.DB) *Peers {
	return &Peers{db: db}
}

func (s *Peers) RecordPeer(p Peer) error {
	return UpsertPeer(s.db, p)
}

func (s *Peers) History() ([]Peer, error) {
	return GetPeers(s.db)
}
