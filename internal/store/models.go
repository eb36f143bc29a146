package store

import (
	"time"
)

// Item is one replicated text record. Deleted items are kept as tombstones.
type Item struct {
	ID        string `gorm:"primaryKey" json:"id" validate:"required"`
	Text      string `json:"text"`
	UpdatedAt string `gorm:"column:updated_at;index;autoUpdateTime:false" json:"updatedAt" validate:"required"`
	Deleted   bool   `json:"deleted"`
	Author    string `json:"author,omitempty"`
}

// Peer is a mesh member. The same shape travels in peer_list messages and is
// recorded as peer history.
type Peer struct {
	ID          string    `gorm:"primaryKey" json:"id" validate:"required"`
	Nick        string    `json:"nick,omitempty"`
	IsHost      bool      `json:"isHost"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"-"`
}
