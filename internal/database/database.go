package database

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/roomvoice/groupcall/internal/notify"
	"github.com/roomvoice/groupcall/internal/settings"
)

func Open(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&settings.Setting{},
		&notify.PushSubscription{},
	); err != nil {
		return nil, err
	}

	return db, nil
}
