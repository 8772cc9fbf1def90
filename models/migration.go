package models

import (
	"log"

	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/utils"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := Migrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&SupplierConfig{},
		&ReconciliationRun{},
		&TransactionMatch{},
		&AuditEvent{}, &AuditChainHead{},
		&AlertOutbox{},
		&DeliveryWindow{},
		&PlatformTransaction{},
	); err != nil {
		return err
	}
	return EnsureAuditChainHead(db, AuditStreamGlobal)
}

// EnsureAuditChainHead seeds the head row so appends can always lock it.
func EnsureAuditChainHead(db *gorm.DB, stream string) error {
	head := AuditChainHead{Stream: stream}
	return db.Where(AuditChainHead{Stream: stream}).FirstOrCreate(&head).Error
}

// InstallGuards registers the ORM-level append-only guard for audit rows.
func InstallGuards(db *gorm.DB) error {
	return db.Use(config.NewAppendOnlyGuardPlugin(utils.ErrAuditImmutable, "audit_events"))
}
