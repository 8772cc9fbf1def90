package config

import (
	"strings"

	"gorm.io/gorm"
)

// AppendOnlyGuardPlugin rejects UPDATE and DELETE statements that target any
// of the protected tables, whatever model or map the caller used.
//
// NOTE:
// - This does NOT apply to Raw/Exec SQL. The production DB role for the
//   engine only holds INSERT/SELECT on audit tables.
type AppendOnlyGuardPlugin struct {
	err    error
	tables map[string]struct{}
}

func NewAppendOnlyGuardPlugin(err error, tables ...string) *AppendOnlyGuardPlugin {
	p := &AppendOnlyGuardPlugin{err: err, tables: make(map[string]struct{}, len(tables))}
	for _, t := range tables {
		p.tables[strings.ToLower(t)] = struct{}{}
	}
	return p
}

func (p *AppendOnlyGuardPlugin) Name() string { return "append_only_guard" }

func (p *AppendOnlyGuardPlugin) Initialize(db *gorm.DB) error {
	// Update
	if err := db.Callback().Update().Before("gorm:update").Register("append_only_guard:update", p.guard); err != nil {
		return err
	}
	// Delete
	if err := db.Callback().Delete().Before("gorm:delete").Register("append_only_guard:delete", p.guard); err != nil {
		return err
	}
	return nil
}

func (p *AppendOnlyGuardPlugin) guard(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	table := db.Statement.Table
	if table == "" && db.Statement.Schema != nil {
		table = db.Statement.Schema.Table
	}
	if _, ok := p.tables[strings.ToLower(table)]; ok {
		_ = db.AddError(p.err)
	}
}
