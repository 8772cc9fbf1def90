package models

type Identifier interface {
	GetId() int
}

// interface for dataloader result
type Data interface {
	Identifier
	GetDefault(int) Data
}

func (c SupplierConfig) GetId() int {
	return c.ID
}

// GetDefault stands in for a config that was removed; listings still render.
func (c SupplierConfig) GetDefault(id int) Data {
	return SupplierConfig{
		ID:       id,
		Code:     "",
		Name:     "Unknown supplier",
		IsActive: new(bool),
	}
}

func (r ReconciliationRun) GetReferenceId() int {
	return r.SupplierConfigId
}

// RelatedData is keyed by the id of the row it belongs to.
type RelatedData interface {
	GetReferenceId() int
}
