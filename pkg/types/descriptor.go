package types

// DatabaseDescriptor identifies a database across the fleet. It is the
// durable identity clients embed in scripts.
type DatabaseDescriptor struct {
	Address      string `json:"address"`
	ProviderID   uint16 `json:"provider_id"`
	DatabaseName string `json:"database_name"`
}

// CollectionDescriptor identifies a collection inside a database.
type CollectionDescriptor struct {
	Database       DatabaseDescriptor `json:"database"`
	CollectionName string             `json:"collection_name"`
}
