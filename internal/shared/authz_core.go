package shared

// Inventory and closing permissions.
const (
	PermInventoryView = "inventory.view"
	PermInventoryEdit = "inventory.edit"

	PermClosingRun      = "inventory.closing.run"
	PermClosingRollback = "inventory.closing.rollback"
	PermClosingView     = "inventory.closing.view"
)

// ClosingScopes lists all permissions related to period closing.
func ClosingScopes() []string {
	return []string{
		PermClosingRun,
		PermClosingRollback,
		PermClosingView,
	}
}

// InventoryScopes lists all permissions related to stock movements.
func InventoryScopes() []string {
	return []string{
		PermInventoryView,
		PermInventoryEdit,
	}
}
