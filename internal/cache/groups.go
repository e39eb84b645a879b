package cache

// Cache-key groups used by the dashboard's queries.
const (
	GroupOrders      = "orders"
	GroupOrderDetail = "order-detail"
	GroupDashboard   = "dashboard"
	GroupCustomers   = "customers"
	GroupProducts    = "products"
	GroupInventory   = "inventory"
	GroupSettings    = "settings"
)
