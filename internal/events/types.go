package events

import "time"

// Event types shared by every service.
const (
	TypeUserCreated       = "user.created"
	TypeUserUpdated       = "user.updated"
	TypeUserDeactivated   = "user.deactivated"
	TypeUserRolesChanged  = "user.roles.changed"
	TypeAuthAttempt       = "auth.attempt"
	TypeTenantCreated     = "tenant.created"
	TypeTenantActivated   = "tenant.activated"
	TypeTenantDeactivated = "tenant.deactivated"
	TypeTenantPlanChanged = "tenant.plan.changed"
	TypeStaffAssigned     = "staff.assigned"
	TypeStaffUnassigned   = "staff.unassigned"
	TypeStockChanged      = "stock.changed"
	TypeExpenseRecorded   = "expense.recorded"
)

// Subject types.
const (
	SubjectUser       = "user"
	SubjectTenant     = "tenant"
	SubjectAssignment = "staff_assignment"
	SubjectStock      = "product_stock"
	SubjectExpense    = "expense"
)

// Stock actions.
const (
	StockIncrease = "INCREASE"
	StockDecrease = "DECREASE"
	StockSet      = "SET"
)

// Topics group event types on the broker. Keys are subject ids so per-subject
// ordering holds within a partition.
const (
	TopicUsers    = "identity.users"
	TopicTenants  = "identity.tenants"
	TopicAuth     = "identity.auth"
	TopicStaff    = "outlet.staff"
	TopicStock    = "product.stock"
	TopicExpenses = "expense.records"
)

var topicByType = map[string]string{
	TypeUserCreated:       TopicUsers,
	TypeUserUpdated:       TopicUsers,
	TypeUserDeactivated:   TopicUsers,
	TypeUserRolesChanged:  TopicUsers,
	TypeAuthAttempt:       TopicAuth,
	TypeTenantCreated:     TopicTenants,
	TypeTenantActivated:   TopicTenants,
	TypeTenantDeactivated: TopicTenants,
	TypeTenantPlanChanged: TopicTenants,
	TypeStaffAssigned:     TopicStaff,
	TypeStaffUnassigned:   TopicStaff,
	TypeStockChanged:      TopicStock,
	TypeExpenseRecorded:   TopicExpenses,
}

// TopicFor maps an event type to its broker topic. Unmapped types use the type
// itself as topic name.
func TopicFor(eventType string) string {
	if topic, ok := topicByType[eventType]; ok {
		return topic
	}
	return eventType
}

// Topics returns the distinct topics carrying the given event types.
func Topics(eventTypes ...string) []string {
	seen := make(map[string]struct{}, len(eventTypes))
	var out []string
	for _, typ := range eventTypes {
		topic := TopicFor(typ)
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, topic)
	}
	return out
}

// UserPayload is the snapshot carried by user lifecycle events.
type UserPayload struct {
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name,omitempty"`
	Active    bool      `json:"active"`
	Roles     []string  `json:"roles"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RolesChangedPayload describes a role grant or revocation.
type RolesChangedPayload struct {
	UserID  string   `json:"user_id"`
	Role    string   `json:"role"`
	Granted bool     `json:"granted"`
	Roles   []string `json:"roles"`
}

// AuthAttemptPayload records the outcome of a credential exchange.
type AuthAttemptPayload struct {
	Login   string `json:"login"`
	UserID  string `json:"user_id,omitempty"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Method  string `json:"method"`
}

// TenantPayload is the tenant snapshot.
type TenantPayload struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Plan     string `json:"plan"`
}

// StaffPayload is the assignment snapshot after the change.
type StaffPayload struct {
	OutletID string `json:"outlet_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	Status   string `json:"status"`
}

// StockPayload carries the quantities around a stock change.
type StockPayload struct {
	ProductID string `json:"product_id"`
	OutletID  string `json:"outlet_id"`
	Delta     int64  `json:"delta"`
	Before    int64  `json:"before"`
	After     int64  `json:"after"`
	Reason    string `json:"reason,omitempty"`
}

// ExpensePayload describes a recorded expense in minor currency units.
type ExpensePayload struct {
	ExpenseID string `json:"expense_id"`
	OutletID  string `json:"outlet_id"`
	Category  string `json:"category"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Note      string `json:"note,omitempty"`
}
