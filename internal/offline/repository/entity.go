package repository

import (
	"fmt"
	"strings"

	"github.com/thisai/crmsync/internal/offline/schema"
)

// Entity describes one business entity type.
type Entity struct {
	// Store is the local store name.
	Store string
	// Prefix tags locally minted IDs, e.g. "expense" in expense_<ts>_<rand>.
	Prefix string
	// Collection is the remote collection name.
	Collection string
	// RecencyField is the business timestamp read-all sorts by, newest first.
	RecencyField string
	// Required lists business fields a create must carry.
	Required []string
}

var (
	Items = Entity{
		Store:        schema.StoreItems,
		Prefix:       "item",
		Collection:   "items",
		RecencyField: "createdAt",
		Required:     []string{"name"},
	}
	Parties = Entity{
		Store:        schema.StoreParties,
		Prefix:       "party",
		Collection:   "parties",
		RecencyField: "createdAt",
	}
	Invoices = Entity{
		Store:        schema.StoreInvoices,
		Prefix:       "invoice",
		Collection:   "invoices",
		RecencyField: "invoiceDate",
	}
	Expenses = Entity{
		Store:        schema.StoreExpenses,
		Prefix:       "expense",
		Collection:   "expenses",
		RecencyField: "date",
		Required:     []string{"category", "amount"},
	}
	Quotations = Entity{
		Store:        schema.StoreQuotations,
		Prefix:       "quotation",
		Collection:   "quotations",
		RecencyField: "quotationDate",
	}
	Payments = Entity{
		Store:        schema.StorePayments,
		Prefix:       "payment",
		Collection:   "payments",
		RecencyField: "paymentDate",
		Required:     []string{"amount"},
	}
	DeliveryChallans = Entity{
		Store:        schema.StoreDeliveryChallans,
		Prefix:       "challan",
		Collection:   "delivery_challans",
		RecencyField: "challanDate",
	}
)

// Entities returns every entity in store order.
func Entities() []Entity {
	return []Entity{Items, Parties, Invoices, Expenses, Quotations, Payments, DeliveryChallans}
}

// Lookup finds the entity for a store name.
func Lookup(store string) (Entity, error) {
	for _, e := range Entities() {
		if e.Store == store {
			return e, nil
		}
	}
	return Entity{}, fmt.Errorf("%w: %q", schema.ErrUnknownStore, store)
}

// Validate checks that fields carries every required field.
func (e Entity) Validate(fields map[string]any) error {
	var missing []string
	for _, f := range e.Required {
		v, ok := fields[f]
		if !ok || v == nil {
			missing = append(missing, f)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %s", schema.ErrInvalidRecord, e.Prefix, strings.Join(missing, ", "))
	}
	return nil
}
