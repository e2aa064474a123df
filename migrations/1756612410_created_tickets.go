package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("tickets")

		collection.Fields.Add(
			&core.TextField{Name: "number", Required: true},
			&core.TextField{Name: "order_id", Required: true},
			&core.TextField{Name: "user_id", Required: true},
			&core.TextField{Name: "ticket_type_id", Required: true},
			&core.TextField{Name: "allocation_id", Required: true},
			&core.TextField{Name: "unit_price", Required: true},
			&core.SelectField{
				Name:      "status",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"reserved", "paid", "expired", "cancelled", "checked_in"},
			},
			&core.TextField{Name: "checkin_hash", Required: true},
			&core.TextField{Name: "payment_ref"},
			&core.TextField{Name: "created", Required: true},
			&core.TextField{Name: "paid_at"},
			&core.TextField{Name: "checked_in_at"},
		)

		collection.AddIndex("idx_tickets_number", true, "number", "")
		collection.AddIndex("idx_tickets_order", false, "order_id", "")
		collection.AddIndex("idx_tickets_status_created", false, "status, created", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("tickets")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
