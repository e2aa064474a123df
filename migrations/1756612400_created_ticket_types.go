package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("ticket_types")

		collection.Fields.Add(
			&core.TextField{Name: "event_id", Required: true},
			&core.TextField{Name: "name", Required: true, Max: 200},
			// Decimal amounts are stored as text so no float rounding
			// ever touches a price.
			&core.TextField{Name: "price", Required: true},
			&core.NumberField{Name: "capacity", OnlyInt: true, Required: true},
			&core.NumberField{Name: "reserved", OnlyInt: true},
			&core.NumberField{Name: "sold", OnlyInt: true},
			&core.NumberField{Name: "min_per_order", OnlyInt: true},
			&core.NumberField{Name: "max_per_order", OnlyInt: true},
			&core.BoolField{Name: "active"},
			&core.TextField{Name: "sale_start_at"},
			&core.TextField{Name: "sale_end_at"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		collection.AddIndex("idx_ticket_types_event", false, "event_id", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("ticket_types")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
