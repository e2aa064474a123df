package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("refunds")

		collection.Fields.Add(
			&core.TextField{Name: "order_id", Required: true},
			&core.TextField{Name: "attempt_id", Required: true},
			&core.TextField{Name: "amount", Required: true},
			&core.TextField{Name: "reason"},
			&core.TextField{Name: "created"},
		)

		collection.AddIndex("idx_refunds_order", false, "order_id", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("refunds")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
