package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("payment_attempts")

		collection.Fields.Add(
			&core.TextField{Name: "order_id", Required: true},
			&core.TextField{Name: "provider", Required: true},
			&core.TextField{Name: "provider_tx_id"},
			&core.TextField{Name: "amount", Required: true},
			&core.TextField{Name: "currency", Required: true},
			&core.SelectField{
				Name:      "status",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"pending", "confirmed", "failed"},
			},
			&core.TextField{Name: "payload_digest"},
			&core.TextField{Name: "created", Required: true},
			&core.TextField{Name: "updated", Required: true},
		)

		collection.AddIndex("idx_payment_attempts_order", false, "order_id", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("payment_attempts")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
