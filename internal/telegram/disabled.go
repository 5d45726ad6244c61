package telegram

import (
	"context"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
)

// Disabled stands in for a Client when no bot credentials are configured.
// Every send fails permanently, so items stay pending until a bot is set up.
type Disabled struct{}

func (Disabled) Send(ctx context.Context, item models.Item, caption string) (models.DeliveryReceipt, error) {
	return models.DeliveryReceipt{}, permanent(0, "bot token or chat id not configured", nil)
}
