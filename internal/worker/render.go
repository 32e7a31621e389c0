package worker

import (
	"fmt"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/delivery"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
)

// Render produces the notification text for one occurrence.
func Render(contact domain.Contact, eventType domain.EventType) delivery.Message {
	switch eventType {
	case domain.EventTypeAnniversary:
		return delivery.Message{
			Subject: "Happy anniversary!",
			Body:    fmt.Sprintf("Hey, %s, happy anniversary!", contact.FullName),
		}
	default:
		return delivery.Message{
			Subject: "Happy birthday!",
			Body:    fmt.Sprintf("Hey, %s, it's your birthday!", contact.FullName),
		}
	}
}
