package api

import (
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/occurrence"
)

func validateContactHook(req ContactHookRequest) error {
	if req.ID == "" {
		return fmt.Errorf("id is required")
	}
	if _, err := uuid.Parse(req.ID); err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}

	// A delete notification only needs the id.
	if req.Deleted {
		return nil
	}

	if req.FullName == "" {
		return fmt.Errorf("full_name is required")
	}
	if err := validateEmail(req.Email); err != nil {
		return fmt.Errorf("invalid email: %w", err)
	}

	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if err := validateTimezone(tz); err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	if len(req.Events) == 0 {
		return fmt.Errorf("at least one event is required")
	}
	seen := make(map[string]bool, len(req.Events))
	for _, ev := range req.Events {
		if err := validateEventType(ev.Type); err != nil {
			return err
		}
		if seen[ev.Type] {
			return fmt.Errorf("duplicate event type %q", ev.Type)
		}
		seen[ev.Type] = true

		if err := occurrence.ValidateDate(time.Month(ev.Month), ev.Day); err != nil {
			return fmt.Errorf("invalid %s date: %w", ev.Type, err)
		}
	}

	return nil
}

func validateEventType(t string) error {
	switch domain.EventType(t) {
	case domain.EventTypeBirthday, domain.EventTypeAnniversary:
		return nil
	}
	return fmt.Errorf("unknown event type %q", t)
}

func validateEmail(addr string) error {
	if addr == "" {
		return fmt.Errorf("email is required")
	}
	_, err := mail.ParseAddress(addr)
	return err
}

func validateTimezone(tz string) error {
	_, err := time.LoadLocation(tz)
	return err
}
