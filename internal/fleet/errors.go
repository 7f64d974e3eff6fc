package fleet

import "github.com/armada-fleet/corectl/internal/errkind"

func invalid(field, message string) error {
	return &errkind.InvalidInput{Field: field, Message: message}
}
