package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns prefix_<uuid>. Version 7 UUIDs are time ordered, so ids with
// the same prefix sort by creation time.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s_%s", prefix, id.String())
}
