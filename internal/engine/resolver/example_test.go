package resolver_test

import (
	"fmt"
	"time"

	"github.com/fieldops/fieldsync/internal/engine/resolver"
	"github.com/fieldops/fieldsync/internal/schema"
)

// The later version wins. A partial remote record only overrides the keys it
// carried; the rest come from the other version.
func ExampleMerge() {
	local := schema.Task{
		ID:        "t-1",
		Title:     "Replace filter",
		Date:      "2024-03-01",
		UpdatedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	remote := schema.Task{
		ID:        "t-1",
		Title:     "Replace filter and belt",
		UpdatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Fields:    schema.NewFieldSet("id", "title", "updated_at"),
	}

	merged, winner := resolver.Merge(local, remote)
	fmt.Println(winner)
	fmt.Println(merged.Title)
	fmt.Println(merged.Date)
	// Output:
	// remote
	// Replace filter and belt
	// 2024-03-01
}
