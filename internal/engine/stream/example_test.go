package stream_test

import (
	"fmt"
	"time"

	"github.com/fieldops/fieldsync/internal/engine/stream"
)

func ExampleBackoff() {
	for n := 1; n <= 4; n++ {
		fmt.Println(stream.Backoff(n, time.Second, 3*time.Second))
	}
	// Output:
	// 1s
	// 2s
	// 3s
	// 3s
}
