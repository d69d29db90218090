/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"context"
	"fmt"
	"time"
)

func Example() {
	cfg := NewDefaultConfig()
	cfg.DefaultRate = 1
	cfg.DefaultBurst = 2
	cfg.Tuning.Enabled = false

	// A fixed clock keeps the example deterministic.
	now := time.Date(2025, time.March, 5, 12, 0, 0, 0, time.UTC)
	ctrl, err := NewWithOpts(cfg, Opts{TimeNow: func() time.Time { return now }})
	if err != nil {
		fmt.Println(err)
		return
	}

	handler := ctrl.Wrap(HandlerFunc(func(_ context.Context, event Event) (Outcome, error) {
		return Outcome{Value: "processed"}, nil
	}))

	for i := 0; i < 3; i++ {
		outcome, err := handler.Handle(context.Background(), Event{Identity: "user-1", Category: CategoryMessage})
		if err != nil {
			fmt.Println(err)
			return
		}
		if outcome.Rejected {
			fmt.Printf("rejected, retry after %s\n", outcome.RetryAfter)
			continue
		}
		fmt.Println("admitted")
	}

	// Output:
	// admitted
	// admitted
	// rejected, retry after 1s
}
