package progress_test

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/crawlengine/internal/progress"
)

func ExampleHub() {
	var bytes int64
	sink := progress.SinkFunc(func(_ context.Context, batch []progress.Event) error {
		for _, evt := range batch {
			bytes += evt.Bytes
		}
		return nil
	})
	hub := progress.NewHub(progress.HubConfig{MaxBatchEvents: 10, MaxBatchWait: time.Second}, sink)

	hub.Emit(progress.Event{
		RunID:       "run-1",
		TS:          time.Unix(0, 0),
		Stage:       progress.StageFetchDone,
		Site:        "example.com",
		Bytes:       2048,
		StatusClass: progress.ClassifyStatus(200),
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println("bytes recorded:", bytes)
	// Output:
	// bytes recorded: 2048
}
