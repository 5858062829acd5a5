package queue_test

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrymomot/jobkit/pkg/queue"
)

type Greeting struct {
	Name string `json:"name"`
}

func Example() {
	ctx := context.Background()
	store := queue.NewMemoryStorage()

	enqueuer, _ := queue.NewEnqueuer(store)
	id, _ := enqueuer.Enqueue(ctx, Greeting{Name: "Ada"}, queue.WithDedupKey("ada"))
	dup, _ := enqueuer.Enqueue(ctx, Greeting{Name: "Ada"}, queue.WithDedupKey("ada"))
	fmt.Println("deduplicated:", id == dup)

	done := make(chan string, 1)
	worker, _ := queue.NewWorker(store, queue.WithPullInterval(10*time.Millisecond))
	_ = worker.RegisterHandler(queue.NewTaskHandler(func(ctx context.Context, g Greeting, r *queue.Reporter) error {
		done <- "hello, " + g.Name
		return nil
	}))

	_ = worker.Start(ctx)
	fmt.Println(<-done)
	_ = worker.Stop()

	// Output:
	// deduplicated: true
	// hello, Ada
}

func ExampleSubmitBatch() {
	ctx := context.Background()
	store := queue.NewMemoryStorage()
	enqueuer, _ := queue.NewEnqueuer(store)

	ids, _ := queue.SubmitBatch(ctx, enqueuer, "emails.send", []string{"a", "b", "c"}, 2,
		queue.WithPriority(queue.PriorityHigh))

	for _, id := range ids {
		job, _ := store.Get(ctx, id)
		fmt.Println(string(job.Payload), job.Priority)
	}

	// Output:
	// ["a","b"] 75
	// ["c"] 74
}
