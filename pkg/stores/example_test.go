package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kkurt/erwin-addin-sub001/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_RecordRun demonstrates storing a run with its step outcomes.
func ExampleSQLiteStore_RecordRun() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	now := time.Now()
	winner := "begin-named-transaction"
	rec := &stores.RunRecord{
		Run: &stores.Run{
			ID:             "run-001",
			Locator:        "models/erd.yaml",
			Provider:       "modelfile",
			TargetKind:     "Entity",
			AttributeName:  "Name",
			AttributeValue: "CUSTOMER",
			Status:         stores.RunStatusSucceeded,
			Created:        true,
			NameApplied:    true,
			Committed:      true,
			Persisted:      true,
			SessionClosed:  true,
			Summary:        "Entity 'CUSTOMER' created, named, committed and saved",
			StartedAt:      now,
			CompletedAt:    now,
		},
		Steps: []*stores.StepOutcome{
			{Seq: 0, Step: "begin", Attempted: `["begin-named-transaction"]`, Succeeded: &winner},
		},
	}

	if err := store.RecordRun(ctx, rec); err != nil {
		log.Fatal(err)
	}

	run, err := store.GetRun(ctx, "run-001")
	if err != nil {
		log.Fatal(err)
	}
	steps, _ := store.ListStepOutcomes(ctx, run.ID)

	fmt.Printf("%s: %s (%d step)\n", run.ID, run.Status, len(steps))
	// Output: run-001: succeeded (1 step)
}

// ExampleSQLiteStore_ListRuns demonstrates filtering the run history.
func ExampleSQLiteStore_ListRuns() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	now := time.Now()
	for i, status := range []stores.RunStatus{stores.RunStatusSucceeded, stores.RunStatusFailed} {
		_ = store.CreateRun(ctx, &stores.Run{
			ID:             fmt.Sprintf("run-%03d", i+1),
			Locator:        "models/erd.yaml",
			TargetKind:     "Entity",
			AttributeName:  "Name",
			AttributeValue: "CUSTOMER",
			Status:         status,
			StartedAt:      now.Add(time.Duration(i) * time.Second),
			CompletedAt:    now.Add(time.Duration(i) * time.Second),
		})
	}

	failed := stores.RunStatusFailed
	runs, err := store.ListRuns(ctx, stores.RunFilter{Status: &failed}, 10, 0)
	if err != nil {
		log.Fatal(err)
	}

	for _, run := range runs {
		fmt.Println(run.ID, run.Status)
	}
	// Output: run-002 failed
}
