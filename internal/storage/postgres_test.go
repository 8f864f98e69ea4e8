package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"driftcast/internal/models"
)

// TestPostgresRunnerJobs exercises the Postgres repository against a real
// database. Set DRIFTCAST_TEST_POSTGRES_DSN to run it.
func TestPostgresRunnerJobs(t *testing.T) {
	dsn := os.Getenv("DRIFTCAST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DRIFTCAST_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := NewPostgres(ctx, PostgresConfig{DSN: dsn, ApplicationName: "driftcast-test"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		if closer, ok := repo.(interface{ Close(context.Context) error }); ok {
			_ = closer.Close(context.Background())
		}
	})

	if err := repo.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	job, err := repo.CreateRunnerJob(ctx, models.RunnerJob{Kind: models.RunnerJobKindLiveIngest, VideoID: "itest-video"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.State != models.RunnerJobStatePending {
		t.Fatalf("new job must be pending, got %s", job.State)
	}

	cancelled, err := repo.CancelPendingRunnerJobs(ctx, models.RunnerJobKindLiveIngest)
	if err != nil {
		t.Fatalf("cancel jobs: %v", err)
	}
	if cancelled < 1 {
		t.Fatalf("expected the seeded job to be cancelled, got %d", cancelled)
	}
}
