package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"
)

func TestClaim_SingleWinnerUnderConcurrency(t *testing.T) {
	service := setupTestDb(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan *store.ClaimResult, workers)
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := service.Claim(ctx, store.ClaimParams{Signature: "sig-1", OrderCode: 17400001234})
			if err != nil {
				errs <- err
				return
			}
			results <- claim
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("Claim failed: %v", err)
	}
	winners := 0
	for claim := range results {
		if claim.Proceed() {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly one winner, got %d", winners)
	}
}

func TestClaim_DuplicateAfterProcessed(t *testing.T) {
	service := setupTestDb(t)
	ctx := context.Background()

	if _, err := service.Claim(ctx, store.ClaimParams{Signature: "sig-2", OrderCode: 1}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := service.MarkProcessed(ctx, "sig-2"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	claim, err := service.Claim(ctx, store.ClaimParams{Signature: "sig-2", OrderCode: 1})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claim.Proceed() {
		t.Error("A processed event must not be claimed again")
	}
	if claim.PriorStatus != models.WebhookEventProcessed {
		t.Errorf("Expected prior status PROCESSED, got %s", claim.PriorStatus)
	}
}

func TestClaim_RetriableFailureIsReclaimed(t *testing.T) {
	service := setupTestDb(t)
	ctx := context.Background()

	if _, err := service.Claim(ctx, store.ClaimParams{Signature: "sig-3", OrderCode: 1}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := service.MarkFailed(ctx, "sig-3", errors.New("movement tracker timeout"), true); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	claim, err := service.Claim(ctx, store.ClaimParams{Signature: "sig-3", OrderCode: 1})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !claim.Reclaimed || claim.PriorStatus != models.WebhookEventFailed {
		t.Errorf("Expected the retriable failure to be reclaimed, got %+v", claim)
	}

	event, err := service.GetWebhookEvent(ctx, "sig-3")
	if err != nil {
		t.Fatalf("GetWebhookEvent failed: %v", err)
	}
	if event.Status != models.WebhookEventRetrying || event.Attempts != 2 {
		t.Errorf("Expected RETRYING after two attempts, got %s after %d", event.Status, event.Attempts)
	}
}

func TestClaim_PermanentFailureIsNotReclaimed(t *testing.T) {
	service := setupTestDb(t)
	ctx := context.Background()

	if _, err := service.Claim(ctx, store.ClaimParams{Signature: "sig-4", OrderCode: 1}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := service.MarkFailed(ctx, "sig-4", errors.New("amount mismatch"), false); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	claim, err := service.Claim(ctx, store.ClaimParams{Signature: "sig-4", OrderCode: 1})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claim.Proceed() {
		t.Error("A permanent failure must not be reclaimed")
	}
}

func TestReclaim_StaleReceived(t *testing.T) {
	service := setupTestDb(t)
	ctx := context.Background()

	if _, err := service.Claim(ctx, store.ClaimParams{Signature: "sig-5", OrderCode: 1}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	ok, err := service.Reclaim(ctx, "sig-5", models.WebhookEventReceived, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if ok {
		t.Error("A fresh event must not be reclaimed")
	}

	stale, err := service.ListStaleWebhookEvents(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ListStaleWebhookEvents failed: %v", err)
	}
	if len(stale) != 1 || stale[0].Signature != "sig-5" {
		t.Fatalf("Expected sig-5 to be stale, got %+v", stale)
	}

	ok, err = service.Reclaim(ctx, "sig-5", models.WebhookEventReceived, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected the stale event to be reclaimed")
	}

	ok, err = service.Reclaim(ctx, "sig-5", models.WebhookEventReceived, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if ok {
		t.Error("A second reclaim from RECEIVED must lose")
	}
}

func TestMarkProcessed_UnknownEvent(t *testing.T) {
	service := setupTestDb(t)

	err := service.MarkProcessed(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
