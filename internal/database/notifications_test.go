package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"forest-credit-settlement/internal/models"
	"forest-credit-settlement/internal/store"
)

func testNotification(userId, dedupeKey string) models.Notification {
	return models.Notification{
		UserId:     userId,
		Type:       "order_paid",
		EntityType: "order",
		EntityId:   "17400001234",
		DedupeKey:  dedupeKey,
		Title:      "Payment received",
		Message:    "Your order is paid",
	}
}

func TestInsertNotification_Dedupe(t *testing.T) {
	service := setupTestDb(t)
	ctx := context.Background()

	first, created, err := service.InsertNotification(ctx, testNotification("buyer-1", "order_paid:order:1:PAID"))
	if err != nil {
		t.Fatalf("InsertNotification failed: %v", err)
	}
	if !created {
		t.Error("Expected first insert to create a row")
	}

	second, created, err := service.InsertNotification(ctx, testNotification("buyer-1", "order_paid:order:1:PAID"))
	if err != nil {
		t.Fatalf("InsertNotification failed: %v", err)
	}
	if created {
		t.Error("Expected duplicate insert to be suppressed")
	}
	if second.Id != first.Id {
		t.Errorf("Expected the existing notification %s, got %s", first.Id, second.Id)
	}

	// Same key for a different user is a different notification.
	if _, created, err = service.InsertNotification(ctx, testNotification("buyer-2", "order_paid:order:1:PAID")); err != nil || !created {
		t.Errorf("Expected a new row for another user, created=%v err=%v", created, err)
	}
}

func TestNotifications_ReadAndArchive(t *testing.T) {
	service := setupTestDb(t)
	ctx := context.Background()

	n, _, err := service.InsertNotification(ctx, testNotification("buyer-1", "k1"))
	if err != nil {
		t.Fatalf("InsertNotification failed: %v", err)
	}
	if _, _, err := service.InsertNotification(ctx, testNotification("buyer-1", "k2")); err != nil {
		t.Fatalf("InsertNotification failed: %v", err)
	}

	if err := service.MarkNotificationRead(ctx, "buyer-2", n.Id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for another user's notification, got %v", err)
	}
	if err := service.MarkNotificationRead(ctx, "buyer-1", n.Id); err != nil {
		t.Fatalf("MarkNotificationRead failed: %v", err)
	}
	if err := service.MarkNotificationRead(ctx, "buyer-1", n.Id); err != nil {
		t.Errorf("Marking read twice should succeed, got %v", err)
	}

	unread, err := service.CountUnreadNotifications(ctx, "buyer-1")
	if err != nil {
		t.Fatalf("CountUnreadNotifications failed: %v", err)
	}
	if unread != 1 {
		t.Errorf("Expected 1 unread, got %d", unread)
	}

	updated, err := service.MarkAllNotificationsRead(ctx, "buyer-1")
	if err != nil {
		t.Fatalf("MarkAllNotificationsRead failed: %v", err)
	}
	if updated != 1 {
		t.Errorf("Expected 1 notification marked read, got %d", updated)
	}

	if err := service.ArchiveNotification(ctx, "buyer-1", n.Id); err != nil {
		t.Fatalf("ArchiveNotification failed: %v", err)
	}

	page, err := service.ListNotifications(ctx, store.ListNotificationsParams{UserId: "buyer-1"})
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 {
		t.Errorf("Expected archived notification to be hidden, got %+v", page)
	}

	page, err = service.ListNotifications(ctx, store.ListNotificationsParams{UserId: "buyer-1", IncludeArchived: true})
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("Expected 2 notifications including archived, got %d", page.Total)
	}
}

func TestListNotifications_Pagination(t *testing.T) {
	service := setupTestDb(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		n := testNotification("buyer-1", fmt.Sprintf("k%d", i))
		n.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, _, err := service.InsertNotification(ctx, n); err != nil {
			t.Fatalf("InsertNotification failed: %v", err)
		}
	}

	page, err := service.ListNotifications(ctx, store.ListNotificationsParams{UserId: "buyer-1", Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if page.Total != 5 || len(page.Items) != 2 {
		t.Fatalf("Expected 2 of 5 items, got %d of %d", len(page.Items), page.Total)
	}
	if page.Items[0].DedupeKey != "k2" {
		t.Errorf("Expected newest-first ordering, got %s first on page 2", page.Items[0].DedupeKey)
	}
	if page.UnreadCount != 5 {
		t.Errorf("Expected 5 unread, got %d", page.UnreadCount)
	}
}
