package users

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:gravity_users_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveProfileStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t)
	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		UserAvatarURL:   "https://example.com/avatar.png",
	}
	profile, err := service.ResolveProfile(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if profile.UserID != "12345" || profile.DisplayName != "Example User" || profile.AvatarURL != "https://example.com/avatar.png" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	// second call should hit cache and not create a duplicate record.
	if _, err := service.ResolveProfile(context.Background(), claims); err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single identity, got %d", count)
	}
}

func TestResolveProfileKeepsStoredFieldsWhenClaimsOmitThem(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	if _, err := service.ResolveProfile(ctx, auth.SessionClaims{UserID: "user-7", UserDisplayName: "Grace"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	service.cache.Clear()

	profile, err := service.ResolveProfile(ctx, auth.SessionClaims{UserID: "user-7"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if profile.DisplayName != "Grace" {
		t.Fatalf("expected stored display name, got %q", profile.DisplayName)
	}

	renamed, err := service.ResolveProfile(ctx, auth.SessionClaims{UserID: "user-7", UserDisplayName: "Grace H."})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if renamed.DisplayName != "Grace H." {
		t.Fatalf("expected refreshed display name, got %q", renamed.DisplayName)
	}
}

func TestResolveProfileDefaultsDisplayNameToUserID(t *testing.T) {
	service, _ := newTestService(t)
	profile, err := service.ResolveProfile(context.Background(), auth.SessionClaims{UserID: "anon-1"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if profile.DisplayName != "anon-1" {
		t.Fatalf("expected user id as display name, got %q", profile.DisplayName)
	}
}

func TestResolveProfileRejectsEmptyClaims(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.ResolveProfile(context.Background(), auth.SessionClaims{}); err == nil {
		t.Fatalf("expected invalid identity error")
	}
}
