package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/settlement/internal/actorcontext"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	auditrepo "github.com/smallbiznis/settlement/internal/audit/repository"
	auditservice "github.com/smallbiznis/settlement/internal/audit/service"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupAuditService(t *testing.T) (auditdomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&auditdomain.AuditLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(13)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	svc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  auditrepo.Provide(),
	})
	return svc, db, clk
}

func TestRecordPersistsContextFields(t *testing.T) {
	svc, db, _ := setupAuditService(t)

	ctx := actorcontext.WithActorID(context.Background(), "ops@example.com")
	ctx = actorcontext.WithRequestID(ctx, "req-123")
	ctx = actorcontext.WithIPAddress(ctx, "10.0.0.9")
	ctx = actorcontext.WithUserAgent(ctx, "curl/8.4")

	err := svc.Record(ctx, "payment.recorded", "payment", "42", "", map[string]any{
		"amount": int64(1_000),
	})
	require.NoError(t, err)

	var entry auditdomain.AuditLog
	require.NoError(t, db.First(&entry).Error)
	require.Equal(t, "payment.recorded", entry.Action)
	require.Equal(t, "payment", entry.TargetType)
	require.NotNil(t, entry.TargetID)
	require.Equal(t, "42", *entry.TargetID)
	require.NotNil(t, entry.ActorID)
	require.Equal(t, "ops@example.com", *entry.ActorID)
	require.NotNil(t, entry.IPAddress)
	require.Equal(t, "10.0.0.9", *entry.IPAddress)
	require.Equal(t, "req-123", entry.Metadata["request_id"])
}

func TestRecordRejectsEmptyAction(t *testing.T) {
	svc, _, _ := setupAuditService(t)

	err := svc.Record(context.Background(), "  ", "payment", "1", "", nil)
	require.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListPagesNewestFirst(t *testing.T) {
	svc, _, clk := setupAuditService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(ctx, "credit_note.issued", "credit_note", fmt.Sprintf("%d", i), "ops", nil))
		clk.Advance(time.Minute)
	}

	first, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2},
	})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	require.True(t, first.HasMore)
	require.Equal(t, "4", *first.AuditLogs[0].TargetID)
	require.Equal(t, "3", *first.AuditLogs[1].TargetID)

	second, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 2)
	require.Equal(t, "2", *second.AuditLogs[0].TargetID)
	require.Equal(t, "1", *second.AuditLogs[1].TargetID)
}

func TestListRejectsBadToken(t *testing.T) {
	svc, _, _ := setupAuditService(t)

	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageToken: "not-base64!!"},
	})
	require.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}

func TestListRejectsInvertedRange(t *testing.T) {
	svc, _, clk := setupAuditService(t)

	start := clk.Now()
	end := start.Add(-time.Hour)
	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{
		StartAt: &start,
		EndAt:   &end,
	})
	require.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}
