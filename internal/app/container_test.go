package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/staysync/pkg/config"
	"github.com/felixgeelhaar/staysync/pkg/observability"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		AppEnv:              "test",
		Environment:         config.EnvironmentDev,
		SQLitePath:          filepath.Join(dir, "staysync.db"),
		InboxDir:            filepath.Join(dir, "inbox"),
		FetchConcurrency:    4,
		PropertyConcurrency: 2,
		FetchTimeout:        5 * time.Second,
		FetchMaxAttempts:    1,
		RetryBase:           time.Millisecond,
		RetryMax:            time.Millisecond,
		BreakerFailures:     5,
		BreakerCooldown:     time.Minute,
		ConflictRetries:     3,
		RunTimeout:          time.Minute,
		LockTTL:             time.Minute,
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     10,
		OutboxMaxRetries:    3,
		OutboxRetention:     time.Hour,
	}
}

// TestContainer_LocalSync runs a full pass against a local SQLite store and
// a CSV export dropped in the inbox.
func TestContainer_LocalSync(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.InboxDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.InboxDir, "owner.csv"), []byte(
		"id,property,check-in,check-out,guest\n"+
			"R1,beach-house,2099-06-10,2099-06-12,Ada\n"+
			"R2,cabin,2099-06-15,2099-07-01,Grace\n"), 0o644))

	c, err := NewContainer(ctx, cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	assert.Equal(t, database.DriverSQLite, c.DBDriver)
	assert.Nil(t, c.RedisClient)
	assert.IsType(t, &eventbus.NoopPublisher{}, c.EventPublisher)

	require.NoError(t, c.Store.UpsertSource(ctx, domain.SourceDescriptor{
		ID: "owner-sheet", Tag: "owner-sheet", Format: domain.FormatCSV, Location: "owner.csv", Enabled: true,
	}))

	report, err := c.SyncService(SyncOptions{}).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Succeeded(), report.Errors)
	assert.Equal(t, 2, report.New)
	assert.Equal(t, "dev", report.Environment)

	cabin, err := c.Store.FindActiveByProperty(ctx, "cabin")
	require.NoError(t, err)
	require.Len(t, cabin, 1)
	assert.True(t, cabin[0].Flags.LongTermGuest)

	last, err := c.LastReport(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, report.RunID, last.RunID)
	assert.Equal(t, report.FinishedAt.Unix(), c.LastRun.LastSuccess().Unix())

	msgs, err := c.OutboxRepo.GetUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	health := c.Health.Check(ctx)
	assert.Equal(t, observability.HealthStatusHealthy, health.Status)
}

func TestContainer_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.InboxDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.InboxDir, "owner.csv"), []byte(
		"property,check-in,check-out\nbeach-house,2099-06-10,2099-06-12\n"), 0o644))

	c, err := NewContainer(ctx, cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Store.UpsertSource(ctx, domain.SourceDescriptor{
		ID: "owner-sheet", Tag: "owner-sheet", Format: domain.FormatCSV, Location: "owner.csv", Enabled: true,
	}))

	report, err := c.SyncService(SyncOptions{DryRun: true}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.New)

	active, err := c.Store.FindActiveByProperty(ctx, "beach-house")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestContainer_EnvironmentsUseSeparateStores(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	dev, err := NewContainerFor(ctx, cfg, config.EnvironmentDev, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	prod, err := NewContainerFor(ctx, cfg, config.EnvironmentProd, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { prod.Close() })

	require.NoError(t, dev.Store.UpsertSource(ctx, domain.SourceDescriptor{
		ID: "airbnb-beach", Tag: "airbnb", PropertyRef: "beach-house", Format: domain.FormatICal,
		Location: "https://example.test/a.ics", Enabled: true,
	}))

	devSources, err := dev.Store.ListSources(ctx)
	require.NoError(t, err)
	prodSources, err := prod.Store.ListSources(ctx)
	require.NoError(t, err)
	assert.Len(t, devSources, 1)
	assert.Empty(t, prodSources)

	_, err = os.Stat(filepath.Join(filepath.Dir(cfg.SQLitePath), "staysync-prod.db"))
	assert.NoError(t, err)
}

func TestSQLitePath(t *testing.T) {
	tests := []struct {
		base string
		env  config.Environment
		want string
	}{
		{"/data/staysync.db", config.EnvironmentDev, "/data/staysync.db"},
		{"/data/staysync.db", config.EnvironmentProd, "/data/staysync-prod.db"},
		{":memory:", config.EnvironmentProd, ":memory:"},
		{"/data/store", config.EnvironmentProd, "/data/store-prod"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, sqlitePath(tt.base, tt.env))
		})
	}
}

func TestReportPath(t *testing.T) {
	cfg := &config.Config{SQLitePath: "/data/staysync.db"}
	assert.Equal(t, "/data/reports/prod-last.json", reportPath(cfg, config.EnvironmentProd))

	cfg.SQLitePath = ":memory:"
	assert.Equal(t, "reports/dev-last.json", reportPath(cfg, config.EnvironmentDev))
}
