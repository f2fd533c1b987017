package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservoir/internal/logger"
	"reservoir/internal/models"
	"reservoir/internal/repository"
	"reservoir/internal/testutil"
)

func TestReconcile(t *testing.T) {
	f, _ := newFixture(t)
	ctx := context.Background()

	f.mustSend(t, `{"latitude":1,"longitude":2}`)
	dangling := f.mustSend(t, `{"latitude":1,"longitude":2}`)
	require.NoError(t, f.files.Remove(ctx, models.ArchiveKey(dangling.ModelID, 1)))

	// an archive with no catalog row
	orphanKey := models.ArchiveKey(77, 1)
	staged, _, err := f.files.Stage(ctx, strings.NewReader("orphan"))
	require.NoError(t, err)
	require.NoError(t, f.files.Publish(ctx, staged, orphanKey))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(f.files.Root(), "77", "1.zip"), past, past))

	// an unreferenced archive too young to be called an orphan
	pendingKey := models.ArchiveKey(78, 1)
	staged, _, err = f.files.Stage(ctx, strings.NewReader("pending"))
	require.NoError(t, err)
	require.NoError(t, f.files.Publish(ctx, staged, pendingKey))

	// an abandoned staged upload
	stale, _, err := f.files.Stage(ctx, strings.NewReader("stale"))
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(filepath.Join(f.files.Root(), filepath.FromSlash(stale)), past, past))

	// a projection that drifted
	require.NoError(t, f.db.Where("1 = 1").Delete(&models.LatestModel{}).Error)

	svc := NewReconcileService(f.db, f.models, f.files, logger.NewNop())

	report, err := svc.Run(ctx, true, DefaultStagingAge)
	require.NoError(t, err)
	assert.Equal(t, []string{orphanKey}, report.Orphans)
	assert.Equal(t, []string{pendingKey}, report.Pending)
	assert.Equal(t, []string{models.ArchiveKey(dangling.ModelID, 1)}, report.Dangling)
	assert.Equal(t, []string{stale}, report.StaleStaged)
	assert.Equal(t, 2, report.Projected)
	assert.Zero(t, f.count(t, &models.LatestModel{}), "dry run must not write")
	_, err = os.Stat(filepath.Join(f.files.Root(), "77", "1.zip"))
	require.NoError(t, err)

	report, err = svc.Run(ctx, false, DefaultStagingAge)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Projected)
	assert.EqualValues(t, 2, f.count(t, &models.LatestModel{}))

	keys, err := f.files.List(ctx)
	require.NoError(t, err)
	assert.NotContains(t, keys, orphanKey)
	assert.Contains(t, keys, pendingKey)
	left, err := f.files.ListStaged(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, left)

	// dangling rows are only reported
	report, err = svc.Run(ctx, false, DefaultStagingAge)
	require.NoError(t, err)
	assert.Empty(t, report.Orphans)
	assert.Len(t, report.Dangling, 1)
}

func TestReconcileKeepsArchiveOfUncommittedUpload(t *testing.T) {
	f, store := newFixture(t)
	ctx := context.Background()

	// The sweep runs on its own connection while the upload transaction that
	// just published the archive is still open.
	reader := testutil.Reopen(t, f.db)
	svc := NewReconcileService(reader, repository.NewModelRepository(reader), f.files, logger.NewNop())
	var seen *ReconcileReport
	store.afterPublish = func(key string) {
		report := &ReconcileReport{}
		require.NoError(t, svc.sweepArchives(ctx, false, time.Now().Add(-DefaultStagingAge), report))
		seen = report
	}

	res := f.mustSend(t, `{"latitude":1,"longitude":2}`)
	require.NotNil(t, seen)
	assert.Empty(t, seen.Orphans)
	assert.Equal(t, []string{models.ArchiveKey(res.ModelID, res.Revision)}, seen.Pending)

	rc, _, _, err := f.reads.Open(ctx, res.ModelID, res.Revision)
	require.NoError(t, err)
	readAll(t, rc)
}
