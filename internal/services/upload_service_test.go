package services

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"reservoir/internal/models"
	"reservoir/internal/testutil"
)

func TestUploadCreateAndReviseByBuildingID(t *testing.T) {
	f, _ := newFixture(t)
	ctx := context.Background()

	first := f.mustSend(t, `{"title":"Tower","latitude":48.85,"longitude":2.29}`)
	assert.Equal(t, 1, first.ModelID)
	assert.Equal(t, 1, first.Revision)
	assert.Equal(t, "alice@example.org", first.Author)
	assert.WithinDuration(t, time.Now(), first.UploadDate, time.Minute)

	second := f.mustSend(t, `{"building_id":"way/42","title":"Library","latitude":1.5,"longitude":2.5,"categories":"library"}`)
	assert.Equal(t, 2, second.ModelID)
	assert.Equal(t, 1, second.Revision)

	third := f.mustSend(t, `{"building_id":"way/42"}`)
	assert.Equal(t, 2, third.ModelID)
	assert.Equal(t, 2, third.Revision)

	m, err := f.reads.Get(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Revision)
	assert.Equal(t, "Library", m.Title)
	assert.Equal(t, "way/42", m.BuildingID)
	require.NotNil(t, m.Location)
	assert.Equal(t, 1.5, m.Location.Latitude)
	assert.Equal(t, []string{"library"}, m.CategoryNames())

	prior, err := f.reads.Get(ctx, 2, 1)
	require.NoError(t, err)
	require.NotNil(t, prior.Location)
	assert.NotEqual(t, prior.Location.ID, m.Location.ID, "each revision owns its location")

	changes, err := f.changes.ListByModelID(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, models.ChangeCreate, changes[0].Type)
	assert.Equal(t, models.ChangeRevise, changes[1].Type)
}

func TestUploadRoundTripsArchiveBytes(t *testing.T) {
	f, _ := newFixture(t)
	archive := testutil.ModelArchive(t, "round trip")

	res, err := f.send(t, archive, `{"latitude":1,"longitude":2}`, 0)
	require.NoError(t, err)

	rc, size, _, err := f.reads.Open(context.Background(), res.ModelID, res.Revision)
	require.NoError(t, err)
	assert.Equal(t, archive, readAll(t, rc))
	assert.EqualValues(t, len(archive), size)
}

func TestUploadModelIDsIncrease(t *testing.T) {
	f, _ := newFixture(t)
	last := 0
	for i := 0; i < 4; i++ {
		res := f.mustSend(t, `{"latitude":1,"longitude":2}`)
		assert.Greater(t, res.ModelID, last)
		assert.Equal(t, 1, res.Revision)
		last = res.ModelID
	}
}

func TestUploadRequiresCoordinatesForNewModels(t *testing.T) {
	f, _ := newFixture(t)
	_, err := f.send(t, testutil.ModelArchive(t, "x"), `{"title":"nowhere"}`, 0)
	assert.True(t, models.ErrValidationFailed.Has(err))
	assert.Zero(t, f.count(t, &models.Model{}))
}

func TestUploadRejectsBadArchives(t *testing.T) {
	f, _ := newFixture(t)
	cases := map[string][]byte{
		"no obj": testutil.Zip(t, map[string]string{"readme.txt": "hi"}),
		"two obj": testutil.Zip(t, map[string]string{
			"a.obj": "v 0 0 0\n",
			"b.obj": "v 0 0 0\n",
		}),
		"not a zip": []byte("plain text"),
	}
	for name, archive := range cases {
		t.Run(name, func(t *testing.T) {
			// valid and invalid metadata alike
			for _, md := range []string{`{"latitude":1,"longitude":2}`, `{"latitude":100}`} {
				_, err := f.send(t, archive, md, 0)
				require.Error(t, err)
				if !models.ErrValidationFailed.Has(err) {
					assert.True(t, models.ErrInvalidArchive.Has(err), err.Error())
				}
			}
		})
	}
	assert.Zero(t, f.count(t, &models.Model{}))

	_, err := f.send(t, cases["two obj"], `{"latitude":1,"longitude":2}`, 0)
	assert.True(t, models.ErrInvalidArchive.Has(err))
}

func TestUploadRejectsInvalidMetadata(t *testing.T) {
	f, _ := newFixture(t)
	_, err := f.send(t, testutil.ModelArchive(t, "x"), `{"latitude":1,"longitude":2,"scale":-1}`, 0)
	assert.True(t, models.ErrValidationFailed.Has(err))
}

func TestUploadIsAtomicWhenPublishFails(t *testing.T) {
	f, store := newFixture(t)
	store.failPublish = true

	_, err := f.send(t, testutil.ModelArchive(t, "x"),
		`{"latitude":1,"longitude":2,"categories":"fresh","building_id":"way/9"}`, 0)
	require.Error(t, err)
	assert.True(t, models.ErrUploadFailed.Has(err))

	for name, model := range map[string]interface{}{
		"models":     &models.Model{},
		"locations":  &models.Location{},
		"categories": &models.Category{},
		"changes":    &models.Change{},
		"latest":     &models.LatestModel{},
	} {
		assert.Zero(t, f.count(t, model), name)
	}

	keys, err := f.files.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
	staged, err := f.files.ListStaged(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, staged)

	// the next successful upload is unaffected
	store.failPublish = false
	res := f.mustSend(t, `{"latitude":1,"longitude":2}`)
	assert.Equal(t, 1, res.Revision)
}

func TestUploadForcedRevision(t *testing.T) {
	f, _ := newFixture(t)
	ctx := context.Background()

	created := f.mustSend(t, `{"title":"Bridge","latitude":1,"longitude":2,"origin":[1,2,3],"license":1,"tags":{"k":"v"}}`)

	res, err := f.send(t, testutil.ModelArchive(t, "v2"), `{"scale":3}`, created.ModelID)
	require.NoError(t, err)
	assert.Equal(t, created.ModelID, res.ModelID)
	assert.Equal(t, 2, res.Revision)

	m, err := f.reads.Get(ctx, created.ModelID, 0)
	require.NoError(t, err)
	assert.Equal(t, "Bridge", m.Title)
	assert.Equal(t, 3.0, m.Scale)
	assert.Equal(t, models.LicenseCCBY, m.License)
	assert.Equal(t, models.Vector3{1, 2, 3}, m.Translation())
	assert.Equal(t, -1.0, m.TranslationX)
	assert.Equal(t, map[string]string{"k": "v"}, m.TagMap())

	_, err = f.send(t, testutil.ModelArchive(t, "v3"), `{}`, 99)
	assert.True(t, models.ErrNotFound.Has(err))
}

func TestUploadRemovesArchiveWhenCommitFails(t *testing.T) {
	f, store := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var published string
	// Canceling after publish makes the transaction's commit fail.
	store.afterPublish = func(key string) {
		published = key
		cancel()
	}

	_, err := f.upload.Upload(ctx, UploadRequest{
		Archive:  bytes.NewReader(testutil.ModelArchive(t, "x")),
		Metadata: []byte(`{"latitude":1,"longitude":2,"categories":"fresh"}`),
		Author:   f.author,
	})
	require.Error(t, err)
	assert.True(t, models.ErrUploadFailed.Has(err))
	assert.NotEmpty(t, published)

	for name, model := range map[string]interface{}{
		"models":     &models.Model{},
		"locations":  &models.Location{},
		"categories": &models.Category{},
		"changes":    &models.Change{},
		"latest":     &models.LatestModel{},
	} {
		assert.Zero(t, f.count(t, model), name)
	}
	keys, err := f.files.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)

	store.afterPublish = nil
	res := f.mustSend(t, `{"latitude":1,"longitude":2}`)
	assert.Equal(t, 1, res.ModelID)
}

func TestUploadGivesUpAfterRepeatedDuplicateKeys(t *testing.T) {
	f, _ := newFixture(t)
	repo := &scriptedModels{ModelRepository: f.models, createErr: gorm.ErrDuplicatedKey}
	svc := *f.upload
	svc.Models = repo

	_, err := svc.Upload(context.Background(), UploadRequest{
		Archive:  bytes.NewReader(testutil.ModelArchive(t, "x")),
		Metadata: []byte(`{"latitude":1,"longitude":2}`),
		Author:   f.author,
	})
	require.Error(t, err)
	assert.True(t, models.ErrConflict.Has(err))
	assert.Equal(t, maxCommitAttempts, repo.createCalls)

	assert.Zero(t, f.count(t, &models.Model{}))
	assert.Zero(t, f.count(t, &models.LatestModel{}))
	keys, err := f.files.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestUploadRetriesAfterDuplicateKey(t *testing.T) {
	f, _ := newFixture(t)
	repo := &failOnceModels{scriptedModels: scriptedModels{ModelRepository: f.models}}
	svc := *f.upload
	svc.Models = repo

	res, err := svc.Upload(context.Background(), UploadRequest{
		Archive:  bytes.NewReader(testutil.ModelArchive(t, "x")),
		Metadata: []byte(`{"latitude":1,"longitude":2}`),
		Author:   f.author,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Revision)
	assert.Equal(t, 2, repo.createCalls)
	assert.EqualValues(t, 1, f.count(t, &models.Model{}))
}

// failOnceModels reports a duplicate key on the first insert only.
type failOnceModels struct {
	scriptedModels
}

func (m *failOnceModels) Create(ctx context.Context, tx *gorm.DB, model *models.Model) error {
	m.createErr = nil
	if m.createCalls == 0 {
		m.createErr = gorm.ErrDuplicatedKey
	}
	return m.scriptedModels.Create(ctx, tx, model)
}

func TestRevisionClearsFields(t *testing.T) {
	f, _ := newFixture(t)
	ctx := context.Background()
	created := f.mustSend(t, `{"title":"Barn","description":"red","latitude":1,"longitude":2,"tags":{"roof":"gable"}}`)

	res, err := f.send(t, testutil.ModelArchive(t, "v2"),
		`{"title":"","description":"","tags":{},"latitude":null,"longitude":null}`, created.ModelID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Revision)

	m, err := f.reads.Get(ctx, created.ModelID, 0)
	require.NoError(t, err)
	assert.Equal(t, "", m.Title)
	assert.Equal(t, "", m.Description)
	assert.Empty(t, m.TagMap())
	assert.Nil(t, m.Location)

	ids, err := f.reads.SearchRange(ctx, 1, 2, 1000, 1)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// omitted fields still carry over
	_, err = f.send(t, testutil.ModelArchive(t, "v3"), `{"title":"Barn"}`, created.ModelID)
	require.NoError(t, err)
	m, err = f.reads.Get(ctx, created.ModelID, 0)
	require.NoError(t, err)
	assert.Equal(t, "Barn", m.Title)
	assert.Empty(t, m.TagMap())
	assert.Nil(t, m.Location)
}

// SQLite runs on a single connection, so these uploads queue on the pool and
// never hold overlapping transactions. The Postgres variant exercises the row
// lock that orders real concurrent revisions.
func TestConcurrentRevisionsGetConsecutiveNumbers(t *testing.T) {
	f, _ := newFixture(t)
	checkConsecutiveRevisions(t, f)
}

func TestConcurrentRevisionsGetConsecutiveNumbersPostgres(t *testing.T) {
	f, _ := newFixtureOn(t, testutil.NewPostgresDB(t))
	checkConsecutiveRevisions(t, f)
}

func checkConsecutiveRevisions(t *testing.T, f *fixture) {
	t.Helper()
	created := f.mustSend(t, `{"building_id":"way/1","latitude":1,"longitude":2}`)

	const n = 8
	archives := make([][]byte, n)
	for i := range archives {
		archives[i] = testutil.ModelArchive(t, fmt.Sprintf("revision %d", i))
	}
	var wg sync.WaitGroup
	results := make(chan int, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.send(t, archives[i], `{"building_id":"way/1"}`, 0)
			if err != nil {
				errs <- err
				return
			}
			if res.ModelID != created.ModelID {
				errs <- assert.AnError
				return
			}
			results <- res.Revision
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	var revisions []int
	for r := range results {
		revisions = append(revisions, r)
	}
	sort.Ints(revisions)
	require.Len(t, revisions, n)
	for i, r := range revisions {
		assert.Equal(t, i+2, r)
	}

	latest, err := f.reads.Get(context.Background(), created.ModelID, 0)
	require.NoError(t, err)
	assert.Equal(t, n+1, latest.Revision)
}
