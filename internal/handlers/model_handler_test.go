package handlers

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reservoir/internal/cache"
	"reservoir/internal/extraction"
	"reservoir/internal/logger"
	"reservoir/internal/repository"
	"reservoir/internal/services"
	"reservoir/internal/storage"
	"reservoir/internal/testutil"
)

func newTestApp(t *testing.T, devEmail string) *fiber.App {
	t.Helper()
	db := testutil.NewDB(t)
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	log := logger.NewNop()
	modelRepo := repository.NewModelRepository(db)
	changeRepo := repository.NewChangeRepository(db)
	downloads := cache.NewLayered(1<<20, log, nil, cache.NewMemoryCache(1<<22, 0, nil))
	validator := extraction.NewValidator()
	validator.ScratchRoot = t.TempDir()

	handler := NewModelHandler(
		services.NewUploadService(db, modelRepo, repository.NewCategoryRepository(db), changeRepo,
			store, validator, t.TempDir(), log, nil),
		services.NewDeletionService(db, modelRepo, changeRepo, store, downloads, log, nil),
		services.NewModelService(modelRepo, store, downloads),
		log,
	)

	app := fiber.New()
	handler.Register(app.Group("/api/v1"), RequireAuthor(repository.NewAuthorRepository(db), devEmail, log))
	return app
}

func uploadRequest(t *testing.T, path string, archive []byte, metadata string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if archive != nil {
		part, err := w.CreateFormFile("model_file", "model.zip")
		require.NoError(t, err)
		_, err = part.Write(archive)
		require.NoError(t, err)
	}
	if metadata != "" {
		require.NoError(t, w.WriteField("metadata", metadata))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set(EmailHeader, "Bob@Example.org")
	return req
}

func doJSON(t *testing.T, app *fiber.App, req *http.Request, out interface{}) int {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

const cubeMetadata = `{"title":"Cube","latitude":48.1,"longitude":11.5,"tags":{"building_id":"way/42"}}`

func TestUploadAndRead(t *testing.T) {
	app := newTestApp(t, "")
	archive := testutil.ModelArchive(t, "first")

	var created services.UploadResult
	status := doJSON(t, app, uploadRequest(t, "/api/v1/upload", archive, cubeMetadata), &created)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, 1, created.ModelID)
	assert.Equal(t, 1, created.Revision)
	assert.Equal(t, "bob@example.org", created.Author)

	var info services.ModelInfo
	status = doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/info/1", nil), &info)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "Cube", info.Title)
	assert.Equal(t, "way/42", info.BuildingID)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/model/1", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Equal(t, "attachment; filename=1.zip", resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "public, max-age=86400", resp.Header.Get("Cache-Control"))
	assert.Contains(t, resp.Header.Get("Server-Timing"), "open;dur=")
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, archive, data)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/filelist/1/1", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cube.obj", "cube.mtl"}, strings.Split(string(data), "\n"))

	var ids []int
	status = doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/search/building_id/way/42", nil), &ids)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, []int{1}, ids)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/download/building_id/way/42", nil), -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestUploadRevisesKnownBuilding(t *testing.T) {
	app := newTestApp(t, "")
	require.Equal(t, fiber.StatusCreated,
		doJSON(t, app, uploadRequest(t, "/api/v1/upload", testutil.ModelArchive(t, "a"), cubeMetadata), nil))

	var revised services.UploadResult
	status := doJSON(t, app, uploadRequest(t, "/api/v1/upload", testutil.ModelArchive(t, "b"),
		`{"tags":{"building_id":"way/42"}}`), &revised)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, 1, revised.ModelID)
	assert.Equal(t, 2, revised.Revision)

	status = doJSON(t, app, uploadRequest(t, "/api/v1/revise/1", testutil.ModelArchive(t, "c"), ""), &revised)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, 3, revised.Revision)

	status = doJSON(t, app, uploadRequest(t, "/api/v1/revise/9", testutil.ModelArchive(t, "d"), ""), nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestUploadRejections(t *testing.T) {
	app := newTestApp(t, "")

	noObj := testutil.Zip(t, map[string]string{"readme.txt": "hello"})
	tests := []struct {
		name     string
		archive  []byte
		metadata string
	}{
		{"missing file", nil, cubeMetadata},
		{"no obj", noObj, cubeMetadata},
		{"not a zip", []byte("plain text"), cubeMetadata},
		{"bad metadata", testutil.ModelArchive(t, "x"), `{"scale":-1,"latitude":1,"longitude":2}`},
		{"no coordinates", testutil.ModelArchive(t, "y"), `{"title":"t"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body fiber.Map
			status := doJSON(t, app, uploadRequest(t, "/api/v1/upload", tt.archive, tt.metadata), &body)
			assert.Equal(t, fiber.StatusBadRequest, status)
			assert.Equal(t, true, body["error"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestWritesRequireAuthor(t *testing.T) {
	app := newTestApp(t, "")
	req := uploadRequest(t, "/api/v1/upload", testutil.ModelArchive(t, "a"), cubeMetadata)
	req.Header.Del(EmailHeader)
	assert.Equal(t, fiber.StatusUnauthorized, doJSON(t, app, req, nil))

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/models/1", nil)
	assert.Equal(t, fiber.StatusUnauthorized, doJSON(t, app, req, nil))
}

func TestDevEmailFallback(t *testing.T) {
	app := newTestApp(t, "dev@localhost")
	req := uploadRequest(t, "/api/v1/upload", testutil.ModelArchive(t, "a"), cubeMetadata)
	req.Header.Del(EmailHeader)

	var created services.UploadResult
	require.Equal(t, fiber.StatusCreated, doJSON(t, app, req, &created))
	assert.Equal(t, "dev@localhost", created.Author)
}

func TestDeleteModel(t *testing.T) {
	app := newTestApp(t, "dev@localhost")
	require.Equal(t, fiber.StatusCreated,
		doJSON(t, app, uploadRequest(t, "/api/v1/upload", testutil.ModelArchive(t, "a"), cubeMetadata), nil))
	require.Equal(t, fiber.StatusCreated,
		doJSON(t, app, uploadRequest(t, "/api/v1/upload", testutil.ModelArchive(t, "b"),
			`{"latitude":1,"longitude":2}`), nil))

	resp, err := app.Test(httptest.NewRequest(http.MethodDelete, "/api/v1/models/1", nil), -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, fiber.StatusNotFound, doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/info/1", nil), nil))
	assert.Equal(t, fiber.StatusNotFound, doJSON(t, app, httptest.NewRequest(http.MethodDelete, "/api/v1/models/1", nil), nil))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/delete", strings.NewReader(`{"model_id":2}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestInvalidIDs(t *testing.T) {
	app := newTestApp(t, "")
	for _, path := range []string{"/api/v1/info/abc", "/api/v1/info/0", "/api/v1/model/1/x", "/api/v1/filelist/-3"} {
		assert.Equal(t, fiber.StatusBadRequest, doJSON(t, app, httptest.NewRequest(http.MethodGet, path, nil), nil), path)
	}
	assert.Equal(t, fiber.StatusNotFound, doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/model/5", nil), nil))
}

func TestSearchRange(t *testing.T) {
	app := newTestApp(t, "")
	require.Equal(t, fiber.StatusCreated,
		doJSON(t, app, uploadRequest(t, "/api/v1/upload", testutil.ModelArchive(t, "a"), cubeMetadata), nil))

	var ids []int
	require.Equal(t, fiber.StatusOK, doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/search/48.1/11.5/1000", nil), &ids))
	assert.Equal(t, []int{1}, ids)
	require.Equal(t, fiber.StatusOK, doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/search/48.1/11.5/1000/2", nil), &ids))
	assert.Empty(t, ids)

	assert.Equal(t, fiber.StatusBadRequest, doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/search/north/11.5/1000", nil), nil))
	assert.Equal(t, fiber.StatusBadRequest, doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/search/95/11.5/1000", nil), nil))
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, "")
	var body fiber.Map
	require.Equal(t, fiber.StatusOK, doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestLookups(t *testing.T) {
	app := newTestApp(t, "")
	require.Equal(t, fiber.StatusCreated, doJSON(t, app, uploadRequest(t, "/api/v1/upload", testutil.ModelArchive(t, "a"),
		`{"title":"Old Mill","latitude":1,"longitude":2,"tags":{"roof":"flat"},"categories":"mill"}`), nil))

	for _, path := range []string{
		"/api/v1/tag/roof=flat",
		"/api/v1/tag/roof=flat/1",
		"/api/v1/category/mill",
		"/api/v1/author/bob@example.org",
		"/api/v1/search/title/old%20mill",
		"/api/v1/search/title/MILL/1",
	} {
		var ids []int
		require.Equal(t, fiber.StatusOK, doJSON(t, app, httptest.NewRequest(http.MethodGet, path, nil), &ids), path)
		assert.Equal(t, []int{1}, ids, path)
	}

	var ids []int
	require.Equal(t, fiber.StatusOK, doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/search/title/mill/2", nil), &ids))
	assert.Empty(t, ids)

	for _, path := range []string{"/api/v1/tag/roof", "/api/v1/tag/roof=flat/0", "/api/v1/category/mill/x"} {
		assert.Equal(t, fiber.StatusBadRequest, doJSON(t, app, httptest.NewRequest(http.MethodGet, path, nil), nil), path)
	}
}

func TestGetFile(t *testing.T) {
	app := newTestApp(t, "")
	require.Equal(t, fiber.StatusCreated,
		doJSON(t, app, uploadRequest(t, "/api/v1/upload", testutil.ModelArchive(t, "a"), cubeMetadata), nil))

	for _, path := range []string{"/api/v1/file/1/1/cube.mtl", "/api/v1/filelatest/1/cube.mtl"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
		require.NoError(t, err)
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		require.Equal(t, fiber.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "attachment; filename=cube.mtl", resp.Header.Get("Content-Disposition"))
		assert.Contains(t, string(data), "newmtl stone")
	}

	assert.Equal(t, fiber.StatusNotFound, doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/filelatest/1/missing.png", nil), nil))
	assert.Equal(t, fiber.StatusNotFound, doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/file/1/2/cube.mtl", nil), nil))
	assert.Equal(t, fiber.StatusBadRequest, doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/file/x/1/cube.mtl", nil), nil))
}

func TestDownloadBatch(t *testing.T) {
	app := newTestApp(t, "")
	archive := testutil.ModelArchive(t, "a")
	require.Equal(t, fiber.StatusCreated, doJSON(t, app, uploadRequest(t, "/api/v1/upload", archive, cubeMetadata), nil))

	batch := func(body string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/download/batch/building_id", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return req
	}

	resp, err := app.Test(batch(`{"building_ids":["way/42","way/1"]}`), -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := []string{}
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"manifest.json", "way/42.zip"}, names)

	manifest, err := zr.File[0].Open()
	require.NoError(t, err)
	var body struct {
		Models  map[string]map[string]int `json:"models"`
		Missing []string                  `json:"missing"`
	}
	require.NoError(t, json.NewDecoder(manifest).Decode(&body))
	manifest.Close()
	assert.Equal(t, map[string]int{"model_id": 1, "revision": 1}, body.Models["way/42"])
	assert.Equal(t, []string{"way/1"}, body.Missing)

	stored, err := zr.File[1].Open()
	require.NoError(t, err)
	got, err := io.ReadAll(stored)
	stored.Close()
	require.NoError(t, err)
	assert.Equal(t, archive, got)

	assert.Equal(t, fiber.StatusBadRequest, doJSON(t, app, batch(`{"building_ids":[]}`), nil))
	assert.Equal(t, fiber.StatusBadRequest, doJSON(t, app, batch(`{"building_ids":["../x"]}`), nil))
	assert.Equal(t, fiber.StatusBadRequest, doJSON(t, app, batch(`not json`), nil))
}
