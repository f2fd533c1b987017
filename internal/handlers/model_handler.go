package handlers

import (
	"context"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"reservoir/internal/logger"
	"reservoir/internal/metrics"
	"reservoir/internal/models"
	"reservoir/internal/services"
)

const (
	InvalidModelIDError = "invalid model id"
	ModelNotFoundError  = "model not found"
	InternalError       = "internal server error"
)

// ModelHandler defines handlers for model uploads, revisions, deletions and reads.
type ModelHandler struct {
	Uploads   *services.UploadService
	Deletions *services.DeletionService
	Reads     *services.ModelService
	Log       *logger.Logger
}

// NewModelHandler creates a new ModelHandler with the given services.
func NewModelHandler(uploads *services.UploadService, deletions *services.DeletionService, reads *services.ModelService, log *logger.Logger) *ModelHandler {
	return &ModelHandler{Uploads: uploads, Deletions: deletions, Reads: reads, Log: log.With("component", "http")}
}

// Register mounts the routes below router. Write routes require an author.
func (h *ModelHandler) Register(router fiber.Router, auth fiber.Handler) {
	router.Get("/health", Health)
	router.Get("/info/:id", h.GetInfo)
	router.Get("/model/:id", h.DownloadModel)
	router.Get("/model/:id/:revision", h.DownloadModel)
	router.Get("/filelist/:id", h.FileList)
	router.Get("/filelist/:id/:revision", h.FileList)
	router.Get("/file/:id/:revision/*", h.GetFile)
	router.Get("/filelatest/:id/*", h.GetFile)
	router.Get("/tag/:tag/:page?", h.Lookup(h.Reads.LookupTag, "tag"))
	router.Get("/category/:category/:page?", h.Lookup(h.Reads.LookupCategory, "category"))
	router.Get("/author/:username/:page?", h.Lookup(h.Reads.LookupAuthor, "username"))
	router.Get("/search/building_id/*", h.SearchBuildingID)
	// Registered before the range search, which would match its paths too.
	router.Get("/search/title/:title/:page?", h.Lookup(h.Reads.SearchTitle, "title"))
	router.Get("/download/building_id/*", h.DownloadBuildingID)
	router.Post("/download/batch/building_id", h.DownloadBatch)
	router.Get("/search/:lat/:lon/:range", h.SearchRange)
	router.Get("/search/:lat/:lon/:range/:page", h.SearchRange)

	router.Post("/upload", auth, h.UploadModel)
	router.Post("/revise/:id", auth, h.ReviseModel)
	router.Delete("/models/:id", auth, h.DeleteModel)
	router.Post("/delete", auth, h.DeleteModelLegacy)
}

// fail maps an error kind to a status. Server side details stay in the log.
func (h *ModelHandler) fail(c *fiber.Ctx, err error) error {
	status, message := fiber.StatusInternalServerError, InternalError
	switch {
	case models.ErrInvalidArchive.Has(err), models.ErrValidationFailed.Has(err):
		status, message = fiber.StatusBadRequest, err.Error()
	case models.ErrNotFound.Has(err):
		status, message = fiber.StatusNotFound, ModelNotFoundError
	case models.ErrConflict.Has(err):
		status, message = fiber.StatusConflict, "model was changed concurrently, please retry"
	default:
		h.Log.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(fiber.Map{
		"error": true, "message": message,
	})
}

func parsePositive(c *fiber.Ctx, name string) (int, bool) {
	raw := c.Params(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func badID(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": true, "message": InvalidModelIDError,
	})
}

// GetInfo handles GET /info/:id.
// @Summary Get model metadata
// @Description Metadata of the latest visible revision of a model
// @Tags models
// @Produce json
// @Param id path int true "Model ID"
// @Success 200 {object} services.ModelInfo
// @Failure 400 {object} map[string]interface{} "Invalid model id"
// @Failure 404 {object} map[string]interface{} "Model not found"
// @Router /info/{id} [get]
func (h *ModelHandler) GetInfo(c *fiber.Ctx) error {
	id, ok := parsePositive(c, "id")
	if !ok || id == 0 {
		return badID(c)
	}
	m, err := h.Reads.Get(c.UserContext(), id, 0)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(services.NewModelInfo(m))
}

// DownloadModel handles GET /model/:id and /model/:id/:revision.
// @Summary Download a model archive
// @Description Streams the zip archive of a revision, the latest one when no revision is given
// @Tags models
// @Produce application/zip
// @Param id path int true "Model ID"
// @Param revision path int false "Revision"
// @Success 200 {file} binary
// @Failure 404 {object} map[string]interface{} "Model not found"
// @Router /model/{id}/{revision} [get]
func (h *ModelHandler) DownloadModel(c *fiber.Ctx) error {
	id, ok := parsePositive(c, "id")
	if !ok || id == 0 {
		return badID(c)
	}
	revision, ok := parsePositive(c, "revision")
	if !ok {
		return badID(c)
	}
	timing := metrics.NewTiming()
	stop := timing.Start("open")
	rc, size, m, err := h.Reads.Open(c.UserContext(), id, revision)
	stop()
	if err != nil {
		return h.fail(c, err)
	}
	c.Set("Server-Timing", timing.Header())
	return sendArchive(c, rc, size, m)
}

// FileList handles GET /filelist/:id and /filelist/:id/:revision.
// @Summary List archive entries
// @Tags models
// @Produce plain
// @Param id path int true "Model ID"
// @Param revision path int false "Revision"
// @Success 200 {string} string "newline separated entry names"
// @Router /filelist/{id}/{revision} [get]
func (h *ModelHandler) FileList(c *fiber.Ctx) error {
	id, ok := parsePositive(c, "id")
	if !ok || id == 0 {
		return badID(c)
	}
	revision, ok := parsePositive(c, "revision")
	if !ok {
		return badID(c)
	}
	names, err := h.Reads.FileList(c.UserContext(), id, revision)
	if err != nil {
		return h.fail(c, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(strings.Join(names, "\n"))
}

// SearchBuildingID handles GET /search/building_id/*.
// @Summary Find models by building identifier
// @Tags models
// @Produce json
// @Param building_id path string true "Building identifier, e.g. way/42"
// @Success 200 {array} int
// @Router /search/building_id/{building_id} [get]
func (h *ModelHandler) SearchBuildingID(c *fiber.Ctx) error {
	ids, err := h.Reads.SearchBuildingID(c.UserContext(), c.Params("*"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(ids)
}

// SearchRange handles GET /search/:lat/:lon/:range[/:page].
// @Summary Find models near a point
// @Description Ids of visible models within range meters, 20 per page
// @Tags models
// @Produce json
// @Param lat path number true "Latitude"
// @Param lon path number true "Longitude"
// @Param range path number true "Distance in meters"
// @Param page path int false "Page, starting at 1"
// @Success 200 {array} int
// @Failure 400 {object} map[string]interface{} "Invalid coordinates"
// @Router /search/{lat}/{lon}/{range}/{page} [get]
func (h *ModelHandler) SearchRange(c *fiber.Ctx) error {
	var coords [3]float64
	for i, name := range []string{"lat", "lon", "range"} {
		v, err := strconv.ParseFloat(c.Params(name), 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": true, "message": "invalid " + name,
			})
		}
		coords[i] = v
	}
	page, ok := parsePositive(c, "page")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": true, "message": "invalid page",
		})
	}
	if page == 0 {
		page = 1
	}
	ids, err := h.Reads.SearchRange(c.UserContext(), coords[0], coords[1], coords[2], page)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(ids)
}

// LookupFunc is a paginated read keyed by one path parameter.
type LookupFunc func(ctx context.Context, key string, page int) ([]int, error)

// Lookup handles GET /tag/:tag, /category/:category, /author/:username and
// /search/title/:title, each with an optional page.
// @Summary Find models by tag, category, author or title
// @Description Ids of visible models, 20 per page. Tags are written key=value; titles match case-insensitively.
// @Tags models
// @Produce json
// @Param tag path string true "Tag as key=value"
// @Param page path int false "Page, starting at 1"
// @Success 200 {array} int
// @Failure 400 {object} map[string]interface{} "Invalid lookup"
// @Router /tag/{tag}/{page} [get]
// @Router /category/{category}/{page} [get]
// @Router /author/{username}/{page} [get]
// @Router /search/title/{title}/{page} [get]
func (h *ModelHandler) Lookup(lookup LookupFunc, param string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, err := url.PathUnescape(c.Params(param))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": true, "message": "invalid " + param,
			})
		}
		page, ok := parsePositive(c, "page")
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": true, "message": "invalid page",
			})
		}
		if page == 0 {
			page = 1
		}
		ids, err := lookup(c.UserContext(), key, page)
		if err != nil {
			return h.fail(c, err)
		}
		return c.JSON(ids)
	}
}

// GetFile handles GET /file/:id/:revision/* and /filelatest/:id/*.
// @Summary Download one file of a model archive
// @Tags models
// @Produce octet-stream
// @Param id path int true "Model ID"
// @Param revision path int true "Revision"
// @Param filename path string true "Entry name inside the archive"
// @Success 200 {file} binary
// @Failure 404 {object} map[string]interface{} "Model or file not found"
// @Router /file/{id}/{revision}/{filename} [get]
func (h *ModelHandler) GetFile(c *fiber.Ctx) error {
	id, ok := parsePositive(c, "id")
	if !ok || id == 0 {
		return badID(c)
	}
	revision, ok := parsePositive(c, "revision")
	if !ok {
		return badID(c)
	}
	name, err := url.PathUnescape(c.Params("*"))
	if err != nil || name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": true, "message": "invalid filename",
		})
	}
	data, err := h.Reads.GetFile(c.UserContext(), id, revision, name)
	if err != nil {
		return h.fail(c, err)
	}
	ctype := fiber.MIMEOctetStream
	if ext := path.Ext(name); ext != "" {
		ctype = utils.GetMIME(ext)
	}
	c.Set(fiber.HeaderContentType, ctype)
	c.Set(fiber.HeaderContentDisposition, "attachment; filename="+path.Base(name))
	c.Set(fiber.HeaderCacheControl, "public, max-age=86400")
	return c.Send(data)
}

// BatchRequest is the body of a batch download.
type BatchRequest struct {
	BuildingIDs []string `json:"building_ids"`
}

// DownloadBatch handles POST /download/batch/building_id.
// @Summary Download the newest models of several buildings
// @Description A zip holding manifest.json and one {building_id}.zip per known building
// @Tags models
// @Accept json
// @Produce application/zip
// @Param request body BatchRequest true "Building identifiers"
// @Success 200 {file} binary
// @Failure 400 {object} map[string]interface{} "Invalid building ids"
// @Router /download/batch/building_id [post]
func (h *ModelHandler) DownloadBatch(c *fiber.Ctx) error {
	var req BatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": true, "message": "invalid request body",
		})
	}
	ctx := c.UserContext()
	batch, err := h.Reads.ResolveBuildings(ctx, req.BuildingIDs)
	if err != nil {
		return h.fail(c, err)
	}

	pr, pw := io.Pipe()
	go func() {
		err := h.Reads.WriteBatch(ctx, pw, batch)
		if err != nil {
			h.Log.Error("batch download failed", "buildings", len(batch.Order), "error", err)
		}
		pw.CloseWithError(err)
	}()
	c.Set(fiber.HeaderContentType, "application/zip")
	c.Set(fiber.HeaderContentDisposition, "attachment; filename=batch.zip")
	return c.SendStream(pr)
}

// DownloadBuildingID handles GET /download/building_id/*.
// @Summary Download the newest model of a building
// @Tags models
// @Produce application/zip
// @Param building_id path string true "Building identifier, e.g. way/42"
// @Success 200 {file} binary
// @Failure 404 {object} map[string]interface{} "Model not found"
// @Router /download/building_id/{building_id} [get]
func (h *ModelHandler) DownloadBuildingID(c *fiber.Ctx) error {
	rc, size, m, err := h.Reads.OpenByBuildingID(c.UserContext(), c.Params("*"))
	if err != nil {
		return h.fail(c, err)
	}
	return sendArchive(c, rc, size, m)
}

// UploadModel handles POST /upload.
// @Summary Upload a model
// @Description Creates a model, or a revision when the building identifier is already known
// @Tags models
// @Accept multipart/form-data
// @Produce json
// @Param model_file formData file true "Zip archive with exactly one .obj file"
// @Param metadata formData string false "Metadata JSON"
// @Success 201 {object} services.UploadResult
// @Failure 400 {object} map[string]interface{} "Invalid archive or metadata"
// @Failure 401 {object} map[string]interface{} "Unauthenticated"
// @Failure 500 {object} map[string]interface{} "Upload failed"
// @Router /upload [post]
func (h *ModelHandler) UploadModel(c *fiber.Ctx) error {
	return h.handleUpload(c, 0)
}

// ReviseModel handles POST /revise/:id.
// @Summary Upload a new revision of a model
// @Tags models
// @Accept multipart/form-data
// @Produce json
// @Param id path int true "Model ID"
// @Param model_file formData file true "Zip archive with exactly one .obj file"
// @Param metadata formData string false "Metadata JSON"
// @Success 201 {object} services.UploadResult
// @Failure 404 {object} map[string]interface{} "Model not found"
// @Router /revise/{id} [post]
func (h *ModelHandler) ReviseModel(c *fiber.Ctx) error {
	id, ok := parsePositive(c, "id")
	if !ok || id == 0 {
		return badID(c)
	}
	return h.handleUpload(c, id)
}

func (h *ModelHandler) handleUpload(c *fiber.Ctx, target int) error {
	fileHeader, err := c.FormFile("model_file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": true, "message": "missing model_file",
		})
	}
	file, err := fileHeader.Open()
	if err != nil {
		return h.fail(c, err)
	}
	defer file.Close()

	result, err := h.Uploads.Upload(c.UserContext(), services.UploadRequest{
		Archive:  file,
		Metadata: []byte(c.FormValue("metadata")),
		Author:   CurrentAuthor(c),
		ModelID:  target,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

// DeleteModel handles DELETE /models/:id.
// @Summary Delete a model with all revisions
// @Tags models
// @Param id path int true "Model ID"
// @Success 204
// @Failure 404 {object} map[string]interface{} "Model not found"
// @Router /models/{id} [delete]
func (h *ModelHandler) DeleteModel(c *fiber.Ctx) error {
	id, ok := parsePositive(c, "id")
	if !ok || id == 0 {
		return badID(c)
	}
	return h.deleteModel(c, id)
}

type deleteRequest struct {
	ModelID int `json:"model_id"`
}

// DeleteModelLegacy handles POST /delete with a JSON body.
// @Summary Delete a model with all revisions
// @Tags models
// @Accept json
// @Param body body deleteRequest true "Model to delete"
// @Success 204
// @Router /delete [post]
func (h *ModelHandler) DeleteModelLegacy(c *fiber.Ctx) error {
	var req deleteRequest
	if err := c.BodyParser(&req); err != nil || req.ModelID <= 0 {
		return badID(c)
	}
	return h.deleteModel(c, req.ModelID)
}

func (h *ModelHandler) deleteModel(c *fiber.Ctx, id int) error {
	if err := h.Deletions.Delete(c.UserContext(), id); err != nil {
		return h.fail(c, err)
	}
	h.Log.Info("model deleted", "model_id", id, "author", CurrentAuthor(c).Email)
	return c.SendStatus(fiber.StatusNoContent)
}

func sendArchive(c *fiber.Ctx, rc io.ReadCloser, size int64, m *models.Model) error {
	c.Set(fiber.HeaderContentType, "application/zip")
	c.Set(fiber.HeaderContentDisposition, "attachment; filename="+strconv.Itoa(m.Revision)+".zip")
	c.Set(fiber.HeaderCacheControl, "public, max-age=86400")
	return c.SendStream(rc, int(size))
}
