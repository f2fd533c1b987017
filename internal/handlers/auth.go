package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"reservoir/internal/logger"
	"reservoir/internal/models"
	"reservoir/internal/repository"
)

const (
	EmailHeader       = "X-Email"
	authorLocal       = "author"
	UnauthorizedError = "authentication required"
)

// RequireAuthor resolves the calling author from the X-Email header set by
// the authenticating proxy. devEmail is used when the header is absent and
// is meant for local development only.
func RequireAuthor(authors repository.AuthorRepository, devEmail string, log *logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		email := strings.TrimSpace(c.Get(EmailHeader))
		if email == "" {
			email = devEmail
		}
		if email == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": true, "message": UnauthorizedError,
			})
		}
		author, err := authors.GetOrCreateByEmail(c.UserContext(), nil, email)
		if err != nil {
			if models.ErrValidationFailed.Has(err) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": true, "message": UnauthorizedError,
				})
			}
			log.Error("failed to resolve author", "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": true, "message": InternalError,
			})
		}
		c.Locals(authorLocal, author)
		return c.Next()
	}
}

// CurrentAuthor returns the author stored by RequireAuthor, or nil.
func CurrentAuthor(c *fiber.Ctx) *models.Author {
	author, _ := c.Locals(authorLocal).(*models.Author)
	return author
}

// Health reports liveness.
// @Summary Health check
// @Tags health
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
