// handlers/payout.go
package handlers

import (
	"errors"

	"affiliate-engine/middleware"
	"affiliate-engine/models"
	"affiliate-engine/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func SetupPayoutRoutes(app *fiber.App, settlementService *services.SettlementService) {
	admin := app.Group("/admin", middleware.UserContextMiddleware(), middleware.RequireAdmin())

	// On-demand settlement trigger. Returns the per-beneficiary summary;
	// individual beneficiary failures are in the summary, never an error.
	admin.Post("/settlement/run", func(c *fiber.Ctx) error {
		summary, err := settlementService.RunOnce()
		if err != nil {
			if errors.Is(err, services.ErrRunInProgress) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "A settlement run is already active"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Settlement run failed", "cause": err.Error()})
		}
		return c.JSON(summary)
	})

	admin.Get("/batches/:id", func(c *fiber.Ctx) error {
		batchID := c.Params("id")
		if _, err := uuid.Parse(batchID); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid batch ID"})
		}

		var batch models.PayoutBatch
		if err := settlementService.DB.First(&batch, "id = ?", batchID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Batch not found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error fetching batch"})
		}

		var transfers []models.PayoutTransfer
		if err := settlementService.DB.Where("batch_id = ?", batchID).Order("created_at ASC").Find(&transfers).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error fetching transfers"})
		}

		return c.JSON(fiber.Map{"batch": batch, "transfers": transfers})
	})

	admin.Get("/batches", func(c *fiber.Ctx) error {
		var batches []models.PayoutBatch
		if err := settlementService.DB.Order("created_at DESC").Limit(50).Find(&batches).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error listing batches"})
		}
		return c.JSON(fiber.Map{"batches": batches})
	})
}
