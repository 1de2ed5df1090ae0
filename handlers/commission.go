// handlers/commission.go
package handlers

import (
	"errors"

	"affiliate-engine/middleware"
	"affiliate-engine/models"
	"affiliate-engine/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func SetupCommissionRoutes(app *fiber.App, commissionService *services.CommissionService, ledgerService *services.LedgerService) {
	secured := app.Group("/", middleware.UserContextMiddleware())

	// Inbound settle: the order service calls this once per CONFIRMED
	// transition. The order payload is upserted first so a crash before
	// settlement completes is recoverable by the sweep worker.
	secured.Post("/orders/:id/settle", func(c *fiber.Ctx) error {
		orderID := c.Params("id")
		if _, err := uuid.Parse(orderID); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid order ID"})
		}

		var req struct {
			BuyerID    string `json:"buyer_id"`
			TotalValue string `json:"total_value"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		if _, err := uuid.Parse(req.BuyerID); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid buyer ID"})
		}
		totalValue, err := decimal.NewFromString(req.TotalValue)
		if err != nil || !totalValue.IsPositive() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "total_value must be a positive decimal"})
		}

		order, err := commissionService.RegisterOrder(orderID, req.BuyerID, totalValue)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to register order", "cause": err.Error()})
		}

		entries, err := commissionService.Settle(order.ID)
		if err != nil {
			if errors.Is(err, services.ErrBuyerNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Buyer not found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Settlement failed", "cause": err.Error()})
		}
		return c.JSON(fiber.Map{"order_id": order.ID, "entries": entries})
	})

	// Beneficiary view of their own ledger; rejected entries carry the
	// reject reason.
	secured.Get("/members/:id/commissions", func(c *fiber.Ctx) error {
		memberID := c.Params("id")
		if _, err := uuid.Parse(memberID); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid member ID"})
		}

		var status *models.CommissionStatus
		switch models.CommissionStatus(c.Query("status")) {
		case models.CommissionStatusPending, models.CommissionStatusApproved,
			models.CommissionStatusRejected, models.CommissionStatusPaid:
			s := models.CommissionStatus(c.Query("status"))
			status = &s
		}

		entries, err := ledgerService.ListEntriesForMember(memberID, status, 200)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list commissions", "cause": err.Error()})
		}
		return c.JSON(fiber.Map{"entries": entries})
	})

	admin := app.Group("/admin", middleware.UserContextMiddleware(), middleware.RequireAdmin())

	admin.Get("/commissions/pending", func(c *fiber.Ctx) error {
		count, total, err := ledgerService.PendingSummary()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to summarize pending commissions"})
		}
		return c.JSON(fiber.Map{"count": count, "total": total})
	})

	admin.Post("/commissions/:id/approve", func(c *fiber.Ctx) error {
		entryID := c.Params("id")
		if _, err := uuid.Parse(entryID); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid entry ID"})
		}
		actor := c.Locals("user_id").(string)

		if err := ledgerService.Approve(entryID, actor); err != nil {
			return ledgerErrorResponse(c, err)
		}
		return c.JSON(fiber.Map{"message": "Commission approved"})
	})

	admin.Post("/commissions/:id/reject", func(c *fiber.Ctx) error {
		entryID := c.Params("id")
		if _, err := uuid.Parse(entryID); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid entry ID"})
		}

		var req struct {
			Reason string `json:"reason"`
		}
		if err := c.BodyParser(&req); err != nil || req.Reason == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "A reject reason is required"})
		}
		actor := c.Locals("user_id").(string)

		if err := ledgerService.Reject(entryID, actor, req.Reason); err != nil {
			return ledgerErrorResponse(c, err)
		}
		return c.JSON(fiber.Map{"message": "Commission rejected"})
	})
}

func ledgerErrorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrEntryNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Commission entry not found"})
	case errors.Is(err, services.ErrInvalidStateTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ledger operation failed", "cause": err.Error()})
	}
}
