// handlers/member.go
package handlers

import (
	"errors"
	"strconv"

	"affiliate-engine/middleware"
	"affiliate-engine/models"
	"affiliate-engine/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

func SetupMemberRoutes(app *fiber.App, treeService *services.TreeService) {
	secured := app.Group("/", middleware.UserContextMiddleware())

	// Registration: place an authenticated user into the binary tree under
	// their sponsor. Called by the registration collaborator once per
	// new member; retried on ErrSlotTaken races.
	secured.Post("/members", func(c *fiber.Ctx) error {
		var req struct {
			MemberID    string             `json:"member_id"`
			SponsorID   string             `json:"sponsor_id"`
			DisplayName string             `json:"display_name"`
			PackageRank models.PackageRank `json:"package_rank"`
			Leg         *models.Leg        `json:"leg,omitempty"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
		if _, err := uuid.Parse(req.MemberID); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid member ID"})
		}
		if _, err := uuid.Parse(req.SponsorID); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid sponsor ID"})
		}
		if req.Leg != nil && *req.Leg != models.LegLeft && *req.Leg != models.LegRight {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Leg must be left or right"})
		}
		if req.PackageRank == "" {
			req.PackageRank = models.RankNone
		}

		member, err := treeService.PlaceMember(req.MemberID, req.SponsorID, req.DisplayName, req.PackageRank, req.Leg)
		if err != nil {
			switch {
			case errors.Is(err, services.ErrSponsorNotFound):
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Sponsor not found"})
			case errors.Is(err, services.ErrSlotTaken):
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Slot taken, retry placement"})
			default:
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to place member", "cause": err.Error()})
			}
		}
		return c.Status(fiber.StatusCreated).JSON(member)
	})

	// Slot preview: where would a new member land under this sponsor?
	secured.Get("/members/:id/slot", func(c *fiber.Ctx) error {
		sponsorID := c.Params("id")
		if _, err := uuid.Parse(sponsorID); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid sponsor ID"})
		}

		var leg *models.Leg
		if raw := c.Query("leg"); raw != "" {
			l := models.Leg(raw)
			if l != models.LegLeft && l != models.LegRight {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "leg must be left or right"})
			}
			leg = &l
		}

		slot, err := treeService.FindSlot(sponsorID, leg)
		if err != nil {
			if errors.Is(err, services.ErrSponsorNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Sponsor not found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Slot resolution failed", "cause": err.Error()})
		}
		return c.JSON(slot)
	})

	secured.Get("/members/:id/ancestors", func(c *fiber.Ctx) error {
		memberID := c.Params("id")
		if _, err := uuid.Parse(memberID); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid member ID"})
		}

		maxDepth := 0
		if raw := c.Query("depth"); raw != "" {
			d, err := strconv.Atoi(raw)
			if err != nil || d < 0 {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid depth parameter"})
			}
			maxDepth = d
		}

		chain, err := treeService.AncestorsOf(memberID, maxDepth)
		if err != nil {
			if errors.Is(err, services.ErrMemberNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Member not found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ancestor walk failed", "cause": err.Error()})
		}

		type ancestorDTO struct {
			MemberID string     `json:"member_id"`
			Via      models.Leg `json:"via"`
			Depth    int        `json:"depth"`
		}
		out := make([]ancestorDTO, 0, len(chain))
		for i, link := range chain {
			out = append(out, ancestorDTO{MemberID: link.Member.ID, Via: link.Via, Depth: i + 1})
		}
		return c.JSON(fiber.Map{"ancestors": out})
	})
}
