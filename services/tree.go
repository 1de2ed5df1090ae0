package services

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"affiliate-engine/models"
	"affiliate-engine/utils"

	"gorm.io/gorm"
)

var (
	ErrSponsorNotFound = errors.New("sponsor not found")
	ErrMemberNotFound  = errors.New("member not found")
	ErrSlotTaken       = errors.New("placement slot already taken")
)

type TreeService struct {
	DB    *gorm.DB
	Audit *AuditService
}

func NewTreeService(db *gorm.DB, audit *AuditService) *TreeService {
	return &TreeService{DB: db, Audit: audit}
}

// Slot is an open placement under a parent.
type Slot struct {
	ParentID string     `json:"parent_id"`
	Position models.Leg `json:"position"`
}

// AncestorLink is one hop of the upward genealogy chain. Via is the leg the
// chain arrived from, i.e. which of the ancestor's subtrees contains the
// member we started at. Group crediting needs it.
type AncestorLink struct {
	Member models.Member
	Via    models.Leg
}

// FindSlot resolves the placement slot for a new member under sponsorID.
// With a requested leg, the search is restricted to that subtree of the
// sponsor (first hop only); otherwise it descends into the weak leg, the
// sponsor's subtree with fewer members, ties going left. Within the chosen
// subtree the open slot is the shallowest one in breadth-first order,
// children visited left before right, so the result is deterministic for a
// given tree snapshot and a failed registration can simply retry.
//
// Read-only: the caller persists the placement.
func (s *TreeService) FindSlot(sponsorID string, requestedLeg *models.Leg) (*Slot, error) {
	var sponsor models.Member
	if err := s.DB.First(&sponsor, "id = ?", sponsorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSponsorNotFound
		}
		return nil, err
	}

	leg := requestedLeg
	if leg == nil {
		weak, err := s.weakLeg(sponsor.ID)
		if err != nil {
			return nil, err
		}
		leg = &weak
	}

	// The sponsor's own slot on the chosen leg is the shallowest possible.
	child, err := s.childAt(sponsor.ID, *leg)
	if err != nil {
		return nil, err
	}
	if child == nil {
		return &Slot{ParentID: sponsor.ID, Position: *leg}, nil
	}

	// BFS inside the leg's subtree for the first node missing a child.
	queue := []string{child.ID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		left, err := s.childAt(current, models.LegLeft)
		if err != nil {
			return nil, err
		}
		if left == nil {
			return &Slot{ParentID: current, Position: models.LegLeft}, nil
		}
		right, err := s.childAt(current, models.LegRight)
		if err != nil {
			return nil, err
		}
		if right == nil {
			return &Slot{ParentID: current, Position: models.LegRight}, nil
		}
		queue = append(queue, left.ID, right.ID)
	}

	// Unreachable: a finite binary tree always has an open slot.
	return nil, fmt.Errorf("no open slot under sponsor %s", sponsorID)
}

// PlaceMember registers a new member into the tree: resolves the slot,
// creates the row with a fresh referral code, and audits the placement.
// The (parent_id, position) unique index backs the one-left-one-right
// invariant even under concurrent registrations into the same subtree.
func (s *TreeService) PlaceMember(memberID, sponsorID, displayName string, rank models.PackageRank, requestedLeg *models.Leg) (*models.Member, error) {
	slot, err := s.FindSlot(sponsorID, requestedLeg)
	if err != nil {
		return nil, err
	}

	member := models.Member{
		ID:           memberID,
		DisplayName:  displayName,
		ParentID:     &slot.ParentID,
		Position:     &slot.Position,
		SponsorID:    &sponsorID,
		PackageRank:  rank,
		ReferralCode: utils.NewReferralCode(displayName),
		Active:       true,
	}

	if err := s.DB.Create(&member).Error; err != nil {
		if isUniqueViolation(err) {
			// Another registration won the slot between FindSlot and Create.
			// The caller retries; FindSlot will resolve the next open slot.
			return nil, ErrSlotTaken
		}
		return nil, err
	}

	s.Audit.Record("member.placed", "member", member.ID, "engine", map[string]any{
		"parent_id":  slot.ParentID,
		"position":   slot.Position,
		"sponsor_id": sponsorID,
	})
	log.Printf("[TREE] Placed member %s under %s (%s)", member.ID, slot.ParentID, slot.Position)
	return &member, nil
}

// AncestorsOf returns the upward chain from memberID, nearest first, as a
// snapshot list (commission settlement iterates it once per commission type
// over a stable view). maxDepth <= 0 means unbounded.
func (s *TreeService) AncestorsOf(memberID string, maxDepth int) ([]AncestorLink, error) {
	var current models.Member
	if err := s.DB.First(&current, "id = ?", memberID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}

	chain := []AncestorLink{}
	for current.ParentID != nil {
		if maxDepth > 0 && len(chain) >= maxDepth {
			break
		}
		via := models.LegLeft
		if current.Position != nil {
			via = *current.Position
		}
		var parent models.Member
		if err := s.DB.First(&parent, "id = ?", *current.ParentID).Error; err != nil {
			return nil, fmt.Errorf("broken parent link on member %s: %w", current.ID, err)
		}
		chain = append(chain, AncestorLink{Member: parent, Via: via})
		current = parent
	}
	return chain, nil
}

// weakLeg compares subtree member counts under the sponsor. Counts, not
// volumes: counts are what auto-placement balances.
func (s *TreeService) weakLeg(sponsorID string) (models.Leg, error) {
	leftCount, err := s.subtreeSize(sponsorID, models.LegLeft)
	if err != nil {
		return "", err
	}
	rightCount, err := s.subtreeSize(sponsorID, models.LegRight)
	if err != nil {
		return "", err
	}
	if rightCount < leftCount {
		return models.LegRight, nil
	}
	return models.LegLeft, nil
}

// subtreeSize counts members in one leg's subtree by level-order expansion.
func (s *TreeService) subtreeSize(rootID string, leg models.Leg) (int, error) {
	top, err := s.childAt(rootID, leg)
	if err != nil {
		return 0, err
	}
	if top == nil {
		return 0, nil
	}

	count := 0
	queue := []string{top.ID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		count++

		var children []models.Member
		if err := s.DB.Where("parent_id = ?", current).Find(&children).Error; err != nil {
			return 0, err
		}
		for _, c := range children {
			queue = append(queue, c.ID)
		}
	}
	return count, nil
}

func (s *TreeService) childAt(parentID string, leg models.Leg) (*models.Member, error) {
	var child models.Member
	err := s.DB.Where("parent_id = ? AND position = ?", parentID, leg).First(&child).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &child, nil
}

// isUniqueViolation matches unique-index conflicts across postgres and the
// sqlite test driver without importing either driver's error types here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "23505")
}
