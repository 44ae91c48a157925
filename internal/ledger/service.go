package ledger

import (
	"context"
	"fmt"
)

// Service wraps a Repository with request validation. It keeps no state of
// its own: a reserve call is not idempotent, and duplicate-delivery
// protection belongs to the caller (the event consumers keep checkpoints
// for theirs).
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context, productID string) (StockRecord, error) {
	if productID == "" {
		return StockRecord{}, fmt.Errorf("%w: product id is required", ErrInvalidLine)
	}
	return s.repo.Get(ctx, productID)
}

func (s *Service) SetStock(ctx context.Context, productID, name string, stock int) error {
	if productID == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidLine)
	}
	if stock < 0 {
		return fmt.Errorf("%w: stock must not be negative", ErrInvalidLine)
	}
	return s.repo.SetStock(ctx, productID, name, stock)
}

func (s *Service) Reserve(ctx context.Context, lines []Line) error {
	if err := validateLines(lines); err != nil {
		return err
	}
	return s.repo.Reserve(ctx, lines)
}

func (s *Service) Release(ctx context.Context, lines []Line) error {
	if err := validateLines(lines); err != nil {
		return err
	}
	return s.repo.Release(ctx, lines)
}

func (s *Service) Deduct(ctx context.Context, lines []Line) error {
	if err := validateLines(lines); err != nil {
		return err
	}
	return s.repo.Deduct(ctx, lines)
}

func validateLines(lines []Line) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrInvalidLine)
	}
	for _, line := range lines {
		if line.ProductID == "" {
			return fmt.Errorf("%w: product id is required", ErrInvalidLine)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be positive for product %s", ErrInvalidLine, line.ProductID)
		}
	}
	return nil
}
