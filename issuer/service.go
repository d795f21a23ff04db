package issuer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/jonanatree/cyberbank/internal/expiry"
	"github.com/jonanatree/cyberbank/internal/metrics"
	"github.com/jonanatree/cyberbank/internal/security"
	"github.com/jonanatree/cyberbank/issuer/models"
)

// ErrInvalidRequest is returned for issuance requests that fail validation.
var ErrInvalidRequest = errors.New("invalid request")

// createAttempts bounds regeneration when an insert loses a uniqueness race.
const createAttempts = 5

// ServiceConfig wires the service. Numbers, CVV and Policy are required.
type ServiceConfig struct {
	Numbers *cardgen.Generator
	CVV     security.CVVProvider
	Policy  *expiry.Policy

	// DefaultProduct is used when a request names no product.
	DefaultProduct string
	// UniqueRetries is passed to GenerateUnique.
	UniqueRetries int
	// ReissueWindowDays is how long before expiry a card is due for reissue.
	ReissueWindowDays int

	Logger  *slog.Logger
	Metrics metrics.Recorder
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service issues and verifies cards. It does not own accounts: AccountID is an
// opaque reference supplied by the caller.
type Service struct {
	repo *Repository
	cfg  ServiceConfig
}

func NewService(repo *Repository, cfg ServiceConfig) *Service {
	if cfg.DefaultProduct == "" {
		cfg.DefaultProduct = "debit"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{repo: repo, cfg: cfg}
}

// IssueCard generates a unique card number, its expiry date and CVV, and
// stores the card. The number and CVV are only returned here.
func (s *Service) IssueCard(ctx context.Context, req models.IssueCard) (*models.IssuedCard, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", ErrInvalidRequest)
	}
	product := strings.ToLower(strings.TrimSpace(req.Product))
	if product == "" {
		product = s.cfg.DefaultProduct
	}

	now := s.cfg.Now()
	exp := s.cfg.Policy.ExpiryDate(now, s.cfg.Policy.YearsForProduct(product, 0))
	expDate := expiry.FormatDate(exp)

	exists := func(ctx context.Context, pan string) (bool, error) {
		used, err := s.repo.ExistsCardNumber(ctx, pan)
		if used {
			s.cfg.Metrics.NumberCollision()
		}
		return used, err
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		pan, err := s.cfg.Numbers.GenerateUnique(ctx, exists, s.cfg.UniqueRetries)
		if err != nil {
			return nil, fmt.Errorf("generate unique pan: %w", err)
		}
		cvv, err := s.cfg.CVV.DeriveCVV(pan, expDate)
		if err != nil {
			return nil, fmt.Errorf("derive cvv: %w", err)
		}
		card := &models.Card{
			ID:             uuid.New().String(),
			AccountID:      accountID,
			BIN:            s.cfg.Numbers.Prefix(),
			Last4:          cardgen.LastN(pan, 4),
			ExpiryDate:     exp,
			CardholderName: NormalizeCardName(req.CardholderName),
			Product:        product,
			Status:         models.CardStatusActive,
			CreatedAt:      now.UTC(),
		}
		err = s.repo.CreateCard(ctx, card, pan)
		if err == nil {
			s.cfg.Metrics.CardIssued(product)
			s.cfg.Logger.Info("card issued",
				slog.String("card_id", card.ID),
				slog.String("pan", cardgen.MaskPAN(pan)),
				slog.String("product", product))
			return &models.IssuedCard{Card: *card, Number: pan, CVV: cvv}, nil
		}
		if errors.Is(err, ErrConflict) {
			s.cfg.Metrics.NumberCollision()
			continue
		}
		return nil, fmt.Errorf("creating card: %w", err)
	}
	return nil, fmt.Errorf("could not create unique card after %d attempts: %w", createAttempts, ErrConflict)
}

func (s *Service) GetCard(ctx context.Context, cardID string) (*models.Card, error) {
	if _, err := uuid.Parse(cardID); err != nil {
		return nil, ErrNotFound
	}
	card, err := s.repo.GetCard(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("finding card: %w", err)
	}
	return card, nil
}

func (s *Service) BlockCard(ctx context.Context, cardID string) (*models.Card, error) {
	return s.setStatus(ctx, cardID, models.CardStatusBlocked)
}

func (s *Service) ActivateCard(ctx context.Context, cardID string) (*models.Card, error) {
	return s.setStatus(ctx, cardID, models.CardStatusActive)
}

func (s *Service) setStatus(ctx context.Context, cardID string, status models.CardStatus) (*models.Card, error) {
	if _, err := uuid.Parse(cardID); err != nil {
		return nil, ErrNotFound
	}
	card, err := s.repo.UpdateStatus(ctx, cardID, status)
	if err != nil {
		return nil, fmt.Errorf("updating card status: %w", err)
	}
	s.cfg.Logger.Info("card status changed", slog.String("card_id", cardID), slog.String("status", string(status)))
	return card, nil
}

// VerifyCard checks a card number, card face expiry and CVV against the
// stored card. The CVV is re-derived from the presented number and the stored
// expiry date. Malformed input returns models.ErrInvalidVerification.
func (s *Service) VerifyCard(ctx context.Context, v models.Verification) (models.VerificationResult, error) {
	pan := cardgen.NormalizePAN(v.Number)
	if err := cardgen.ValidatePAN(pan); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidVerification, err)
	}
	yymm, err := expiry.ParseCardFace(v.Expiry)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidVerification, err)
	}
	if len(v.CVV) != security.CVVLength || !cardgen.IsDigits(v.CVV) {
		return "", fmt.Errorf("%w: cvv must be %d digits", models.ErrInvalidVerification, security.CVVLength)
	}

	result, err := s.verify(ctx, pan, yymm, v.CVV)
	if err != nil {
		return "", err
	}
	s.cfg.Metrics.Verification(string(result))
	s.cfg.Logger.Info("card verified", slog.String("pan", cardgen.MaskPAN(pan)), slog.String("result", string(result)))
	return result, nil
}

func (s *Service) verify(ctx context.Context, pan, yymm, cvv string) (models.VerificationResult, error) {
	card, err := s.repo.FindCardByNumber(ctx, pan)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.VerificationUnknownCard, nil
		}
		return "", fmt.Errorf("finding card: %w", err)
	}
	if card.Status == models.CardStatusBlocked {
		return models.VerificationBlocked, nil
	}
	if yymm != expiry.YYMM(card.ExpiryDate) {
		return models.VerificationExpiryMismatch, nil
	}
	expired, err := s.cfg.Policy.IsExpired(yymm, s.cfg.Now())
	if err != nil {
		return "", err
	}
	if expired {
		return models.VerificationExpired, nil
	}
	ok, err := security.VerifyCVV(s.cfg.CVV, pan, expiry.FormatDate(card.ExpiryDate), cvv)
	if err != nil {
		return "", fmt.Errorf("verify cvv: %w", err)
	}
	if !ok {
		return models.VerificationCVVMismatch, nil
	}
	return models.VerificationApproved, nil
}

// ScanReissue returns active cards inside the reissue window at now.
func (s *Service) ScanReissue(ctx context.Context, now time.Time) ([]*models.Card, error) {
	window := s.cfg.ReissueWindowDays
	candidates, err := s.repo.ListReissueCandidates(ctx, now.AddDate(0, 0, window))
	if err != nil {
		return nil, fmt.Errorf("listing reissue candidates: %w", err)
	}
	var due []*models.Card
	for _, c := range candidates {
		ok, err := s.cfg.Policy.ReissueDue(expiry.YYMM(c.ExpiryDate), now, window)
		if err != nil {
			return nil, err
		}
		if ok {
			due = append(due, c)
		}
	}
	s.cfg.Metrics.ReissueDue(len(due))
	s.cfg.Logger.Info("reissue scan finished", slog.Int("due", len(due)), slog.Int("window_days", window))
	return due, nil
}

// NormalizeCardName upper-cases the name, collapses whitespace and cuts it to
// the 26 characters that fit on a card face.
func NormalizeCardName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	up := strings.ToUpper(strings.Join(strings.Fields(trimmed), " "))
	if len(up) > 26 {
		return up[:26]
	}
	return up
}
