package issuer

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	validation "github.com/jellydator/validation"

	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/jonanatree/cyberbank/internal/expiry"
	"github.com/jonanatree/cyberbank/issuer/models"
)

var (
	digitsRegex     = regexp.MustCompile(`^[0-9]+$`)
	cardFaceRegex   = regexp.MustCompile(`^[0-9]{2}/?[0-9]{2}$`)
	cardNumberRegex = regexp.MustCompile(`^[0-9 -]+$`)
)

// API is a HTTP API for the issuer service
type API struct {
	issuer *Service
	// verifyLimit wraps the verification route; nil means unlimited.
	verifyLimit func(http.Handler) http.Handler
}

func NewAPI(issuer *Service, verifyLimit func(http.Handler) http.Handler) *API {
	return &API{
		issuer:      issuer,
		verifyLimit: verifyLimit,
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Route("/cards", func(r chi.Router) {
		r.Post("/", a.issueCard)
		r.Group(func(r chi.Router) {
			if a.verifyLimit != nil {
				r.Use(a.verifyLimit)
			}
			r.Post("/verify", a.verifyCard)
		})
		r.Route("/{cardID}", func(r chi.Router) {
			r.Get("/", a.getCard)
			r.Post("/block", a.blockCard)
			r.Post("/activate", a.activateCard)
		})
	})
}

type issueCardRequest models.IssueCard

func (r *issueCardRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.AccountID,
			validation.Required.Error("account_id is required"),
			validation.Length(1, 64).Error("account_id must be between 1 and 64 characters"),
		),
		validation.Field(&r.CardholderName,
			validation.Length(0, 64).Error("cardholder_name must be at most 64 characters"),
		),
		validation.Field(&r.Product,
			validation.Length(0, 32).Error("product must be at most 32 characters"),
		),
	)
}

type verifyCardRequest models.Verification

func (r *verifyCardRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Number,
			validation.Required.Error("number is required"),
			validation.Match(cardNumberRegex).Error("number must be numeric"),
		),
		validation.Field(&r.Expiry,
			validation.Required.Error("expiry is required"),
			validation.Match(cardFaceRegex).Error("expiry must be MM/YY"),
		),
		validation.Field(&r.CVV,
			validation.Required.Error("cvv is required"),
			validation.Length(3, 3).Error("cvv must be 3 digits"),
			validation.Match(digitsRegex).Error("cvv must be 3 digits"),
		),
	)
}

type cardResponse struct {
	*models.Card
	ExpiryDate string `json:"expiry_date"`
	CardFace   string `json:"card_face"`
}

type issuedCardResponse struct {
	cardResponse
	Number       string `json:"number"`
	MaskedNumber string `json:"masked_number"`
	CVV          string `json:"cvv"`
}

func newCardResponse(c *models.Card) cardResponse {
	return cardResponse{
		Card:       c,
		ExpiryDate: expiry.FormatDate(c.ExpiryDate),
		CardFace:   formatCardFace(c),
	}
}

// formatCardFace returns "MM/YY [NAME]".
func formatCardFace(c *models.Card) string {
	face := expiry.CardFace(c.ExpiryDate)
	if c.CardholderName != "" {
		face += " " + c.CardholderName
	}
	return face
}

func (a *API) issueCard(w http.ResponseWriter, r *http.Request) {
	req := issueCardRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	issued, err := a.issuer.IssueCard(r.Context(), models.IssueCard(req))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, issuedCardResponse{
		cardResponse: newCardResponse(&issued.Card),
		Number:       issued.Number,
		MaskedNumber: cardgen.MaskPAN(issued.Number),
		CVV:          issued.CVV,
	})
}

func (a *API) getCard(w http.ResponseWriter, r *http.Request) {
	card, err := a.issuer.GetCard(r.Context(), chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCardResponse(card))
}

func (a *API) blockCard(w http.ResponseWriter, r *http.Request) {
	card, err := a.issuer.BlockCard(r.Context(), chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCardResponse(card))
}

func (a *API) activateCard(w http.ResponseWriter, r *http.Request) {
	card, err := a.issuer.ActivateCard(r.Context(), chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCardResponse(card))
}

func (a *API) verifyCard(w http.ResponseWriter, r *http.Request) {
	req := verifyCardRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := a.issuer.VerifyCard(r.Context(), models.Verification(req))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Result models.VerificationResult `json:"result"`
	}{result})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "card not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, models.ErrInvalidVerification):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
