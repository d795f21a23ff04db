package iso8583

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moov-io/iso8583"
	connection "github.com/moov-io/iso8583-connection"
	"github.com/moov-io/iso8583-connection/server"
	"golang.org/x/exp/slog"

	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/jonanatree/cyberbank/internal/expiry"
	"github.com/jonanatree/cyberbank/issuer/models"
)

// Response codes set in field 39.
const (
	CodeApproved    = "00"
	CodeUnknownCard = "14"
	CodeFormatError = "30"
	CodeExpired     = "54"
	CodeBlocked     = "62"
	CodeCVVMismatch = "N7"
	CodeSystemError = "96"
)

const verificationTimeout = 5 * time.Second

// Verifier checks card credentials.
type Verifier interface {
	VerifyCard(ctx context.Context, v models.Verification) (models.VerificationResult, error)
}

type Server struct {
	Addr     string
	logger   *slog.Logger
	verifier Verifier
	server   *server.Server
}

func NewServer(logger *slog.Logger, addr string, verifier Verifier) *Server {
	return &Server{
		Addr:     addr,
		logger:   logger.With(slog.String("module", "iso8583")),
		verifier: verifier,
	}
}

func (s *Server) Start() error {
	srv := server.New(Spec, ReadMessageLength, WriteMessageLength, connection.InboundMessageHandler(s.handleMessage))
	if err := srv.Start(s.Addr); err != nil {
		return fmt.Errorf("starting iso8583 server: %w", err)
	}
	s.Addr = srv.Addr
	s.server = srv
	s.logger.Info("iso8583 server started", slog.String("addr", s.Addr))
	return nil
}

func (s *Server) Close() error {
	if s.server != nil {
		s.server.Close()
	}
	return nil
}

func (s *Server) handleMessage(c *connection.Connection, message *iso8583.Message) {
	mti, err := message.GetMTI()
	if err != nil {
		s.logger.Error("reading mti", "err", err)
		return
	}
	if mti != MTIVerificationRequest {
		s.logger.Info("unsupported message", slog.String("mti", mti))
		return
	}

	response := iso8583.NewMessage(Spec)
	response.MTI(MTIVerificationResponse)
	for _, id := range []int{FieldPAN, FieldSTAN} {
		if v, err := message.GetString(id); err == nil && v != "" {
			if err := response.Field(id, v); err != nil {
				s.logger.Error("echoing field", slog.Int("field", id), "err", err)
			}
		}
	}

	code := s.verify(message)
	if err := response.Field(FieldResponseCode, code); err != nil {
		s.logger.Error("setting response code", "err", err)
		return
	}
	if err := c.Reply(response); err != nil {
		s.logger.Error("replying", "err", err)
	}
}

func (s *Server) verify(message *iso8583.Message) string {
	v, err := verificationFromMessage(message)
	if err != nil {
		s.logger.Info("malformed verification request", "err", err)
		return CodeFormatError
	}

	ctx, cancel := context.WithTimeout(context.Background(), verificationTimeout)
	defer cancel()

	result, err := s.verifier.VerifyCard(ctx, v)
	if err != nil {
		if errors.Is(err, models.ErrInvalidVerification) {
			return CodeFormatError
		}
		s.logger.Error("verifying card", slog.String("pan", cardgen.MaskPAN(v.Number)), "err", err)
		return CodeSystemError
	}
	return ResponseCode(result)
}

// verificationFromMessage converts the YYMM in field 14 into the card face
// form the verifier expects.
func verificationFromMessage(message *iso8583.Message) (models.Verification, error) {
	pan, err := message.GetString(FieldPAN)
	if err != nil {
		return models.Verification{}, fmt.Errorf("reading pan: %w", err)
	}
	yymm, err := message.GetString(FieldExpiry)
	if err != nil {
		return models.Verification{}, fmt.Errorf("reading expiry: %w", err)
	}
	if err := expiry.ValidateYYMM(yymm); err != nil {
		return models.Verification{}, err
	}
	cvv, err := message.GetString(FieldCVV2)
	if err != nil {
		return models.Verification{}, fmt.Errorf("reading cvv2: %w", err)
	}
	return models.Verification{
		Number: pan,
		Expiry: yymm[2:] + yymm[:2],
		CVV:    cvv,
	}, nil
}

// ResponseCode maps a verification result to field 39.
func ResponseCode(result models.VerificationResult) string {
	switch result {
	case models.VerificationApproved:
		return CodeApproved
	case models.VerificationUnknownCard:
		return CodeUnknownCard
	case models.VerificationBlocked:
		return CodeBlocked
	case models.VerificationExpired, models.VerificationExpiryMismatch:
		return CodeExpired
	case models.VerificationCVVMismatch:
		return CodeCVVMismatch
	default:
		return CodeSystemError
	}
}
