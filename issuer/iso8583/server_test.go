package iso8583

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moov-io/iso8583"
	connection "github.com/moov-io/iso8583-connection"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/jonanatree/cyberbank/issuer/models"
)

type verifierFunc func(ctx context.Context, v models.Verification) (models.VerificationResult, error)

func (f verifierFunc) VerifyCard(ctx context.Context, v models.Verification) (models.VerificationResult, error) {
	return f(ctx, v)
}

func startServer(t *testing.T, v Verifier) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(logger, "127.0.0.1:0", v)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dial(t *testing.T, addr string) *connection.Connection {
	t.Helper()
	c, err := connection.New(addr, Spec, ReadMessageLength, WriteMessageLength,
		connection.SendTimeout(2*time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	return c
}

func request(t *testing.T, pan, stan, yymm, cvv string) *iso8583.Message {
	t.Helper()
	msg := iso8583.NewMessage(Spec)
	msg.MTI(MTIVerificationRequest)
	require.NoError(t, msg.Field(FieldPAN, pan))
	require.NoError(t, msg.Field(FieldSTAN, stan))
	if yymm != "" {
		require.NoError(t, msg.Field(FieldExpiry, yymm))
	}
	if cvv != "" {
		require.NoError(t, msg.Field(FieldCVV2, cvv))
	}
	return msg
}

func TestServer_Verification(t *testing.T) {
	seen := make(chan models.Verification, 1)
	srv := startServer(t, verifierFunc(func(_ context.Context, v models.Verification) (models.VerificationResult, error) {
		seen <- v
		return models.VerificationApproved, nil
	}))
	c := dial(t, srv.Addr)

	resp, err := c.Send(request(t, "4000001234567899", "000001", "2910", "834"))
	require.NoError(t, err)

	mti, err := resp.GetMTI()
	require.NoError(t, err)
	require.Equal(t, MTIVerificationResponse, mti)

	code, err := resp.GetString(FieldResponseCode)
	require.NoError(t, err)
	require.Equal(t, CodeApproved, code)

	stan, err := resp.GetString(FieldSTAN)
	require.NoError(t, err)
	require.Equal(t, "000001", stan)

	echoed, err := resp.GetString(FieldPAN)
	require.NoError(t, err)
	require.Equal(t, "4000001234567899", echoed)

	got := <-seen
	require.Equal(t, "4000001234567899", got.Number)
	require.Equal(t, "1029", got.Expiry)
	require.Equal(t, "834", got.CVV)
}

func TestServer_ResponseCodes(t *testing.T) {
	tests := []struct {
		name   string
		result models.VerificationResult
		err    error
		want   string
	}{
		{"unknown card", models.VerificationUnknownCard, nil, CodeUnknownCard},
		{"blocked", models.VerificationBlocked, nil, CodeBlocked},
		{"cvv mismatch", models.VerificationCVVMismatch, nil, CodeCVVMismatch},
		{"invalid", "", models.ErrInvalidVerification, CodeFormatError},
		{"system", "", errors.New("db down"), CodeSystemError},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startServer(t, verifierFunc(func(context.Context, models.Verification) (models.VerificationResult, error) {
				return tt.result, tt.err
			}))
			c := dial(t, srv.Addr)

			stan := "00010" + string(rune('0'+i))
			resp, err := c.Send(request(t, "4000001234567899", stan, "2910", "834"))
			require.NoError(t, err)

			code, err := resp.GetString(FieldResponseCode)
			require.NoError(t, err)
			require.Equal(t, tt.want, code)
		})
	}
}

func TestServer_FormatError(t *testing.T) {
	var called atomic.Bool
	srv := startServer(t, verifierFunc(func(context.Context, models.Verification) (models.VerificationResult, error) {
		called.Store(true)
		return models.VerificationApproved, nil
	}))
	c := dial(t, srv.Addr)

	resp, err := c.Send(request(t, "4000001234567899", "000002", "2913", "834"))
	require.NoError(t, err)

	code, err := resp.GetString(FieldResponseCode)
	require.NoError(t, err)
	require.Equal(t, CodeFormatError, code)
	require.False(t, called.Load())
}

func TestResponseCode(t *testing.T) {
	require.Equal(t, CodeApproved, ResponseCode(models.VerificationApproved))
	require.Equal(t, CodeExpired, ResponseCode(models.VerificationExpired))
	require.Equal(t, CodeExpired, ResponseCode(models.VerificationExpiryMismatch))
	require.Equal(t, CodeSystemError, ResponseCode("SOMETHING_ELSE"))
}
