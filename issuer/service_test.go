package issuer_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/jonanatree/cyberbank/internal/expiry"
	"github.com/jonanatree/cyberbank/internal/security"
	"github.com/jonanatree/cyberbank/issuer"
	"github.com/jonanatree/cyberbank/issuer/models"
)

const testSecret = "test-secret"

type countingRecorder struct {
	mu            sync.Mutex
	issued        map[string]int
	collisions    int
	verifications map[string]int
	reissueDue    int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{issued: map[string]int{}, verifications: map[string]int{}}
}

func (r *countingRecorder) CardIssued(product string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issued[product]++
}

func (r *countingRecorder) NumberCollision() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collisions++
}

func (r *countingRecorder) Verification(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifications[result]++
}

func (r *countingRecorder) ReissueDue(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reissueDue = count
}

type fixture struct {
	svc     *issuer.Service
	cvv     *security.HMACProvider
	metrics *countingRecorder
	now     time.Time
}

func newFixture(t *testing.T, rand io.Reader) *fixture {
	t.Helper()
	numbers, err := cardgen.NewGenerator(cardgen.GeneratorConfig{
		Prefix:     "400000",
		IssuerCode: "12",
		Length:     16,
		Rand:       rand,
	})
	require.NoError(t, err)
	cvv, err := security.NewHMACProvider([]byte(testSecret))
	require.NoError(t, err)

	f := &fixture{
		cvv:     cvv,
		metrics: newCountingRecorder(),
		now:     time.Date(2024, 10, 14, 9, 30, 0, 0, time.UTC),
	}
	f.svc = issuer.NewService(issuer.NewRepository(), issuer.ServiceConfig{
		Numbers:           numbers,
		CVV:               cvv,
		Policy:            expiry.NewPolicy(time.UTC, nil),
		ReissueWindowDays: 30,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:           f.metrics,
		Now:               func() time.Time { return f.now },
	})
	return f
}

func TestService_IssueCard(t *testing.T) {
	f := newFixture(t, nil)

	issued, err := f.svc.IssueCard(context.Background(), models.IssueCard{
		AccountID:      "acc-1",
		CardholderName: "  jane   doe ",
	})
	require.NoError(t, err)

	require.Len(t, issued.Number, 16)
	require.Equal(t, "40000012", issued.Number[:8])
	require.True(t, cardgen.ValidLuhn(issued.Number))
	require.Equal(t, "40000012", issued.BIN)
	require.Equal(t, issued.Number[12:], issued.Last4)
	require.Equal(t, "debit", issued.Product)
	require.Equal(t, "JANE DOE", issued.CardholderName)
	require.Equal(t, models.CardStatusActive, issued.Status)
	require.Equal(t, "2029-10-14", expiry.FormatDate(issued.ExpiryDate))

	want, err := f.cvv.DeriveCVV(issued.Number, "2029-10-14")
	require.NoError(t, err)
	require.Equal(t, want, issued.CVV)

	require.Equal(t, 1, f.metrics.issued["debit"])

	stored, err := f.svc.GetCard(context.Background(), issued.ID)
	require.NoError(t, err)
	require.Equal(t, issued.Last4, stored.Last4)
}

func TestService_IssueCard_ProductYears(t *testing.T) {
	f := newFixture(t, nil)

	issued, err := f.svc.IssueCard(context.Background(), models.IssueCard{AccountID: "acc-1", Product: "Credit"})
	require.NoError(t, err)
	require.Equal(t, "credit", issued.Product)
	require.Equal(t, "2027-10-14", expiry.FormatDate(issued.ExpiryDate))
}

func TestService_IssueCard_RequiresAccount(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.IssueCard(context.Background(), models.IssueCard{AccountID: " "})
	require.ErrorIs(t, err, issuer.ErrInvalidRequest)
}

func TestService_IssueCard_RegeneratesOnCollision(t *testing.T) {
	// the second issuance first draws the number already held by the first
	digits := []byte{1, 2, 3, 4, 5, 6, 7, 1, 2, 3, 4, 5, 6, 7, 7, 6, 5, 4, 3, 2, 1}
	f := newFixture(t, iotest.OneByteReader(bytes.NewReader(digits)))

	first, err := f.svc.IssueCard(context.Background(), models.IssueCard{AccountID: "acc-1"})
	require.NoError(t, err)
	require.Equal(t, "400000121234567", first.Number[:15])

	second, err := f.svc.IssueCard(context.Background(), models.IssueCard{AccountID: "acc-2"})
	require.NoError(t, err)
	require.Equal(t, "400000127654321", second.Number[:15])
	require.Equal(t, 1, f.metrics.collisions)
}

func otherCVV(cvv string) string {
	n, _ := strconv.Atoi(cvv)
	return fmt.Sprintf("%03d", (n+1)%1000)
}

func TestService_VerifyCard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	issued, err := f.svc.IssueCard(ctx, models.IssueCard{AccountID: "acc-1"})
	require.NoError(t, err)

	tests := []struct {
		name string
		v    models.Verification
		want models.VerificationResult
	}{
		{"approved", models.Verification{Number: issued.Number, Expiry: "10/29", CVV: issued.CVV}, models.VerificationApproved},
		{"approved without slash", models.Verification{Number: issued.Number, Expiry: "1029", CVV: issued.CVV}, models.VerificationApproved},
		{"cvv mismatch", models.Verification{Number: issued.Number, Expiry: "10/29", CVV: otherCVV(issued.CVV)}, models.VerificationCVVMismatch},
		{"expiry mismatch", models.Verification{Number: issued.Number, Expiry: "11/29", CVV: issued.CVV}, models.VerificationExpiryMismatch},
		{"unknown card", models.Verification{Number: "4242424242424242", Expiry: "10/29", CVV: issued.CVV}, models.VerificationUnknownCard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.VerifyCard(ctx, tt.v)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	t.Run("blocked", func(t *testing.T) {
		_, err := f.svc.BlockCard(ctx, issued.ID)
		require.NoError(t, err)
		got, err := f.svc.VerifyCard(ctx, models.Verification{Number: issued.Number, Expiry: "10/29", CVV: issued.CVV})
		require.NoError(t, err)
		require.Equal(t, models.VerificationBlocked, got)

		_, err = f.svc.ActivateCard(ctx, issued.ID)
		require.NoError(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		f.now = time.Date(2029, 11, 1, 0, 0, 0, 0, time.UTC)
		defer func() { f.now = time.Date(2024, 10, 14, 9, 30, 0, 0, time.UTC) }()

		got, err := f.svc.VerifyCard(ctx, models.Verification{Number: issued.Number, Expiry: "10/29", CVV: issued.CVV})
		require.NoError(t, err)
		require.Equal(t, models.VerificationExpired, got)
	})

	require.Equal(t, 2, f.metrics.verifications[string(models.VerificationApproved)])
}

func TestService_VerifyCard_InvalidInput(t *testing.T) {
	f := newFixture(t, nil)

	for _, v := range []models.Verification{
		{Number: "4000001234567890", Expiry: "10/29", CVV: "123"},
		{Number: "4000001234567899", Expiry: "13/29", CVV: "123"},
		{Number: "4000001234567899", Expiry: "10/29", CVV: "12"},
		{Number: "4000001234567899", Expiry: "10/29", CVV: "12a"},
	} {
		_, err := f.svc.VerifyCard(context.Background(), v)
		require.ErrorIs(t, err, models.ErrInvalidVerification)
	}
}

func TestService_CardStatus_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.GetCard(context.Background(), "not-a-uuid")
	require.ErrorIs(t, err, issuer.ErrNotFound)

	_, err = f.svc.BlockCard(context.Background(), "3b241101-e2bb-4255-8caf-4136c566a962")
	require.ErrorIs(t, err, issuer.ErrNotFound)
}

func TestService_ScanReissue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	issued, err := f.svc.IssueCard(ctx, models.IssueCard{AccountID: "acc-1"})
	require.NoError(t, err)
	_, err = f.svc.IssueCard(ctx, models.IssueCard{AccountID: "acc-2", Product: "credit"})
	require.NoError(t, err)

	due, err := f.svc.ScanReissue(ctx, time.Date(2029, 9, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = f.svc.ScanReissue(ctx, time.Date(2029, 10, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, issued.ID, due[0].ID)
	require.Equal(t, 1, f.metrics.reissueDue)
}

func TestNormalizeCardName(t *testing.T) {
	cases := []struct {
		in  string
		out string
	}{
		{"", ""},
		{"   ", ""},
		{"john  doe", "JOHN DOE"},
		{"  Alice\tSmith  ", "ALICE SMITH"},
		{"very very very very very long name here", "VERY VERY VERY VERY VERY L"},
	}
	for _, c := range cases {
		require.Equal(t, c.out, issuer.NormalizeCardName(c.in), "NormalizeCardName(%q)", c.in)
	}
}
