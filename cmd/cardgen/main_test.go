package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jonanatree/cyberbank/internal/cardgen"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).Run(context.Background(), append([]string{"cardgen"}, args...))
	return out.String(), err
}

func TestNumber(t *testing.T) {
	out, err := run(t, "number", "--prefix", "123456", "--issuer-code", "78", "--count", "20")
	require.NoError(t, err)

	lines := strings.Fields(out)
	require.Len(t, lines, 20)
	for _, n := range lines {
		require.Len(t, n, 16)
		require.True(t, strings.HasPrefix(n, "12345678"))
		require.True(t, cardgen.ValidLuhn(n), n)
	}
}

func TestNumber_ConfigError(t *testing.T) {
	_, err := run(t, "number", "--prefix", "1234567890", "--issuer-code", "123456", "--length", "16")
	require.ErrorIs(t, err, cardgen.ErrNumberTooShort)
}

func TestCVV(t *testing.T) {
	out, err := run(t, "cvv", "--number", "4000001234567899", "--expiry", "2029-10-14", "--key", "test-secret")
	require.NoError(t, err)
	require.Equal(t, "834\n", out)

	out, err = run(t, "cvv", "--number", "4000001234567899", "--expiry", " 2029-10-14 ", "--key", "test-secret")
	require.NoError(t, err)
	require.Equal(t, "834\n", out)

	_, err = run(t, "cvv", "--number", "4000001234567899", "--expiry", "10/29", "--key", "test-secret")
	require.Error(t, err)
}

func TestCheck(t *testing.T) {
	out, err := run(t, "check", "4000001234567899")
	require.NoError(t, err)
	require.Equal(t, "400000******7899 valid\n", out)

	_, err = run(t, "check", "4000001234567890")
	require.Error(t, err)
}

func TestIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cards", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"c1","number":"4000001234567899","masked_number":"400000******7899","cvv":"834","card_face":"10/29","expiry_date":"2029-10-14"}`))
	}))
	defer srv.Close()

	out, err := run(t, "issue", "--issuer", srv.URL, "--account", "acc-1")
	require.NoError(t, err)
	require.Contains(t, out, "PAN: 400000******7899")
	require.NotContains(t, out, "834")

	out, err = run(t, "issue", "--issuer", srv.URL, "--account", "acc-1", "--verbose")
	require.NoError(t, err)
	require.Contains(t, out, "PAN: 4000001234567899")
	require.Contains(t, out, "CVV: 834")
}
