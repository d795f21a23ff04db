// Package cardgen generates and inspects card numbers (PANs).
package cardgen

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultLength is the card number length used when none is configured.
const DefaultLength = 16

var (
	// ErrNumberTooShort is returned when prefix and issuer code leave no room
	// for the random fill and the check digit.
	ErrNumberTooShort = errors.New("prefix and issuer code are too long for the card length")
	// ErrInvalidLength is returned for lengths that cannot hold a body digit
	// and a check digit.
	ErrInvalidLength = errors.New("card number length must be at least 2")
	// ErrNonNumeric is returned when the prefix or issuer code contain non-digits.
	ErrNonNumeric = errors.New("must contain digits only")
	// ErrNotUnique is returned by GenerateUnique when every attempt collided.
	ErrNotUnique = errors.New("could not generate a unique card number")
)

// GeneratorConfig is the read-only configuration of a Generator.
type GeneratorConfig struct {
	Prefix     string
	IssuerCode string
	// Length is the full card number length including the check digit.
	// Zero means DefaultLength.
	Length int
	// Rand is the source of the random fill. Nil means crypto/rand.Reader.
	// A custom reader must be safe for concurrent use if the Generator is shared.
	Rand io.Reader
}

// Generator produces Luhn-valid card numbers for one prefix and issuer code.
// It holds no mutable state and is safe for concurrent use.
type Generator struct {
	prefix string
	length int
	rand   io.Reader
}

// NewGenerator validates cfg and returns a Generator. Configuration errors are
// returned here so that they surface at startup rather than per card.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	length := cfg.Length
	if length == 0 {
		length = DefaultLength
	}
	if err := checkLayout(cfg.Prefix, cfg.IssuerCode, length); err != nil {
		return nil, err
	}
	r := cfg.Rand
	if r == nil {
		r = rand.Reader
	}
	return &Generator{
		prefix: cfg.Prefix + cfg.IssuerCode,
		length: length,
		rand:   r,
	}, nil
}

// Prefix returns prefix + issuer code, the leading digits of every number.
func (g *Generator) Prefix() string { return g.prefix }

// Length returns the generated card number length.
func (g *Generator) Length() int { return g.length }

// Generate returns a new card number. Uniqueness is not checked.
func (g *Generator) Generate() (string, error) {
	return generate(g.rand, g.prefix, g.length)
}

// GenerateUnique generates card numbers until exists reports one as unused.
// exists is usually backed by the card store. At most maxRetries+1 numbers are
// tried; maxRetries <= 0 means 5.
func (g *Generator) GenerateUnique(
	ctx context.Context,
	exists func(ctx context.Context, pan string) (bool, error),
	maxRetries int,
) (string, error) {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	for i := 0; i <= maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		pan, err := g.Generate()
		if err != nil {
			return "", err
		}
		if exists == nil {
			return pan, nil
		}
		used, err := exists(ctx, pan)
		if err != nil {
			return "", fmt.Errorf("exists callback: %w", err)
		}
		if !used {
			return pan, nil
		}
	}
	return "", fmt.Errorf("%w after %d retries", ErrNotUnique, maxRetries)
}

// GenerateCardNumber returns a card number of the given length made of prefix,
// issuerCode, random digits and a Luhn check digit.
func GenerateCardNumber(prefix, issuerCode string, length int) (string, error) {
	if err := checkLayout(prefix, issuerCode, length); err != nil {
		return "", err
	}
	return generate(rand.Reader, prefix+issuerCode, length)
}

func checkLayout(prefix, issuerCode string, length int) error {
	if length < 2 {
		return fmt.Errorf("%w: got %d", ErrInvalidLength, length)
	}
	if !IsDigits(prefix) {
		return fmt.Errorf("prefix %w", ErrNonNumeric)
	}
	if !IsDigits(issuerCode) {
		return fmt.Errorf("issuer code %w", ErrNonNumeric)
	}
	if len(prefix)+len(issuerCode) >= length {
		return fmt.Errorf("%w: %d prefix digits for length %d", ErrNumberTooShort, len(prefix)+len(issuerCode), length)
	}
	return nil
}

func generate(r io.Reader, prefix string, length int) (string, error) {
	fill, err := randomDigits(r, length-len(prefix)-1)
	if err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	body := prefix + fill
	return body + string(CheckDigit(body)), nil
}

// maxEmptyReads bounds consecutive reads that return no bytes and no error.
const maxEmptyReads = 100

// randomDigits reads count uniformly distributed decimal digits from r.
// Bytes >= 250 are rejected so that b%10 carries no modulo bias.
func randomDigits(r io.Reader, count int) (string, error) {
	if count <= 0 {
		return "", nil
	}
	const threshold = 250 // 256 - (256 % 10)
	var sb strings.Builder
	sb.Grow(count)
	buf := make([]byte, 64)
	empty := 0
	for sb.Len() < count {
		n, err := r.Read(buf)
		if n == 0 {
			if err != nil {
				return "", err
			}
			if empty++; empty >= maxEmptyReads {
				return "", io.ErrNoProgress
			}
			continue
		}
		empty = 0
		for i := 0; i < n && sb.Len() < count; i++ {
			if b := buf[i]; b < threshold {
				sb.WriteByte('0' + b%10)
			}
		}
	}
	return sb.String(), nil
}

// CheckDigit returns the Luhn check digit for body. Starting at the rightmost
// digit of body, every second digit is doubled (minus 9 when above 9).
func CheckDigit(body string) byte {
	sum, dbl := 0, true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if dbl {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		dbl = !dbl
	}
	return '0' + byte((10-sum%10)%10)
}

// ValidLuhn reports whether number is all digits and ends in its check digit.
func ValidLuhn(number string) bool {
	if len(number) < 2 || !IsDigits(number) {
		return false
	}
	return number[len(number)-1] == CheckDigit(number[:len(number)-1])
}

// ValidatePAN checks that pan is 13..19 digits with a valid check digit.
func ValidatePAN(pan string) error {
	if pan == "" {
		return fmt.Errorf("pan is required")
	}
	if !IsDigits(pan) {
		return fmt.Errorf("pan must contain digits only")
	}
	if l := len(pan); l < 13 || l > 19 {
		return fmt.Errorf("pan length must be 13..19 digits (got %d)", l)
	}
	if !ValidLuhn(pan) {
		return fmt.Errorf("invalid luhn check digit")
	}
	return nil
}

func IsDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func LastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// MaskPAN keeps the first six and last four digits. Short inputs keep at most
// the last four.
func MaskPAN(pan string) string {
	cleaned := NormalizePAN(pan)
	n := len(cleaned)
	if n == 0 {
		return ""
	}
	if n <= 4 {
		return strings.Repeat("*", n)
	}
	if n < 10 {
		return strings.Repeat("*", n-4) + cleaned[n-4:]
	}
	return cleaned[:6] + strings.Repeat("*", n-10) + cleaned[n-4:]
}

// NormalizePAN strips spaces, tabs and dashes.
func NormalizePAN(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-':
			return -1
		default:
			return r
		}
	}, s)
}
