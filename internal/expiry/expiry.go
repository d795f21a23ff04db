package expiry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the textual expiry date fed into CVV derivation.
const DateLayout = "2006-01-02"

// DefaultYears is the validity used for products without a mapping.
const DefaultYears = 5

// DefaultProductYears maps card products to validity years.
func DefaultProductYears() map[string]int {
	return map[string]int{"credit": 3, "debit": 5}
}

// Policy computes card expiry dates in a fixed time zone. It is built once
// from configuration and is read-only afterwards.
type Policy struct {
	loc          *time.Location
	productYears map[string]int
}

// NewPolicy returns a Policy. A nil loc means UTC and a nil map means
// DefaultProductYears.
func NewPolicy(loc *time.Location, productYears map[string]int) *Policy {
	if loc == nil {
		loc = time.UTC
	}
	years := DefaultProductYears()
	if productYears != nil {
		years = make(map[string]int, len(productYears))
		for k, v := range productYears {
			years[strings.ToLower(k)] = v
		}
	}
	return &Policy{loc: loc, productYears: years}
}

func (p *Policy) Location() *time.Location { return p.loc }

// YearsForProduct returns validity years for product unless override>0.
func (p *Policy) YearsForProduct(product string, override int) int {
	if override > 0 {
		return override
	}
	if y, ok := p.productYears[strings.ToLower(product)]; ok {
		return y
	}
	return DefaultYears
}

// ExpiryDate returns the calendar day issue+years in the policy zone. A leap
// day issue expires on the last day of February.
func (p *Policy) ExpiryDate(issue time.Time, years int) time.Time {
	t := issue.In(p.loc)
	first := time.Date(t.Year()+years, t.Month(), 1, 0, 0, 0, 0, p.loc)
	day := t.Day()
	if last := first.AddDate(0, 1, -1).Day(); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, p.loc)
}

// FormatDate renders an expiry date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses YYYY-MM-DD in loc (UTC when nil).
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expiry date must be YYYY-MM-DD: %w", err)
	}
	return t, nil
}

// YYMM returns the expiry date as YYMM (ISO 8583 DE14).
func YYMM(t time.Time) string {
	return fmt.Sprintf("%02d%02d", t.Year()%100, int(t.Month()))
}

// MMYY returns the expiry date as MMYY.
func MMYY(t time.Time) string {
	return fmt.Sprintf("%02d%02d", int(t.Month()), t.Year()%100)
}

// CardFace returns the expiry date as MM/YY for the card imprint.
func CardFace(t time.Time) string {
	return fmt.Sprintf("%02d/%02d", int(t.Month()), t.Year()%100)
}

// ParseYYMMEndOfMonth parses YYMM into the last instant of that month in loc.
func ParseYYMMEndOfMonth(yymm string, loc *time.Location) (time.Time, error) {
	if err := ValidateYYMM(yymm); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	yy, _ := strconv.Atoi(yymm[:2])
	mm, _ := strconv.Atoi(yymm[2:])
	firstNext := time.Date(2000+yy, time.Month(mm), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
	return firstNext.Add(-time.Nanosecond), nil
}

// IsExpired reports whether 'at' is strictly after the end of the YYMM month.
func (p *Policy) IsExpired(yymm string, at time.Time) (bool, error) {
	end, err := ParseYYMMEndOfMonth(yymm, p.loc)
	if err != nil {
		return false, err
	}
	return at.In(end.Location()).After(end), nil
}

// ReissueDue returns true if 'at' is within [end-windowDays, end] inclusive.
func (p *Policy) ReissueDue(yymm string, at time.Time, windowDays int) (bool, error) {
	end, err := ParseYYMMEndOfMonth(yymm, p.loc)
	if err != nil {
		return false, err
	}
	start := end.AddDate(0, 0, -windowDays)
	at = at.In(end.Location())
	return !at.Before(start) && !at.After(end), nil
}

// ParseCardFace accepts "MM/YY" or "MMYY" and returns YYMM.
func ParseCardFace(in string) (string, error) {
	s := strings.ReplaceAll(strings.TrimSpace(in), "/", "")
	if len(s) != 4 {
		return "", fmt.Errorf("card face must be MM/YY or MMYY")
	}
	for i := 0; i < 4; i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", fmt.Errorf("card face must be digits")
		}
	}
	mm, _ := strconv.Atoi(s[:2])
	if mm < 1 || mm > 12 {
		return "", fmt.Errorf("month must be 01..12")
	}
	return s[2:] + s[:2], nil
}

// ValidateYYMM checks that yymm is four digits with a month in 01..12.
func ValidateYYMM(yymm string) error {
	if len(yymm) != 4 {
		return fmt.Errorf("expiry must be YYMM (4 digits)")
	}
	for i := 0; i < 4; i++ {
		if yymm[i] < '0' || yymm[i] > '9' {
			return fmt.Errorf("expiry must be digits: YYMM")
		}
	}
	mm := int(yymm[2]-'0')*10 + int(yymm[3]-'0')
	if mm < 1 || mm > 12 {
		return fmt.Errorf("expiry month must be 01..12")
	}
	return nil
}
