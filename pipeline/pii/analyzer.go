// Package pii detects and reversibly redacts personally identifiable
// information in request text. Detection is typed-span recognition: each
// recognizer pairs a shape pattern with a checksum or context validator so
// prose full of ordinary numbers does not drown the stream in placeholders.
package pii

import (
	"math/big"
	"net"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Entity names, lowercase snake case so notices read naturally.
const (
	EntityEmail      = "email_address"
	EntityCreditCard = "credit_card"
	EntityPhone      = "phone_number"
	EntityIP         = "ip_address"
	EntityCrypto     = "crypto_wallet"
	EntityIBAN       = "iban_code"
	EntitySSN        = "us_ssn"
	EntityITIN       = "us_itin"
	EntityPassport   = "us_passport"
	EntityBankNumber = "us_bank_number"
	EntityNHS        = "uk_nhs"
	EntityNINO       = "uk_nino"
)

// Finding is one typed PII span. Start and End are byte offsets in the
// analyzed text.
type Finding struct {
	Entity string
	Value  string
	Start  int
	End    int
}

// recognizer pairs a shape pattern with optional validation. validate
// rejects shape matches that fail a checksum; context requires one of the
// listed words on the same line before the span counts.
type recognizer struct {
	entity   string
	re       *regexp.Regexp
	validate func(string) bool
	context  []string
}

// Analyzer runs the recognizer set over text. Safe for concurrent use.
type Analyzer struct {
	recognizers []recognizer
	logger      *zap.Logger
}

// NewAnalyzer builds the default recognizer set. Order is priority order:
// when two spans of equal length overlap, the earlier recognizer wins.
func NewAnalyzer(logger *zap.Logger) *Analyzer {
	return &Analyzer{
		logger: logger.With(zap.String("component", "pii_analyzer")),
		recognizers: []recognizer{
			{
				entity:   EntityCreditCard,
				re:       regexp.MustCompile(`[0-9](?:[0-9 \-]{11,17})[0-9]`),
				validate: validCreditCard,
			},
			{
				entity: EntityEmail,
				re:     regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
			},
			{
				entity: EntityCrypto,
				re:     regexp.MustCompile(`bc1[ac-hj-np-z02-9]{25,62}|[13][a-km-zA-HJ-NP-Z1-9]{25,34}|0x[0-9a-fA-F]{40}`),
			},
			{
				entity:   EntityIBAN,
				re:       regexp.MustCompile(`[A-Z]{2}[0-9]{2}[A-Z0-9]{11,30}`),
				validate: validIBAN,
			},
			{
				entity:   EntitySSN,
				re:       regexp.MustCompile(`[0-9]{3}-[0-9]{2}-[0-9]{4}`),
				validate: validSSN,
			},
			{
				entity: EntityITIN,
				re:     regexp.MustCompile(`9[0-9]{2}-(?:7[0-9]|8[0-8])-[0-9]{4}`),
			},
			{
				entity: EntityNINO,
				re:     regexp.MustCompile(`[A-CEGHJ-PR-TW-Z]{2} ?[0-9]{2} ?[0-9]{2} ?[0-9]{2} ?[A-D]`),
			},
			{
				entity:   EntityNHS,
				re:       regexp.MustCompile(`[0-9]{3}[ \-]?[0-9]{3}[ \-]?[0-9]{4}`),
				validate: validNHS,
			},
			{
				entity:  EntityPassport,
				re:      regexp.MustCompile(`[A-Z]?[0-9]{8,9}`),
				context: []string{"passport"},
			},
			{
				entity:  EntityBankNumber,
				re:      regexp.MustCompile(`[0-9]{8,17}`),
				context: []string{"account", "bank", "routing", "checking", "savings"},
			},
			{
				entity:   EntityPhone,
				re:       regexp.MustCompile(`(?:\+[0-9]{1,3}[ .\-]?)?(?:\([0-9]{3}\)|[0-9]{3})[ .\-]?[0-9]{3}[ .\-]?[0-9]{4,6}`),
				validate: validPhone,
			},
			{
				entity:   EntityIP,
				re:       regexp.MustCompile(`(?:[0-9]{1,3}\.){3}[0-9]{1,3}|(?:[0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{1,4}`),
				validate: func(v string) bool { return net.ParseIP(v) != nil },
			},
		},
	}
}

// Analyze returns every PII span in text, in document order. Overlaps are
// resolved longest match first; ties go to the higher-priority recognizer.
func (a *Analyzer) Analyze(text string) []Finding {
	if text == "" {
		return nil
	}

	var candidates []candidate
	for prio, rec := range a.recognizers {
		for _, loc := range rec.re.FindAllStringIndex(text, -1) {
			value := text[loc[0]:loc[1]]
			if rec.validate != nil && !rec.validate(value) {
				continue
			}
			if len(rec.context) > 0 && !hasContext(text, loc[0], rec.context) {
				continue
			}
			candidates = append(candidates, candidate{
				Finding: Finding{Entity: rec.entity, Value: value, Start: loc[0], End: loc[1]},
				prio:    prio,
			})
		}
	}

	return resolveOverlaps(candidates)
}

type candidate struct {
	Finding
	prio int
}

// resolveOverlaps keeps the longest span in any overlapping cluster,
// breaking ties by recognizer priority, and returns survivors in document
// order.
func resolveOverlaps(candidates []candidate) []Finding {
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := candidates[i].End-candidates[i].Start, candidates[j].End-candidates[j].Start
		if li != lj {
			return li > lj
		}
		if candidates[i].prio != candidates[j].prio {
			return candidates[i].prio < candidates[j].prio
		}
		return candidates[i].Start < candidates[j].Start
	})

	var kept []Finding
	for _, c := range candidates {
		overlaps := false
		for _, k := range kept {
			if c.Start < k.End && k.Start < c.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c.Finding)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// hasContext reports whether any of the words appears on the line holding
// offset, case-insensitively.
func hasContext(text string, offset int, words []string) bool {
	lineStart := strings.LastIndexByte(text[:offset], '\n') + 1
	lineEnd := strings.IndexByte(text[offset:], '\n')
	if lineEnd < 0 {
		lineEnd = len(text)
	} else {
		lineEnd += offset
	}
	line := strings.ToLower(text[lineStart:lineEnd])
	for _, w := range words {
		if strings.Contains(line, w) {
			return true
		}
	}
	return false
}

// --- validators ---

func digitsOf(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// validCreditCard requires 13-19 digits passing the Luhn check.
func validCreditCard(v string) bool {
	digits := digitsOf(v)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	return luhn(digits)
}

func luhn(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// validIBAN checks the ISO 13616 mod-97 remainder.
func validIBAN(v string) bool {
	if len(v) < 15 || len(v) > 34 {
		return false
	}
	rearranged := v[4:] + v[:4]
	var b strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteString(big.NewInt(int64(r-'A') + 10).String())
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(b.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

// validSSN rejects the never-issued area, group and serial values.
func validSSN(v string) bool {
	area, group, serial := v[:3], v[4:6], v[7:]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	if group == "00" || serial == "0000" {
		return false
	}
	return true
}

// validNHS checks the NHS number's mod-11 check digit.
func validNHS(v string) bool {
	digits := digitsOf(v)
	if len(digits) != 10 {
		return false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(digits[i]-'0') * (10 - i)
	}
	check := 11 - sum%11
	if check == 11 {
		check = 0
	}
	if check == 10 {
		return false
	}
	return check == int(digits[9]-'0')
}

// validPhone requires 10-15 digits total so short numeric fragments with
// phone-like punctuation do not trip the recognizer.
func validPhone(v string) bool {
	n := len(digitsOf(v))
	return n >= 10 && n <= 15
}
