package transform

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oreva/oiat/internal/config"
)

const maxDocNumberLen = 21

var locationStopWords = map[string]struct{}{
	"THE": {}, "AND": {}, "OR": {}, "OF": {}, "IN": {}, "AT": {}, "ON": {},
}

var spaceRun = regexp.MustCompile(`\s+`)

// receiptNumberer assigns deterministic document numbers. Sequence values
// follow first-seen order of the grouping key within one transform, so the
// same input always yields the same numbering.
type receiptNumberer struct {
	cfg  config.TransformConfig
	seqs map[string]int
}

func newReceiptNumberer(cfg config.TransformConfig) *receiptNumberer {
	return &receiptNumberer{cfg: cfg, seqs: make(map[string]int)}
}

func (n *receiptNumberer) next(ts time.Time, location, tender string) string {
	day := ts.Format("20060102")
	if tender == "" {
		tender = "UNKNOWN"
	}

	if n.cfg.ReceiptNumberFormat == "date_location_sequence" {
		if location == "" {
			location = "UNKNOWN"
		}
		key := day + "\x00" + location + "\x00" + tender
		seq := n.seq(key)
		return capDocNumber(n.cfg.ReceiptPrefix, day, n.locationCode(location), seq)
	}

	key := day + "\x00" + tender
	return fmt.Sprintf("%s-%s-%04d", n.cfg.ReceiptPrefix, day, n.seq(key))
}

func (n *receiptNumberer) seq(key string) int {
	if _, ok := n.seqs[key]; !ok {
		n.seqs[key] = len(n.seqs) + 1
	}
	return n.seqs[key]
}

// locationCode resolves the short code for a location, preferring the
// tenant's explicit mapping over the derived fallback.
func (n *receiptNumberer) locationCode(location string) string {
	key := strings.ToUpper(strings.TrimRight(spaceRun.ReplaceAllString(strings.TrimSpace(location), " "), ","))
	if code, ok := n.cfg.LocationMapping[key]; ok && code != "" {
		return code
	}
	return SanitizeLocationCode(location)
}

// SanitizeLocationCode derives a short code (max 4 chars) from a location
// name: the first meaningful word, uppercased and truncated.
func SanitizeLocationCode(location string) string {
	location = strings.TrimSpace(location)
	if location == "" {
		return "UNK"
	}
	cleaned := strings.NewReplacer("(", " ", ")", " ").Replace(strings.ToUpper(location))
	for _, word := range strings.Fields(cleaned) {
		if _, stop := locationStopWords[word]; stop || len(word) < 3 {
			continue
		}
		if len(word) > 4 {
			return word[:4]
		}
		return word
	}
	return "UNK"
}

// capDocNumber builds PREFIX-YYYYMMDD-LOC-SEQ and shortens the location code
// to fit the remote system's 21-character document number limit. The
// location code keeps at least one character, so a prefix that leaves no
// room for it yields a number longer than the limit.
func capDocNumber(prefix, day, loc string, seq int) string {
	if loc == "" {
		loc = "UNK"
	}
	if len(loc) > 4 {
		loc = loc[:4]
	}
	docNo := fmt.Sprintf("%s-%s-%s-%04d", prefix, day, loc, seq)
	if len(docNo) <= maxDocNumberLen {
		return docNo
	}
	fixed := len(fmt.Sprintf("%s-%s--%04d", prefix, day, seq))
	maxLoc := maxDocNumberLen - fixed
	if maxLoc < 1 {
		maxLoc = 1
	}
	if len(loc) > maxLoc {
		loc = loc[:maxLoc]
	}
	return fmt.Sprintf("%s-%s-%s-%04d", prefix, day, loc, seq)
}
