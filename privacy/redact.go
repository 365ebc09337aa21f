// Package privacy scrubs confidential negotiation material from any
// payload that leaves the service. Key-name and value patterns are
// replaced with a fixed placeholder; turn summaries carry only banded
// prices and spread labels so a transcript reader learns the shape of
// the negotiation but none of the numbers behind it.
package privacy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Redacted is the placeholder substituted for sensitive content.
const Redacted = "[REDACTED]"

var sensitiveKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)private`),
	regexp.MustCompile(`(?i)income`),
	regexp.MustCompile(`(?i)credit`),
	regexp.MustCompile(`(?i)reservation`),
	regexp.MustCompile(`(?i)salary`),
	regexp.MustCompile(`(?i)budget`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)max[_-]?price`),
	regexp.MustCompile(`(?i)min[_-]?price`),
	regexp.MustCompile(`(?i)^notes?$`),
}

var sensitiveValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)credit score`),
	regexp.MustCompile(`(?i)income`),
	regexp.MustCompile(`(?i)reservation price`),
	regexp.MustCompile(`(?i)max price`),
	regexp.MustCompile(`(?i)private context`),
	regexp.MustCompile(`(?i)ignore previous instructions`),
	regexp.MustCompile(`(?i)reveal private`),
}

// SensitiveKey reports whether a map key names confidential material.
func SensitiveKey(key string) bool {
	for _, pat := range sensitiveKeyPatterns {
		if pat.MatchString(key) {
			return true
		}
	}
	return false
}

// SensitiveValue reports whether a string value carries confidential
// material or a prompt-injection marker.
func SensitiveValue(value string) bool {
	for _, pat := range sensitiveValuePatterns {
		if pat.MatchString(value) {
			return true
		}
	}
	return false
}

// Redact walks the payload and replaces sensitive keys and values with
// the placeholder. Arrays and nested maps are handled recursively; the
// input is not mutated.
func Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			if SensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = Redact(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	case string:
		if SensitiveValue(val) {
			return Redacted
		}
		return val
	default:
		return v
	}
}

// SensitivePaths returns the JSON-ish paths of every sensitive hit in
// the payload, sorted for stable error messages.
func SensitivePaths(v interface{}) []string {
	var paths []string
	walk(v, "$", &paths)
	sort.Strings(paths)
	return paths
}

func walk(v interface{}, path string, hits *[]string) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			childPath := path + "." + k
			if SensitiveKey(k) {
				*hits = append(*hits, childPath)
				continue
			}
			walk(item, childPath, hits)
		}
	case []interface{}:
		for i, item := range val {
			walk(item, fmt.Sprintf("%s[%d]", path, i), hits)
		}
	case string:
		if SensitiveValue(val) {
			*hits = append(*hits, path)
		}
	}
}

// Assert fails when the payload still carries sensitive content. When
// enforcement is off the payload passes regardless; the caller decides
// from policy whether enforcement applies.
func Assert(v interface{}, enforce bool) error {
	if !enforce {
		return nil
	}
	paths := SensitivePaths(v)
	if len(paths) == 0 {
		return nil
	}
	return fmt.Errorf("sensitive_content_detected:%s", strings.Join(paths, ","))
}

// BandPrice maps a numeric price into its public band.
func BandPrice(price float64) string {
	switch {
	case price < 50:
		return "<50"
	case price < 100:
		return "50-99"
	case price < 250:
		return "100-249"
	case price < 500:
		return "250-499"
	case price < 1000:
		return "500-999"
	default:
		return "1000+"
	}
}

// BandSpread labels the distance between a buyer offer and a seller ask.
func BandSpread(buyerOffer, sellerAsk float64) string {
	spread := sellerAsk - buyerOffer
	switch {
	case spread <= 0:
		return "crossed"
	case spread < 5:
		return "tight"
	case spread < 25:
		return "narrow"
	case spread < 100:
		return "moderate"
	default:
		return "wide"
	}
}

// SummarizeTurn builds the public, banded per-turn summary.
func SummarizeTurn(turn int, role string, buyerOffer, sellerAsk float64, status string) map[string]interface{} {
	return map[string]interface{}{
		"turn":        turn,
		"actor":       role,
		"buyerBand":   BandPrice(buyerOffer),
		"sellerBand":  BandPrice(sellerAsk),
		"spreadLabel": BandSpread(buyerOffer, sellerAsk),
		"status":      status,
	}
}
