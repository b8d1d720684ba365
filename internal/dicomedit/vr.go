package dicomedit

import (
	"strings"
	"unicode/utf8"
)

// maxLength is the maximum number of characters of one value per VR.
// PN applies per component group; VRs absent here are unlimited.
var maxLength = map[string]int{
	"AE": 16,
	"AS": 4,
	"CS": 16,
	"DA": 8,
	"DS": 16,
	"DT": 26,
	"IS": 12,
	"LO": 64,
	"LT": 10240,
	"PN": 64,
	"SH": 16,
	"ST": 1024,
	"TM": 16,
	"UI": 64,
}

var stringVRs = map[string]bool{
	"AE": true, "AS": true, "CS": true, "DA": true, "DS": true, "DT": true,
	"IS": true, "LO": true, "LT": true, "PN": true, "SH": true, "ST": true,
	"TM": true, "UC": true, "UI": true, "UR": true, "UT": true,
}

// singleValued VRs never split on backslash
var singleValued = map[string]bool{"LT": true, "ST": true, "UT": true, "UR": true}

// IsStringVR reports whether attributes of vr hold text
func IsStringVR(vr string) bool {
	return stringVRs[vr]
}

// splitValues splits an edit value into the values of a multi-valued attribute
func splitValues(vr, value string) []string {
	if value == "" {
		return []string{}
	}
	if singleValued[vr] {
		return []string{value}
	}
	return strings.Split(value, `\`)
}

// truncate shortens each value to the VR limit and reports whether any value changed
func truncate(vr string, values []string) ([]string, bool) {
	limit, ok := maxLength[vr]
	if !ok {
		return values, false
	}
	out := make([]string, len(values))
	changed := false
	for i, v := range values {
		if vr == "PN" {
			groups := strings.Split(v, "=")
			for j, g := range groups {
				groups[j] = truncateString(g, limit)
			}
			out[i] = strings.Join(groups, "=")
		} else {
			out[i] = truncateString(v, limit)
		}
		changed = changed || out[i] != v
	}
	return out, changed
}

func truncateString(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
