package security

import (
	"regexp"
	"strings"
)

// sensitiveFields contains field names that should be masked in logs.
var sensitiveFields = map[string]bool{
	"authorization": true,
	"auth":          true,
	"token":         true,
	"access_token":  true,
	"view_token":    true,
	"viewtoken":     true,
	"trade_token":   true,
	"sid":           true,
	"view_sid":      true,
	"viewsid":       true,
	"trade_sid":     true,
	"mpin":          true,
	"totp":          true,
	"totp_secret":   true,
	"passphrase":    true,
	"password":      true,
}

// sensitivePatterns matches key/value pairs embedded in free text, such as
// raw broker response bodies.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)"(token|sid|mpin|totp|access_token|view_token|trade_token|Authorization|Auth)"\s*:\s*"([^"]*)"`),
}

// MaskCredential hides all but the edges of a secret.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// IsSensitiveField checks if a field name is sensitive.
func IsSensitiveField(field string) bool {
	return sensitiveFields[strings.ToLower(field)]
}

// MaskString masks secrets embedded in JSON-like text.
func MaskString(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			sub := pattern.FindStringSubmatch(match)
			if len(sub) < 3 {
				return match
			}
			return strings.Replace(match, `"`+sub[2]+`"`, `"`+MaskCredential(sub[2])+`"`, 1)
		})
	}
	return result
}

// MaskFields returns a copy of data with sensitive values masked.
func MaskFields(data map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			if IsSensitiveField(k) {
				result[k] = MaskCredential(val)
			} else {
				result[k] = MaskString(val)
			}
		case map[string]interface{}:
			result[k] = MaskFields(val)
		default:
			if IsSensitiveField(k) {
				result[k] = "***"
			} else {
				result[k] = v
			}
		}
	}
	return result
}
