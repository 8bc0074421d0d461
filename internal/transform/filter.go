package transform

import (
	"strings"

	"hookrelay.dev/internal/subscription"
)

// sensitiveKeys are stripped from payload data when a subscription
// declares the sensitive filter. Matching is case-insensitive on the
// key name.
var sensitiveKeys = []string{
	"password",
	"token",
	"secret",
	"key",
	"apikey",
	"api_key",
	"credential",
	"credentials",
	"authorization",
	"auth",
	"email",
	"phone",
	"ssn",
	"creditcard",
	"credit_card",
}

// minimalDataFields are the data fields retained by the minimal filter.
var minimalDataFields = []string{"id", "type", "operation"}

// applyPayloadFilter rewrites the payload in place according to the
// subscription's filter mode. Detailed (and the empty default) is the
// identity.
func applyPayloadFilter(p *Payload, mode string) {
	switch mode {
	case subscription.FilterSensitive:
		p.Data = stripSensitive(p.Data)
	case subscription.FilterMinimal:
		p.Data = KeepFields(p.Data, minimalDataFields)
		p.Metadata = Metadata{}
	}
}

func stripSensitive(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			continue
		}
		switch nested := v.(type) {
		case map[string]interface{}:
			out[k] = stripSensitive(nested)
		case []interface{}:
			items := make([]interface{}, len(nested))
			for i, item := range nested {
				if nm, ok := item.(map[string]interface{}); ok {
					items[i] = stripSensitive(nm)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}

func isSensitiveKey(k string) bool {
	lower := strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if lower == s {
			return true
		}
	}
	return false
}

// KeepFields returns a copy of m retaining only the named top-level
// fields.
func KeepFields(m map[string]interface{}, fields []string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if v, ok := m[f]; ok {
			out[f] = v
		}
	}
	return out
}
