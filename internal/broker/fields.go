package broker

import (
	"strconv"
)

// Login responses name the same artifact differently depending on API
// version. These ordered candidate lists are the data contract: the first
// key present with a non-empty value wins.
var (
	ViewTokenKeys  = []string{"view_token", "viewToken", "token", "access_token"}
	ViewSIDKeys    = []string{"view_sid", "viewSid", "sid"}
	TradeTokenKeys = []string{"token", "access_token", "trade_token"}
	TradeSIDKeys   = []string{"sid", "trade_sid"}
	BaseURLKeys    = []string{"baseUrl", "base_url"}
	DataCenterKeys = []string{"dataCenter", "data_center"}
)

// FirstString returns the first non-empty string value among keys.
func FirstString(obj map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				return val
			}
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return ""
}

// tokenData returns the nested "data" object when the response has one,
// otherwise the response itself.
func tokenData(resp map[string]interface{}) map[string]interface{} {
	if nested, ok := resp["data"].(map[string]interface{}); ok {
		return nested
	}
	return resp
}

// keysOf lists the keys of obj, used when logging an unexpected response shape.
func keysOf(obj map[string]interface{}) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	return keys
}
