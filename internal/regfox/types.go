package regfox

import (
	"encoding/json"
	"strconv"
	"strings"
)

// FlexString decodes a JSON scalar that the remote API serves inconsistently
// as a string, number, or boolean.
type FlexString string

// UnmarshalJSON accepts strings, numbers, booleans, and null.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(trimmed)
	return nil
}

// String returns the underlying string value.
func (f FlexString) String() string {
	return string(f)
}

// Field is one entry in a registrant's fieldData sequence. Path may be a
// dotted hierarchical key such as "registrationOptions.basic".
type Field struct {
	Path  string     `json:"path"`
	Label string     `json:"label"`
	Value FlexString `json:"value"`
}

// Registrant is the remote shape of a single registration.
type Registrant struct {
	ID            int64   `json:"id"`
	DisplayID     string  `json:"displayId"`
	OrderID       int64   `json:"orderId"`
	Status        string  `json:"status"`
	CheckedIn     bool    `json:"checkedIn"`
	DateCheckedIn string  `json:"dateCheckedIn"`
	FieldData     []Field `json:"fieldData"`
}

// Address carries the billing address fields consumed by the cache.
type Address struct {
	Country    string `json:"country"`
	PostalCode string `json:"postalCode"`
}

// Billing wraps the billing address on an order.
type Billing struct {
	Address Address `json:"address"`
}

// Order is the remote shape of an order, joined against registrants by id.
type Order struct {
	ID      int64   `json:"id"`
	Status  string  `json:"status"`
	Billing Billing `json:"billing"`
}

// Form identifies one event form accessible with the configured API key.
type Form struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CheckInRequest addresses a registrant by numeric id or by displayId.
type CheckInRequest struct {
	ID        int64  `json:"id,omitempty"`
	DisplayID string `json:"displayId,omitempty"`
	Date      string `json:"date"`
}

// CheckInResult is the remote response to a check-in mutation.
type CheckInResult struct {
	ResponseCode int `json:"responseCode"`
	Data         struct {
		ID   int64  `json:"id"`
		Date string `json:"date"`
	} `json:"data"`
}

// IntParam formats a numeric id for use as a query parameter.
func IntParam(value int64) string {
	return strconv.FormatInt(value, 10)
}
