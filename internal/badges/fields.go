package badges

import (
	"strings"
	"time"

	"github.com/frontdesklabs/regmirror/internal/regfox"
)

// Field paths consumed by toRow. Paths with a dot that never see a bare
// bucket root (name.first, name.last) stay addressable by their full path.
const (
	pathBadgeOptions = "registrationOptions"
	pathFirstName    = "name.first"
	pathLastName     = "name.last"
	pathEmail        = "email"
	pathBadgeName    = "attendeeBadgeName"
	pathDateOfBirth  = "dateOfBirth"
	pathPhone        = "phone"
)

type fieldEntry struct {
	Value string
	Label string
}

type bucketChild struct {
	Key   string
	Label string
	Value string
}

// resolvedBucket is a selector field joined with its labeled options: the
// bare bucket field carries the selected child key, the dotted children
// carry the labels.
type resolvedBucket struct {
	Selected string
	Label    string
	Labels   map[string]string
}

type fieldSet struct {
	plain   map[string]fieldEntry
	buckets map[string]resolvedBucket
}

// parseFields flattens a fieldData sequence in two phases so the result does
// not depend on the order the remote service emits fields in. Phase one
// collects bare fields and stashes dotted children per bucket root; phase two
// resolves every bucket whose root was seen as a bare field.
func parseFields(data []regfox.Field) fieldSet {
	set := fieldSet{
		plain:   make(map[string]fieldEntry),
		buckets: make(map[string]resolvedBucket),
	}
	children := make(map[string][]bucketChild)

	for _, field := range data {
		root, leaf, dotted := strings.Cut(field.Path, ".")
		if !dotted {
			set.plain[field.Path] = fieldEntry{Value: field.Value.String(), Label: field.Label}
			continue
		}
		children[root] = append(children[root], bucketChild{
			Key:   leaf,
			Label: field.Label,
			Value: field.Value.String(),
		})
	}

	for root, options := range children {
		selector, seen := set.plain[root]
		if !seen {
			// No bare root: these are independent dotted fields, not a
			// selected-option bucket.
			for _, option := range options {
				set.plain[root+"."+option.Key] = fieldEntry{Value: option.Value, Label: option.Label}
			}
			continue
		}

		bucket := resolvedBucket{
			Selected: selector.Value,
			Labels:   make(map[string]string, len(options)),
		}
		for _, option := range options {
			bucket.Labels[option.Key] = option.Label
			if bucket.Label == "" || option.Key == selector.Value {
				bucket.Label = option.Label
			}
		}
		set.buckets[root] = bucket
		delete(set.plain, root)
	}

	return set
}

func (s fieldSet) value(path string) string {
	return s.plain[path].Value
}

func (s fieldSet) bucketLabel(root string) string {
	return s.buckets[root].Label
}

// Day ordinals count from 0001-01-01 = 1; 1970-01-01 is day 719163. Unix
// time has no leap seconds, so midnight UTC is always an exact multiple of
// secondsPerDay and the integer division below never truncates.
const (
	unixEpochOrdinal = 719163
	secondsPerDay    = 24 * 60 * 60
)

func dateToOrdinal(date time.Time) int64 {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	return day.Unix()/secondsPerDay + unixEpochOrdinal
}

func ordinalToDate(ordinal int64) *time.Time {
	if ordinal <= 0 {
		return nil
	}
	date := time.Unix((ordinal-unixEpochOrdinal)*secondsPerDay, 0).UTC()
	return &date
}

func parseRemoteDate(value string) (time.Time, bool) {
	parsed, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(value), time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func parseRemoteTimestamp(value string) *int64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil
	}
	epoch := parsed.Unix()
	return &epoch
}

func epochToTime(epoch *int64) *time.Time {
	if epoch == nil {
		return nil
	}
	at := time.Unix(*epoch, 0).UTC()
	return &at
}

// ageAt computes whole years elapsed between dob and ref; the birthday does
// not count as elapsed until it has passed.
func ageAt(dob, ref time.Time) int {
	if dob.IsZero() || ref.Before(dob) {
		return 0
	}
	age := ref.Year() - dob.Year()
	if ref.Month() < dob.Month() || (ref.Month() == dob.Month() && ref.Day() < dob.Day()) {
		age--
	}
	return age
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// toRow projects a remote registrant into the fixed badges schema. When an
// order lookup map is supplied, billing country and postal code are joined in
// from the matching order.
func toRow(registrant regfox.Registrant, orders map[int64]regfox.Order) Badge {
	fields := parseFields(registrant.FieldData)

	row := Badge{
		RegistrantID:      registrant.ID,
		DisplayID:         registrant.DisplayID,
		OrderID:           registrant.OrderID,
		BadgeLevel:        fields.bucketLabel(pathBadgeOptions),
		Status:            registrant.Status,
		FirstName:         fields.value(pathFirstName),
		LastName:          fields.value(pathLastName),
		Email:             fields.value(pathEmail),
		AttendeeBadgeName: fields.value(pathBadgeName),
		Phone:             fields.value(pathPhone),
		CheckedIn:         registrant.CheckedIn,
		DateCheckedIn:     parseRemoteTimestamp(registrant.DateCheckedIn),
	}

	// An absent or malformed birth date keeps the unknown sentinel 0.
	if dob, ok := parseRemoteDate(fields.value(pathDateOfBirth)); ok {
		row.DateOfBirth = dateToOrdinal(dob)
	}

	if orders != nil {
		if order, ok := orders[registrant.OrderID]; ok {
			row.BillingCountry = nullableString(order.Billing.Address.Country)
			row.BillingZip = nullableString(order.Billing.Address.PostalCode)
		}
	}

	return row
}

func orderLookup(orders []regfox.Order) map[int64]regfox.Order {
	lookup := make(map[int64]regfox.Order, len(orders))
	for _, order := range orders {
		lookup[order.ID] = order
	}
	return lookup
}
