package badges

import (
	"time"
)

// Badge is the locally persisted, flattened projection of one registrant.
// Dates of birth are stored as proleptic-Gregorian ordinal day counts
// (0001-01-01 = 1) with 0 meaning unknown; check-in timestamps are stored as
// unix epoch seconds.
type Badge struct {
	RegistrantID      int64   `gorm:"column:registrant_id;primaryKey;autoIncrement:false" json:"registrantId"`
	DisplayID         string  `gorm:"column:display_id;size:64;not null;uniqueIndex" json:"displayId"`
	OrderID           int64   `gorm:"column:order_id;not null" json:"orderId"`
	BadgeLevel        string  `gorm:"column:badge_level;size:190;not null" json:"badgeLevel"`
	Status            string  `gorm:"column:status;size:32;not null" json:"status"`
	FirstName         string  `gorm:"column:first_name;size:190;not null" json:"firstName"`
	LastName          string  `gorm:"column:last_name;size:190;not null" json:"lastName"`
	Email             string  `gorm:"column:email;size:320;not null" json:"email"`
	AttendeeBadgeName string  `gorm:"column:attendee_badge_name;size:190;not null" json:"attendeeBadgeName"`
	DateOfBirth       int64   `gorm:"column:date_of_birth;not null" json:"-"`
	Phone             string  `gorm:"column:phone;size:64;not null" json:"phone"`
	BillingCountry    *string `gorm:"column:billing_country;size:64" json:"billingCountry"`
	BillingZip        *string `gorm:"column:billing_zip;size:32" json:"billingZip"`
	CheckedIn         bool    `gorm:"column:checked_in;not null" json:"checkedIn"`
	DateCheckedIn     *int64  `gorm:"column:date_checked_in" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Badge) TableName() string {
	return "badges"
}

// RegistrantView is a Badge augmented with the derived fields computed at
// read time.
type RegistrantView struct {
	Badge
	DateOfBirthDate   *time.Time `json:"dateOfBirth"`
	DateCheckedInTime *time.Time `json:"dateCheckedIn"`
	AgeAtEvent        int        `json:"ageAtEvent"`
	AgeNow            int        `json:"ageNow"`
}

// BadgeRef addresses a registrant either by numeric registrant id or by the
// human-facing display id.
type BadgeRef struct {
	RegistrantID int64
	DisplayID    string
}

// ByID returns a reference by numeric registrant id.
func ByID(id int64) BadgeRef {
	return BadgeRef{RegistrantID: id}
}

// ByDisplayID returns a reference by display id.
func ByDisplayID(displayID string) BadgeRef {
	return BadgeRef{DisplayID: displayID}
}

// CountSummary aggregates attendance figures for completed registrations.
type CountSummary struct {
	Total               int64            `json:"total"`
	CheckedIn           int64            `json:"checkedIn"`
	TotalByLevel        map[string]int64 `json:"totalByLevel"`
	CheckedInByLevel    map[string]int64 `json:"checkedInByLevel"`
	NotCheckedInByLevel map[string]int64 `json:"notCheckedInByLevel"`
}
