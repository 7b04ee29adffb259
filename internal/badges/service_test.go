package badges

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/frontdesklabs/regmirror/internal/regfox"
)

// fakeRemote implements RemoteAPI over in-memory fixtures. It honors the
// formId and greaterThanId query parameters the way the remote service does.
type fakeRemote struct {
	mu sync.Mutex

	registrants []regfox.Registrant
	orders      []regfox.Order

	registrantParams []url.Values
	orderParams      []url.Values

	checkinCode  int
	checkinErr   error
	checkinCalls []regfox.CheckInRequest

	limits regfox.RateLimitSnapshot
}

func (f *fakeRemote) SearchRegistrants(ctx context.Context, params url.Values) ([]regfox.Registrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrantParams = append(f.registrantParams, params)

	floor := parseFloor(params)
	var matched []regfox.Registrant
	for _, registrant := range f.registrants {
		if registrant.ID > floor {
			matched = append(matched, registrant)
		}
	}
	return matched, nil
}

func (f *fakeRemote) GetRegistrant(ctx context.Context, id int64) (regfox.Registrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, registrant := range f.registrants {
		if registrant.ID == id {
			return registrant, nil
		}
	}
	return regfox.Registrant{}, nil
}

func (f *fakeRemote) SearchOrders(ctx context.Context, params url.Values) ([]regfox.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderParams = append(f.orderParams, params)

	floor := parseFloor(params)
	var matched []regfox.Order
	for _, order := range f.orders {
		if order.ID > floor {
			matched = append(matched, order)
		}
	}
	return matched, nil
}

func (f *fakeRemote) CheckIn(ctx context.Context, request regfox.CheckInRequest) (regfox.CheckInResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkinCalls = append(f.checkinCalls, request)

	if f.checkinErr != nil {
		return regfox.CheckInResult{}, f.checkinErr
	}

	code := f.checkinCode
	if code == 0 {
		code = 200
	}

	result := regfox.CheckInResult{ResponseCode: code}
	result.Data.Date = request.Date
	result.Data.ID = request.ID
	if request.DisplayID != "" {
		for _, registrant := range f.registrants {
			if registrant.DisplayID == request.DisplayID {
				result.Data.ID = registrant.ID
			}
		}
	}
	return result, nil
}

func (f *fakeRemote) CheckOut(ctx context.Context, request regfox.CheckInRequest) (regfox.CheckInResult, error) {
	return regfox.CheckInResult{}, errors.New("check-out endpoint is not functional")
}

func (f *fakeRemote) Limits() regfox.RateLimitSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limits
}

func parseFloor(params url.Values) int64 {
	raw := params.Get("greaterThanId")
	if raw == "" {
		return 0
	}
	floor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return floor
}

func fixtureRegistrant(id int64, displayID string, orderID int64, first, last string) regfox.Registrant {
	return regfox.Registrant{
		ID:        id,
		DisplayID: displayID,
		OrderID:   orderID,
		Status:    "completed",
		FieldData: []regfox.Field{
			field("registrationOptions", "Registration Options", "basic"),
			field("registrationOptions.basic", "Basic Attendee", "50.00"),
			field("name.first", "First Name", first),
			field("name.last", "Last Name", last),
			field("email", "Email", fmt.Sprintf("%s.%s@example.com", first, last)),
			field("attendeeBadgeName", "Badge Name", first),
			field("dateOfBirth", "Date of Birth", "2000-06-15"),
			field("phone", "Phone", "555-0100"),
		},
	}
}

func fixtureOrder(id int64, country, zip string) regfox.Order {
	return regfox.Order{ID: id, Status: "completed", Billing: regfox.Billing{
		Address: regfox.Address{Country: country, PostalCode: zip},
	}}
}

func newTestService(t *testing.T, remote *fakeRemote) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:badges_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Badge{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC) }
	service, err := NewService(ServiceConfig{
		Database:   db,
		Client:     remote,
		FormID:     "314159",
		EventStart: time.Date(2020, time.June, 15, 0, 0, 0, 0, time.UTC),
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, db
}

func countRows(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&Badge{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func loadRow(t *testing.T, db *gorm.DB, id int64) Badge {
	t.Helper()
	var row Badge
	if err := db.Where("registrant_id = ?", id).Take(&row).Error; err != nil {
		t.Fatalf("failed to load row %d: %v", id, err)
	}
	return row
}

func TestSyncRebuildJoinsBillingFields(t *testing.T) {
	remote := &fakeRemote{
		registrants: []regfox.Registrant{
			fixtureRegistrant(1, "AAAA0001", 10, "Sam", "Smith"),
			fixtureRegistrant(2, "AAAA0002", 10, "Alex", "Jones"),
		},
		orders: []regfox.Order{fixtureOrder(10, "US", "97210")},
	}
	service, db := newTestService(t, remote)

	inserted, err := service.Sync(context.Background(), true)
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("expected 2 inserted rows, got %d", inserted)
	}

	for _, id := range []int64{1, 2} {
		row := loadRow(t, db, id)
		if row.BillingCountry == nil || *row.BillingCountry != "US" {
			t.Fatalf("row %d missing joined billing country: %+v", id, row)
		}
		if row.BillingZip == nil || *row.BillingZip != "97210" {
			t.Fatalf("row %d missing joined billing zip: %+v", id, row)
		}
		if row.BadgeLevel != "Basic Attendee" {
			t.Fatalf("row %d badge level = %q", id, row.BadgeLevel)
		}
	}
}

func TestSyncIncrementalAppendsOnly(t *testing.T) {
	remote := &fakeRemote{
		registrants: []regfox.Registrant{
			fixtureRegistrant(1, "AAAA0001", 10, "Sam", "Smith"),
			fixtureRegistrant(2, "AAAA0002", 10, "Alex", "Jones"),
		},
		orders: []regfox.Order{fixtureOrder(10, "US", "97210")},
	}
	service, db := newTestService(t, remote)

	if _, err := service.Sync(context.Background(), true); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	before1 := loadRow(t, db, 1)
	before2 := loadRow(t, db, 2)

	remote.mu.Lock()
	remote.registrants = append(remote.registrants, fixtureRegistrant(3, "AAAA0003", 11, "Kim", "Lee"))
	remote.orders = append(remote.orders, fixtureOrder(11, "CA", "V6B"))
	remote.mu.Unlock()

	inserted, err := service.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected incremental sync error: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("expected exactly 1 new row, got %d", inserted)
	}
	if got := countRows(t, db); got != 3 {
		t.Fatalf("expected 3 rows after incremental sync, got %d", got)
	}

	if !reflect.DeepEqual(before1, loadRow(t, db, 1)) || !reflect.DeepEqual(before2, loadRow(t, db, 2)) {
		t.Fatalf("incremental sync modified already-synced rows")
	}

	remote.mu.Lock()
	lastParams := remote.registrantParams[len(remote.registrantParams)-1]
	remote.mu.Unlock()
	if lastParams.Get("greaterThanId") != "2" {
		t.Fatalf("expected watermark cursor greaterThanId=2, got %q", lastParams.Get("greaterThanId"))
	}
	if lastParams.Get("formId") != "314159" {
		t.Fatalf("expected formId scoping, got %q", lastParams.Get("formId"))
	}
}

func TestSyncTwiceIsIdempotent(t *testing.T) {
	remote := &fakeRemote{
		registrants: []regfox.Registrant{fixtureRegistrant(1, "AAAA0001", 10, "Sam", "Smith")},
		orders:      []regfox.Order{fixtureOrder(10, "US", "97210")},
	}
	service, db := newTestService(t, remote)

	if _, err := service.Sync(context.Background(), false); err != nil {
		t.Fatalf("unexpected first sync error: %v", err)
	}
	inserted, err := service.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected second sync error: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("second sync with stable watermark inserted %d rows", inserted)
	}
	if got := countRows(t, db); got != 1 {
		t.Fatalf("expected 1 row, got %d", got)
	}
}

func TestSyncRejectsDuplicateIdentifiers(t *testing.T) {
	duplicate := fixtureRegistrant(2, "AAAA0001", 10, "Alex", "Jones")
	remote := &fakeRemote{
		registrants: []regfox.Registrant{
			fixtureRegistrant(1, "AAAA0001", 10, "Sam", "Smith"),
			duplicate,
		},
		orders: []regfox.Order{fixtureOrder(10, "US", "97210")},
	}
	service, db := newTestService(t, remote)

	if _, err := service.Sync(context.Background(), true); err == nil {
		t.Fatalf("expected duplicate display id to reject the batch")
	}
	if got := countRows(t, db); got != 0 {
		t.Fatalf("failed batch should leave the table unchanged, got %d rows", got)
	}
}

func TestSearchRegistrantsMatchingAndPagination(t *testing.T) {
	remote := &fakeRemote{orders: []regfox.Order{fixtureOrder(10, "US", "97210")}}
	for i := int64(1); i <= 25; i++ {
		last := "Smith"
		if i%5 == 0 {
			last = "Nguyen"
		}
		remote.registrants = append(remote.registrants,
			fixtureRegistrant(i, fmt.Sprintf("AAAA%04d", i), 10, fmt.Sprintf("First%02d", i), last))
	}
	service, _ := newTestService(t, remote)

	if _, err := service.Sync(context.Background(), true); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	smiths, err := service.SearchRegistrants(context.Background(), "SMITH", 0, 0)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(smiths) != 20 {
		t.Fatalf("expected 20 case-insensitive matches, got %d", len(smiths))
	}

	page, err := service.SearchRegistrants(context.Background(), "smith", 10, 0)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(page) != 10 {
		t.Fatalf("expected limit to cap results at 10, got %d", len(page))
	}

	offsetPage, err := service.SearchRegistrants(context.Background(), "smith", 10, 15)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(offsetPage) != 5 {
		t.Fatalf("expected 5 rows past offset 15, got %d", len(offsetPage))
	}
	if offsetPage[0].RegistrantID == page[0].RegistrantID {
		t.Fatalf("offset page should not repeat the first page")
	}

	none, err := service.SearchRegistrants(context.Background(), "does-not-exist", 0, 0)
	if err != nil {
		t.Fatalf("empty result must not be an error: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected empty result, got %d rows", len(none))
	}
}

func TestSearchDerivesAges(t *testing.T) {
	remote := &fakeRemote{
		registrants: []regfox.Registrant{fixtureRegistrant(1, "AAAA0001", 10, "Sam", "Smith")},
		orders:      []regfox.Order{fixtureOrder(10, "US", "97210")},
	}
	service, _ := newTestService(t, remote)

	if _, err := service.Sync(context.Background(), true); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	view, err := service.GetRegistrant(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	// Born 2000-06-15; event starts 2020-06-15; clock fixed at 2024-03-01.
	if view.AgeAtEvent != 20 {
		t.Fatalf("ageAtEvent = %d, want 20", view.AgeAtEvent)
	}
	if view.AgeNow != 23 {
		t.Fatalf("ageNow = %d, want 23", view.AgeNow)
	}
	if view.DateOfBirthDate == nil || view.DateOfBirthDate.Format("2006-01-02") != "2000-06-15" {
		t.Fatalf("derived date of birth wrong: %v", view.DateOfBirthDate)
	}
}

func TestGetRegistrantNotFound(t *testing.T) {
	service, _ := newTestService(t, &fakeRemote{})

	_, err := service.GetRegistrant(context.Background(), 404)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRegistrantOverwritesRowInPlace(t *testing.T) {
	registrant := fixtureRegistrant(1, "AAAA0001", 10, "Sam", "Smith")
	remote := &fakeRemote{
		registrants: []regfox.Registrant{registrant},
		orders:      []regfox.Order{fixtureOrder(10, "US", "97210")},
	}
	service, db := newTestService(t, remote)

	if _, err := service.Sync(context.Background(), true); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	remote.mu.Lock()
	remote.registrants[0] = fixtureRegistrant(1, "AAAA0001", 10, "Samuel", "Smith")
	remote.mu.Unlock()

	view, err := service.UpdateRegistrant(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}
	if view.FirstName != "Samuel" {
		t.Fatalf("refresh did not overwrite row, first name = %q", view.FirstName)
	}

	// Billing columns come from the order join, which the single-registrant
	// endpoint cannot supply; refresh must leave them alone.
	row := loadRow(t, db, 1)
	if row.BillingCountry == nil || *row.BillingCountry != "US" {
		t.Fatalf("refresh clobbered billing country: %+v", row.BillingCountry)
	}
}

func TestUpdateRegistrantUnknownRemote(t *testing.T) {
	service, _ := newTestService(t, &fakeRemote{})

	_, err := service.UpdateRegistrant(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown remote registrant, got %v", err)
	}
}

func TestCheckinUpdatesExactlyTheTargetRow(t *testing.T) {
	remote := &fakeRemote{
		registrants: []regfox.Registrant{
			fixtureRegistrant(1, "AAAA0001", 10, "Sam", "Smith"),
			fixtureRegistrant(2, "AAAA0002", 10, "Alex", "Jones"),
		},
		orders: []regfox.Order{fixtureOrder(10, "US", "97210")},
	}
	service, db := newTestService(t, remote)

	if _, err := service.Sync(context.Background(), true); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	otherBefore := loadRow(t, db, 2)

	view, err := service.CheckinRegistrant(context.Background(), ByID(1), nil)
	if err != nil {
		t.Fatalf("unexpected check-in error: %v", err)
	}
	if !view.CheckedIn || view.DateCheckedInTime == nil {
		t.Fatalf("check-in did not mark the row: %+v", view)
	}

	target := loadRow(t, db, 1)
	if !target.CheckedIn || target.DateCheckedIn == nil {
		t.Fatalf("target row not updated: %+v", target)
	}
	if !reflect.DeepEqual(otherBefore, loadRow(t, db, 2)) {
		t.Fatalf("check-in touched an unrelated row")
	}

	remote.mu.Lock()
	call := remote.checkinCalls[0]
	remote.mu.Unlock()
	if call.ID != 1 || call.Date == "" {
		t.Fatalf("unexpected remote check-in payload: %+v", call)
	}
}

func TestCheckinByDisplayID(t *testing.T) {
	remote := &fakeRemote{
		registrants: []regfox.Registrant{fixtureRegistrant(7, "ZZZZ0007", 10, "Kim", "Lee")},
		orders:      []regfox.Order{fixtureOrder(10, "US", "97210")},
	}
	service, _ := newTestService(t, remote)

	if _, err := service.Sync(context.Background(), true); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	view, err := service.CheckinRegistrant(context.Background(), ByDisplayID("ZZZZ0007"), nil)
	if err != nil {
		t.Fatalf("unexpected check-in error: %v", err)
	}
	if view.RegistrantID != 7 || !view.CheckedIn {
		t.Fatalf("display id check-in resolved wrong row: %+v", view)
	}
}

func TestCheckinRemoteRejectionLeavesRowUntouched(t *testing.T) {
	remote := &fakeRemote{
		registrants: []regfox.Registrant{fixtureRegistrant(1, "AAAA0001", 10, "Sam", "Smith")},
		orders:      []regfox.Order{fixtureOrder(10, "US", "97210")},
		checkinCode: 404,
	}
	service, db := newTestService(t, remote)

	if _, err := service.Sync(context.Background(), true); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	before := loadRow(t, db, 1)

	_, err := service.CheckinRegistrant(context.Background(), ByID(1), nil)
	if !errors.Is(err, ErrRemoteRejected) {
		t.Fatalf("expected ErrRemoteRejected, got %v", err)
	}
	if !reflect.DeepEqual(before, loadRow(t, db, 1)) {
		t.Fatalf("rejected check-in modified the local row")
	}
}

func TestCheckinRemoteFailureLeavesRowUntouched(t *testing.T) {
	remote := &fakeRemote{
		registrants: []regfox.Registrant{fixtureRegistrant(1, "AAAA0001", 10, "Sam", "Smith")},
		orders:      []regfox.Order{fixtureOrder(10, "US", "97210")},
	}
	service, db := newTestService(t, remote)

	if _, err := service.Sync(context.Background(), true); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	before := loadRow(t, db, 1)

	remote.mu.Lock()
	remote.checkinErr = &regfox.TransportError{Op: "/registrant/check-in", Err: errors.New("connection refused")}
	remote.mu.Unlock()

	_, err := service.CheckinRegistrant(context.Background(), ByID(1), nil)
	if err == nil {
		t.Fatalf("expected transport failure to surface")
	}
	var transportErr *regfox.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected wrapped TransportError, got %v", err)
	}
	if !reflect.DeepEqual(before, loadRow(t, db, 1)) {
		t.Fatalf("failed check-in modified the local row")
	}
}

func TestCheckoutIsUnsupported(t *testing.T) {
	service, _ := newTestService(t, &fakeRemote{})

	_, err := service.CheckoutRegistrant(context.Background(), ByID(1))
	if !errors.Is(err, ErrCheckoutUnsupported) {
		t.Fatalf("expected ErrCheckoutUnsupported, got %v", err)
	}
}

func TestCountsAggregatesCompletedRegistrations(t *testing.T) {
	service, db := newTestService(t, &fakeRemote{})

	seed := []Badge{
		{RegistrantID: 1, DisplayID: "A1", OrderID: 1, BadgeLevel: "Basic", Status: "completed", CheckedIn: true},
		{RegistrantID: 2, DisplayID: "A2", OrderID: 1, BadgeLevel: "Basic", Status: "completed"},
		{RegistrantID: 3, DisplayID: "A3", OrderID: 1, BadgeLevel: "Sponsor", Status: "completed", CheckedIn: true},
		{RegistrantID: 4, DisplayID: "A4", OrderID: 1, BadgeLevel: "Basic", Status: "pending"},
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("failed to seed rows: %v", err)
	}

	counts, err := service.Counts(context.Background())
	if err != nil {
		t.Fatalf("unexpected counts error: %v", err)
	}
	if counts.Total != 3 {
		t.Fatalf("total = %d, want 3", counts.Total)
	}
	if counts.CheckedIn != 2 {
		t.Fatalf("checkedIn = %d, want 2", counts.CheckedIn)
	}
	if counts.TotalByLevel["Basic"] != 2 || counts.TotalByLevel["Sponsor"] != 1 {
		t.Fatalf("totalByLevel wrong: %+v", counts.TotalByLevel)
	}
	if counts.CheckedInByLevel["Basic"] != 1 || counts.CheckedInByLevel["Sponsor"] != 1 {
		t.Fatalf("checkedInByLevel wrong: %+v", counts.CheckedInByLevel)
	}
	if counts.NotCheckedInByLevel["Basic"] != 1 {
		t.Fatalf("notCheckedInByLevel wrong: %+v", counts.NotCheckedInByLevel)
	}
}

func TestNewServiceValidatesConfig(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:badges_cfg_test?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	tests := []struct {
		name string
		cfg  ServiceConfig
	}{
		{name: "missing database", cfg: ServiceConfig{Client: &fakeRemote{}, FormID: "1"}},
		{name: "missing client", cfg: ServiceConfig{Database: db, FormID: "1"}},
		{name: "missing form id", cfg: ServiceConfig{Database: db, Client: &fakeRemote{}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewService(tc.cfg); err == nil {
				t.Fatalf("expected config validation error")
			}
		})
	}
}
