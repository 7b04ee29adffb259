package badges

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/frontdesklabs/regmirror/internal/regfox"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingClient   = errors.New("remote api client is required")
	errMissingFormID   = errors.New("form id is required")
	noOpLogger         = zap.NewNop()

	// ErrNotFound reports that no badge row matches the given reference.
	ErrNotFound = errors.New("badges: registrant not found")
	// ErrStoreInconsistent reports a violated uniqueness invariant in the
	// local store. It is fatal: the store itself is corrupt.
	ErrStoreInconsistent = errors.New("badges: store uniqueness invariant violated")
	// ErrRemoteRejected reports that the remote service completed a mutation
	// call but returned a non-success response code. The local mirror is
	// left unchanged.
	ErrRemoteRejected = errors.New("badges: remote rejected mutation")
	// ErrCheckoutUnsupported is returned by CheckoutRegistrant: the remote
	// check-out endpoint is documented as non-functional.
	ErrCheckoutUnsupported = errors.New("badges: check-out is not supported by the remote service")
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "badges.service.new"
	opSync       = "badges.sync"
	opSearch     = "badges.search"
	opGet        = "badges.get"
	opUpdate     = "badges.update"
	opCheckin    = "badges.checkin"
	opCheckout   = "badges.checkout"
	opCounts     = "badges.counts"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// RemoteAPI is the narrow slice of the remote client consumed by the cache.
type RemoteAPI interface {
	SearchRegistrants(ctx context.Context, params url.Values) ([]regfox.Registrant, error)
	GetRegistrant(ctx context.Context, id int64) (regfox.Registrant, error)
	SearchOrders(ctx context.Context, params url.Values) ([]regfox.Order, error)
	CheckIn(ctx context.Context, request regfox.CheckInRequest) (regfox.CheckInResult, error)
	CheckOut(ctx context.Context, request regfox.CheckInRequest) (regfox.CheckInResult, error)
	Limits() regfox.RateLimitSnapshot
}

// ServiceConfig bundles the dependencies for a Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Client     RemoteAPI
	FormID     string
	EventStart time.Time
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service owns the local badge store. It keeps the store incrementally
// current against the remote API and serves reads and the check-in mutation.
// One mutex serializes every local-store access, including the multi-phase
// sync pass, so no reader ever observes a partially inserted batch.
type Service struct {
	db         *gorm.DB
	client     RemoteAPI
	formID     string
	eventStart time.Time
	clock      func() time.Time
	logger     *zap.Logger

	mu sync.Mutex
}

// NewService constructs a cache service with validated configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Client == nil {
		return nil, newServiceError(opServiceNew, "missing_client", errMissingClient)
	}
	if strings.TrimSpace(cfg.FormID) == "" {
		return nil, newServiceError(opServiceNew, "missing_form_id", errMissingFormID)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		client:     cfg.Client,
		formID:     strings.TrimSpace(cfg.FormID),
		eventStart: cfg.EventStart,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Limits reports the remote rate-limit snapshot; it never makes a network
// call.
func (s *Service) Limits() regfox.RateLimitSnapshot {
	return s.client.Limits()
}

// Sync pulls remote registrants and orders into the local store and returns
// the number of inserted rows. Without rebuild, the store's own maximum ids
// act as the sync cursor and fetched rows are strict appends; with rebuild,
// all rows are discarded and the full remote collection is re-fetched. The
// whole pass holds the cache lock, so other operations observe it as atomic.
func (s *Service) Sync(ctx context.Context, rebuild bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	registrantParams := url.Values{"formId": {s.formID}}
	orderParams := url.Values{"formId": {s.formID}}

	if !rebuild {
		maxRegistrantID, maxOrderID, err := s.watermarks()
		if err != nil {
			s.logError(opSync, "watermark_failed", err)
			return 0, newServiceError(opSync, "watermark_failed", err)
		}
		if maxRegistrantID != nil {
			registrantParams.Set("greaterThanId", regfox.IntParam(*maxRegistrantID))
		}
		if maxOrderID != nil {
			orderParams.Set("greaterThanId", regfox.IntParam(*maxOrderID))
		}
	}

	var (
		registrants []regfox.Registrant
		orders      []regfox.Order
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		fetched, err := s.client.SearchRegistrants(groupCtx, registrantParams)
		if err != nil {
			return err
		}
		registrants = fetched
		return nil
	})
	group.Go(func() error {
		fetched, err := s.client.SearchOrders(groupCtx, orderParams)
		if err != nil {
			return err
		}
		orders = fetched
		return nil
	})
	if err := group.Wait(); err != nil {
		s.logError(opSync, "remote_fetch_failed", err)
		return 0, newServiceError(opSync, "remote_fetch_failed", err)
	}

	lookup := orderLookup(orders)
	rows := make([]Badge, 0, len(registrants))
	for _, registrant := range registrants {
		rows = append(rows, toRow(registrant, lookup))
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rebuild {
			if err := tx.Exec("DELETE FROM badges").Error; err != nil {
				return err
			}
		}
		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opSync, "insert_failed", txErr, zap.Int("rows", len(rows)))
		return 0, newServiceError(opSync, "insert_failed", txErr)
	}

	s.logger.Info("sync completed",
		zap.Bool("rebuild", rebuild),
		zap.Int("inserted", len(rows)))
	return len(rows), nil
}

// watermarks reads the high-water marks used as the incremental sync cursor.
// A nil value means the table is empty, which forces a full fetch.
func (s *Service) watermarks() (*int64, *int64, error) {
	var maxRegistrantID, maxOrderID sql.NullInt64
	row := s.db.Raw("SELECT MAX(registrant_id), MAX(order_id) FROM badges").Row()
	if err := row.Scan(&maxRegistrantID, &maxOrderID); err != nil {
		return nil, nil, err
	}

	var registrantID, orderID *int64
	if maxRegistrantID.Valid {
		registrantID = &maxRegistrantID.Int64
	}
	if maxOrderID.Valid {
		orderID = &maxOrderID.Int64
	}
	return registrantID, orderID, nil
}

var searchColumns = []string{
	"first_name", "last_name", "email", "attendee_badge_name", "phone", "display_id",
}

// SearchRegistrants returns rows where any of the configured text columns
// case-insensitively contains criteria. An empty result is not an error.
func (s *Service) SearchRegistrants(ctx context.Context, criteria string, limit, offset int) ([]RegistrantView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conditions := make([]string, 0, len(searchColumns))
	args := make([]any, 0, len(searchColumns))
	pattern := "%" + criteria + "%"
	for _, column := range searchColumns {
		conditions = append(conditions, column+" LIKE ?")
		args = append(args, pattern)
	}

	query := s.db.WithContext(ctx).Where(strings.Join(conditions, " OR "), args...)
	if limit > 0 {
		query = query.Limit(limit)
		if offset > 0 {
			query = query.Offset(offset)
		}
	}

	var rows []Badge
	if err := query.Order("registrant_id").Find(&rows).Error; err != nil {
		s.logError(opSearch, "query_failed", err)
		return nil, newServiceError(opSearch, "query_failed", err)
	}

	views := make([]RegistrantView, 0, len(rows))
	for _, row := range rows {
		views = append(views, s.view(row))
	}
	return views, nil
}

// GetRegistrant returns exactly one row or ErrNotFound. More than one row for
// a primary key indicates store corruption and is reported as
// ErrStoreInconsistent.
func (s *Service) GetRegistrant(ctx context.Context, id int64) (RegistrantView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRegistrant(ctx, id)
}

func (s *Service) getRegistrant(ctx context.Context, id int64) (RegistrantView, error) {
	var rows []Badge
	if err := s.db.WithContext(ctx).Where("registrant_id = ?", id).Limit(2).Find(&rows).Error; err != nil {
		s.logError(opGet, "query_failed", err, zap.Int64("registrant_id", id))
		return RegistrantView{}, newServiceError(opGet, "query_failed", err)
	}

	switch len(rows) {
	case 0:
		return RegistrantView{}, newServiceError(opGet, "not_found", fmt.Errorf("%w: id %d", ErrNotFound, id))
	case 1:
		return s.view(rows[0]), nil
	default:
		err := fmt.Errorf("%w: %d rows for registrant %d", ErrStoreInconsistent, len(rows), id)
		s.logError(opGet, "duplicate_primary_key", err, zap.Int64("registrant_id", id))
		return RegistrantView{}, newServiceError(opGet, "duplicate_primary_key", err)
	}
}

// UpdateRegistrant re-fetches one registrant from the remote API, re-flattens
// it and overwrites its row in place. Billing columns are left untouched:
// the single-registrant endpoint does not carry order data.
func (s *Service) UpdateRegistrant(ctx context.Context, id int64) (RegistrantView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	registrant, err := s.client.GetRegistrant(ctx, id)
	if err != nil {
		s.logError(opUpdate, "remote_fetch_failed", err, zap.Int64("registrant_id", id))
		return RegistrantView{}, newServiceError(opUpdate, "remote_fetch_failed", err)
	}
	if registrant.ID == 0 {
		return RegistrantView{}, newServiceError(opUpdate, "not_found", fmt.Errorf("%w: id %d", ErrNotFound, id))
	}

	row := toRow(registrant, nil)
	assignments := map[string]any{
		"display_id":          row.DisplayID,
		"order_id":            row.OrderID,
		"badge_level":         row.BadgeLevel,
		"status":              row.Status,
		"first_name":          row.FirstName,
		"last_name":           row.LastName,
		"email":               row.Email,
		"attendee_badge_name": row.AttendeeBadgeName,
		"date_of_birth":       row.DateOfBirth,
		"phone":               row.Phone,
		"checked_in":          row.CheckedIn,
		"date_checked_in":     row.DateCheckedIn,
	}

	result := s.db.WithContext(ctx).Model(&Badge{}).Where("registrant_id = ?", id).Updates(assignments)
	if result.Error != nil {
		s.logError(opUpdate, "update_failed", result.Error, zap.Int64("registrant_id", id))
		return RegistrantView{}, newServiceError(opUpdate, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return RegistrantView{}, newServiceError(opUpdate, "not_found", fmt.Errorf("%w: id %d", ErrNotFound, id))
	}

	return s.getRegistrant(ctx, id)
}

// CheckinRegistrant performs the write-through check-in: the remote mutation
// must succeed before the local mirror is touched. The remote call happens
// outside the cache lock so a slow remote response never blocks local reads.
func (s *Service) CheckinRegistrant(ctx context.Context, ref BadgeRef, at *time.Time) (RegistrantView, error) {
	request := regfox.CheckInRequest{}
	if ref.DisplayID != "" {
		request.DisplayID = ref.DisplayID
	} else {
		request.ID = ref.RegistrantID
	}
	when := s.clock().UTC()
	if at != nil {
		when = at.UTC()
	}
	request.Date = when.Format(time.RFC3339)

	result, err := s.client.CheckIn(ctx, request)
	if err != nil {
		s.logError(opCheckin, "remote_call_failed", err, zap.Int64("registrant_id", ref.RegistrantID))
		return RegistrantView{}, newServiceError(opCheckin, "remote_call_failed", err)
	}
	if result.ResponseCode != 200 {
		err := fmt.Errorf("%w: response code %d", ErrRemoteRejected, result.ResponseCode)
		s.logError(opCheckin, "remote_rejected", err, zap.Int64("registrant_id", ref.RegistrantID))
		return RegistrantView{}, newServiceError(opCheckin, "remote_rejected", err)
	}

	checkedInAt := parseRemoteTimestamp(result.Data.Date)

	s.mu.Lock()
	defer s.mu.Unlock()

	update := s.db.WithContext(ctx).Model(&Badge{}).
		Where("registrant_id = ?", result.Data.ID).
		Updates(map[string]any{
			"checked_in":      true,
			"date_checked_in": checkedInAt,
		})
	if update.Error != nil {
		s.logError(opCheckin, "local_update_failed", update.Error, zap.Int64("registrant_id", result.Data.ID))
		return RegistrantView{}, newServiceError(opCheckin, "local_update_failed", update.Error)
	}

	return s.getRegistrant(ctx, result.Data.ID)
}

// CheckoutRegistrant always reports an unsupported operation. The remote
// check-out endpoint is documented as non-functional; succeeding silently
// here would desynchronize the mirror.
func (s *Service) CheckoutRegistrant(ctx context.Context, ref BadgeRef) (RegistrantView, error) {
	return RegistrantView{}, newServiceError(opCheckout, "unsupported", ErrCheckoutUnsupported)
}

type levelCount struct {
	BadgeLevel string
	N          int64
}

// Counts aggregates attendance figures over completed registrations.
func (s *Service) Counts(ctx context.Context) (CountSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := CountSummary{
		TotalByLevel:        make(map[string]int64),
		CheckedInByLevel:    make(map[string]int64),
		NotCheckedInByLevel: make(map[string]int64),
	}

	base := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&Badge{}).Where("status = ?", "completed")
	}

	if err := base().Count(&summary.Total).Error; err != nil {
		s.logError(opCounts, "query_failed", err)
		return CountSummary{}, newServiceError(opCounts, "query_failed", err)
	}
	if err := base().Where("checked_in = ?", true).Count(&summary.CheckedIn).Error; err != nil {
		s.logError(opCounts, "query_failed", err)
		return CountSummary{}, newServiceError(opCounts, "query_failed", err)
	}

	fill := func(target map[string]int64, scope func() *gorm.DB) error {
		var rows []levelCount
		if err := scope().Select("badge_level AS badge_level, COUNT(*) AS n").
			Group("badge_level").Scan(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			target[row.BadgeLevel] = row.N
		}
		return nil
	}

	if err := fill(summary.TotalByLevel, base); err != nil {
		s.logError(opCounts, "query_failed", err)
		return CountSummary{}, newServiceError(opCounts, "query_failed", err)
	}
	if err := fill(summary.CheckedInByLevel, func() *gorm.DB {
		return base().Where("checked_in = ?", true)
	}); err != nil {
		s.logError(opCounts, "query_failed", err)
		return CountSummary{}, newServiceError(opCounts, "query_failed", err)
	}
	if err := fill(summary.NotCheckedInByLevel, func() *gorm.DB {
		return base().Where("checked_in = ?", false)
	}); err != nil {
		s.logError(opCounts, "query_failed", err)
		return CountSummary{}, newServiceError(opCounts, "query_failed", err)
	}

	return summary, nil
}

func (s *Service) view(row Badge) RegistrantView {
	view := RegistrantView{
		Badge:             row,
		DateOfBirthDate:   ordinalToDate(row.DateOfBirth),
		DateCheckedInTime: epochToTime(row.DateCheckedIn),
	}
	if view.DateOfBirthDate != nil {
		view.AgeNow = ageAt(*view.DateOfBirthDate, s.clock().UTC())
		if !s.eventStart.IsZero() {
			view.AgeAtEvent = ageAt(*view.DateOfBirthDate, s.eventStart)
		}
	}
	return view
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("badge cache error", attrs...)
}
