package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertSaleEventSQL = `INSERT INTO sale_events (
        tx_id,
        block_height,
        category,
        asset_name,
        buyer,
        seller,
        price_eth,
        price_usd,
        tier_name,
        occurred_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (tx_id) DO NOTHING
    RETURNING id;`

	existingTxIDsSQL = `SELECT tx_id FROM sale_events WHERE tx_id = ANY($1);`

	getSaleByTxIDSQL = `SELECT
        id, tx_id, block_height, category, asset_name, buyer, seller,
        price_eth, price_usd, tier_name, occurred_at, ingested_at, posted
    FROM sale_events
    WHERE tx_id = $1;`

	listRecentSalesSQL = `SELECT
        id, tx_id, block_height, category, asset_name, buyer, seller,
        price_eth, price_usd, tier_name, occurred_at, ingested_at, posted
    FROM sale_events
    ORDER BY block_height DESC, id DESC
    LIMIT $1;`

	listRecentSalesByPostedSQL = `SELECT
        id, tx_id, block_height, category, asset_name, buyer, seller,
        price_eth, price_usd, tier_name, occurred_at, ingested_at, posted
    FROM sale_events
    WHERE posted = $2
    ORDER BY block_height DESC, id DESC
    LIMIT $1;`

	listSalesBetweenSQL = `SELECT
        id, tx_id, block_height, category, asset_name, buyer, seller,
        price_eth, price_usd, tier_name, occurred_at, ingested_at, posted
    FROM sale_events
    WHERE occurred_at >= $1
      AND occurred_at < $2
    ORDER BY occurred_at;`

	markSalePostedSQL = `UPDATE sale_events SET posted = TRUE WHERE tx_id = $1;`

	countSalesSinceSQL = `SELECT COUNT(*) FROM sale_events WHERE ingested_at >= $1;`

	listTierBandsSQL = `SELECT
        category, idx, name, min_usd, max_usd, min_native, updated_at
    FROM price_tiers
    ORDER BY category, idx;`

	deleteTierBandsSQL = `DELETE FROM price_tiers WHERE category = $1;`

	insertTierBandSQL = `INSERT INTO price_tiers (
        category, idx, name, min_usd, max_usd, min_native
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	insertPostRecordSQL = `INSERT INTO post_records (
        sale_event_id, tx_id, success, external_id, error_text, origin, attempted_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    RETURNING id, sale_event_id, tx_id, success, external_id, error_text, origin, attempted_at;`

	countSuccessfulPostsSinceSQL = `SELECT COUNT(*) FROM post_records
    WHERE success = TRUE AND attempted_at >= $1;`

	countFailedPostsSinceSQL = `SELECT COUNT(*) FROM post_records
    WHERE success = FALSE AND attempted_at >= $1;`

	oldestSuccessfulPostSinceSQL = `SELECT MIN(attempted_at) FROM post_records
    WHERE success = TRUE AND attempted_at >= $1;`

	listRecentPostsSQL = `SELECT
        id, sale_event_id, tx_id, success, external_id, error_text, origin, attempted_at
    FROM post_records
    ORDER BY attempted_at DESC, id DESC
    LIMIT $1;`

	getSchedulerStateSQL = `SELECT
        state, cursor_height, error_count, last_tick_at, last_error, updated_at
    FROM scheduler_state
    WHERE singleton;`

	saveSchedulerTickSQL = `UPDATE scheduler_state
    SET cursor_height = GREATEST(cursor_height, $1),
        error_count   = $2,
        last_tick_at  = $3,
        last_error    = $4,
        updated_at    = NOW()
    WHERE singleton;`

	setSchedulerRunStateSQL = `UPDATE scheduler_state
    SET state = $1, updated_at = NOW()
    WHERE singleton;`

	resetSchedulerErrorsSQL = `UPDATE scheduler_state
    SET error_count = 0, last_error = NULL, updated_at = NOW()
    WHERE singleton;`

	resetSchedulerSQL = `UPDATE scheduler_state
    SET state = 'stopped', error_count = 0, last_error = NULL, updated_at = NOW()
    WHERE singleton;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SaleStore defines operations for sale event persistence.
type SaleStore interface {
	InsertSaleEvents(ctx context.Context, events []SaleEvent) ([]SaleEvent, error)
	ExistingTxIDs(ctx context.Context, txIDs []string) (map[string]struct{}, error)
	GetSaleByTxID(ctx context.Context, txID string) (SaleEvent, error)
	ListRecentSales(ctx context.Context, limit int, posted *bool) ([]SaleEvent, error)
	ListSalesBetween(ctx context.Context, from, to time.Time) ([]SaleEvent, error)
	MarkSalePosted(ctx context.Context, txID string) error
	CountSalesSince(ctx context.Context, since time.Time) (int64, error)
}

// TierStore defines operations for tier ladder persistence.
type TierStore interface {
	ListTierBands(ctx context.Context) ([]TierBand, error)
	ReplaceTierBands(ctx context.Context, category string, bands []TierBand) error
}

// PostStore defines operations for publish attempt accounting.
type PostStore interface {
	InsertPostRecord(ctx context.Context, rec PostRecord) (PostRecord, error)
	CountSuccessfulPostsSince(ctx context.Context, since time.Time) (int64, error)
	CountFailedPostsSince(ctx context.Context, since time.Time) (int64, error)
	OldestSuccessfulPostSince(ctx context.Context, since time.Time) (*time.Time, error)
	ListRecentPosts(ctx context.Context, limit int) ([]PostRecord, error)
}

// StateStore defines operations on the scheduler singleton row.
type StateStore interface {
	GetSchedulerState(ctx context.Context) (SchedulerState, error)
	SaveSchedulerTick(ctx context.Context, cursorHeight int64, errorCount int, tickAt time.Time, lastError *string) error
	SetSchedulerRunState(ctx context.Context, state string) error
	ResetSchedulerErrors(ctx context.Context) error
	ResetScheduler(ctx context.Context) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to sales, tiers, post records, and scheduler state.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSaleEvents persists a batch of accepted sales and returns the rows
// that were actually inserted, ids assigned. A tx id that lost an insert race
// is silently dropped from the result so it cannot be posted twice.
func (s *Store) InsertSaleEvents(ctx context.Context, events []SaleEvent) ([]SaleEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	inserted := make([]SaleEvent, 0, len(events))
	for _, ev := range events {
		row := pool.QueryRow(ctx, insertSaleEventSQL,
			ev.TxID,
			ev.BlockHeight,
			ev.Category,
			ev.AssetName,
			ev.Buyer,
			ev.Seller,
			ev.PriceETH.String(),
			ev.PriceUSD.String(),
			ev.TierName,
			ev.OccurredAt,
		)
		if err := row.Scan(&ev.ID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("insert sale event %s: %w", ev.TxID, err)
		}
		inserted = append(inserted, ev)
	}
	return inserted, nil
}

// ExistingTxIDs reports which of the given transaction ids are already stored.
func (s *Store) ExistingTxIDs(ctx context.Context, txIDs []string) (map[string]struct{}, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if len(txIDs) == 0 {
		return map[string]struct{}{}, nil
	}

	rows, queryErr := pool.Query(ctx, existingTxIDsSQL, txIDs)
	if queryErr != nil {
		return nil, fmt.Errorf("query existing tx ids: %w", queryErr)
	}
	defer rows.Close()

	seen := make(map[string]struct{}, len(txIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		seen[id] = struct{}{}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return seen, nil
}

// GetSaleByTxID fetches one sale by its transaction id.
func (s *Store) GetSaleByTxID(ctx context.Context, txID string) (SaleEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return SaleEvent{}, err
	}

	rows, queryErr := pool.Query(ctx, getSaleByTxIDSQL, txID)
	if queryErr != nil {
		return SaleEvent{}, fmt.Errorf("get sale by tx id: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return SaleEvent{}, rows.Err()
		}
		return SaleEvent{}, pgx.ErrNoRows
	}
	return scanSaleEvent(rows)
}

// ListRecentSales lists the most recent sales, optionally filtered by posted.
func (s *Store) ListRecentSales(ctx context.Context, limit int, posted *bool) ([]SaleEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		rows     pgx.Rows
		queryErr error
	)
	if posted == nil {
		rows, queryErr = pool.Query(ctx, listRecentSalesSQL, limit)
	} else {
		rows, queryErr = pool.Query(ctx, listRecentSalesByPostedSQL, limit, *posted)
	}
	if queryErr != nil {
		return nil, fmt.Errorf("list recent sales: %w", queryErr)
	}
	defer rows.Close()

	sales := make([]SaleEvent, 0, limit)
	for rows.Next() {
		sale, scanErr := scanSaleEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		sales = append(sales, sale)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return sales, nil
}

// ListSalesBetween lists sales within an occurrence time window.
func (s *Store) ListSalesBetween(ctx context.Context, from, to time.Time) ([]SaleEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSalesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list sales between: %w", queryErr)
	}
	defer rows.Close()

	sales := make([]SaleEvent, 0)
	for rows.Next() {
		sale, scanErr := scanSaleEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		sales = append(sales, sale)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return sales, nil
}

// MarkSalePosted attaches the posted marker to a stored sale.
func (s *Store) MarkSalePosted(ctx context.Context, txID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markSalePostedSQL, txID)
	if execErr != nil {
		return fmt.Errorf("mark sale posted: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CountSalesSince counts sales ingested at or after the given instant.
func (s *Store) CountSalesSince(ctx context.Context, since time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSalesSinceSQL, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count sales since: %w", scanErr)
	}
	return count, nil
}

// ListTierBands returns all tier bands ordered by category and index.
func (s *Store) ListTierBands(ctx context.Context) ([]TierBand, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTierBandsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list tier bands: %w", queryErr)
	}
	defer rows.Close()

	bands := make([]TierBand, 0, 12)
	for rows.Next() {
		band, scanErr := scanTierBand(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		bands = append(bands, band)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return bands, nil
}

// ReplaceTierBands swaps one category's ladder inside a transaction.
func (s *Store) ReplaceTierBands(ctx context.Context, category string, bands []TierBand) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, txErr := pool.Begin(ctx)
	if txErr != nil {
		return fmt.Errorf("begin replace tier bands: %w", txErr)
	}
	defer tx.Rollback(ctx)

	if _, execErr := tx.Exec(ctx, deleteTierBandsSQL, category); execErr != nil {
		return fmt.Errorf("delete tier bands: %w", execErr)
	}
	for _, band := range bands {
		var maxUSD interface{}
		if band.MaxUSD != nil {
			maxUSD = band.MaxUSD.String()
		}
		if _, execErr := tx.Exec(ctx, insertTierBandSQL,
			category,
			band.Index,
			band.Name,
			band.MinUSD.String(),
			maxUSD,
			band.MinNative.String(),
		); execErr != nil {
			return fmt.Errorf("insert tier band: %w", execErr)
		}
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return fmt.Errorf("commit replace tier bands: %w", commitErr)
	}
	return nil
}

// InsertPostRecord persists one publish attempt.
func (s *Store) InsertPostRecord(ctx context.Context, rec PostRecord) (PostRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return PostRecord{}, err
	}

	var externalID interface{}
	if rec.ExternalID != nil {
		externalID = *rec.ExternalID
	}
	var errText interface{}
	if rec.ErrorText != nil {
		errText = *rec.ErrorText
	}

	rows, queryErr := pool.Query(ctx, insertPostRecordSQL,
		rec.SaleEventID,
		rec.TxID,
		rec.Success,
		externalID,
		errText,
		rec.Origin,
		rec.AttemptedAt,
	)
	if queryErr != nil {
		return PostRecord{}, fmt.Errorf("insert post record: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return PostRecord{}, rows.Err()
		}
		return PostRecord{}, pgx.ErrNoRows
	}
	return scanPostRecord(rows)
}

// CountSuccessfulPostsSince counts successful posts at or after the instant.
func (s *Store) CountSuccessfulPostsSince(ctx context.Context, since time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSuccessfulPostsSinceSQL, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count successful posts since: %w", scanErr)
	}
	return count, nil
}

// CountFailedPostsSince counts failed posts at or after the instant.
func (s *Store) CountFailedPostsSince(ctx context.Context, since time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countFailedPostsSinceSQL, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count failed posts since: %w", scanErr)
	}
	return count, nil
}

// OldestSuccessfulPostSince returns the earliest in-window success, or nil.
func (s *Store) OldestSuccessfulPostSince(ctx context.Context, since time.Time) (*time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var oldest sql.NullTime
	if scanErr := pool.QueryRow(ctx, oldestSuccessfulPostSinceSQL, since).Scan(&oldest); scanErr != nil {
		return nil, fmt.Errorf("oldest successful post since: %w", scanErr)
	}
	if !oldest.Valid {
		return nil, nil
	}
	value := oldest.Time
	return &value, nil
}

// ListRecentPosts lists the most recent publish attempts.
func (s *Store) ListRecentPosts(ctx context.Context, limit int) ([]PostRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPostsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent posts: %w", queryErr)
	}
	defer rows.Close()

	records := make([]PostRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanPostRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// GetSchedulerState reads the singleton scheduler row.
func (s *Store) GetSchedulerState(ctx context.Context) (SchedulerState, error) {
	pool, err := s.getPool()
	if err != nil {
		return SchedulerState{}, err
	}

	var (
		st        SchedulerState
		lastTick  sql.NullTime
		lastError sql.NullString
	)
	if scanErr := pool.QueryRow(ctx, getSchedulerStateSQL).Scan(
		&st.State,
		&st.CursorHeight,
		&st.ErrorCount,
		&lastTick,
		&lastError,
		&st.UpdatedAt,
	); scanErr != nil {
		return SchedulerState{}, fmt.Errorf("get scheduler state: %w", scanErr)
	}

	if lastTick.Valid {
		t := lastTick.Time
		st.LastTickAt = &t
	}
	if lastError.Valid {
		msg := lastError.String
		st.LastError = &msg
	}
	return st, nil
}

// SaveSchedulerTick persists the outcome of one tick. The cursor only moves
// forward; GREATEST keeps it monotonic regardless of the caller's view.
func (s *Store) SaveSchedulerTick(ctx context.Context, cursorHeight int64, errorCount int, tickAt time.Time, lastError *string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if lastError != nil {
		errMsg = *lastError
	}
	if _, execErr := pool.Exec(ctx, saveSchedulerTickSQL, cursorHeight, errorCount, tickAt, errMsg); execErr != nil {
		return fmt.Errorf("save scheduler tick: %w", execErr)
	}
	return nil
}

// SetSchedulerRunState updates only the lifecycle state field.
func (s *Store) SetSchedulerRunState(ctx context.Context, state string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setSchedulerRunStateSQL, state); execErr != nil {
		return fmt.Errorf("set scheduler run state: %w", execErr)
	}
	return nil
}

// ResetSchedulerErrors clears the consecutive error counter.
func (s *Store) ResetSchedulerErrors(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, resetSchedulerErrorsSQL); execErr != nil {
		return fmt.Errorf("reset scheduler errors: %w", execErr)
	}
	return nil
}

// ResetScheduler leaves force-stop and clears the error counter in one step.
func (s *Store) ResetScheduler(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, resetSchedulerSQL); execErr != nil {
		return fmt.Errorf("reset scheduler: %w", execErr)
	}
	return nil
}

func scanSaleEvent(rows pgx.Rows) (SaleEvent, error) {
	var (
		ev         SaleEvent
		priceETH   string
		priceUSD   string
		occurredAt time.Time
		ingestedAt time.Time
	)

	if err := rows.Scan(
		&ev.ID,
		&ev.TxID,
		&ev.BlockHeight,
		&ev.Category,
		&ev.AssetName,
		&ev.Buyer,
		&ev.Seller,
		&priceETH,
		&priceUSD,
		&ev.TierName,
		&occurredAt,
		&ingestedAt,
		&ev.Posted,
	); err != nil {
		return SaleEvent{}, err
	}

	eth, err := decimal.NewFromString(priceETH)
	if err != nil {
		return SaleEvent{}, fmt.Errorf("parse price eth: %w", err)
	}
	usd, err := decimal.NewFromString(priceUSD)
	if err != nil {
		return SaleEvent{}, fmt.Errorf("parse price usd: %w", err)
	}

	ev.PriceETH = eth
	ev.PriceUSD = usd
	ev.OccurredAt = occurredAt
	ev.IngestedAt = ingestedAt
	return ev, nil
}

func scanTierBand(rows pgx.Rows) (TierBand, error) {
	var (
		band      TierBand
		minUSD    string
		maxUSD    sql.NullString
		minNative string
	)

	if err := rows.Scan(
		&band.Category,
		&band.Index,
		&band.Name,
		&minUSD,
		&maxUSD,
		&minNative,
		&band.UpdatedAt,
	); err != nil {
		return TierBand{}, err
	}

	minVal, err := decimal.NewFromString(minUSD)
	if err != nil {
		return TierBand{}, fmt.Errorf("parse min usd: %w", err)
	}
	band.MinUSD = minVal

	if maxUSD.Valid {
		maxVal, err := decimal.NewFromString(maxUSD.String)
		if err != nil {
			return TierBand{}, fmt.Errorf("parse max usd: %w", err)
		}
		band.MaxUSD = &maxVal
	}

	floor, err := decimal.NewFromString(minNative)
	if err != nil {
		return TierBand{}, fmt.Errorf("parse min native: %w", err)
	}
	band.MinNative = floor

	return band, nil
}

func scanPostRecord(rows pgx.Rows) (PostRecord, error) {
	var (
		rec        PostRecord
		externalID sql.NullString
		errText    sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.SaleEventID,
		&rec.TxID,
		&rec.Success,
		&externalID,
		&errText,
		&rec.Origin,
		&rec.AttemptedAt,
	); err != nil {
		return PostRecord{}, err
	}

	if externalID.Valid {
		id := externalID.String
		rec.ExternalID = &id
	}
	if errText.Valid {
		msg := errText.String
		rec.ErrorText = &msg
	}
	return rec, nil
}
