package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sorteo/internal/models"

	"github.com/google/logger"
	"github.com/lib/pq"
)

const (
	pqUniqueViolation   = "23505"
	pqForeignKey        = "23503"
	pqCheckViolation    = "23514"
	pqLockNotAvailable  = "55P03"
	raffleColumns       = `id, title, slug, description, draw_date, conditions, ticket_price, total_tickets, tickets_sold, state, created_at, updated_at`
	paymentColumns      = `id, raffle_id, owner_name, ci_type, owner_ci, owner_email, owner_phone, method, bank, reference, tickets_quantity, transferred_amount, transferred_date, state, serial, verification_note, created_at, updated_at`
	ticketSelectColumns = `id, serial, raffle_id, payment_id, owner_name, ci_type, owner_ci, owner_email, owner_phone, created_at`
)

type DBStore struct {
	DB          *sql.DB
	lockTimeout time.Duration
}

// NewDBStore wraps db. A positive lockTimeout bounds how long a transaction
// waits for a raffle or payment row lock before failing with ErrLockTimeout.
func NewDBStore(db *sql.DB, lockTimeout time.Duration) *DBStore {
	return &DBStore{DB: db, lockTimeout: lockTimeout}
}

func ConnectDB(driver, dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open(driver, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// RunMigrations executes every .sql file in migrationsDir in lexical order.
// Files are expected to be idempotent.
func RunMigrations(db *sql.DB, migrationsDir string, log *logger.Logger) error {
	if migrationsDir == "" {
		return fmt.Errorf("migrations directory not specified")
	}

	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	if len(migrationFiles) == 0 {
		log.Warningf("No migration files found in %s", migrationsDir)
		return nil
	}

	for _, fileName := range migrationFiles {
		content, err := os.ReadFile(filepath.Join(migrationsDir, fileName))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", fileName, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", fileName, err)
		}
		log.Infof("Applied migration: %s", fileName)
	}
	return nil
}

func (s *DBStore) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (s *DBStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	if err := fn(&dbTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", translateError(err))
	}
	return nil
}

// translateError maps constraint and lock failures reported by Postgres to
// the package sentinels. Other errors are returned unchanged.
func translateError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	switch pqErr.Code {
	case pqLockNotAvailable:
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	case pqCheckViolation:
		if pqErr.Constraint == "raffles_capacity_check" {
			return fmt.Errorf("%w: %v", ErrCapacityExceeded, err)
		}
	case pqForeignKey:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case pqUniqueViolation:
		switch pqErr.Constraint {
		case "payments_reference_key":
			return fmt.Errorf("%w: %v", ErrDuplicateReference, err)
		case "tickets_raffle_serial_key":
			return fmt.Errorf("%w: %v", ErrDuplicateSerial, err)
		case "prizes_raffle_position_key":
			return fmt.Errorf("%w: %v", ErrDuplicatePosition, err)
		case "raffles_slug_key":
			return fmt.Errorf("%w: %v", ErrDuplicateSlug, err)
		}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRaffle(row rowScanner) (*models.Raffle, error) {
	r := &models.Raffle{}
	var state string
	err := row.Scan(
		&r.ID, &r.Title, &r.Slug, &r.Description, &r.DrawDate, &r.Conditions,
		&r.TicketPrice, &r.TotalTickets, &r.TicketsSold, &state, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.State = models.RaffleState(state)
	return r, nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	p := &models.Payment{}
	var (
		state     string
		note      sql.NullString
		updatedAt sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.RaffleID, &p.Owner.Name, &p.Owner.CIType, &p.Owner.CI, &p.Owner.Email, &p.Owner.Phone,
		&p.Method, &p.Bank, &p.Reference, &p.TicketsQuantity, &p.TransferredAmount, &p.TransferredDate,
		&state, &p.Serial, &note, &p.CreatedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.State = models.PaymentState(state)
	p.VerificationNote = note.String
	if updatedAt.Valid {
		p.UpdatedAt = &updatedAt.Time
	}
	return p, nil
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var t models.Ticket
	err := row.Scan(
		&t.ID, &t.Serial, &t.RaffleID, &t.PaymentID,
		&t.Owner.Name, &t.Owner.CIType, &t.Owner.CI, &t.Owner.Email, &t.Owner.Phone, &t.CreatedAt,
	)
	return t, err
}

func (s *DBStore) CreateRaffle(ctx context.Context, raffle *models.Raffle) error {
	query := `
        INSERT INTO raffles (title, slug, description, draw_date, conditions, ticket_price, total_tickets, tickets_sold, state)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
        RETURNING id, tickets_sold, created_at, updated_at`

	err := s.DB.QueryRowContext(ctx, query,
		raffle.Title,
		raffle.Slug,
		raffle.Description,
		raffle.DrawDate,
		raffle.Conditions,
		raffle.TicketPrice,
		raffle.TotalTickets,
		string(raffle.State),
	).Scan(&raffle.ID, &raffle.TicketsSold, &raffle.CreatedAt, &raffle.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create raffle: %w", translateError(err))
	}
	return nil
}

func (s *DBStore) GetRaffle(ctx context.Context, raffleID int64) (*models.Raffle, error) {
	raffle, err := scanRaffle(s.DB.QueryRowContext(ctx, `SELECT `+raffleColumns+` FROM raffles WHERE id = $1`, raffleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get raffle: %w", err)
	}
	return raffle, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern turns q into an ILIKE pattern matching q literally
// anywhere in the column.
func containsPattern(q string) string {
	return "%" + likeEscaper.Replace(q) + "%"
}

func (s *DBStore) ListRaffles(ctx context.Context, filter models.RaffleFilter) ([]models.Raffle, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.State != "" {
		args = append(args, string(filter.State))
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.Query != "" {
		args = append(args, containsPattern(filter.Query))
		conds = append(conds, fmt.Sprintf(`(title ILIKE $%[1]d ESCAPE '\' OR description ILIKE $%[1]d ESCAPE '\')`, len(args)))
	}

	query := `SELECT ` + raffleColumns + `, COUNT(*) OVER() FROM raffles`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY draw_date DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list raffles: %w", err)
	}
	defer rows.Close()

	var (
		raffles []models.Raffle
		total   int
	)
	for rows.Next() {
		r, err := scanRaffle(countingScanner{rows: rows, total: &total})
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan raffle: %w", err)
		}
		raffles = append(raffles, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate raffles: %w", err)
	}
	return raffles, total, nil
}

func (s *DBStore) CreatePrize(ctx context.Context, prize *models.Prize) error {
	query := `
        INSERT INTO prizes (raffle_id, name, description, position)
        VALUES ($1, $2, $3, $4)
        RETURNING id, created_at`

	err := s.DB.QueryRowContext(ctx, query, prize.RaffleID, prize.Name, prize.Description, prize.Position).
		Scan(&prize.ID, &prize.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create prize: %w", translateError(err))
	}
	return nil
}

func (s *DBStore) ListPrizes(ctx context.Context, raffleID int64) ([]models.Prize, error) {
	rows, err := s.DB.QueryContext(ctx, `
        SELECT id, raffle_id, name, description, position, created_at
        FROM prizes
        WHERE raffle_id = $1
        ORDER BY position`, raffleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list prizes: %w", err)
	}
	defer rows.Close()

	var prizes []models.Prize
	for rows.Next() {
		var p models.Prize
		if err := rows.Scan(&p.ID, &p.RaffleID, &p.Name, &p.Description, &p.Position, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prize: %w", err)
		}
		prizes = append(prizes, p)
	}
	return prizes, rows.Err()
}

func (s *DBStore) GetPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	payment, err := scanPayment(s.DB.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return payment, nil
}

func (s *DBStore) ExistsByReference(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE reference = $1)`, reference).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check payment reference: %w", err)
	}
	return exists, nil
}

// ListPayments returns pending payments first, then verified, then
// cancelled, each group oldest first.
func (s *DBStore) ListPayments(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.State != "" {
		args = append(args, string(filter.State))
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.Query != "" {
		args = append(args, containsPattern(filter.Query))
		conds = append(conds, fmt.Sprintf(
			`(owner_name ILIKE $%[1]d ESCAPE '\' OR owner_ci ILIKE $%[1]d ESCAPE '\' OR owner_email ILIKE $%[1]d ESCAPE '\' OR reference ILIKE $%[1]d ESCAPE '\' OR serial ILIKE $%[1]d ESCAPE '\')`,
			len(args)))
	}

	query := `SELECT ` + paymentColumns + `, COUNT(*) OVER() FROM payments`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(`
        ORDER BY CASE state WHEN 'pending' THEN 1 WHEN 'verified' THEN 2 WHEN 'cancelled' THEN 3 ELSE 4 END, created_at
        LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var (
		payments []models.Payment
		total    int
	)
	for rows.Next() {
		p, err := scanPayment(countingScanner{rows: rows, total: &total})
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return payments, total, nil
}

// countingScanner appends the window COUNT(*) column to a row scan.
type countingScanner struct {
	rows  *sql.Rows
	total *int
}

func (c countingScanner) Scan(dest ...any) error {
	return c.rows.Scan(append(dest, c.total)...)
}

func (s *DBStore) ListTickets(ctx context.Context, raffleID int64) ([]models.Ticket, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+ticketSelectColumns+` FROM tickets WHERE raffle_id = $1 ORDER BY serial`, raffleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// SweepRaffleStates finishes raffles whose draw date has passed and marks
// full active raffles as sold out.
func (s *DBStore) SweepRaffleStates(ctx context.Context, now time.Time) (finished, soldOut int64, err error) {
	res, err := s.DB.ExecContext(ctx, `
        UPDATE raffles SET state = 'finished', updated_at = NOW()
        WHERE state IN ('active', 'sold_out') AND draw_date <= $1`, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to finish expired raffles: %w", err)
	}
	finished, _ = res.RowsAffected()

	res, err = s.DB.ExecContext(ctx, `
        UPDATE raffles SET state = 'sold_out', updated_at = NOW()
        WHERE state = 'active' AND tickets_sold >= total_tickets`)
	if err != nil {
		return finished, 0, fmt.Errorf("failed to mark sold out raffles: %w", err)
	}
	soldOut, _ = res.RowsAffected()
	return finished, soldOut, nil
}

type dbTx struct {
	tx *sql.Tx
}

func (t *dbTx) LockRaffle(ctx context.Context, raffleID int64) (*models.Raffle, error) {
	raffle, err := scanRaffle(t.tx.QueryRowContext(ctx, `SELECT `+raffleColumns+` FROM raffles WHERE id = $1 FOR UPDATE`, raffleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock raffle: %w", translateError(err))
	}
	return raffle, nil
}

func (t *dbTx) IncrementSold(ctx context.Context, raffleID int64, by int) error {
	res, err := t.tx.ExecContext(ctx, `
        UPDATE raffles
        SET tickets_sold = tickets_sold + $2,
            state = CASE WHEN state = 'active' AND tickets_sold + $2 = total_tickets THEN 'sold_out' ELSE state END,
            updated_at = NOW()
        WHERE id = $1 AND tickets_sold + $2 <= total_tickets`, raffleID, by)
	if err != nil {
		return fmt.Errorf("failed to increment tickets sold: %w", translateError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCapacityExceeded
	}
	return nil
}

func (t *dbTx) UpdateRaffle(ctx context.Context, raffle *models.Raffle) error {
	err := t.tx.QueryRowContext(ctx, `
        UPDATE raffles
        SET title = $2, description = $3, draw_date = $4, conditions = $5,
            ticket_price = $6, total_tickets = $7, state = $8, updated_at = NOW()
        WHERE id = $1
        RETURNING tickets_sold, updated_at`,
		raffle.ID,
		raffle.Title,
		raffle.Description,
		raffle.DrawDate,
		raffle.Conditions,
		raffle.TicketPrice,
		raffle.TotalTickets,
		string(raffle.State),
	).Scan(&raffle.TicketsSold, &raffle.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update raffle: %w", translateError(err))
	}
	return nil
}

func (t *dbTx) LockPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	payment, err := scanPayment(t.tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, paymentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock payment: %w", translateError(err))
	}
	return payment, nil
}

func (t *dbTx) CreatePayment(ctx context.Context, p *models.Payment) error {
	query := `
        INSERT INTO payments (raffle_id, owner_name, ci_type, owner_ci, owner_email, owner_phone, method, bank,
                              reference, tickets_quantity, transferred_amount, transferred_date, state, serial)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'pending', $13)
        RETURNING id, state, created_at`

	var state string
	err := t.tx.QueryRowContext(ctx, query,
		p.RaffleID,
		p.Owner.Name,
		p.Owner.CIType,
		p.Owner.CI,
		p.Owner.Email,
		p.Owner.Phone,
		p.Method,
		p.Bank,
		p.Reference,
		p.TicketsQuantity,
		p.TransferredAmount,
		p.TransferredDate,
		p.Serial,
	).Scan(&p.ID, &state, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", translateError(err))
	}
	p.State = models.PaymentState(state)
	return nil
}

func (t *dbTx) TransitionPayment(ctx context.Context, paymentID int64, state models.PaymentState, note string) error {
	res, err := t.tx.ExecContext(ctx, `
        UPDATE payments
        SET state = $2, verification_note = COALESCE(NULLIF($3, ''), verification_note), updated_at = NOW()
        WHERE id = $1 AND state = 'pending'`, paymentID, string(state), note)
	if err != nil {
		return fmt.Errorf("failed to transition payment: %w", translateError(err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, paymentID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check payment: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidStateTransition
}

func (t *dbTx) AssignedSerials(ctx context.Context, raffleID int64) ([]int, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT serial FROM tickets WHERE raffle_id = $1`, raffleID)
	if err != nil {
		return nil, fmt.Errorf("failed to read assigned serials: %w", err)
	}
	defer rows.Close()

	var serials []int
	for rows.Next() {
		var serial int
		if err := rows.Scan(&serial); err != nil {
			return nil, fmt.Errorf("failed to scan serial: %w", err)
		}
		serials = append(serials, serial)
	}
	return serials, rows.Err()
}

// InsertTickets writes all tickets with a single COPY.
func (t *dbTx) InsertTickets(ctx context.Context, tickets []models.Ticket) error {
	if len(tickets) == 0 {
		return fmt.Errorf("no tickets to insert")
	}

	stmt, err := t.tx.PrepareContext(ctx, pq.CopyIn("tickets",
		"serial", "raffle_id", "payment_id", "owner_name", "ci_type", "owner_ci", "owner_email", "owner_phone", "created_at"))
	if err != nil {
		return fmt.Errorf("failed to prepare ticket copy: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for i, tk := range tickets {
		createdAt := tk.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx, tk.Serial, tk.RaffleID, tk.PaymentID,
			tk.Owner.Name, tk.Owner.CIType, tk.Owner.CI, tk.Owner.Email, tk.Owner.Phone, createdAt); err != nil {
			return fmt.Errorf("failed to queue ticket %d: %w", i, err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to copy tickets: %w", translateError(err))
	}
	return nil
}
