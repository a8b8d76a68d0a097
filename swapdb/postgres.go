package swapdb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	postgres_migrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapderrors"
)


//go:embed migrations/*.sql
var migrations embed.FS

const dsnTemplate = "postgres://%v:%v@%v:%d/%v?sslmode=%v"

// Config holds the Postgres connection parameters, mirroring the teacher's
// own PostgresConfig field set and flag tags.
type Config struct {
	SkipMigrations     bool   `long:"skipmigrations" description:"Skip applying migrations on startup."`
	Host               string `long:"host" description:"Database server hostname."`
	Port               int    `long:"port" description:"Database server port."`
	User               string `long:"user" description:"Database user."`
	Password           string `long:"password" description:"Database user's password."`
	DBName             string `long:"dbname" description:"Database name to use."`
	MaxOpenConnections int    `long:"maxconnections" description:"Max open connections to keep alive to the database server."`
	RequireSSL         bool   `long:"requiressl" description:"Whether to require using SSL when connecting to the server."`
}

// DSN returns the connection string for cfg. hidePassword replaces the
// password with a placeholder, for safe logging.
func (c *Config) DSN(hidePassword bool) string {
	sslMode := "disable"
	if c.RequireSSL {
		sslMode = "require"
	}

	password := c.Password
	if hidePassword {
		password = "****"
	}

	return fmt.Sprintf(
		dsnTemplate, c.User, password, c.Host, c.Port, c.DBName,
		sslMode,
	)
}

// PostgresRepository is a Repository backed by Postgres, using hand-written
// SQL rather than a generated query layer.
type PostgresRepository struct {
	cfg *Config
	db  *sql.DB
}

// NewPostgresRepository opens a connection pool to the database described
// by cfg and, unless cfg.SkipMigrations is set, brings its schema up to
// date using the embedded migrations.
func NewPostgresRepository(cfg *Config) (*PostgresRepository, error) {
	logger.Infof("connecting to postgres database %v", cfg.DSN(true))

	db, err := sql.Open("postgres", cfg.DSN(false))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if cfg.MaxOpenConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConnections)
	}

	if !cfg.SkipMigrations {
		if err := runMigrations(db, cfg.DBName); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &PostgresRepository{cfg: cfg, db: db}, nil
}

func runMigrations(db *sql.DB, dbName string) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	driver, err := postgres_migrate.WithInstance(
		db, &postgres_migrate.Config{},
	)
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", source, dbName, driver,
	)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return nil
}

// Close implements Repository.
func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

// CreateSubmarineSwap implements Repository.
func (p *PostgresRepository) CreateSubmarineSwap(ctx context.Context,
	swp *SubmarineSwap) error {

	return withTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := insertEnvelope(ctx, tx, swap.Submarine, &swp.Envelope); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO submarine_swaps (
				swap_id, invoice, invoice_amount,
				expected_amount, accept_zero_conf,
				lockup_address, redeem_script, key_index,
				refund_public_key, timeout_block_height,
				lockup_transaction_id, claim_transaction_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			swp.ID, swp.Invoice, swp.InvoiceAmount,
			swp.ExpectedAmount, swp.AcceptZeroConf,
			swp.LockupAddress, swp.RedeemScript, swp.KeyIndex,
			swp.RefundPublicKey, swp.TimeoutBlockHeight,
			nullString(swp.LockupTransactionID),
			nullString(swp.ClaimTransactionID),
		)

		return translateUniqueViolation(err)
	})
}

// CreateReverseSwap implements Repository.
func (p *PostgresRepository) CreateReverseSwap(ctx context.Context,
	swp *ReverseSwap) error {

	return withTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := insertEnvelope(ctx, tx, swap.Reverse, &swp.Envelope); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO reverse_swaps (
				swap_id, invoice, onchain_amount, miner_fee,
				claim_public_key, lockup_address, redeem_script,
				key_index, transaction_id, refund_transaction_id,
				timeout_block_height
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			swp.ID, swp.Invoice, swp.OnchainAmount, swp.MinerFee,
			swp.ClaimPublicKey, swp.LockupAddress, swp.RedeemScript,
			swp.KeyIndex, nullString(swp.TransactionID),
			nullString(swp.RefundTransactionID),
			swp.TimeoutBlockHeight,
		)

		return translateUniqueViolation(err)
	})
}

// CreateChainSwap implements Repository.
func (p *PostgresRepository) CreateChainSwap(ctx context.Context,
	swp *ChainSwap) error {

	return withTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := insertEnvelope(ctx, tx, swap.Chain, &swp.Envelope); err != nil {
			return err
		}

		s, r := swp.SendingData, swp.ReceivingData

		_, err := tx.ExecContext(ctx, `
			INSERT INTO chain_swaps (
				swap_id, accept_zero_conf,
				sending_symbol, sending_lockup_address,
				sending_expected_amount, sending_redeem_script,
				sending_key_index, sending_timeout_block_height,
				sending_lockup_transaction_id,
				sending_claim_transaction_id,
				sending_refund_transaction_id,
				sending_counterparty_public_key,
				receiving_symbol, receiving_lockup_address,
				receiving_expected_amount, receiving_redeem_script,
				receiving_key_index, receiving_timeout_block_height,
				receiving_lockup_transaction_id,
				receiving_claim_transaction_id,
				receiving_refund_transaction_id,
				receiving_counterparty_public_key
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
				$13, $14, $15, $16, $17, $18, $19, $20, $21, $22
			)`,
			swp.ID, swp.AcceptZeroConf,
			s.Symbol, s.LockupAddress, s.ExpectedAmount,
			s.RedeemScript, s.KeyIndex, s.TimeoutBlockHeight,
			nullString(s.LockupTransactionID),
			nullString(s.ClaimTransactionID),
			nullString(s.RefundTransactionID),
			s.CounterpartyPublicKey,
			r.Symbol, r.LockupAddress, r.ExpectedAmount,
			r.RedeemScript, r.KeyIndex, r.TimeoutBlockHeight,
			nullString(r.LockupTransactionID),
			nullString(r.ClaimTransactionID),
			nullString(r.RefundTransactionID),
			r.CounterpartyPublicKey,
		)

		return translateUniqueViolation(err)
	})
}

func insertEnvelope(ctx context.Context, tx *sql.Tx, kind swap.Kind,
	env *Envelope) error {

	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now
	env.Version = 1

	if env.Status == "" {
		env.Status = InitialStatus(kind)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO swaps (
			id, kind, pair, order_side, script_version, status,
			fee, preimage_hash, preimage, label, created_at,
			updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		env.ID, uint8(kind), env.Pair, uint8(env.OrderSide),
		uint8(env.ScriptVersion), string(env.Status), env.Fee,
		env.PreimageHash[:], preimageBytes(env.Preimage), env.Label,
		env.CreatedAt, env.UpdatedAt, env.Version,
	)

	return translateUniqueViolation(err)
}

// FetchSubmarineSwap implements Repository.
func (p *PostgresRepository) FetchSubmarineSwap(ctx context.Context,
	id string) (*SubmarineSwap, error) {

	swp := &SubmarineSwap{}
	err := p.db.QueryRowContext(ctx, `
		SELECT s.id, s.pair, s.order_side, s.script_version,
			s.status, s.fee, s.preimage_hash, s.preimage,
			s.label, s.created_at, s.updated_at, s.version,
			m.invoice, m.invoice_amount, m.expected_amount,
			m.accept_zero_conf, m.lockup_address, m.redeem_script,
			m.key_index, m.refund_public_key,
			m.timeout_block_height, m.lockup_transaction_id,
			m.claim_transaction_id
		FROM swaps s JOIN submarine_swaps m ON m.swap_id = s.id
		WHERE s.id = $1`, id,
	).Scan(
		&swp.ID, &swp.Pair, &swp.OrderSide, &swp.ScriptVersion,
		&swp.Status, &swp.Fee, scanHash(&swp.PreimageHash),
		scanPreimage(&swp.Preimage), &swp.Label, &swp.CreatedAt,
		&swp.UpdatedAt, &swp.Version, &swp.Invoice,
		&swp.InvoiceAmount, &swp.ExpectedAmount, &swp.AcceptZeroConf,
		&swp.LockupAddress, &swp.RedeemScript, &swp.KeyIndex,
		&swp.RefundPublicKey, &swp.TimeoutBlockHeight,
		nullScanString(&swp.LockupTransactionID),
		nullScanString(&swp.ClaimTransactionID),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	swp.Kind = swap.Submarine

	return swp, nil
}

// FetchReverseSwap implements Repository.
func (p *PostgresRepository) FetchReverseSwap(ctx context.Context,
	id string) (*ReverseSwap, error) {

	swp := &ReverseSwap{}
	err := p.db.QueryRowContext(ctx, `
		SELECT s.id, s.pair, s.order_side, s.script_version,
			s.status, s.fee, s.preimage_hash, s.preimage,
			s.label, s.created_at, s.updated_at, s.version,
			m.invoice, m.onchain_amount, m.miner_fee,
			m.claim_public_key, m.lockup_address, m.redeem_script,
			m.key_index, m.transaction_id, m.refund_transaction_id,
			m.timeout_block_height
		FROM swaps s JOIN reverse_swaps m ON m.swap_id = s.id
		WHERE s.id = $1`, id,
	).Scan(
		&swp.ID, &swp.Pair, &swp.OrderSide, &swp.ScriptVersion,
		&swp.Status, &swp.Fee, scanHash(&swp.PreimageHash),
		scanPreimage(&swp.Preimage), &swp.Label, &swp.CreatedAt,
		&swp.UpdatedAt, &swp.Version, &swp.Invoice,
		&swp.OnchainAmount, &swp.MinerFee, &swp.ClaimPublicKey,
		&swp.LockupAddress, &swp.RedeemScript, &swp.KeyIndex,
		nullScanString(&swp.TransactionID),
		nullScanString(&swp.RefundTransactionID),
		&swp.TimeoutBlockHeight,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	swp.Kind = swap.Reverse

	return swp, nil
}

// FetchChainSwap implements Repository.
func (p *PostgresRepository) FetchChainSwap(ctx context.Context,
	id string) (*ChainSwap, error) {

	swp := &ChainSwap{}
	err := p.db.QueryRowContext(ctx, `
		SELECT s.id, s.pair, s.order_side, s.script_version,
			s.status, s.fee, s.preimage_hash, s.preimage,
			s.label, s.created_at, s.updated_at, s.version,
			m.accept_zero_conf,
			m.sending_symbol, m.sending_lockup_address,
			m.sending_expected_amount, m.sending_redeem_script,
			m.sending_key_index, m.sending_timeout_block_height,
			m.sending_lockup_transaction_id,
			m.sending_claim_transaction_id,
			m.sending_refund_transaction_id,
			m.sending_counterparty_public_key,
			m.receiving_symbol, m.receiving_lockup_address,
			m.receiving_expected_amount, m.receiving_redeem_script,
			m.receiving_key_index, m.receiving_timeout_block_height,
			m.receiving_lockup_transaction_id,
			m.receiving_claim_transaction_id,
			m.receiving_refund_transaction_id,
			m.receiving_counterparty_public_key
		FROM swaps s JOIN chain_swaps m ON m.swap_id = s.id
		WHERE s.id = $1`, id,
	).Scan(
		&swp.ID, &swp.Pair, &swp.OrderSide, &swp.ScriptVersion,
		&swp.Status, &swp.Fee, scanHash(&swp.PreimageHash),
		scanPreimage(&swp.Preimage), &swp.Label, &swp.CreatedAt,
		&swp.UpdatedAt, &swp.Version, &swp.AcceptZeroConf,
		&swp.SendingData.Symbol, &swp.SendingData.LockupAddress,
		&swp.SendingData.ExpectedAmount, &swp.SendingData.RedeemScript,
		&swp.SendingData.KeyIndex, &swp.SendingData.TimeoutBlockHeight,
		nullScanString(&swp.SendingData.LockupTransactionID),
		nullScanString(&swp.SendingData.ClaimTransactionID),
		nullScanString(&swp.SendingData.RefundTransactionID),
		&swp.SendingData.CounterpartyPublicKey,
		&swp.ReceivingData.Symbol, &swp.ReceivingData.LockupAddress,
		&swp.ReceivingData.ExpectedAmount,
		&swp.ReceivingData.RedeemScript, &swp.ReceivingData.KeyIndex,
		&swp.ReceivingData.TimeoutBlockHeight,
		nullScanString(&swp.ReceivingData.LockupTransactionID),
		nullScanString(&swp.ReceivingData.ClaimTransactionID),
		nullScanString(&swp.ReceivingData.RefundTransactionID),
		&swp.ReceivingData.CounterpartyPublicKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	swp.Kind = swap.Chain

	return swp, nil
}

// FetchByPreimageHash implements Repository.
func (p *PostgresRepository) FetchByPreimageHash(ctx context.Context,
	preimageHash lntypes.Hash) (Kind, string, error) {

	var id string
	var kind uint8

	err := p.db.QueryRowContext(ctx, `
		SELECT id, kind FROM swaps WHERE preimage_hash = $1`,
		preimageHash[:],
	).Scan(&id, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrNotFound
	}
	if err != nil {
		return 0, "", err
	}

	return swap.Kind(kind), id, nil
}

// FetchByInvoice implements Repository.
func (p *PostgresRepository) FetchByInvoice(ctx context.Context,
	invoice string) (Kind, string, error) {

	var id string
	var kind uint8

	err := p.db.QueryRowContext(ctx, `
		SELECT s.id, s.kind FROM swaps s
		WHERE s.id IN (
			SELECT swap_id FROM submarine_swaps WHERE invoice = $1
			UNION
			SELECT swap_id FROM reverse_swaps WHERE invoice = $1
		)`, invoice,
	).Scan(&id, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrNotFound
	}
	if err != nil {
		return 0, "", err
	}

	return swap.Kind(kind), id, nil
}

// FetchNonTerminal implements Repository.
func (p *PostgresRepository) FetchNonTerminal(ctx context.Context,
	kind swap.Kind) ([]string, error) {

	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM swaps
		WHERE kind = $1
			AND status NOT IN ($2, $3)`,
		uint8(kind), string(TransactionClaimed),
		string(TransactionRefunded),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// UpdateSubmarineStatus implements Repository.
func (p *PostgresRepository) UpdateSubmarineStatus(ctx context.Context,
	id string, update StatusUpdate) error {

	return p.updateStatus(ctx, swap.Submarine, "submarine_swaps", id, update)
}

// UpdateReverseStatus implements Repository.
func (p *PostgresRepository) UpdateReverseStatus(ctx context.Context,
	id string, update StatusUpdate) error {

	return p.updateStatus(ctx, swap.Reverse, "reverse_swaps", id, update)
}

// UpdateChainStatus implements Repository.
func (p *PostgresRepository) UpdateChainStatus(ctx context.Context,
	id string, update StatusUpdate) error {

	return p.updateStatus(ctx, swap.Chain, "chain_swaps", id, update)
}

// txFieldColumns maps a StatusUpdate.TransactionField to the column it
// writes, scoped per child table so each swap kind only accepts the
// fields that make sense for it (e.g. a submarine swap has no "sending"
// leg). This doubles as the SQL-injection allowlist for updateStatus'
// dynamic column name.
var txFieldColumns = map[string]map[string]string{
	"submarine_swaps": {
		TxFieldLockup: "lockup_transaction_id",
		TxFieldClaim:  "claim_transaction_id",
	},
	"reverse_swaps": {
		TxFieldLockup: "transaction_id",
		TxFieldRefund: "refund_transaction_id",
	},
	"chain_swaps": {
		TxFieldSendingLockup:   "sending_lockup_transaction_id",
		TxFieldSendingClaim:    "sending_claim_transaction_id",
		TxFieldSendingRefund:   "sending_refund_transaction_id",
		TxFieldReceivingLockup: "receiving_lockup_transaction_id",
		TxFieldReceivingClaim:  "receiving_claim_transaction_id",
		TxFieldReceivingRefund: "receiving_refund_transaction_id",
	},
}

func (p *PostgresRepository) updateStatus(ctx context.Context, kind swap.Kind,
	childTable, id string, update StatusUpdate) error {

	return withTx(ctx, p.db, func(tx *sql.Tx) error {
		var currentStatus string
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM swaps
			WHERE id = $1 AND version = $2 FOR UPDATE`,
			id, update.ExpectedVersion,
		).Scan(&currentStatus)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionConflict
		}
		if err != nil {
			return err
		}

		if !Reachable(kind, Status(currentStatus), update.Status) {
			return fmt.Errorf("%s is not reachable from %s for "+
				"a %s swap", update.Status, currentStatus,
				kind)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE swaps
			SET status = $1, preimage = COALESCE($2, preimage),
				updated_at = $3, version = version + 1
			WHERE id = $4 AND version = $5`,
			string(update.Status), preimageBytes(update.Preimage),
			time.Now().UTC(), id, update.ExpectedVersion,
		)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrVersionConflict
		}

		if update.TransactionField == "" {
			return nil
		}

		column, ok := txFieldColumns[childTable][update.TransactionField]
		if !ok {
			return fmt.Errorf("transaction field %q does not "+
				"apply to a %s swap", update.TransactionField,
				kind)
		}

		query := fmt.Sprintf(
			`UPDATE %s SET %s = $1 WHERE swap_id = $2`,
			childTable, column,
		)
		_, err = tx.ExecContext(ctx, query, update.TransactionID, id)

		return err
	})
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func translateUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}

	switch pqErr.Constraint {
	case "swaps_preimage_hash_key":
		return swapderrors.Wrap(
			swapderrors.CodeSwapWithPreimageExists,
			"a live swap already uses this preimage hash", err,
		)
	case "submarine_swaps_invoice_key", "reverse_swaps_invoice_key":
		return swapderrors.Wrap(
			swapderrors.CodeSwapWithInvoiceExists,
			"a swap already exists for this invoice", err,
		)
	default:
		return err
	}
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}

	return s
}

// nullScanString lets a possibly-NULL TEXT column scan directly into a
// plain string field, defaulting to "" when the column is NULL.
func nullScanString(dst *string) interface{} {
	return &nullStringScanner{dst: dst}
}

type nullStringScanner struct {
	dst *string
}

func (n *nullStringScanner) Scan(src interface{}) error {
	if src == nil {
		*n.dst = ""
		return nil
	}

	switch v := src.(type) {
	case string:
		*n.dst = v
	case []byte:
		*n.dst = string(v)
	default:
		return fmt.Errorf("cannot scan %T into string", src)
	}

	return nil
}

func preimageBytes(p *lntypes.Preimage) interface{} {
	if p == nil {
		return nil
	}

	return p[:]
}

func scanHash(dst *lntypes.Hash) interface{} {
	return &hashScanner{dst: dst}
}

type hashScanner struct {
	dst *lntypes.Hash
}

func (h *hashScanner) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into lntypes.Hash", src)
	}

	hash, err := lntypes.MakeHash(b)
	if err != nil {
		return err
	}

	*h.dst = hash

	return nil
}

func scanPreimage(dst **lntypes.Preimage) interface{} {
	return &preimageScanner{dst: dst}
}

type preimageScanner struct {
	dst **lntypes.Preimage
}

func (p *preimageScanner) Scan(src interface{}) error {
	if src == nil {
		*p.dst = nil
		return nil
	}

	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into lntypes.Preimage", src)
	}

	preimage, err := lntypes.MakePreimage(b)
	if err != nil {
		return err
	}

	*p.dst = &preimage

	return nil
}
