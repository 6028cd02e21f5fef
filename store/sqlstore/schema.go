package sqlstore

import "strings"

// dialect holds the differences between the SQLite and PostgreSQL backends.
type dialect struct {
	name   string
	driver string
	// decimal is the column type of quantities and costs. SQLite keeps them
	// as TEXT so no digit is lost to REAL affinity.
	decimal string
	// lockRow is appended to the read of a stock record that is about to be
	// rewritten in the same transaction.
	lockRow string
}

var (
	sqliteDialect = dialect{
		name:    "sqlite",
		driver:  "sqlite3",
		decimal: "TEXT",
		lockRow: "",
	}
	postgresDialect = dialect{
		name:    "postgres",
		driver:  "pgx",
		decimal: "NUMERIC(20,4)",
		lockRow: " FOR UPDATE OF ps",
	}
)

func (d dialect) schema() string {
	return strings.ReplaceAll(schemaTemplate, "DECIMAL", d.decimal)
}

// schemaTemplate is shared by both dialects; DECIMAL is replaced per dialect.
// Timestamps are RFC 3339 text.
const schemaTemplate = `
	-- Catalog (maintained by back-office tooling)
	CREATE TABLE IF NOT EXISTS stores (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS products (
		id BIGINT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		deleted BOOLEAN NOT NULL DEFAULT FALSE
	);

	-- Product stock record, one per (store, product)
	CREATE TABLE IF NOT EXISTS product_stock (
		store_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		stock DECIMAL NOT NULL DEFAULT '0',
		exchange_stock DECIMAL NOT NULL DEFAULT '0',
		cost DECIMAL NOT NULL DEFAULT '0',
		cost_with_tax DECIMAL NOT NULL DEFAULT '0',
		avg_cost DECIMAL NOT NULL DEFAULT '0',
		avg_cost_with_tax DECIMAL NOT NULL DEFAULT '0',
		credit_rate_id BIGINT NOT NULL DEFAULT 0,
		debit_rate_id BIGINT NOT NULL DEFAULT 0,
		pis_cofins_type_id BIGINT NOT NULL DEFAULT 0,
		pis_percent DECIMAL NOT NULL DEFAULT '0',
		cofins_percent DECIMAL NOT NULL DEFAULT '0',
		final_rate_percent DECIMAL NOT NULL DEFAULT '0',
		ipi_value DECIMAL NOT NULL DEFAULT '0',
		icms_subst_value DECIMAL NOT NULL DEFAULT '0',
		PRIMARY KEY (store_id, product_id)
	);

	CREATE TABLE IF NOT EXISTS associated_links (
		product_id BIGINT PRIMARY KEY,
		stock_product_id BIGINT NOT NULL,
		primary_pack_qty DECIMAL NOT NULL DEFAULT '1',
		dependent_pack_qty DECIMAL NOT NULL DEFAULT '1',
		cost_share_percent DECIMAL NOT NULL DEFAULT '0',
		applies_to_stock BOOLEAN NOT NULL DEFAULT TRUE
	);

	-- Per-store flags, e.g. name = 'stock_frozen'
	CREATE TABLE IF NOT EXISTS store_parameters (
		store_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (store_id, name)
	);

	CREATE TABLE IF NOT EXISTS recipes (
		product_id BIGINT NOT NULL,
		component_id BIGINT NOT NULL,
		recipe_pack_qty DECIMAL NOT NULL DEFAULT '1',
		product_pack_qty DECIMAL NOT NULL DEFAULT '1',
		yield_qty DECIMAL NOT NULL DEFAULT '1',
		deducts_stock BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (product_id, component_id)
	);

	CREATE TABLE IF NOT EXISTS consumption_types (
		id BIGINT PRIMARY KEY,
		description TEXT NOT NULL,
		emits_invoice BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS exchange_reasons (
		id BIGINT PRIMARY KEY,
		description TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS count_sessions (
		id BIGINT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_count_sessions_store
		ON count_sessions(store_id, status);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS stock_movements (
		id TEXT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		quantity DECIMAL NOT NULL,
		direction INTEGER NOT NULL,
		movement_type INTEGER NOT NULL,
		prior_stock DECIMAL NOT NULL,
		resulting_stock DECIMAL NOT NULL,
		cost DECIMAL NOT NULL,
		cost_with_tax DECIMAL NOT NULL,
		avg_cost DECIMAL NOT NULL,
		avg_cost_with_tax DECIMAL NOT NULL,
		user_id BIGINT NOT NULL,
		occurred_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stock_movements_product
		ON stock_movements(store_id, product_id, occurred_at);

	CREATE TABLE IF NOT EXISTS frozen_movements (
		id TEXT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		quantity DECIMAL NOT NULL,
		direction INTEGER NOT NULL,
		movement_type INTEGER NOT NULL,
		cost DECIMAL NOT NULL,
		cost_with_tax DECIMAL NOT NULL,
		avg_cost DECIMAL NOT NULL,
		avg_cost_with_tax DECIMAL NOT NULL,
		associated BOOLEAN NOT NULL,
		movement_date TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_frozen_movements_product
		ON frozen_movements(store_id, product_id, movement_date);

	CREATE TABLE IF NOT EXISTS cost_revisions (
		id TEXT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		prev_avg_cost DECIMAL NOT NULL,
		prev_avg_cost_with_tax DECIMAL NOT NULL,
		new_avg_cost DECIMAL NOT NULL,
		new_avg_cost_with_tax DECIMAL NOT NULL,
		user_id BIGINT NOT NULL,
		reason TEXT NOT NULL,
		revised_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exchange_movements (
		id TEXT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		quantity DECIMAL NOT NULL,
		prior_pool DECIMAL NOT NULL,
		resulting_pool DECIMAL NOT NULL,
		reason_id BIGINT NOT NULL,
		cost DECIMAL NOT NULL,
		cost_with_tax DECIMAL NOT NULL,
		avg_cost DECIMAL NOT NULL,
		avg_cost_with_tax DECIMAL NOT NULL,
		user_id BIGINT NOT NULL,
		occurred_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		reference_id BIGINT NOT NULL,
		form INTEGER NOT NULL,
		kind INTEGER NOT NULL,
		user_id BIGINT NOT NULL,
		terminal TEXT NOT NULL,
		app_version TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		logged_at TEXT NOT NULL
	);

	-- Business event records
	CREATE TABLE IF NOT EXISTS consumptions (
		store_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		business_date TEXT NOT NULL,
		type_id BIGINT NOT NULL,
		quantity DECIMAL NOT NULL,
		cost DECIMAL NOT NULL,
		cost_with_tax DECIMAL NOT NULL,
		avg_cost DECIMAL NOT NULL,
		avg_cost_with_tax DECIMAL NOT NULL,
		credit_rate_id BIGINT NOT NULL,
		pis_cofins_type_id BIGINT NOT NULL,
		pis_cofins DECIMAL NOT NULL,
		base_pis_cofins DECIMAL NOT NULL,
		pis DECIMAL NOT NULL,
		cofins DECIMAL NOT NULL,
		ipi_value DECIMAL NOT NULL,
		icms_subst_value DECIMAL NOT NULL,
		emits_invoice BOOLEAN NOT NULL,
		PRIMARY KEY (store_id, product_id, business_date, type_id)
	);

	CREATE TABLE IF NOT EXISTS productions (
		id TEXT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		business_date TEXT NOT NULL,
		quantity DECIMAL NOT NULL,
		cost_with_tax DECIMAL NOT NULL,
		avg_cost_with_tax DECIMAL NOT NULL,
		credit_rate_id BIGINT NOT NULL,
		debit_rate_id BIGINT NOT NULL,
		pis_cofins DECIMAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		business_date TEXT NOT NULL,
		quantity DECIMAL NOT NULL,
		reason_id BIGINT NOT NULL,
		cost DECIMAL NOT NULL,
		cost_with_tax DECIMAL NOT NULL,
		avg_cost DECIMAL NOT NULL,
		avg_cost_with_tax DECIMAL NOT NULL,
		user_id BIGINT NOT NULL,
		terminal TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS count_items (
		count_id BIGINT NOT NULL,
		store_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		quantity DECIMAL NOT NULL,
		cost DECIMAL NOT NULL,
		cost_with_tax DECIMAL NOT NULL,
		avg_cost DECIMAL NOT NULL,
		avg_cost_with_tax DECIMAL NOT NULL,
		PRIMARY KEY (count_id, product_id)
	);

	CREATE TABLE IF NOT EXISTS shelf_ruptures (
		id TEXT PRIMARY KEY,
		store_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		shelf TEXT NOT NULL,
		business_date TEXT NOT NULL
	);

	-- Idempotent request records. The primary key is the claim.
	CREATE TABLE IF NOT EXISTS api_idempotency (
		endpoint TEXT NOT NULL,
		idem_key TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		response_code INTEGER NOT NULL DEFAULT 0,
		response_body TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (endpoint, idem_key)
	);
`
