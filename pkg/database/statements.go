package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// Statement represents metadata for a registered signed statement
type Statement struct {
	EntryID                int64   `json:"entry_id,omitempty"`
	StatementHash          string  `json:"statement_hash"`
	StatementBytes         []byte  `json:"-"`
	Iss                    string  `json:"iss"`
	Sub                    *string `json:"sub"`
	Cty                    *string `json:"cty"`
	Typ                    *string `json:"typ"`
	PayloadHashAlg         int     `json:"payload_hash_alg"`
	PayloadHash            string  `json:"payload_hash"`
	PreimageContentType    *string `json:"preimage_content_type"`
	PayloadLocation        *string `json:"payload_location"`
	RegisteredAt           string  `json:"registered_at,omitempty"`
	TreeSizeAtRegistration int64   `json:"tree_size_at_registration"`
	EntryTileKey           string  `json:"entry_tile_key"`
	EntryTileOffset        int     `json:"entry_tile_offset"`
}

// StatementQueryFilters holds filters for querying statements
type StatementQueryFilters struct {
	Iss              *string
	Sub              *string
	Cty              *string
	Typ              *string
	RegisteredAfter  *string
	RegisteredBefore *string
}

// InsertStatement inserts a new statement at the given entry ID, which
// the registrar sets to the leaf's index in the Merkle tree so that
// statements.entry_id and tile leaf position never diverge. Callers
// run this against a *sql.Tx alongside the tree size update so both
// writes commit atomically.
func InsertStatement(q Queryer, entryID int64, statement Statement) error {
	statementBytes := statement.StatementBytes
	if statementBytes == nil {
		statementBytes = []byte{}
	}

	_, err := q.Exec(`
		INSERT INTO statements (
			entry_id, statement_hash, statement_bytes, iss, sub, cty, typ,
			payload_hash_alg, payload_hash,
			preimage_content_type, payload_location,
			tree_size_at_registration, entry_tile_key, entry_tile_offset
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entryID,
		statement.StatementHash,
		statementBytes,
		statement.Iss,
		statement.Sub,
		statement.Cty,
		statement.Typ,
		statement.PayloadHashAlg,
		statement.PayloadHash,
		statement.PreimageContentType,
		statement.PayloadLocation,
		statement.TreeSizeAtRegistration,
		statement.EntryTileKey,
		statement.EntryTileOffset,
	)
	if err != nil {
		return fmt.Errorf("failed to insert statement: %w", err)
	}

	return nil
}

// FindStatementsByIssuer finds all statements by issuer URL
func FindStatementsByIssuer(db *sql.DB, iss string) ([]Statement, error) {
	rows, err := db.Query(`
		SELECT entry_id, statement_hash, statement_bytes, iss, sub, cty, typ,
		       payload_hash_alg, payload_hash, preimage_content_type, payload_location,
		       registered_at, tree_size_at_registration, entry_tile_key, entry_tile_offset
		FROM statements WHERE iss = ? ORDER BY registered_at DESC
	`, iss)
	if err != nil {
		return nil, fmt.Errorf("failed to query statements by issuer: %w", err)
	}
	defer rows.Close()

	return scanStatements(rows)
}

// FindStatementsBySubject finds all statements by subject
func FindStatementsBySubject(db *sql.DB, sub string) ([]Statement, error) {
	rows, err := db.Query(`
		SELECT entry_id, statement_hash, statement_bytes, iss, sub, cty, typ,
		       payload_hash_alg, payload_hash, preimage_content_type, payload_location,
		       registered_at, tree_size_at_registration, entry_tile_key, entry_tile_offset
		FROM statements WHERE sub = ? ORDER BY registered_at DESC
	`, sub)
	if err != nil {
		return nil, fmt.Errorf("failed to query statements by subject: %w", err)
	}
	defer rows.Close()

	return scanStatements(rows)
}

// FindStatementsByContentType finds all statements by content type
func FindStatementsByContentType(db *sql.DB, cty string) ([]Statement, error) {
	rows, err := db.Query(`
		SELECT entry_id, statement_hash, statement_bytes, iss, sub, cty, typ,
		       payload_hash_alg, payload_hash, preimage_content_type, payload_location,
		       registered_at, tree_size_at_registration, entry_tile_key, entry_tile_offset
		FROM statements WHERE cty = ? ORDER BY registered_at DESC
	`, cty)
	if err != nil {
		return nil, fmt.Errorf("failed to query statements by content type: %w", err)
	}
	defer rows.Close()

	return scanStatements(rows)
}

// FindStatementsByType finds all statements by type
func FindStatementsByType(db *sql.DB, typ string) ([]Statement, error) {
	rows, err := db.Query(`
		SELECT entry_id, statement_hash, statement_bytes, iss, sub, cty, typ,
		       payload_hash_alg, payload_hash, preimage_content_type, payload_location,
		       registered_at, tree_size_at_registration, entry_tile_key, entry_tile_offset
		FROM statements WHERE typ = ? ORDER BY registered_at DESC
	`, typ)
	if err != nil {
		return nil, fmt.Errorf("failed to query statements by type: %w", err)
	}
	defer rows.Close()

	return scanStatements(rows)
}

// FindStatementsByDateRange finds statements within a date range
func FindStatementsByDateRange(db *sql.DB, startDate, endDate string) ([]Statement, error) {
	rows, err := db.Query(`
		SELECT entry_id, statement_hash, statement_bytes, iss, sub, cty, typ,
		       payload_hash_alg, payload_hash, preimage_content_type, payload_location,
		       registered_at, tree_size_at_registration, entry_tile_key, entry_tile_offset
		FROM statements
		WHERE registered_at BETWEEN ? AND ?
		ORDER BY registered_at DESC
	`, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query statements by date range: %w", err)
	}
	defer rows.Close()

	return scanStatements(rows)
}

// FindStatementsBy finds statements using combined filters
func FindStatementsBy(db *sql.DB, filters StatementQueryFilters) ([]Statement, error) {
	var conditions []string
	var params []interface{}

	if filters.Iss != nil {
		conditions = append(conditions, "iss = ?")
		params = append(params, *filters.Iss)
	}

	if filters.Sub != nil {
		conditions = append(conditions, "sub = ?")
		params = append(params, *filters.Sub)
	}

	if filters.Cty != nil {
		conditions = append(conditions, "cty = ?")
		params = append(params, *filters.Cty)
	}

	if filters.Typ != nil {
		conditions = append(conditions, "typ = ?")
		params = append(params, *filters.Typ)
	}

	if filters.RegisteredAfter != nil {
		conditions = append(conditions, "registered_at >= ?")
		params = append(params, *filters.RegisteredAfter)
	}

	if filters.RegisteredBefore != nil {
		conditions = append(conditions, "registered_at <= ?")
		params = append(params, *filters.RegisteredBefore)
	}

	query := `
		SELECT entry_id, statement_hash, statement_bytes, iss, sub, cty, typ,
		       payload_hash_alg, payload_hash, preimage_content_type, payload_location,
		       registered_at, tree_size_at_registration, entry_tile_key, entry_tile_offset
		FROM statements
	`

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY registered_at DESC"

	rows, err := db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query statements with filters: %w", err)
	}
	defer rows.Close()

	return scanStatements(rows)
}

// GetStatementByEntryID retrieves a statement by its entry ID. q may be a
// *sql.DB for a standalone lookup or a *sql.Tx when called as part of a
// transaction.
func GetStatementByEntryID(q Queryer, entryID int64) (*Statement, error) {
	var stmt Statement
	err := q.QueryRow(`
		SELECT entry_id, statement_hash, statement_bytes, iss, sub, cty, typ,
		       payload_hash_alg, payload_hash, preimage_content_type, payload_location,
		       registered_at, tree_size_at_registration, entry_tile_key, entry_tile_offset
		FROM statements WHERE entry_id = ?
	`, entryID).Scan(
		&stmt.EntryID,
		&stmt.StatementHash,
		&stmt.StatementBytes,
		&stmt.Iss,
		&stmt.Sub,
		&stmt.Cty,
		&stmt.Typ,
		&stmt.PayloadHashAlg,
		&stmt.PayloadHash,
		&stmt.PreimageContentType,
		&stmt.PayloadLocation,
		&stmt.RegisteredAt,
		&stmt.TreeSizeAtRegistration,
		&stmt.EntryTileKey,
		&stmt.EntryTileOffset,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get statement by entry ID: %w", err)
	}

	return &stmt, nil
}

// GetStatementByHash retrieves a statement by its hash. Used by the
// registrar to reject duplicate registrations before appending.
func GetStatementByHash(q Queryer, hash string) (*Statement, error) {
	var stmt Statement
	err := q.QueryRow(`
		SELECT entry_id, statement_hash, statement_bytes, iss, sub, cty, typ,
		       payload_hash_alg, payload_hash, preimage_content_type, payload_location,
		       registered_at, tree_size_at_registration, entry_tile_key, entry_tile_offset
		FROM statements WHERE statement_hash = ?
	`, hash).Scan(
		&stmt.EntryID,
		&stmt.StatementHash,
		&stmt.StatementBytes,
		&stmt.Iss,
		&stmt.Sub,
		&stmt.Cty,
		&stmt.Typ,
		&stmt.PayloadHashAlg,
		&stmt.PayloadHash,
		&stmt.PreimageContentType,
		&stmt.PayloadLocation,
		&stmt.RegisteredAt,
		&stmt.TreeSizeAtRegistration,
		&stmt.EntryTileKey,
		&stmt.EntryTileOffset,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get statement by hash: %w", err)
	}

	return &stmt, nil
}

// scanStatements is a helper function to scan multiple statement rows
func scanStatements(rows *sql.Rows) ([]Statement, error) {
	var statements []Statement

	for rows.Next() {
		var stmt Statement
		err := rows.Scan(
			&stmt.EntryID,
			&stmt.StatementHash,
			&stmt.StatementBytes,
			&stmt.Iss,
			&stmt.Sub,
			&stmt.Cty,
			&stmt.Typ,
			&stmt.PayloadHashAlg,
			&stmt.PayloadHash,
			&stmt.PreimageContentType,
			&stmt.PayloadLocation,
			&stmt.RegisteredAt,
			&stmt.TreeSizeAtRegistration,
			&stmt.EntryTileKey,
			&stmt.EntryTileOffset,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan statement: %w", err)
		}
		statements = append(statements, stmt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating statement rows: %w", err)
	}

	return statements, nil
}
