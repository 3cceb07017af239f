package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a database against the run log schema
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"runs":              "Run summaries",
		"batches":           "Per-batch telemetry",
		"failures":          "Failed start attempts",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	tables := map[string]map[string]string{
		"runs": {
			"id":              "TEXT",
			"endpoint":        "TEXT",
			"requested":       "INTEGER",
			"batch_size":      "INTEGER",
			"interval_ms":     "INTEGER",
			"started_at":      "DATETIME",
			"finished_at":     "DATETIME",
			"ramp_state":      "TEXT",
			"running_ms":      "INTEGER",
			"active":          "INTEGER",
			"closed":          "INTEGER",
			"errored":         "INTEGER",
			"failed_attempts": "INTEGER",
			"faults":          "INTEGER",
		},
		"batches": {
			"run_id":      "TEXT",
			"seq":         "INTEGER",
			"size":        "INTEGER",
			"registered":  "INTEGER",
			"failed":      "INTEGER",
			"launched_at": "DATETIME",
			"elapsed_ms":  "INTEGER",
		},
		"failures": {
			"id":        "INTEGER",
			"run_id":    "TEXT",
			"seq":       "INTEGER",
			"client_id": "TEXT",
			"cause":     "TEXT",
			"failed_at": "DATETIME",
		},
	}

	for table, columns := range tables {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that the lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_runs_started":     "Run history ordering",
		"idx_failures_run_seq": "Failures per batch",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies that integrity rules are enforced by SQLite
// ARCHITECTURAL DISCOVERY: Foreign keys are off by default in SQLite; this
// catches a DSN that lost the _foreign_keys flag
func (v *SchemaValidator) ValidateConstraints() error {
	_, err := v.db.Exec(`
		INSERT INTO batches (run_id, seq, size, registered, failed, launched_at, elapsed_ms)
		VALUES ('constraint-probe', 1, 1, 1, 0, CURRENT_TIMESTAMP, 0)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM batches WHERE run_id = 'constraint-probe'")
		return fmt.Errorf("foreign key constraint not enforced: batches.run_id")
	}

	_, err = v.db.Exec(`
		INSERT INTO runs (id, endpoint, requested, batch_size, interval_ms)
		VALUES ('constraint-probe', 'ws://probe', 1, 0, 0)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM runs WHERE id = 'constraint-probe'")
		return fmt.Errorf("check constraint not enforced: runs.batch_size")
	}

	return nil
}

// exists checks sqlite_master for an object of kind ("table" or "index")
func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue any

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
