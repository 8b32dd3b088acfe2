package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"taxreply/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect names the SQL flavour behind a *sql.DB.
type Dialect string

const (
	SQLite Dialect = "sqlite3"
	MySQL  Dialect = "mysql"
)

// ParseDialect normalizes a configured db type.
func ParseDialect(dbType string) (Dialect, error) {
	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "mysql":
		return MySQL, nil
	default:
		return "", fmt.Errorf("unsupported driver: %s", dbType)
	}
}

// Open connects to the configured database.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dialect, err := ParseDialect(dbType)
	if err != nil {
		return nil, err
	}
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		dbCfg, ok = cfg.Databases[string(dialect)]
	}
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var db *sql.DB
	switch dialect {
	case SQLite:
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", sqliteDSN(dbCfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
	case MySQL:
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			mysqlParams(dbCfg.Params),
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// sqliteDSN turns on foreign keys and a busy timeout for every pooled connection.
func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_busy_timeout=5000"
}

// mysqlParams makes sure DATETIME columns scan into time.Time.
func mysqlParams(params string) string {
	if strings.Contains(params, "parseTime") {
		return params
	}
	if params == "" {
		return "parseTime=true"
	}
	return params + "&parseTime=true"
}

// Migrate ensures the required tables are present. Cases, documents, rounds, questions and
// settings belong to collaborating services; they are created here so the pipeline can run
// against a single database.
func Migrate(db *sql.DB, driver string) error {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}
	var stmts []string
	switch dialect {
	case SQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS cases (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				custom_instruction TEXT,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS documents (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				case_id INTEGER NOT NULL,
				filename TEXT NOT NULL,
				doc_type TEXT NOT NULL DEFAULT 'other',
				extracted_text TEXT,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(case_id) REFERENCES cases(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_case ON documents(case_id)`,
			`CREATE TABLE IF NOT EXISTS rounds (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				case_id INTEGER NOT NULL,
				number INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				UNIQUE(case_id, number),
				FOREIGN KEY(case_id) REFERENCES cases(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS questions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				round_id INTEGER NOT NULL,
				number INTEGER NOT NULL,
				text TEXT NOT NULL,
				response TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(round_id) REFERENCES rounds(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_questions_round ON questions(round_id)`,
			`CREATE TABLE IF NOT EXISTS settings (
				setting_key TEXT PRIMARY KEY,
				setting_value TEXT NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS document_chunks (
				id TEXT PRIMARY KEY,
				case_id INTEGER NOT NULL,
				document_id INTEGER NOT NULL,
				content TEXT NOT NULL,
				section_title TEXT,
				start_offset INTEGER NOT NULL,
				end_offset INTEGER NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_document_chunks_case ON document_chunks(case_id)`,
			`CREATE INDEX IF NOT EXISTS idx_document_chunks_document ON document_chunks(document_id)`,
			`CREATE TABLE IF NOT EXISTS conversation_messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				question_id INTEGER NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				model TEXT,
				tokens_in INTEGER,
				tokens_out INTEGER,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(question_id) REFERENCES questions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversation_messages_question ON conversation_messages(question_id, created_at)`,
		}
	case MySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS cases (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				name VARCHAR(255) NOT NULL,
				custom_instruction MEDIUMTEXT,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS documents (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				case_id BIGINT UNSIGNED NOT NULL,
				filename VARCHAR(512) NOT NULL,
				doc_type VARCHAR(32) NOT NULL DEFAULT 'other',
				extracted_text LONGTEXT,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_documents_case (case_id),
				CONSTRAINT fk_documents_case FOREIGN KEY (case_id) REFERENCES cases(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS rounds (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				case_id BIGINT UNSIGNED NOT NULL,
				number INT NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_rounds_case_number (case_id, number),
				CONSTRAINT fk_rounds_case FOREIGN KEY (case_id) REFERENCES cases(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS questions (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				round_id BIGINT UNSIGNED NOT NULL,
				number INT NOT NULL,
				text MEDIUMTEXT NOT NULL,
				response MEDIUMTEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_questions_round (round_id),
				CONSTRAINT fk_questions_round FOREIGN KEY (round_id) REFERENCES rounds(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS settings (
				setting_key VARCHAR(191) NOT NULL PRIMARY KEY,
				setting_value TEXT NOT NULL,
				updated_at DATETIME NOT NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS document_chunks (
				id CHAR(36) NOT NULL,
				case_id BIGINT UNSIGNED NOT NULL,
				document_id BIGINT UNSIGNED NOT NULL,
				content MEDIUMTEXT NOT NULL,
				section_title VARCHAR(512),
				start_offset INT NOT NULL,
				end_offset INT NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_document_chunks_case (case_id),
				INDEX idx_document_chunks_document (document_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS conversation_messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				question_id BIGINT UNSIGNED NOT NULL,
				role VARCHAR(16) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				model VARCHAR(255),
				tokens_in INT,
				tokens_out INT,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_conversation_messages_question (question_id, created_at),
				CONSTRAINT fk_conversation_messages_question FOREIGN KEY (question_id) REFERENCES questions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}

// Placeholders returns "?, ?, ?" for n arguments.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
