package database

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/heraldhq/herald/config"
	"github.com/heraldhq/herald/internal/cache"
)

// package-level singleton: every component shares one connection pool
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	return GetDBConnection(configuration)
}

// GetDBConnection provides a global access point to the instance and
// initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		lookupCache, errCache := cache.NewCache()
		if errCache != nil {
			// the datasource degrades to uncached lookups
			log.Printf("lookup cache unavailable: %v", errCache)
			lookupCache = nil
		}
		instance = &Datasource{Conn: con, Cache: lookupCache}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return db, nil
}

// ensureSchema creates the herald schema and tables when they are missing.
// Production deployments run the versioned migrations instead; this keeps
// fresh development databases usable without a migrate step.
func ensureSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS herald`); err != nil {
		return err
	}
	if err := createNotificationTable(db); err != nil {
		return err
	}
	if err := createProviderAttemptTable(db); err != nil {
		return err
	}
	if err := createCostRecordTable(db); err != nil {
		return err
	}
	return createAuditLogTable(db)
}

func createNotificationTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS herald.notifications (
			id SERIAL PRIMARY KEY,
			notification_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			service_origin TEXT NOT NULL,
			channel TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			recipient TEXT NOT NULL,
			template_key TEXT,
			template_vars JSONB,
			locale TEXT,
			subject TEXT,
			body TEXT,
			scheduled_for TIMESTAMP,
			correlation_id TEXT,
			meta_data JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			sent_at TIMESTAMP,
			delivered_at TIMESTAMP
		)
	`)
	if err != nil {
		log.Printf("Error creating notifications table: %v", err)
	}
	return err
}

func createProviderAttemptTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS herald.provider_attempts (
			id SERIAL PRIMARY KEY,
			attempt_id TEXT NOT NULL UNIQUE,
			notification_id TEXT NOT NULL REFERENCES herald.notifications(notification_id),
			provider TEXT NOT NULL,
			provider_message_id TEXT,
			number INT NOT NULL,
			outcome TEXT NOT NULL,
			error_code TEXT,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating provider_attempts table: %v", err)
	}
	return err
}

func createCostRecordTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS herald.cost_records (
			id SERIAL PRIMARY KEY,
			record_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			service_origin TEXT NOT NULL,
			channel TEXT NOT NULL,
			unit_cost NUMERIC NOT NULL,
			units BIGINT NOT NULL,
			total_cost NUMERIC NOT NULL,
			occurred_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating cost_records table: %v", err)
	}
	return err
}

func createAuditLogTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS herald.audit_logs (
			id SERIAL PRIMARY KEY,
			audit_id TEXT NOT NULL UNIQUE,
			notification_id TEXT,
			action TEXT NOT NULL,
			actor TEXT,
			reason TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating audit_logs table: %v", err)
	}
	return err
}
