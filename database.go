package main

import (
	"embed"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/cantonconnect/bridge/pkg/lifecycle"
	"github.com/cantonconnect/bridge/pkg/log"
	"github.com/cantonconnect/bridge/pkg/session"
)

//go:embed config/migrations/*/*.sql
var embedMigrations embed.FS

// DatabaseConfig selects the database sessions and the command journal live in.
//
// To connect to Postgresql you need to fill out all the fields. For sqlite it
// is enough to set the "sqlite" driver; without BRIDGE_DATABASE_NAME the
// database is kept in memory.
type DatabaseConfig struct {
	URL      string `env:"BRIDGE_DATABASE_URL" env-default:""`
	Name     string `env:"BRIDGE_DATABASE_NAME" env-default:""`
	Schema   string `env:"BRIDGE_DATABASE_SCHEMA" env-default:""`
	Driver   string `env:"BRIDGE_DATABASE_DRIVER" env-default:"sqlite"`
	Username string `env:"BRIDGE_DATABASE_USERNAME" env-default:"postgres"`
	Password string `env:"BRIDGE_DATABASE_PASSWORD" env-default:""`
	Host     string `env:"BRIDGE_DATABASE_HOST" env-default:"localhost"`
	Port     string `env:"BRIDGE_DATABASE_PORT" env-default:"5432"`
	Retries  int    `env:"BRIDGE_DATABASE_RETRIES" env-default:"5"`
}

// ParseConnectionString turns a postgres URI or a "file:" sqlite path into a
// DatabaseConfig.
func ParseConnectionString(connStr string) (DatabaseConfig, error) {
	if strings.HasPrefix(connStr, "file:") {
		parts := strings.SplitN(connStr[5:], "?", 2)
		return DatabaseConfig{
			Name:    parts[0],
			Driver:  "sqlite",
			Retries: 1,
		}, nil
	}

	parsedURL, err := url.Parse(connStr)
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("invalid connection string: %w", err)
	}

	if parsedURL.Scheme != "postgres" && parsedURL.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme: %s", parsedURL.Scheme)
	}

	var username, password string
	if user := parsedURL.User; user != nil {
		username = user.Username()
		password, _ = user.Password()
	}

	port := parsedURL.Port()
	if port == "" {
		port = "5432"
	}

	conf := DatabaseConfig{
		Name:     strings.TrimPrefix(parsedURL.Path, "/"),
		Driver:   "postgres",
		Username: username,
		Password: password,
		Host:     parsedURL.Hostname(),
		Port:     port,
		Retries:  5,
	}

	query := parsedURL.Query()
	conf.Schema = query.Get("search_path")
	if r := query.Get("retries"); r != "" {
		if retries, err := strconv.Atoi(r); err == nil {
			conf.Retries = retries
		}
	}
	return conf, nil
}

// ConnectToDB opens the database and brings its schema up to date.
func ConnectToDB(cnf DatabaseConfig, logger log.Logger) (*gorm.DB, error) {
	logger = logger.WithName("database")

	switch cnf.Driver {
	case "postgres":
		return connectToPostgresql(cnf, logger)
	case "sqlite", "":
		return connectToSqlite(cnf, logger)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cnf.Driver)
	}
}

func gormConfig(cnf DatabaseConfig) *gorm.Config {
	conf := &gorm.Config{}
	if cnf.Schema != "" {
		conf.NamingStrategy = schema.NamingStrategy{TablePrefix: cnf.Schema + "."}
	}
	return conf
}

func connectToPostgresql(cnf DatabaseConfig, logger log.Logger) (*gorm.DB, error) {
	logger.Info("connecting to Postgresql", "host", cnf.Host, "database", cnf.Name)
	if err := ensurePostgresqlSchema(cnf, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure Postgresql schema: %w", err)
	}

	if err := migratePostgres(cnf, logger); err != nil {
		return nil, fmt.Errorf("failed to apply Postgresql migrations: %w", err)
	}

	dsn, err := postgresqlDbUrl(cnf)
	if err != nil {
		return nil, err
	}
	return gorm.Open(postgres.Open(dsn), gormConfig(cnf))
}

func connectToSqlite(cnf DatabaseConfig, logger log.Logger) (*gorm.DB, error) {
	dsn := "file::memory:?cache=shared"
	if cnf.Name != "" {
		logger.Info("connecting to sqlite", "file", cnf.Name)
		dsn = fmt.Sprintf("file:%s?cache=shared", cnf.Name)
	} else {
		logger.Info("connecting to in-memory sqlite")
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(cnf))
	if err != nil {
		return nil, err
	}

	if err := migrateSqlite(db); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
	}
	logger.Info("successfully auto-migrated")
	return db, nil
}

func postgresqlDbUrl(cnf DatabaseConfig) (string, error) {
	if cnf.Driver != "postgres" {
		return "", fmt.Errorf("unsupported driver: %s", cnf.Driver)
	}

	dsn := fmt.Sprintf(
		"user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cnf.Username, cnf.Password, cnf.Host, cnf.Port, cnf.Name,
	)
	if cnf.Schema != "" {
		dsn = fmt.Sprintf("%s search_path=%s", dsn, cnf.Schema)
	}
	return dsn, nil
}

func ensurePostgresqlSchema(cnf DatabaseConfig, logger log.Logger) error {
	if cnf.Schema == "" {
		logger.Debug("no schema specified, skipping schema creation")
		return nil
	}

	dbConf := cnf
	dbConf.Schema = ""
	dsn, err := postgresqlDbUrl(dbConf)
	if err != nil {
		return err
	}

	db, err := sqlx.Connect(dbConf.Driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	var exists bool
	if err := db.Get(&exists, "SELECT EXISTS(SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)", cnf.Schema); err != nil {
		return fmt.Errorf("error while checking schema existence: %w", err)
	}
	if exists {
		logger.Debug("schema already exists", "schema", cnf.Schema)
		return nil
	}

	if _, err = db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", cnf.Schema)); err != nil {
		return fmt.Errorf("error while creating schema: %w", err)
	}

	logger.Info("schema created", "schema", cnf.Schema)
	return nil
}

func migratePostgres(cnf DatabaseConfig, logger log.Logger) error {
	dsn, err := postgresqlDbUrl(cnf)
	if err != nil {
		return err
	}

	db, err := goose.OpenDBWithDriver(cnf.Driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if cnf.Schema != "" {
		if _, err := db.Exec(fmt.Sprintf("SET search_path TO %q", cnf.Schema)); err != nil {
			return fmt.Errorf("failed to set search path: %w", err)
		}
	}

	logger.Info("applying database migrations")
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "config/migrations/"+cnf.Driver); err != nil {
		return err
	}

	logger.Info("applied migrations")
	return nil
}

func migrateSqlite(db *gorm.DB) error {
	return db.AutoMigrate(&session.PersistedSession{}, &lifecycle.CommandRecord{})
}
