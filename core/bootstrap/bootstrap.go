package bootstrap

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	coreconfig "github.com/botshelf/botshelf/core/config"
	coredatabase "github.com/botshelf/botshelf/core/database"
	"github.com/botshelf/botshelf/core/logger"
	"github.com/botshelf/botshelf/store"
)

// Options control the bootstrap pipeline.
type Options struct {
	Config *coreconfig.Config

	LoggerInit func(*coreconfig.Config) error
	OpenStore  func(dir string) (*store.Store, error)
	Connect    func(coredatabase.Config) (*sqlx.DB, error)
	Migrate    func(coredatabase.Config) error
}

// Result exposes infrastructure initialized by the bootstrap pipeline.
// DB is nil when the journal is disabled.
type Result struct {
	Store *store.Store
	DB    *sqlx.DB
}

// journalDBConfig converts the config-local journal DB section into the
// database layer's connection settings.
func journalDBConfig(in coreconfig.JournalDBConfig) coredatabase.Config {
	return coredatabase.Config{
		Host:           in.Host,
		Port:           in.Port,
		User:           in.User,
		Password:       in.Password,
		Name:           in.Name,
		SSLMode:        in.SSLMode,
		MaxConnections: in.MaxConnections,
	}
}

// Run initializes the logger, opens the metadata store, and, when the
// journal is enabled, connects to the database and applies migrations.
func Run(opts Options) (*Result, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(opts.Config); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	openStore := opts.OpenStore
	if openStore == nil {
		openStore = store.Open
	}
	st, err := openStore(opts.Config.Store.Dir)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: store open failed: %w", err)
	}

	res := &Result{Store: st}
	if !opts.Config.Journal.Enabled {
		return res, nil
	}

	dbCfg := journalDBConfig(opts.Config.Journal.DB)

	connect := opts.Connect
	if connect == nil {
		connect = coredatabase.Connect
	}
	db, err := connect(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: database initialization failed: %w", err)
	}

	migrate := opts.Migrate
	if migrate == nil {
		migrate = coredatabase.RunMigrations
	}
	if err := migrate(dbCfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: migrations failed: %w", err)
	}

	res.DB = db
	return res, nil
}
