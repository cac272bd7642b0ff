package operations

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/clock"

	"github.com/kebairia/drbackup/internal/backup"
	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/crypto"
	"github.com/kebairia/drbackup/internal/database"
	"github.com/kebairia/drbackup/internal/filestore"
	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/notify"
	"github.com/kebairia/drbackup/internal/record"
	"github.com/kebairia/drbackup/internal/recovery"
	"github.com/kebairia/drbackup/internal/repository"
	"github.com/kebairia/drbackup/internal/snapshot"
	"github.com/kebairia/drbackup/internal/storage"
	"github.com/kebairia/drbackup/internal/vault"
)

// ErrNoPassword is returned when neither the config nor Vault provides an
// encryption password.
var ErrNoPassword = errors.New("no encryption password configured")

// OperationManager wires the configured components together and runs the
// backup, restore and recovery operations on them.
type OperationManager struct {
	cfg         config.Config
	vaultClient *vault.Client
	log         logger.Logger
	clock       clock.Clock

	repo       repository.Repository
	env        backup.Env
	orch       *backup.Orchestrator
	restorer   *backup.Restorer
	verifier   *backup.Verifier
	retention  *backup.Retention
	dispatcher *recovery.Dispatcher
}

// NewOperationManager loads and validates the YAML config at configPath
// and builds every component from it. A nil log initializes the process
// logger from the config's log section.
func NewOperationManager(ctx context.Context, configPath string, log logger.Logger) (*OperationManager, error) {
	var cfg config.Config
	if err := cfg.Load(configPath); err != nil {
		return nil, err
	}
	if log == nil {
		var err error
		log, err = logger.Init(logger.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}
	return New(ctx, cfg, log)
}

// New builds an OperationManager from an already loaded config. Call Close
// when done.
func New(ctx context.Context, cfg config.Config, log logger.Logger) (*OperationManager, error) {
	if log == nil {
		log = logger.Global()
	}
	om := &OperationManager{cfg: cfg, log: log, clock: clock.WallClock}

	if cfg.Vault.Address != "" {
		client, err := vault.NewClient(ctx,
			vault.WithAddress(cfg.Vault.Address),
			vault.WithToken(cfg.Vault.Token),
			vault.WithAppRole(cfg.Vault.RoleID, cfg.Vault.ApproleName),
		)
		if err != nil {
			return nil, fmt.Errorf("vault client init: %w", err)
		}
		om.vaultClient = client
	}

	engine, err := om.cryptoEngine(ctx)
	if err != nil {
		return nil, err
	}
	store, err := buildStore(ctx, cfg.Storage, om.clock, log)
	if err != nil {
		return nil, err
	}
	target, err := om.target(ctx, cfg, cfg.Files)
	if err != nil {
		return nil, err
	}
	repo, err := openRepository(ctx, cfg.Metadata)
	if err != nil {
		return nil, err
	}
	om.repo = repo

	om.env = backup.Env{
		Repo:     repo,
		Store:    store,
		Crypto:   engine,
		Target:   target,
		Notifier: notify.New(cfg.Notify, log),
		Logger:   log,
		Clock:    om.clock,
		Config:   cfg.Backup,
		Put: storage.PutOptions{
			ServerSideEncryption: cfg.Storage.ServerSideEncryption,
			StorageClass:         cfg.Storage.StorageClass,
		},
	}
	om.orch = backup.NewOrchestrator(om.env)
	om.restorer = backup.NewRestorer(om.env, om.orch)
	om.verifier = backup.NewVerifier(om.env, cfg.Verify.Window, cfg.Verify.Workers)
	om.retention = backup.NewRetention(om.env, record.RetentionPolicy{
		Daily:   cfg.Retention.Daily,
		Weekly:  cfg.Retention.Weekly,
		Monthly: cfg.Retention.Monthly,
		Yearly:  cfg.Retention.Yearly,
	})

	opts := []recovery.Option{
		recovery.WithNotifier(om.env.Notifier),
		recovery.WithLogger(log.With("component", "recovery")),
	}
	if replicated, ok := store.(*storage.Replicated); ok {
		replica, err := om.replicaRestorer(ctx, replicated.Replica())
		if err != nil {
			_ = repo.Close()
			return nil, err
		}
		opts = append(opts, recovery.WithReplica(replica))
	}
	if url := cfg.Recovery.RedirectWebhook; url != "" {
		opts = append(opts, recovery.WithRedirect(notify.NewWebhook(config.WebhookConfig{
			URL:     url,
			Timeout: cfg.Notify.Webhook.Timeout,
		}, log)))
	}
	om.dispatcher = recovery.NewDispatcher(repo, om.restorer, om.verifier, cfg.Recovery, opts...)
	return om, nil
}

// Close releases the metadata repository.
func (om *OperationManager) Close() error {
	return om.repo.Close()
}

// Config returns the loaded configuration.
func (om *OperationManager) Config() config.Config { return om.cfg }

func (om *OperationManager) cryptoEngine(ctx context.Context) (*crypto.Engine, error) {
	c := om.cfg.Crypto
	password := c.Password
	if password == "" && c.PasswordSecret != "" {
		if om.vaultClient == nil {
			return nil, fmt.Errorf("%w: crypto.password_secret set without vault.address", ErrNoPassword)
		}
		p, err := om.vaultClient.EncryptionPassword(ctx, c.PasswordSecret)
		if err != nil {
			return nil, fmt.Errorf("read encryption password: %w", err)
		}
		password = p
	}
	if password == "" {
		return nil, ErrNoPassword
	}
	return crypto.New(password, c.Algorithm, crypto.WithParams(crypto.Params{
		N: c.ScryptN,
		R: c.ScryptR,
		P: c.ScryptP,
	}))
}

// credentials returns the Vault client as a credential provider, or nil
// when Vault is not configured.
func (om *OperationManager) credentials() database.CredentialProvider {
	if om.vaultClient == nil {
		return nil
	}
	return om.vaultClient
}

// target builds the databases of cfg and the file store described by files.
func (om *OperationManager) target(ctx context.Context, cfg config.Config, files config.FilesConfig) (*snapshot.Target, error) {
	dbs, err := database.InitializeDatabases(ctx, cfg, om.credentials(), om.log)
	if err != nil {
		return nil, fmt.Errorf("initialize databases: %w", err)
	}
	fs, err := buildFiles(ctx, files)
	if err != nil {
		return nil, err
	}
	return &snapshot.Target{
		Databases: dbs,
		Files:     fs,
		Workers:   cfg.Backup.Workers,
		Logger:    om.log.With("component", "snapshot"),
	}, nil
}

// replicaRestorer restores from the replica store into the alternate
// region: every database instance is reached at the region host and files
// go to the region file store.
func (om *OperationManager) replicaRestorer(ctx context.Context, replica storage.Store) (*backup.Restorer, error) {
	region := om.cfg.Recovery.Region
	target, err := om.target(ctx, regional(om.cfg, region.Host), region.Files)
	if err != nil {
		return nil, fmt.Errorf("alternate region: %w", err)
	}
	env := om.env
	env.Store = replica
	env.Target = target
	env.Logger = om.log.With("component", "replica-restore")
	return backup.NewRestorer(env, backup.NewOrchestrator(env)), nil
}

// regional returns a copy of cfg with every SQL instance moved to host.
func regional(cfg config.Config, host string) config.Config {
	if host == "" {
		return cfg
	}
	move := func(g config.DBGroupConfig) config.DBGroupConfig {
		g.Host = host
		instances := make([]config.DBInstance, len(g.Instances))
		for i, inst := range g.Instances {
			inst.Host = host
			instances[i] = inst
		}
		g.Instances = instances
		return g
	}
	cfg.Postgres = move(cfg.Postgres)
	cfg.MySQL = move(cfg.MySQL)
	return cfg
}

func s3Config(e config.S3Endpoint) storage.S3Config {
	return storage.S3Config{
		Region:       e.Region,
		Endpoint:     e.Endpoint,
		AccessKey:    e.AccessKey,
		SecretKey:    e.SecretKey,
		Profile:      e.Profile,
		UsePathStyle: e.UsePathStyle,
	}
}

// buildStore returns the remote store: the configured driver behind
// transient-error retries, mirrored to the replica when one is enabled.
func buildStore(ctx context.Context, cfg config.StorageConfig, clk clock.Clock, log logger.Logger) (storage.Store, error) {
	policy := storage.RetryPolicy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		MaxDelay: cfg.Retry.MaxDelay,
	}
	var primary storage.Store
	switch cfg.Driver {
	case "memory":
		primary = storage.NewMemory()
	case "s3":
		client, err := storage.NewS3Client(ctx, s3Config(cfg.S3Endpoint))
		if err != nil {
			return nil, fmt.Errorf("remote store: %w", err)
		}
		primary = storage.NewRetrying(storage.NewS3(client, cfg.Bucket, log), policy, clk, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if !cfg.Replica.Enabled {
		return primary, nil
	}

	var replica storage.Store
	if cfg.Driver == "memory" {
		replica = storage.NewMemory()
	} else {
		client, err := storage.NewS3Client(ctx, s3Config(cfg.Replica.S3Endpoint))
		if err != nil {
			return nil, fmt.Errorf("replica store: %w", err)
		}
		replica = storage.NewRetrying(storage.NewS3(client, cfg.Replica.Bucket, log), policy, clk, log)
	}
	return storage.NewReplicated(primary, replica, log), nil
}

func buildFiles(ctx context.Context, cfg config.FilesConfig) (filestore.Store, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return filestore.NewMemory(cfg.Buckets...), nil
	case "s3":
		client, err := storage.NewS3Client(ctx, s3Config(cfg.S3Endpoint))
		if err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
		return filestore.NewS3(client, cfg.Buckets...), nil
	}
	return nil, fmt.Errorf("unknown file store driver %q", cfg.Driver)
}

func openRepository(ctx context.Context, cfg config.MetadataConfig) (repository.Repository, error) {
	switch cfg.Driver {
	case "memory":
		return repository.NewMemory(), nil
	case "sqlite":
		repo, err := repository.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open metadata repository: %w", err)
		}
		return repo, nil
	}
	return nil, fmt.Errorf("unknown metadata driver %q", cfg.Driver)
}
