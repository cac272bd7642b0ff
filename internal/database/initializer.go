package database

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/vault"
)

// CredentialProvider issues short-lived database credentials.
// *vault.Client implements it.
type CredentialProvider interface {
	GetDynamicCredentials(ctx context.Context, role string) (vault.DynamicCredentials, error)
}

type initializer func(ctx context.Context, cfg config.Config, creds CredentialProvider, log logger.Logger) ([]Database, error)

var initializers = map[string]initializer{
	EnginePostgres: InitPostgresInstances,
	EngineMySQL:    InitMySQLInstances,
	EngineMemory:   InitMemoryInstances,
}

// credentials resolves an instance's username and password: from Vault
// when the instance names a role, from the static config otherwise.
func credentials(
	ctx context.Context,
	creds CredentialProvider,
	group config.DBGroupConfig,
	instance config.DBInstance,
) (string, string, error) {
	if instance.RoleName == "" || creds == nil {
		return instance.Username, instance.Password, nil
	}
	rolePath := path.Join(group.Vault.RoleBase, instance.RoleName)
	c, err := creds.GetDynamicCredentials(ctx, rolePath)
	if err != nil {
		return "", "", fmt.Errorf("vault read %s: %w", rolePath, err)
	}
	return c.Username, c.Password, nil
}

// InitPostgresInstances builds one Postgres per configured instance.
func InitPostgresInstances(
	ctx context.Context,
	cfg config.Config,
	creds CredentialProvider,
	log logger.Logger,
) ([]Database, error) {
	var dbs []Database
	for _, instance := range cfg.Postgres.Instances {
		user, pass, err := credentials(ctx, creds, cfg.Postgres, instance)
		if err != nil {
			return nil, fmt.Errorf("postgres instance %q: %w", instance.Name, err)
		}
		dbs = append(dbs, NewPostgres(cfg,
			WithPostgresHost(instance.Host),
			WithPostgresPort(instance.Port),
			WithPostgresCredentials(user, pass),
			WithPostgresDatabase(instance.Database),
			WithPostgresMethod(instance.Method),
			WithPostgresLogger(log),
		))
	}
	return dbs, nil
}

// InitMySQLInstances builds one MySQL per configured instance.
func InitMySQLInstances(
	ctx context.Context,
	cfg config.Config,
	creds CredentialProvider,
	log logger.Logger,
) ([]Database, error) {
	var dbs []Database
	for _, instance := range cfg.MySQL.Instances {
		user, pass, err := credentials(ctx, creds, cfg.MySQL, instance)
		if err != nil {
			return nil, fmt.Errorf("mysql instance %q: %w", instance.Name, err)
		}
		dbs = append(dbs, NewMySQL(cfg,
			WithMySQLHost(instance.Host),
			WithMySQLPort(instance.Port),
			WithMySQLCredentials(user, pass),
			WithMySQLDatabase(instance.Database),
			WithMySQLLogger(log),
		))
	}
	return dbs, nil
}

// InitMemoryInstances builds the in-process databases.
func InitMemoryInstances(
	_ context.Context,
	cfg config.Config,
	_ CredentialProvider,
	_ logger.Logger,
) ([]Database, error) {
	var dbs []Database
	for _, d := range cfg.Memory.Databases {
		dbs = append(dbs, NewMemory(d.Name, d.Tables...))
	}
	return dbs, nil
}

// InitializeDatabases builds every configured database, ordered by engine
// then by configuration order. Database names must be unique.
func InitializeDatabases(
	ctx context.Context,
	cfg config.Config,
	creds CredentialProvider,
	log logger.Logger,
) ([]Database, error) {
	if log == nil {
		log = logger.Global()
	}
	engines := make([]string, 0, len(initializers))
	for engine := range initializers {
		engines = append(engines, engine)
	}
	sort.Strings(engines)

	dbs := make([]Database, 0)
	seen := make(map[string]string)
	for _, engine := range engines {
		instances, err := initializers[engine](ctx, cfg, creds, log)
		if err != nil {
			return nil, fmt.Errorf("initialize %s instance: %w", engine, err)
		}
		for _, db := range instances {
			if other, ok := seen[db.Name()]; ok {
				return nil, fmt.Errorf("database name %q used by both %s and %s", db.Name(), other, engine)
			}
			seen[db.Name()] = engine
		}
		dbs = append(dbs, instances...)
	}
	return dbs, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
