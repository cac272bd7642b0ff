package database

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
)

const EngineMySQL = "mysql"

// MySQLOption lets you override default settings on a MySQL.
type MySQLOption func(*MySQL)

// MySQL exports and imports a MySQL database with mysqldump and mysql.
// Dumps are plain SQL, so restores always cover the whole database.
type MySQL struct {
	Username     string
	Password     string
	Database     string
	Host         string
	Port         string
	ChangeColumn string
	Timeout      time.Duration
	Logger       logger.Logger
}

var _ Database = (*MySQL)(nil)

// NewMySQL returns a MySQL configured from cfg plus any overrides.
func NewMySQL(cfg config.Config, opts ...MySQLOption) *MySQL {
	m := &MySQL{
		Host:         cfg.MySQL.Host,
		Port:         cfg.MySQL.Port,
		ChangeColumn: cfg.MySQL.ChangeColumn,
		Timeout:      cfg.MySQL.Timeout,
		Logger:       logger.Global(),
	}
	if m.Timeout == 0 {
		m.Timeout = cfg.Backup.Timeout
	}
	for _, opt := range opts {
		opt(m)
	}
	m.Logger = m.Logger.With("database", m.Database, "engine", EngineMySQL)
	return m
}

// WithMySQLCredentials sets username and password.
func WithMySQLCredentials(user, pass string) MySQLOption {
	return func(m *MySQL) {
		if user != "" {
			m.Username = user
		}
		if pass != "" {
			m.Password = pass
		}
	}
}

// WithMySQLHost overrides the host.
func WithMySQLHost(host string) MySQLOption {
	return func(m *MySQL) {
		if host != "" {
			m.Host = host
		}
	}
}

// WithMySQLPort overrides the port.
func WithMySQLPort(port string) MySQLOption {
	return func(m *MySQL) {
		if port != "" {
			m.Port = port
		}
	}
}

// WithMySQLDatabase sets the database name.
func WithMySQLDatabase(db string) MySQLOption {
	return func(m *MySQL) {
		if db != "" {
			m.Database = db
		}
	}
}

// WithMySQLLogger sets the logger.
func WithMySQLLogger(log logger.Logger) MySQLOption {
	return func(m *MySQL) {
		if log != nil {
			m.Logger = log
		}
	}
}

func (m *MySQL) Name() string   { return m.Database }
func (m *MySQL) Engine() string { return EngineMySQL }

func (m *MySQL) connArgs() []string {
	return []string{"-h", m.Host, "-P", m.Port, "-u", m.Username}
}

func (m *MySQL) run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, m.Timeout, ErrTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	// Pass MYSQL_PWD for non-interactive auth
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+m.Password)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = fmt.Errorf("%w (%v)", cause, err)
		}
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (m *MySQL) query(ctx context.Context, sql string) ([]string, error) {
	args := append(m.connArgs(), "-N", "-B", "-e", sql, m.Database)
	out, err := m.run(ctx, nil, "mysql", args...)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func (m *MySQL) Tables(ctx context.Context) ([]string, error) {
	tables, err := m.query(ctx, fmt.Sprintf(`SELECT table_name FROM information_schema.tables
WHERE table_schema = %s AND table_type = 'BASE TABLE' ORDER BY 1`, quoteLiteral(m.Database)))
	if err != nil {
		return nil, fmt.Errorf("%w: list tables of %s: %w", ErrExportFailed, m.Database, err)
	}
	return tables, nil
}

// Dump runs `mysqldump` and returns the SQL dump.
func (m *MySQL) Dump(ctx context.Context) ([]byte, error) {
	args := append(m.connArgs(),
		"--single-transaction",
		"--routines",
		"--triggers",
		m.Database,
	)
	m.Logger.Info("dump started")
	start := time.Now()
	out, err := m.run(ctx, nil, "mysqldump", args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExportFailed, m.Database, err)
	}
	m.Logger.Info("dump completed", "size", len(out), "duration", time.Since(start).String())
	return out, nil
}

// DumpChanges dumps, as REPLACE statements, the rows of every table with
// the change column that changed after since.
func (m *MySQL) DumpChanges(ctx context.Context, since time.Time) ([]byte, error) {
	tables, err := m.query(ctx, fmt.Sprintf(`SELECT table_name FROM information_schema.columns
WHERE table_schema = %s AND column_name = %s ORDER BY 1`,
		quoteLiteral(m.Database), quoteLiteral(m.ChangeColumn)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExportFailed, m.Database, err)
	}
	if len(tables) == 0 {
		return []byte{}, nil
	}

	where := fmt.Sprintf("`%s` > '%s'", m.ChangeColumn, since.UTC().Format("2006-01-02 15:04:05.000000"))
	args := append(m.connArgs(),
		"--single-transaction",
		"--no-create-info",
		"--replace",
		"--skip-triggers",
		"--where="+where,
		m.Database,
	)
	args = append(args, tables...)
	out, err := m.run(ctx, nil, "mysqldump", args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: changes: %w", ErrExportFailed, m.Database, err)
	}
	return out, nil
}

// Restore runs `mysql` to load a whole-database dump.
func (m *MySQL) Restore(ctx context.Context, dump []byte, tables []string) error {
	if tables != nil {
		return fmt.Errorf("%w: %s: %w", ErrImportFailed, m.Database, ErrPartialRestoreUnsupported)
	}
	m.Logger.Info("restore started")
	start := time.Now()
	if err := m.load(ctx, dump); err != nil {
		return err
	}
	m.Logger.Info("restore completed", "duration", time.Since(start).String())
	return nil
}

// ApplyChanges loads a delta; its REPLACE statements make it an upsert.
func (m *MySQL) ApplyChanges(ctx context.Context, delta []byte, tables []string) error {
	if tables != nil {
		return fmt.Errorf("%w: %s: %w", ErrImportFailed, m.Database, ErrPartialRestoreUnsupported)
	}
	if len(delta) == 0 {
		return nil
	}
	return m.load(ctx, delta)
}

func (m *MySQL) load(ctx context.Context, sql []byte) error {
	args := append(m.connArgs(), m.Database)
	if _, err := m.run(ctx, sql, "mysql", args...); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrImportFailed, m.Database, err)
	}
	return nil
}

func (m *MySQL) DropTables(ctx context.Context, tables []string) error {
	if len(tables) == 0 {
		return nil
	}
	quoted := make([]string, len(tables))
	for i, t := range tables {
		quoted[i] = "`" + strings.ReplaceAll(t, "`", "``") + "`"
	}
	sql := "SET FOREIGN_KEY_CHECKS=0; DROP TABLE IF EXISTS " + strings.Join(quoted, ", ") + "; SET FOREIGN_KEY_CHECKS=1;"
	if _, err := m.query(ctx, sql); err != nil {
		return fmt.Errorf("%w: %s: drop tables: %w", ErrImportFailed, m.Database, err)
	}
	return nil
}
