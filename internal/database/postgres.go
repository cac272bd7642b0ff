package database

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
)

const EnginePostgres = "postgres"

// PostgresOption lets you override default settings on a Postgres.
type PostgresOption func(*Postgres)

// Postgres exports and imports a PostgreSQL database with the client tools
// (pg_dump, pg_restore, psql), which must be on PATH.
type Postgres struct {
	Username     string
	Password     string
	Database     string
	Host         string
	Port         string
	Method       string // "custom" or "plain"
	ChangeColumn string
	KeyColumn    string
	Timeout      time.Duration
	Logger       logger.Logger
}

var _ Database = (*Postgres)(nil)

// changeSet is the delta format: one CSV export (with header) per table.
type changeSet struct {
	Since  time.Time         `json:"since"`
	Key    string            `json:"key"`
	Tables map[string]string `json:"tables"`
}

// NewPostgres returns a Postgres configured from cfg plus any overrides.
func NewPostgres(cfg config.Config, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		Host:         cfg.Postgres.Host,
		Port:         cfg.Postgres.Port,
		Method:       cfg.Postgres.Method,
		ChangeColumn: cfg.Postgres.ChangeColumn,
		KeyColumn:    cfg.Postgres.KeyColumn,
		Timeout:      cfg.Postgres.Timeout,
		Logger:       logger.Global(),
	}
	if p.Timeout == 0 {
		p.Timeout = cfg.Backup.Timeout
	}
	if p.Method == "" {
		p.Method = "custom"
	}
	for _, opt := range opts {
		opt(p)
	}
	p.Logger = p.Logger.With("database", p.Database, "engine", EnginePostgres)
	return p
}

// WithPostgresHost overrides the host.
func WithPostgresHost(host string) PostgresOption {
	return func(p *Postgres) {
		if host != "" {
			p.Host = host
		}
	}
}

// WithPostgresPort overrides the port.
func WithPostgresPort(port string) PostgresOption {
	return func(p *Postgres) {
		if port != "" {
			p.Port = port
		}
	}
}

// WithPostgresCredentials sets username and password.
func WithPostgresCredentials(user, pass string) PostgresOption {
	return func(p *Postgres) {
		if user != "" {
			p.Username = user
		}
		if pass != "" {
			p.Password = pass
		}
	}
}

// WithPostgresDatabase overrides the database name.
func WithPostgresDatabase(db string) PostgresOption {
	return func(p *Postgres) {
		if db != "" {
			p.Database = db
		}
	}
}

// WithPostgresMethod overrides the dump format (custom/plain).
func WithPostgresMethod(method string) PostgresOption {
	return func(p *Postgres) {
		if method != "" {
			p.Method = method
		}
	}
}

// WithPostgresLogger sets the logger.
func WithPostgresLogger(log logger.Logger) PostgresOption {
	return func(p *Postgres) {
		if log != nil {
			p.Logger = log
		}
	}
}

func (p *Postgres) Name() string   { return p.Database }
func (p *Postgres) Engine() string { return EnginePostgres }

func (p *Postgres) connArgs() []string {
	return []string{"-h", p.Host, "-p", p.Port, "-U", p.Username, "-d", p.Database}
}

// run executes a client tool with the connection environment, feeding stdin
// and returning stdout. stderr ends up in the error.
func (p *Postgres) run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.Timeout, ErrTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	// Pass PGPASSWORD for non-interactive auth
	cmd.Env = append(os.Environ(), "PGPASSWORD="+p.Password)
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

// query runs one SQL statement through psql in unaligned tuples-only mode
// and returns the non-empty output lines.
func (p *Postgres) query(ctx context.Context, sql string) ([]string, error) {
	args := append(p.connArgs(), "-X", "-A", "-t", "-v", "ON_ERROR_STOP=1", "-c", sql)
	out, err := p.run(ctx, nil, "psql", args...)
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

func (p *Postgres) Tables(ctx context.Context) ([]string, error) {
	tables, err := p.query(ctx, `SELECT table_schema || '.' || table_name
FROM information_schema.tables
WHERE table_type = 'BASE TABLE'
  AND table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("%w: list tables of %s: %w", ErrExportFailed, p.Database, err)
	}
	return tables, nil
}

// Dump runs `pg_dump` and returns the dump in the configured format.
func (p *Postgres) Dump(ctx context.Context) ([]byte, error) {
	format := "c"
	if p.Method == "plain" {
		format = "p"
	}
	p.Logger.Info("dump started", "method", p.Method)
	start := time.Now()

	args := append(p.connArgs(), "-F", format, "--no-owner")
	out, err := p.run(ctx, nil, "pg_dump", args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExportFailed, p.Database, err)
	}

	p.Logger.Info("dump completed", "size", len(out), "duration", time.Since(start).String())
	return out, nil
}

// changeTables lists the tables carrying the change column.
func (p *Postgres) changeTables(ctx context.Context) ([]string, error) {
	return p.query(ctx, fmt.Sprintf(`SELECT table_schema || '.' || table_name
FROM information_schema.columns
WHERE column_name = %s
  AND table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY 1`, quoteLiteral(p.ChangeColumn)))
}

// DumpChanges exports, for every table with the change column, the rows
// changed after since.
func (p *Postgres) DumpChanges(ctx context.Context, since time.Time) ([]byte, error) {
	tables, err := p.changeTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExportFailed, p.Database, err)
	}
	cs := changeSet{Since: since.UTC(), Key: p.KeyColumn, Tables: make(map[string]string, len(tables))}
	for _, t := range tables {
		sql := fmt.Sprintf("COPY (SELECT * FROM %s WHERE %s > %s) TO STDOUT WITH (FORMAT csv, HEADER true)",
			quoteQualified(t), quoteIdent(p.ChangeColumn), quoteLiteral(since.UTC().Format(time.RFC3339Nano)))
		args := append(p.connArgs(), "-X", "-v", "ON_ERROR_STOP=1", "-c", sql)
		out, err := p.run(ctx, nil, "psql", args...)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: changes of %s: %w", ErrExportFailed, p.Database, t, err)
		}
		cs.Tables[t] = string(out)
	}
	p.Logger.Info("changes exported", "since", since, "tables", len(tables))
	return json.Marshal(cs)
}

// Restore runs `pg_restore` (or psql for plain dumps) to restore the dump.
func (p *Postgres) Restore(ctx context.Context, dump []byte, tables []string) error {
	var (
		name string
		args []string
	)
	// Build the right command based on p.Method
	switch p.Method {
	case "plain":
		// Plain SQL → use psql reading stdin
		if tables != nil {
			return fmt.Errorf("%w: %s: %w", ErrImportFailed, p.Database, ErrPartialRestoreUnsupported)
		}
		name = "psql"
		args = append(p.connArgs(), "-X", "-v", "ON_ERROR_STOP=1", "-f", "-")
	default:
		name = "pg_restore"
		args = append(p.connArgs(), "--clean", "--if-exists", "--no-owner", "-F", "c")
		for _, t := range tables {
			schema, table := splitQualified(t)
			args = append(args, "-n", schema, "-t", table)
		}
	}

	p.Logger.Info("restore started", "method", p.Method, "tables", len(tables))
	start := time.Now()
	if _, err := p.run(ctx, dump, name, args...); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrImportFailed, p.Database, err)
	}
	p.Logger.Info("restore completed", "duration", time.Since(start).String())
	return nil
}

// ApplyChanges upserts a delta produced by DumpChanges.
func (p *Postgres) ApplyChanges(ctx context.Context, delta []byte, tables []string) error {
	var cs changeSet
	if err := json.Unmarshal(delta, &cs); err != nil {
		return fmt.Errorf("%w: %s: decode delta: %w", ErrImportFailed, p.Database, err)
	}
	if tables != nil {
		for t := range cs.Tables {
			if !contains(tables, t) {
				delete(cs.Tables, t)
			}
		}
	}
	if len(cs.Tables) == 0 {
		return nil
	}
	script := applyScript(cs)
	args := append(p.connArgs(), "-X", "-q", "-v", "ON_ERROR_STOP=1", "-f", "-")
	if _, err := p.run(ctx, []byte(script), "psql", args...); err != nil {
		return fmt.Errorf("%w: %s: apply changes: %w", ErrImportFailed, p.Database, err)
	}
	return nil
}

// applyScript renders a single-transaction psql script that merges every
// table's CSV through a staging table: matching keys are deleted, then all
// staged rows are inserted.
func applyScript(cs changeSet) string {
	key := cs.Key
	if key == "" {
		key = "id"
	}
	names := sortedKeys(cs.Tables)

	var b strings.Builder
	b.WriteString("BEGIN;\n")
	for i, t := range names {
		data := cs.Tables[t]
		if strings.Count(strings.TrimSpace(data), "\n") == 0 {
			// header only
			continue
		}
		stage := fmt.Sprintf("drbackup_stage_%d", i)
		target := quoteQualified(t)
		fmt.Fprintf(&b, "CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP;\n", stage, target)
		fmt.Fprintf(&b, "COPY %s FROM STDIN WITH (FORMAT csv, HEADER true);\n", stage)
		b.WriteString(data)
		if !strings.HasSuffix(data, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\\.\n")
		fmt.Fprintf(&b, "DELETE FROM %s t USING %s s WHERE t.%s = s.%s;\n", target, stage, quoteIdent(key), quoteIdent(key))
		fmt.Fprintf(&b, "INSERT INTO %s SELECT * FROM %s;\n", target, stage)
	}
	b.WriteString("COMMIT;\n")
	return b.String()
}

func (p *Postgres) DropTables(ctx context.Context, tables []string) error {
	if len(tables) == 0 {
		return nil
	}
	quoted := make([]string, len(tables))
	for i, t := range tables {
		quoted[i] = quoteQualified(t)
	}
	sql := "DROP TABLE IF EXISTS " + strings.Join(quoted, ", ") + " CASCADE"
	if _, err := p.query(ctx, sql); err != nil {
		return fmt.Errorf("%w: %s: drop tables: %w", ErrImportFailed, p.Database, err)
	}
	return nil
}

func splitQualified(t string) (schema, table string) {
	if i := strings.Index(t, "."); i >= 0 {
		return t[:i], t[i+1:]
	}
	return "public", t
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteQualified(t string) string {
	schema, table := splitQualified(t)
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
