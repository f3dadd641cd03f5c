package store

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"fabrica/internal/logging"
)

var bootstrapLog = logging.For("store")

// Bootstrap creates the per-app management tables and seeds the initial
// admin user. Safe to run repeatedly; every statement is IF NOT EXISTS.
func (s *Store) Bootstrap(ctx context.Context) error {
	if err := execScript(ctx, s, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	if err := s.seedAdminUser(ctx); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

// BootstrapPlatform creates the platform tables on the management database.
func (s *Store) BootstrapPlatform(ctx context.Context) error {
	if err := execScript(ctx, s, s.Dialect.PlatformTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap platform tables: %w", err)
	}
	return nil
}

// execScript runs a multi-statement DDL script. The sqlite driver only
// accepts one statement per Exec, so scripts are split on ";\n".
func execScript(ctx context.Context, s *Store, script string) error {
	if s.Dialect.Name() == "postgres" {
		_, err := s.DB.ExecContext(ctx, script)
		return err
	}
	for _, stmt := range splitStatements(script) {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (s *Store) seedAdminUser(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	pb := s.Dialect.NewParamBuilder()
	var idCol, idVal string
	if s.Dialect.UUIDDefault() == "" {
		idCol = "id, "
		idVal = pb.Add(GenerateUUID()) + ", "
	}
	query := fmt.Sprintf("INSERT INTO _users (%semail, password_hash, roles) VALUES (%s%s, %s, %s)",
		idCol, idVal, pb.Add("admin@localhost"), pb.Add(string(hash)),
		pb.Add(s.Dialect.ArrayParam([]string{"admin"})))
	if _, err := s.DB.ExecContext(ctx, query, pb.Params()...); err != nil {
		return err
	}

	bootstrapLog.Warn().Msg("default admin user created (admin@localhost / changeme); change the password immediately")
	return nil
}
