//go:build integration

package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5"
)

const embeddedPort = 54329

var dbSeq atomic.Int32

func dsn(database string) string {
	return fmt.Sprintf("host=localhost port=%d user=postgres password=postgres dbname=%s sslmode=disable", embeddedPort, database)
}

// TestMain runs the store suite against an embedded Postgres. Each test gets
// its own database so fixed IDs never collide.
func TestMain(m *testing.M) {
	pg := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		Port(embeddedPort).
		Database("admission").
		Username("postgres").
		Password("postgres").
		RuntimePath(os.TempDir() + "/admission-embedded-pg"))
	if err := pg.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "starting embedded postgres: %v\n", err)
		os.Exit(1)
	}

	newTestStore = func(t *testing.T) Store {
		t.Helper()
		name := fmt.Sprintf("t_%d_%s", dbSeq.Add(1), strings.ToLower(strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())))
		if len(name) > 60 {
			name = name[:60]
		}
		ctx := context.Background()
		admin, err := pgx.Connect(ctx, dsn("admission"))
		if err != nil {
			t.Fatalf("connecting to embedded postgres: %v", err)
		}
		defer admin.Close(ctx)
		if _, err := admin.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
			t.Fatalf("creating database %s: %v", name, err)
		}

		s, err := NewPostgres(dsn(name))
		if err != nil {
			t.Fatalf("NewPostgres() error = %v", err)
		}
		t.Cleanup(s.Close)
		return s
	}

	code := m.Run()
	if err := pg.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "stopping embedded postgres: %v\n", err)
	}
	os.Exit(code)
}

func TestPostgresPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
