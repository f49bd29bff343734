package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/reservations/pkg/booking"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestResolveDriver(test *testing.T) {
	test.Parallel()
	directory := test.TempDir()
	testCases := []struct {
		name        string
		dsn         string
		wantDialect string
		wantPath    string
	}{
		{name: "postgres", dsn: "postgres://user@localhost/db", wantDialect: dialectPostgres},
		{name: "postgresql", dsn: "postgresql://user@localhost/db", wantDialect: dialectPostgres},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(directory, "a", "r.db"), wantDialect: dialectSQLite, wantPath: filepath.Join(directory, "a", "r.db")},
		{name: "plain path", dsn: filepath.Join(directory, "b", "r.db"), wantDialect: dialectSQLite, wantPath: filepath.Join(directory, "b", "r.db")},
		{name: "memory", dsn: ":memory:", wantDialect: dialectSQLite, wantPath: ":memory:"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			dialect, path, err := resolveDriver(testCase.dsn)
			if err != nil {
				test.Fatalf("resolve: %v", err)
			}
			if dialect != testCase.wantDialect || path != testCase.wantPath {
				test.Fatalf("expected %s %q, got %s %q", testCase.wantDialect, testCase.wantPath, dialect, path)
			}
		})
	}
}

func TestLoadConfigFromEnvironment(test *testing.T) {
	test.Setenv("RESERVATIONS_LISTEN_ADDR", ":9191")
	test.Setenv("RESERVATIONS_CATEGORY_CAPACITY", "camping=2")
	test.Setenv("RESERVATIONS_REQUEST_TIMEOUT", "2s")
	test.Setenv("RESERVATIONS_ALLOWED_ORIGINS", "http://a.example,http://b.example")

	cfg := &runtimeConfig{}
	root := newRootCommand()
	if err := root.ParseFlags(nil); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	if err := loadConfig(root, viper.New(), cfg); err != nil {
		test.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != ":9191" || cfg.RequestTimeout != 2*time.Second || cfg.CategoryCapacity["camping"] != 2 {
		test.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.StoreDriver != driverGorm || cfg.DatabaseURL != defaultDatabaseURL {
		test.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadConfigRejectsUnknownDriver(test *testing.T) {
	test.Setenv("RESERVATIONS_STORE_DRIVER", "mongo")
	root := newRootCommand()
	if err := loadConfig(root, viper.New(), &runtimeConfig{}); err == nil {
		test.Fatalf("expected unknown driver to fail")
	}
}

func TestPgxDriverRequiresPostgres(test *testing.T) {
	test.Parallel()
	_, err := openStore(context.Background(), &runtimeConfig{DatabaseURL: filepath.Join(test.TempDir(), "r.db"), StoreDriver: driverPgx})
	if err == nil || !strings.Contains(err.Error(), "postgres") {
		test.Fatalf("expected postgres requirement, got %v", err)
	}
}

func TestTicketTypePutCommand(test *testing.T) {
	databasePath := filepath.Join(test.TempDir(), "reservations.db")
	output := runCommand(test, "--database-url", databasePath, "ticket-type", "put",
		"--id", "weekend", "--name", "Weekend camping", "--price-pence", "5000", "--resource-category", "camping")
	if !strings.Contains(output, "ticket type weekend saved") {
		test.Fatalf("unexpected output %q", output)
	}

	opened, err := openStore(context.Background(), &runtimeConfig{DatabaseURL: databasePath, StoreDriver: driverGorm})
	if err != nil {
		test.Fatalf("open store: %v", err)
	}
	defer opened.close()
	id, _ := booking.NewTicketTypeID("weekend")
	ticketType, err := opened.store.GetTicketType(context.Background(), id)
	if err != nil {
		test.Fatalf("get ticket type: %v", err)
	}
	if ticketType.Price != 5000 || ticketType.ResourceCategory.String() != "camping" || ticketType.Name != "Weekend camping" {
		test.Fatalf("unexpected ticket type %+v", ticketType)
	}
}

func TestMigrateCommand(test *testing.T) {
	databasePath := filepath.Join(test.TempDir(), "reservations.db")
	output := runCommand(test, "--database-url", "sqlite://"+databasePath, "migrate")
	if !strings.Contains(output, "schema ready") {
		test.Fatalf("unexpected output %q", output)
	}
}

func TestPaymentEventFromFlags(test *testing.T) {
	test.Parallel()
	cmd := &cobra.Command{}
	cmd.Flags().String(flagEventReference, "", "")
	cmd.Flags().Int64(flagEventAmount, 0, "")
	cmd.Flags().String(flagEventSource, "", "")
	cmd.Flags().String(flagEventOutcome, "", "")
	cmd.Flags().Bool(flagEventCleared, false, "")
	cmd.Flags().String(flagEventMetadata, "{}", "")
	if err := cmd.ParseFlags([]string{"--reference", "REF-1", "--amount-pence", "2500", "--outcome", "completed", "--cleared"}); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	event, err := paymentEventFromFlags(cmd)
	if err != nil {
		test.Fatalf("event: %v", err)
	}
	if event.Reference != "REF-1" || event.AmountPence != 2500 || event.Outcome != "completed" || !event.Cleared || string(event.Metadata) != "{}" {
		test.Fatalf("unexpected event %+v", event)
	}
	if err := cmd.ParseFlags([]string{"--outcome", "refund"}); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	if _, err := paymentEventFromFlags(cmd); err == nil {
		test.Fatalf("expected unknown outcome to fail")
	}
}

func runCommand(test *testing.T, args ...string) string {
	test.Helper()
	root := newRootCommand()
	var output bytes.Buffer
	root.SetOut(&output)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		test.Fatalf("execute %v: %v", args, err)
	}
	return output.String()
}
