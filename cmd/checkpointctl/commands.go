package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/auth"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/credential"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/service"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/store/sqlite"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/db"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/grpcapi"
)

func runToken(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("token", "--email <controller email> [--ttl 12h]")
	secret := fs.String("secret", getenvDefault("CHECKPOINT_JWT_SECRET", ""), "signing secret (default $CHECKPOINT_JWT_SECRET)")
	email := fs.StringP("email", "e", "", "controller email")
	name := fs.String("name", "", "display name carried in the token")
	ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *email == "" {
		return errors.New("--email is required")
	}

	a, err := auth.NewAuthority(*secret)
	if err != nil {
		return err
	}
	tok, err := a.Issue(*email, *name, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, tok)
	return err
}

func runEncode(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("encode", "[--link] <user id>...")
	link := fs.BoolP("link", "l", false, "print the base64url link form instead of the raw payload")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("at least one user id is required")
	}

	for _, arg := range fs.Args() {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid user id %q", arg)
		}
		out := credential.Encode(id)
		if *link {
			out = credential.EncodeURL(id)
		}
		if _, err := fmt.Fprintln(stdout, out); err != nil {
			return err
		}
	}
	return nil
}

func runDecode(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("decode", "[--link] <payload>")
	link := fs.BoolP("link", "l", false, "input is a base64url link")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("exactly one payload is required")
	}

	decode := credential.Decode
	if *link {
		decode = credential.DecodeURL
	}
	id, err := decode(fs.Arg(0))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, id)
	return err
}

type dbFlags struct {
	driver string
	path   string
	dsn    string
}

func (f *dbFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.driver, "db-driver", getenvDefault("CHECKPOINT_DB_DRIVER", "sqlite"), "sqlite or postgres")
	fs.StringVar(&f.path, "db-path", getenvDefault("CHECKPOINT_DB_PATH", "./data/checkpoint.db"), "sqlite database file")
	fs.StringVar(&f.dsn, "db-dsn", getenvDefault("CHECKPOINT_DB_DSN", ""), "postgres connection string")
}

func (f *dbFlags) open(ctx context.Context) (*sql.DB, db.Dialect, error) {
	dialect, err := db.ParseDialect(f.driver)
	if err != nil {
		return nil, "", err
	}
	conn, err := db.Open(ctx, db.Config{Dialect: dialect, Path: f.path, DSN: f.dsn})
	if err != nil {
		return nil, "", err
	}
	return conn, dialect, nil
}

func runSeed(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("seed", "(--file fixture.yaml | --generate A:100 B:20 ...) [--dry-run]")
	var dbf dbFlags
	dbf.register(fs)
	file := fs.StringP("file", "f", "", "yaml fixture to load")
	generate := fs.StringSlice("generate", nil, "role:count pairs of disabled backup users to create")
	firstID := fs.Int64("first-id", 90000000, "first id assigned to generated users")
	seedValue := fs.Int64("shuffle-seed", 0, "seed for shuffling generated users (0 = time based)")
	dryRun := fs.Bool("dry-run", false, "print the fixture as yaml instead of writing it")
	if err := parse(fs, args); err != nil {
		return err
	}
	gen := appendPositional(*generate, fs.Args())

	var fixture db.Fixture
	switch {
	case *file != "" && len(gen) > 0:
		return errors.New("--file and --generate are mutually exclusive")
	case *file != "":
		f, err := db.LoadFixture(*file)
		if err != nil {
			return err
		}
		fixture = f
	case len(gen) > 0:
		counts, err := db.ParseRoleCounts(gen)
		if err != nil {
			return err
		}
		s := *seedValue
		if s == 0 {
			s = time.Now().UnixNano()
		}
		fixture = db.GenerateBackup(counts, *firstID, rand.New(rand.NewSource(s)))
	default:
		return errors.New("one of --file or --generate is required")
	}

	if *dryRun {
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err := enc.Encode(fixture); err != nil {
			return err
		}
		return enc.Close()
	}

	conn, dialect, err := dbf.open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Seed(ctx, conn, dialect, fixture); err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "seeded %d groups, %d users, %d controllers\n",
		len(fixture.Groups), len(fixture.Users), len(fixture.Controllers))
	return err
}

// appendPositional lets "seed --generate A:10 B:5" work: pflag binds only
// A:10 to the flag and leaves B:5 positional.
func appendPositional(flagged, positional []string) []string {
	if len(flagged) == 0 {
		return flagged
	}
	return append(flagged, positional...)
}

func runVerify(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("verify", "--user <id> [--user <id>...]")
	var dbf dbFlags
	dbf.register(fs)
	users := fs.Int64SliceP("user", "u", nil, "user ids to check")
	if err := parse(fs, args); err != nil {
		return err
	}
	if len(*users) == 0 {
		return errors.New("at least one --user is required")
	}

	conn, dialect, err := dbf.open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	writer := db.NewWorker(conn, dialect)
	defer writer.Close()

	ledger := service.NewLedger(sqlite.NewAccessEventStore(conn, writer), service.LedgerConfig{}, nil, nil)
	return verify(ctx, ledger, *users, stdout)
}

// verify replays each user's audit trail and compares it with the stored
// movement state.
func verify(ctx context.Context, ledger *service.Ledger, users []int64, stdout io.Writer) error {
	var bad int
	for _, id := range users {
		events, err := ledger.Events(ctx, id, 0)
		if err != nil {
			return err
		}
		current, err := ledger.CurrentState(ctx, id)
		if err != nil {
			return err
		}
		replayed, err := service.ReplayState(events)
		switch {
		case err != nil:
			bad++
			fmt.Fprintf(stdout, "user %d: FAIL %v\n", id, err)
		case replayed != current:
			bad++
			fmt.Fprintf(stdout, "user %d: FAIL state %s, history implies %s\n", id, current, replayed)
		default:
			fmt.Fprintf(stdout, "user %d: ok %s (%d events)\n", id, current, len(events))
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d users diverged", bad, len(users))
	}
	return nil
}

func runScan(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("scan", "--addr host:port --token <jwt> <payload>")
	addr := fs.String("addr", getenvDefault("CHECKPOINT_GRPC_ADDR", "localhost:9090"), "gRPC address of the server")
	token := fs.String("token", getenvDefault("CHECKPOINT_TOKEN", ""), "controller bearer token")
	userID := fs.Int64("user", 0, "evaluate this id instead of a payload")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *userID == 0 && fs.NArg() != 1 {
		return errors.New("a payload or --user is required")
	}

	client, err := grpcapi.Dial(*addr, *token)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	var out *structpb.Struct
	if *userID != 0 {
		out, err = client.Evaluate(ctx, *userID)
	} else {
		out, err = client.Scan(ctx, fs.Arg(0))
	}
	if err != nil {
		return err
	}
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(b))
	return err
}
