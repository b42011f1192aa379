package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ballotsync/cmd/internal/bootstrap"
	"ballotsync/cmd/internal/passphrase"
	"ballotsync/config"
	"ballotsync/crypto"
	"ballotsync/election"
	"ballotsync/explorer"
	"ballotsync/gate"
	"ballotsync/observability/logging"
	"ballotsync/report"
	"ballotsync/session"
)

var configPath = defaultConfigPath()

// client is the session surface the commands use.
type client interface {
	Identity() common.Address
	Snapshot() (session.Snapshot, bool)
	Links() explorer.Links
	Register(ctx context.Context) (*gate.Result, error)
	Vote(ctx context.Context, candidateID uint64) (*gate.Result, error)
	Winner(ctx context.Context) (string, error)
	Audit(ctx context.Context, limit int) ([]election.AuditEvent, error)
	Report(ctx context.Context) (report.Report, error)
	AddCandidate(ctx context.Context, name, imageURL string) (uint64, error)
	StartVoting(ctx context.Context, deadline time.Time) error
	EndVoting(ctx context.Context) error
	Close()
}

// openClient is replaced in tests.
var openClient = func(ctx context.Context) (client, func(), error) {
	rt, err := prepare(ctx)
	if err != nil {
		return nil, nil, err
	}
	sess, err := rt.Open(ctx)
	if err != nil {
		_ = rt.Close()
		return nil, nil, err
	}
	return sess, func() {
		sess.Close()
		_ = rt.Close()
	}, nil
}

// createElection is replaced in tests.
var createElection = func(ctx context.Context) (common.Address, common.Address, error) {
	rt, err := prepare(ctx)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	defer rt.Close()
	return rt.CreateElection(ctx)
}

func prepare(ctx context.Context) (*bootstrap.Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, _ := logging.SetupWithOptions("ballot-cli", os.Getenv("BALLOT_ENV"), logging.Options{
		Output: os.Stderr,
		Level:  logging.ParseLevel(cfg.LogLevel),
	})
	return bootstrap.Prepare(ctx, cfg, logger, passphrase.NewSource(passphrase.DefaultEnv, "ballot"))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	switch args[0] {
	case "generate-key":
		return runGenerateKey(args[1:], stdout, stderr)
	case "status":
		return runStatus(ctx, args[1:], stdout, stderr)
	case "register":
		return runRegister(ctx, args[1:], stdout, stderr)
	case "vote":
		return runVote(ctx, args[1:], stdout, stderr)
	case "winner":
		return runWinner(ctx, args[1:], stdout, stderr)
	case "audit":
		return runAudit(ctx, args[1:], stdout, stderr)
	case "report":
		return runReport(ctx, args[1:], stdout, stderr)
	case "create-election":
		return runCreateElection(ctx, args[1:], stdout, stderr)
	case "add-candidate":
		return runAddCandidate(ctx, args[1:], stdout, stderr)
	case "start":
		return runStart(ctx, args[1:], stdout, stderr)
	case "end":
		return runEnd(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: ballot-cli [--config path] <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Voter commands:")
	fmt.Fprintln(w, "  generate-key --out <keystore>")
	fmt.Fprintln(w, "  status")
	fmt.Fprintln(w, "  register")
	fmt.Fprintln(w, "  vote --candidate <id>")
	fmt.Fprintln(w, "  winner")
	fmt.Fprintln(w, "  audit [--limit n]")
	fmt.Fprintln(w, "  report [--format csv|parquet|txt] [--out file]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Admin commands:")
	fmt.Fprintln(w, "  create-election")
	fmt.Fprintln(w, "  add-candidate --name <name> [--image url]")
	fmt.Fprintln(w, "  start (--minutes n | --deadline RFC3339)")
	fmt.Fprintln(w, "  end")
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --config")
			}
			configPath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			configPath = strings.TrimPrefix(arg, "--config=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func defaultConfigPath() string {
	if path := strings.TrimSpace(os.Getenv("BALLOT_CONFIG")); path != "" {
		return path
	}
	return "ballot.toml"
}

func keystoreFor(out string) (*crypto.PrivateKey, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	secret, err := passphrase.NewSource(passphrase.DefaultEnv, "new").WithConfirm().Get()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveToKeystore(out, key, secret); err != nil {
		return nil, err
	}
	return key, nil
}
