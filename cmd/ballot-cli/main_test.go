package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"ballotsync/cmd/internal/passphrase"
	"ballotsync/crypto"
	"ballotsync/election"
	"ballotsync/explorer"
	"ballotsync/gate"
	"ballotsync/report"
	"ballotsync/session"
	"ballotsync/txn"
)

type stubClient struct {
	snap      session.Snapshot
	voted     uint64
	voteErr   error
	winner    string
	winnerErr error
	events    []election.AuditEvent
	deadline  time.Time
	added     string
	closed    bool
}

func (s *stubClient) Identity() common.Address { return common.HexToAddress("0xaa") }

func (s *stubClient) Snapshot() (session.Snapshot, bool) { return s.snap, true }

func (s *stubClient) Links() explorer.Links { return explorer.Links{Base: "https://explorer.local/"} }

func (s *stubClient) Register(context.Context) (*gate.Result, error) {
	return &gate.Result{Receipt: &txn.Receipt{Hash: common.HexToHash("0x01")}}, nil
}

func (s *stubClient) Vote(_ context.Context, id uint64) (*gate.Result, error) {
	if s.voteErr != nil {
		return nil, s.voteErr
	}
	s.voted = id
	return &gate.Result{Receipt: &txn.Receipt{Hash: common.HexToHash("0x02")}}, nil
}

func (s *stubClient) Winner(context.Context) (string, error) { return s.winner, s.winnerErr }

func (s *stubClient) Audit(context.Context, int) ([]election.AuditEvent, error) {
	return s.events, nil
}

func (s *stubClient) Report(context.Context) (report.Report, error) {
	candidates := []election.Candidate{{ID: 1, Name: "Alice", VoteCount: 2}}
	return report.Build(common.HexToAddress("0xcc"), candidates, 2, "", false, time.Unix(1_700_000_000, 0)), nil
}

func (s *stubClient) AddCandidate(_ context.Context, name, _ string) (uint64, error) {
	s.added = name
	return 3, nil
}

func (s *stubClient) StartVoting(_ context.Context, deadline time.Time) error {
	s.deadline = deadline
	return nil
}

func (s *stubClient) EndVoting(context.Context) error { return nil }

func (s *stubClient) Close() {}

func useStub(t *testing.T, stub *stubClient) {
	t.Helper()
	original := openClient
	openClient = func(context.Context) (client, func(), error) {
		return stub, func() { stub.closed = true }, nil
	}
	t.Cleanup(func() { openClient = original })
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsage(t *testing.T) {
	code, _, stderr := runCLI()
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Usage: ballot-cli")

	code, stdout, _ := runCLI("help")
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "add-candidate --name <name>")

	code, _, stderr = runCLI("recount")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Unknown command: recount")
}

func TestGlobalConfigFlag(t *testing.T) {
	original := configPath
	t.Cleanup(func() { configPath = original })

	rest, err := applyGlobalFlags([]string{"--config", "amoy.toml", "status"})
	require.NoError(t, err)
	require.Equal(t, []string{"status"}, rest)
	require.Equal(t, "amoy.toml", configPath)

	rest, err = applyGlobalFlags([]string{"vote", "--config=local.toml", "--candidate", "1"})
	require.NoError(t, err)
	require.Equal(t, []string{"vote", "--candidate", "1"}, rest)
	require.Equal(t, "local.toml", configPath)

	_, err = applyGlobalFlags([]string{"--config"})
	require.Error(t, err)
}

func TestVoteCommand(t *testing.T) {
	stub := &stubClient{}
	useStub(t, stub)

	code, _, stderr := runCLI("vote")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "--candidate is required")

	code, stdout, _ := runCLI("vote", "--candidate", "2")
	require.Equal(t, 0, code)
	require.EqualValues(t, 2, stub.voted)
	require.Contains(t, stdout, "Voted for candidate 2")
	require.True(t, stub.closed)

	code, _, stderr = runCLI("vote", "--candidate", "2", "extra")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "unexpected positional arguments")
}

func TestErrorsReportKindAndReason(t *testing.T) {
	stub := &stubClient{voteErr: election.NewError(election.ErrAlreadyDone, "vote", "You have already voted", nil)}
	useStub(t, stub)
	code, _, stderr := runCLI("vote", "--candidate", "1")
	require.Equal(t, 1, code)
	require.Equal(t, "Error (already_done): You have already voted\n", stderr)

	stub.voteErr = election.NewError(election.ErrTimeout, "vote", "", nil)
	code, _, stderr = runCLI("vote", "--candidate", "1")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "still pending")
}

func TestWinnerCommand(t *testing.T) {
	stub := &stubClient{winnerErr: election.NewError(election.ErrNotAvailable, "getWinner", "voting has not ended on the ledger", nil)}
	useStub(t, stub)
	code, _, stderr := runCLI("winner")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "not_available")

	stub.winner, stub.winnerErr = "Alice", nil
	code, stdout, _ := runCLI("winner")
	require.Equal(t, 0, code)
	require.Equal(t, "Winner: Alice\n", stdout)
}

func TestStatusCommand(t *testing.T) {
	now := time.Now()
	stub := &stubClient{snap: session.Snapshot{
		Election:   common.HexToAddress("0xcc"),
		Admin:      common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		Identity:   common.HexToAddress("0xaa"),
		Flags:      election.Flags{Started: true, Deadline: now.Add(-time.Minute)},
		VoterCount: 2,
		Record:     election.VoterRecord{IsRegistered: true, HasVoted: true, VotedCandidateID: 1},
		Candidates: []session.CandidateView{
			{Candidate: election.Candidate{ID: 1, Name: "Alice", VoteCount: 2}},
		},
		VotedCandidateName: "Alice",
	}}
	useStub(t, stub)
	code, stdout, _ := runCLI("status")
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "closed")
	require.Contains(t, stdout, "waiting for the admin to end voting")
	require.Contains(t, stdout, "voting closed")
	require.Contains(t, stdout, "0x5FbD...0aa3")
	require.Contains(t, stdout, "https://explorer.local/address/")
	require.Contains(t, stdout, "Your vote:")
	require.Contains(t, stdout, "Alice")
}

func TestAuditCommand(t *testing.T) {
	stub := &stubClient{}
	useStub(t, stub)

	code, _, stderr := runCLI("audit", "--limit", "0")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "--limit must be positive")

	code, stdout, _ := runCLI("audit")
	require.Equal(t, 0, code)
	require.Equal(t, "No votes recorded yet.\n", stdout)

	stub.events = []election.AuditEvent{{
		Kind:        election.EventVoteCast,
		BlockHeight: 42,
		Participant: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		CandidateID: 1,
		ExplorerURL: "https://explorer.local/tx/0x01",
	}}
	code, stdout, _ = runCLI("audit")
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "https://explorer.local/tx/0x01")
	require.Contains(t, stdout, "Vote cast")
	require.Contains(t, stdout, "42")
}

func TestReportCommand(t *testing.T) {
	useStub(t, &stubClient{})

	code, stdout, _ := runCLI("report", "--format", "csv")
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "1,Alice,2")

	code, _, stderr := runCLI("report", "--format", "parquet")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "--out is required for parquet")

	code, _, stderr = runCLI("report", "--format", "pdf")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "unknown format")

	out := filepath.Join(t.TempDir(), "report.parquet")
	code, stdout, _ = runCLI("report", "--format", "parquet", "--out", out)
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "Report written to")
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("PAR1")))
}

func TestAdminCommands(t *testing.T) {
	stub := &stubClient{}
	useStub(t, stub)

	code, _, stderr := runCLI("add-candidate")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "--name is required")
	code, stdout, _ := runCLI("add-candidate", "--name", "Carol")
	require.Equal(t, 0, code)
	require.Equal(t, "Carol", stub.added)
	require.Equal(t, "Candidate 3 added\n", stdout)

	code, _, stderr = runCLI("start")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "--minutes or --deadline is required")
	code, _, stderr = runCLI("start", "--minutes", "5", "--deadline", "2030-01-01T00:00:00Z")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "either")
	code, _, stderr = runCLI("start", "--deadline", "tomorrow")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "invalid --deadline")

	code, stdout, _ = runCLI("start", "--deadline", "2030-01-01T00:00:00Z")
	require.Equal(t, 0, code)
	require.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), stub.deadline.UTC())
	require.Contains(t, stdout, "2030-01-01T00:00:00Z")

	code, stdout, _ = runCLI("end")
	require.Equal(t, 0, code)
	require.Equal(t, "Voting ended\n", stdout)
}

func TestCreateElectionCommand(t *testing.T) {
	original := createElection
	t.Cleanup(func() { createElection = original })
	createElection = func(context.Context) (common.Address, common.Address, error) {
		return common.HexToAddress("0xdd"), common.HexToAddress("0xaa"), nil
	}
	code, stdout, _ := runCLI("create-election")
	require.Equal(t, 0, code)
	require.True(t, strings.HasPrefix(stdout, "Election "+common.HexToAddress("0xdd").Hex()))

	createElection = func(context.Context) (common.Address, common.Address, error) {
		return common.Address{}, common.Address{}, election.NewError(election.ErrUnauthorized, "createElection", "", nil)
	}
	code, _, stderr := runCLI("create-election")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "unauthorized")
}

func TestGenerateKey(t *testing.T) {
	crypto.UseLightScrypt()
	t.Setenv(passphrase.DefaultEnv, "correct horse")
	out := filepath.Join(t.TempDir(), "keys", "voter.json")

	code, stdout, _ := runCLI("generate-key", "--out", out)
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "Keystore: "+out)

	key, err := crypto.LoadFromKeystore(out, "correct horse")
	require.NoError(t, err)
	require.Contains(t, stdout, key.Address().Hex())

	code, _, stderr := runCLI("generate-key", "--out", out)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "already exists")
}
