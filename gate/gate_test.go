package gate

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"ballotsync/crypto"
	"ballotsync/election"
	"ballotsync/ledger"
	"ballotsync/ledger/ledgertest"
	"ballotsync/txn"
	"ballotsync/wallet"
)

type staticResolver common.Address

func (r staticResolver) Active(context.Context) (common.Address, error) {
	return common.Address(r), nil
}

type env struct {
	chain    *ledgertest.Chain
	adminKey *ecdsa.PrivateKey
	election common.Address
	voter    common.Address
	orch     *txn.Orchestrator
	device   *LocalDevice
	gate     *Gate
}

func newEnv(t *testing.T, candidates ...string) *env {
	t.Helper()
	chain := ledgertest.NewChain()
	adminKey, admin := ledgertest.NewKey()
	voterKey, voter := ledgertest.NewKey()
	e := &env{
		chain:    chain,
		adminKey: adminKey,
		election: chain.DeployElection(admin),
		voter:    voter,
		device:   NewLocalDevice(nil),
	}
	e.orch = txn.New(chain, wallet.NewKeyProvider(voterKey, chain.ChainIDValue()), voter, txn.WithPollInterval(5*time.Millisecond))
	t.Cleanup(e.orch.Close)
	e.gate = New(chain, staticResolver(e.election), e.orch, e.device, WithClock(chain.Now))
	for _, name := range candidates {
		e.admin(t, "addCandidate", name)
	}
	return e
}

func (e *env) admin(t *testing.T, method string, args ...interface{}) {
	t.Helper()
	data, err := ledger.VotingABI.Pack(method, args...)
	require.NoError(t, err)
	receipt, err := e.chain.Transact(context.Background(), e.adminKey, e.election, data)
	require.NoError(t, err)
	require.EqualValues(t, 1, receipt.Status)
}

func (e *env) start(t *testing.T, d time.Duration) {
	t.Helper()
	e.admin(t, "startVoting", big.NewInt(e.chain.Now().Add(d).Unix()))
}

func TestRegisterOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "Alice")

	res, err := e.gate.Register(ctx, e.voter)
	require.NoError(t, err)
	require.True(t, res.Record.IsRegistered)
	require.NotEqual(t, common.Hash{}, res.Record.CredentialHash)
	sends := e.chain.Sends()

	_, err = e.gate.Register(ctx, e.voter)
	require.ErrorIs(t, err, election.ErrAlreadyDone)
	require.Equal(t, sends, e.chain.Sends(), "no transaction for a repeated registration")
}

func TestConcurrentRegistrationsSubmitOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "Alice")
	base := e.chain.Sends()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.gate.Register(ctx, e.voter)
		}()
	}
	wg.Wait()

	ok, done := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case election.KindOf(err) == election.ErrAlreadyDone:
			done++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, len(errs)-1, done)
	require.Equal(t, base+1, e.chain.Sends())
}

func TestRegisterAfterStartIsWrongPhase(t *testing.T) {
	e := newEnv(t, "Alice")
	e.start(t, time.Hour)

	_, err := e.gate.Register(context.Background(), e.voter)
	require.ErrorIs(t, err, election.ErrWrongPhase)
}

func TestIdentityMustMatchSigner(t *testing.T) {
	e := newEnv(t, "Alice")
	_, other := ledgertest.NewKey()
	_, err := e.gate.Register(context.Background(), other)
	require.ErrorIs(t, err, election.ErrUnauthorized)
}

func TestVoteLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "Alice", "Bob")

	_, err := e.gate.Vote(ctx, e.voter, 1)
	require.ErrorIs(t, err, election.ErrWrongPhase, "not registered yet")

	_, err = e.gate.Register(ctx, e.voter)
	require.NoError(t, err)

	_, err = e.gate.Vote(ctx, e.voter, 1)
	require.ErrorIs(t, err, election.ErrWrongPhase, "voting not started")

	e.start(t, time.Hour)

	_, err = e.gate.Vote(ctx, e.voter, 3)
	require.ErrorIs(t, err, election.ErrWrongPhase, "unknown candidate")
	_, err = e.gate.Vote(ctx, e.voter, 0)
	require.ErrorIs(t, err, election.ErrWrongPhase)

	res, err := e.gate.Vote(ctx, e.voter, 2)
	require.NoError(t, err)
	require.True(t, res.Record.HasVoted)
	require.EqualValues(t, 2, res.Record.VotedCandidateID)

	bob, err := ledger.NewElection(e.chain, e.election).Candidate(ctx, 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, bob.VoteCount)

	sends := e.chain.Sends()
	_, err = e.gate.Vote(ctx, e.voter, 1)
	require.ErrorIs(t, err, election.ErrAlreadyDone)
	require.Equal(t, sends, e.chain.Sends())
}

func TestVoteAfterLocalDeadline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "Alice")
	_, err := e.gate.Register(ctx, e.voter)
	require.NoError(t, err)
	e.start(t, time.Minute)

	e.chain.Advance(2 * time.Minute)
	sends := e.chain.Sends()
	_, err = e.gate.Vote(ctx, e.voter, 1)
	require.ErrorIs(t, err, election.ErrWrongPhase)
	require.Equal(t, sends, e.chain.Sends())
}

func TestCastVoteWithWrongCommitment(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "Alice")
	_, err := e.gate.Register(ctx, e.voter)
	require.NoError(t, err)
	e.start(t, time.Hour)

	wrong, err := crypto.Commit([]byte("someone else"))
	require.NoError(t, err)
	_, err = e.gate.CastVote(ctx, e.voter, 1, wrong)
	require.ErrorIs(t, err, election.ErrUnauthorized)

	_, err = e.gate.CastVote(ctx, e.voter, 1, crypto.Commitment{})
	require.ErrorIs(t, err, election.ErrUnauthorized)

	commitment, err := e.gate.Authenticate(ctx, e.voter)
	require.NoError(t, err)
	_, err = e.gate.CastVote(ctx, e.voter, 1, commitment)
	require.NoError(t, err)
}

func TestCastVoteRequiresAuthenticate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "Alice")
	_, err := e.gate.Register(ctx, e.voter)
	require.NoError(t, err)
	e.start(t, time.Hour)

	// The stored credential hash is public ledger state.
	rec, err := ledger.NewElection(e.chain, e.election).Voter(ctx, e.voter)
	require.NoError(t, err)
	sends := e.chain.Sends()
	_, err = e.gate.CastVote(ctx, e.voter, 1, rec.CredentialHash)
	require.ErrorIs(t, err, election.ErrUnauthorized)
	require.Equal(t, sends, e.chain.Sends())

	after, err := ledger.NewElection(e.chain, e.election).Voter(ctx, e.voter)
	require.NoError(t, err)
	require.False(t, after.HasVoted)
}

func TestAuthenticationTokenIsSingleUse(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "Alice")
	_, err := e.gate.Register(ctx, e.voter)
	require.NoError(t, err)

	// Voting has not started, so the attempt fails but still spends the token.
	commitment, err := e.gate.Authenticate(ctx, e.voter)
	require.NoError(t, err)
	_, err = e.gate.CastVote(ctx, e.voter, 1, commitment)
	require.ErrorIs(t, err, election.ErrWrongPhase)

	e.start(t, time.Hour)
	_, err = e.gate.CastVote(ctx, e.voter, 1, commitment)
	require.ErrorIs(t, err, election.ErrUnauthorized)

	// A mismatched commitment also spends the pending token.
	commitment, err = e.gate.Authenticate(ctx, e.voter)
	require.NoError(t, err)
	wrong, err := crypto.Commit([]byte("someone else"))
	require.NoError(t, err)
	_, err = e.gate.CastVote(ctx, e.voter, 1, wrong)
	require.ErrorIs(t, err, election.ErrUnauthorized)
	_, err = e.gate.CastVote(ctx, e.voter, 1, commitment)
	require.ErrorIs(t, err, election.ErrUnauthorized)

	commitment, err = e.gate.Authenticate(ctx, e.voter)
	require.NoError(t, err)
	res, err := e.gate.CastVote(ctx, e.voter, 1, commitment)
	require.NoError(t, err)
	require.True(t, res.Record.HasVoted)

	_, err = e.gate.CastVote(ctx, e.voter, 1, commitment)
	require.ErrorIs(t, err, election.ErrAlreadyDone)
}

func TestConcurrentVotesAcrossGatesCountOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "Alice", "Bob")
	_, err := e.gate.Register(ctx, e.voter)
	require.NoError(t, err)
	e.start(t, time.Hour)

	// Separate gates do not share the per-identity lock, so only the ledger
	// can arbitrate.
	gates := []*Gate{
		e.gate,
		New(e.chain, staticResolver(e.election), e.orch, e.device, WithClock(e.chain.Now)),
	}
	errs := make([]error, len(gates))
	var wg sync.WaitGroup
	for i, g := range gates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = g.Vote(ctx, e.voter, uint64(i+1))
		}()
	}
	wg.Wait()

	ok, done := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case election.KindOf(err) == election.ErrAlreadyDone:
			done++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, done)

	el := ledger.NewElection(e.chain, e.election)
	var total uint64
	for id := uint64(1); id <= 2; id++ {
		c, err := el.Candidate(ctx, id)
		require.NoError(t, err)
		total += c.VoteCount
	}
	require.EqualValues(t, 1, total)
}

func TestAuthenticateWithoutCredential(t *testing.T) {
	e := newEnv(t)
	_, err := e.gate.Authenticate(context.Background(), e.voter)
	require.ErrorIs(t, err, election.ErrWrongPhase)
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestDeviceFailureIsSignerRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "Alice")
	base := e.chain.Sends()
	e.gate.device = DeviceFuncs{
		CreateFunc: func(context.Context, common.Address) ([]byte, error) { return nil, ErrDeviceDeclined },
		GetFunc:    func(context.Context, common.Address, []byte) ([]byte, error) { return nil, ErrDeviceDeclined },
	}
	_, err := e.gate.Register(ctx, e.voter)
	require.ErrorIs(t, err, election.ErrSignerRejected)
	require.ErrorIs(t, err, ErrDeviceDeclined)
	require.Equal(t, base, e.chain.Sends())
}

func TestRemoteDevice(t *testing.T) {
	raw := []byte("credential-raw-id")
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req credentialRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = append(seen, r.URL.Path+" "+r.Header.Get("Authorization"))
		mu.Unlock()
		if req.Identity == common.HexToAddress("0x02").Hex() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.RPID != "ballot.example" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(credentialResponse{RawID: base64.RawURLEncoding.EncodeToString(raw)})
	}))
	defer srv.Close()

	_, err := NewRemoteDevice(RemoteDeviceOptions{RPID: "ballot.example"})
	require.Error(t, err)
	_, err = NewRemoteDevice(RemoteDeviceOptions{Endpoint: srv.URL})
	require.Error(t, err)

	device, err := NewRemoteDevice(RemoteDeviceOptions{Endpoint: srv.URL + "/", APIKey: "k3y", RPID: "ballot.example"})
	require.NoError(t, err)

	ctx := context.Background()
	got, err := device.Create(ctx, common.HexToAddress("0x01"))
	require.NoError(t, err)
	require.Equal(t, raw, got)

	got, err = device.Get(ctx, common.HexToAddress("0x01"), []byte("challenge"))
	require.NoError(t, err)
	require.Equal(t, raw, got)

	_, err = device.Get(ctx, common.HexToAddress("0x02"), []byte("challenge"))
	require.ErrorIs(t, err, ErrNoCredential)

	declining, err := NewRemoteDevice(RemoteDeviceOptions{Endpoint: srv.URL, RPID: "other.example"})
	require.NoError(t, err)
	_, err = declining.Create(ctx, common.HexToAddress("0x01"))
	require.ErrorIs(t, err, ErrDeviceDeclined)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, seen, "/credentials/create Bearer k3y")
	require.Contains(t, seen, "/credentials/get Bearer k3y")
}

func TestLocalDevicePersistsCredential(t *testing.T) {
	ctx := context.Background()
	d := NewLocalDevice(nil)
	id := common.HexToAddress("0x03")

	_, err := d.Get(ctx, id, []byte("c"))
	require.ErrorIs(t, err, ErrNoCredential)

	created, err := d.Create(ctx, id)
	require.NoError(t, err)
	require.Len(t, created, 32)
	got, err := d.Get(ctx, id, []byte("c"))
	require.NoError(t, err)
	require.Equal(t, created, got)

	_, err = d.Get(ctx, id, nil)
	require.Error(t, err)
}
