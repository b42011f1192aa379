package gate

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ballotsync/storage"
)

// Device provisions and asserts per-identity credentials. Only the raw
// credential identifier crosses this boundary; the gate hashes it.
type Device interface {
	Create(ctx context.Context, identity common.Address) ([]byte, error)
	Get(ctx context.Context, identity common.Address, challenge []byte) ([]byte, error)
}

var (
	// ErrNoCredential is returned when an identity has no credential.
	ErrNoCredential = errors.New("gate: no credential for identity")
	// ErrDeviceDeclined is returned when the holder cancels the prompt.
	ErrDeviceDeclined = errors.New("gate: credential prompt declined")
)

// DeviceFuncs adapts two functions to the Device interface.
type DeviceFuncs struct {
	CreateFunc func(ctx context.Context, identity common.Address) ([]byte, error)
	GetFunc    func(ctx context.Context, identity common.Address, challenge []byte) ([]byte, error)
}

// Create implements Device.
func (d DeviceFuncs) Create(ctx context.Context, identity common.Address) ([]byte, error) {
	return d.CreateFunc(ctx, identity)
}

// Get implements Device.
func (d DeviceFuncs) Get(ctx context.Context, identity common.Address, challenge []byte) ([]byte, error) {
	return d.GetFunc(ctx, identity, challenge)
}

// LocalDevice keeps one random credential identifier per identity in a
// key/value store.
type LocalDevice struct {
	db storage.Database
}

// NewLocalDevice returns a device persisting identifiers in db. A nil db
// keeps them in memory.
func NewLocalDevice(db storage.Database) *LocalDevice {
	if db == nil {
		db = storage.NewMemDB()
	}
	return &LocalDevice{db: db}
}

func credentialKey(identity common.Address) []byte {
	return append([]byte("credential/"), identity.Bytes()...)
}

// Create implements Device. Re-creating replaces the identifier.
func (d *LocalDevice) Create(_ context.Context, identity common.Address) ([]byte, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	if err := d.db.Put(credentialKey(identity), raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Get implements Device.
func (d *LocalDevice) Get(_ context.Context, identity common.Address, challenge []byte) ([]byte, error) {
	if len(challenge) == 0 {
		return nil, errors.New("gate: empty challenge")
	}
	raw, err := d.db.Get(credentialKey(identity))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoCredential
	}
	return raw, err
}

// RemoteDevice calls an external credential service over HTTP. The service
// performs the platform ceremony and answers with the raw identifier.
type RemoteDevice struct {
	endpoint string
	apiKey   string
	rpID     string
	client   *http.Client
}

// RemoteDeviceOptions configures a RemoteDevice.
type RemoteDeviceOptions struct {
	Endpoint string
	APIKey   string
	RPID     string
	Timeout  time.Duration
}

// NewRemoteDevice validates options and returns a device.
func NewRemoteDevice(opts RemoteDeviceOptions) (*RemoteDevice, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("credential service endpoint is required")
	}
	rpID := strings.TrimSpace(opts.RPID)
	if rpID == "" {
		return nil, errors.New("credential service RPID is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RemoteDevice{
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(opts.APIKey),
		rpID:     rpID,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type credentialRequest struct {
	Identity  string `json:"identity"`
	RPID      string `json:"rpId"`
	Challenge string `json:"challenge,omitempty"`
}

type credentialResponse struct {
	RawID string `json:"rawId"`
}

// Create implements Device.
func (d *RemoteDevice) Create(ctx context.Context, identity common.Address) ([]byte, error) {
	return d.call(ctx, "/credentials/create", credentialRequest{Identity: identity.Hex(), RPID: d.rpID})
}

// Get implements Device.
func (d *RemoteDevice) Get(ctx context.Context, identity common.Address, challenge []byte) ([]byte, error) {
	return d.call(ctx, "/credentials/get", credentialRequest{
		Identity:  identity.Hex(),
		RPID:      d.rpID,
		Challenge: base64.RawURLEncoding.EncodeToString(challenge),
	})
}

func (d *RemoteDevice) call(ctx context.Context, path string, payload credentialRequest) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode credential request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("create credential request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call credential service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNoCredential
	case http.StatusForbidden, http.StatusConflict:
		return nil, ErrDeviceDeclined
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("credential service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out credentialResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode credential response: %w", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(out.RawID, "="))
	if err != nil {
		return nil, fmt.Errorf("decode credential id: %w", err)
	}
	return raw, nil
}
