package prover

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"tokamak-settlement/common"
	"tokamak-settlement/log"

	"github.com/dghubble/sling"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ProofInputs are the public inputs of the proof of a committed block
type ProofInputs struct {
	BlockNum   common.BlockNum `json:"blockNum"`
	Circuit    common.Circuit  `json:"circuit"`
	OldRoot    ethCommon.Hash  `json:"oldRoot"`
	NewRoot    ethCommon.Hash  `json:"newRoot"`
	Commitment ethCommon.Hash  `json:"commitment"`
	PackedTxs  hexutil.Bytes   `json:"packedTxs"`
}

// NewProofInputs returns the proof inputs of a committed block
func NewProofInputs(block *common.Block) *ProofInputs {
	return &ProofInputs{
		BlockNum:   block.Num,
		Circuit:    block.Circuit,
		OldRoot:    block.OldRoot,
		NewRoot:    block.NewRoot,
		Commitment: block.Commitment,
		PackedTxs:  block.PackedTxs,
	}
}

// Client is the interface to a ServerProof that calculates proofs
type Client interface {
	// Non-blocking
	CalculateProof(ctx context.Context, inputs *ProofInputs) error
	// Blocking.  Returns the verdict of the proof over its public inputs
	GetProof(ctx context.Context) (*common.ProofVerdict, error)
	// Non-Blocking
	Cancel(ctx context.Context) error
	// Blocking
	WaitReady(ctx context.Context) error
}

// StatusCode is the status string of the ProofServer
type StatusCode string

const (
	// StatusCodeAborted means prover is ready to take new proof. Previous
	// proof was aborted.
	StatusCodeAborted StatusCode = "aborted"
	// StatusCodeBusy means prover is busy computing proof.
	StatusCodeBusy StatusCode = "busy"
	// StatusCodeFailed means prover is ready to take new proof. Previous
	// proof failed
	StatusCodeFailed StatusCode = "failed"
	// StatusCodeSuccess means prover is ready to take new proof. Previous
	// proof succeeded
	StatusCodeSuccess StatusCode = "success"
	// StatusCodeUnverified means prover is ready to take new proof.
	// Previous proof was unverified
	StatusCodeUnverified StatusCode = "unverified"
	// StatusCodeUninitialized means prover is not initialized
	StatusCodeUninitialized StatusCode = "uninitialized"
	// StatusCodeUndefined means prover is in an undefined state. Most
	// likely is booting up. Keep trying
	StatusCodeUndefined StatusCode = "undefined"
	// StatusCodeInitializing means prover is initializing and not ready yet
	StatusCodeInitializing StatusCode = "initializing"
	// StatusCodeReady means prover initialized and ready to do first proof
	StatusCodeReady StatusCode = "ready"
)

// IsReady returns true when the Status code is different from busy
func (status StatusCode) IsReady() bool {
	if status == StatusCodeAborted || status == StatusCodeFailed || status == StatusCodeSuccess ||
		status == StatusCodeUnverified || status == StatusCodeReady {
		return true
	}
	return false
}

// IsInitialized returns true when the Status code is different from
// uninitialized, undefined and initializing
func (status StatusCode) IsInitialized() bool {
	if status == StatusCodeUninitialized || status == StatusCodeUndefined ||
		status == StatusCodeInitializing {
		return false
	}
	return true
}

// Status is the return struct for the status API endpoint
type Status struct {
	Status StatusCode `json:"status"`
	// Proof is the JSON encoded verdict of the last proof
	Proof   string `json:"proof"`
	PubData string `json:"pubData"`
}

// ErrorServer is the return struct for an API error
type ErrorServer struct {
	Status  StatusCode `json:"status"`
	Message string     `json:"msg"`
}

// Error message
func (e ErrorServer) Error() string {
	return fmt.Sprintf("server proof status (%v): %v", e.Status, e.Message)
}

type apiMethod string

const (
	// GET is an HTTP GET
	GET apiMethod = "GET"
	// POST is an HTTP POST with maybe JSON body
	POST apiMethod = "POST"
)

// ProofServerClient contains the data related to a ProofServerClient
type ProofServerClient struct {
	URL          string
	client       *sling.Sling
	pollInterval time.Duration
}

// NewProofServerClient creates a new ProofServerClient
func NewProofServerClient(URL string, pollInterval time.Duration) *ProofServerClient {
	if !strings.HasSuffix(URL, "/") {
		URL += "/"
	}
	client := sling.New().Base(URL)
	return &ProofServerClient{URL: URL, client: client, pollInterval: pollInterval}
}

func (p *ProofServerClient) apiRequest(ctx context.Context, method apiMethod, path string,
	body interface{}, ret interface{}) error {
	path = strings.TrimPrefix(path, "/")
	var errSrv ErrorServer
	var req *http.Request
	var err error
	switch method {
	case GET:
		req, err = p.client.New().Get(path).Request()
	case POST:
		req, err = p.client.New().Post(path).BodyJSON(body).Request()
	default:
		return common.Wrap(fmt.Errorf("invalid http method: %v", method))
	}
	if err != nil {
		return common.Wrap(err)
	}
	res, err := p.client.Do(req.WithContext(ctx), ret, &errSrv)
	if err != nil {
		return common.Wrap(err)
	}
	defer res.Body.Close() //nolint:errcheck
	if !(200 <= res.StatusCode && res.StatusCode < 300) {
		return common.Wrap(errSrv)
	}
	return nil
}

func (p *ProofServerClient) apiStatus(ctx context.Context) (*Status, error) {
	var status Status
	return &status, common.Wrap(p.apiRequest(ctx, GET, "/status", nil, &status))
}

func (p *ProofServerClient) apiCancel(ctx context.Context) error {
	return common.Wrap(p.apiRequest(ctx, POST, "/cancel", nil, nil))
}

func (p *ProofServerClient) apiInput(ctx context.Context, inputs *ProofInputs) error {
	return common.Wrap(p.apiRequest(ctx, POST, "/input", inputs, nil))
}

// CalculateProof sends the *ProofInputs to the ServerProof to compute the
// Proof
func (p *ProofServerClient) CalculateProof(ctx context.Context, inputs *ProofInputs) error {
	return common.Wrap(p.apiInput(ctx, inputs))
}

// GetProof retrieves the Proof verdict from the ServerProof, blocking until
// the proof is ready.
func (p *ProofServerClient) GetProof(ctx context.Context) (*common.ProofVerdict, error) {
	if err := p.WaitReady(ctx); err != nil {
		return nil, common.Wrap(err)
	}
	status, err := p.apiStatus(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if status.Status != StatusCodeSuccess {
		return nil, common.Wrap(fmt.Errorf("status != %v, status = %v", StatusCodeSuccess,
			status.Status))
	}
	var verdict common.ProofVerdict
	if err := json.Unmarshal([]byte(status.Proof), &verdict); err != nil {
		return nil, common.Wrap(err)
	}
	return &verdict, nil
}

// Cancel cancels any current proof computation
func (p *ProofServerClient) Cancel(ctx context.Context) error {
	return common.Wrap(p.apiCancel(ctx))
}

// WaitReady waits until the serverProof is ready
func (p *ProofServerClient) WaitReady(ctx context.Context) error {
	for {
		status, err := p.apiStatus(ctx)
		if err != nil {
			return common.Wrap(err)
		}
		if !status.Status.IsInitialized() {
			return common.Wrap(fmt.Errorf("proof server is not initialized"))
		}
		if status.Status.IsReady() {
			return nil
		}
		select {
		case <-ctx.Done():
			return common.Wrap(common.ErrDone)
		case <-time.After(p.pollInterval):
		}
	}
}

// MockClient is a mock ServerProof to be used in tests.  It doesn't calculate
// anything: the verdict of a proof is valid and echoes its inputs.
type MockClient struct {
	mu      sync.Mutex
	counter int64
	inputs  *ProofInputs
	Delay   time.Duration
	// Invalid makes every verdict invalid
	Invalid bool
}

// NewMockClient creates a new mock server prover
func NewMockClient(delay time.Duration) *MockClient {
	return &MockClient{Delay: delay}
}

// CalculateProof sends the *ProofInputs to the ServerProof to compute the
// Proof
func (p *MockClient) CalculateProof(ctx context.Context, inputs *ProofInputs) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	p.inputs = inputs
	log.Debugw("MockClient: proof requested", "block", inputs.BlockNum, "n", p.counter)
	return nil
}

// GetProof retrieves the Proof from the ServerProof
func (p *MockClient) GetProof(ctx context.Context) (*common.ProofVerdict, error) {
	select {
	case <-time.After(p.Delay):
	case <-ctx.Done():
		return nil, common.Wrap(common.ErrDone)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputs == nil {
		return nil, common.Wrap(fmt.Errorf("no proof requested"))
	}
	verdict := &common.ProofVerdict{
		Valid:      !p.Invalid,
		OldRoot:    p.inputs.OldRoot,
		NewRoot:    p.inputs.NewRoot,
		Commitment: p.inputs.Commitment,
	}
	p.inputs = nil
	return verdict, nil
}

// Cancel cancels any current proof computation
func (p *MockClient) Cancel(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = nil
	return nil
}

// WaitReady waits until the prover is ready
func (p *MockClient) WaitReady(ctx context.Context) error {
	return nil
}
