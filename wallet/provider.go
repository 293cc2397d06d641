package wallet

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"tokamak-settlement/api"
	"tokamak-settlement/common"
	"tokamak-settlement/txselector"

	"github.com/dghubble/sling"
	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Provider is the access of a wallet to the node
type Provider interface {
	SubmitTx(ctx context.Context, stx *common.SignedTx) (common.TxID, error)
	TxStatus(ctx context.Context, id common.TxID) (*txselector.PoolTx, error)
	AccountView(ctx context.Context, owner ethCommon.Address) (*common.AccountView, error)
	RequestDeposit(ctx context.Context, req *api.DepositRequest) (*api.Receipt, error)
	RequestExit(ctx context.Context, req *api.ExitRequest) (*api.Receipt, error)
	WithdrawFunds(ctx context.Context, req *api.WithdrawFundsRequest) (*common.FinalizedWithdrawal, error)
}

// HTTPProvider is a Provider talking to the node API
type HTTPProvider struct {
	URL    string
	client *sling.Sling
}

// NewHTTPProvider creates a new HTTPProvider
func NewHTTPProvider(URL string) *HTTPProvider {
	if !strings.HasSuffix(URL, "/") {
		URL += "/"
	}
	return &HTTPProvider{URL: URL, client: sling.New().Base(URL)}
}

// remoteError rebuilds the protocol error of a failed response
func remoteError(status int, res *api.ErrorResponse) error {
	if e, ok := common.ErrorByCode(res.Code); ok {
		return common.Wrap(fmt.Errorf("%w: %s", e, res.Message))
	}
	return common.Wrap(fmt.Errorf("http %d: %s: %s", status, res.Code, res.Message))
}

func (p *HTTPProvider) apiRequest(ctx context.Context, method, path string,
	body interface{}, ret interface{}) error {
	path = strings.TrimPrefix(path, "/")
	s := p.client.New()
	switch method {
	case http.MethodGet:
		s = s.Get(path)
	case http.MethodPost:
		s = s.Post(path).BodyJSON(body)
	default:
		return common.Wrap(fmt.Errorf("invalid http method: %v", method))
	}
	req, err := s.Request()
	if err != nil {
		return common.Wrap(err)
	}
	var errRes api.ErrorResponse
	res, err := p.client.Do(req.WithContext(ctx), &api.Response{Data: ret}, &errRes)
	if err != nil {
		return common.Wrap(err)
	}
	defer res.Body.Close() //nolint:errcheck
	if !(200 <= res.StatusCode && res.StatusCode < 300) {
		return remoteError(res.StatusCode, &errRes)
	}
	return nil
}

// SubmitTx implements Provider
func (p *HTTPProvider) SubmitTx(ctx context.Context, stx *common.SignedTx) (common.TxID, error) {
	wire, err := common.NewWireTx(stx)
	if err != nil {
		return common.TxID{}, common.Wrap(err)
	}
	var res api.SubmitTxResponse
	if err := p.apiRequest(ctx, http.MethodPost, "/v1/transactions", wire, &res); err != nil {
		return common.TxID{}, common.Wrap(err)
	}
	return res.ID, nil
}

// TxStatus implements Provider
func (p *HTTPProvider) TxStatus(ctx context.Context, id common.TxID) (*txselector.PoolTx, error) {
	var tx txselector.PoolTx
	if err := p.apiRequest(ctx, http.MethodGet, "/v1/transactions/"+id.String(), nil, &tx); err != nil {
		return nil, common.Wrap(err)
	}
	return &tx, nil
}

// AccountView implements Provider
func (p *HTTPProvider) AccountView(ctx context.Context, owner ethCommon.Address) (*common.AccountView, error) {
	var view common.AccountView
	if err := p.apiRequest(ctx, http.MethodGet, "/v1/accounts/"+owner.Hex(), nil, &view); err != nil {
		return nil, common.Wrap(err)
	}
	return &view, nil
}

// RequestDeposit implements Provider
func (p *HTTPProvider) RequestDeposit(ctx context.Context, req *api.DepositRequest) (*api.Receipt, error) {
	var receipt api.Receipt
	if err := p.apiRequest(ctx, http.MethodPost, "/v1/deposits", req, &receipt); err != nil {
		return nil, common.Wrap(err)
	}
	return &receipt, nil
}

// RequestExit implements Provider
func (p *HTTPProvider) RequestExit(ctx context.Context, req *api.ExitRequest) (*api.Receipt, error) {
	var receipt api.Receipt
	if err := p.apiRequest(ctx, http.MethodPost, "/v1/exits", req, &receipt); err != nil {
		return nil, common.Wrap(err)
	}
	return &receipt, nil
}

// WithdrawFunds implements Provider
func (p *HTTPProvider) WithdrawFunds(ctx context.Context,
	req *api.WithdrawFundsRequest) (*common.FinalizedWithdrawal, error) {
	var fw common.FinalizedWithdrawal
	if err := p.apiRequest(ctx, http.MethodPost, "/v1/withdrawals", req, &fw); err != nil {
		return nil, common.Wrap(err)
	}
	return &fw, nil
}
