// Package sas issues user delegation SAS tokens for Azure Blob containers.
package sas

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	operrors "github.com/lukasngl/sas-operator/internal/errors"
	"github.com/lukasngl/sas-operator/internal/retry"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	// ClockSkew back-dates the start of every token so that a service clock
	// running slightly behind still accepts it.
	ClockSkew = 5 * time.Second

	// DefaultEndpointSuffix is the public cloud blob endpoint suffix.
	DefaultEndpointSuffix = "blob.core.windows.net"
)

// Request describes one token to issue.
type Request struct {
	Account   string
	Container string
	TTL       time.Duration
	Now       time.Time
}

// TokenInfo is the result of a successful issuance.
type TokenInfo struct {
	Token     string
	Generated time.Time
	Expiry    time.Time
	// Attempts is the number of attempts it took.
	Attempts int
}

// TokenIssuer issues SAS tokens. Failures are [*operrors.IssuanceError].
type TokenIssuer interface {
	Issue(ctx context.Context, req Request) (*TokenInfo, error)
}

// signFunc performs a single issuance attempt against serviceURL.
type signFunc func(
	ctx context.Context,
	cred azcore.TokenCredential,
	serviceURL, container string,
	start, expiry time.Time,
) (string, error)

// Issuer obtains user delegation keys with the ambient Azure identity and
// signs container SAS tokens with them. It is safe for concurrent use.
type Issuer struct {
	policy         retry.Policy
	endpointSuffix string
	clientOptions  *service.ClientOptions
	newCredential  func() (azcore.TokenCredential, error)
	sign           signFunc

	mu   sync.Mutex
	cred azcore.TokenCredential
}

// Option configures an [Issuer].
type Option func(*Issuer)

// WithPolicy replaces [retry.Default].
func WithPolicy(p retry.Policy) Option {
	return func(i *Issuer) { i.policy = p }
}

// WithEndpointSuffix sets the blob endpoint suffix, e.g.
// "blob.core.usgovcloudapi.net" for sovereign clouds.
func WithEndpointSuffix(suffix string) Option {
	return func(i *Issuer) { i.endpointSuffix = suffix }
}

// WithCredential uses cred instead of [azidentity.DefaultAzureCredential].
func WithCredential(cred azcore.TokenCredential) Option {
	return func(i *Issuer) {
		i.newCredential = func() (azcore.TokenCredential, error) { return cred, nil }
	}
}

// WithClientOptions sets the pipeline options of the blob service client.
func WithClientOptions(o *service.ClientOptions) Option {
	return func(i *Issuer) { i.clientOptions = o }
}

// WithFailFastAuth stops retrying on authentication and authorization
// failures instead of spending the whole retry budget on them.
func WithFailFastAuth() Option {
	return func(i *Issuer) { i.policy.Permanent = IsAuthFailure }
}

// New creates an [Issuer].
func New(opts ...Option) *Issuer {
	i := &Issuer{
		policy:         retry.Default,
		endpointSuffix: DefaultEndpointSuffix,
		newCredential: func() (azcore.TokenCredential, error) {
			return azidentity.NewDefaultAzureCredential(nil)
		},
	}
	i.sign = i.signUserDelegation
	for _, o := range opts {
		o(i)
	}
	return i
}

// Issue mints a token valid from req.Now-[ClockSkew] until req.Now+req.TTL.
// Every attempt fetches a fresh delegation key.
func (i *Issuer) Issue(ctx context.Context, req Request) (*TokenInfo, error) {
	fail := func(attempts int, err error) error {
		return &operrors.IssuanceError{
			Account:   req.Account,
			Container: req.Container,
			Attempts:  attempts,
			Err:       err,
		}
	}

	if req.TTL <= 0 {
		return nil, fail(0, fmt.Errorf("ttl must be positive, got %s", req.TTL))
	}

	cred, err := i.credential()
	if err != nil {
		return nil, fail(0, &operrors.CredentialError{Err: err})
	}

	start := req.Now.Add(-ClockSkew)
	expiry := req.Now.Add(req.TTL)
	serviceURL := i.ServiceURL(req.Account)

	l := log.FromContext(ctx)
	policy := i.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		l.Info("issuance attempt failed, retrying",
			"attempt", attempt, "wait", wait, "error", err.Error())
	}

	var token string
	attempts, err := policy.Do(ctx, func(ctx context.Context) error {
		t, err := i.sign(ctx, cred, serviceURL, req.Container, start, expiry)
		if err != nil {
			return err
		}
		token = t
		return nil
	})
	if err != nil {
		return nil, fail(attempts, err)
	}

	return &TokenInfo{
		Token:     token,
		Generated: req.Now,
		Expiry:    expiry,
		Attempts:  attempts,
	}, nil
}

// ServiceURL returns the blob service endpoint of account.
func (i *Issuer) ServiceURL(account string) string {
	return fmt.Sprintf("https://%s.%s/", account, i.endpointSuffix)
}

// credential returns the cached credential, creating it on first use. A
// failed creation is not cached, so fixing the environment recovers without
// a restart.
func (i *Issuer) credential() (azcore.TokenCredential, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cred != nil {
		return i.cred, nil
	}
	cred, err := i.newCredential()
	if err != nil {
		return nil, err
	}
	i.cred = cred
	return cred, nil
}

// nonRetriable is implemented by azidentity errors that retrying cannot fix,
// such as a missing credential source or rejected client credentials.
type nonRetriable interface {
	error
	NonRetriable()
}

// IsAuthFailure reports errors that cannot resolve by retrying: identity
// errors the SDK marks non-retriable and 401/403 responses.
func IsAuthFailure(err error) bool {
	var nr nonRetriable
	if errors.As(err, &nr) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusUnauthorized ||
			respErr.StatusCode == http.StatusForbidden
	}
	return false
}
