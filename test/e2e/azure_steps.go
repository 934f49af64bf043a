package e2e

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"github.com/lukasngl/sas-operator/internal/sas"
)

// azureTestState holds state for live issuance tests.
type azureTestState struct {
	issuer   *sas.Issuer
	info     *sas.TokenInfo
	issueErr error
}

type azureStateKey struct{}

func getAzureState(ctx context.Context) *azureTestState {
	if state, ok := ctx.Value(azureStateKey{}).(*azureTestState); ok {
		return state
	}
	return nil
}

func setAzureState(ctx context.Context, state *azureTestState) context.Context {
	return context.WithValue(ctx, azureStateKey{}, state)
}

// azureEnvVars are the required environment variables for Azure tests.
var azureEnvVars = []string{
	"AZURE_CLIENT_ID",
	"AZURE_CLIENT_SECRET",
	"AZURE_TENANT_ID",
	"TEST_AZURE_STORAGE_ACCOUNT",
	"TEST_AZURE_STORAGE_CONTAINER",
}

// azureConfigured returns true if all required Azure env vars are set.
func azureConfigured() bool {
	for _, v := range azureEnvVars {
		if os.Getenv(v) == "" {
			return false
		}
	}
	return true
}

// RegisterAzureSteps binds the live issuance steps to sc.
func RegisterAzureSteps(sc *godog.ScenarioContext) {
	sc.Given(`^Azure credentials are configured$`, azureCredentialsAreConfigured)
	sc.When(`^I issue a token for the test container valid for (\d+) hours?$`, iIssueATokenForTheTestContainer)
	sc.When(`^I issue a token for container "([^"]*)" of account "([^"]*)"$`, iIssueATokenForContainerOfAccount)
	sc.Then(`^the issuance should succeed$`, theIssuanceShouldSucceed)
	sc.Then(`^the issuance should fail$`, theIssuanceShouldFail)
	sc.Then(`^the token should grant permissions "([^"]*)"$`, theTokenShouldGrantPermissions)
	sc.Then(`^the token should expire in (\d+) hours?$`, theTokenShouldExpireIn)
}

func azureCredentialsAreConfigured(ctx context.Context) (context.Context, error) {
	if !azureConfigured() {
		return ctx, godog.ErrSkip
	}
	state := &azureTestState{issuer: sas.New()}
	return setAzureState(ctx, state), nil
}

func iIssueATokenForTheTestContainer(ctx context.Context, hours int) error {
	state := getAzureState(ctx)
	state.info, state.issueErr = state.issuer.Issue(ctx, sas.Request{
		Account:   os.Getenv("TEST_AZURE_STORAGE_ACCOUNT"),
		Container: os.Getenv("TEST_AZURE_STORAGE_CONTAINER"),
		TTL:       time.Duration(hours) * time.Hour,
		Now:       time.Now(),
	})
	return nil
}

func iIssueATokenForContainerOfAccount(ctx context.Context, container, account string) error {
	state := getAzureState(ctx)
	state.info, state.issueErr = state.issuer.Issue(ctx, sas.Request{
		Account:   os.ExpandEnv(account),
		Container: os.ExpandEnv(container),
		TTL:       time.Hour,
		Now:       time.Now(),
	})
	return nil
}

func theIssuanceShouldSucceed(ctx context.Context) error {
	state := getAzureState(ctx)
	if state.issueErr != nil {
		return fmt.Errorf("expected success, got: %v", state.issueErr)
	}
	if state.info == nil || state.info.Token == "" {
		return fmt.Errorf("expected a token, got nil")
	}
	return nil
}

func theIssuanceShouldFail(ctx context.Context) error {
	state := getAzureState(ctx)
	if state.issueErr == nil {
		return fmt.Errorf("expected issuance to fail, but it succeeded")
	}
	return nil
}

func theTokenShouldGrantPermissions(ctx context.Context, permissions string) error {
	query, err := tokenQuery(getAzureState(ctx))
	if err != nil {
		return err
	}
	if got := query.Get("sp"); got != permissions {
		return fmt.Errorf("token grants %q, expected %q", got, permissions)
	}
	if got := query.Get("spr"); got != "https" {
		return fmt.Errorf("token protocol is %q, expected https", got)
	}
	return nil
}

func theTokenShouldExpireIn(ctx context.Context, hours int) error {
	state := getAzureState(ctx)
	query, err := tokenQuery(state)
	if err != nil {
		return err
	}
	expiry, err := time.Parse(time.RFC3339, query.Get("se"))
	if err != nil {
		return fmt.Errorf("parsing token expiry: %w", err)
	}
	want := state.info.Generated.Add(time.Duration(hours) * time.Hour).Truncate(time.Second)
	if !expiry.Equal(want) {
		return fmt.Errorf("token expires at %s, expected %s", expiry, want)
	}
	return nil
}

func tokenQuery(state *azureTestState) (url.Values, error) {
	if state.info == nil {
		return nil, fmt.Errorf("no token available")
	}
	return url.ParseQuery(strings.TrimPrefix(state.info.Token, "?"))
}
