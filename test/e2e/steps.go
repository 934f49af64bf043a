// Package e2e runs the SasGenerator controller against a k3s cluster.
//
// A single cluster is started in TestMain and the CRD is installed once.
// Every scenario gets its own namespace, fake issuer and manager.
package e2e

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"github.com/google/uuid"
	sasv1alpha1 "github.com/lukasngl/sas-operator/api/v1alpha1"
	"github.com/lukasngl/sas-operator/internal/config"
	"github.com/lukasngl/sas-operator/internal/controller"
	"github.com/lukasngl/sas-operator/internal/crd"
	"github.com/testcontainers/testcontainers-go/modules/k3s"
	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/yaml"
)

const pollInterval = 500 * time.Millisecond

// Env holds the shared cluster, initialised once in TestMain.
type Env struct {
	Cfg    *rest.Config
	Scheme *runtime.Scheme

	container *k3s.K3sContainer
}

// StartEnv starts k3s and installs the generated CRD.
func StartEnv(ctx context.Context) (*Env, error) {
	container, err := k3s.Run(ctx, "rancher/k3s:v1.31.2-k3s1")
	if err != nil {
		return nil, fmt.Errorf("starting k3s: %w", err)
	}
	env := &Env{container: container}

	kubeconfig, err := container.GetKubeConfig(ctx)
	if err != nil {
		env.Stop(ctx)
		return nil, err
	}
	env.Cfg, err = clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		env.Stop(ctx)
		return nil, err
	}

	env.Scheme = runtime.NewScheme()
	_ = corev1.AddToScheme(env.Scheme)
	_ = sasv1alpha1.AddToScheme(env.Scheme)
	_ = apiextensionsv1.AddToScheme(env.Scheme)

	c, err := client.New(env.Cfg, client.Options{Scheme: env.Scheme})
	if err != nil {
		env.Stop(ctx)
		return nil, err
	}

	crdObj, err := crd.Build()
	if err != nil {
		env.Stop(ctx)
		return nil, err
	}
	if err := c.Create(ctx, crdObj); err != nil && !apierrors.IsAlreadyExists(err) {
		env.Stop(ctx)
		return nil, fmt.Errorf("installing CRD: %w", err)
	}
	if err := waitForCRD(ctx, c, crdObj.Name); err != nil {
		env.Stop(ctx)
		return nil, err
	}

	return env, nil
}

// Stop terminates the cluster.
func (e *Env) Stop(ctx context.Context) {
	if e.container != nil {
		_ = e.container.Terminate(ctx)
	}
}

// Suite holds per-scenario state. Create a fresh instance for each scenario
// in the godog ScenarioInitializer.
type Suite struct {
	Ctx       context.Context
	Cancel    context.CancelFunc
	K8sClient client.Client
	MgrCancel context.CancelFunc
	Namespace string
	Issuer    *FakeIssuer

	env     *Env
	lastErr error
	// tokens remembers the token seen before a forced expiry.
	tokens map[string]string
}

// NewSuite creates a Suite for one scenario.
func NewSuite(env *Env) *Suite {
	return &Suite{
		env:    env,
		Issuer: &FakeIssuer{},
		tokens: map[string]string{},
	}
}

// RegisterSteps binds all BDD steps and lifecycle hooks to sc.
func RegisterSteps(sc *godog.ScenarioContext, s *Suite) {
	sc.Before(s.before)
	sc.After(s.after)

	sc.Given(`^a Kubernetes cluster is running$`, s.aKubernetesClusterIsRunning)
	sc.Given(`^the CRDs are installed$`, s.theCRDsAreInstalled)
	sc.Given(`^the operator is running$`, s.theOperatorIsRunning)
	sc.Given(`^the issuer fails$`, s.theIssuerFails)
	sc.Given(
		`^a Secret "([^"]*)" exists with key "([^"]*)" and value "([^"]*)"$`,
		s.aSecretExistsWithKeyAndValue,
	)

	sc.When(`^I create a SasGenerator "([^"]*)" with:$`, s.iCreateASasGeneratorNamed)
	sc.When(`^I try to create a SasGenerator "([^"]*)" with:$`, s.iTryToCreateASasGeneratorNamed)
	sc.When(`^I expire the token of SasGenerator "([^"]*)"$`, s.iExpireTheTokenOfSasGenerator)
	sc.When(`^I delete the SasGenerator "([^"]*)"$`, s.iDeleteTheSasGenerator)

	sc.Then(`^the operation should have failed$`, s.theOperationShouldHaveFailed)
	sc.Then(
		`^the SasGenerator "([^"]*)" should have a token within (\d+) seconds$`,
		s.theSasGeneratorShouldHaveATokenWithin,
	)
	sc.Then(
		`^the SasGenerator "([^"]*)" should have a new token within (\d+) seconds$`,
		s.theSasGeneratorShouldHaveANewTokenWithin,
	)
	sc.Then(
		`^the SasGenerator "([^"]*)" should have no status for (\d+) seconds$`,
		s.theSasGeneratorShouldHaveNoStatusFor,
	)
	sc.Then(
		`^the SasGenerator "([^"]*)" should have target secret "([^"]*)"$`,
		s.theSasGeneratorShouldHaveTargetSecret,
	)
	sc.Then(`^a Secret "([^"]*)" should exist$`, s.aSecretShouldExist)
	sc.Then(`^the Secret "([^"]*)" should not exist$`, s.theSecretShouldNotExist)
	sc.Then(
		`^the Secret "([^"]*)" should not exist within (\d+) seconds$`,
		s.theSecretShouldNotExistWithin,
	)
	sc.Then(
		`^the Secret "([^"]*)" should contain key "([^"]*)" with value "([^"]*)"$`,
		s.theSecretShouldContainKeyWithValue,
	)
	sc.Then(
		`^the Secret "([^"]*)" should not contain key "([^"]*)"$`,
		s.theSecretShouldNotContainKey,
	)
	sc.Then(
		`^the Secret "([^"]*)" should hold the token of SasGenerator "([^"]*)"$`,
		s.theSecretShouldHoldTheTokenOfSasGenerator,
	)
	sc.Then(
		`^the Secret "([^"]*)" should be controlled by SasGenerator "([^"]*)"$`,
		s.theSecretShouldBeControlledBySasGenerator,
	)
	sc.Then(
		`^the issuer should have been called at least (\d+) times?$`,
		s.theIssuerShouldHaveBeenCalledAtLeast,
	)
}

// --- Lifecycle hooks ---

func (s *Suite) before(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
	s.Ctx, s.Cancel = context.WithTimeout(context.Background(), 2*time.Minute)
	s.Namespace = fmt.Sprintf("test-%s", uuid.New().String()[:8])

	k8sClient, err := client.New(s.env.Cfg, client.Options{Scheme: s.env.Scheme})
	if err != nil {
		return ctx, fmt.Errorf("creating k8s client: %w", err)
	}
	s.K8sClient = k8sClient

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: s.Namespace}}
	if err := s.K8sClient.Create(s.Ctx, ns); err != nil {
		return ctx, fmt.Errorf("creating namespace %s: %w", s.Namespace, err)
	}

	return ctx, nil
}

func (s *Suite) after(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
	if s.MgrCancel != nil {
		s.MgrCancel()
	}
	if s.K8sClient != nil && s.Namespace != "" {
		ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: s.Namespace}}
		_ = s.K8sClient.Delete(
			s.Ctx,
			ns,
			client.PropagationPolicy(metav1.DeletePropagationBackground),
		)
	}
	if s.Cancel != nil {
		s.Cancel()
	}
	return ctx, nil
}

// --- Given steps ---

func (s *Suite) aKubernetesClusterIsRunning(_ context.Context) error {
	if s.env == nil || s.env.Cfg == nil {
		return fmt.Errorf("k3s not started")
	}
	return nil
}

func (s *Suite) theCRDsAreInstalled(_ context.Context) error {
	return waitForCRD(s.Ctx, s.K8sClient, "sasgenerators."+sasv1alpha1.GroupVersion.Group)
}

func (s *Suite) theOperatorIsRunning(_ context.Context) error {
	mgr, err := ctrl.NewManager(s.env.Cfg, ctrl.Options{
		Scheme:  s.env.Scheme,
		Metrics: metricsserver.Options{BindAddress: "0"},
		Cache: cache.Options{
			DefaultNamespaces: map[string]cache.Config{
				s.Namespace: {},
			},
		},
	})
	if err != nil {
		return err
	}

	reconciler := &controller.SasGeneratorReconciler{
		Client: mgr.GetClient(),
		Scheme: mgr.GetScheme(),
		Issuer: s.Issuer,
		Defaults: config.Defaults{
			RenewalHours: config.DefaultRenewalHours,
			TTLHours:     config.DefaultTTLHours,
		},
	}

	if err := reconciler.SetupWithManager(mgr, func(b *builder.Builder) {
		b.Named("sasgenerator-" + s.Namespace)
	}); err != nil {
		return err
	}

	mgrCtx, cancel := context.WithCancel(s.Ctx)
	s.MgrCancel = cancel
	go func() { _ = mgr.Start(mgrCtx) }()

	return nil
}

func (s *Suite) theIssuerFails(_ context.Context) error {
	s.Issuer.SetFailing(true)
	return nil
}

func (s *Suite) aSecretExistsWithKeyAndValue(_ context.Context, name, key, value string) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: s.Namespace},
		Data:       map[string][]byte{key: []byte(value)},
	}
	return s.K8sClient.Create(s.Ctx, secret)
}

// --- When steps ---

// expandDoc expands environment variables in a godog DocString.
func expandDoc(doc *godog.DocString) string {
	return os.ExpandEnv(doc.Content)
}

func (s *Suite) parseGenerator(name string, doc *godog.DocString) (*sasv1alpha1.SasGenerator, error) {
	var gen sasv1alpha1.SasGenerator
	if err := yaml.Unmarshal([]byte(expandDoc(doc)), &gen); err != nil {
		return nil, fmt.Errorf("parsing SasGenerator: %w", err)
	}
	gen.Name = name
	gen.Namespace = s.Namespace
	return &gen, nil
}

func (s *Suite) iCreateASasGeneratorNamed(
	_ context.Context,
	name string,
	doc *godog.DocString,
) error {
	gen, err := s.parseGenerator(name, doc)
	if err != nil {
		return err
	}
	return s.K8sClient.Create(s.Ctx, gen)
}

func (s *Suite) iTryToCreateASasGeneratorNamed(
	_ context.Context,
	name string,
	doc *godog.DocString,
) error {
	gen, err := s.parseGenerator(name, doc)
	if err != nil {
		return err
	}
	s.lastErr = s.K8sClient.Create(s.Ctx, gen)
	return nil
}

func (s *Suite) iExpireTheTokenOfSasGenerator(_ context.Context, name string) error {
	gen, err := s.getGenerator(name)
	if err != nil {
		return err
	}
	if gen.Status == nil || gen.Status.Token == "" {
		return fmt.Errorf("SasGenerator %q has no token to expire", name)
	}

	s.tokens[name] = gen.Status.Token
	gen.Status.Expiry = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	return s.K8sClient.Status().Update(s.Ctx, gen)
}

func (s *Suite) iDeleteTheSasGenerator(_ context.Context, name string) error {
	gen := &sasv1alpha1.SasGenerator{}
	gen.Name = name
	gen.Namespace = s.Namespace
	return s.K8sClient.Delete(
		s.Ctx,
		gen,
		client.PropagationPolicy(metav1.DeletePropagationBackground),
	)
}

// --- Then steps ---

func (s *Suite) theOperationShouldHaveFailed(_ context.Context) error {
	if s.lastErr == nil {
		return fmt.Errorf("expected the operation to fail, but it succeeded")
	}
	return nil
}

func (s *Suite) theSasGeneratorShouldHaveATokenWithin(
	_ context.Context,
	name string,
	seconds int,
) error {
	return s.eventually(seconds, func() error {
		gen, err := s.getGenerator(name)
		if err != nil {
			return err
		}
		if gen.Status == nil || gen.Status.Token == "" {
			return fmt.Errorf("SasGenerator %q has no token", name)
		}
		return nil
	})
}

func (s *Suite) theSasGeneratorShouldHaveANewTokenWithin(
	_ context.Context,
	name string,
	seconds int,
) error {
	old, ok := s.tokens[name]
	if !ok {
		return fmt.Errorf("no previous token recorded for SasGenerator %q", name)
	}
	return s.eventually(seconds, func() error {
		gen, err := s.getGenerator(name)
		if err != nil {
			return err
		}
		if gen.Status == nil || gen.Status.Token == "" || gen.Status.Token == old {
			return fmt.Errorf("SasGenerator %q still has the old token", name)
		}
		expiry, err := time.Parse(time.RFC3339, gen.Status.Expiry)
		if err != nil {
			return err
		}
		if !expiry.After(time.Now()) {
			return fmt.Errorf("SasGenerator %q expiry %s is not in the future", name, gen.Status.Expiry)
		}
		return nil
	})
}

func (s *Suite) theSasGeneratorShouldHaveNoStatusFor(
	_ context.Context,
	name string,
	seconds int,
) error {
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	for time.Now().Before(deadline) {
		gen, err := s.getGenerator(name)
		if err != nil {
			return err
		}
		if gen.Status != nil {
			return fmt.Errorf("SasGenerator %q has status %+v, expected none", name, *gen.Status)
		}
		time.Sleep(pollInterval)
	}
	return nil
}

func (s *Suite) theSasGeneratorShouldHaveTargetSecret(
	_ context.Context,
	name, secret string,
) error {
	gen, err := s.getGenerator(name)
	if err != nil {
		return err
	}
	if gen.Status == nil || gen.Status.TargetSecret != secret {
		return fmt.Errorf("SasGenerator %q target secret is not %q: %+v", name, secret, gen.Status)
	}
	return nil
}

func (s *Suite) aSecretShouldExist(_ context.Context, name string) error {
	_, err := s.getSecret(name)
	return err
}

func (s *Suite) theSecretShouldNotExist(_ context.Context, name string) error {
	_, err := s.getSecret(name)
	if err == nil {
		return fmt.Errorf("secret %q exists but should not", name)
	}
	return client.IgnoreNotFound(err)
}

func (s *Suite) theSecretShouldNotExistWithin(
	_ context.Context,
	name string,
	seconds int,
) error {
	return s.eventually(seconds, func() error {
		_, err := s.getSecret(name)
		if err == nil {
			return fmt.Errorf("secret %q still exists", name)
		}
		return client.IgnoreNotFound(err)
	})
}

func (s *Suite) theSecretShouldContainKeyWithValue(
	_ context.Context,
	name, key, value string,
) error {
	secret, err := s.getSecret(name)
	if err != nil {
		return err
	}
	actual, ok := secret.Data[key]
	if !ok {
		return fmt.Errorf("key %q not found in secret %q", key, name)
	}
	if string(actual) != value {
		return fmt.Errorf("key %q has value %q, expected %q", key, string(actual), value)
	}
	return nil
}

func (s *Suite) theSecretShouldNotContainKey(_ context.Context, name, key string) error {
	secret, err := s.getSecret(name)
	if err != nil {
		return err
	}
	if _, ok := secret.Data[key]; ok {
		return fmt.Errorf("Secret %q still contains key %q", name, key)
	}
	return nil
}

func (s *Suite) theSecretShouldHoldTheTokenOfSasGenerator(
	_ context.Context,
	secretName, name string,
) error {
	gen, err := s.getGenerator(name)
	if err != nil {
		return err
	}
	if gen.Status == nil {
		return fmt.Errorf("SasGenerator %q has no status", name)
	}
	secret, err := s.getSecret(secretName)
	if err != nil {
		return err
	}

	if got := string(secret.Data[controller.KeyToken]); got != gen.Status.Token {
		return fmt.Errorf("secret token %q differs from status token %q", got, gen.Status.Token)
	}
	if got := secret.Annotations[controller.AnnotationExpires]; got != gen.Status.Expiry {
		return fmt.Errorf("secret expiry annotation %q differs from status expiry %q", got, gen.Status.Expiry)
	}
	if !strings.Contains(gen.Status.Token, "sig=") {
		return fmt.Errorf("token %q is not a SAS query string", gen.Status.Token)
	}
	return nil
}

func (s *Suite) theSecretShouldBeControlledBySasGenerator(
	_ context.Context,
	secretName, name string,
) error {
	gen, err := s.getGenerator(name)
	if err != nil {
		return err
	}
	secret, err := s.getSecret(secretName)
	if err != nil {
		return err
	}

	owner := metav1.GetControllerOf(secret)
	if owner == nil {
		return fmt.Errorf("secret %q has no controller", secretName)
	}
	if owner.Kind != "SasGenerator" || owner.Name != name || owner.UID != gen.UID {
		return fmt.Errorf("secret %q is controlled by %s %q", secretName, owner.Kind, owner.Name)
	}
	return nil
}

func (s *Suite) theIssuerShouldHaveBeenCalledAtLeast(_ context.Context, count int) error {
	if actual := s.Issuer.Calls(); actual < count {
		return fmt.Errorf("expected at least %d issue calls, got %d", count, actual)
	}
	return nil
}

// --- Helpers ---

func (s *Suite) getGenerator(name string) (*sasv1alpha1.SasGenerator, error) {
	var gen sasv1alpha1.SasGenerator
	err := s.K8sClient.Get(s.Ctx, client.ObjectKey{Namespace: s.Namespace, Name: name}, &gen)
	return &gen, err
}

func (s *Suite) getSecret(name string) (*corev1.Secret, error) {
	var secret corev1.Secret
	err := s.K8sClient.Get(s.Ctx, client.ObjectKey{Namespace: s.Namespace, Name: name}, &secret)
	return &secret, err
}

// eventually polls check until it returns nil or seconds have passed.
func (s *Suite) eventually(seconds int, check func() error) error {
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	var err error
	for time.Now().Before(deadline) {
		if err = check(); err == nil {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("after %d seconds: %w", seconds, err)
}

func waitForCRD(ctx context.Context, c client.Client, name string) error {
	for i := 0; i < 30; i++ {
		var crdObj apiextensionsv1.CustomResourceDefinition
		if err := c.Get(ctx, client.ObjectKey{Name: name}, &crdObj); err != nil {
			time.Sleep(time.Second)
			continue
		}

		for _, cond := range crdObj.Status.Conditions {
			if cond.Type == apiextensionsv1.Established && cond.Status == apiextensionsv1.ConditionTrue {
				return nil
			}
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("CRD %q not established after 30s", name)
}
