package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	sasv1alpha1 "github.com/lukasngl/sas-operator/api/v1alpha1"
	"github.com/lukasngl/sas-operator/internal/config"
	operrors "github.com/lukasngl/sas-operator/internal/errors"
	"github.com/lukasngl/sas-operator/internal/retry"
	"github.com/lukasngl/sas-operator/internal/sas"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	clocktesting "k8s.io/utils/clock/testing"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

// fakeIssuer returns a deterministic token valid for the requested TTL.
type fakeIssuer struct {
	token  string
	err    error
	calls  []sas.Request
	ctxErr error
}

func (f *fakeIssuer) Issue(ctx context.Context, req sas.Request) (*sas.TokenInfo, error) {
	f.calls = append(f.calls, req)
	f.ctxErr = ctx.Err()
	if f.err != nil {
		return nil, f.err
	}
	return &sas.TokenInfo{
		Token:     f.token,
		Generated: req.Now,
		Expiry:    req.Now.Add(req.TTL),
		Attempts:  1,
	}, nil
}

// calls counts the writes the reconciler makes.
type calls struct {
	creates       int
	updates       int
	statusPatches int
}

func newTestScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	_ = corev1.AddToScheme(s)
	_ = sasv1alpha1.AddToScheme(s)
	return s
}

// newFakeClient builds a fake client that records writes into counts.
// Funcs set in overrides replace the recording ones.
func newFakeClient(counts *calls, overrides interceptor.Funcs, objs ...client.Object) client.WithWatch {
	funcs := interceptor.Funcs{
		Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
			if _, ok := obj.(*corev1.Secret); ok {
				counts.creates++
			}
			return c.Create(ctx, obj, opts...)
		},
		Update: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.UpdateOption) error {
			if _, ok := obj.(*corev1.Secret); ok {
				counts.updates++
			}
			return c.Update(ctx, obj, opts...)
		},
		SubResourcePatch: func(ctx context.Context, c client.Client, subResourceName string, obj client.Object, patch client.Patch, opts ...client.SubResourcePatchOption) error {
			counts.statusPatches++
			return c.SubResource(subResourceName).Patch(ctx, obj, patch, opts...)
		},
	}
	if overrides.Get != nil {
		funcs.Get = overrides.Get
	}
	if overrides.Create != nil {
		funcs.Create = overrides.Create
	}
	if overrides.Update != nil {
		funcs.Update = overrides.Update
	}
	if overrides.SubResourcePatch != nil {
		funcs.SubResourcePatch = overrides.SubResourcePatch
	}

	return fake.NewClientBuilder().
		WithScheme(newTestScheme()).
		WithObjects(objs...).
		WithStatusSubresource(&sasv1alpha1.SasGenerator{}).
		WithInterceptorFuncs(funcs).
		Build()
}

func hours(h int64) *int64 { return &h }

func newGenerator(status *sasv1alpha1.SasGeneratorStatus) *sasv1alpha1.SasGenerator {
	return &sasv1alpha1.SasGenerator{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "backups",
			Namespace: "default",
			UID:       "uid-1",
		},
		Spec: sasv1alpha1.SasGeneratorSpec{
			StorageAccount:  "acct",
			ContainerName:   "backups",
			SasTTLHours:     hours(1),
			SasRenewalHours: hours(1),
		},
		Status: status,
	}
}

func newReconciler(c client.Client, issuer sas.TokenIssuer, metrics *Metrics) *SasGeneratorReconciler {
	return &SasGeneratorReconciler{
		Client:   c,
		Scheme:   newTestScheme(),
		Issuer:   issuer,
		Defaults: config.Defaults{RenewalHours: config.DefaultRenewalHours, TTLHours: config.DefaultTTLHours},
		Clock:    clocktesting.NewFakePassiveClock(t0),
		Metrics:  metrics,
	}
}

var request = ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "backups"}}

func getGenerator(t *testing.T, c client.Client) *sasv1alpha1.SasGenerator {
	t.Helper()
	var gen sasv1alpha1.SasGenerator
	if err := c.Get(context.Background(), request.NamespacedName, &gen); err != nil {
		t.Fatalf("get SasGenerator: %v", err)
	}
	return &gen
}

func getSecret(t *testing.T, c client.Client, name string) *corev1.Secret {
	t.Helper()
	var secret corev1.Secret
	if err := c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: name}, &secret); err != nil {
		t.Fatalf("get Secret %s: %v", name, err)
	}
	return &secret
}

func TestReconcile_IssuesAndPublishes(t *testing.T) {
	var counts calls
	c := newFakeClient(&counts, interceptor.Funcs{}, newGenerator(nil))
	issuer := &fakeIssuer{token: "sv=2024&sig=abc"}
	r := newReconciler(c, issuer, nil)

	result, err := r.Reconcile(context.Background(), request)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.RequeueAfter != IdleRequeue {
		t.Errorf("RequeueAfter = %v, want %v", result.RequeueAfter, IdleRequeue)
	}

	if len(issuer.calls) != 1 {
		t.Fatalf("issuer called %d times, want 1", len(issuer.calls))
	}
	if req := issuer.calls[0]; req.Account != "acct" || req.Container != "backups" || req.TTL != time.Hour || !req.Now.Equal(t0) {
		t.Errorf("unexpected request: %+v", req)
	}

	status := getGenerator(t, c).Status
	if status == nil {
		t.Fatal("status was not written")
	}
	if status.Token != "sv=2024&sig=abc" {
		t.Errorf("status.token = %q", status.Token)
	}
	if status.TargetSecret != "sas-acct-backups" {
		t.Errorf("status.targetSecret = %q", status.TargetSecret)
	}
	if status.Generated != "2025-06-01T08:00:00Z" {
		t.Errorf("status.generated = %q", status.Generated)
	}
	if status.Expiry != "2025-06-01T09:00:00Z" {
		t.Errorf("status.expiry = %q", status.Expiry)
	}

	secret := getSecret(t, c, "sas-acct-backups")
	if got := string(secret.Data[KeyToken]); got != status.Token {
		t.Errorf("secret token = %q, want %q", got, status.Token)
	}
	if string(secret.Data[KeyAccount]) != "acct" || string(secret.Data[KeyContainer]) != "backups" {
		t.Errorf("unexpected secret data: %v", secret.Data)
	}
	if secret.Labels[LabelManagedBy] != FieldOwner || secret.Labels[LabelAccount] != "acct" || secret.Labels[LabelContainer] != "backups" {
		t.Errorf("unexpected labels: %v", secret.Labels)
	}
	if secret.Annotations[AnnotationExpires] != status.Expiry || secret.Annotations[AnnotationGenerated] != status.Generated {
		t.Errorf("unexpected annotations: %v", secret.Annotations)
	}
	if secret.Type != corev1.SecretTypeOpaque {
		t.Errorf("type = %q", secret.Type)
	}

	if len(secret.OwnerReferences) != 1 {
		t.Fatalf("owner references = %v", secret.OwnerReferences)
	}
	owner := secret.OwnerReferences[0]
	if owner.Kind != "SasGenerator" || owner.Name != "backups" || owner.UID != "uid-1" || owner.Controller == nil || !*owner.Controller {
		t.Errorf("unexpected owner reference: %+v", owner)
	}

	if counts.creates != 1 || counts.updates != 0 || counts.statusPatches != 1 {
		t.Errorf("writes = %+v, want one create and one status patch", counts)
	}
}

func TestReconcile_TokenStillValid(t *testing.T) {
	var counts calls
	gen := newGenerator(&sasv1alpha1.SasGeneratorStatus{
		Token:        "current",
		TargetSecret: "sas-acct-backups",
		Generated:    t0.Format(time.RFC3339),
		Expiry:       t0.Add(10 * time.Hour).Format(time.RFC3339),
	})
	c := newFakeClient(&counts, interceptor.Funcs{}, gen)
	issuer := &fakeIssuer{token: "new"}
	metrics := NewMetrics(prometheus.NewRegistry())
	r := newReconciler(c, issuer, metrics)

	result, err := r.Reconcile(context.Background(), request)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.RequeueAfter != IdleRequeue {
		t.Errorf("RequeueAfter = %v, want %v", result.RequeueAfter, IdleRequeue)
	}
	if len(issuer.calls) != 0 {
		t.Errorf("issuer called %d times, want 0", len(issuer.calls))
	}
	if counts != (calls{}) {
		t.Errorf("writes = %+v, want none", counts)
	}
	if got := getGenerator(t, c).Status.Token; got != "current" {
		t.Errorf("status.token = %q, want unchanged", got)
	}
	want := float64(t0.Add(10 * time.Hour).Unix())
	if got := testutil.ToFloat64(metrics.TokenExpiry.WithLabelValues("default", "backups")); got != want {
		t.Errorf("expiry gauge = %v, want %v", got, want)
	}
}

func TestReconcile_RenewsWithinWindow(t *testing.T) {
	tests := []struct {
		name    string
		expiry  string
		renewal int64
	}{
		{name: "inside window", expiry: t0.Add(30 * time.Minute).Format(time.RFC3339), renewal: 1},
		{name: "expired", expiry: t0.Add(-time.Hour).Format(time.RFC3339), renewal: 1},
		{name: "unparsable", expiry: "not-a-timestamp", renewal: 1},
		{name: "expired with oversized window", expiry: t0.Add(-time.Hour).Format(time.RFC3339), renewal: 3_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var counts calls
			gen := newGenerator(&sasv1alpha1.SasGeneratorStatus{
				Token:        "old",
				TargetSecret: "sas-acct-backups",
				Expiry:       tt.expiry,
			})
			gen.Spec.SasRenewalHours = hours(tt.renewal)
			c := newFakeClient(&counts, interceptor.Funcs{}, gen)
			issuer := &fakeIssuer{token: "new"}
			r := newReconciler(c, issuer, nil)

			if _, err := r.Reconcile(context.Background(), request); err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if len(issuer.calls) != 1 {
				t.Fatalf("issuer called %d times, want 1", len(issuer.calls))
			}
			status := getGenerator(t, c).Status
			if status.Token != "new" || status.Expiry != "2025-06-01T09:00:00Z" {
				t.Errorf("unexpected status: %+v", status)
			}
		})
	}
}

func TestReconcile_IssuanceFailure(t *testing.T) {
	var counts calls
	c := newFakeClient(&counts, interceptor.Funcs{}, newGenerator(nil))

	cause := errors.New("service unavailable")
	policy := retry.Policy{Initial: time.Millisecond, Multiplier: 2, Max: time.Millisecond, MaxAttempts: 5}
	attempts, err := policy.Do(context.Background(), func(context.Context) error { return cause })
	issuer := &fakeIssuer{err: &operrors.IssuanceError{
		Account: "acct", Container: "backups", Attempts: attempts, Err: err,
	}}
	metrics := NewMetrics(prometheus.NewRegistry())
	r := newReconciler(c, issuer, metrics)

	result, err := r.Reconcile(context.Background(), request)
	if err != nil {
		t.Fatalf("Reconcile returned error %v, want nil", err)
	}
	if result.RequeueAfter != ErrorRequeue {
		t.Errorf("RequeueAfter = %v, want %v", result.RequeueAfter, ErrorRequeue)
	}
	if attempts != 5 {
		t.Errorf("attempts = %d, want 5", attempts)
	}
	if getGenerator(t, c).Status != nil {
		t.Error("status must not be written on failure")
	}
	var secret corev1.Secret
	err = c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "sas-acct-backups"}, &secret)
	if !apierrors.IsNotFound(err) {
		t.Errorf("secret lookup err = %v, want NotFound", err)
	}
	if counts != (calls{}) {
		t.Errorf("writes = %+v, want none", counts)
	}
	if got := testutil.ToFloat64(metrics.ReconcileErrors.WithLabelValues(operrors.KindIssuance)); got != 1 {
		t.Errorf("reconcile_errors_total{issuance} = %v, want 1", got)
	}
}

func TestReconcile_ExistingSecretOverwritten(t *testing.T) {
	var counts calls
	existing := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "sas-acct-backups",
			Namespace:   "default",
			Labels:      map[string]string{"team": "storage"},
			Annotations: map[string]string{"note": "keep"},
		},
		Data: map[string][]byte{
			KeyToken: []byte("stale"),
			"extra":  []byte("left over"),
		},
	}
	c := newFakeClient(&counts, interceptor.Funcs{}, newGenerator(nil), existing)
	r := newReconciler(c, &fakeIssuer{token: "fresh"}, nil)

	if _, err := r.Reconcile(context.Background(), request); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	secret := getSecret(t, c, "sas-acct-backups")
	if got := string(secret.Data[KeyToken]); got != "fresh" {
		t.Errorf("token = %q, want fresh", got)
	}
	if _, ok := secret.Data["extra"]; ok {
		t.Error("stale data key survived the overwrite")
	}
	if len(secret.Data) != 3 {
		t.Errorf("data keys = %d, want 3", len(secret.Data))
	}
	if secret.Labels["team"] != "storage" || secret.Labels[LabelManagedBy] != FieldOwner {
		t.Errorf("labels = %v", secret.Labels)
	}
	if secret.Annotations["note"] != "keep" || secret.Annotations[AnnotationExpires] == "" {
		t.Errorf("annotations = %v", secret.Annotations)
	}
	if len(secret.OwnerReferences) != 1 || secret.OwnerReferences[0].UID != "uid-1" {
		t.Errorf("owner references = %v", secret.OwnerReferences)
	}
	if counts.creates != 0 || counts.updates != 1 {
		t.Errorf("writes = %+v, want one update and no create", counts)
	}
}

func TestEnsureSecret_OwnedByOtherController(t *testing.T) {
	var counts calls
	isController := true
	gen := newGenerator(nil)
	existing := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "out",
			Namespace: "default",
			OwnerReferences: []metav1.OwnerReference{{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       "other",
				UID:        "uid-other",
				Controller: &isController,
			}},
		},
		Data: map[string][]byte{KeyToken: []byte("theirs")},
	}
	c := newFakeClient(&counts, interceptor.Funcs{}, gen, existing)
	r := newReconciler(c, &fakeIssuer{}, nil)
	info := &sas.TokenInfo{Token: "tok", Generated: t0, Expiry: t0.Add(time.Hour)}

	err := r.ensureSecret(context.Background(), gen, desiredSecret(gen, "out", info))
	var applyErr *operrors.ApplyError
	if !errors.As(err, &applyErr) {
		t.Fatalf("err = %v, want ApplyError", err)
	}
	if counts.updates != 0 {
		t.Errorf("updates = %d, want 0", counts.updates)
	}
	if got := string(getSecret(t, c, "out").Data[KeyToken]); got != "theirs" {
		t.Errorf("token = %q, want untouched", got)
	}
}

func TestEnsureSecret_Idempotent(t *testing.T) {
	var counts calls
	gen := newGenerator(nil)
	c := newFakeClient(&counts, interceptor.Funcs{}, gen)
	r := newReconciler(c, &fakeIssuer{}, nil)
	info := &sas.TokenInfo{Token: "tok", Generated: t0, Expiry: t0.Add(time.Hour)}

	ctx := context.Background()
	if err := r.ensureSecret(ctx, gen, desiredSecret(gen, "out", info)); err != nil {
		t.Fatalf("first ensureSecret: %v", err)
	}
	first := getSecret(t, c, "out")

	if err := r.ensureSecret(ctx, gen, desiredSecret(gen, "out", info)); err != nil {
		t.Fatalf("second ensureSecret: %v", err)
	}
	second := getSecret(t, c, "out")

	if counts.creates != 1 || counts.updates != 0 {
		t.Errorf("writes = %+v, want one create and no update", counts)
	}
	if string(first.Data[KeyToken]) != string(second.Data[KeyToken]) {
		t.Error("data changed between identical ensures")
	}
	for k, v := range first.Labels {
		if second.Labels[k] != v {
			t.Errorf("label %s changed: %q -> %q", k, v, second.Labels[k])
		}
	}
	for k, v := range first.Annotations {
		if second.Annotations[k] != v {
			t.Errorf("annotation %s changed: %q -> %q", k, v, second.Annotations[k])
		}
	}
	if len(second.OwnerReferences) != 1 {
		t.Errorf("owner references = %v", second.OwnerReferences)
	}
}

func TestReconcile_PinnedSecretName(t *testing.T) {
	var counts calls
	gen := newGenerator(&sasv1alpha1.SasGeneratorStatus{
		Token:        "old",
		TargetSecret: "pinned",
		Expiry:       t0.Add(-time.Minute).Format(time.RFC3339),
	})
	gen.Spec.SecretName = "renamed"
	c := newFakeClient(&counts, interceptor.Funcs{}, gen)
	r := newReconciler(c, &fakeIssuer{token: "new"}, nil)

	if _, err := r.Reconcile(context.Background(), request); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if got := string(getSecret(t, c, "pinned").Data[KeyToken]); got != "new" {
		t.Errorf("pinned secret token = %q, want new", got)
	}
	var renamed corev1.Secret
	err := c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "renamed"}, &renamed)
	if !apierrors.IsNotFound(err) {
		t.Errorf("renamed secret lookup err = %v, want NotFound", err)
	}
	if got := getGenerator(t, c).Status.TargetSecret; got != "pinned" {
		t.Errorf("status.targetSecret = %q, want pinned", got)
	}
}

func TestReconcile_NotFound(t *testing.T) {
	var counts calls
	c := newFakeClient(&counts, interceptor.Funcs{})
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.TokenExpiry.WithLabelValues("default", "backups").Set(1)
	issuer := &fakeIssuer{}
	r := newReconciler(c, issuer, metrics)

	result, err := r.Reconcile(context.Background(), request)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result != (ctrl.Result{}) {
		t.Errorf("result = %+v, want empty", result)
	}
	if len(issuer.calls) != 0 {
		t.Error("issuer must not be called for a deleted resource")
	}
	if n := testutil.CollectAndCount(metrics.TokenExpiry); n != 0 {
		t.Errorf("expiry gauge series = %d, want 0", n)
	}
}

func TestReconcile_Failures(t *testing.T) {
	storeErr := errors.New("etcd unavailable")
	gr := schema.GroupResource{Group: "sas.ngl.cx", Resource: "sasgenerators"}

	tests := []struct {
		name          string
		overrides     interceptor.Funcs
		wantKind      string
		wantSecret    bool
		wantNoIssuing bool
	}{
		{
			name: "get generator",
			overrides: interceptor.Funcs{
				Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
					if _, ok := obj.(*sasv1alpha1.SasGenerator); ok {
						return storeErr
					}
					return c.Get(ctx, key, obj, opts...)
				},
			},
			wantKind:      operrors.KindResourceStore,
			wantNoIssuing: true,
		},
		{
			name: "create secret",
			overrides: interceptor.Funcs{
				Create: func(context.Context, client.WithWatch, client.Object, ...client.CreateOption) error {
					return apierrors.NewForbidden(gr, "sas-acct-backups", errors.New("denied"))
				},
			},
			wantKind: operrors.KindApply,
		},
		{
			name: "patch status",
			overrides: interceptor.Funcs{
				SubResourcePatch: func(context.Context, client.Client, string, client.Object, client.Patch, ...client.SubResourcePatchOption) error {
					return apierrors.NewConflict(gr, "backups", errors.New("modified"))
				},
			},
			wantKind: operrors.KindApply,
			// The Secret is published before the status.
			wantSecret: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var counts calls
			c := newFakeClient(&counts, tt.overrides, newGenerator(nil))
			issuer := &fakeIssuer{token: "tok"}
			metrics := NewMetrics(prometheus.NewRegistry())
			r := newReconciler(c, issuer, metrics)

			result, err := r.Reconcile(context.Background(), request)
			if err != nil {
				t.Fatalf("Reconcile returned error %v, want nil", err)
			}
			if result.RequeueAfter != ErrorRequeue {
				t.Errorf("RequeueAfter = %v, want %v", result.RequeueAfter, ErrorRequeue)
			}
			if got := testutil.ToFloat64(metrics.ReconcileErrors.WithLabelValues(tt.wantKind)); got != 1 {
				t.Errorf("reconcile_errors_total{%s} = %v, want 1", tt.wantKind, got)
			}
			if tt.wantNoIssuing && len(issuer.calls) != 0 {
				t.Errorf("issuer called %d times, want 0", len(issuer.calls))
			}
			if tt.wantNoIssuing {
				return
			}

			var secret corev1.Secret
			err = c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "sas-acct-backups"}, &secret)
			if tt.wantSecret && err != nil {
				t.Errorf("secret lookup: %v", err)
			}
			if !tt.wantSecret && !apierrors.IsNotFound(err) {
				t.Errorf("secret lookup err = %v, want NotFound", err)
			}
			if getGenerator(t, c).Status != nil {
				t.Error("status must not be written on failure")
			}
		})
	}
}

func TestReconcile_CompletesAfterCancellation(t *testing.T) {
	var counts calls
	c := newFakeClient(&counts, interceptor.Funcs{}, newGenerator(nil))
	issuer := &fakeIssuer{token: "tok"}
	r := newReconciler(c, issuer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Reconcile(ctx, request); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if issuer.ctxErr != nil {
		t.Errorf("issuer saw ctx error %v, want a live context", issuer.ctxErr)
	}
	if getGenerator(t, c).Status == nil {
		t.Error("in-flight reconciliation did not complete")
	}
}

func TestReconcile_ControllerDefaults(t *testing.T) {
	var counts calls
	gen := newGenerator(nil)
	gen.Spec.SasTTLHours = nil
	gen.Spec.SasRenewalHours = nil
	c := newFakeClient(&counts, interceptor.Funcs{}, gen)
	issuer := &fakeIssuer{token: "tok"}
	r := newReconciler(c, issuer, nil)

	if _, err := r.Reconcile(context.Background(), request); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := issuer.calls[0].TTL; got != 48*time.Hour {
		t.Errorf("TTL = %v, want 48h", got)
	}
	if got := getGenerator(t, c).Status.Expiry; got != "2025-06-03T08:00:00Z" {
		t.Errorf("status.expiry = %q", got)
	}
}
