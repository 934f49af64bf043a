/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"time"

	sasv1alpha1 "github.com/lukasngl/sas-operator/api/v1alpha1"
	"github.com/lukasngl/sas-operator/internal/config"
	operrors "github.com/lukasngl/sas-operator/internal/errors"
	"github.com/lukasngl/sas-operator/internal/expiry"
	"github.com/lukasngl/sas-operator/internal/sas"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	// FieldOwner is the field manager used for every write.
	FieldOwner = "sas-operator"

	// IdleRequeue is the requeue delay after a reconciliation that did not
	// fail, whether or not it issued a token.
	IdleRequeue = 15 * time.Second

	// ErrorRequeue is the fixed cool-down after a failed reconciliation.
	ErrorRequeue = 300 * time.Second

	// DefaultReconcileTimeout bounds issuance plus publishing.
	DefaultReconcileTimeout = 2 * time.Minute
)

// SasGeneratorReconciler reconciles a SasGenerator object. It is built once
// at startup and shared read-only by all workers.
type SasGeneratorReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Issuer   sas.TokenIssuer
	Defaults config.Defaults

	// Clock defaults to the real clock.
	Clock clock.PassiveClock
	// Metrics is optional.
	Metrics *Metrics
	// ReconcileTimeout defaults to [DefaultReconcileTimeout].
	ReconcileTimeout time.Duration
}

// Option configures the controller builder in
// [SasGeneratorReconciler.SetupWithManager].
type Option func(*builder.Builder)

// WithMaxConcurrentReconciles sets the number of parallel workers.
func WithMaxConcurrentReconciles(n int) Option {
	return func(b *builder.Builder) {
		b.WithOptions(controller.Options{MaxConcurrentReconciles: n})
	}
}

// +kubebuilder:rbac:groups=sas.ngl.cx,resources=sasgenerators,verbs=get;list;watch
// +kubebuilder:rbac:groups=sas.ngl.cx,resources=sasgenerators/status,verbs=get;update;patch
// +kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch;create;update;patch

// Reconcile issues a new token when the current one is within its renewal
// window and publishes it to the Secret and then to the status. Failures
// are logged and retried after [ErrorRequeue]; they are never written to
// the resource.
func (r *SasGeneratorReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	var gen sasv1alpha1.SasGenerator
	if err := r.Get(ctx, req.NamespacedName, &gen); err != nil {
		if apierrors.IsNotFound(err) {
			r.Metrics.forget(req.NamespacedName)
			return ctrl.Result{}, nil
		}
		return r.fail(ctx, &operrors.ResourceStoreError{Op: "get", Object: req.NamespacedName, Err: err}), nil
	}

	log = log.WithValues("account", gen.Spec.StorageAccount, "container", gen.Spec.ContainerName)
	ctx = ctrl.LoggerInto(ctx, log)
	log.V(1).Info("reconciling SasGenerator", "spec", gen.Spec)

	ttl := expiry.Hours(gen.TTLHours(r.Defaults.TTLHours))
	renewal := expiry.Hours(gen.RenewalHours(r.Defaults.RenewalHours))
	now := r.now()

	decision := expiry.Decide(now, gen.Status, renewal)
	if decision.Reason == expiry.ReasonUnparsableExpiry {
		log.Info("stored expiry is not a valid timestamp, regenerating",
			"expiry", gen.Status.Expiry, "error", decision.ParseErr.Error())
	}
	if !decision.Regenerate {
		r.Metrics.observeExpiry(req.NamespacedName, decision.Expiry)
		log.V(1).Info("token still valid",
			"expiry", decision.Expiry, "remaining", expiry.Remaining(now, decision.Expiry))
		return ctrl.Result{RequeueAfter: IdleRequeue}, nil
	}
	log.Info("regenerating SAS token", "reason", decision.Reason)

	// Once issuance starts the reconciliation runs to completion even if the
	// manager is shutting down.
	workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.reconcileTimeout())
	defer cancel()

	info, err := r.Issuer.Issue(workCtx, sas.Request{
		Account:   gen.Spec.StorageAccount,
		Container: gen.Spec.ContainerName,
		TTL:       ttl,
		Now:       now,
	})
	if err != nil {
		return r.fail(ctx, err), nil
	}

	secretName := gen.TargetSecretName()
	if gen.Spec.SecretName != "" && gen.Spec.SecretName != secretName {
		log.Info("secretName differs from the pinned target secret, keeping the pinned name",
			"secretName", gen.Spec.SecretName, "targetSecret", secretName)
	}

	if err := r.ensureSecret(workCtx, &gen, desiredSecret(&gen, secretName, info)); err != nil {
		return r.fail(ctx, err), nil
	}

	status := &sasv1alpha1.SasGeneratorStatus{
		Token:        info.Token,
		TargetSecret: secretName,
		Generated:    info.Generated.UTC().Format(time.RFC3339),
		Expiry:       info.Expiry.UTC().Format(time.RFC3339),
	}
	if err := r.updateStatus(workCtx, &gen, status); err != nil {
		return r.fail(ctx, err), nil
	}

	r.Metrics.observeExpiry(req.NamespacedName, info.Expiry)
	log.Info("reconciliation complete",
		"secret", secretName,
		"expiry", status.Expiry,
		"remaining", expiry.Remaining(now, info.Expiry))

	return ctrl.Result{RequeueAfter: IdleRequeue}, nil
}

// fail logs err and returns the fixed cool-down. The error itself is not
// returned to controller-runtime, which would otherwise apply its own
// exponential backoff instead of the cool-down.
func (r *SasGeneratorReconciler) fail(ctx context.Context, err error) ctrl.Result {
	kind := operrors.Kind(err)
	log.FromContext(ctx).Error(err, "reconciliation failed",
		"kind", kind, "requeueAfter", ErrorRequeue)
	r.Metrics.recordError(kind)
	return ctrl.Result{RequeueAfter: ErrorRequeue}
}

func (r *SasGeneratorReconciler) now() time.Time {
	if r.Clock == nil {
		return time.Now()
	}
	return r.Clock.Now()
}

func (r *SasGeneratorReconciler) reconcileTimeout() time.Duration {
	if r.ReconcileTimeout <= 0 {
		return DefaultReconcileTimeout
	}
	return r.ReconcileTimeout
}

// SetupWithManager sets up the controller with the Manager.
func (r *SasGeneratorReconciler) SetupWithManager(mgr ctrl.Manager, opts ...Option) error {
	b := ctrl.NewControllerManagedBy(mgr).
		For(&sasv1alpha1.SasGenerator{}).
		Owns(&corev1.Secret{})
	for _, opt := range opts {
		opt(b)
	}
	return b.Complete(r)
}
