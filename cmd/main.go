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

package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"os"

	sasv1alpha1 "github.com/lukasngl/sas-operator/api/v1alpha1"
	"github.com/lukasngl/sas-operator/internal/config"
	"github.com/lukasngl/sas-operator/internal/controller"
	"github.com/lukasngl/sas-operator/internal/crd"
	"github.com/lukasngl/sas-operator/internal/sas"
	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"

	// Import for auth plugins
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error running operator: %v\n", err)
		os.Exit(1)
	}
}

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")

	// CommandLine flags

	kubeContext = pflag.String(
		"context",
		"",
		"Kubernetes context to use (uses current context if empty)",
	)
	metricsAddr = pflag.String(
		"metrics-bind-address",
		":8080",
		"The address the metric endpoint binds to.",
	)
	probeAddr = pflag.String(
		"health-probe-bind-address",
		":8081",
		"The address the probe endpoint binds to.",
	)
	enableLeaderElection = pflag.Bool(
		"leader-elect",
		false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.",
	)
	secureMetrics = pflag.Bool(
		"metrics-secure",
		false,
		"If set the metrics endpoint is served securely",
	)
	enableHTTP2 = pflag.Bool(
		"enable-http2",
		false,
		"If set, HTTP/2 will be enabled for the metrics server",
	)
	maxConcurrentReconciles = pflag.Int(
		"max-concurrent-reconciles",
		4,
		"Number of SasGenerators reconciled in parallel.",
	)
	reconcileTimeout = pflag.Duration(
		"reconcile-timeout",
		controller.DefaultReconcileTimeout,
		"Upper bound for issuing and publishing a single token.",
	)
	gracefulShutdownTimeout = pflag.Duration(
		"graceful-shutdown-timeout",
		controller.DefaultReconcileTimeout,
		"How long in-flight reconciliations may run after a shutdown signal.",
	)
	endpointSuffix = pflag.String(
		"blob-endpoint-suffix",
		sas.DefaultEndpointSuffix,
		"Blob service endpoint suffix, e.g. blob.core.usgovcloudapi.net for sovereign clouds.",
	)
	failFastAuth = pflag.Bool(
		"issuer-fail-fast-auth",
		false,
		"Do not retry authentication and authorization failures during issuance.",
	)
	generateCRD = pflag.Bool(
		"crd",
		false,
		"Write the CRD YAML and exit.",
	)
	crdOutput = pflag.String(
		"crd-output",
		crd.DefaultOutputPath,
		"Path the CRD YAML is written to with --crd.",
	)
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(sasv1alpha1.AddToScheme(scheme))
}

func run() error {
	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)

	flagDefaults := config.Defaults{
		RenewalHours: config.DefaultRenewalHours,
		TTLHours:     config.DefaultTTLHours,
	}
	flagDefaults.BindFlags(pflag.CommandLine)

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	if *generateCRD {
		if err := crd.Write(*crdOutput); err != nil {
			return err
		}
		fmt.Printf("CRD YAML generated at %s\n", *crdOutput)
		return nil
	}

	defaults := config.FromEnv(os.LookupEnv, setupLog).Override(pflag.CommandLine, flagDefaults)
	if err := defaults.Validate(); err != nil {
		setupLog.Error(err, "invalid token defaults")
		return err
	}
	if defaults.RenewsEveryReconcile() {
		setupLog.Info("renewal window covers the whole token lifetime, tokens are reissued on every reconciliation",
			"renewalHours", defaults.RenewalHours, "ttlHours", defaults.TTLHours)
	}

	// Disable HTTP/2 due to vulnerabilities
	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}

	tlsOpts := []func(*tls.Config){}
	if !*enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	// Use kubeconfig with context override
	clientCfg := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{CurrentContext: *kubeContext},
	)

	cfg, err := clientCfg.ClientConfig()
	if err != nil {
		setupLog.Error(err, "unable to get kubeconfig")
		return err
	}

	mgr, err := ctrl.NewManager(cfg, ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress:   *metricsAddr,
			SecureServing: *secureMetrics,
			TLSOpts:       tlsOpts,
		},
		HealthProbeBindAddress:  *probeAddr,
		LeaderElection:          *enableLeaderElection,
		LeaderElectionID:        "sas-operator.ngl.cx",
		GracefulShutdownTimeout: gracefulShutdownTimeout,
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return err
	}

	issuerOpts := []sas.Option{sas.WithEndpointSuffix(*endpointSuffix)}
	if *failFastAuth {
		issuerOpts = append(issuerOpts, sas.WithFailFastAuth())
	}

	reconciler := &controller.SasGeneratorReconciler{
		Client:           mgr.GetClient(),
		Scheme:           mgr.GetScheme(),
		Issuer:           sas.Instrument(sas.New(issuerOpts...), metrics.Registry),
		Defaults:         defaults,
		Clock:            clock.RealClock{},
		Metrics:          controller.NewMetrics(metrics.Registry),
		ReconcileTimeout: *reconcileTimeout,
	}

	err = reconciler.SetupWithManager(mgr,
		controller.WithMaxConcurrentReconciles(*maxConcurrentReconciles))
	if err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "SasGenerator")
		return err
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return err
	}

	setupLog.Info("starting manager",
		"renewalHours", defaults.RenewalHours,
		"ttlHours", defaults.TTLHours,
		"endpointSuffix", *endpointSuffix)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		return err
	}

	return nil
}
