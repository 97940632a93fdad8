/*
Copyright 2018 The Kubernetes Authors.

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

// Command manager is the operator's entry point (component J followed by
// component I's root loop): it resolves orchestrator access and the
// region/domain, reads the operator secret, constructs every component,
// and runs the tick loop until a termination signal arrives, per
// spec.md §4.I/§4.J/§6.
package main

import (
	"flag"
	"os"
	"regexp"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	vcenteroperatorv1alpha1 "github.com/sapcc/vcenter-operator/apis/vcenteroperator/v1alpha1"
	"github.com/sapcc/vcenter-operator/pkg/configurator"
	"github.com/sapcc/vcenter-operator/pkg/discovery"
	"github.com/sapcc/vcenter-operator/pkg/sso"
	"github.com/sapcc/vcenter-operator/pkg/templateenv"
	"github.com/sapcc/vcenter-operator/pkg/vault"
)

// vcenterHostPattern matches a discovered vCenter host's first DNS label
// (`vc-{az}-{n}`), per
// _examples/original_source/vcenter_operator/cmd.py's registration regex.
var vcenterHostPattern = regexp.MustCompile(`\Avc-[a-z]+-\d+\z`)

func main() {
	dryRun := flag.Bool("dry-run", false, "log intended changes instead of applying them")
	flag.Parse()

	klog.InitFlags(nil)
	ctrl.SetLogger(klog.NewKlogr())
	logger := ctrl.Log.WithName("vcenter-operator")

	if err := run(*dryRun, logger); err != nil {
		logger.Error(err, "fatal startup error")
		os.Exit(1)
	}
}

func run(dryRun bool, logger logr.Logger) error {
	ctx := ctrl.SetupSignalHandler()

	scheme := clientgoscheme.Scheme
	if err := apiextensionsv1.AddToScheme(scheme); err != nil {
		return errors.Wrap(err, "registering apiextensions scheme")
	}
	if err := vcenteroperatorv1alpha1.AddToScheme(scheme); err != nil {
		return errors.Wrap(err, "registering vcenter-operator scheme")
	}

	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return errors.Wrap(err, "resolving orchestrator access")
	}
	incluster := os.Getenv("KUBERNETES_SERVICE_HOST") != ""

	c, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return errors.Wrap(err, "constructing orchestrator client")
	}

	namespace, domain, region, err := resolveIdentity(incluster)
	if err != nil {
		return err
	}

	if err := templateenv.EnsureCRDs(ctx, c); err != nil {
		return errors.Wrap(err, "ensuring CRDs")
	}

	cfg, err := configurator.LoadConfig(ctx, c, namespace, domain, region, dryRun)
	if err != nil {
		return errors.Wrap(err, "loading operator secret")
	}
	cfg.InCluster = incluster

	cf := configurator.New(c, cfg, logger.WithName("configurator"))

	if cfg.Vault != nil {
		vc, err := vault.New(vault.Config{
			Address:     cfg.Vault.URL,
			AppRole:     vault.AppRole{RoleID: cfg.Vault.RoleID, SecretID: cfg.Vault.SecretID},
			MountRead:   cfg.Vault.MountRead,
			MountWrite:  cfg.Vault.MountWrite,
			Constraints: cfg.Vault.Constraints,
			DryRun:      dryRun,
		})
		if err != nil {
			return errors.Wrap(err, "constructing credential store client")
		}
		cf.Vault = vc
	}

	cf.SSO = sso.New(cfg.ADUsername, cfg.ADPassword)

	backend, err := discovery.FindBackend(ctx, c)
	if err != nil {
		logger.Error(err, "mDNS discovery backend not found yet, discovery will retry next tick")
	} else {
		cf.Discoverer = discovery.New(backend, nil)
		cf.Discoverer.Register(&discovery.Pattern{
			Name:     "vcenter",
			Match:    vcenterHostPattern,
			Zone:     domain,
			Callback: cf.OnDiscoveryChange,
		})
	}

	cf.RunForever(ctx)
	return nil
}

func resolveIdentity(incluster bool) (namespace, domain, region string, err error) {
	domain, err = configurator.ResolveDomain()
	if err != nil {
		return "", "", "", errors.Wrap(err, "resolving domain")
	}

	if incluster {
		namespace, err = configurator.InClusterNamespace()
		if err != nil {
			return "", "", "", errors.Wrap(err, "resolving in-cluster namespace")
		}
	} else {
		namespace = "kube-system"
	}

	region, err = configurator.RegionFromDomain(domain)
	if err != nil {
		return "", "", "", errors.Wrap(err, "resolving region")
	}

	return namespace, domain, region, nil
}
