package configurator

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/sapcc/vcenter-operator/pkg/constants"
	"github.com/sapcc/vcenter-operator/pkg/deploy"
	"github.com/sapcc/vcenter-operator/pkg/discovery"
	"github.com/sapcc/vcenter-operator/pkg/inventory"
	"github.com/sapcc/vcenter-operator/pkg/masterpassword"
	"github.com/sapcc/vcenter-operator/pkg/nsxtuser"
	"github.com/sapcc/vcenter-operator/pkg/serviceuser"
	"github.com/sapcc/vcenter-operator/pkg/session"
	"github.com/sapcc/vcenter-operator/pkg/sso"
	"github.com/sapcc/vcenter-operator/pkg/templateenv"
	"github.com/sapcc/vcenter-operator/pkg/vault"
)

// Configurator owns the process-wide global config plus every component's
// entry point and drives component I's tick: F -> (per-host E -> H -> G),
// per spec.md §4.I/§2's data-flow summary.
type Configurator struct {
	Client client.Client
	Config *Config

	Env          *templateenv.Environment
	Templates    *templateenv.TemplateLoader
	ServiceUsers *templateenv.ServiceUserLoader
	Discoverer   *discovery.Discoverer
	Vault        *vault.Client
	SSO          *sso.Client
	State        *serviceuser.State

	// hosts is the fully-qualified host set the discovery callback last
	// reported, and applied is the per-host rendered state from the prior
	// successful tick, kept across ticks for delta computation
	// (SPEC_FULL.md's canonicalization of the per-host deployment-state
	// history as map[string]*deploy.State).
	hosts   map[string]bool
	applied map[string]*deploy.State

	Logger logr.Logger
}

// New builds the root loop with its own template environment, template and
// service-user loaders and deployment state. Discoverer, Vault and SSO are
// left unset for the caller to assign.
func New(c client.Client, cfg *Config, logger logr.Logger) *Configurator {
	env := templateenv.New()
	return &Configurator{
		Client:       c,
		Config:       cfg,
		Env:          env,
		Templates:    templateenv.NewTemplateLoader(c, env),
		ServiceUsers: templateenv.NewServiceUserLoader(c),
		State:        serviceuser.NewState(),
		hosts:        map[string]bool{},
		applied:      map[string]*deploy.State{},
		Logger:       logger,
	}
}

// OnDiscoveryChange is the discovery callback component F drives: it
// updates the known host set component I iterates each tick. The caller
// registers it as a discovery.Pattern's Callback.
func (cf *Configurator) OnDiscoveryChange(added, gone []string) {
	for _, h := range added {
		cf.hosts[h] = true
	}
	for _, h := range gone {
		delete(cf.hosts, h)
		delete(cf.applied, h)
	}
}

// Tick runs one full pass of the root loop, per spec.md §4.I. It never
// returns an error for a per-host failure: those are logged and isolated.
// It returns an error only for tick-wide preconditions (template/loader
// refresh failure), in which case the caller should skip rendering
// entirely for this tick, per spec.md §7's `TemplateLoadingError` policy.
func (cf *Configurator) Tick(ctx context.Context) error {
	logger := cf.Logger

	if err := RefreshConfig(ctx, cf.Client, cf.Config); err != nil {
		logger.Error(err, "refreshing global config")
		return nil
	}

	cells, err := RefreshCells(ctx, cf.Client)
	if err != nil {
		logger.Error(err, "refreshing cell set")
		cells = map[string]interface{}{}
	}

	if cf.Discoverer != nil {
		if err := cf.Discoverer.Poll(ctx, logger, cf.Config.Domain); err != nil {
			logger.Error(err, "discovery poll failed")
		}
	}

	if err := cf.Templates.Poll(ctx, logger); err != nil {
		return errors.Wrap(err, "refreshing templates")
	}

	if cf.Config.ManageServiceUserPasswords {
		if err := cf.ServiceUsers.Poll(ctx); err != nil {
			return errors.Wrap(err, "refreshing service-user declarations")
		}
	}

	if err := cf.observeWorkloads(ctx, logger); err != nil {
		logger.Error(err, "observing workloads")
	}

	globalOptions := cf.globalOptions(cells)

	if err := cf.renderGlobalScope(ctx, logger, globalOptions); err != nil {
		logger.Error(err, "rendering global scope")
	}

	for host := range cf.hosts {
		cf.reconcileHost(ctx, logger.WithValues("host", host), host, globalOptions)
	}

	return nil
}

func (cf *Configurator) globalOptions(cells map[string]interface{}) map[string]interface{} {
	hosts := make([]string, 0, len(cf.hosts))
	for h := range cf.hosts {
		hosts = append(hosts, h)
	}

	options := map[string]interface{}{
		"dry_run":       cf.Config.DryRun,
		"domain":        cf.Config.Domain,
		"region":        cf.Config.Region,
		"own_namespace": cf.Config.Namespace,
		"incluster":     cf.Config.InCluster,
		"cells":         cells,
		"hosts":         hosts,
	}
	for k, v := range cf.Config.Extra {
		options[k] = v
	}
	return options
}

func (cf *Configurator) observeWorkloads(ctx context.Context, logger logr.Logger) error {
	observations, err := ObservePods(ctx, cf.Client, cf.Config.Namespace)
	if err != nil {
		return err
	}
	r := cf.reconciler()
	r.ObservePods(observations)
	return nil
}

func (cf *Configurator) renderGlobalScope(ctx context.Context, logger logr.Logger, options map[string]interface{}) error {
	state, err := deploy.Render(logger, cf.Env, cf.ServiceUsers, templateenv.ScopeGlobal, options,
		cf.State.ServiceUsersSnapshot(), cf.State.LastSeenSnapshot(), cf.Config.Region, "", "")
	if err != nil {
		return err
	}
	prev := cf.applied["_global"]
	delta := deploy.Compute(prev, state)
	if delta.Empty() {
		return nil
	}
	if err := deploy.Apply(ctx, cf.Client, logger, delta); err != nil {
		return err
	}
	cf.applied["_global"] = state
	return nil
}

func (cf *Configurator) reconciler() *serviceuser.Reconciler {
	return &serviceuser.Reconciler{
		Vault:              cf.Vault,
		SSO:                cf.SSO,
		State:              cf.State,
		Region:             cf.Config.Region,
		VaultCheckInterval: cf.Config.VaultCheckInterval,
		MaxTimeNotSeen:     cf.Config.MaxTimeNotSeen,
		DryRun:             cf.Config.DryRun,
	}
}

// reconcileHost runs E -> H -> G for one host, isolating any failure to
// this host alone, per spec.md §4.I/§7.
func (cf *Configurator) reconcileHost(ctx context.Context, logger logr.Logger, host string, globalOptions map[string]interface{}) {
	if session.ShouldSkip(host) {
		logger.V(1).Info("skipping host, still in backoff window")
		return
	}

	password := masterpassword.New(constants.OperatorSecretName, cf.Config.MasterPassword).Derive(masterpassword.Long, host)
	params := session.NewParams().WithServer(host).WithUserInfo(vcenterUsername, password)

	sess, err := session.GetOrCreate(ctx, params)
	if err != nil {
		session.RecordFailure(host)
		logger.Error(err, "vCenter connection failed")
		return
	}
	session.RecordSuccess(host)
	vimClient := sess.Client.Client

	pbmEnabled := inventory.PBMEnabled(stringOption(globalOptions, "pbm_enabled"))
	result, err := inventory.Poll(ctx, vimClient, host, pbmEnabled)
	if err != nil {
		logger.Error(err, "inventory poll failed")
		return
	}

	decls := make([]serviceuser.Declaration, 0, len(cf.ServiceUsers.All()))
	for _, d := range cf.ServiceUsers.All() {
		decls = append(decls, serviceuser.Declaration{Service: d.Service, UsernameTemplate: d.UsernameTemplate})
	}

	// A host maps onto exactly one building block in practice (one
	// vCenter per NSX-T-enabled cluster group); the first NSX-T-enabled
	// cluster's short name is that building block's number, per
	// pkg/inventory's clusterMatch.
	var nsxtClient serviceuser.NSXTClient
	for _, cluster := range result.Clusters {
		if !cluster.NSXTEnabled {
			continue
		}
		c, err := nsxtuser.New(cluster.Name, cf.Config.Region, cf.Config.ADUsername, cf.Config.ADPassword, false)
		if err != nil {
			logger.Error(err, "constructing NSX-T client", "buildingBlock", cluster.Name)
			break
		}
		nsxtClient = c
		break
	}

	r := cf.reconciler()
	if err := r.ReconcileHost(ctx, logger, host, host, vimClient, nsxtClient, decls); err != nil {
		logger.Error(err, "service-user reconciliation failed")
		return
	}

	combined := deploy.NewState()
	serviceUsers := cf.State.ServiceUsersSnapshot()
	lastSeen := cf.State.LastSeenSnapshot()

	for _, cluster := range result.Clusters {
		options := mergeOptions(globalOptions, clusterOptions(cluster))
		state, err := deploy.Render(logger, cf.Env, cf.ServiceUsers, templateenv.ScopeCluster, options,
			serviceUsers, lastSeen, cf.Config.Region, host, host)
		if err != nil {
			logger.Error(err, "rendering cluster scope", "cluster", cluster.ClusterName)
			return
		}
		mergeState(logger, combined, state)
	}

	for _, dc := range result.Datacenters {
		options := mergeOptions(globalOptions, datacenterOptions(dc))
		state, err := deploy.Render(logger, cf.Env, cf.ServiceUsers, templateenv.ScopeDatacenter, options,
			serviceUsers, lastSeen, cf.Config.Region, host, host)
		if err != nil {
			logger.Error(err, "rendering datacenter scope", "zone", dc.AvailabilityZone)
			return
		}
		mergeState(logger, combined, state)
	}

	prev := cf.applied[host]
	delta := deploy.Compute(prev, combined)
	if delta.Empty() {
		return
	}
	if err := deploy.Apply(ctx, cf.Client, logger, delta); err != nil {
		logger.Error(err, "applying rendered state")
		return
	}
	cf.applied[host] = combined
}

func mergeState(logger logr.Logger, into, from *deploy.State) {
	for _, id := range from.Keys() {
		obj, _ := from.Get(id)
		into.Insert(logger, id, obj)
	}
}

func clusterOptions(c inventory.ClusterOptions) map[string]interface{} {
	return map[string]interface{}{
		"name":              c.Name,
		"cluster_name":      c.ClusterName,
		"availability_zone": c.AvailabilityZone,
		"vcenter_name":      c.VCenterName,
		"bridge":            c.Bridge,
		"physical":          c.Physical,
		"datastore_regex":   c.DatastoreRegex,
		"ha_group_regex":    c.HAGroupRegex,
		"nsxt_enabled":      c.NSXTEnabled,
	}
}

func datacenterOptions(d inventory.DatacenterOptions) map[string]interface{} {
	return map[string]interface{}{
		"availability_zone": d.AvailabilityZone,
		"vcenter_name":      d.VCenterName,
	}
}

func stringOption(options map[string]interface{}, key string) string {
	v, ok := options[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func mergeOptions(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// vcenterUsername is the fixed local-account name the operator's own
// derived credential authenticates as, matching the original's
// "vcenter-operator@vsphere.local" convention
// (configurator.py:VCENTER_USER).
const vcenterUsername = "vcenter-operator@vsphere.local"

// RunForever runs Tick on constants.DefaultTickInterval until ctx is
// cancelled, per spec.md §4.I's nominal 10 s cadence and §5's
// cancellation semantics.
func (cf *Configurator) RunForever(ctx context.Context) {
	ticker := time.NewTicker(constants.DefaultTickInterval)
	defer ticker.Stop()

	for {
		if err := cf.Tick(ctx); err != nil {
			cf.Logger.Error(err, "tick aborted")
		}
		select {
		case <-ctx.Done():
			session.Clear()
			return
		case <-ticker.C:
		}
	}
}
