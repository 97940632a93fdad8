// Package inventory implements the cluster/datastore/network property walk
// of component E: per connected vCenter host, it derives per-cluster and
// per-availability-zone rendering parameters from the inventory. Grounded
// on _examples/original_source/vcenter_operator/configurator.py (_poll,
// filter_spec_context) translated into govmomi's property-collector idiom,
// the way the teacher's pkg/services/govmomi packages use
// github.com/vmware/govmomi/{find,object,property,view} instead of
// hand-rolled SOAP calls.
package inventory

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

var (
	// clusterMatch extracts the building-block number from a cluster name,
	// per spec.md §4.E (note: supersedes the looser original pattern in
	// configurator.py, which didn't require the numeric suffix to start
	// with a nonzero digit or tolerate leading zeros).
	clusterMatch = regexp.MustCompile(`^productionbb0*([1-9][0-9]*)$`)

	ephMatch = regexp.MustCompile(`^eph.*$`)
	hgMatch  = regexp.MustCompile(`.*_hg([ab])$`)
	brMatch  = regexp.MustCompile(`^br-(.*)$`)
)

// ClusterOptions are the per-cluster rendering parameters derived from one
// poll, per spec.md §3.
type ClusterOptions struct {
	Name             string // short form, e.g. "1"
	ClusterName      string
	AvailabilityZone string
	VCenterName      string
	Bridge           string
	Physical         string
	DatastoreRegex   string
	HAGroupRegex     string
	NSXTEnabled      bool
}

// DatacenterOptions are the per-availability-zone rendering parameters.
type DatacenterOptions struct {
	AvailabilityZone string
	VCenterName      string
}

// Result is one host's poll output, per spec.md §4.E.
type Result struct {
	Clusters    map[string]ClusterOptions
	Datacenters map[string]DatacenterOptions
}

// Poll walks vimClient's inventory and returns the clusters/datacenters
// derived from it. vcenterName identifies the host in rendering options;
// pbmEnabled mirrors the global/host option `pbm_enabled`.
func Poll(ctx context.Context, vimClient *vim25.Client, vcenterName string, pbmEnabled bool) (*Result, error) {
	nsxtClusters, err := nsxtEnabledClusters(ctx, vimClient)
	if err != nil {
		return nil, errors.Wrap(err, "detecting NSX-T enabled clusters")
	}

	mgr := view.NewManager(vimClient)
	cv, err := mgr.CreateContainerView(ctx, vimClient.ServiceContent.RootFolder, []string{"ClusterComputeResource"}, true)
	if err != nil {
		return nil, errors.Wrap(err, "creating cluster container view")
	}
	defer func() { _ = cv.Destroy(ctx) }()

	var clusters []mo.ClusterComputeResource
	if err := cv.Retrieve(ctx, []string{"ClusterComputeResource"}, []string{"name", "parent", "datastore", "network"}, &clusters); err != nil {
		return nil, errors.Wrap(err, "retrieving clusters")
	}

	result := &Result{
		Clusters:    map[string]ClusterOptions{},
		Datacenters: map[string]DatacenterOptions{},
	}

	zones := map[string]bool{}
	for _, cluster := range clusters {
		match := clusterMatch.FindStringSubmatch(cluster.Name)
		if match == nil {
			continue
		}

		zone, err := availabilityZone(ctx, vimClient, cluster.Parent)
		if err != nil {
			continue
		}
		zones[zone] = true

		opts := ClusterOptions{
			Name:             strings.ToLower(match[1]),
			ClusterName:      cluster.Name,
			AvailabilityZone: zone,
			VCenterName:      vcenterName,
			NSXTEnabled:      nsxtClusters[cluster.Self],
		}

		if !pbmEnabled {
			opts.DatastoreRegex, opts.HAGroupRegex = datastoreRegexes(ctx, vimClient, cluster.Datastore)
		}

		bridge, physical, ok := bridgeNetwork(ctx, vimClient, cluster.Network)
		if ok {
			opts.Bridge, opts.Physical = bridge, physical
		} else if !opts.NSXTEnabled {
			continue
		}

		result.Clusters[cluster.Name] = opts
	}

	for zone := range zones {
		result.Datacenters[zone] = DatacenterOptions{AvailabilityZone: zone, VCenterName: vcenterName}
	}

	return result, nil
}

// availabilityZone derives the availability zone as the grandparent
// folder's lower-cased name, per spec.md §4.E / the glossary entry.
func availabilityZone(ctx context.Context, c *vim25.Client, clusterParent *types.ManagedObjectReference) (string, error) {
	if clusterParent == nil {
		return "", errors.New("cluster has no parent")
	}
	pc := property.DefaultCollector(c)

	var parent mo.Folder
	if err := pc.RetrieveOne(ctx, *clusterParent, []string{"name", "parent"}, &parent); err != nil {
		return "", err
	}
	if parent.Parent == nil {
		return "", errors.New("cluster parent has no grandparent")
	}

	var grandparent mo.Folder
	if err := pc.RetrieveOne(ctx, *parent.Parent, []string{"name"}, &grandparent); err != nil {
		return "", err
	}
	return strings.ToLower(grandparent.Name), nil
}

// datastoreRegexes builds the ephemeral-datastore regex from the longest
// common prefix of datastores matching ^eph.*, and, if datastores matching
// .*_hg[ab]$ contain both an "a" and a "b" suffix, a high-availability-
// group regex, per spec.md §4.E.
func datastoreRegexes(ctx context.Context, c *vim25.Client, refs []types.ManagedObjectReference) (datastoreRegex, haGroupRegex string) {
	if len(refs) == 0 {
		return "", ""
	}
	pc := property.DefaultCollector(c)
	var datastores []mo.Datastore
	if err := pc.Retrieve(ctx, refs, []string{"name"}, &datastores); err != nil {
		return "", ""
	}

	var ephNames []string
	hgSuffixes := map[string]bool{}
	for _, ds := range datastores {
		if ephMatch.MatchString(ds.Name) {
			ephNames = append(ephNames, ds.Name)
		}
		if m := hgMatch.FindStringSubmatch(ds.Name); m != nil {
			hgSuffixes[m[1]] = true
		}
	}

	datastoreRegex = "^" + commonPrefix(ephNames) + ".*"
	if hgSuffixes["a"] && hgSuffixes["b"] {
		haGroupRegex = `.*_hg[ab]$`
	}
	return datastoreRegex, haGroupRegex
}

// bridgeNetwork returns the lower-cased bridge/physical names parsed from
// the first network matching ^br-(.*)$, per spec.md §4.E. A
// ManagedObjectNotFound-equivalent lookup failure for one network is
// skipped silently, not fatal, matching configurator.py's try/except.
func bridgeNetwork(ctx context.Context, c *vim25.Client, refs []types.ManagedObjectReference) (bridge, physical string, ok bool) {
	if len(refs) == 0 {
		return "", "", false
	}
	pc := property.DefaultCollector(c)
	for _, ref := range refs {
		var network mo.Network
		if err := pc.RetrieveOne(ctx, ref, []string{"name"}, &network); err != nil {
			continue
		}
		if m := brMatch.FindStringSubmatch(network.Name); m != nil {
			return strings.ToLower(m[0]), strings.ToLower(m[1]), true
		}
	}
	return "", "", false
}

// nsxtEnabledClusters returns the set of ClusterComputeResource morefs that
// have at least one ESXi host with an opaque switch configured, per
// configurator.py's NSX-T detection (a broken/disconnected ESXi host
// lacking config.network.opaqueSwitch is skipped, not fatal).
func nsxtEnabledClusters(ctx context.Context, c *vim25.Client) (map[types.ManagedObjectReference]bool, error) {
	mgr := view.NewManager(c)
	hv, err := mgr.CreateContainerView(ctx, c.ServiceContent.RootFolder, []string{"HostSystem"}, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = hv.Destroy(ctx) }()

	var hosts []mo.HostSystem
	if err := hv.Retrieve(ctx, []string{"HostSystem"}, []string{"name", "parent", "config.network.opaqueSwitch"}, &hosts); err != nil {
		return nil, err
	}

	enabled := map[types.ManagedObjectReference]bool{}
	for _, h := range hosts {
		if h.Config == nil || h.Config.Network == nil {
			continue
		}
		if len(h.Config.Network.OpaqueSwitch) > 0 && h.Parent != nil {
			enabled[*h.Parent] = true
		}
	}
	return enabled, nil
}

func commonPrefix(names []string) string {
	if len(names) == 0 {
		return ""
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	first, last := sorted[0], sorted[len(sorted)-1]
	i := 0
	for i < len(first) && i < len(last) && first[i] == last[i] {
		i++
	}
	return first[:i]
}

// PBMEnabled parses the "pbm_enabled" option the same way configurator.py
// does (the literal string "true"), isolated here so the caller can pass a
// typed bool into Poll.
func PBMEnabled(value string) bool {
	return value == "true"
}
