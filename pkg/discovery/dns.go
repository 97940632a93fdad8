// Package discovery implements component F: periodic AXFR-based fleet
// discovery of vCenter hosts against an mDNS backend found through the
// orchestrator's Service API, with a per-pattern add/remove diff callback.
// Grounded on _examples/original_source/vcenter_operator/discovery.py
// (SOA-serial short-circuit, per-pattern accumulator/diff, regex-first-
// label matching) translated onto github.com/miekg/dns's AXFR/SOA/TSIG
// client, the library this pack's other examples
// (_examples/other_examples/manifests/{hashicorp-nomad,gardener-gardener,
// marcagbay-tailscale}/go.mod) and the teacher's own go.mod already
// depend on.
package discovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Backend addresses the mDNS DNS server discovery transfers against.
type Backend struct {
	Address string // host:port
}

// TSIGKey configures AXFR/SOA query authentication, per spec.md §4.F.
type TSIGKey struct {
	Name   string // fully-qualified TSIG key name
	Secret string // base64-encoded HMAC-SHA256 secret
}

// Pattern is one registered discovery subscription: names whose first
// label matches Match are reported to Callback.
type Pattern struct {
	Name    string
	Match   *regexp.Regexp
	Zone    string
	Callback func(added, gone []string)
}

// Discoverer polls one DNS zone via AXFR and fans matching names out to
// registered patterns.
type Discoverer struct {
	backend Backend
	tsig    *TSIGKey

	mu          sync.Mutex
	lastSerial  map[string]uint32 // zone -> last observed SOA serial
	patterns    []*Pattern
	accumulator map[string]map[string]bool // pattern name -> currently-seen names
}

// New returns a Discoverer against backend, optionally TSIG-authenticated.
func New(backend Backend, tsig *TSIGKey) *Discoverer {
	return &Discoverer{
		backend:     backend,
		tsig:        tsig,
		lastSerial:  map[string]uint32{},
		accumulator: map[string]map[string]bool{},
	}
}

// Register adds a pattern this discoverer reports matches for. Patterns
// must be registered before the first Poll to receive a diff against an
// empty baseline on first sight.
func (d *Discoverer) Register(p *Pattern) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patterns = append(d.patterns, p)
	if _, ok := d.accumulator[p.Name]; !ok {
		d.accumulator[p.Name] = map[string]bool{}
	}
}

// Poll fetches the zone's SOA; if the serial is unchanged since the last
// poll, it does nothing (spec.md §8: "SOA-serial unchanged => no
// discovery callback"). Otherwise it performs a full AXFR, collects
// A/AAAA/CNAME answers, and diffs the result against each registered
// pattern's accumulator.
func (d *Discoverer) Poll(ctx context.Context, logger logr.Logger, zone string) error {
	serial, err := d.fetchSOASerial(zone)
	if err != nil {
		logger.Error(err, "fetching SOA, leaving state unchanged", "zone", zone)
		return nil
	}

	d.mu.Lock()
	unchanged := d.lastSerial[zone] == serial && d.hasPolled(zone)
	d.mu.Unlock()
	if unchanged {
		return nil
	}

	names, err := d.axfr(zone)
	if err != nil {
		logger.Error(err, "AXFR failed, leaving state unchanged", "zone", zone)
		return nil
	}

	d.mu.Lock()
	d.lastSerial[zone] = serial
	patterns := append([]*Pattern(nil), d.patterns...)
	d.mu.Unlock()

	for _, p := range patterns {
		if p.Zone != "" && p.Zone != zone {
			continue
		}
		d.diffPattern(p, names)
	}
	return nil
}

func (d *Discoverer) hasPolled(zone string) bool {
	_, ok := d.lastSerial[zone]
	return ok
}

// diffPattern keeps one (seen-names) accumulator per pattern, per spec.md
// §9 supplemented feature 4: a pattern with no new answers this transfer
// still receives a (empty, gone) callback if names dropped out.
func (d *Discoverer) diffPattern(p *Pattern, allNames []string) {
	matched := map[string]bool{}
	for _, n := range allNames {
		label := firstLabel(n)
		if p.Match.MatchString(label) {
			matched[n] = true
		}
	}

	d.mu.Lock()
	prev := d.accumulator[p.Name]
	var added, gone []string
	for n := range matched {
		if !prev[n] {
			added = append(added, n)
		}
	}
	for n := range prev {
		if !matched[n] {
			gone = append(gone, n)
		}
	}
	d.accumulator[p.Name] = matched
	d.mu.Unlock()

	if len(added) > 0 {
		p.Callback(added, nil)
	}
	if len(gone) > 0 {
		p.Callback(nil, gone)
	}
}

func firstLabel(fqdn string) string {
	name := strings.TrimSuffix(fqdn, ".")
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		return name[:idx]
	}
	return name
}

func (d *Discoverer) fetchSOASerial(zone string) (uint32, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(zone), dns.TypeSOA)
	d.applyTSIG(m)

	c := new(dns.Client)
	in, _, err := c.Exchange(m, d.backend.Address)
	if err != nil {
		return 0, errors.Wrapf(err, "querying SOA for %q", zone)
	}
	for _, rr := range in.Answer {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Serial, nil
		}
	}
	return 0, errors.Errorf("no SOA record for %q", zone)
}

// axfr performs a full zone transfer and returns every A/AAAA/CNAME owner
// name seen, per spec.md §4.F.
func (d *Discoverer) axfr(zone string) ([]string, error) {
	m := new(dns.Msg)
	m.SetAxfr(dns.Fqdn(zone))
	d.applyTSIG(m)

	t := new(dns.Transfer)
	if d.tsig != nil {
		t.TsigSecret = map[string]string{dns.Fqdn(d.tsig.Name): d.tsig.Secret}
	}

	envelopes, err := t.In(m, d.backend.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "initiating AXFR for %q", zone)
	}

	var names []string
	for env := range envelopes {
		if env.Error != nil {
			return nil, errors.Wrapf(env.Error, "transferring %q", zone)
		}
		for _, rr := range env.RR {
			switch rr.(type) {
			case *dns.A, *dns.AAAA, *dns.CNAME:
				names = append(names, rr.Header().Name)
			}
		}
	}
	return names, nil
}

func (d *Discoverer) applyTSIG(m *dns.Msg) {
	if d.tsig == nil {
		return
	}
	m.SetTsig(dns.Fqdn(d.tsig.Name), dns.HmacSHA256, 300, 0)
}

// BackendFromService derives the mDNS backend address from a discovered
// Kubernetes Service's cluster IP/port, per spec.md §4.F/§6 ("a Service
// labeled component=mdns,type=backend").
func BackendFromService(clusterIP string, port int32) Backend {
	return Backend{Address: fmt.Sprintf("%s:%d", clusterIP, port)}
}
