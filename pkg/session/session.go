// Package session manages the lifecycle of a per-host vCenter connection
// (component E's connection manager): a cached govmomi client keyed by
// host address, liveness re-checks on reuse, a keepalive round-tripper,
// and the linear backoff gate the root loop consults before it
// attempts to reconnect to a host that has recently failed.
package session

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/session"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/soap"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	metricNameSpace            = "session"
	metricLabelServer          = "server"
	metricLabelUsername        = "username"
	metricLabelOperationType   = "operation"
	metricLabelGetOperation    = "get"
	metricLabelCreateOperation = "create"
	metricLabelDeleteOperation = "delete"
	metricLabelSessionKey      = "sessionKey"

	// maxBackoffSteps caps the retry counter used for the backoff formula
	// at spec.md §5: delay = min(retries, maxBackoffSteps) * time.Minute.
	maxBackoffSteps = 10

	defaultKeepAlive = 5 * time.Minute
)

var (
	sessionCache sync.Map // map[string]*Session

	// backoff tracks, per host, the consecutive-failure count and the
	// time before which a reconnect attempt should be skipped.
	backoff   = map[string]*hostBackoff{}
	backoffMU sync.Mutex

	sessionMU sync.Mutex

	sessionCacheMetric = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricNameSpace,
			Name:      "cached_num",
		},
		[]string{},
	)

	sessionOperationMetric = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNameSpace,
			Name:      "operation",
		},
		[]string{metricLabelServer, metricLabelUsername, metricLabelOperationType},
	)
)

type hostBackoff struct {
	retries  int
	notUntil time.Time
}

func init() {
	metrics.Registry.MustRegister(sessionCacheMetric, sessionOperationMetric)
}

// Session wraps an authenticated govmomi client for one vCenter host.
type Session struct {
	*govmomi.Client
}

// Params describe the connection to establish or reuse.
type Params struct {
	server        string
	userinfo      *url.Userinfo
	thumbprint    string
	enableKeepAlive bool
	keepAliveEvery  time.Duration
}

// NewParams returns an empty parameter set with keepalive enabled.
func NewParams() *Params {
	return &Params{enableKeepAlive: true, keepAliveEvery: defaultKeepAlive}
}

// WithServer sets the vCenter host address.
func (p *Params) WithServer(server string) *Params {
	p.server = server
	return p
}

// WithUserInfo sets the login credentials.
func (p *Params) WithUserInfo(username, password string) *Params {
	p.userinfo = url.UserPassword(username, password)
	return p
}

// WithThumbprint pins the expected TLS thumbprint; an empty thumbprint
// disables certificate verification, matching the teacher's behavior for
// hosts that don't carry a pinned cert.
func (p *Params) WithThumbprint(thumbprint string) *Params {
	p.thumbprint = thumbprint
	return p
}

// ShouldSkip reports whether host is still inside its backoff window, per
// spec.md §5: delay = min(retries, 10) * 60s after a connection failure.
func ShouldSkip(host string) bool {
	backoffMU.Lock()
	defer backoffMU.Unlock()
	b, ok := backoff[host]
	if !ok {
		return false
	}
	return time.Now().Before(b.notUntil)
}

// RecordFailure increments host's retry counter and arms its backoff
// window.
func RecordFailure(host string) {
	backoffMU.Lock()
	defer backoffMU.Unlock()
	b, ok := backoff[host]
	if !ok {
		b = &hostBackoff{}
		backoff[host] = b
	}
	b.retries++
	steps := b.retries
	if steps > maxBackoffSteps {
		steps = maxBackoffSteps
	}
	b.notUntil = time.Now().Add(time.Duration(steps) * time.Minute)
}

// RecordSuccess clears host's backoff state.
func RecordSuccess(host string) {
	backoffMU.Lock()
	defer backoffMU.Unlock()
	delete(backoff, host)
}

// GetOrCreate returns a cached, live session for params, or establishes a
// new one.
func GetOrCreate(ctx context.Context, params *Params) (*Session, error) {
	logger := ctrl.LoggerFrom(ctx).WithName("session").WithValues(
		"server", params.server, "username", params.userinfo.Username())
	ctx = ctrl.LoggerInto(ctx, logger)

	sessionMU.Lock()
	defer sessionMU.Unlock()

	userPassword, _ := params.userinfo.Password()
	h := sha256.New()
	h.Write([]byte(userPassword))
	sessionKey := fmt.Sprintf("%s#%s#%x", params.server, params.userinfo.Username(), h.Sum(nil))

	sessionOperationMetric.With(prometheus.Labels{
		metricLabelServer:        params.server,
		metricLabelUsername:      params.userinfo.Username(),
		metricLabelOperationType: metricLabelGetOperation,
	}).Inc()

	if cached, ok := sessionCache.Load(sessionKey); ok {
		s := cached.(*Session)
		userSession, err := s.SessionManager.UserSession(ctx)
		if err != nil {
			logger.Error(err, "unable to check if vim session is active")
		}
		if userSession != nil {
			logger.V(2).Info("found active cached vSphere client session")
			return s, nil
		}
		logger.V(2).Info("logout the session because it is inactive")
		if err := s.Client.Logout(ctx); err != nil {
			logger.Error(err, "unable to logout session")
		}
	}

	sessionOperationMetric.With(prometheus.Labels{
		metricLabelServer:        params.server,
		metricLabelUsername:      params.userinfo.Username(),
		metricLabelOperationType: metricLabelCreateOperation,
	}).Inc()

	urlSafeServer := params.server
	if ip, err := netip.ParseAddr(urlSafeServer); err == nil && ip.Is6() {
		urlSafeServer = fmt.Sprintf("[%s]", urlSafeServer)
	}

	soapURL, err := soap.ParseURL(urlSafeServer)
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing vSphere URL %q", params.server)
	}
	if soapURL == nil {
		return nil, errors.Errorf("error parsing vSphere URL %q", params.server)
	}
	soapURL.User = params.userinfo

	client, err := newClient(ctx, logger, sessionKey, soapURL, params.thumbprint, params)
	if err != nil {
		return nil, err
	}

	s := &Session{Client: client}
	sessionCache.Store(sessionKey, s)
	refreshCacheSize()

	logger.V(2).Info("cached vSphere client session", "server", params.server)
	return s, nil
}

func refreshCacheSize() {
	size := 0
	sessionCache.Range(func(_, _ interface{}) bool {
		size++
		return true
	})
	sessionCacheMetric.With(prometheus.Labels{}).Set(float64(size))
}

func newClient(ctx context.Context, logger logr.Logger, sessionKey string, u *url.URL, thumbprint string, params *Params) (*govmomi.Client, error) {
	insecure := thumbprint == ""
	soapClient := soap.NewClient(u, insecure)
	if !insecure {
		soapClient.SetThumbprint(u.Host, thumbprint)
	}

	vimClient, err := vim25.NewClient(ctx, soapClient)
	if err != nil {
		return nil, err
	}
	vimClient.UserAgent = "vcenter-operator"

	c := &govmomi.Client{
		Client:         vimClient,
		SessionManager: session.NewManager(vimClient),
	}

	if params.enableKeepAlive {
		vimClient.RoundTripper = session.KeepAliveHandler(vimClient.RoundTripper, params.keepAliveEvery, func(tripper soap.RoundTripper) error {
			_, err := methods.GetCurrentTime(ctx, tripper)
			if err != nil {
				logger.Error(err, "failed to keep alive govmomi client, clearing cached session")
				sessionOperationMetric.With(prometheus.Labels{
					metricLabelSessionKey:    sessionKey,
					metricLabelOperationType: metricLabelDeleteOperation,
				}).Inc()
				sessionCache.Delete(sessionKey)
				refreshCacheSize()
			}
			return err
		})
	}

	if err := c.Login(ctx, u.User); err != nil {
		return nil, err
	}
	return c, nil
}

// Clear logs out and drops every cached session. Used on shutdown and in
// tests.
func Clear() {
	sessionCache.Range(func(key, s any) bool {
		cached := s.(*Session)
		_ = cached.Logout(context.Background())
		sessionCache.Delete(key)
		return true
	})
	refreshCacheSize()
}
