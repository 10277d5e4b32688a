package health

import (
	"time"

	"github.com/wudi/gateway/internal/config"
)

// BackendFromNode builds an HTTP active-check Backend for node, under check,
// addressed with scheme (http or https per check.Type).
func BackendFromNode(scheme string, node config.Node, check *config.ActiveCheck) Backend {
	b := Backend{
		URL:            scheme + "://" + node.Addr(),
		HealthPath:     check.HTTPPath,
		Timeout:        check.Timeout,
		Interval:       check.Interval,
		HealthyAfter:   check.HealthyAfter,
		UnhealthyAfter: check.UnhealthyAfter,
	}
	for _, s := range check.HealthyStatus {
		if r, err := ParseStatusRange(s); err == nil {
			b.ExpectedStatus = append(b.ExpectedStatus, r)
		}
	}
	return b
}

// TCPBackendFromNode builds a TCP active-check backend for node.
func TCPBackendFromNode(node config.Node, check *config.ActiveCheck) TCPBackend {
	timeout := check.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return TCPBackend{
		Address:        node.Addr(),
		Timeout:        timeout,
		Interval:       check.Interval,
		HealthyAfter:   check.HealthyAfter,
		UnhealthyAfter: check.UnhealthyAfter,
	}
}

// SyncUpstream registers an upstream's active health checks with either
// checker, adding or updating a backend for every node covered by
// u.Checks.Active. Backends of nodes that have left the upstream, or of an
// upstream whose active check was removed, are not removed. scheme is used
// for the HTTP checker unless check.Type is "https".
func SyncUpstream(httpChecker *Checker, tcpChecker *TCPChecker, scheme string, u *config.Upstream) {
	if u.Checks == nil || u.Checks.Active == nil {
		return
	}
	check := u.Checks.Active
	if check.Type == "https" {
		scheme = "https"
	}
	for _, node := range u.Nodes {
		if check.Type == "tcp" {
			tcpChecker.AddBackend(TCPBackendFromNode(node, check))
		} else {
			httpChecker.UpdateBackend(BackendFromNode(scheme, node, check))
		}
	}
}
