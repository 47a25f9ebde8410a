package config

import (
	"bytes"
	"os"

	"github.com/codefionn/wegweiser/wegweiser-srv/logger"
)

// HasChanged returns true if the configuration has changed compared to
// another config. Used by the SIGHUP reload path to decide whether the
// proxy needs to be restarted.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if len(a.Servers) != len(b.Servers) {
		return true
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return true
		}
	}
	if a.TimeoutSeconds != b.TimeoutSeconds ||
		a.MaxConcurrentConnections != b.MaxConcurrentConnections {
		return true
	}
	if !classifiersMapEqual(a.Classifiers, b.Classifiers) {
		return true
	}
	if !escapersMapEqual(a.Escapers, b.Escapers) {
		return true
	}
	if a.DefaultEscaper != b.DefaultEscaper {
		return true
	}
	if !tenantsEqual(a.Tenants, b.Tenants) {
		return true
	}
	if !classifierEqual(a.Allowlist, b.Allowlist) {
		return true
	}
	if !classifierEqual(a.Blocklist, b.Blocklist) {
		return true
	}
	if !interceptionEqual(a.Interception, b.Interception) {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}
	if !dnsEqual(a.DNS, b.DNS) {
		return true
	}
	if !portalEqual(a.Portal, b.Portal) {
		return true
	}
	return false
}

func interceptionEqual(a, b InterceptionConfig) bool {
	return a.Enabled == b.Enabled &&
		a.CAFile == b.CAFile &&
		a.CAKeyFile == b.CAKeyFile &&
		stringPtrEqual(a.CAKeyPassword, b.CAKeyPassword) &&
		a.CertAgent == b.CertAgent &&
		a.CertTTLSeconds == b.CertTTLSeconds &&
		classifierEqual(a.Classifier, b.Classifier)
}

func dnsEqual(a, b DNSConfig) bool {
	if a.Enabled != b.Enabled || len(a.Servers) != len(b.Servers) {
		return false
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return false
		}
	}
	return true
}

func portalEqual(a, b PortalConfig) bool {
	return a.Enabled == b.Enabled &&
		a.Domain == b.Domain &&
		a.Username == b.Username &&
		stringPtrEqual(a.Password, b.Password) &&
		stringPtrEqual(a.JWTSecret, b.JWTSecret)
}

func tenantsEqual(a, b []TenantConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ta, tb := a[i], b[i]
		if ta.Name != tb.Name || ta.Username != tb.Username ||
			ta.Escaper != tb.Escaper {
			return false
		}
		if !stringPtrEqual(ta.Password, tb.Password) {
			return false
		}
		if !stringSliceEqual(ta.Networks, tb.Networks) {
			return false
		}
		if !classifierEqual(ta.Allowlist, tb.Allowlist) {
			return false
		}
		if !classifierEqual(ta.Blocklist, tb.Blocklist) {
			return false
		}
	}
	return true
}

// classifierEqual compares two Classifier interfaces for equality.
func classifierEqual(a, b Classifier) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	switch ta := a.(type) {
	case *ClassifierPort:
		tb, ok := b.(*ClassifierPort)
		return ok && ta.Port == tb.Port
	case *ClassifierDomainsFile:
		taContent, err := os.ReadFile(ta.FilePath)
		if err != nil {
			logger.Error("Failed to read domains file: %v (file: %s)", err, ta.FilePath)
			return false
		}
		tbContent, err := os.ReadFile(b.(*ClassifierDomainsFile).FilePath)
		if err != nil {
			logger.Error("Failed to read domains file: %v (file: %s)", err, b.(*ClassifierDomainsFile).FilePath)
			return false
		}
		return bytes.Equal(taContent, tbContent)
	case *ClassifierAnd:
		tb, ok := b.(*ClassifierAnd)
		if !ok || len(ta.Classifiers) != len(tb.Classifiers) {
			return false
		}
		for i := range ta.Classifiers {
			if !classifierEqual(ta.Classifiers[i], tb.Classifiers[i]) {
				return false
			}
		}
		return true
	case *ClassifierOr:
		tb, ok := b.(*ClassifierOr)
		if !ok || len(ta.Classifiers) != len(tb.Classifiers) {
			return false
		}
		for i := range ta.Classifiers {
			if !classifierEqual(ta.Classifiers[i], tb.Classifiers[i]) {
				return false
			}
		}
		return true
	case *ClassifierNot:
		tb, ok := b.(*ClassifierNot)
		if !ok {
			return false
		}
		return classifierEqual(ta.Classifier, tb.Classifier)
	case *ClassifierDomain:
		tb, ok := b.(*ClassifierDomain)
		return ok && ta.Op == tb.Op && ta.Domain == tb.Domain
	case *ClassifierRef:
		tb, ok := b.(*ClassifierRef)
		return ok && ta.Id == tb.Id
	case *ClassifierIP:
		tb, ok := b.(*ClassifierIP)
		return ok && ta.IP == tb.IP
	case *ClassifierNetwork:
		tb, ok := b.(*ClassifierNetwork)
		return ok && ta.CIDR == tb.CIDR
	case *ClassifierTrue:
		_, ok := b.(*ClassifierTrue)
		return ok
	case *ClassifierFalse:
		_, ok := b.(*ClassifierFalse)
		return ok
	default:
		return false
	}
}

// classifiersMapEqual compares two maps of Classifier for equality.
func classifiersMapEqual(a, b map[string]Classifier) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !classifierEqual(va, vb) {
			return false
		}
	}
	return true
}

// escapersMapEqual compares two maps of Escaper for equality.
func escapersMapEqual(a, b map[string]Escaper) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !escaperEqual(va, vb) {
			return false
		}
	}
	return true
}

// escaperEqual compares two Escaper interfaces for equality.
func escaperEqual(a, b Escaper) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	switch ta := a.(type) {
	case *EscaperDirect:
		tb, ok := b.(*EscaperDirect)
		return ok && *ta == *tb
	case *EscaperProxyHTTP:
		tb, ok := b.(*EscaperProxyHTTP)
		return ok && ta.Address == tb.Address &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password)
	case *EscaperProxySocks5:
		tb, ok := b.(*EscaperProxySocks5)
		return ok && ta.Address == tb.Address &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password)
	case *EscaperRouteUpstream:
		tb, ok := b.(*EscaperRouteUpstream)
		if !ok || ta.DefaultNext != tb.DefaultNext || len(ta.Rules) != len(tb.Rules) {
			return false
		}
		for i := range ta.Rules {
			if !routeUpstreamRuleEqual(ta.Rules[i], tb.Rules[i]) {
				return false
			}
		}
		return true
	case *EscaperRouteClient:
		tb, ok := b.(*EscaperRouteClient)
		if !ok || ta.DefaultNext != tb.DefaultNext || len(ta.Rules) != len(tb.Rules) {
			return false
		}
		for i := range ta.Rules {
			ra, rb := ta.Rules[i], tb.Rules[i]
			if ra.Next != rb.Next ||
				!stringSliceEqual(ra.ExactIPs, rb.ExactIPs) ||
				!stringSliceEqual(ra.Subnets, rb.Subnets) {
				return false
			}
		}
		return true
	case *EscaperRouteSelect:
		tb, ok := b.(*EscaperRouteSelect)
		if !ok || ta.PickPolicy != tb.PickPolicy || len(ta.Nodes) != len(tb.Nodes) {
			return false
		}
		for i := range ta.Nodes {
			if ta.Nodes[i] != tb.Nodes[i] {
				return false
			}
		}
		return true
	case *EscaperRouteFailover:
		tb, ok := b.(*EscaperRouteFailover)
		return ok && *ta == *tb
	case *EscaperDeny:
		tb, ok := b.(*EscaperDeny)
		return ok && ta.Reason == tb.Reason
	default:
		return false
	}
}

func routeUpstreamRuleEqual(a, b RouteUpstreamRule) bool {
	if a.Next != b.Next {
		return false
	}
	if !stringSliceEqual(a.ExactHosts, b.ExactHosts) ||
		!stringSliceEqual(a.ExactIPs, b.ExactIPs) ||
		!stringSliceEqual(a.Subnets, b.Subnets) ||
		!stringSliceEqual(a.ChildDomains, b.ChildDomains) {
		return false
	}
	if len(a.RegexRules) != len(b.RegexRules) {
		return false
	}
	for i := range a.RegexRules {
		if a.RegexRules[i] != b.RegexRules[i] {
			return false
		}
	}
	return true
}

// stringPtrEqual compares two *string values for equality.
func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
