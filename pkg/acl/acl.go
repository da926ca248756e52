// Package acl implements network access-control lists for SIP domains.
//
// An entry is either a CIDR block ("192.168.0.0/24") or an exact host
// ("10.0.0.4", "sip.provider.net"). Deny rules always win over allow rules;
// an empty allow list allows everything not denied.
package acl

import (
	"net"
	"strings"
)

// List is a pair of allow/deny rule sets.
type List struct {
	Allow []string
	Deny  []string
}

// Checker evaluates a general ACL combined with a per-domain one.
type Checker struct {
	general List
}

// NewChecker builds a Checker over the process-wide ACL.
func NewChecker(general List) *Checker {
	return &Checker{general: general}
}

// IPAllowed reports whether host passes both the general and the domain ACL.
func (c *Checker) IPAllowed(domain List, host string) bool {
	deny := append(append([]string{}, c.general.Deny...), domain.Deny...)
	allow := append(append([]string{}, c.general.Allow...), domain.Allow...)

	for _, rule := range deny {
		if matches(rule, host) {
			return false
		}
	}
	if len(allow) == 0 {
		return true
	}
	for _, rule := range allow {
		if matches(rule, host) {
			return true
		}
	}
	return false
}

func matches(rule, host string) bool {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return false
	}
	if rule == "0.0.0.0/0" || rule == "::/0" {
		return true
	}
	if strings.Contains(rule, "/") {
		_, block, err := net.ParseCIDR(rule)
		if err != nil {
			return false
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		return block.Contains(ip)
	}
	return strings.EqualFold(rule, host)
}
