package acl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPAllowed(t *testing.T) {
	tests := []struct {
		name    string
		general List
		domain  List
		host    string
		want    bool
	}{
		{
			name: "empty lists allow everything",
			host: "192.168.1.10",
			want: true,
		},
		{
			name:   "deny wins over allow",
			domain: List{Allow: []string{"192.168.0.0/16"}, Deny: []string{"192.168.1.10"}},
			host:   "192.168.1.10",
			want:   false,
		},
		{
			name:   "cidr allow",
			domain: List{Allow: []string{"10.0.0.0/8"}},
			host:   "10.4.2.1",
			want:   true,
		},
		{
			name:   "outside allow cidr",
			domain: List{Allow: []string{"10.0.0.0/8"}},
			host:   "172.16.0.1",
			want:   false,
		},
		{
			name:   "deny all",
			domain: List{Deny: []string{"0.0.0.0/0"}},
			host:   "203.0.113.9",
			want:   false,
		},
		{
			name:    "general deny applies to every domain",
			general: List{Deny: []string{"203.0.113.0/24"}},
			domain:  List{Allow: []string{"0.0.0.0/0"}},
			host:    "203.0.113.9",
			want:    false,
		},
		{
			name:   "exact hostname rule",
			domain: List{Allow: []string{"sip.provider.net"}},
			host:   "SIP.Provider.NET",
			want:   true,
		},
		{
			name:   "malformed rule never matches",
			domain: List{Deny: []string{"not-a/cidr"}},
			host:   "192.168.1.10",
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(tt.general)
			assert.Equal(t, tt.want, c.IPAllowed(tt.domain, tt.host))
		})
	}
}
