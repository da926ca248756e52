package registrar

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
)

func baseRegister() *sip.Request {
	return sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: "sip.local"})
}

func TestExpiresHeaderWins(t *testing.T) {
	req := baseRegister()
	req.AppendHeader(sip.NewHeader("Expires", "600"))
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "192.168.1.20"},
		Params:  sip.NewParams().Add("expires", "120"),
	})

	assert.Equal(t, 600, Expires(req))
}

func TestExpiresContactParamFallback(t *testing.T) {
	req := baseRegister()
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "192.168.1.20"},
		Params:  sip.NewParams().Add("expires", "120"),
	})

	assert.Equal(t, 120, Expires(req))
}

func TestExpiresDefault(t *testing.T) {
	req := baseRegister()
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "192.168.1.20"},
	})

	assert.Equal(t, DefaultExpires, Expires(req))
}

func TestExpiresZeroIsZero(t *testing.T) {
	req := baseRegister()
	req.AppendHeader(sip.NewHeader("Expires", "0"))

	assert.Equal(t, 0, Expires(req))
}
