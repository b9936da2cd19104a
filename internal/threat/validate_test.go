package threat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"hipswatch/internal/threat"
)

func TestValidateAddress(t *testing.T) {
	t.Parallel()

	valid := []string{"10.0.0.5", "255.255.255.255", "1.2.3.4", "0.0.0.1"}
	for _, s := range valid {
		assert.NoError(t, threat.ValidateAddress(s), s)
	}

	invalid := []string{
		"0.0.0.0",
		"256.0.0.1",
		"1.2.3",
		"1.2.3.4.5",
		"a.b.c.d",
		"",
		" 1.2.3.4",
		"1.2.3.-4",
		"::ffff:1.2.3.4",
		"2001:db8::1",
		"10.0.0.0/8",
		"010.0.0.5",
		"10.0.0.05",
	}
	for _, s := range invalid {
		assert.Error(t, threat.ValidateAddress(s), s)
	}
}
