package sink

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveAlias(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "spaces and case", input: "Prod Warehouse", want: "pg_prod_warehouse"},
		{name: "mixed symbols", input: "Mix3d-C@se!", want: "pg_mix3d_c_se_"},
		{name: "already clean", input: "analytics_replica", want: "pg_analytics_replica"},
		{name: "consecutive symbols are not collapsed", input: "a--b", want: "pg_a__b"},
		{name: "digits preserved", input: "DW2024", want: "pg_dw2024"},
		{name: "empty name", input: "", want: "pg_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveAlias(tt.input))
		})
	}
}

func TestDeriveAliasShape(t *testing.T) {
	pattern := regexp.MustCompile(`^pg_[a-z0-9_]*$`)

	inputs := []string{"Prod Warehouse", "Ünïcode Nämé", "TABS\tand\nnewlines", "100% grade-A"}
	for _, in := range inputs {
		alias := DeriveAlias(in)
		assert.Regexp(t, pattern, alias)

		// Pure function: same name, same alias, every call.
		assert.Equal(t, alias, DeriveAlias(in))
	}
}
