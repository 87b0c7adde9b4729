package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Target
		wantErr bool
	}{
		{"repo", "a/b", Target{Kind: KindRepo, Owner: "a", Repo: "b", Raw: "a/b"}, false},
		{"branch", "a/b#x", Target{Kind: KindBranch, Owner: "a", Repo: "b", Branch: "x", Raw: "a/b#x"}, false},
		{"merge", "a/b#x→y", Target{Kind: KindMerge, Owner: "a", Repo: "b", Source: "x", Dest: "y", Raw: "a/b#x→y"}, false},
		{"bulk", "a/b@v", Target{Kind: KindBulk, Owner: "a", Repo: "b", View: "v", Raw: "a/b@v"}, false},
		{"bare owner, no slash", "a", Target{}, true},
		{"empty", "", Target{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
