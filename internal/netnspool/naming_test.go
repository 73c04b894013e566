package netnspool

import "testing"

func TestNamespaceNameParseRoundTrip(t *testing.T) {
	for runnerIdx := 0; runnerIdx < 4; runnerIdx++ {
		for nsIdx := 0; nsIdx < MaxNamespacesPerRunner; nsIdx += 37 {
			name := namespaceName("vm0", runnerIdx, nsIdx)
			if len(name) > 15 {
				t.Fatalf("namespace name %q exceeds kernel interface-name limit", name)
			}
			gotRunner, gotNs, ok := parseNamespaceName("vm0", name)
			if !ok {
				t.Fatalf("parse(%q) failed", name)
			}
			if gotRunner != runnerIdx || gotNs != nsIdx {
				t.Fatalf("parse(%q) = (%d, %d), want (%d, %d)", name, gotRunner, gotNs, runnerIdx, nsIdx)
			}
		}
	}
}

func TestParseNamespaceNameRejectsInvalid(t *testing.T) {
	cases := []string{
		"",
		"vm0-ns-gg-00",
		"other-ns-00-00",
		"vm0-ns-00",
		"vm0-ve-00-00",
	}
	for _, c := range cases {
		if _, _, ok := parseNamespaceName("vm0", c); ok {
			t.Fatalf("expected parse(%q) to fail", c)
		}
	}
}

func TestVethAllocationDeterministicAndDisjoint(t *testing.T) {
	seen := map[string]bool{}
	for runnerIdx := 0; runnerIdx < 4; runnerIdx++ {
		for nsIdx := 0; nsIdx < 128; nsIdx++ {
			hostIP, nsIP := vethAllocation(runnerIdx, nsIdx)
			hostIP2, nsIP2 := vethAllocation(runnerIdx, nsIdx)
			if hostIP != hostIP2 || nsIP != nsIP2 {
				t.Fatalf("allocation not deterministic for (%d,%d)", runnerIdx, nsIdx)
			}
			for _, ip := range []string{hostIP, nsIP} {
				if seen[ip] {
					t.Fatalf("ip %s reused across (runnerIdx,nsIdx) pairs", ip)
				}
				seen[ip] = true
			}
		}
	}
}
