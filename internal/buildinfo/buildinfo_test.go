package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgent_Prefix(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "LoanRisk/") {
		t.Errorf("UserAgent() = %q, want LoanRisk/ prefix", ua)
	}
}

func TestRuntimeInfo_IncludesUptime(t *testing.T) {
	info := RuntimeInfo()
	if _, ok := info["uptime"]; !ok {
		t.Error("RuntimeInfo() missing uptime")
	}
	if info["version"] != Version {
		t.Errorf("version = %q, want %q", info["version"], Version)
	}
	if _, ok := BuildInfo()["uptime"]; ok {
		t.Error("BuildInfo() should not include uptime")
	}
}
