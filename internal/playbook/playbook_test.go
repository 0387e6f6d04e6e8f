package playbook

import (
	"os"
	"strings"
	"testing"
	"time"

	"aegis/internal/alert"
	"aegis/internal/errors"
)

const validLibrary = `
playbooks:
  - id: restart-api
    name: Restart the API service
    match:
      min_severity: warn
      pattern: "api.*(down|unresponsive)"
    cooldown: 5m
    actions:
      - kind: command
        target: "systemctl restart api"
        risk: medium
        timeout: 30s
  - id: purge-cache
    match:
      min_severity: info
    require_confirm: true
    actions:
      - kind: tool
        target: noop
        risk: low
`

func TestParseValidLibrary(t *testing.T) {
	playbooks, err := Parse([]byte(validLibrary), "test")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(playbooks) != 2 {
		t.Fatalf("got %d playbooks, want 2", len(playbooks))
	}

	restart := playbooks[0]
	if restart.Name != "Restart the API service" {
		t.Fatalf("name = %q", restart.Name)
	}
	if restart.Cooldown != 5*time.Minute {
		t.Fatalf("cooldown = %v, want 5m", restart.Cooldown)
	}
	if restart.Actions[0].Risk != RiskMedium {
		t.Fatalf("risk = %s, want medium", restart.Actions[0].Risk)
	}

	// Name defaults to the id when omitted.
	if playbooks[1].Name != "purge-cache" {
		t.Fatalf("defaulted name = %q", playbooks[1].Name)
	}
}

func TestParseRejectsMalformedEntries(t *testing.T) {
	cases := map[string]string{
		"empty library": `playbooks: []`,
		"missing id": `
playbooks:
  - match: {min_severity: info}
    actions: [{kind: tool, target: noop}]
`,
		"no actions": `
playbooks:
  - id: empty
    match: {min_severity: info}
    actions: []
`,
		"bad pattern": `
playbooks:
  - id: broken
    match: {min_severity: info, pattern: "["}
    actions: [{kind: tool, target: noop}]
`,
		"unknown kind": `
playbooks:
  - id: odd
    match: {min_severity: info}
    actions: [{kind: teleport, target: x}]
`,
		"duplicate id": `
playbooks:
  - id: twin
    match: {min_severity: info}
    actions: [{kind: tool, target: noop}]
  - id: twin
    match: {min_severity: info}
    actions: [{kind: tool, target: noop}]
`,
	}

	for name, input := range cases {
		if _, err := Parse([]byte(input), name); err == nil {
			t.Errorf("%s: malformed library accepted", name)
		} else if !errors.IsConfig(err) {
			t.Errorf("%s: error %v is not a config error", name, err)
		}
	}
}

func TestMatchSeverityFloorAndPattern(t *testing.T) {
	playbooks, err := Parse([]byte(validLibrary), "test")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	restart := playbooks[0]

	accepts := func(severity alert.Severity, message string) bool {
		return restart.Matches(alert.Alert{ID: "a", Severity: severity, Message: message})
	}

	if !accepts(alert.SeverityWarn, "api is down") {
		t.Fatal("matching alert rejected")
	}
	if !accepts(alert.SeverityCrit, "api unresponsive since 10:00") {
		t.Fatal("higher severity rejected")
	}
	if accepts(alert.SeverityInfo, "api is down") {
		t.Fatal("severity below the floor accepted")
	}
	if accepts(alert.SeverityCrit, "disk full") {
		t.Fatal("non-matching message accepted")
	}
}

func TestMaxActionRisk(t *testing.T) {
	pb := Playbook{
		ID: "mixed",
		Actions: []Action{
			{Kind: KindTool, Target: "a", Risk: RiskLow},
			{Kind: KindCommand, Target: "b", Risk: RiskHigh},
			{Kind: KindTool, Target: "c", Risk: RiskMedium},
		},
	}
	if got := pb.MaxActionRisk(); got != RiskHigh {
		t.Fatalf("max risk = %s, want high", got)
	}
}

func TestLibraryReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/playbooks.yaml"
	if err := os.WriteFile(path, []byte(validLibrary), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	library, err := NewLibrary(path)
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	if library.Len() != 2 {
		t.Fatalf("loaded %d playbooks, want 2", library.Len())
	}

	if err := os.WriteFile(path, []byte("playbooks: ["), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := library.Reload(); err == nil {
		t.Fatal("reload of broken file succeeded")
	}
	if library.Len() != 2 {
		t.Fatal("broken reload replaced the active set")
	}

	replacement := strings.Replace(validLibrary, "restart-api", "restart-api-v2", 1)
	if err := os.WriteFile(path, []byte(replacement), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := library.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if library.Snapshot()[0].ID != "restart-api-v2" {
		t.Fatal("reload did not pick up the new set")
	}
}
