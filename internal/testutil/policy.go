package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// ScenarioPolicy blocks read_file results whose path contains "etc", taints
// fetch_url results from outside example.com, and denies send_email to
// external recipients while the conversation is untrusted.
const ScenarioPolicy = `
trusted_data_policies:
  - id: td-etc
    tool_id: read_file
    attribute_path: path
    operator: contains
    value: etc
    action: block_always
  - id: td-web
    tool_id: fetch_url
    attribute_path: url
    operator: not_contains
    value: example.com
    action: mark_untrusted
tool_invocation_policies:
  - id: ti-email
    tool_id: send_email
    argument_name: to
    operator: not_contains
    value: "@example.com"
    action: deny_when_context_is_untrusted
    reason: external email is not allowed after reading untrusted data
  - id: ti-rm
    tool_id: shell
    argument_name: command
    operator: starts_with
    value: "rm "
    action: deny
`

// WritePolicyFile writes content to dir/policies.yaml and returns its path.
func WritePolicyFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "policies.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
