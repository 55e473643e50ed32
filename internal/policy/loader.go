package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/policy")

// ResolvePathUnderBase resolves path relative to baseDir and returns an
// absolute path guaranteed to stay under baseDir.
func ResolvePathUnderBase(baseDir, path string) (string, error) {
	dirAbs, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", fmt.Errorf("policy base directory: %w", err)
	}
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(dirAbs, path)
	}
	pathAbs, err := filepath.Abs(filepath.Clean(full))
	if err != nil {
		return "", fmt.Errorf("policy path: %w", err)
	}
	rel, err := filepath.Rel(dirAbs, pathAbs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("policy path outside base directory")
	}
	return pathAbs, nil
}

// Parse validates and decodes a policy document into a Set, preparing the
// request-access guard.
func Parse(ctx context.Context, content []byte) (*Set, error) {
	if err := ValidateSchema(content); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	set := NewSet(f.TrustedDataPolicies, f.ToolInvocationPolicies)
	set.Access = f.RequestAccess
	sum := sha256.Sum256(content)
	set.Version = "sha256:" + hex.EncodeToString(sum[:])[:12]

	guard, err := NewAccessGuard(ctx, set.Access)
	if err != nil {
		return nil, err
	}
	set.guard = guard
	return set, nil
}

// LoadFile reads and parses the policy file at path.
func LoadFile(ctx context.Context, path string) (*Set, error) {
	ctx, span := tracer.Start(ctx, "policy.load")
	defer span.End()
	span.SetAttributes(attribute.String("policy.path", path))

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	set, err := Parse(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}

	span.SetAttributes(
		attribute.Int("policy.trusted_data_count", len(set.TrustedData)),
		attribute.Int("policy.tool_invocation_count", len(set.ToolInvocation)),
		attribute.String("policy.version", set.Version),
	)
	return set, nil
}
