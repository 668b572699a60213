package admission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"
)

// Violation describes a submit request rejected by policy.
type Violation struct {
	Rule   string
	Detail string
	// Mandatory violations are enforced even in monitor mode.
	Mandatory bool
}

func (v *Violation) Error() string {
	return fmt.Sprintf("admission violation (%s): %s", v.Rule, v.Detail)
}

// Request is the part of a session request subject to policy.
type Request struct {
	Dataset   string
	Container string
	Options   map[string]string
}

// Checker runs policy checks before any remote call is made.
type Checker interface {
	Check(ctx context.Context, req Request) error
	Enforced() bool
}

// Blocking reports whether err must stop the request under c.
func Blocking(c Checker, err error) bool {
	var v *Violation
	if !errors.As(err, &v) {
		return err != nil
	}
	return v.Mandatory || c == nil || c.Enforced()
}

// RuleChecker applies extension, container, image and option rules.
type RuleChecker struct {
	blockedExt        map[string]struct{}
	allowedContainers map[string]struct{}
	allowedImages     map[string]struct{}
	blockedOptions    map[string]struct{}
	enforceViolations bool
	pathOnly          bool
}

// NewRuleCheckerFromEnv builds a checker from ADMISSION_* variables.
// ADMISSION_DISABLED=true keeps only the mandatory path checks.
func NewRuleCheckerFromEnv() *RuleChecker {
	c := &RuleChecker{
		blockedExt: map[string]struct{}{
			".exe": {},
			".bat": {},
			".ps1": {},
			".sh":  {},
		},
		allowedContainers: splitSet(os.Getenv("ADMISSION_ALLOWED_CONTAINERS"), strings.TrimSpace),
		allowedImages:     splitSet(os.Getenv("ADMISSION_ALLOWED_IMAGES"), strings.TrimSpace),
		blockedOptions:    splitSet(os.Getenv("ADMISSION_BLOCKED_OPTIONS"), normalizeKey),
		enforceViolations: !strings.EqualFold(os.Getenv("ADMISSION_MODE"), "monitor"),
		pathOnly:          strings.EqualFold(os.Getenv("ADMISSION_DISABLED"), "true"),
	}
	if raw := os.Getenv("ADMISSION_BLOCKED_EXTENSIONS"); raw != "" {
		c.blockedExt = splitSet(raw, func(ext string) string {
			ext = normalizeKey(ext)
			if ext != "" && !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			return ext
		})
	}
	return c
}

func (c *RuleChecker) Enforced() bool {
	return c.enforceViolations
}

func (c *RuleChecker) Check(_ context.Context, req Request) error {
	if err := checkPath("dataset", req.Dataset, true); err != nil {
		return err
	}
	if err := checkPath("container", req.Container, false); err != nil {
		return err
	}
	if c.pathOnly {
		return nil
	}

	ext := strings.ToLower(filepath.Ext(req.Dataset))
	if _, blocked := c.blockedExt[ext]; blocked {
		return &Violation{
			Rule:   "blocked_extension",
			Detail: fmt.Sprintf("extension %q not allowed", ext),
		}
	}
	if len(c.allowedContainers) > 0 {
		if _, ok := c.allowedContainers[req.Container]; !ok {
			return &Violation{
				Rule:   "container_not_allowed",
				Detail: fmt.Sprintf("container %q is not on the allow list", req.Container),
			}
		}
	}
	for key := range req.Options {
		if _, blocked := c.blockedOptions[normalizeKey(key)]; blocked {
			return &Violation{
				Rule:   "blocked_option",
				Detail: fmt.Sprintf("option %q is restricted", key),
			}
		}
	}
	if image := strings.TrimSpace(req.Options["image"]); image != "" {
		if _, ok := c.allowedImages[image]; !ok {
			return &Violation{
				Rule:   "image_not_allowed",
				Detail: fmt.Sprintf("image %q is not on the allow list", image),
			}
		}
	}
	return nil
}

// checkPath rejects names that could escape the node's mount directory.
func checkPath(field, value string, nested bool) error {
	reject := func(detail string) error {
		return &Violation{Rule: "unsafe_path", Detail: fmt.Sprintf("%s %s", field, detail), Mandatory: true}
	}
	if value == "" {
		return nil
	}
	if strings.IndexFunc(value, unicode.IsControl) >= 0 {
		return reject("contains control characters")
	}
	if strings.HasPrefix(value, "/") || strings.HasPrefix(value, "~") {
		return reject("must be relative")
	}
	if !nested && strings.Contains(value, "/") {
		return reject("must be a single path segment")
	}
	for _, segment := range strings.Split(value, "/") {
		if segment == ".." {
			return reject("must not traverse upwards")
		}
	}
	if path.Clean(value) != strings.TrimSuffix(value, "/") {
		return reject("is not a clean path")
	}
	return nil
}

func splitSet(raw string, normalize func(string) string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, item := range strings.Split(raw, ",") {
		if item = normalize(item); item != "" {
			out[item] = struct{}{}
		}
	}
	return out
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
