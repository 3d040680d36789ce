// Package manifest parses and validates oaklibs.json package manifests.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/abduss/oakregistry/internal/apperror"
)

// MaxNameLength caps package and dependency names.
const MaxNameLength = 214

var namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Manifest is a validated, normalized package manifest. Optional fields are
// always populated: strings default to "", maps and slices to empty values.
type Manifest struct {
	Name            string
	Version         string
	Description     string
	Author          string
	License         string
	Homepage        string
	Repository      string
	Keywords        []string
	Dependencies    map[string]string
	DevDependencies map[string]string

	semver *semver.Version
}

// Semver returns the parsed version.
func (m Manifest) Semver() *semver.Version {
	if m.semver == nil {
		v, err := semver.StrictNewVersion(m.Version)
		if err != nil {
			return nil
		}
		return v
	}
	return m.semver
}

// Prerelease reports whether the version carries a pre-release tag.
func (m Manifest) Prerelease() bool {
	v := m.Semver()
	return v != nil && v.Prerelease() != ""
}

type rawManifest struct {
	Name            *string           `json:"name"`
	Version         *string           `json:"version"`
	Description     *string           `json:"description"`
	Author          *string           `json:"author"`
	License         *string           `json:"license"`
	Homepage        *string           `json:"homepage"`
	Repository      json.RawMessage   `json:"repository"`
	Keywords        []string          `json:"keywords"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"dev_dependencies"`
}

type repositoryObject struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Parse decodes and validates manifest bytes. Unknown keys are ignored; known
// keys with the wrong shape are schema errors naming the field.
func Parse(data []byte) (Manifest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Manifest{}, apperror.New(apperror.KindManifestParseError, "manifest must be a JSON object")
	}
	if !json.Valid(trimmed) {
		return Manifest{}, apperror.New(apperror.KindManifestParseError, "manifest is not valid JSON")
	}

	var raw rawManifest
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			field := typeErr.Field
			if field == "" {
				field = "manifest"
			}
			return Manifest{}, apperror.Field(apperror.KindManifestSchemaError, field, "%s has the wrong type", field)
		}
		return Manifest{}, apperror.Wrap(apperror.KindManifestParseError, err, "manifest could not be decoded")
	}

	return raw.validate()
}

func (r rawManifest) validate() (Manifest, error) {
	m := Manifest{
		Keywords:        []string{},
		Dependencies:    map[string]string{},
		DevDependencies: map[string]string{},
	}

	if r.Name == nil || strings.TrimSpace(*r.Name) == "" {
		return Manifest{}, apperror.Field(apperror.KindManifestSchemaError, "name", "name is required")
	}
	if err := ValidateName(*r.Name); err != nil {
		return Manifest{}, apperror.Field(apperror.KindManifestSchemaError, "name", "name %s", err)
	}
	m.Name = *r.Name

	if r.Version == nil || strings.TrimSpace(*r.Version) == "" {
		return Manifest{}, apperror.Field(apperror.KindManifestSchemaError, "version", "version is required")
	}
	v, err := semver.StrictNewVersion(*r.Version)
	if err != nil {
		return Manifest{}, apperror.Field(apperror.KindManifestSchemaError, "version", "version must be a valid semantic version")
	}
	m.Version = v.String()
	m.semver = v

	m.Description = strings.TrimSpace(deref(r.Description))
	m.Author = strings.TrimSpace(deref(r.Author))
	m.License = strings.TrimSpace(deref(r.License))

	if home := strings.TrimSpace(deref(r.Homepage)); home != "" {
		if err := validateURL(home, true); err != nil {
			return Manifest{}, apperror.Field(apperror.KindManifestSchemaError, "homepage", "homepage %s", err)
		}
		m.Homepage = home
	}

	repo, err := decodeRepository(r.Repository)
	if err != nil {
		return Manifest{}, err
	}
	m.Repository = repo

	m.Keywords = normalizeKeywords(r.Keywords)

	if m.Dependencies, err = validateDependencies("dependencies", r.Dependencies); err != nil {
		return Manifest{}, err
	}
	if m.DevDependencies, err = validateDependencies("dev_dependencies", r.DevDependencies); err != nil {
		return Manifest{}, err
	}

	return m, nil
}

// ValidateName checks a package name against the registry naming rule.
func ValidateName(name string) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("must be at most %d characters", MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return errors.New("may only contain lowercase letters, digits, hyphens and underscores")
	}
	return nil
}

func decodeRepository(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}

	var repo string
	switch trimmed[0] {
	case '"':
		if err := json.Unmarshal(trimmed, &repo); err != nil {
			return "", apperror.Field(apperror.KindManifestSchemaError, "repository", "repository must be a string or an object with a url")
		}
	case '{':
		var obj repositoryObject
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return "", apperror.Field(apperror.KindManifestSchemaError, "repository", "repository must be a string or an object with a url")
		}
		repo = obj.URL
	default:
		return "", apperror.Field(apperror.KindManifestSchemaError, "repository", "repository must be a string or an object with a url")
	}

	repo = strings.TrimSpace(repo)
	if repo == "" {
		return "", nil
	}
	if err := validateURL(repo, false); err != nil {
		return "", apperror.Field(apperror.KindManifestSchemaError, "repository", "repository %s", err)
	}
	return repo, nil
}

// validateURL requires an absolute URL with a host. httpOnly restricts the
// scheme to http and https; otherwise git+https, ssh and similar are allowed.
func validateURL(raw string, httpOnly bool) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("must be an absolute URL")
	}
	if httpOnly && u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("must use http or https")
	}
	return nil
}

func validateDependencies(field string, deps map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(deps))
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		key := field + "." + name
		if err := ValidateName(name); err != nil {
			return nil, apperror.Field(apperror.KindManifestSchemaError, key, "dependency name %q %s", name, err)
		}
		rng := strings.TrimSpace(deps[name])
		if rng == "" {
			return nil, apperror.Field(apperror.KindManifestSchemaError, key, "version range for %q is empty", name)
		}
		if _, err := semver.NewConstraint(rng); err != nil {
			return nil, apperror.Field(apperror.KindManifestSchemaError, key, "version range %q for %q is invalid", rng, name)
		}
		out[name] = rng
	}
	return out, nil
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, kw := range in {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
