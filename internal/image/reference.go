package image

import (
	"fmt"

	"github.com/distribution/reference"
)

// PreviousTag is the reserved tag that anchors rollback
const PreviousTag = "previous"

// Reference is a fully qualified image name
type Reference struct {
	Registry   string
	Repository string
	Tag        string
}

// ParseReference normalizes s ("gbox", "babelcloud/gbox:1.2", "ghcr.io/x/y:z").
// Digest references are rejected because they cannot be re-tagged.
func ParseReference(s string) (Reference, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Reference{}, &Error{Kind: InvalidReference, Reference: s, Err: err}
	}
	if _, ok := named.(reference.Digested); ok {
		return Reference{}, &Error{Kind: InvalidReference, Reference: s, Err: fmt.Errorf("digest references are not supported")}
	}
	named = reference.TagNameOnly(named)
	tagged, ok := named.(reference.Tagged)
	if !ok {
		return Reference{}, &Error{Kind: InvalidReference, Reference: s, Err: fmt.Errorf("missing tag")}
	}
	return Reference{
		Registry:   reference.Domain(named),
		Repository: reference.Path(named),
		Tag:        tagged.Tag(),
	}, nil
}

// Name returns registry/repository, or repository when no registry is set
func (r Reference) Name() string {
	if r.Registry == "" {
		return r.Repository
	}
	return r.Registry + "/" + r.Repository
}

// String returns name:tag
func (r Reference) String() string {
	return r.Name() + ":" + r.Tag
}

// Familiar returns the short form users type, e.g. "babelcloud/gbox:latest"
func (r Reference) Familiar() string {
	named, err := reference.ParseNormalizedNamed(r.String())
	if err != nil {
		return r.String()
	}
	return reference.FamiliarString(named)
}

// WithRegistry returns a copy served by another registry
func (r Reference) WithRegistry(registry string) Reference {
	r.Registry = registry
	return r
}

// WithTag returns a copy with another tag
func (r Reference) WithTag(tag string) Reference {
	r.Tag = tag
	return r
}

// Previous returns the rollback anchor for this repository
func (r Reference) Previous() Reference {
	return r.WithTag(PreviousTag)
}
