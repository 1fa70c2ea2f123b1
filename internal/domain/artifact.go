package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ArtifactReference identifies one built image. Fields are unexported so a
// reference cannot change after NewArtifactReference validated it.
type ArtifactReference struct {
	id         string
	repository string
	tag        string
}

func NewArtifactReference(identifier, repository, tag string) (ArtifactReference, error) {
	identifier = strings.TrimSpace(identifier)
	repository = strings.TrimSpace(repository)
	tag = strings.TrimSpace(tag)

	if identifier == "" {
		return ArtifactReference{}, &ValidationError{Field: "identifier", Reason: "must not be empty"}
	}
	if repository == "" {
		return ArtifactReference{}, &ValidationError{Field: "repository", Reason: "must not be empty"}
	}
	if !IsBuildCounter(tag) {
		return ArtifactReference{}, &ValidationError{
			Field:  "tag",
			Value:  tag,
			Reason: "must be a positive build number without leading zeros",
		}
	}

	return ArtifactReference{id: identifier, repository: repository, tag: tag}, nil
}

// IsBuildCounter reports whether s is a positive decimal integer with no sign
// and no leading zeros.
func IsBuildCounter(s string) bool {
	if s == "" || s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

func (a ArtifactReference) ID() string         { return a.id }
func (a ArtifactReference) Repository() string { return a.repository }
func (a ArtifactReference) Tag() string        { return a.tag }
func (a ArtifactReference) IsZero() bool       { return a.id == "" }

func (a ArtifactReference) Image() string {
	if a.IsZero() {
		return ""
	}
	return a.repository + ":" + a.tag
}

// BuildNumber is the numeric value of the tag. Zero for the zero reference.
func (a ArtifactReference) BuildNumber() uint64 {
	n, _ := strconv.ParseUint(a.tag, 10, 64)
	return n
}

type artifactJSON struct {
	ID         string `json:"id"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

func (a ArtifactReference) MarshalJSON() ([]byte, error) {
	if a.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(artifactJSON{ID: a.id, Repository: a.repository, Tag: a.tag})
}

// UnmarshalJSON applies the same validation as NewArtifactReference.
func (a *ArtifactReference) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*a = ArtifactReference{}
		return nil
	}
	var v artifactJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	ref, err := NewArtifactReference(v.ID, v.Repository, v.Tag)
	if err != nil {
		return err
	}
	*a = ref
	return nil
}

// SourceRef is what a build starts from.
type SourceRef struct {
	Repository  string `json:"repository"`
	Revision    string `json:"revision,omitempty"`
	BuildNumber string `json:"build_number"`
}
