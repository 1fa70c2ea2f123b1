package gitops_git

import (
	"github.com/davarch/ci-promoter/internal/domain"
	"gopkg.in/yaml.v3"
)

func lookup(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func stateOf(doc *yaml.Node) domain.DesiredState {
	var st domain.DesiredState
	img := lookup(doc.Content[0], "image")
	if img == nil || img.Kind != yaml.MappingNode {
		return st
	}
	if n := lookup(img, "repository"); n != nil {
		st.Repository = n.Value
	}
	if n := lookup(img, "tag"); n != nil {
		st.Tag = n.Value
	}
	return st
}

// setImage edits image.repository and image.tag in place so comments and
// key order of the rest of the file survive.
func setImage(doc *yaml.Node, repository, tag string) {
	root := doc.Content[0]
	img := lookup(root, "image")
	if img == nil || img.Kind != yaml.MappingNode {
		img = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		root.Content = append(root.Content, scalar("image"), img)
	}
	if repository != "" {
		put(img, "repository", repository, 0)
	}
	put(img, "tag", tag, yaml.DoubleQuotedStyle)
}

func put(m *yaml.Node, key, value string, style yaml.Style) {
	if n := lookup(m, key); n != nil {
		n.Kind = yaml.ScalarNode
		n.Tag = "!!str"
		n.Value = value
		if style != 0 {
			n.Style = style
		}
		return
	}
	v := scalar(value)
	v.Style = style
	m.Content = append(m.Content, scalar(key), v)
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}
