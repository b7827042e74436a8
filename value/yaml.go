package value

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// FromYAML decodes a YAML document into a value, preserving mapping key
// order. It walks the yaml.Node tree; decoding into a Go map would lose the
// order.
func FromYAML(data []byte) (*Value, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 {
		return Null(), nil
	}
	return fromYAMLNode(&doc)
}

func fromYAMLNode(n *yaml.Node) (*Value, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return Null(), nil
		}
		return fromYAMLNode(n.Content[0])
	case yaml.MappingNode:
		obj := NewObject()
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			member, err := fromYAMLNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			obj.Set(key, member)
		}
		return obj, nil
	case yaml.SequenceNode:
		arr := NewArray()
		for _, c := range n.Content {
			elem, err := fromYAMLNode(c)
			if err != nil {
				return nil, err
			}
			arr.Append(elem)
		}
		return arr, nil
	case yaml.AliasNode:
		return fromYAMLNode(n.Alias)
	case yaml.ScalarNode:
		return fromYAMLScalar(n)
	default:
		return nil, fmt.Errorf("unsupported yaml node kind %d", n.Kind)
	}
}

func fromYAMLScalar(n *yaml.Node) (*Value, error) {
	switch n.Tag {
	case "!!null":
		return Null(), nil
	case "!!bool":
		b, err := strconv.ParseBool(n.Value)
		if err != nil {
			return nil, err
		}
		return NewBool(b), nil
	case "!!int":
		i, err := strconv.ParseInt(n.Value, 0, 64)
		if err != nil {
			return nil, err
		}
		return NewInt(i), nil
	case "!!float":
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return nil, err
		}
		return NewFloat(f), nil
	default:
		return NewString(n.Value), nil
	}
}
