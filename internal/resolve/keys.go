package resolve

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/graph"
	"github.com/gyaneshwarpardhi/provgraph/internal/oracle"
	"github.com/gyaneshwarpardhi/provgraph/internal/schema"
)

// Keys are the blocking keys and relations extracted from one event.
type Keys struct {
	Identifiers []string
	Names       []string
	Relations   []graph.Relation
}

// All returns every blocking key, sorted.
func (k Keys) All() []string {
	out := make([]string, 0, len(k.Identifiers)+len(k.Names))
	out = append(out, k.Identifiers...)
	out = append(out, k.Names...)
	sort.Strings(out)
	return out
}

// IdentifierKey renders the blocking key of an identifier value.
func IdentifierKey(entityType, namespace, value string) string {
	return "ident/" + entityType + "/" + namespace + "/" + value
}

// NameKey renders the blocking key of a folded name token.
func NameKey(entityType, token string) string {
	return "name/" + entityType + "/" + token
}

// ExtractKeys derives blocking keys and relations from ev using the roles
// declared in s.
func ExtractKeys(s *schema.Schema, ev event.Event, minTokenLength int) Keys {
	var k Keys
	ident := make(map[string]bool)
	names := make(map[string]bool)
	for _, a := range s.Attributes {
		v, ok := ev.Payload[a.Name]
		if !ok {
			continue
		}
		switch a.Role {
		case schema.RoleIdentifier:
			for _, val := range scalars(v) {
				ident[IdentifierKey(s.EntityType, namespaceOf(a.Namespace, a.Name), val)] = true
			}
		case schema.RoleName:
			for _, val := range scalars(v) {
				for _, tok := range Tokens(val, minTokenLength) {
					names[NameKey(s.EntityType, tok)] = true
				}
			}
		case schema.RoleRelation:
			for _, val := range scalars(v) {
				k.Relations = append(k.Relations, graph.Relation{
					Type:       a.Relation,
					TargetKey:  IdentifierKey(a.TargetType, namespaceOf(a.Namespace, a.Name), val),
					TargetType: a.TargetType,
					Attribute:  a.Name,
					Value:      val,
				})
			}
		}
	}
	k.Identifiers = sortedSet(ident)
	k.Names = sortedSet(names)
	sort.Slice(k.Relations, func(i, j int) bool {
		if k.Relations[i].Type != k.Relations[j].Type {
			return k.Relations[i].Type < k.Relations[j].Type
		}
		return k.Relations[i].TargetKey < k.Relations[j].TargetKey
	})
	return k
}

// Tokens folds s and splits it on anything that is not a letter or digit,
// dropping tokens shorter than minLength runes.
func Tokens(s string, minLength int) []string {
	fields := strings.FieldsFunc(oracle.Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < minLength || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func namespaceOf(ns, attr string) string {
	if ns != "" {
		return ns
	}
	return attr
}

// scalars flattens a normalized payload value into key material.
func scalars(v any) []string {
	switch x := v.(type) {
	case string:
		if x == "" {
			return nil
		}
		return []string{x}
	case float64:
		return []string{strconv.FormatFloat(x, 'f', -1, 64)}
	case bool:
		return []string{strconv.FormatBool(x)}
	case []any:
		var out []string
		for _, item := range x {
			out = append(out, scalars(item)...)
		}
		return out
	case nil:
		return nil
	default:
		return []string{fmt.Sprint(x)}
	}
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
