package manager

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// expandPathCandidates turns a scheduling-instruction yaml_element such as
// "spec[.template[.spec]].replicas" into every dotted path obtained by
// including or excluding each optional bracketed segment, ordered from
// most to least nested, so a Kubernetes Deployment's nested pod spec and a
// bare Pod's top-level spec can share one instruction.
func expandPathCandidates(path string) []string {
	segments, _ := parseSegments(path)
	return combine(segments)
}

type segment struct {
	literal  string
	optional []segment
}

// parseSegments reads path left to right, splitting literal text from
// bracket groups. A bracket group's content starts with '.' and is parsed
// recursively so nested optional groups work.
func parseSegments(path string) ([]segment, int) {
	var segs []segment
	var buf strings.Builder
	i := 0
	flush := func() {
		if buf.Len() > 0 {
			segs = append(segs, segment{literal: buf.String()})
			buf.Reset()
		}
	}
	for i < len(path) {
		c := path[i]
		switch c {
		case '[':
			flush()
			inner, consumed := parseSegments(path[i+1:])
			segs = append(segs, segment{optional: inner})
			i += consumed + 1 // skip past matching ']'
		case ']':
			flush()
			return segs, i + 1
		default:
			buf.WriteByte(c)
			i++
		}
	}
	flush()
	return segs, i
}

// combine expands optional segments into every inclusion/exclusion
// combination, returning full dotted paths with the most-nested candidate
// first.
func combine(segs []segment) []string {
	if len(segs) == 0 {
		return []string{""}
	}
	head := segs[0]
	tails := combine(segs[1:])

	var out []string
	if head.optional != nil {
		for _, opt := range combine(head.optional) {
			for _, tail := range tails {
				out = append(out, joinDotted(opt, tail))
			}
		}
	}
	for _, tail := range tails {
		out = append(out, joinDotted(head.literal, tail))
	}
	return out
}

func joinDotted(a, b string) string {
	a = strings.Trim(a, ".")
	b = strings.Trim(b, ".")
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "." + b
	}
}

// applyInstruction sets value at the first candidate path of yamlElement
// that already exists in doc (as decided by gjson against doc's JSON
// projection), falling back to the last, least-nested candidate if none
// resolve.
func applyInstruction(doc map[string]interface{}, yamlElement string, value interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	raw := string(data)

	candidates := expandPathCandidates(yamlElement)
	target := candidates[len(candidates)-1]
	for _, c := range candidates {
		if gjson.Get(raw, gjsonPath(c)).Exists() {
			target = c
			break
		}
	}
	return setAtPath(doc, strings.Split(target, "."), value)
}

func gjsonPath(dotted string) string { return dotted }

// setAtPath walks keys into doc, creating intermediate maps as needed, and
// assigns value at the final key.
func setAtPath(doc map[string]interface{}, keys []string, value interface{}) error {
	cur := doc
	for i, k := range keys[:len(keys)-1] {
		next, ok := cur[k]
		if !ok {
			m := make(map[string]interface{})
			cur[k] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			m = make(map[string]interface{})
			cur[k] = m
		}
		cur = m
		_ = i
	}
	cur[keys[len(keys)-1]] = value
	return nil
}
