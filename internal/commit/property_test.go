package commit

import (
	"bytes"
	"encoding/json"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// encodeObject 按给定键顺序手工拼接 JSON 对象，indent 为真时插入换行与缩进。
func encodeObject(m map[string]string, keys []string, indent bool) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if indent {
			buf.WriteString("\n  ")
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m[k])
		buf.Write(kb)
		buf.WriteByte(':')
		if indent {
			buf.WriteByte(' ')
		}
		buf.Write(vb)
	}
	if indent {
		buf.WriteByte('\n')
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// TestHashConfigOrderIndependence 验证 hash_config 与键顺序、空白无关。
// Property: HashConfig(encode(m, asc)) == HashConfig(encode(m, desc, indented))
func TestHashConfigOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hash_config ignores key order and whitespace", prop.ForAll(
		func(m map[string]string) bool {
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			reversed := make([]string, len(keys))
			for i, k := range keys {
				reversed[len(keys)-1-i] = k
			}

			a, errA := HashConfig(encodeObject(m, keys, false))
			b, errB := HashConfig(encodeObject(m, reversed, true))
			if errA != nil || errB != nil {
				return false
			}
			return a == b
		},
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestHashConfigSensitivity 验证任意值变化都会改变 hash_config。
// Property: v1 != v2 => HashConfig({k: v1}) != HashConfig({k: v2})
func TestHashConfigSensitivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hash_config changes with values", prop.ForAll(
		func(key, v1, v2 string) bool {
			if v1 == v2 {
				return true
			}
			a, _ := HashConfig(encodeObject(map[string]string{key: v1}, []string{key}, false))
			b, _ := HashConfig(encodeObject(map[string]string{key: v2}, []string{key}, false))
			return a != b
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
