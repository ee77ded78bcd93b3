package cassette

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// Metadata is the parsed form of a cassette's info() document. Unknown or
// mistyped fields are left at their zero value.
type Metadata struct {
	Name          string
	Description   string
	Version       string
	Software      string
	Pubkey        string
	Contact       string
	EventCount    int
	SupportedNIPs []int
}

// ParseMetadata parses an info() document. It fails when the document is not
// a JSON object.
func ParseMetadata(doc string) (*Metadata, error) {
	parsed, err := gabs.ParseJSON([]byte(doc))
	if err != nil {
		return nil, err
	}
	if _, ok := parsed.Data().(map[string]interface{}); !ok {
		return nil, errors.New("info is not a JSON object")
	}

	m := &Metadata{
		Name:        stringField(parsed, "name"),
		Description: stringField(parsed, "description"),
		Version:     stringField(parsed, "version"),
		Software:    stringField(parsed, "software"),
		Pubkey:      stringField(parsed, "pubkey"),
		Contact:     stringField(parsed, "contact"),
	}
	if n, ok := toInt(parsed.Search("event_count").Data()); ok {
		m.EventCount = n
	}
	for _, child := range parsed.Search("supported_nips").Children() {
		if n, ok := toInt(child.Data()); ok {
			m.SupportedNIPs = append(m.SupportedNIPs, n)
		}
	}
	return m, nil
}

// unnamedCassette stands in for a missing name in Summary.
const unnamedCassette = "Cassette"

// Summary renders "<name> (supports NIPs: 1, 11)", using "Cassette" when
// the document has no name.
func (m *Metadata) Summary() string {
	name := m.Name
	if name == "" {
		name = unnamedCassette
	}
	if len(m.SupportedNIPs) == 0 {
		return name
	}
	nips := make([]string, len(m.SupportedNIPs))
	for i, n := range m.SupportedNIPs {
		nips[i] = strconv.Itoa(n)
	}
	return name + " (supports NIPs: " + strings.Join(nips, ", ") + ")"
}

func stringField(c *gabs.Container, key string) string {
	s, _ := c.Search(key).Data().(string)
	return s
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
