package fanout

import (
	"cmp"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// TopicMapper decides which fan-out topics receive an event. An empty
// result means the event is not mirrored.
type TopicMapper interface {
	Topics(ev Event) []string
}

// MapperFactory builds a TopicMapper from the fan-out options.
type MapperFactory func(opts Options) (TopicMapper, error)

// Predefined mappers.
const (
	MapperDefault = "default"
	MapperPrefix  = "prefix"
	MapperNone    = "none"
)

var (
	mapperMu sync.RWMutex
	mappers  = make(map[string]MapperFactory)
)

// RegisterMapper adds a mapper to the registry. Custom mappers must be
// registered before the publisher is constructed; registering the same name
// twice replaces the earlier factory.
func RegisterMapper(name string, f MapperFactory) {
	mapperMu.Lock()
	defer mapperMu.Unlock()
	mappers[name] = f
}

func newMapper(name string, opts Options) (TopicMapper, error) {
	mapperMu.RLock()
	f, ok := mappers[name]
	mapperMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown fan-out mapper: %s", name)
	}
	return f(opts)
}

// sharedTopicMapper routes every event to one shared topic.
type sharedTopicMapper struct {
	topic string
}

func (m sharedTopicMapper) Topics(Event) []string {
	return []string{m.topic}
}

// noneMapper disables fan-out.
type noneMapper struct{}

func (noneMapper) Topics(Event) []string { return nil }

// prefixMapper routes by entity-ID prefix, longest match first. Entities
// matching no route go to the fallback topic, or nowhere if none is set.
type prefixMapper struct {
	routes   []prefixRoute
	fallback string
}

type prefixRoute struct {
	prefix string
	topic  string
}

// prefixMapperConfig is decoded from Options.MapperConfig.
type prefixMapperConfig struct {
	Routes   map[string]string `mapstructure:"routes"`
	Fallback string            `mapstructure:"fallback"`
}

func newPrefixMapper(opts Options) (TopicMapper, error) {
	var cfg prefixMapperConfig
	if err := mapstructure.Decode(opts.MapperConfig, &cfg); err != nil {
		return nil, fmt.Errorf("error decoding prefix mapper config: %w", err)
	}
	if len(cfg.Routes) == 0 {
		return nil, errors.New("prefix mapper requires at least one route")
	}

	m := &prefixMapper{fallback: cfg.Fallback}
	for prefix, topic := range cfg.Routes {
		if topic == "" {
			return nil, fmt.Errorf("prefix mapper route %q has no topic", prefix)
		}
		m.routes = append(m.routes, prefixRoute{prefix: prefix, topic: topic})
	}
	sort.Slice(m.routes, func(i, j int) bool {
		if len(m.routes[i].prefix) != len(m.routes[j].prefix) {
			return len(m.routes[i].prefix) > len(m.routes[j].prefix)
		}
		return m.routes[i].prefix < m.routes[j].prefix
	})
	return m, nil
}

func (m *prefixMapper) Topics(ev Event) []string {
	for _, r := range m.routes {
		if strings.HasPrefix(ev.EntityID, r.prefix) {
			return []string{r.topic}
		}
	}
	if m.fallback != "" {
		return []string{m.fallback}
	}
	return nil
}

func init() {
	RegisterMapper(MapperDefault, func(opts Options) (TopicMapper, error) {
		return sharedTopicMapper{topic: cmp.Or(opts.Topic, "events")}, nil
	})
	RegisterMapper(MapperPrefix, newPrefixMapper)
	RegisterMapper(MapperNone, func(Options) (TopicMapper, error) {
		return noneMapper{}, nil
	})
}
