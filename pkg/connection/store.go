package connection

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Store holds the configured connections and which one is selected.
type Store struct {
	mu          sync.RWMutex
	connections map[string]*Config
	order       []string
	selected    string
}

func NewStore(configs ...*Config) (*Store, error) {
	s := &Store{connections: map[string]*Config{}}
	for _, c := range configs {
		if err := s.Add(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LoadStore reads the `connections` list and `selected-connection` key from viper.
func LoadStore(v *viper.Viper) (*Store, error) {
	var configs []*Config
	if err := v.UnmarshalKey("connections", &configs); err != nil {
		return nil, errors.Wrap(err, "could not decode connections")
	}

	s, err := NewStore(configs...)
	if err != nil {
		return nil, err
	}

	if selected := v.GetString("selected-connection"); selected != "" {
		if err := s.Select(selected); err != nil {
			return nil, err
		}
	}

	log.Debug().
		Int("connections", len(configs)).
		Str("selected", s.selected).
		Msg("Loaded connections")

	return s, nil
}

func (s *Store) Add(c *Config) error {
	if c == nil {
		return errors.New("connection is nil")
	}
	if c.ID == "" {
		return errors.New("connection has no id")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Kind == "" {
		c.Kind = KindDirect
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.connections[c.ID]; !exists {
		s.order = append(s.order, c.ID)
	}
	s.connections[c.ID] = c
	if s.selected == "" {
		s.selected = c.ID
	}
	return nil
}

func (s *Store) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[id]; !ok {
		return errors.Errorf("unknown connection %q", id)
	}
	s.selected = id
	return nil
}

// Selected returns a copy of the selected connection, nil if there is none.
func (s *Store) Selected() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections[s.selected].Clone()
}

func (s *Store) Get(id string) (*Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[id]
	return c.Clone(), ok
}

func (s *Store) List() []*Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make([]*Config, 0, len(s.order))
	for _, id := range s.order {
		ret = append(ret, s.connections[id].Clone())
	}
	return ret
}

func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := append([]string(nil), s.order...)
	sort.Strings(ret)
	return ret
}
